//go:build !linux

package cyclic

import "runtime"

func (e *Engine) realtime() func() {
	runtime.LockOSThread()
	return runtime.UnlockOSThread
}
