//go:build linux

package cyclic

import (
	"runtime"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Best effort, a missing capability only costs jitter
const rtNice = -15

func (e *Engine) realtime() func() {
	runtime.LockOSThread()
	tid := unix.Gettid()
	logger := e.logger.WithField("tid", tid)
	if err := unix.Mlockall(unix.MCL_CURRENT | unix.MCL_FUTURE); err != nil {
		logger.Warnf("failed to lock memory : %v", err)
	}
	prev, err := unix.Getpriority(unix.PRIO_PROCESS, tid)
	if err != nil {
		logger.Warnf("failed to read priority : %v", err)
	}
	if err := unix.Setpriority(unix.PRIO_PROCESS, tid, rtNice); err != nil {
		logger.Warnf("failed to raise priority : %v", err)
	} else {
		logger.WithField("nice", rtNice).Debug("cyclic thread priority raised")
	}
	return func() {
		// Getpriority returns 20-nice on linux
		if err == nil {
			_ = unix.Setpriority(unix.PRIO_PROCESS, tid, 20-prev)
		}
		if err := unix.Munlockall(); err != nil {
			log.Debugf("munlockall : %v", err)
		}
		runtime.UnlockOSThread()
	}
}
