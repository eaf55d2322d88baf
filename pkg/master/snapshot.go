package master

import (
	"time"

	"github.com/samsamfire/goecat/pkg/fieldbus"
)

// Snapshot is a copy of the master state taken after a tick
type Snapshot struct {
	Seq    uint64
	WKC    int
	At     time.Time
	DCTime int64
	States []fieldbus.State
	Image  []byte
}

// Publish copies the process image and slave states into the shadow
// snapshot. Called by the control goroutine between exchanges.
func (c *Context) Publish(seq uint64, wkc int) {
	if c.closed {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shadow.Seq = seq
	c.shadow.WKC = wkc
	c.shadow.At = time.Now()
	c.shadow.DCTime = c.storage.DCTime
	c.shadow.States = c.shadow.States[:0]
	for i := 1; i <= c.storage.SlaveCount; i++ {
		c.shadow.States = append(c.shadow.States, c.storage.Slaves[i].State)
	}
	c.shadow.Image = append(c.shadow.Image[:0], c.storage.IOMap[:c.used]...)
}

// Snapshot returns a copy of the last published state. Safe to call from
// any goroutine.
func (c *Context) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := c.shadow
	s.States = append([]fieldbus.State(nil), c.shadow.States...)
	s.Image = append([]byte(nil), c.shadow.Image...)
	return s
}
