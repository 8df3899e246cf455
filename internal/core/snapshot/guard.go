// Package snapshot tracks executions that must not be captured by a
// concurrent checkpoint, such as a retrieval that is halfway through
// assembling its result.
package snapshot

import (
	"sync"
	"sync/atomic"
)

// Coordinator counts the non-snapshotable sections in flight.
type Coordinator struct {
	active atomic.Int64
}

// Enter marks the start of a non-snapshotable section. The returned guard
// must be released on every exit path, usually with defer.
func (c *Coordinator) Enter() *Guard {
	c.active.Add(1)
	return &Guard{c: c}
}

// Snapshotable reports whether no guarded section is in flight.
func (c *Coordinator) Snapshotable() bool {
	return c.active.Load() == 0
}

// Active returns the number of guarded sections in flight.
func (c *Coordinator) Active() int64 {
	return c.active.Load()
}

// Guard is a scoped non-snapshotable marker.
type Guard struct {
	c    *Coordinator
	once sync.Once
}

// Release ends the section. Calling it more than once is a no-op.
func (g *Guard) Release() {
	g.once.Do(func() { g.c.active.Add(-1) })
}
