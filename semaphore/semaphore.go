// Package semaphore provides a counting gauge with a soft-limit wait, used to
// apply backpressure between pipeline stages. A producer calls Add before
// handing an item downstream and WaitBelow before producing the next one; the
// consumer calls Done as items complete.
package semaphore

import "sync"

// Gauge tracks an in-flight item count. The zero value is unusable; call New.
type Gauge struct {
	mutex sync.Mutex
	cond  *sync.Cond
	level int
}

// New creates a Gauge with level zero.
func New() *Gauge {
	g := &Gauge{}
	g.cond = sync.NewCond(&g.mutex)
	return g
}

// Add increments the level by one.
func (g *Gauge) Add() {
	g.mutex.Lock()
	g.level++
	g.mutex.Unlock()
}

// Done decrements the level by one and wakes any WaitBelow callers.
func (g *Gauge) Done() {
	g.mutex.Lock()
	g.level--
	if g.level < 0 {
		panic("semaphore: more Done calls than Add calls")
	}
	g.mutex.Unlock()
	g.cond.Broadcast()
}

// WaitBelow blocks until the level is strictly below limit.
func (g *Gauge) WaitBelow(limit int) {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	for g.level >= limit {
		g.cond.Wait()
	}
}

// Level returns the current count. Only advisory; the level may change as
// soon as the mutex is released.
func (g *Gauge) Level() int {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	return g.level
}
