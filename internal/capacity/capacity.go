package capacity

// Package capacity implements the per-worker admission controller: a single
// mutex-guarded counter enforcing 0 <= running <= capacity. It is the one
// serialization point for capacity changes in a worker process; everything
// else runs concurrently around it.

import "sync"

// Controller guards a fixed concurrency ceiling with one atomic
// reserve-or-reject operation. It is not distributed: each worker enforces
// its own ceiling independently.
type Controller struct {
	mu       sync.Mutex
	capacity int
	running  int
}

// New creates a Controller with the given ceiling.
func New(capacity int) *Controller {
	if capacity < 0 {
		capacity = 0
	}
	return &Controller{capacity: capacity}
}

// TryReserve atomically checks running < capacity; on success it increments
// and returns true, on failure it returns false without side effects.
func (c *Controller) TryReserve() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running >= c.capacity {
		return false
	}
	c.running++
	return true
}

// Release decrements the running count. It must be called exactly once per
// task on any terminal transition.
func (c *Controller) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running > 0 {
		c.running--
	}
}

// Snapshot returns the current capacity and running counts. The numbers are
// advisory only: callers must attempt submission and treat rejection as the
// authoritative capacity signal.
func (c *Controller) Snapshot() (capacity, running int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capacity, c.running
}
