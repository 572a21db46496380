package envelope

import "sync/atomic"

// Gate caps the number of concurrently active builds server-wide.
type Gate struct {
	max    int64
	active atomic.Int64
}

// NewGate creates a gate admitting at most max holders.
func NewGate(max int) *Gate {
	return &Gate{max: int64(max)}
}

// TryAcquire takes a slot if one is free.
func (g *Gate) TryAcquire() bool {
	for {
		cur := g.active.Load()
		if cur >= g.max {
			return false
		}
		if g.active.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// Release frees a slot taken by TryAcquire.
func (g *Gate) Release() {
	for {
		cur := g.active.Load()
		if cur <= 0 {
			return
		}
		if g.active.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

// Active returns the number of held slots.
func (g *Gate) Active() int { return int(g.active.Load()) }

// Max returns the ceiling.
func (g *Gate) Max() int { return int(g.max) }
