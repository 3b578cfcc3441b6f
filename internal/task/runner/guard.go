package runner

import "sync/atomic"

// Guard is a non-blocking re-entrancy flag. A caller that fails TryAcquire
// must skip its work; it never waits.
type Guard struct {
	held atomic.Bool
}

func (g *Guard) TryAcquire() bool { return g.held.CompareAndSwap(false, true) }

func (g *Guard) Release() { g.held.Store(false) }

func (g *Guard) Held() bool { return g.held.Load() }
