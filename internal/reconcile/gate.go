package reconcile

import "context"

// Gate serializes sync passes. Exactly one actor (the push listener,
// the background scheduler, or a forced refresh) may hold it at a time.
//
// Background work uses TryAcquire and skips the pass when the gate is
// busy; user-initiated work uses Acquire and queues behind the holder
// so a forced refresh is delayed, never dropped.
type Gate struct {
	slot chan struct{}
}

// NewGate creates an unheld gate.
func NewGate() *Gate {
	return &Gate{slot: make(chan struct{}, 1)}
}

// Acquire blocks until the gate is free or ctx is cancelled.
func (g *Gate) Acquire(ctx context.Context) error {
	select {
	case g.slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryAcquire takes the gate if it is free, without blocking.
func (g *Gate) TryAcquire() bool {
	select {
	case g.slot <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release frees the gate. Must only be called by the current holder.
func (g *Gate) Release() {
	<-g.slot
}
