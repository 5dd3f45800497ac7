package source

import (
	"context"
	"sync"
)

// Backpressure returns a paired Valve/Ingestion over a channel that
// starts open. The Valve is the producer-facing control surface;
// Ingestion is the consumer-facing wait primitive.
func Backpressure() (*Valve, *Ingestion) {
	bp := &backpressureState{}
	bp.cond = sync.NewCond(&bp.mu)
	return &Valve{bp: bp}, &Ingestion{bp: bp}
}

type backpressureState struct {
	mu     sync.Mutex
	cond   *sync.Cond
	closed bool
	torndown bool
}

// Valve is the producer-facing half of a backpressure channel.
type Valve struct{ bp *backpressureState }

// ApplyPressure closes the channel, returning true iff it
// transitioned from open to closed; idempotent otherwise.
func (v *Valve) ApplyPressure() bool {
	v.bp.mu.Lock()
	defer v.bp.mu.Unlock()
	if v.bp.closed {
		return false
	}
	v.bp.closed = true
	return true
}

// ReleasePressure reopens the channel, returning true iff it
// transitioned from closed to open.
func (v *Valve) ReleasePressure() bool {
	v.bp.mu.Lock()
	defer v.bp.mu.Unlock()
	if !v.bp.closed {
		return false
	}
	v.bp.closed = false
	v.bp.cond.Broadcast()
	return true
}

// Close marks the channel torn down; any concurrent Ingestion.Wait
// is released immediately, even while the channel is closed.
func (v *Valve) Close() {
	v.bp.mu.Lock()
	defer v.bp.mu.Unlock()
	v.bp.torndown = true
	v.bp.cond.Broadcast()
}

// Ingestion is the consumer-facing half of a backpressure channel.
type Ingestion struct{ bp *backpressureState }

// Wait blocks while the channel is closed, returning when it reopens,
// when ctx is cancelled, or when the paired Valve is torn down. It
// does not require a matching ReleasePressure call to return.
func (ing *Ingestion) Wait(ctx context.Context) error {
	ing.bp.mu.Lock()
	if !ing.bp.closed || ing.bp.torndown {
		ing.bp.mu.Unlock()
		return ctx.Err()
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			ing.bp.mu.Lock()
			ing.bp.cond.Broadcast()
			ing.bp.mu.Unlock()
		case <-done:
		}
	}()
	defer close(done)

	for ing.bp.closed && !ing.bp.torndown && ctx.Err() == nil {
		ing.bp.cond.Wait()
	}
	ing.bp.mu.Unlock()
	return ctx.Err()
}
