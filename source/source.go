// Package source implements the source thread model: one owning
// goroutine per source operator, pulling buffers from a thread-local
// sub-pool, labeling them with origin and sequence metadata, and
// emitting them downstream through a registered emit function.
// Backpressure builds a cancellable Valve/Ingestion pair; a
// SourceThread does not wait on an Ingestion itself.
//
// A SourceThread is lazily started, has an explicit stop/close
// sequence, and reports failures through a typed error rather than a
// panic. Logf is a nil-checked logging hook in the same style as the
// rest of the engine.
package source

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/flowcore/flowcore/buf"
	"github.com/flowcore/flowcore/ids"
)

// EventKind tags what a Source emitted for one pull.
type EventKind uint8

const (
	EventData EventKind = iota
	EventEoS
	EventError
	EventStopped
)

// Event is delivered to the registered emit function for every pull
// the source thread performs.
type Event struct {
	Origin ids.OriginId
	Kind   EventKind
	Buffer *buf.TupleBuffer // valid only when Kind == EventData; caller must Release it
	Err    error            // valid only when Kind == EventError
}

// FillResult is returned by Source.FillTupleBuffer.
type FillResult struct {
	BytesWritten int
	EoS          bool
}

// Source is the plugin contract a concrete source (TCP, file, ...)
// implements; package source/tcpsource provides one implementation.
type Source interface {
	// FillTupleBuffer writes as many tuples as fit into buffer and
	// returns the number of bytes written, or EoS=true if the
	// underlying stream is exhausted. It must return promptly once
	// ctx is cancelled.
	FillTupleBuffer(ctx context.Context, buffer *buf.TupleBuffer, pool *buf.Pool) (FillResult, error)
}

// RunningRoutineFailure wraps an error raised from within the source
// loop, whether returned by FillTupleBuffer or recovered from a panic.
type RunningRoutineFailure struct{ Err error }

func (e *RunningRoutineFailure) Error() string { return "source: running routine failure: " + e.Err.Error() }
func (e *RunningRoutineFailure) Unwrap() error { return e.Err }

// StopBeforeStartFailure is returned by Stop when called before the
// thread was ever started.
var StopBeforeStartFailure = errors.New("source: stop called before start")

// CannotProduceSourceBuffer is returned when the thread-local sub-pool
// cannot produce a buffer for a reason other than cancellation (e.g.
// the sub-pool was closed); cancellation ends the loop with
// EventStopped instead.
var CannotProduceSourceBuffer = errors.New("source: cannot produce source buffer")

type threadState int32

const (
	stateIdle threadState = iota
	stateRunning
	stateStopped
)

// SourceThread owns one source's lifecycle: a goroutine pulling
// buffers from a thread-local sub-pool and emitting labeled events.
type SourceThread struct {
	origin   ids.OriginId
	src      Source
	pool     *buf.Pool
	subPool  *buf.Pool
	emit     func(Event)
	Logf     func(format string, args ...any)

	state    atomic.Int32
	started  atomic.Bool
	seq      atomic.Uint64
	cancel   context.CancelFunc
	done     chan struct{}
	doneOnce sync.Once
	doneErr  error
}

// NewSourceThread constructs a SourceThread reading from src. Start
// creates the thread-local sub-pool lazily as a new buf.Pool of its
// own; pool is kept on the thread, but no buffer is drawn from it.
func NewSourceThread(origin ids.OriginId, src Source, pool *buf.Pool, emit func(Event)) *SourceThread {
	return &SourceThread{origin: origin, src: src, pool: pool, emit: emit, done: make(chan struct{})}
}

func (t *SourceThread) logf(format string, args ...any) {
	if t.Logf != nil {
		t.Logf(format, args...)
	}
}

// Start atomically transitions the thread to Running and spawns the
// pull loop. subPoolCount/subPoolBufSize size the thread-local
// sub-pool created lazily on first Start.
func (t *SourceThread) Start(subPoolCount, subPoolBufSize int) error {
	if !t.state.CompareAndSwap(int32(stateIdle), int32(stateRunning)) {
		return fmt.Errorf("source: thread already started")
	}
	t.started.Store(true)
	sp, err := buf.NewPool(subPoolCount, subPoolBufSize)
	if err != nil {
		t.state.Store(int32(stateStopped))
		return fmt.Errorf("source: creating sub-pool: %w", err)
	}
	t.subPool = sp

	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	go t.loop(ctx)
	return nil
}

func (t *SourceThread) loop(ctx context.Context) {
	defer close(t.done)
	for {
		if ctx.Err() != nil {
			t.emit(Event{Origin: t.origin, Kind: EventStopped})
			return
		}
		buffer, err := t.subPool.GetBufferBlocking(ctx)
		if err != nil {
			if ctx.Err() != nil {
				t.emit(Event{Origin: t.origin, Kind: EventStopped})
				return
			}
			t.doneErr = fmt.Errorf("%w: %v", CannotProduceSourceBuffer, err)
			t.emit(Event{Origin: t.origin, Kind: EventError, Err: t.doneErr})
			return
		}

		result, err := t.fill(ctx, buffer)
		if err != nil {
			buffer.Release()
			if ctx.Err() != nil {
				t.emit(Event{Origin: t.origin, Kind: EventStopped})
				return
			}
			wrapped := &RunningRoutineFailure{Err: err}
			t.doneErr = wrapped
			t.emit(Event{Origin: t.origin, Kind: EventError, Err: wrapped})
			return
		}
		if result.EoS {
			buffer.Release()
			t.emit(Event{Origin: t.origin, Kind: EventEoS})
			return
		}
		if result.BytesWritten == 0 {
			buffer.Release()
			continue
		}

		buffer.SetUsed(result.BytesWritten)
		seq := ids.SequenceNumber(t.seq.Add(1))
		buffer.SetOrigin(t.origin)
		buffer.SetSequence(seq)
		buffer.SetChunk(1)
		buffer.SetLastChunk(true)
		t.emit(Event{Origin: t.origin, Kind: EventData, Buffer: buffer})
	}
}

// fill recovers from a panicking Source implementation, turning it
// into a RunningRoutineFailure rather than crashing the process.
func (t *SourceThread) fill(ctx context.Context, buffer *buf.TupleBuffer) (result FillResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in source plugin: %v", r)
		}
	}()
	return t.src.FillTupleBuffer(ctx, buffer, t.subPool)
}

// Stop flips the thread to not-running; the loop observes cancellation
// on its next iteration and exits, emitting EventStopped. If the
// thread was never started, Stop returns StopBeforeStartFailure
// immediately without touching any goroutine.
func (t *SourceThread) Stop() error {
	if !t.started.Load() {
		return StopBeforeStartFailure
	}
	if t.state.CompareAndSwap(int32(stateRunning), int32(stateStopped)) {
		t.cancel()
	}
	return nil
}

// Wait blocks until the source loop has exited, returning the error
// (if any) that terminated it.
func (t *SourceThread) Wait() error {
	<-t.done
	return t.doneErr
}

// Close releases the thread-local sub-pool. Callers must call Stop
// and Wait before Close.
func (t *SourceThread) Close() error {
	if t.subPool == nil {
		return nil
	}
	return t.subPool.Close()
}
