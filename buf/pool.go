// Package buf implements the tuple-buffer memory system: a pool of
// fixed-size, reference-counted buffers plus one-shot "unpooled"
// allocations for payloads that don't fit a pool buffer, and the
// child-buffer chaining protocol that lets a TupleBuffer carry
// variable-sized field data alongside its fixed-width tuples.
//
// The pool keeps a "fixed regions, explicit free-list, blocking or
// non-blocking acquire" shape over a single backing arena, generalized
// from a single global arena to an explicitly-owned, explicitly-sized
// *Pool: every caller that needs buffers is handed its own Pool rather
// than reaching for process-global state.
package buf

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrOutOfMemory is returned by NewPool when the pool's backing arena
// cannot be allocated. GetUnpooledBuffer allocates on the Go heap and
// does not return it.
var ErrOutOfMemory = errors.New("buf: cannot allocate buffer")

// ErrPoolExhausted is returned by GetBufferNoBlocking when no pooled
// buffer is currently free.
var ErrPoolExhausted = errors.New("buf: pool exhausted")

// ErrPoolClosed is returned once a Pool has been Closed.
var ErrPoolClosed = errors.New("buf: pool closed")

// Pool owns a fixed number of fixed-size buffers, handed out to
// callers as *TupleBuffer values and returned automatically once
// their reference count reaches zero.
type Pool struct {
	bufSize int

	mu     sync.Mutex
	cond   *sync.Cond
	free   [][]byte // backing slices available for reuse
	arena  []byte   // the single backing allocation free[] slices into
	closed bool

	unpooledCount int64 // observability: outstanding unpooled buffers
}

// NewPool allocates count fixed-size buffers of bufSize bytes each,
// backed by a single contiguous allocation rather than count separate
// allocations, so that the OS sees one mapping regardless of pool
// size.
func NewPool(count, bufSize int) (*Pool, error) {
	if count <= 0 || bufSize <= 0 {
		return nil, errors.New("buf: pool count and bufSize must be positive")
	}
	arena, err := allocArena(count * bufSize)
	if err != nil {
		return nil, err
	}
	p := &Pool{
		bufSize: bufSize,
		arena:   arena,
		free:    make([][]byte, 0, count),
	}
	p.cond = sync.NewCond(&p.mu)
	for i := 0; i < count; i++ {
		p.free = append(p.free, arena[i*bufSize:(i+1)*bufSize:(i+1)*bufSize])
	}
	return p, nil
}

// BufferSize returns the fixed size, in bytes, of buffers vended by
// this pool.
func (p *Pool) BufferSize() int { return p.bufSize }

// Close releases the pool's backing arena. It is the caller's
// responsibility to ensure no TupleBuffer from this pool is still
// outstanding.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	p.cond.Broadcast()
	return freeArena(p.arena)
}

func (p *Pool) take() ([]byte, bool) {
	n := len(p.free)
	if n == 0 {
		return nil, false
	}
	b := p.free[n-1]
	p.free = p.free[:n-1]
	return b, true
}

// GetBufferBlocking waits until a pooled buffer is available, or
// until ctx is done. A nil ctx blocks without a deadline.
func (p *Pool) GetBufferBlocking(ctx context.Context) (*TupleBuffer, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	done := make(chan struct{})
	defer close(done)
	if ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				p.cond.Broadcast()
			case <-done:
			}
		}()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		if p.closed {
			return nil, ErrPoolClosed
		}
		if b, ok := p.take(); ok {
			return newTupleBuffer(p, b), nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p.cond.Wait()
	}
}

// GetBufferNoBlocking returns ErrPoolExhausted instead of waiting
// when no buffer is currently free.
func (p *Pool) GetBufferNoBlocking() (*TupleBuffer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPoolClosed
	}
	b, ok := p.take()
	if !ok {
		return nil, ErrPoolExhausted
	}
	return newTupleBuffer(p, b), nil
}

// GetUnpooledBuffer returns a one-shot allocation for a payload that
// exceeds the pool's fixed buffer size. Unpooled buffers are not
// returned to the pool's free list; they are garbage collected once
// their reference count reaches zero (see TupleBuffer.Release).
func (p *Pool) GetUnpooledBuffer(size int) (*TupleBuffer, error) {
	if size <= 0 {
		return nil, errors.New("buf: unpooled buffer size must be positive")
	}
	mem := make([]byte, size)
	atomic.AddInt64(&p.unpooledCount, 1)
	tb := newTupleBuffer(nil, mem)
	tb.unpooledOwner = p
	return tb, nil
}

func (p *Pool) release(b []byte) {
	p.mu.Lock()
	if !p.closed {
		p.free = append(p.free, b[:cap(b)][:len(b):cap(b)])
	}
	p.mu.Unlock()
	p.cond.Signal()
}

func (p *Pool) releaseUnpooled() {
	atomic.AddInt64(&p.unpooledCount, -1)
}

// UnpooledOutstanding reports the number of unpooled buffers that
// have not yet been released; useful for tests and for the /status
// surface.
func (p *Pool) UnpooledOutstanding() int64 {
	return atomic.LoadInt64(&p.unpooledCount)
}

// clock is overridable in tests.
var clock = time.Now
