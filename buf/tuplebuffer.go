package buf

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flowcore/flowcore/ids"
)

// ErrInvalidChildIndex is returned by LoadChildBuffer when the index
// does not name a previously stored child.
var ErrInvalidChildIndex = errors.New("buf: invalid child buffer index")

// ErrRefcountUnderflow is the ownership invariant violation raised
// when Release is called more times than Retain.
var ErrRefcountUnderflow = errors.New("buf: refcount underflow on release")

// TupleBuffer is a fixed-size (or, if unpooled, one-shot sized)
// contiguous memory region carrying a batch of tuples plus its
// header metadata: origin, sequencing, watermark, and a chain of
// child buffers used for variable-sized payloads.
//
// TupleBuffer is reference counted. A freshly obtained buffer (from
// Pool.GetBufferBlocking/NoBlocking/GetUnpooledBuffer) starts with a
// reference count of 1; Retain/Release adjust it, and the buffer is
// returned to its pool (or, if unpooled, simply dropped) when the
// count reaches zero.
type TupleBuffer struct {
	pool          *Pool // owning pool, or nil if unpooled
	unpooledOwner *Pool // pool to notify on release, when unpooled

	data []byte
	used int // bytes of data actually written by the caller

	refcount int32

	// header
	origin       ids.OriginId
	sequence     ids.SequenceNumber
	chunk        ids.ChunkNumber
	lastChunk    bool
	watermark    int64 // event-time watermark, unix millis
	createdAt    time.Time
	numberTuples uint64

	childMu  sync.Mutex
	children []*TupleBuffer

	// writeChild is the child buffer currently being appended to by
	// WriteVarSized. numberTuples on a child buffer means "bytes used",
	// so writeChild.numberTuples is the next write offset in it.
	writeChild *TupleBuffer
}

func newTupleBuffer(pool *Pool, data []byte) *TupleBuffer {
	return &TupleBuffer{
		pool:      pool,
		data:      data,
		refcount:  1,
		createdAt: clock(),
	}
}

// Bytes returns the full backing slice. Callers should prefer Used()
// for the portion actually written.
func (t *TupleBuffer) Bytes() []byte { return t.data }

// Used returns the number of bytes of Bytes() that hold meaningful
// data, as tracked by SetUsed.
func (t *TupleBuffer) Used() int { return t.used }

// SetUsed records how many bytes of the buffer a source or operator
// has written. It is a separate counter from NumberOfTuples; the
// "bytes used" of a child buffer filled by WriteVarSized is tracked in
// the child's NumberOfTuples, not here.
func (t *TupleBuffer) SetUsed(n int) {
	if n < 0 || n > len(t.data) {
		panic("buf: SetUsed out of range")
	}
	t.used = n
}

func (t *TupleBuffer) Size() int { return len(t.data) }

// Header accessors.

func (t *TupleBuffer) Origin() ids.OriginId           { return t.origin }
func (t *TupleBuffer) SetOrigin(o ids.OriginId)       { t.origin = o }
func (t *TupleBuffer) Sequence() ids.SequenceNumber   { return t.sequence }
func (t *TupleBuffer) SetSequence(s ids.SequenceNumber) { t.sequence = s }
func (t *TupleBuffer) Chunk() ids.ChunkNumber         { return t.chunk }
func (t *TupleBuffer) SetChunk(c ids.ChunkNumber)     { t.chunk = c }
func (t *TupleBuffer) LastChunk() bool                { return t.lastChunk }
func (t *TupleBuffer) SetLastChunk(v bool)            { t.lastChunk = v }
func (t *TupleBuffer) Watermark() int64               { return t.watermark }
func (t *TupleBuffer) SetWatermark(w int64)           { t.watermark = w }
func (t *TupleBuffer) CreatedAt() time.Time           { return t.createdAt }
func (t *TupleBuffer) NumberOfTuples() uint64         { return t.numberTuples }
func (t *TupleBuffer) SetNumberOfTuples(n uint64)     { t.numberTuples = n }

// Retain increments the reference count. Callers that hand a buffer
// to more than one consumer (e.g. fanning a buffer out to several
// pipeline instances) must Retain once per extra holder.
func (t *TupleBuffer) Retain() {
	atomic.AddInt32(&t.refcount, 1)
}

// Release decrements the reference count, returning the buffer to its
// pool (or, for unpooled buffers, dropping the owner's outstanding
// counter) once it reaches zero. Children are recursively released,
// since a parent buffer's children are kept alive by the parent's own
// reference.
func (t *TupleBuffer) Release() error {
	n := atomic.AddInt32(&t.refcount, -1)
	if n < 0 {
		return ErrRefcountUnderflow
	}
	if n > 0 {
		return nil
	}
	t.childMu.Lock()
	children := t.children
	t.children = nil
	t.childMu.Unlock()
	for _, c := range children {
		if err := c.Release(); err != nil {
			return err
		}
	}
	if t.pool != nil {
		hintUnused(t.data[:0])
		t.pool.release(t.data)
	} else if t.unpooledOwner != nil {
		t.unpooledOwner.releaseUnpooled()
	}
	return nil
}

// Refcount reports the current reference count; intended for tests
// and invariant assertions, not for production control flow.
func (t *TupleBuffer) Refcount() int32 { return atomic.LoadInt32(&t.refcount) }

// StoreChildBuffer appends child to this buffer's child-buffer array
// and returns its index. child is retained by the parent (released
// when the parent is released) and is independently refcounted, so
// the caller may also hold its own reference.
func (t *TupleBuffer) StoreChildBuffer(child *TupleBuffer) int {
	t.childMu.Lock()
	defer t.childMu.Unlock()
	child.Retain()
	t.children = append(t.children, child)
	return len(t.children) - 1
}

// LoadChildBuffer returns a newly retained reference to the child
// buffer at index, or ErrInvalidChildIndex if index is out of range.
func (t *TupleBuffer) LoadChildBuffer(index int) (*TupleBuffer, error) {
	t.childMu.Lock()
	defer t.childMu.Unlock()
	if index < 0 || index >= len(t.children) {
		return nil, ErrInvalidChildIndex
	}
	c := t.children[index]
	c.Retain()
	return c, nil
}

// GetNumberOfChildBuffers reports how many child buffers are
// currently attached.
func (t *TupleBuffer) GetNumberOfChildBuffers() int {
	t.childMu.Lock()
	defer t.childMu.Unlock()
	return len(t.children)
}

// VariableSizedAccess packs a (child-index, byte-offset) pair into a
// single 64-bit identifier, embedded in a VARSIZED tuple field.
type VariableSizedAccess uint64

// InvalidVariableSizedAccess is never produced by WriteVarSized.
const InvalidVariableSizedAccess VariableSizedAccess = 0xFFFFFFFFFFFFFFFF

func packAccess(childIndex, offset uint32) VariableSizedAccess {
	return VariableSizedAccess(uint64(childIndex)<<32 | uint64(offset))
}

func (v VariableSizedAccess) ChildIndex() uint32 { return uint32(v >> 32) }
func (v VariableSizedAccess) Offset() uint32     { return uint32(v) }

// WriteVarSized writes value into the buffer's child-buffer chain and
// returns the VariableSizedAccess identifying it. When prependLength
// is true, a uint32 length prefix precedes the bytes; otherwise only
// the raw bytes are written and the length must be carried out of
// band by the caller.
//
// pool supplies additional child buffers as the current one fills up;
// a value that does not fit in a single pool-sized buffer gets its
// own unpooled child.
func (t *TupleBuffer) WriteVarSized(pool *Pool, value []byte, prependLength bool) (VariableSizedAccess, error) {
	need := len(value)
	if prependLength {
		need += 4
	}
	child, childIdx, err := t.childForWrite(pool, need)
	if err != nil {
		return 0, err
	}
	offset := uint32(child.numberTuples)
	buf := child.data[child.numberTuples:]
	if prependLength {
		binary.LittleEndian.PutUint32(buf, uint32(len(value)))
		buf = buf[4:]
	}
	copy(buf, value)
	child.numberTuples += uint64(need)
	return packAccess(uint32(childIdx), offset), nil
}

// childForWrite returns a child buffer (creating one via pool if
// necessary) with at least `need` free bytes, and that child's index
// within t's child array.
func (t *TupleBuffer) childForWrite(pool *Pool, need int) (*TupleBuffer, int, error) {
	t.childMu.Lock()
	cur := t.writeChild
	var curIdx int
	if cur != nil {
		curIdx = len(t.children) - 1
	}
	t.childMu.Unlock()

	if cur != nil && int(cur.numberTuples)+need <= len(cur.data) {
		return cur, curIdx, nil
	}

	var fresh *TupleBuffer
	var err error
	if need > pool.BufferSize() {
		fresh, err = pool.GetUnpooledBuffer(need)
	} else {
		fresh, err = pool.GetBufferNoBlocking()
		if errors.Is(err, ErrPoolExhausted) {
			fresh, err = pool.GetUnpooledBuffer(need)
		}
	}
	if err != nil {
		return nil, 0, fmt.Errorf("buf: allocating child buffer: %w", err)
	}
	idx := t.StoreChildBuffer(fresh)
	// StoreChildBuffer retained fresh on the parent's behalf; release
	// our own creation reference since the parent now owns one.
	fresh.Release()
	t.childMu.Lock()
	t.writeChild = fresh
	t.childMu.Unlock()
	return fresh, idx, nil
}

// ReadVarSized resolves access against this buffer's child chain and
// returns the referenced bytes. When prependLength is true the first
// four bytes at the offset are interpreted as a little-endian length
// prefix and stripped from the result; otherwise length must be
// supplied by the caller out of band.
func (t *TupleBuffer) ReadVarSized(access VariableSizedAccess, prependLength bool, length int) ([]byte, error) {
	child, err := t.LoadChildBuffer(int(access.ChildIndex()))
	if err != nil {
		return nil, err
	}
	defer child.Release()
	off := access.Offset()
	if prependLength {
		if int(off)+4 > len(child.data) {
			return nil, fmt.Errorf("buf: var-sized length prefix out of range")
		}
		n := binary.LittleEndian.Uint32(child.data[off:])
		start := off + 4
		if int(start)+int(n) > len(child.data) {
			return nil, fmt.Errorf("buf: var-sized payload out of range")
		}
		out := make([]byte, n)
		copy(out, child.data[start:start+n])
		return out, nil
	}
	if int(off)+length > len(child.data) {
		return nil, fmt.Errorf("buf: var-sized payload out of range")
	}
	out := make([]byte, length)
	copy(out, child.data[off:int(off)+length])
	return out, nil
}
