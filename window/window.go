// Package window implements time extraction, per-key slice storage,
// and multi-origin watermark tracking for windowed aggregation and
// join operators.
//
// The keyed-state-container shape is a hashmap from a grouping key to
// one mutable aggregate value per key. SliceStore serializes insertion
// and a periodic sweep (GetAllNonTriggeredSlices) behind one lock
// rather than fine-grained per-entry locking, since slice churn is
// orders of magnitude lower-frequency than per-record execution.
package window

import (
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/flowcore/flowcore/ids"
)

// Timestamp is a Unix-epoch millisecond instant, the unit every
// window boundary and watermark in this package is expressed in.
type Timestamp int64

// SliceStart and SliceEnd bound a slice: inclusive start, exclusive
// end.
type SliceStart = Timestamp
type SliceEnd = Timestamp

// TimeFunc extracts a Timestamp from a single record; EventTimeFromField wraps
// a configured field accessor, IngestionTime wraps a clock.
type TimeFunc func() (Timestamp, error)

// IngestionTime returns a TimeFunc that reads the current system time
// via now, in milliseconds.
func IngestionTime(now func() Timestamp) TimeFunc {
	return func() (Timestamp, error) { return now(), nil }
}

// EventTimeFromField returns a TimeFunc reading a pre-extracted
// millisecond value, e.g. sourced from Evaluate-ing a configured
// field-access expression upstream (package exec bridges expr.Function
// evaluation to a Record; this package stays free of that dependency
// so a caller can plug in any extraction it likes).
func EventTimeFromField(extract func() (int64, error)) TimeFunc {
	return func() (Timestamp, error) {
		v, err := extract()
		if err != nil {
			return 0, err
		}
		return Timestamp(v), nil
	}
}

// Slice is one window instance: its bounds, per-(build-side,
// WorkerThreadId) state containers (opaque to the slice store --
// package join and this package's Aggregation own the concrete
// paged-vector/hashmap/aggregate-value types), and whether it has
// already been emitted.
type Slice struct {
	Start, End Timestamp
	emitted    bool

	mu    sync.Mutex
	state map[ids.WorkerThreadId]map[string]any // side key (e.g. "left"/"right"/"") -> per-thread state
}

func newSlice(start, end Timestamp) *Slice {
	return &Slice{Start: start, End: end, state: make(map[ids.WorkerThreadId]map[string]any)}
}

// State returns the mutable state blob for (side, thread) within this
// slice, invoking factory to create it on first access. Single-writer
// per (side, thread) is the caller's responsibility: contention across
// workers is avoided by partitioning containers by WorkerThreadId.
func (s *Slice) State(thread ids.WorkerThreadId, side string, factory func() any) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	bySide, ok := s.state[thread]
	if !ok {
		bySide = make(map[string]any)
		s.state[thread] = bySide
	}
	v, ok := bySide[side]
	if !ok {
		v = factory()
		bySide[side] = v
	}
	return v
}

// AllState returns every (thread, side) -> state entry, used by the
// probe/trigger phase to enumerate build-side state across all
// workers: the trigger record contains the arrays of
// hashmaps/paged-vectors for both sides.
func (s *Slice) AllState() map[ids.WorkerThreadId]map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[ids.WorkerThreadId]map[string]any, len(s.state))
	for thread, bySide := range s.state {
		out[thread] = maps.Clone(bySide)
	}
	return out
}

func (s *Slice) markEmitted() {
	s.mu.Lock()
	s.emitted = true
	s.mu.Unlock()
}

func (s *Slice) isEmitted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.emitted
}

// SpecFactory computes the [start,end) bounds of the slice covering
// ts, given a window size and slide.
type SpecFactory func(ts Timestamp) (start, end Timestamp)

// TumblingFactory returns a SpecFactory for a tumbling window of the
// given size: slide == size.
func TumblingFactory(sizeMillis int64) SpecFactory {
	return SlidingFactory(sizeMillis, sizeMillis)
}

// SlidingFactory returns a SpecFactory for a sliding window; when
// slideMillis == sizeMillis this degenerates to tumbling. The window
// for ts starts at the slide-aligned bucket containing ts and spans
// sizeMillis from there.
func SlidingFactory(sizeMillis, slideMillis int64) SpecFactory {
	return func(ts Timestamp) (Timestamp, Timestamp) {
		bucket := int64(ts) / slideMillis
		start := bucket * slideMillis
		return Timestamp(start), Timestamp(start + sizeMillis)
	}
}

// SliceStore is an ordered associative container from slice-start to
// Slice. One mutex covers insertion and emission marking; slices
// never overlap by construction since GetSlicesOrCreate only ever
// looks up or creates the single slice a SpecFactory names for a
// given timestamp.
type SliceStore struct {
	mu      sync.Mutex
	spec    SpecFactory
	byStart map[Timestamp]*Slice
}

func NewSliceStore(spec SpecFactory) *SliceStore {
	return &SliceStore{spec: spec, byStart: make(map[Timestamp]*Slice)}
}

// GetSlicesOrCreate locates the slice covering ts, creating it via
// the store's SpecFactory if absent. Racy-safe under the store's
// mutex.
func (s *SliceStore) GetSlicesOrCreate(ts Timestamp) *Slice {
	start, end := s.spec(ts)
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.byStart[start]
	if !ok {
		sl = newSlice(start, end)
		s.byStart[start] = sl
	}
	return sl
}

// GetAllNonTriggeredSlices returns slices whose end is at or before
// globalWatermark and whose emitted flag is false, marking each
// emitted atomically with extraction. Results are sorted by Start for
// deterministic emission order.
func (s *SliceStore) GetAllNonTriggeredSlices(globalWatermark Timestamp) []*Slice {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Slice
	for _, sl := range s.byStart {
		if sl.End <= globalWatermark && !sl.isEmitted() {
			sl.markEmitted()
			out = append(out, sl)
		}
	}
	slices.SortFunc(out, func(a, b *Slice) bool { return a.Start < b.Start })
	return out
}

// GetByRange returns every slice with Start in [start,end), sorted.
func (s *SliceStore) GetByRange(start, end Timestamp) []*Slice {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Slice
	for _, sl := range s.byStart {
		if sl.Start >= start && sl.Start < end {
			out = append(out, sl)
		}
	}
	slices.SortFunc(out, func(a, b *Slice) bool { return a.Start < b.Start })
	return out
}

// Erase removes every slice satisfying predicate, returning how many
// were removed. Used to reclaim terminated slices after Terminate has
// force-triggered them.
func (s *SliceStore) Erase(predicate func(*Slice) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for start, sl := range s.byStart {
		if predicate(sl) {
			delete(s.byStart, start)
			n++
		}
	}
	return n
}

// AllNonTriggeredRegardlessOfWatermark force-triggers every
// not-yet-emitted slice, used by Terminate on pipeline shutdown.
func (s *SliceStore) AllNonTriggeredRegardlessOfWatermark() []*Slice {
	return s.GetAllNonTriggeredSlices(Timestamp(1<<63 - 1))
}
