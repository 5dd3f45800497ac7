package window

import (
	"testing"

	"github.com/flowcore/flowcore/ids"
)

func TestTumblingFactoryBucketsAlignToSize(t *testing.T) {
	spec := TumblingFactory(1000)
	start, end := spec(1999)
	if start != 1000 || end != 2000 {
		t.Fatalf("expected [1000,2000), got [%d,%d)", start, end)
	}
	start, end = spec(2000)
	if start != 2000 || end != 3000 {
		t.Fatalf("expected [2000,3000), got [%d,%d)", start, end)
	}
}

func TestSlidingFactoryUsesSlideForBucketing(t *testing.T) {
	spec := SlidingFactory(2000, 1000)
	start, end := spec(1500)
	if start != 1000 || end != 3000 {
		t.Fatalf("expected [1000,3000), got [%d,%d)", start, end)
	}
}

func TestSliceStoreGetOrCreateDoesNotOverlap(t *testing.T) {
	store := NewSliceStore(TumblingFactory(1000))
	a := store.GetSlicesOrCreate(1000)
	b := store.GetSlicesOrCreate(1999)
	if a != b {
		t.Fatal("expected two timestamps in the same bucket to share a slice")
	}
	c := store.GetSlicesOrCreate(2000)
	if a == c {
		t.Fatal("expected a timestamp in the next bucket to get a distinct slice")
	}
}

func TestSliceStoreGetAllNonTriggeredIsOneShot(t *testing.T) {
	store := NewSliceStore(TumblingFactory(1000))
	store.GetSlicesOrCreate(500)
	store.GetSlicesOrCreate(1500)

	triggered := store.GetAllNonTriggeredSlices(2000)
	if len(triggered) != 2 {
		t.Fatalf("expected both slices to clear watermark 2000, got %d", len(triggered))
	}
	if triggered[0].Start != 0 || triggered[1].Start != 1000 {
		t.Fatalf("expected sorted by start, got %v, %v", triggered[0].Start, triggered[1].Start)
	}

	again := store.GetAllNonTriggeredSlices(2000)
	if len(again) != 0 {
		t.Fatalf("expected already-triggered slices not to be returned again, got %d", len(again))
	}
}

func TestSliceStoreGetAllNonTriggeredRespectsWatermark(t *testing.T) {
	store := NewSliceStore(TumblingFactory(1000))
	store.GetSlicesOrCreate(500)  // [0,1000)
	store.GetSlicesOrCreate(1500) // [1000,2000)

	triggered := store.GetAllNonTriggeredSlices(1000)
	if len(triggered) != 1 || triggered[0].Start != 0 {
		t.Fatalf("expected only the slice ending at or before 1000, got %v", triggered)
	}
}

func TestSliceStoreGetByRangeAndErase(t *testing.T) {
	store := NewSliceStore(TumblingFactory(1000))
	store.GetSlicesOrCreate(500)
	store.GetSlicesOrCreate(1500)
	store.GetSlicesOrCreate(2500)

	inRange := store.GetByRange(0, 2000)
	if len(inRange) != 2 {
		t.Fatalf("expected 2 slices in [0,2000), got %d", len(inRange))
	}

	n := store.Erase(func(s *Slice) bool { return s.Start < 2000 })
	if n != 2 {
		t.Fatalf("expected to erase 2 slices, erased %d", n)
	}
	if len(store.GetByRange(0, 3000)) != 1 {
		t.Fatal("expected only the slice at 2000 to remain")
	}
}

func TestSliceStateIsLazilyCreatedPerThreadAndSide(t *testing.T) {
	store := NewSliceStore(TumblingFactory(1000))
	sl := store.GetSlicesOrCreate(0)

	calls := 0
	factory := func() any { calls++; return map[string]int{} }

	v1 := sl.State(ids.WorkerThreadId(1), "left", factory)
	v2 := sl.State(ids.WorkerThreadId(1), "left", factory)
	if v1 != v2 {
		t.Fatal("expected the same state object on repeated access")
	}
	if calls != 1 {
		t.Fatalf("expected factory invoked once, got %d", calls)
	}

	sl.State(ids.WorkerThreadId(2), "left", factory)
	sl.State(ids.WorkerThreadId(1), "right", factory)
	if calls != 3 {
		t.Fatalf("expected distinct (thread,side) pairs to create distinct state, got %d calls", calls)
	}

	all := sl.AllState()
	if len(all) != 2 {
		t.Fatalf("expected 2 threads represented, got %d", len(all))
	}
}

func TestWatermarkProcessorPerOriginIsMinAcrossWorkers(t *testing.T) {
	wm := NewWatermarkProcessor()
	wm.UpdateWatermarkForWorker(1, 1, 1000)
	wm.UpdateWatermarkForWorker(1, 2, 500)

	origin, ok := wm.OriginWatermark(1)
	if !ok || origin != 500 {
		t.Fatalf("expected origin watermark 500, got %v ok=%v", origin, ok)
	}
}

func TestWatermarkProcessorGlobalIsMinAcrossOrigins(t *testing.T) {
	wm := NewWatermarkProcessor()
	wm.UpdateWatermarkForWorker(1, 1, 2000)
	wm.UpdateWatermarkForWorker(2, 1, 1000)

	global, ok := wm.GlobalWatermark()
	if !ok || global != 1000 {
		t.Fatalf("expected global watermark 1000, got %v ok=%v", global, ok)
	}
}

func TestWatermarkProcessorIgnoresRegression(t *testing.T) {
	wm := NewWatermarkProcessor()
	wm.UpdateWatermarkForWorker(1, 1, 2000)
	wm.UpdateWatermarkForWorker(1, 1, 1000)

	origin, ok := wm.OriginWatermark(1)
	if !ok || origin != 2000 {
		t.Fatalf("expected watermark to never regress, got %v", origin)
	}
}

func TestWatermarkProcessorGlobalUnknownBeforeAnyOriginReports(t *testing.T) {
	wm := NewWatermarkProcessor()
	if _, ok := wm.GlobalWatermark(); ok {
		t.Fatal("expected no global watermark before any origin has reported")
	}
}
