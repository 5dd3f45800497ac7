package window

import (
	"sync"

	"github.com/flowcore/flowcore/ids"
)

// WatermarkProcessor tracks, per (OriginId, WorkerId), the last-seen
// watermark; the per-origin watermark is the min across workers, and
// the global watermark is the min across origins.
type WatermarkProcessor struct {
	mu        sync.Mutex
	perOrigin map[ids.OriginId]map[ids.WorkerId]Timestamp
}

func NewWatermarkProcessor() *WatermarkProcessor {
	return &WatermarkProcessor{perOrigin: make(map[ids.OriginId]map[ids.WorkerId]Timestamp)}
}

// UpdateWatermarkForWorker records worker's latest watermark for
// origin, called once per input buffer's close. Watermarks only move
// forward; a regression is ignored rather than erroring, tolerating
// out-of-order delivery at the transport layer.
func (w *WatermarkProcessor) UpdateWatermarkForWorker(origin ids.OriginId, worker ids.WorkerId, wm Timestamp) {
	w.mu.Lock()
	defer w.mu.Unlock()
	byWorker, ok := w.perOrigin[origin]
	if !ok {
		byWorker = make(map[ids.WorkerId]Timestamp)
		w.perOrigin[origin] = byWorker
	}
	if cur, ok := byWorker[worker]; !ok || wm > cur {
		byWorker[worker] = wm
	}
}

// OriginWatermark returns the minimum watermark across all workers
// reporting for origin, or ok=false if none have reported yet.
func (w *WatermarkProcessor) OriginWatermark(origin ids.OriginId) (Timestamp, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	byWorker, ok := w.perOrigin[origin]
	if !ok || len(byWorker) == 0 {
		return 0, false
	}
	min := Timestamp(1<<63 - 1)
	for _, wm := range byWorker {
		if wm < min {
			min = wm
		}
	}
	return min, true
}

// GlobalWatermark returns the minimum of every origin's watermark, or
// ok=false if no origin has reported. Trigger decisions are always
// based on this value.
func (w *WatermarkProcessor) GlobalWatermark() (Timestamp, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.perOrigin) == 0 {
		return 0, false
	}
	min := Timestamp(1<<63 - 1)
	any := false
	for origin := range w.perOrigin {
		wm, ok := w.originWatermarkLocked(origin)
		if !ok {
			continue
		}
		any = true
		if wm < min {
			min = wm
		}
	}
	if !any {
		return 0, false
	}
	return min, true
}

func (w *WatermarkProcessor) originWatermarkLocked(origin ids.OriginId) (Timestamp, bool) {
	byWorker, ok := w.perOrigin[origin]
	if !ok || len(byWorker) == 0 {
		return 0, false
	}
	min := Timestamp(1<<63 - 1)
	for _, wm := range byWorker {
		if wm < min {
			min = wm
		}
	}
	return min, true
}
