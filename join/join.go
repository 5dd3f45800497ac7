// Package join implements the build and probe sides of a streaming
// equi-join: each side buffers its rows into a per-(WorkerThreadId,
// side) partition of the shared window.Slice for the row's timestamp,
// and once the watermark clears a slice a single probe pass matches
// the two sides and emits the combined rows.
//
// The two-named-sides shape (left/right bindings combined into one
// output row) and the keyed-bucket build container reused here as the
// hash-join side's bucket index follow the same pattern as this
// engine's windowed aggregation.
package join

import (
	"fmt"

	"github.com/flowcore/flowcore/buf"
	"github.com/flowcore/flowcore/exec"
	"github.com/flowcore/flowcore/ids"
	"github.com/flowcore/flowcore/record"
	"github.com/flowcore/flowcore/schema"
	"github.com/flowcore/flowcore/window"
)

// Kind selects the probe algorithm: Hash uses the build side's key
// index and runs in time proportional to the matching rows;
// NestedLoop scans both sides in full, O(|L|·|R|) per slice.
type Kind int

const (
	Hash Kind = iota
	NestedLoop
)

func (k Kind) String() string {
	if k == Hash {
		return "hash"
	}
	return "nlj"
}

// Side identifies which of the two join inputs a Build operator
// belongs to.
type Side int

const (
	Left Side = iota
	Right
)

func (s Side) String() string {
	if s == Left {
		return "left"
	}
	return "right"
}

type storedRow struct {
	key  string
	vals []record.VarVal
}

// buildState is the per-(WorkerThreadId, side) blob stored in a
// window.Slice: every row seen on that side so far, plus a key index
// used by hash joins (harmless, if unused, for nested-loop joins).
type buildState struct {
	rows  []storedRow
	byKey map[string][]int
}

func newBuildState() any { return &buildState{byKey: make(map[string][]int)} }

// Join coordinates one pair of Build operators (left, right) sharing
// a window.SliceStore and window.WatermarkProcessor, and the probe
// pass that fires once a slice's watermark clears.
type Join struct {
	Kind Kind
	Origin ids.OriginId

	LeftSchema, RightSchema *schema.Schema
	LeftKey, RightKey       string

	Store      *window.SliceStore
	Watermarks *window.WatermarkProcessor

	// OutSchema is LeftSchema's fields followed by RightSchema's
	// fields, matching the shape rewrite.TypeInference computes for
	// a logical.JoinPayload operator.
	OutSchema *schema.Schema
}

// NewJoin builds the shared join coordinator and its combined output
// schema. leftSchema and rightSchema must not share field names; the
// plan's rewrite stage is responsible for aliasing ambiguous names
// before this point.
func NewJoin(kind Kind, origin ids.OriginId, leftSchema, rightSchema *schema.Schema, leftKey, rightKey string, store *window.SliceStore, wm *window.WatermarkProcessor) (*Join, error) {
	fields := make([]schema.Field, 0, len(leftSchema.Fields())+len(rightSchema.Fields()))
	fields = append(fields, leftSchema.Fields()...)
	fields = append(fields, rightSchema.Fields()...)
	out, err := schema.New(fields...)
	if err != nil {
		return nil, fmt.Errorf("join: building combined output schema: %w", err)
	}
	return &Join{
		Kind:        kind,
		Origin:      origin,
		LeftSchema:  leftSchema,
		RightSchema: rightSchema,
		LeftKey:     leftKey,
		RightKey:    rightKey,
		Store:       store,
		Watermarks:  wm,
		OutSchema:   out,
	}, nil
}

// Build is one side's exec.Operator: it appends every incoming record
// into that side's partition of the slice covering the record's
// timestamp.
type Build struct {
	j          *Join
	Side       Side
	KeyField   string
	Thread     ids.WorkerThreadId
	WorkerId   ids.WorkerId
	EventField string
	Clock      func() window.Timestamp
}

// NewBuild returns the Build operator for one side of j.
func (j *Join) NewBuild(side Side, thread ids.WorkerThreadId, worker ids.WorkerId, eventField string, clock func() window.Timestamp) *Build {
	key := j.LeftKey
	if side == Right {
		key = j.RightKey
	}
	return &Build{j: j, Side: side, KeyField: key, Thread: thread, WorkerId: worker, EventField: eventField, Clock: clock}
}

func (b *Build) schema() *schema.Schema {
	if b.Side == Left {
		return b.j.LeftSchema
	}
	return b.j.RightSchema
}

func (b *Build) Open(ctx *exec.ExecutionContext, tb *buf.TupleBuffer) error { return nil }

func (b *Build) timestampOf(rec *record.Record) (window.Timestamp, error) {
	if b.EventField == "" {
		return b.Clock(), nil
	}
	v, err := rec.Read(b.EventField)
	if err != nil {
		return 0, err
	}
	x, ok := asNumeric(v)
	if !ok {
		return 0, fmt.Errorf("event-time field %q has non-numeric kind %v", b.EventField, v.Kind)
	}
	return window.Timestamp(int64(x)), nil
}

func (b *Build) Execute(ctx *exec.ExecutionContext, rec *record.Record) error {
	ts, err := b.timestampOf(rec)
	if err != nil {
		return fmt.Errorf("join: resolving event time: %w", err)
	}
	rawKey, err := rec.Read(b.KeyField)
	if err != nil {
		return fmt.Errorf("join: reading key field %q: %w", b.KeyField, err)
	}
	key := keyString(rawKey)

	s := b.schema()
	vals := make([]record.VarVal, len(s.Fields()))
	for i, f := range s.Fields() {
		v, err := rec.Read(f.Name)
		if err != nil {
			return fmt.Errorf("join: reading field %q: %w", f.Name, err)
		}
		vals[i] = v
	}

	slice := b.j.Store.GetSlicesOrCreate(ts)
	st := slice.State(b.Thread, b.Side.String(), newBuildState).(*buildState)
	idx := len(st.rows)
	st.rows = append(st.rows, storedRow{key: key, vals: vals})
	st.byKey[key] = append(st.byKey[key], idx)
	return nil
}

// Close advances this side's share of the watermark and probes every
// slice the resulting global watermark newly clears.
func (b *Build) Close(ctx *exec.ExecutionContext, tb *buf.TupleBuffer) error {
	b.j.Watermarks.UpdateWatermarkForWorker(ctx.Meta.Origin, b.WorkerId, window.Timestamp(ctx.Meta.Watermark))
	global, ok := b.j.Watermarks.GlobalWatermark()
	if !ok {
		return nil
	}
	return b.j.probeTriggered(ctx, b.j.Store.GetAllNonTriggeredSlices(global))
}

// Terminate force-probes every remaining slice regardless of
// watermark.
func (b *Build) Terminate(ctx *exec.ExecutionContext) error {
	return b.j.probeTriggered(ctx, b.j.Store.AllNonTriggeredRegardlessOfWatermark())
}

// RestoreInto re-installs a DeserializeState result into store under
// thread, rebuilding each row's key index from the schema's key
// field: the wire format carries raw field values only, not the
// derived key.
func (j *Join) RestoreInto(store *window.SliceStore, thread ids.WorkerThreadId, restored []RestoredSlice) error {
	for _, rs := range restored {
		sl := store.GetSlicesOrCreate(rs.Start)
		if err := injectSide(sl, thread, Left, j.LeftSchema, j.LeftKey, rs.Left); err != nil {
			return err
		}
		if err := injectSide(sl, thread, Right, j.RightSchema, j.RightKey, rs.Right); err != nil {
			return err
		}
	}
	return nil
}

func injectSide(sl *window.Slice, thread ids.WorkerThreadId, side Side, s *schema.Schema, keyField string, rows []storedRow) error {
	if len(rows) == 0 {
		return nil
	}
	_, keyIdx, ok := s.Lookup(keyField)
	if !ok {
		return fmt.Errorf("join: key field %q not found in restored schema", keyField)
	}
	st := sl.State(thread, side.String(), newBuildState).(*buildState)
	for _, row := range rows {
		row.key = keyString(row.vals[keyIdx])
		idx := len(st.rows)
		st.rows = append(st.rows, row)
		st.byKey[row.key] = append(st.byKey[row.key], idx)
	}
	return nil
}

func asNumeric(v record.VarVal) (float64, bool) {
	switch v.Kind {
	case schema.KindF32, schema.KindF64:
		return v.F64, true
	case schema.KindI8, schema.KindI16, schema.KindI32, schema.KindI64:
		return float64(v.I64), true
	case schema.KindU8, schema.KindU16, schema.KindU32, schema.KindU64, schema.KindChar:
		return float64(v.U64), true
	default:
		return 0, false
	}
}

func keyString(v record.VarVal) string {
	return fmt.Sprintf("%d\x1f%d\x1f%d\x1f%g\x1f%s", v.Kind, v.I64, v.U64, v.F64, v.Bytes)
}

func (j *Join) probeTriggered(ctx *exec.ExecutionContext, slices []*window.Slice) error {
	for _, sl := range slices {
		if err := j.probeSlice(ctx, sl); err != nil {
			return err
		}
	}
	return nil
}

func mergeSide(sl *window.Slice, side Side) *buildState {
	merged := &buildState{byKey: make(map[string][]int)}
	for _, bySide := range sl.AllState() {
		raw, ok := bySide[side.String()]
		if !ok {
			continue
		}
		st := raw.(*buildState)
		base := len(merged.rows)
		merged.rows = append(merged.rows, st.rows...)
		for k, idxs := range st.byKey {
			for _, idx := range idxs {
				merged.byKey[k] = append(merged.byKey[k], base+idx)
			}
		}
	}
	return merged
}

// probeSlice matches one triggered slice's two sides and emits the
// combined rows as a single unpooled buffer.
func (j *Join) probeSlice(ctx *exec.ExecutionContext, sl *window.Slice) error {
	left := mergeSide(sl, Left)
	right := mergeSide(sl, Right)
	if len(left.rows) == 0 || len(right.rows) == 0 {
		return nil
	}

	var matches [][2]int
	switch j.Kind {
	case Hash:
		for li, lr := range left.rows {
			for _, ri := range right.byKey[lr.key] {
				matches = append(matches, [2]int{li, ri})
			}
		}
	case NestedLoop:
		for li, lr := range left.rows {
			for ri, rr := range right.rows {
				if lr.key == rr.key {
					matches = append(matches, [2]int{li, ri})
				}
			}
		}
	}
	if len(matches) == 0 {
		return nil
	}

	rowSize := j.OutSchema.SizeBytes()
	out, err := ctx.Pipeline.Pool.GetUnpooledBuffer(rowSize * len(matches))
	if err != nil {
		return fmt.Errorf("join: allocating probe buffer: %w", err)
	}

	leftFields := j.LeftSchema.Fields()
	rightFields := j.RightSchema.Fields()
	for i, m := range matches {
		row := record.New(j.OutSchema, schema.LayoutRow, out, ctx.Pipeline.Pool, i, len(matches))
		lr, rr := left.rows[m[0]], right.rows[m[1]]
		for fi, f := range leftFields {
			if err := row.Write(f.Name, lr.vals[fi]); err != nil {
				out.Release()
				return fmt.Errorf("join: writing left field %q: %w", f.Name, err)
			}
		}
		for fi, f := range rightFields {
			if err := row.Write(f.Name, rr.vals[fi]); err != nil {
				out.Release()
				return fmt.Errorf("join: writing right field %q: %w", f.Name, err)
			}
		}
	}

	out.SetUsed(rowSize * len(matches))
	out.SetOrigin(j.Origin)
	out.SetSequence(ctx.Pipeline.NextOutputSequence())
	out.SetChunk(1)
	out.SetLastChunk(true)
	out.SetWatermark(int64(sl.End))
	out.SetNumberOfTuples(uint64(len(matches)))

	if err := ctx.Pipeline.EmitBuffer(ctx.Context, out); err != nil {
		out.Release()
		return fmt.Errorf("join: emitting probe buffer: %w", err)
	}
	return nil
}
