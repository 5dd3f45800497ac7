// Aggregation is the build-and-trigger operator for
// logical.WindowedAggregationPayload: it buckets every incoming record
// into a Slice by event or ingestion time, maintains one running
// aggregate per group key inside that slice's per-thread state, and on
// Close/Terminate emits one output row per group key for every slice
// the watermark has newly cleared.
//
// The running aggregate folds count/sum/min/max in one pass per
// record, deriving avg at read time rather than storing it.
package window

import (
	"fmt"

	"github.com/flowcore/flowcore/buf"
	"github.com/flowcore/flowcore/exec"
	"github.com/flowcore/flowcore/ids"
	"github.com/flowcore/flowcore/record"
	"github.com/flowcore/flowcore/schema"
)

// AggFunc names a supported aggregate function.
type AggFunc string

const (
	AggSum   AggFunc = "sum"
	AggCount AggFunc = "count"
	AggMin   AggFunc = "min"
	AggMax   AggFunc = "max"
	AggAvg   AggFunc = "avg"
)

type aggValue struct {
	keyVals   []record.VarVal
	count     int64
	sum       float64
	min, max  float64
	hasMinMax bool
}

func (v *aggValue) add(x float64) {
	v.count++
	v.sum += x
	if !v.hasMinMax {
		v.min, v.max = x, x
		v.hasMinMax = true
		return
	}
	if x < v.min {
		v.min = x
	}
	if x > v.max {
		v.max = x
	}
}

func (v *aggValue) merge(o *aggValue) {
	v.count += o.count
	v.sum += o.sum
	if !o.hasMinMax {
		return
	}
	if !v.hasMinMax {
		v.min, v.max, v.hasMinMax = o.min, o.max, true
		return
	}
	if o.min < v.min {
		v.min = o.min
	}
	if o.max > v.max {
		v.max = o.max
	}
}

func (v *aggValue) result(fn AggFunc) float64 {
	switch fn {
	case AggSum:
		return v.sum
	case AggCount:
		return float64(v.count)
	case AggMin:
		return v.min
	case AggMax:
		return v.max
	case AggAvg:
		if v.count == 0 {
			return 0
		}
		return v.sum / float64(v.count)
	default:
		return 0
	}
}

// aggState is the per-(WorkerThreadId, side) blob stored in a Slice:
// a hashmap from a composite group key to one running aggregate.
type aggState struct {
	byKey map[string]*aggValue
}

func newAggState() any { return &aggState{byKey: make(map[string]*aggValue)} }

const aggregationSide = "agg"

// Aggregation implements exec.Operator for one windowed aggregation
// stage. One instance is shared by every thread's pipeline on a
// worker; Store and Watermarks are the cross-thread coordination
// points: per-key state is partitioned by WorkerThreadId, while
// watermark/trigger state is shared across threads.
type Aggregation struct {
	Origin   ids.OriginId
	WorkerId ids.WorkerId
	Thread   ids.WorkerThreadId

	// EventField names the event-time field to bucket by; empty means
	// ingestion time via Clock.
	EventField string
	Clock      func() Timestamp

	Store      *SliceStore
	Watermarks *WatermarkProcessor

	KeyFields   []string
	AggField    string
	AggFunction AggFunc

	// OutSchema is KeyFields..., window_start (I64), window_end (I64),
	// "<AggFunction>_<AggField>" (F64) -- the exact shape
	// rewrite.TypeInference computes for this operator's logical
	// counterpart, so the physical rows this operator emits match
	// what downstream consumers expect without further rewriting.
	OutSchema *schema.Schema

	resultField string
}

// NewAggregation builds an Aggregation wired to store/watermarks for
// one worker thread, deriving resultField and OutSchema from the
// logical window spec's key fields, aggregate field and function.
func NewAggregation(origin ids.OriginId, worker ids.WorkerId, thread ids.WorkerThreadId, eventField string, clock func() Timestamp, store *SliceStore, wm *WatermarkProcessor, keyFields []string, aggField string, aggFn AggFunc, keyFieldType func(name string) schema.DataType) (*Aggregation, error) {
	fields := make([]schema.Field, 0, len(keyFields)+3)
	for _, kf := range keyFields {
		fields = append(fields, schema.Field{Name: kf, Type: keyFieldType(kf)})
	}
	fields = append(fields,
		schema.Field{Name: "window_start", Type: schema.I64},
		schema.Field{Name: "window_end", Type: schema.I64},
		schema.Field{Name: string(aggFn) + "_" + aggField, Type: schema.F64},
	)
	outSchema, err := schema.New(fields...)
	if err != nil {
		return nil, fmt.Errorf("window: building aggregation output schema: %w", err)
	}
	return &Aggregation{
		Origin:      origin,
		WorkerId:    worker,
		Thread:      thread,
		EventField:  eventField,
		Clock:       clock,
		Store:       store,
		Watermarks:  wm,
		KeyFields:   keyFields,
		AggField:    aggField,
		AggFunction: aggFn,
		OutSchema:   outSchema,
		resultField: string(aggFn) + "_" + aggField,
	}, nil
}

func (a *Aggregation) Open(ctx *exec.ExecutionContext, tb *buf.TupleBuffer) error { return nil }

func (a *Aggregation) timestampOf(rec *record.Record) (Timestamp, error) {
	if a.EventField == "" {
		return a.Clock(), nil
	}
	v, err := rec.Read(a.EventField)
	if err != nil {
		return 0, err
	}
	x, ok := asNumeric(v)
	if !ok {
		return 0, fmt.Errorf("event-time field %q has non-numeric kind %v", a.EventField, v.Kind)
	}
	return Timestamp(int64(x)), nil
}

func asNumeric(v record.VarVal) (float64, bool) {
	switch v.Kind {
	case schema.KindF32, schema.KindF64:
		return v.F64, true
	case schema.KindI8, schema.KindI16, schema.KindI32, schema.KindI64:
		return float64(v.I64), true
	case schema.KindU8, schema.KindU16, schema.KindU32, schema.KindU64, schema.KindChar:
		return float64(v.U64), true
	case schema.KindBool:
		if v.Bool {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

func (a *Aggregation) keyOf(rec *record.Record) (string, []record.VarVal, error) {
	vals := make([]record.VarVal, len(a.KeyFields))
	key := ""
	for i, f := range a.KeyFields {
		v, err := rec.Read(f)
		if err != nil {
			return "", nil, err
		}
		vals[i] = v
		key += fmt.Sprintf("\x1f%d:%d:%d:%g:%s", v.Kind, v.I64, v.U64, v.F64, v.Bytes)
	}
	return key, vals, nil
}

// Execute buckets rec into its slice and folds AggField into that
// slice's per-key running aggregate.
func (a *Aggregation) Execute(ctx *exec.ExecutionContext, rec *record.Record) error {
	ts, err := a.timestampOf(rec)
	if err != nil {
		return fmt.Errorf("window: resolving event time: %w", err)
	}
	key, keyVals, err := a.keyOf(rec)
	if err != nil {
		return fmt.Errorf("window: resolving group key: %w", err)
	}
	raw, err := rec.Read(a.AggField)
	if err != nil {
		return fmt.Errorf("window: reading aggregate field %q: %w", a.AggField, err)
	}
	x, ok := asNumeric(raw)
	if !ok {
		return fmt.Errorf("window: aggregate field %q has non-numeric kind %v", a.AggField, raw.Kind)
	}

	slice := a.Store.GetSlicesOrCreate(ts)
	st := slice.State(a.Thread, aggregationSide, newAggState).(*aggState)
	v, ok := st.byKey[key]
	if !ok {
		v = &aggValue{keyVals: keyVals}
		st.byKey[key] = v
	}
	v.add(x)
	return nil
}

// Close updates this operator's share of the watermark and emits
// every slice the resulting global watermark newly clears; it runs
// once per input buffer's close.
func (a *Aggregation) Close(ctx *exec.ExecutionContext, tb *buf.TupleBuffer) error {
	a.Watermarks.UpdateWatermarkForWorker(a.Origin, a.WorkerId, Timestamp(ctx.Meta.Watermark))
	global, ok := a.Watermarks.GlobalWatermark()
	if !ok {
		return nil
	}
	return a.emitTriggered(ctx, a.Store.GetAllNonTriggeredSlices(global))
}

// Terminate force-triggers every remaining slice regardless of
// watermark.
func (a *Aggregation) Terminate(ctx *exec.ExecutionContext) error {
	return a.emitTriggered(ctx, a.Store.AllNonTriggeredRegardlessOfWatermark())
}

func (a *Aggregation) emitTriggered(ctx *exec.ExecutionContext, slices []*Slice) error {
	for _, sl := range slices {
		if err := a.emitSlice(ctx, sl); err != nil {
			return err
		}
	}
	return nil
}

// mergedGroups collapses every thread's per-key aggregate for a slice
// into one map, since the same group key can have been updated by
// more than one WorkerThreadId: the trigger record combines state
// across all workers for that slice.
func (a *Aggregation) mergedGroups(sl *Slice) map[string]*aggValue {
	merged := make(map[string]*aggValue)
	for _, bySide := range sl.AllState() {
		raw, ok := bySide[aggregationSide]
		if !ok {
			continue
		}
		st := raw.(*aggState)
		for k, v := range st.byKey {
			mv, ok := merged[k]
			if !ok {
				mv = &aggValue{keyVals: v.keyVals}
				merged[k] = mv
			}
			mv.merge(v)
		}
	}
	return merged
}

func (a *Aggregation) emitSlice(ctx *exec.ExecutionContext, sl *Slice) error {
	merged := a.mergedGroups(sl)
	if len(merged) == 0 {
		return nil
	}

	rowSize := a.OutSchema.SizeBytes()
	out, err := ctx.Pipeline.Pool.GetUnpooledBuffer(rowSize * len(merged))
	if err != nil {
		return fmt.Errorf("window: allocating trigger buffer: %w", err)
	}

	i := 0
	for _, v := range merged {
		row := record.New(a.OutSchema, schema.LayoutRow, out, ctx.Pipeline.Pool, i, len(merged))
		for fi, f := range a.KeyFields {
			if err := row.Write(f, v.keyVals[fi]); err != nil {
				out.Release()
				return fmt.Errorf("window: writing key field %q: %w", f, err)
			}
		}
		if err := row.Write("window_start", record.I64Val(int64(sl.Start))); err != nil {
			out.Release()
			return err
		}
		if err := row.Write("window_end", record.I64Val(int64(sl.End))); err != nil {
			out.Release()
			return err
		}
		if err := row.Write(a.resultField, record.F64Val(v.result(a.AggFunction))); err != nil {
			out.Release()
			return err
		}
		i++
	}

	out.SetUsed(rowSize * len(merged))
	out.SetOrigin(a.Origin)
	out.SetSequence(ctx.Pipeline.NextOutputSequence())
	out.SetChunk(1)
	out.SetLastChunk(true)
	out.SetWatermark(int64(sl.End))
	out.SetNumberOfTuples(uint64(len(merged)))

	if err := ctx.Pipeline.EmitBuffer(ctx.Context, out); err != nil {
		out.Release()
		return fmt.Errorf("window: emitting trigger buffer: %w", err)
	}
	return nil
}
