package exec

import (
	"fmt"

	"github.com/flowcore/flowcore/buf"
	"github.com/flowcore/flowcore/expr"
	"github.com/flowcore/flowcore/record"
	"github.com/flowcore/flowcore/schema"
)

// Filter forwards a record to its child only when predicate evaluates
// true; on false it returns without forwarding.
type Filter struct {
	Predicate expr.Function
	Child     Operator
}

func (f *Filter) Open(ctx *ExecutionContext, tb *buf.TupleBuffer) error {
	return f.Child.Open(ctx, tb)
}

func (f *Filter) Execute(ctx *ExecutionContext, rec *record.Record) error {
	ok, err := EvaluateBool(f.Predicate, rec)
	if err != nil {
		return fmt.Errorf("filter: %w", err)
	}
	if !ok {
		return nil
	}
	return f.Child.Execute(ctx, rec)
}

func (f *Filter) Close(ctx *ExecutionContext, tb *buf.TupleBuffer) error {
	return f.Child.Close(ctx, tb)
}

func (f *Filter) Terminate(ctx *ExecutionContext) error { return f.Child.Terminate(ctx) }

// MapField is one computed-field assignment a Map operator performs.
type MapField struct {
	Name string
	Expr expr.Function
}

// Map evaluates each of its Fields against the incoming record,
// writing the results back into it before forwarding: it mutates or
// extends the record in place rather than building a new one.
type Map struct {
	Fields []MapField
	Child  Operator
}

func (m *Map) Open(ctx *ExecutionContext, tb *buf.TupleBuffer) error {
	return m.Child.Open(ctx, tb)
}

func (m *Map) Execute(ctx *ExecutionContext, rec *record.Record) error {
	for _, f := range m.Fields {
		v, err := Evaluate(f.Expr, rec)
		if err != nil {
			return fmt.Errorf("map: evaluating %q: %w", f.Name, err)
		}
		if err := rec.Write(f.Name, v); err != nil {
			return fmt.Errorf("map: writing %q: %w", f.Name, err)
		}
	}
	return m.Child.Execute(ctx, rec)
}

func (m *Map) Close(ctx *ExecutionContext, tb *buf.TupleBuffer) error {
	return m.Child.Close(ctx, tb)
}

func (m *Map) Terminate(ctx *ExecutionContext) error { return m.Child.Terminate(ctx) }

// Projection forwards the record unchanged; the set of fields it
// narrows to is carried by the output schema the record was built
// with (the plan's TypeInference/memory-layout stages are what
// actually shrink the physical row, not this operator) -- it only
// reorders/selects the columns it's handed, rather than reading from
// a wider backing row itself.
type Projection struct {
	Fields []string
	Child  Operator
}

func (p *Projection) Open(ctx *ExecutionContext, tb *buf.TupleBuffer) error {
	return p.Child.Open(ctx, tb)
}

func (p *Projection) Execute(ctx *ExecutionContext, rec *record.Record) error {
	return p.Child.Execute(ctx, rec)
}

func (p *Projection) Close(ctx *ExecutionContext, tb *buf.TupleBuffer) error {
	return p.Child.Close(ctx, tb)
}

func (p *Projection) Terminate(ctx *ExecutionContext) error { return p.Child.Terminate(ctx) }

// Emit is the terminal operator: it copies each record it receives
// into an output buffer of OutSchema/OutLayout, flushing via
// pipelineCtx.EmitBuffer (with propagated metadata) whenever the
// output buffer fills.
type Emit struct {
	OutSchema *schema.Schema
	OutLayout schema.Layout

	cur      *buf.TupleBuffer
	rowsUsed int
	rowSize  int
}

func (e *Emit) Open(ctx *ExecutionContext, tb *buf.TupleBuffer) error {
	e.rowSize = e.OutSchema.SizeBytes()
	return e.ensureBuffer(ctx)
}

func (e *Emit) ensureBuffer(ctx *ExecutionContext) error {
	if e.cur != nil {
		return nil
	}
	nb, err := ctx.Pipeline.Pool.GetBufferBlocking(ctx.Context)
	if err != nil {
		return fmt.Errorf("emit: acquiring output buffer: %w", err)
	}
	e.cur = nb
	e.rowsUsed = 0
	return nil
}

func (e *Emit) capacityRows() int {
	if e.rowSize == 0 {
		return 0
	}
	return e.cur.Size() / e.rowSize
}

func (e *Emit) Execute(ctx *ExecutionContext, rec *record.Record) error {
	if err := e.ensureBuffer(ctx); err != nil {
		return err
	}
	if e.rowsUsed >= e.capacityRows() {
		if err := e.flush(ctx); err != nil {
			return err
		}
		if err := e.ensureBuffer(ctx); err != nil {
			return err
		}
	}

	out := record.New(e.OutSchema, e.OutLayout, e.cur, ctx.Pipeline.Pool, e.rowsUsed, e.capacityRows())
	for _, f := range e.OutSchema.Fields() {
		v, err := rec.Read(f.Name)
		if err != nil {
			return fmt.Errorf("emit: reading %q from upstream record: %w", f.Name, err)
		}
		if err := out.Write(f.Name, v); err != nil {
			return fmt.Errorf("emit: writing %q: %w", f.Name, err)
		}
	}
	e.rowsUsed++
	return nil
}

func (e *Emit) flush(ctx *ExecutionContext) error {
	if e.cur == nil || e.rowsUsed == 0 {
		if e.cur != nil {
			e.cur.Release()
			e.cur = nil
		}
		return nil
	}
	e.cur.SetUsed(e.rowsUsed * e.rowSize)
	e.cur.SetOrigin(ctx.Meta.Origin)
	e.cur.SetSequence(ctx.Pipeline.NextOutputSequence())
	e.cur.SetChunk(1)
	e.cur.SetLastChunk(true)
	e.cur.SetWatermark(ctx.Meta.Watermark)
	e.cur.SetNumberOfTuples(uint64(e.rowsUsed))
	if err := ctx.Pipeline.EmitBuffer(ctx.Context, e.cur); err != nil {
		e.cur.Release()
		e.cur = nil
		return fmt.Errorf("emit: flushing output buffer: %w", err)
	}
	if ctx.Pipeline.Metrics != nil {
		ctx.Pipeline.Metrics.recordsOut.Add(float64(e.rowsUsed))
		ctx.Pipeline.Metrics.buffersOut.Inc()
	}
	e.cur = nil
	e.rowsUsed = 0
	return nil
}

func (e *Emit) Close(ctx *ExecutionContext, tb *buf.TupleBuffer) error {
	return e.flush(ctx)
}

func (e *Emit) Terminate(ctx *ExecutionContext) error {
	return e.flush(ctx)
}
