// Package exec implements the pipeline runtime: a push-based chain of
// stateless operators (Scan, Filter, Map, Projection, Emit) and the
// execution context threaded through every operator invocation.
// Stateful operators (windowed aggregation, join build/probe) live in
// packages window and join but implement the same Operator contract
// defined here.
//
// A pipeline is a linked chain of small operators that a scan drives
// row-by-row and that forward to a downstream sink, mirroring a
// QuerySink chain built from many single-purpose filter/project
// stages. Rather than compiling each operator down to bytecode for a
// bytecode interpreter, this package keeps the structural
// open/execute/close/terminate dispatch and interprets the
// expr.Function tree directly: a column-at-a-time SIMD interpreter
// has no natural row-at-a-time analogue in this engine's tuple-buffer
// model, and no SQL compiler exists here to emit a bytecode IR for.
package exec

import (
	"context"
	"fmt"

	"github.com/flowcore/flowcore/buf"
	"github.com/flowcore/flowcore/ids"
	"github.com/flowcore/flowcore/record"
	"github.com/flowcore/flowcore/schema"
)

// WorkerContext is shared, read-only state handed to every pipeline on
// a worker: its identity, buffer pool, and logging hook (mirrors
// tenant.Manager's per-tenant fields, db/queue.go's Logf convention).
type WorkerContext struct {
	WorkerId ids.WorkerId
	Pool     *buf.Pool
	Logf     func(format string, args ...any)
}

func (w *WorkerContext) logf(format string, args ...any) {
	if w != nil && w.Logf != nil {
		w.Logf(format, args...)
	}
}

// Metadata carries the current input buffer's header fields, threaded
// through execution so operators can read origin/sequence/watermark
// without reaching into the buffer directly.
type Metadata struct {
	Origin    ids.OriginId
	Sequence  ids.SequenceNumber
	Chunk     ids.ChunkNumber
	LastChunk bool
	Watermark int64
}

func MetadataOf(tb *buf.TupleBuffer) Metadata {
	return Metadata{
		Origin:    tb.Origin(),
		Sequence:  tb.Sequence(),
		Chunk:     tb.Chunk(),
		LastChunk: tb.LastChunk(),
		Watermark: tb.Watermark(),
	}
}

// PipelineExecutionContext is the per-pipeline state shared across all
// buffers a pipeline processes: its buffer manager (pool), the emit
// function result buffers are flushed through, and the output
// sequence counter assigned to emitted buffers.
type PipelineExecutionContext struct {
	PipelineId ids.PipelineId
	Pool       *buf.Pool
	EmitBuffer func(ctx context.Context, tb *buf.TupleBuffer) error
	Metrics    *Metrics

	outSeq uint64 // owned by the single worker thread driving this pipeline
}

// NextOutputSequence hands out the next monotonic sequence number for
// a buffer this pipeline is about to emit. Exported so stateful
// operators living outside this package (window.Aggregation,
// join.Build/Probe) can stamp the trigger buffers they build directly
// rather than forwarding through Emit.
func (p *PipelineExecutionContext) NextOutputSequence() ids.SequenceNumber {
	p.outSeq++
	return ids.SequenceNumber(p.outSeq)
}

// ExecutionContext is the per-invocation bundle passed to every
// Operator method: the worker's shared state, the owning pipeline's
// shared state, the metadata of the buffer currently being processed,
// and a slot for the state of whichever stateful operator is
// executing (window/join build or probe).
type ExecutionContext struct {
	context.Context
	Worker   *WorkerContext
	Pipeline *PipelineExecutionContext
	Meta     Metadata

	// State is populated by stateful operators (see package window,
	// package join) with whatever per-operator mutable state that
	// invocation needs; stateless operators leave it nil.
	State any
}

// Operator is the shared contract for every node in a pipeline chain,
// stateless (Scan/Filter/Map/Projection/Emit) or stateful (windowed
// aggregation build/probe, join build/probe in packages window and
// join). Execution is strictly push-based: a parent calls
// child.Execute once per record it forwards.
type Operator interface {
	// Open is called once per input buffer, before any Execute call
	// for that buffer, outermost operator first.
	Open(ctx *ExecutionContext, tb *buf.TupleBuffer) error
	// Execute processes a single record, forwarding to any child as
	// appropriate. An error here fails the whole query, not just the
	// one record.
	Execute(ctx *ExecutionContext, rec *record.Record) error
	// Close is called once per input buffer after every Execute call
	// for that buffer has returned, innermost-to-outermost relative
	// to Open. This is where window triggers fire (package window).
	Close(ctx *ExecutionContext, tb *buf.TupleBuffer) error
	// Terminate is called once, when the pipeline's source reaches
	// EoS; stateful operators force-trigger remaining state here
	// regardless of watermark.
	Terminate(ctx *ExecutionContext) error
}

// ErrRecordFailed wraps an error returned by an operator's Execute,
// tagging which pipeline and operator kind failed it for diagnostics.
type ErrRecordFailed struct {
	PipelineId ids.PipelineId
	Operator   string
	Err        error
}

func (e *ErrRecordFailed) Error() string {
	return fmt.Sprintf("exec: pipeline %v operator %s: %v", e.PipelineId, e.Operator, e.Err)
}
func (e *ErrRecordFailed) Unwrap() error { return e.Err }

// Pipeline is a compiled Scan..Emit operator chain: a physical schema
// and layout at its entry point, and the first real operator in the
// chain (the head Scan feeds it records one by one).
type Pipeline struct {
	id     ids.PipelineId
	schema *schema.Schema
	layout schema.Layout
	head   Operator // first operator after the implicit scan step
	worker *WorkerContext
	pctx   *PipelineExecutionContext
}

// NewPipeline constructs a pipeline reading rows of the given schema
// and layout, forwarding each to head.
func NewPipeline(id ids.PipelineId, s *schema.Schema, layout schema.Layout, head Operator, worker *WorkerContext, emit func(context.Context, *buf.TupleBuffer) error, metrics *Metrics) *Pipeline {
	return &Pipeline{
		id:     id,
		schema: s,
		layout: layout,
		head:   head,
		worker: worker,
		pctx: &PipelineExecutionContext{
			PipelineId: id,
			Pool:       worker.Pool,
			EmitBuffer: emit,
			Metrics:    metrics,
		},
	}
}

func (p *Pipeline) numRows(tb *buf.TupleBuffer) int {
	rowSize := p.schema.SizeBytes()
	if rowSize == 0 {
		return 0
	}
	switch p.layout {
	case schema.LayoutRow:
		return tb.Used() / rowSize
	case schema.LayoutColumnar:
		fields := p.schema.Fields()
		if len(fields) == 0 {
			return 0
		}
		return tb.Used() / fields[0].Type.SizeBytes() / len(fields)
	default:
		return 0
	}
}

// ProcessBuffer drives one input buffer through the whole chain:
// Open, then Scan's row-by-row Execute dispatch, then Close. An error
// from any stage fails the buffer and the whole query; the caller is
// expected to treat a non-nil return as query failure, not as a
// reason to retry this buffer.
func (p *Pipeline) ProcessBuffer(ctx context.Context, tb *buf.TupleBuffer) error {
	ec := &ExecutionContext{Context: ctx, Worker: p.worker, Pipeline: p.pctx, Meta: MetadataOf(tb)}

	if err := p.head.Open(ec, tb); err != nil {
		return &ErrRecordFailed{PipelineId: p.id, Operator: "open", Err: err}
	}

	n := p.numRows(tb)
	for i := 0; i < n; i++ {
		rec := record.New(p.schema, p.layout, tb, p.pctx.Pool, i, n)
		if err := p.head.Execute(ec, rec); err != nil {
			return &ErrRecordFailed{PipelineId: p.id, Operator: "execute", Err: err}
		}
		if p.pctx.Metrics != nil {
			p.pctx.Metrics.recordsIn.Inc()
		}
	}

	if err := p.head.Close(ec, tb); err != nil {
		return &ErrRecordFailed{PipelineId: p.id, Operator: "close", Err: err}
	}
	return nil
}

// Terminate force-drains any remaining stateful operator state, called
// once the pipeline's source reaches EoS.
func (p *Pipeline) Terminate(ctx context.Context) error {
	ec := &ExecutionContext{Context: ctx, Worker: p.worker, Pipeline: p.pctx}
	if err := p.head.Terminate(ec); err != nil {
		return &ErrRecordFailed{PipelineId: p.id, Operator: "terminate", Err: err}
	}
	return nil
}
