package exec

import (
	"context"
	"testing"

	"github.com/flowcore/flowcore/buf"
	"github.com/flowcore/flowcore/expr"
	"github.com/flowcore/flowcore/ids"
	"github.com/flowcore/flowcore/record"
	"github.com/flowcore/flowcore/schema"
)

func clicksSchema(t *testing.T) *schema.Schema {
	t.Helper()
	s, err := schema.New(
		schema.Field{Name: "a", Type: schema.I32},
		schema.Field{Name: "b", Type: schema.I32},
		schema.Field{Name: "c", Type: schema.I32},
	)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func writeRow(t *testing.T, s *schema.Schema, tb *buf.TupleBuffer, pool *buf.Pool, rowIdx, numRows int, a, b, c int32) {
	t.Helper()
	rec := record.New(s, schema.LayoutRow, tb, pool, rowIdx, numRows)
	if err := rec.Write("a", record.I32Val(a)); err != nil {
		t.Fatal(err)
	}
	if err := rec.Write("b", record.I32Val(b)); err != nil {
		t.Fatal(err)
	}
	if err := rec.Write("c", record.I32Val(c)); err != nil {
		t.Fatal(err)
	}
}

func TestPipelineFilterThenEmit(t *testing.T) {
	s := clicksSchema(t)
	pool, err := buf.NewPool(4, 256)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()

	in, err := pool.GetBufferBlocking(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer in.Release()
	writeRow(t, s, in, pool, 0, 3, 1, 2, 3)
	writeRow(t, s, in, pool, 1, 3, 2, 3, 4)
	writeRow(t, s, in, pool, 2, 3, 0, 9, 9)
	in.SetUsed(3 * s.SizeBytes())
	in.SetOrigin(7)

	pred := expr.NewComparison(expr.OpGt, expr.NewReadField("a"), expr.NewConstant(expr.VarVal{Kind: schema.KindI32, I64: 1}))

	var emitted []*buf.TupleBuffer
	emit := func(ctx context.Context, tb *buf.TupleBuffer) error {
		emitted = append(emitted, tb)
		return nil
	}

	filter := &Filter{Predicate: pred, Child: &Emit{OutSchema: s, OutLayout: schema.LayoutRow}}
	worker := &WorkerContext{WorkerId: 1, Pool: pool}
	pipeline := NewPipeline(ids.PipelineId(1), s, schema.LayoutRow, filter, worker, emit, nil)

	if err := pipeline.ProcessBuffer(context.Background(), in); err != nil {
		t.Fatal(err)
	}
	if err := pipeline.Terminate(context.Background()); err != nil {
		t.Fatal(err)
	}

	if len(emitted) != 1 {
		t.Fatalf("expected exactly one flushed output buffer, got %d", len(emitted))
	}
	out := emitted[0]
	defer out.Release()
	if out.Used() != s.SizeBytes() {
		t.Fatalf("expected exactly one row surviving the filter, used=%d rowSize=%d", out.Used(), s.SizeBytes())
	}
	if out.Origin() != 7 {
		t.Fatalf("expected propagated origin 7, got %v", out.Origin())
	}
	if out.Sequence() != 1 {
		t.Fatalf("expected first emitted buffer to carry sequence 1, got %v", out.Sequence())
	}
	rec := record.New(s, schema.LayoutRow, out, pool, 0, 1)
	a, _ := rec.Read("a")
	if a.I64 != 2 {
		t.Fatalf("expected surviving row a=2, got %d", a.I64)
	}
}

func TestPipelineMapAddsComputedField(t *testing.T) {
	sIn, err := schema.New(schema.Field{Name: "x", Type: schema.I32}, schema.Field{Name: "y", Type: schema.I32}, schema.Field{Name: "sum", Type: schema.I32})
	if err != nil {
		t.Fatal(err)
	}
	pool, err := buf.NewPool(4, 256)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()

	in, err := pool.GetBufferBlocking(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer in.Release()
	rec := record.New(sIn, schema.LayoutRow, in, pool, 0, 1)
	if err := rec.Write("x", record.I32Val(4)); err != nil {
		t.Fatal(err)
	}
	if err := rec.Write("y", record.I32Val(5)); err != nil {
		t.Fatal(err)
	}
	if err := rec.Write("sum", record.I32Val(0)); err != nil {
		t.Fatal(err)
	}
	in.SetUsed(sIn.SizeBytes())

	sumExpr := expr.NewArithmetic(expr.OpAdd, expr.NewReadField("x"), expr.NewReadField("y"))
	m := &Map{Fields: []MapField{{Name: "sum", Expr: sumExpr}}, Child: &Emit{OutSchema: sIn, OutLayout: schema.LayoutRow}}

	var emitted *buf.TupleBuffer
	emit := func(ctx context.Context, tb *buf.TupleBuffer) error {
		emitted = tb
		return nil
	}
	worker := &WorkerContext{WorkerId: 1, Pool: pool}
	pipeline := NewPipeline(ids.PipelineId(1), sIn, schema.LayoutRow, m, worker, emit, nil)
	if err := pipeline.ProcessBuffer(context.Background(), in); err != nil {
		t.Fatal(err)
	}
	if err := pipeline.Terminate(context.Background()); err != nil {
		t.Fatal(err)
	}
	if emitted == nil {
		t.Fatal("expected one flushed buffer")
	}
	defer emitted.Release()
	out := record.New(sIn, schema.LayoutRow, emitted, pool, 0, 1)
	sum, err := out.Read("sum")
	if err != nil || sum.I64 != 9 {
		t.Fatalf("expected sum=9, got %+v err=%v", sum, err)
	}
}

func TestPipelineRecordErrorFailsQuery(t *testing.T) {
	s := clicksSchema(t)
	pool, err := buf.NewPool(4, 256)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()
	in, err := pool.GetBufferBlocking(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer in.Release()
	writeRow(t, s, in, pool, 0, 1, 1, 2, 3)
	in.SetUsed(s.SizeBytes())

	badPredicate := expr.NewComparison(expr.OpGt, expr.NewReadField("nonexistent"), expr.NewConstant(expr.VarVal{Kind: schema.KindI32, I64: 1}))
	filter := &Filter{Predicate: badPredicate, Child: &Emit{OutSchema: s, OutLayout: schema.LayoutRow}}
	worker := &WorkerContext{WorkerId: 1, Pool: pool}
	pipeline := NewPipeline(ids.PipelineId(1), s, schema.LayoutRow, filter, worker, func(context.Context, *buf.TupleBuffer) error { return nil }, nil)

	if err := pipeline.ProcessBuffer(context.Background(), in); err == nil {
		t.Fatal("expected a record-level error to fail the whole buffer")
	}
}

func TestPipelineEmitFlushesAcrossMultipleBuffersWhenFull(t *testing.T) {
	s := clicksSchema(t)
	rowSize := s.SizeBytes()
	const numRows = 5

	inPool, err := buf.NewPool(2, rowSize*numRows)
	if err != nil {
		t.Fatal(err)
	}
	defer inPool.Close()
	outPool, err := buf.NewPool(8, rowSize*2) // room for exactly 2 rows per output buffer
	if err != nil {
		t.Fatal(err)
	}
	defer outPool.Close()

	in, err := inPool.GetBufferBlocking(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer in.Release()
	for i := 0; i < numRows; i++ {
		writeRow(t, s, in, inPool, i, numRows, int32(i), int32(i), int32(i))
	}
	in.SetUsed(numRows * rowSize)

	var flushCount int
	var totalRows int
	emit := func(ctx context.Context, tb *buf.TupleBuffer) error {
		flushCount++
		totalRows += tb.Used() / rowSize
		tb.Release()
		return nil
	}
	worker := &WorkerContext{WorkerId: 1, Pool: outPool}
	pipeline := NewPipeline(ids.PipelineId(1), s, schema.LayoutRow, &Emit{OutSchema: s, OutLayout: schema.LayoutRow}, worker, emit, nil)
	if err := pipeline.ProcessBuffer(context.Background(), in); err != nil {
		t.Fatal(err)
	}
	if err := pipeline.Terminate(context.Background()); err != nil {
		t.Fatal(err)
	}
	if totalRows != numRows {
		t.Fatalf("expected all %d rows eventually flushed, got %d across %d buffers", numRows, totalRows, flushCount)
	}
	if flushCount < 3 {
		t.Fatalf("expected at least 3 flushes packing 2 rows each for %d rows, got %d", numRows, flushCount)
	}
}
