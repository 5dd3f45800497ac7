package join

import (
	"context"
	"testing"

	"github.com/flowcore/flowcore/buf"
	"github.com/flowcore/flowcore/exec"
	"github.com/flowcore/flowcore/ids"
	"github.com/flowcore/flowcore/record"
	"github.com/flowcore/flowcore/schema"
	"github.com/flowcore/flowcore/window"
)

func leftSchema(t *testing.T) *schema.Schema {
	t.Helper()
	s, err := schema.New(schema.Field{Name: "lid", Type: schema.I64}, schema.Field{Name: "lval", Type: schema.I64})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func rightSchema(t *testing.T) *schema.Schema {
	t.Helper()
	s, err := schema.New(schema.Field{Name: "rid", Type: schema.I64}, schema.Field{Name: "rval", Type: schema.I64})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func writePair(t *testing.T, s *schema.Schema, tb *buf.TupleBuffer, pool *buf.Pool, rowIdx, numRows int, f1, f2 string, v1, v2 int64) {
	t.Helper()
	rec := record.New(s, schema.LayoutRow, tb, pool, rowIdx, numRows)
	if err := rec.Write(f1, record.I64Val(v1)); err != nil {
		t.Fatal(err)
	}
	if err := rec.Write(f2, record.I64Val(v2)); err != nil {
		t.Fatal(err)
	}
}

// TestNestedLoopJoinOverTwoSources matches the NLJ scenario: Left
// (1,10),(2,20); Right (1,100),(3,300); one slice covers both.
// Expected: (1,10,1,100).
func TestNestedLoopJoinOverTwoSources(t *testing.T) {
	ls, rs := leftSchema(t), rightSchema(t)
	pool, err := buf.NewPool(4, 256)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()

	store := window.NewSliceStore(window.TumblingFactory(1000))
	wm := window.NewWatermarkProcessor()
	j, err := NewJoin(NestedLoop, 1, ls, rs, "lid", "rid", store, wm)
	if err != nil {
		t.Fatal(err)
	}

	clock := func() window.Timestamp { return 0 }
	leftBuild := j.NewBuild(Left, 1, 1, "", clock)
	rightBuild := j.NewBuild(Right, 1, 2, "", clock)

	var emitted []*buf.TupleBuffer
	emit := func(ctx context.Context, tb *buf.TupleBuffer) error {
		emitted = append(emitted, tb)
		return nil
	}
	worker := &exec.WorkerContext{WorkerId: 1, Pool: pool}
	leftPipeline := exec.NewPipeline(ids.PipelineId(1), ls, schema.LayoutRow, leftBuild, worker, emit, nil)
	rightPipeline := exec.NewPipeline(ids.PipelineId(2), rs, schema.LayoutRow, rightBuild, worker, emit, nil)

	lbuf, err := pool.GetBufferBlocking(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	writePair(t, ls, lbuf, pool, 0, 2, "lid", "lval", 1, 10)
	writePair(t, ls, lbuf, pool, 1, 2, "lid", "lval", 2, 20)
	lbuf.SetUsed(2 * ls.SizeBytes())
	lbuf.SetOrigin(1)
	lbuf.SetWatermark(1000)

	rbuf, err := pool.GetBufferBlocking(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	writePair(t, rs, rbuf, pool, 0, 2, "rid", "rval", 1, 100)
	writePair(t, rs, rbuf, pool, 1, 2, "rid", "rval", 3, 300)
	rbuf.SetUsed(2 * rs.SizeBytes())
	rbuf.SetOrigin(1)
	rbuf.SetWatermark(1000)

	if err := leftPipeline.ProcessBuffer(context.Background(), lbuf); err != nil {
		t.Fatal(err)
	}
	lbuf.Release()
	if len(emitted) != 0 {
		t.Fatalf("expected no emission before the right side has buffered anything, got %d", len(emitted))
	}

	if err := rightPipeline.ProcessBuffer(context.Background(), rbuf); err != nil {
		t.Fatal(err)
	}
	rbuf.Release()

	if len(emitted) != 1 {
		t.Fatalf("expected exactly one probe emission once both sides are present, got %d", len(emitted))
	}
	out := emitted[0]
	defer out.Release()
	if out.NumberOfTuples() != 1 {
		t.Fatalf("expected exactly one matching pair, got %d", out.NumberOfTuples())
	}
	row := record.New(j.OutSchema, schema.LayoutRow, out, pool, 0, 1)
	lid, _ := row.Read("lid")
	lval, _ := row.Read("lval")
	rid, _ := row.Read("rid")
	rval, _ := row.Read("rval")
	if lid.I64 != 1 || lval.I64 != 10 || rid.I64 != 1 || rval.I64 != 100 {
		t.Fatalf("expected (1,10,1,100), got (%d,%d,%d,%d)", lid.I64, lval.I64, rid.I64, rval.I64)
	}
}

func TestHashJoinMatchesOnlyEqualKeys(t *testing.T) {
	ls, rs := leftSchema(t), rightSchema(t)
	pool, err := buf.NewPool(4, 256)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()

	store := window.NewSliceStore(window.TumblingFactory(1000))
	wm := window.NewWatermarkProcessor()
	j, err := NewJoin(Hash, 1, ls, rs, "lid", "rid", store, wm)
	if err != nil {
		t.Fatal(err)
	}
	clock := func() window.Timestamp { return 0 }
	leftBuild := j.NewBuild(Left, 1, 1, "", clock)
	rightBuild := j.NewBuild(Right, 1, 2, "", clock)

	var emitted []*buf.TupleBuffer
	emit := func(ctx context.Context, tb *buf.TupleBuffer) error {
		emitted = append(emitted, tb)
		return nil
	}
	worker := &exec.WorkerContext{WorkerId: 1, Pool: pool}
	leftPipeline := exec.NewPipeline(ids.PipelineId(1), ls, schema.LayoutRow, leftBuild, worker, emit, nil)
	rightPipeline := exec.NewPipeline(ids.PipelineId(2), rs, schema.LayoutRow, rightBuild, worker, emit, nil)

	lbuf, err := pool.GetBufferBlocking(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	writePair(t, ls, lbuf, pool, 0, 1, "lid", "lval", 5, 50)
	lbuf.SetUsed(ls.SizeBytes())
	lbuf.SetOrigin(1)
	lbuf.SetWatermark(1000)
	if err := leftPipeline.ProcessBuffer(context.Background(), lbuf); err != nil {
		t.Fatal(err)
	}
	lbuf.Release()

	rbuf, err := pool.GetBufferBlocking(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	writePair(t, rs, rbuf, pool, 0, 1, "rid", "rval", 9, 900)
	rbuf.SetUsed(rs.SizeBytes())
	rbuf.SetOrigin(1)
	rbuf.SetWatermark(1000)
	if err := rightPipeline.ProcessBuffer(context.Background(), rbuf); err != nil {
		t.Fatal(err)
	}
	rbuf.Release()

	if len(emitted) != 0 {
		t.Fatalf("expected no emission when no keys match (5 != 9), got %d", len(emitted))
	}
}
