package record

import (
	"testing"

	"github.com/flowcore/flowcore/buf"
	"github.com/flowcore/flowcore/schema"
)

func testSchema(t *testing.T) *schema.Schema {
	t.Helper()
	s, err := schema.New(
		schema.Field{Name: "a", Type: schema.I32},
		schema.Field{Name: "b", Type: schema.F64},
		schema.Field{Name: "name", Type: schema.VarSized},
	)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestRecordRowLayoutReadWrite(t *testing.T) {
	s := testSchema(t)
	pool, err := newTestPool(t)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()
	tb, err := pool.GetBufferBlocking(nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tb.Release()

	rec := New(s, schema.LayoutRow, tb, pool, 0, 1)
	if err := rec.Write("a", I32Val(42)); err != nil {
		t.Fatal(err)
	}
	if err := rec.Write("b", F64Val(3.5)); err != nil {
		t.Fatal(err)
	}
	if err := rec.Write("name", BytesVal([]byte("widget"))); err != nil {
		t.Fatal(err)
	}

	a, err := rec.Read("a")
	if err != nil || a.I64 != 42 {
		t.Fatalf("a: %+v err=%v", a, err)
	}
	b, err := rec.Read("b")
	if err != nil || b.F64 != 3.5 {
		t.Fatalf("b: %+v err=%v", b, err)
	}
	name, err := rec.Read("name")
	if err != nil || string(name.Bytes) != "widget" {
		t.Fatalf("name: %+v err=%v", name, err)
	}
}

func TestRecordColumnarLayout(t *testing.T) {
	s := testSchema(t)
	pool, err := newTestPool(t)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()
	tb, err := pool.GetBufferBlocking(nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tb.Release()

	const rows = 4
	for i := 0; i < rows; i++ {
		rec := New(s, schema.LayoutColumnar, tb, pool, i, rows)
		if err := rec.Write("a", I32Val(int32(100+i))); err != nil {
			t.Fatal(err)
		}
		if err := rec.Write("b", F64Val(float64(i))); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < rows; i++ {
		rec := New(s, schema.LayoutColumnar, tb, pool, i, rows)
		a, err := rec.Read("a")
		if err != nil || a.I64 != int64(100+i) {
			t.Fatalf("row %d: a=%+v err=%v", i, a, err)
		}
	}
}

// newTestPool is a small helper kept in the test file (not exported)
// so both tests above share a single pool-construction path sized
// generously enough for the var-sized test payloads.
func newTestPool(t *testing.T) (*buf.Pool, error) {
	t.Helper()
	return buf.NewPool(8, 256)
}
