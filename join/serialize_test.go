package join

import (
	"testing"

	"github.com/flowcore/flowcore/ids"
	"github.com/flowcore/flowcore/record"
	"github.com/flowcore/flowcore/schema"
	"github.com/flowcore/flowcore/window"
)

func TestStateSerializeDeserializeRoundTrip(t *testing.T) {
	ls, err := schema.New(schema.Field{Name: "lid", Type: schema.I64}, schema.Field{Name: "lval", Type: schema.I64})
	if err != nil {
		t.Fatal(err)
	}
	rs, err := schema.New(schema.Field{Name: "rid", Type: schema.I64}, schema.Field{Name: "rval", Type: schema.I64})
	if err != nil {
		t.Fatal(err)
	}

	store := window.NewSliceStore(window.TumblingFactory(1000))
	wm := window.NewWatermarkProcessor()
	j, err := NewJoin(Hash, 1, ls, rs, "lid", "rid", store, wm)
	if err != nil {
		t.Fatal(err)
	}

	sl := store.GetSlicesOrCreate(500)
	leftState := sl.State(ids.WorkerThreadId(1), Left.String(), newBuildState).(*buildState)
	leftState.rows = append(leftState.rows, storedRow{
		key:  keyString(record.I64Val(1)),
		vals: []record.VarVal{record.I64Val(1), record.I64Val(10)},
	})
	leftState.byKey[leftState.rows[0].key] = []int{0}

	rightState := sl.State(ids.WorkerThreadId(1), Right.String(), newBuildState).(*buildState)
	rightState.rows = append(rightState.rows, storedRow{
		key:  keyString(record.I64Val(1)),
		vals: []record.VarVal{record.I64Val(1), record.I64Val(100)},
	})
	rightState.byKey[rightState.rows[0].key] = []int{0}

	data, err := j.Serialize([]*window.Slice{sl}, 2000, 42)
	if err != nil {
		t.Fatal(err)
	}

	lastWatermark, processed, restored, err := j.DeserializeState(data)
	if err != nil {
		t.Fatal(err)
	}
	if lastWatermark != 2000 || processed != 42 {
		t.Fatalf("expected header round-trip (2000,42), got (%d,%d)", lastWatermark, processed)
	}
	if len(restored) != 1 {
		t.Fatalf("expected one restored slice, got %d", len(restored))
	}
	rsl := restored[0]
	if rsl.Start != 0 || rsl.End != 1000 {
		t.Fatalf("expected bounds [0,1000), got [%d,%d)", rsl.Start, rsl.End)
	}
	if len(rsl.Left) != 1 || rsl.Left[0].vals[0].I64 != 1 || rsl.Left[0].vals[1].I64 != 10 {
		t.Fatalf("left side did not round-trip: %+v", rsl.Left)
	}
	if len(rsl.Right) != 1 || rsl.Right[0].vals[0].I64 != 1 || rsl.Right[0].vals[1].I64 != 100 {
		t.Fatalf("right side did not round-trip: %+v", rsl.Right)
	}

	freshStore := window.NewSliceStore(window.TumblingFactory(1000))
	if err := j.RestoreInto(freshStore, ids.WorkerThreadId(1), restored); err != nil {
		t.Fatal(err)
	}
	rehydrated := freshStore.GetSlicesOrCreate(500)
	st := rehydrated.State(ids.WorkerThreadId(1), Left.String(), newBuildState).(*buildState)
	if len(st.rows) != 1 || st.rows[0].vals[1].I64 != 10 {
		t.Fatalf("expected RestoreInto to repopulate left state, got %+v", st.rows)
	}
	if len(st.byKey[keyString(record.I64Val(1))]) != 1 {
		t.Fatal("expected RestoreInto to rebuild the key index")
	}
}
