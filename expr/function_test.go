package expr

import (
	"errors"
	"testing"

	"github.com/flowcore/flowcore/schema"
)

func testFnSchema(t *testing.T) *schema.Schema {
	t.Helper()
	return schema.MustNew(
		schema.Field{Name: "age", Type: schema.I32},
		schema.Field{Name: "score", Type: schema.F64},
	)
}

func TestReadFieldStampInference(t *testing.T) {
	s := testFnSchema(t)
	f := NewReadField("age")
	inferred, err := f.WithInferredStamp(s)
	if err != nil {
		t.Fatal(err)
	}
	if inferred.Stamp() != schema.I32 {
		t.Fatalf("expected I32 stamp, got %v", inferred.Stamp())
	}
}

func TestReadFieldMissingFieldFails(t *testing.T) {
	s := testFnSchema(t)
	f := NewReadField("nonexistent")
	_, err := f.WithInferredStamp(s)
	if !errors.Is(err, ErrFieldNotFound) {
		t.Fatalf("expected ErrFieldNotFound, got %v", err)
	}
}

func TestArithmeticInfersWidestNumericStamp(t *testing.T) {
	s := testFnSchema(t)
	f := NewArithmetic(OpAdd, NewReadField("age"), NewReadField("score"))
	inferred, err := f.WithInferredStamp(s)
	if err != nil {
		t.Fatal(err)
	}
	if inferred.Stamp() != schema.F64 {
		t.Fatalf("expected F64 widening, got %v", inferred.Stamp())
	}
}

func TestArithmeticTypeMismatch(t *testing.T) {
	s := testFnSchema(t)
	f := NewArithmetic(OpAdd, NewReadField("age"), NewConstant(VarVal{Kind: schema.KindBool, Bool: true}))
	_, err := f.WithInferredStamp(s)
	if !errors.Is(err, ErrTypeMismatch) {
		t.Fatalf("expected ErrTypeMismatch, got %v", err)
	}
}

func TestComparisonAlwaysStampsBool(t *testing.T) {
	s := testFnSchema(t)
	f := NewComparison(OpGt, NewReadField("age"), NewConstant(VarVal{Kind: schema.KindI64, I64: 18}))
	inferred, err := f.WithInferredStamp(s)
	if err != nil {
		t.Fatal(err)
	}
	if inferred.Stamp() != schema.Bool {
		t.Fatalf("expected Bool stamp, got %v", inferred.Stamp())
	}
}

func TestLogicalRejectsNonBoolOperand(t *testing.T) {
	s := testFnSchema(t)
	f := NewLogical(OpAnd, NewReadField("age"), NewComparison(OpGt, NewReadField("score"), NewConstant(VarVal{Kind: schema.KindF64, F64: 1})))
	_, err := f.WithInferredStamp(s)
	if !errors.Is(err, ErrTypeMismatch) {
		t.Fatalf("expected ErrTypeMismatch, got %v", err)
	}
}

func TestFunctionEqualStructural(t *testing.T) {
	s := testFnSchema(t)
	a, err := NewComparison(OpEq, NewReadField("age"), NewConstant(VarVal{Kind: schema.KindI64, I64: 5})).WithInferredStamp(s)
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewComparison(OpEq, NewReadField("age"), NewConstant(VarVal{Kind: schema.KindI64, I64: 5})).WithInferredStamp(s)
	if err != nil {
		t.Fatal(err)
	}
	if !a.Equal(b) {
		t.Fatal("expected structurally identical functions to be equal")
	}
	c, err := NewComparison(OpEq, NewReadField("age"), NewConstant(VarVal{Kind: schema.KindI64, I64: 6})).WithInferredStamp(s)
	if err != nil {
		t.Fatal(err)
	}
	if a.Equal(c) {
		t.Fatal("expected functions with different constants to be unequal")
	}
}

func TestNullFunctionOperationsFail(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on NullFunction.Explain()")
		}
	}()
	NullFunction.Explain()
}

func TestNullFunctionWithInferredStampReturnsError(t *testing.T) {
	s := testFnSchema(t)
	_, err := NullFunction.WithInferredStamp(s)
	if !errors.Is(err, ErrUninhabitedSlot) {
		t.Fatalf("expected ErrUninhabitedSlot, got %v", err)
	}
}

func TestTryGetDowncast(t *testing.T) {
	f := NewReadField("age")
	rf, err := TryGet[*ReadField](f)
	if err != nil {
		t.Fatal(err)
	}
	if rf.Name != "age" {
		t.Fatalf("expected Name=age, got %q", rf.Name)
	}
	_, err = TryGet[*Constant](f)
	if err == nil {
		t.Fatal("expected type-mismatch error downcasting ReadField to Constant")
	}
}

func TestSerializeRoundTripsDeterministically(t *testing.T) {
	f := NewArithmetic(OpMul, NewReadField("age"), NewConstant(VarVal{Kind: schema.KindI64, I64: 2}))
	b1 := f.Serialize()
	b2 := f.Serialize()
	if string(b1) != string(b2) {
		t.Fatal("expected Serialize to be deterministic")
	}
}
