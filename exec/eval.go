package exec

import (
	"fmt"

	"github.com/flowcore/flowcore/expr"
	"github.com/flowcore/flowcore/record"
	"github.com/flowcore/flowcore/schema"
)

// Evaluate interprets an expr.Function tree against a single record,
// returning the resulting value. It lives in exec rather than expr:
// expr deliberately stays free of a record dependency (its own
// VarVal mirrors record.VarVal's shape purely for literal constants),
// so the bridge between "a typed expression" and "a row of live data"
// belongs to whichever package actually runs pipelines.
func Evaluate(f expr.Function, rec *record.Record) (record.VarVal, error) {
	switch f.Kind() {
	case expr.KindReadField:
		rf, err := expr.TryGet[*expr.ReadField](f)
		if err != nil {
			return record.VarVal{}, err
		}
		return rec.Read(rf.Name)
	case expr.KindConstant:
		c, err := expr.TryGet[*expr.Constant](f)
		if err != nil {
			return record.VarVal{}, err
		}
		return toRecordVal(c.Value), nil
	case expr.KindArithmetic:
		a, err := expr.TryGet[*expr.Arithmetic](f)
		if err != nil {
			return record.VarVal{}, err
		}
		return evalArithmetic(a, rec)
	case expr.KindComparison:
		c, err := expr.TryGet[*expr.Comparison](f)
		if err != nil {
			return record.VarVal{}, err
		}
		return evalComparison(c, rec)
	case expr.KindLogical:
		l, err := expr.TryGet[*expr.Logical](f)
		if err != nil {
			return record.VarVal{}, err
		}
		return evalLogical(l, rec)
	default:
		return record.VarVal{}, fmt.Errorf("exec: cannot evaluate function of kind %v", f.Kind())
	}
}

// EvaluateBool is a convenience wrapper for predicate contexts
// (Filter), requiring the result to carry a bool stamp.
func EvaluateBool(f expr.Function, rec *record.Record) (bool, error) {
	v, err := Evaluate(f, rec)
	if err != nil {
		return false, err
	}
	if v.Kind != schema.KindBool {
		return false, fmt.Errorf("exec: predicate evaluated to non-bool kind %v", v.Kind)
	}
	return v.Bool, nil
}

func toRecordVal(v expr.VarVal) record.VarVal {
	return record.VarVal{Kind: v.Kind, Bool: v.Bool, I64: v.I64, U64: v.U64, F64: v.F64}
}

func asFloat(v record.VarVal) (float64, bool) {
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

func isFloatKind(k schema.Kind) bool { return k == schema.KindF32 || k == schema.KindF64 }

func evalArithmetic(a *expr.Arithmetic, rec *record.Record) (record.VarVal, error) {
	lv, err := Evaluate(a.Lhs, rec)
	if err != nil {
		return record.VarVal{}, err
	}
	rv, err := Evaluate(a.Rhs, rec)
	if err != nil {
		return record.VarVal{}, err
	}
	lf, ok1 := asFloat(lv)
	rf, ok2 := asFloat(rv)
	if !ok1 || !ok2 {
		return record.VarVal{}, fmt.Errorf("exec: arithmetic operand is not numeric")
	}

	var result float64
	switch a.Op {
	case expr.OpAdd:
		result = lf + rf
	case expr.OpSub:
		result = lf - rf
	case expr.OpMul:
		result = lf * rf
	case expr.OpDiv:
		if rf == 0 {
			return record.VarVal{}, fmt.Errorf("exec: division by zero")
		}
		result = lf / rf
	default:
		return record.VarVal{}, fmt.Errorf("exec: unknown arithmetic op %v", a.Op)
	}

	stamp := a.Stamp()
	if stamp.Kind == schema.KindInvalid {
		// Not stamp-inferred: derive the result kind from the operands
		// with the same rule as expr's stamp inference.
		switch {
		case lv.Kind == schema.KindF64 || rv.Kind == schema.KindF64:
			stamp = schema.F64
		case lv.Kind == schema.KindF32 || rv.Kind == schema.KindF32:
			stamp = schema.F32
		default:
			stamp = schema.DataType{Kind: lv.Kind}
		}
	}
	if isFloatKind(stamp.Kind) {
		return record.VarVal{Kind: stamp.Kind, F64: result}, nil
	}
	return record.VarVal{Kind: stamp.Kind, I64: int64(result)}, nil
}

func evalComparison(c *expr.Comparison, rec *record.Record) (record.VarVal, error) {
	lv, err := Evaluate(c.Lhs, rec)
	if err != nil {
		return record.VarVal{}, err
	}
	rv, err := Evaluate(c.Rhs, rec)
	if err != nil {
		return record.VarVal{}, err
	}

	var cmp int
	if lf, ok := asFloat(lv); ok {
		rf, _ := asFloat(rv)
		switch {
		case lf < rf:
			cmp = -1
		case lf > rf:
			cmp = 1
		}
	} else if lv.Kind == schema.KindBool {
		if lv.Bool == rv.Bool {
			cmp = 0
		} else if !lv.Bool {
			cmp = -1
		} else {
			cmp = 1
		}
	} else {
		return record.VarVal{}, fmt.Errorf("exec: comparison operand kind %v not supported", lv.Kind)
	}

	var result bool
	switch c.Op {
	case expr.OpEq:
		result = cmp == 0
	case expr.OpNe:
		result = cmp != 0
	case expr.OpLt:
		result = cmp < 0
	case expr.OpLe:
		result = cmp <= 0
	case expr.OpGt:
		result = cmp > 0
	case expr.OpGe:
		result = cmp >= 0
	default:
		return record.VarVal{}, fmt.Errorf("exec: unknown comparison op %v", c.Op)
	}
	return record.VarVal{Kind: schema.KindBool, Bool: result}, nil
}

func evalLogical(l *expr.Logical, rec *record.Record) (record.VarVal, error) {
	switch l.Op {
	case expr.OpNot:
		if len(l.Operands) != 1 {
			return record.VarVal{}, fmt.Errorf("exec: NOT requires exactly one operand")
		}
		v, err := Evaluate(l.Operands[0], rec)
		if err != nil {
			return record.VarVal{}, err
		}
		return record.VarVal{Kind: schema.KindBool, Bool: !v.Bool}, nil
	case expr.OpAnd, expr.OpOr:
		result := l.Op == expr.OpAnd
		for _, operand := range l.Operands {
			v, err := Evaluate(operand, rec)
			if err != nil {
				return record.VarVal{}, err
			}
			if l.Op == expr.OpAnd {
				result = result && v.Bool
			} else {
				result = result || v.Bool
			}
		}
		return record.VarVal{Kind: schema.KindBool, Bool: result}, nil
	default:
		return record.VarVal{}, fmt.Errorf("exec: unknown logical op %v", l.Op)
	}
}
