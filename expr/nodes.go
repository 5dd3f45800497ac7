package expr

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/flowcore/flowcore/schema"
)

// ReadField reads a single named column.
type ReadField struct {
	Name  string
	stamp schema.DataType
}

func NewReadField(name string) Function { return Wrap(&ReadField{Name: name}) }

func (r *ReadField) Kind() Kind            { return KindReadField }
func (r *ReadField) Explain() string       { return fmt.Sprintf("$%s", r.Name) }
func (r *ReadField) Stamp() schema.DataType { return r.stamp }
func (r *ReadField) WithStamp(d schema.DataType) Concept {
	cp := *r
	cp.stamp = d
	return &cp
}
func (r *ReadField) WithInferredStamp(s *schema.Schema) (Concept, error) {
	f, _, ok := s.Lookup(r.Name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrFieldNotFound, r.Name)
	}
	cp := *r
	cp.stamp = f.Type
	return &cp, nil
}
func (r *ReadField) Children() []Function                   { return nil }
func (r *ReadField) WithChildren(children []Function) Concept {
	if len(children) != 0 {
		panic("expr: ReadField takes no children")
	}
	return r
}
func (r *ReadField) Serialize() []byte {
	return append([]byte{byte(KindReadField)}, []byte(r.Name)...)
}
func (r *ReadField) Equal(o Concept) bool {
	other, ok := o.(*ReadField)
	return ok && other.Name == r.Name
}

// Constant wraps a literal value of a fixed type.
type Constant struct {
	Value VarVal
}

// VarVal mirrors record.VarVal's shape for constant literals, kept
// local to expr to avoid a dependency on the record package (which
// itself needs a buffer pool); expr only needs to carry scalar
// literals, never variable-sized payloads by value.
type VarVal struct {
	Kind schema.Kind
	Bool bool
	I64  int64
	U64  uint64
	F64  float64
}

func NewConstant(v VarVal) Function { return Wrap(&Constant{Value: v}) }

func (c *Constant) Kind() Kind { return KindConstant }
func (c *Constant) Explain() string {
	switch c.Value.Kind {
	case schema.KindBool:
		return fmt.Sprintf("%v", c.Value.Bool)
	case schema.KindF32, schema.KindF64:
		return fmt.Sprintf("%g", c.Value.F64)
	default:
		return fmt.Sprintf("%d", c.Value.I64)
	}
}
func (c *Constant) Stamp() schema.DataType { return DataTypeOf(c.Value.Kind) }
func (c *Constant) WithStamp(d schema.DataType) Concept {
	cp := *c
	cp.Value.Kind = d.Kind
	return &cp
}
func (c *Constant) WithInferredStamp(s *schema.Schema) (Concept, error) { return c, nil }
func (c *Constant) Children() []Function                               { return nil }
func (c *Constant) WithChildren(children []Function) Concept {
	if len(children) != 0 {
		panic("expr: Constant takes no children")
	}
	return c
}
func (c *Constant) Serialize() []byte {
	buf := make([]byte, 9)
	buf[0] = byte(KindConstant)
	binary.LittleEndian.PutUint64(buf[1:], math.Float64bits(c.Value.F64)+uint64(c.Value.I64)+c.Value.U64)
	return buf
}
func (c *Constant) Equal(o Concept) bool {
	other, ok := o.(*Constant)
	return ok && other.Value == c.Value
}

func DataTypeOf(k schema.Kind) schema.DataType { return schema.DataType{Kind: k} }

// ArithmeticOp enumerates binary arithmetic operators.
type ArithmeticOp uint8

const (
	OpAdd ArithmeticOp = iota
	OpSub
	OpMul
	OpDiv
)

func (op ArithmeticOp) String() string {
	return [...]string{"+", "-", "*", "/"}[op]
}

// Arithmetic is a binary arithmetic node over two numeric children.
type Arithmetic struct {
	Op       ArithmeticOp
	Lhs, Rhs Function
	stamp    schema.DataType
}

func NewArithmetic(op ArithmeticOp, lhs, rhs Function) Function {
	return Wrap(&Arithmetic{Op: op, Lhs: lhs, Rhs: rhs})
}

func (a *Arithmetic) Kind() Kind { return KindArithmetic }
func (a *Arithmetic) Explain() string {
	return fmt.Sprintf("(%s %s %s)", a.Lhs.Explain(), a.Op, a.Rhs.Explain())
}
func (a *Arithmetic) Stamp() schema.DataType { return a.stamp }
func (a *Arithmetic) WithStamp(d schema.DataType) Concept {
	cp := *a
	cp.stamp = d
	return &cp
}
func isNumeric(k schema.Kind) bool {
	switch k {
	case schema.KindI8, schema.KindI16, schema.KindI32, schema.KindI64,
		schema.KindU8, schema.KindU16, schema.KindU32, schema.KindU64,
		schema.KindF32, schema.KindF64:
		return true
	default:
		return false
	}
}
func (a *Arithmetic) WithInferredStamp(s *schema.Schema) (Concept, error) {
	lhs, err := a.Lhs.WithInferredStamp(s)
	if err != nil {
		return nil, err
	}
	rhs, err := a.Rhs.WithInferredStamp(s)
	if err != nil {
		return nil, err
	}
	if !isNumeric(lhs.Stamp().Kind) || !isNumeric(rhs.Stamp().Kind) {
		return nil, fmt.Errorf("%w: arithmetic on %v and %v", ErrTypeMismatch, lhs.Stamp(), rhs.Stamp())
	}
	result := lhs.Stamp()
	if lhs.Stamp().Kind == schema.KindF64 || rhs.Stamp().Kind == schema.KindF64 {
		result = schema.F64
	} else if lhs.Stamp().Kind == schema.KindF32 || rhs.Stamp().Kind == schema.KindF32 {
		result = schema.F32
	}
	return &Arithmetic{Op: a.Op, Lhs: lhs, Rhs: rhs, stamp: result}, nil
}
func (a *Arithmetic) Children() []Function { return []Function{a.Lhs, a.Rhs} }
func (a *Arithmetic) WithChildren(children []Function) Concept {
	if len(children) != 2 {
		panic("expr: Arithmetic takes exactly 2 children")
	}
	cp := *a
	cp.Lhs, cp.Rhs = children[0], children[1]
	return &cp
}
func (a *Arithmetic) Serialize() []byte {
	return append([]byte{byte(KindArithmetic), byte(a.Op)}, append(a.Lhs.Serialize(), a.Rhs.Serialize()...)...)
}
func (a *Arithmetic) Equal(o Concept) bool {
	other, ok := o.(*Arithmetic)
	return ok && other.Op == a.Op
}

// ComparisonOp enumerates binary comparison operators.
type ComparisonOp uint8

const (
	OpEq ComparisonOp = iota
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe
)

func (op ComparisonOp) String() string {
	return [...]string{"=", "!=", "<", "<=", ">", ">="}[op]
}

// Comparison is a binary comparison node, always stamped Bool.
type Comparison struct {
	Op       ComparisonOp
	Lhs, Rhs Function
	inferred bool
}

func NewComparison(op ComparisonOp, lhs, rhs Function) Function {
	return Wrap(&Comparison{Op: op, Lhs: lhs, Rhs: rhs})
}

func (c *Comparison) Kind() Kind { return KindComparison }
func (c *Comparison) Explain() string {
	return fmt.Sprintf("(%s %s %s)", c.Lhs.Explain(), c.Op, c.Rhs.Explain())
}
func (c *Comparison) Stamp() schema.DataType { return schema.Bool }
func (c *Comparison) WithStamp(d schema.DataType) Concept {
	if d.Kind != schema.KindBool {
		panic("expr: Comparison stamp must be Bool")
	}
	return c
}
func (c *Comparison) WithInferredStamp(s *schema.Schema) (Concept, error) {
	lhs, err := c.Lhs.WithInferredStamp(s)
	if err != nil {
		return nil, err
	}
	rhs, err := c.Rhs.WithInferredStamp(s)
	if err != nil {
		return nil, err
	}
	if lhs.Stamp().Kind != rhs.Stamp().Kind && !(isNumeric(lhs.Stamp().Kind) && isNumeric(rhs.Stamp().Kind)) {
		return nil, fmt.Errorf("%w: comparing %v to %v", ErrTypeMismatch, lhs.Stamp(), rhs.Stamp())
	}
	return &Comparison{Op: c.Op, Lhs: lhs, Rhs: rhs, inferred: true}, nil
}
func (c *Comparison) Children() []Function { return []Function{c.Lhs, c.Rhs} }
func (c *Comparison) WithChildren(children []Function) Concept {
	if len(children) != 2 {
		panic("expr: Comparison takes exactly 2 children")
	}
	cp := *c
	cp.Lhs, cp.Rhs = children[0], children[1]
	return &cp
}
func (c *Comparison) Serialize() []byte {
	return append([]byte{byte(KindComparison), byte(c.Op)}, append(c.Lhs.Serialize(), c.Rhs.Serialize()...)...)
}
func (c *Comparison) Equal(o Concept) bool {
	other, ok := o.(*Comparison)
	return ok && other.Op == c.Op
}

// LogicalOp enumerates boolean connectives.
type LogicalOp uint8

const (
	OpAnd LogicalOp = iota
	OpOr
	OpNot
)

// Logical combines one (Not) or two (And/Or) Bool-stamped children.
type Logical struct {
	Op       LogicalOp
	Operands []Function
}

func NewLogical(op LogicalOp, operands ...Function) Function {
	return Wrap(&Logical{Op: op, Operands: operands})
}

func (l *Logical) Kind() Kind { return KindLogical }
func (l *Logical) Explain() string {
	if l.Op == OpNot {
		return fmt.Sprintf("(NOT %s)", l.Operands[0].Explain())
	}
	op := "AND"
	if l.Op == OpOr {
		op = "OR"
	}
	return fmt.Sprintf("(%s %s %s)", l.Operands[0].Explain(), op, l.Operands[1].Explain())
}
func (l *Logical) Stamp() schema.DataType { return schema.Bool }
func (l *Logical) WithStamp(d schema.DataType) Concept { return l }
func (l *Logical) WithInferredStamp(s *schema.Schema) (Concept, error) {
	children := make([]Function, len(l.Operands))
	for i, op := range l.Operands {
		c, err := op.WithInferredStamp(s)
		if err != nil {
			return nil, err
		}
		if c.Stamp().Kind != schema.KindBool {
			return nil, fmt.Errorf("%w: logical operand is %v, not bool", ErrTypeMismatch, c.Stamp())
		}
		children[i] = c
	}
	return &Logical{Op: l.Op, Operands: children}, nil
}
func (l *Logical) Children() []Function { return l.Operands }
func (l *Logical) WithChildren(children []Function) Concept {
	cp := *l
	cp.Operands = children
	return &cp
}
func (l *Logical) Serialize() []byte {
	out := []byte{byte(KindLogical), byte(l.Op)}
	for _, c := range l.Operands {
		out = append(out, c.Serialize()...)
	}
	return out
}
func (l *Logical) Equal(o Concept) bool {
	other, ok := o.(*Logical)
	return ok && other.Op == l.Op
}
