// Package schema defines the named, typed field model shared by the
// logical plan, the function tree, and the physical record layout:
// an ordered sequence of Fields, each with a DataType drawn from a
// small closed set of fixed-width primitives plus one variable-sized
// tag.
//
// Fields are generalized from a dynamically typed symbol/datum model
// into a schema that is fixed once a plan is type-inferred (see
// package rewrite's TypeInference stage).
package schema

import "fmt"

// Kind enumerates the closed family of field types.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindBool
	KindI8
	KindI16
	KindI32
	KindI64
	KindU8
	KindU16
	KindU32
	KindU64
	KindF32
	KindF64
	KindChar
	KindVarSized
)

// fixedSize reports the on-wire size in bytes of every fixed-width
// kind; KindVarSized is not fixed and is handled separately (it
// stores an 8-byte buf.VariableSizedAccess inline).
var fixedSize = map[Kind]int{
	KindBool:  1,
	KindI8:    1,
	KindI16:   2,
	KindI32:   4,
	KindI64:   8,
	KindU8:    1,
	KindU16:   2,
	KindU32:   4,
	KindU64:   8,
	KindF32:   4,
	KindF64:   8,
	KindChar:  1,
}

// varSizedAccessWidth is the inline width, in bytes, occupied by a
// VARSIZED field within the fixed-width row: a packed
// buf.VariableSizedAccess identifier.
const varSizedAccessWidth = 8

func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindI8:
		return "i8"
	case KindI16:
		return "i16"
	case KindI32:
		return "i32"
	case KindI64:
		return "i64"
	case KindU8:
		return "u8"
	case KindU16:
		return "u16"
	case KindU32:
		return "u32"
	case KindU64:
		return "u64"
	case KindF32:
		return "f32"
	case KindF64:
		return "f64"
	case KindChar:
		return "char"
	case KindVarSized:
		return "varsized"
	default:
		return "invalid"
	}
}

// DataType is a tagged variant over the fixed-width primitives and
// one variable-sized tag. It is a value type: two DataTypes with the
// same Kind compare equal.
type DataType struct {
	Kind Kind
}

func (d DataType) String() string { return d.Kind.String() }

// SizeBytes returns the number of bytes this type occupies in a row
// layout: the primitive's fixed width, or the width of an inline
// VariableSizedAccess identifier for KindVarSized.
func (d DataType) SizeBytes() int {
	if d.Kind == KindVarSized {
		return varSizedAccessWidth
	}
	return fixedSize[d.Kind]
}

func (d DataType) IsVarSized() bool { return d.Kind == KindVarSized }

var (
	Bool     = DataType{KindBool}
	I8       = DataType{KindI8}
	I16      = DataType{KindI16}
	I32      = DataType{KindI32}
	I64      = DataType{KindI64}
	U8       = DataType{KindU8}
	U16      = DataType{KindU16}
	U32      = DataType{KindU32}
	U64      = DataType{KindU64}
	F32      = DataType{KindF32}
	F64      = DataType{KindF64}
	Char     = DataType{KindChar}
	VarSized = DataType{KindVarSized}
)

// Field is a named, typed column.
type Field struct {
	Name string
	Type DataType
}

// Schema is an ordered sequence of Fields. Field names must be unique
// within a Schema; Schema values are immutable once constructed via
// New.
type Schema struct {
	fields []Field
	index  map[string]int
}

// New builds a Schema from fields, returning an error if any field
// name is repeated.
func New(fields ...Field) (*Schema, error) {
	idx := make(map[string]int, len(fields))
	for i, f := range fields {
		if _, dup := idx[f.Name]; dup {
			return nil, fmt.Errorf("schema: duplicate field name %q", f.Name)
		}
		idx[f.Name] = i
	}
	cp := make([]Field, len(fields))
	copy(cp, fields)
	return &Schema{fields: cp, index: idx}, nil
}

// MustNew is New but panics on error; intended for static schemas
// defined at init time.
func MustNew(fields ...Field) *Schema {
	s, err := New(fields...)
	if err != nil {
		panic(err)
	}
	return s
}

func (s *Schema) Fields() []Field {
	out := make([]Field, len(s.fields))
	copy(out, s.fields)
	return out
}

func (s *Schema) Len() int { return len(s.fields) }

// Lookup returns the Field named name and its ordinal position, or
// ok=false if no such field exists.
func (s *Schema) Lookup(name string) (Field, int, bool) {
	i, ok := s.index[name]
	if !ok {
		return Field{}, -1, false
	}
	return s.fields[i], i, true
}

func (s *Schema) Has(name string) bool {
	_, ok := s.index[name]
	return ok
}

// SizeBytes returns the total fixed-row size in bytes: the sum of
// each field's SizeBytes (a VARSIZED field contributes the width of
// its inline access identifier, not the payload it references).
func (s *Schema) SizeBytes() int {
	total := 0
	for _, f := range s.fields {
		total += f.Type.SizeBytes()
	}
	return total
}

// Equal reports whether two schemas have the same fields in the same
// order.
func (s *Schema) Equal(o *Schema) bool {
	if s == nil || o == nil {
		return s == o
	}
	if len(s.fields) != len(o.fields) {
		return false
	}
	for i := range s.fields {
		if s.fields[i] != o.fields[i] {
			return false
		}
	}
	return true
}

// Layout is a physical layout hint selected by the
// MemoryLayoutSelection rewrite stage.
type Layout uint8

const (
	LayoutRow Layout = iota
	LayoutColumnar
)

func (l Layout) String() string {
	if l == LayoutColumnar {
		return "columnar"
	}
	return "row"
}

// Offsets returns, for a LayoutRow physical layout, the byte offset
// of each field within a single row. Offsets are meaningless for
// LayoutColumnar, where each field instead occupies its own
// contiguous column buffer addressed by ordinal.
func (s *Schema) Offsets() []int {
	out := make([]int, len(s.fields))
	off := 0
	for i, f := range s.fields {
		out[i] = off
		off += f.Type.SizeBytes()
	}
	return out
}
