// Package expr implements the function tree: an immutable,
// value-semantic expression DAG with a type-erased node
// representation, stamp (DataType) inference against a schema, and
// structural equality.
//
// Function is an interface-free value wrapper around a concrete
// "concept" implementation, dispatching
// Explain/GetChildren/WithChildren/Serialize/Equal to whichever
// concrete node type it wraps. Unlike a closed set of concrete struct
// types implementing one shared interface directly, this package adds
// one extra layer of indirection (Function wraps a Concept)
// specifically so that a "NullFunction" zero value can exist and
// safely participate in Go's zero-value rules while still failing
// loudly when used.
package expr

import (
	"errors"
	"fmt"

	"github.com/flowcore/flowcore/schema"
)

// Kind tags the closed family of function node types.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindReadField
	KindConstant
	KindArithmetic
	KindComparison
	KindLogical
)

func (k Kind) String() string {
	switch k {
	case KindReadField:
		return "ReadField"
	case KindConstant:
		return "Constant"
	case KindArithmetic:
		return "Arithmetic"
	case KindComparison:
		return "Comparison"
	case KindLogical:
		return "Logical"
	default:
		return "Invalid"
	}
}

// ErrUninhabitedSlot is returned (or panicked with, for methods that
// cannot report errors) by the operations on a NullFunction that fail;
// see NullFunction for the ones that do not.
var ErrUninhabitedSlot = errors.New("expr: operation on NullFunction")

// ErrFieldNotFound is returned by stamp inference when a ReadField
// node names a column absent from the schema.
var ErrFieldNotFound = errors.New("expr: field not found")

// ErrTypeMismatch is returned by stamp inference when an operation's
// operand types are incompatible.
var ErrTypeMismatch = errors.New("expr: type mismatch")

// Concept is the type-erased interface every concrete function node
// implements. Function forwards to it.
type Concept interface {
	Kind() Kind
	Explain() string
	Stamp() schema.DataType
	WithStamp(schema.DataType) Concept
	WithInferredStamp(s *schema.Schema) (Concept, error)
	Children() []Function
	WithChildren(children []Function) Concept
	// Serialize produces an opaque wire representation; this repo
	// treats the wire form as an implementation detail of whichever
	// transport carries it, so Serialize returns a self-describing
	// byte blob rather than a concrete protobuf type.
	Serialize() []byte
	Equal(Concept) bool
}

// Function is an immutable, value-semantic wrapper around a Concept.
// Copying a Function is shallow: it copies the pointer to the
// underlying concept, which is itself immutable.
type Function struct {
	c Concept
}

// Wrap returns a Function wrapping the given concept.
func Wrap(c Concept) Function { return Function{c: c} }

// NullFunction is the legal-but-inert zero value of Function, used
// only as an uninhabited slot. Explain, Stamp, WithStamp, WithChildren
// and Serialize panic on it and WithInferredStamp and TryGet return
// ErrUninhabitedSlot; IsNull, Kind (KindInvalid), Children (nil) and
// Equal do not fail.
var NullFunction = Function{}

func (f Function) IsNull() bool { return f.c == nil }

func (f Function) Kind() Kind {
	if f.c == nil {
		return KindInvalid
	}
	return f.c.Kind()
}

func (f Function) Explain() string {
	if f.c == nil {
		panic(ErrUninhabitedSlot)
	}
	return f.c.Explain()
}

func (f Function) Stamp() schema.DataType {
	if f.c == nil {
		panic(ErrUninhabitedSlot)
	}
	return f.c.Stamp()
}

func (f Function) WithStamp(d schema.DataType) Function {
	if f.c == nil {
		panic(ErrUninhabitedSlot)
	}
	return Function{c: f.c.WithStamp(d)}
}

// WithInferredStamp recomputes this node's stamp from its children's
// (already-inferred) stamps and the given schema, returning a new
// Function. Children must already carry valid stamps; callers
// perform inference bottom-up, in BFS post-order.
func (f Function) WithInferredStamp(s *schema.Schema) (Function, error) {
	if f.c == nil {
		return Function{}, ErrUninhabitedSlot
	}
	nc, err := f.c.WithInferredStamp(s)
	if err != nil {
		return Function{}, err
	}
	return Function{c: nc}, nil
}

func (f Function) Children() []Function {
	if f.c == nil {
		return nil
	}
	return f.c.Children()
}

func (f Function) WithChildren(children []Function) Function {
	if f.c == nil {
		panic(ErrUninhabitedSlot)
	}
	return Function{c: f.c.WithChildren(children)}
}

func (f Function) Serialize() []byte {
	if f.c == nil {
		panic(ErrUninhabitedSlot)
	}
	return f.c.Serialize()
}

// Equal reports structural equality: same kind, same payload (via
// the concrete type's own comparison), same stamp, and recursively
// equal children in order.
func (f Function) Equal(o Function) bool {
	if f.c == nil || o.c == nil {
		return f.c == nil && o.c == nil
	}
	if f.c.Kind() != o.c.Kind() || f.Stamp() != o.Stamp() {
		return false
	}
	if !f.c.Equal(o.c) {
		return false
	}
	fc, oc := f.Children(), o.Children()
	if len(fc) != len(oc) {
		return false
	}
	for i := range fc {
		if !fc[i].Equal(oc[i]) {
			return false
		}
	}
	return true
}

// TryGet attempts to downcast f's concept to type T, returning a
// typed error rather than panicking on mismatch.
func TryGet[T Concept](f Function) (T, error) {
	var zero T
	if f.c == nil {
		return zero, ErrUninhabitedSlot
	}
	t, ok := f.c.(T)
	if !ok {
		return zero, fmt.Errorf("expr: cannot get %T from node of kind %v", zero, f.c.Kind())
	}
	return t, nil
}
