// Package record implements a typed view over a raw TupleBuffer:
// given a Schema and a physical Layout, Record exposes read/write
// access to a single row by field name, translating between the
// schema's typed fields and the buffer's raw bytes, including
// variable-sized fields that live in child buffers.
//
// This projects typed values out of an untyped byte stream using a
// symbol table, the same way a typed datum view sits atop a raw
// reader elsewhere in this engine's ancestry; here the "symbol table"
// is a schema.Schema fixed at plan-compile time rather than decoded
// per-buffer, since the engine's records are statically typed once
// TypeInference (package rewrite) has run.
package record

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/flowcore/flowcore/buf"
	"github.com/flowcore/flowcore/schema"
)

// VarVal is a tagged union over the primitive scalar types plus a
// variable-sized payload, used as the boundary type for Record's
// Read/Write methods.
type VarVal struct {
	Kind  schema.Kind
	Bool  bool
	I64   int64   // backs i8/i16/i32/i64 (sign-extended)
	U64   uint64  // backs u8/u16/u32/u64 and char
	F64   float64 // backs f32/f64
	Bytes []byte  // backs VariableSizedData
}

func BoolVal(v bool) VarVal      { return VarVal{Kind: schema.KindBool, Bool: v} }
func I64Val(v int64) VarVal      { return VarVal{Kind: schema.KindI64, I64: v} }
func I32Val(v int32) VarVal      { return VarVal{Kind: schema.KindI32, I64: int64(v)} }
func U64Val(v uint64) VarVal     { return VarVal{Kind: schema.KindU64, U64: v} }
func F64Val(v float64) VarVal    { return VarVal{Kind: schema.KindF64, F64: v} }
func BytesVal(v []byte) VarVal   { return VarVal{Kind: schema.KindVarSized, Bytes: v} }

// Provider supplies the buffer pool a Record needs to allocate new
// child buffers when writing variable-sized fields.
type Provider interface {
	Pool() *buf.Pool
}

// Record is a logical row view over a TupleBuffer at a given row
// index, using schema and layout to locate each field's bytes.
type Record struct {
	schema  *schema.Schema
	layout  schema.Layout
	tb      *buf.TupleBuffer
	pool    *buf.Pool
	rowIdx  int
	numRows int
}

// New constructs a Record view over row rowIdx of tb, which holds
// numRows rows laid out per layout according to schema s. pool
// supplies child buffers for variable-sized writes.
func New(s *schema.Schema, layout schema.Layout, tb *buf.TupleBuffer, pool *buf.Pool, rowIdx, numRows int) *Record {
	return &Record{schema: s, layout: layout, tb: tb, pool: pool, rowIdx: rowIdx, numRows: numRows}
}

// fieldOffset returns the byte offset, within tb.Bytes(), of the
// field at ordinal i for this record's row.
func (r *Record) fieldOffset(i int) int {
	offs := r.schema.Offsets()
	switch r.layout {
	case schema.LayoutRow:
		rowSize := r.schema.SizeBytes()
		return r.rowIdx*rowSize + offs[i]
	case schema.LayoutColumnar:
		fields := r.schema.Fields()
		colBase := 0
		for j := 0; j < i; j++ {
			colBase += fields[j].Type.SizeBytes() * r.numRows
		}
		return colBase + r.rowIdx*fields[i].Type.SizeBytes()
	default:
		panic("record: unknown layout")
	}
}

// Read returns the value of the named field.
func (r *Record) Read(fieldName string) (VarVal, error) {
	f, i, ok := r.schema.Lookup(fieldName)
	if !ok {
		return VarVal{}, fmt.Errorf("record: field %q not found", fieldName)
	}
	off := r.fieldOffset(i)
	data := r.tb.Bytes()
	switch f.Type.Kind {
	case schema.KindBool:
		return VarVal{Kind: f.Type.Kind, Bool: data[off] != 0}, nil
	case schema.KindI8:
		return VarVal{Kind: f.Type.Kind, I64: int64(int8(data[off]))}, nil
	case schema.KindU8, schema.KindChar:
		return VarVal{Kind: f.Type.Kind, U64: uint64(data[off])}, nil
	case schema.KindI16:
		return VarVal{Kind: f.Type.Kind, I64: int64(int16(binary.LittleEndian.Uint16(data[off:])))}, nil
	case schema.KindU16:
		return VarVal{Kind: f.Type.Kind, U64: uint64(binary.LittleEndian.Uint16(data[off:]))}, nil
	case schema.KindI32:
		return VarVal{Kind: f.Type.Kind, I64: int64(int32(binary.LittleEndian.Uint32(data[off:])))}, nil
	case schema.KindU32:
		return VarVal{Kind: f.Type.Kind, U64: uint64(binary.LittleEndian.Uint32(data[off:]))}, nil
	case schema.KindI64:
		return VarVal{Kind: f.Type.Kind, I64: int64(binary.LittleEndian.Uint64(data[off:]))}, nil
	case schema.KindU64:
		return VarVal{Kind: f.Type.Kind, U64: binary.LittleEndian.Uint64(data[off:])}, nil
	case schema.KindF32:
		bits := binary.LittleEndian.Uint32(data[off:])
		return VarVal{Kind: f.Type.Kind, F64: float64(math.Float32frombits(bits))}, nil
	case schema.KindF64:
		bits := binary.LittleEndian.Uint64(data[off:])
		return VarVal{Kind: f.Type.Kind, F64: math.Float64frombits(bits)}, nil
	case schema.KindVarSized:
		access := buf.VariableSizedAccess(binary.LittleEndian.Uint64(data[off:]))
		payload, err := r.tb.ReadVarSized(access, true, 0)
		if err != nil {
			return VarVal{}, err
		}
		return VarVal{Kind: f.Type.Kind, Bytes: payload}, nil
	default:
		return VarVal{}, fmt.Errorf("record: unsupported field kind %v", f.Type.Kind)
	}
}

// Write sets the named field's value. For VARSIZED fields, Write
// allocates (or extends) a child buffer via the Record's pool and
// stores the resulting VariableSizedAccess inline.
func (r *Record) Write(fieldName string, v VarVal) error {
	f, i, ok := r.schema.Lookup(fieldName)
	if !ok {
		return fmt.Errorf("record: field %q not found", fieldName)
	}
	if f.Type.Kind != v.Kind && !(f.Type.Kind == schema.KindChar && v.Kind == schema.KindU8) {
		return fmt.Errorf("record: field %q expects %v, got %v", fieldName, f.Type.Kind, v.Kind)
	}
	off := r.fieldOffset(i)
	data := r.tb.Bytes()
	switch f.Type.Kind {
	case schema.KindBool:
		if v.Bool {
			data[off] = 1
		} else {
			data[off] = 0
		}
	case schema.KindI8:
		data[off] = byte(int8(v.I64))
	case schema.KindU8, schema.KindChar:
		data[off] = byte(v.U64)
	case schema.KindI16:
		binary.LittleEndian.PutUint16(data[off:], uint16(int16(v.I64)))
	case schema.KindU16:
		binary.LittleEndian.PutUint16(data[off:], uint16(v.U64))
	case schema.KindI32:
		binary.LittleEndian.PutUint32(data[off:], uint32(int32(v.I64)))
	case schema.KindU32:
		binary.LittleEndian.PutUint32(data[off:], uint32(v.U64))
	case schema.KindI64:
		binary.LittleEndian.PutUint64(data[off:], uint64(v.I64))
	case schema.KindU64:
		binary.LittleEndian.PutUint64(data[off:], v.U64)
	case schema.KindF32:
		binary.LittleEndian.PutUint32(data[off:], math.Float32bits(float32(v.F64)))
	case schema.KindF64:
		binary.LittleEndian.PutUint64(data[off:], math.Float64bits(v.F64))
	case schema.KindVarSized:
		if r.pool == nil {
			return fmt.Errorf("record: cannot write var-sized field %q without a buffer pool", fieldName)
		}
		access, err := r.tb.WriteVarSized(r.pool, v.Bytes, true)
		if err != nil {
			return err
		}
		binary.LittleEndian.PutUint64(data[off:], uint64(access))
	default:
		return fmt.Errorf("record: unsupported field kind %v", f.Type.Kind)
	}
	return nil
}
