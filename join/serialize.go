// State serialization for the recovery round-trip: a join's per-slice
// build-side state is framed into a metadata header, a set of window
// descriptors, and the raw row bytes for each side, then
// zstd-compressed as a whole.
//
// Encoding calls klauspost/compress/zstd's EncodeAll/DecodeAll
// directly from this package rather than holding a long-lived
// streaming encoder, since a join state snapshot
// is captured and restored as one discrete blob, never streamed.
package join

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/klauspost/compress/zstd"

	"github.com/flowcore/flowcore/record"
	"github.com/flowcore/flowcore/schema"
	"github.com/flowcore/flowcore/window"
)

const stateMagic = "FCJN"
const stateVersion = 1

// windowDescriptor records one captured slice's bounds and where its
// row data landed in the framed payload.
type windowDescriptor struct {
	Start, End   int64
	StateIndex   uint32
	HashmapCount uint32 // always 2: one per side
}

// Serialize captures the given slices into a framed format: a
// metadata header, the window descriptors, then each
// slice's merged left and right row sets, zstd-compressed as a whole.
// processedRecords and lastWatermark are caller-supplied bookkeeping
// values carried through the header unchanged.
func (j *Join) Serialize(slices []*window.Slice, lastWatermark int64, processedRecords uint64) ([]byte, error) {
	var body bytes.Buffer

	writeUint32(&body, uint32(len(slices)))
	descriptors := make([]windowDescriptor, len(slices))

	var payload bytes.Buffer
	for i, sl := range slices {
		left := mergeSide(sl, Left)
		right := mergeSide(sl, Right)
		descriptors[i] = windowDescriptor{Start: int64(sl.Start), End: int64(sl.End), StateIndex: uint32(i), HashmapCount: 2}
		if err := writeRowSet(&payload, j.LeftSchema, left.rows); err != nil {
			return nil, fmt.Errorf("join: serializing left rows: %w", err)
		}
		if err := writeRowSet(&payload, j.RightSchema, right.rows); err != nil {
			return nil, fmt.Errorf("join: serializing right rows: %w", err)
		}
	}

	for _, d := range descriptors {
		writeInt64(&body, d.Start)
		writeInt64(&body, d.End)
		writeUint32(&body, d.StateIndex)
		writeUint32(&body, d.HashmapCount)
	}
	body.Write(payload.Bytes())

	var framed bytes.Buffer
	framed.WriteString(stateMagic)
	writeUint32(&framed, stateVersion)
	framed.WriteByte(byte(j.Kind))
	writeUint32(&framed, uint32(len(j.LeftSchema.Fields())))
	writeUint32(&framed, uint32(len(j.RightSchema.Fields())))
	writeUint32(&framed, uint32(len(slices))) // bucket count proxy: one bucket set per slice
	writeUint32(&framed, 0)                   // page size: unpaged in this implementation
	writeInt64(&framed, lastWatermark)
	writeUint64(&framed, processedRecords)
	framed.Write(body.Bytes())

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("join: building zstd encoder: %w", err)
	}
	defer enc.Close()
	return enc.EncodeAll(framed.Bytes(), nil), nil
}

// RestoredSlice is one slice's rehydrated row sets, ready to be
// re-installed into a window.SliceStore via RestoreInto.
type RestoredSlice struct {
	Start, End window.Timestamp
	Left       []storedRow
	Right      []storedRow
}

// DeserializeState reverses Serialize, returning the last watermark,
// processed-record count and every captured slice's rows. The caller
// is expected to re-derive the Join (schemas, keys) it already knows
// out of band -- the header only carries enough to validate shape
// compatibility.
func (j *Join) DeserializeState(data []byte) (lastWatermark int64, processedRecords uint64, restored []RestoredSlice, err error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("join: building zstd decoder: %w", err)
	}
	defer dec.Close()
	framed, err := dec.DecodeAll(data, nil)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("join: decompressing state: %w", err)
	}

	r := bytes.NewReader(framed)
	magic := make([]byte, len(stateMagic))
	if _, err := r.Read(magic); err != nil || string(magic) != stateMagic {
		return 0, 0, nil, fmt.Errorf("join: bad state magic")
	}
	version, err := readUint32(r)
	if err != nil {
		return 0, 0, nil, err
	}
	if version != stateVersion {
		return 0, 0, nil, fmt.Errorf("join: unsupported state version %d", version)
	}
	opType, err := r.ReadByte()
	if err != nil {
		return 0, 0, nil, err
	}
	if Kind(opType) != j.Kind {
		return 0, 0, nil, fmt.Errorf("join: state op-type %v does not match this join's kind %v", Kind(opType), j.Kind)
	}
	if _, err := readUint32(r); err != nil { // key-size proxy (left field count)
		return 0, 0, nil, err
	}
	if _, err := readUint32(r); err != nil { // value-size proxy (right field count)
		return 0, 0, nil, err
	}
	if _, err := readUint32(r); err != nil { // bucket count
		return 0, 0, nil, err
	}
	if _, err := readUint32(r); err != nil { // page size
		return 0, 0, nil, err
	}
	lastWatermark, err = readInt64(r)
	if err != nil {
		return 0, 0, nil, err
	}
	processedRecords, err = readUint64(r)
	if err != nil {
		return 0, 0, nil, err
	}

	count, err := readUint32(r)
	if err != nil {
		return 0, 0, nil, err
	}
	descriptors := make([]windowDescriptor, count)
	for i := range descriptors {
		start, err := readInt64(r)
		if err != nil {
			return 0, 0, nil, err
		}
		end, err := readInt64(r)
		if err != nil {
			return 0, 0, nil, err
		}
		stateIdx, err := readUint32(r)
		if err != nil {
			return 0, 0, nil, err
		}
		hashmapCount, err := readUint32(r)
		if err != nil {
			return 0, 0, nil, err
		}
		descriptors[i] = windowDescriptor{Start: start, End: end, StateIndex: stateIdx, HashmapCount: hashmapCount}
	}

	restored = make([]RestoredSlice, len(descriptors))
	for i, d := range descriptors {
		left, err := readRowSet(r, j.LeftSchema)
		if err != nil {
			return 0, 0, nil, fmt.Errorf("join: deserializing left rows: %w", err)
		}
		right, err := readRowSet(r, j.RightSchema)
		if err != nil {
			return 0, 0, nil, fmt.Errorf("join: deserializing right rows: %w", err)
		}
		restored[i] = RestoredSlice{Start: window.Timestamp(d.Start), End: window.Timestamp(d.End), Left: left, Right: right}
	}
	return lastWatermark, processedRecords, restored, nil
}

func writeRowSet(buf *bytes.Buffer, s *schema.Schema, rows []storedRow) error {
	writeUint32(buf, uint32(len(rows)))
	for _, row := range rows {
		for i := range s.Fields() {
			if err := encodeVarVal(buf, row.vals[i]); err != nil {
				return err
			}
		}
	}
	return nil
}

func readRowSet(r *bytes.Reader, s *schema.Schema) ([]storedRow, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	rows := make([]storedRow, n)
	fields := s.Fields()
	for i := range rows {
		vals := make([]record.VarVal, len(fields))
		for fi := range fields {
			v, err := decodeVarVal(r)
			if err != nil {
				return nil, err
			}
			vals[fi] = v
		}
		rows[i] = storedRow{key: "", vals: vals}
	}
	return rows, nil
}

func encodeVarVal(buf *bytes.Buffer, v record.VarVal) error {
	buf.WriteByte(byte(v.Kind))
	switch v.Kind {
	case schema.KindBool:
		if v.Bool {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	case schema.KindI8, schema.KindI16, schema.KindI32, schema.KindI64:
		writeInt64(buf, v.I64)
	case schema.KindU8, schema.KindU16, schema.KindU32, schema.KindU64, schema.KindChar:
		writeUint64(buf, v.U64)
	case schema.KindF32, schema.KindF64:
		writeUint64(buf, math.Float64bits(v.F64))
	case schema.KindVarSized:
		writeUint32(buf, uint32(len(v.Bytes)))
		buf.Write(v.Bytes)
	default:
		return fmt.Errorf("join: cannot serialize value of kind %v", v.Kind)
	}
	return nil
}

func decodeVarVal(r *bytes.Reader) (record.VarVal, error) {
	kindByte, err := r.ReadByte()
	if err != nil {
		return record.VarVal{}, err
	}
	kind := schema.Kind(kindByte)
	switch kind {
	case schema.KindBool:
		b, err := r.ReadByte()
		if err != nil {
			return record.VarVal{}, err
		}
		return record.VarVal{Kind: kind, Bool: b != 0}, nil
	case schema.KindI8, schema.KindI16, schema.KindI32, schema.KindI64:
		n, err := readInt64(r)
		if err != nil {
			return record.VarVal{}, err
		}
		return record.VarVal{Kind: kind, I64: n}, nil
	case schema.KindU8, schema.KindU16, schema.KindU32, schema.KindU64, schema.KindChar:
		n, err := readUint64(r)
		if err != nil {
			return record.VarVal{}, err
		}
		return record.VarVal{Kind: kind, U64: n}, nil
	case schema.KindF32, schema.KindF64:
		bits, err := readUint64(r)
		if err != nil {
			return record.VarVal{}, err
		}
		return record.VarVal{Kind: kind, F64: math.Float64frombits(bits)}, nil
	case schema.KindVarSized:
		n, err := readUint32(r)
		if err != nil {
			return record.VarVal{}, err
		}
		b := make([]byte, n)
		if _, err := r.Read(b); err != nil {
			return record.VarVal{}, err
		}
		return record.VarVal{Kind: kind, Bytes: b}, nil
	default:
		return record.VarVal{}, fmt.Errorf("join: cannot deserialize value of kind %v", kind)
	}
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func writeInt64(buf *bytes.Buffer, v int64) { writeUint64(buf, uint64(v)) }

func readUint32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := r.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func readUint64(r *bytes.Reader) (uint64, error) {
	var b [8]byte
	if _, err := r.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

func readInt64(r *bytes.Reader) (int64, error) {
	v, err := readUint64(r)
	return int64(v), err
}
