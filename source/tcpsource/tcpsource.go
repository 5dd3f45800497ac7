// Package tcpsource implements a concrete source.Source that reads
// length-prefixed tuples off a TCP connection into a TupleBuffer's
// raw bytes: a TCP source feeding a filter into a sink.
//
// It is a plain net.Conn stream reader sitting outside the engine's
// transport-agnostic core, reducing to the same FillTupleBuffer
// contract every other source implements.
package tcpsource

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"

	"github.com/flowcore/flowcore/buf"
	"github.com/flowcore/flowcore/source"
)

// ErrRecordTooLarge is returned when a single length-prefixed record
// exceeds the destination buffer's capacity.
var ErrRecordTooLarge = errors.New("tcpsource: record exceeds buffer size")

// ErrMissingAddr is returned by a validateAndFormat implementation
// for this plugin type when the config map has no "addr" entry.
var ErrMissingAddr = errors.New("tcpsource: config missing \"addr\"")

// Source reads 4-byte-length-prefixed records from conn, packing as
// many as fit into each TupleBuffer it is asked to fill.
type Source struct {
	conn net.Conn
}

func New(conn net.Conn) *Source { return &Source{conn: conn} }

var _ source.Source = (*Source)(nil)

// FillTupleBuffer reads records until the buffer is full or the
// connection reports io.EOF, returning FillResult.EoS=true in the
// latter case.
func (s *Source) FillTupleBuffer(ctx context.Context, buffer *buf.TupleBuffer, pool *buf.Pool) (source.FillResult, error) {
	if dl, ok := ctx.Deadline(); ok {
		s.conn.SetReadDeadline(dl)
	}
	dst := buffer.Bytes()
	written := 0
	var lenPrefix [4]byte

	for {
		if ctx.Err() != nil {
			return source.FillResult{BytesWritten: written}, nil
		}
		if _, err := io.ReadFull(s.conn, lenPrefix[:]); err != nil {
			if errors.Is(err, io.EOF) && written > 0 {
				return source.FillResult{BytesWritten: written}, nil
			}
			if errors.Is(err, io.EOF) {
				return source.FillResult{EoS: true}, nil
			}
			return source.FillResult{}, err
		}
		n := int(binary.BigEndian.Uint32(lenPrefix[:]))
		if n > len(dst) {
			return source.FillResult{}, ErrRecordTooLarge
		}
		if written+n > len(dst) {
			return source.FillResult{BytesWritten: written}, nil
		}
		if _, err := io.ReadFull(s.conn, dst[written:written+n]); err != nil {
			return source.FillResult{}, err
		}
		written += n
	}
}

func (s *Source) Close() error { return s.conn.Close() }
