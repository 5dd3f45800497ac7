package tcpsource

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/flowcore/flowcore/buf"
)

func lenPrefixed(records ...[]byte) []byte {
	var out []byte
	for _, r := range records {
		var hdr [4]byte
		binary.BigEndian.PutUint32(hdr[:], uint32(len(r)))
		out = append(out, hdr[:]...)
		out = append(out, r...)
	}
	return out
}

func pipeWithData(t *testing.T, data []byte, closeAfter bool) net.Conn {
	t.Helper()
	server, client := net.Pipe()
	go func() {
		_, _ = server.Write(data)
		if closeAfter {
			server.Close()
		}
	}()
	return client
}

func TestFillTupleBufferPacksMultipleRecords(t *testing.T) {
	data := lenPrefixed([]byte("abc"), []byte("de"))
	conn := pipeWithData(t, data, true)
	defer conn.Close()

	src := New(conn)
	pool, err := buf.NewPool(1, 64)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()
	buffer, err := pool.GetBufferBlocking(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer buffer.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, err := src.FillTupleBuffer(ctx, buffer, pool)
	if err != nil {
		t.Fatal(err)
	}
	if result.BytesWritten != 5 {
		t.Fatalf("expected 5 bytes written (abc+de), got %d", result.BytesWritten)
	}
	if string(buffer.Bytes()[:5]) != "abcde" {
		t.Fatalf("unexpected buffer contents: %q", buffer.Bytes()[:5])
	}
}

func TestFillTupleBufferReturnsEoSOnCleanClose(t *testing.T) {
	server, client := net.Pipe()
	server.Close()
	defer client.Close()

	src := New(client)
	pool, err := buf.NewPool(1, 64)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()
	buffer, err := pool.GetBufferBlocking(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer buffer.Release()

	result, err := src.FillTupleBuffer(context.Background(), buffer, pool)
	if err != nil {
		t.Fatal(err)
	}
	if !result.EoS {
		t.Fatal("expected EoS on immediate clean close with zero bytes written")
	}
}

func TestFillTupleBufferStopsEarlyWhenBufferFull(t *testing.T) {
	data := lenPrefixed([]byte("0123456789"), []byte("more"))
	conn := pipeWithData(t, data, false)
	defer conn.Close()

	src := New(conn)
	pool, err := buf.NewPool(1, 10)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()
	buffer, err := pool.GetBufferBlocking(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer buffer.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, err := src.FillTupleBuffer(ctx, buffer, pool)
	if err != nil {
		t.Fatal(err)
	}
	if result.EoS {
		t.Fatal("expected non-EoS early return when buffer fills")
	}
	if result.BytesWritten != 10 {
		t.Fatalf("expected exactly 10 bytes written (first record filled buffer), got %d", result.BytesWritten)
	}
}

func TestFillTupleBufferRejectsOversizedRecord(t *testing.T) {
	data := lenPrefixed([]byte("0123456789"))
	conn := pipeWithData(t, data, false)
	defer conn.Close()

	src := New(conn)
	pool, err := buf.NewPool(1, 4)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()
	buffer, err := pool.GetBufferBlocking(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer buffer.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = src.FillTupleBuffer(ctx, buffer, pool)
	if !errors.Is(err, ErrRecordTooLarge) {
		t.Fatalf("expected ErrRecordTooLarge, got %v", err)
	}
}

func TestFillTupleBufferPropagatesReadError(t *testing.T) {
	server, client := net.Pipe()
	server.Close()
	client.Close() // fully closed pipe: reads return io.ErrClosedPipe, not io.EOF

	src := New(client)
	pool, err := buf.NewPool(1, 64)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()
	buffer, err := pool.GetBufferBlocking(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer buffer.Release()

	_, err = src.FillTupleBuffer(context.Background(), buffer, pool)
	if err == nil {
		t.Fatal("expected an error from a closed connection")
	}
	if errors.Is(err, io.EOF) {
		t.Fatal("expected a non-EOF error from a fully closed pipe")
	}
}
