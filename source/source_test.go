package source

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/flowcore/flowcore/buf"
)

type fakeSource struct {
	mu       sync.Mutex
	payloads [][]byte
	i        int
}

func (f *fakeSource) FillTupleBuffer(ctx context.Context, buffer *buf.TupleBuffer, pool *buf.Pool) (FillResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.i >= len(f.payloads) {
		return FillResult{EoS: true}, nil
	}
	p := f.payloads[f.i]
	f.i++
	copy(buffer.Bytes(), p)
	return FillResult{BytesWritten: len(p)}, nil
}

func TestSourceThreadEmitsDataThenEoS(t *testing.T) {
	pool, err := buf.NewPool(4, 64)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()

	src := &fakeSource{payloads: [][]byte{[]byte("hello"), []byte("world")}}
	var events []Event
	var mu sync.Mutex
	done := make(chan struct{})
	emit := func(e Event) {
		mu.Lock()
		events = append(events, e)
		n := len(events)
		mu.Unlock()
		if e.Kind == EventEoS || n > 10 {
			close(done)
		}
		if e.Buffer != nil {
			e.Buffer.Release()
		}
	}

	th := NewSourceThread(1, src, pool, emit)
	if err := th.Start(2, 64); err != nil {
		t.Fatal(err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for EoS")
	}
	th.Wait()
	th.Close()

	mu.Lock()
	defer mu.Unlock()
	dataCount := 0
	sawEoS := false
	for _, e := range events {
		if e.Kind == EventData {
			dataCount++
		}
		if e.Kind == EventEoS {
			sawEoS = true
		}
	}
	if dataCount != 2 || !sawEoS {
		t.Fatalf("expected 2 data events then EoS, got %d data events, sawEoS=%v", dataCount, sawEoS)
	}
}

type blockingSource struct{}

func (blockingSource) FillTupleBuffer(ctx context.Context, buffer *buf.TupleBuffer, pool *buf.Pool) (FillResult, error) {
	<-ctx.Done()
	return FillResult{}, ctx.Err()
}

func TestSourceThreadStopEmitsStopped(t *testing.T) {
	pool, err := buf.NewPool(4, 64)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()

	var mu sync.Mutex
	var kinds []EventKind
	done := make(chan struct{})
	emit := func(e Event) {
		mu.Lock()
		kinds = append(kinds, e.Kind)
		mu.Unlock()
		if e.Kind == EventStopped {
			close(done)
		}
		if e.Buffer != nil {
			e.Buffer.Release()
		}
	}

	th := NewSourceThread(1, blockingSource{}, pool, emit)
	if err := th.Start(2, 64); err != nil {
		t.Fatal(err)
	}
	if err := th.Stop(); err != nil {
		t.Fatal(err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Stopped event")
	}
	th.Wait()
}

func TestStopBeforeStartFails(t *testing.T) {
	pool, err := buf.NewPool(4, 64)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()
	th := NewSourceThread(1, &fakeSource{}, pool, func(Event) {})
	if err := th.Stop(); !errors.Is(err, StopBeforeStartFailure) {
		t.Fatalf("expected StopBeforeStartFailure, got %v", err)
	}
}

type panickingSource struct{}

func (panickingSource) FillTupleBuffer(ctx context.Context, buffer *buf.TupleBuffer, pool *buf.Pool) (FillResult, error) {
	panic("boom")
}

func TestSourceThreadPanicBecomesRunningRoutineFailure(t *testing.T) {
	pool, err := buf.NewPool(4, 64)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()

	done := make(chan struct{})
	var got Event
	emit := func(e Event) {
		got = e
		if e.Kind == EventError {
			close(done)
		}
	}
	th := NewSourceThread(1, panickingSource{}, pool, emit)
	if err := th.Start(2, 64); err != nil {
		t.Fatal(err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for error event")
	}
	var rf *RunningRoutineFailure
	if !errors.As(got.Err, &rf) {
		t.Fatalf("expected RunningRoutineFailure, got %v", got.Err)
	}
}

func TestBackpressureOpenByDefault(t *testing.T) {
	_, ing := Backpressure()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := ing.Wait(ctx); err != nil {
		t.Fatalf("expected immediate return on open channel, got %v", err)
	}
}

func TestBackpressureBlocksUntilReleased(t *testing.T) {
	valve, ing := Backpressure()
	if !valve.ApplyPressure() {
		t.Fatal("expected first ApplyPressure to transition open->closed")
	}
	if valve.ApplyPressure() {
		t.Fatal("expected second ApplyPressure to be idempotent")
	}

	waitDone := make(chan error, 1)
	go func() { waitDone <- ing.Wait(context.Background()) }()

	select {
	case <-waitDone:
		t.Fatal("expected Wait to block while channel is closed")
	case <-time.After(50 * time.Millisecond):
	}

	if !valve.ReleasePressure() {
		t.Fatal("expected ReleasePressure to transition closed->open")
	}
	select {
	case err := <-waitDone:
		if err != nil {
			t.Fatalf("expected Wait to return nil after release, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for release to unblock Wait")
	}
}

func TestBackpressureCancellationUnblocksWait(t *testing.T) {
	valve, ing := Backpressure()
	valve.ApplyPressure()

	ctx, cancel := context.WithCancel(context.Background())
	waitDone := make(chan error, 1)
	go func() { waitDone <- ing.Wait(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-waitDone:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for cancellation to unblock Wait")
	}
}

func TestBackpressureValveCloseAbortsWaiters(t *testing.T) {
	valve, ing := Backpressure()
	valve.ApplyPressure()

	waitDone := make(chan error, 1)
	go func() { waitDone <- ing.Wait(context.Background()) }()
	time.Sleep(20 * time.Millisecond)
	valve.Close()

	select {
	case <-waitDone:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for valve close to abort waiter")
	}
}
