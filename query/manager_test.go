package query

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/flowcore/flowcore/ids"
	"github.com/flowcore/flowcore/logical"
)

type fakeBackend struct {
	id ids.WorkerId

	mu      sync.Mutex
	next    ids.LocalQueryId
	started map[ids.LocalQueryId]bool
	stopped map[ids.LocalQueryId]bool

	failStart bool
}

func newFakeBackend(id ids.WorkerId) *fakeBackend {
	return &fakeBackend{id: id, started: make(map[ids.LocalQueryId]bool), stopped: make(map[ids.LocalQueryId]bool)}
}

func (f *fakeBackend) WorkerId() ids.WorkerId { return f.id }

func (f *fakeBackend) RegisterQuery(ctx context.Context, subplan *logical.LogicalPlan) (ids.LocalQueryId, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	return f.next, nil
}

func (f *fakeBackend) Start(ctx context.Context, local ids.LocalQueryId) error {
	if f.failStart {
		return fmt.Errorf("fake start failure")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started[local] = true
	return nil
}

func (f *fakeBackend) Stop(ctx context.Context, local ids.LocalQueryId) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped[local] = true
	return nil
}

func (f *fakeBackend) Unregister(ctx context.Context, local ids.LocalQueryId) error {
	return nil
}

func testPlan(t *testing.T, queryId ids.QueryId) *logical.LogicalPlan {
	t.Helper()
	src := logical.NewOperator(logical.KindSource, logical.SourcePayload{LogicalName: "s"}, nil)
	return logical.BuildPlan(queryId, "", src)
}

// TestQueryLifecycleMatchesStateMachine matches the lifecycle
// scenario: register -> start -> workerStatus.activeQueries has 1 ->
// stop -> workerStatus.terminatedQueries has 1 with stop > start.
func TestQueryLifecycleMatchesStateMachine(t *testing.T) {
	m := NewManager(nil)
	backend := newFakeBackend(1)
	m.AddBackend(backend)

	queryId := ids.QueryId(1)
	plan := testPlan(t, queryId)
	dlp := &DistributedLogicalPlan{Original: plan, Subplans: map[ids.WorkerId]*logical.LogicalPlan{1: plan}}

	if err := m.Register(context.Background(), queryId, dlp); err != nil {
		t.Fatal(err)
	}
	status, ok := m.Status(queryId)
	if !ok || status.State != Registered {
		t.Fatalf("expected Registered after Register, got %+v", status)
	}

	if err := m.Start(context.Background(), queryId); err != nil {
		t.Fatal(err)
	}
	status, _ = m.Status(queryId)
	if status.State != Running {
		t.Fatalf("expected Running after Start's ack, got %s", status.State)
	}

	ws := m.WorkerStatus(time.Time{})
	w1, ok := ws[1]
	if !ok || len(w1.ActiveQueries) != 1 {
		t.Fatalf("expected worker 1 to report 1 active query, got %+v", ws)
	}

	if err := m.Stop(context.Background(), queryId); err != nil {
		t.Fatal(err)
	}
	status, _ = m.Status(queryId)
	if status.State != Stopped {
		t.Fatalf("expected Stopped after Stop, got %s", status.State)
	}

	ws = m.WorkerStatus(time.Time{})
	w1, ok = ws[1]
	if !ok || len(w1.TerminatedQueries) != 1 {
		t.Fatalf("expected worker 1 to report 1 terminated query, got %+v", ws)
	}
	term := w1.TerminatedQueries[0]
	if !term.Stop.After(term.Start) {
		t.Fatalf("expected stop > start, got start=%v stop=%v", term.Start, term.Stop)
	}
	if len(w1.ActiveQueries) != 0 {
		t.Fatalf("expected no active queries remaining, got %+v", w1.ActiveQueries)
	}
}

func TestStartFailurePropagatesAndMarksFailed(t *testing.T) {
	m := NewManager(nil)
	backend := newFakeBackend(1)
	backend.failStart = true
	m.AddBackend(backend)

	queryId := ids.QueryId(1)
	plan := testPlan(t, queryId)
	dlp := &DistributedLogicalPlan{Original: plan, Subplans: map[ids.WorkerId]*logical.LogicalPlan{1: plan}}
	if err := m.Register(context.Background(), queryId, dlp); err != nil {
		t.Fatal(err)
	}
	if err := m.Start(context.Background(), queryId); err == nil {
		t.Fatal("expected Start to propagate the backend's failure")
	}
	status, _ := m.Status(queryId)
	if status.State != Failed {
		t.Fatalf("expected Failed after a backend start error, got %s", status.State)
	}
}

func TestRegisterRejectsUnknownWorker(t *testing.T) {
	m := NewManager(nil)
	queryId := ids.QueryId(1)
	plan := testPlan(t, queryId)
	dlp := &DistributedLogicalPlan{Original: plan, Subplans: map[ids.WorkerId]*logical.LogicalPlan{99: plan}}
	if err := m.Register(context.Background(), queryId, dlp); err == nil {
		t.Fatal("expected registration to fail for a worker with no backend")
	}
}

func TestStopRequiresRunningState(t *testing.T) {
	m := NewManager(nil)
	backend := newFakeBackend(1)
	m.AddBackend(backend)
	queryId := ids.QueryId(1)
	plan := testPlan(t, queryId)
	dlp := &DistributedLogicalPlan{Original: plan, Subplans: map[ids.WorkerId]*logical.LogicalPlan{1: plan}}
	if err := m.Register(context.Background(), queryId, dlp); err != nil {
		t.Fatal(err)
	}
	if err := m.Stop(context.Background(), queryId); err == nil {
		t.Fatal("expected Stop to reject a query that has not started")
	}
}
