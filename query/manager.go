// Package query implements the query manager: the authoritative
// per-query state machine, its worker-backend fan-out for
// register/start/stop/unregister, and the workerStatus aggregation
// clients poll for liveness.
//
// Per-backend state lives behind one lock: writes for transitions,
// reads for consistent snapshots. Fan-out to every worker a query
// targets uses an errgroup, since registration and start/stop must
// reach every worker concurrently rather than one at a time.
package query

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/flowcore/flowcore/ids"
	"github.com/flowcore/flowcore/logical"
)

// State is one point in the query lifecycle's state machine:
//
//	Registered --start--> Started --runtime ack--> Running
//	     |                              |
//	     |                              +--stop--> Stopping --> Stopped
//	     +--unregister--> (removed)     |
//	                                    +--failure--> Failed(reason)
type State int

const (
	Registered State = iota
	Started
	Running
	Stopping
	Stopped
	Failed
)

func (s State) String() string {
	switch s {
	case Registered:
		return "Registered"
	case Started:
		return "Started"
	case Running:
		return "Running"
	case Stopping:
		return "Stopping"
	case Stopped:
		return "Stopped"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Status is the query status exposed to clients. Start/Running/Stop
// are zero until that transition has happened.
type Status struct {
	QueryId      ids.QueryId
	State        State
	Start        time.Time
	Running      time.Time
	Stop         time.Time
	ErrorMessage string
}

// Backend is a single worker's registerQuery/start/stop/unregister
// contract.
type Backend interface {
	WorkerId() ids.WorkerId
	RegisterQuery(ctx context.Context, subplan *logical.LogicalPlan) (ids.LocalQueryId, error)
	Start(ctx context.Context, local ids.LocalQueryId) error
	Stop(ctx context.Context, local ids.LocalQueryId) error
	Unregister(ctx context.Context, local ids.LocalQueryId) error
}

// DistributedLogicalPlan is a query submission: the decomposed
// per-worker subplans plus the original optimized plan.
type DistributedLogicalPlan struct {
	Original *logical.LogicalPlan
	Subplans map[ids.WorkerId]*logical.LogicalPlan
}

type workerAssignment struct {
	backend Backend
	local   ids.LocalQueryId
}

type queryState struct {
	status  Status
	workers map[ids.WorkerId]*workerAssignment
}

// ActiveQuery is one worker's currently-running query, as surfaced by
// WorkerStatus.
type ActiveQuery struct {
	QueryId      ids.QueryId
	LocalQueryId ids.LocalQueryId
	Start        time.Time
}

// TerminatedQuery is one worker's completed (stopped or failed)
// query, as surfaced by WorkerStatus: a terminated entry carries
// (localQueryId, start, stop, optional error).
type TerminatedQuery struct {
	QueryId      ids.QueryId
	LocalQueryId ids.LocalQueryId
	Start        time.Time
	Stop         time.Time
	Err          error
}

// WorkerStatus is what workerStatus(after) reports for one worker.
type WorkerStatus struct {
	ActiveQueries     []ActiveQuery
	TerminatedQueries []TerminatedQuery
}

type workerLogEntry struct {
	active    ActiveQuery
	terminal  *TerminatedQuery
	updatedAt time.Time
}

// Manager is the authoritative per-query state machine, fanning out
// register/start/stop/unregister calls to every worker a query's
// DistributedLogicalPlan names. All transitions are guarded by a
// write-lock; status reads take the same lock for a consistent
// snapshot.
type Manager struct {
	mu       sync.RWMutex
	clock    func() time.Time
	backends map[ids.WorkerId]Backend
	queries  map[ids.QueryId]*queryState
	// workerLog is append-only per worker, read under the same lock
	// as queries; it backs WorkerStatus.
	workerLog map[ids.WorkerId][]*workerLogEntry
}

// NewManager constructs an empty Manager. clock defaults to
// time.Now if nil.
func NewManager(clock func() time.Time) *Manager {
	if clock == nil {
		clock = time.Now
	}
	return &Manager{
		clock:     clock,
		backends:  make(map[ids.WorkerId]Backend),
		queries:   make(map[ids.QueryId]*queryState),
		workerLog: make(map[ids.WorkerId][]*workerLogEntry),
	}
}

// AddBackend registers a worker backend a DistributedLogicalPlan can
// target by WorkerId.
func (m *Manager) AddBackend(b Backend) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.backends[b.WorkerId()] = b
}

func (m *Manager) fail(qs *queryState, err error) error {
	qs.status.State = Failed
	qs.status.ErrorMessage = err.Error()
	return err
}

// Register submits dlp's per-worker subplans to their backends via
// registerQuery, storing the returned LocalQueryId per worker.
func (m *Manager) Register(ctx context.Context, queryId ids.QueryId, dlp *DistributedLogicalPlan) error {
	m.mu.Lock()
	if _, exists := m.queries[queryId]; exists {
		m.mu.Unlock()
		return fmt.Errorf("query: %v is already registered", queryId)
	}
	qs := &queryState{status: Status{QueryId: queryId, State: Registered}, workers: make(map[ids.WorkerId]*workerAssignment)}
	backends := make(map[ids.WorkerId]Backend, len(dlp.Subplans))
	for workerId := range dlp.Subplans {
		b, ok := m.backends[workerId]
		if !ok {
			m.mu.Unlock()
			return fmt.Errorf("query: no backend registered for worker %v", workerId)
		}
		backends[workerId] = b
	}
	m.queries[queryId] = qs
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	var assignMu sync.Mutex
	for workerId, subplan := range dlp.Subplans {
		workerId, subplan, backend := workerId, subplan, backends[workerId]
		g.Go(func() error {
			local, err := backend.RegisterQuery(gctx, subplan)
			if err != nil {
				return fmt.Errorf("worker %v: %w", workerId, err)
			}
			assignMu.Lock()
			qs.workers[workerId] = &workerAssignment{backend: backend, local: local}
			assignMu.Unlock()
			return nil
		})
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := g.Wait(); err != nil {
		return m.fail(qs, err)
	}
	return nil
}

// Start transitions a Registered query to Started, then Running once
// every worker's Start call has acknowledged. The runtime ack is the
// Start RPC's own completion -- there is no separate asynchronous ack
// channel a worker pushes back through, so fanning Start out to
// completion IS the ack.
func (m *Manager) Start(ctx context.Context, queryId ids.QueryId) error {
	m.mu.Lock()
	qs, ok := m.queries[queryId]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("query: %v is not registered", queryId)
	}
	if qs.status.State != Registered {
		state := qs.status.State
		m.mu.Unlock()
		return fmt.Errorf("query: %v cannot start from state %s", queryId, state)
	}
	qs.status.State = Started
	assignments := make(map[ids.WorkerId]*workerAssignment, len(qs.workers))
	for w, a := range qs.workers {
		assignments[w] = a
	}
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for workerId, a := range assignments {
		workerId, a := workerId, a
		g.Go(func() error {
			if err := a.backend.Start(gctx, a.local); err != nil {
				return fmt.Errorf("worker %v: %w", workerId, err)
			}
			return nil
		})
	}
	err := g.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		return m.fail(qs, err)
	}
	now := m.clock()
	qs.status.State = Running
	qs.status.Start = now
	qs.status.Running = now
	for workerId, a := range assignments {
		m.workerLog[workerId] = append(m.workerLog[workerId], &workerLogEntry{
			active:    ActiveQuery{QueryId: queryId, LocalQueryId: a.local, Start: now},
			updatedAt: now,
		})
	}
	return nil
}

// Stop transitions a Running query to Stopping, then Stopped once
// every worker's Stop call completes. The transition to Stopping
// happens under the manager's write lock before any backend call is
// made, so the graceful-drain property -- in-flight workerStatus polls
// always see Stopping before Stopped -- falls out of lock ordering
// rather than a separate signal: any WorkerStatus call that acquires
// the read lock after this method's first critical section observes
// Stopping, never a skip straight from Running to Stopped.
func (m *Manager) Stop(ctx context.Context, queryId ids.QueryId) error {
	m.mu.Lock()
	qs, ok := m.queries[queryId]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("query: %v is not registered", queryId)
	}
	if qs.status.State != Running {
		state := qs.status.State
		m.mu.Unlock()
		return fmt.Errorf("query: %v cannot stop from state %s", queryId, state)
	}
	qs.status.State = Stopping
	assignments := make(map[ids.WorkerId]*workerAssignment, len(qs.workers))
	for w, a := range qs.workers {
		assignments[w] = a
	}
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for workerId, a := range assignments {
		workerId, a := workerId, a
		g.Go(func() error {
			if err := a.backend.Stop(gctx, a.local); err != nil {
				return fmt.Errorf("worker %v: %w", workerId, err)
			}
			return nil
		})
	}
	err := g.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock()
	if err != nil {
		m.terminateWorkerLog(queryId, assignments, now, err)
		return m.fail(qs, err)
	}
	qs.status.State = Stopped
	qs.status.Stop = now
	m.terminateWorkerLog(queryId, assignments, now, nil)
	return nil
}

// terminateWorkerLog must be called with m.mu held for writing.
func (m *Manager) terminateWorkerLog(queryId ids.QueryId, assignments map[ids.WorkerId]*workerAssignment, stop time.Time, err error) {
	for workerId, a := range assignments {
		log := m.workerLog[workerId]
		for _, entry := range log {
			if entry.terminal == nil && entry.active.QueryId == queryId && entry.active.LocalQueryId == a.local {
				entry.terminal = &TerminatedQuery{
					QueryId:      queryId,
					LocalQueryId: a.local,
					Start:        entry.active.Start,
					Stop:         stop,
					Err:          err,
				}
				entry.updatedAt = stop
			}
		}
	}
}

// Unregister releases a query's resources on every worker and
// removes it from the manager.
func (m *Manager) Unregister(ctx context.Context, queryId ids.QueryId) error {
	m.mu.Lock()
	qs, ok := m.queries[queryId]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("query: %v is not registered", queryId)
	}
	assignments := make(map[ids.WorkerId]*workerAssignment, len(qs.workers))
	for w, a := range qs.workers {
		assignments[w] = a
	}
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for workerId, a := range assignments {
		workerId, a := workerId, a
		g.Go(func() error {
			if err := a.backend.Unregister(gctx, a.local); err != nil {
				return fmt.Errorf("worker %v: %w", workerId, err)
			}
			return nil
		})
	}
	err := g.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		return m.fail(qs, err)
	}
	delete(m.queries, queryId)
	return nil
}

// Status returns a consistent snapshot of queryId's status.
func (m *Manager) Status(queryId ids.QueryId) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	qs, ok := m.queries[queryId]
	if !ok {
		return Status{}, false
	}
	return qs.status, true
}

// WorkerStatus aggregates, for every worker with a log entry updated
// after `after`, its currently active and terminated queries.
func (m *Manager) WorkerStatus(after time.Time) map[ids.WorkerId]WorkerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[ids.WorkerId]WorkerStatus)
	for workerId, log := range m.workerLog {
		var ws WorkerStatus
		matched := false
		for _, entry := range log {
			if !entry.updatedAt.After(after) {
				continue
			}
			matched = true
			if entry.terminal != nil {
				ws.TerminatedQueries = append(ws.TerminatedQueries, *entry.terminal)
			} else {
				ws.ActiveQueries = append(ws.ActiveQueries, entry.active)
			}
		}
		if matched {
			out[workerId] = ws
		}
	}
	return out
}
