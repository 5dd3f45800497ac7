// Package placement implements the constraint solver that assigns
// logical operators to worker nodes: a boolean CP-SAT-style model
// (one variable per operator/node pair) subject to capacity,
// pinning, and connectivity constraints, minimizing total distance
// from each operator to the worker nodes hosting its source
// ancestors.
//
// No CP-SAT/ILP solver exists in the ecosystem's usual places (see
// DESIGN.md); this package hand-rolls a branch-and-bound boolean
// search bounded by a wall-clock deadline, using gonum's graph/path
// package only for the shortest-upstream-path primitive that feeds
// the objective function.
//
// The overall shape is annotate-then-execute: placement runs once
// over a plan already fully resolved by earlier rewrite stages, and
// execution never revisits a placement decision mid-query.
package placement

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/graph/path"
	"gonum.org/v1/gonum/graph/simple"

	"github.com/flowcore/flowcore/ids"
	"github.com/flowcore/flowcore/logical"
)

// PlacementFailure is returned when the solver cannot find any
// feasible assignment within its deadline, or when the model itself
// is invalid (e.g. more than one root, a pin referencing an unknown
// node).
type PlacementFailure struct {
	Reason string
}

func (e *PlacementFailure) Error() string { return "placement: " + e.Reason }

var ErrNotSingleRoot = errors.New("placement: plan must have exactly one root")

// Topology is a directed graph of worker nodes with per-node
// capacity. Edges indicate a usable network path a data-carrying
// tuple buffer can cross when flowing from the source end of an edge
// toward the destination end.
type Topology struct {
	g          *simple.DirectedGraph
	capacity   map[ids.WorkerId]int
	shortest   map[ids.WorkerId]path.Shortest
	shortestOk map[ids.WorkerId]bool
}

func NewTopology() *Topology {
	return &Topology{
		g:          simple.NewDirectedGraph(),
		capacity:   make(map[ids.WorkerId]int),
		shortest:   make(map[ids.WorkerId]path.Shortest),
		shortestOk: make(map[ids.WorkerId]bool),
	}
}

func workerNodeID(w ids.WorkerId) int64 { return int64(w) }

func (t *Topology) AddNode(w ids.WorkerId, capacity int) {
	if !t.g.Has(workerNodeID(w)) {
		t.g.AddNode(simple.Node(workerNodeID(w)))
	}
	t.capacity[w] = capacity
}

func (t *Topology) AddEdge(from, to ids.WorkerId) {
	t.g.SetEdge(simple.Edge{F: simple.Node(workerNodeID(from)), T: simple.Node(workerNodeID(to))})
}

func (t *Topology) Capacity(w ids.WorkerId) int { return t.capacity[w] }

func (t *Topology) Nodes() []ids.WorkerId {
	var out []ids.WorkerId
	it := t.g.Nodes()
	for it.Next() {
		out = append(out, ids.WorkerId(it.Node().ID()))
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// distance returns the shortest-path edge count from 'from' to 'to',
// memoizing a single-source Dijkstra run per 'from' node.
func (t *Topology) distance(from, to ids.WorkerId) (float64, bool) {
	if !t.shortestOk[from] {
		t.shortest[from] = path.DijkstraFrom(simple.Node(workerNodeID(from)), t.g)
		t.shortestOk[from] = true
	}
	w := t.shortest[from].WeightTo(workerNodeID(to))
	if math.IsInf(w, 1) {
		return 0, false
	}
	return w, true
}

// reachable reports whether a directed path exists from 'from' to
// 'to'.
func (t *Topology) reachable(from, to ids.WorkerId) bool {
	if from == to {
		return true
	}
	_, ok := t.distance(from, to)
	return ok
}

// operatorCapacity returns the CP-SAT model's per-operator capacity
// requirement: 0 for Source/Sink (they run on the pinned node at no
// scheduling cost), 1 for everything else.
func operatorCapacity(op logical.LogicalOperator) int {
	switch op.Kind() {
	case logical.KindSource, logical.KindSink:
		return 0
	default:
		return 1
	}
}

// Pin fixes an operator to a specific worker node, as required for
// every Source and Sink operator.
type Pin struct {
	Operator ids.OperatorId
	Node     ids.WorkerId
}

// assignment is the solver's working state: a candidate mapping from
// operator to node, plus remaining per-node capacity.
type assignment struct {
	nodeOf   map[ids.OperatorId]ids.WorkerId
	capUsed  map[ids.WorkerId]int
}

func newAssignment() *assignment {
	return &assignment{nodeOf: map[ids.OperatorId]ids.WorkerId{}, capUsed: map[ids.WorkerId]int{}}
}

func (a *assignment) clone() *assignment {
	cp := newAssignment()
	for k, v := range a.nodeOf {
		cp.nodeOf[k] = v
	}
	for k, v := range a.capUsed {
		cp.capUsed[k] = v
	}
	return cp
}

// solveState carries the search's immutable inputs.
type solveState struct {
	topo        *Topology
	plan        *logical.LogicalPlan
	order       []logical.LogicalOperator // topological, sources/leaves first
	parentOf    map[ids.OperatorId][]ids.OperatorId
	sourcePinOf map[ids.OperatorId][]ids.WorkerId // pinned worker(s) of every source descendant
	pins        map[ids.OperatorId]ids.WorkerId
	deadline    time.Time
}

// Solve runs the branch-and-bound search with a 1-second wall
// deadline. On success every operator in the returned plan carries a
// PlacementTrait. Returns *PlacementFailure if the model is invalid
// or no feasible assignment exists.
func Solve(ctx context.Context, plan *logical.LogicalPlan, topo *Topology, pins []Pin) (*logical.LogicalPlan, error) {
	if len(plan.RootOperators()) != 1 {
		return nil, &PlacementFailure{Reason: ErrNotSingleRoot.Error()}
	}
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	st := &solveState{
		topo:        topo,
		plan:        plan,
		parentOf:    map[ids.OperatorId][]ids.OperatorId{},
		sourcePinOf: map[ids.OperatorId][]ids.WorkerId{},
		pins:        map[ids.OperatorId]ids.WorkerId{},
		deadline:    time.Now().Add(time.Second),
	}
	for _, p := range pins {
		st.pins[p.Operator] = p.Node
		if _, ok := topo.capacity[p.Node]; !ok {
			return nil, &PlacementFailure{Reason: fmt.Sprintf("pin references unknown node %v", p.Node)}
		}
	}

	st.order = postOrder(plan)
	for _, op := range st.order {
		for _, c := range op.Children() {
			st.parentOf[c] = append(st.parentOf[c], op.Id())
		}
	}
	for _, op := range st.order {
		st.sourcePinOf[op.Id()] = sourceDescendantPins(plan, op, st.pins)
	}

	best := newAssignment()
	bestCost := -1.0
	found := false

	var search func(idx int, cur *assignment, cost float64)
	search = func(idx int, cur *assignment, cost float64) {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if idx == len(st.order) {
			if !found || cost < bestCost {
				found = true
				bestCost = cost
				best = cur.clone()
			}
			return
		}
		if found && cost >= bestCost {
			return // branch-and-bound prune
		}
		op := st.order[idx]
		candidates := st.candidateNodes(op)
		type scored struct {
			node ids.WorkerId
			cost float64
		}
		scoredCands := make([]scored, 0, len(candidates))
		for _, n := range candidates {
			scoredCands = append(scoredCands, scored{n, st.objectiveContribution(op, n)})
		}
		sort.Slice(scoredCands, func(i, j int) bool { return scoredCands[i].cost < scoredCands[j].cost })

		for _, sc := range scoredCands {
			if !st.feasible(cur, op, sc.node) {
				continue
			}
			cur.nodeOf[op.Id()] = sc.node
			cur.capUsed[sc.node] += operatorCapacity(op)
			search(idx+1, cur, cost+sc.cost)
			cur.capUsed[sc.node] -= operatorCapacity(op)
			delete(cur.nodeOf, op.Id())

			select {
			case <-ctx.Done():
				return
			default:
			}
		}
	}
	search(0, newAssignment(), 0)

	if !found {
		return nil, &PlacementFailure{Reason: "no feasible assignment found within deadline"}
	}
	return applyPlacement(plan, best), nil
}

// candidateNodes returns the nodes op is legal to run on: the pin's
// node if pinned, every topology node otherwise.
func (st *solveState) candidateNodes(op logical.LogicalOperator) []ids.WorkerId {
	if n, ok := st.pins[op.Id()]; ok {
		return []ids.WorkerId{n}
	}
	return st.topo.Nodes()
}

// feasible checks capacity (constraint 2) and connectivity
// (constraint 4) against already-assigned children of op.
func (st *solveState) feasible(cur *assignment, op logical.LogicalOperator, node ids.WorkerId) bool {
	need := operatorCapacity(op)
	if cur.capUsed[node]+need > st.topo.Capacity(node) {
		return false
	}
	for _, c := range op.Children() {
		cn, ok := cur.nodeOf[c]
		if !ok {
			continue
		}
		if !st.topo.reachable(cn, node) {
			return false
		}
	}
	return true
}

// objectiveContribution returns length(shortest_upstream_path(node,
// pin(s))) summed over every source descendant s of op.
func (st *solveState) objectiveContribution(op logical.LogicalOperator, node ids.WorkerId) float64 {
	total := 0.0
	for _, pinNode := range st.sourcePinOf[op.Id()] {
		if d, ok := st.topo.distance(pinNode, node); ok {
			total += d
		}
	}
	return total
}

// sourceDescendantPins returns the pinned worker nodes of every
// Source operator reachable below op.
func sourceDescendantPins(plan *logical.LogicalPlan, op logical.LogicalOperator, pins map[ids.OperatorId]ids.WorkerId) []ids.WorkerId {
	seen := map[ids.OperatorId]bool{}
	var out []ids.WorkerId
	var visit func(id ids.OperatorId)
	visit = func(id ids.OperatorId) {
		if seen[id] {
			return
		}
		seen[id] = true
		node, ok := plan.GetOperatorById(id)
		if !ok {
			return
		}
		if node.Kind() == logical.KindSource {
			if n, ok := pins[id]; ok {
				out = append(out, n)
			}
			return
		}
		for _, c := range node.Children() {
			visit(c)
		}
	}
	visit(op.Id())
	return out
}

// postOrder returns every distinct operator children-before-parents.
func postOrder(plan *logical.LogicalPlan) []logical.LogicalOperator {
	seen := map[ids.OperatorId]bool{}
	var out []logical.LogicalOperator
	var visit func(id ids.OperatorId)
	visit = func(id ids.OperatorId) {
		if seen[id] {
			return
		}
		seen[id] = true
		op, ok := plan.GetOperatorById(id)
		if !ok {
			return
		}
		for _, c := range op.Children() {
			visit(c)
		}
		out = append(out, op)
	}
	for _, r := range plan.RootOperators() {
		visit(r)
	}
	return out
}

// applyPlacement annotates every operator in plan with a
// logical.TraitPlacement trait carrying its assigned WorkerId.
func applyPlacement(plan *logical.LogicalPlan, a *assignment) *logical.LogicalPlan {
	current := plan
	for id, node := range a.nodeOf {
		op, ok := current.GetOperatorById(id)
		if !ok {
			continue
		}
		updated := op.WithTrait(logical.TraitPlacement, node)
		next, err := logical.ReplaceOperator(current, id, updated)
		if err != nil {
			continue
		}
		current = next
	}
	return current
}

// NodeOf reads back an operator's assigned worker node from its
// PlacementTrait.
func NodeOf(op logical.LogicalOperator) (ids.WorkerId, bool) {
	v, ok := op.Traits().Get(logical.TraitPlacement)
	if !ok {
		return 0, false
	}
	w, ok := v.(ids.WorkerId)
	return w, ok
}
