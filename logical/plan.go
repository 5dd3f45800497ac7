package logical

import (
	"errors"
	"fmt"

	"github.com/flowcore/flowcore/ids"
)

// ErrOperatorNotFound is returned by operations that look up an
// operator by id and find none.
var ErrOperatorNotFound = errors.New("logical: operator not found")

// LogicalPlan is an immutable DAG of LogicalOperators rooted at one
// or more root operators. Nodes are stored in a flat table keyed by
// content-addressed OperatorId so that shared sub-DAGs are stored
// once.
type LogicalPlan struct {
	QueryId         ids.QueryId
	OriginalSqlText string
	roots           []ids.OperatorId
	nodes           map[ids.OperatorId]LogicalOperator
}

// NewPlan builds a LogicalPlan from a node table and a set of root
// ids. Every id reachable from roots must have an entry in nodes.
func NewPlan(queryId ids.QueryId, sqlText string, nodes map[ids.OperatorId]LogicalOperator, roots []ids.OperatorId) *LogicalPlan {
	tbl := make(map[ids.OperatorId]LogicalOperator, len(nodes))
	for k, v := range nodes {
		tbl[k] = v
	}
	r := make([]ids.OperatorId, len(roots))
	copy(r, roots)
	return &LogicalPlan{QueryId: queryId, OriginalSqlText: sqlText, roots: r, nodes: tbl}
}

// BuildPlan is a convenience constructor that walks op (and its
// children, assumed already inserted via WithChildren against other
// operators passed in all) and derives a single-root plan. It is used
// by tests and by front-end adapters constructing small plans
// bottom-up.
func BuildPlan(queryId ids.QueryId, sqlText string, root LogicalOperator, descendants ...LogicalOperator) *LogicalPlan {
	nodes := map[ids.OperatorId]LogicalOperator{root.Id(): root}
	for _, d := range descendants {
		nodes[d.Id()] = d
	}
	return NewPlan(queryId, sqlText, nodes, []ids.OperatorId{root.Id()})
}

func (p *LogicalPlan) RootOperators() []ids.OperatorId {
	out := make([]ids.OperatorId, len(p.roots))
	copy(out, p.roots)
	return out
}

// GetOperatorById returns the operator with the given id and true, or
// the zero value and false if absent from the node table.
func (p *LogicalPlan) GetOperatorById(id ids.OperatorId) (LogicalOperator, bool) {
	op, ok := p.nodes[id]
	return op, ok
}

// BFS yields every operator reachable from roots, level by level,
// without deduplication across shared nodes. The callback returning
// false stops iteration early.
func (p *LogicalPlan) BFS(visit func(LogicalOperator) bool) {
	queue := append([]ids.OperatorId(nil), p.roots...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		op, ok := p.nodes[id]
		if !ok {
			continue
		}
		if !visit(op) {
			return
		}
		queue = append(queue, op.Children()...)
	}
}

// Flatten returns every distinct operator reachable from roots,
// deduplicated by OperatorId.
func (p *LogicalPlan) Flatten() []LogicalOperator {
	seen := make(map[ids.OperatorId]bool)
	var out []LogicalOperator
	p.BFS(func(op LogicalOperator) bool {
		if seen[op.Id()] {
			return true
		}
		seen[op.Id()] = true
		out = append(out, op)
		return true
	})
	return out
}

// GetLeafOperators returns every distinct operator with no children.
func (p *LogicalPlan) GetLeafOperators() []LogicalOperator {
	var out []LogicalOperator
	for _, op := range p.Flatten() {
		if len(op.Children()) == 0 {
			out = append(out, op)
		}
	}
	return out
}

// GetParents scans the full node table and returns every operator
// that lists id as a direct child -- operators carry no back-pointers.
func (p *LogicalPlan) GetParents(id ids.OperatorId) []LogicalOperator {
	var out []LogicalOperator
	for _, op := range p.nodes {
		for _, c := range op.Children() {
			if c == id {
				out = append(out, op)
				break
			}
		}
	}
	return out
}

// pairKey is a deduplication key for the equality work-list: an
// ordered pair of operator ids from the left and right plan.
type pairKey struct{ left, right ids.OperatorId }

// Equal implements a work-list equality algorithm: root vectors must
// match in length, and for each root pair a work-list traversal must
// find every visited (left,right) pair locally equal and, after
// sorting children by OperatorId, producing a pairwise match of equal
// size.
func (p *LogicalPlan) Equal(o *LogicalPlan) bool {
	if p == nil || o == nil {
		return p == o
	}
	if len(p.roots) != len(o.roots) {
		return false
	}
	visited := make(map[pairKey]bool)
	for i := range p.roots {
		if !p.equalFrom(o, p.roots[i], o.roots[i], visited) {
			return false
		}
	}
	return true
}

func (p *LogicalPlan) equalFrom(o *LogicalPlan, left, right ids.OperatorId, visited map[pairKey]bool) bool {
	key := pairKey{left, right}
	if visited[key] {
		return true
	}
	visited[key] = true

	lop, lok := p.nodes[left]
	rop, rok := o.nodes[right]
	if !lok || !rok {
		return lok == rok
	}
	if !lop.localEqual(rop) {
		return false
	}
	lc := lop.sortedChildren()
	rc := rop.sortedChildren()
	if len(lc) != len(rc) {
		return false
	}
	for i := range lc {
		if !p.equalFrom(o, lc[i], rc[i], visited) {
			return false
		}
	}
	return true
}

// WithNode returns a copy of the plan with op inserted into the node
// table (or replacing an existing entry with the same id), without
// otherwise changing roots or wiring op into any parent's children.
// Rewrite stages use this to stage new leaves before linking them in
// via ReplaceSubtree.
func (p *LogicalPlan) WithNode(op LogicalOperator) *LogicalPlan {
	return p.withNode(op)
}

// withNode returns a copy of the plan with op inserted (or replacing
// an existing entry with the same id).
func (p *LogicalPlan) withNode(op LogicalOperator) *LogicalPlan {
	cp := *p
	cp.nodes = make(map[ids.OperatorId]LogicalOperator, len(p.nodes)+1)
	for k, v := range p.nodes {
		cp.nodes[k] = v
	}
	cp.nodes[op.Id()] = op
	return &cp
}

func (p *LogicalPlan) withRoots(roots []ids.OperatorId) *LogicalPlan {
	cp := *p
	cp.roots = append([]ids.OperatorId(nil), roots...)
	return &cp
}

// replaceChildRef rewrites every ancestor chain that referenced oldId
// to reference newId instead. Since operator identity is content
// addressed, swapping a child id changes the parent's own id too,
// which can in turn require rewriting the grandparent, and so on up
// to the roots; this runs to a fixed point rather than a single pass.
func (p *LogicalPlan) replaceChildRef(oldId, newId ids.OperatorId) *LogicalPlan {
	nodes := make(map[ids.OperatorId]LogicalOperator, len(p.nodes))
	for k, v := range p.nodes {
		nodes[k] = v
	}
	roots := append([]ids.OperatorId(nil), p.roots...)
	rename := map[ids.OperatorId]ids.OperatorId{oldId: newId}

	for {
		again := false
		for k, op := range nodes {
			children := op.Children()
			changed := false
			for i, c := range children {
				if repl, ok := rename[c]; ok && repl != c {
					children[i] = repl
					changed = true
				}
			}
			if !changed {
				continue
			}
			newOp := op.WithChildren(children)
			delete(nodes, k)
			nodes[newOp.Id()] = newOp
			if newOp.Id() != k {
				rename[k] = newOp.Id()
				again = true
			}
		}
		if !again {
			break
		}
	}
	for i, r := range roots {
		if repl, ok := rename[r]; ok {
			roots[i] = repl
		}
	}

	cp := *p
	cp.nodes = nodes
	cp.roots = roots
	return &cp
}

// ReplaceOperator locates the node by id and substitutes replacement
// in its place, preserving the original node's children
// (replacement.withChildren(old.children)). Returns
// ErrOperatorNotFound if id is absent.
func ReplaceOperator(p *LogicalPlan, id ids.OperatorId, replacement LogicalOperator) (*LogicalPlan, error) {
	old, ok := p.GetOperatorById(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOperatorNotFound, id)
	}
	newOp := replacement.WithChildren(old.Children())
	out := p.withNode(newOp)
	if newOp.Id() != id {
		out = out.replaceChildRef(id, newOp.Id())
	}
	return out, nil
}

// ReplaceSubtree locates the node by id and substitutes the entire
// subtree rooted there with replacement, discarding old's children.
// Returns ErrOperatorNotFound if id is absent.
func ReplaceSubtree(p *LogicalPlan, id ids.OperatorId, replacement LogicalOperator) (*LogicalPlan, error) {
	if _, ok := p.GetOperatorById(id); !ok {
		return nil, fmt.Errorf("%w: %s", ErrOperatorNotFound, id)
	}
	out := p.withNode(replacement)
	if replacement.Id() != id {
		out = out.replaceChildRef(id, replacement.Id())
	}
	return out, nil
}

// PromoteOperatorToRoot returns plan.withRootOperators([newRoot.withChildren(plan.roots)]).
func PromoteOperatorToRoot(p *LogicalPlan, newRoot LogicalOperator) *LogicalPlan {
	promoted := newRoot.WithChildren(p.RootOperators())
	out := p.withNode(promoted)
	return out.withRoots([]ids.OperatorId{promoted.Id()})
}

// AddRootOperators appends more to the plan's root vector.
func AddRootOperators(p *LogicalPlan, more []ids.OperatorId) *LogicalPlan {
	return p.withRoots(append(p.RootOperators(), more...))
}
