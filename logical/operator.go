// Package logical implements the immutable operator DAG: LogicalOperator
// is a value type addressed by content hash (ids.OperatorId), carrying
// a small open-world trait set and kind-specific payload; LogicalPlan
// groups one or more root operators under a query.
//
// A LogicalOperator is a node with a "rewrite" hook and kind-specific
// payload dispatched by a concrete type. Unlike a linear
// Nonterminal-embedding chain with a mutable parent link, operators
// here are immutable values addressed by content hash, since the
// engine's plans are DAGs shared across rewrite stages rather than a
// single owned tree.
package logical

import (
	"fmt"
	"reflect"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/flowcore/flowcore/expr"
	"github.com/flowcore/flowcore/ids"
	"github.com/flowcore/flowcore/schema"
)

// OperatorKind tags the closed family of logical operator kinds.
type OperatorKind uint8

const (
	KindInvalid OperatorKind = iota
	KindSource
	KindSink
	KindMap
	KindFilter
	KindProjection
	KindUnion
	KindJoin
	KindWindowedAggregation
	KindWatermarkAssigner
)

func (k OperatorKind) String() string {
	switch k {
	case KindSource:
		return "Source"
	case KindSink:
		return "Sink"
	case KindMap:
		return "Map"
	case KindFilter:
		return "Filter"
	case KindProjection:
		return "Projection"
	case KindUnion:
		return "Union"
	case KindJoin:
		return "Join"
	case KindWindowedAggregation:
		return "WindowedAggregation"
	case KindWatermarkAssigner:
		return "WatermarkAssigner"
	default:
		return "Invalid"
	}
}

// TraitKey names a trait slot. Traits are an open-world extension
// point: new trait kinds can be added without changing the
// LogicalOperator struct.
type TraitKey string

const (
	TraitOutputSchema TraitKey = "output_schema"
	TraitPlacement    TraitKey = "placement"
	TraitOrigin       TraitKey = "origin"
	TraitMemoryLayout TraitKey = "memory_layout"
	TraitSignature    TraitKey = "signature"
)

// TraitSet is an immutable map of trait values. Copying a TraitSet
// via WithTrait never mutates the receiver's backing map.
type TraitSet struct {
	m map[TraitKey]any
}

func NewTraitSet() TraitSet { return TraitSet{} }

func (t TraitSet) Get(k TraitKey) (any, bool) {
	v, ok := t.m[k]
	return v, ok
}

// With returns a new TraitSet with k set to v, leaving the receiver
// untouched.
func (t TraitSet) With(k TraitKey, v any) TraitSet {
	out := maps.Clone(t.m)
	if out == nil {
		out = make(map[TraitKey]any, 1)
	}
	out[k] = v
	return TraitSet{m: out}
}

// Equal reports whether two trait sets hold the same keys; values are
// compared with Go's == where comparable (pointers to schema.Schema
// compare by pointer identity here), and values whose dynamic type is
// not comparable are ignored.
func (t TraitSet) Equal(o TraitSet) bool {
	if len(t.m) != len(o.m) {
		return false
	}
	for k, v := range t.m {
		ov, ok := o.m[k]
		if !ok {
			return false
		}
		tv, tov := reflect.TypeOf(v), reflect.TypeOf(ov)
		if (tv != nil && !tv.Comparable()) || (tov != nil && !tov.Comparable()) {
			continue
		}
		if v != ov {
			return false
		}
	}
	return true
}

// Payload is the kind-specific data carried by a LogicalOperator:
// a function predicate for Filter/Map, a window spec for
// WindowedAggregation, a join condition for Join, a source/sink name
// for Source/Sink, and so on. Each concrete payload type is a plain
// value; LogicalOperator treats it opaquely except for hashing and
// equality, both delegated to the payload's own methods.
type Payload interface {
	// Explain renders a short human-readable description, used by
	// OperatorId content-addressing and diagnostics.
	Explain() string
	// Equal reports payload equality.
	Equal(Payload) bool
}

// FilterPayload carries the predicate of a Filter operator.
type FilterPayload struct{ Predicate expr.Function }

func (p FilterPayload) Explain() string { return "filter(" + p.Predicate.Explain() + ")" }
func (p FilterPayload) Equal(o Payload) bool {
	op, ok := o.(FilterPayload)
	return ok && p.Predicate.Equal(op.Predicate)
}

// MapPayload carries the output-field expressions of a Map operator.
type MapPayload struct {
	Fields []string
	Exprs  []expr.Function
}

func (p MapPayload) Explain() string { return fmt.Sprintf("map(%v)", p.Fields) }
func (p MapPayload) Equal(o Payload) bool {
	op, ok := o.(MapPayload)
	if !ok || len(p.Fields) != len(op.Fields) {
		return false
	}
	for i := range p.Fields {
		if p.Fields[i] != op.Fields[i] || !p.Exprs[i].Equal(op.Exprs[i]) {
			return false
		}
	}
	return true
}

// ProjectionPayload carries the retained field names of a Projection.
type ProjectionPayload struct{ Fields []string }

func (p ProjectionPayload) Explain() string { return fmt.Sprintf("project(%v)", p.Fields) }
func (p ProjectionPayload) Equal(o Payload) bool {
	op, ok := o.(ProjectionPayload)
	if !ok || len(p.Fields) != len(op.Fields) {
		return false
	}
	for i := range p.Fields {
		if p.Fields[i] != op.Fields[i] {
			return false
		}
	}
	return true
}

// SourcePayload names the logical (pre-expansion) or physical
// (post-expansion) source this leaf reads from.
type SourcePayload struct {
	LogicalName  string
	PhysicalName string // empty before LogicalSourceExpansion
	Origin       ids.OriginId
}

func (p SourcePayload) Explain() string {
	if p.PhysicalName != "" {
		return "source(" + p.PhysicalName + ")"
	}
	return "source(" + p.LogicalName + ")"
}
func (p SourcePayload) Equal(o Payload) bool {
	op, ok := o.(SourcePayload)
	return ok && p == op
}

// SinkPayload names the sink this root operator writes to.
type SinkPayload struct{ Name string }

func (p SinkPayload) Explain() string { return "sink(" + p.Name + ")" }
func (p SinkPayload) Equal(o Payload) bool {
	op, ok := o.(SinkPayload)
	return ok && p == op
}

// UnionPayload marks a Union operator; it carries no data of its own.
type UnionPayload struct{}

func (UnionPayload) Explain() string       { return "union" }
func (UnionPayload) Equal(o Payload) bool  { _, ok := o.(UnionPayload); return ok }

// WindowSpec describes a fixed-size tumbling or sliding window, used
// by WindowedAggregationPayload and by package window.
type WindowSpec struct {
	SizeMillis  int64
	SlideMillis int64 // equal to SizeMillis for tumbling windows
	KeyFields   []string
}

// WindowedAggregationPayload carries the window spec, grouping keys,
// and aggregation function of a WindowedAggregation operator.
type WindowedAggregationPayload struct {
	Window      WindowSpec
	AggField    string
	AggFunction string // "sum", "count", "min", "max", "avg"
}

func (p WindowedAggregationPayload) Explain() string {
	return fmt.Sprintf("window(%s, size=%dms)", p.AggFunction, p.Window.SizeMillis)
}
func (p WindowedAggregationPayload) Equal(o Payload) bool {
	op, ok := o.(WindowedAggregationPayload)
	return ok && p.Window == op.Window && p.AggField == op.AggField && p.AggFunction == op.AggFunction
}

// JoinPayload carries the equi-join condition and window spec of a
// Join operator.
type JoinPayload struct {
	LeftKey, RightKey string
	Window            WindowSpec
}

func (p JoinPayload) Explain() string {
	return fmt.Sprintf("join(%s=%s)", p.LeftKey, p.RightKey)
}
func (p JoinPayload) Equal(o Payload) bool {
	op, ok := o.(JoinPayload)
	return ok && p == op
}

// WatermarkAssignerPayload carries the lateness bound of a watermark
// operator.
type WatermarkAssignerPayload struct{ MaxOutOfOrdernessMillis int64 }

func (p WatermarkAssignerPayload) Explain() string {
	return fmt.Sprintf("watermark(%dms)", p.MaxOutOfOrdernessMillis)
}
func (p WatermarkAssignerPayload) Equal(o Payload) bool {
	op, ok := o.(WatermarkAssignerPayload)
	return ok && p == op
}

// LogicalOperator is an immutable DAG node addressed by content hash.
// Children are stored by value (ids.OperatorId); the actual child
// nodes live in the owning LogicalPlan's node table, a "store children
// by value, no back-pointers" shared-DAG strategy.
type LogicalOperator struct {
	id       ids.OperatorId
	kind     OperatorKind
	payload  Payload
	children []ids.OperatorId
	traits   TraitSet
}

// NewOperator constructs a LogicalOperator and computes its content
// hash from kind, payload, and children ids.
func NewOperator(kind OperatorKind, payload Payload, children []ids.OperatorId) LogicalOperator {
	cp := make([]ids.OperatorId, len(children))
	copy(cp, children)
	op := LogicalOperator{kind: kind, payload: payload, children: cp, traits: NewTraitSet()}
	op.id = ids.NewOperatorId(kind.String()+"|"+payload.Explain(), nil, children)
	return op
}

func (o LogicalOperator) Id() ids.OperatorId      { return o.id }
func (o LogicalOperator) Kind() OperatorKind      { return o.kind }
func (o LogicalOperator) Payload() Payload        { return o.payload }
func (o LogicalOperator) Traits() TraitSet        { return o.traits }
func (o LogicalOperator) Children() []ids.OperatorId {
	out := make([]ids.OperatorId, len(o.children))
	copy(out, o.children)
	return out
}

// WithChildren returns a new operator with children replaced; the id
// is recomputed since content addressing depends on children.
func (o LogicalOperator) WithChildren(children []ids.OperatorId) LogicalOperator {
	cp := make([]ids.OperatorId, len(children))
	copy(cp, children)
	o.children = cp
	o.id = ids.NewOperatorId(o.kind.String()+"|"+o.payload.Explain(), nil, children)
	return o
}

// WithTraitSet returns a new operator with its trait set replaced.
// Traits do not participate in content addressing, so a placement
// trait can be assigned post-hoc without changing identity.
func (o LogicalOperator) WithTraitSet(traits TraitSet) LogicalOperator {
	o.traits = traits
	return o
}

// WithTrait is a convenience wrapper around WithTraitSet(Traits().With(k,v)).
func (o LogicalOperator) WithTrait(k TraitKey, v any) LogicalOperator {
	return o.WithTraitSet(o.traits.With(k, v))
}

func (o LogicalOperator) OutputSchema() (*schema.Schema, bool) {
	v, ok := o.traits.Get(TraitOutputSchema)
	if !ok {
		return nil, false
	}
	s, ok := v.(*schema.Schema)
	return s, ok
}

// localEqual reports equality ignoring children: same kind, same
// payload, same trait set.
func (o LogicalOperator) localEqual(other LogicalOperator) bool {
	return o.kind == other.kind && o.payload.Equal(other.payload) && o.traits.Equal(other.traits)
}

// sortedChildren returns this operator's children sorted by
// OperatorId, as required by the equality work-list algorithm.
func (o LogicalOperator) sortedChildren() []ids.OperatorId {
	out := o.Children()
	slices.SortFunc(out, func(a, b ids.OperatorId) bool { return a.Less(b) })
	return out
}
