// Package rewrite implements the plan stages: pure functions over a
// logical.LogicalPlan that each return a distinct, structurally typed
// wrapper so that a later stage cannot accidentally run against a
// plan that has not yet passed an earlier one.
//
// Stages form an ordered sequence of independent, named rewrite
// functions each walking the whole plan: each stage is a standalone
// function taking and returning a plan value, run in a fixed order by
// Run. Stages return new logical.LogicalPlan values rather than
// mutating one in place, matching this engine's immutable-value plan
// representation.
package rewrite

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/dchest/siphash"

	"github.com/flowcore/flowcore/ids"
	"github.com/flowcore/flowcore/logical"
	"github.com/flowcore/flowcore/schema"
)

// OptimizedLogicalPlan wraps a plan that has passed TypeInference and
// MemoryLayoutSelection.
type OptimizedLogicalPlan struct{ Plan *logical.LogicalPlan }

// PlacedLogicalPlan wraps an OptimizedLogicalPlan whose operators have
// each received a placement.PlacementTrait (produced by package
// placement, not by this package; the wrapper still lives here since
// every stage's output type does).
type PlacedLogicalPlan struct{ Plan *logical.LogicalPlan }

// DistributedLogicalPlan wraps the decomposed, per-worker subplans
// produced from a PlacedLogicalPlan plus the original optimized plan.
type DistributedLogicalPlan struct {
	Original *logical.LogicalPlan
	Subplans map[ids.WorkerId]*logical.LogicalPlan
}

var (
	// ErrUnknownField is returned by TypeInference when an operator's
	// payload names a field absent from its input schema (a projected,
	// aggregated or key field); an absent field read inside a Filter or
	// Map expression is reported as ErrTypeIncompatible instead.
	ErrUnknownField = errors.New("rewrite: unknown field")
	// ErrTypeIncompatible is returned by TypeInference when an
	// operator's payload combines incompatible types.
	ErrTypeIncompatible = errors.New("rewrite: type incompatible")
	// ErrNotSingleRoot is returned by stages that require exactly one
	// root operator.
	ErrNotSingleRoot = errors.New("rewrite: plan does not have exactly one root")
)

// LayoutPolicy selects a physical layout for an operator's output.
// The zero value is RowPolicy, the default layout for any operator
// a policy doesn't otherwise place.
type LayoutPolicy func(op logical.LogicalOperator) schema.Layout

// RowPolicy always selects row layout (the default policy).
func RowPolicy(logical.LogicalOperator) schema.Layout { return schema.LayoutRow }

// TypeInference computes each operator's output schema in BFS
// post-order: children are inferred before parents, and each
// operator's own schema is derived from its children's schemas plus
// its payload. It fails with ErrUnknownField/ErrTypeIncompatible if a
// payload references a field its input schema doesn't have.
func TypeInference(plan *logical.LogicalPlan) (OptimizedLogicalPlan, error) {
	order := postOrder(plan)
	current := plan
	for _, op := range order {
		outSchema, err := inferSchema(current, op)
		if err != nil {
			return OptimizedLogicalPlan{}, err
		}
		updated := op.WithTrait(logical.TraitOutputSchema, outSchema)
		next, err := logical.ReplaceOperator(current, op.Id(), updated)
		if err != nil {
			return OptimizedLogicalPlan{}, err
		}
		current = next
	}
	return OptimizedLogicalPlan{Plan: current}, nil
}

// postOrder returns every distinct operator in the plan in
// children-before-parents order, suitable for bottom-up inference.
func postOrder(plan *logical.LogicalPlan) []logical.LogicalOperator {
	seen := make(map[ids.OperatorId]bool)
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

func childSchema(plan *logical.LogicalPlan, op logical.LogicalOperator, idx int) (*schema.Schema, error) {
	children := op.Children()
	if idx >= len(children) {
		return nil, fmt.Errorf("%w: operator %s has no child %d", ErrUnknownField, op.Id(), idx)
	}
	child, ok := plan.GetOperatorById(children[idx])
	if !ok {
		return nil, fmt.Errorf("%w: child %s missing from plan", ErrUnknownField, children[idx])
	}
	s, ok := child.OutputSchema()
	if !ok {
		return nil, fmt.Errorf("rewrite: child %s has no inferred schema yet", children[idx])
	}
	return s, nil
}

func inferSchema(plan *logical.LogicalPlan, op logical.LogicalOperator) (*schema.Schema, error) {
	switch p := op.Payload().(type) {
	case logical.SourcePayload:
		return sourceSchemaRegistry.lookup(p.LogicalName)
	case logical.FilterPayload:
		s, err := childSchema(plan, op, 0)
		if err != nil {
			return nil, err
		}
		if _, err := p.Predicate.WithInferredStamp(s); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTypeIncompatible, err)
		}
		return s, nil
	case logical.MapPayload:
		s, err := childSchema(plan, op, 0)
		if err != nil {
			return nil, err
		}
		fields := make([]schema.Field, len(p.Fields))
		for i, name := range p.Fields {
			inferred, err := p.Exprs[i].WithInferredStamp(s)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrTypeIncompatible, err)
			}
			fields[i] = schema.Field{Name: name, Type: inferred.Stamp()}
		}
		return schema.New(fields...)
	case logical.ProjectionPayload:
		s, err := childSchema(plan, op, 0)
		if err != nil {
			return nil, err
		}
		fields := make([]schema.Field, len(p.Fields))
		for i, name := range p.Fields {
			f, _, ok := s.Lookup(name)
			if !ok {
				return nil, fmt.Errorf("%w: %q", ErrUnknownField, name)
			}
			fields[i] = f
		}
		return schema.New(fields...)
	case logical.UnionPayload:
		return childSchema(plan, op, 0)
	case logical.JoinPayload:
		left, err := childSchema(plan, op, 0)
		if err != nil {
			return nil, err
		}
		right, err := childSchema(plan, op, 1)
		if err != nil {
			return nil, err
		}
		fields := append(left.Fields(), right.Fields()...)
		return schema.New(fields...)
	case logical.WindowedAggregationPayload:
		s, err := childSchema(plan, op, 0)
		if err != nil {
			return nil, err
		}
		if !s.Has(p.AggField) {
			return nil, fmt.Errorf("%w: %q", ErrUnknownField, p.AggField)
		}
		fields := make([]schema.Field, 0, len(p.Window.KeyFields)+2)
		for _, k := range p.Window.KeyFields {
			f, _, ok := s.Lookup(k)
			if !ok {
				return nil, fmt.Errorf("%w: %q", ErrUnknownField, k)
			}
			fields = append(fields, f)
		}
		fields = append(fields,
			schema.Field{Name: "window_start", Type: schema.I64},
			schema.Field{Name: "window_end", Type: schema.I64},
			schema.Field{Name: p.AggFunction + "_" + p.AggField, Type: schema.F64},
		)
		return schema.New(fields...)
	case logical.WatermarkAssignerPayload:
		return childSchema(plan, op, 0)
	case logical.SinkPayload:
		return childSchema(plan, op, 0)
	default:
		return nil, fmt.Errorf("rewrite: unrecognized payload type %T", p)
	}
}

// SchemaRegistry resolves a logical source's name to its declared
// schema; the catalog package supplies the production implementation
// via catalog.SourceCatalog.
type SchemaRegistry interface {
	lookup(logicalName string) (*schema.Schema, error)
}

type mapSchemaRegistry map[string]*schema.Schema

func (m mapSchemaRegistry) lookup(name string) (*schema.Schema, error) {
	s, ok := m[name]
	if !ok {
		return nil, fmt.Errorf("%w: source %q", ErrUnknownField, name)
	}
	return s, nil
}

// sourceSchemaRegistry is package-level so TypeInference's signature
// stays a pure function over a plan; SetSourceSchemas installs the
// catalog-provided bindings before a plan is compiled.
var sourceSchemaRegistry mapSchemaRegistry = map[string]*schema.Schema{}

// SetSourceSchemas installs the {logicalSourceName: schema} bindings
// TypeInference consults for Source leaves.
func SetSourceSchemas(bindings map[string]*schema.Schema) {
	sourceSchemaRegistry = bindings
}

// MemoryLayoutSelection annotates each operator with a physical
// layout trait chosen by policy (default RowPolicy).
func MemoryLayoutSelection(opt OptimizedLogicalPlan, policy LayoutPolicy) (OptimizedLogicalPlan, error) {
	if policy == nil {
		policy = RowPolicy
	}
	current := opt.Plan
	for _, op := range postOrder(current) {
		layout := policy(op)
		updated := op.WithTrait(logical.TraitMemoryLayout, layout)
		next, err := logical.ReplaceOperator(current, op.Id(), updated)
		if err != nil {
			return OptimizedLogicalPlan{}, err
		}
		current = next
	}
	return OptimizedLogicalPlan{Plan: current}, nil
}

// PhysicalSource describes one registered physical source backing a
// logical source name, carrying only the fields LogicalSourceExpansion
// needs from a fuller catalog.SourceDescriptor.
type PhysicalSource struct {
	Name   string
	Worker ids.WorkerId
}

// ExpansionPolicy is accepted by LogicalSourceExpansion, which does
// not read it: each Source leaf is expanded once and the expansion is
// shared by every sink above it, whatever DuplicatePerSink says.
type ExpansionPolicy struct {
	DuplicatePerSink bool
}

// LogicalSourceExpansion replaces each Source leaf naming a logical
// source with a Union of one leaf per registered physical source.
// sources maps logical source name to its physical sources.
func LogicalSourceExpansion(opt OptimizedLogicalPlan, sources map[string][]PhysicalSource, policy ExpansionPolicy) (OptimizedLogicalPlan, error) {
	current := opt.Plan
	for _, op := range postOrder(current) {
		sp, ok := op.Payload().(logical.SourcePayload)
		if !ok || sp.PhysicalName != "" {
			continue
		}
		physical, ok := sources[sp.LogicalName]
		if !ok || len(physical) == 0 {
			return OptimizedLogicalPlan{}, fmt.Errorf("rewrite: no physical sources registered for %q", sp.LogicalName)
		}
		var replacement logical.LogicalOperator
		if len(physical) == 1 {
			replacement = logical.NewOperator(logical.KindSource, logical.SourcePayload{
				LogicalName: sp.LogicalName, PhysicalName: physical[0].Name, Origin: sp.Origin,
			}, nil)
		} else {
			leaves := make([]ids.OperatorId, len(physical))
			nodes := make(map[ids.OperatorId]logical.LogicalOperator, len(physical))
			for i, ps := range physical {
				leaf := logical.NewOperator(logical.KindSource, logical.SourcePayload{
					LogicalName: sp.LogicalName, PhysicalName: ps.Name, Origin: sp.Origin,
				}, nil)
				leaves[i] = leaf.Id()
				nodes[leaf.Id()] = leaf
			}
			replacement = logical.NewOperator(logical.KindUnion, logical.UnionPayload{}, leaves)
			for _, v := range nodes {
				current = current.WithNode(v)
			}
		}
		next, err := logical.ReplaceSubtree(current, op.Id(), replacement)
		if err != nil {
			return OptimizedLogicalPlan{}, err
		}
		current = next
	}
	return OptimizedLogicalPlan{Plan: current}, nil
}

// PredicateReordering orders any contiguous chain of Filter operators
// (no intervening binary operator or map) by ascending selectivity
// estimate. selectivity estimates P(predicate passes); operators
// absent from the map are treated as selectivity 1 (least useful to
// run first).
func PredicateReordering(opt OptimizedLogicalPlan, selectivity map[ids.OperatorId]float64) OptimizedLogicalPlan {
	current := opt.Plan
	for _, op := range postOrder(current) {
		if op.Kind() != logical.KindFilter {
			continue
		}
		children := op.Children()
		if len(children) != 1 {
			continue
		}
		child, ok := current.GetOperatorById(children[0])
		if !ok || child.Kind() != logical.KindFilter {
			continue
		}
		// op is the parent of a contiguous filter chain starting at
		// child; collect the whole chain, sort it, and relink.
		chain := []logical.LogicalOperator{op}
		cursor := child
		for {
			chain = append(chain, cursor)
			cc := cursor.Children()
			if len(cc) != 1 {
				break
			}
			next, ok := current.GetOperatorById(cc[0])
			if !ok || next.Kind() != logical.KindFilter {
				break
			}
			cursor = next
		}
		below := cursor.Children()
		sort.SliceStable(chain, func(i, j int) bool {
			return selectivity[chain[i].Id()] < selectivity[chain[j].Id()]
		})
		// relink the sorted chain, bottom of chain pointing at "below"
		rebuilt := make([]logical.LogicalOperator, len(chain))
		var childRef []ids.OperatorId
		if len(below) > 0 {
			childRef = below
		}
		for i := len(chain) - 1; i >= 0; i-- {
			rebuilt[i] = chain[i].WithChildren(childRef)
			childRef = []ids.OperatorId{rebuilt[i].Id()}
		}
		next, err := logical.ReplaceSubtree(current, op.Id(), rebuilt[0])
		if err != nil {
			continue
		}
		current = next
	}
	return OptimizedLogicalPlan{Plan: current}
}

// WindowDistribution replaces a keyed WindowedAggregation whose input
// is a multi-source Union with a distributed form: one slice-creation
// operator per union branch feeding a single, central
// window-computation operator.
func WindowDistribution(opt OptimizedLogicalPlan) OptimizedLogicalPlan {
	current := opt.Plan
	for _, op := range postOrder(current) {
		wp, ok := op.Payload().(logical.WindowedAggregationPayload)
		if !ok || len(op.Children()) != 1 {
			continue
		}
		inputId := op.Children()[0]
		input, ok := current.GetOperatorById(inputId)
		if !ok || input.Kind() != logical.KindUnion || len(input.Children()) < 2 {
			continue
		}
		sliceIds := make([]ids.OperatorId, 0, len(input.Children()))
		for _, branchId := range input.Children() {
			slicer := logical.NewOperator(logical.KindWindowedAggregation, wp, []ids.OperatorId{branchId})
			current = current.WithNode(slicer)
			sliceIds = append(sliceIds, slicer.Id())
		}
		central := logical.NewOperator(logical.KindWindowedAggregation, wp, sliceIds)
		next, err := logical.ReplaceSubtree(current, op.Id(), central)
		if err != nil {
			continue
		}
		current = next
	}
	return OptimizedLogicalPlan{Plan: current}
}

// signatureSeed is an arbitrary fixed siphash key: signatures are
// used to identify sharable plans within one query manager instance,
// not across processes, so key stability across restarts is not
// required.
var signatureSeed = [16]byte{0x46, 0x6c, 0x6f, 0x77, 0x63, 0x6f, 0x72, 0x65, 0x53, 0x69, 0x67, 0x6e, 0x61, 0x74, 0x75, 0x72}

// SignatureInference computes a content hash of each operator's
// payload plus its input schema, attaching it as a TraitSignature
// trait for downstream plan-sharing. Only the hashing is implemented
// here; deciding what to do with a matching signature is left to the
// query manager.
func SignatureInference(opt OptimizedLogicalPlan) (OptimizedLogicalPlan, error) {
	current := opt.Plan
	for _, op := range postOrder(current) {
		h := sha256.New()
		h.Write([]byte(op.Payload().Explain()))
		if s, ok := op.OutputSchema(); ok {
			for _, f := range s.Fields() {
				h.Write([]byte(f.Name))
				h.Write([]byte{byte(f.Type.Kind)})
			}
		}
		sum := h.Sum(nil)
		sig := siphash.Hash(binary.LittleEndian.Uint64(signatureSeed[:8]), binary.LittleEndian.Uint64(signatureSeed[8:]), sum)
		updated := op.WithTrait(logical.TraitSignature, sig)
		next, err := logical.ReplaceOperator(current, op.Id(), updated)
		if err != nil {
			return OptimizedLogicalPlan{}, err
		}
		current = next
	}
	return OptimizedLogicalPlan{Plan: current}, nil
}
