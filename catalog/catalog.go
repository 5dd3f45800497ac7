// Package catalog is the seam where the excluded collaborators (SQL
// parser, YAML binder, gRPC transport, REPL, HTTP surface, concrete
// plugins beyond tcpsource) would plug in: it defines the source/sink
// plugin contracts and the logical/physical source registry those
// collaborators would populate, without implementing them itself.
//
// Refresh's periodic re-validation shape mirrors a background
// table-definition rescan: whatever no longer validates is dropped,
// and whatever still validates has its validated config replaced.
package catalog

import (
	"context"
	"fmt"
	"sync"

	"github.com/flowcore/flowcore/buf"
	"github.com/flowcore/flowcore/ids"
	"github.com/flowcore/flowcore/rewrite"
	"github.com/flowcore/flowcore/schema"
	"github.com/flowcore/flowcore/source"
)

// SourcePlugin is the full source plugin contract: beyond
// source.Source's FillTupleBuffer, a plugin has a one-time Open/Close
// pair.
type SourcePlugin interface {
	source.Source
	Open() error
	Close() error
}

// SinkPlugin is the symmetric sink contract: Open, Consume, Close.
type SinkPlugin interface {
	Open() error
	Consume(ctx context.Context, buffer *buf.TupleBuffer) error
	Close() error
}

// Validator implements a source or sink type's validateAndFormat:
// turning a string-keyed config map into a typed, validated
// configuration, or rejecting it.
type Validator func(config map[string]string) (any, error)

// PluginRegistry maps a source/sink type name to the validator that
// checks configuration submitted for that type. Constructing a
// concrete SourcePlugin/SinkPlugin from a validated config is left to
// the worker-side registerQuery path; this registry only owns the
// type name -> validator mapping.
type PluginRegistry struct {
	mu               sync.RWMutex
	sourceValidators map[string]Validator
	sinkValidators   map[string]Validator
}

func NewPluginRegistry() *PluginRegistry {
	return &PluginRegistry{
		sourceValidators: make(map[string]Validator),
		sinkValidators:   make(map[string]Validator),
	}
}

func (r *PluginRegistry) RegisterSourceType(name string, v Validator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sourceValidators[name] = v
}

func (r *PluginRegistry) RegisterSinkType(name string, v Validator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinkValidators[name] = v
}

func (r *PluginRegistry) validateSource(sourceType string, config map[string]string) (any, error) {
	r.mu.RLock()
	v, ok := r.sourceValidators[sourceType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("catalog: no source plugin registered for type %q", sourceType)
	}
	return v(config)
}

// SourceDescriptor is returned by SourceCatalog.AddPhysicalSource.
type SourceDescriptor struct {
	PhysicalSourceID   ids.PhysicalSourceId
	WorkerId           ids.WorkerId
	Type               string
	BuffersInLocalPool int
	ValidatedConfig    any
	ParserConfig       any
}

type logicalSource struct {
	schema   *schema.Schema
	physical []string // physical source names registered against this logical name, in registration order
}

type physicalSource struct {
	descriptor SourceDescriptor
	logical    string
	rawConfig  map[string]string
}

// SourceCatalog is the registry of logical source names (each bound
// to a schema) and the physical sources backing them, plus the
// plugin registry their sourceType strings resolve against. Every
// logical and physical name is globally unique across the catalog;
// a name collision is reported by returning false/absence rather
// than an error, matching addLogicalSource/addPhysicalSource's
// contract.
type SourceCatalog struct {
	Plugins *PluginRegistry

	mu               sync.RWMutex
	logical          map[string]*logicalSource
	physical         map[string]*physicalSource
	buffersPerSource int
}

// NewSourceCatalog returns an empty catalog. buffersPerSource is
// stamped into every SourceDescriptor's BuffersInLocalPool field; a
// value <= 0 defaults to 4.
func NewSourceCatalog(buffersPerSource int) *SourceCatalog {
	if buffersPerSource <= 0 {
		buffersPerSource = 4
	}
	return &SourceCatalog{
		Plugins:          NewPluginRegistry(),
		logical:          make(map[string]*logicalSource),
		physical:         make(map[string]*physicalSource),
		buffersPerSource: buffersPerSource,
	}
}

// AddLogicalSource registers name with schema s. Returns false if
// name is already registered (duplicate insertion returns absence).
func (c *SourceCatalog) AddLogicalSource(name string, s *schema.Schema) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.logical[name]; exists {
		return false
	}
	c.logical[name] = &logicalSource{schema: s}
	return true
}

// AddPhysicalSource registers a physical source named physicalName
// behind logicalSource, backed by sourceType (which must already be
// registered in c.Plugins), on worker, validating configMap through
// that type's Validator. Returns the SourceDescriptor and true, or
// false if logicalSource is unknown, physicalName is already taken,
// or validation fails.
func (c *SourceCatalog) AddPhysicalSource(physicalName, logicalSource, sourceType string, worker ids.WorkerId, configMap map[string]string, parserConfig any) (SourceDescriptor, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ls, ok := c.logical[logicalSource]
	if !ok {
		return SourceDescriptor{}, false
	}
	if _, exists := c.physical[physicalName]; exists {
		return SourceDescriptor{}, false
	}
	validated, err := c.Plugins.validateSource(sourceType, configMap)
	if err != nil {
		return SourceDescriptor{}, false
	}

	desc := SourceDescriptor{
		PhysicalSourceID:   ids.NewPhysicalSourceId(),
		WorkerId:           worker,
		Type:               sourceType,
		BuffersInLocalPool: c.buffersPerSource,
		ValidatedConfig:    validated,
		ParserConfig:       parserConfig,
	}
	c.physical[physicalName] = &physicalSource{descriptor: desc, logical: logicalSource, rawConfig: configMap}
	ls.physical = append(ls.physical, physicalName)
	return desc, true
}

// PhysicalSources returns the rewrite.PhysicalSource bindings
// LogicalSourceExpansion needs, for every logical source that
// currently has at least one physical source registered.
func (c *SourceCatalog) PhysicalSources() map[string][]rewrite.PhysicalSource {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string][]rewrite.PhysicalSource, len(c.logical))
	for name, ls := range c.logical {
		if len(ls.physical) == 0 {
			continue
		}
		bound := make([]rewrite.PhysicalSource, len(ls.physical))
		for i, physName := range ls.physical {
			ps := c.physical[physName]
			bound[i] = rewrite.PhysicalSource{Name: physName, Worker: ps.descriptor.WorkerId}
		}
		out[name] = bound
	}
	return out
}

// SchemaBindings returns the {logicalSourceName: schema} map
// rewrite.SetSourceSchemas consumes.
func (c *SourceCatalog) SchemaBindings() map[string]*schema.Schema {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]*schema.Schema, len(c.logical))
	for name, ls := range c.logical {
		out[name] = ls.schema
	}
	return out
}

// Apply installs this catalog's current schema bindings into
// rewrite's package-level registry and returns the physical-source
// bindings LogicalSourceExpansion needs, so a plan compiles against
// the same view of registered sources this catalog holds.
func (c *SourceCatalog) Apply() map[string][]rewrite.PhysicalSource {
	bindings := c.PhysicalSources()
	rewrite.SetSourceSchemas(c.SchemaBindings())
	return bindings
}

// Descriptor looks up a previously registered physical source by
// name.
func (c *SourceCatalog) Descriptor(physicalName string) (SourceDescriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ps, ok := c.physical[physicalName]
	if !ok {
		return SourceDescriptor{}, false
	}
	return ps.descriptor, true
}

// Refresh re-validates every registered physical source's stored
// config against its plugin type's current Validator, mirroring
// db.QueueRunner.updateDefs's periodic re-scan of table definitions
// applied here to physical source registrations instead. A source
// whose validator now rejects its stored config is dropped from the
// catalog; Refresh returns the first such error encountered (if any)
// after attempting every source.
func (c *SourceCatalog) Refresh() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for name, ps := range c.physical {
		validated, err := c.Plugins.validateSource(ps.descriptor.Type, ps.rawConfig)
		if err != nil {
			delete(c.physical, name)
			if ls, ok := c.logical[ps.logical]; ok {
				ls.physical = removeName(ls.physical, name)
			}
			if firstErr == nil {
				firstErr = fmt.Errorf("catalog: refreshing %q: %w", name, err)
			}
			continue
		}
		ps.descriptor.ValidatedConfig = validated
	}
	return firstErr
}

func removeName(names []string, target string) []string {
	out := names[:0]
	for _, n := range names {
		if n != target {
			out = append(out, n)
		}
	}
	return out
}
