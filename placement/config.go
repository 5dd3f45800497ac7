package placement

import (
	"fmt"

	"sigs.k8s.io/yaml"

	"github.com/flowcore/flowcore/ids"
)

// TopologyConfig is the declarative shape of a fleet/topology document:
// a flat node inventory with per-node capacity, plus the directed
// edges a tuple buffer may cross between them. It decodes the same
// worker node description an operator would otherwise build up one
// AddNode/AddEdge call at a time.
type TopologyConfig struct {
	Nodes []NodeConfig `json:"nodes"`
	Edges []EdgeConfig `json:"edges"`
}

// NodeConfig describes one worker node's id and operator capacity.
type NodeConfig struct {
	Id       ids.WorkerId `json:"id"`
	Capacity int          `json:"capacity"`
}

// EdgeConfig describes one directed, traversable network path between
// two worker nodes already listed under Nodes.
type EdgeConfig struct {
	From ids.WorkerId `json:"from"`
	To   ids.WorkerId `json:"to"`
}

// LoadTopology decodes a YAML (or JSON, since YAML is a superset)
// fleet/topology document into a Topology ready for Solve. Every edge
// must reference nodes already listed under Nodes; LoadTopology
// rejects a document that doesn't, rather than silently creating
// disconnected capacity-zero nodes.
func LoadTopology(doc []byte) (*Topology, error) {
	var cfg TopologyConfig
	if err := yaml.Unmarshal(doc, &cfg); err != nil {
		return nil, fmt.Errorf("placement: decoding topology document: %w", err)
	}

	topo := NewTopology()
	seen := make(map[ids.WorkerId]bool, len(cfg.Nodes))
	for _, n := range cfg.Nodes {
		if !n.Id.Valid() {
			return nil, fmt.Errorf("placement: topology document has a node with invalid or missing id")
		}
		if seen[n.Id] {
			return nil, fmt.Errorf("placement: topology document lists node %v more than once", n.Id)
		}
		seen[n.Id] = true
		topo.AddNode(n.Id, n.Capacity)
	}
	for _, e := range cfg.Edges {
		if !seen[e.From] || !seen[e.To] {
			return nil, fmt.Errorf("placement: edge %v->%v references a node not listed under nodes", e.From, e.To)
		}
		topo.AddEdge(e.From, e.To)
	}
	return topo, nil
}
