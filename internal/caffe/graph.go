package caffe

import (
	"sync"

	"github.com/born-ml/caffenet/internal/tensor"
)

// DiagKind classifies a build diagnostic.
type DiagKind int

// Diagnostic kinds.
const (
	// DiagUnsupportedLayer: the layer produced no node.
	DiagUnsupportedLayer DiagKind = iota
	// DiagShapeWarning: shapes look inconsistent but the build went on.
	DiagShapeWarning
)

func (k DiagKind) String() string {
	switch k {
	case DiagUnsupportedLayer:
		return "unsupported-layer"
	case DiagShapeWarning:
		return "shape-warning"
	default:
		return "unknown"
	}
}

// Diagnostic is a non-fatal problem found while building a graph.
type Diagnostic struct {
	Kind    DiagKind
	Layer   string
	Type    string
	Message string
}

// Graph is a compiled network: an ordered node list, the blob shapes inferred
// while building it and the backend it runs on.
//
// Forward may be called concurrently. Bind must not race with Forward; it
// takes the write lock and waits for running forward passes to finish.
type Graph struct {
	mu sync.RWMutex

	name       string
	backend    tensor.Backend
	inputName  string
	inputShape BlobShape
	inputBatch int

	nodes   []*Node
	shapes  *ShapeTracker
	diags   []Diagnostic
	skipped []string
}

// Name returns the network name from the definition.
func (g *Graph) Name() string {
	return g.name
}

// Nodes returns the nodes in execution order.
func (g *Graph) Nodes() []*Node {
	return g.nodes
}

// Node returns the node called name.
func (g *Graph) Node(name string) (*Node, bool) {
	for _, n := range g.nodes {
		if n.Name == name {
			return n, true
		}
	}
	return nil, false
}

// Shapes returns the final blob shape table.
func (g *Graph) Shapes() *ShapeTracker {
	return g.shapes
}

// InputName returns the blob the forward pass is seeded with.
func (g *Graph) InputName() string {
	return g.inputName
}

// InputShape returns the per-sample shape of the input blob.
func (g *Graph) InputShape() BlobShape {
	return g.inputShape
}

// InputBatch returns the batch size the definition declares.
func (g *Graph) InputBatch() int {
	return g.inputBatch
}

// OutputName returns the blob written by the last node, or "" for an empty
// graph.
func (g *Graph) OutputName() string {
	if len(g.nodes) == 0 {
		return ""
	}
	return g.nodes[len(g.nodes)-1].Output
}

// Backend returns the backend the graph runs on.
func (g *Graph) Backend() tensor.Backend {
	return g.backend
}

// Diagnostics returns the non-fatal problems found while building.
func (g *Graph) Diagnostics() []Diagnostic {
	return g.diags
}

// Skipped returns the names of layers that were dropped because their type
// is not supported. Data and loss layers, which are dropped on purpose, are
// not included.
func (g *Graph) Skipped() []string {
	return g.skipped
}

// Complete reports whether every layer of the definition was compiled.
func (g *Graph) Complete() bool {
	return len(g.skipped) == 0
}

// ParamCount returns the number of parameter values the graph needs.
func (g *Graph) ParamCount() int {
	total := 0
	for _, n := range g.nodes {
		total += n.ParamCount()
	}
	return total
}
