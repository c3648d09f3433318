package fallback

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/justinsb/tensorstage/pkg/blobs"
	"github.com/justinsb/tensorstage/pkg/engine"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"
)

// GraphDef is the serialized form of a graph.
type GraphDef struct {
	Name  string    `yaml:"name"`
	Nodes []NodeDef `yaml:"nodes"`
}

// NodeDef is one node of a GraphDef. Which fields apply depends on Op.
type NodeDef struct {
	Name   string   `yaml:"name"`
	Op     string   `yaml:"op"`
	Inputs []string `yaml:"inputs,omitempty"`

	// placeholder, const and cast
	DType string `yaml:"dtype,omitempty"`
	// placeholder
	Shape []int64 `yaml:"shape,omitempty"`
	// const
	Value float64 `yaml:"value,omitempty"`
	// center_crop: spatial output size, outermost spatial dimension first
	Size []int64 `yaml:"size,omitempty"`
	// mean_pool
	Factor int64 `yaml:"factor,omitempty"`
	// rms_norm
	Epsilon float32 `yaml:"epsilon,omitempty"`
}

// Graph is a validated GraphDef. It is immutable once built.
type Graph struct {
	name  string
	nodes map[string]*node
	order []string
}

var _ engine.Graph = (*Graph)(nil)

type node struct {
	def   NodeDef
	op    op
	dtype engine.DataType
	shape engine.Shape
}

func (n *node) NodeName() string       { return n.def.Name }
func (n *node) Dependencies() []string { return n.def.Inputs }

// NewGraph validates def and builds a Graph.
func NewGraph(def GraphDef) (*Graph, error) {
	g := &Graph{
		name:  def.Name,
		nodes: make(map[string]*node, len(def.Nodes)),
	}
	for _, nodeDef := range def.Nodes {
		if nodeDef.Name == "" {
			return nil, fmt.Errorf("graph %q: node with empty name", def.Name)
		}
		if _, found := g.nodes[nodeDef.Name]; found {
			return nil, fmt.Errorf("graph %q: node %q defined more than once", def.Name, nodeDef.Name)
		}
		impl, found := ops[nodeDef.Op]
		if !found {
			return nil, fmt.Errorf("graph %q: node %q has unsupported op %q", def.Name, nodeDef.Name, nodeDef.Op)
		}
		if err := impl.check(nodeDef); err != nil {
			return nil, fmt.Errorf("graph %q: node %q: %w", def.Name, nodeDef.Name, err)
		}
		n := &node{def: nodeDef, op: impl, shape: engine.Shape(nodeDef.Shape)}
		if nodeDef.DType != "" {
			dtype, err := engine.ParseDataType(nodeDef.DType)
			if err != nil {
				return nil, fmt.Errorf("graph %q: node %q: %w", def.Name, nodeDef.Name, err)
			}
			n.dtype = dtype
		}
		g.nodes[nodeDef.Name] = n
		g.order = append(g.order, nodeDef.Name)
	}
	for _, name := range g.order {
		for _, input := range g.nodes[name].def.Inputs {
			if _, found := g.nodes[input]; !found {
				return nil, fmt.Errorf("graph %q: node %q has unknown input %q", def.Name, name, input)
			}
		}
	}
	return g, nil
}

// ParseGraph decodes a YAML graph definition.
func ParseGraph(data []byte) (*Graph, error) {
	var def GraphDef
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parsing graph definition: %w", err)
	}
	return NewGraph(def)
}

// ReadGraphFile reads a YAML graph definition from the local filesystem.
func ReadGraphFile(p string) (*Graph, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("reading graph %q: %w", p, err)
	}
	return ParseGraph(data)
}

// LoadGraph fetches a graph definition from a local path or a gs://, s3:// or http(s):// URI.
func LoadGraph(ctx context.Context, uri string) (*Graph, error) {
	log := klog.FromContext(ctx)

	reader, info, err := blobs.ReaderForURI(ctx, uri)
	if err != nil {
		return nil, err
	}

	tmpDir, err := os.MkdirTemp("", "graph")
	if err != nil {
		return nil, fmt.Errorf("creating temp dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(tmpDir); err != nil {
			log.Error(err, "removing temp dir", "path", tmpDir)
		}
	}()

	localPath := filepath.Join(tmpDir, "graph.yaml")
	if err := reader.Download(ctx, info, localPath); err != nil {
		return nil, fmt.Errorf("downloading graph %q: %w", uri, err)
	}

	g, err := ReadGraphFile(localPath)
	if err != nil {
		return nil, err
	}
	log.Info("loaded graph", "uri", uri, "graph", g.Name(), "nodes", len(g.order))
	return g, nil
}

func (g *Graph) Name() string { return g.name }

// Placeholder returns the declared spec of placeholder nodes.
func (g *Graph) Placeholder(name string) (engine.TensorSpec, bool) {
	n, found := g.nodes[name]
	if !found || n.def.Op != opPlaceholder {
		return engine.TensorSpec{}, false
	}
	return engine.TensorSpec{DType: n.dtype, Shape: n.shape}, true
}

// Placeholders lists placeholder names in definition order.
func (g *Graph) Placeholders() []string {
	var names []string
	for _, name := range g.order {
		if g.nodes[name].def.Op == opPlaceholder {
			names = append(names, name)
		}
	}
	return names
}

func (g *Graph) engineNodes() map[string]engine.Node {
	nodes := make(map[string]engine.Node, len(g.nodes))
	for name, n := range g.nodes {
		nodes[name] = n
	}
	return nodes
}
