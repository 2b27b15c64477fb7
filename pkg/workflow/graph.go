package workflow

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// DefaultStartNodeID is the id of the node seeded into an empty workflow
const DefaultStartNodeID = "start"

// Graph is an arena of nodes indexed by id plus the edges between them.
// Node order is kept for display only; nothing here depends on it for correctness.
// A Graph is not safe for concurrent mutation; callers serialise authoring actions.
type Graph struct {
	nodes []Node
	index map[string]int
	edges []Edge
}

// NewGraph creates an empty graph
func NewGraph() *Graph {
	return &Graph{index: make(map[string]int)}
}

// NewSeededGraph creates a graph holding a single start node
func NewSeededGraph() *Graph {
	g := NewGraph()
	start, _ := NewNode(DefaultStartNodeID, KindStart, "Start")
	_ = g.AddNode(start)
	return g
}

// NewGraphFrom builds a graph from persisted nodes and edges.
// Duplicate node ids are rejected. Edges are kept as stored, even when they
// reference missing nodes, so that a document can be loaded and repaired.
func NewGraphFrom(nodes []Node, edges []Edge) (*Graph, error) {
	g := NewGraph()
	for _, n := range nodes {
		if err := g.AddNode(n); err != nil {
			return nil, err
		}
	}
	g.edges = make([]Edge, len(edges))
	for i, e := range edges {
		g.edges[i] = e.clone()
	}
	return g, nil
}

// AddNode appends a node. The id must be non-empty and unique.
func (g *Graph) AddNode(n Node) error {
	if n.ID == "" {
		return ErrEmptyNodeID
	}
	if _, exists := g.index[n.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateNode, n.ID)
	}
	if n.Config == nil {
		cfg, err := NewConfig(n.Kind)
		if err != nil {
			return err
		}
		n.Config = cfg
	} else if n.Config.Kind() != n.Kind {
		return fmt.Errorf("node %s: config of kind %s does not match node kind %s", n.ID, n.Config.Kind(), n.Kind)
	}
	g.index[n.ID] = len(g.nodes)
	g.nodes = append(g.nodes, n)
	return nil
}

// RemoveNode deletes a node and every edge touching it. Unknown ids are ignored.
func (g *Graph) RemoveNode(id string) {
	i, ok := g.index[id]
	if !ok {
		return
	}
	g.nodes = append(g.nodes[:i], g.nodes[i+1:]...)
	g.reindex()
	g.RemoveEdgesForNode(id)
}

// AddEdge connects two existing nodes and returns the stored edge
func (g *Graph) AddEdge(e Edge) (Edge, error) {
	if _, ok := g.index[e.Source]; !ok {
		return Edge{}, fmt.Errorf("%w: edge source %s", ErrNodeNotFound, e.Source)
	}
	if _, ok := g.index[e.Target]; !ok {
		return Edge{}, fmt.Errorf("%w: edge target %s", ErrNodeNotFound, e.Target)
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	g.edges = append(g.edges, e)
	return e, nil
}

// RemoveEdge deletes an edge by id. Unknown ids are ignored.
func (g *Graph) RemoveEdge(id string) {
	kept := g.edges[:0]
	for _, e := range g.edges {
		if e.ID != id {
			kept = append(kept, e)
		}
	}
	g.edges = kept
}

// RemoveEdgesForNode deletes every edge whose source or target is the node
func (g *Graph) RemoveEdgesForNode(id string) {
	kept := g.edges[:0]
	for _, e := range g.edges {
		if e.Source != id && e.Target != id {
			kept = append(kept, e)
		}
	}
	g.edges = kept
}

// UpdateNodeConfig merges patch into the node's configuration.
// A "label" key renames the node and must be a string. Keys not declared by
// the config type are stored in the node's Extra data.
// A nil value removes the key. Unknown node ids are ignored.
func (g *Graph) UpdateNodeConfig(id string, patch map[string]any) error {
	i, ok := g.index[id]
	if !ok {
		return nil
	}
	node := g.nodes[i]

	current, err := json.Marshal(node.config())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPatch, err)
	}
	merged := make(map[string]any)
	if err := json.Unmarshal(current, &merged); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPatch, err)
	}

	known := configKeys(node.config())
	extra := cloneRaw(node.Extra)
	label := node.Label
	for k, v := range patch {
		if k == "label" {
			switch l := v.(type) {
			case nil:
				label = ""
			case string:
				label = l
			default:
				return fmt.Errorf("%w: label must be a string", ErrInvalidPatch)
			}
			continue
		}
		if known[k] {
			if v == nil {
				delete(merged, k)
			} else {
				merged[k] = v
			}
			continue
		}
		if v == nil {
			delete(extra, k)
			continue
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("%w: key %s: %v", ErrInvalidPatch, k, err)
		}
		if extra == nil {
			extra = make(map[string]json.RawMessage)
		}
		extra[k] = raw
	}

	data, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPatch, err)
	}
	cfg, err := decodeConfig(node.Kind, data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPatch, err)
	}

	node.Config = cfg
	node.Extra = extra
	node.Label = label
	g.nodes[i] = node
	return nil
}

// SetLabel renames a node. Unknown ids are ignored.
func (g *Graph) SetLabel(id, label string) {
	if i, ok := g.index[id]; ok {
		g.nodes[i].Label = label
	}
}

// SetPosition moves a node on the canvas. Unknown ids are ignored.
func (g *Graph) SetPosition(id string, pos Position) {
	if i, ok := g.index[id]; ok {
		g.nodes[i].Position = pos
	}
}

// Node returns the node with the given id
func (g *Graph) Node(id string) (Node, bool) {
	i, ok := g.index[id]
	if !ok {
		return Node{}, false
	}
	return g.nodes[i], true
}

// HasNode reports whether a node id exists
func (g *Graph) HasNode(id string) bool {
	_, ok := g.index[id]
	return ok
}

// Nodes returns the nodes in display order
func (g *Graph) Nodes() []Node {
	out := make([]Node, len(g.nodes))
	copy(out, g.nodes)
	return out
}

// Edges returns the edges in insertion order
func (g *Graph) Edges() []Edge {
	out := make([]Edge, len(g.edges))
	for i, e := range g.edges {
		out[i] = e.clone()
	}
	return out
}

// Len returns the number of nodes
func (g *Graph) Len() int {
	return len(g.nodes)
}

// Outgoing returns the edges leaving a node
func (g *Graph) Outgoing(id string) []Edge {
	var out []Edge
	for _, e := range g.edges {
		if e.Source == id {
			out = append(out, e)
		}
	}
	return out
}

// EntryNodes returns the nodes that may begin a run
func (g *Graph) EntryNodes() []Node {
	var out []Node
	for _, n := range g.nodes {
		if n.Kind.IsEntry() {
			out = append(out, n)
		}
	}
	return out
}

// Clone returns a deep copy that shares nothing with g
func (g *Graph) Clone() *Graph {
	c := &Graph{
		nodes: make([]Node, len(g.nodes)),
		index: make(map[string]int, len(g.index)),
		edges: make([]Edge, len(g.edges)),
	}
	for i, n := range g.nodes {
		c.nodes[i] = n.clone()
		c.index[n.ID] = i
	}
	for i, e := range g.edges {
		c.edges[i] = e.clone()
	}
	return c
}

// Steps returns the persisted nodes/edges form of the graph
func (g *Graph) Steps() VisualSteps {
	return VisualSteps{Nodes: g.Nodes(), Edges: g.Edges()}
}

func (g *Graph) reindex() {
	g.index = make(map[string]int, len(g.nodes))
	for i, n := range g.nodes {
		g.index[n.ID] = i
	}
}

// adjacency maps each node id to the targets of its outgoing edges
func (g *Graph) adjacency() map[string][]string {
	adj := make(map[string][]string, len(g.nodes))
	for _, e := range g.edges {
		adj[e.Source] = append(adj[e.Source], e.Target)
	}
	return adj
}
