package workflow

import "fmt"

// Validation rules, in evaluation order
const (
	RuleEntry        = "entry"
	RuleTerminal     = "terminal"
	RuleOutgoing     = "outgoing"
	RuleReachability = "reachability"
)

// Violation is one structural problem found in a graph
type Violation struct {
	Rule    string `json:"rule"`
	NodeID  string `json:"node_id,omitempty"`
	Message string `json:"message"`
}

func (v Violation) String() string {
	return v.Message
}

// Messages returns the human-readable form of violations
func Messages(violations []Violation) []string {
	out := make([]string, len(violations))
	for i, v := range violations {
		out[i] = v.Message
	}
	return out
}

// Validate checks whether a graph can be saved. An empty result means it can.
// All rules run and their violations accumulate in rule order, then node order.
// The graph is only read.
func Validate(g *Graph) []Violation {
	var out []Violation

	entries := g.EntryNodes()
	if len(entries) == 0 {
		out = append(out, Violation{Rule: RuleEntry, Message: "missing start node"})
	}

	hasTerminal := false
	for _, n := range g.nodes {
		if n.Kind.IsTerminal() {
			hasTerminal = true
			break
		}
	}
	if !hasTerminal {
		out = append(out, Violation{Rule: RuleTerminal, Message: "missing output node"})
	}

	for _, n := range g.nodes {
		out = append(out, checkOutgoing(g, n)...)
	}

	if len(entries) > 0 {
		reachable := reachableFrom(g, entries)
		for _, n := range g.nodes {
			if n.Kind.IsEntry() || reachable[n.ID] {
				continue
			}
			out = append(out, Violation{
				Rule:    RuleReachability,
				NodeID:  n.ID,
				Message: fmt.Sprintf("%s node not connected to the workflow", n.DisplayName()),
			})
		}
	}
	return out
}

// checkOutgoing applies the per-kind outgoing-edge completeness rule to one node
func checkOutgoing(g *Graph, n Node) []Violation {
	switch cfg := n.config().(type) {
	case *StartConfig, *TriggerConfig, *ResponseConfig:
		return nil
	case *ConditionConfig:
		return checkBranches(n, cfg, handleCounts(connectedOutgoing(g, n.ID)))
	case nil:
		return nil
	default:
		if len(connectedOutgoing(g, n.ID)) > 0 {
			return nil
		}
		return []Violation{{
			Rule:    RuleOutgoing,
			NodeID:  n.ID,
			Message: fmt.Sprintf("%s node has no outgoing connection", n.DisplayName()),
		}}
	}
}

func checkBranches(n Node, cfg *ConditionConfig, counts map[string]int) []Violation {
	var out []Violation
	add := func(msg string) {
		out = append(out, Violation{Rule: RuleOutgoing, NodeID: n.ID, Message: msg})
	}

	if cfg.IsMultiCondition() {
		for i := range cfg.Conditions {
			switch c := counts[ConditionHandle(i)]; {
			case c == 0:
				add(fmt.Sprintf("missing edge for condition index %d", i))
			case c > 1:
				add(fmt.Sprintf("duplicate edges for condition index %d", i))
			}
		}
		requireOne(counts, HandleElse, add)
		return out
	}

	requireOne(counts, HandleTrue, add)
	requireOne(counts, HandleFalse, add)
	return out
}

func requireOne(counts map[string]int, handle string, add func(string)) {
	switch c := counts[handle]; {
	case c == 0:
		add(fmt.Sprintf("missing %s edge", handle))
	case c > 1:
		add(fmt.Sprintf("duplicate %s edges", handle))
	}
}

// connectedOutgoing returns the edges leaving a node whose target exists.
// An edge to a missing node does not complete the node.
func connectedOutgoing(g *Graph, id string) []Edge {
	var out []Edge
	for _, e := range g.Outgoing(id) {
		if g.HasNode(e.Target) {
			out = append(out, e)
		}
	}
	return out
}

func handleCounts(edges []Edge) map[string]int {
	counts := make(map[string]int, len(edges))
	for _, e := range edges {
		counts[e.SourceHandle]++
	}
	return counts
}

// reachableFrom walks edges breadth-first from the entry nodes.
// Each id is visited once so cycles terminate.
func reachableFrom(g *Graph, entries []Node) map[string]bool {
	adj := g.adjacency()
	visited := make(map[string]bool, len(g.nodes))
	queue := make([]string, 0, len(entries))
	for _, n := range entries {
		if !visited[n.ID] {
			visited[n.ID] = true
			queue = append(queue, n.ID)
		}
	}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, next := range adj[current] {
			if visited[next] || !g.HasNode(next) {
				continue
			}
			visited[next] = true
			queue = append(queue, next)
		}
	}
	return visited
}
