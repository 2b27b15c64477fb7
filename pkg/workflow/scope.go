package workflow

import "fmt"

// Suggestion is a template variable an author may insert into a node's text fields
type Suggestion struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// Variables lists the references visible from the target node.
//
// Every other node in the graph contributes its output, whether or not it runs
// before the target. Input-collecting nodes with a save variable additionally
// contribute a context reference, deduplicated by variable name. References that
// are not set when the target runs are left for the engine to report.
func Variables(g *Graph, target string) []Suggestion {
	var out []Suggestion
	for _, n := range g.nodes {
		if n.ID == target {
			continue
		}
		out = append(out, Suggestion{
			Label: fmt.Sprintf("Output of %s", n.DisplayName()),
			Value: fmt.Sprintf("{{%s.output}}", n.ID),
		})
	}

	seen := make(map[string]bool)
	for _, n := range g.nodes {
		name, ok := SaveVariable(n.config())
		if !ok {
			continue
		}
		value := fmt.Sprintf("{{context.%s}}", name)
		if seen[value] {
			continue
		}
		seen[value] = true
		out = append(out, Suggestion{
			Label: fmt.Sprintf("Context: %s", name),
			Value: value,
		})
	}
	return out
}
