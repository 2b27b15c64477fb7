package projector

import (
	"github.com/tcmartin/flowstudio/pkg/runtime"
	"github.com/tcmartin/flowstudio/pkg/workflow"
)

// NodeView is a node composed with its execution status for rendering
type NodeView struct {
	Node      workflow.Node      `json:"node"`
	Status    runtime.NodeStatus `json:"status,omitempty"`
	HasStatus bool               `json:"has_status"`
}

// Overlay pairs every node of g with its status in s.
// Neither the graph nor the snapshot is modified.
func Overlay(g *workflow.Graph, s *Snapshot) []NodeView {
	nodes := g.Nodes()
	views := make([]NodeView, len(nodes))
	for i, n := range nodes {
		views[i] = NodeView{Node: n}
		if s == nil {
			continue
		}
		if st, ok := s.Statuses[n.ID]; ok {
			views[i].Status = st
			views[i].HasStatus = true
		}
	}
	return views
}
