package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// VisualSteps is the persisted form of a graph
type VisualSteps struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// Document is a stored workflow as returned by the console backend
type Document struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	Version     int          `json:"version"`
	IsActive    bool         `json:"is_active"`
	VisualSteps *VisualSteps `json:"visual_steps,omitempty"`
	CreatedAt   *time.Time   `json:"created_at,omitempty"`
	UpdatedAt   *time.Time   `json:"updated_at,omitempty"`
}

// SaveRequest is the body accepted when saving a workflow
type SaveRequest struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	VisualSteps VisualSteps `json:"visual_steps"`
}

// Graph builds the editable graph of a document.
// A document without visual steps yields a graph seeded with a single start node.
func (d *Document) Graph() (*Graph, error) {
	if d.VisualSteps == nil {
		return NewSeededGraph(), nil
	}
	g, err := NewGraphFrom(d.VisualSteps.Nodes, d.VisualSteps.Edges)
	if err != nil {
		return nil, fmt.Errorf("workflow %s: %w", d.ID, err)
	}
	return g, nil
}

// NewSaveRequest builds the save body for a graph
func NewSaveRequest(name, description string, g *Graph) SaveRequest {
	return SaveRequest{
		Name:        name,
		Description: description,
		VisualSteps: g.Steps(),
	}
}

// Graph builds the graph carried by a save request
func (r *SaveRequest) Graph() (*Graph, error) {
	return NewGraphFrom(r.VisualSteps.Nodes, r.VisualSteps.Edges)
}

// MarshalJSON writes the persisted nodes/edges form
func (g *Graph) MarshalJSON() ([]byte, error) {
	return json.Marshal(g.Steps())
}

// UnmarshalJSON replaces the graph with the persisted nodes/edges form
func (g *Graph) UnmarshalJSON(b []byte) error {
	var steps VisualSteps
	if err := json.Unmarshal(b, &steps); err != nil {
		return err
	}
	loaded, err := NewGraphFrom(steps.Nodes, steps.Edges)
	if err != nil {
		return err
	}
	*g = *loaded
	return nil
}

// ParseDocument decodes a document written either as JSON or as YAML
func ParseDocument(data []byte) (*Document, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty workflow document")
	}
	if trimmed[0] != '{' {
		converted, err := yamlToJSON(trimmed)
		if err != nil {
			return nil, err
		}
		trimmed = converted
	}

	var doc Document
	if err := json.Unmarshal(trimmed, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse workflow document: %w", err)
	}
	return &doc, nil
}

// MarshalYAML renders a document as YAML through its JSON shape
func MarshalYAML(doc *Document) ([]byte, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var tree any
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return nil, fmt.Errorf("failed to convert workflow document: %w", err)
	}
	return yaml.Marshal(tree)
}

func yamlToJSON(data []byte) ([]byte, error) {
	var tree any
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}
	out, err := json.Marshal(tree)
	if err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}
	return out, nil
}
