package workflow

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
)

// Position is the canvas location of a node. It carries no semantics and is kept verbatim.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Node is a single step of a workflow graph
type Node struct {
	ID       string
	Kind     NodeKind
	Label    string
	Position Position
	Config   NodeConfig

	// Extra holds data keys the config type does not declare
	Extra map[string]json.RawMessage

	// Attrs holds top-level keys other than id, type, position and data
	Attrs map[string]json.RawMessage
}

// NewNode creates a node with the zero configuration for its kind
func NewNode(id string, kind NodeKind, label string) (Node, error) {
	cfg, err := NewConfig(kind)
	if err != nil {
		return Node{}, err
	}
	return Node{ID: id, Kind: kind, Label: label, Config: cfg}, nil
}

// DisplayName is the label, or the kind when the node has no label
func (n Node) DisplayName() string {
	if strings.TrimSpace(n.Label) != "" {
		return n.Label
	}
	return string(n.Kind)
}

// config returns the node's config, creating the zero config when unset
func (n Node) config() NodeConfig {
	if n.Config != nil {
		return n.Config
	}
	cfg, err := NewConfig(n.Kind)
	if err != nil {
		return nil
	}
	return cfg
}

func (n Node) clone() Node {
	out := n
	if n.Config != nil {
		out.Config = cloneConfig(n.Config)
	}
	out.Extra = cloneRaw(n.Extra)
	out.Attrs = cloneRaw(n.Attrs)
	return out
}

type nodeWire struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Position json.RawMessage `json:"position,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// MarshalJSON writes the React-Flow shape {id, type, position, data:{label, ...config}}
func (n Node) MarshalJSON() ([]byte, error) {
	data := make(map[string]json.RawMessage, len(n.Extra)+4)
	for k, v := range n.Extra {
		data[k] = v
	}

	if cfg := n.config(); cfg != nil {
		raw, err := json.Marshal(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal config of node %s: %w", n.ID, err)
		}
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, fmt.Errorf("failed to marshal config of node %s: %w", n.ID, err)
		}
		for k, v := range fields {
			data[k] = v
		}
	}

	label, err := json.Marshal(n.Label)
	if err != nil {
		return nil, err
	}
	data["label"] = label

	out := make(map[string]any, len(n.Attrs)+4)
	for k, v := range n.Attrs {
		out[k] = v
	}
	out["id"] = n.ID
	out["type"] = string(n.Kind)
	out["position"] = n.Position
	out["data"] = data

	return json.Marshal(out)
}

// UnmarshalJSON reads the React-Flow shape, keeping unknown keys for lossless round-trips
func (n *Node) UnmarshalJSON(b []byte) error {
	var wire nodeWire
	if err := json.Unmarshal(b, &wire); err != nil {
		return err
	}

	kind, err := ParseKind(wire.Type)
	if err != nil {
		return fmt.Errorf("node %q: %w", wire.ID, err)
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(b, &top); err != nil {
		return err
	}
	delete(top, "id")
	delete(top, "type")
	delete(top, "position")
	delete(top, "data")

	var pos Position
	if len(wire.Position) > 0 && string(wire.Position) != "null" {
		if err := json.Unmarshal(wire.Position, &pos); err != nil {
			return fmt.Errorf("node %q: invalid position: %w", wire.ID, err)
		}
	}

	cfg, err := decodeConfig(kind, wire.Data)
	if err != nil {
		return fmt.Errorf("node %q: %w", wire.ID, err)
	}

	var label string
	var extra map[string]json.RawMessage
	if len(wire.Data) > 0 && string(wire.Data) != "null" {
		var data map[string]json.RawMessage
		if err := json.Unmarshal(wire.Data, &data); err != nil {
			return fmt.Errorf("node %q: invalid data: %w", wire.ID, err)
		}
		if raw, ok := data["label"]; ok {
			if string(raw) != "null" {
				if err := json.Unmarshal(raw, &label); err != nil {
					return fmt.Errorf("node %q: invalid label: %w", wire.ID, err)
				}
			}
			delete(data, "label")
		}
		known := configKeys(cfg)
		for k, v := range data {
			if known[k] {
				continue
			}
			if extra == nil {
				extra = make(map[string]json.RawMessage)
			}
			extra[k] = v
		}
	}

	*n = Node{
		ID:       wire.ID,
		Kind:     kind,
		Label:    label,
		Position: pos,
		Config:   cfg,
		Extra:    extra,
	}
	if len(top) > 0 {
		n.Attrs = top
	}
	return nil
}

// configKeys lists the JSON keys declared by a config struct
func configKeys(cfg NodeConfig) map[string]bool {
	keys := make(map[string]bool)
	t := reflect.TypeOf(cfg)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name := f.Name
		if tag, ok := f.Tag.Lookup("json"); ok {
			tagName, _, _ := strings.Cut(tag, ",")
			if tagName == "-" {
				continue
			}
			if tagName != "" {
				name = tagName
			}
		}
		keys[name] = true
	}
	return keys
}

func cloneRaw(in map[string]json.RawMessage) map[string]json.RawMessage {
	if in == nil {
		return nil
	}
	out := make(map[string]json.RawMessage, len(in))
	for k, v := range in {
		cp := make(json.RawMessage, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return out
}
