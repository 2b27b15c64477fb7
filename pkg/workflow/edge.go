package workflow

import (
	"encoding/json"
	"strconv"
)

// Reserved source handles
const (
	HandleDefault = ""
	HandleElse    = "else"
	HandleTrue    = "true"
	HandleFalse   = "false"
	HandleError   = "error"
)

// Edge is a directed connection between two nodes.
// SourceHandle selects which named output of the source node the edge leaves from.
type Edge struct {
	ID           string
	Source       string
	Target       string
	SourceHandle string
	TargetHandle string
	Label        string

	// Attrs holds canvas keys such as type, animated, style or data
	Attrs map[string]json.RawMessage
}

type edgeWire struct {
	ID           string `json:"id"`
	Source       string `json:"source"`
	Target       string `json:"target"`
	SourceHandle string `json:"sourceHandle,omitempty"`
	TargetHandle string `json:"targetHandle,omitempty"`
	Label        string `json:"label,omitempty"`
}

var edgeKeys = []string{"id", "source", "target", "sourceHandle", "targetHandle", "label"}

// MarshalJSON writes the edge with its canvas attributes
func (e Edge) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(edgeWire{
		ID:           e.ID,
		Source:       e.Source,
		Target:       e.Target,
		SourceHandle: e.SourceHandle,
		TargetHandle: e.TargetHandle,
		Label:        e.Label,
	})
	if err != nil || len(e.Attrs) == 0 {
		return base, err
	}

	out := make(map[string]json.RawMessage, len(e.Attrs)+len(edgeKeys))
	for k, v := range e.Attrs {
		out[k] = v
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(base, &fields); err != nil {
		return nil, err
	}
	for k, v := range fields {
		out[k] = v
	}
	return json.Marshal(out)
}

// UnmarshalJSON reads an edge, keeping keys it does not interpret in Attrs
func (e *Edge) UnmarshalJSON(b []byte) error {
	var wire edgeWire
	if err := json.Unmarshal(b, &wire); err != nil {
		return err
	}
	var top map[string]json.RawMessage
	if err := json.Unmarshal(b, &top); err != nil {
		return err
	}
	for _, k := range edgeKeys {
		delete(top, k)
	}

	*e = Edge{
		ID:           wire.ID,
		Source:       wire.Source,
		Target:       wire.Target,
		SourceHandle: wire.SourceHandle,
		TargetHandle: wire.TargetHandle,
		Label:        wire.Label,
	}
	if len(top) > 0 {
		e.Attrs = top
	}
	return nil
}

func (e Edge) clone() Edge {
	out := e
	out.Attrs = cloneRaw(e.Attrs)
	return out
}

// ConditionHandle returns the handle for condition index i
func ConditionHandle(i int) string {
	return strconv.Itoa(i)
}
