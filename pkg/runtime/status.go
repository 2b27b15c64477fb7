package runtime

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// NodeStatus is the execution state of one node within a run
type NodeStatus string

const (
	StatusPending   NodeStatus = "pending"
	StatusRunning   NodeStatus = "running"
	StatusCompleted NodeStatus = "completed"
	StatusFailed    NodeStatus = "failed"
)

// ParseNodeStatus validates a status string received from the engine
func ParseNodeStatus(s string) (NodeStatus, error) {
	switch st := NodeStatus(strings.ToLower(strings.TrimSpace(s))); st {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed:
		return st, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStatus, s)
}

// IsFinal reports whether the node will not change state again in this run
func (s NodeStatus) IsFinal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// StatusEvent reports that a node of a run changed state
type StatusEvent struct {
	RunID      string     `json:"session_id"`
	NodeID     string     `json:"node_id"`
	Status     NodeStatus `json:"status"`
	ReceivedAt time.Time  `json:"-"`
}

// Envelope types carried on the status stream
const (
	EnvelopeNodeStatus      = "node_status"
	EnvelopeSessionReopened = "session_reopened"
	EnvelopeAssigned        = "assigned"
)

// Envelope is the JSON message pushed to status stream subscribers.
// Only node_status envelopes carry a node id and status; other types describe
// session lifecycle and are passed through untouched.
type Envelope struct {
	Type      string          `json:"type"`
	CompanyID string          `json:"company_id,omitempty"`
	SessionID string          `json:"session_id"`
	NodeID    string          `json:"node_id,omitempty"`
	Status    string          `json:"status,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// UnmarshalJSON accepts bare {node_id, status} messages as node_status envelopes
func (e *Envelope) UnmarshalJSON(b []byte) error {
	type plain Envelope
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	if p.Type == "" && p.NodeID != "" {
		p.Type = EnvelopeNodeStatus
	}
	*e = Envelope(p)
	return nil
}

// NewStatusEnvelope builds a node_status envelope
func NewStatusEnvelope(companyID, sessionID, nodeID string, status NodeStatus) Envelope {
	return Envelope{
		Type:      EnvelopeNodeStatus,
		CompanyID: companyID,
		SessionID: sessionID,
		NodeID:    nodeID,
		Status:    string(status),
		Timestamp: time.Now(),
	}
}

// StatusEvent extracts the node status carried by a node_status envelope.
// ok is false for lifecycle envelopes.
func (e Envelope) StatusEvent() (StatusEvent, bool, error) {
	if e.Type != EnvelopeNodeStatus {
		return StatusEvent{}, false, nil
	}
	if e.NodeID == "" {
		return StatusEvent{}, false, fmt.Errorf("node_status envelope for session %s has no node_id", e.SessionID)
	}
	status, err := ParseNodeStatus(e.Status)
	if err != nil {
		return StatusEvent{}, false, err
	}
	received := e.Timestamp
	if received.IsZero() {
		received = time.Now()
	}
	return StatusEvent{
		RunID:      e.SessionID,
		NodeID:     e.NodeID,
		Status:     status,
		ReceivedAt: received,
	}, true, nil
}
