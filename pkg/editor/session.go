// Package editor holds the authoring session of one workflow: the graph being
// edited, save gating on structural validation, and the status overlay of the
// run started from it.
package editor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/tcmartin/flowstudio/pkg/client"
	"github.com/tcmartin/flowstudio/pkg/projector"
	"github.com/tcmartin/flowstudio/pkg/runtime"
	"github.com/tcmartin/flowstudio/pkg/workflow"
)

// Errors returned by editor sessions
var (
	// ErrLoadFailed means the document could not be fetched; there is nothing to edit
	ErrLoadFailed = errors.New("failed to load workflow")
	ErrNotSaved   = errors.New("workflow has not been saved yet")
	ErrNameEmpty  = errors.New("workflow name is required")
)

// Backend is the document service a session loads from and saves to.
// *client.Client implements it.
type Backend interface {
	Get(ctx context.Context, id string) (*workflow.Document, error)
	Create(ctx context.Context, req workflow.SaveRequest) (*workflow.Document, error)
	Update(ctx context.Context, id string, req workflow.SaveRequest) (*workflow.Document, error)
	StartRun(ctx context.Context, id string, req client.RunStartRequest) (runtime.Run, error)
}

// Option configures a Session
type Option func(*Session)

// WithNotifier receives one notification per applied status event of the watched run
func WithNotifier(n projector.Notifier) Option {
	return func(s *Session) {
		s.notifier = n
	}
}

// Session is one author's editing session. All graph mutations go through the
// session so there is a single writer; readers get clones.
type Session struct {
	backend  Backend
	notifier projector.Notifier
	status   *projector.Projector

	mu          sync.Mutex
	id          string
	name        string
	description string
	version     int
	graph       *workflow.Graph

	// saveMu orders concurrent saves
	saveMu sync.Mutex
}

// New starts a session for a workflow that does not exist yet.
// The graph is seeded with a start node.
func New(backend Backend, name string, opts ...Option) *Session {
	s := &Session{
		backend: backend,
		name:    name,
		graph:   workflow.NewSeededGraph(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.status = projector.New(projector.WithNotifier(s.notifier))
	return s
}

// Open loads a stored workflow into a new session
func Open(ctx context.Context, backend Backend, id string, opts ...Option) (*Session, error) {
	doc, err := backend.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w %s: %w", ErrLoadFailed, id, err)
	}
	g, err := doc.Graph()
	if err != nil {
		return nil, fmt.Errorf("%w %s: %w", ErrLoadFailed, id, err)
	}

	s := New(backend, doc.Name, opts...)
	s.id = doc.ID
	s.description = doc.Description
	s.version = doc.Version
	s.graph = g

	log.Debug().Str("workflow_id", doc.ID).Int("version", doc.Version).Int("nodes", g.Len()).Msg("Opened workflow")
	return s, nil
}

// ID returns the workflow id, empty until the first save
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Version returns the last version loaded or saved
func (s *Session) Version() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Name returns the workflow name
func (s *Session) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// Rename changes the name and description sent with the next save
func (s *Session) Rename(name, description string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.name = name
	s.description = description
}

// Graph returns a copy of the current graph
func (s *Session) Graph() *workflow.Graph {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.graph.Clone()
}

// Edit applies fn to the graph under the session lock.
// The graph must not be retained after fn returns.
func (s *Session) Edit(fn func(g *workflow.Graph) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.graph)
}

// AddNode adds a node of the given kind
func (s *Session) AddNode(id string, kind workflow.NodeKind, label string) (workflow.Node, error) {
	n, err := workflow.NewNode(id, kind, label)
	if err != nil {
		return workflow.Node{}, err
	}
	return n, s.Edit(func(g *workflow.Graph) error {
		return g.AddNode(n)
	})
}

// RemoveNode removes a node with its edges
func (s *Session) RemoveNode(id string) {
	s.Edit(func(g *workflow.Graph) error {
		g.RemoveNode(id)
		return nil
	})
}

// Connect adds an edge from source to target leaving through handle
func (s *Session) Connect(source, target, handle string) (workflow.Edge, error) {
	var added workflow.Edge
	err := s.Edit(func(g *workflow.Graph) error {
		var err error
		added, err = g.AddEdge(workflow.Edge{Source: source, Target: target, SourceHandle: handle})
		return err
	})
	return added, err
}

// Disconnect removes an edge
func (s *Session) Disconnect(edgeID string) {
	s.Edit(func(g *workflow.Graph) error {
		g.RemoveEdge(edgeID)
		return nil
	})
}

// Configure merges patch into a node's configuration
func (s *Session) Configure(nodeID string, patch map[string]any) error {
	return s.Edit(func(g *workflow.Graph) error {
		return g.UpdateNodeConfig(nodeID, patch)
	})
}

// SetLabel renames a node
func (s *Session) SetLabel(nodeID, label string) {
	s.Edit(func(g *workflow.Graph) error {
		g.SetLabel(nodeID, label)
		return nil
	})
}

// Violations validates the current graph
func (s *Session) Violations() []workflow.Violation {
	return workflow.Validate(s.Graph())
}

// Variables lists the variable suggestions for a node of the current graph
func (s *Session) Variables(nodeID string) ([]workflow.Suggestion, error) {
	g := s.Graph()
	if !g.HasNode(nodeID) {
		return nil, fmt.Errorf("%w: %s", workflow.ErrNodeNotFound, nodeID)
	}
	return workflow.Variables(g, nodeID), nil
}

// Save validates the graph as it is now and sends it to the backend.
// With violations nothing is sent and a *client.ValidationError is returned.
// A failed save leaves the graph as it is, including edits made while saving.
func (s *Session) Save(ctx context.Context) (*workflow.Document, error) {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.Lock()
	id, name, description := s.id, s.name, s.description
	snapshot := s.graph.Clone()
	s.mu.Unlock()

	if name == "" {
		return nil, ErrNameEmpty
	}
	if violations := workflow.Validate(snapshot); len(violations) > 0 {
		return nil, &client.ValidationError{Violations: violations}
	}

	req := workflow.NewSaveRequest(name, description, snapshot)
	var (
		doc *workflow.Document
		err error
	)
	if id == "" {
		doc, err = s.backend.Create(ctx, req)
	} else {
		doc, err = s.backend.Update(ctx, id, req)
	}
	if err != nil {
		log.Warn().Err(err).Str("workflow_id", id).Msg("Save failed")
		return nil, fmt.Errorf("failed to save workflow: %w", err)
	}

	s.mu.Lock()
	s.id = doc.ID
	s.version = doc.Version
	s.mu.Unlock()

	log.Info().Str("workflow_id", doc.ID).Int("version", doc.Version).Msg("Workflow saved")
	return doc, nil
}

// Run starts a run of the saved workflow and watches its status through src.
// Any previously watched run is dropped.
func (s *Session) Run(ctx context.Context, src projector.Source, input map[string]interface{}) (runtime.Run, error) {
	s.mu.Lock()
	id, version := s.id, s.version
	s.mu.Unlock()
	if id == "" {
		return runtime.Run{}, ErrNotSaved
	}

	run, err := s.backend.StartRun(ctx, id, client.RunStartRequest{Version: version, Input: input})
	if err != nil {
		return runtime.Run{}, fmt.Errorf("failed to start run: %w", err)
	}
	if err := s.status.Open(ctx, run.SessionID, src); err != nil {
		return run, err
	}
	return run, nil
}

// Watch follows the status of an already running session
func (s *Session) Watch(ctx context.Context, sessionID string, src projector.Source) error {
	return s.status.Open(ctx, sessionID, src)
}

// Status returns the status snapshot of the watched run
func (s *Session) Status() *projector.Snapshot {
	return s.status.Snapshot()
}

// Overlay composes the current graph with the watched run's statuses
func (s *Session) Overlay() []projector.NodeView {
	return projector.Overlay(s.Graph(), s.status.Snapshot())
}

// StopWatching ends the status subscription and clears the overlay
func (s *Session) StopWatching() {
	s.status.Close()
}

// Close releases the session
func (s *Session) Close() {
	s.status.Close()
}
