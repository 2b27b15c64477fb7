// Package projector keeps the last known execution status of every node of one
// workflow run. The status map is published as immutable snapshots so render
// paths can read it without locking while events stream in.
package projector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tcmartin/flowstudio/pkg/runtime"
)

// ErrNoRun is returned when opening a projection without a run id
var ErrNoRun = errors.New("run id is required")

// State describes the subscription behind a snapshot
type State string

const (
	StateIdle      State = "idle"
	StateStreaming State = "streaming"
	StateUnknown   State = "unknown"
	StateClosed    State = "closed"
)

// Handler receives envelopes from a Source in arrival order
type Handler func(runtime.Envelope)

// Source delivers the status stream of one run.
// Stream blocks until the stream ends or ctx is cancelled.
type Source interface {
	Stream(ctx context.Context, runID string, fn Handler) error
}

// SourceFunc adapts a function to Source
type SourceFunc func(ctx context.Context, runID string, fn Handler) error

func (f SourceFunc) Stream(ctx context.Context, runID string, fn Handler) error {
	return f(ctx, runID, fn)
}

// Snapshot is an immutable view of the status map. Never modify a snapshot's map.
type Snapshot struct {
	RunID     string
	State     State
	Statuses  map[string]runtime.NodeStatus
	Err       error
	UpdatedAt time.Time
}

// Status returns the last status of a node
func (s *Snapshot) Status(nodeID string) (runtime.NodeStatus, bool) {
	st, ok := s.Statuses[nodeID]
	return st, ok
}

// Notification is the transient message surfaced for each applied event
type Notification struct {
	RunID   string
	NodeID  string
	Status  runtime.NodeStatus
	Message string
}

// Notifier is called after each applied event, in order, on a goroutine of
// its own. It may call Open or Close. Notifications still queued when the run
// is closed or replaced are dropped.
type Notifier func(Notification)

// Option configures a Projector
type Option func(*Projector)

// WithNotifier registers the callback receiving per-event notifications
func WithNotifier(n Notifier) Option {
	return func(p *Projector) {
		p.notifier = n
	}
}

// Projector owns the status map of the run currently being watched
type Projector struct {
	snap     atomic.Pointer[Snapshot]
	gen      atomic.Uint64
	notifier Notifier

	// lifecycle serialises Open and Close
	lifecycle  sync.Mutex
	cancel     context.CancelFunc
	streamDone chan struct{}
	done       chan struct{}

	// applyMu serialises snapshot replacement
	applyMu sync.Mutex
}

// New creates an idle projector
func New(opts ...Option) *Projector {
	p := &Projector{}
	for _, opt := range opts {
		opt(p)
	}
	p.snap.Store(&Snapshot{
		State:     StateIdle,
		Statuses:  map[string]runtime.NodeStatus{},
		UpdatedAt: time.Now(),
	})
	return p
}

// Snapshot returns the current status snapshot
func (p *Projector) Snapshot() *Snapshot {
	return p.snap.Load()
}

// Open starts watching a run. Any previous subscription is torn down and its
// statuses discarded before the new stream is consumed.
func (p *Projector) Open(ctx context.Context, runID string, src Source) error {
	if runID == "" {
		return ErrNoRun
	}
	if src == nil {
		return fmt.Errorf("no status source for run %s", runID)
	}

	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()

	p.stopLocked()

	gen := p.gen.Add(1)
	p.publish(gen, func(*Snapshot) *Snapshot {
		return &Snapshot{
			RunID:     runID,
			State:     StateStreaming,
			Statuses:  map[string]runtime.NodeStatus{},
			UpdatedAt: time.Now(),
		}
	})

	streamCtx, cancel := context.WithCancel(ctx)
	streamDone := make(chan struct{})
	done := make(chan struct{})
	p.cancel = cancel
	p.streamDone = streamDone
	p.done = done

	var notes *noticeQueue
	if p.notifier != nil {
		notes = newNoticeQueue()
	}

	go func() {
		defer close(streamDone)
		if notes != nil {
			defer notes.close()
		}
		err := src.Stream(streamCtx, runID, func(env runtime.Envelope) {
			if n, ok := p.apply(gen, runID, env); ok && notes != nil {
				notes.push(n)
			}
		})
		if streamCtx.Err() != nil && p.gen.Load() != gen {
			return
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Warn().Err(err).Str("run_id", runID).Msg("Status stream failed")
		} else {
			log.Info().Str("run_id", runID).Msg("Status stream ended")
		}
		p.publish(gen, func(cur *Snapshot) *Snapshot {
			next := *cur
			next.State = StateUnknown
			next.Err = err
			next.UpdatedAt = time.Now()
			return &next
		})
	}()

	go func() {
		defer close(done)
		if notes != nil {
			for n, ok := notes.pop(); ok; n, ok = notes.pop() {
				if p.gen.Load() == gen {
					p.notifier(n)
				}
			}
		}
		<-streamDone
	}()

	log.Info().Str("run_id", runID).Msg("Watching run status")
	return nil
}

// Close ends the subscription and clears the status map
func (p *Projector) Close() {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()

	p.stopLocked()

	gen := p.gen.Add(1)
	p.publish(gen, func(*Snapshot) *Snapshot {
		return &Snapshot{
			State:     StateClosed,
			Statuses:  map[string]runtime.NodeStatus{},
			UpdatedAt: time.Now(),
		}
	})
}

// Done returns a channel closed when the current subscription has ended and
// its notifications have been delivered. It is nil when nothing was ever opened.
func (p *Projector) Done() <-chan struct{} {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()
	return p.done
}

// stopLocked cancels the running subscription and waits for its stream
// goroutine. The notifier goroutine is not awaited; it drops what is left.
func (p *Projector) stopLocked() {
	if p.cancel == nil {
		return
	}
	// bump first so the exiting stream does not mark its run unknown
	p.gen.Add(1)
	p.cancel()
	<-p.streamDone
	p.cancel = nil
}

// apply merges one envelope into the snapshot of run gen and returns the
// notification for it. ok is false when nothing was applied.
func (p *Projector) apply(gen uint64, runID string, env runtime.Envelope) (Notification, bool) {
	if env.SessionID != "" && env.SessionID != runID {
		log.Debug().Str("run_id", runID).Str("session_id", env.SessionID).Msg("Dropping event for another run")
		return Notification{}, false
	}

	ev, ok, err := env.StatusEvent()
	if err != nil {
		log.Warn().Err(err).Str("run_id", runID).Str("node_id", env.NodeID).Msg("Dropping malformed status event")
		return Notification{}, false
	}
	if !ok {
		return Notification{}, false
	}

	applied := p.publish(gen, func(cur *Snapshot) *Snapshot {
		statuses := make(map[string]runtime.NodeStatus, len(cur.Statuses)+1)
		for id, st := range cur.Statuses {
			statuses[id] = st
		}
		statuses[ev.NodeID] = ev.Status
		return &Snapshot{
			RunID:     cur.RunID,
			State:     StateStreaming,
			Statuses:  statuses,
			UpdatedAt: ev.ReceivedAt,
		}
	})
	if !applied {
		return Notification{}, false
	}
	return Notification{
		RunID:   runID,
		NodeID:  ev.NodeID,
		Status:  ev.Status,
		Message: fmt.Sprintf("node %s is now %s", ev.NodeID, ev.Status),
	}, true
}

// publish swaps in the snapshot built by next when gen is still current
func (p *Projector) publish(gen uint64, next func(*Snapshot) *Snapshot) bool {
	p.applyMu.Lock()
	defer p.applyMu.Unlock()
	if p.gen.Load() != gen {
		return false
	}
	p.snap.Store(next(p.snap.Load()))
	return true
}
