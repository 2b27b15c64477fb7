package statusbus

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/tcmartin/flowstudio/pkg/runtime"
)

const defaultBuffer = 64

// MemoryBus is an in-process Bus
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[string]map[*memorySubscription]bool
	buffer int
	closed bool
}

// NewMemoryBus creates an in-process bus. Slow subscribers lose envelopes
// once buffer envelopes are pending.
func NewMemoryBus(buffer int) *MemoryBus {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &MemoryBus{
		subs:   make(map[string]map[*memorySubscription]bool),
		buffer: buffer,
	}
}

type memorySubscription struct {
	bus   *MemoryBus
	topic string
	ch    chan runtime.Envelope
	once  sync.Once
}

func (s *memorySubscription) Events() <-chan runtime.Envelope {
	return s.ch
}

func (s *memorySubscription) Close() error {
	s.bus.remove(s)
	return nil
}

// Publish implements Bus
func (b *MemoryBus) Publish(ctx context.Context, env runtime.Envelope) error {
	if err := validateAddress(env.CompanyID, env.SessionID); err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	for sub := range b.subs[Topic(env.CompanyID, env.SessionID)] {
		select {
		case sub.ch <- env:
		case <-ctx.Done():
			return ctx.Err()
		default:
			log.Warn().
				Str("company_id", env.CompanyID).
				Str("session_id", env.SessionID).
				Msg("Status subscriber is full, dropping envelope")
		}
	}
	return nil
}

// Subscribe implements Bus
func (b *MemoryBus) Subscribe(ctx context.Context, companyID, sessionID string) (Subscription, error) {
	if err := validateAddress(companyID, sessionID); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	topic := Topic(companyID, sessionID)
	sub := &memorySubscription{
		bus:   b,
		topic: topic,
		ch:    make(chan runtime.Envelope, b.buffer),
	}
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[*memorySubscription]bool)
	}
	b.subs[topic][sub] = true
	return sub, nil
}

// Subscribers returns the number of live subscriptions for a session
func (b *MemoryBus) Subscribers(companyID, sessionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[Topic(companyID, sessionID)])
}

// Close implements Bus
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for topic, subs := range b.subs {
		for sub := range subs {
			sub.once.Do(func() { close(sub.ch) })
		}
		delete(b.subs, topic)
	}
	return nil
}

func (b *MemoryBus) remove(sub *memorySubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs, ok := b.subs[sub.topic]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(b.subs, sub.topic)
		}
	}
	sub.once.Do(func() { close(sub.ch) })
}
