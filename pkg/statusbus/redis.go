package statusbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"

	"github.com/tcmartin/flowstudio/pkg/runtime"
)

// RedisBus is a Bus over Redis pub/sub, shared by every API replica.
// Like MemoryBus, a subscriber whose queue is full loses envelopes instead of
// stalling the Redis connection.
type RedisBus struct {
	client *redis.Client
	owned  bool
	buffer int
}

// NewRedisBus creates a bus connected to addr
func NewRedisBus(ctx context.Context, addr, password string, db int) (*RedisBus, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return &RedisBus{client: client, owned: true, buffer: defaultBuffer}, nil
}

// NewRedisBusWithClient creates a bus on an existing client. Close leaves the client open.
func NewRedisBusWithClient(client *redis.Client) *RedisBus {
	return &RedisBus{client: client, buffer: defaultBuffer}
}

// Publish implements Bus
func (b *RedisBus) Publish(ctx context.Context, env runtime.Envelope) error {
	if err := validateAddress(env.CompanyID, env.SessionID); err != nil {
		return err
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	if err := b.client.Publish(ctx, Topic(env.CompanyID, env.SessionID), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish status: %w", err)
	}
	return nil
}

// Subscribe implements Bus
func (b *RedisBus) Subscribe(ctx context.Context, companyID, sessionID string) (Subscription, error) {
	if err := validateAddress(companyID, sessionID); err != nil {
		return nil, err
	}

	topic := Topic(companyID, sessionID)
	pubsub := b.client.Subscribe(ctx, topic)
	// wait for the subscription to be confirmed so no publish is missed
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	sub := &redisSubscription{
		pubsub: pubsub,
		ch:     make(chan runtime.Envelope, b.buffer),
		done:   make(chan struct{}),
	}
	go sub.forward(topic)
	return sub, nil
}

// Close implements Bus
func (b *RedisBus) Close() error {
	if !b.owned {
		return nil
	}
	return b.client.Close()
}

type redisSubscription struct {
	pubsub *redis.PubSub
	ch     chan runtime.Envelope
	done   chan struct{}
	once   sync.Once

	dropped atomic.Uint64
}

func (s *redisSubscription) Events() <-chan runtime.Envelope {
	return s.ch
}

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.pubsub.Close()
	})
	return err
}

func (s *redisSubscription) forward(topic string) {
	defer close(s.ch)
	messages := s.pubsub.Channel()
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			var env runtime.Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				log.Warn().Err(err).Str("topic", topic).Msg("Ignoring malformed status envelope")
				continue
			}
			select {
			case s.ch <- env:
			case <-s.done:
				return
			default:
				s.dropped.Add(1)
				log.Warn().
					Str("company_id", env.CompanyID).
					Str("session_id", env.SessionID).
					Msg("Status subscriber is full, dropping envelope")
			}
		}
	}
}
