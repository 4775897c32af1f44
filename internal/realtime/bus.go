package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Bus publishes board-scoped events and hands out per-board subscriptions.
type Bus interface {
	Publish(ctx context.Context, event Event) error
	Subscribe(ctx context.Context, boardID string) (*Subscription, error)
}

// Subscription is an explicit handle over one board's event stream. Cancel
// must be called when the consumer goes away; a leaked subscription keeps
// mutating state for a board nobody is looking at.
type Subscription struct {
	events chan Event
	stop   func()
	once   sync.Once
}

func newSubscription(buffer int, stop func()) *Subscription {
	return &Subscription{
		events: make(chan Event, buffer),
		stop:   stop,
	}
}

// Events is closed after Cancel.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

func (s *Subscription) Cancel() {
	s.once.Do(func() {
		if s.stop != nil {
			s.stop()
		}
	})
}

func channelFor(boardID string) string {
	return "board:" + boardID
}

// RedisBus is the production bus: one Redis channel per board.
type RedisBus struct {
	client *redis.Client
	logger *zap.Logger
}

func NewRedisBus(client *redis.Client, logger *zap.Logger) *RedisBus {
	return &RedisBus{client: client, logger: logger}
}

func (b *RedisBus) Publish(ctx context.Context, event Event) error {
	encoded, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, channelFor(event.BoardID), encoded).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, boardID string) (*Subscription, error) {
	pubsub := b.client.Subscribe(ctx, channelFor(boardID))
	// Force the SUBSCRIBE round trip so a bad connection fails here, not on
	// the first missed event.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe board %s: %w", boardID, err)
	}

	done := make(chan struct{})
	sub := newSubscription(64, func() {
		close(done)
		_ = pubsub.Close()
	})

	go func() {
		defer close(sub.events)
		ch := pubsub.Channel()
		for {
			select {
			case <-done:
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var event Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					// Stream errors are logged only, never surfaced to users.
					b.logger.Warn("drop undecodable event",
						zap.String("board_id", boardID), zap.Error(err))
					continue
				}
				select {
				case sub.events <- event:
				case <-done:
					return
				}
			}
		}
	}()

	return sub, nil
}

// MemoryBus is an in-process bus used in tests and when Redis is not
// configured.
type MemoryBus struct {
	mu   sync.Mutex
	subs map[string]map[*Subscription]bool
	// Published keeps every event in publish order for test assertions.
	published []Event
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string]map[*Subscription]bool)}
}

// Publish delivers under the mutex so a concurrent Cancel cannot close a
// channel mid-send. Delivery never blocks, so holding the lock is cheap.
func (b *MemoryBus) Publish(_ context.Context, event Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.published = append(b.published, event)
	for sub := range b.subs[event.BoardID] {
		select {
		case sub.events <- event:
		default:
			// Slow consumer; drop rather than block the mutation path.
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(_ context.Context, boardID string) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var sub *Subscription
	sub = newSubscription(64, func() {
		b.mu.Lock()
		if set, ok := b.subs[boardID]; ok {
			delete(set, sub)
			if len(set) == 0 {
				delete(b.subs, boardID)
			}
		}
		// Close while still holding the lock; Publish holds it during
		// delivery, so no send can race the close.
		close(sub.events)
		b.mu.Unlock()
	})

	if b.subs[boardID] == nil {
		b.subs[boardID] = make(map[*Subscription]bool)
	}
	b.subs[boardID][sub] = true
	return sub, nil
}

// Published returns a copy of every event published so far.
func (b *MemoryBus) Published() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Event, len(b.published))
	copy(out, b.published)
	return out
}
