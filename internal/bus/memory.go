// Package bus carries summary and session-ended notifications between
// coordinator instances. Every instance subscribes, so the publishing
// instance receives its own messages and delivers them like any other.
package bus

import (
	"context"
	"log/slog"
	"sync"

	"rollcall/pkg/interfaces"
	"rollcall/pkg/types"
)

// subscriberBuffer bounds how far a slow subscriber may lag.
const subscriberBuffer = 256

// MemoryBus fans messages out to in-process subscribers.
type MemoryBus struct {
	mu     sync.Mutex
	subs   map[*memorySubscription]struct{}
	logger *slog.Logger
}

// NewMemoryBus creates an empty bus. A nil logger discards output.
func NewMemoryBus(logger *slog.Logger) *MemoryBus {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &MemoryBus{
		subs:   make(map[*memorySubscription]struct{}),
		logger: logger,
	}
}

// Publish delivers msg to every subscriber.
// FUNCTIONAL DISCOVERY: A lagging subscriber drops the message; the next
// summary supersedes it
func (b *MemoryBus) Publish(ctx context.Context, msg types.BusMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subs {
		select {
		case sub.ch <- msg:
		default:
			b.logger.Warn("dropping bus message for lagging subscriber",
				"kind", msg.Kind, "class_id", msg.ClassID)
		}
	}
	return nil
}

// Subscribe registers a subscriber.
func (b *MemoryBus) Subscribe(ctx context.Context) (interfaces.Subscription, error) {
	sub := &memorySubscription{
		bus: b,
		ch:  make(chan types.BusMessage, subscriberBuffer),
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub, nil
}

type memorySubscription struct {
	bus *MemoryBus
	ch  chan types.BusMessage
}

func (s *memorySubscription) Messages() <-chan types.BusMessage { return s.ch }

// Close unsubscribes and closes the message channel. Safe to call twice.
func (s *memorySubscription) Close() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	if _, ok := s.bus.subs[s]; ok {
		delete(s.bus.subs, s)
		close(s.ch)
	}
	return nil
}
