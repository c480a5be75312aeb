package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"rollcall/pkg/interfaces"
	"rollcall/pkg/types"
)

func newRedisTestBus(t *testing.T) (*RedisBus, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisBus(client, "", nil), mr
}

func busFactories(t *testing.T) map[string]func() interfaces.Bus {
	return map[string]func() interfaces.Bus{
		"memory": func() interfaces.Bus { return NewMemoryBus(nil) },
		"redis": func() interfaces.Bus {
			b, _ := newRedisTestBus(t)
			return b
		},
	}
}

func receive(t *testing.T, sub interfaces.Subscription) types.BusMessage {
	t.Helper()
	select {
	case msg, ok := <-sub.Messages():
		if !ok {
			t.Fatal("Subscription closed unexpectedly")
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for bus message")
	}
	return types.BusMessage{}
}

func TestBus_PublishReachesEverySubscriber(t *testing.T) {
	for name, factory := range busFactories(t) {
		t.Run(name, func(t *testing.T) {
			b := factory()
			ctx := context.Background()

			first, err := b.Subscribe(ctx)
			if err != nil {
				t.Fatalf("Subscribe failed: %v", err)
			}
			defer func() { _ = first.Close() }()
			second, err := b.Subscribe(ctx)
			if err != nil {
				t.Fatalf("Subscribe failed: %v", err)
			}
			defer func() { _ = second.Close() }()

			msg := types.BusMessage{
				Kind:    types.BusSummary,
				ClassID: "10A",
				Summary: &types.SessionSummary{PresentCount: 1, AbsentCount: 1, TotalMarked: 2, TotalRoster: 3},
				Origin:  "node-1",
			}
			if err := b.Publish(ctx, msg); err != nil {
				t.Fatalf("Publish failed: %v", err)
			}

			for _, sub := range []interfaces.Subscription{first, second} {
				got := receive(t, sub)
				if got.Kind != types.BusSummary || got.ClassID != "10A" || got.Origin != "node-1" {
					t.Errorf("Unexpected message: %+v", got)
				}
				if got.Summary == nil || *got.Summary != *msg.Summary {
					t.Errorf("Summary mismatch: %+v", got.Summary)
				}
			}
		})
	}
}

func TestBus_PreservesOrderWithinClass(t *testing.T) {
	for name, factory := range busFactories(t) {
		t.Run(name, func(t *testing.T) {
			b := factory()
			ctx := context.Background()
			sub, err := b.Subscribe(ctx)
			if err != nil {
				t.Fatalf("Subscribe failed: %v", err)
			}
			defer func() { _ = sub.Close() }()

			for i := 1; i <= 5; i++ {
				msg := types.BusMessage{
					Kind:    types.BusSummary,
					ClassID: "10A",
					Summary: &types.SessionSummary{PresentCount: i},
				}
				if err := b.Publish(ctx, msg); err != nil {
					t.Fatalf("Publish failed: %v", err)
				}
			}

			for i := 1; i <= 5; i++ {
				got := receive(t, sub)
				if got.Summary.PresentCount != i {
					t.Fatalf("Expected message %d, got %d", i, got.Summary.PresentCount)
				}
			}
		})
	}
}

func TestBus_CloseEndsSubscription(t *testing.T) {
	for name, factory := range busFactories(t) {
		t.Run(name, func(t *testing.T) {
			b := factory()
			sub, err := b.Subscribe(context.Background())
			if err != nil {
				t.Fatalf("Subscribe failed: %v", err)
			}
			if err := sub.Close(); err != nil {
				t.Fatalf("Close failed: %v", err)
			}
			_ = sub.Close()

			select {
			case _, ok := <-sub.Messages():
				if ok {
					t.Error("Expected closed channel")
				}
			case <-time.After(2 * time.Second):
				t.Fatal("Messages channel not closed after Close")
			}

			if err := b.Publish(context.Background(), types.BusMessage{Kind: types.BusSummary, ClassID: "10A"}); err != nil {
				t.Errorf("Publish after unsubscribe should not fail: %v", err)
			}
		})
	}
}

func TestMemoryBus_DropsForLaggingSubscriber(t *testing.T) {
	b := NewMemoryBus(nil)
	sub, _ := b.Subscribe(context.Background())
	defer func() { _ = sub.Close() }()

	for i := 0; i < subscriberBuffer+10; i++ {
		if err := b.Publish(context.Background(), types.BusMessage{Kind: types.BusSummary, ClassID: "10A"}); err != nil {
			t.Fatalf("Publish must not block or fail: %v", err)
		}
	}
	if got := len(sub.Messages()); got != subscriberBuffer {
		t.Errorf("Expected buffer full at %d, got %d", subscriberBuffer, got)
	}
}

func TestRedisBus_PublishUnavailable(t *testing.T) {
	b, mr := newRedisTestBus(t)
	mr.Close()

	err := b.Publish(context.Background(), types.BusMessage{Kind: types.BusSummary, ClassID: "10A"})
	if !errors.Is(err, types.ErrStoreUnavailable) {
		t.Errorf("Expected ErrStoreUnavailable, got %v", err)
	}
}

func TestRedisBus_DiscardsGarbagePayload(t *testing.T) {
	b, mr := newRedisTestBus(t)
	sub, err := b.Subscribe(context.Background())
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() { _ = sub.Close() }()

	mr.Publish("rollcall:class:10A", "\xff\xfe not cbor")
	if err := b.Publish(context.Background(), types.BusMessage{Kind: types.BusSessionEnded, ClassID: "10A"}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	got := receive(t, sub)
	if got.Kind != types.BusSessionEnded {
		t.Errorf("Expected garbage skipped and SESSION_ENDED delivered, got %+v", got)
	}
}
