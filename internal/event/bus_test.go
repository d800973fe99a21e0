package event

import (
	"context"
	"sync"
	"testing"

	"go.uber.org/zap"
)

func TestPublishSubscribe(t *testing.T) {
	bus := NewBus(zap.NewNop())
	ctx := context.Background()

	var got []string
	unsub := bus.Subscribe(TopicRequestCreated, func(_ context.Context, e Event) {
		got = append(got, e.Topic)
	})

	bus.Publish(ctx, New(TopicRequestCreated, "test", nil))
	bus.Publish(ctx, New(TopicRequestDecided, "test", nil))

	if len(got) != 1 || got[0] != TopicRequestCreated {
		t.Errorf("handler saw %v", got)
	}

	unsub()
	bus.Publish(ctx, New(TopicRequestCreated, "test", nil))
	if len(got) != 1 {
		t.Error("handler called after unsubscribe")
	}
}

func TestSubscribeAll(t *testing.T) {
	bus := NewBus(zap.NewNop())
	ctx := context.Background()

	var count int
	bus.SubscribeAll(func(_ context.Context, _ Event) { count++ })

	bus.Publish(ctx, New(TopicRequestCreated, "test", nil))
	bus.Publish(ctx, New(TopicKeyUnlocked, "test", nil))
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}
}

func TestPublishAsync(t *testing.T) {
	bus := NewBus(zap.NewNop())

	var wg sync.WaitGroup
	wg.Add(2)
	bus.Subscribe(TopicAccountCreated, func(_ context.Context, _ Event) { wg.Done() })
	bus.SubscribeAll(func(_ context.Context, _ Event) { wg.Done() })

	bus.PublishAsync(context.Background(), New(TopicAccountCreated, "test", "payload"))
	wg.Wait()
}

func TestHandlerPanicIsContained(t *testing.T) {
	bus := NewBus(zap.NewNop())
	ctx := context.Background()

	var after bool
	bus.Subscribe(TopicRequestDecided, func(_ context.Context, _ Event) { panic("boom") })
	bus.Subscribe(TopicRequestDecided, func(_ context.Context, _ Event) { after = true })

	bus.Publish(ctx, New(TopicRequestDecided, "test", nil))
	if !after {
		t.Error("panic in one handler stopped the others")
	}
}
