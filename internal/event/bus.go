// Package event provides the in-process event bus that fans daemon
// happenings (pending requests, decisions, key loads) out to listeners such
// as the websocket hub.
package event

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Topics published on the bus. Payload types are documented per topic.
const (
	// TopicRequestCreated fires when a pending authorization request is
	// persisted. Payload: *policy.PendingRequest.
	TopicRequestCreated = "request.created"
	// TopicRequestDecided fires when an admin approves or denies a pending
	// request. Payload: *policy.PendingRequest (decided form).
	TopicRequestDecided = "request.decided"
	// TopicKeyUnlocked fires when a user key becomes active and its signer
	// endpoint starts. Payload: signer.KeyUnlocked.
	TopicKeyUnlocked = "key.unlocked"
	// TopicKeyUserRevoked fires when an app authorization is soft-revoked.
	// Payload: *policy.KeyUser.
	TopicKeyUserRevoked = "keyuser.revoked"
	// TopicAccountCreated fires when provisioning completes a new account.
	// Payload: provision.AccountCreated.
	TopicAccountCreated = "account.created"
)

// Event is one bus message.
type Event struct {
	Topic     string
	Source    string
	Timestamp time.Time
	Payload   any
}

// New builds an Event stamped with the current time.
func New(topic, source string, payload any) Event {
	return Event{Topic: topic, Source: source, Timestamp: time.Now().UTC(), Payload: payload}
}

// Handler receives published events.
type Handler func(ctx context.Context, event Event)

// Bus is an in-memory event bus. Publish is synchronous (handlers run in
// the caller's goroutine); PublishAsync dispatches handlers in separate
// goroutines.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]handlerEntry // topic -> handlers
	allSubs  []handlerEntry            // handlers subscribed to all topics
	nextID   uint64
	logger   *zap.Logger
}

type handlerEntry struct {
	id      uint64
	handler Handler
}

// NewBus creates a new in-memory event bus.
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		handlers: make(map[string][]handlerEntry),
		logger:   logger,
	}
}

// Publish dispatches an event synchronously to all matching handlers.
func (b *Bus) Publish(ctx context.Context, event Event) {
	for _, h := range b.snapshot(event.Topic) {
		b.safeCall(ctx, h.handler, event)
	}
}

// PublishAsync dispatches an event asynchronously to all matching handlers.
func (b *Bus) PublishAsync(ctx context.Context, event Event) {
	for _, h := range b.snapshot(event.Topic) {
		go b.safeCall(ctx, h.handler, event)
	}
}

func (b *Bus) snapshot(topic string) []handlerEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	entries := make([]handlerEntry, 0, len(b.handlers[topic])+len(b.allSubs))
	entries = append(entries, b.handlers[topic]...)
	entries = append(entries, b.allSubs...)
	return entries
}

// Subscribe registers a handler for a specific topic. Returns an unsubscribe function.
func (b *Bus) Subscribe(topic string, handler Handler) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers[topic] = append(b.handlers[topic], handlerEntry{id: id, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		entries := b.handlers[topic]
		for i, e := range entries {
			if e.id == id {
				b.handlers[topic] = append(entries[:i], entries[i+1:]...)
				return
			}
		}
	}
}

// SubscribeAll registers a handler for all topics. Returns an unsubscribe function.
func (b *Bus) SubscribeAll(handler Handler) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.allSubs = append(b.allSubs, handlerEntry{id: id, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, e := range b.allSubs {
			if e.id == id {
				b.allSubs = append(b.allSubs[:i], b.allSubs[i+1:]...)
				return
			}
		}
	}
}

func (b *Bus) safeCall(ctx context.Context, handler Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("topic", event.Topic),
				zap.String("source", event.Source),
				zap.Any("panic", r),
			)
		}
	}()
	handler(ctx, event)
}
