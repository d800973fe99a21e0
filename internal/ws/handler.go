package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/HerbHall/keybunker/internal/event"
	"github.com/HerbHall/keybunker/internal/policy"
	"github.com/HerbHall/keybunker/internal/provision"
	"github.com/HerbHall/keybunker/internal/signer"
)

// Handler serves the live dashboard stream: every bus event the dashboard
// cares about, pushed over a websocket.
type Handler struct {
	hub    *Hub
	bus    *event.Bus
	logger *zap.Logger
}

// NewHandler creates the stream handler and subscribes it to the bus.
func NewHandler(bus *event.Bus, logger *zap.Logger) *Handler {
	h := &Handler{
		hub:    NewHub(logger),
		bus:    bus,
		logger: logger,
	}
	h.subscribe()
	return h
}

// RegisterRoutes registers the stream route on the server mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", h.handleStream)
}

// ClientCount reports connected dashboards.
func (h *Handler) ClientCount() int {
	return h.hub.ClientCount()
}

// handleStream upgrades the connection and streams events until the
// client goes away.
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// The dashboard may be served from another origin; the stream
		// carries no secrets beyond what the JSON API already exposes.
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.logger.Error("websocket accept failed", zap.Error(err))
		return
	}

	client := &Client{
		conn:   conn,
		remote: r.RemoteAddr,
		send:   make(chan Message, 256),
		logger: h.logger,
	}

	h.hub.Register(client)

	ctx := r.Context()
	done := make(chan struct{})
	go func() {
		client.writePump(ctx)
		close(done)
	}()

	// readPump blocks until the client disconnects.
	client.readPump(ctx)

	h.hub.Unregister(client)
	conn.Close(websocket.StatusNormalClosure, "")
	<-done
}

// subscribe forwards bus events to all connected dashboards.
func (h *Handler) subscribe() {
	if h.bus == nil {
		return
	}

	h.bus.Subscribe(event.TopicRequestCreated, func(_ context.Context, evt event.Event) {
		pending, ok := evt.Payload.(*policy.PendingRequest)
		if !ok {
			return
		}
		ttl := int(time.Until(pending.CreatedAt.Add(policy.PendingTTL)).Seconds())
		if ttl < 0 {
			ttl = 0
		}
		h.hub.Broadcast(Message{
			Type:      MessageRequestPending,
			Timestamp: evt.Timestamp,
			Data: RequestPendingData{
				ID:           pending.ID,
				KeyName:      pending.KeyName,
				RemotePubkey: pending.RemotePubkey,
				Method:       pending.Method,
				TTLSeconds:   ttl,
			},
		})
	})

	h.bus.Subscribe(event.TopicRequestDecided, func(_ context.Context, evt event.Event) {
		pending, ok := evt.Payload.(*policy.PendingRequest)
		if !ok || pending.Allowed == nil {
			return
		}
		h.hub.Broadcast(Message{
			Type:      MessageRequestDecided,
			Timestamp: evt.Timestamp,
			Data: RequestDecidedData{
				ID:      pending.ID,
				KeyName: pending.KeyName,
				Method:  pending.Method,
				Allowed: *pending.Allowed,
			},
		})
	})

	h.bus.Subscribe(event.TopicKeyUnlocked, func(_ context.Context, evt event.Event) {
		key, ok := evt.Payload.(signer.KeyUnlocked)
		if !ok {
			return
		}
		h.hub.Broadcast(Message{
			Type:      MessageKeyUnlocked,
			Timestamp: evt.Timestamp,
			Data:      KeyUnlockedData{Name: key.Name, Npub: key.Npub},
		})
	})

	h.bus.Subscribe(event.TopicKeyUserRevoked, func(_ context.Context, evt event.Event) {
		user, ok := evt.Payload.(*policy.KeyUser)
		if !ok {
			return
		}
		h.hub.Broadcast(Message{
			Type:      MessageAppRevoked,
			Timestamp: evt.Timestamp,
			Data: AppRevokedData{
				ID:         user.ID,
				KeyName:    user.KeyName,
				UserPubkey: user.UserPubkey,
			},
		})
	})

	h.bus.Subscribe(event.TopicAccountCreated, func(_ context.Context, evt event.Event) {
		account, ok := evt.Payload.(provision.AccountCreated)
		if !ok {
			return
		}
		h.hub.Broadcast(Message{
			Type:      MessageAccountCreated,
			Timestamp: evt.Timestamp,
			Data: AccountCreatedData{
				KeyName: account.KeyName,
				Pubkey:  account.Pubkey,
			},
		})
	})

	h.logger.Debug("stream handler subscribed to bus events")
}
