// Package signer terminates the remote-signing RPC protocol. An Endpoint
// binds one local key to the relays: it subscribes for kind-24133 events
// addressed to the key, decrypts and parses them, hands them to a Handler,
// and publishes the encrypted reply. The Service runs one endpoint per
// unlocked user key and implements the signing methods; the admin channel
// reuses Endpoint with its own handler.
package signer

import (
	"context"
	"fmt"
	"sync"

	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"

	"github.com/HerbHall/keybunker/internal/nip46"
)

// Transport is the relay surface an endpoint needs. *relay.Pool implements
// it; tests substitute an in-memory fake.
type Transport interface {
	Subscribe(ctx context.Context, filters nostr.Filters, handler func(*nostr.Event))
	Publish(ctx context.Context, evt nostr.Event) error
}

// Handler processes one decrypted request from a peer and returns the
// reply. Returning a zero Response suppresses the reply entirely (used for
// self-addressed heartbeats). Handlers may send intermediate responses
// through ep.Reply before returning.
type Handler func(ctx context.Context, ep *Endpoint, client string, req nip46.Request) nip46.Response

// How many undispatched events one client may queue before drops.
const clientQueueDepth = 64

// Endpoint is the protocol termination for one local key.
type Endpoint struct {
	name    string
	secret  string
	pubkey  string
	pool    Transport
	handler Handler
	respond func(peer string, resp nip46.Response)
	log     *zap.Logger

	sessMu   sync.Mutex
	sessions map[string]*nip46.Session

	queueMu sync.Mutex
	queues  map[string]chan *nostr.Event

	ctx    context.Context
	cancel context.CancelFunc
}

// NewEndpoint builds an endpoint for the key held as secretHex.
func NewEndpoint(name, secretHex string, pool Transport, handler Handler, log *zap.Logger) (*Endpoint, error) {
	if log == nil {
		log = zap.NewNop()
	}
	pub, err := nostr.GetPublicKey(secretHex)
	if err != nil {
		return nil, fmt.Errorf("derive endpoint pubkey: %w", err)
	}
	return &Endpoint{
		name:     name,
		secret:   secretHex,
		pubkey:   pub,
		pool:     pool,
		handler:  handler,
		log:      log.Named("endpoint").With(zap.String("key", name)),
		sessions: make(map[string]*nip46.Session),
		queues:   make(map[string]chan *nostr.Event),
	}, nil
}

// Pubkey returns the endpoint's public key in hex.
func (e *Endpoint) Pubkey() string {
	return e.pubkey
}

// Name returns the key name the endpoint serves.
func (e *Endpoint) Name() string {
	return e.name
}

// SetResponseHook registers a callback for reply envelopes addressed to
// this endpoint. Channels that issue their own requests (the admin
// channel's acl queries) use it to collect answers. Must be called before
// Start.
func (e *Endpoint) SetResponseHook(h func(peer string, resp nip46.Response)) {
	e.respond = h
}

// Start subscribes for protocol events addressed to this key. Events from
// one client are processed in arrival order; clients do not block each
// other. Runs until ctx is cancelled or Stop is called.
func (e *Endpoint) Start(ctx context.Context) {
	e.ctx, e.cancel = context.WithCancel(ctx)
	since := nostr.Now()
	filters := nostr.Filters{{
		Kinds: []int{nip46.Kind},
		Tags:  nostr.TagMap{"p": []string{e.pubkey}},
		Since: &since,
	}}
	e.pool.Subscribe(e.ctx, filters, e.dispatch)
	e.log.Info("endpoint listening", zap.String("pubkey", e.pubkey))
}

// Stop cancels the subscription and the client queues.
func (e *Endpoint) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
}

// dispatch routes a relay event into its client's serial queue. Events
// with a bad signature are dropped here: authorization keys off the author
// pubkey, so an unverified event must never reach a handler.
func (e *Endpoint) dispatch(evt *nostr.Event) {
	if evt.Kind != nip46.Kind {
		return
	}
	if ok, err := evt.CheckSignature(); err != nil || !ok {
		e.log.Debug("dropping event with invalid signature", zap.String("event", evt.ID))
		return
	}

	e.queueMu.Lock()
	q, ok := e.queues[evt.PubKey]
	if !ok {
		q = make(chan *nostr.Event, clientQueueDepth)
		e.queues[evt.PubKey] = q
		go e.drainClient(q)
	}
	e.queueMu.Unlock()

	select {
	case q <- evt:
	default:
		e.log.Warn("client queue full, dropping event",
			zap.String("client", evt.PubKey),
			zap.String("event", evt.ID))
	}
}

func (e *Endpoint) drainClient(q chan *nostr.Event) {
	for {
		select {
		case <-e.ctx.Done():
			return
		case evt := <-q:
			e.handleEvent(e.ctx, evt)
		}
	}
}

// handleEvent decrypts, parses, handles, and replies. Payloads that do not
// decrypt or do not parse are dropped without a reply: an error response
// would leak that the ciphertext reached a live signer.
func (e *Endpoint) handleEvent(ctx context.Context, evt *nostr.Event) {
	sess, err := e.session(evt.PubKey)
	if err != nil {
		e.log.Debug("session derivation failed", zap.String("client", evt.PubKey), zap.Error(err))
		return
	}
	plaintext, _, err := sess.Decrypt(evt.Content)
	if err != nil {
		e.log.Debug("dropping undecryptable payload",
			zap.String("client", evt.PubKey),
			zap.String("event", evt.ID))
		return
	}
	req, err := nip46.ParseRequest(plaintext)
	if err != nil {
		// Not a request. It may be a reply to one of our own queries.
		if e.respond != nil {
			if resp, rerr := nip46.ParseResponse(plaintext); rerr == nil {
				e.respond(evt.PubKey, resp)
				return
			}
		}
		e.log.Debug("dropping malformed envelope",
			zap.String("client", evt.PubKey),
			zap.String("event", evt.ID))
		return
	}

	e.log.Debug("rpc request",
		zap.String("client", evt.PubKey),
		zap.String("method", req.Method),
		zap.String("request", req.ID))

	resp := e.handler(ctx, e, evt.PubKey, req)
	if resp.ID == "" {
		return
	}
	if err := e.Reply(ctx, evt.PubKey, resp); err != nil {
		e.log.Warn("reply publish failed",
			zap.String("client", evt.PubKey),
			zap.String("request", req.ID),
			zap.Error(err))
	}
}

// Reply encrypts a response for a peer, mirroring the scheme of the peer's
// last request, and publishes it addressed to the peer.
func (e *Endpoint) Reply(ctx context.Context, peer string, resp nip46.Response) error {
	payload, err := resp.Encode()
	if err != nil {
		return err
	}
	sess, err := e.session(peer)
	if err != nil {
		return err
	}
	ciphertext, err := sess.Encrypt(payload, sess.ReplyScheme())
	if err != nil {
		return fmt.Errorf("encrypt reply: %w", err)
	}

	out := nostr.Event{
		Kind:      nip46.Kind,
		CreatedAt: nostr.Now(),
		Tags:      nostr.Tags{{"p", peer}},
		Content:   ciphertext,
	}
	if err := out.Sign(e.secret); err != nil {
		return fmt.Errorf("sign reply: %w", err)
	}
	return e.pool.Publish(ctx, out)
}

// Send encrypts and publishes a request authored by this endpoint, for
// flows where the bunker speaks first (admin notifications, heartbeats).
func (e *Endpoint) Send(ctx context.Context, peer string, req nip46.Request) error {
	payload, err := req.Encode()
	if err != nil {
		return err
	}
	sess, err := e.session(peer)
	if err != nil {
		return err
	}
	ciphertext, err := sess.Encrypt(payload, nip46.SchemeNIP04)
	if err != nil {
		return fmt.Errorf("encrypt request: %w", err)
	}

	out := nostr.Event{
		Kind:      nip46.Kind,
		CreatedAt: nostr.Now(),
		Tags:      nostr.Tags{{"p", peer}},
		Content:   ciphertext,
	}
	if err := out.Sign(e.secret); err != nil {
		return fmt.Errorf("sign request: %w", err)
	}
	return e.pool.Publish(ctx, out)
}

func (e *Endpoint) session(peer string) (*nip46.Session, error) {
	e.sessMu.Lock()
	defer e.sessMu.Unlock()
	if s, ok := e.sessions[peer]; ok {
		return s, nil
	}
	s, err := nip46.NewSession(e.secret, peer)
	if err != nil {
		return nil, err
	}
	e.sessions[peer] = s
	return s, nil
}
