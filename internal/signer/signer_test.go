package signer

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"

	"github.com/HerbHall/keybunker/internal/acl"
	"github.com/HerbHall/keybunker/internal/broker"
	"github.com/HerbHall/keybunker/internal/event"
	"github.com/HerbHall/keybunker/internal/nip46"
	"github.com/HerbHall/keybunker/internal/policy"
	"github.com/HerbHall/keybunker/internal/store"
	"github.com/HerbHall/keybunker/internal/vault"
)

// fakeTransport captures published events and lets tests inject inbound
// ones, standing in for the relay pool.
type fakeTransport struct {
	mu        sync.Mutex
	handler   func(*nostr.Event)
	published []nostr.Event
}

func (f *fakeTransport) Subscribe(_ context.Context, _ nostr.Filters, handler func(*nostr.Event)) {
	f.mu.Lock()
	f.handler = handler
	f.mu.Unlock()
}

func (f *fakeTransport) Publish(_ context.Context, evt nostr.Event) error {
	f.mu.Lock()
	f.published = append(f.published, evt)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) inject(evt *nostr.Event) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	h(evt)
}

func (f *fakeTransport) take() []nostr.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]nostr.Event(nil), f.published...)
}

// bunkerHarness wires a signer endpoint over the fake transport with real
// policy, acl, and broker layers underneath.
type bunkerHarness struct {
	svc      *Service
	store    *policy.Store
	eval     *acl.Evaluator
	bus      *event.Bus
	key      *vault.ActiveKey
	ep       *Endpoint
	ft       *fakeTransport
	clientSK string
	client   string
	sess     *nip46.Session
}

func newHarness(t *testing.T, opts broker.Options) *bunkerHarness {
	t.Helper()
	db, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	ps := policy.New(db, zap.NewNop())
	if err := ps.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	eval := acl.New(ps, zap.NewNop())
	bus := event.NewBus(zap.NewNop())
	if opts.PollInterval == 0 {
		opts.PollInterval = 10 * time.Millisecond
	}
	brk := broker.New(ps, eval, bus, opts, zap.NewNop())

	keyring := vault.NewKeyring()
	key, err := keyring.Load("alice", nostr.GeneratePrivateKey())
	if err != nil {
		t.Fatalf("keyring.Load: %v", err)
	}
	if _, err := ps.CreateKey(context.Background(), "alice"); err != nil {
		t.Fatalf("CreateKey: %v", err)
	}

	svc := New(keyring, ps, eval, brk, bus, nil, zap.NewNop())
	ft := &fakeTransport{}
	ep, err := NewEndpoint("alice", key.SecretHex(), ft, svc.handlerFor(key), zap.NewNop())
	if err != nil {
		t.Fatalf("NewEndpoint: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	ep.Start(ctx)

	clientSK := nostr.GeneratePrivateKey()
	clientPub, err := nostr.GetPublicKey(clientSK)
	if err != nil {
		t.Fatalf("GetPublicKey: %v", err)
	}
	sess, err := nip46.NewSession(clientSK, ep.Pubkey())
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	return &bunkerHarness{
		svc:      svc,
		store:    ps,
		eval:     eval,
		bus:      bus,
		key:      key,
		ep:       ep,
		ft:       ft,
		clientSK: clientSK,
		client:   clientPub,
		sess:     sess,
	}
}

// send encrypts a request as the client and injects it at the endpoint.
func (h *bunkerHarness) send(t *testing.T, req nip46.Request, scheme nip46.Scheme) {
	t.Helper()
	payload, err := req.Encode()
	if err != nil {
		t.Fatalf("encode request: %v", err)
	}
	ct, err := h.sess.Encrypt(payload, scheme)
	if err != nil {
		t.Fatalf("encrypt request: %v", err)
	}
	evt := &nostr.Event{
		Kind:      nip46.Kind,
		CreatedAt: nostr.Now(),
		Tags:      nostr.Tags{{"p", h.ep.Pubkey()}},
		Content:   ct,
	}
	if err := evt.Sign(h.clientSK); err != nil {
		t.Fatalf("sign request event: %v", err)
	}
	h.ft.inject(evt)
}

// awaitReplies blocks until n events have been published by the endpoint.
func (h *bunkerHarness) awaitReplies(t *testing.T, n int) []nostr.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		evts := h.ft.take()
		if len(evts) >= n {
			return evts
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %d replies, have %d", n, len(evts))
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// open decrypts a reply as the client.
func (h *bunkerHarness) open(t *testing.T, evt nostr.Event) nip46.Response {
	t.Helper()
	plaintext, _, err := h.sess.Decrypt(evt.Content)
	if err != nil {
		t.Fatalf("decrypt reply: %v", err)
	}
	resp, err := nip46.ParseResponse(plaintext)
	if err != nil {
		t.Fatalf("parse reply: %v", err)
	}
	return resp
}

func kindAllPtr() *string {
	k := policy.KindAll
	return &k
}

func TestPingPongAfterGrant(t *testing.T) {
	h := newHarness(t, broker.Options{})
	ctx := context.Background()
	if _, err := h.eval.PermitAllRequests(ctx, "alice", h.client, "ping", nil); err != nil {
		t.Fatalf("PermitAllRequests: %v", err)
	}

	h.send(t, nip46.NewRequest("ping"), nip46.SchemeNIP04)
	resp := h.open(t, h.awaitReplies(t, 1)[0])
	if resp.Result != nip46.ResultPong {
		t.Errorf("result = %q, want pong", resp.Result)
	}
}

func TestGetPublicKey(t *testing.T) {
	h := newHarness(t, broker.Options{})
	ctx := context.Background()
	if _, err := h.eval.PermitAllRequests(ctx, "alice", h.client, "get_public_key", nil); err != nil {
		t.Fatalf("PermitAllRequests: %v", err)
	}

	h.send(t, nip46.NewRequest("get_public_key"), nip46.SchemeNIP44)
	reply := h.awaitReplies(t, 1)[0]

	// The reply mirrors the client's scheme.
	if nip46.DetectScheme(reply.Content) != nip46.SchemeNIP44 {
		t.Error("reply not encrypted with the client's scheme")
	}
	resp := h.open(t, reply)
	if resp.Result != h.key.PubKey {
		t.Errorf("result = %q, want key pubkey", resp.Result)
	}
}

func TestFirstSignEventWalksApprovalFlow(t *testing.T) {
	h := newHarness(t, broker.Options{
		BaseURL:      "https://bunker.example",
		PendingTTL:   5 * time.Second,
		PollInterval: 10 * time.Millisecond,
	})
	ctx := context.Background()

	eventJSON := `{"kind":1,"content":"hi","tags":[]}`
	req := nip46.NewRequest("sign_event", eventJSON)
	h.send(t, req, nip46.SchemeNIP04)

	// First reply: the approval redirect.
	first := h.open(t, h.awaitReplies(t, 1)[0])
	if first.Result != nip46.ResultAuthURL {
		t.Fatalf("first reply result = %q, want auth_url", first.Result)
	}
	if !strings.HasPrefix(first.Error, "https://bunker.example/requests/") {
		t.Fatalf("auth url = %q", first.Error)
	}
	pendingID := strings.TrimPrefix(first.Error, "https://bunker.example/requests/")

	// Approve the way the web handler does: grant, decide, announce.
	if _, err := h.eval.PermitAllRequests(ctx, "alice", h.client, "sign_event", kindAllPtr()); err != nil {
		t.Fatalf("PermitAllRequests: %v", err)
	}
	if _, err := h.store.DecidePendingRequest(ctx, pendingID, true); err != nil {
		t.Fatalf("DecidePendingRequest: %v", err)
	}
	row, err := h.store.GetPendingRequest(ctx, pendingID)
	if err != nil {
		t.Fatalf("GetPendingRequest: %v", err)
	}
	h.bus.Publish(ctx, event.New(event.TopicRequestDecided, "test", row))

	// Second reply: the signed event.
	second := h.open(t, h.awaitReplies(t, 2)[1])
	if second.Error != "" {
		t.Fatalf("sign_event error: %s", second.Error)
	}
	var signed nostr.Event
	if err := json.Unmarshal([]byte(second.Result), &signed); err != nil {
		t.Fatalf("unmarshal signed event: %v", err)
	}
	if signed.PubKey != h.key.PubKey {
		t.Errorf("signed pubkey = %q, want key pubkey", signed.PubKey)
	}
	if signed.Kind != 1 || signed.Content != "hi" {
		t.Errorf("signed event mangled: kind=%d content=%q", signed.Kind, signed.Content)
	}
	if ok, err := signed.CheckSignature(); err != nil || !ok {
		t.Errorf("signature invalid: ok=%v err=%v", ok, err)
	}

	// The grant persisted.
	user, err := h.store.GetKeyUser(ctx, "alice", h.client)
	if err != nil {
		t.Fatalf("GetKeyUser: %v", err)
	}
	found := false
	for _, c := range user.Conditions {
		if c.Method == "sign_event" && c.Kind != nil && *c.Kind == policy.KindAll && c.Allowed {
			found = true
		}
	}
	if !found {
		t.Error("sign_event kind=all condition missing after approval")
	}
}

func TestRepeatSignEventSkipsApproval(t *testing.T) {
	h := newHarness(t, broker.Options{BaseURL: "https://bunker.example"})
	ctx := context.Background()
	if _, err := h.eval.PermitAllRequests(ctx, "alice", h.client, "sign_event", kindAllPtr()); err != nil {
		t.Fatalf("PermitAllRequests: %v", err)
	}

	h.send(t, nip46.NewRequest("sign_event", `{"kind":1,"content":"again","tags":[]}`), nip46.SchemeNIP04)
	resp := h.open(t, h.awaitReplies(t, 1)[0])
	if resp.Result == nip46.ResultAuthURL {
		t.Fatal("granted request still routed to approval")
	}
	if resp.Error != "" {
		t.Fatalf("sign_event error: %s", resp.Error)
	}

	pending, err := h.store.ListRequests(ctx, policy.StatusPending, 50, 0)
	if err != nil {
		t.Fatalf("ListRequests: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("fast path created %d pending requests", len(pending))
	}
}

func TestConnectRedeemsToken(t *testing.T) {
	h := newHarness(t, broker.Options{})
	ctx := context.Background()

	kind1 := "1"
	max := 5
	pol, err := h.store.CreatePolicy(ctx, policy.NewPolicyInput{
		Name:  "social",
		Rules: []policy.NewRuleInput{{Method: "sign_event", Kind: &kind1, MaxUsageCount: &max}},
	})
	if err != nil {
		t.Fatalf("CreatePolicy: %v", err)
	}
	token, err := h.store.CreateToken(ctx, "alice", "web client", pol.ID, "admin", nil)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}

	h.send(t, nip46.NewRequest("connect", h.key.PubKey, token.Token), nip46.SchemeNIP04)
	resp := h.open(t, h.awaitReplies(t, 1)[0])
	if resp.Result != nip46.ResultOK {
		t.Fatalf("connect result = %q (error %q), want ok", resp.Result, resp.Error)
	}

	user, err := h.store.GetKeyUser(ctx, "alice", h.client)
	if err != nil {
		t.Fatalf("GetKeyUser after redemption: %v", err)
	}
	var haveConnect, haveSign bool
	for _, c := range user.Conditions {
		if c.Method == "connect" && c.Allowed {
			haveConnect = true
		}
		if c.Method == "sign_event" && c.Kind != nil && *c.Kind == "1" && c.Allowed {
			haveSign = true
		}
	}
	if !haveConnect || !haveSign {
		t.Errorf("redeemed conditions incomplete: connect=%v sign=%v", haveConnect, haveSign)
	}

	// A second client cannot replay the token.
	otherSK := nostr.GeneratePrivateKey()
	otherPub, _ := nostr.GetPublicKey(otherSK)
	otherSess, err := nip46.NewSession(otherSK, h.ep.Pubkey())
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	req := nip46.NewRequest("connect", h.key.PubKey, token.Token)
	payload, _ := req.Encode()
	ct, _ := otherSess.Encrypt(payload, nip46.SchemeNIP04)
	evt := &nostr.Event{Kind: nip46.Kind, CreatedAt: nostr.Now(), Tags: nostr.Tags{{"p", h.ep.Pubkey()}}, Content: ct}
	if err := evt.Sign(otherSK); err != nil {
		t.Fatalf("sign event: %v", err)
	}
	h.ft.inject(evt)

	replies := h.awaitReplies(t, 2)
	plaintext, _, err := otherSess.Decrypt(replies[1].Content)
	if err != nil {
		t.Fatalf("decrypt second reply: %v", err)
	}
	second, err := nip46.ParseResponse(plaintext)
	if err != nil {
		t.Fatalf("parse second reply: %v", err)
	}
	if second.Result != nip46.ResultError || !strings.Contains(second.Error, "already redeemed") {
		t.Errorf("replayed token reply = %+v, want already-redeemed error", second)
	}
	if _, err := h.store.GetKeyUser(ctx, "alice", otherPub); err == nil {
		t.Error("replayed token still created a key user")
	}
}

func TestVetoedClientDeniedEverything(t *testing.T) {
	h := newHarness(t, broker.Options{})
	ctx := context.Background()
	if _, err := h.eval.RejectAllRequests(ctx, "alice", h.client); err != nil {
		t.Fatalf("RejectAllRequests: %v", err)
	}

	h.send(t, nip46.NewRequest("get_public_key"), nip46.SchemeNIP04)
	resp := h.open(t, h.awaitReplies(t, 1)[0])
	if resp.Result != nip46.ResultError || resp.Error != "unauthorized" {
		t.Errorf("reply = %+v, want unauthorized error", resp)
	}
}

func TestUnknownMethod(t *testing.T) {
	h := newHarness(t, broker.Options{})
	ctx := context.Background()
	if _, err := h.eval.PermitAllRequests(ctx, "alice", h.client, "describe_yourself", nil); err != nil {
		t.Fatalf("PermitAllRequests: %v", err)
	}

	h.send(t, nip46.NewRequest("describe_yourself"), nip46.SchemeNIP04)
	resp := h.open(t, h.awaitReplies(t, 1)[0])
	if resp.Result != nip46.ResultError || resp.Error != "unknown method" {
		t.Errorf("reply = %+v, want unknown method error", resp)
	}
}

func TestNip04RoundTripThroughBunker(t *testing.T) {
	h := newHarness(t, broker.Options{})
	ctx := context.Background()
	for _, m := range []string{"nip04_encrypt", "nip04_decrypt"} {
		if _, err := h.eval.PermitAllRequests(ctx, "alice", h.client, m, nil); err != nil {
			t.Fatalf("PermitAllRequests(%s): %v", m, err)
		}
	}

	peerSK := nostr.GeneratePrivateKey()
	peerPub, _ := nostr.GetPublicKey(peerSK)

	h.send(t, nip46.NewRequest("nip04_encrypt", peerPub, "the plan"), nip46.SchemeNIP04)
	enc := h.open(t, h.awaitReplies(t, 1)[0])
	if enc.Result == "" || enc.Result == nip46.ResultError {
		t.Fatalf("encrypt reply = %+v", enc)
	}

	h.send(t, nip46.NewRequest("nip04_decrypt", peerPub, enc.Result), nip46.SchemeNIP04)
	dec := h.open(t, h.awaitReplies(t, 2)[1])
	if dec.Result != "the plan" {
		t.Errorf("decrypt result = %q, want original plaintext", dec.Result)
	}
}

func TestMalformedPayloadsDroppedSilently(t *testing.T) {
	h := newHarness(t, broker.Options{})

	// Garbage ciphertext: not decryptable, no reply.
	evt := &nostr.Event{
		Kind:      nip46.Kind,
		CreatedAt: nostr.Now(),
		Tags:      nostr.Tags{{"p", h.ep.Pubkey()}},
		Content:   "not a real payload",
	}
	if err := evt.Sign(h.clientSK); err != nil {
		t.Fatalf("sign: %v", err)
	}
	h.ft.inject(evt)

	// Tampered signature: dropped before decryption.
	payload, _ := nip46.NewRequest("ping").Encode()
	ct, _ := h.sess.Encrypt(payload, nip46.SchemeNIP04)
	forged := &nostr.Event{
		Kind:      nip46.Kind,
		CreatedAt: nostr.Now(),
		Tags:      nostr.Tags{{"p", h.ep.Pubkey()}},
		Content:   ct,
	}
	if err := forged.Sign(h.clientSK); err != nil {
		t.Fatalf("sign: %v", err)
	}
	forged.Sig = strings.Repeat("00", 64)
	h.ft.inject(forged)

	time.Sleep(150 * time.Millisecond)
	if n := len(h.ft.take()); n != 0 {
		t.Errorf("published %d replies to malformed traffic, want 0", n)
	}
}

func TestInvalidSignEventParams(t *testing.T) {
	h := newHarness(t, broker.Options{})
	ctx := context.Background()
	if _, err := h.eval.PermitAllRequests(ctx, "alice", h.client, "sign_event", kindAllPtr()); err != nil {
		t.Fatalf("PermitAllRequests: %v", err)
	}

	h.send(t, nip46.NewRequest("sign_event", "{not json"), nip46.SchemeNIP04)
	resp := h.open(t, h.awaitReplies(t, 1)[0])
	if resp.Result != nip46.ResultError || resp.Error != "invalid event json" {
		t.Errorf("reply = %+v, want invalid event json error", resp)
	}
}
