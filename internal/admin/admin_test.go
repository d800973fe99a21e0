package admin

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"

	"github.com/HerbHall/keybunker/internal/broker"
	"github.com/HerbHall/keybunker/internal/event"
	"github.com/HerbHall/keybunker/internal/nip46"
	"github.com/HerbHall/keybunker/internal/policy"
	"github.com/HerbHall/keybunker/internal/store"
)

// fakeTransport stands in for the relay pool. With loopback set, events
// the channel publishes to itself come straight back, imitating a healthy
// relay round trip.
type fakeTransport struct {
	mu        sync.Mutex
	handler   func(*nostr.Event)
	published []nostr.Event
	loopback  string // pubkey whose self-addressed events are re-injected
}

func (f *fakeTransport) Subscribe(_ context.Context, _ nostr.Filters, handler func(*nostr.Event)) {
	f.mu.Lock()
	f.handler = handler
	f.mu.Unlock()
}

func (f *fakeTransport) Publish(_ context.Context, evt nostr.Event) error {
	f.mu.Lock()
	f.published = append(f.published, evt)
	h := f.handler
	loop := f.loopback
	f.mu.Unlock()

	if loop != "" && h != nil && evt.Tags.ContainsAny("p", []string{loop}) {
		clone := evt
		go h(&clone)
	}
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

// rpcClient drives the channel the way an admin's signer app would.
type rpcClient struct {
	sk     string
	pub    string
	sess   *nip46.Session
	ft     *fakeTransport
	target string
}

func newRPCClient(t *testing.T, ft *fakeTransport, target string) *rpcClient {
	t.Helper()
	sk := nostr.GeneratePrivateKey()
	pub, err := nostr.GetPublicKey(sk)
	if err != nil {
		t.Fatalf("GetPublicKey: %v", err)
	}
	sess, err := nip46.NewSession(sk, target)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return &rpcClient{sk: sk, pub: pub, sess: sess, ft: ft, target: target}
}

// call sends a request and waits for the matching reply.
func (c *rpcClient) call(t *testing.T, req nip46.Request) nip46.Response {
	t.Helper()
	payload, err := req.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	ct, err := c.sess.Encrypt(payload, nip46.SchemeNIP04)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	evt := &nostr.Event{
		Kind:      nip46.Kind,
		CreatedAt: nostr.Now(),
		Tags:      nostr.Tags{{"p", c.target}},
		Content:   ct,
	}
	if err := evt.Sign(c.sk); err != nil {
		t.Fatalf("sign: %v", err)
	}
	c.ft.inject(evt)

	deadline := time.After(5 * time.Second)
	for {
		for _, out := range c.ft.take() {
			if out.Kind != nip46.Kind || !out.Tags.ContainsAny("p", []string{c.pub}) {
				continue
			}
			plaintext, _, err := c.sess.Decrypt(out.Content)
			if err != nil {
				continue
			}
			resp, err := nip46.ParseResponse(plaintext)
			if err != nil || resp.ID != req.ID {
				continue
			}
			return resp
		}
		select {
		case <-deadline:
			t.Fatalf("no reply to %s %s", req.Method, req.ID)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func testChannel(t *testing.T, cb Callbacks, mutate func(*Options)) (*Channel, *fakeTransport, *policy.Store, *rpcClient) {
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

	adminSK := nostr.GeneratePrivateKey()
	adminPub, _ := nostr.GetPublicKey(adminSK)

	ft := &fakeTransport{}
	opts := Options{
		SecretHex:    nostr.GeneratePrivateKey(),
		Relays:       []string{"wss://relay.example"},
		AdminPubkeys: []string{adminPub},
		Dir:          t.TempDir(),
		Heartbeat:    time.Hour,
		Patience:     time.Hour,
		Exit:         func(int) {},
		Transport:    ft,
	}
	if mutate != nil {
		mutate(&opts)
	}
	ch, err := New(ps, event.NewBus(zap.NewNop()), cb, opts, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := ch.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	cli := newRPCClient(t, ft, ch.Pubkey())
	cli.sk = adminSK
	cli.pub = adminPub
	sess, err := nip46.NewSession(adminSK, ch.Pubkey())
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	cli.sess = sess
	return ch, ft, ps, cli
}

func TestAdminPing(t *testing.T) {
	_, _, _, cli := testChannel(t, Callbacks{}, nil)
	resp := cli.call(t, nip46.NewRequest("ping"))
	if resp.Result != nip46.ResultPong {
		t.Errorf("result = %q, want pong", resp.Result)
	}
}

func TestNonAdminBlockedWithoutWrites(t *testing.T) {
	ch, ft, ps, _ := testChannel(t, Callbacks{}, nil)
	stranger := newRPCClient(t, ft, ch.Pubkey())

	polJSON := `{"name":"sneaky","rules":[{"method":"sign_event"}]}`
	resp := stranger.call(t, nip46.NewRequest("create_new_policy", polJSON))
	if resp.Result != nip46.ResultError || resp.Error != "unauthorized" {
		t.Fatalf("reply = %+v, want unauthorized", resp)
	}

	policies, err := ps.ListPolicies(context.Background())
	if err != nil {
		t.Fatalf("ListPolicies: %v", err)
	}
	if len(policies) != 0 {
		t.Errorf("unauthorised call wrote %d policies", len(policies))
	}

	if resp := stranger.call(t, nip46.NewRequest("get_keys")); resp.Error != "unauthorized" {
		t.Errorf("get_keys reply = %+v, want unauthorized", resp)
	}
}

func TestPolicyAndTokenRPCs(t *testing.T) {
	_, _, ps, cli := testChannel(t, Callbacks{}, nil)
	ctx := context.Background()

	polJSON := `{"name":"social","description":"posting","rules":[{"method":"sign_event","kind":"1","maxUsageCount":5}]}`
	resp := cli.call(t, nip46.NewRequest("create_new_policy", polJSON))
	if resp.Result == nip46.ResultError {
		t.Fatalf("create_new_policy: %s", resp.Error)
	}
	var created policy.Policy
	if err := json.Unmarshal([]byte(resp.Result), &created); err != nil {
		t.Fatalf("policy reply not json: %v", err)
	}
	if created.ID == "" || created.Name != "social" {
		t.Fatalf("policy = %+v", created)
	}

	resp = cli.call(t, nip46.NewRequest("create_new_token", "alice", "web client", created.ID))
	if resp.Result == nip46.ResultError {
		t.Fatalf("create_new_token: %s", resp.Error)
	}
	if len(resp.Result) != 64 {
		t.Errorf("token = %q, want 64 hex chars", resp.Result)
	}

	tokens, err := ps.ListTokens(ctx, "alice")
	if err != nil {
		t.Fatalf("ListTokens: %v", err)
	}
	if len(tokens) != 1 || tokens[0].CreatedBy != cli.pub {
		t.Errorf("tokens = %+v", tokens)
	}

	resp = cli.call(t, nip46.NewRequest("get_policies"))
	var listed []policy.Policy
	if err := json.Unmarshal([]byte(resp.Result), &listed); err != nil || len(listed) != 1 {
		t.Errorf("get_policies = %q (err %v)", resp.Result, err)
	}
}

func TestRenameAndRevokeUser(t *testing.T) {
	_, _, ps, cli := testChannel(t, Callbacks{}, nil)
	ctx := context.Background()

	user, err := ps.UpsertKeyUser(ctx, "alice", strings.Repeat("ab", 32), "old name")
	if err != nil {
		t.Fatalf("UpsertKeyUser: %v", err)
	}

	if resp := cli.call(t, nip46.NewRequest("rename_key_user", user.ID, "new name")); resp.Result != nip46.ResultOK {
		t.Fatalf("rename reply = %+v", resp)
	}
	renamed, err := ps.GetKeyUserByID(ctx, user.ID)
	if err != nil {
		t.Fatalf("GetKeyUserByID: %v", err)
	}
	if renamed.Description != "new name" {
		t.Errorf("description = %q", renamed.Description)
	}

	if resp := cli.call(t, nip46.NewRequest("revoke_user", user.ID)); resp.Result != nip46.ResultOK {
		t.Fatalf("revoke reply = %+v", resp)
	}
	revoked, err := ps.GetKeyUserByID(ctx, user.ID)
	if err != nil {
		t.Fatalf("GetKeyUserByID: %v", err)
	}
	if !revoked.Revoked() {
		t.Error("user not revoked")
	}
}

func TestUnlockKeyUsesCallback(t *testing.T) {
	var gotName, gotPass string
	cb := Callbacks{
		UnlockKey: func(_ context.Context, name, pass string) error {
			gotName, gotPass = name, pass
			return nil
		},
	}
	_, _, _, cli := testChannel(t, cb, nil)

	if resp := cli.call(t, nip46.NewRequest("unlock_key", "alice", "hunter2")); resp.Result != nip46.ResultOK {
		t.Fatalf("unlock reply = %+v", resp)
	}
	if gotName != "alice" || gotPass != "hunter2" {
		t.Errorf("callback got (%q, %q)", gotName, gotPass)
	}
}

func TestCreateAccountBypassesAllowList(t *testing.T) {
	var gotClient, gotUser, gotDomain string
	cb := Callbacks{
		CreateAccount: func(_ context.Context, client string, _ func(context.Context, string) error, username, domain, _ string) (string, error) {
			gotClient, gotUser, gotDomain = client, username, domain
			return "feedbeef", nil
		},
	}
	ch, ft, _, _ := testChannel(t, cb, nil)
	stranger := newRPCClient(t, ft, ch.Pubkey())

	resp := stranger.call(t, nip46.NewRequest("create_account", "carol", "example.com", ""))
	if resp.Result != "feedbeef" {
		t.Fatalf("create_account reply = %+v", resp)
	}
	if gotClient != stranger.pub || gotUser != "carol" || gotDomain != "example.com" {
		t.Errorf("callback got client=%q user=%q domain=%q", gotClient, gotUser, gotDomain)
	}
}

func TestQueryACLTakesFirstAdminAnswer(t *testing.T) {
	ch, ft, _, cli := testChannel(t, Callbacks{}, nil)

	type result struct {
		decision string
		err      error
	}
	results := make(chan result, 1)
	go func() {
		d, err := ch.QueryACL(context.Background(), broker.ACLQuery{
			KeyName:      "alice",
			RemotePubkey: strings.Repeat("cd", 32),
			Method:       "sign_event",
			Description:  "client requests sign_event on key alice",
		})
		results <- result{d, err}
	}()

	// Wait for the outbound acl query and recover its envelope id.
	var queryID string
	deadline := time.After(5 * time.Second)
	for queryID == "" {
		for _, out := range ft.take() {
			if out.Kind != nip46.Kind || !out.Tags.ContainsAny("p", []string{cli.pub}) {
				continue
			}
			plaintext, _, err := cli.sess.Decrypt(out.Content)
			if err != nil {
				continue
			}
			req, err := nip46.ParseRequest(plaintext)
			if err == nil && req.Method == "acl" {
				queryID = req.ID
			}
		}
		if queryID == "" {
			select {
			case <-deadline:
				t.Fatal("acl query never published")
			case <-time.After(10 * time.Millisecond):
			}
		}
	}

	// A stranger's vote is discarded.
	stranger := newRPCClient(t, ft, ch.Pubkey())
	strangerReply, _ := nip46.Response{ID: queryID, Result: "allow"}.Encode()
	ct, _ := stranger.sess.Encrypt(strangerReply, nip46.SchemeNIP04)
	evt := &nostr.Event{Kind: nip46.Kind, CreatedAt: nostr.Now(), Tags: nostr.Tags{{"p", ch.Pubkey()}}, Content: ct}
	if err := evt.Sign(stranger.sk); err != nil {
		t.Fatalf("sign: %v", err)
	}
	ft.inject(evt)

	select {
	case res := <-results:
		t.Fatalf("stranger vote accepted: %+v", res)
	case <-time.After(100 * time.Millisecond):
	}

	// The allow-listed admin's vote resolves the query.
	adminReply, _ := nip46.Response{ID: queryID, Result: "always"}.Encode()
	ct, err := cli.sess.Encrypt(adminReply, nip46.SchemeNIP04)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	evt = &nostr.Event{Kind: nip46.Kind, CreatedAt: nostr.Now(), Tags: nostr.Tags{{"p", ch.Pubkey()}}, Content: ct}
	if err := evt.Sign(cli.sk); err != nil {
		t.Fatalf("sign: %v", err)
	}
	ft.inject(evt)

	select {
	case res := <-results:
		if res.err != nil || res.decision != "always" {
			t.Fatalf("QueryACL = (%q, %v)", res.decision, res.err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("QueryACL never resolved")
	}
}

func TestHeartbeatLossExits(t *testing.T) {
	exitCodes := make(chan int, 1)
	testChannel(t, Callbacks{}, func(o *Options) {
		o.Heartbeat = 30 * time.Millisecond
		o.Patience = 150 * time.Millisecond
		o.Exit = func(code int) {
			select {
			case exitCodes <- code:
			default:
			}
		}
		// No loopback: pings vanish, the watchdog must fire.
	})

	select {
	case code := <-exitCodes:
		if code != 1 {
			t.Errorf("exit code = %d, want 1", code)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("watchdog never fired")
	}
}

func TestHeartbeatEchoKeepsChannelAlive(t *testing.T) {
	exitCodes := make(chan int, 1)
	ch, ft, _, _ := testChannel(t, Callbacks{}, func(o *Options) {
		o.Heartbeat = 30 * time.Millisecond
		o.Patience = 150 * time.Millisecond
		o.Exit = func(code int) {
			select {
			case exitCodes <- code:
			default:
			}
		}
	})
	// Loop self-addressed pings back, as a healthy relay would.
	ft.mu.Lock()
	ft.loopback = ch.Pubkey()
	ft.mu.Unlock()

	select {
	case code := <-exitCodes:
		t.Fatalf("healthy channel exited with %d", code)
	case <-time.After(500 * time.Millisecond):
	}
}

func TestDescriptorWrittenOnStart(t *testing.T) {
	dir := t.TempDir()
	ch, ft, _, cli := testChannel(t, Callbacks{}, func(o *Options) {
		o.Dir = dir
		o.ConnectSecret = "s3cret"
		o.NotifyOnBoot = true
	})

	raw, err := os.ReadFile(filepath.Join(dir, DescriptorFile))
	if err != nil {
		t.Fatalf("read descriptor: %v", err)
	}
	uri := strings.TrimSpace(string(raw))
	if !strings.HasPrefix(uri, "bunker://"+ch.Pubkey()) {
		t.Errorf("descriptor = %q", uri)
	}
	if !strings.Contains(uri, "secret=s3cret") {
		t.Errorf("descriptor missing secret: %q", uri)
	}

	// Boot notification: one NIP-04 DM per allow-listed admin.
	var dms int
	for _, out := range ft.take() {
		if out.Kind == nostr.KindEncryptedDirectMessage && out.Tags.ContainsAny("p", []string{cli.pub}) {
			dms++
		}
	}
	if dms != 1 {
		t.Errorf("boot DMs = %d, want 1", dms)
	}
}
