// Package broker routes authorization requests the ACL cannot decide to a
// human: either to the approval page (the client is handed an auth_url and
// the broker waits for the web decision) or, when no public base URL is
// configured, to the whitelisted admins over the relay RPC channel. Either
// way the outcome lands in the policy store before the caller resumes.
package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/HerbHall/keybunker/internal/acl"
	"github.com/HerbHall/keybunker/internal/event"
	"github.com/HerbHall/keybunker/internal/policy"
)

var pendingRequests = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "keybunker_pending_requests",
		Help: "Authorization requests currently awaiting a decision.",
	},
)

func init() {
	prometheus.MustRegister(pendingRequests)
}

var (
	// ErrDenied means the admin (or a stored veto) rejected the request.
	ErrDenied = errors.New("authorization denied")
	// ErrTimeout means no decision arrived before the pending request
	// expired.
	ErrTimeout = errors.New("authorization timed out")
	// ErrNoAdminPath means neither an approval page nor an admin relay
	// channel is available to decide the request.
	ErrNoAdminPath = errors.New("no authorization path configured")
)

// Request is one undecided client call handed to the broker.
type Request struct {
	KeyName      string
	RequestID    string
	ClientPubkey string
	Method       string
	Params       []string

	// SendAuthURL delivers the auth_url reply to the requesting client over
	// its encrypted channel. Nil when the caller has no way to reach the
	// client, which forces the relay admin path.
	SendAuthURL func(ctx context.Context, url string) error
}

// ACLQuery is the payload of the acl RPC forwarded to admin clients.
type ACLQuery struct {
	KeyName      string `json:"keyName"`
	RemotePubkey string `json:"remotePubkey"`
	Method       string `json:"method"`
	Param        string `json:"param"`
	Description  string `json:"description"`
}

// AdminQuerier forwards an acl RPC to every whitelisted admin and returns
// the first decision string (allow, deny, always, never, true, false).
type AdminQuerier interface {
	QueryACL(ctx context.Context, q ACLQuery) (string, error)
}

// Options tunes the broker. Zero values take the protocol defaults; tests
// shrink the timings.
type Options struct {
	// BaseURL is the explicitly configured public base URL. When set, every
	// undecided request is routed to the approval page.
	BaseURL string
	// DefaultBaseURL is the localhost fallback used for flows that cannot
	// work without a web form (account registration).
	DefaultBaseURL string
	PendingTTL     time.Duration
	AdminTimeout   time.Duration
	PollInterval   time.Duration
}

// Broker resolves undecided authorization requests.
type Broker struct {
	store *policy.Store
	acl   *acl.Evaluator
	bus   *event.Bus
	log   *zap.Logger

	baseURL        string
	defaultBaseURL string
	ttl            time.Duration
	adminTimeout   time.Duration
	pollEvery      time.Duration

	adminMu sync.RWMutex
	admin   AdminQuerier

	waitMu  sync.Mutex
	waiters map[string]chan struct{}
}

// New creates a Broker and subscribes it to decision events so approval
// handlers wake waiting requests without polling.
func New(store *policy.Store, eval *acl.Evaluator, bus *event.Bus, opts Options, log *zap.Logger) *Broker {
	if log == nil {
		log = zap.NewNop()
	}
	b := &Broker{
		store:          store,
		acl:            eval,
		bus:            bus,
		log:            log.Named("broker"),
		baseURL:        strings.TrimRight(opts.BaseURL, "/"),
		defaultBaseURL: strings.TrimRight(opts.DefaultBaseURL, "/"),
		ttl:            opts.PendingTTL,
		adminTimeout:   opts.AdminTimeout,
		pollEvery:      opts.PollInterval,
		waiters:        make(map[string]chan struct{}),
	}
	if b.ttl <= 0 {
		b.ttl = policy.PendingTTL
	}
	if b.adminTimeout <= 0 {
		b.adminTimeout = 10 * time.Second
	}
	if b.pollEvery <= 0 {
		b.pollEvery = 100 * time.Millisecond
	}
	if bus != nil {
		bus.Subscribe(event.TopicRequestDecided, func(_ context.Context, evt event.Event) {
			if r, ok := evt.Payload.(*policy.PendingRequest); ok && r != nil {
				b.wake(r.ID)
			}
		})
	}
	return b
}

// SetAdminQuerier wires the relay admin path. The admin channel is built
// after the broker, so this is injected rather than passed to New.
func (b *Broker) SetAdminQuerier(q AdminQuerier) {
	b.adminMu.Lock()
	b.admin = q
	b.adminMu.Unlock()
}

func (b *Broker) adminQuerier() AdminQuerier {
	b.adminMu.RLock()
	defer b.adminMu.RUnlock()
	return b.admin
}

// RequestAuthorization persists a pending request, schedules its reaper,
// and blocks until an admin decides or the request expires. On approval it
// returns the stored params, which the approval form may have rewritten.
// Each call waits independently; concurrent requests do not serialise.
func (b *Broker) RequestAuthorization(ctx context.Context, req Request) ([]string, error) {
	pending, err := b.store.CreatePendingRequest(ctx, req.RequestID, req.KeyName, req.ClientPubkey, req.Method, req.Params)
	if err != nil {
		return nil, fmt.Errorf("create pending request: %w", err)
	}
	pendingRequests.Inc()
	defer pendingRequests.Dec()

	ch := b.register(pending.ID)
	defer b.unregister(pending.ID)

	// The reaper runs on the wall clock, not on ctx: the row must not
	// outlive its TTL even when this wait returns early.
	time.AfterFunc(b.ttl, func() { b.reap(pending.ID) })

	b.bus.PublishAsync(context.Background(), event.New(event.TopicRequestCreated, "broker", pending))

	if url, ok := b.approvalURL(pending.ID, req.Method); ok {
		if req.SendAuthURL != nil {
			if err := req.SendAuthURL(ctx, url); err != nil {
				b.log.Warn("auth_url delivery failed",
					zap.String("pending", pending.ID),
					zap.Error(err))
			}
		}
		return b.awaitWeb(ctx, pending.ID, ch)
	}
	return b.awaitAdmin(ctx, pending)
}

// approvalURL picks the approval page address for a pending request.
// Account registration needs the web form, so it falls back to the local
// base URL even when no public one is configured.
func (b *Broker) approvalURL(pendingID, method string) (string, bool) {
	base := b.baseURL
	if base == "" && method == "create_account" {
		base = b.defaultBaseURL
	}
	if base == "" {
		return "", false
	}
	return base + "/requests/" + pendingID, true
}

// awaitWeb blocks until the approval page decides the request or the TTL
// expires. The decision handler publishes a decided event that wakes the
// waiter; the poll interval covers decisions written out-of-band.
func (b *Broker) awaitWeb(ctx context.Context, id string, ch chan struct{}) ([]string, error) {
	deadline := time.NewTimer(b.ttl)
	defer deadline.Stop()
	tick := time.NewTicker(b.pollEvery)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			if params, done, err := b.check(ctx, id); done {
				return params, err
			}
			return nil, ErrTimeout
		case <-ch:
			if params, done, err := b.check(ctx, id); done {
				return params, err
			}
		case <-tick.C:
			if params, done, err := b.check(ctx, id); done {
				return params, err
			}
		}
	}
}

// check inspects a pending row. done reports a final outcome: approved
// (params returned), denied, or reaped (timeout).
func (b *Broker) check(ctx context.Context, id string) ([]string, bool, error) {
	row, err := b.store.GetPendingRequest(ctx, id)
	if errors.Is(err, policy.ErrNotFound) {
		return nil, true, ErrTimeout
	}
	if err != nil {
		return nil, true, fmt.Errorf("load pending request: %w", err)
	}
	if !row.Decided() {
		return nil, false, nil
	}
	if *row.Allowed {
		return row.Params, true, nil
	}
	return nil, true, ErrDenied
}

// awaitAdmin forwards an acl RPC to the whitelisted admins and applies the
// first decision. always and never persist conditions through the ACL
// write-side before the caller resumes; allow and deny are one-shot.
func (b *Broker) awaitAdmin(ctx context.Context, pending *policy.PendingRequest) ([]string, error) {
	q := b.adminQuerier()
	if q == nil {
		return nil, ErrNoAdminPath
	}

	qctx, cancel := context.WithTimeout(ctx, b.adminTimeout)
	defer cancel()

	decision, err := q.QueryACL(qctx, ACLQuery{
		KeyName:      pending.KeyName,
		RemotePubkey: pending.RemotePubkey,
		Method:       pending.Method,
		Param:        paramAt(pending.Params, 0),
		Description:  describe(pending),
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("query admin: %w", err)
	}

	switch strings.ToLower(strings.TrimSpace(decision)) {
	case "allow", "true":
		return b.settle(ctx, pending, true)
	case "deny", "false":
		return b.settle(ctx, pending, false)
	case "always":
		var kind *string
		if pending.Method == "sign_event" {
			all := policy.KindAll
			kind = &all
		}
		if _, err := b.acl.PermitAllRequests(ctx, pending.KeyName, pending.RemotePubkey, pending.Method, kind); err != nil {
			return nil, fmt.Errorf("persist grant: %w", err)
		}
		return b.settle(ctx, pending, true)
	case "never":
		if _, err := b.acl.RejectAllRequests(ctx, pending.KeyName, pending.RemotePubkey); err != nil {
			return nil, fmt.Errorf("persist veto: %w", err)
		}
		return b.settle(ctx, pending, false)
	default:
		return nil, fmt.Errorf("unrecognised admin decision %q", decision)
	}
}

// settle records an admin decision on the pending row. The transition is
// once-only, so a concurrent web decision wins and is honoured instead.
func (b *Broker) settle(ctx context.Context, pending *policy.PendingRequest, allowed bool) ([]string, error) {
	changed, err := b.store.DecidePendingRequest(ctx, pending.ID, allowed)
	if err != nil {
		return nil, fmt.Errorf("record decision: %w", err)
	}
	row, err := b.store.GetPendingRequest(ctx, pending.ID)
	if err != nil {
		return nil, fmt.Errorf("load decided request: %w", err)
	}
	if changed {
		b.bus.PublishAsync(context.Background(), event.New(event.TopicRequestDecided, "broker", row))
	}
	if row.Allowed != nil && *row.Allowed {
		return row.Params, nil
	}
	return nil, ErrDenied
}

func (b *Broker) register(id string) chan struct{} {
	ch := make(chan struct{}, 1)
	b.waitMu.Lock()
	b.waiters[id] = ch
	b.waitMu.Unlock()
	return ch
}

func (b *Broker) unregister(id string) {
	b.waitMu.Lock()
	delete(b.waiters, id)
	b.waitMu.Unlock()
}

// wake nudges the waiter for a pending request, if one is still waiting.
func (b *Broker) wake(id string) {
	b.waitMu.Lock()
	ch := b.waiters[id]
	b.waitMu.Unlock()
	if ch != nil {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// reap removes an undecided row at the TTL mark. Decided rows stay for the
// approval history; reaping one is a no-op.
func (b *Broker) reap(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	removed, err := b.store.ReapPendingRequest(ctx, id)
	if err != nil {
		b.log.Warn("pending reap failed", zap.String("id", id), zap.Error(err))
		return
	}
	if removed {
		b.wake(id)
	}
}

// describe renders the human line shown to the admin alongside an acl
// query.
func describe(r *policy.PendingRequest) string {
	client := r.RemotePubkey
	if len(client) > 12 {
		client = client[:12]
	}
	d := fmt.Sprintf("client %s requests %s on key %s", client, r.Method, r.KeyName)
	if r.Method == "sign_event" {
		if kind, ok := acl.ExtractKind(paramAt(r.Params, 0)); ok {
			d += fmt.Sprintf(" (event kind %s)", kind)
		}
	}
	return d
}

func paramAt(params []string, i int) string {
	if i < len(params) {
		return params[i]
	}
	return ""
}
