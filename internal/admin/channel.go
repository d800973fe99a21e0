// Package admin runs the management channel: a second remote-signing
// endpoint bound to the bunker's own admin identity. Whitelisted admins
// drive key and policy management over it, undecided authorization
// requests are put to them as acl queries, and a self-addressed heartbeat
// guards against silently wedged relay connections.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/HerbHall/keybunker/internal/broker"
	"github.com/HerbHall/keybunker/internal/event"
	"github.com/HerbHall/keybunker/internal/nip46"
	"github.com/HerbHall/keybunker/internal/policy"
	"github.com/HerbHall/keybunker/internal/relay"
	"github.com/HerbHall/keybunker/internal/signer"
)

// KeyInfo is the per-key status returned by get_keys.
type KeyInfo struct {
	Name   string `json:"name"`
	Pubkey string `json:"pubkey,omitempty"`
	Npub   string `json:"npub,omitempty"`
	Locked bool   `json:"locked"`
}

// Callbacks are the daemon hooks the channel calls into. The daemon owns
// the vault and the signer service; injecting functions here keeps the
// dependency pointing one way.
type Callbacks struct {
	// ListKeys reports every stored key and whether it is unlocked.
	ListKeys func(ctx context.Context) ([]KeyInfo, error)
	// CreateKey generates (empty secret) or imports a user key, persists
	// it, and starts its endpoint. Returns the new public key.
	CreateKey func(ctx context.Context, name, secret string) (string, error)
	// UnlockKey decrypts a stored key with the passphrase and starts its
	// endpoint.
	UnlockKey func(ctx context.Context, name, passphrase string) error
	// CreateAccount runs the provisioning flow for create_account. The
	// sendAuthURL hook delivers the approval page address to the caller
	// mid-flight. Returns the new account's public key.
	CreateAccount func(ctx context.Context, client string, sendAuthURL func(context.Context, string) error, username, domain, email string) (string, error)
}

// Options configures the channel.
type Options struct {
	// SecretHex is the admin identity's secret key.
	SecretHex string
	// Relays the channel listens on.
	Relays []string
	// AdminPubkeys is the allow-list, already decoded to hex.
	AdminPubkeys []string
	// ConnectSecret, when set, is appended to the connection descriptor.
	ConnectSecret string
	// Dir is where connection.txt is written.
	Dir string
	// NotifyOnBoot sends each admin a direct message with the descriptor.
	NotifyOnBoot bool

	// Heartbeat and Patience shrink in tests. Exit replaces os.Exit there.
	Heartbeat time.Duration
	Patience  time.Duration
	Exit      func(code int)

	// Transport overrides the relay pool in tests.
	Transport signer.Transport
}

// Channel is the admin management endpoint.
type Channel struct {
	store *policy.Store
	bus   *event.Bus
	cb    Callbacks
	log   *zap.Logger

	ep        *signer.Endpoint
	pool      *relay.Pool
	transport signer.Transport
	secret    string
	relays    []string
	allowed   map[string]bool

	connectSecret string
	dir           string
	notifyOnBoot  bool

	heartbeatEvery time.Duration
	patience       time.Duration
	exit           func(int)
	lastBeat       atomic.Int64

	aclMu      sync.Mutex
	aclWaiters map[string]chan string
}

// New builds the channel. Start must be called before it serves anything.
func New(store *policy.Store, bus *event.Bus, cb Callbacks, opts Options, log *zap.Logger) (*Channel, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.SecretHex == "" {
		return nil, errors.New("admin channel needs the admin secret")
	}

	c := &Channel{
		store:          store,
		bus:            bus,
		cb:             cb,
		log:            log.Named("admin"),
		secret:         opts.SecretHex,
		relays:         opts.Relays,
		allowed:        make(map[string]bool, len(opts.AdminPubkeys)),
		connectSecret:  opts.ConnectSecret,
		dir:            opts.Dir,
		notifyOnBoot:   opts.NotifyOnBoot,
		heartbeatEvery: opts.Heartbeat,
		patience:       opts.Patience,
		exit:           opts.Exit,
		aclWaiters:     make(map[string]chan string),
	}
	for _, pub := range opts.AdminPubkeys {
		c.allowed[pub] = true
	}
	if c.heartbeatEvery <= 0 {
		c.heartbeatEvery = 20 * time.Second
	}
	if c.patience <= 0 {
		c.patience = 50 * time.Second
	}
	if c.exit == nil {
		c.exit = os.Exit
	}

	c.transport = opts.Transport
	if c.transport == nil {
		c.pool = relay.NewPool(opts.Relays, c.log)
		c.transport = c.pool
	}
	ep, err := signer.NewEndpoint("admin", opts.SecretHex, c.transport, c.handle, c.log)
	if err != nil {
		return nil, fmt.Errorf("build admin endpoint: %w", err)
	}
	ep.SetResponseHook(c.onResponse)
	c.ep = ep
	return c, nil
}

// Pubkey returns the admin identity's public key.
func (c *Channel) Pubkey() string {
	return c.ep.Pubkey()
}

// Start subscribes the endpoint, publishes the connection descriptor, and
// arms the heartbeat watchdog.
func (c *Channel) Start(ctx context.Context) error {
	c.ep.Start(ctx)

	uri, err := c.WriteDescriptor()
	if err != nil {
		return err
	}
	c.log.Info("admin channel up",
		zap.String("pubkey", c.ep.Pubkey()),
		zap.Strings("relays", c.relays),
		zap.String("bunker", uri))

	if c.notifyOnBoot {
		c.notifyAdmins(ctx, uri)
	}

	c.lastBeat.Store(time.Now().UnixNano())
	go c.runHeartbeat(ctx)
	return nil
}

// Stop tears the channel down.
func (c *Channel) Stop() {
	c.ep.Stop()
	if c.pool != nil {
		c.pool.Close()
	}
}

func (c *Channel) isAdmin(pubkey string) bool {
	return c.allowed[pubkey]
}

// QueryACL forwards an acl query to every whitelisted admin and returns
// the first answer. Satisfies the broker's AdminQuerier.
func (c *Channel) QueryACL(ctx context.Context, q broker.ACLQuery) (string, error) {
	if len(c.allowed) == 0 {
		return "", errors.New("no admins on the allow-list")
	}

	payload, err := json.Marshal(q)
	if err != nil {
		return "", fmt.Errorf("encode acl query: %w", err)
	}
	req := nip46.NewRequest("acl", string(payload))

	ch := make(chan string, 1)
	c.aclMu.Lock()
	c.aclWaiters[req.ID] = ch
	c.aclMu.Unlock()
	defer func() {
		c.aclMu.Lock()
		delete(c.aclWaiters, req.ID)
		c.aclMu.Unlock()
	}()

	for pub := range c.allowed {
		if err := c.ep.Send(ctx, pub, req); err != nil {
			c.log.Warn("acl query delivery failed",
				zap.String("admin", pub),
				zap.Error(err))
		}
	}

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case decision := <-ch:
		return decision, nil
	}
}

// onResponse collects replies to outstanding acl queries. The first
// admin's answer wins; later ones find no waiter and are discarded.
func (c *Channel) onResponse(peer string, resp nip46.Response) {
	if !c.isAdmin(peer) {
		return
	}
	c.aclMu.Lock()
	ch := c.aclWaiters[resp.ID]
	delete(c.aclWaiters, resp.ID)
	c.aclMu.Unlock()
	if ch != nil {
		ch <- resp.Result
	}
}
