package signer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/HerbHall/keybunker/internal/acl"
	"github.com/HerbHall/keybunker/internal/broker"
	"github.com/HerbHall/keybunker/internal/event"
	"github.com/HerbHall/keybunker/internal/nip46"
	"github.com/HerbHall/keybunker/internal/policy"
	"github.com/HerbHall/keybunker/internal/relay"
	"github.com/HerbHall/keybunker/internal/vault"
)

// KeyUnlocked is the bus payload published when a key's endpoint starts.
type KeyUnlocked struct {
	Name string `json:"name"`
	Npub string `json:"npub"`
}

// Service runs one signing endpoint per unlocked user key.
type Service struct {
	keyring *vault.Keyring
	store   *policy.Store
	acl     *acl.Evaluator
	broker  *broker.Broker
	bus     *event.Bus
	relays  []string
	log     *zap.Logger

	mu        sync.Mutex
	endpoints map[string]*Endpoint
	pools     map[string]*relay.Pool
	ctx       context.Context
	cancel    context.CancelFunc
}

// New creates the signer service. Endpoints subscribe on relays; keys come
// from the keyring as they are unlocked.
func New(keyring *vault.Keyring, store *policy.Store, eval *acl.Evaluator, brk *broker.Broker, bus *event.Bus, relays []string, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		keyring:   keyring,
		store:     store,
		acl:       eval,
		broker:    brk,
		bus:       bus,
		relays:    relays,
		log:       log.Named("signer"),
		endpoints: make(map[string]*Endpoint),
		pools:     make(map[string]*relay.Pool),
	}
}

// Start brings up an endpoint for every key already unlocked in the
// keyring. A key that fails to start is logged and skipped so one bad
// entry does not keep the rest of the bunker offline.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	for _, key := range s.keyring.All() {
		if err := s.StartKey(key.Name); err != nil {
			s.log.Error("endpoint start failed", zap.String("key", key.Name), zap.Error(err))
		}
	}
	return nil
}

// StartKey starts the endpoint for an unlocked key. Idempotent: a running
// endpoint is left alone. The key must already be in the keyring.
func (s *Service) StartKey(name string) error {
	key, ok := s.keyring.Get(name)
	if !ok {
		return vault.ErrUnknownKey
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil {
		return errors.New("signer service not started")
	}
	if _, running := s.endpoints[name]; running {
		return nil
	}

	// The policy store tracks every key the bunker serves; make sure the
	// row exists for keys that predate it.
	if _, err := s.store.CreateKey(s.ctx, name); err != nil && !errors.Is(err, policy.ErrDuplicateKey) {
		return fmt.Errorf("ensure key row: %w", err)
	}

	pool := relay.NewPool(s.relays, s.log)
	ep, err := NewEndpoint(name, key.SecretHex(), pool, s.handlerFor(key), s.log)
	if err != nil {
		return err
	}
	ep.Start(s.ctx)
	s.endpoints[name] = ep
	s.pools[name] = pool

	s.log.Info("signing endpoint up",
		zap.String("key", name),
		zap.String("pubkey", key.PubKey),
		zap.Strings("relays", s.relays))
	s.bus.PublishAsync(context.Background(),
		event.New(event.TopicKeyUnlocked, "signer", KeyUnlocked{Name: name, Npub: key.Npub()}))
	return nil
}

// IsRunning reports whether a key has a live endpoint.
func (s *Service) IsRunning(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.endpoints[name]
	return ok
}

// Running returns the names of keys with live endpoints.
func (s *Service) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.endpoints))
	for name := range s.endpoints {
		names = append(names, name)
	}
	return names
}

// Stop tears down every endpoint and its relay pool.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, ep := range s.endpoints {
		ep.Stop()
		delete(s.endpoints, name)
	}
	for name, pool := range s.pools {
		pool.Close()
		delete(s.pools, name)
	}
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Service) handlerFor(key *vault.ActiveKey) Handler {
	return func(ctx context.Context, ep *Endpoint, client string, req nip46.Request) nip46.Response {
		return s.handle(ctx, ep, key, client, req)
	}
}
