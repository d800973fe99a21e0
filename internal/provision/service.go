// Package provision implements account creation: minting a new user key,
// registering its public name, and whitelisting the requester. The flow is
// driven by the create_account RPC, bypasses the admin allow-list, and
// completes through the registration web form.
package provision

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"

	"github.com/HerbHall/keybunker/internal/broker"
	"github.com/HerbHall/keybunker/internal/config"
	"github.com/HerbHall/keybunker/internal/event"
	"github.com/HerbHall/keybunker/internal/policy"
	"github.com/HerbHall/keybunker/internal/relay"
	"github.com/HerbHall/keybunker/internal/signer"
	"github.com/HerbHall/keybunker/internal/vault"
)

// Usernames nobody gets to register for themselves. Checked against the
// requested name only; a name the admin typed into the form is trusted.
var reservedNames = map[string]bool{
	"admin":         true,
	"root":          true,
	"_":             true,
	"administrator": true,
	"__":            true,
}

var usernamePattern = regexp.MustCompile(`^[a-z0-9._-]+$`)

const randomUsernameLength = 10

// AccountCreated is the bus payload published when provisioning completes.
type AccountCreated struct {
	KeyName  string `json:"keyName"`
	Username string `json:"username"`
	Domain   string `json:"domain"`
	Pubkey   string `json:"pubkey"`
	Creator  string `json:"creator"`
}

// Service runs the provisioning flow end to end.
type Service struct {
	cfg     *config.Config
	keyring *vault.Keyring
	store   *policy.Store
	broker  *broker.Broker
	signer  *signer.Service
	bus     *event.Bus
	wallet  *WalletClient
	log     *zap.Logger

	// publish delivers the new account's profile event. Swapped in tests.
	publish func(ctx context.Context, evt nostr.Event, relays []string) error
}

// New builds the provisioning service. The signer service may be nil in
// tools that only mint keys without serving them.
func New(cfg *config.Config, keyring *vault.Keyring, store *policy.Store, brk *broker.Broker, sgn *signer.Service, bus *event.Bus, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("provision")
	s := &Service{
		cfg:     cfg,
		keyring: keyring,
		store:   store,
		broker:  brk,
		signer:  sgn,
		bus:     bus,
		wallet:  NewWalletClient(log),
		log:     log,
	}
	s.publish = s.publishViaPool
	return s
}

// CreateAccount validates the request, routes it through the authorization
// broker (which surfaces the registration form to an admin), and on
// approval mints the key and registers the account. Returns the new
// account's public key. Matches the admin channel's CreateAccount hook.
func (s *Service) CreateAccount(ctx context.Context, client string, sendAuthURL func(context.Context, string) error, username, domain, email string) (string, error) {
	domain, _, err := s.selectDomain(domain)
	if err != nil {
		return "", err
	}
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" {
		username, err = randomUsername()
		if err != nil {
			return "", err
		}
	} else {
		if reservedNames[username] {
			return "", fmt.Errorf("username %q is reserved", username)
		}
		if !usernamePattern.MatchString(username) {
			return "", fmt.Errorf("invalid username %q", username)
		}
	}

	params, err := s.broker.RequestAuthorization(ctx, broker.Request{
		KeyName:      username + "@" + domain,
		RequestID:    uuid.New().String(),
		ClientPubkey: client,
		Method:       "create_account",
		Params:       []string{username, domain, email},
		SendAuthURL:  sendAuthURL,
	})
	if err != nil {
		return "", err
	}

	// The registration form may have rewritten the name, domain, or email.
	if v := paramAt(params, 0); v != "" {
		username = v
	}
	if v := paramAt(params, 1); v != "" {
		domain = v
	}
	email = paramAt(params, 2)

	return s.complete(ctx, client, username, domain, email)
}

// complete runs the post-approval side of provisioning.
func (s *Service) complete(ctx context.Context, client, username, domain, email string) (string, error) {
	dc, ok := s.cfg.Domains[domain]
	if !ok {
		return "", fmt.Errorf("unknown domain %q", domain)
	}
	keyName := username + "@" + domain

	dir, err := readDirectory(dc.Directory)
	if err != nil {
		return "", err
	}
	if _, taken := dir.Names[username]; taken {
		return "", fmt.Errorf("username %s is taken", keyName)
	}

	secret := nostr.GeneratePrivateKey()
	pubkey, err := nostr.GetPublicKey(secret)
	if err != nil {
		return "", fmt.Errorf("derive pubkey: %w", err)
	}

	profileRelays := dc.Relays
	if len(profileRelays) == 0 {
		profileRelays = s.cfg.Nostr.Relays
	}
	if err := s.publishProfile(ctx, secret, username, keyName, profileRelays); err != nil {
		// The account still gets minted: the profile can be republished,
		// a lost key cannot be recovered.
		s.log.Warn("profile publish failed",
			zap.String("key", keyName),
			zap.Error(err))
	}

	if err := appendDirectory(dc.Directory, username, pubkey, profileRelays, s.cfg.Nostr.Relays); err != nil {
		return "", err
	}

	// Optional custodial side-effects. Failures never abort provisioning.
	if err := s.wallet.ProvisionWallet(ctx, dc.WalletURL, keyName, pubkey); err != nil {
		s.log.Warn("wallet provisioning failed",
			zap.String("key", keyName),
			zap.Error(err))
	}
	if err := s.wallet.RegisterLightningAddress(ctx, dc.LightningAddressURL, username, domain, pubkey); err != nil {
		s.log.Warn("lightning address registration failed",
			zap.String("key", keyName),
			zap.Error(err))
	}

	if err := s.persistKey(keyName, secret); err != nil {
		return "", err
	}
	if _, err := s.keyring.Load(keyName, secret); err != nil {
		return "", fmt.Errorf("load new key: %w", err)
	}
	if _, err := s.store.CreateKey(ctx, keyName); err != nil && !errors.Is(err, policy.ErrDuplicateKey) {
		return "", fmt.Errorf("create key row: %w", err)
	}

	if err := s.whitelist(ctx, keyName, client, username, domain, email); err != nil {
		return "", err
	}

	if s.signer != nil {
		if err := s.signer.StartKey(keyName); err != nil {
			// The key is persisted; the endpoint comes up on next boot.
			s.log.Warn("endpoint start failed",
				zap.String("key", keyName),
				zap.Error(err))
		}
	}

	s.bus.PublishAsync(context.Background(), event.New(event.TopicAccountCreated, "provision", AccountCreated{
		KeyName:  keyName,
		Username: username,
		Domain:   domain,
		Pubkey:   pubkey,
		Creator:  client,
	}))
	s.log.Info("account provisioned",
		zap.String("key", keyName),
		zap.String("pubkey", pubkey),
		zap.String("creator", client))
	return pubkey, nil
}

// whitelist grants the requesting client full use of the new key.
func (s *Service) whitelist(ctx context.Context, keyName, client, username, domain, email string) error {
	user, err := s.store.UpsertKeyUser(ctx, keyName, client, "account creator")
	if err != nil {
		return fmt.Errorf("whitelist creator: %w", err)
	}
	kindAll := policy.KindAll
	grants := []struct {
		method string
		kind   *string
	}{
		{"connect", nil},
		{"sign_event", &kindAll},
		{"nip04_encrypt", nil},
		{"nip04_decrypt", nil},
		{"nip44_encrypt", nil},
		{"nip44_decrypt", nil},
	}
	for _, g := range grants {
		if _, err := s.store.AddCondition(ctx, user.ID, g.method, g.kind, true); err != nil {
			return fmt.Errorf("grant %s: %w", g.method, err)
		}
	}
	detail, _ := json.Marshal([]string{username, domain, email})
	if err := s.store.AppendAudit(ctx, policy.AuditRegistration, "create_account", string(detail), &user.ID); err != nil {
		s.log.Warn("audit append failed", zap.Error(err))
	}
	return nil
}

// persistKey writes the new key to the vault file in plain form. The admin
// can passphrase-protect it later.
func (s *Service) persistKey(keyName, secret string) error {
	if _, exists := s.cfg.KeyEntry(keyName); exists {
		return fmt.Errorf("vault already holds a key named %q", keyName)
	}
	s.cfg.SetKey(keyName, config.StoredKey{Key: secret})
	if err := s.cfg.Save(); err != nil {
		s.cfg.DeleteKey(keyName)
		return fmt.Errorf("persist new key: %w", err)
	}
	return nil
}

// publishProfile signs and publishes the minimal kind-0 profile for a
// freshly minted account.
func (s *Service) publishProfile(ctx context.Context, secret, username, nip05Name string, relays []string) error {
	content, err := json.Marshal(map[string]string{
		"name":         username,
		"display_name": username,
		"nip05":        nip05Name,
	})
	if err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}
	evt := nostr.Event{
		Kind:      nostr.KindProfileMetadata,
		CreatedAt: nostr.Now(),
		Tags:      nostr.Tags{},
		Content:   string(content),
	}
	if err := evt.Sign(secret); err != nil {
		return fmt.Errorf("sign profile: %w", err)
	}
	return s.publish(ctx, evt, relays)
}

func (s *Service) publishViaPool(ctx context.Context, evt nostr.Event, relays []string) error {
	pool := relay.NewPool(relays, s.log)
	defer pool.Close()
	return pool.Publish(ctx, evt)
}

// selectDomain resolves the requested domain against the configured set,
// defaulting to the first configured domain in name order.
func (s *Service) selectDomain(requested string) (string, config.DomainConfig, error) {
	if len(s.cfg.Domains) == 0 {
		return "", config.DomainConfig{}, errors.New("no domains configured")
	}
	if requested == "" {
		names := make([]string, 0, len(s.cfg.Domains))
		for name := range s.cfg.Domains {
			names = append(names, name)
		}
		sort.Strings(names)
		requested = names[0]
	}
	dc, ok := s.cfg.Domains[requested]
	if !ok {
		return "", config.DomainConfig{}, fmt.Errorf("unknown domain %q", requested)
	}
	return requested, dc, nil
}

func randomUsername() (string, error) {
	const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	raw := make([]byte, randomUsernameLength)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("derive username: %w", err)
	}
	name := make([]byte, randomUsernameLength)
	for i, b := range raw {
		name[i] = alphabet[int(b)%len(alphabet)]
	}
	return string(name), nil
}

func paramAt(params []string, i int) string {
	if i < 0 || i >= len(params) {
		return ""
	}
	return params[i]
}
