// Package config owns the keybunker vault file: the JSON document holding
// relay lists, the admin identity, encrypted user keys, and daemon settings.
// The on-disk layout is a compatibility surface shared with existing
// deployments, so it is marshalled directly with encoding/json rather than
// through a settings library that would rewrite key casing.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
)

// DefaultFileName is the vault file name used when no -c path is given.
const DefaultFileName = "keybunker.json"

// ErrNoAdminKey is returned when an operation needs the admin identity but
// the vault file has none yet.
var ErrNoAdminKey = errors.New("config: admin key not generated")

// StoredKey is one named entry in the vault file. Exactly one form is set:
// either IV+Data (passphrase-encrypted) or Key (plain hex secret).
type StoredKey struct {
	IV   string `json:"iv,omitempty"`
	Data string `json:"data,omitempty"`
	Key  string `json:"key,omitempty"`
}

// Encrypted reports whether the entry is passphrase-protected.
func (k StoredKey) Encrypted() bool {
	return k.Key == "" && k.Data != ""
}

// NostrConfig lists the relays user-key endpoints listen on.
type NostrConfig struct {
	Relays []string `json:"relays"`
}

// AdminConfig holds the bunker's own identity and the admin allow-list.
type AdminConfig struct {
	Npubs              []string `json:"npubs"`
	AdminRelays        []string `json:"adminRelays,omitempty"`
	Key                string   `json:"key,omitempty"`
	Secret             string   `json:"secret,omitempty"`
	NotifyAdminsOnBoot bool     `json:"notifyAdminsOnBoot,omitempty"`
}

// DomainConfig describes one domain accounts can be provisioned under.
type DomainConfig struct {
	// Directory is the path of the NIP-05 well-known JSON file the domain
	// serves; provisioning appends (name -> pubkey) entries to it.
	Directory string `json:"directory"`
	// Relays advertised for newly provisioned users.
	Relays []string `json:"relays,omitempty"`
	// WalletURL, when set, is POSTed after account creation to provision a
	// custodial wallet. Failures are non-fatal.
	WalletURL string `json:"walletUrl,omitempty"`
	// LightningAddressURL, when set, registers a lightning address for the
	// new user. Failures are non-fatal.
	LightningAddressURL string `json:"lightningAddressUrl,omitempty"`
}

// Config is the vault file document.
type Config struct {
	Nostr    NostrConfig             `json:"nostr"`
	Admin    AdminConfig             `json:"admin"`
	AuthPort int                     `json:"authPort,omitempty"`
	AuthHost string                  `json:"authHost,omitempty"`
	BaseURL  string                  `json:"baseUrl,omitempty"`
	Database string                  `json:"database,omitempty"`
	Logs     string                  `json:"logs,omitempty"`
	Keys     map[string]StoredKey    `json:"keys"`
	Domains  map[string]DomainConfig `json:"domains,omitempty"`
	Verbose  bool                    `json:"verbose"`

	path string
	mu   sync.Mutex
}

// New returns an empty Config bound to path. The file is not created until
// Save is called.
func New(path string) *Config {
	return &Config{
		Keys: make(map[string]StoredKey),
		path: path,
	}
}

// Load reads and parses the vault file at path. A missing file is an error;
// callers that tolerate first-run use New and Save instead.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read vault file %q: %w", path, err)
	}
	cfg := New(path)
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse vault file %q: %w", path, err)
	}
	if cfg.Keys == nil {
		cfg.Keys = make(map[string]StoredKey)
	}
	return cfg, nil
}

// Path returns the vault file location.
func (c *Config) Path() string {
	return c.path
}

// KeyEntry returns the vault entry for name. Runtime code goes through
// this instead of the Keys map: provisioning adds entries while the web
// surface reads them.
func (c *Config) KeyEntry(name string) (StoredKey, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.Keys[name]
	return entry, ok
}

// KeyNames returns the vault entry names, sorted.
func (c *Config) KeyNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.Keys))
	for name := range c.Keys {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SetKey adds or replaces a vault entry. The caller still Saves.
func (c *Config) SetKey(name string, entry StoredKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Keys[name] = entry
}

// DeleteKey removes a vault entry. The caller still Saves.
func (c *Config) DeleteKey(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.Keys, name)
}

// Dir returns the directory holding the vault file. Sibling artifacts
// (connection.txt, the default database) live here.
func (c *Config) Dir() string {
	return filepath.Dir(c.path)
}

// Save writes the document atomically: marshal to a temp file in the same
// directory, fsync, rename over the target. Mode 0600 -- the file holds
// secret material.
func (c *Config) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal vault file: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(c.path)
	tmp, err := os.CreateTemp(dir, ".keybunker-*.json")
	if err != nil {
		return fmt.Errorf("create temp vault file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp vault file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp vault file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp vault file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp vault file: %w", err)
	}
	if err := os.Rename(tmpName, c.path); err != nil {
		return fmt.Errorf("replace vault file: %w", err)
	}
	return nil
}

// EnsureAdminKey generates the bunker's admin identity on first use and
// persists it. Idempotent.
func (c *Config) EnsureAdminKey() error {
	if c.Admin.Key != "" {
		return nil
	}
	c.Admin.Key = nostr.GeneratePrivateKey()
	return c.Save()
}

// AdminPubkey returns the hex public key of the admin identity.
func (c *Config) AdminPubkey() (string, error) {
	if c.Admin.Key == "" {
		return "", ErrNoAdminKey
	}
	pub, err := nostr.GetPublicKey(c.Admin.Key)
	if err != nil {
		return "", fmt.Errorf("derive admin pubkey: %w", err)
	}
	return pub, nil
}

// AdminPubkeys decodes the allow-list npubs to 32-byte hex pubkeys.
// Invalid entries are reported, not skipped: a typo in the allow-list must
// not silently lock an admin out.
func (c *Config) AdminPubkeys() ([]string, error) {
	pubs := make([]string, 0, len(c.Admin.Npubs))
	for _, npub := range c.Admin.Npubs {
		pub, err := DecodePubkey(npub)
		if err != nil {
			return nil, fmt.Errorf("admin npub %q: %w", npub, err)
		}
		pubs = append(pubs, pub)
	}
	return pubs, nil
}

// AddAdminNpub appends an npub to the allow-list if not already present.
// Returns true when the list changed.
func (c *Config) AddAdminNpub(npub string) (bool, error) {
	if _, err := DecodePubkey(npub); err != nil {
		return false, err
	}
	for _, existing := range c.Admin.Npubs {
		if existing == npub {
			return false, nil
		}
	}
	c.Admin.Npubs = append(c.Admin.Npubs, npub)
	return true, nil
}

// MergeAdminNpubs folds --admin flags and the ADMIN_NPUBS environment
// variable into the allow-list, persisting only when something was added.
func (c *Config) MergeAdminNpubs(flagNpubs []string) error {
	merged := append([]string{}, flagNpubs...)
	if env := os.Getenv("ADMIN_NPUBS"); env != "" {
		for _, n := range strings.Split(env, ",") {
			if n = strings.TrimSpace(n); n != "" {
				merged = append(merged, n)
			}
		}
	}
	changed := false
	for _, npub := range merged {
		added, err := c.AddAdminNpub(npub)
		if err != nil {
			return err
		}
		changed = changed || added
	}
	if changed {
		return c.Save()
	}
	return nil
}

// AdminRelays returns the relays the admin channel uses, falling back to
// the user relays when none are configured separately.
func (c *Config) AdminRelays() []string {
	if len(c.Admin.AdminRelays) > 0 {
		return c.Admin.AdminRelays
	}
	return c.Nostr.Relays
}

// ListenAddr returns the HTTP surface bind address.
func (c *Config) ListenAddr() string {
	host := c.AuthHost
	if host == "" {
		host = "0.0.0.0"
	}
	port := c.AuthPort
	if port == 0 {
		port = 8080
	}
	return fmt.Sprintf("%s:%d", host, port)
}

// ExternalBaseURL is the address clients are sent to for approval pages.
// Falls back to localhost on the configured port when baseUrl is unset.
func (c *Config) ExternalBaseURL() string {
	if c.BaseURL != "" {
		return strings.TrimRight(c.BaseURL, "/")
	}
	port := c.AuthPort
	if port == 0 {
		port = 8080
	}
	return fmt.Sprintf("http://localhost:%d", port)
}

// DatabasePath resolves the state-store location: the DATABASE_URL
// environment wins, then the vault file's database field, then a default
// next to the vault file. A sqlite:// or file: scheme prefix is tolerated.
func (c *Config) DatabasePath() string {
	path := os.Getenv("DATABASE_URL")
	if path == "" {
		path = c.Database
	}
	if path == "" {
		path = filepath.Join(c.Dir(), "keybunker.db")
	}
	path = strings.TrimPrefix(path, "sqlite://")
	path = strings.TrimPrefix(path, "file:")
	return path
}

// DecodePubkey accepts an npub or a 64-char hex pubkey and returns hex.
func DecodePubkey(s string) (string, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "npub1") {
		prefix, value, err := nip19.Decode(s)
		if err != nil {
			return "", fmt.Errorf("decode npub: %w", err)
		}
		if prefix != "npub" {
			return "", fmt.Errorf("expected npub, got %s", prefix)
		}
		pub, ok := value.(string)
		if !ok {
			return "", fmt.Errorf("unexpected npub payload type %T", value)
		}
		return pub, nil
	}
	if len(s) != 64 {
		return "", fmt.Errorf("invalid pubkey %q: want npub or 64 hex chars", s)
	}
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') && (r < 'A' || r > 'F') {
			return "", fmt.Errorf("invalid pubkey %q: non-hex character", s)
		}
	}
	return strings.ToLower(s), nil
}
