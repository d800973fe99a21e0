package vault

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
)

// ErrUnknownKey is returned when a named key is not loaded.
var ErrUnknownKey = errors.New("unknown key")

// ActiveKey is a runtime-unlocked signing key. The secret stays inside the
// vault package; callers use SecretHex at the point of signing and must not
// retain the result.
type ActiveKey struct {
	Name   string
	PubKey string
	secret []byte
}

// SecretHex returns the secret as lowercase hex, the form the signing and
// encryption primitives consume.
func (k *ActiveKey) SecretHex() string {
	return hex.EncodeToString(k.secret)
}

// Npub returns the bech32 encoding of the public key.
func (k *ActiveKey) Npub() string {
	npub, err := nip19.EncodePublicKey(k.PubKey)
	if err != nil {
		return ""
	}
	return npub
}

// Zeroize overwrites the secret in place. The key is unusable afterwards.
func (k *ActiveKey) Zeroize() {
	ZeroBytes(k.secret)
}

// Keyring holds the unlocked keys, indexed by vault entry name. Reads are
// frequent (every inbound signing request); writes happen only on boot,
// unlock, and provisioning.
type Keyring struct {
	mu   sync.RWMutex
	keys map[string]*ActiveKey
}

// NewKeyring returns an empty keyring.
func NewKeyring() *Keyring {
	return &Keyring{keys: make(map[string]*ActiveKey)}
}

// Load validates a plain secret (nsec or 64-char hex), derives its public
// key, and stores it under name. Reloading a name replaces and zeroizes the
// previous entry.
func (r *Keyring) Load(name, secret string) (*ActiveKey, error) {
	skHex, err := NormalizeSecret(secret)
	if err != nil {
		return nil, err
	}
	pub, err := nostr.GetPublicKey(skHex)
	if err != nil {
		return nil, fmt.Errorf("derive pubkey: %w", err)
	}
	raw, err := hex.DecodeString(skHex)
	if err != nil {
		return nil, fmt.Errorf("decode secret: %w", err)
	}

	key := &ActiveKey{Name: name, PubKey: pub, secret: raw}

	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.keys[name]; ok {
		old.Zeroize()
	}
	r.keys[name] = key
	return key, nil
}

// Unlock decrypts a passphrase-protected vault entry and loads it. A wrong
// passphrase surfaces as ErrDecryptFailed, either from the cipher layer or
// because the recovered plaintext is not a valid secret.
func (r *Keyring) Unlock(name, ivHex, dataHex, passphrase string) (*ActiveKey, error) {
	plaintext, err := DecryptSecret(ivHex, dataHex, passphrase)
	if err != nil {
		return nil, err
	}
	defer ZeroBytes(plaintext)

	key, err := r.Load(name, strings.TrimSpace(string(plaintext)))
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return key, nil
}

// Get returns the unlocked key for name.
func (r *Keyring) Get(name string) (*ActiveKey, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key, ok := r.keys[name]
	return key, ok
}

// ByPubkey returns the unlocked key whose public key matches.
func (r *Keyring) ByPubkey(pub string) (*ActiveKey, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, key := range r.keys {
		if key.PubKey == pub {
			return key, true
		}
	}
	return nil, false
}

// Names returns the loaded key names, sorted.
func (r *Keyring) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.keys))
	for name := range r.keys {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns the loaded keys in name order.
func (r *Keyring) All() []*ActiveKey {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]*ActiveKey, 0, len(r.keys))
	for _, key := range r.keys {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Name < keys[j].Name })
	return keys
}

// Zeroize wipes every loaded secret. Called on shutdown.
func (r *Keyring) Zeroize() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, key := range r.keys {
		key.Zeroize()
		delete(r.keys, name)
	}
}

// NormalizeSecret accepts an nsec or a 64-char hex secret and returns
// lowercase hex.
func NormalizeSecret(s string) (string, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "nsec1") {
		prefix, value, err := nip19.Decode(s)
		if err != nil {
			return "", fmt.Errorf("decode nsec: %w", err)
		}
		if prefix != "nsec" {
			return "", fmt.Errorf("expected nsec, got %s", prefix)
		}
		skHex, ok := value.(string)
		if !ok {
			return "", fmt.Errorf("unexpected nsec payload type %T", value)
		}
		return skHex, nil
	}
	raw, err := hex.DecodeString(strings.ToLower(s))
	if err != nil || len(raw) != 32 {
		return "", errors.New("invalid secret: want nsec or 64 hex chars")
	}
	return strings.ToLower(s), nil
}
