package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
)

func testConfig(t *testing.T) *Config {
	t.Helper()
	return New(filepath.Join(t.TempDir(), DefaultFileName))
}

func TestSaveLoadRoundTrip(t *testing.T) {
	cfg := testConfig(t)
	cfg.Nostr.Relays = []string{"wss://relay.example.com"}
	cfg.AuthPort = 9090
	cfg.BaseURL = "https://bunker.example.com"
	cfg.Keys["alice"] = StoredKey{IV: "aa", Data: "bb"}
	cfg.Keys["bob"] = StoredKey{Key: "cc"}
	cfg.Domains = map[string]DomainConfig{
		"example.com": {Directory: "/srv/nostr.json", Relays: []string{"wss://r1"}},
	}

	if err := cfg.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := Load(cfg.Path())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.AuthPort != 9090 {
		t.Errorf("AuthPort = %d, want 9090", got.AuthPort)
	}
	if len(got.Nostr.Relays) != 1 || got.Nostr.Relays[0] != "wss://relay.example.com" {
		t.Errorf("Relays = %v", got.Nostr.Relays)
	}
	if !got.Keys["alice"].Encrypted() {
		t.Error("alice should be encrypted")
	}
	if got.Keys["bob"].Encrypted() {
		t.Error("bob should be plain")
	}
	if got.Domains["example.com"].Directory != "/srv/nostr.json" {
		t.Errorf("Domains = %v", got.Domains)
	}
}

func TestKeyAccessors(t *testing.T) {
	cfg := testConfig(t)
	cfg.SetKey("bob", StoredKey{Key: "cc"})
	cfg.SetKey("alice", StoredKey{IV: "aa", Data: "bb"})

	if got := cfg.KeyNames(); len(got) != 2 || got[0] != "alice" || got[1] != "bob" {
		t.Errorf("KeyNames = %v, want [alice bob]", got)
	}
	entry, ok := cfg.KeyEntry("alice")
	if !ok || !entry.Encrypted() {
		t.Errorf("KeyEntry(alice) = %+v ok=%v", entry, ok)
	}
	if _, ok := cfg.KeyEntry("ghost"); ok {
		t.Error("KeyEntry(ghost) should miss")
	}

	cfg.DeleteKey("bob")
	if got := cfg.KeyNames(); len(got) != 1 || got[0] != "alice" {
		t.Errorf("KeyNames after delete = %v", got)
	}
}

func TestSaveFileMode(t *testing.T) {
	cfg := testConfig(t)
	if err := cfg.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}
	info, err := os.Stat(cfg.Path())
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("vault file mode = %o, want 600", perm)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestEnsureAdminKeyIdempotent(t *testing.T) {
	cfg := testConfig(t)
	if err := cfg.EnsureAdminKey(); err != nil {
		t.Fatalf("EnsureAdminKey: %v", err)
	}
	first := cfg.Admin.Key
	if first == "" {
		t.Fatal("expected generated admin key")
	}
	if err := cfg.EnsureAdminKey(); err != nil {
		t.Fatalf("EnsureAdminKey (2nd): %v", err)
	}
	if cfg.Admin.Key != first {
		t.Error("admin key changed on second call")
	}

	pub, err := cfg.AdminPubkey()
	if err != nil {
		t.Fatalf("AdminPubkey: %v", err)
	}
	if len(pub) != 64 {
		t.Errorf("admin pubkey length = %d, want 64", len(pub))
	}
}

func TestAdminPubkeyNoKey(t *testing.T) {
	cfg := testConfig(t)
	if _, err := cfg.AdminPubkey(); err != ErrNoAdminKey {
		t.Fatalf("err = %v, want ErrNoAdminKey", err)
	}
}

func TestDecodePubkey(t *testing.T) {
	sk := nostr.GeneratePrivateKey()
	pub, _ := nostr.GetPublicKey(sk)
	npub, err := nip19.EncodePublicKey(pub)
	if err != nil {
		t.Fatalf("EncodePublicKey: %v", err)
	}

	got, err := DecodePubkey(npub)
	if err != nil {
		t.Fatalf("DecodePubkey(npub): %v", err)
	}
	if got != pub {
		t.Errorf("npub decoded to %s, want %s", got, pub)
	}

	got, err = DecodePubkey(strings.ToUpper(pub))
	if err != nil {
		t.Fatalf("DecodePubkey(hex): %v", err)
	}
	if got != pub {
		t.Errorf("hex normalized to %s, want %s", got, pub)
	}

	for _, bad := range []string{"", "npub1zzz", "nothex", strings.Repeat("x", 64)} {
		if _, err := DecodePubkey(bad); err == nil {
			t.Errorf("DecodePubkey(%q): expected error", bad)
		}
	}
}

func TestAddAdminNpubDedup(t *testing.T) {
	cfg := testConfig(t)
	sk := nostr.GeneratePrivateKey()
	pub, _ := nostr.GetPublicKey(sk)
	npub, _ := nip19.EncodePublicKey(pub)

	added, err := cfg.AddAdminNpub(npub)
	if err != nil || !added {
		t.Fatalf("first add: added=%v err=%v", added, err)
	}
	added, err = cfg.AddAdminNpub(npub)
	if err != nil || added {
		t.Fatalf("second add: added=%v err=%v", added, err)
	}
	if len(cfg.Admin.Npubs) != 1 {
		t.Errorf("npubs = %v, want one entry", cfg.Admin.Npubs)
	}

	pubs, err := cfg.AdminPubkeys()
	if err != nil {
		t.Fatalf("AdminPubkeys: %v", err)
	}
	if len(pubs) != 1 || pubs[0] != pub {
		t.Errorf("AdminPubkeys = %v, want [%s]", pubs, pub)
	}
}

func TestMergeAdminNpubsFromEnv(t *testing.T) {
	cfg := testConfig(t)
	sk1 := nostr.GeneratePrivateKey()
	pub1, _ := nostr.GetPublicKey(sk1)
	npub1, _ := nip19.EncodePublicKey(pub1)
	sk2 := nostr.GeneratePrivateKey()
	pub2, _ := nostr.GetPublicKey(sk2)
	npub2, _ := nip19.EncodePublicKey(pub2)

	t.Setenv("ADMIN_NPUBS", npub2+" , "+npub2)

	if err := cfg.MergeAdminNpubs([]string{npub1}); err != nil {
		t.Fatalf("MergeAdminNpubs: %v", err)
	}
	if len(cfg.Admin.Npubs) != 2 {
		t.Fatalf("npubs = %v, want two entries", cfg.Admin.Npubs)
	}

	// persisted
	got, err := Load(cfg.Path())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got.Admin.Npubs) != 2 {
		t.Errorf("persisted npubs = %v", got.Admin.Npubs)
	}
}

func TestListenAddrDefaults(t *testing.T) {
	cfg := testConfig(t)
	if got := cfg.ListenAddr(); got != "0.0.0.0:8080" {
		t.Errorf("ListenAddr = %q", got)
	}
	cfg.AuthHost = "127.0.0.1"
	cfg.AuthPort = 3000
	if got := cfg.ListenAddr(); got != "127.0.0.1:3000" {
		t.Errorf("ListenAddr = %q", got)
	}
}

func TestExternalBaseURL(t *testing.T) {
	cfg := testConfig(t)
	if got := cfg.ExternalBaseURL(); got != "http://localhost:8080" {
		t.Errorf("ExternalBaseURL = %q", got)
	}
	cfg.BaseURL = "https://bunker.example.com/"
	if got := cfg.ExternalBaseURL(); got != "https://bunker.example.com" {
		t.Errorf("ExternalBaseURL = %q", got)
	}
}

func TestDatabasePathResolution(t *testing.T) {
	cfg := testConfig(t)

	t.Setenv("DATABASE_URL", "")
	if got := cfg.DatabasePath(); got != filepath.Join(cfg.Dir(), "keybunker.db") {
		t.Errorf("default DatabasePath = %q", got)
	}

	cfg.Database = "sqlite:///var/lib/kb.db"
	if got := cfg.DatabasePath(); got != "/var/lib/kb.db" {
		t.Errorf("config DatabasePath = %q", got)
	}

	t.Setenv("DATABASE_URL", "file:/tmp/env.db")
	if got := cfg.DatabasePath(); got != "/tmp/env.db" {
		t.Errorf("env DatabasePath = %q", got)
	}
}

func TestAdminRelaysFallback(t *testing.T) {
	cfg := testConfig(t)
	cfg.Nostr.Relays = []string{"wss://user"}
	if got := cfg.AdminRelays(); len(got) != 1 || got[0] != "wss://user" {
		t.Errorf("AdminRelays fallback = %v", got)
	}
	cfg.Admin.AdminRelays = []string{"wss://admin"}
	if got := cfg.AdminRelays(); len(got) != 1 || got[0] != "wss://admin" {
		t.Errorf("AdminRelays = %v", got)
	}
}
