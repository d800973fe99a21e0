// Package daemon assembles the bunker: the SQLite policy store, the key
// vault, the per-key signing endpoints, the admin relay channel, and the
// HTTP surface. It owns startup order, shutdown order, and the serialized
// key mutations that both the admin channel and the web API route through.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"

	"github.com/HerbHall/keybunker/internal/acl"
	"github.com/HerbHall/keybunker/internal/admin"
	"github.com/HerbHall/keybunker/internal/broker"
	"github.com/HerbHall/keybunker/internal/config"
	"github.com/HerbHall/keybunker/internal/event"
	"github.com/HerbHall/keybunker/internal/policy"
	"github.com/HerbHall/keybunker/internal/provision"
	"github.com/HerbHall/keybunker/internal/signer"
	"github.com/HerbHall/keybunker/internal/store"
	"github.com/HerbHall/keybunker/internal/vault"
	"github.com/HerbHall/keybunker/internal/version"
	"github.com/HerbHall/keybunker/internal/web"
	"github.com/HerbHall/keybunker/internal/ws"
)

const shutdownTimeout = 10 * time.Second

// Daemon is the assembled bunker process.
type Daemon struct {
	cfg *config.Config
	log *zap.Logger

	db      *store.SQLiteStore
	store   *policy.Store
	keyring *vault.Keyring
	bus     *event.Bus
	eval    *acl.Evaluator
	broker  *broker.Broker
	signer  *signer.Service
	prov    *provision.Service
	admin   *admin.Channel
	stream  *ws.Handler
	web     *web.Server

	// keyMu serializes vault mutations. The config file and the keyring
	// have no transaction spanning them both, so writers take turns.
	keyMu sync.Mutex

	cancel context.CancelFunc
	webErr chan error
}

// New wires the daemon from a loaded config. Nothing is listening until
// Start.
func New(cfg *config.Config, log *zap.Logger) (*Daemon, error) {
	if log == nil {
		log = zap.NewNop()
	}

	// The admin identity must exist before the channel can be built.
	// EnsureAdminKey persists a fresh key so restarts keep the same
	// bunker pubkey.
	hadAdminKey := cfg.Admin.Key != ""
	if err := cfg.EnsureAdminKey(); err != nil {
		return nil, fmt.Errorf("ensure admin key: %w", err)
	}
	if !hadAdminKey {
		log.Info("generated admin identity", zap.String("config", cfg.Path()))
	}

	db, err := store.New(cfg.DatabasePath())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	d := &Daemon{
		cfg:    cfg,
		log:    log,
		db:     db,
		webErr: make(chan error, 1),
	}

	d.store = policy.New(db, log)
	d.keyring = vault.NewKeyring()
	d.loadPlainKeys()

	d.bus = event.NewBus(log.Named("event"))
	d.eval = acl.New(d.store, log)
	d.broker = broker.New(d.store, d.eval, d.bus, broker.Options{
		BaseURL:        cfg.BaseURL,
		DefaultBaseURL: cfg.ExternalBaseURL(),
	}, log)

	d.signer = signer.New(d.keyring, d.store, d.eval, d.broker, d.bus, cfg.Nostr.Relays, log)
	d.prov = provision.New(cfg, d.keyring, d.store, d.broker, d.signer, d.bus, log)

	adminPubkeys, err := cfg.AdminPubkeys()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("decode admin npubs: %w", err)
	}
	channel, err := admin.New(d.store, d.bus, admin.Callbacks{
		ListKeys:      d.listKeys,
		CreateKey:     d.adminCreateKey,
		UnlockKey:     d.UnlockKey,
		CreateAccount: d.prov.CreateAccount,
	}, admin.Options{
		SecretHex:     cfg.Admin.Key,
		Relays:        cfg.AdminRelays(),
		AdminPubkeys:  adminPubkeys,
		ConnectSecret: cfg.Admin.Secret,
		Dir:           cfg.Dir(),
		NotifyOnBoot:  true,
	}, log)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("build admin channel: %w", err)
	}
	d.admin = channel
	d.broker.SetAdminQuerier(channel)

	d.stream = ws.NewHandler(d.bus, log.Named("ws"))
	d.web = web.New(cfg, d.store, d.keyring, d.bus, web.Hooks{
		CreateKey: d.webCreateKey,
		UnlockKey: d.UnlockKey,
		Ready:     d.ready,
	}, d.stream, log.Named("web"))

	return d, nil
}

// Start brings everything up. The HTTP server runs in its own goroutine;
// its failure surfaces on Err.
func (d *Daemon) Start(ctx context.Context) error {
	ctx, d.cancel = context.WithCancel(ctx)

	if err := d.db.CheckVersion(ctx, version.Short()); err != nil {
		return fmt.Errorf("database version: %w", err)
	}
	if err := d.store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate policy store: %w", err)
	}

	if err := d.signer.Start(ctx); err != nil {
		return fmt.Errorf("start signer: %w", err)
	}
	if err := d.admin.Start(ctx); err != nil {
		return fmt.Errorf("start admin channel: %w", err)
	}

	go func() {
		if err := d.web.Start(); err != nil {
			d.webErr <- err
		}
	}()

	d.log.Info("bunker up",
		zap.String("version", version.Short()),
		zap.String("admin", d.admin.Pubkey()),
		zap.Strings("relays", d.cfg.Nostr.Relays),
		zap.String("listen", d.cfg.ListenAddr()),
		zap.Int("keys", len(d.cfg.KeyNames())),
		zap.Strings("running", d.signer.Running()))
	return nil
}

// Err reports a fatal HTTP server failure.
func (d *Daemon) Err() <-chan error {
	return d.webErr
}

// Stop tears the daemon down in reverse start order and scrubs key
// material from memory.
func (d *Daemon) Stop() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := d.web.Shutdown(shutdownCtx); err != nil {
		d.log.Error("http shutdown", zap.Error(err))
	}
	d.admin.Stop()
	d.signer.Stop()
	if d.cancel != nil {
		d.cancel()
	}
	if err := d.db.Close(); err != nil {
		d.log.Error("close database", zap.Error(err))
	}
	d.keyring.Zeroize()
	d.log.Info("bunker stopped")
}

// loadPlainKeys activates every vault entry stored without a passphrase.
// Encrypted entries wait for an unlock from the dashboard or an admin.
func (d *Daemon) loadPlainKeys() {
	for _, name := range d.cfg.KeyNames() {
		entry, ok := d.cfg.KeyEntry(name)
		if !ok || entry.Encrypted() {
			continue
		}
		if _, err := d.keyring.Load(name, entry.Key); err != nil {
			d.log.Error("vault entry unusable", zap.String("key", name), zap.Error(err))
		}
	}
}

// CreateOrImportKey mints (blank secret) or imports a user key, persists
// it to the vault, and starts its endpoint. A non-blank passphrase stores
// the secret encrypted; the key still starts now since the plaintext is
// in hand. A taken name returns policy.ErrDuplicateKey.
func (d *Daemon) CreateOrImportKey(ctx context.Context, name, secret, passphrase string) (*vault.ActiveKey, error) {
	d.keyMu.Lock()
	defer d.keyMu.Unlock()

	if _, taken := d.cfg.KeyEntry(name); taken {
		return nil, policy.ErrDuplicateKey
	}

	var err error
	if secret == "" {
		secret = nostr.GeneratePrivateKey()
	} else if secret, err = vault.NormalizeSecret(secret); err != nil {
		return nil, err
	}

	var entry config.StoredKey
	if passphrase != "" {
		iv, data, err := vault.EncryptSecret([]byte(secret), passphrase)
		if err != nil {
			return nil, fmt.Errorf("encrypt key %q: %w", name, err)
		}
		entry = config.StoredKey{IV: iv, Data: data}
	} else {
		entry = config.StoredKey{Key: secret}
	}

	d.cfg.SetKey(name, entry)
	if err := d.cfg.Save(); err != nil {
		d.cfg.DeleteKey(name)
		return nil, fmt.Errorf("persist key %q: %w", name, err)
	}

	key, err := d.keyring.Load(name, secret)
	if err != nil {
		return nil, err
	}
	if _, err := d.store.CreateKey(ctx, name); err != nil && !errors.Is(err, policy.ErrDuplicateKey) {
		return nil, fmt.Errorf("register key %q: %w", name, err)
	}
	if err := d.signer.StartKey(name); err != nil {
		d.log.Warn("endpoint start deferred", zap.String("key", name), zap.Error(err))
	}
	d.log.Info("key stored", zap.String("key", name), zap.Bool("encrypted", passphrase != ""))
	return key, nil
}

// UnlockKey decrypts a stored key and starts its endpoint. Idempotent for
// keys that are already active. A wrong passphrase returns
// vault.ErrDecryptFailed.
func (d *Daemon) UnlockKey(_ context.Context, name, passphrase string) error {
	d.keyMu.Lock()
	defer d.keyMu.Unlock()

	entry, ok := d.cfg.KeyEntry(name)
	if !ok {
		return vault.ErrUnknownKey
	}
	if _, active := d.keyring.Get(name); !active {
		var err error
		if entry.Encrypted() {
			_, err = d.keyring.Unlock(name, entry.IV, entry.Data, passphrase)
		} else {
			_, err = d.keyring.Load(name, entry.Key)
		}
		if err != nil {
			return err
		}
	}
	if err := d.signer.StartKey(name); err != nil {
		d.log.Warn("endpoint start deferred", zap.String("key", name), zap.Error(err))
	}
	return nil
}

// adminCreateKey adapts CreateOrImportKey to the admin RPC shape: no
// passphrase, hex pubkey result.
func (d *Daemon) adminCreateKey(ctx context.Context, name, secret string) (string, error) {
	key, err := d.CreateOrImportKey(ctx, name, secret, "")
	if err != nil {
		return "", err
	}
	return key.PubKey, nil
}

// webCreateKey adapts CreateOrImportKey to the dashboard shape: optional
// passphrase, npub result.
func (d *Daemon) webCreateKey(ctx context.Context, name, nsec, passphrase string) (string, error) {
	key, err := d.CreateOrImportKey(ctx, name, nsec, passphrase)
	if err != nil {
		return "", err
	}
	return key.Npub(), nil
}

// listKeys reports every vault entry with its unlock state.
func (d *Daemon) listKeys(context.Context) ([]admin.KeyInfo, error) {
	names := d.cfg.KeyNames()
	infos := make([]admin.KeyInfo, 0, len(names))
	for _, name := range names {
		info := admin.KeyInfo{Name: name, Locked: true}
		if key, ok := d.keyring.Get(name); ok {
			info.Locked = false
			info.Pubkey = key.PubKey
			info.Npub = key.Npub()
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func (d *Daemon) ready(ctx context.Context) error {
	return d.db.DB().PingContext(ctx)
}
