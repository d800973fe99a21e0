package provision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/nbd-wtf/go-nostr/nip19"
	"go.uber.org/zap"
)

// WalletClient talks to the optional external services that attach a
// custodial wallet and a lightning address to freshly provisioned
// accounts. Every call is best effort; provisioning succeeds without them.
type WalletClient struct {
	client *http.Client
	log    *zap.Logger
}

// NewWalletClient builds a client with a bounded request timeout.
func NewWalletClient(log *zap.Logger) *WalletClient {
	if log == nil {
		log = zap.NewNop()
	}
	return &WalletClient{
		client: &http.Client{Timeout: 10 * time.Second},
		log:    log.Named("wallet"),
	}
}

// walletPayload is the JSON body POSTed to the wallet service.
type walletPayload struct {
	KeyName string `json:"keyName"`
	Pubkey  string `json:"pubkey"`
	Npub    string `json:"npub"`
}

// ProvisionWallet asks the configured wallet service to open a wallet for
// the new account. A blank URL disables the side-effect.
func (w *WalletClient) ProvisionWallet(ctx context.Context, url, keyName, pubkey string) error {
	if url == "" {
		return nil
	}
	npub, err := nip19.EncodePublicKey(pubkey)
	if err != nil {
		return fmt.Errorf("encode npub: %w", err)
	}
	return w.post(ctx, url, walletPayload{KeyName: keyName, Pubkey: pubkey, Npub: npub})
}

// lightningPayload is the JSON body POSTed to the lightning address
// service.
type lightningPayload struct {
	Username string `json:"username"`
	Domain   string `json:"domain"`
	Pubkey   string `json:"pubkey"`
}

// RegisterLightningAddress reserves username@domain as a lightning address
// pointing at the new pubkey. A blank URL disables the side-effect.
func (w *WalletClient) RegisterLightningAddress(ctx context.Context, url, username, domain, pubkey string) error {
	if url == "" {
		return nil
	}
	return w.post(ctx, url, lightningPayload{Username: username, Domain: domain, Pubkey: pubkey})
}

func (w *WalletClient) post(ctx context.Context, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "KeyBunker-Provision/0.1")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("post %s: status %d", url, resp.StatusCode)
	}
	w.log.Debug("side-effect provisioned",
		zap.String("url", url),
		zap.Int("status", resp.StatusCode))
	return nil
}
