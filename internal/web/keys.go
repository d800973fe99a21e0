package web

import (
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/HerbHall/keybunker/internal/nip46"
	"github.com/HerbHall/keybunker/internal/policy"
	"github.com/HerbHall/keybunker/internal/vault"
)

// keyView is a vault entry as the dashboard sees it. Locked entries
// expose nothing beyond their name; the pubkey only exists once the
// passphrase has unlocked the key.
type keyView struct {
	Name      string `json:"name"`
	Locked    bool   `json:"locked"`
	Pubkey    string `json:"pubkey,omitempty"`
	Npub      string `json:"npub,omitempty"`
	BunkerURI string `json:"bunkerUri,omitempty"`
}

// handleListKeys serves GET /keys.
func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	names := s.cfg.KeyNames()
	relays := s.cfg.Nostr.Relays
	views := make([]keyView, 0, len(names))
	for _, name := range names {
		v := keyView{Name: name, Locked: true}
		if key, ok := s.keyring.Get(name); ok {
			v.Locked = false
			v.Pubkey = key.PubKey
			v.Npub = key.Npub()
			v.BunkerURI = nip46.BunkerURL(key.PubKey, relays, "")
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": views})
}

type createKeyBody struct {
	Name       string `json:"name"`
	Nsec       string `json:"nsec"`
	Passphrase string `json:"passphrase"`
}

// handleCreateKey serves POST /keys: mint or import a key under a name.
// A blank nsec generates a fresh keypair; a non-blank passphrase stores
// the secret encrypted at rest.
func (s *Server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	var body createKeyBody
	if err := readJSON(r, &body); err != nil {
		BadRequest(w, r, "invalid request body")
		return
	}
	name := strings.TrimSpace(body.Name)
	if name == "" {
		BadRequest(w, r, "name is required")
		return
	}

	npub, err := s.hooks.CreateKey(r.Context(), name, body.Nsec, body.Passphrase)
	if errors.Is(err, policy.ErrDuplicateKey) {
		Conflict(w, r, "a key with that name already exists")
		return
	}
	if err != nil {
		s.log.Error("create key", zap.String("name", name), zap.Error(err))
		BadRequest(w, r, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"name": name, "npub": npub})
}

type unlockKeyBody struct {
	Passphrase string `json:"passphrase"`
}

// handleUnlockKey serves POST /keys/{name}/unlock.
func (s *Server) handleUnlockKey(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if _, ok := s.cfg.KeyEntry(name); !ok {
		NotFound(w, r, "no such key")
		return
	}
	var body unlockKeyBody
	if err := readJSON(r, &body); err != nil {
		BadRequest(w, r, "invalid request body")
		return
	}

	err := s.hooks.UnlockKey(r.Context(), name, body.Passphrase)
	if errors.Is(err, vault.ErrDecryptFailed) {
		Unauthorized(w, r, "wrong passphrase")
		return
	}
	if err != nil {
		s.log.Error("unlock key", zap.String("name", name), zap.Error(err))
		InternalError(w, r, "failed to unlock key")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "name": name})
}
