package web

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/HerbHall/keybunker/internal/nip46"
)

// handleDashboard serves GET /dashboard: the aggregates the landing page
// renders in one round trip.
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.Counts(r.Context())
	if err != nil {
		s.log.Error("dashboard counts", zap.Error(err))
		InternalError(w, r, "failed to load dashboard")
		return
	}
	recent, err := s.store.RecentAudit(r.Context(), 5)
	if err != nil {
		s.log.Error("recent audit", zap.Error(err))
		InternalError(w, r, "failed to load dashboard")
		return
	}
	activity, err := s.store.ActivityBuckets(r.Context(), 24*time.Hour)
	if err != nil {
		s.log.Error("activity buckets", zap.Error(err))
		InternalError(w, r, "failed to load dashboard")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"counts":      counts,
		"recentAudit": recent,
		"activity":    activity,
		"clients":     s.stream.ClientCount(),
	})
}

// handleConnection serves GET /connection: everything needed to pair an
// admin client or a signing app with this bunker.
func (s *Server) handleConnection(w http.ResponseWriter, r *http.Request) {
	adminPub, err := s.cfg.AdminPubkey()
	if err != nil {
		s.log.Error("derive admin pubkey", zap.Error(err))
		InternalError(w, r, "admin key unavailable")
		return
	}
	adminRelays := s.cfg.AdminRelays()

	type keyURI struct {
		Name      string `json:"name"`
		BunkerURI string `json:"bunkerUri"`
	}
	names := s.cfg.KeyNames()
	uris := make([]keyURI, 0, len(names))
	for _, name := range names {
		key, ok := s.keyring.Get(name)
		if !ok {
			continue // locked keys have no reachable endpoint
		}
		uris = append(uris, keyURI{
			Name:      name,
			BunkerURI: nip46.BunkerURL(key.PubKey, s.cfg.Nostr.Relays, ""),
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"adminPubkey": adminPub,
		"adminBunker": nip46.BunkerURL(adminPub, adminRelays, s.cfg.Admin.Secret),
		"relays":      s.cfg.Nostr.Relays,
		"baseUrl":     s.cfg.ExternalBaseURL(),
		"keys":        uris,
	})
}
