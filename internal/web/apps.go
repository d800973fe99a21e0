package web

import (
	"errors"
	"net/http"
	"strings"

	"github.com/nbd-wtf/go-nostr/nip19"
	"go.uber.org/zap"

	"github.com/HerbHall/keybunker/internal/event"
	"github.com/HerbHall/keybunker/internal/policy"
)

// appView describes a connected app on the dashboard: which key it is
// bound to, how it identified itself, and a human-readable rendering of
// its conditions.
type appView struct {
	ID           string   `json:"id"`
	KeyName      string   `json:"keyName"`
	Pubkey       string   `json:"pubkey"`
	Npub         string   `json:"npub,omitempty"`
	Description  string   `json:"description"`
	CreatedAt    string   `json:"createdAt"`
	LastUsedAt   string   `json:"lastUsedAt,omitempty"`
	RequestCount int      `json:"requestCount"`
	Permissions  []string `json:"permissions"`
}

// handleListApps serves GET /apps?key=. Without a key filter it walks
// every key the store knows about.
func (s *Server) handleListApps(w http.ResponseWriter, r *http.Request) {
	var keyNames []string
	if filter := r.URL.Query().Get("key"); filter != "" {
		keyNames = []string{filter}
	} else {
		keys, err := s.store.ListKeys(r.Context())
		if err != nil {
			s.log.Error("list keys", zap.Error(err))
			InternalError(w, r, "failed to list keys")
			return
		}
		for _, k := range keys {
			keyNames = append(keyNames, k.Name)
		}
	}

	views := make([]appView, 0)
	for _, keyName := range keyNames {
		users, err := s.store.ListKeyUsers(r.Context(), keyName, false)
		if err != nil {
			s.log.Error("list key users", zap.String("key", keyName), zap.Error(err))
			InternalError(w, r, "failed to list apps")
			return
		}
		for _, u := range users {
			conds, err := s.store.ConditionsFor(r.Context(), u.ID)
			if err != nil {
				s.log.Error("load conditions", zap.String("app", u.ID), zap.Error(err))
				InternalError(w, r, "failed to load app permissions")
				return
			}
			views = append(views, toAppView(u, conds))
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"apps": views})
}

func toAppView(u policy.KeyUser, conds []policy.SigningCondition) appView {
	v := appView{
		ID:           u.ID,
		KeyName:      u.KeyName,
		Pubkey:       u.UserPubkey,
		Description:  u.Description,
		CreatedAt:    u.CreatedAt.Format("2006-01-02 15:04"),
		RequestCount: u.RequestCount,
		Permissions:  permissionStrings(conds),
	}
	if npub, err := nip19.EncodePublicKey(u.UserPubkey); err == nil {
		v.Npub = npub
	}
	if u.LastUsedAt != nil {
		v.LastUsedAt = u.LastUsedAt.Format("2006-01-02 15:04")
	}
	return v
}

// permissionStrings flattens conditions for display: "blocked" for the
// wildcard veto, "sign_event:1" style for kinded grants, and a leading
// "!" for explicit denials.
func permissionStrings(conds []policy.SigningCondition) []string {
	out := make([]string, 0, len(conds))
	for _, c := range conds {
		if c.Method == policy.MethodWildcard && !c.Allowed {
			return []string{"blocked"}
		}
		label := c.Method
		if c.Kind != nil && *c.Kind != policy.KindAll {
			label += ":" + *c.Kind
		}
		if !c.Allowed {
			label = "!" + label
		}
		out = append(out, label)
	}
	return out
}

type renameAppBody struct {
	Description string `json:"description"`
}

// handleRenameApp serves PATCH /apps/{id}.
func (s *Server) handleRenameApp(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body renameAppBody
	if err := readJSON(r, &body); err != nil {
		BadRequest(w, r, "invalid request body")
		return
	}
	desc := strings.TrimSpace(body.Description)
	if desc == "" {
		BadRequest(w, r, "description is required")
		return
	}

	err := s.store.RenameKeyUser(r.Context(), id, desc)
	if errors.Is(err, policy.ErrNotFound) {
		NotFound(w, r, "no such app")
		return
	}
	if err != nil {
		s.log.Error("rename app", zap.String("id", id), zap.Error(err))
		InternalError(w, r, "failed to rename app")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "id": id, "description": desc})
}

// handleRevokeApp serves POST /apps/{id}/revoke. Revocation is a soft
// delete so the audit trail keeps pointing at a real row; the signer
// drops the app's session on the bus event.
func (s *Server) handleRevokeApp(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	err := s.store.RevokeKeyUser(r.Context(), id)
	if errors.Is(err, policy.ErrNotFound) {
		NotFound(w, r, "no such app")
		return
	}
	if err != nil {
		s.log.Error("revoke app", zap.String("id", id), zap.Error(err))
		InternalError(w, r, "failed to revoke app")
		return
	}

	user, err := s.store.GetKeyUserByID(r.Context(), id)
	if err != nil {
		s.log.Warn("load revoked app", zap.String("id", id), zap.Error(err))
	} else {
		s.bus.Publish(r.Context(), event.New(event.TopicKeyUserRevoked, "web", user))
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "id": id})
}
