package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/HerbHall/keybunker/internal/event"
	"github.com/HerbHall/keybunker/internal/policy"
)

// requestView is the JSON shape of a pending request on the dashboard.
// TTLSeconds counts down to the reaper deadline so the UI can show a
// live timer; EventPreview is only set for sign_event requests whose
// payload parses.
type requestView struct {
	ID           string        `json:"id"`
	KeyName      string        `json:"keyName"`
	RemotePubkey string        `json:"remotePubkey"`
	Method       string        `json:"method"`
	Params       []string      `json:"params,omitempty"`
	Allowed      *bool         `json:"allowed,omitempty"`
	CreatedAt    time.Time     `json:"createdAt"`
	TTLSeconds   int           `json:"ttlSeconds"`
	EventPreview *eventPreview `json:"eventPreview,omitempty"`
}

type eventPreview struct {
	Kind    int        `json:"kind"`
	Content string     `json:"content"`
	Tags    nostr.Tags `json:"tags,omitempty"`
}

func toRequestView(r policy.PendingRequest) requestView {
	v := requestView{
		ID:           r.ID,
		KeyName:      r.KeyName,
		RemotePubkey: r.RemotePubkey,
		Method:       r.Method,
		Params:       r.Params,
		Allowed:      r.Allowed,
		CreatedAt:    r.CreatedAt,
	}
	if !r.Decided() {
		ttl := int(time.Until(r.CreatedAt.Add(policy.PendingTTL)).Seconds())
		if ttl < 0 {
			ttl = 0
		}
		v.TTLSeconds = ttl
	}
	if r.Method == "sign_event" && len(r.Params) > 0 {
		var ev nostr.Event
		if err := json.Unmarshal([]byte(r.Params[0]), &ev); err == nil {
			v.EventPreview = &eventPreview{Kind: ev.Kind, Content: ev.Content, Tags: ev.Tags}
		}
	}
	return v
}

// handleListRequests serves GET /requests?status=&limit=&offset= as JSON.
func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	status := policy.StatusPending
	if raw := r.URL.Query().Get("status"); raw != "" {
		switch policy.RequestStatus(raw) {
		case policy.StatusPending, policy.StatusApproved, policy.StatusExpired:
			status = policy.RequestStatus(raw)
		default:
			BadRequest(w, r, "status must be pending, approved or expired")
			return
		}
	}
	limit := queryInt(r, "limit", 20, 100)
	offset := queryInt(r, "offset", 0, 1<<20)

	rows, err := s.store.ListRequests(r.Context(), status, limit, offset)
	if err != nil {
		s.log.Error("list requests", zap.Error(err))
		InternalError(w, r, "failed to list requests")
		return
	}
	views := make([]requestView, 0, len(rows))
	for _, row := range rows {
		views = append(views, toRequestView(row))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"requests": views,
		"status":   status,
		"limit":    limit,
		"offset":   offset,
	})
}

type approveBody struct {
	Password string `json:"password"`
}

// handleApprove serves POST /requests/{id}. Approval is gated on the key's
// dashboard password when the key is stored encrypted; plain keys approve
// without one. The authorization grant and audit row are committed before
// the decision flips so a woken waiter always sees them.
func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	pending, err := s.store.GetPendingRequest(r.Context(), id)
	if errors.Is(err, policy.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]any{"ok": false, "error": "request not found or expired"})
		return
	}
	if err != nil {
		s.log.Error("load pending request", zap.String("id", id), zap.Error(err))
		InternalError(w, r, "failed to load request")
		return
	}
	if pending.Decided() {
		writeJSON(w, http.StatusConflict, map[string]any{"ok": false, "error": "request already decided"})
		return
	}

	var body approveBody
	if err := readJSON(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "invalid request body"})
		return
	}
	if ok, msg := s.checkKeyPassword(r, pending.KeyName, body.Password); !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"ok": false, "error": msg})
		return
	}

	// create_account has no app to whitelist yet; provisioning grants the
	// creator its conditions after the key exists.
	if pending.Method != "create_account" {
		if err := s.grantApproval(r, pending); err != nil {
			s.log.Error("record approval", zap.String("id", id), zap.Error(err))
			InternalError(w, r, "failed to record approval")
			return
		}
	}

	if err := s.decideAndPublish(r, pending.ID, true); err != nil {
		s.log.Error("decide request", zap.String("id", id), zap.Error(err))
		InternalError(w, r, "failed to approve request")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// grantApproval whitelists the requesting app for the approved method.
// Approving sign_event always grants the blanket kind, and approving
// connect additionally allows signing so a freshly paired app does not
// bounce straight back to the approval page.
func (s *Server) grantApproval(r *http.Request, pending *policy.PendingRequest) error {
	ctx := r.Context()
	user, err := s.store.UpsertKeyUser(ctx, pending.KeyName, pending.RemotePubkey, "")
	if err != nil {
		return err
	}
	kindAll := policy.KindAll
	switch pending.Method {
	case "sign_event":
		if _, err := s.store.AddCondition(ctx, user.ID, "sign_event", &kindAll, true); err != nil {
			return err
		}
	case "connect":
		if _, err := s.store.AddCondition(ctx, user.ID, "connect", nil, true); err != nil {
			return err
		}
		if _, err := s.store.AddCondition(ctx, user.ID, "sign_event", &kindAll, true); err != nil {
			return err
		}
	default:
		if _, err := s.store.AddCondition(ctx, user.ID, pending.Method, nil, true); err != nil {
			return err
		}
	}
	params, _ := json.Marshal(pending.Params)
	if err := s.store.AppendAudit(ctx, policy.AuditApproval, pending.Method, string(params), &user.ID); err != nil {
		s.log.Warn("append audit", zap.Error(err))
	}
	return nil
}

// decideAndPublish flips the pending row and wakes everyone polling on it.
func (s *Server) decideAndPublish(r *http.Request, id string, allowed bool) error {
	decided, err := s.store.DecidePendingRequest(r.Context(), id, allowed)
	if err != nil {
		return err
	}
	if !decided {
		return nil
	}
	row, err := s.store.GetPendingRequest(r.Context(), id)
	if err != nil {
		return err
	}
	s.bus.Publish(r.Context(), event.New(event.TopicRequestDecided, "web", row))
	return nil
}

// checkKeyPassword enforces the dashboard password for encrypted keys.
// Keys stored in the clear have no dashboard account and approve freely.
func (s *Server) checkKeyPassword(r *http.Request, keyName, password string) (bool, string) {
	entry, ok := s.cfg.KeyEntry(keyName)
	if !ok || !entry.Encrypted() {
		return true, ""
	}
	if password == "" {
		return false, "password required"
	}
	user, err := s.store.GetUserByKeyName(r.Context(), keyName)
	if errors.Is(err, policy.ErrNotFound) {
		return false, "no dashboard account for this key"
	}
	if err != nil {
		s.log.Error("load dashboard user", zap.String("key", keyName), zap.Error(err))
		return false, "failed to verify password"
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return false, "wrong password"
	}
	return true, ""
}

type registerBody struct {
	Username string `json:"username"`
	Domain   string `json:"domain"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// handleRegister serves POST /register/{id}: the form submission of the
// OAuth-ish signup page. The vetted username and domain replace whatever
// the client asked for, the request is approved, and once provisioning
// lands the key a dashboard account is bound to it with the chosen
// password.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	pending, err := s.store.GetPendingRequest(r.Context(), id)
	if errors.Is(err, policy.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]any{"ok": false, "error": "request not found or expired"})
		return
	}
	if err != nil {
		s.log.Error("load pending request", zap.String("id", id), zap.Error(err))
		InternalError(w, r, "failed to load request")
		return
	}
	if pending.Method != "create_account" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "not a registration request"})
		return
	}
	if pending.Decided() {
		writeJSON(w, http.StatusConflict, map[string]any{"ok": false, "error": "request already decided"})
		return
	}

	var body registerBody
	if err := readJSON(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "invalid request body"})
		return
	}
	username := strings.ToLower(strings.TrimSpace(body.Username))
	domain := strings.ToLower(strings.TrimSpace(body.Domain))
	if username == "" || domain == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "username and domain are required"})
		return
	}
	if _, ok := s.cfg.Domains[domain]; !ok {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "unknown domain"})
		return
	}
	if body.Password == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "password is required"})
		return
	}

	// Provisioning re-reads the params after approval, so the vetted
	// values must land before the decision does.
	if err := s.store.UpdatePendingParams(r.Context(), id, []string{username, domain, body.Email}); err != nil {
		s.log.Error("update registration params", zap.String("id", id), zap.Error(err))
		InternalError(w, r, "failed to update registration")
		return
	}
	if err := s.decideAndPublish(r, id, true); err != nil {
		s.log.Error("approve registration", zap.String("id", id), zap.Error(err))
		InternalError(w, r, "failed to approve registration")
		return
	}

	keyName := username + "@" + domain
	key, err := s.store.WaitForKey(r.Context(), keyName, time.Minute)
	if err != nil {
		s.log.Error("wait for provisioned key", zap.String("key", keyName), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"ok":    false,
			"error": "account creation did not complete; the name may be taken",
		})
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(body.Password), 10)
	if err != nil {
		InternalError(w, r, "failed to hash password")
		return
	}
	if _, err := s.store.CreateUser(r.Context(), keyName, body.Email, string(hash)); err != nil {
		s.log.Error("create dashboard user", zap.String("key", keyName), zap.Error(err))
		InternalError(w, r, "failed to create dashboard account")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"keyName": key.Name,
	})
}

func queryInt(r *http.Request, name string, def, max int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}
