package web

import (
	"embed"
	"errors"
	"html/template"
	"net/http"
	"sort"

	"go.uber.org/zap"

	"github.com/HerbHall/keybunker/internal/policy"
)

//go:embed templates/*.html
var templateFS embed.FS

var pageTemplates = template.Must(template.ParseFS(templateFS, "templates/*.html"))

// requestPageData feeds the server-rendered approval and registration
// pages that auth_url responses point clients at.
type requestPageData struct {
	Request       requestView
	RemoteShort   string
	NeedsPassword bool
	Decided       bool
	Domains       []string
}

// handleRequestPage serves GET /requests/{id}: the human-facing page
// behind an auth_url. create_account requests get the signup form,
// everything else gets the approve prompt.
func (s *Server) handleRequestPage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	pending, err := s.store.GetPendingRequest(r.Context(), id)
	if errors.Is(err, policy.ErrNotFound) {
		s.renderPage(w, http.StatusNotFound, "expired.html", nil)
		return
	}
	if err != nil {
		s.log.Error("load pending request", zap.String("id", id), zap.Error(err))
		InternalError(w, r, "failed to load request")
		return
	}

	entry, knownKey := s.cfg.KeyEntry(pending.KeyName)
	data := requestPageData{
		Request:       toRequestView(*pending),
		RemoteShort:   shortPubkey(pending.RemotePubkey),
		NeedsPassword: knownKey && entry.Encrypted(),
		Decided:       pending.Decided(),
	}
	name := "approve.html"
	if pending.Method == "create_account" {
		name = "register.html"
		for domain := range s.cfg.Domains {
			data.Domains = append(data.Domains, domain)
		}
		sort.Strings(data.Domains)
	}
	s.renderPage(w, http.StatusOK, name, data)
}

func (s *Server) renderPage(w http.ResponseWriter, status int, name string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := pageTemplates.ExecuteTemplate(w, name, data); err != nil {
		s.log.Error("render page", zap.String("template", name), zap.Error(err))
	}
}

func shortPubkey(pub string) string {
	if len(pub) <= 16 {
		return pub
	}
	return pub[:8] + "…" + pub[len(pub)-8:]
}
