// Package web serves the bunker's HTTP surface: the JSON management API,
// the HTML approval and registration pages, the live dashboard stream, and
// the operational endpoints.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/HerbHall/keybunker/internal/config"
	"github.com/HerbHall/keybunker/internal/event"
	"github.com/HerbHall/keybunker/internal/policy"
	"github.com/HerbHall/keybunker/internal/vault"
	"github.com/HerbHall/keybunker/internal/version"
	"github.com/HerbHall/keybunker/internal/ws"
)

// Hooks are the daemon operations the HTTP surface needs. The daemon owns
// the vault file and the signer service; routing key mutations through it
// keeps the ActiveKey map single-writer.
type Hooks struct {
	// CreateKey imports (nsec set) or generates a user key, persists it to
	// the vault, starts its endpoint, and returns the public key. A taken
	// name returns policy.ErrDuplicateKey.
	CreateKey func(ctx context.Context, name, nsec, passphrase string) (string, error)
	// UnlockKey decrypts a stored key and starts its endpoint. A wrong
	// passphrase returns vault.ErrDecryptFailed.
	UnlockKey func(ctx context.Context, name, passphrase string) error
	// Ready reports whether the daemon can serve traffic.
	Ready func(ctx context.Context) error
}

// Server is the bunker's HTTP server.
type Server struct {
	cfg     *config.Config
	store   *policy.Store
	keyring *vault.Keyring
	bus     *event.Bus
	hooks   Hooks
	stream  *ws.Handler
	log     *zap.Logger

	httpServer *http.Server
	mux        *http.ServeMux
}

// New builds the server with its middleware chain and routes.
func New(cfg *config.Config, store *policy.Store, keyring *vault.Keyring, bus *event.Bus, hooks Hooks, stream *ws.Handler, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	mux := http.NewServeMux()
	s := &Server{
		cfg:     cfg,
		store:   store,
		keyring: keyring,
		bus:     bus,
		hooks:   hooks,
		stream:  stream,
		log:     log.Named("web"),
		mux:     mux,
	}
	s.registerRoutes()

	opsPaths := []string{"/healthz", "/readyz", "/metrics"}
	handler := Chain(mux,
		RecoveryMiddleware(s.log),
		RequestIDMiddleware,
		LoggingMiddleware(s.log, opsPaths),
		CORSMiddleware,
		RateLimitMiddleware(100, 200, opsPaths),
	)

	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) registerRoutes() {
	// Operational endpoints.
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.HandleFunc("GET /readyz", s.handleReadyz)
	s.mux.Handle("GET /metrics", promhttp.Handler())

	// Connection and dashboard data.
	s.mux.HandleFunc("GET /connection", s.handleConnection)
	s.mux.HandleFunc("GET /dashboard", s.handleDashboard)

	// Authorization requests: list, approval page, decisions.
	s.mux.HandleFunc("GET /requests", s.handleListRequests)
	s.mux.HandleFunc("GET /requests/{id}", s.handleRequestPage)
	s.mux.HandleFunc("POST /requests/{id}", s.handleApprove)
	s.mux.HandleFunc("POST /register/{id}", s.handleRegister)

	// Key management.
	s.mux.HandleFunc("GET /keys", s.handleListKeys)
	s.mux.HandleFunc("POST /keys", s.handleCreateKey)
	s.mux.HandleFunc("POST /keys/{name}/unlock", s.handleUnlockKey)

	// Authorized apps.
	s.mux.HandleFunc("GET /apps", s.handleListApps)
	s.mux.HandleFunc("PATCH /apps/{id}", s.handleRenameApp)
	s.mux.HandleFunc("POST /apps/{id}/revoke", s.handleRevokeApp)

	if s.stream != nil {
		s.stream.RegisterRoutes(s.mux)
	}
}

// Start begins serving. Blocks until Shutdown or a listen error.
func (s *Server) Start() error {
	s.log.Info("http surface up", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("http surface shutting down")
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "alive",
		"version": version.Short(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.hooks.Ready != nil {
		if err := s.hooks.Ready(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not ready",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// readJSON decodes a request body, tolerating an empty body for handlers
// with all-optional fields.
func readJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
