// Package policy is the persistent record behind every authorization
// decision: keys, key-users, signing conditions, policies, tokens, pending
// requests, the audit log, and dashboard user accounts. All state lives in
// the shared SQLite store; this package owns its tables and their
// migrations.
package policy

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/HerbHall/keybunker/internal/store"
)

const component = "policy"

var (
	// ErrNotFound covers lookups of keys, key-users, policies, and pending
	// requests that do not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateKey is returned when creating a key whose name is taken.
	ErrDuplicateKey = errors.New("key name already exists")

	// Token redemption failure classes. Redemption rolls back entirely on
	// any of these.
	ErrTokenNotFound = errors.New("token not found")
	ErrTokenRedeemed = errors.New("token already redeemed")
	ErrTokenExpired  = errors.New("token expired")
	ErrPolicyMissing = errors.New("policy missing")
)

// Store provides database operations for the policy layer.
type Store struct {
	store *store.SQLiteStore
	log   *zap.Logger
}

// New creates a policy Store backed by the shared SQLite store.
func New(s *store.SQLiteStore, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{store: s, log: log.Named("policy")}
}

// Migrate applies the policy schema.
func (s *Store) Migrate(ctx context.Context) error {
	return s.store.Migrate(ctx, component, migrations())
}
