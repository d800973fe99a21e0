package policy

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AppendAudit writes one append-only audit row.
func (s *Store) AppendAudit(ctx context.Context, typ, method, params string, keyUserID *string) error {
	var kuID sql.NullString
	if keyUserID != nil {
		kuID = sql.NullString{String: *keyUserID, Valid: true}
	}
	_, err := s.store.DB().ExecContext(ctx, `
		INSERT INTO audit_log (type, method, params, key_user_id, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		typ, method, params, kuID, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

// RecentAudit returns the newest audit entries, capped at limit.
func (s *Store) RecentAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.store.DB().QueryContext(ctx, `
		SELECT id, type, method, params, key_user_id, created_at
		FROM audit_log ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent audit: %w", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var kuID sql.NullString
		if err := rows.Scan(&e.ID, &e.Type, &e.Method, &e.Params, &kuID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		if kuID.Valid {
			e.KeyUserID = &kuID.String
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ActivityBucket is one hour of audit activity for the dashboard chart.
type ActivityBucket struct {
	Hour  time.Time `json:"hour"`
	Count int       `json:"count"`
}

// ActivityBuckets returns hourly audit counts covering the window ending
// now. Hours with no activity are present with a zero count so charts stay
// contiguous.
func (s *Store) ActivityBuckets(ctx context.Context, window time.Duration) ([]ActivityBucket, error) {
	now := time.Now().UTC()
	since := now.Add(-window).Truncate(time.Hour)

	rows, err := s.store.DB().QueryContext(ctx,
		"SELECT created_at FROM audit_log WHERE created_at >= ?", since,
	)
	if err != nil {
		return nil, fmt.Errorf("activity buckets: %w", err)
	}
	defer rows.Close()

	counts := make(map[time.Time]int)
	for rows.Next() {
		var at time.Time
		if err := rows.Scan(&at); err != nil {
			return nil, fmt.Errorf("scan audit timestamp: %w", err)
		}
		counts[at.UTC().Truncate(time.Hour)]++
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var buckets []ActivityBucket
	for h := since; !h.After(now); h = h.Add(time.Hour) {
		buckets = append(buckets, ActivityBucket{Hour: h, Count: counts[h]})
	}
	return buckets, nil
}

// DashboardCounts aggregates the numbers shown on the dashboard landing
// view.
type DashboardCounts struct {
	Keys     int `json:"keys"`
	Apps     int `json:"apps"`
	Pending  int `json:"pending"`
	Policies int `json:"policies"`
	Tokens   int `json:"tokens"`
}

// Counts returns the dashboard aggregates in one pass.
func (s *Store) Counts(ctx context.Context) (DashboardCounts, error) {
	var c DashboardCounts
	cutoff := time.Now().UTC().Add(-PendingTTL)

	queries := []struct {
		dst   *int
		query string
		args  []any
	}{
		{&c.Keys, "SELECT COUNT(*) FROM keys", nil},
		{&c.Apps, "SELECT COUNT(*) FROM key_users WHERE revoked_at IS NULL", nil},
		{&c.Pending, "SELECT COUNT(*) FROM pending_requests WHERE allowed IS NULL AND created_at >= ?", []any{cutoff}},
		{&c.Policies, "SELECT COUNT(*) FROM policies", nil},
		{&c.Tokens, "SELECT COUNT(*) FROM tokens", nil},
	}
	for _, q := range queries {
		if err := s.store.DB().QueryRowContext(ctx, q.query, q.args...).Scan(q.dst); err != nil {
			return DashboardCounts{}, fmt.Errorf("dashboard count: %w", err)
		}
	}
	return c, nil
}

// CreateUser stores a dashboard account for a key. The password must
// already be hashed.
func (s *Store) CreateUser(ctx context.Context, keyName, email, passwordHash string) (*User, error) {
	u := &User{
		ID:           uuid.New().String(),
		KeyName:      keyName,
		Email:        email,
		PasswordHash: passwordHash,
		CreatedAt:    time.Now().UTC(),
	}
	_, err := s.store.DB().ExecContext(ctx, `
		INSERT INTO users (id, key_name, email, password_hash, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		u.ID, u.KeyName, u.Email, u.PasswordHash, u.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}
	return u, nil
}

// GetUserByKeyName returns the dashboard account bound to a key, or
// ErrNotFound.
func (s *Store) GetUserByKeyName(ctx context.Context, keyName string) (*User, error) {
	var u User
	err := s.store.DB().QueryRowContext(ctx, `
		SELECT id, key_name, email, password_hash, created_at
		FROM users WHERE key_name = ?`, keyName,
	).Scan(&u.ID, &u.KeyName, &u.Email, &u.PasswordHash, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user for key %q: %w", keyName, err)
	}
	return &u, nil
}
