package policy

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CreateKey records a named key. Returns ErrDuplicateKey if the name is
// taken.
func (s *Store) CreateKey(ctx context.Context, name string) (*Key, error) {
	now := time.Now().UTC()
	var count int
	err := s.store.DB().QueryRowContext(ctx,
		"SELECT COUNT(*) FROM keys WHERE name = ?", name,
	).Scan(&count)
	if err != nil {
		return nil, fmt.Errorf("check key %q: %w", name, err)
	}
	if count > 0 {
		return nil, ErrDuplicateKey
	}

	_, err = s.store.DB().ExecContext(ctx,
		"INSERT INTO keys (name, created_at) VALUES (?, ?)", name, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert key %q: %w", name, err)
	}
	s.log.Info("key recorded", zap.String("key", name))
	return &Key{Name: name, CreatedAt: now}, nil
}

// GetKey returns the key row for name, or ErrNotFound.
func (s *Store) GetKey(ctx context.Context, name string) (*Key, error) {
	var k Key
	err := s.store.DB().QueryRowContext(ctx,
		"SELECT name, created_at FROM keys WHERE name = ?", name,
	).Scan(&k.Name, &k.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get key %q: %w", name, err)
	}
	return &k, nil
}

// ListKeys returns all recorded keys, oldest first.
func (s *Store) ListKeys(ctx context.Context) ([]Key, error) {
	rows, err := s.store.DB().QueryContext(ctx,
		"SELECT name, created_at FROM keys ORDER BY created_at ASC",
	)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()

	var keys []Key
	for rows.Next() {
		var k Key
		if err := rows.Scan(&k.Name, &k.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan key row: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// WaitForKey polls until a key row named name exists or the timeout lapses.
// The registration handler uses it to wait out the provisioning daemon.
func (s *Store) WaitForKey(ctx context.Context, name string, timeout time.Duration) (*Key, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		key, err := s.GetKey(ctx, name)
		if err == nil {
			return key, nil
		}
		if err != ErrNotFound {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("key %q: %w", name, ErrNotFound)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// UpsertKeyUser returns the key-user for (keyName, userPubkey), creating it
// if absent. A non-empty description updates the existing row.
func (s *Store) UpsertKeyUser(ctx context.Context, keyName, userPubkey, description string) (*KeyUser, error) {
	var u *KeyUser
	err := s.store.Tx(ctx, func(tx *sql.Tx) error {
		var err error
		u, err = upsertKeyUserTx(tx, keyName, userPubkey, description)
		return err
	})
	return u, err
}

func upsertKeyUserTx(tx *sql.Tx, keyName, userPubkey, description string) (*KeyUser, error) {
	now := time.Now().UTC()

	existing, err := getKeyUserTx(tx, keyName, userPubkey)
	if err != nil && err != ErrNotFound {
		return nil, err
	}
	if existing != nil {
		if description != "" && description != existing.Description {
			_, err = tx.Exec(
				"UPDATE key_users SET description = ?, updated_at = ? WHERE id = ?",
				description, now, existing.ID,
			)
			if err != nil {
				return nil, fmt.Errorf("update key user description: %w", err)
			}
			existing.Description = description
			existing.UpdatedAt = now
		}
		return existing, nil
	}

	u := &KeyUser{
		ID:          uuid.New().String(),
		KeyName:     keyName,
		UserPubkey:  userPubkey,
		Description: description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err = tx.Exec(`
		INSERT INTO key_users (id, key_name, user_pubkey, description, created_at, updated_at, request_count)
		VALUES (?, ?, ?, ?, ?, ?, 0)`,
		u.ID, u.KeyName, u.UserPubkey, u.Description, u.CreatedAt, u.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert key user: %w", err)
	}
	return u, nil
}

func getKeyUserTx(tx *sql.Tx, keyName, userPubkey string) (*KeyUser, error) {
	row := tx.QueryRow(`
		SELECT id, key_name, user_pubkey, description, created_at, updated_at,
			last_used_at, revoked_at, request_count
		FROM key_users WHERE key_name = ? AND user_pubkey = ?`,
		keyName, userPubkey,
	)
	return scanKeyUser(row)
}

// GetKeyUser returns the key-user for (keyName, userPubkey) with its
// signing conditions loaded.
func (s *Store) GetKeyUser(ctx context.Context, keyName, userPubkey string) (*KeyUser, error) {
	row := s.store.DB().QueryRowContext(ctx, `
		SELECT id, key_name, user_pubkey, description, created_at, updated_at,
			last_used_at, revoked_at, request_count
		FROM key_users WHERE key_name = ? AND user_pubkey = ?`,
		keyName, userPubkey,
	)
	u, err := scanKeyUser(row)
	if err != nil {
		return nil, err
	}
	u.Conditions, err = s.ConditionsFor(ctx, u.ID)
	if err != nil {
		return nil, err
	}
	return u, nil
}

// GetKeyUserByID returns a key-user by id with conditions loaded.
func (s *Store) GetKeyUserByID(ctx context.Context, id string) (*KeyUser, error) {
	row := s.store.DB().QueryRowContext(ctx, `
		SELECT id, key_name, user_pubkey, description, created_at, updated_at,
			last_used_at, revoked_at, request_count
		FROM key_users WHERE id = ?`, id,
	)
	u, err := scanKeyUser(row)
	if err != nil {
		return nil, err
	}
	u.Conditions, err = s.ConditionsFor(ctx, u.ID)
	if err != nil {
		return nil, err
	}
	return u, nil
}

// ListKeyUsers returns key-users, newest first. keyName narrows to one key
// when non-empty; revoked rows are excluded unless includeRevoked.
func (s *Store) ListKeyUsers(ctx context.Context, keyName string, includeRevoked bool) ([]KeyUser, error) {
	query := `
		SELECT id, key_name, user_pubkey, description, created_at, updated_at,
			last_used_at, revoked_at, request_count
		FROM key_users`
	var args []any
	var where []string
	if keyName != "" {
		where = append(where, "key_name = ?")
		args = append(args, keyName)
	}
	if !includeRevoked {
		where = append(where, "revoked_at IS NULL")
	}
	for i, w := range where {
		if i == 0 {
			query += " WHERE " + w
		} else {
			query += " AND " + w
		}
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.store.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list key users: %w", err)
	}
	defer rows.Close()

	var users []KeyUser
	for rows.Next() {
		u, err := scanKeyUserRows(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range users {
		users[i].Conditions, err = s.ConditionsFor(ctx, users[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return users, nil
}

// RenameKeyUser updates a key-user's description.
func (s *Store) RenameKeyUser(ctx context.Context, id, description string) error {
	res, err := s.store.DB().ExecContext(ctx,
		"UPDATE key_users SET description = ?, updated_at = ? WHERE id = ?",
		description, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("rename key user: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RevokeKeyUser soft-deletes a key-user. Idempotent: revoking an already
// revoked user keeps the original timestamp.
func (s *Store) RevokeKeyUser(ctx context.Context, id string) error {
	res, err := s.store.DB().ExecContext(ctx,
		"UPDATE key_users SET revoked_at = ?, updated_at = ? WHERE id = ? AND revoked_at IS NULL",
		time.Now().UTC(), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("revoke key user: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		// Distinguish absent from already revoked.
		if _, err := s.GetKeyUserByID(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// TouchKeyUser bumps last_used_at and the request counter.
func (s *Store) TouchKeyUser(ctx context.Context, id string) error {
	_, err := s.store.DB().ExecContext(ctx,
		"UPDATE key_users SET last_used_at = ?, request_count = request_count + 1 WHERE id = ?",
		time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("touch key user: %w", err)
	}
	return nil
}

// AddCondition appends a signing condition under a key-user.
func (s *Store) AddCondition(ctx context.Context, keyUserID, method string, kind *string, allowed bool) (*SigningCondition, error) {
	var c *SigningCondition
	err := s.store.Tx(ctx, func(tx *sql.Tx) error {
		var err error
		c, err = addConditionTx(tx, keyUserID, method, kind, allowed)
		return err
	})
	return c, err
}

func addConditionTx(tx *sql.Tx, keyUserID, method string, kind *string, allowed bool) (*SigningCondition, error) {
	c := &SigningCondition{
		ID:        uuid.New().String(),
		KeyUserID: keyUserID,
		Method:    method,
		Kind:      kind,
		Allowed:   allowed,
		CreatedAt: time.Now().UTC(),
	}
	var kindVal sql.NullString
	if kind != nil {
		kindVal = sql.NullString{String: *kind, Valid: true}
	}
	_, err := tx.Exec(`
		INSERT INTO signing_conditions (id, key_user_id, method, kind, allowed, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID, c.KeyUserID, c.Method, kindVal, c.Allowed, c.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert signing condition: %w", err)
	}
	return c, nil
}

// ConditionsFor returns the signing conditions under a key-user, oldest
// first.
func (s *Store) ConditionsFor(ctx context.Context, keyUserID string) ([]SigningCondition, error) {
	rows, err := s.store.DB().QueryContext(ctx, `
		SELECT id, key_user_id, method, kind, allowed, created_at
		FROM signing_conditions WHERE key_user_id = ? ORDER BY created_at ASC`,
		keyUserID,
	)
	if err != nil {
		return nil, fmt.Errorf("list conditions: %w", err)
	}
	defer rows.Close()

	var conds []SigningCondition
	for rows.Next() {
		var c SigningCondition
		var kind sql.NullString
		if err := rows.Scan(&c.ID, &c.KeyUserID, &c.Method, &kind, &c.Allowed, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan condition row: %w", err)
		}
		if kind.Valid {
			c.Kind = &kind.String
		}
		conds = append(conds, c)
	}
	return conds, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanKeyUser(row *sql.Row) (*KeyUser, error) {
	u, err := scanKeyUserFrom(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return u, err
}

func scanKeyUserRows(rows *sql.Rows) (*KeyUser, error) {
	return scanKeyUserFrom(rows)
}

func scanKeyUserFrom(r rowScanner) (*KeyUser, error) {
	var u KeyUser
	var lastUsed, revoked sql.NullTime
	err := r.Scan(
		&u.ID, &u.KeyName, &u.UserPubkey, &u.Description,
		&u.CreatedAt, &u.UpdatedAt, &lastUsed, &revoked, &u.RequestCount,
	)
	if err != nil {
		return nil, err
	}
	if lastUsed.Valid {
		u.LastUsedAt = &lastUsed.Time
	}
	if revoked.Valid {
		u.RevokedAt = &revoked.Time
	}
	return &u, nil
}
