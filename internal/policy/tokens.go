package policy

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// NewPolicyInput describes a policy to create. Rules carry only the
// template fields; ids and counters are assigned here.
type NewPolicyInput struct {
	Name        string
	Description string
	ExpiresAt   *time.Time
	Rules       []NewRuleInput
}

// NewRuleInput is one rule template in a NewPolicyInput.
type NewRuleInput struct {
	Method        string
	Kind          *string
	MaxUsageCount *int
}

// CreatePolicy persists a policy and its rules in one transaction.
func (s *Store) CreatePolicy(ctx context.Context, in NewPolicyInput) (*Policy, error) {
	now := time.Now().UTC()
	p := &Policy{
		ID:          uuid.New().String(),
		Name:        in.Name,
		Description: in.Description,
		ExpiresAt:   in.ExpiresAt,
		CreatedAt:   now,
	}

	err := s.store.Tx(ctx, func(tx *sql.Tx) error {
		var expires sql.NullTime
		if p.ExpiresAt != nil {
			expires = sql.NullTime{Time: *p.ExpiresAt, Valid: true}
		}
		_, err := tx.Exec(`
			INSERT INTO policies (id, name, description, expires_at, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			p.ID, p.Name, p.Description, expires, p.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert policy: %w", err)
		}

		for _, rin := range in.Rules {
			rule := PolicyRule{
				ID:            uuid.New().String(),
				PolicyID:      p.ID,
				Method:        rin.Method,
				Kind:          rin.Kind,
				MaxUsageCount: rin.MaxUsageCount,
				CreatedAt:     now,
			}
			var kind sql.NullString
			if rule.Kind != nil {
				kind = sql.NullString{String: *rule.Kind, Valid: true}
			}
			var maxUsage sql.NullInt64
			if rule.MaxUsageCount != nil {
				maxUsage = sql.NullInt64{Int64: int64(*rule.MaxUsageCount), Valid: true}
			}
			_, err := tx.Exec(`
				INSERT INTO policy_rules (id, policy_id, method, kind, max_usage_count, current_usage_count, created_at)
				VALUES (?, ?, ?, ?, ?, 0, ?)`,
				rule.ID, rule.PolicyID, rule.Method, kind, maxUsage, rule.CreatedAt,
			)
			if err != nil {
				return fmt.Errorf("insert policy rule: %w", err)
			}
			p.Rules = append(p.Rules, rule)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("policy created", zap.String("policy", p.Name), zap.Int("rules", len(p.Rules)))
	return p, nil
}

// GetPolicy returns a policy with its rules, or ErrNotFound.
func (s *Store) GetPolicy(ctx context.Context, id string) (*Policy, error) {
	var p Policy
	var expires sql.NullTime
	err := s.store.DB().QueryRowContext(ctx,
		"SELECT id, name, description, expires_at, created_at FROM policies WHERE id = ?", id,
	).Scan(&p.ID, &p.Name, &p.Description, &expires, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get policy: %w", err)
	}
	if expires.Valid {
		p.ExpiresAt = &expires.Time
	}

	p.Rules, err = s.rulesFor(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListPolicies returns all policies with rules, newest first.
func (s *Store) ListPolicies(ctx context.Context) ([]Policy, error) {
	rows, err := s.store.DB().QueryContext(ctx,
		"SELECT id, name, description, expires_at, created_at FROM policies ORDER BY created_at DESC",
	)
	if err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}
	defer rows.Close()

	var policies []Policy
	for rows.Next() {
		var p Policy
		var expires sql.NullTime
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &expires, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan policy row: %w", err)
		}
		if expires.Valid {
			p.ExpiresAt = &expires.Time
		}
		policies = append(policies, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range policies {
		policies[i].Rules, err = s.rulesFor(ctx, policies[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return policies, nil
}

func (s *Store) rulesFor(ctx context.Context, policyID string) ([]PolicyRule, error) {
	rows, err := s.store.DB().QueryContext(ctx, `
		SELECT id, policy_id, method, kind, max_usage_count, current_usage_count, created_at
		FROM policy_rules WHERE policy_id = ? ORDER BY created_at ASC`,
		policyID,
	)
	if err != nil {
		return nil, fmt.Errorf("list policy rules: %w", err)
	}
	defer rows.Close()

	var rules []PolicyRule
	for rows.Next() {
		var r PolicyRule
		var kind sql.NullString
		var maxUsage sql.NullInt64
		if err := rows.Scan(&r.ID, &r.PolicyID, &r.Method, &kind, &maxUsage, &r.CurrentUsageCount, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan rule row: %w", err)
		}
		if kind.Valid {
			r.Kind = &kind.String
		}
		if maxUsage.Valid {
			v := int(maxUsage.Int64)
			r.MaxUsageCount = &v
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// CreateToken mints a one-shot token for (keyName, clientName) against a
// policy. The token value is a 256-bit random nonce in hex.
func (s *Store) CreateToken(ctx context.Context, keyName, clientName, policyID, createdBy string, expiresAt *time.Time) (*Token, error) {
	if _, err := s.GetPolicy(ctx, policyID); err != nil {
		if err == ErrNotFound {
			return nil, ErrPolicyMissing
		}
		return nil, err
	}

	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate token: %w", err)
	}

	t := &Token{
		ID:         uuid.New().String(),
		Token:      hex.EncodeToString(nonce),
		KeyName:    keyName,
		ClientName: clientName,
		PolicyID:   policyID,
		CreatedBy:  createdBy,
		CreatedAt:  time.Now().UTC(),
		ExpiresAt:  expiresAt,
	}
	var expires sql.NullTime
	if t.ExpiresAt != nil {
		expires = sql.NullTime{Time: *t.ExpiresAt, Valid: true}
	}
	_, err := s.store.DB().ExecContext(ctx, `
		INSERT INTO tokens (id, token, key_name, client_name, policy_id, created_by, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Token, t.KeyName, t.ClientName, t.PolicyID, t.CreatedBy, t.CreatedAt, expires,
	)
	if err != nil {
		return nil, fmt.Errorf("insert token: %w", err)
	}
	s.log.Info("token minted",
		zap.String("key", keyName),
		zap.String("client", clientName),
		zap.String("policy", policyID))
	return t, nil
}

// ListTokens returns tokens, newest first, optionally narrowed to one key.
func (s *Store) ListTokens(ctx context.Context, keyName string) ([]Token, error) {
	query := `
		SELECT id, token, key_name, client_name, policy_id, created_by,
			created_at, expires_at, redeemed_at, key_user_id
		FROM tokens`
	var args []any
	if keyName != "" {
		query += " WHERE key_name = ?"
		args = append(args, keyName)
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.store.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	defer rows.Close()

	var tokens []Token
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, *t)
	}
	return tokens, rows.Err()
}

// RedeemToken atomically turns a token into an authorised key-user:
// it validates the token, upserts the key-user for (token.keyName,
// userPubkey), inserts the connect condition plus one allow condition per
// policy rule, and marks the token redeemed. Any failure rolls the whole
// redemption back.
func (s *Store) RedeemToken(ctx context.Context, tokenValue, userPubkey string) (*KeyUser, error) {
	now := time.Now().UTC()
	var user *KeyUser

	err := s.store.Tx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRow(`
			SELECT id, token, key_name, client_name, policy_id, created_by,
				created_at, expires_at, redeemed_at, key_user_id
			FROM tokens WHERE token = ?`, tokenValue,
		)
		t, err := scanToken(row)
		if err == ErrNotFound {
			return ErrTokenNotFound
		}
		if err != nil {
			return err
		}
		if t.RedeemedAt != nil {
			return ErrTokenRedeemed
		}
		if t.ExpiresAt != nil && t.ExpiresAt.Before(now) {
			return ErrTokenExpired
		}

		var polExpires sql.NullTime
		var policyID string
		err = tx.QueryRow("SELECT id, expires_at FROM policies WHERE id = ?", t.PolicyID).
			Scan(&policyID, &polExpires)
		if err == sql.ErrNoRows {
			return ErrPolicyMissing
		}
		if err != nil {
			return fmt.Errorf("get policy for token: %w", err)
		}
		if polExpires.Valid && polExpires.Time.Before(now) {
			return ErrPolicyMissing
		}

		rows, err := tx.Query(
			"SELECT method, kind FROM policy_rules WHERE policy_id = ? ORDER BY created_at ASC",
			t.PolicyID,
		)
		if err != nil {
			return fmt.Errorf("list rules for token: %w", err)
		}
		type ruleTemplate struct {
			method string
			kind   *string
		}
		var templates []ruleTemplate
		for rows.Next() {
			var rt ruleTemplate
			var kind sql.NullString
			if err := rows.Scan(&rt.method, &kind); err != nil {
				rows.Close()
				return fmt.Errorf("scan rule template: %w", err)
			}
			if kind.Valid {
				rt.kind = &kind.String
			}
			templates = append(templates, rt)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		user, err = upsertKeyUserTx(tx, t.KeyName, userPubkey, t.ClientName)
		if err != nil {
			return err
		}

		if _, err := addConditionTx(tx, user.ID, "connect", nil, true); err != nil {
			return err
		}
		for _, rt := range templates {
			if _, err := addConditionTx(tx, user.ID, rt.method, rt.kind, true); err != nil {
				return err
			}
		}

		_, err = tx.Exec(
			"UPDATE tokens SET redeemed_at = ?, key_user_id = ? WHERE id = ?",
			now, user.ID, t.ID,
		)
		if err != nil {
			return fmt.Errorf("mark token redeemed: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	user.Conditions, err = s.ConditionsFor(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	s.log.Info("token redeemed",
		zap.String("key", user.KeyName),
		zap.String("client", userPubkey))
	return user, nil
}

func scanToken(r rowScanner) (*Token, error) {
	var t Token
	var expires, redeemed sql.NullTime
	var keyUserID sql.NullString
	err := r.Scan(
		&t.ID, &t.Token, &t.KeyName, &t.ClientName, &t.PolicyID, &t.CreatedBy,
		&t.CreatedAt, &expires, &redeemed, &keyUserID,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan token row: %w", err)
	}
	if expires.Valid {
		t.ExpiresAt = &expires.Time
	}
	if redeemed.Valid {
		t.RedeemedAt = &redeemed.Time
	}
	if keyUserID.Valid {
		t.KeyUserID = &keyUserID.String
	}
	return &t, nil
}
