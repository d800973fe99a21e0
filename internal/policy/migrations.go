package policy

import (
	"database/sql"

	"github.com/HerbHall/keybunker/internal/store"
)

// migrations returns the policy layer's database migrations.
func migrations() []store.Migration {
	return []store.Migration{
		{
			Version:     1,
			Description: "create policy tables (keys, key_users, signing_conditions, policies, policy_rules, tokens)",
			Up: func(tx *sql.Tx) error {
				stmts := []string{
					`CREATE TABLE keys (
						name       TEXT PRIMARY KEY,
						created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
					)`,
					`CREATE TABLE key_users (
						id            TEXT PRIMARY KEY,
						key_name      TEXT NOT NULL,
						user_pubkey   TEXT NOT NULL,
						description   TEXT NOT NULL DEFAULT '',
						created_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
						updated_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
						last_used_at  DATETIME,
						revoked_at    DATETIME,
						request_count INTEGER NOT NULL DEFAULT 0
					)`,
					`CREATE UNIQUE INDEX idx_key_users_pair ON key_users(key_name, user_pubkey)`,
					`CREATE TABLE signing_conditions (
						id          TEXT PRIMARY KEY,
						key_user_id TEXT NOT NULL REFERENCES key_users(id) ON DELETE CASCADE,
						method      TEXT NOT NULL,
						kind        TEXT,
						allowed     INTEGER NOT NULL,
						created_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
					)`,
					`CREATE INDEX idx_signing_conditions_user ON signing_conditions(key_user_id)`,
					`CREATE TABLE policies (
						id          TEXT PRIMARY KEY,
						name        TEXT NOT NULL,
						description TEXT NOT NULL DEFAULT '',
						expires_at  DATETIME,
						created_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
					)`,
					`CREATE TABLE policy_rules (
						id                  TEXT PRIMARY KEY,
						policy_id           TEXT NOT NULL REFERENCES policies(id) ON DELETE CASCADE,
						method              TEXT NOT NULL,
						kind                TEXT,
						max_usage_count     INTEGER,
						current_usage_count INTEGER NOT NULL DEFAULT 0,
						created_at          DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
					)`,
					`CREATE INDEX idx_policy_rules_policy ON policy_rules(policy_id)`,
					`CREATE TABLE tokens (
						id          TEXT PRIMARY KEY,
						token       TEXT NOT NULL UNIQUE,
						key_name    TEXT NOT NULL,
						client_name TEXT NOT NULL DEFAULT '',
						policy_id   TEXT NOT NULL,
						created_by  TEXT NOT NULL DEFAULT '',
						created_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
						expires_at  DATETIME,
						redeemed_at DATETIME,
						key_user_id TEXT
					)`,
					`CREATE INDEX idx_tokens_key_name ON tokens(key_name)`,
				}
				for _, stmt := range stmts {
					if _, err := tx.Exec(stmt); err != nil {
						return err
					}
				}
				return nil
			},
		},
		{
			Version:     2,
			Description: "create pending_requests and audit_log tables",
			Up: func(tx *sql.Tx) error {
				stmts := []string{
					`CREATE TABLE pending_requests (
						id            TEXT PRIMARY KEY,
						request_id    TEXT NOT NULL,
						key_name      TEXT NOT NULL DEFAULT '',
						remote_pubkey TEXT NOT NULL,
						method        TEXT NOT NULL,
						params        TEXT NOT NULL DEFAULT '[]',
						allowed       INTEGER,
						created_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
						processed_at  DATETIME
					)`,
					`CREATE INDEX idx_pending_requests_created ON pending_requests(created_at)`,
					`CREATE TABLE audit_log (
						id          INTEGER PRIMARY KEY AUTOINCREMENT,
						type        TEXT NOT NULL,
						method      TEXT NOT NULL DEFAULT '',
						params      TEXT NOT NULL DEFAULT '',
						key_user_id TEXT,
						created_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
					)`,
					`CREATE INDEX idx_audit_log_created ON audit_log(created_at)`,
				}
				for _, stmt := range stmts {
					if _, err := tx.Exec(stmt); err != nil {
						return err
					}
				}
				return nil
			},
		},
		{
			Version:     3,
			Description: "create users table for dashboard accounts",
			Up: func(tx *sql.Tx) error {
				_, err := tx.Exec(`CREATE TABLE users (
					id            TEXT PRIMARY KEY,
					key_name      TEXT NOT NULL UNIQUE,
					email         TEXT NOT NULL DEFAULT '',
					password_hash TEXT NOT NULL,
					created_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
				)`)
				return err
			},
		},
	}
}
