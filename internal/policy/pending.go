package policy

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CreatePendingRequest records an authorization decision awaiting an admin.
func (s *Store) CreatePendingRequest(ctx context.Context, requestID, keyName, remotePubkey, method string, params []string) (*PendingRequest, error) {
	if params == nil {
		params = []string{}
	}
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}

	r := &PendingRequest{
		ID:           uuid.New().String(),
		RequestID:    requestID,
		KeyName:      keyName,
		RemotePubkey: remotePubkey,
		Method:       method,
		Params:       params,
		CreatedAt:    time.Now().UTC(),
	}
	_, err = s.store.DB().ExecContext(ctx, `
		INSERT INTO pending_requests (id, request_id, key_name, remote_pubkey, method, params, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.RequestID, r.KeyName, r.RemotePubkey, r.Method, string(paramsJSON), r.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert pending request: %w", err)
	}
	s.log.Debug("pending request created",
		zap.String("id", r.ID),
		zap.String("key", keyName),
		zap.String("method", method))
	return r, nil
}

// GetPendingRequest returns one pending request by id, or ErrNotFound.
func (s *Store) GetPendingRequest(ctx context.Context, id string) (*PendingRequest, error) {
	row := s.store.DB().QueryRowContext(ctx, `
		SELECT id, request_id, key_name, remote_pubkey, method, params, allowed, created_at, processed_at
		FROM pending_requests WHERE id = ?`, id,
	)
	return scanPendingRequest(row)
}

// DecidePendingRequest transitions a request from undecided to decided.
// Returns false when the request is absent or already decided, so the
// transition happens exactly once.
func (s *Store) DecidePendingRequest(ctx context.Context, id string, allowed bool) (bool, error) {
	res, err := s.store.DB().ExecContext(ctx, `
		UPDATE pending_requests SET allowed = ?, processed_at = ?
		WHERE id = ? AND allowed IS NULL`,
		allowed, time.Now().UTC(), id,
	)
	if err != nil {
		return false, fmt.Errorf("decide pending request: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.log.Info("pending request decided",
			zap.String("id", id),
			zap.Bool("allowed", allowed))
	}
	return n > 0, nil
}

// UpdatePendingParams replaces a request's params. The registration form
// uses it to store the vetted [username, domain, email] triple before
// approval.
func (s *Store) UpdatePendingParams(ctx context.Context, id string, params []string) error {
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	res, err := s.store.DB().ExecContext(ctx,
		"UPDATE pending_requests SET params = ? WHERE id = ?",
		string(paramsJSON), id,
	)
	if err != nil {
		return fmt.Errorf("update pending params: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ReapPendingRequest deletes a request only if it is still undecided.
// Decided rows stay for the approval history; reaping them is a no-op.
// Returns true when a row was removed (the expiry signal).
func (s *Store) ReapPendingRequest(ctx context.Context, id string) (bool, error) {
	res, err := s.store.DB().ExecContext(ctx,
		"DELETE FROM pending_requests WHERE id = ? AND allowed IS NULL", id,
	)
	if err != nil {
		return false, fmt.Errorf("reap pending request: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.log.Debug("pending request reaped", zap.String("id", id))
	}
	return n > 0, nil
}

// ListRequests returns pending requests filtered by status, newest first.
// Limit is clamped to [1,50]; a negative offset is treated as zero. An
// empty status returns every row.
func (s *Store) ListRequests(ctx context.Context, status RequestStatus, limit, offset int) ([]PendingRequest, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 50 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	cutoff := time.Now().UTC().Add(-PendingTTL)

	query := `
		SELECT id, request_id, key_name, remote_pubkey, method, params, allowed, created_at, processed_at
		FROM pending_requests`
	var args []any
	switch status {
	case StatusPending:
		query += " WHERE allowed IS NULL AND created_at >= ?"
		args = append(args, cutoff)
	case StatusExpired:
		query += " WHERE allowed IS NULL AND created_at < ?"
		args = append(args, cutoff)
	case StatusApproved:
		query += " WHERE allowed = 1"
	case "":
		// all rows
	default:
		return nil, fmt.Errorf("unknown request status %q", status)
	}
	query += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.store.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	defer rows.Close()

	var requests []PendingRequest
	for rows.Next() {
		r, err := scanPendingRequestRows(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, *r)
	}
	return requests, rows.Err()
}

func scanPendingRequest(row *sql.Row) (*PendingRequest, error) {
	r, err := scanPendingRequestFrom(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return r, err
}

func scanPendingRequestRows(rows *sql.Rows) (*PendingRequest, error) {
	return scanPendingRequestFrom(rows)
}

func scanPendingRequestFrom(r rowScanner) (*PendingRequest, error) {
	var req PendingRequest
	var paramsJSON string
	var allowed sql.NullBool
	var processed sql.NullTime
	err := r.Scan(
		&req.ID, &req.RequestID, &req.KeyName, &req.RemotePubkey, &req.Method,
		&paramsJSON, &allowed, &req.CreatedAt, &processed,
	)
	if err != nil {
		return nil, err
	}
	if allowed.Valid {
		req.Allowed = &allowed.Bool
	}
	if processed.Valid {
		req.ProcessedAt = &processed.Time
	}
	if err := json.Unmarshal([]byte(paramsJSON), &req.Params); err != nil {
		req.Params = []string{}
	}
	return &req, nil
}
