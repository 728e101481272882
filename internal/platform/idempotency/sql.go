package idempotency

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const sqlSchema = `CREATE TABLE IF NOT EXISTS idempotency_keys (
	id TEXT PRIMARY KEY,
	fingerprint TEXT NOT NULL,
	completed INTEGER NOT NULL DEFAULT 0,
	status INTEGER NOT NULL DEFAULT 0,
	header TEXT,
	body BLOB,
	expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idempotency_keys_expires_at ON idempotency_keys (expires_at)`

// SQLStore keeps entries in a SQL table. It is written for SQLite and shares the database
// handle of the SQLite repository backend.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore creates the idempotency_keys table when missing.
func NewSQLStore(ctx context.Context, db *sql.DB) (*SQLStore, error) {
	if db == nil {
		return nil, errors.New("idempotency: sql db is required")
	}
	if _, err := db.ExecContext(ctx, sqlSchema); err != nil {
		return nil, fmt.Errorf("idempotency: create schema: %w", err)
	}
	return &SQLStore{db: db}, nil
}

// Begin implements Store.
func (s *SQLStore) Begin(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Claim, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Claim{}, err
	}
	defer func() { _ = tx.Rollback() }()

	id := docID(key)
	var (
		storedFingerprint string
		completed         bool
		code              int
		header            sql.NullString
		body              []byte
		expiresAt         int64
	)
	err = tx.QueryRowContext(ctx,
		`SELECT fingerprint, completed, status, header, body, expires_at FROM idempotency_keys WHERE id = ?`, id).
		Scan(&storedFingerprint, &completed, &code, &header, &body, &expiresAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return Claim{}, err
	case now.UnixMilli() < expiresAt:
		if storedFingerprint != fingerprint {
			return Claim{}, ErrFingerprintMismatch
		}
		if !completed {
			return Claim{}, ErrInFlight
		}
		replay := &Response{Status: code, Body: body}
		if header.Valid {
			if err := json.Unmarshal([]byte(header.String), &replay.Header); err != nil {
				return Claim{}, fmt.Errorf("idempotency: decode stored header: %w", err)
			}
		}
		return Claim{Replay: replay}, nil
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO idempotency_keys (id, fingerprint, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET fingerprint = excluded.fingerprint, completed = 0, status = 0,
		header = NULL, body = NULL, expires_at = excluded.expires_at`,
		id, fingerprint, now.Add(ttl).UnixMilli()); err != nil {
		return Claim{}, err
	}
	return Claim{}, tx.Commit()
}

// Complete implements Store.
func (s *SQLStore) Complete(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	header, err := json.Marshal(replayableHeader(resp.Header))
	if err != nil {
		return fmt.Errorf("idempotency: encode header: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO idempotency_keys (id, fingerprint, completed, status, header, body, expires_at)
		VALUES (?, ?, 1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET completed = 1, status = excluded.status, header = excluded.header,
		body = excluded.body, expires_at = excluded.expires_at
		WHERE idempotency_keys.fingerprint = excluded.fingerprint`,
		docID(key), fingerprint, resp.Status, string(header), resp.Body, now.Add(ttl).UnixMilli())
	return err
}

// Abandon implements Store.
func (s *SQLStore) Abandon(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE id = ?`, docID(key))
	return err
}

// CleanupExpired implements Store.
func (s *SQLStore) CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 500
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE id IN (
		SELECT id FROM idempotency_keys WHERE expires_at <= ? LIMIT ?)`, now.UnixMilli(), limit)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
