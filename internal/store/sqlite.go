// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// =============================================================================
// SCHEMA
// =============================================================================

const schema = `
CREATE TABLE IF NOT EXISTS users (
  user_id      TEXT PRIMARY KEY,
  card_id      TEXT UNIQUE NOT NULL,
  card_atr     TEXT,
  pwd_salt     BLOB NOT NULL,
  pwd_hash     BLOB NOT NULL,
  created_at   TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS biometrics (
  user_id         TEXT PRIMARY KEY,
  template_path   TEXT NOT NULL,
  template_sha256 TEXT NOT NULL,
  algo            TEXT NOT NULL,
  created_at      TEXT NOT NULL DEFAULT (datetime('now')),
  FOREIGN KEY(user_id) REFERENCES users(user_id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS auth_state (
  user_id            TEXT PRIMARY KEY,
  fail_count         INTEGER NOT NULL DEFAULT 0,
  locked_until_epoch INTEGER,
  last_fail_epoch    INTEGER,
  updated_at         TEXT NOT NULL DEFAULT (datetime('now')),
  FOREIGN KEY(user_id) REFERENCES users(user_id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS auth_logs (
  id        INTEGER PRIMARY KEY AUTOINCREMENT,
  ts        TEXT NOT NULL DEFAULT (datetime('now')),
  card_id   TEXT,
  card_atr  TEXT,
  user_id   TEXT,
  pwd_ok    INTEGER,
  bio_score REAL,
  decision  TEXT,
  reason    TEXT
);
`

const tsLayout = "2006-01-02 15:04:05"

// =============================================================================
// SQLITE STORE
// =============================================================================

// SQLiteStore is the CredentialStore implementation backed by a local
// SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

var _ CredentialStore = (*SQLiteStore)(nil)

// Open opens (creating if necessary) the credential database at path.
func Open(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// =============================================================================
// USERS AND BIOMETRICS
// =============================================================================

// UpsertUser inserts or fully replaces one user row.
func (s *SQLiteStore) UpsertUser(ctx context.Context, u User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users(user_id, card_id, card_atr, pwd_salt, pwd_hash)
		VALUES(?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
		  card_id=excluded.card_id,
		  card_atr=excluded.card_atr,
		  pwd_salt=excluded.pwd_salt,
		  pwd_hash=excluded.pwd_hash`,
		u.UserID, u.CardID, nullString(u.CardATR), u.PwdSalt, u.PwdHash)
	if err != nil {
		return fmt.Errorf("failed to upsert user %s: %w", u.UserID, err)
	}
	return nil
}

// UpdateUserPIN replaces only the password material.
func (s *SQLiteStore) UpdateUserPIN(ctx context.Context, userID string, salt, hash []byte) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET pwd_salt=?, pwd_hash=? WHERE user_id=?`,
		salt, hash, userID)
	if err != nil {
		return fmt.Errorf("failed to update pin for %s: %w", userID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("unknown user %s", userID)
	}
	return nil
}

// UpsertBiometric inserts or replaces one template record.
func (s *SQLiteStore) UpsertBiometric(ctx context.Context, b BiometricRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO biometrics(user_id, template_path, template_sha256, algo)
		VALUES(?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
		  template_path=excluded.template_path,
		  template_sha256=excluded.template_sha256,
		  algo=excluded.algo`,
		b.UserID, b.TemplatePath, b.TemplateSHA256, b.Algo)
	if err != nil {
		return fmt.Errorf("failed to upsert biometric for %s: %w", b.UserID, err)
	}
	return nil
}

const credentialQuery = `
	SELECT u.user_id, u.card_id, u.card_atr, u.pwd_salt, u.pwd_hash,
	       b.template_path, b.template_sha256, b.algo
	FROM users u
	LEFT JOIN biometrics b ON b.user_id = u.user_id
	WHERE %s = ?`

// GetUserByCard resolves a card UID to its credential.
func (s *SQLiteStore) GetUserByCard(ctx context.Context, cardID string) (*Credential, error) {
	return s.getCredential(ctx, "u.card_id", cardID)
}

// GetUserByID resolves a user ID to its credential.
func (s *SQLiteStore) GetUserByID(ctx context.Context, userID string) (*Credential, error) {
	return s.getCredential(ctx, "u.user_id", userID)
}

func (s *SQLiteStore) getCredential(ctx context.Context, column, key string) (*Credential, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(credentialQuery, column), key)

	var c Credential
	var atr, tplPath, tplSHA, algo sql.NullString
	err := row.Scan(&c.UserID, &c.CardID, &atr, &c.PwdSalt, &c.PwdHash, &tplPath, &tplSHA, &algo)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}
	c.CardATR = atr.String
	if tplPath.Valid {
		c.Biometric = &BiometricRecord{
			UserID:         c.UserID,
			TemplatePath:   tplPath.String,
			TemplateSHA256: tplSHA.String,
			Algo:           algo.String,
		}
	}
	return &c, nil
}

// =============================================================================
// LOCKOUT STATE
// =============================================================================

// EnsureAuthState creates the zero state row if missing.
func (s *SQLiteStore) EnsureAuthState(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO auth_state(user_id, fail_count, locked_until_epoch, last_fail_epoch)
		VALUES(?, 0, NULL, NULL)
		ON CONFLICT(user_id) DO NOTHING`, userID)
	if err != nil {
		return fmt.Errorf("failed to ensure auth state for %s: %w", userID, err)
	}
	return nil
}

// GetAuthState returns the user's lockout state.
func (s *SQLiteStore) GetAuthState(ctx context.Context, userID string) (AuthState, error) {
	if err := s.EnsureAuthState(ctx, userID); err != nil {
		return AuthState{}, err
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, fail_count, locked_until_epoch, last_fail_epoch
		FROM auth_state WHERE user_id=?`, userID)
	return scanAuthState(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAuthState(row rowScanner) (AuthState, error) {
	var st AuthState
	var lockedUntil, lastFail sql.NullInt64
	if err := row.Scan(&st.UserID, &st.FailCount, &lockedUntil, &lastFail); err != nil {
		return AuthState{}, fmt.Errorf("failed to scan auth state: %w", err)
	}
	if lockedUntil.Valid {
		t := time.Unix(lockedUntil.Int64, 0)
		st.LockedUntil = &t
	}
	if lastFail.Valid {
		t := time.Unix(lastFail.Int64, 0)
		st.LastFail = &t
	}
	return st, nil
}

// RecordPINFailure increments the failure counter and, at the
// threshold, stamps the lockout expiry. The read-increment-write runs
// in one transaction so racing failures cannot bypass the limit.
func (s *SQLiteStore) RecordPINFailure(ctx context.Context, userID string, now time.Time, maxAttempts int, lockout time.Duration) (AuthState, error) {
	if err := s.EnsureAuthState(ctx, userID); err != nil {
		return AuthState{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return AuthState{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT user_id, fail_count, locked_until_epoch, last_fail_epoch
		FROM auth_state WHERE user_id=?`, userID)
	st, err := scanAuthState(row)
	if err != nil {
		return AuthState{}, err
	}

	st.FailCount++
	nowUTC := now.UTC()
	st.LastFail = &nowUTC
	if maxAttempts > 0 && st.FailCount >= maxAttempts {
		seconds := int64(lockout / time.Second)
		if seconds < 1 {
			seconds = 1
		}
		until := time.Unix(now.Unix()+seconds, 0)
		st.LockedUntil = &until
	}

	var lockedEpoch any
	if st.LockedUntil != nil {
		lockedEpoch = st.LockedUntil.Unix()
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE auth_state
		SET fail_count=?, locked_until_epoch=?, last_fail_epoch=?, updated_at=datetime('now')
		WHERE user_id=?`,
		st.FailCount, lockedEpoch, now.Unix(), userID)
	if err != nil {
		return AuthState{}, fmt.Errorf("failed to record pin failure for %s: %w", userID, err)
	}
	if err := tx.Commit(); err != nil {
		return AuthState{}, fmt.Errorf("failed to commit pin failure: %w", err)
	}
	return st, nil
}

// ClearAuthState resets failures and lockout after a full success.
func (s *SQLiteStore) ClearAuthState(ctx context.Context, userID string) error {
	if err := s.EnsureAuthState(ctx, userID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE auth_state
		SET fail_count=0, locked_until_epoch=NULL, last_fail_epoch=NULL, updated_at=datetime('now')
		WHERE user_id=?`, userID)
	if err != nil {
		return fmt.Errorf("failed to clear auth state for %s: %w", userID, err)
	}
	return nil
}

// =============================================================================
// AUTH LOG
// =============================================================================

// AppendAuthLog records one authentication decision.
func (s *SQLiteStore) AppendAuthLog(ctx context.Context, e AuthLogEntry) error {
	ts := e.TS
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO auth_logs(ts, card_id, card_atr, user_id, pwd_ok, bio_score, decision, reason)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		ts.UTC().Format(tsLayout),
		nullString(e.CardID), nullString(e.CardATR), nullString(e.UserID),
		boolToInt(e.PwdOK), e.BioScore, e.Decision, e.Reason)
	if err != nil {
		return fmt.Errorf("failed to append auth log: %w", err)
	}
	return nil
}

// ListAuthLogs returns up to limit entries, newest first.
func (s *SQLiteStore) ListAuthLogs(ctx context.Context, limit int) ([]AuthLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ts, card_id, card_atr, user_id, pwd_ok, bio_score, decision, reason
		FROM auth_logs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list auth logs: %w", err)
	}
	defer rows.Close()

	var out []AuthLogEntry
	for rows.Next() {
		var e AuthLogEntry
		var ts string
		var cardID, cardATR, userID, decision, reason sql.NullString
		var pwdOK sql.NullInt64
		var bioScore sql.NullFloat64
		if err := rows.Scan(&e.ID, &ts, &cardID, &cardATR, &userID, &pwdOK, &bioScore, &decision, &reason); err != nil {
			return nil, fmt.Errorf("failed to scan auth log row: %w", err)
		}
		if t, err := time.ParseInLocation(tsLayout, ts, time.UTC); err == nil {
			e.TS = t
		}
		e.CardID = cardID.String
		e.CardATR = cardATR.String
		e.UserID = userID.String
		e.PwdOK = pwdOK.Int64 != 0
		if bioScore.Valid {
			v := bioScore.Float64
			e.BioScore = &v
		}
		e.Decision = decision.String
		e.Reason = reason.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
