package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const sessionSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	pool_id       TEXT PRIMARY KEY,
	username      TEXT NOT NULL,
	access_token  TEXT NOT NULL,
	id_token      TEXT NOT NULL,
	refresh_token TEXT NOT NULL,
	expiry_ms     INTEGER NOT NULL,
	saved_at_ms   INTEGER NOT NULL
);
`

// SQLiteRepo keeps the last-known session in a local SQLite file.
type SQLiteRepo struct {
	db *sql.DB
}

// OpenSQLiteRepo opens (creating if needed) the session database at path.
// ":memory:" is accepted for tests.
func OpenSQLiteRepo(path string) (*SQLiteRepo, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("session db path is required")
	}
	dsn := path
	if path != ":memory:" {
		clean := filepath.Clean(path)
		if err := os.MkdirAll(filepath.Dir(clean), 0o700); err != nil {
			return nil, fmt.Errorf("create session db dir: %w", err)
		}
		dsn = clean + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// one connection keeps ":memory:" a single database
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(sessionSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate session db: %w", err)
	}
	return &SQLiteRepo{db: db}, nil
}

func (r *SQLiteRepo) Close() error {
	return r.db.Close()
}

func (r *SQLiteRepo) Load(ctx context.Context, poolID string) (StoredSession, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT username, access_token, id_token, refresh_token, expiry_ms, saved_at_ms
FROM sessions WHERE pool_id = ?`, poolID)
	s := StoredSession{PoolID: poolID}
	var expiry, savedAt int64
	err := row.Scan(&s.Username, &s.Tokens.AccessToken, &s.Tokens.IDToken, &s.Tokens.RefreshToken, &expiry, &savedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return StoredSession{}, ErrNotFound
	}
	if err != nil {
		return StoredSession{}, fmt.Errorf("load session: %w", err)
	}
	s.Tokens.Expiry = fromMillis(expiry)
	s.SavedAt = fromMillis(savedAt)
	return s, nil
}

func (r *SQLiteRepo) Save(ctx context.Context, s StoredSession) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO sessions (pool_id, username, access_token, id_token, refresh_token, expiry_ms, saved_at_ms)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(pool_id) DO UPDATE SET
	username = excluded.username,
	access_token = excluded.access_token,
	id_token = excluded.id_token,
	refresh_token = excluded.refresh_token,
	expiry_ms = excluded.expiry_ms,
	saved_at_ms = excluded.saved_at_ms`,
		s.PoolID, s.Username, s.Tokens.AccessToken, s.Tokens.IDToken, s.Tokens.RefreshToken,
		toMillis(s.Tokens.Expiry), toMillis(s.SavedAt))
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (r *SQLiteRepo) Clear(ctx context.Context, poolID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE pool_id = ?`, poolID); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixMilli()
}

func fromMillis(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMilli(v).UTC()
}
