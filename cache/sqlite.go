package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

type SQLiteConfig struct {
	// Path to the database file. Blank for an in-memory database.
	Path string
}

// Cache backed by a SQLite table. Expired rows are ignored on read and
// replaced on write.
type SQLite struct {
	SQLiteConfig

	TimeNow func() time.Time

	db *sql.DB
}

func NewSQLite(cfg ...SQLiteConfig) (*SQLite, error) {
	path := ""
	if len(cfg) > 0 {
		path = cfg[0].Path
	}

	sourceName := ":memory:"
	if path != "" {
		sourceName = path
	}

	db, err := sql.Open("sqlite3", sourceName)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Each connection to :memory: is its own database.
	if path == "" {
		db.SetMaxOpenConns(1)
	}

	_, err = db.Exec(`
CREATE TABLE IF NOT EXISTS cache_entry (
    key TEXT NOT NULL,
    value BLOB NOT NULL,
    expires_at INTEGER NOT NULL,
PRIMARY KEY (key)
);`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating cache_entry table: %w", err)
	}

	return &SQLite{
		SQLiteConfig: SQLiteConfig{Path: path},
		TimeNow:      time.Now,
		db:           db,
	}, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	var expiresAt int64
	err := s.db.QueryRowContext(
		ctx,
		`SELECT value, expires_at FROM cache_entry WHERE key = ?`,
		key,
	).Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading cache entry: %w", err)
	}

	if expiresAt <= s.TimeNow().UnixNano() {
		return nil, false, nil
	}

	return value, true, nil
}

func (s *SQLite) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	expiresAt := s.TimeNow().Add(ttl).UnixNano()
	_, err := s.db.ExecContext(
		ctx,
		`INSERT OR REPLACE INTO cache_entry (key, value, expires_at) VALUES (?, ?, ?)`,
		key, value, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("writing cache entry: %w", err)
	}
	return nil
}
