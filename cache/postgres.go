package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// Cache backed by an UNLOGGED Postgres table, for sharing entries
// between several server instances. Nothing here needs to survive a
// database crash.
type Postgres struct {
	TimeNow func() time.Time

	db *sql.DB
}

// Creates a new Postgres cache using the provided connection string.
//
// If clearDB is true, the cache table is dropped on startup. You
// probably only want this for testing.
func NewPostgres(connStr string, clearDB bool) (*Postgres, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	if clearDB {
		_, err = db.Exec(`DROP TABLE IF EXISTS cache_entry;`)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("clearing db: %w", err)
		}
	}

	_, err = db.Exec(`
CREATE UNLOGGED TABLE IF NOT EXISTS cache_entry (
    key TEXT NOT NULL,
    value BYTEA NOT NULL,
    expires_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (key)
);`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating cache_entry table: %w", err)
	}

	return &Postgres{
		TimeNow: time.Now,
		db:      db,
	}, nil
}

func (p *Postgres) Close() error {
	err := p.db.Close()
	if err != nil {
		return fmt.Errorf("failed to close db: %w", err)
	}
	return nil
}

func (p *Postgres) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	var expiresAt time.Time
	err := p.db.QueryRowContext(
		ctx,
		`SELECT value, expires_at FROM cache_entry WHERE key = $1`,
		key,
	).Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading cache entry: %w", err)
	}

	if !expiresAt.After(p.TimeNow()) {
		return nil, false, nil
	}

	return value, true, nil
}

func (p *Postgres) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := p.db.ExecContext(
		ctx,
		`
INSERT INTO cache_entry (key, value, expires_at)
VALUES ($1, $2, $3)
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at`,
		key, value, p.TimeNow().Add(ttl).UTC(),
	)
	if err != nil {
		return fmt.Errorf("writing cache entry: %w", err)
	}
	return nil
}
