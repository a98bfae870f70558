package cache

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/hazyhaar/thumbcache/dbopen"
)

// Schema for the screenshot_cache table. The key column holds the namespace
// prefix plus the fixed-width derived key.
const Schema = `
CREATE TABLE IF NOT EXISTS screenshot_cache (
	cache_key  TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	updated_at INTEGER NOT NULL
);
`

// SQLite stores values in a single table. Safe for concurrent use by
// several processes sharing the file.
type SQLite struct {
	DB  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (or creates) the cache database at path.
func OpenSQLite(path string, opts ...dbopen.Option) (*SQLite, error) {
	all := append([]dbopen.Option{
		dbopen.WithMkdirAll(),
		dbopen.WithSchema(Schema),
	}, opts...)
	db, err := dbopen.Open(path, all...)
	if err != nil {
		return nil, err
	}
	return &SQLite{DB: db, now: time.Now}, nil
}

// NewSQLite wraps an already opened database. The schema must be applied.
func NewSQLite(db *sql.DB) *SQLite {
	return &SQLite{DB: db, now: time.Now}
}

func (s *SQLite) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var v []byte
	err := s.DB.QueryRowContext(ctx,
		`SELECT value FROM screenshot_cache WHERE cache_key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if v == nil {
		v = []byte{}
	}
	return v, true, nil
}

func (s *SQLite) Set(ctx context.Context, key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	_, err := dbopen.Exec(ctx, s.DB, `
		INSERT INTO screenshot_cache (cache_key, value, updated_at) VALUES (?,?,?)
		ON CONFLICT(cache_key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, s.now().UnixMilli())
	return err
}

// Count returns the number of stored slots.
func (s *SQLite) Count(ctx context.Context) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM screenshot_cache`).Scan(&n)
	return n, err
}

func (s *SQLite) Close() error {
	return s.DB.Close()
}
