package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS cache_entries (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	expires_at INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_cache_entries_expires_at ON cache_entries(expires_at);
`

// SQLiteStore is a persistent Store in an embedded SQLite database.
// Rows past their ttl hint read as misses and are deleted on sight; maxEntries bounds the
// row count (0 = unbounded).
type SQLiteStore struct {
	db         *sql.DB
	maxEntries int
	now        func() time.Time
}

// NewSQLiteStore opens (or creates) the database at path. ":memory:" gives a private
// in-memory database pinned to a single connection.
func NewSQLiteStore(path string, maxEntries int) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite cache: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite cache: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init sqlite cache schema: %w", err)
	}
	return &SQLiteStore{db: db, maxEntries: maxEntries, now: time.Now}, nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var (
		value     []byte
		expiresAt int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT value, expires_at FROM cache_entries WHERE key = ?`, key).Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, mapSQLiteErr(err)
	}
	if expiresAt > 0 && s.now().Unix() > expiresAt {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ? AND expires_at = ?`, key, expiresAt)
		return nil, false, nil
	}
	return value, true, nil
}

// Set implements Store. At capacity, expired rows are purged first; new keys fail with
// ErrStoreFull only if the table is still full. SQLITE_FULL maps there too.
func (s *SQLiteStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var expiresAt int64
	if ttl > 0 {
		expiresAt = s.now().Add(ttl).Unix()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapSQLiteErr(err)
	}
	defer tx.Rollback()

	if s.maxEntries > 0 {
		var exists, count int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM cache_entries WHERE key = ?`, key).Scan(&exists); err != nil {
			return mapSQLiteErr(err)
		}
		if exists == 0 {
			if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM cache_entries`).Scan(&count); err != nil {
				return mapSQLiteErr(err)
			}
			if count >= s.maxEntries {
				res, err := tx.ExecContext(ctx, `DELETE FROM cache_entries WHERE expires_at > 0 AND expires_at < ?`, s.now().Unix())
				if err != nil {
					return mapSQLiteErr(err)
				}
				purged, _ := res.RowsAffected()
				if count-int(purged) >= s.maxEntries {
					return ErrStoreFull
				}
			}
		}
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO cache_entries (key, value, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, expiresAt)
	if err != nil {
		return mapSQLiteErr(err)
	}
	return mapSQLiteErr(tx.Commit())
}

// Delete implements Store.
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key)
	return mapSQLiteErr(err)
}

// Keys implements Store.
func (s *SQLiteStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM cache_entries WHERE substr(key, 1, ?) = ?`, len(prefix), prefix)
	if err != nil {
		return nil, mapSQLiteErr(err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// PurgeExpired deletes rows past their ttl hint and returns how many were removed.
func (s *SQLiteStore) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE expires_at > 0 AND expires_at < ?`, s.now().Unix())
	if err != nil {
		return 0, mapSQLiteErr(err)
	}
	return res.RowsAffected()
}

// Ping checks the database handle. Used for health checks.
func (s *SQLiteStore) Ping() error {
	return s.db.Ping()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func mapSQLiteErr(err error) error {
	if err == nil {
		return nil
	}
	var se sqlite3.Error
	if errors.As(err, &se) && se.Code == sqlite3.ErrFull {
		return fmt.Errorf("%w: %v", ErrStoreFull, err)
	}
	return err
}
