package fae

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql
)

// cacheSchema stores one decoded object's already-parsed table entries
// and instruction bytes, keyed by path plus the (mtime, size) pair that
// stands in for a content hash: if either changes the object is
// re-decoded.
const cacheSchema = `
CREATE TABLE IF NOT EXISTS fae_cache (
	object_path TEXT PRIMARY KEY,
	mtime       INTEGER NOT NULL,
	size        INTEGER NOT NULL,
	table_blob  BLOB NOT NULL
)`

// Cache is a SQLite-backed store of decoded per-object FAE tables, used
// by faemap to avoid re-parsing objects that have not changed since the
// last merge.
type Cache struct {
	db *sql.DB
}

// OpenCache opens (or creates) the cache database at path. path may be
// ":memory:" for an ephemeral cache, matching the no-cache fallback
// behavior when the config's merge_cache is empty.
func OpenCache(path string) (*Cache, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("fae: open cache %q: %w", path, err)
	}
	// A single writer at a time; faemap is not run concurrently against
	// the same cache file.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("fae: set cache busy_timeout: %w", err)
	}
	if _, err := db.Exec(cacheSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("fae: apply cache schema: %w", err)
	}
	return &Cache{db: db}, nil
}

// Lookup returns the cached table blob for path if its recorded mtime
// and size still match, reporting a cache miss otherwise.
func (c *Cache) Lookup(path string, mtime, size int64) ([]byte, bool, error) {
	var blob []byte
	err := c.db.QueryRow(
		`SELECT table_blob FROM fae_cache WHERE object_path = ? AND mtime = ? AND size = ?`,
		path, mtime, size,
	).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("fae: cache lookup %q: %w", path, err)
	}
	return blob, true, nil
}

// Store records the decoded table blob for path under its current mtime
// and size, replacing any previous entry.
func (c *Cache) Store(path string, mtime, size int64, blob []byte) error {
	_, err := c.db.Exec(
		`INSERT INTO fae_cache (object_path, mtime, size, table_blob) VALUES (?, ?, ?, ?)
		 ON CONFLICT(object_path) DO UPDATE SET mtime = excluded.mtime, size = excluded.size, table_blob = excluded.table_blob`,
		path, mtime, size, blob,
	)
	if err != nil {
		return fmt.Errorf("fae: cache store %q: %w", path, err)
	}
	return nil
}

// Close releases the underlying database handle.
func (c *Cache) Close() error { return c.db.Close() }
