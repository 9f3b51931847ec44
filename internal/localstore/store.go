// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

// Package localstore is the durable key-value layer under the cache manager
// and the pending-action queue. It is a single sqlite database file: the
// natural local store for a mobile data layer, and one write per statement is
// plenty for the handful of categories the engine tracks.
//
// Every failure is a recoverable error. Callers treat a read failure as a
// cache miss and fail open toward the remote source.
package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/cardinalhq/fieldsync/pkg/domain"
)

// ErrNotFound is returned by Get for keys with no stored entry.
var ErrNotFound = errors.New("localstore: key not found")

// Entry is one persisted cache record.
type Entry struct {
	Key       string
	Payload   []byte
	WrittenAt time.Time
	TTL       time.Duration
	Priority  domain.Priority
}

// Store wraps the sqlite handle. Safe for concurrent use; sqlite serializes
// writers internally and the busy timeout covers contention.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS cache_entries (
	key        TEXT PRIMARY KEY,
	payload    BLOB NOT NULL,
	written_at INTEGER NOT NULL,
	ttl_ms     INTEGER NOT NULL,
	priority   INTEGER NOT NULL DEFAULT 1
);
CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// Open opens or creates the database at path and bootstraps the schema.
// Synchronous is FULL so a confirmed write survives power loss; the queue's
// durability guarantee depends on it.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_synchronous=FULL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}
	// One connection avoids SQLITE_BUSY between the refresh and drain loops.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create local store schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Handle exposes the underlying database so the pending-action queue can keep
// its table in the same file and share its durability settings.
func (s *Store) Handle() *sql.DB {
	return s.db
}

// Put stores or replaces an entry.
func (s *Store) Put(ctx context.Context, e Entry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cache_entries (key, payload, written_at, ttl_ms, priority)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
			payload = excluded.payload,
			written_at = excluded.written_at,
			ttl_ms = excluded.ttl_ms,
			priority = excluded.priority`,
		e.Key, e.Payload, e.WrittenAt.UnixMilli(), e.TTL.Milliseconds(), int(e.Priority))
	if err != nil {
		return fmt.Errorf("failed to put %q: %w", e.Key, err)
	}
	return nil
}

// Get returns the entry for key, or ErrNotFound.
func (s *Store) Get(ctx context.Context, key string) (Entry, error) {
	var (
		e         = Entry{Key: key}
		writtenMs int64
		ttlMs     int64
		priority  int
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT payload, written_at, ttl_ms, priority FROM cache_entries WHERE key = ?`, key).
		Scan(&e.Payload, &writtenMs, &ttlMs, &priority)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("failed to get %q: %w", key, err)
	}
	e.WrittenAt = time.UnixMilli(writtenMs).UTC()
	e.TTL = time.Duration(ttlMs) * time.Millisecond
	e.Priority = domain.Priority(priority)
	return e, nil
}

// Delete removes an entry. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete %q: %w", key, err)
	}
	return nil
}

// ListKeys returns all keys under prefix, sorted. An empty prefix lists
// everything.
func (s *Store) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM cache_entries WHERE key LIKE ? || '%' ORDER BY key`, prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys under %q: %w", prefix, err)
	}
	defer func() { _ = rows.Close() }()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list keys under %q: %w", prefix, err)
	}
	return keys, nil
}

// DeletePrefix removes every entry under prefix and reports how many went.
func (s *Store) DeletePrefix(ctx context.Context, prefix string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE key LIKE ? || '%'`, prefix)
	if err != nil {
		return 0, fmt.Errorf("failed to clear prefix %q: %w", prefix, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// SweepExpired deletes entries far past their TTL: now-written_at > ttl*mult.
// Merely stale entries stay; they are still servable.
func (s *Store) SweepExpired(ctx context.Context, now time.Time, mult float64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE (? - written_at) > CAST(ttl_ms * ? AS INTEGER)`,
		now.UnixMilli(), mult)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep expired entries: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// EnforceCapacity trims the table down to max entries, dropping lowest
// priority first and oldest first within a priority. max <= 0 disables it.
func (s *Store) EnforceCapacity(ctx context.Context, max int) (int64, error) {
	if max <= 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE key IN (
			SELECT key FROM cache_entries
			ORDER BY priority ASC, written_at ASC
			LIMIT (SELECT MAX(COUNT(*) - ?, 0) FROM cache_entries)
		)`, max)
	if err != nil {
		return 0, fmt.Errorf("failed to enforce capacity: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// SetMeta writes a well-known metadata value, such as the last-sync stamp.
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO meta (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set meta %q: %w", key, err)
	}
	return nil
}

// GetMeta reads a metadata value, or ErrNotFound.
func (s *Store) GetMeta(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get meta %q: %w", key, err)
	}
	return v, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
