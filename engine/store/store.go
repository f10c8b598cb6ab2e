// Package store is the SQLite-backed evidence graph: tasks, queries, pages,
// fragments, claims and edges, plus the guarded read-only SQL surface.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// Store owns the single writer connection. All writes serialize through one
// mutex; the guarded SQL surface opens its own read-only connection per
// request and never touches the writer.
type Store struct {
	db   *sqlx.DB
	path string

	// writeMu serializes all mutations through the single writer.
	writeMu sync.Mutex
}

// Open opens (creating if needed) the evidence graph database at path and
// applies the schema. WAL mode keeps readers unblocked by the writer.
func Open(path string) (*Store, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)"
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// The writer is a single connection by construction.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db, path: path}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// DB exposes the underlying handle for in-package repositories and tests.
func (s *Store) DB() *sqlx.DB { return s.db }

// Close closes the writer connection.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) initSchema() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	_, err := s.db.Exec(views)
	return err
}

// exec runs a mutation through the single writer.
func (s *Store) exec(ctx context.Context, query string, args ...any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

// PageIDForURL derives the task-independent page id from the URL, giving
// global deduplication: the same document fetched twice maps to one row.
func PageIDForURL(rawURL string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(rawURL)))
	return "p_" + hex.EncodeToString(sum[:])[:16]
}

// RegistrableDomain extracts the host portion of a URL, lower-cased, with
// any leading "www." removed.
func RegistrableDomain(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return ""
	}
	host := strings.ToLower(u.Host)
	if h, _, ok := strings.Cut(host, ":"); ok {
		host = h
	}
	return strings.TrimPrefix(host, "www.")
}

// nowUTC truncates to millisecond so round-trips through SQLite text columns
// compare cleanly.
func nowUTC() time.Time { return time.Now().UTC().Truncate(time.Millisecond) }
