// Package store persists call records in SQLite. The calls table is the
// signaling channel between the two parties: every write bumps a version and
// is published on the change hub so subscribers see it without polling.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	_ "modernc.org/sqlite"
)

var log = logging.Logger("store")

// DefaultStaleWindow bounds how old a ringing record may be before polling
// stops surfacing it.
const DefaultStaleWindow = 60 * time.Second

// DB wraps the SQLite call store.
type DB struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
	hub  *Hub

	now         func() time.Time
	staleWindow time.Duration
}

type Option func(*DB)

// WithClock overrides the wall clock used for timestamps and staleness.
func WithClock(now func() time.Time) Option {
	return func(d *DB) { d.now = now }
}

func WithStaleWindow(w time.Duration) Option {
	return func(d *DB) {
		if w > 0 {
			d.staleWindow = w
		}
	}
}

// Open opens or creates the call store at dbPath.
func Open(dbPath string, opts ...Option) (*DB, error) {
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL lets an agent and a feed process share the file.
	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS calls (
			id                    TEXT PRIMARY KEY,
			caller_type           TEXT NOT NULL CHECK (caller_type IN ('child', 'parent')),
			child_id              TEXT,
			parent_id             TEXT,
			status                TEXT NOT NULL DEFAULT 'ringing' CHECK (status IN ('ringing', 'active', 'ended')),
			offer_sdp             TEXT,
			answer_sdp            TEXT,
			child_ice_candidates  TEXT NOT NULL DEFAULT '[]',
			parent_ice_candidates TEXT NOT NULL DEFAULT '[]',
			created_at            INTEGER NOT NULL,
			ended_at              INTEGER,
			ended_by              TEXT,
			end_reason            TEXT
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create calls table: %w", err)
	}

	// Migration: poll cursor columns (databases created before change feeds)
	db.Exec(`ALTER TABLE calls ADD COLUMN updated_at INTEGER NOT NULL DEFAULT 0`)
	db.Exec(`ALTER TABLE calls ADD COLUMN version INTEGER NOT NULL DEFAULT 0`)

	if _, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS calls_updated_at ON calls (updated_at);
		CREATE INDEX IF NOT EXISTS calls_child ON calls (child_id, status);
		CREATE INDEX IF NOT EXISTS calls_parent ON calls (parent_id, status);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create call indexes: %w", err)
	}

	// Who may call whom. A member is a parent or another family member.
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS family_links (
			child_id    TEXT NOT NULL,
			member_id   TEXT NOT NULL,
			member_role TEXT NOT NULL DEFAULT 'parent',
			blocked     INTEGER NOT NULL DEFAULT 0,
			created_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (child_id, member_id)
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create family links table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS display_names (
			id   TEXT PRIMARY KEY,
			name TEXT NOT NULL
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create display names table: %w", err)
	}

	d := &DB{
		db:          db,
		path:        dbPath,
		hub:         NewHub(),
		now:         time.Now,
		staleWindow: DefaultStaleWindow,
	}
	for _, o := range opts {
		o(d)
	}
	d.hub.retain, d.hub.now = d.staleWindow, d.now
	return d, nil
}

// Close closes the database and every hub subscription.
func (d *DB) Close() error {
	d.hub.Close()
	return d.db.Close()
}

// Path returns the database file path
func (d *DB) Path() string {
	return d.path
}

// Hub returns the in-process change hub.
func (d *DB) Hub() *Hub { return d.hub }

// StaleWindow returns the age after which ringing records are not resurrected.
func (d *DB) StaleWindow() time.Duration { return d.staleWindow }

// Now returns the store clock.
func (d *DB) Now() time.Time { return d.now() }

func millis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }
