// Package store persists device presence records and per-pair signaling
// mailboxes in SQLite. Every operation is a single-record create-or-update;
// nothing here needs cross-record transactions beyond what one statement or
// one short tx provides.
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

	"github.com/meshdial/meshdial/internal/fault"
)

var log = logging.Logger("store")

// Options tune the presence and channel windows. Zero values fall back to
// the defaults below; tests shrink them to milliseconds.
type Options struct {
	OnlineWindow      time.Duration // announce recency that counts as online
	Retention         time.Duration // offline records older than this are purged
	CoordinatorWindow time.Duration // FindPeer coordinator-hint lookback
	ChannelTTL        time.Duration // mailbox expiry, refreshed on append
	ChannelCap        int           // trim threshold
	ChannelTrimTo     int           // messages kept after a trim
}

func (o *Options) applyDefaults() {
	if o.OnlineWindow <= 0 {
		o.OnlineWindow = 10 * time.Minute
	}
	if o.Retention <= 0 {
		o.Retention = 24 * time.Hour
	}
	if o.CoordinatorWindow <= 0 {
		o.CoordinatorWindow = time.Hour
	}
	if o.ChannelTTL <= 0 {
		o.ChannelTTL = time.Hour
	}
	if o.ChannelCap <= 0 {
		o.ChannelCap = 50
	}
	if o.ChannelTrimTo <= 0 || o.ChannelTrimTo >= o.ChannelCap {
		o.ChannelTrimTo = o.ChannelCap / 2
	}
}

// Store wraps the SQLite database holding presence and channel state.
type Store struct {
	db   *sql.DB
	opts Options

	// modernc sqlite allows one writer; serialize statements the same way
	// the rest of the app serializes its peer DB access.
	mu sync.Mutex
}

// Open opens (or creates) the coordination database in dir.
func Open(dir string, opts Options) (*Store, error) {
	opts.applyDefaults()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(dir, "coord.db")

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL mode for concurrent readers alongside the background sweeps.
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("configure database: %w", err)
		}
	}

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, err
	}

	log.Debugf("opened coordination db at %s", path)
	return &Store{db: db, opts: opts}, nil
}

func createSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS presence (
			device_id       TEXT PRIMARY KEY,
			owner           TEXT NOT NULL,
			network_id      TEXT NOT NULL,
			rendezvous_addr TEXT NOT NULL DEFAULT '',
			capabilities    TEXT NOT NULL DEFAULT '',
			is_coordinator  INTEGER NOT NULL DEFAULT 0,
			is_online       INTEGER NOT NULL DEFAULT 0,
			last_seen       INTEGER NOT NULL DEFAULT 0,
			created_at      INTEGER NOT NULL DEFAULT 0,
			expires_at      INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_presence_network
			ON presence(network_id, is_online, last_seen)`,
		`CREATE TABLE IF NOT EXISTS channels (
			channel_id TEXT PRIMARY KEY,
			device_a   TEXT NOT NULL,
			device_b   TEXT NOT NULL,
			created_at INTEGER NOT NULL DEFAULT 0,
			expires_at INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS channel_messages (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			channel_id TEXT NOT NULL REFERENCES channels(channel_id) ON DELETE CASCADE,
			msg_id     TEXT NOT NULL DEFAULT '',
			type       TEXT NOT NULL,
			sender     TEXT NOT NULL,
			target     TEXT NOT NULL,
			payload    BLOB NOT NULL,
			ts         INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_target
			ON channel_messages(target, channel_id)`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// storeErr classifies a driver failure as retryable storage unavailability.
func storeErr(op string, err error) error {
	return fault.Storagef("%s: %v", op, err)
}
