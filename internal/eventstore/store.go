package eventstore

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/google/uuid"
	"github.com/tallyup/ledgerd/pkg/logging"
)

// Store is a durable, append-only event log backed by SQLite.
type Store struct {
	db  *sql.DB
	mu  sync.RWMutex
	log *logging.Logger
}

// Config holds event store configuration.
type Config struct {
	DataDir string
}

// ErrStore wraps a persistent-storage failure (spec's StoreError kind).
type ErrStore struct {
	Op  string
	Err error
}

func (e *ErrStore) Error() string { return fmt.Sprintf("eventstore: %s: %v", e.Op, e.Err) }
func (e *ErrStore) Unwrap() error { return e.Err }

// Open creates or opens the event store database in cfg.DataDir.
func Open(cfg *Config) (*Store, error) {
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, &ErrStore{"mkdir", err}
	}

	dbPath := filepath.Join(cfg.DataDir, "events.db")

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, &ErrStore{"open", err}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, &ErrStore{"ping", err}
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Store{db: db, log: logging.GetDefault().Component("eventstore")}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, &ErrStore{"schema", err}
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id             TEXT PRIMARY KEY,
		aggregate_type TEXT NOT NULL,
		aggregate_id   TEXT NOT NULL,
		event_type     TEXT NOT NULL,
		event_data     BLOB NOT NULL,
		timestamp      TEXT NOT NULL,
		version        INTEGER NOT NULL DEFAULT 1,
		synced         INTEGER NOT NULL DEFAULT 0,
		wallet_id      TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_events_aggregate ON events(aggregate_type, aggregate_id);
	CREATE INDEX IF NOT EXISTS idx_events_unsynced ON events(wallet_id, synced);
	CREATE INDEX IF NOT EXISTS idx_events_order ON events(wallet_id, timestamp, id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Append mints a new event, stamps it with now(UTC), and durably stores it
// with synced=false. It never fails on logical conflict — only on I/O failure.
// walletID scopes the row for get_unsynced/get_all filtering.
func (s *Store) Append(aggType AggregateType, aggID string, evType EventType, data []byte, version int, walletID string) (*Event, error) {
	if version == 0 {
		version = 1
	}

	ev := &Event{
		ID:            uuid.New().String(),
		AggregateType: aggType,
		AggregateID:   aggID,
		EventType:     evType,
		EventData:     data,
		Timestamp:     time.Now().UTC(),
		Version:       version,
		Synced:        false,
		WalletID:      walletID,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO events (id, aggregate_type, aggregate_id, event_type, event_data, timestamp, version, synced, wallet_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)
	`, ev.ID, ev.AggregateType, ev.AggregateID, ev.EventType, ev.EventData, timeKey(ev.Timestamp), ev.Version, walletIDColumn(ev.WalletID))
	if err != nil {
		return nil, &ErrStore{"append", err}
	}

	return ev, nil
}

// Put idempotently inserts an event received from the server, preserving
// its synced flag (true). Re-inserting an existing id is a silent no-op.
func (s *Store) Put(ev *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	synced := 0
	if ev.Synced {
		synced = 1
	}

	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO events (id, aggregate_type, aggregate_id, event_type, event_data, timestamp, version, synced, wallet_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ev.ID, ev.AggregateType, ev.AggregateID, ev.EventType, ev.EventData, timeKey(ev.Timestamp), ev.Version, synced, walletIDColumn(ev.WalletID))
	if err != nil {
		return &ErrStore{"put", err}
	}

	return nil
}

// MarkSynced flips synced false->true. No-op if already true or id unknown.
func (s *Store) MarkSynced(eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE events SET synced = 1 WHERE id = ? AND synced = 0`, eventID)
	if err != nil {
		return &ErrStore{"mark_synced", err}
	}
	return nil
}

// GetAll returns every event for walletID ordered by (timestamp, id).
func (s *Store) GetAll(walletID string) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, aggregate_type, aggregate_id, event_type, event_data, timestamp, version, synced, wallet_id
		FROM events
		WHERE wallet_id = ? OR wallet_id IS NULL OR wallet_id = ''
		ORDER BY timestamp ASC, id ASC
	`, walletID)
	if err != nil {
		return nil, &ErrStore{"get_all", err}
	}
	defer rows.Close()

	return scanEvents(rows)
}

// GetForAggregate returns all events for a specific aggregate, ordered by (timestamp, id).
func (s *Store) GetForAggregate(aggType AggregateType, aggID string) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, aggregate_type, aggregate_id, event_type, event_data, timestamp, version, synced, wallet_id
		FROM events
		WHERE aggregate_type = ? AND aggregate_id = ?
		ORDER BY timestamp ASC, id ASC
	`, aggType, aggID)
	if err != nil {
		return nil, &ErrStore{"get_for_aggregate", err}
	}
	defer rows.Close()

	return scanEvents(rows)
}

// GetUnsynced returns events not yet acknowledged by the server for walletID.
// Events with a missing wallet_id are treated as belonging to the current
// wallet — a migration-era fallback that bleeds legacy data into whichever
// wallet is active first (spec's Open Question; implemented literally).
func (s *Store) GetUnsynced(walletID string) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, aggregate_type, aggregate_id, event_type, event_data, timestamp, version, synced, wallet_id
		FROM events
		WHERE synced = 0 AND (wallet_id = ? OR wallet_id IS NULL OR wallet_id = '')
		ORDER BY timestamp ASC, id ASC
	`, walletID)
	if err != nil {
		return nil, &ErrStore{"get_unsynced", err}
	}
	defer rows.Close()

	return scanEvents(rows)
}

// GetAfter returns events strictly after ts, across all wallets (the caller
// is expected to already be scoped to one wallet's store).
func (s *Store) GetAfter(ts time.Time) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, aggregate_type, aggregate_id, event_type, event_data, timestamp, version, synced, wallet_id
		FROM events
		WHERE timestamp > ?
		ORDER BY timestamp ASC, id ASC
	`, timeKey(ts))
	if err != nil {
		return nil, &ErrStore{"get_after", err}
	}
	defer rows.Close()

	return scanEvents(rows)
}

// EventCount returns the number of events belonging to walletID.
func (s *Store) EventCount(walletID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM events WHERE wallet_id = ? OR wallet_id IS NULL OR wallet_id = ''
	`, walletID).Scan(&count)
	if err != nil {
		return 0, &ErrStore{"event_count", err}
	}
	return count, nil
}

// EventHash computes the bit-exact divergence hash for walletID: over events
// ordered by (timestamp, id), SHA-256 of the UTF-8 concatenation of
// id+timestamp_rfc3339_utc for each event. Empty wallet hashes to "".
func (s *Store) EventHash(walletID string) (string, error) {
	events, err := s.GetAll(walletID)
	if err != nil {
		return "", err
	}
	return Hash(events), nil
}

// Hash computes the divergence hash over an already-loaded, unsorted event
// slice. Exported so the admin API and tests can compute it without a DB
// round-trip, and so clients and the server agree on the exact algorithm.
func Hash(events []*Event) string {
	if len(events) == 0 {
		return ""
	}

	sorted := make([]*Event, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].Timestamp.Equal(sorted[j].Timestamp) {
			return sorted[i].Timestamp.Before(sorted[j].Timestamp)
		}
		return sorted[i].ID < sorted[j].ID
	})

	h := sha256.New()
	for _, ev := range sorted {
		h.Write([]byte(ev.ID))
		h.Write([]byte(timeKey(ev.Timestamp)))
	}

	return hex.EncodeToString(h.Sum(nil))
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event

	for rows.Next() {
		var ev Event
		var ts string
		var synced int
		var walletID sql.NullString

		if err := rows.Scan(&ev.ID, &ev.AggregateType, &ev.AggregateID, &ev.EventType,
			&ev.EventData, &ts, &ev.Version, &synced, &walletID); err != nil {
			return nil, &ErrStore{"scan", err}
		}

		parsed, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			return nil, &ErrStore{"scan_timestamp", err}
		}

		ev.Timestamp = parsed
		ev.Synced = synced == 1
		if walletID.Valid {
			ev.WalletID = walletID.String
		}

		cp := ev
		events = append(events, &cp)
	}

	return events, rows.Err()
}

func walletIDColumn(walletID string) interface{} {
	if walletID == "" {
		return nil
	}
	return walletID
}
