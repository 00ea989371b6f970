// Package snapshot implements the periodic materialized-projection cache
// that lets the Local Database facade avoid an O(N) rebuild on every write
// once the event log grows.
package snapshot

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/tallyup/ledgerd/internal/eventstore"
	"github.com/tallyup/ledgerd/internal/projection"
	"github.com/tallyup/ledgerd/pkg/logging"
)

// everyNEvents is the snapshot cadence: one snapshot per 10 appended events.
const everyNEvents = 10

// keepCount is how many of the most recent snapshots are retained.
const keepCount = 5

// Snapshot is a materialized projection tagged with the event position it
// reflects.
type Snapshot struct {
	Index        int64
	WalletID     string
	State        projection.AppState
	LastEventID  string
	LastEventTS  time.Time
	EventCount   int
}

// Cache persists snapshots in the *sql.DB handed to Open. cmd/ledgerd and
// the tests pass a separate aux.db file, not the event store's events.db.
type Cache struct {
	db  *sql.DB
	mu  sync.Mutex
	log *logging.Logger
}

// stateDoc is the JSON-on-disk shape of a Snapshot's projected state.
type stateDoc struct {
	Contacts     map[string]*projection.Contact     `json:"contacts"`
	Transactions map[string]*projection.Transaction `json:"transactions"`
}

// Open attaches the snapshot cache to an already-open *sql.DB and creates
// its tables there. The event store keeps its own connection to events.db;
// the two do not share a handle.
func Open(db *sql.DB) (*Cache, error) {
	c := &Cache{db: db, log: logging.GetDefault().Component("snapshot")}
	if err := c.initSchema(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Cache) initSchema() error {
	_, err := c.db.Exec(`
		CREATE TABLE IF NOT EXISTS projection_snapshots (
			snapshot_index INTEGER PRIMARY KEY,
			wallet_id      TEXT NOT NULL,
			state          BLOB NOT NULL,
			last_event_id  TEXT NOT NULL,
			last_event_ts  TEXT NOT NULL,
			event_count    INTEGER NOT NULL,
			created_at     TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_snapshots_wallet ON projection_snapshots(wallet_id, snapshot_index);

	CREATE TABLE IF NOT EXISTS sync_settings (
		wallet_id TEXT NOT NULL,
		key       TEXT NOT NULL,
		value     TEXT NOT NULL,
		PRIMARY KEY (wallet_id, key)
	);
	`)
	return err
}

// watermarkKey is the sync_settings row name for the pull watermark,
// persisted per spec.md §6 so a restart resumes incremental pulls instead
// of re-fetching a wallet's whole history.
const watermarkKey = "pull_watermark"

// SaveWatermark persists the last-successful-pull timestamp for walletID.
func (c *Cache) SaveWatermark(walletID string, ts time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.db.Exec(`
		INSERT INTO sync_settings (wallet_id, key, value) VALUES (?, ?, ?)
		ON CONFLICT (wallet_id, key) DO UPDATE SET value = excluded.value
	`, walletID, watermarkKey, ts.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("snapshot: save watermark: %w", err)
	}
	return nil
}

// LoadWatermark returns the persisted pull watermark for walletID, or the
// zero Time if none has been saved yet.
func (c *Cache) LoadWatermark(walletID string) (time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var value string
	err := c.db.QueryRow(`SELECT value FROM sync_settings WHERE wallet_id = ? AND key = ?`, walletID, watermarkKey).Scan(&value)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("snapshot: load watermark: %w", err)
	}

	ts, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("snapshot: parse watermark: %w", err)
	}
	return ts, nil
}

// ClearWatermark deletes the persisted pull watermark for walletID.
func (c *Cache) ClearWatermark(walletID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.db.Exec(`DELETE FROM sync_settings WHERE wallet_id = ? AND key = ?`, walletID, watermarkKey); err != nil {
		return fmt.Errorf("snapshot: clear watermark: %w", err)
	}
	return nil
}

// ShouldSnapshot reports whether a snapshot should be taken after a write
// batch, per spec.md §4.3: every 10th event, or whenever an UNDO was among
// the events just applied.
func ShouldSnapshot(eventCount int, batchHadUndo bool) bool {
	return batchHadUndo || (eventCount > 0 && eventCount%everyNEvents == 0)
}

// Create stores a new snapshot and prunes any beyond the retention window.
func (c *Cache) Create(walletID string, state projection.AppState, lastEvent *eventstore.Event, eventCount int) error {
	doc := stateDoc{Contacts: state.Contacts, Transactions: state.Transactions}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("snapshot: marshal state: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var nextIndex int64
	err = c.db.QueryRow(`SELECT COALESCE(MAX(snapshot_index), 0) + 1 FROM projection_snapshots WHERE wallet_id = ?`, walletID).Scan(&nextIndex)
	if err != nil {
		return fmt.Errorf("snapshot: next index: %w", err)
	}

	_, err = c.db.Exec(`
		INSERT INTO projection_snapshots (snapshot_index, wallet_id, state, last_event_id, last_event_ts, event_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, nextIndex, walletID, data, lastEvent.ID, lastEvent.Timestamp.UTC().Format(time.RFC3339), eventCount, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("snapshot: insert: %w", err)
	}

	return c.pruneLocked(walletID)
}

func (c *Cache) pruneLocked(walletID string) error {
	rows, err := c.db.Query(`
		SELECT snapshot_index FROM projection_snapshots
		WHERE wallet_id = ?
		ORDER BY snapshot_index DESC
	`, walletID)
	if err != nil {
		return fmt.Errorf("snapshot: list for prune: %w", err)
	}

	var indexes []int64
	for rows.Next() {
		var idx int64
		if err := rows.Scan(&idx); err != nil {
			rows.Close()
			return err
		}
		indexes = append(indexes, idx)
	}
	rows.Close()

	if len(indexes) <= keepCount {
		return nil
	}

	for _, idx := range indexes[keepCount:] {
		if _, err := c.db.Exec(`DELETE FROM projection_snapshots WHERE wallet_id = ? AND snapshot_index = ?`, walletID, idx); err != nil {
			c.log.Warn("failed to prune old snapshot", "index", idx, "error", err)
		}
	}

	return nil
}

// Latest returns the most recent snapshot on disk for walletID, or nil if
// none exists. It does not check that last_event_id still exists; Rebuild
// does that and treats a snapshot whose last event is missing as absent.
func (c *Cache) Latest(walletID string) (*Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var (
		idx         int64
		state       []byte
		lastEventID string
		lastTS      string
		count       int
	)

	err := c.db.QueryRow(`
		SELECT snapshot_index, state, last_event_id, last_event_ts, event_count
		FROM projection_snapshots
		WHERE wallet_id = ?
		ORDER BY snapshot_index DESC
		LIMIT 1
	`, walletID).Scan(&idx, &state, &lastEventID, &lastTS, &count)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("snapshot: latest: %w", err)
	}

	var doc stateDoc
	if err := json.Unmarshal(state, &doc); err != nil {
		return nil, fmt.Errorf("snapshot: unmarshal state: %w", err)
	}

	ts, err := time.Parse(time.RFC3339, lastTS)
	if err != nil {
		return nil, fmt.Errorf("snapshot: parse last_event_ts: %w", err)
	}

	st := projection.NewAppState()
	if doc.Contacts != nil {
		st.Contacts = doc.Contacts
	}
	if doc.Transactions != nil {
		st.Transactions = doc.Transactions
	}

	return &Snapshot{
		Index:       idx,
		WalletID:    walletID,
		State:       st,
		LastEventID: lastEventID,
		LastEventTS: ts,
		EventCount:  count,
	}, nil
}

// Rebuild reconstructs AppState for walletID using the snapshot-bypass rule
// of spec.md §4.3: if allEvents contains any UNDO, ignore snapshots
// entirely (an UNDO can reference an event older than any snapshot).
// Otherwise fold events_after = {e : e.timestamp >= snapshot.LastEventTS}
// onto the cached snapshot state via projection.Apply.
func (c *Cache) Rebuild(walletID string, allEvents []*eventstore.Event) (projection.AppState, error) {
	for _, ev := range allEvents {
		if ev.EventType == eventstore.EventUndo {
			return projection.Build(allEvents), nil
		}
	}

	snap, err := c.Latest(walletID)
	if err != nil {
		return projection.AppState{}, err
	}
	if snap == nil || !eventExists(allEvents, snap.LastEventID) {
		return projection.Build(allEvents), nil
	}

	var after []*eventstore.Event
	for _, ev := range allEvents {
		if !ev.Timestamp.Before(snap.LastEventTS) {
			after = append(after, ev)
		}
	}

	return projection.Apply(snap.State, after), nil
}

func eventExists(events []*eventstore.Event, id string) bool {
	for _, ev := range events {
		if ev.ID == id {
			return true
		}
	}
	return false
}
