// Package ledgerdb is the Local Database facade: the only entry point the
// admin API and the sync engine use to read and write contacts and
// transactions. Every write goes through one pipeline (append, rebuild the
// in-memory projection, store a snapshot when the snapshot policy says so,
// schedule a push). The projection is not written to contact or transaction
// tables; it lives in memory and in snapshots. Every read is wallet-scoped
// with the legacy NULL-wallet tolerance the event store also applies.
package ledgerdb

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tallyup/ledgerd/internal/eventstore"
	"github.com/tallyup/ledgerd/internal/projection"
	"github.com/tallyup/ledgerd/internal/snapshot"
	"github.com/tallyup/ledgerd/internal/syncerr"
	"github.com/tallyup/ledgerd/internal/walletctx"
	"github.com/tallyup/ledgerd/pkg/logging"
)

const undoWindow = 5 * time.Second

// DB is the Local Database facade.
type DB struct {
	store    *eventstore.Store
	snaps    *snapshot.Cache
	wallet   *walletctx.Context
	log      *logging.Logger
	onWrite  func() // signals the push loop a new unsynced event exists

	mu    sync.Mutex
	state projection.AppState
}

// Open wires the event store, snapshot cache and projection tables
// together for one wallet context. onWrite is invoked after every
// successful write pipeline run (step 5 of the write pipeline: "schedule a
// push") — the sync engine passes its own start-push-loop method here.
func Open(store *eventstore.Store, db *sql.DB, wallet *walletctx.Context, onWrite func()) (*DB, error) {
	snaps, err := snapshot.Open(db)
	if err != nil {
		return nil, &syncerr.ErrStore{Op: "open_snapshot_cache", Err: err}
	}

	d := &DB{
		store:   store,
		snaps:   snaps,
		wallet:  wallet,
		log:     logging.GetDefault().Component("ledgerdb"),
		onWrite: onWrite,
		state:   projection.NewAppState(),
	}

	if wallet.HasWallet() {
		if err := d.rebuild(); err != nil {
			return nil, err
		}
	}

	return d, nil
}

// rebuild recomputes in-memory state from the event store via the snapshot
// cache's bypass-on-UNDO rule, then persists a fresh snapshot when the
// policy in spec.md §4.3 says to.
func (d *DB) rebuild() error {
	walletID := d.wallet.WalletID()

	events, err := d.store.GetAll(walletID)
	if err != nil {
		return &syncerr.ErrStore{Op: "rebuild_get_all", Err: err}
	}

	state, err := d.snaps.Rebuild(walletID, events)
	if err != nil {
		return &syncerr.ErrStore{Op: "rebuild", Err: err}
	}

	d.mu.Lock()
	d.state = state
	d.mu.Unlock()

	hadUndo := false
	for _, ev := range events {
		if ev.EventType == eventstore.EventUndo {
			hadUndo = true
			break
		}
	}

	if len(events) > 0 && snapshot.ShouldSnapshot(len(events), hadUndo) {
		last := events[len(events)-1]
		if err := d.snaps.Create(walletID, state, last, len(events)); err != nil {
			d.log.Warn("failed to persist snapshot", "error", err)
		}
	}

	return nil
}

// State returns the current in-memory projection. Callers must not mutate
// the returned maps; Clone() first if a private copy is needed.
func (d *DB) State() projection.AppState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Rebuild recomputes the in-memory projection from the event store. The
// sync engine calls this after marking events synced or inserting events
// pulled from the server, per spec.md §4.6.1 step 7 and §4.6.3 step 7 —
// those mutate the event store directly and must trigger the same rebuild
// pipeline a local write would.
func (d *DB) Rebuild() error {
	return d.rebuild()
}

// Store exposes the underlying event store for the sync engine's
// unsynced-event queries and Put calls. The facade still owns rebuild and
// snapshot policy; the sync engine owns which events get appended via Put.
func (d *DB) Store() *eventstore.Store {
	return d.store
}

// SaveSyncWatermark persists the sync engine's last-successful-pull
// timestamp for walletID, per SPEC_FULL.md §6, so a restart resumes an
// incremental pull instead of re-fetching the wallet's whole history.
func (d *DB) SaveSyncWatermark(walletID string, ts time.Time) error {
	return d.snaps.SaveWatermark(walletID, ts)
}

// LoadSyncWatermark returns the persisted pull watermark for walletID, or
// the zero Time if none has been saved yet.
func (d *DB) LoadSyncWatermark(walletID string) (time.Time, error) {
	return d.snaps.LoadWatermark(walletID)
}

// ClearSyncWatermark deletes the persisted pull watermark for walletID. The
// sync engine calls this when the current wallet changes, forcing the next
// pull to fetch full history for the new partition.
func (d *DB) ClearSyncWatermark(walletID string) error {
	return d.snaps.ClearWatermark(walletID)
}

// OnWrite (re)registers the post-write notification callback. Used during
// startup wiring, when the sync engine (which needs to know a local write
// happened so it can kick off a push) is constructed after the DB it
// depends on.
func (d *DB) OnWrite(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onWrite = fn
}

// write runs the common append-then-rebuild-then-notify pipeline shared by
// every mutating operation.
func (d *DB) write(aggType eventstore.AggregateType, aggID string, evType eventstore.EventType, data []byte) (*eventstore.Event, error) {
	if !d.wallet.HasWallet() {
		return nil, syncerr.ErrNoCurrentWallet
	}

	ev, err := d.store.Append(aggType, aggID, evType, data, 1, d.wallet.WalletID())
	if err != nil {
		return nil, &syncerr.ErrStore{Op: "write_append", Err: err}
	}

	if err := d.rebuild(); err != nil {
		return nil, err
	}

	if d.onWrite != nil {
		d.onWrite()
	}

	return ev, nil
}

// CreateContact appends a contact CREATED event and returns its id.
func (d *DB) CreateContact(p projection.ContactPayload) (string, error) {
	p.WalletID = d.wallet.WalletID()
	p.Timestamp = time.Now().UTC()

	data, err := projection.MarshalContactPayload(p)
	if err != nil {
		return "", fmt.Errorf("ledgerdb: marshal contact payload: %w", err)
	}

	id := uuid.New().String()
	if _, err := d.write(eventstore.AggregateContact, id, eventstore.EventCreated, data); err != nil {
		return "", err
	}
	return id, nil
}

// UpdateContact appends a contact UPDATED event merging the given fields.
func (d *DB) UpdateContact(id string, p projection.ContactPayload) error {
	p.WalletID = d.wallet.WalletID()
	p.Timestamp = time.Now().UTC()

	data, err := projection.MarshalContactPayload(p)
	if err != nil {
		return fmt.Errorf("ledgerdb: marshal contact payload: %w", err)
	}

	_, err = d.write(eventstore.AggregateContact, id, eventstore.EventUpdated, data)
	return err
}

// DeleteContact implements the delete-with-undo protocol of spec.md §4.4:
// if the contact's last event happened within the undo window, an UNDO
// event referring to it is appended instead of a DELETED event.
func (d *DB) DeleteContact(id string) error {
	return d.deleteWithUndo(eventstore.AggregateContact, id)
}

// CreateTransaction appends a transaction CREATED event. The projection
// layer, not this facade, enforces "only if the referenced contact exists."
func (d *DB) CreateTransaction(p projection.TransactionPayload) (string, error) {
	p.WalletID = d.wallet.WalletID()
	p.Timestamp = time.Now().UTC()

	data, err := projection.MarshalTransactionPayload(p)
	if err != nil {
		return "", fmt.Errorf("ledgerdb: marshal transaction payload: %w", err)
	}

	id := uuid.New().String()
	if _, err := d.write(eventstore.AggregateTransaction, id, eventstore.EventCreated, data); err != nil {
		return "", err
	}
	return id, nil
}

// UpdateTransaction appends a transaction UPDATED event.
func (d *DB) UpdateTransaction(id string, p projection.TransactionPayload) error {
	p.WalletID = d.wallet.WalletID()
	p.Timestamp = time.Now().UTC()

	data, err := projection.MarshalTransactionPayload(p)
	if err != nil {
		return fmt.Errorf("ledgerdb: marshal transaction payload: %w", err)
	}

	_, err = d.write(eventstore.AggregateTransaction, id, eventstore.EventUpdated, data)
	return err
}

// DeleteTransaction implements the delete-with-undo protocol for transactions.
func (d *DB) DeleteTransaction(id string) error {
	return d.deleteWithUndo(eventstore.AggregateTransaction, id)
}

func (d *DB) deleteWithUndo(aggType eventstore.AggregateType, id string) error {
	last, err := d.lastEventFor(aggType, id)
	if err != nil {
		return err
	}

	if last != nil && time.Since(last.Timestamp) <= undoWindow {
		return d.appendUndo(aggType, id, last.ID)
	}

	p := deletePayload(d.wallet.WalletID())
	_, err = d.write(aggType, id, eventstore.EventDeleted, p)
	return err
}

// UndoAction always appends UNDO for the aggregate's last event if and only
// if it is within the undo window; outside the window it fails with
// ErrUndoExpired, per spec.md §4.4.
func (d *DB) UndoAction(aggType eventstore.AggregateType, id string) error {
	last, err := d.lastEventFor(aggType, id)
	if err != nil {
		return err
	}
	if last == nil || time.Since(last.Timestamp) > undoWindow {
		return syncerr.ErrUndoExpired
	}
	return d.appendUndo(aggType, id, last.ID)
}

func (d *DB) lastEventFor(aggType eventstore.AggregateType, aggID string) (*eventstore.Event, error) {
	events, err := d.store.GetForAggregate(aggType, aggID)
	if err != nil {
		return nil, &syncerr.ErrStore{Op: "last_event_for", Err: err}
	}
	if len(events) == 0 {
		return nil, nil
	}
	return events[len(events)-1], nil
}

func (d *DB) appendUndo(aggType eventstore.AggregateType, aggID, undoneEventID string) error {
	data, err := projection.MarshalUndoPayload(projection.UndoPayload{
		UndoneEventID: undoneEventID,
		Timestamp:     time.Now().UTC(),
		WalletID:      d.wallet.WalletID(),
	})
	if err != nil {
		return fmt.Errorf("ledgerdb: marshal undo payload: %w", err)
	}

	_, err = d.write(aggType, aggID, eventstore.EventUndo, data)
	return err
}

func deletePayload(walletID string) []byte {
	data, _ := json.Marshal(struct {
		Timestamp string `json:"timestamp"`
		WalletID  string `json:"wallet_id"`
	}{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		WalletID:  walletID,
	})
	return data
}

// ListContacts returns the current wallet's contacts.
func (d *DB) ListContacts() []*projection.Contact {
	st := d.State()
	out := make([]*projection.Contact, 0, len(st.Contacts))
	for _, c := range st.Contacts {
		out = append(out, c)
	}
	return out
}

// ListTransactions returns the current wallet's transactions.
func (d *DB) ListTransactions() []*projection.Transaction {
	st := d.State()
	out := make([]*projection.Transaction, 0, len(st.Transactions))
	for _, t := range st.Transactions {
		out = append(out, t)
	}
	return out
}

// SyncStats reports synced/unsynced event counts for the current wallet,
// grounded on the teacher's GetOutboxStats query.
func (d *DB) SyncStats() (total, unsynced int, err error) {
	walletID := d.wallet.WalletID()

	total, err = d.store.EventCount(walletID)
	if err != nil {
		return 0, 0, &syncerr.ErrStore{Op: "sync_stats_total", Err: err}
	}

	pending, err := d.store.GetUnsynced(walletID)
	if err != nil {
		return 0, 0, &syncerr.ErrStore{Op: "sync_stats_unsynced", Err: err}
	}

	return total, len(pending), nil
}
