package ledgerdb

import (
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/tallyup/ledgerd/internal/eventstore"
	"github.com/tallyup/ledgerd/internal/projection"
	"github.com/tallyup/ledgerd/internal/walletctx"
)

func openTestFacade(t *testing.T) *DB {
	t.Helper()

	dir, err := os.MkdirTemp("", "ledgerd-ledgerdb-test-*")
	if err != nil {
		t.Fatalf("MkdirTemp() error = %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	store, err := eventstore.Open(&eventstore.Config{DataDir: dir})
	if err != nil {
		t.Fatalf("eventstore.Open() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	db, err := sql.Open("sqlite3", filepath.Join(dir, "aux.db"))
	if err != nil {
		t.Fatalf("sql.Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })

	wctx := walletctx.New(nil)
	wctx.SetWallet("w1")

	facade, err := Open(store, db, wctx, nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return facade
}

func TestCreateContactAndTransactionUpdatesBalance(t *testing.T) {
	d := openTestFacade(t)

	contactID, err := d.CreateContact(projection.ContactPayload{Name: strPtr("John")})
	if err != nil {
		t.Fatalf("CreateContact() error = %v", err)
	}

	_, err = d.CreateTransaction(projection.TransactionPayload{
		ContactID: &contactID,
		Direction: strPtr("lent"),
		Amount:    i64Ptr(500),
	})
	if err != nil {
		t.Fatalf("CreateTransaction() error = %v", err)
	}

	contacts := d.ListContacts()
	if len(contacts) != 1 {
		t.Fatalf("len(contacts) = %d, want 1", len(contacts))
	}
	if contacts[0].Balance != 500 {
		t.Errorf("balance = %d, want 500", contacts[0].Balance)
	}
}

func TestDeleteWithinUndoWindowAppendsUndo(t *testing.T) {
	d := openTestFacade(t)

	contactID, err := d.CreateContact(projection.ContactPayload{Name: strPtr("Jane")})
	if err != nil {
		t.Fatalf("CreateContact() error = %v", err)
	}

	if err := d.DeleteContact(contactID); err != nil {
		t.Fatalf("DeleteContact() error = %v", err)
	}

	events, err := d.store.GetForAggregate(eventstore.AggregateContact, contactID)
	if err != nil {
		t.Fatalf("GetForAggregate() error = %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("len(events) = %d, want 2 (CREATED, UNDO)", len(events))
	}
	if events[1].EventType != eventstore.EventUndo {
		t.Errorf("second event type = %v, want UNDO", events[1].EventType)
	}

	contacts := d.ListContacts()
	if len(contacts) != 0 {
		t.Errorf("len(contacts) = %d, want 0 (UNDO of the CREATED event removes the contact)", len(contacts))
	}
}

func TestUndoActionOnMissingAggregateFails(t *testing.T) {
	d := openTestFacade(t)

	if err := d.UndoAction(eventstore.AggregateContact, "nonexistent"); err == nil {
		t.Error("UndoAction() on a missing aggregate should fail")
	}
}

func strPtr(s string) *string { return &s }
func i64Ptr(n int64) *int64   { return &n }
