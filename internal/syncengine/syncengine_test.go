package syncengine

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/tallyup/ledgerd/internal/apiclient"
	"github.com/tallyup/ledgerd/internal/backoff"
	"github.com/tallyup/ledgerd/internal/eventstore"
	"github.com/tallyup/ledgerd/internal/ledgerdb"
	"github.com/tallyup/ledgerd/internal/walletctx"
)

func TestSortForPushOrdersDeletesFirst(t *testing.T) {
	events := []*eventstore.Event{
		{ID: "1", EventType: eventstore.EventCreated},
		{ID: "2", EventType: eventstore.EventUpdated},
		{ID: "3", EventType: eventstore.EventDeleted},
		{ID: "4", EventType: eventstore.EventCreated},
	}

	sortForPush(events)

	if events[0].ID != "3" {
		t.Errorf("first event = %s, want 3 (DELETED)", events[0].ID)
	}
	if events[1].ID != "2" {
		t.Errorf("second event = %s, want 2 (UPDATED)", events[1].ID)
	}
	// original relative order preserved among same-priority events (1 before 4)
	if events[2].ID != "1" || events[3].ID != "4" {
		t.Errorf("CREATED events out of original order: got %s, %s", events[2].ID, events[3].ID)
	}
}

// fakeServer emulates the three sync endpoints in-memory for integration tests.
type fakeServer struct {
	mu     sync.Mutex
	events []apiclient.WireEvent
}

func newFakeServer() *httptest.Server {
	fs := &fakeServer{}
	mux := http.NewServeMux()

	mux.HandleFunc("/api/sync/hash", func(w http.ResponseWriter, r *http.Request) {
		fs.mu.Lock()
		defer fs.mu.Unlock()
		evs := make([]*eventstore.Event, len(fs.events))
		for i, we := range fs.events {
			ts, _ := time.Parse(time.RFC3339, we.Timestamp)
			evs[i] = &eventstore.Event{ID: we.ID, Timestamp: ts}
		}
		json.NewEncoder(w).Encode(apiclient.HashResponse{
			Hash:       eventstore.Hash(evs),
			EventCount: len(evs),
		})
	})

	mux.HandleFunc("/api/sync/events", func(w http.ResponseWriter, r *http.Request) {
		fs.mu.Lock()
		defer fs.mu.Unlock()

		if r.Method == http.MethodPost {
			var body []apiclient.WireEvent
			json.NewDecoder(r.Body).Decode(&body)

			var accepted []string
			for _, ev := range body {
				fs.events = append(fs.events, ev)
				accepted = append(accepted, ev.ID)
			}
			json.NewEncoder(w).Encode(apiclient.PushResponse{Accepted: accepted})
			return
		}

		json.NewEncoder(w).Encode(fs.events)
	})

	return httptest.NewServer(mux)
}

func newTestEngine(t *testing.T, serverURL string) (*Engine, *ledgerdb.DB) {
	t.Helper()

	dir, err := os.MkdirTemp("", "ledgerd-syncengine-test-*")
	if err != nil {
		t.Fatalf("MkdirTemp() error = %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	store, err := eventstore.Open(&eventstore.Config{DataDir: dir})
	if err != nil {
		t.Fatalf("eventstore.Open() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	auxDB, err := sql.Open("sqlite3", filepath.Join(dir, "aux.db"))
	if err != nil {
		t.Fatalf("sql.Open() error = %v", err)
	}
	t.Cleanup(func() { auxDB.Close() })

	wctx := walletctx.New(nil)
	wctx.SetWallet("w1")

	ledger, err := ledgerdb.Open(store, auxDB, wctx, nil)
	if err != nil {
		t.Fatalf("ledgerdb.Open() error = %v", err)
	}

	client := apiclient.New(serverURL, "test-device")
	bo := backoff.New()
	eng := New(ledger, client, wctx, bo)
	eng.ctx, eng.cancel = context.WithCancel(context.Background())
	t.Cleanup(eng.Stop)

	return eng, ledger
}

func TestPullSyncFetchesRemoteEvents(t *testing.T) {
	srv := newFakeServer()
	defer srv.Close()

	// seed the fake server directly via a push from a throwaway client.
	seedClient := apiclient.New(srv.URL, "seed")
	_, err := seedClient.PushEvents(context.Background(), "", "w1", []apiclient.WireEvent{
		{ID: "e1", AggregateType: "contact", AggregateID: "A", EventType: "CREATED",
			EventData: json.RawMessage(`{"name":"John","timestamp":"2026-01-01T00:00:00Z","wallet_id":"w1"}`),
			Timestamp: "2026-01-01T00:00:00Z", Version: 1},
	})
	if err != nil {
		t.Fatalf("seed PushEvents() error = %v", err)
	}

	eng, ledger := newTestEngine(t, srv.URL)

	if err := eng.pullSync(); err != nil {
		t.Fatalf("pullSync() error = %v", err)
	}

	contacts := ledger.ListContacts()
	if len(contacts) != 1 {
		t.Fatalf("len(contacts) = %d, want 1 after pull", len(contacts))
	}
	if contacts[0].Name != "John" {
		t.Errorf("contact name = %q, want John", contacts[0].Name)
	}
}

func TestPullSyncNoOpWhenHashesMatch(t *testing.T) {
	srv := newFakeServer()
	defer srv.Close()

	eng, _ := newTestEngine(t, srv.URL)

	if err := eng.pullSync(); err != nil {
		t.Fatalf("pullSync() error = %v", err)
	}
	if eng.watermark.IsZero() {
		t.Error("watermark should be set even when nothing to pull")
	}
}

func TestWatermarkPersistsAcrossRestart(t *testing.T) {
	srv := newFakeServer()
	defer srv.Close()

	eng, ledger := newTestEngine(t, srv.URL)

	if err := eng.pullSync(); err != nil {
		t.Fatalf("pullSync() error = %v", err)
	}
	if eng.watermark.IsZero() {
		t.Fatal("watermark should be set after a successful pull")
	}

	client := apiclient.New(srv.URL, "test-device")
	bo := backoff.New()
	restarted := New(ledger, client, eng.wallet, bo)
	restarted.Start(context.Background())
	t.Cleanup(restarted.Stop)

	restarted.mu.Lock()
	got := restarted.watermark
	restarted.mu.Unlock()

	if got.IsZero() {
		t.Error("restarted engine should load the persisted watermark, got zero")
	}
}

func TestResetWatermarkClearsPersistedValue(t *testing.T) {
	srv := newFakeServer()
	defer srv.Close()

	eng, ledger := newTestEngine(t, srv.URL)

	if err := eng.pullSync(); err != nil {
		t.Fatalf("pullSync() error = %v", err)
	}

	eng.ResetWatermark("w1")

	ts, err := ledger.LoadSyncWatermark("w1")
	if err != nil {
		t.Fatalf("LoadSyncWatermark() error = %v", err)
	}
	if !ts.IsZero() {
		t.Errorf("LoadSyncWatermark() = %v after ResetWatermark, want zero", ts)
	}
}
