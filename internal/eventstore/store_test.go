package eventstore

import (
	"os"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()

	dir, err := os.MkdirTemp("", "ledgerd-eventstore-test-*")
	if err != nil {
		t.Fatalf("MkdirTemp() error = %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	store, err := Open(&Config{DataDir: dir})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestAppendAndGetAll(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.Append(AggregateContact, "c1", EventCreated, []byte(`{"name":"Ada"}`), 1, "w1"); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	events, err := s.GetAll("w1")
	if err != nil {
		t.Fatalf("GetAll() error = %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("len(events) = %d, want 1", len(events))
	}
	if events[0].Synced {
		t.Error("freshly appended event should not be synced")
	}
}

func TestMarkSyncedAndGetUnsynced(t *testing.T) {
	s := openTestStore(t)

	ev, err := s.Append(AggregateContact, "c1", EventCreated, []byte(`{}`), 1, "w1")
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	unsynced, err := s.GetUnsynced("w1")
	if err != nil || len(unsynced) != 1 {
		t.Fatalf("GetUnsynced() = %v, %v, want 1 event", unsynced, err)
	}

	if err := s.MarkSynced(ev.ID); err != nil {
		t.Fatalf("MarkSynced() error = %v", err)
	}

	unsynced, err = s.GetUnsynced("w1")
	if err != nil {
		t.Fatalf("GetUnsynced() error = %v", err)
	}
	if len(unsynced) != 0 {
		t.Errorf("len(unsynced) = %d after MarkSynced, want 0", len(unsynced))
	}
}

func TestPutIsIdempotent(t *testing.T) {
	s := openTestStore(t)

	ev := &Event{
		ID:            "fixed-id",
		AggregateType: AggregateContact,
		AggregateID:   "c1",
		EventType:     EventCreated,
		EventData:     []byte(`{}`),
		Timestamp:     time.Now().UTC(),
		Version:       1,
		Synced:        true,
		WalletID:      "w1",
	}

	if err := s.Put(ev); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := s.Put(ev); err != nil {
		t.Fatalf("Put() second call error = %v", err)
	}

	events, err := s.GetForAggregate(AggregateContact, "c1")
	if err != nil {
		t.Fatalf("GetForAggregate() error = %v", err)
	}
	if len(events) != 1 {
		t.Errorf("len(events) = %d after duplicate Put, want 1", len(events))
	}
}

func TestGetAfterReturnsOnlyLaterEvents(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.Append(AggregateContact, "c1", EventCreated, []byte(`{}`), 1, "w1"); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	cutoff := time.Now().UTC()
	time.Sleep(10 * time.Millisecond)

	second, err := s.Append(AggregateContact, "c2", EventCreated, []byte(`{}`), 1, "w1")
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	after, err := s.GetAfter(cutoff)
	if err != nil {
		t.Fatalf("GetAfter() error = %v", err)
	}
	if len(after) != 1 || after[0].ID != second.ID {
		t.Fatalf("GetAfter() = %v, want exactly [%s]", after, second.ID)
	}

	allAfterNothing, err := s.GetAfter(time.Now().UTC())
	if err != nil {
		t.Fatalf("GetAfter() error = %v", err)
	}
	if len(allAfterNothing) != 0 {
		t.Errorf("GetAfter(now) = %d events, want 0", len(allAfterNothing))
	}
}

func TestEventCountAndHashAgreeWithGetAll(t *testing.T) {
	s := openTestStore(t)

	for i := 0; i < 3; i++ {
		if _, err := s.Append(AggregateTransaction, "t1", EventCreated, []byte(`{}`), 1, "w1"); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	count, err := s.EventCount("w1")
	if err != nil {
		t.Fatalf("EventCount() error = %v", err)
	}
	if count != 3 {
		t.Errorf("EventCount() = %d, want 3", count)
	}

	events, err := s.GetAll("w1")
	if err != nil {
		t.Fatalf("GetAll() error = %v", err)
	}

	hash, err := s.EventHash("w1")
	if err != nil {
		t.Fatalf("EventHash() error = %v", err)
	}
	if hash != Hash(events) {
		t.Errorf("EventHash() = %q, want Hash(GetAll()) = %q", hash, Hash(events))
	}
}
