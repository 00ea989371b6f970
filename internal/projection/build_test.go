package projection

import (
	"testing"
	"time"

	"github.com/tallyup/ledgerd/internal/eventstore"
)

func mustMarshalContact(t *testing.T, p ContactPayload) []byte {
	t.Helper()
	data, err := MarshalContactPayload(p)
	if err != nil {
		t.Fatalf("MarshalContactPayload() error = %v", err)
	}
	return data
}

func mustMarshalTxn(t *testing.T, p TransactionPayload) []byte {
	t.Helper()
	data, err := MarshalTransactionPayload(p)
	if err != nil {
		t.Fatalf("MarshalTransactionPayload() error = %v", err)
	}
	return data
}

func strPtr(s string) *string { return &s }
func i64Ptr(v int64) *int64   { return &v }

// TestBuild_BasicLendOwe implements scenario S1 from spec.md §8.
func TestBuild_BasicLendOwe(t *testing.T) {
	base := time.Now().UTC()

	events := []*eventstore.Event{
		{
			ID: "e1", AggregateType: eventstore.AggregateContact, AggregateID: "A",
			EventType: eventstore.EventCreated, Timestamp: base,
			EventData: mustMarshalContact(t, ContactPayload{Name: strPtr("John"), Timestamp: base, WalletID: "w1"}),
		},
		{
			ID: "e2", AggregateType: eventstore.AggregateTransaction, AggregateID: "t1",
			EventType: eventstore.EventCreated, Timestamp: base.Add(time.Second),
			EventData: mustMarshalTxn(t, TransactionPayload{
				ContactID: strPtr("A"), Direction: strPtr("lent"), Amount: i64Ptr(100000),
				Timestamp: base.Add(time.Second), WalletID: "w1",
			}),
		},
	}

	state := Build(events)

	c, ok := state.Contacts["A"]
	if !ok {
		t.Fatalf("contact A missing from projection")
	}
	if c.Balance != 100000 {
		t.Fatalf("balance = %d, want 100000", c.Balance)
	}

	events = append(events, &eventstore.Event{
		ID: "e3", AggregateType: eventstore.AggregateTransaction, AggregateID: "t2",
		EventType: eventstore.EventCreated, Timestamp: base.Add(2 * time.Second),
		EventData: mustMarshalTxn(t, TransactionPayload{
			ContactID: strPtr("A"), Direction: strPtr("owed"), Amount: i64Ptr(30000),
			Timestamp: base.Add(2 * time.Second), WalletID: "w1",
		}),
	})

	state = Build(events)
	if state.Contacts["A"].Balance != 70000 {
		t.Fatalf("balance = %d, want 70000", state.Contacts["A"].Balance)
	}
}

// TestBuild_UndoCorrectness implements property 5: build(E) = build(E \ {e})
// for any e with UNDO(e) present.
func TestBuild_UndoCorrectness(t *testing.T) {
	base := time.Now().UTC()

	contact := &eventstore.Event{
		ID: "e1", AggregateType: eventstore.AggregateContact, AggregateID: "B",
		EventType: eventstore.EventCreated, Timestamp: base,
		EventData: mustMarshalContact(t, ContactPayload{Name: strPtr("Jane"), Timestamp: base, WalletID: "w1"}),
	}
	txn := &eventstore.Event{
		ID: "e2", AggregateType: eventstore.AggregateTransaction, AggregateID: "t1",
		EventType: eventstore.EventCreated, Timestamp: base.Add(time.Second),
		EventData: mustMarshalTxn(t, TransactionPayload{
			ContactID: strPtr("B"), Direction: strPtr("lent"), Amount: i64Ptr(50000),
			Timestamp: base.Add(time.Second), WalletID: "w1",
		}),
	}
	undo := &eventstore.Event{
		ID: "e3", AggregateType: eventstore.AggregateTransaction, AggregateID: "t1",
		EventType: eventstore.EventUndo, Timestamp: base.Add(3 * time.Second),
		EventData: mustMarshalUndo(t, UndoPayload{UndoneEventID: "e2", Timestamp: base.Add(3 * time.Second), WalletID: "w1"}),
	}

	withUndo := Build([]*eventstore.Event{contact, txn, undo})
	withoutEvent := Build([]*eventstore.Event{contact})

	if len(withUndo.Transactions) != len(withoutEvent.Transactions) {
		t.Fatalf("transaction counts differ: %d vs %d", len(withUndo.Transactions), len(withoutEvent.Transactions))
	}
	if withUndo.Contacts["B"].Balance != 0 {
		t.Fatalf("balance after undo = %d, want 0", withUndo.Contacts["B"].Balance)
	}
	if withUndo.Contacts["B"].Balance != withoutEvent.Contacts["B"].Balance {
		t.Fatalf("balances differ between undo and omission")
	}
}

func mustMarshalUndo(t *testing.T, p UndoPayload) []byte {
	t.Helper()
	data, err := MarshalUndoPayload(p)
	if err != nil {
		t.Fatalf("MarshalUndoPayload() error = %v", err)
	}
	return data
}

// TestBuild_PermutationInvariance implements property 2: build(E) =
// build(shuffle(E)) once the builder's internal sort is applied.
func TestBuild_PermutationInvariance(t *testing.T) {
	base := time.Now().UTC()

	contact := &eventstore.Event{
		ID: "e1", AggregateType: eventstore.AggregateContact, AggregateID: "A",
		EventType: eventstore.EventCreated, Timestamp: base,
		EventData: mustMarshalContact(t, ContactPayload{Name: strPtr("John"), Timestamp: base, WalletID: "w1"}),
	}
	txn1 := &eventstore.Event{
		ID: "e2", AggregateType: eventstore.AggregateTransaction, AggregateID: "t1",
		EventType: eventstore.EventCreated, Timestamp: base.Add(time.Second),
		EventData: mustMarshalTxn(t, TransactionPayload{
			ContactID: strPtr("A"), Direction: strPtr("lent"), Amount: i64Ptr(1000),
			Timestamp: base.Add(time.Second), WalletID: "w1",
		}),
	}
	txn2 := &eventstore.Event{
		ID: "e3", AggregateType: eventstore.AggregateTransaction, AggregateID: "t2",
		EventType: eventstore.EventCreated, Timestamp: base.Add(2 * time.Second),
		EventData: mustMarshalTxn(t, TransactionPayload{
			ContactID: strPtr("A"), Direction: strPtr("owed"), Amount: i64Ptr(400),
			Timestamp: base.Add(2 * time.Second), WalletID: "w1",
		}),
	}

	inOrder := Build([]*eventstore.Event{contact, txn1, txn2})
	shuffled := Build([]*eventstore.Event{txn2, contact, txn1})

	if inOrder.Contacts["A"].Balance != shuffled.Contacts["A"].Balance {
		t.Fatalf("balances differ under permutation: %d vs %d",
			inOrder.Contacts["A"].Balance, shuffled.Contacts["A"].Balance)
	}
	if len(inOrder.Transactions) != len(shuffled.Transactions) {
		t.Fatalf("transaction counts differ under permutation")
	}
}

// TestApply_MatchesFullRebuild checks the incremental path agrees with a
// full rebuild when no UNDO is involved.
func TestApply_MatchesFullRebuild(t *testing.T) {
	base := time.Now().UTC()

	contact := &eventstore.Event{
		ID: "e1", AggregateType: eventstore.AggregateContact, AggregateID: "A",
		EventType: eventstore.EventCreated, Timestamp: base,
		EventData: mustMarshalContact(t, ContactPayload{Name: strPtr("John"), Timestamp: base, WalletID: "w1"}),
	}
	txn1 := &eventstore.Event{
		ID: "e2", AggregateType: eventstore.AggregateTransaction, AggregateID: "t1",
		EventType: eventstore.EventCreated, Timestamp: base.Add(time.Second),
		EventData: mustMarshalTxn(t, TransactionPayload{
			ContactID: strPtr("A"), Direction: strPtr("lent"), Amount: i64Ptr(1000),
			Timestamp: base.Add(time.Second), WalletID: "w1",
		}),
	}
	txn2 := &eventstore.Event{
		ID: "e3", AggregateType: eventstore.AggregateTransaction, AggregateID: "t2",
		EventType: eventstore.EventCreated, Timestamp: base.Add(2 * time.Second),
		EventData: mustMarshalTxn(t, TransactionPayload{
			ContactID: strPtr("A"), Direction: strPtr("owed"), Amount: i64Ptr(400),
			Timestamp: base.Add(2 * time.Second), WalletID: "w1",
		}),
	}

	full := Build([]*eventstore.Event{contact, txn1, txn2})

	snapshot := Build([]*eventstore.Event{contact, txn1})
	incremental := Apply(snapshot, []*eventstore.Event{txn2})

	if full.Contacts["A"].Balance != incremental.Contacts["A"].Balance {
		t.Fatalf("incremental balance = %d, want %d", incremental.Contacts["A"].Balance, full.Contacts["A"].Balance)
	}
}
