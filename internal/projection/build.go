package projection

import (
	"sort"
	"time"

	"github.com/tallyup/ledgerd/internal/eventstore"
	"github.com/tallyup/ledgerd/pkg/logging"
)

var log = logging.GetDefault().Component("projection")

// defaultCurrency and friends are the tolerated defaults for malformed
// legacy events, per spec.md §4.2.
const defaultCurrency = "IQD"

// Build projects a full event list into an AppState from scratch. Two
// implementations given the same wallet-partitioned event list produce
// byte-identical results: events are stably sorted by (timestamp, id)
// before anything else happens.
func Build(events []*eventstore.Event) AppState {
	sorted := stableSort(events)

	undone := collectUndone(sorted)

	state := NewAppState()
	applySorted(&state, sorted, undone)
	recomputeBalances(&state)

	return state
}

// Apply incrementally folds newEvents onto an already-built state using the
// same merge rules as Build, then re-runs the balance pass. Callers must not
// use Apply when newEvents contains an UNDO — UNDO can reference events
// older than any snapshot, so a full Build is required in that case (see
// snapshot package's bypass rule).
func Apply(state AppState, newEvents []*eventstore.Event) AppState {
	sorted := stableSort(newEvents)
	out := state.Clone()

	// Apply never needs a fresh undone-set from newEvents alone: the
	// snapshot package only calls Apply when newEvents has no UNDO, per
	// spec.md §4.3's bypass rule.
	applySorted(&out, sorted, map[string]bool{})
	recomputeBalances(&out)

	return out
}

func stableSort(events []*eventstore.Event) []*eventstore.Event {
	sorted := make([]*eventstore.Event, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].Timestamp.Equal(sorted[j].Timestamp) {
			return sorted[i].Timestamp.Before(sorted[j].Timestamp)
		}
		return sorted[i].ID < sorted[j].ID
	})
	return sorted
}

func collectUndone(sorted []*eventstore.Event) map[string]bool {
	undone := make(map[string]bool)
	for _, ev := range sorted {
		if ev.EventType != eventstore.EventUndo {
			continue
		}
		payload, err := UnmarshalUndoPayload(ev.EventData)
		if err != nil {
			log.Warn("malformed undo event, skipping", "event_id", ev.ID, "error", err)
			continue
		}
		undone[payload.UndoneEventID] = true
	}
	return undone
}

func applySorted(state *AppState, sorted []*eventstore.Event, undone map[string]bool) {
	for _, ev := range sorted {
		if ev.EventType == eventstore.EventUndo || undone[ev.ID] {
			continue
		}

		switch ev.AggregateType {
		case eventstore.AggregateContact:
			applyContactEvent(state, ev)
		case eventstore.AggregateTransaction:
			applyTransactionEvent(state, ev)
		}
	}
}

func applyContactEvent(state *AppState, ev *eventstore.Event) {
	payload, err := UnmarshalContactPayload(ev.EventData)
	if err != nil {
		log.Warn("malformed contact event, skipping", "event_id", ev.ID, "error", err)
		return
	}

	switch ev.EventType {
	case eventstore.EventCreated:
		c := &Contact{
			ID:        ev.AggregateID,
			CreatedAt: ev.Timestamp,
			UpdatedAt: ev.Timestamp,
			WalletID:  payload.WalletID,
		}
		mergeContactFields(c, payload)
		state.Contacts[c.ID] = c

	case eventstore.EventUpdated:
		c, ok := state.Contacts[ev.AggregateID]
		if !ok {
			// Violates invariant 3 (CREATED must precede UPDATED); tolerate
			// by treating as a no-op rather than crashing the builder.
			return
		}
		mergeContactFields(c, payload)
		c.UpdatedAt = ev.Timestamp

	case eventstore.EventDeleted:
		delete(state.Contacts, ev.AggregateID)
	}
}

// mergeContactFields overwrites only the fields present in payload, leaving
// the others at their prior value — spec.md's "merges non-null fields onto
// the existing record."
func mergeContactFields(c *Contact, p ContactPayload) {
	if p.Name != nil {
		c.Name = *p.Name
	}
	if p.Username != nil {
		c.Username = p.Username
	}
	if p.Phone != nil {
		c.Phone = p.Phone
	}
	if p.Email != nil {
		c.Email = p.Email
	}
	if p.Notes != nil {
		c.Notes = p.Notes
	}
}

func applyTransactionEvent(state *AppState, ev *eventstore.Event) {
	payload, err := UnmarshalTransactionPayload(ev.EventData)
	if err != nil {
		log.Warn("malformed transaction event, skipping", "event_id", ev.ID, "error", err)
		return
	}

	switch ev.EventType {
	case eventstore.EventCreated:
		contactID := ""
		if payload.ContactID != nil {
			contactID = *payload.ContactID
		}
		if _, ok := state.Contacts[contactID]; !ok {
			// "inserts only if the referenced contact exists in the current map"
			return
		}

		t := &Transaction{
			ID:        ev.AggregateID,
			ContactID: contactID,
			WalletID:  payload.WalletID,
		}
		mergeTransactionFields(t, payload)
		state.Transactions[t.ID] = t

	case eventstore.EventUpdated:
		t, ok := state.Transactions[ev.AggregateID]
		if !ok {
			return
		}
		mergeTransactionFields(t, payload)

	case eventstore.EventDeleted:
		delete(state.Transactions, ev.AggregateID)
	}
}

func mergeTransactionFields(t *Transaction, p TransactionPayload) {
	if p.ContactID != nil {
		t.ContactID = *p.ContactID
	}
	if p.Type != nil {
		t.Type = TransactionType(*p.Type)
	} else if t.Type == "" {
		t.Type = TransactionMoney
	}
	if p.Direction != nil {
		t.Direction = Direction(*p.Direction)
	} else if t.Direction == "" {
		t.Direction = DirectionLent
	}
	if p.Amount != nil {
		t.Amount = *p.Amount
	}
	if p.Currency != nil {
		t.Currency = *p.Currency
	} else if t.Currency == "" {
		t.Currency = defaultCurrency
	}
	if p.Description != nil {
		t.Description = p.Description
	}
	if p.TransactionDate != nil {
		if d, err := time.Parse("2006-01-02", *p.TransactionDate); err == nil {
			t.TransactionDate = d
		}
	} else if t.TransactionDate.IsZero() {
		t.TransactionDate = time.Now().UTC()
	}
	if p.DueDate != nil {
		if d, err := time.Parse("2006-01-02", *p.DueDate); err == nil {
			t.DueDate = &d
		}
	}
}

// recomputeBalances resets every contact's balance to zero then walks all
// surviving transactions, applying the balance rule of spec.md §3.
func recomputeBalances(state *AppState) {
	for _, c := range state.Contacts {
		c.Balance = 0
	}

	for _, t := range state.Transactions {
		c, ok := state.Contacts[t.ContactID]
		if !ok {
			continue
		}
		switch t.Direction {
		case DirectionLent:
			c.Balance += t.Amount
		case DirectionOwed:
			c.Balance -= t.Amount
		}
	}
}
