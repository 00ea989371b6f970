// Package eventstore provides the append-only, per-wallet durable event log
// that is the sole source of truth for the ledger.
package eventstore

import "time"

// AggregateType names the kind of entity an event describes.
type AggregateType string

const (
	AggregateContact     AggregateType = "contact"
	AggregateTransaction AggregateType = "transaction"
)

// EventType names the action an event records.
type EventType string

const (
	EventCreated EventType = "CREATED"
	EventUpdated EventType = "UPDATED"
	EventDeleted EventType = "DELETED"
	EventUndo    EventType = "UNDO"
)

// Event is an immutable fact recorded about an aggregate at a point in time.
// Every field except Synced is fixed at Append time.
type Event struct {
	ID            string
	AggregateType AggregateType
	AggregateID   string
	EventType     EventType
	EventData     []byte // JSON, shape depends on AggregateType+EventType
	Timestamp     time.Time
	Version       int
	Synced        bool
	WalletID      string // empty string means "no wallet_id" (legacy tolerance)
}

// timeKey formats a timestamp the way the hash and the wire protocol
// require: RFC3339 in UTC with a literal 'Z' suffix.
func timeKey(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
