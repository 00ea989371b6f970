// Package projection implements the pure event-list-to-state projection:
// the State Builder of the sync spec. It performs no I/O.
package projection

import "time"

// TransactionType is the kind of thing being tracked.
type TransactionType string

const (
	TransactionMoney TransactionType = "money"
	TransactionItem  TransactionType = "item"
)

// Direction is which way value moved relative to the contact.
type Direction string

const (
	DirectionLent Direction = "lent"
	DirectionOwed Direction = "owed"
)

// Contact is the derived projection of a person the wallet owner tracks
// debts with.
type Contact struct {
	ID        string
	Name      string
	Username  *string
	Phone     *string
	Email     *string
	Notes     *string
	CreatedAt time.Time
	UpdatedAt time.Time
	WalletID  string
	Balance   int64 // signed, minor currency units
}

// Transaction is the derived projection of a single lend/owe record.
type Transaction struct {
	ID               string
	ContactID        string
	Type             TransactionType
	Direction        Direction
	Amount           int64 // non-negative
	Currency         string
	Description      *string
	TransactionDate  time.Time
	DueDate          *time.Time
	WalletID         string
}

// AppState is the full projected state for one wallet: contacts and
// transactions with balances already folded in.
type AppState struct {
	Contacts     map[string]*Contact
	Transactions map[string]*Transaction
}

// NewAppState returns an empty, ready-to-use state.
func NewAppState() AppState {
	return AppState{
		Contacts:     make(map[string]*Contact),
		Transactions: make(map[string]*Transaction),
	}
}

// Clone deep-copies the state so callers can mutate the copy without
// affecting a cached snapshot.
func (s AppState) Clone() AppState {
	out := NewAppState()
	for id, c := range s.Contacts {
		cp := *c
		out.Contacts[id] = &cp
	}
	for id, t := range s.Transactions {
		cp := *t
		out.Transactions[id] = &cp
	}
	return out
}
