package projection

import (
	"encoding/json"
	"time"
)

// ContactPayload is the typed payload carried by a contact event's
// event_data. One struct serves CREATED, UPDATED and DELETED; it has no
// kind tag, and the builder dispatches on the event's stored event_type.
// JSON marshaling produces the wire shape spec.md §6 requires (exact keys,
// optional fields omitted when nil).
type ContactPayload struct {
	Name      *string    `json:"name,omitempty"`
	Username  *string    `json:"username,omitempty"`
	Phone     *string    `json:"phone,omitempty"`
	Email     *string    `json:"email,omitempty"`
	Notes     *string    `json:"notes,omitempty"`
	Comment   *string    `json:"comment,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
	WalletID  string     `json:"wallet_id"`
}

// TransactionPayload is the closed, tagged payload carried by a transaction
// event's event_data.
type TransactionPayload struct {
	ContactID       *string    `json:"contact_id,omitempty"`
	Type            *string    `json:"type,omitempty"`
	Direction       *string    `json:"direction,omitempty"`
	Amount          *int64     `json:"amount,omitempty"`
	Currency        *string    `json:"currency,omitempty"`
	Description     *string    `json:"description,omitempty"`
	TransactionDate *string    `json:"transaction_date,omitempty"`
	DueDate         *string    `json:"due_date,omitempty"`
	Comment         *string    `json:"comment,omitempty"`
	Timestamp       time.Time  `json:"timestamp"`
	WalletID        string     `json:"wallet_id"`
}

// UndoPayload is the event_data carried by an UNDO event, for either
// aggregate type.
type UndoPayload struct {
	UndoneEventID string    `json:"undone_event_id"`
	Comment       *string   `json:"comment,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	WalletID      string    `json:"wallet_id"`
}

// MarshalContactPayload encodes a ContactPayload to the wire JSON shape.
func MarshalContactPayload(p ContactPayload) ([]byte, error) {
	return json.Marshal(p)
}

// UnmarshalContactPayload decodes event_data for a contact event. A
// malformed payload returns an error so the caller can apply spec's
// Malformed error-kind policy (skip, continue).
func UnmarshalContactPayload(data []byte) (ContactPayload, error) {
	var p ContactPayload
	err := json.Unmarshal(data, &p)
	return p, err
}

// MarshalTransactionPayload encodes a TransactionPayload to the wire JSON shape.
func MarshalTransactionPayload(p TransactionPayload) ([]byte, error) {
	return json.Marshal(p)
}

// UnmarshalTransactionPayload decodes event_data for a transaction event.
func UnmarshalTransactionPayload(data []byte) (TransactionPayload, error) {
	var p TransactionPayload
	err := json.Unmarshal(data, &p)
	return p, err
}

// MarshalUndoPayload encodes an UndoPayload to the wire JSON shape.
func MarshalUndoPayload(p UndoPayload) ([]byte, error) {
	return json.Marshal(p)
}

// UnmarshalUndoPayload decodes event_data for an UNDO event.
func UnmarshalUndoPayload(data []byte) (UndoPayload, error) {
	var p UndoPayload
	err := json.Unmarshal(data, &p)
	return p, err
}
