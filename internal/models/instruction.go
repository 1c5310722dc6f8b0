package models

import "time"

// InstructionStatus is the settlement state of a payout instruction.
//
//	Pending -> Submitted -> Confirmed
//	                     -> Failed -> Submitted (retry)
//
// Confirmed is terminal. Reversed is recorded only through an explicit
// reconciliation, never automatically.
type InstructionStatus string

const (
	InstructionPending   InstructionStatus = "pending"
	InstructionSubmitted InstructionStatus = "submitted"
	InstructionConfirmed InstructionStatus = "confirmed"
	InstructionFailed    InstructionStatus = "failed"
	InstructionReversed  InstructionStatus = "reversed"
)

// PayoutInstruction is a single transfer owed to one payee for one event.
// There is at most one instruction per (EventFingerprint, PayeeID).
type PayoutInstruction struct {
	ID               string            `json:"id"`
	PlanID           string            `json:"plan_id"`
	EventFingerprint string            `json:"event_fingerprint"`
	WorkID           string            `json:"work_id"`
	PayeeID          string            `json:"payee_id"`
	Amount           int64             `json:"amount"`
	Currency         string            `json:"currency"`
	Status           InstructionStatus `json:"status"`

	// TransactionID is the substrate's id for the latest submission.
	TransactionID string `json:"transaction_id,omitempty"`

	Attempts    int       `json:"attempts"`
	NextAttempt time.Time `json:"next_attempt,omitempty"`
	LastError   string    `json:"last_error,omitempty"`

	// Permanent is set once retries are exhausted. Only an operator retry
	// clears it.
	Permanent bool `json:"permanent"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IdempotencyKey is the key passed to the ledger substrate.
func (i *PayoutInstruction) IdempotencyKey() string {
	return i.EventFingerprint + ":" + i.PayeeID
}

// Transfer is what the settlement engine asks the substrate to move.
type Transfer struct {
	PayeeID        string `json:"payee_id"`
	Amount         int64  `json:"amount"`
	Currency       string `json:"currency"`
	IdempotencyKey string `json:"idempotency_key"`
}

// TransferOutcome is what the substrate reported for a transaction.
type TransferOutcome string

const (
	TransferFinalized TransferOutcome = "finalized"
	TransferRejected  TransferOutcome = "rejected"
)

// FinalityNotice is a substrate notification kept until the instruction
// carrying its transaction id applies it. A notice can arrive before the
// submitting side has stored the transaction id.
type FinalityNotice struct {
	TransactionID string          `json:"transaction_id"`
	Outcome       TransferOutcome `json:"outcome"`
	Reason        string          `json:"reason,omitempty"`
	ReceivedAt    time.Time       `json:"received_at"`
}
