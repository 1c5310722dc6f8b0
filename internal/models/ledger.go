package models

import "time"

// EntryKind classifies a LedgerEntry.
type EntryKind string

const (
	EntryEventAccepted          EntryKind = "event.accepted"
	EntryEventUnresolved        EntryKind = "event.unresolved"
	EntryPlanComputed           EntryKind = "plan.computed"
	EntryInstructionCreated     EntryKind = "instruction.created"
	EntryInstructionSubmitted   EntryKind = "instruction.submitted"
	EntryInstructionConfirmed   EntryKind = "instruction.confirmed"
	EntryInstructionFailed      EntryKind = "instruction.failed"
	EntryInstructionPermanent   EntryKind = "instruction.permanent_failure"
	EntryInstructionRetried     EntryKind = "instruction.retried"
	EntryInstructionReversed    EntryKind = "instruction.reversed"
	EntryAgreementRegistered    EntryKind = "agreement.registered"
	EntryAgreementActivated     EntryKind = "agreement.activated"
	EntryAgreementDisputed      EntryKind = "agreement.disputed"
	EntryAgreementCorrected     EntryKind = "agreement.corrected"
	EntryDisputeOpened          EntryKind = "dispute.opened"
	EntryDisputeResolved        EntryKind = "dispute.resolved"
	EntryEscrowHeld             EntryKind = "escrow.held"
	EntryEscrowReleased         EntryKind = "escrow.released"
	EntryReconciliationRecorded EntryKind = "reconciliation.recorded"
)

// LedgerEntry is one append-only audit record. Entries of a work are totally
// ordered by (Timestamp, Sequence).
type LedgerEntry struct {
	WorkID    string    `json:"work_id"`
	Sequence  uint64    `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
	Kind      EntryKind `json:"kind"`

	EventFingerprint string `json:"event_fingerprint,omitempty"`
	PlanID           string `json:"plan_id,omitempty"`
	InstructionID    string `json:"instruction_id,omitempty"`
	PayeeID          string `json:"payee_id,omitempty"`
	AgreementVersion int64  `json:"agreement_version,omitempty"`
	Amount           int64  `json:"amount,omitempty"`
	Currency         string `json:"currency,omitempty"`
	Detail           string `json:"detail,omitempty"`
}
