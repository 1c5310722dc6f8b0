// Package storage provides abstractions for persistent data storage.
package storage

import (
	"context"
	"time"

	"github.com/mmynk/royalties/internal/models"
)

// Store defines the persistence operations of the royalty engine.
// This abstraction allows swapping storage backends (SQLite, PostgreSQL, etc.)
// without changing the components above it. Lookups of missing records
// return an error wrapping models.ErrNotFound.
type Store interface {
	WorkStore
	AgreementStore
	EventStore
	PlanStore
	InstructionStore
	EscrowStore

	// Close releases any resources held by the store.
	Close() error
}

// WorkStore persists registered works.
type WorkStore interface {
	// CreateWork fails with models.ErrConflict if the id is taken.
	CreateWork(ctx context.Context, work *models.Work) error
	GetWork(ctx context.Context, workID string) (*models.Work, error)
	ListWorks(ctx context.Context) ([]*models.Work, error)
}

// AgreementStore persists split agreement versions.
type AgreementStore interface {
	// CreateAgreement assigns the next version number of the work and
	// persists the agreement. agreement.Version is populated by the store.
	CreateAgreement(ctx context.Context, agreement *models.SplitAgreement) error

	GetAgreement(ctx context.Context, workID string, version int64) (*models.SplitAgreement, error)

	// ListAgreements returns every version of a work ordered by version.
	ListAgreements(ctx context.Context, workID string) ([]*models.SplitAgreement, error)

	// UpdateAgreements writes status and validity bounds of the given
	// versions in a single transaction.
	UpdateAgreements(ctx context.Context, agreements ...*models.SplitAgreement) error
}

// EventStore persists accepted revenue events.
type EventStore interface {
	// CreateEvent stores the event unless one with the same fingerprint
	// exists. It returns the stored event and whether it was created.
	CreateEvent(ctx context.Context, event *models.RevenueEvent) (*models.RevenueEvent, bool, error)
	GetEvent(ctx context.Context, fingerprint string) (*models.RevenueEvent, error)
}

// PlanStore persists distribution plans.
type PlanStore interface {
	// CreatePlan stores the plan unless one with the same id exists. It
	// returns the stored plan and whether it was created.
	CreatePlan(ctx context.Context, plan *models.DistributionPlan) (*models.DistributionPlan, bool, error)
	GetPlan(ctx context.Context, planID string) (*models.DistributionPlan, error)
	ListPlansByEvent(ctx context.Context, fingerprint string) ([]*models.DistributionPlan, error)
}

// InstructionStore persists payout instructions.
type InstructionStore interface {
	// CreateInstruction fails with models.ErrConflict if an instruction
	// already exists for the same event and payee.
	CreateInstruction(ctx context.Context, in *models.PayoutInstruction) error
	UpdateInstruction(ctx context.Context, in *models.PayoutInstruction) error
	GetInstruction(ctx context.Context, id string) (*models.PayoutInstruction, error)
	GetInstructionByPayee(ctx context.Context, fingerprint, payeeID string) (*models.PayoutInstruction, error)
	GetInstructionByTransaction(ctx context.Context, txID string) (*models.PayoutInstruction, error)
	ListInstructionsByEvent(ctx context.Context, fingerprint string) ([]*models.PayoutInstruction, error)
	ListInstructionsByPayee(ctx context.Context, payeeID string) ([]*models.PayoutInstruction, error)
	ListInstructionsByWork(ctx context.Context, workID string, status models.InstructionStatus) ([]*models.PayoutInstruction, error)

	// ListRetryable returns pending and failed, non-permanent instructions
	// whose next attempt is due at now, oldest first.
	ListRetryable(ctx context.Context, now time.Time, limit int) ([]*models.PayoutInstruction, error)

	// SaveFinalityNotice stores a notice, replacing any earlier one for the
	// same transaction.
	SaveFinalityNotice(ctx context.Context, notice *models.FinalityNotice) error

	// TakeFinalityNotice removes and returns the notice of txID. Only one
	// caller gets it; the others see models.ErrNotFound.
	TakeFinalityNotice(ctx context.Context, txID string) (*models.FinalityNotice, error)
}

// EscrowStore persists escrow accounts and their holdings.
type EscrowStore interface {
	CreateEscrowAccount(ctx context.Context, account *models.EscrowAccount) error
	UpdateEscrowAccount(ctx context.Context, account *models.EscrowAccount) error
	GetEscrowAccount(ctx context.Context, id string) (*models.EscrowAccount, error)

	// FindOpenEscrowAccount returns the account of the work and reason that
	// has not been released yet.
	FindOpenEscrowAccount(ctx context.Context, workID string, reason models.EscrowReason) (*models.EscrowAccount, error)
	ListEscrowAccounts(ctx context.Context, workID string) ([]*models.EscrowAccount, error)

	// AddHolding is idempotent on (account, ref).
	AddHolding(ctx context.Context, accountID string, holding models.EscrowHolding) error
	RemoveHolding(ctx context.Context, accountID, ref string) error
}

// AuditStore persists the append-only audit ledger.
type AuditStore interface {
	// Append assigns the entry's sequence within its work and stores it.
	// The timestamp is raised to the work's latest timestamp if the clock
	// went backwards, keeping (Timestamp, Sequence) ordered.
	Append(ctx context.Context, entry *models.LedgerEntry) error

	// ByWork returns a work's entries in order, restricted to [from, to)
	// when the bounds are non-zero.
	ByWork(ctx context.Context, workID string, from, to time.Time) ([]*models.LedgerEntry, error)
	ByEvent(ctx context.Context, fingerprint string) ([]*models.LedgerEntry, error)
	ByPayee(ctx context.Context, payeeID string, from, to time.Time) ([]*models.LedgerEntry, error)

	Close() error
}
