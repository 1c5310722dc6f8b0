// Package escrow holds funds that cannot be paid out yet and applies dispute
// outcomes.
//
// A work has at most one open account per reason. Dispute accounts follow
//
//	Holding -> Resolving -> Released
//
// While Holding, submissions for the work are halted and incoming revenue is
// held. Resolving replays the held events against the corrected agreement;
// it can be resumed after a failure until every holding is released.
// Pending finality and failed settlement accounts stay open and track one
// holding per payout instruction.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mmynk/royalties/internal/audit"
	"github.com/mmynk/royalties/internal/metrics"
	"github.com/mmynk/royalties/internal/models"
	"github.com/mmynk/royalties/internal/storage"
	"github.com/mmynk/royalties/internal/workmutex"
)

// Store is the persistence the manager needs.
type Store interface {
	storage.EscrowStore
	GetEvent(ctx context.Context, fingerprint string) (*models.RevenueEvent, error)
	GetInstruction(ctx context.Context, id string) (*models.PayoutInstruction, error)
	ListInstructionsByEvent(ctx context.Context, fingerprint string) ([]*models.PayoutInstruction, error)
}

// Disputes changes agreement status in the registry.
type Disputes interface {
	DisputeAgreement(ctx context.Context, workID string, version int64) (*models.SplitAgreement, error)
	ReplaceDisputed(ctx context.Context, workID string, correctedVersion int64) (*models.SplitAgreement, error)
}

// Replayer resolves and settles a held event again.
type Replayer interface {
	Replay(ctx context.Context, event *models.RevenueEvent) error
}

// Reverser marks a confirmed instruction as reversed.
type Reverser interface {
	Reverse(ctx context.Context, instructionID, note string) (*models.PayoutInstruction, error)
}

// Manager owns escrow account state.
type Manager struct {
	store    Store
	registry Disputes
	audit    *audit.Ledger
	locks    *workmutex.Locker
	replayer Replayer
	reverser Reverser
	now      func() time.Time
}

// NewManager creates a Manager. SetReplayer must be called before disputes
// can be resolved.
func NewManager(store Store, registry Disputes, auditLedger *audit.Ledger) *Manager {
	return &Manager{
		store:    store,
		registry: registry,
		audit:    auditLedger,
		locks:    workmutex.New(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetReplayer sets what re-runs held events on resolution.
func (m *Manager) SetReplayer(r Replayer) { m.replayer = r }

// SetReverser sets what reverses instructions during reconciliation.
func (m *Manager) SetReverser(r Reverser) { m.reverser = r }

// OpenDispute disputes an agreement version and opens the work's dispute
// account. From then on resolution of the work fails with
// models.ErrAgreementDisputed, new revenue is held and submissions are
// halted. Instructions already submitted are left to finish.
func (m *Manager) OpenDispute(ctx context.Context, workID string, version int64, note string) (*models.EscrowAccount, error) {
	unlock := m.locks.Lock(workID)
	defer unlock()

	if acct, err := m.openAccount(ctx, workID, models.EscrowDisputed); err != nil {
		return nil, err
	} else if acct != nil {
		return nil, fmt.Errorf("work %s already has dispute %s: %w", workID, acct.ID, models.ErrConflict)
	}

	if _, err := m.registry.DisputeAgreement(ctx, workID, version); err != nil {
		return nil, err
	}

	acct := &models.EscrowAccount{
		WorkID:           workID,
		Reason:           models.EscrowDisputed,
		State:            models.EscrowStateHolding,
		DisputedVersion:  version,
		ReleaseCondition: fmt.Sprintf("corrected agreement replaces v%d", version),
		Note:             note,
		OpenedAt:         m.now(),
	}
	if err := m.store.CreateEscrowAccount(ctx, acct); err != nil {
		return nil, fmt.Errorf("failed to open dispute account: %w", err)
	}
	if _, err := m.audit.Record(ctx, models.LedgerEntry{
		WorkID:           workID,
		Kind:             models.EntryDisputeOpened,
		AgreementVersion: version,
		Detail:           note,
	}); err != nil {
		return nil, err
	}

	slog.Warn("Dispute opened", "work_id", workID, "version", version, "account_id", acct.ID)
	return acct, nil
}

// HoldEvent holds the gross of an event that could not be resolved because
// its work is disputed. It returns false if the work has no dispute taking
// new holdings, or if the event already has instructions and so settles
// under their plan; the caller should then process the event again.
func (m *Manager) HoldEvent(ctx context.Context, event *models.RevenueEvent) (bool, error) {
	unlock := m.locks.Lock(event.WorkID)
	defer unlock()

	acct, err := m.openAccount(ctx, event.WorkID, models.EscrowDisputed)
	if err != nil || acct == nil {
		return false, err
	}
	for _, h := range acct.Holdings {
		if h.Ref == event.Fingerprint {
			return true, nil
		}
	}
	settled, err := m.store.ListInstructionsByEvent(ctx, event.Fingerprint)
	if err != nil {
		return false, fmt.Errorf("failed to list instructions: %w", err)
	}
	if len(settled) > 0 {
		slog.Info("Event already settled, not held", "work_id", event.WorkID, "fingerprint", event.Fingerprint, "plan_id", settled[0].PlanID)
		return false, nil
	}

	if err := m.store.AddHolding(ctx, acct.ID, models.EscrowHolding{
		Ref:        event.Fingerprint,
		Amount:     event.Gross,
		Currency:   event.Currency,
		ReportedAt: event.ReportedAt,
		HeldAt:     m.now(),
	}); err != nil {
		return false, fmt.Errorf("failed to hold event: %w", err)
	}
	metrics.EscrowHeld.WithLabelValues(string(acct.Reason), event.Currency).Add(float64(event.Gross))
	if _, err := m.audit.Record(ctx, models.LedgerEntry{
		WorkID:           event.WorkID,
		Kind:             models.EntryEscrowHeld,
		EventFingerprint: event.Fingerprint,
		Amount:           event.Gross,
		Currency:         event.Currency,
		Detail:           "dispute " + acct.ID,
	}); err != nil {
		return false, err
	}

	slog.Info("Revenue held in escrow", "work_id", event.WorkID, "fingerprint", event.Fingerprint, "gross", event.Gross)
	return true, nil
}

// ResolveDispute replaces the disputed agreement with correctedVersion and
// replays every held event, oldest reporting time first, ties broken by
// fingerprint. If a replay fails the account stays Resolving and calling
// ResolveDispute again with the same version picks up where it stopped.
func (m *Manager) ResolveDispute(ctx context.Context, workID string, correctedVersion int64) (*models.EscrowAccount, error) {
	if m.replayer == nil {
		return nil, errors.New("escrow: no replayer configured")
	}

	if _, err := m.dispute(ctx, workID, correctedVersion, false); err != nil {
		return nil, err
	}
	if _, err := m.registry.ReplaceDisputed(ctx, workID, correctedVersion); err != nil {
		return nil, err
	}
	acct, err := m.dispute(ctx, workID, correctedVersion, true)
	if err != nil {
		return nil, err
	}

	for {
		next, done, err := m.nextHolding(ctx, acct.ID, correctedVersion)
		if err != nil {
			return nil, err
		}
		if done != nil {
			return done, nil
		}
		if err := m.replay(ctx, acct, next); err != nil {
			slog.Error("Dispute replay stopped", "work_id", workID, "fingerprint", next.Ref, "error", err)
			return nil, err
		}
	}
}

// Blocked reports whether the work's dispute halts submissions.
func (m *Manager) Blocked(ctx context.Context, workID string) (bool, error) {
	acct, err := m.openAccount(ctx, workID, models.EscrowDisputed)
	if err != nil || acct == nil {
		return false, err
	}
	return acct.State == models.EscrowStateHolding, nil
}

// HoldPendingFinality holds a submitted instruction's amount until the
// substrate finalizes or rejects it.
func (m *Manager) HoldPendingFinality(ctx context.Context, in *models.PayoutInstruction) error {
	return m.hold(ctx, in, models.EscrowPendingFinality, "transaction finality")
}

// ReleasePendingFinality releases the finality hold of an instruction.
func (m *Manager) ReleasePendingFinality(ctx context.Context, in *models.PayoutInstruction) error {
	return m.release(ctx, in, models.EscrowPendingFinality)
}

// HoldFailedSettlement holds the amount of an instruction that exhausted
// its retries, so the funds stay accounted for.
func (m *Manager) HoldFailedSettlement(ctx context.Context, in *models.PayoutInstruction) error {
	return m.hold(ctx, in, models.EscrowSettlementFailed, "operator retry or reconciliation")
}

// ReleaseFailedSettlement releases a failed settlement hold.
func (m *Manager) ReleaseFailedSettlement(ctx context.Context, in *models.PayoutInstruction) error {
	return m.release(ctx, in, models.EscrowSettlementFailed)
}

// GetAccounts returns every escrow account of a work, oldest first.
func (m *Manager) GetAccounts(ctx context.Context, workID string) ([]*models.EscrowAccount, error) {
	return m.store.ListEscrowAccounts(ctx, workID)
}

// RecordReconciliation records an explicit follow-up for an instruction,
// typically a transfer made under an agreement that was later disputed.
// With reversed set the instruction is also marked Reversed.
func (m *Manager) RecordReconciliation(ctx context.Context, workID, instructionID, note string, reversed bool) (*models.LedgerEntry, error) {
	note = strings.TrimSpace(note)
	if note == "" {
		return nil, fmt.Errorf("reconciliation note is required: %w", models.ErrInvalidArgument)
	}
	in, err := m.store.GetInstruction(ctx, instructionID)
	if err != nil {
		return nil, err
	}
	if in.WorkID != workID {
		return nil, fmt.Errorf("instruction %s belongs to %s, not %s: %w", in.ID, in.WorkID, workID, models.ErrInvalidArgument)
	}
	if reversed {
		if m.reverser == nil {
			return nil, errors.New("escrow: no reverser configured")
		}
		if in, err = m.reverser.Reverse(ctx, instructionID, note); err != nil {
			return nil, err
		}
	}

	entry, err := m.audit.Record(ctx, models.LedgerEntry{
		WorkID:           workID,
		Kind:             models.EntryReconciliationRecorded,
		EventFingerprint: in.EventFingerprint,
		PlanID:           in.PlanID,
		InstructionID:    in.ID,
		PayeeID:          in.PayeeID,
		Amount:           in.Amount,
		Currency:         in.Currency,
		Detail:           note,
	})
	if err != nil {
		return nil, err
	}
	slog.Info("Reconciliation recorded", "work_id", workID, "instruction_id", in.ID, "reversed", reversed)
	return entry, nil
}

// dispute returns the open dispute account of a work if it can be resolved
// with correctedVersion. With start set, a Holding account moves to
// Resolving.
func (m *Manager) dispute(ctx context.Context, workID string, correctedVersion int64, start bool) (*models.EscrowAccount, error) {
	unlock := m.locks.Lock(workID)
	defer unlock()

	acct, err := m.openAccount(ctx, workID, models.EscrowDisputed)
	if err != nil {
		return nil, err
	}
	if acct == nil {
		return nil, fmt.Errorf("work %s has no open dispute: %w", workID, models.ErrConflict)
	}

	switch {
	case acct.State == models.EscrowStateHolding && start:
		acct.State = models.EscrowStateResolving
		acct.CorrectedVersion = correctedVersion
		if err := m.store.UpdateEscrowAccount(ctx, acct); err != nil {
			return nil, fmt.Errorf("failed to start resolving: %w", err)
		}
		slog.Info("Resolving dispute", "work_id", workID, "corrected_version", correctedVersion, "held_events", len(acct.Holdings))
	case acct.State == models.EscrowStateResolving:
		if acct.CorrectedVersion != correctedVersion {
			return nil, fmt.Errorf("dispute of %s is resolving with v%d: %w", workID, acct.CorrectedVersion, models.ErrConflict)
		}
		if start {
			slog.Info("Resuming dispute resolution", "work_id", workID, "remaining", len(acct.Holdings))
		}
	}
	return acct, nil
}

// nextHolding returns the oldest holding still to replay, or releases the
// account once none is left.
func (m *Manager) nextHolding(ctx context.Context, accountID string, correctedVersion int64) (*models.EscrowHolding, *models.EscrowAccount, error) {
	acct, err := m.store.GetEscrowAccount(ctx, accountID)
	if err != nil {
		return nil, nil, err
	}
	unlock := m.locks.Lock(acct.WorkID)
	defer unlock()

	if acct, err = m.store.GetEscrowAccount(ctx, accountID); err != nil {
		return nil, nil, err
	}
	if len(acct.Holdings) > 0 {
		h := acct.Holdings[0]
		return &h, nil, nil
	}

	released := m.now()
	acct.State = models.EscrowStateReleased
	acct.ReleasedAt = &released
	if err := m.store.UpdateEscrowAccount(ctx, acct); err != nil {
		return nil, nil, fmt.Errorf("failed to release dispute account: %w", err)
	}
	if _, err := m.audit.Record(ctx, models.LedgerEntry{
		WorkID:           acct.WorkID,
		Kind:             models.EntryDisputeResolved,
		AgreementVersion: correctedVersion,
		Detail:           fmt.Sprintf("v%d replaced by v%d", acct.DisputedVersion, correctedVersion),
	}); err != nil {
		return nil, nil, err
	}
	slog.Info("Dispute resolved", "work_id", acct.WorkID, "corrected_version", correctedVersion)
	return nil, acct, nil
}

// replay re-runs one held event and drops its holding. Events the corrected
// agreements do not cover are released as unresolved; they stay on record
// for reprocessing.
func (m *Manager) replay(ctx context.Context, acct *models.EscrowAccount, h *models.EscrowHolding) error {
	event, err := m.store.GetEvent(ctx, h.Ref)
	if err != nil {
		return fmt.Errorf("failed to load held event: %w", err)
	}

	detail := "replayed"
	if err := m.replayer.Replay(ctx, event); err != nil {
		if !errors.Is(err, models.ErrNoActiveAgreement) {
			return err
		}
		detail = "unresolved: " + err.Error()
	}

	unlock := m.locks.Lock(acct.WorkID)
	defer unlock()
	if err := m.store.RemoveHolding(ctx, acct.ID, h.Ref); err != nil {
		return fmt.Errorf("failed to release holding: %w", err)
	}
	metrics.EscrowReleased.WithLabelValues(string(acct.Reason), h.Currency).Add(float64(h.Amount))
	_, err = m.audit.Record(ctx, models.LedgerEntry{
		WorkID:           acct.WorkID,
		Kind:             models.EntryEscrowReleased,
		EventFingerprint: h.Ref,
		Amount:           h.Amount,
		Currency:         h.Currency,
		Detail:           detail,
	})
	return err
}

func (m *Manager) hold(ctx context.Context, in *models.PayoutInstruction, reason models.EscrowReason, condition string) error {
	unlock := m.locks.Lock(in.WorkID)
	defer unlock()

	acct, err := m.openAccount(ctx, in.WorkID, reason)
	if err != nil {
		return err
	}
	if acct == nil {
		acct = &models.EscrowAccount{
			WorkID:           in.WorkID,
			Reason:           reason,
			State:            models.EscrowStateHolding,
			ReleaseCondition: condition,
			OpenedAt:         m.now(),
		}
		if err := m.store.CreateEscrowAccount(ctx, acct); err != nil {
			return fmt.Errorf("failed to open %s account: %w", reason, err)
		}
	}
	if err := m.store.AddHolding(ctx, acct.ID, models.EscrowHolding{
		Ref:        in.ID,
		Amount:     in.Amount,
		Currency:   in.Currency,
		ReportedAt: in.CreatedAt,
		HeldAt:     m.now(),
	}); err != nil {
		return fmt.Errorf("failed to hold instruction: %w", err)
	}
	metrics.EscrowHeld.WithLabelValues(string(reason), in.Currency).Add(float64(in.Amount))

	if reason == models.EscrowSettlementFailed {
		_, err = m.audit.Record(ctx, models.LedgerEntry{
			WorkID:           in.WorkID,
			Kind:             models.EntryEscrowHeld,
			EventFingerprint: in.EventFingerprint,
			InstructionID:    in.ID,
			PayeeID:          in.PayeeID,
			Amount:           in.Amount,
			Currency:         in.Currency,
			Detail:           string(reason),
		})
	}
	return err
}

func (m *Manager) release(ctx context.Context, in *models.PayoutInstruction, reason models.EscrowReason) error {
	unlock := m.locks.Lock(in.WorkID)
	defer unlock()

	acct, err := m.openAccount(ctx, in.WorkID, reason)
	if err != nil || acct == nil {
		return err
	}
	held := false
	for _, h := range acct.Holdings {
		if h.Ref == in.ID {
			held = true
			break
		}
	}
	if !held {
		return nil
	}
	if err := m.store.RemoveHolding(ctx, acct.ID, in.ID); err != nil {
		return fmt.Errorf("failed to release instruction: %w", err)
	}
	metrics.EscrowReleased.WithLabelValues(string(reason), in.Currency).Add(float64(in.Amount))

	if reason == models.EscrowSettlementFailed {
		_, err = m.audit.Record(ctx, models.LedgerEntry{
			WorkID:           in.WorkID,
			Kind:             models.EntryEscrowReleased,
			EventFingerprint: in.EventFingerprint,
			InstructionID:    in.ID,
			PayeeID:          in.PayeeID,
			Amount:           in.Amount,
			Currency:         in.Currency,
			Detail:           string(reason),
		})
	}
	return err
}

// openAccount returns the unreleased account of a work for a reason, or nil.
func (m *Manager) openAccount(ctx context.Context, workID string, reason models.EscrowReason) (*models.EscrowAccount, error) {
	acct, err := m.store.FindOpenEscrowAccount(ctx, workID, reason)
	if errors.Is(err, models.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find %s account: %w", reason, err)
	}
	return acct, nil
}
