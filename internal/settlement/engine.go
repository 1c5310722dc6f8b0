// Package settlement turns distribution plans into payout instructions and
// drives them to finality on the ledger substrate.
//
// Each instruction moves through
//
//	Pending -> Submitted -> Confirmed
//	                     -> Failed -> Submitted (retry)
//
// with at most one instruction per (event, payee). All transitions of one
// work run under that work's lock and append to the audit ledger.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mmynk/royalties/internal/audit"
	"github.com/mmynk/royalties/internal/calculator"
	"github.com/mmynk/royalties/internal/metrics"
	"github.com/mmynk/royalties/internal/models"
	"github.com/mmynk/royalties/internal/storage"
	"github.com/mmynk/royalties/internal/substrate"
	"github.com/mmynk/royalties/internal/workmutex"
)

// Escrow is what the engine needs from the escrow manager. The engine calls
// it while holding the work lock; implementations must not call back into
// the engine.
type Escrow interface {
	// Blocked reports whether submissions for the work are halted by an
	// open dispute.
	Blocked(ctx context.Context, workID string) (bool, error)

	HoldPendingFinality(ctx context.Context, in *models.PayoutInstruction) error
	ReleasePendingFinality(ctx context.Context, in *models.PayoutInstruction) error
	HoldFailedSettlement(ctx context.Context, in *models.PayoutInstruction) error
	ReleaseFailedSettlement(ctx context.Context, in *models.PayoutInstruction) error
}

// Config bounds retries.
type Config struct {
	// MaxAttempts is the number of submissions before an instruction is
	// surfaced as a permanent failure.
	MaxAttempts int

	// BaseBackoff doubles after every failed attempt up to MaxBackoff.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	// RetryInterval is how often Run looks for due instructions.
	RetryInterval time.Duration

	// Workers bounds concurrent retries within one pass.
	Workers int

	// BatchSize bounds the instructions picked up by one pass.
	BatchSize int
}

// DefaultConfig returns the retry settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:   5,
		BaseBackoff:   time.Second,
		MaxBackoff:    5 * time.Minute,
		RetryInterval: 5 * time.Second,
		Workers:       4,
		BatchSize:     100,
	}
}

// Engine settles distribution plans.
type Engine struct {
	store  storage.InstructionStore
	ledger substrate.Ledger
	escrow Escrow
	audit  *audit.Ledger
	locks  *workmutex.Locker
	cfg    Config
	now    func() time.Time
}

// Ensure Engine consumes substrate notifications
var _ substrate.Listener = (*Engine)(nil)

// NewEngine creates an Engine. Zero fields of cfg take their defaults.
func NewEngine(store storage.InstructionStore, ledger substrate.Ledger, escrow Escrow, auditLedger *audit.Ledger, cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = def.BaseBackoff
	}
	if cfg.MaxBackoff < cfg.BaseBackoff {
		cfg.MaxBackoff = max(def.MaxBackoff, cfg.BaseBackoff)
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = def.RetryInterval
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	return &Engine{
		store:  store,
		ledger: ledger,
		escrow: escrow,
		audit:  auditLedger,
		locks:  workmutex.New(),
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Settle creates the instructions of plan and submits those still pending.
// Instructions that already exist for the event and a payee are reused, so
// calling Settle again, concurrently or after a restart, never duplicates a
// payout. While the work is under dispute the instructions are created but
// left Pending; the retry loop submits them once the dispute is resolved.
//
// An event whose instructions were created from a different plan fails
// with models.ErrConflict: moving money under a changed agreement is an
// explicit reconciliation, not a resettlement.
func (e *Engine) Settle(ctx context.Context, plan *models.DistributionPlan) ([]*models.PayoutInstruction, error) {
	unlock := e.locks.Lock(plan.WorkID)
	defer unlock()

	existing, err := e.store.ListInstructionsByEvent(ctx, plan.EventFingerprint)
	if err != nil {
		return nil, fmt.Errorf("failed to list instructions: %w", err)
	}
	byPayee := make(map[string]*models.PayoutInstruction, len(existing))
	for _, in := range existing {
		if in.PlanID != plan.ID {
			return nil, fmt.Errorf("event %s already settles under plan %s, not %s: %w",
				plan.EventFingerprint, in.PlanID, plan.ID, models.ErrConflict)
		}
		byPayee[in.PayeeID] = in
	}

	blocked, err := e.escrow.Blocked(ctx, plan.WorkID)
	if err != nil {
		return nil, fmt.Errorf("failed to check dispute state: %w", err)
	}

	var out []*models.PayoutInstruction
	for _, line := range plan.Lines {
		if line.Amount == 0 {
			continue
		}
		in, ok := byPayee[line.PayeeID]
		if !ok {
			if in, err = e.create(ctx, plan, line); err != nil {
				return nil, err
			}
		}
		if in.Status == models.InstructionPending && !blocked {
			if err := e.submit(ctx, in); err != nil {
				return nil, err
			}
		}
		out = append(out, in)
	}

	if blocked {
		slog.Warn("Settlement deferred by dispute", "plan_id", plan.ID, "work_id", plan.WorkID)
	}
	return out, nil
}

// OnFinalized confirms the instruction submitted as txID. A notice for a
// transaction no instruction carries yet is kept and applied when the
// submission is stored.
func (e *Engine) OnFinalized(ctx context.Context, txID string) error {
	return e.notify(ctx, &models.FinalityNotice{TransactionID: txID, Outcome: models.TransferFinalized})
}

// OnRejected fails the instruction submitted as txID and schedules a retry,
// or surfaces it as a permanent failure once attempts are exhausted. Early
// rejections are kept like early finality.
func (e *Engine) OnRejected(ctx context.Context, txID, reason string) error {
	return e.notify(ctx, &models.FinalityNotice{TransactionID: txID, Outcome: models.TransferRejected, Reason: reason})
}

// notify stores the notice before looking for its instruction, so either
// this call or the submission that stores txID sees it.
func (e *Engine) notify(ctx context.Context, notice *models.FinalityNotice) error {
	notice.ReceivedAt = e.now()
	if err := e.store.SaveFinalityNotice(ctx, notice); err != nil {
		return fmt.Errorf("failed to record finality notice: %w", err)
	}

	in, unlock, err := e.lockByTransaction(ctx, notice.TransactionID)
	if errors.Is(err, models.ErrNotFound) {
		slog.Info("Finality notice ahead of submission", "tx_id", notice.TransactionID, "outcome", notice.Outcome)
		return nil
	}
	if err != nil {
		return err
	}
	defer unlock()
	return e.applyNotice(ctx, in)
}

// applyNotice applies the stored notice of in's transaction, if any. The
// work lock must be held.
func (e *Engine) applyNotice(ctx context.Context, in *models.PayoutInstruction) error {
	notice, err := e.store.TakeFinalityNotice(ctx, in.TransactionID)
	if errors.Is(err, models.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if notice.Outcome == models.TransferRejected {
		return e.reject(ctx, in, notice.Reason)
	}
	return e.confirm(ctx, in)
}

func (e *Engine) confirm(ctx context.Context, in *models.PayoutInstruction) error {
	if in.Status == models.InstructionConfirmed {
		return nil
	}
	if in.Status != models.InstructionSubmitted {
		slog.Warn("Finality for instruction not in flight", "instruction_id", in.ID, "status", in.Status, "tx_id", in.TransactionID)
		return nil
	}

	in.Status = models.InstructionConfirmed
	in.LastError = ""
	if err := e.store.UpdateInstruction(ctx, in); err != nil {
		return fmt.Errorf("failed to confirm instruction: %w", err)
	}
	metrics.InstructionTransitions.WithLabelValues(string(in.Status)).Inc()
	if err := e.record(ctx, in, models.EntryInstructionConfirmed, "tx "+in.TransactionID); err != nil {
		return err
	}
	if err := e.escrow.ReleasePendingFinality(ctx, in); err != nil {
		return fmt.Errorf("failed to release finality hold: %w", err)
	}

	slog.Info("Instruction confirmed", "instruction_id", in.ID, "payee_id", in.PayeeID, "amount", in.Amount)
	return nil
}

func (e *Engine) reject(ctx context.Context, in *models.PayoutInstruction, reason string) error {
	if in.Status != models.InstructionSubmitted {
		slog.Warn("Rejection for instruction not in flight", "instruction_id", in.ID, "status", in.Status, "tx_id", in.TransactionID)
		return nil
	}
	if err := e.escrow.ReleasePendingFinality(ctx, in); err != nil {
		return fmt.Errorf("failed to release finality hold: %w", err)
	}
	return e.fail(ctx, in, "rejected: "+reason)
}

// RetryDue submits every due pending or failed instruction once, with at
// most Config.Workers submissions in flight. It returns how many
// instructions were submitted.
func (e *Engine) RetryDue(ctx context.Context) (int, error) {
	due, err := e.store.ListRetryable(ctx, e.now(), e.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list retryable instructions: %w", err)
	}
	if len(due) == 0 {
		return 0, nil
	}

	submitted := make([]bool, len(due))
	var g errgroup.Group
	g.SetLimit(e.cfg.Workers)
	for i, in := range due {
		g.Go(func() error {
			ok, err := e.retryOne(ctx, in.WorkID, in.ID)
			if err != nil {
				slog.Error("Retry failed", "instruction_id", in.ID, "error", err)
				return err
			}
			submitted[i] = ok
			return nil
		})
	}
	err = g.Wait()

	n := 0
	for _, ok := range submitted {
		if ok {
			n++
		}
	}
	return n, err
}

// Run calls RetryDue every Config.RetryInterval until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.RetryInterval)
	defer ticker.Stop()

	slog.Info("Settlement retry loop started", "interval", e.cfg.RetryInterval, "workers", e.cfg.Workers)
	for {
		select {
		case <-ctx.Done():
			slog.Info("Settlement retry loop stopped")
			return nil
		case <-ticker.C:
			n, err := e.RetryDue(ctx)
			if err != nil {
				slog.Error("Retry pass failed", "error", err)
			} else if n > 0 {
				slog.Info("Retry pass submitted instructions", "count", n)
			}
		}
	}
}

// Retry resubmits a failed instruction now, resetting its attempt budget.
// It is the operator's way out of a permanent failure.
func (e *Engine) Retry(ctx context.Context, instructionID string) (*models.PayoutInstruction, error) {
	in, err := e.store.GetInstruction(ctx, instructionID)
	if err != nil {
		return nil, err
	}
	unlock := e.locks.Lock(in.WorkID)
	defer unlock()

	if in, err = e.store.GetInstruction(ctx, instructionID); err != nil {
		return nil, err
	}
	if in.Status != models.InstructionFailed {
		return nil, fmt.Errorf("instruction %s is %s, not failed: %w", in.ID, in.Status, models.ErrConflict)
	}
	blocked, err := e.escrow.Blocked(ctx, in.WorkID)
	if err != nil {
		return nil, fmt.Errorf("failed to check dispute state: %w", err)
	}
	if blocked {
		return nil, fmt.Errorf("work %s: %w", in.WorkID, models.ErrAgreementDisputed)
	}

	if in.Permanent {
		if err := e.escrow.ReleaseFailedSettlement(ctx, in); err != nil {
			return nil, fmt.Errorf("failed to release failed settlement hold: %w", err)
		}
		in.Permanent = false
	}
	in.Attempts = 0
	if err := e.record(ctx, in, models.EntryInstructionRetried, "operator retry"); err != nil {
		return nil, err
	}
	if err := e.submit(ctx, in); err != nil {
		return nil, err
	}
	return in, nil
}

// Reverse marks a confirmed instruction as reversed after funds were
// recovered outside the engine.
func (e *Engine) Reverse(ctx context.Context, instructionID, note string) (*models.PayoutInstruction, error) {
	in, err := e.store.GetInstruction(ctx, instructionID)
	if err != nil {
		return nil, err
	}
	unlock := e.locks.Lock(in.WorkID)
	defer unlock()

	if in, err = e.store.GetInstruction(ctx, instructionID); err != nil {
		return nil, err
	}
	if in.Status != models.InstructionConfirmed {
		return nil, fmt.Errorf("instruction %s is %s, not confirmed: %w", in.ID, in.Status, models.ErrConflict)
	}
	in.Status = models.InstructionReversed
	if err := e.store.UpdateInstruction(ctx, in); err != nil {
		return nil, fmt.Errorf("failed to reverse instruction: %w", err)
	}
	metrics.InstructionTransitions.WithLabelValues(string(in.Status)).Inc()
	if err := e.record(ctx, in, models.EntryInstructionReversed, note); err != nil {
		return nil, err
	}
	return in, nil
}

// Instruction returns one instruction.
func (e *Engine) Instruction(ctx context.Context, id string) (*models.PayoutInstruction, error) {
	return e.store.GetInstruction(ctx, id)
}

// ListInstructions returns the instructions of an event ordered by payee.
func (e *Engine) ListInstructions(ctx context.Context, fingerprint string) ([]*models.PayoutInstruction, error) {
	return e.store.ListInstructionsByEvent(ctx, fingerprint)
}

// ListFailed returns the instructions of a work awaiting retry or
// intervention.
func (e *Engine) ListFailed(ctx context.Context, workID string) ([]*models.PayoutInstruction, error) {
	return e.store.ListInstructionsByWork(ctx, workID, models.InstructionFailed)
}

// PayeeBalances aggregates a payee's instructions per currency.
func (e *Engine) PayeeBalances(ctx context.Context, payeeID string) ([]calculator.PayeeBalance, error) {
	ins, err := e.store.ListInstructionsByPayee(ctx, payeeID)
	if err != nil {
		return nil, err
	}
	return calculator.CalculatePayeeBalances(ins), nil
}

func (e *Engine) create(ctx context.Context, plan *models.DistributionPlan, line models.PlanLine) (*models.PayoutInstruction, error) {
	in := &models.PayoutInstruction{
		PlanID:           plan.ID,
		EventFingerprint: plan.EventFingerprint,
		WorkID:           plan.WorkID,
		PayeeID:          line.PayeeID,
		Amount:           line.Amount,
		Currency:         plan.Currency,
		Status:           models.InstructionPending,
		CreatedAt:        e.now(),
	}
	err := e.store.CreateInstruction(ctx, in)
	if errors.Is(err, models.ErrConflict) {
		// Created by another process sharing the database.
		return e.store.GetInstructionByPayee(ctx, plan.EventFingerprint, line.PayeeID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create instruction: %w", err)
	}
	metrics.InstructionTransitions.WithLabelValues(string(in.Status)).Inc()
	if err := e.record(ctx, in, models.EntryInstructionCreated, ""); err != nil {
		return nil, err
	}
	return in, nil
}

// submit hands in to the substrate. The work lock must be held.
func (e *Engine) submit(ctx context.Context, in *models.PayoutInstruction) error {
	in.Attempts++
	txID, err := e.ledger.SubmitTransfer(ctx, models.Transfer{
		PayeeID:        in.PayeeID,
		Amount:         in.Amount,
		Currency:       in.Currency,
		IdempotencyKey: in.IdempotencyKey(),
	})
	if err != nil {
		slog.Warn("Transfer submission failed", "instruction_id", in.ID, "attempt", in.Attempts, "error", err)
		return e.fail(ctx, in, err.Error())
	}

	in.Status = models.InstructionSubmitted
	in.TransactionID = txID
	in.NextAttempt = time.Time{}
	if err := e.store.UpdateInstruction(ctx, in); err != nil {
		return fmt.Errorf("failed to mark instruction submitted: %w", err)
	}
	metrics.InstructionTransitions.WithLabelValues(string(in.Status)).Inc()
	if err := e.record(ctx, in, models.EntryInstructionSubmitted, fmt.Sprintf("tx %s attempt %d", txID, in.Attempts)); err != nil {
		return err
	}
	if err := e.escrow.HoldPendingFinality(ctx, in); err != nil {
		return fmt.Errorf("failed to hold pending finality: %w", err)
	}

	slog.Info("Instruction submitted", "instruction_id", in.ID, "tx_id", txID, "attempt", in.Attempts)
	return e.applyNotice(ctx, in)
}

// fail records a failed attempt. The work lock must be held.
func (e *Engine) fail(ctx context.Context, in *models.PayoutInstruction, reason string) error {
	in.Status = models.InstructionFailed
	in.LastError = reason

	if in.Attempts >= e.cfg.MaxAttempts {
		in.Permanent = true
		in.NextAttempt = time.Time{}
		if err := e.store.UpdateInstruction(ctx, in); err != nil {
			return fmt.Errorf("failed to mark instruction failed: %w", err)
		}
		metrics.InstructionTransitions.WithLabelValues(string(in.Status)).Inc()
		metrics.PermanentFailures.Inc()
		detail := fmt.Sprintf("%v after %d attempts: %s", models.ErrPermanentSettlementFailure, in.Attempts, reason)
		if err := e.record(ctx, in, models.EntryInstructionPermanent, detail); err != nil {
			return err
		}
		if err := e.escrow.HoldFailedSettlement(ctx, in); err != nil {
			return fmt.Errorf("failed to hold failed settlement: %w", err)
		}
		slog.Error("Instruction failed permanently",
			"instruction_id", in.ID,
			"work_id", in.WorkID,
			"payee_id", in.PayeeID,
			"amount", in.Amount,
			"attempts", in.Attempts,
			"error", reason,
		)
		return nil
	}

	in.NextAttempt = e.now().Add(e.Backoff(in.Attempts))
	if err := e.store.UpdateInstruction(ctx, in); err != nil {
		return fmt.Errorf("failed to mark instruction failed: %w", err)
	}
	metrics.InstructionTransitions.WithLabelValues(string(in.Status)).Inc()
	return e.record(ctx, in, models.EntryInstructionFailed,
		fmt.Sprintf("attempt %d: %s; next attempt %s", in.Attempts, reason, in.NextAttempt.Format(time.RFC3339)))
}

// Backoff returns the wait after the given number of failed attempts:
// BaseBackoff doubled per attempt after the first, capped at MaxBackoff.
func (e *Engine) Backoff(attempts int) time.Duration {
	d := e.cfg.BaseBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= e.cfg.MaxBackoff {
			return e.cfg.MaxBackoff
		}
	}
	return min(d, e.cfg.MaxBackoff)
}

func (e *Engine) retryOne(ctx context.Context, workID, id string) (bool, error) {
	unlock := e.locks.Lock(workID)
	defer unlock()

	in, err := e.store.GetInstruction(ctx, id)
	if err != nil {
		return false, err
	}
	if in.Permanent || in.NextAttempt.After(e.now()) {
		return false, nil
	}
	if in.Status != models.InstructionPending && in.Status != models.InstructionFailed {
		return false, nil
	}
	blocked, err := e.escrow.Blocked(ctx, workID)
	if err != nil || blocked {
		return false, err
	}
	if err := e.submit(ctx, in); err != nil {
		return false, err
	}
	return in.Status == models.InstructionSubmitted || in.Status == models.InstructionConfirmed, nil
}

// lockByTransaction finds the instruction of txID, locks its work and
// reloads it under the lock.
func (e *Engine) lockByTransaction(ctx context.Context, txID string) (*models.PayoutInstruction, func(), error) {
	in, err := e.store.GetInstructionByTransaction(ctx, txID)
	if err != nil {
		return nil, nil, err
	}
	unlock := e.locks.Lock(in.WorkID)
	if in, err = e.store.GetInstruction(ctx, in.ID); err != nil {
		unlock()
		return nil, nil, err
	}
	if in.TransactionID != txID {
		unlock()
		return nil, nil, fmt.Errorf("transaction %s superseded by %s: %w", txID, in.TransactionID, models.ErrConflict)
	}
	return in, unlock, nil
}

func (e *Engine) record(ctx context.Context, in *models.PayoutInstruction, kind models.EntryKind, detail string) error {
	_, err := e.audit.Record(ctx, models.LedgerEntry{
		WorkID:           in.WorkID,
		Kind:             kind,
		EventFingerprint: in.EventFingerprint,
		PlanID:           in.PlanID,
		InstructionID:    in.ID,
		PayeeID:          in.PayeeID,
		Amount:           in.Amount,
		Currency:         in.Currency,
		Detail:           detail,
	})
	return err
}
