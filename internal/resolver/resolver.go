// Package resolver computes distribution plans for revenue events.
package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mmynk/royalties/internal/audit"
	"github.com/mmynk/royalties/internal/calculator"
	"github.com/mmynk/royalties/internal/metrics"
	"github.com/mmynk/royalties/internal/models"
	"github.com/mmynk/royalties/internal/storage"
)

// AgreementSource finds the agreement version governing an instant.
type AgreementSource interface {
	ResolveActiveAgreement(ctx context.Context, workID string, ts time.Time) (*models.SplitAgreement, error)
}

// Resolver turns events into persisted distribution plans.
type Resolver struct {
	plans      storage.PlanStore
	agreements AgreementSource
	ledger     *audit.Ledger
	feeBps     int64
	now        func() time.Time
}

// New creates a Resolver charging feeBps basis points of every event's
// gross as platform fee.
func New(plans storage.PlanStore, agreements AgreementSource, ledger *audit.Ledger, feeBps int64) *Resolver {
	return &Resolver{
		plans:      plans,
		agreements: agreements,
		ledger:     ledger,
		feeBps:     feeBps,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Resolve returns the plan of event under the agreement governing its
// reporting time. The plan is stored once; resolving again under the same
// version returns the stored plan. Registry errors such as
// models.ErrNoActiveAgreement and models.ErrAgreementDisputed pass through.
func (r *Resolver) Resolve(ctx context.Context, event *models.RevenueEvent) (*models.DistributionPlan, error) {
	agreement, err := r.agreements.ResolveActiveAgreement(ctx, event.WorkID, event.ReportedAt)
	if err != nil {
		return nil, err
	}

	plan, err := Compute(event, agreement, r.feeBps)
	if err != nil {
		return nil, err
	}
	plan.ComputedAt = r.now()

	stored, created, err := r.plans.CreatePlan(ctx, plan)
	if err != nil {
		return nil, fmt.Errorf("failed to store plan %s: %w", plan.ID, err)
	}
	if !created {
		slog.Debug("Plan already computed", "plan_id", stored.ID)
		return stored, nil
	}

	metrics.PlansComputed.Inc()
	if _, err := r.ledger.Record(ctx, models.LedgerEntry{
		WorkID:           stored.WorkID,
		Kind:             models.EntryPlanComputed,
		EventFingerprint: stored.EventFingerprint,
		PlanID:           stored.ID,
		AgreementVersion: stored.AgreementVersion,
		Amount:           stored.Distributable,
		Currency:         stored.Currency,
		Detail:           fmt.Sprintf("gross %d fee %d", stored.Gross, stored.PlatformFee),
	}); err != nil {
		return nil, err
	}

	slog.Info("Plan computed",
		"plan_id", stored.ID,
		"work_id", stored.WorkID,
		"version", stored.AgreementVersion,
		"distributable", stored.Distributable,
		"payees", len(stored.Lines),
	)
	return stored, nil
}

// Compute builds the plan of event under agreement without storing it.
// The result depends only on its arguments; ComputedAt is left zero.
func Compute(event *models.RevenueEvent, agreement *models.SplitAgreement, feeBps int64) (*models.DistributionPlan, error) {
	if agreement.WorkID != event.WorkID {
		return nil, fmt.Errorf("agreement of %s cannot resolve event of %s: %w", agreement.WorkID, event.WorkID, models.ErrConflict)
	}
	fee, err := calculator.PlatformFee(event.Gross, feeBps)
	if err != nil {
		return nil, err
	}
	distributable := event.Gross - fee

	lines, err := calculator.Distribute(distributable, agreement.Splits)
	if err != nil {
		return nil, fmt.Errorf("agreement %s/v%d: %v: %w", agreement.WorkID, agreement.Version, err, models.ErrInvalidSplit)
	}

	plan := &models.DistributionPlan{
		ID:               models.PlanID(event.Fingerprint, agreement.Version),
		EventFingerprint: event.Fingerprint,
		WorkID:           event.WorkID,
		AgreementVersion: agreement.Version,
		Currency:         event.Currency,
		Gross:            event.Gross,
		PlatformFee:      fee,
		Distributable:    distributable,
		Lines:            lines,
	}
	calculator.VerifyConservation(plan)
	return plan, nil
}
