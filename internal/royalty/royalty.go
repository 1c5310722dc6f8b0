// Package royalty wires ingest, resolution, settlement and escrow into the
// revenue pipeline:
//
//	report -> ingest -> resolve (registry) -> settle -> substrate
//	                       \-> escrow while the work is disputed
package royalty

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mmynk/royalties/internal/audit"
	"github.com/mmynk/royalties/internal/escrow"
	"github.com/mmynk/royalties/internal/ingest"
	"github.com/mmynk/royalties/internal/models"
	"github.com/mmynk/royalties/internal/resolver"
	"github.com/mmynk/royalties/internal/settlement"
	"github.com/mmynk/royalties/internal/storage"
)

// Outcome says how far a revenue event got through the pipeline.
type Outcome string

const (
	// OutcomeSettled means instructions were submitted or already existed.
	OutcomeSettled Outcome = "settled"

	// OutcomeDeferred means instructions exist but submission waits for a
	// dispute to be resolved.
	OutcomeDeferred Outcome = "deferred"

	// OutcomeEscrowed means the gross is held until the work's dispute is
	// resolved.
	OutcomeEscrowed Outcome = "escrowed"

	// OutcomeUnresolved means no agreement covers the reporting time. The
	// event is kept and can be reprocessed once one is activated.
	OutcomeUnresolved Outcome = "unresolved"
)

// maxDisputeRaces bounds how often processing retries when a dispute is
// resolved between resolution and holding.
const maxDisputeRaces = 3

// Receipt is returned to revenue reporters.
type Receipt struct {
	EventID      string                      `json:"event_id"`
	Duplicate    bool                        `json:"duplicate"`
	Outcome      Outcome                     `json:"outcome"`
	PlanID       string                      `json:"plan_id,omitempty"`
	Instructions []*models.PayoutInstruction `json:"instructions,omitempty"`
	Detail       string                      `json:"detail,omitempty"`
}

// Store is the persistence the pipeline reads directly.
type Store interface {
	storage.EventStore
	GetPlan(ctx context.Context, planID string) (*models.DistributionPlan, error)
}

// Service runs revenue events through the pipeline.
type Service struct {
	events   Store
	ingest   *ingest.Ingestor
	resolver *resolver.Resolver
	engine   *settlement.Engine
	escrow   *escrow.Manager
	audit    *audit.Ledger
}

// Ensure Service replays held events for the escrow manager
var _ escrow.Replayer = (*Service)(nil)

// New creates a Service and registers it as the escrow manager's replayer.
func New(events Store, ing *ingest.Ingestor, res *resolver.Resolver, engine *settlement.Engine, esc *escrow.Manager, auditLedger *audit.Ledger) *Service {
	s := &Service{
		events:   events,
		ingest:   ing,
		resolver: res,
		engine:   engine,
		escrow:   esc,
		audit:    auditLedger,
	}
	esc.SetReplayer(s)
	esc.SetReverser(engine)
	return s
}

// Report accepts a revenue report and drives it as far as it can go.
// Re-reporting an event is safe: every stage is idempotent, so a duplicate
// picks up wherever an earlier attempt stopped.
func (s *Service) Report(ctx context.Context, report models.RevenueReport) (*Receipt, error) {
	event, created, err := s.ingest.Accept(ctx, report)
	if err != nil {
		return nil, err
	}
	receipt, err := s.process(ctx, event)
	if err != nil {
		return nil, err
	}
	receipt.Duplicate = !created
	return receipt, nil
}

// Reprocess runs a stored event through the pipeline again, e.g. after an
// agreement covering its reporting time was activated.
func (s *Service) Reprocess(ctx context.Context, fingerprint string) (*Receipt, error) {
	event, err := s.events.GetEvent(ctx, fingerprint)
	if err != nil {
		return nil, err
	}
	return s.process(ctx, event)
}

// Replay resolves and settles a held event. Errors are returned as is so
// the escrow manager can tell uncovered events from failures. A held event
// that meanwhile got instructions keeps them and is only released.
func (s *Service) Replay(ctx context.Context, event *models.RevenueEvent) error {
	if _, ok, err := s.resume(ctx, event); err != nil || ok {
		return err
	}
	plan, err := s.resolver.Resolve(ctx, event)
	if err != nil {
		return err
	}
	_, err = s.engine.Settle(ctx, plan)
	return err
}

func (s *Service) process(ctx context.Context, event *models.RevenueEvent) (*Receipt, error) {
	receipt := &Receipt{EventID: event.Fingerprint}

	for i := 0; i < maxDisputeRaces; i++ {
		if existing, ok, err := s.resume(ctx, event); err != nil {
			return nil, err
		} else if ok {
			return existing, nil
		}

		plan, err := s.resolver.Resolve(ctx, event)
		switch {
		case errors.Is(err, models.ErrAgreementDisputed):
			held, err := s.escrow.HoldEvent(ctx, event)
			if err != nil {
				return nil, err
			}
			if !held {
				continue
			}
			receipt.Outcome = OutcomeEscrowed
			return receipt, nil

		case errors.Is(err, models.ErrNoActiveAgreement):
			if _, err := s.audit.Record(ctx, models.LedgerEntry{
				WorkID:           event.WorkID,
				Kind:             models.EntryEventUnresolved,
				EventFingerprint: event.Fingerprint,
				Amount:           event.Gross,
				Currency:         event.Currency,
				Detail:           err.Error(),
			}); err != nil {
				return nil, err
			}
			slog.Warn("Revenue event unresolved", "fingerprint", event.Fingerprint, "work_id", event.WorkID)
			receipt.Outcome = OutcomeUnresolved
			receipt.Detail = err.Error()
			return receipt, nil

		case err != nil:
			return nil, err
		}

		ins, err := s.engine.Settle(ctx, plan)
		if err != nil {
			return nil, err
		}
		return settledReceipt(event, plan.ID, ins), nil
	}
	return nil, fmt.Errorf("event %s: dispute state kept changing: %w", event.Fingerprint, models.ErrConflict)
}

// resume settles an event that already has instructions under the plan
// they were created from, whatever agreement governs the work now. It
// reports false if the event has none yet.
func (s *Service) resume(ctx context.Context, event *models.RevenueEvent) (*Receipt, bool, error) {
	existing, err := s.engine.ListInstructions(ctx, event.Fingerprint)
	if err != nil || len(existing) == 0 {
		return nil, false, err
	}
	plan, err := s.events.GetPlan(ctx, existing[0].PlanID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load plan %s: %w", existing[0].PlanID, err)
	}
	ins, err := s.engine.Settle(ctx, plan)
	if err != nil {
		return nil, false, err
	}
	return settledReceipt(event, plan.ID, ins), true, nil
}

func settledReceipt(event *models.RevenueEvent, planID string, ins []*models.PayoutInstruction) *Receipt {
	receipt := &Receipt{
		EventID:      event.Fingerprint,
		Outcome:      OutcomeSettled,
		PlanID:       planID,
		Instructions: ins,
	}
	for _, in := range ins {
		if in.Status == models.InstructionPending {
			receipt.Outcome = OutcomeDeferred
			break
		}
	}
	return receipt
}
