package royalty

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmynk/royalties/internal/audit"
	"github.com/mmynk/royalties/internal/escrow"
	"github.com/mmynk/royalties/internal/ingest"
	"github.com/mmynk/royalties/internal/models"
	"github.com/mmynk/royalties/internal/money"
	"github.com/mmynk/royalties/internal/registry"
	"github.com/mmynk/royalties/internal/resolver"
	"github.com/mmynk/royalties/internal/settlement"
	"github.com/mmynk/royalties/internal/storage/bolt"
	"github.com/mmynk/royalties/internal/storage/sqlite"
	"github.com/mmynk/royalties/internal/substrate"
)

var (
	jan  = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	mar  = time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	june = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	july = time.Date(2024, 7, 10, 0, 0, 0, 0, time.UTC)
)

type pipeline struct {
	service  *Service
	registry *registry.Registry
	engine   *settlement.Engine
	escrow   *escrow.Manager
	sim      *substrate.Simulated
	audit    *audit.Ledger
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	dir := t.TempDir()
	store, err := sqlite.New(filepath.Join(dir, "royalties.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	auditStore, err := bolt.Open(filepath.Join(dir, "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { auditStore.Close() })

	ledger := audit.New(auditStore)
	reg := registry.New(store, ledger)
	esc := escrow.NewManager(store, reg, ledger)
	sim := substrate.NewSimulated(0)
	engine := settlement.NewEngine(store, sim, esc, ledger, settlement.Config{})
	sim.SetListener(engine)

	p := &pipeline{
		service: New(store,
			ingest.New(store, reg, ledger),
			resolver.New(store, reg, ledger, 0),
			engine, esc, ledger),
		registry: reg,
		engine:   engine,
		escrow:   esc,
		sim:      sim,
		audit:    ledger,
	}
	return p
}

func (p *pipeline) work(t *testing.T, id string) {
	t.Helper()
	require.NoError(t, p.registry.RegisterWork(context.Background(), &models.Work{ID: id}))
}

func (p *pipeline) agreement(t *testing.T, workID string, from time.Time, activate bool, shares ...string) int64 {
	t.Helper()
	ctx := context.Background()
	var splits []models.Split
	for i := 0; i < len(shares); i += 2 {
		splits = append(splits, models.Split{PayeeID: shares[i], Share: money.MustShare(shares[i+1])})
	}
	a, err := p.registry.RegisterAgreement(ctx, workID, splits, from)
	require.NoError(t, err)
	if activate {
		_, err = p.registry.ActivateAgreement(ctx, workID, a.Version)
		require.NoError(t, err)
	}
	return a.Version
}

func report(workID, ref, amount string, at time.Time) models.RevenueReport {
	return models.RevenueReport{
		SourceID:    "dsp",
		ExternalRef: ref,
		WorkID:      workID,
		Amount:      amount,
		Currency:    "usd",
		Period:      at.Format("2006-01"),
		ReportedAt:  at,
	}
}

func amounts(ins []*models.PayoutInstruction) map[string]int64 {
	out := make(map[string]int64, len(ins))
	for _, in := range ins {
		out[in.PayeeID] = in.Amount
	}
	return out
}

func TestReportSettlesAndConfirms(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	p.work(t, "W1")
	p.agreement(t, "W1", jan, true, "A", "0.6", "B", "0.4")

	receipt, err := p.service.Report(ctx, report("W1", "r1", "1.00", mar))
	require.NoError(t, err)
	assert.False(t, receipt.Duplicate)
	assert.Equal(t, OutcomeSettled, receipt.Outcome)
	assert.Equal(t, models.PlanID(receipt.EventID, 1), receipt.PlanID)
	assert.Equal(t, map[string]int64{"A": 60, "B": 40}, amounts(receipt.Instructions))

	again, err := p.service.Report(ctx, report("W1", "r1", "1.00", mar))
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, receipt.EventID, again.EventID)
	assert.Equal(t, receipt.PlanID, again.PlanID)
	assert.Equal(t, 1, p.sim.Submissions(receipt.EventID+":A"))
	assert.Equal(t, 1, p.sim.Submissions(receipt.EventID+":B"))

	require.NoError(t, p.sim.FinalizeAll(ctx))
	ins, err := p.engine.ListInstructions(ctx, receipt.EventID)
	require.NoError(t, err)
	require.Len(t, ins, 2)
	for _, in := range ins {
		assert.Equal(t, models.InstructionConfirmed, in.Status)
	}

	accounts, err := p.escrow.GetAccounts(ctx, "W1")
	require.NoError(t, err)
	for _, acct := range accounts {
		assert.Empty(t, acct.Holdings, "finality holds are released on confirmation")
	}

	entries, err := p.audit.Find(ctx, audit.Query{EventFingerprint: receipt.EventID})
	require.NoError(t, err)
	kinds := make(map[models.EntryKind]int)
	for _, e := range entries {
		kinds[e.Kind]++
	}
	assert.Equal(t, 1, kinds[models.EntryEventAccepted])
	assert.Equal(t, 1, kinds[models.EntryPlanComputed])
	assert.Equal(t, 2, kinds[models.EntryInstructionConfirmed])
}

func TestReportUsesAgreementGoverningReportingTime(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	p.work(t, "W1")
	p.agreement(t, "W1", jan, true, "A", "0.6", "B", "0.4")
	v2 := p.agreement(t, "W1", june, true, "A", "0.5", "B", "0.5")

	before, err := p.service.Report(ctx, report("W1", "r-mar", "1.00", mar))
	require.NoError(t, err)
	assert.Equal(t, models.PlanID(before.EventID, 1), before.PlanID)
	assert.Equal(t, map[string]int64{"A": 60, "B": 40}, amounts(before.Instructions))

	after, err := p.service.Report(ctx, report("W1", "r-jul", "1.00", july))
	require.NoError(t, err)
	assert.Equal(t, models.PlanID(after.EventID, v2), after.PlanID)
	assert.Equal(t, map[string]int64{"A": 50, "B": 50}, amounts(after.Instructions))
}

func TestDisputeHoldsOnlyTheDisputedWork(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	p.work(t, "W1")
	p.work(t, "W2")
	p.agreement(t, "W1", jan, true, "A", "0.6", "B", "0.4")
	p.agreement(t, "W2", jan, true, "C", "1")

	settled, err := p.service.Report(ctx, report("W1", "before", "1.00", mar))
	require.NoError(t, err)
	require.Equal(t, OutcomeSettled, settled.Outcome)

	_, err = p.escrow.OpenDispute(ctx, "W1", 1, "uncredited co-writer")
	require.NoError(t, err)

	held, err := p.service.Report(ctx, report("W1", "during", "2.00", mar))
	require.NoError(t, err)
	assert.Equal(t, OutcomeEscrowed, held.Outcome)
	assert.Empty(t, held.Instructions)

	other, err := p.service.Report(ctx, report("W2", "during", "3.00", mar))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSettled, other.Outcome)
	assert.Equal(t, map[string]int64{"C": 300}, amounts(other.Instructions))

	// Transfers already in flight still finish.
	require.NoError(t, p.sim.FinalizeAll(ctx))
	ins, err := p.engine.ListInstructions(ctx, settled.EventID)
	require.NoError(t, err)
	for _, in := range ins {
		assert.Equal(t, models.InstructionConfirmed, in.Status)
	}

	corrected := p.agreement(t, "W1", jan, false, "A", "0.5", "B", "0.3", "D", "0.2")
	acct, err := p.escrow.ResolveDispute(ctx, "W1", corrected)
	require.NoError(t, err)
	assert.Equal(t, models.EscrowStateReleased, acct.State)

	replayed, err := p.engine.ListInstructions(ctx, held.EventID)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"A": 100, "B": 60, "D": 40}, amounts(replayed))
	for _, in := range replayed {
		assert.Equal(t, models.PlanID(held.EventID, corrected), in.PlanID)
		assert.Equal(t, models.InstructionSubmitted, in.Status)
	}

	again, err := p.service.Reprocess(ctx, settled.EventID)
	require.NoError(t, err)
	assert.Equal(t, settled.PlanID, again.PlanID, "settled events are reconciled, not resettled")
}

func kindsOf(t *testing.T, p *pipeline, fingerprint string) map[models.EntryKind]int {
	t.Helper()
	entries, err := p.audit.Find(context.Background(), audit.Query{EventFingerprint: fingerprint})
	require.NoError(t, err)
	kinds := make(map[models.EntryKind]int)
	for _, e := range entries {
		kinds[e.Kind]++
	}
	return kinds
}

func disputeAccount(t *testing.T, p *pipeline, workID string) *models.EscrowAccount {
	t.Helper()
	accounts, err := p.escrow.GetAccounts(context.Background(), workID)
	require.NoError(t, err)
	for _, acct := range accounts {
		if acct.Reason == models.EscrowDisputed {
			return acct
		}
	}
	require.FailNowf(t, "no dispute account", "work %s", workID)
	return nil
}

func TestDuplicateAfterDisputeKeepsOriginalPlan(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	p.work(t, "W1")
	p.agreement(t, "W1", jan, true, "A", "0.6", "B", "0.4")

	first, err := p.service.Report(ctx, report("W1", "r1", "1.00", mar))
	require.NoError(t, err)
	require.Equal(t, OutcomeSettled, first.Outcome)

	_, err = p.escrow.OpenDispute(ctx, "W1", 1, "wrong split")
	require.NoError(t, err)
	corrected := p.agreement(t, "W1", jan, false, "A", "0.5", "B", "0.5")
	acct, err := p.escrow.ResolveDispute(ctx, "W1", corrected)
	require.NoError(t, err)
	require.Equal(t, models.EscrowStateReleased, acct.State)

	again, err := p.service.Report(ctx, report("W1", "r1", "1.00", mar))
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, OutcomeSettled, again.Outcome)
	assert.Equal(t, models.PlanID(first.EventID, 1), again.PlanID)
	assert.Equal(t, map[string]int64{"A": 60, "B": 40}, amounts(again.Instructions))
	assert.Equal(t, 1, p.sim.Submissions(first.EventID+":A"))

	kinds := kindsOf(t, p, first.EventID)
	assert.Equal(t, 1, kinds[models.EntryPlanComputed], "no plan under the corrected agreement")
}

func TestDuplicateDuringDisputeIsNotEscrowed(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	p.work(t, "W1")
	p.agreement(t, "W1", jan, true, "A", "0.6", "B", "0.4")

	first, err := p.service.Report(ctx, report("W1", "r1", "1.00", mar))
	require.NoError(t, err)
	require.Equal(t, OutcomeSettled, first.Outcome)

	_, err = p.escrow.OpenDispute(ctx, "W1", 1, "wrong split")
	require.NoError(t, err)

	dup, err := p.service.Report(ctx, report("W1", "r1", "1.00", mar))
	require.NoError(t, err)
	assert.True(t, dup.Duplicate)
	assert.Equal(t, OutcomeSettled, dup.Outcome)
	assert.Equal(t, first.PlanID, dup.PlanID)

	held, err := p.service.Report(ctx, report("W1", "r2", "2.00", mar))
	require.NoError(t, err)
	require.Equal(t, OutcomeEscrowed, held.Outcome)

	acct := disputeAccount(t, p, "W1")
	require.Len(t, acct.Holdings, 1)
	assert.Equal(t, held.EventID, acct.Holdings[0].Ref)
	assert.Zero(t, kindsOf(t, p, first.EventID)[models.EntryEscrowHeld])

	corrected := p.agreement(t, "W1", jan, false, "A", "0.5", "B", "0.5")
	resolved, err := p.escrow.ResolveDispute(ctx, "W1", corrected)
	require.NoError(t, err)
	assert.Equal(t, models.EscrowStateReleased, resolved.State)

	replayed, err := p.engine.ListInstructions(ctx, held.EventID)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"A": 100, "B": 100}, amounts(replayed))
	kept, err := p.engine.ListInstructions(ctx, first.EventID)
	require.NoError(t, err)
	for _, in := range kept {
		assert.Equal(t, first.PlanID, in.PlanID)
	}
}

func TestUnresolvedEventCanBeReprocessed(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	p.work(t, "W1")

	receipt, err := p.service.Report(ctx, report("W1", "r1", "1.00", mar))
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnresolved, receipt.Outcome)
	assert.Contains(t, receipt.Detail, models.ErrNoActiveAgreement.Error())
	assert.Empty(t, receipt.Instructions)

	p.agreement(t, "W1", jan, true, "A", "1")
	again, err := p.service.Reprocess(ctx, receipt.EventID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSettled, again.Outcome)
	assert.Equal(t, map[string]int64{"A": 100}, amounts(again.Instructions))
}

func TestReportRejectsMalformedAndUnknown(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	p.work(t, "W1")

	_, err := p.service.Report(ctx, report("W9", "r1", "1.00", mar))
	assert.ErrorIs(t, err, models.ErrUnknownWork)

	_, err = p.service.Report(ctx, report("W1", "r1", "-1.00", mar))
	assert.ErrorIs(t, err, models.ErrMalformedEvent)

	_, err = p.service.Reprocess(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
}
