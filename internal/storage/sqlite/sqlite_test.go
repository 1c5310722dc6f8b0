package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmynk/royalties/internal/models"
	"github.com/mmynk/royalties/internal/money"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err, "Failed to create store")
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStore(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, store.CreateWork(ctx, &models.Work{ID: "W1", MetadataRef: "isrc:US-XYZ"}))

	t.Run("CreateWork rejects duplicates", func(t *testing.T) {
		err := store.CreateWork(ctx, &models.Work{ID: "W1"})
		assert.ErrorIs(t, err, models.ErrConflict)
	})

	t.Run("GetWork returns not found", func(t *testing.T) {
		_, err := store.GetWork(ctx, "missing")
		assert.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("CreateAgreement assigns increasing versions", func(t *testing.T) {
		for want := int64(1); want <= 2; want++ {
			a := &models.SplitAgreement{
				WorkID:    "W1",
				Status:    models.AgreementDraft,
				ValidFrom: start,
				Splits: []models.Split{
					{PayeeID: "B", Share: money.MustShare("0.4")},
					{PayeeID: "A", Share: money.MustShare("0.6")},
				},
			}
			require.NoError(t, store.CreateAgreement(ctx, a))
			assert.Equal(t, want, a.Version)
		}

		got, err := store.GetAgreement(ctx, "W1", 2)
		require.NoError(t, err)
		require.Len(t, got.Splits, 2)
		assert.Equal(t, "B", got.Splits[0].PayeeID, "splits keep their order")
		assert.Equal(t, money.MustShare("0.6"), got.Splits[1].Share)
		assert.True(t, got.ValidFrom.Equal(start))
		assert.Nil(t, got.ValidTo)
	})

	t.Run("UpdateAgreements writes status and bounds", func(t *testing.T) {
		a, err := store.GetAgreement(ctx, "W1", 1)
		require.NoError(t, err)
		end := start.Add(24 * time.Hour)
		a.Status = models.AgreementSuperseded
		a.ValidTo = &end
		require.NoError(t, store.UpdateAgreements(ctx, a))

		list, err := store.ListAgreements(ctx, "W1")
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, models.AgreementSuperseded, list[0].Status)
		require.NotNil(t, list[0].ValidTo)
		assert.True(t, list[0].ValidTo.Equal(end))
		assert.Len(t, list[1].Splits, 2)
	})

	event := &models.RevenueEvent{
		Fingerprint: "fp-1", SourceID: "dsp", ExternalRef: "r1", WorkID: "W1",
		Gross: 100, Currency: "USD", Period: "2024-05", ReportedAt: start.Add(time.Hour),
	}

	t.Run("CreateEvent is idempotent on fingerprint", func(t *testing.T) {
		stored, created, err := store.CreateEvent(ctx, event)
		require.NoError(t, err)
		require.True(t, created)

		dup := *event
		dup.Gross = 999
		again, created, err := store.CreateEvent(ctx, &dup)
		require.NoError(t, err)
		assert.False(t, created, "duplicate event should not be created")
		assert.Equal(t, stored.Gross, again.Gross, "stored event comes back")
	})

	plan := &models.DistributionPlan{
		ID: models.PlanID("fp-1", 2), EventFingerprint: "fp-1", WorkID: "W1", AgreementVersion: 2,
		Currency: "USD", Gross: 100, Distributable: 100,
		Lines: []models.PlanLine{{PayeeID: "B", Amount: 40}, {PayeeID: "A", Amount: 60}},
	}

	t.Run("CreatePlan stores lines and keeps the first plan", func(t *testing.T) {
		_, created, err := store.CreatePlan(ctx, plan)
		require.NoError(t, err)
		require.True(t, created)
		_, created, err = store.CreatePlan(ctx, plan)
		require.NoError(t, err)
		assert.False(t, created)

		plans, err := store.ListPlansByEvent(ctx, "fp-1")
		require.NoError(t, err)
		require.Len(t, plans, 1)
		require.Len(t, plans[0].Lines, 2)
		assert.Equal(t, int64(60), plans[0].Lines[1].Amount)
	})

	t.Run("Instructions are unique per event and payee", func(t *testing.T) {
		in := &models.PayoutInstruction{
			PlanID: plan.ID, EventFingerprint: "fp-1", WorkID: "W1", PayeeID: "A",
			Amount: 60, Currency: "USD", Status: models.InstructionPending,
		}
		require.NoError(t, store.CreateInstruction(ctx, in))
		dup := *in
		dup.ID = ""
		assert.ErrorIs(t, store.CreateInstruction(ctx, &dup), models.ErrConflict)

		in.Status = models.InstructionFailed
		in.Attempts = 1
		in.NextAttempt = start
		in.TransactionID = "tx-1"
		require.NoError(t, store.UpdateInstruction(ctx, in))

		byTx, err := store.GetInstructionByTransaction(ctx, "tx-1")
		require.NoError(t, err)
		assert.Equal(t, in.ID, byTx.ID)

		due, err := store.ListRetryable(ctx, start.Add(time.Second), 10)
		require.NoError(t, err)
		require.Len(t, due, 1)
		assert.Equal(t, in.ID, due[0].ID)

		in.Permanent = true
		require.NoError(t, store.UpdateInstruction(ctx, in))
		due, err = store.ListRetryable(ctx, start.Add(time.Second), 10)
		require.NoError(t, err)
		assert.Empty(t, due, "permanent failures are not retried automatically")
	})

	t.Run("Finality notices are taken once", func(t *testing.T) {
		_, err := store.TakeFinalityNotice(ctx, "tx-9")
		assert.ErrorIs(t, err, models.ErrNotFound)

		require.NoError(t, store.SaveFinalityNotice(ctx, &models.FinalityNotice{
			TransactionID: "tx-9", Outcome: models.TransferRejected, Reason: "account closed",
		}))
		require.NoError(t, store.SaveFinalityNotice(ctx, &models.FinalityNotice{
			TransactionID: "tx-9", Outcome: models.TransferFinalized, ReceivedAt: start,
		}))

		n, err := store.TakeFinalityNotice(ctx, "tx-9")
		require.NoError(t, err)
		assert.Equal(t, models.TransferFinalized, n.Outcome, "later notice replaces the earlier one")
		assert.Empty(t, n.Reason)
		assert.True(t, n.ReceivedAt.Equal(start))

		_, err = store.TakeFinalityNotice(ctx, "tx-9")
		assert.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("Escrow holdings are ordered and idempotent", func(t *testing.T) {
		acct := &models.EscrowAccount{WorkID: "W1", Reason: models.EscrowDisputed, State: models.EscrowStateHolding}
		require.NoError(t, store.CreateEscrowAccount(ctx, acct))
		require.NoError(t, store.AddHolding(ctx, acct.ID, models.EscrowHolding{Ref: "late", Amount: 5, Currency: "USD", ReportedAt: start.Add(2 * time.Hour)}))
		require.NoError(t, store.AddHolding(ctx, acct.ID, models.EscrowHolding{Ref: "early", Amount: 7, Currency: "USD", ReportedAt: start}))
		require.NoError(t, store.AddHolding(ctx, acct.ID, models.EscrowHolding{Ref: "early", Amount: 700, Currency: "USD", ReportedAt: start}))

		open, err := store.FindOpenEscrowAccount(ctx, "W1", models.EscrowDisputed)
		require.NoError(t, err)
		require.Len(t, open.Holdings, 2)
		assert.Equal(t, "early", open.Holdings[0].Ref)
		assert.Equal(t, int64(12), open.Held()["USD"])

		require.NoError(t, store.RemoveHolding(ctx, acct.ID, "early"))
		now := time.Now().UTC()
		open.State = models.EscrowStateReleased
		open.ReleasedAt = &now
		require.NoError(t, store.UpdateEscrowAccount(ctx, open))

		_, err = store.FindOpenEscrowAccount(ctx, "W1", models.EscrowDisputed)
		assert.ErrorIs(t, err, models.ErrNotFound, "released account is not open")

		all, err := store.ListEscrowAccounts(ctx, "W1")
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.Len(t, all[0].Holdings, 1)
	})
}
