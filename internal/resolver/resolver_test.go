package resolver

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmynk/royalties/internal/audit"
	"github.com/mmynk/royalties/internal/models"
	"github.com/mmynk/royalties/internal/money"
	"github.com/mmynk/royalties/internal/storage/bolt"
	"github.com/mmynk/royalties/internal/storage/sqlite"
)

type fixedAgreements struct {
	agreement *models.SplitAgreement
	err       error
	calls     int
}

func (f *fixedAgreements) ResolveActiveAgreement(ctx context.Context, workID string, ts time.Time) (*models.SplitAgreement, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.agreement, nil
}

func setup(t *testing.T, source AgreementSource, feeBps int64) (*Resolver, *audit.Ledger) {
	t.Helper()
	dir := t.TempDir()
	store, err := sqlite.New(filepath.Join(dir, "royalties.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	auditStore, err := bolt.Open(filepath.Join(dir, "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { auditStore.Close() })

	ctx := context.Background()
	require.NoError(t, store.CreateWork(ctx, &models.Work{ID: "W1"}))
	_, _, err = store.CreateEvent(ctx, event(100))
	require.NoError(t, err)

	ledger := audit.New(auditStore)
	return New(store, source, ledger, feeBps), ledger
}

func event(gross int64) *models.RevenueEvent {
	return &models.RevenueEvent{
		Fingerprint: fmt.Sprintf("fp-%d", gross),
		SourceID:    "dsp",
		ExternalRef: "E1",
		WorkID:      "W1",
		Gross:       gross,
		Currency:    "USD",
		Period:      "2024-05",
		ReportedAt:  time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
	}
}

func agreement(version int64, kv ...string) *models.SplitAgreement {
	a := &models.SplitAgreement{WorkID: "W1", Version: version, Status: models.AgreementActive}
	for i := 0; i < len(kv); i += 2 {
		a.Splits = append(a.Splits, models.Split{PayeeID: kv[i], Share: money.MustShare(kv[i+1])})
	}
	return a
}

func TestResolveExampleScenario(t *testing.T) {
	source := &fixedAgreements{agreement: agreement(1, "A", "0.6", "B", "0.4")}
	r, ledger := setup(t, source, 0)
	ctx := context.Background()

	plan, err := r.Resolve(ctx, event(100))
	require.NoError(t, err)
	assert.Equal(t, "fp-100/v1", plan.ID)
	assert.Equal(t, []models.PlanLine{{PayeeID: "A", Amount: 60}, {PayeeID: "B", Amount: 40}}, plan.Lines)

	again, err := r.Resolve(ctx, event(100))
	require.NoError(t, err)
	assert.Equal(t, plan.Lines, again.Lines)
	assert.True(t, plan.ComputedAt.Equal(again.ComputedAt), "second resolve returns the stored plan")

	entries, err := ledger.Find(ctx, audit.Query{EventFingerprint: "fp-100"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.EntryPlanComputed, entries[0].Kind)
	assert.Equal(t, plan.ID, entries[0].PlanID)
}

func TestResolvePassesRegistryErrors(t *testing.T) {
	for _, want := range []error{models.ErrNoActiveAgreement, models.ErrAgreementDisputed} {
		t.Run(want.Error(), func(t *testing.T) {
			r, _ := setup(t, &fixedAgreements{err: fmt.Errorf("W1: %w", want)}, 0)
			_, err := r.Resolve(context.Background(), event(100))
			assert.ErrorIs(t, err, want)
		})
	}
}

func TestCompute(t *testing.T) {
	tests := []struct {
		name      string
		gross     int64
		feeBps    int64
		agreement *models.SplitAgreement
		wantFee   int64
		wantLines []int64
	}{
		{"thirds over odd amount", 101, 0, agreement(1, "A", "0.333333333", "B", "0.333333333", "C", "0.333333334"), 0, []int64{34, 33, 34}},
		{"platform fee", 1000, 250, agreement(1, "A", "0.5", "B", "0.5"), 25, []int64{488, 487}},
		{"single payee", 7, 0, agreement(2, "A", "1"), 0, []int64{7}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := Compute(event(tt.gross), tt.agreement, tt.feeBps)
			require.NoError(t, err)
			assert.Equal(t, tt.wantFee, plan.PlatformFee)
			var got []int64
			for _, l := range plan.Lines {
				got = append(got, l.Amount)
			}
			assert.Equal(t, tt.wantLines, got)
			assert.Equal(t, plan.Distributable, plan.Sum())
		})
	}
}

func TestComputeIsDeterministic(t *testing.T) {
	a := agreement(3, "C", "0.2", "A", "0.3", "B", "0.5")
	first, err := Compute(event(997), a, 125)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := Compute(event(997), a, 125)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestComputeRejectsForeignAgreement(t *testing.T) {
	a := agreement(1, "A", "1")
	a.WorkID = "W2"
	_, err := Compute(event(10), a, 0)
	assert.ErrorIs(t, err, models.ErrConflict)
}
