package registry

import (
	"context"
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

var (
	jan = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	feb = time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	mar = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
)

func newRegistry(t *testing.T) (*Registry, *audit.Ledger) {
	t.Helper()
	dir := t.TempDir()
	store, err := sqlite.New(filepath.Join(dir, "royalties.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	auditStore, err := bolt.Open(filepath.Join(dir, "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { auditStore.Close() })

	ledger := audit.New(auditStore)
	r := New(store, ledger)
	require.NoError(t, r.RegisterWork(context.Background(), &models.Work{ID: "W1"}))
	return r, ledger
}

func splits(kv ...string) []models.Split {
	var out []models.Split
	for i := 0; i < len(kv); i += 2 {
		out = append(out, models.Split{PayeeID: kv[i], Share: money.MustShare(kv[i+1])})
	}
	return out
}

func register(t *testing.T, r *Registry, from time.Time, kv ...string) *models.SplitAgreement {
	t.Helper()
	a, err := r.RegisterAgreement(context.Background(), "W1", splits(kv...), from)
	require.NoError(t, err)
	return a
}

func activate(t *testing.T, r *Registry, version int64) {
	t.Helper()
	_, err := r.ActivateAgreement(context.Background(), "W1", version)
	require.NoError(t, err)
}

func TestValidateSplits(t *testing.T) {
	tests := []struct {
		name    string
		splits  []models.Split
		wantErr bool
	}{
		{"valid", splits("A", "0.6", "B", "0.4"), false},
		{"thirds within tolerance", splits("A", "0.333333333", "B", "0.333333333", "C", "0.333333333"), false},
		{"empty", nil, true},
		{"sum below one", splits("A", "0.5", "B", "0.4"), true},
		{"sum above one", splits("A", "0.7", "B", "0.4"), true},
		{"zero share", []models.Split{{PayeeID: "A", Share: money.One}, {PayeeID: "B", Share: 0}}, true},
		{"duplicate payee", splits("A", "0.5", "A", "0.5"), true},
		{"missing payee", []models.Split{{PayeeID: " ", Share: money.One}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSplits(tt.splits, DefaultTolerance)
			if tt.wantErr {
				assert.ErrorIs(t, err, models.ErrInvalidSplit)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRegisterAgreement(t *testing.T) {
	r, _ := newRegistry(t)
	ctx := context.Background()

	t.Run("creates draft versions", func(t *testing.T) {
		a := register(t, r, jan, "A", "0.6", "B", "0.4")
		assert.Equal(t, int64(1), a.Version)
		assert.Equal(t, models.AgreementDraft, a.Status)
		b := register(t, r, feb, "A", "1")
		assert.Equal(t, int64(2), b.Version)
	})

	t.Run("unknown work", func(t *testing.T) {
		_, err := r.RegisterAgreement(ctx, "nope", splits("A", "1"), jan)
		assert.ErrorIs(t, err, models.ErrUnknownWork)
	})

	t.Run("invalid split", func(t *testing.T) {
		_, err := r.RegisterAgreement(ctx, "W1", splits("A", "0.5"), jan)
		assert.ErrorIs(t, err, models.ErrInvalidSplit)
	})

	t.Run("duplicate work", func(t *testing.T) {
		err := r.RegisterWork(ctx, &models.Work{ID: "W1"})
		assert.ErrorIs(t, err, models.ErrConflict)
	})
}

func TestActivateAndResolve(t *testing.T) {
	r, ledger := newRegistry(t)
	ctx := context.Background()

	_, err := r.ResolveActiveAgreement(ctx, "W1", jan)
	assert.ErrorIs(t, err, models.ErrNoActiveAgreement)

	register(t, r, jan, "A", "0.6", "B", "0.4")
	register(t, r, mar, "A", "0.5", "B", "0.5")
	activate(t, r, 1)
	activate(t, r, 2)

	v1, err := r.GetAgreement(ctx, "W1", 1)
	require.NoError(t, err)
	assert.Equal(t, models.AgreementSuperseded, v1.Status)
	require.NotNil(t, v1.ValidTo)
	assert.True(t, v1.ValidTo.Equal(mar))

	t.Run("temporal correctness", func(t *testing.T) {
		got, err := r.ResolveActiveAgreement(ctx, "W1", feb)
		require.NoError(t, err)
		assert.Equal(t, int64(1), got.Version)

		got, err = r.ResolveActiveAgreement(ctx, "W1", mar)
		require.NoError(t, err)
		assert.Equal(t, int64(2), got.Version)

		_, err = r.ResolveActiveAgreement(ctx, "W1", jan.Add(-time.Nanosecond))
		assert.ErrorIs(t, err, models.ErrNoActiveAgreement)
	})

	t.Run("activation cannot cover governed instants", func(t *testing.T) {
		v3 := register(t, r, feb, "A", "1")
		_, err := r.ActivateAgreement(ctx, "W1", v3.Version)
		assert.ErrorIs(t, err, models.ErrConflict)

		same := register(t, r, mar, "B", "1")
		_, err = r.ActivateAgreement(ctx, "W1", same.Version)
		assert.ErrorIs(t, err, models.ErrConflict)
	})

	t.Run("activating a non-draft conflicts", func(t *testing.T) {
		_, err := r.ActivateAgreement(ctx, "W1", 2)
		assert.ErrorIs(t, err, models.ErrConflict)
	})

	t.Run("at most one active version", func(t *testing.T) {
		all, err := r.ListAgreements(ctx, "W1")
		require.NoError(t, err)
		active := 0
		for _, a := range all {
			if a.Status == models.AgreementActive {
				active++
			}
		}
		assert.Equal(t, 1, active)
	})

	t.Run("mutations are audited", func(t *testing.T) {
		entries, err := ledger.Find(ctx, audit.Query{WorkID: "W1"})
		require.NoError(t, err)
		var kinds []models.EntryKind
		for _, e := range entries {
			kinds = append(kinds, e.Kind)
		}
		assert.Equal(t, []models.EntryKind{
			models.EntryAgreementRegistered,
			models.EntryAgreementRegistered,
			models.EntryAgreementActivated,
			models.EntryAgreementActivated,
			models.EntryAgreementRegistered,
			models.EntryAgreementRegistered,
		}, kinds)
	})
}

func TestDisputeLifecycle(t *testing.T) {
	r, _ := newRegistry(t)
	ctx := context.Background()
	require.NoError(t, r.RegisterWork(ctx, &models.Work{ID: "W2"}))
	_, err := r.RegisterAgreement(ctx, "W2", splits("C", "1"), jan)
	require.NoError(t, err)
	_, err = r.ActivateAgreement(ctx, "W2", 1)
	require.NoError(t, err)

	register(t, r, jan, "A", "0.6", "B", "0.4")
	activate(t, r, 1)

	_, err = r.DisputeAgreement(ctx, "W1", 1)
	require.NoError(t, err)

	t.Run("dispute blocks resolution of the work only", func(t *testing.T) {
		_, err := r.ResolveActiveAgreement(ctx, "W1", feb)
		assert.ErrorIs(t, err, models.ErrAgreementDisputed)

		other, err := r.ResolveActiveAgreement(ctx, "W2", feb)
		require.NoError(t, err)
		assert.Equal(t, "C", other.Splits[0].PayeeID)
	})

	t.Run("second dispute conflicts", func(t *testing.T) {
		_, err := r.DisputeAgreement(ctx, "W1", 1)
		assert.ErrorIs(t, err, models.ErrConflict)
	})

	t.Run("activation blocked while disputed", func(t *testing.T) {
		d := register(t, r, mar, "A", "1")
		_, err := r.ActivateAgreement(ctx, "W1", d.Version)
		assert.ErrorIs(t, err, models.ErrAgreementDisputed)
	})

	t.Run("replace with corrected version", func(t *testing.T) {
		corrected := register(t, r, mar, "A", "0.5", "B", "0.5")
		got, err := r.ReplaceDisputed(ctx, "W1", corrected.Version)
		require.NoError(t, err)
		assert.Equal(t, models.AgreementActive, got.Status)
		assert.True(t, got.ValidFrom.Equal(jan), "corrected version inherits the disputed interval")

		resolved, err := r.ResolveActiveAgreement(ctx, "W1", feb)
		require.NoError(t, err)
		assert.Equal(t, corrected.Version, resolved.Version)

		again, err := r.ReplaceDisputed(ctx, "W1", corrected.Version)
		require.NoError(t, err)
		assert.Equal(t, corrected.Version, again.Version)

		disputed, err := r.IsDisputed(ctx, "W1")
		require.NoError(t, err)
		assert.False(t, disputed)
	})
}

func TestReplaceBoundedDisputedVersion(t *testing.T) {
	r, _ := newRegistry(t)
	ctx := context.Background()

	register(t, r, jan, "A", "0.6", "B", "0.4")
	register(t, r, mar, "A", "0.5", "B", "0.5")
	activate(t, r, 1)
	activate(t, r, 2)

	_, err := r.DisputeAgreement(ctx, "W1", 1)
	require.NoError(t, err)
	corrected := register(t, r, jan, "A", "0.7", "B", "0.3")
	got, err := r.ReplaceDisputed(ctx, "W1", corrected.Version)
	require.NoError(t, err)
	assert.Equal(t, models.AgreementSuperseded, got.Status)
	require.NotNil(t, got.ValidTo)
	assert.True(t, got.ValidTo.Equal(mar))

	atFeb, err := r.ResolveActiveAgreement(ctx, "W1", feb)
	require.NoError(t, err)
	assert.Equal(t, corrected.Version, atFeb.Version)

	atMar, err := r.ResolveActiveAgreement(ctx, "W1", mar)
	require.NoError(t, err)
	assert.Equal(t, int64(2), atMar.Version)
}
