package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmynk/royalties/internal/models"
	"github.com/mmynk/royalties/internal/storage/bolt"
)

func newLedger(t *testing.T) *Ledger {
	t.Helper()
	store, err := bolt.Open(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return New(store)
}

func TestRecordAndFind(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()

	e, err := l.Record(ctx, models.LedgerEntry{WorkID: "W1", Kind: models.EntryEventAccepted, EventFingerprint: "fp"})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), e.Sequence)
	assert.False(t, e.Timestamp.IsZero())

	_, err = l.Record(ctx, models.LedgerEntry{WorkID: "W1", Kind: models.EntryInstructionCreated, EventFingerprint: "fp", PayeeID: "A"})
	require.NoError(t, err)

	byWork, err := l.Find(ctx, Query{WorkID: "W1"})
	require.NoError(t, err)
	assert.Len(t, byWork, 2)

	byEvent, err := l.Find(ctx, Query{EventFingerprint: "fp"})
	require.NoError(t, err)
	assert.Len(t, byEvent, 2)

	byPayee, err := l.Find(ctx, Query{PayeeID: "A"})
	require.NoError(t, err)
	require.Len(t, byPayee, 1)
	assert.Equal(t, models.EntryInstructionCreated, byPayee[0].Kind)
}

func TestFindRejectsAmbiguousQueries(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	now := time.Now()

	tests := []struct {
		name string
		q    Query
	}{
		{"no selector", Query{}},
		{"two selectors", Query{WorkID: "W1", PayeeID: "A"}},
		{"empty range", Query{WorkID: "W1", From: now, To: now}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.Find(ctx, tt.q)
			assert.ErrorIs(t, err, models.ErrInvalidArgument)
		})
	}
}
