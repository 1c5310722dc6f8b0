// Package audit records why every transfer happened.
//
// The ledger is append-only and totally ordered per work by
// (Timestamp, Sequence). It is independent of the settlement substrate's
// own log and is never mutated or deleted.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mmynk/royalties/internal/models"
	"github.com/mmynk/royalties/internal/storage"
)

// Ledger appends and queries audit entries.
type Ledger struct {
	store storage.AuditStore
}

// New returns a Ledger writing to store.
func New(store storage.AuditStore) *Ledger {
	return &Ledger{store: store}
}

// Record appends entry to its work's ledger and returns the stored entry
// with its sequence and timestamp assigned.
func (l *Ledger) Record(ctx context.Context, entry models.LedgerEntry) (*models.LedgerEntry, error) {
	if err := l.store.Append(ctx, &entry); err != nil {
		slog.Error("Audit append failed", "work_id", entry.WorkID, "kind", entry.Kind, "error", err)
		return nil, fmt.Errorf("failed to record %s: %w", entry.Kind, err)
	}
	slog.Debug("Audit entry recorded",
		"work_id", entry.WorkID,
		"sequence", entry.Sequence,
		"kind", entry.Kind,
	)
	return &entry, nil
}

// Query selects entries by work, event or payee. Exactly one of the
// selectors must be set; From and To bound the timestamp as [From, To)
// and are ignored for event queries.
type Query struct {
	WorkID           string
	EventFingerprint string
	PayeeID          string
	From, To         time.Time
}

// Find runs q.
func (l *Ledger) Find(ctx context.Context, q Query) ([]*models.LedgerEntry, error) {
	set := 0
	for _, s := range []string{q.WorkID, q.EventFingerprint, q.PayeeID} {
		if s != "" {
			set++
		}
	}
	if set != 1 {
		return nil, fmt.Errorf("audit query needs exactly one of work, event or payee: %w", models.ErrInvalidArgument)
	}
	if !q.From.IsZero() && !q.To.IsZero() && !q.From.Before(q.To) {
		return nil, fmt.Errorf("audit query range is empty: %w", models.ErrInvalidArgument)
	}

	switch {
	case q.WorkID != "":
		return l.store.ByWork(ctx, q.WorkID, q.From, q.To)
	case q.EventFingerprint != "":
		return l.store.ByEvent(ctx, q.EventFingerprint)
	default:
		return l.store.ByPayee(ctx, q.PayeeID, q.From, q.To)
	}
}
