package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/mmynk/royalties/internal/models"
)

// CreateEvent stores a revenue event unless its fingerprint is already known,
// in which case the stored event is returned untouched.
func (s *SQLiteStore) CreateEvent(ctx context.Context, event *models.RevenueEvent) (*models.RevenueEvent, bool, error) {
	if event.AcceptedAt.IsZero() {
		event.AcceptedAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO revenue_events
		 (fingerprint, source_id, external_ref, work_id, gross, currency, period, reported_at, accepted_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.Fingerprint, event.SourceID, event.ExternalRef, event.WorkID, event.Gross,
		event.Currency, event.Period, toNanos(event.ReportedAt), toNanos(event.AcceptedAt),
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert revenue event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return event, true, nil
	}

	existing, err := s.GetEvent(ctx, event.Fingerprint)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// GetEvent retrieves a revenue event by fingerprint.
func (s *SQLiteStore) GetEvent(ctx context.Context, fingerprint string) (*models.RevenueEvent, error) {
	e := &models.RevenueEvent{}
	var reportedAt, acceptedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT fingerprint, source_id, external_ref, work_id, gross, currency, period, reported_at, accepted_at
		 FROM revenue_events WHERE fingerprint = ?`,
		fingerprint,
	).Scan(&e.Fingerprint, &e.SourceID, &e.ExternalRef, &e.WorkID, &e.Gross,
		&e.Currency, &e.Period, &reportedAt, &acceptedAt)
	if noRows(err) {
		return nil, notFound("revenue event", fingerprint)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get revenue event: %w", err)
	}
	e.ReportedAt = fromNanos(reportedAt)
	e.AcceptedAt = fromNanos(acceptedAt)
	return e, nil
}
