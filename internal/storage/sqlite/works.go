package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/mmynk/royalties/internal/models"
)

// CreateWork persists a new work.
func (s *SQLiteStore) CreateWork(ctx context.Context, work *models.Work) error {
	if work.CreatedAt.IsZero() {
		work.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO works (id, metadata_ref, created_at) VALUES (?, ?, ?)",
		work.ID, work.MetadataRef, toNanos(work.CreatedAt),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("work %s already registered: %w", work.ID, models.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("failed to insert work: %w", err)
	}
	return nil
}

// GetWork retrieves a work by ID.
func (s *SQLiteStore) GetWork(ctx context.Context, workID string) (*models.Work, error) {
	work := &models.Work{}
	var createdAt int64
	err := s.db.QueryRowContext(ctx,
		"SELECT id, metadata_ref, created_at FROM works WHERE id = ?",
		workID,
	).Scan(&work.ID, &work.MetadataRef, &createdAt)
	if noRows(err) {
		return nil, notFound("work", workID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get work: %w", err)
	}
	work.CreatedAt = fromNanos(createdAt)
	return work, nil
}

// ListWorks retrieves all works ordered by ID.
func (s *SQLiteStore) ListWorks(ctx context.Context) ([]*models.Work, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, metadata_ref, created_at FROM works ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to list works: %w", err)
	}
	defer rows.Close()

	var works []*models.Work
	for rows.Next() {
		work := &models.Work{}
		var createdAt int64
		if err := rows.Scan(&work.ID, &work.MetadataRef, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan work: %w", err)
		}
		work.CreatedAt = fromNanos(createdAt)
		works = append(works, work)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate works: %w", err)
	}
	return works, nil
}
