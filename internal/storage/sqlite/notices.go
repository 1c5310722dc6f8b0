package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/mmynk/royalties/internal/models"
)

// SaveFinalityNotice persists a substrate notice until its instruction
// takes it.
func (s *SQLiteStore) SaveFinalityNotice(ctx context.Context, n *models.FinalityNotice) error {
	if n.ReceivedAt.IsZero() {
		n.ReceivedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO finality_notices (transaction_id, outcome, reason, received_at)
		 VALUES (?, ?, ?, ?)`,
		n.TransactionID, string(n.Outcome), n.Reason, toNanos(n.ReceivedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save finality notice: %w", err)
	}
	return nil
}

// TakeFinalityNotice deletes and returns the notice of txID. When two
// callers race, the one whose delete removes the row wins.
func (s *SQLiteStore) TakeFinalityNotice(ctx context.Context, txID string) (*models.FinalityNotice, error) {
	n := &models.FinalityNotice{TransactionID: txID}
	var outcome string
	var receivedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT outcome, reason, received_at FROM finality_notices WHERE transaction_id = ?`, txID,
	).Scan(&outcome, &n.Reason, &receivedAt)
	if noRows(err) {
		return nil, notFound("finality notice", txID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get finality notice: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM finality_notices WHERE transaction_id = ?`, txID)
	if err != nil {
		return nil, fmt.Errorf("failed to delete finality notice: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return nil, notFound("finality notice", txID)
	}
	n.Outcome = models.TransferOutcome(outcome)
	n.ReceivedAt = fromNanos(receivedAt)
	return n, nil
}
