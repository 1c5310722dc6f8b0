package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mmynk/royalties/internal/models"
	"github.com/mmynk/royalties/internal/money"
)

// CreateAgreement persists a new agreement version. The version number is
// assigned inside the transaction as the work's highest version plus one.
func (s *SQLiteStore) CreateAgreement(ctx context.Context, agreement *models.SplitAgreement) error {
	if agreement.CreatedAt.IsZero() {
		agreement.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var version int64
	if err := tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(version), 0) + 1 FROM agreements WHERE work_id = ?",
		agreement.WorkID,
	).Scan(&version); err != nil {
		return fmt.Errorf("failed to allocate version: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO agreements (work_id, version, status, valid_from, valid_to, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		agreement.WorkID, version, string(agreement.Status),
		toNanos(agreement.ValidFrom), nullNanos(agreement.ValidTo), toNanos(agreement.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert agreement: %w", err)
	}

	for i, split := range agreement.Splits {
		_, err = tx.ExecContext(ctx,
			"INSERT INTO agreement_splits (work_id, version, position, payee_id, share) VALUES (?, ?, ?, ?, ?)",
			agreement.WorkID, version, i, split.PayeeID, int64(split.Share),
		)
		if err != nil {
			return fmt.Errorf("failed to insert split: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	agreement.Version = version
	return nil
}

// GetAgreement retrieves one agreement version with its splits.
func (s *SQLiteStore) GetAgreement(ctx context.Context, workID string, version int64) (*models.SplitAgreement, error) {
	a := &models.SplitAgreement{}
	var status string
	var validFrom, createdAt int64
	var validTo sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT work_id, version, status, valid_from, valid_to, created_at
		 FROM agreements WHERE work_id = ? AND version = ?`,
		workID, version,
	).Scan(&a.WorkID, &a.Version, &status, &validFrom, &validTo, &createdAt)
	if noRows(err) {
		return nil, notFound("agreement", fmt.Sprintf("%s/v%d", workID, version))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agreement: %w", err)
	}
	a.Status = models.AgreementStatus(status)
	a.ValidFrom = fromNanos(validFrom)
	a.ValidTo = fromNullNanos(validTo)
	a.CreatedAt = fromNanos(createdAt)

	splits, err := s.loadSplits(ctx, workID)
	if err != nil {
		return nil, err
	}
	a.Splits = splits[version]
	return a, nil
}

// ListAgreements retrieves every version of a work ordered by version.
func (s *SQLiteStore) ListAgreements(ctx context.Context, workID string) ([]*models.SplitAgreement, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT work_id, version, status, valid_from, valid_to, created_at
		 FROM agreements WHERE work_id = ? ORDER BY version`,
		workID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list agreements: %w", err)
	}
	defer rows.Close()

	var agreements []*models.SplitAgreement
	for rows.Next() {
		a := &models.SplitAgreement{}
		var status string
		var validFrom, createdAt int64
		var validTo sql.NullInt64
		if err := rows.Scan(&a.WorkID, &a.Version, &status, &validFrom, &validTo, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan agreement: %w", err)
		}
		a.Status = models.AgreementStatus(status)
		a.ValidFrom = fromNanos(validFrom)
		a.ValidTo = fromNullNanos(validTo)
		a.CreatedAt = fromNanos(createdAt)
		agreements = append(agreements, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate agreements: %w", err)
	}
	rows.Close()

	splits, err := s.loadSplits(ctx, workID)
	if err != nil {
		return nil, err
	}
	for _, a := range agreements {
		a.Splits = splits[a.Version]
	}
	return agreements, nil
}

// loadSplits returns every split of a work keyed by version, each in
// registration order.
func (s *SQLiteStore) loadSplits(ctx context.Context, workID string) (map[int64][]models.Split, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT version, payee_id, share FROM agreement_splits WHERE work_id = ? ORDER BY version, position",
		workID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get splits: %w", err)
	}
	defer rows.Close()

	splits := make(map[int64][]models.Split)
	for rows.Next() {
		var version, share int64
		var payee string
		if err := rows.Scan(&version, &payee, &share); err != nil {
			return nil, fmt.Errorf("failed to scan split: %w", err)
		}
		splits[version] = append(splits[version], models.Split{PayeeID: payee, Share: money.Share(share)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate splits: %w", err)
	}
	return splits, nil
}

// UpdateAgreements writes status and validity bounds of the given versions
// atomically. Splits are immutable and never rewritten.
func (s *SQLiteStore) UpdateAgreements(ctx context.Context, agreements ...*models.SplitAgreement) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, a := range agreements {
		res, err := tx.ExecContext(ctx,
			"UPDATE agreements SET status = ?, valid_from = ?, valid_to = ? WHERE work_id = ? AND version = ?",
			string(a.Status), toNanos(a.ValidFrom), nullNanos(a.ValidTo), a.WorkID, a.Version,
		)
		if err != nil {
			return fmt.Errorf("failed to update agreement: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return notFound("agreement", fmt.Sprintf("%s/v%d", a.WorkID, a.Version))
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
