package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/mmynk/royalties/internal/models"
)

// CreatePlan stores a distribution plan with its lines unless a plan with
// the same id exists, in which case the stored plan is returned.
func (s *SQLiteStore) CreatePlan(ctx context.Context, plan *models.DistributionPlan) (*models.DistributionPlan, bool, error) {
	if plan.ComputedAt.IsZero() {
		plan.ComputedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO plans
		 (id, event_fingerprint, work_id, agreement_version, currency, gross, platform_fee, distributable, computed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		plan.ID, plan.EventFingerprint, plan.WorkID, plan.AgreementVersion, plan.Currency,
		plan.Gross, plan.PlatformFee, plan.Distributable, toNanos(plan.ComputedAt),
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert plan: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		tx.Rollback()
		existing, err := s.GetPlan(ctx, plan.ID)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}

	for i, line := range plan.Lines {
		_, err = tx.ExecContext(ctx,
			"INSERT INTO plan_lines (plan_id, position, payee_id, amount) VALUES (?, ?, ?, ?)",
			plan.ID, i, line.PayeeID, line.Amount,
		)
		if err != nil {
			return nil, false, fmt.Errorf("failed to insert plan line: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return plan, true, nil
}

// GetPlan retrieves a plan with its lines.
func (s *SQLiteStore) GetPlan(ctx context.Context, planID string) (*models.DistributionPlan, error) {
	p := &models.DistributionPlan{}
	var computedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, event_fingerprint, work_id, agreement_version, currency, gross, platform_fee, distributable, computed_at
		 FROM plans WHERE id = ?`,
		planID,
	).Scan(&p.ID, &p.EventFingerprint, &p.WorkID, &p.AgreementVersion, &p.Currency,
		&p.Gross, &p.PlatformFee, &p.Distributable, &computedAt)
	if noRows(err) {
		return nil, notFound("plan", planID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plan: %w", err)
	}
	p.ComputedAt = fromNanos(computedAt)

	if p.Lines, err = s.loadPlanLines(ctx, p.ID); err != nil {
		return nil, err
	}
	return p, nil
}

// ListPlansByEvent retrieves all plans computed for an event, oldest
// agreement version first.
func (s *SQLiteStore) ListPlansByEvent(ctx context.Context, fingerprint string) ([]*models.DistributionPlan, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id FROM plans WHERE event_fingerprint = ? ORDER BY agreement_version",
		fingerprint,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan plan id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate plans: %w", err)
	}

	plans := make([]*models.DistributionPlan, 0, len(ids))
	for _, id := range ids {
		p, err := s.GetPlan(ctx, id)
		if err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}
	return plans, nil
}

func (s *SQLiteStore) loadPlanLines(ctx context.Context, planID string) ([]models.PlanLine, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT payee_id, amount FROM plan_lines WHERE plan_id = ? ORDER BY position",
		planID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get plan lines: %w", err)
	}
	defer rows.Close()

	var lines []models.PlanLine
	for rows.Next() {
		var l models.PlanLine
		if err := rows.Scan(&l.PayeeID, &l.Amount); err != nil {
			return nil, fmt.Errorf("failed to scan plan line: %w", err)
		}
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate plan lines: %w", err)
	}
	return lines, nil
}
