package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mmynk/royalties/internal/models"
)

const instructionColumns = `id, plan_id, event_fingerprint, work_id, payee_id, amount, currency, status,
	transaction_id, attempts, next_attempt, last_error, permanent, created_at, updated_at`

// CreateInstruction persists a new payout instruction. The (event, payee)
// pair is unique; a second instruction for it fails with models.ErrConflict.
func (s *SQLiteStore) CreateInstruction(ctx context.Context, in *models.PayoutInstruction) error {
	if in.ID == "" {
		in.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if in.CreatedAt.IsZero() {
		in.CreatedAt = now
	}
	in.UpdatedAt = in.CreatedAt

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO instructions (`+instructionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		in.ID, in.PlanID, in.EventFingerprint, in.WorkID, in.PayeeID, in.Amount, in.Currency,
		string(in.Status), in.TransactionID, in.Attempts, toNanos(in.NextAttempt), in.LastError,
		in.Permanent, toNanos(in.CreatedAt), toNanos(in.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("instruction for %s: %w", in.IdempotencyKey(), models.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("failed to insert instruction: %w", err)
	}
	return nil
}

// UpdateInstruction writes the mutable settlement fields of an instruction.
func (s *SQLiteStore) UpdateInstruction(ctx context.Context, in *models.PayoutInstruction) error {
	in.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE instructions SET status = ?, transaction_id = ?, attempts = ?, next_attempt = ?,
		 last_error = ?, permanent = ?, updated_at = ? WHERE id = ?`,
		string(in.Status), in.TransactionID, in.Attempts, toNanos(in.NextAttempt),
		in.LastError, in.Permanent, toNanos(in.UpdatedAt), in.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update instruction: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("instruction", in.ID)
	}
	return nil
}

// GetInstruction retrieves an instruction by ID.
func (s *SQLiteStore) GetInstruction(ctx context.Context, id string) (*models.PayoutInstruction, error) {
	return s.getInstruction(ctx, "id = ?", id)
}

// GetInstructionByPayee retrieves the instruction of one payee for one event.
func (s *SQLiteStore) GetInstructionByPayee(ctx context.Context, fingerprint, payeeID string) (*models.PayoutInstruction, error) {
	return s.getInstruction(ctx, "event_fingerprint = ? AND payee_id = ?", fingerprint, payeeID)
}

// GetInstructionByTransaction retrieves the instruction whose latest
// submission produced txID.
func (s *SQLiteStore) GetInstructionByTransaction(ctx context.Context, txID string) (*models.PayoutInstruction, error) {
	if txID == "" {
		return nil, notFound("instruction for transaction", txID)
	}
	return s.getInstruction(ctx, "transaction_id = ?", txID)
}

// ListInstructionsByEvent retrieves the instructions of one event.
func (s *SQLiteStore) ListInstructionsByEvent(ctx context.Context, fingerprint string) ([]*models.PayoutInstruction, error) {
	return s.listInstructions(ctx, "event_fingerprint = ? ORDER BY payee_id", fingerprint)
}

// ListInstructionsByPayee retrieves all instructions owed to a payee.
func (s *SQLiteStore) ListInstructionsByPayee(ctx context.Context, payeeID string) ([]*models.PayoutInstruction, error) {
	return s.listInstructions(ctx, "payee_id = ? ORDER BY created_at, id", payeeID)
}

// ListInstructionsByWork retrieves a work's instructions in one status.
func (s *SQLiteStore) ListInstructionsByWork(ctx context.Context, workID string, status models.InstructionStatus) ([]*models.PayoutInstruction, error) {
	return s.listInstructions(ctx, "work_id = ? AND status = ? ORDER BY created_at, id", workID, string(status))
}

// ListRetryable retrieves unsubmitted and failed instructions that are due
// for another attempt.
func (s *SQLiteStore) ListRetryable(ctx context.Context, now time.Time, limit int) ([]*models.PayoutInstruction, error) {
	return s.listInstructions(ctx,
		"status IN (?, ?) AND permanent = 0 AND next_attempt <= ? ORDER BY next_attempt, id LIMIT ?",
		string(models.InstructionPending), string(models.InstructionFailed), toNanos(now), limit,
	)
}

func (s *SQLiteStore) getInstruction(ctx context.Context, where string, args ...any) (*models.PayoutInstruction, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+instructionColumns+" FROM instructions WHERE "+where, args...)
	in, err := scanInstruction(row)
	if noRows(err) {
		return nil, notFound("instruction", fmt.Sprint(args...))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get instruction: %w", err)
	}
	return in, nil
}

func (s *SQLiteStore) listInstructions(ctx context.Context, where string, args ...any) ([]*models.PayoutInstruction, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+instructionColumns+" FROM instructions WHERE "+where, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list instructions: %w", err)
	}
	defer rows.Close()

	var out []*models.PayoutInstruction
	for rows.Next() {
		in, err := scanInstruction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan instruction: %w", err)
		}
		out = append(out, in)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate instructions: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanInstruction(row scanner) (*models.PayoutInstruction, error) {
	in := &models.PayoutInstruction{}
	var status string
	var nextAttempt, createdAt, updatedAt int64
	var permanent sql.NullBool
	err := row.Scan(&in.ID, &in.PlanID, &in.EventFingerprint, &in.WorkID, &in.PayeeID, &in.Amount,
		&in.Currency, &status, &in.TransactionID, &in.Attempts, &nextAttempt, &in.LastError,
		&permanent, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	in.Status = models.InstructionStatus(status)
	in.NextAttempt = fromNanos(nextAttempt)
	in.Permanent = permanent.Valid && permanent.Bool
	in.CreatedAt = fromNanos(createdAt)
	in.UpdatedAt = fromNanos(updatedAt)
	return in, nil
}
