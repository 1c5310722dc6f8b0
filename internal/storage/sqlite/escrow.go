package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mmynk/royalties/internal/models"
)

const escrowColumns = `id, work_id, reason, state, disputed_version, corrected_version,
	release_condition, note, opened_at, released_at`

// CreateEscrowAccount persists a new escrow account without holdings.
func (s *SQLiteStore) CreateEscrowAccount(ctx context.Context, account *models.EscrowAccount) error {
	if account.ID == "" {
		account.ID = uuid.New().String()
	}
	if account.OpenedAt.IsZero() {
		account.OpenedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO escrow_accounts (`+escrowColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		account.ID, account.WorkID, string(account.Reason), string(account.State),
		account.DisputedVersion, account.CorrectedVersion, account.ReleaseCondition, account.Note,
		toNanos(account.OpenedAt), nullNanos(account.ReleasedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert escrow account: %w", err)
	}
	return nil
}

// UpdateEscrowAccount writes the state fields of an account. Holdings are
// managed through AddHolding and RemoveHolding.
func (s *SQLiteStore) UpdateEscrowAccount(ctx context.Context, account *models.EscrowAccount) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE escrow_accounts SET state = ?, disputed_version = ?, corrected_version = ?,
		 release_condition = ?, note = ?, released_at = ? WHERE id = ?`,
		string(account.State), account.DisputedVersion, account.CorrectedVersion,
		account.ReleaseCondition, account.Note, nullNanos(account.ReleasedAt), account.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update escrow account: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("escrow account", account.ID)
	}
	return nil
}

// GetEscrowAccount retrieves an account with its holdings.
func (s *SQLiteStore) GetEscrowAccount(ctx context.Context, id string) (*models.EscrowAccount, error) {
	return s.getEscrowAccount(ctx, "id = ?", id)
}

// FindOpenEscrowAccount retrieves the unreleased account of a work for a reason.
func (s *SQLiteStore) FindOpenEscrowAccount(ctx context.Context, workID string, reason models.EscrowReason) (*models.EscrowAccount, error) {
	return s.getEscrowAccount(ctx,
		"work_id = ? AND reason = ? AND state != ? ORDER BY opened_at DESC LIMIT 1",
		workID, string(reason), string(models.EscrowStateReleased),
	)
}

// ListEscrowAccounts retrieves every account of a work, oldest first.
func (s *SQLiteStore) ListEscrowAccounts(ctx context.Context, workID string) ([]*models.EscrowAccount, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+escrowColumns+" FROM escrow_accounts WHERE work_id = ? ORDER BY opened_at, id",
		workID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list escrow accounts: %w", err)
	}
	var accounts []*models.EscrowAccount
	for rows.Next() {
		a, err := scanEscrowAccount(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan escrow account: %w", err)
		}
		accounts = append(accounts, a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate escrow accounts: %w", err)
	}

	for _, a := range accounts {
		if a.Holdings, err = s.loadHoldings(ctx, a.ID); err != nil {
			return nil, err
		}
	}
	return accounts, nil
}

// AddHolding records an amount held in an account. Adding the same ref
// twice keeps the first holding.
func (s *SQLiteStore) AddHolding(ctx context.Context, accountID string, h models.EscrowHolding) error {
	if h.HeldAt.IsZero() {
		h.HeldAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO escrow_holdings (account_id, ref, amount, currency, reported_at, held_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		accountID, h.Ref, h.Amount, h.Currency, toNanos(h.ReportedAt), toNanos(h.HeldAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert escrow holding: %w", err)
	}
	return nil
}

// RemoveHolding deletes a holding. Removing an unknown ref is a no-op.
func (s *SQLiteStore) RemoveHolding(ctx context.Context, accountID, ref string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM escrow_holdings WHERE account_id = ? AND ref = ?",
		accountID, ref,
	)
	if err != nil {
		return fmt.Errorf("failed to delete escrow holding: %w", err)
	}
	return nil
}

func (s *SQLiteStore) getEscrowAccount(ctx context.Context, where string, args ...any) (*models.EscrowAccount, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+escrowColumns+" FROM escrow_accounts WHERE "+where, args...)
	a, err := scanEscrowAccount(row)
	if noRows(err) {
		return nil, notFound("escrow account", fmt.Sprint(args...))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get escrow account: %w", err)
	}
	if a.Holdings, err = s.loadHoldings(ctx, a.ID); err != nil {
		return nil, err
	}
	return a, nil
}

// loadHoldings returns the holdings of an account ordered by the reporting
// time of what they hold, then by ref.
func (s *SQLiteStore) loadHoldings(ctx context.Context, accountID string) ([]models.EscrowHolding, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ref, amount, currency, reported_at, held_at FROM escrow_holdings
		 WHERE account_id = ? ORDER BY reported_at, ref`,
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get escrow holdings: %w", err)
	}
	defer rows.Close()

	var holdings []models.EscrowHolding
	for rows.Next() {
		var h models.EscrowHolding
		var reportedAt, heldAt int64
		if err := rows.Scan(&h.Ref, &h.Amount, &h.Currency, &reportedAt, &heldAt); err != nil {
			return nil, fmt.Errorf("failed to scan escrow holding: %w", err)
		}
		h.ReportedAt = fromNanos(reportedAt)
		h.HeldAt = fromNanos(heldAt)
		holdings = append(holdings, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate escrow holdings: %w", err)
	}
	return holdings, nil
}

func scanEscrowAccount(row scanner) (*models.EscrowAccount, error) {
	a := &models.EscrowAccount{}
	var reason, state string
	var openedAt int64
	var releasedAt sql.NullInt64
	err := row.Scan(&a.ID, &a.WorkID, &reason, &state, &a.DisputedVersion, &a.CorrectedVersion,
		&a.ReleaseCondition, &a.Note, &openedAt, &releasedAt)
	if err != nil {
		return nil, err
	}
	a.Reason = models.EscrowReason(reason)
	a.State = models.EscrowState(state)
	a.OpenedAt = fromNanos(openedAt)
	a.ReleasedAt = fromNullNanos(releasedAt)
	return a, nil
}
