// Package substrate defines the boundary to the external replicated ledger
// that finalizes transfers, plus a simulated ledger for development and
// tests.
//
// Submission is asynchronous: SubmitTransfer returns a transaction id right
// away and the ledger later reports finality or rejection of that id to a
// Listener. The idempotency key passed with a transfer lets the ledger
// refuse double submissions on its side as well.
package substrate

import (
	"context"
	"errors"

	"github.com/mmynk/royalties/internal/models"
)

var (
	// ErrUnavailable is a transient submission failure; the caller retries.
	ErrUnavailable = errors.New("substrate unavailable")

	ErrUnknownTransaction = errors.New("unknown transaction")
)

// Ledger accepts transfers for finalization.
type Ledger interface {
	SubmitTransfer(ctx context.Context, transfer models.Transfer) (txID string, err error)
}

// Listener consumes finality notifications.
type Listener interface {
	OnFinalized(ctx context.Context, txID string) error
	OnRejected(ctx context.Context, txID, reason string) error
}
