package substrate

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mmynk/royalties/internal/models"
)

type txState int

const (
	txPending txState = iota
	txFinalized
	txRejected
)

type simTx struct {
	id       string
	transfer models.Transfer
	state    txState
}

// Simulated is an in-process Ledger. Transfers finalize after a fixed
// delay, or only when Finalize is called if the delay is zero. Failures and
// rejections can be scripted per idempotency key.
type Simulated struct {
	mu       sync.Mutex
	listener Listener
	delay    time.Duration

	txs   map[string]*simTx
	byKey map[string]*simTx

	failures    map[string]int
	rejections  map[string]string
	submissions map[string]int
}

// NewSimulated creates a simulated ledger. A zero delay means transfers stay
// pending until Finalize or Reject is called.
func NewSimulated(delay time.Duration) *Simulated {
	return &Simulated{
		delay:       delay,
		txs:         make(map[string]*simTx),
		byKey:       make(map[string]*simTx),
		failures:    make(map[string]int),
		rejections:  make(map[string]string),
		submissions: make(map[string]int),
	}
}

// SetListener sets who is told about finality. It must be called before
// the first submission.
func (s *Simulated) SetListener(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listener = l
}

// SubmitTransfer records a transfer. Submitting a key that already has a
// pending or finalized transaction returns that transaction's id; a key
// whose last transaction was rejected gets a new one.
func (s *Simulated) SubmitTransfer(ctx context.Context, transfer models.Transfer) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	key := transfer.IdempotencyKey
	s.submissions[key]++
	if n := s.failures[key]; n > 0 {
		s.failures[key] = n - 1
		s.mu.Unlock()
		return "", fmt.Errorf("submit %s: %w", key, ErrUnavailable)
	}

	if tx, ok := s.byKey[key]; ok && tx.state != txRejected {
		id, finalized := tx.id, tx.state == txFinalized
		s.mu.Unlock()
		if finalized {
			// The caller lost track of the first submission; tell it again.
			go func() {
				if err := s.notify(context.Background(), id, txFinalized, ""); err != nil {
					slog.Error("Simulated finality notification failed", "tx_id", id, "error", err)
				}
			}()
		}
		return id, nil
	}

	tx := &simTx{id: uuid.New().String(), transfer: transfer}
	s.txs[tx.id] = tx
	s.byKey[key] = tx
	delay := s.delay
	s.mu.Unlock()

	slog.Debug("Simulated transfer submitted", "tx_id", tx.id, "idempotency_key", key, "amount", transfer.Amount)
	if delay > 0 {
		time.AfterFunc(delay, func() {
			if err := s.Finalize(context.Background(), tx.id); err != nil {
				slog.Error("Simulated finality failed", "tx_id", tx.id, "error", err)
			}
		})
	}
	return tx.id, nil
}

// Finalize settles a pending transaction, or rejects it if a rejection was
// scripted for its key, and notifies the listener.
func (s *Simulated) Finalize(ctx context.Context, txID string) error {
	s.mu.Lock()
	tx, ok := s.txs[txID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("finalize %s: %w", txID, ErrUnknownTransaction)
	}
	if tx.state != txPending {
		s.mu.Unlock()
		return nil
	}
	state, reason := txFinalized, ""
	if r, ok := s.rejections[tx.transfer.IdempotencyKey]; ok {
		delete(s.rejections, tx.transfer.IdempotencyKey)
		state, reason = txRejected, r
	}
	tx.state = state
	s.mu.Unlock()

	return s.notify(ctx, txID, state, reason)
}

// Reject rejects a pending transaction and notifies the listener.
func (s *Simulated) Reject(ctx context.Context, txID, reason string) error {
	s.mu.Lock()
	tx, ok := s.txs[txID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("reject %s: %w", txID, ErrUnknownTransaction)
	}
	if tx.state != txPending {
		s.mu.Unlock()
		return nil
	}
	tx.state = txRejected
	s.mu.Unlock()

	return s.notify(ctx, txID, txRejected, reason)
}

// FinalizeAll finalizes every pending transaction in submission key order.
func (s *Simulated) FinalizeAll(ctx context.Context) error {
	for _, id := range s.Pending() {
		if err := s.Finalize(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// FailNext makes the next n submissions of key fail with ErrUnavailable.
func (s *Simulated) FailNext(key string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[key] = n
}

// RejectOnFinality makes the next finalization of key a rejection.
func (s *Simulated) RejectOnFinality(key, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejections[key] = reason
}

// Pending returns the ids of transactions awaiting finality, ordered by
// idempotency key.
func (s *Simulated) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var pending []*simTx
	for _, tx := range s.txs {
		if tx.state == txPending {
			pending = append(pending, tx)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].transfer.IdempotencyKey < pending[j].transfer.IdempotencyKey
	})
	ids := make([]string, len(pending))
	for i, tx := range pending {
		ids[i] = tx.id
	}
	return ids
}

// Finalized returns the transfers that reached finality.
func (s *Simulated) Finalized() []models.Transfer {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Transfer
	for _, tx := range s.txs {
		if tx.state == txFinalized {
			out = append(out, tx.transfer)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IdempotencyKey < out[j].IdempotencyKey })
	return out
}

// Submissions returns how often key was submitted, failures included.
func (s *Simulated) Submissions(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submissions[key]
}

func (s *Simulated) notify(ctx context.Context, txID string, state txState, reason string) error {
	s.mu.Lock()
	l := s.listener
	s.mu.Unlock()
	if l == nil {
		return nil
	}
	if state == txRejected {
		return l.OnRejected(ctx, txID, reason)
	}
	return l.OnFinalized(ctx, txID)
}
