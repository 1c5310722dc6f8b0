// Package registry owns the lifecycle of works and their versioned split
// agreements.
//
// Every version keeps its registered splits forever. Only status and
// validity bounds change, and only here:
//
//	Draft -> Active -> Superseded
//	Active|Superseded -> Disputed -> Superseded (replaced by a corrected version)
//
// For any instant at most one version governs a work: among the Active and
// Superseded versions whose [ValidFrom, ValidTo) contains it, the highest
// version number wins.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mmynk/royalties/internal/audit"
	"github.com/mmynk/royalties/internal/models"
	"github.com/mmynk/royalties/internal/money"
	"github.com/mmynk/royalties/internal/storage"
	"github.com/mmynk/royalties/internal/workmutex"
)

// DefaultTolerance is how far the sum of shares may stray from 1.
var DefaultTolerance = money.MustShare("0.000001")

// Store is the persistence the registry needs.
type Store interface {
	storage.WorkStore
	storage.AgreementStore
}

// Registry manages works and split agreements. Mutations of one work are
// serialized; different works proceed in parallel.
type Registry struct {
	store     Store
	ledger    *audit.Ledger
	locks     *workmutex.Locker
	tolerance money.Share
	now       func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithTolerance sets the allowed deviation of a share sum from 1.
func WithTolerance(tol money.Share) Option {
	return func(r *Registry) { r.tolerance = tol }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New creates a Registry.
func New(store Store, ledger *audit.Ledger, opts ...Option) *Registry {
	r := &Registry{
		store:     store,
		ledger:    ledger,
		locks:     workmutex.New(),
		tolerance: DefaultTolerance,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterWork adds a work to the registry.
func (r *Registry) RegisterWork(ctx context.Context, work *models.Work) error {
	work.ID = strings.TrimSpace(work.ID)
	if work.ID == "" || strings.ContainsRune(work.ID, 0) {
		return fmt.Errorf("work id is required: %w", models.ErrInvalidArgument)
	}
	if work.CreatedAt.IsZero() {
		work.CreatedAt = r.now()
	}
	if err := r.store.CreateWork(ctx, work); err != nil {
		return fmt.Errorf("failed to register work %s: %w", work.ID, err)
	}
	slog.Info("Work registered", "work_id", work.ID)
	return nil
}

// GetWork returns a registered work or models.ErrUnknownWork.
func (r *Registry) GetWork(ctx context.Context, workID string) (*models.Work, error) {
	work, err := r.store.GetWork(ctx, workID)
	if errors.Is(err, models.ErrNotFound) {
		return nil, fmt.Errorf("work %s: %w", workID, models.ErrUnknownWork)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get work %s: %w", workID, err)
	}
	return work, nil
}

// ListWorks returns every registered work.
func (r *Registry) ListWorks(ctx context.Context) ([]*models.Work, error) {
	return r.store.ListWorks(ctx)
}

// RegisterAgreement stores a new Draft version of a work's splits, valid
// from validFrom once activated. Splits must be non-empty, name each payee
// once, have shares in (0, 1] and sum to 1 within the tolerance.
func (r *Registry) RegisterAgreement(ctx context.Context, workID string, splits []models.Split, validFrom time.Time) (*models.SplitAgreement, error) {
	if err := ValidateSplits(splits, r.tolerance); err != nil {
		return nil, err
	}
	if validFrom.IsZero() {
		return nil, fmt.Errorf("valid_from is required: %w", models.ErrInvalidSplit)
	}

	unlock := r.locks.Lock(workID)
	defer unlock()

	if _, err := r.GetWork(ctx, workID); err != nil {
		return nil, err
	}

	agreement := &models.SplitAgreement{
		WorkID:    workID,
		Splits:    append([]models.Split(nil), splits...),
		Status:    models.AgreementDraft,
		ValidFrom: validFrom.UTC(),
		CreatedAt: r.now(),
	}
	if err := r.store.CreateAgreement(ctx, agreement); err != nil {
		return nil, fmt.Errorf("failed to store agreement: %w", err)
	}

	if _, err := r.ledger.Record(ctx, models.LedgerEntry{
		WorkID:           workID,
		Kind:             models.EntryAgreementRegistered,
		AgreementVersion: agreement.Version,
		Detail:           describeSplits(agreement.Splits),
	}); err != nil {
		return nil, err
	}

	slog.Info("Agreement registered",
		"work_id", workID,
		"version", agreement.Version,
		"payees", len(splits),
		"valid_from", agreement.ValidFrom,
	)
	return agreement, nil
}

// ActivateAgreement makes a Draft version Active. The prior Active version,
// if any, is superseded with its ValidTo set to the new ValidFrom. It fails
// with models.ErrConflict if the draft would govern an instant already
// governed by another version, and with models.ErrAgreementDisputed while
// the work is under dispute.
func (r *Registry) ActivateAgreement(ctx context.Context, workID string, version int64) (*models.SplitAgreement, error) {
	unlock := r.locks.Lock(workID)
	defer unlock()

	versions, err := r.listAgreements(ctx, workID)
	if err != nil {
		return nil, err
	}
	target := find(versions, version)
	if target == nil {
		return nil, fmt.Errorf("agreement %s/v%d: %w", workID, version, models.ErrNotFound)
	}
	if d := disputed(versions); d != nil {
		return nil, fmt.Errorf("work %s has disputed version %d: %w", workID, d.Version, models.ErrAgreementDisputed)
	}
	if target.Status != models.AgreementDraft {
		return nil, fmt.Errorf("agreement %s/v%d is %s, not draft: %w", workID, version, target.Status, models.ErrConflict)
	}

	var prior *models.SplitAgreement
	for _, a := range versions {
		if !a.Governs() {
			continue
		}
		if !a.ValidFrom.Before(target.ValidFrom) || (a.ValidTo != nil && a.ValidTo.After(target.ValidFrom)) {
			return nil, fmt.Errorf("version %d already governs %s: %w", a.Version, target.ValidFrom.Format(time.RFC3339), models.ErrConflict)
		}
		if a.Status == models.AgreementActive {
			prior = a
		}
	}

	target.Status = models.AgreementActive
	target.ValidTo = nil
	changed := []*models.SplitAgreement{target}
	if prior != nil {
		validTo := target.ValidFrom
		prior.Status = models.AgreementSuperseded
		prior.ValidTo = &validTo
		changed = append(changed, prior)
	}
	if err := r.store.UpdateAgreements(ctx, changed...); err != nil {
		return nil, fmt.Errorf("failed to activate agreement: %w", err)
	}

	detail := "first active version"
	if prior != nil {
		detail = fmt.Sprintf("supersedes v%d", prior.Version)
	}
	if _, err := r.ledger.Record(ctx, models.LedgerEntry{
		WorkID:           workID,
		Kind:             models.EntryAgreementActivated,
		AgreementVersion: version,
		Detail:           detail,
	}); err != nil {
		return nil, err
	}

	slog.Info("Agreement activated", "work_id", workID, "version", version, "detail", detail)
	return target, nil
}

// ResolveActiveAgreement returns the version governing ts. It fails with
// models.ErrAgreementDisputed while any version of the work is disputed and
// with models.ErrNoActiveAgreement if no version covers ts.
func (r *Registry) ResolveActiveAgreement(ctx context.Context, workID string, ts time.Time) (*models.SplitAgreement, error) {
	versions, err := r.listAgreements(ctx, workID)
	if err != nil {
		return nil, err
	}
	if d := disputed(versions); d != nil {
		return nil, fmt.Errorf("work %s has disputed version %d: %w", workID, d.Version, models.ErrAgreementDisputed)
	}
	if a := governing(versions, ts); a != nil {
		return a, nil
	}
	return nil, fmt.Errorf("work %s at %s: %w", workID, ts.UTC().Format(time.RFC3339), models.ErrNoActiveAgreement)
}

// DisputeAgreement marks a governing version Disputed, suspending resolution
// for the whole work until ReplaceDisputed. One dispute per work at a time.
func (r *Registry) DisputeAgreement(ctx context.Context, workID string, version int64) (*models.SplitAgreement, error) {
	unlock := r.locks.Lock(workID)
	defer unlock()

	versions, err := r.listAgreements(ctx, workID)
	if err != nil {
		return nil, err
	}
	target := find(versions, version)
	if target == nil {
		return nil, fmt.Errorf("agreement %s/v%d: %w", workID, version, models.ErrNotFound)
	}
	if d := disputed(versions); d != nil {
		return nil, fmt.Errorf("work %s already disputes version %d: %w", workID, d.Version, models.ErrConflict)
	}
	if !target.Governs() {
		return nil, fmt.Errorf("agreement %s/v%d is %s: %w", workID, version, target.Status, models.ErrConflict)
	}

	target.Status = models.AgreementDisputed
	if err := r.store.UpdateAgreements(ctx, target); err != nil {
		return nil, fmt.Errorf("failed to dispute agreement: %w", err)
	}
	if _, err := r.ledger.Record(ctx, models.LedgerEntry{
		WorkID:           workID,
		Kind:             models.EntryAgreementDisputed,
		AgreementVersion: version,
	}); err != nil {
		return nil, err
	}

	slog.Warn("Agreement disputed", "work_id", workID, "version", version)
	return target, nil
}

// ReplaceDisputed settles a dispute with a corrected Draft version. The
// corrected version takes over the disputed version's validity interval and
// standing, Active if the interval is open-ended and Superseded otherwise,
// and the disputed version becomes Superseded. The corrected version must be
// newer than the disputed one so it wins resolution over the interval.
//
// Calling it again after it succeeded returns the corrected version.
func (r *Registry) ReplaceDisputed(ctx context.Context, workID string, correctedVersion int64) (*models.SplitAgreement, error) {
	unlock := r.locks.Lock(workID)
	defer unlock()

	versions, err := r.listAgreements(ctx, workID)
	if err != nil {
		return nil, err
	}
	corrected := find(versions, correctedVersion)
	if corrected == nil {
		return nil, fmt.Errorf("agreement %s/v%d: %w", workID, correctedVersion, models.ErrNotFound)
	}
	old := disputed(versions)
	if old == nil {
		if corrected.Governs() {
			return corrected, nil
		}
		return nil, fmt.Errorf("work %s has no disputed agreement: %w", workID, models.ErrConflict)
	}
	if corrected.Status != models.AgreementDraft {
		return nil, fmt.Errorf("agreement %s/v%d is %s, not draft: %w", workID, correctedVersion, corrected.Status, models.ErrConflict)
	}
	if corrected.Version < old.Version {
		return nil, fmt.Errorf("corrected version %d predates disputed version %d: %w", corrected.Version, old.Version, models.ErrConflict)
	}

	corrected.ValidFrom = old.ValidFrom
	corrected.ValidTo = nil
	corrected.Status = models.AgreementActive
	if old.ValidTo != nil {
		validTo := *old.ValidTo
		corrected.ValidTo = &validTo
		corrected.Status = models.AgreementSuperseded
	}
	old.Status = models.AgreementSuperseded

	if err := r.store.UpdateAgreements(ctx, old, corrected); err != nil {
		return nil, fmt.Errorf("failed to replace disputed agreement: %w", err)
	}
	if _, err := r.ledger.Record(ctx, models.LedgerEntry{
		WorkID:           workID,
		Kind:             models.EntryAgreementCorrected,
		AgreementVersion: corrected.Version,
		Detail:           fmt.Sprintf("replaces disputed v%d", old.Version),
	}); err != nil {
		return nil, err
	}

	slog.Info("Disputed agreement replaced",
		"work_id", workID,
		"disputed_version", old.Version,
		"corrected_version", corrected.Version,
		"status", corrected.Status,
	)
	return corrected, nil
}

// GetAgreement returns one version of a work's agreement.
func (r *Registry) GetAgreement(ctx context.Context, workID string, version int64) (*models.SplitAgreement, error) {
	if _, err := r.GetWork(ctx, workID); err != nil {
		return nil, err
	}
	return r.store.GetAgreement(ctx, workID, version)
}

// ListAgreements returns every version of a work ordered by version.
func (r *Registry) ListAgreements(ctx context.Context, workID string) ([]*models.SplitAgreement, error) {
	return r.listAgreements(ctx, workID)
}

// IsDisputed reports whether any version of the work is disputed.
func (r *Registry) IsDisputed(ctx context.Context, workID string) (bool, error) {
	versions, err := r.listAgreements(ctx, workID)
	if err != nil {
		return false, err
	}
	return disputed(versions) != nil, nil
}

func (r *Registry) listAgreements(ctx context.Context, workID string) ([]*models.SplitAgreement, error) {
	if _, err := r.GetWork(ctx, workID); err != nil {
		return nil, err
	}
	versions, err := r.store.ListAgreements(ctx, workID)
	if err != nil {
		return nil, fmt.Errorf("failed to list agreements of %s: %w", workID, err)
	}
	return versions, nil
}

// ValidateSplits checks a split set for registration.
func ValidateSplits(splits []models.Split, tolerance money.Share) error {
	if len(splits) == 0 {
		return fmt.Errorf("no splits: %w", models.ErrInvalidSplit)
	}
	seen := make(map[string]bool, len(splits))
	var sum uint64
	for _, s := range splits {
		if strings.TrimSpace(s.PayeeID) == "" || strings.ContainsRune(s.PayeeID, 0) {
			return fmt.Errorf("payee id is required: %w", models.ErrInvalidSplit)
		}
		if seen[s.PayeeID] {
			return fmt.Errorf("payee %s listed twice: %w", s.PayeeID, models.ErrInvalidSplit)
		}
		seen[s.PayeeID] = true
		if s.Share == 0 || s.Share > money.One {
			return fmt.Errorf("share %s of payee %s is outside (0, 1]: %w", s.Share, s.PayeeID, models.ErrInvalidSplit)
		}
		sum += uint64(s.Share)
	}

	diff := sum - uint64(money.One)
	if sum < uint64(money.One) {
		diff = uint64(money.One) - sum
	}
	if diff > uint64(tolerance) {
		return fmt.Errorf("shares sum to %s: %w", money.Share(sum), models.ErrInvalidSplit)
	}
	return nil
}

func find(versions []*models.SplitAgreement, version int64) *models.SplitAgreement {
	for _, a := range versions {
		if a.Version == version {
			return a
		}
	}
	return nil
}

func disputed(versions []*models.SplitAgreement) *models.SplitAgreement {
	for _, a := range versions {
		if a.Status == models.AgreementDisputed {
			return a
		}
	}
	return nil
}

// governing returns the highest governing version covering ts.
func governing(versions []*models.SplitAgreement, ts time.Time) *models.SplitAgreement {
	var best *models.SplitAgreement
	for _, a := range versions {
		if a.Governs() && a.Covers(ts) && (best == nil || a.Version > best.Version) {
			best = a
		}
	}
	return best
}

func describeSplits(splits []models.Split) string {
	parts := make([]string, len(splits))
	for i, s := range splits {
		parts[i] = s.PayeeID + "=" + s.Share.String()
	}
	return strings.Join(parts, ",")
}
