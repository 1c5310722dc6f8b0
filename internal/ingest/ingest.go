// Package ingest validates raw revenue reports and turns them into
// canonical, deduplicated revenue events.
package ingest

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/mmynk/royalties/internal/audit"
	"github.com/mmynk/royalties/internal/metrics"
	"github.com/mmynk/royalties/internal/models"
	"github.com/mmynk/royalties/internal/money"
	"github.com/mmynk/royalties/internal/storage"
)

// WorkLookup finds registered works. Unknown ids fail with
// models.ErrUnknownWork or models.ErrNotFound.
type WorkLookup interface {
	GetWork(ctx context.Context, workID string) (*models.Work, error)
}

// Ingestor accepts revenue reports.
type Ingestor struct {
	events storage.EventStore
	works  WorkLookup
	ledger *audit.Ledger
	now    func() time.Time
}

// New creates an Ingestor.
func New(events storage.EventStore, works WorkLookup, ledger *audit.Ledger) *Ingestor {
	return &Ingestor{
		events: events,
		works:  works,
		ledger: ledger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Accept validates report and stores it as a revenue event. A report whose
// fingerprint was seen before returns the stored event with created false;
// duplicates are never an error.
func (i *Ingestor) Accept(ctx context.Context, report models.RevenueReport) (*models.RevenueEvent, bool, error) {
	event, err := Normalize(report)
	if err != nil {
		metrics.EventsIngested.WithLabelValues("rejected").Inc()
		return nil, false, err
	}

	if _, err := i.works.GetWork(ctx, event.WorkID); err != nil {
		if errors.Is(err, models.ErrNotFound) || errors.Is(err, models.ErrUnknownWork) {
			metrics.EventsIngested.WithLabelValues("rejected").Inc()
			return nil, false, fmt.Errorf("work %s: %w", event.WorkID, models.ErrUnknownWork)
		}
		return nil, false, fmt.Errorf("failed to look up work: %w", err)
	}

	event.AcceptedAt = i.now()
	stored, created, err := i.events.CreateEvent(ctx, event)
	if err != nil {
		return nil, false, fmt.Errorf("failed to store revenue event: %w", err)
	}
	if !created {
		metrics.EventsIngested.WithLabelValues("duplicate").Inc()
		slog.Info("Duplicate revenue report", "fingerprint", stored.Fingerprint, "work_id", stored.WorkID)
		return stored, false, nil
	}

	metrics.EventsIngested.WithLabelValues("accepted").Inc()
	if _, err := i.ledger.Record(ctx, models.LedgerEntry{
		WorkID:           stored.WorkID,
		Kind:             models.EntryEventAccepted,
		EventFingerprint: stored.Fingerprint,
		Amount:           stored.Gross,
		Currency:         stored.Currency,
		Detail:           fmt.Sprintf("%s/%s period %s", stored.SourceID, stored.ExternalRef, stored.Period),
	}); err != nil {
		return nil, false, err
	}

	slog.Info("Revenue event accepted",
		"fingerprint", stored.Fingerprint,
		"work_id", stored.WorkID,
		"gross", stored.Gross,
		"currency", stored.Currency,
	)
	return stored, true, nil
}

// Normalize validates report and returns the canonical event it maps to,
// fingerprint included. AcceptedAt is left zero.
func Normalize(report models.RevenueReport) (*models.RevenueEvent, error) {
	event := &models.RevenueEvent{
		SourceID:    strings.TrimSpace(report.SourceID),
		ExternalRef: strings.TrimSpace(report.ExternalRef),
		WorkID:      strings.TrimSpace(report.WorkID),
		Period:      strings.TrimSpace(report.Period),
		ReportedAt:  report.ReportedAt.UTC(),
	}

	fields := []struct{ name, value string }{
		{"source_id", event.SourceID},
		{"external_ref", event.ExternalRef},
		{"work_id", event.WorkID},
		{"period", event.Period},
	}
	for _, f := range fields {
		if f.value == "" {
			return nil, fmt.Errorf("%s is required: %w", f.name, models.ErrMalformedEvent)
		}
		if strings.ContainsRune(f.value, 0) {
			return nil, fmt.Errorf("%s contains NUL: %w", f.name, models.ErrMalformedEvent)
		}
	}
	if report.ReportedAt.IsZero() {
		return nil, fmt.Errorf("reported_at is required: %w", models.ErrMalformedEvent)
	}

	currency, err := money.NormalizeCurrency(report.Currency)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, models.ErrMalformedEvent)
	}
	gross, err := money.ParseAmount(report.Amount, currency)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, models.ErrMalformedEvent)
	}
	if gross <= 0 {
		return nil, fmt.Errorf("amount must be positive: %w", models.ErrMalformedEvent)
	}
	event.Currency = currency
	event.Gross = gross
	event.Fingerprint = fingerprint(event.SourceID, event.ExternalRef, gross, currency, event.Period)
	return event, nil
}

// Fingerprint returns the event id a report maps to, letting reporters
// compute it before submitting.
func Fingerprint(report models.RevenueReport) (string, error) {
	event, err := Normalize(report)
	if err != nil {
		return "", err
	}
	return event.Fingerprint, nil
}

// fingerprint hashes the source-provided fields with BLAKE2b-256. Each
// field is length-prefixed so no two field tuples share an encoding. The
// amount enters in minor units, making "1.5" and "1.50" the same report.
func fingerprint(sourceID, externalRef string, gross int64, currency, period string) string {
	h, _ := blake2b.New256(nil)
	var n [binary.MaxVarintLen64]byte
	for _, field := range []string{sourceID, externalRef, strconv.FormatInt(gross, 10), currency, period} {
		h.Write(n[:binary.PutUvarint(n[:], uint64(len(field)))])
		h.Write([]byte(field))
	}
	return hex.EncodeToString(h.Sum(nil))
}
