package models

import (
	"time"

	"github.com/mmynk/royalties/internal/money"
)

// Work is a creative work with royalty rights.
type Work struct {
	// ID is the caller-assigned stable identifier (e.g. an ISWC or catalog id).
	ID string `json:"id"`

	// MetadataRef points at the work's descriptive metadata held elsewhere.
	MetadataRef string `json:"metadata_ref,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// AgreementStatus is the lifecycle state of a SplitAgreement version.
type AgreementStatus string

const (
	AgreementDraft      AgreementStatus = "draft"
	AgreementActive     AgreementStatus = "active"
	AgreementSuperseded AgreementStatus = "superseded"
	AgreementDisputed   AgreementStatus = "disputed"
)

// Split is one payee's share within an agreement.
type Split struct {
	PayeeID string      `json:"payee_id"`
	Share   money.Share `json:"share"`
}

// SplitAgreement is one immutable-by-content version of a work's ownership
// split. Only Status and the validity bounds change over its lifetime, and
// only through the registry.
type SplitAgreement struct {
	WorkID  string `json:"work_id"`
	Version int64  `json:"version"`

	// Splits keeps the order the agreement was registered with.
	Splits []Split `json:"splits"`

	Status AgreementStatus `json:"status"`

	// ValidFrom is inclusive, ValidTo exclusive. A nil ValidTo means the
	// version is open-ended.
	ValidFrom time.Time  `json:"valid_from"`
	ValidTo   *time.Time `json:"valid_to,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Covers reports whether ts falls inside [ValidFrom, ValidTo).
func (a *SplitAgreement) Covers(ts time.Time) bool {
	if ts.Before(a.ValidFrom) {
		return false
	}
	return a.ValidTo == nil || ts.Before(*a.ValidTo)
}

// Governs reports whether the version takes part in resolution. Drafts
// govern nothing; disputed versions block resolution instead.
func (a *SplitAgreement) Governs() bool {
	return a.Status == AgreementActive || a.Status == AgreementSuperseded
}
