package models

import (
	"fmt"
	"time"
)

// PlanLine is one payee's amount within a plan.
type PlanLine struct {
	PayeeID string `json:"payee_id"`
	Amount  int64  `json:"amount"`
}

// DistributionPlan is the immutable payout breakdown of one revenue event
// against one agreement version.
type DistributionPlan struct {
	ID               string `json:"id"`
	EventFingerprint string `json:"event_fingerprint"`
	WorkID           string `json:"work_id"`
	AgreementVersion int64  `json:"agreement_version"`
	Currency         string `json:"currency"`

	Gross       int64 `json:"gross"`
	PlatformFee int64 `json:"platform_fee"`

	// Distributable is Gross minus PlatformFee; Lines always sum to it.
	Distributable int64 `json:"distributable"`

	// Lines are ordered as the agreement's splits.
	Lines []PlanLine `json:"lines"`

	ComputedAt time.Time `json:"computed_at"`
}

// PlanID returns the deterministic plan identifier for an event resolved
// against an agreement version.
func PlanID(fingerprint string, version int64) string {
	return fmt.Sprintf("%s/v%d", fingerprint, version)
}

// Sum adds up the plan lines.
func (p *DistributionPlan) Sum() int64 {
	var total int64
	for _, l := range p.Lines {
		total += l.Amount
	}
	return total
}
