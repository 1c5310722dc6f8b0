package models

import "time"

// RevenueReport is a raw report as submitted by a revenue source.
type RevenueReport struct {
	SourceID    string `json:"source_id"`
	ExternalRef string `json:"external_ref"`
	WorkID      string `json:"work_id"`

	// Amount is a decimal string in the currency's major unit ("12.34").
	Amount   string `json:"amount"`
	Currency string `json:"currency"`

	// Period identifies the reporting period as the source names it,
	// e.g. "2024-05".
	Period string `json:"period"`

	ReportedAt time.Time `json:"reported_at"`
}

// RevenueEvent is an accepted, normalized revenue report. Its Fingerprint
// is derived from source-provided fields only, so the same report always
// maps to the same event.
type RevenueEvent struct {
	Fingerprint string `json:"fingerprint"`
	SourceID    string `json:"source_id"`
	ExternalRef string `json:"external_ref"`
	WorkID      string `json:"work_id"`

	// Gross is in minor units of Currency.
	Gross    int64  `json:"gross"`
	Currency string `json:"currency"`
	Period   string `json:"period"`

	ReportedAt time.Time `json:"reported_at"`
	AcceptedAt time.Time `json:"accepted_at"`
}
