package models

import "time"

// EscrowReason says why funds are held.
type EscrowReason string

const (
	EscrowPendingFinality  EscrowReason = "pending_finality"
	EscrowDisputed         EscrowReason = "disputed"
	EscrowSettlementFailed EscrowReason = "settlement_failed"
)

// EscrowState is the state of an escrow account.
//
//	Holding -> Resolving -> Released
type EscrowState string

const (
	EscrowStateHolding   EscrowState = "holding"
	EscrowStateResolving EscrowState = "resolving"
	EscrowStateReleased  EscrowState = "released"
)

// EscrowHolding is one amount held in an account. Ref is the event
// fingerprint for disputes and the instruction id otherwise.
type EscrowHolding struct {
	Ref        string    `json:"ref"`
	Amount     int64     `json:"amount"`
	Currency   string    `json:"currency"`
	ReportedAt time.Time `json:"reported_at"`
	HeldAt     time.Time `json:"held_at"`
}

// EscrowAccount holds funds of one work for one reason.
type EscrowAccount struct {
	ID     string       `json:"id"`
	WorkID string       `json:"work_id"`
	Reason EscrowReason `json:"reason"`
	State  EscrowState  `json:"state"`

	// DisputedVersion and CorrectedVersion are only set for dispute
	// accounts. ReleaseCondition describes what releases the funds.
	DisputedVersion  int64  `json:"disputed_version,omitempty"`
	CorrectedVersion int64  `json:"corrected_version,omitempty"`
	ReleaseCondition string `json:"release_condition"`
	Note             string `json:"note,omitempty"`

	Holdings []EscrowHolding `json:"holdings"`

	OpenedAt   time.Time  `json:"opened_at"`
	ReleasedAt *time.Time `json:"released_at,omitempty"`
}

// Held sums the holdings per currency.
func (a *EscrowAccount) Held() map[string]int64 {
	held := make(map[string]int64)
	for _, h := range a.Holdings {
		held[h.Currency] += h.Amount
	}
	return held
}
