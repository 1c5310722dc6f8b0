package service

import (
	"time"

	"github.com/mmynk/royalties/internal/calculator"
	"github.com/mmynk/royalties/internal/models"
	"github.com/mmynk/royalties/internal/royalty"
)

// Registry messages.

type RegisterWorkRequest struct {
	WorkID      string `json:"work_id"`
	MetadataRef string `json:"metadata_ref,omitempty"`
}

type WorkResponse struct {
	Work *models.Work `json:"work"`
}

type ListWorksRequest struct{}

type ListWorksResponse struct {
	Works []*models.Work `json:"works"`
}

type RegisterAgreementRequest struct {
	WorkID    string         `json:"work_id"`
	Splits    []models.Split `json:"splits"`
	ValidFrom time.Time      `json:"valid_from"`
}

type ActivateAgreementRequest struct {
	WorkID  string `json:"work_id"`
	Version int64  `json:"version"`
}

type AgreementResponse struct {
	Agreement *models.SplitAgreement `json:"agreement"`
}

type ListAgreementsRequest struct {
	WorkID string `json:"work_id"`
}

type ListAgreementsResponse struct {
	Agreements []*models.SplitAgreement `json:"agreements"`
}

// GetActiveAgreementRequest asks which version governs At; a zero At means
// now.
type GetActiveAgreementRequest struct {
	WorkID string    `json:"work_id"`
	At     time.Time `json:"at"`
}

// Revenue messages.

type ReportRevenueRequest struct {
	models.RevenueReport
}

type ReprocessRequest struct {
	EventID string `json:"event_id"`
}

type ReceiptResponse struct {
	Receipt *royalty.Receipt `json:"receipt"`
}

type FingerprintRequest struct {
	models.RevenueReport
}

type FingerprintResponse struct {
	EventID string `json:"event_id"`
}

type GetPlanRequest struct {
	PlanID string `json:"plan_id"`
}

type PlanResponse struct {
	Plan *models.DistributionPlan `json:"plan"`
}

type ListPlansRequest struct {
	EventID string `json:"event_id"`
}

type ListPlansResponse struct {
	Plans []*models.DistributionPlan `json:"plans"`
}

// Settlement messages.

type NotifyFinalizedRequest struct {
	TransactionID string `json:"transaction_id"`
}

type NotifyRejectedRequest struct {
	TransactionID string `json:"transaction_id"`
	Reason        string `json:"reason"`
}

type NotifyResponse struct{}

type RetryInstructionRequest struct {
	InstructionID string `json:"instruction_id"`
}

type InstructionResponse struct {
	Instruction *models.PayoutInstruction `json:"instruction"`
}

type ListInstructionsRequest struct {
	EventID string `json:"event_id"`
}

type ListFailedRequest struct {
	WorkID string `json:"work_id"`
}

type ListInstructionsResponse struct {
	Instructions []*models.PayoutInstruction `json:"instructions"`
}

type PayeeStatementRequest struct {
	PayeeID string `json:"payee_id"`
}

type PayeeStatementResponse struct {
	Balances []calculator.PayeeBalance `json:"balances"`
}

type RetryDueRequest struct{}

type RetryDueResponse struct {
	Submitted int `json:"submitted"`
}

// Escrow messages.

type OpenDisputeRequest struct {
	WorkID  string `json:"work_id"`
	Version int64  `json:"version"`
	Note    string `json:"note,omitempty"`
}

type ResolveDisputeRequest struct {
	WorkID           string `json:"work_id"`
	CorrectedVersion int64  `json:"corrected_version"`
}

type AccountResponse struct {
	Account *models.EscrowAccount `json:"account"`
}

type ListAccountsRequest struct {
	WorkID string `json:"work_id"`
}

type ListAccountsResponse struct {
	Accounts []*models.EscrowAccount `json:"accounts"`
}

type RecordReconciliationRequest struct {
	WorkID        string `json:"work_id"`
	InstructionID string `json:"instruction_id"`
	Note          string `json:"note"`
	Reverse       bool   `json:"reverse,omitempty"`
}

type EntryResponse struct {
	Entry *models.LedgerEntry `json:"entry"`
}

// Audit messages.

// QueryAuditRequest selects entries by exactly one of work, event or payee.
type QueryAuditRequest struct {
	WorkID  string    `json:"work_id,omitempty"`
	EventID string    `json:"event_id,omitempty"`
	PayeeID string    `json:"payee_id,omitempty"`
	From    time.Time `json:"from"`
	To      time.Time `json:"to"`
}

type QueryAuditResponse struct {
	Entries []*models.LedgerEntry `json:"entries"`
}

// Auth messages.

type LoginRequest struct {
	Subject string `json:"subject"`
	Key     string `json:"key"`
}

type LoginResponse struct {
	Token string `json:"token"`
	Role  string `json:"role"`
}

type WhoAmIRequest struct{}

type WhoAmIResponse struct {
	Subject string `json:"subject"`
	Role    string `json:"role"`
}
