package service

import (
	"context"
	"log/slog"
	"net/http"

	"connectrpc.com/connect"

	"github.com/mmynk/royalties/internal/middleware"
	"github.com/mmynk/royalties/internal/models"
)

const (
	EscrowServiceName = "EscrowService"

	EscrowOpenDisputeProcedure          = "/royalties.v1.EscrowService/OpenDispute"
	EscrowResolveDisputeProcedure       = "/royalties.v1.EscrowService/ResolveDispute"
	EscrowListAccountsProcedure         = "/royalties.v1.EscrowService/ListAccounts"
	EscrowRecordReconciliationProcedure = "/royalties.v1.EscrowService/RecordReconciliation"
)

// Escrow is what EscrowService needs from the escrow manager.
type Escrow interface {
	OpenDispute(ctx context.Context, workID string, version int64, note string) (*models.EscrowAccount, error)
	ResolveDispute(ctx context.Context, workID string, correctedVersion int64) (*models.EscrowAccount, error)
	GetAccounts(ctx context.Context, workID string) ([]*models.EscrowAccount, error)
	RecordReconciliation(ctx context.Context, workID, instructionID, note string, reversed bool) (*models.LedgerEntry, error)
}

// EscrowService manages disputes and held funds.
type EscrowService struct {
	escrow Escrow
}

// NewEscrowService creates a new EscrowService.
func NewEscrowService(escrow Escrow) *EscrowService {
	return &EscrowService{escrow: escrow}
}

// NewEscrowServiceHandler builds an HTTP handler serving svc and returns
// the path to mount it on.
func NewEscrowServiceHandler(svc *EscrowService, opts ...connect.HandlerOption) (string, http.Handler) {
	opts = handlerOptions(opts)
	mux := http.NewServeMux()
	route(mux, EscrowOpenDisputeProcedure, svc.OpenDispute, opts)
	route(mux, EscrowResolveDisputeProcedure, svc.ResolveDispute, opts)
	route(mux, EscrowListAccountsProcedure, svc.ListAccounts, opts)
	route(mux, EscrowRecordReconciliationProcedure, svc.RecordReconciliation, opts)
	return servicePath(EscrowServiceName), mux
}

// OpenDispute disputes an agreement version and starts holding the work's
// revenue.
func (s *EscrowService) OpenDispute(ctx context.Context, req *connect.Request[OpenDisputeRequest]) (*connect.Response[AccountResponse], error) {
	slog.Info("OpenDispute request received",
		"work_id", req.Msg.WorkID,
		"version", req.Msg.Version,
		"subject", middleware.GetSubject(ctx),
	)

	note := req.Msg.Note
	if subject := middleware.GetSubject(ctx); subject != "" {
		note = "opened by " + subject + ": " + note
	}
	acct, err := s.escrow.OpenDispute(ctx, req.Msg.WorkID, req.Msg.Version, note)
	if err != nil {
		return nil, fail("OpenDispute", err, "work_id", req.Msg.WorkID, "version", req.Msg.Version)
	}
	return connect.NewResponse(&AccountResponse{Account: acct}), nil
}

// ResolveDispute applies a corrected agreement and replays held revenue.
func (s *EscrowService) ResolveDispute(ctx context.Context, req *connect.Request[ResolveDisputeRequest]) (*connect.Response[AccountResponse], error) {
	slog.Info("ResolveDispute request received",
		"work_id", req.Msg.WorkID,
		"corrected_version", req.Msg.CorrectedVersion,
	)

	acct, err := s.escrow.ResolveDispute(ctx, req.Msg.WorkID, req.Msg.CorrectedVersion)
	if err != nil {
		return nil, fail("ResolveDispute", err, "work_id", req.Msg.WorkID, "corrected_version", req.Msg.CorrectedVersion)
	}
	return connect.NewResponse(&AccountResponse{Account: acct}), nil
}

// ListAccounts returns every escrow account of a work.
func (s *EscrowService) ListAccounts(ctx context.Context, req *connect.Request[ListAccountsRequest]) (*connect.Response[ListAccountsResponse], error) {
	accounts, err := s.escrow.GetAccounts(ctx, req.Msg.WorkID)
	if err != nil {
		return nil, fail("ListAccounts", err, "work_id", req.Msg.WorkID)
	}
	return connect.NewResponse(&ListAccountsResponse{Accounts: accounts}), nil
}

// RecordReconciliation records a follow-up for a transfer, optionally
// marking it reversed.
func (s *EscrowService) RecordReconciliation(ctx context.Context, req *connect.Request[RecordReconciliationRequest]) (*connect.Response[EntryResponse], error) {
	slog.Info("RecordReconciliation request received",
		"work_id", req.Msg.WorkID,
		"instruction_id", req.Msg.InstructionID,
		"reverse", req.Msg.Reverse,
	)

	entry, err := s.escrow.RecordReconciliation(ctx, req.Msg.WorkID, req.Msg.InstructionID, req.Msg.Note, req.Msg.Reverse)
	if err != nil {
		return nil, fail("RecordReconciliation", err, "instruction_id", req.Msg.InstructionID)
	}
	return connect.NewResponse(&EntryResponse{Entry: entry}), nil
}

// EscrowServiceClient calls EscrowService.
type EscrowServiceClient struct {
	openDispute          *connect.Client[OpenDisputeRequest, AccountResponse]
	resolveDispute       *connect.Client[ResolveDisputeRequest, AccountResponse]
	listAccounts         *connect.Client[ListAccountsRequest, ListAccountsResponse]
	recordReconciliation *connect.Client[RecordReconciliationRequest, EntryResponse]
}

// NewEscrowServiceClient creates a client for the service at baseURL.
func NewEscrowServiceClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) *EscrowServiceClient {
	return &EscrowServiceClient{
		openDispute:          newClient[OpenDisputeRequest, AccountResponse](httpClient, baseURL, EscrowOpenDisputeProcedure, opts),
		resolveDispute:       newClient[ResolveDisputeRequest, AccountResponse](httpClient, baseURL, EscrowResolveDisputeProcedure, opts),
		listAccounts:         newClient[ListAccountsRequest, ListAccountsResponse](httpClient, baseURL, EscrowListAccountsProcedure, opts),
		recordReconciliation: newClient[RecordReconciliationRequest, EntryResponse](httpClient, baseURL, EscrowRecordReconciliationProcedure, opts),
	}
}

func (c *EscrowServiceClient) OpenDispute(ctx context.Context, req *connect.Request[OpenDisputeRequest]) (*connect.Response[AccountResponse], error) {
	return c.openDispute.CallUnary(ctx, req)
}

func (c *EscrowServiceClient) ResolveDispute(ctx context.Context, req *connect.Request[ResolveDisputeRequest]) (*connect.Response[AccountResponse], error) {
	return c.resolveDispute.CallUnary(ctx, req)
}

func (c *EscrowServiceClient) ListAccounts(ctx context.Context, req *connect.Request[ListAccountsRequest]) (*connect.Response[ListAccountsResponse], error) {
	return c.listAccounts.CallUnary(ctx, req)
}

func (c *EscrowServiceClient) RecordReconciliation(ctx context.Context, req *connect.Request[RecordReconciliationRequest]) (*connect.Response[EntryResponse], error) {
	return c.recordReconciliation.CallUnary(ctx, req)
}
