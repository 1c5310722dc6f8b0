package service

import (
	"context"
	"log/slog"
	"net/http"

	"connectrpc.com/connect"

	"github.com/mmynk/royalties/internal/calculator"
	"github.com/mmynk/royalties/internal/models"
)

const (
	SettlementServiceName = "SettlementService"

	SettlementNotifyFinalizedProcedure  = "/royalties.v1.SettlementService/NotifyFinalized"
	SettlementNotifyRejectedProcedure   = "/royalties.v1.SettlementService/NotifyRejected"
	SettlementRetryInstructionProcedure = "/royalties.v1.SettlementService/RetryInstruction"
	SettlementRetryDueProcedure         = "/royalties.v1.SettlementService/RetryDue"
	SettlementListInstructionsProcedure = "/royalties.v1.SettlementService/ListInstructions"
	SettlementListFailedProcedure       = "/royalties.v1.SettlementService/ListFailed"
	SettlementPayeeStatementProcedure   = "/royalties.v1.SettlementService/PayeeStatement"
)

// Settlement is what SettlementService needs from the settlement engine.
type Settlement interface {
	OnFinalized(ctx context.Context, txID string) error
	OnRejected(ctx context.Context, txID, reason string) error
	Retry(ctx context.Context, instructionID string) (*models.PayoutInstruction, error)
	RetryDue(ctx context.Context) (int, error)
	ListInstructions(ctx context.Context, fingerprint string) ([]*models.PayoutInstruction, error)
	ListFailed(ctx context.Context, workID string) ([]*models.PayoutInstruction, error)
	PayeeBalances(ctx context.Context, payeeID string) ([]calculator.PayeeBalance, error)
}

// SettlementService receives substrate finality callbacks and lets
// operators inspect and retry payouts.
type SettlementService struct {
	engine Settlement
}

// NewSettlementService creates a new SettlementService.
func NewSettlementService(engine Settlement) *SettlementService {
	return &SettlementService{engine: engine}
}

// NewSettlementServiceHandler builds an HTTP handler serving svc and
// returns the path to mount it on.
func NewSettlementServiceHandler(svc *SettlementService, opts ...connect.HandlerOption) (string, http.Handler) {
	opts = handlerOptions(opts)
	mux := http.NewServeMux()
	route(mux, SettlementNotifyFinalizedProcedure, svc.NotifyFinalized, opts)
	route(mux, SettlementNotifyRejectedProcedure, svc.NotifyRejected, opts)
	route(mux, SettlementRetryInstructionProcedure, svc.RetryInstruction, opts)
	route(mux, SettlementRetryDueProcedure, svc.RetryDue, opts)
	route(mux, SettlementListInstructionsProcedure, svc.ListInstructions, opts)
	route(mux, SettlementListFailedProcedure, svc.ListFailed, opts)
	route(mux, SettlementPayeeStatementProcedure, svc.PayeeStatement, opts)
	return servicePath(SettlementServiceName), mux
}

// NotifyFinalized reports that the substrate finalized a transaction.
func (s *SettlementService) NotifyFinalized(ctx context.Context, req *connect.Request[NotifyFinalizedRequest]) (*connect.Response[NotifyResponse], error) {
	slog.Info("NotifyFinalized request received", "tx_id", req.Msg.TransactionID)
	if req.Msg.TransactionID == "" {
		return nil, invalid("transaction_id is required")
	}

	if err := s.engine.OnFinalized(ctx, req.Msg.TransactionID); err != nil {
		return nil, fail("NotifyFinalized", err, "tx_id", req.Msg.TransactionID)
	}
	return connect.NewResponse(&NotifyResponse{}), nil
}

// NotifyRejected reports that the substrate rejected a transaction.
func (s *SettlementService) NotifyRejected(ctx context.Context, req *connect.Request[NotifyRejectedRequest]) (*connect.Response[NotifyResponse], error) {
	slog.Info("NotifyRejected request received", "tx_id", req.Msg.TransactionID, "reason", req.Msg.Reason)
	if req.Msg.TransactionID == "" {
		return nil, invalid("transaction_id is required")
	}

	if err := s.engine.OnRejected(ctx, req.Msg.TransactionID, req.Msg.Reason); err != nil {
		return nil, fail("NotifyRejected", err, "tx_id", req.Msg.TransactionID)
	}
	return connect.NewResponse(&NotifyResponse{}), nil
}

// RetryInstruction resubmits a failed instruction, including one that
// exhausted its retries.
func (s *SettlementService) RetryInstruction(ctx context.Context, req *connect.Request[RetryInstructionRequest]) (*connect.Response[InstructionResponse], error) {
	slog.Info("RetryInstruction request received", "instruction_id", req.Msg.InstructionID)

	in, err := s.engine.Retry(ctx, req.Msg.InstructionID)
	if err != nil {
		return nil, fail("RetryInstruction", err, "instruction_id", req.Msg.InstructionID)
	}
	return connect.NewResponse(&InstructionResponse{Instruction: in}), nil
}

// RetryDue runs one pass of the retry loop now.
func (s *SettlementService) RetryDue(ctx context.Context, req *connect.Request[RetryDueRequest]) (*connect.Response[RetryDueResponse], error) {
	n, err := s.engine.RetryDue(ctx)
	if err != nil {
		return nil, fail("RetryDue", err)
	}
	return connect.NewResponse(&RetryDueResponse{Submitted: n}), nil
}

// ListInstructions returns the payout instructions of an event.
func (s *SettlementService) ListInstructions(ctx context.Context, req *connect.Request[ListInstructionsRequest]) (*connect.Response[ListInstructionsResponse], error) {
	ins, err := s.engine.ListInstructions(ctx, req.Msg.EventID)
	if err != nil {
		return nil, fail("ListInstructions", err, "event_id", req.Msg.EventID)
	}
	return connect.NewResponse(&ListInstructionsResponse{Instructions: ins}), nil
}

// ListFailed returns the failed instructions of a work.
func (s *SettlementService) ListFailed(ctx context.Context, req *connect.Request[ListFailedRequest]) (*connect.Response[ListInstructionsResponse], error) {
	ins, err := s.engine.ListFailed(ctx, req.Msg.WorkID)
	if err != nil {
		return nil, fail("ListFailed", err, "work_id", req.Msg.WorkID)
	}
	return connect.NewResponse(&ListInstructionsResponse{Instructions: ins}), nil
}

// PayeeStatement summarizes a payee's payouts per currency.
func (s *SettlementService) PayeeStatement(ctx context.Context, req *connect.Request[PayeeStatementRequest]) (*connect.Response[PayeeStatementResponse], error) {
	if req.Msg.PayeeID == "" {
		return nil, invalid("payee_id is required")
	}
	balances, err := s.engine.PayeeBalances(ctx, req.Msg.PayeeID)
	if err != nil {
		return nil, fail("PayeeStatement", err, "payee_id", req.Msg.PayeeID)
	}
	return connect.NewResponse(&PayeeStatementResponse{Balances: balances}), nil
}

// SettlementServiceClient calls SettlementService.
type SettlementServiceClient struct {
	notifyFinalized  *connect.Client[NotifyFinalizedRequest, NotifyResponse]
	notifyRejected   *connect.Client[NotifyRejectedRequest, NotifyResponse]
	retryInstruction *connect.Client[RetryInstructionRequest, InstructionResponse]
	retryDue         *connect.Client[RetryDueRequest, RetryDueResponse]
	listInstructions *connect.Client[ListInstructionsRequest, ListInstructionsResponse]
	listFailed       *connect.Client[ListFailedRequest, ListInstructionsResponse]
	payeeStatement   *connect.Client[PayeeStatementRequest, PayeeStatementResponse]
}

// NewSettlementServiceClient creates a client for the service at baseURL.
func NewSettlementServiceClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) *SettlementServiceClient {
	return &SettlementServiceClient{
		notifyFinalized:  newClient[NotifyFinalizedRequest, NotifyResponse](httpClient, baseURL, SettlementNotifyFinalizedProcedure, opts),
		notifyRejected:   newClient[NotifyRejectedRequest, NotifyResponse](httpClient, baseURL, SettlementNotifyRejectedProcedure, opts),
		retryInstruction: newClient[RetryInstructionRequest, InstructionResponse](httpClient, baseURL, SettlementRetryInstructionProcedure, opts),
		retryDue:         newClient[RetryDueRequest, RetryDueResponse](httpClient, baseURL, SettlementRetryDueProcedure, opts),
		listInstructions: newClient[ListInstructionsRequest, ListInstructionsResponse](httpClient, baseURL, SettlementListInstructionsProcedure, opts),
		listFailed:       newClient[ListFailedRequest, ListInstructionsResponse](httpClient, baseURL, SettlementListFailedProcedure, opts),
		payeeStatement:   newClient[PayeeStatementRequest, PayeeStatementResponse](httpClient, baseURL, SettlementPayeeStatementProcedure, opts),
	}
}

func (c *SettlementServiceClient) NotifyFinalized(ctx context.Context, req *connect.Request[NotifyFinalizedRequest]) (*connect.Response[NotifyResponse], error) {
	return c.notifyFinalized.CallUnary(ctx, req)
}

func (c *SettlementServiceClient) NotifyRejected(ctx context.Context, req *connect.Request[NotifyRejectedRequest]) (*connect.Response[NotifyResponse], error) {
	return c.notifyRejected.CallUnary(ctx, req)
}

func (c *SettlementServiceClient) RetryInstruction(ctx context.Context, req *connect.Request[RetryInstructionRequest]) (*connect.Response[InstructionResponse], error) {
	return c.retryInstruction.CallUnary(ctx, req)
}

func (c *SettlementServiceClient) RetryDue(ctx context.Context, req *connect.Request[RetryDueRequest]) (*connect.Response[RetryDueResponse], error) {
	return c.retryDue.CallUnary(ctx, req)
}

func (c *SettlementServiceClient) ListInstructions(ctx context.Context, req *connect.Request[ListInstructionsRequest]) (*connect.Response[ListInstructionsResponse], error) {
	return c.listInstructions.CallUnary(ctx, req)
}

func (c *SettlementServiceClient) ListFailed(ctx context.Context, req *connect.Request[ListFailedRequest]) (*connect.Response[ListInstructionsResponse], error) {
	return c.listFailed.CallUnary(ctx, req)
}

func (c *SettlementServiceClient) PayeeStatement(ctx context.Context, req *connect.Request[PayeeStatementRequest]) (*connect.Response[PayeeStatementResponse], error) {
	return c.payeeStatement.CallUnary(ctx, req)
}
