package service

import (
	"context"
	"log/slog"
	"net/http"

	"connectrpc.com/connect"

	"github.com/mmynk/royalties/internal/ingest"
	"github.com/mmynk/royalties/internal/models"
	"github.com/mmynk/royalties/internal/royalty"
)

const (
	RevenueServiceName = "RevenueService"

	RevenueReportRevenueProcedure = "/royalties.v1.RevenueService/ReportRevenue"
	RevenueReprocessProcedure     = "/royalties.v1.RevenueService/Reprocess"
	RevenueFingerprintProcedure   = "/royalties.v1.RevenueService/Fingerprint"
	RevenueGetPlanProcedure       = "/royalties.v1.RevenueService/GetPlan"
	RevenueListPlansProcedure     = "/royalties.v1.RevenueService/ListPlans"
)

// Pipeline runs revenue reports through to settlement.
type Pipeline interface {
	Report(ctx context.Context, report models.RevenueReport) (*royalty.Receipt, error)
	Reprocess(ctx context.Context, fingerprint string) (*royalty.Receipt, error)
}

// PlanReader looks up computed distribution plans.
type PlanReader interface {
	GetPlan(ctx context.Context, planID string) (*models.DistributionPlan, error)
	ListPlansByEvent(ctx context.Context, fingerprint string) ([]*models.DistributionPlan, error)
}

// RevenueService accepts revenue reports from sources.
type RevenueService struct {
	pipeline Pipeline
	plans    PlanReader
}

// NewRevenueService creates a new RevenueService.
func NewRevenueService(pipeline Pipeline, plans PlanReader) *RevenueService {
	return &RevenueService{pipeline: pipeline, plans: plans}
}

// NewRevenueServiceHandler builds an HTTP handler serving svc and returns
// the path to mount it on.
func NewRevenueServiceHandler(svc *RevenueService, opts ...connect.HandlerOption) (string, http.Handler) {
	opts = handlerOptions(opts)
	mux := http.NewServeMux()
	route(mux, RevenueReportRevenueProcedure, svc.ReportRevenue, opts)
	route(mux, RevenueReprocessProcedure, svc.Reprocess, opts)
	route(mux, RevenueFingerprintProcedure, svc.Fingerprint, opts)
	route(mux, RevenueGetPlanProcedure, svc.GetPlan, opts)
	route(mux, RevenueListPlansProcedure, svc.ListPlans, opts)
	return servicePath(RevenueServiceName), mux
}

// ReportRevenue accepts a revenue report. Reporting the same report again
// returns the same event id with Duplicate set.
func (s *RevenueService) ReportRevenue(ctx context.Context, req *connect.Request[ReportRevenueRequest]) (*connect.Response[ReceiptResponse], error) {
	slog.Info("ReportRevenue request received",
		"source_id", req.Msg.SourceID,
		"external_ref", req.Msg.ExternalRef,
		"work_id", req.Msg.WorkID,
		"amount", req.Msg.Amount,
		"currency", req.Msg.Currency,
	)

	receipt, err := s.pipeline.Report(ctx, req.Msg.RevenueReport)
	if err != nil {
		return nil, fail("ReportRevenue", err, "work_id", req.Msg.WorkID, "external_ref", req.Msg.ExternalRef)
	}

	slog.Info("Revenue reported",
		"event_id", receipt.EventID,
		"outcome", receipt.Outcome,
		"duplicate", receipt.Duplicate,
		"instructions", len(receipt.Instructions),
	)
	return connect.NewResponse(&ReceiptResponse{Receipt: receipt}), nil
}

// Reprocess runs a stored event through the pipeline again.
func (s *RevenueService) Reprocess(ctx context.Context, req *connect.Request[ReprocessRequest]) (*connect.Response[ReceiptResponse], error) {
	slog.Info("Reprocess request received", "event_id", req.Msg.EventID)

	receipt, err := s.pipeline.Reprocess(ctx, req.Msg.EventID)
	if err != nil {
		return nil, fail("Reprocess", err, "event_id", req.Msg.EventID)
	}
	return connect.NewResponse(&ReceiptResponse{Receipt: receipt}), nil
}

// Fingerprint returns the event id a report would get without storing it.
func (s *RevenueService) Fingerprint(ctx context.Context, req *connect.Request[FingerprintRequest]) (*connect.Response[FingerprintResponse], error) {
	id, err := ingest.Fingerprint(req.Msg.RevenueReport)
	if err != nil {
		return nil, fail("Fingerprint", err)
	}
	return connect.NewResponse(&FingerprintResponse{EventID: id}), nil
}

// GetPlan returns a distribution plan by id.
func (s *RevenueService) GetPlan(ctx context.Context, req *connect.Request[GetPlanRequest]) (*connect.Response[PlanResponse], error) {
	plan, err := s.plans.GetPlan(ctx, req.Msg.PlanID)
	if err != nil {
		return nil, fail("GetPlan", err, "plan_id", req.Msg.PlanID)
	}
	return connect.NewResponse(&PlanResponse{Plan: plan}), nil
}

// ListPlans returns every plan computed for an event.
func (s *RevenueService) ListPlans(ctx context.Context, req *connect.Request[ListPlansRequest]) (*connect.Response[ListPlansResponse], error) {
	plans, err := s.plans.ListPlansByEvent(ctx, req.Msg.EventID)
	if err != nil {
		return nil, fail("ListPlans", err, "event_id", req.Msg.EventID)
	}
	return connect.NewResponse(&ListPlansResponse{Plans: plans}), nil
}

// RevenueServiceClient calls RevenueService.
type RevenueServiceClient struct {
	reportRevenue *connect.Client[ReportRevenueRequest, ReceiptResponse]
	reprocess     *connect.Client[ReprocessRequest, ReceiptResponse]
	fingerprint   *connect.Client[FingerprintRequest, FingerprintResponse]
	getPlan       *connect.Client[GetPlanRequest, PlanResponse]
	listPlans     *connect.Client[ListPlansRequest, ListPlansResponse]
}

// NewRevenueServiceClient creates a client for the service at baseURL.
func NewRevenueServiceClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) *RevenueServiceClient {
	return &RevenueServiceClient{
		reportRevenue: newClient[ReportRevenueRequest, ReceiptResponse](httpClient, baseURL, RevenueReportRevenueProcedure, opts),
		reprocess:     newClient[ReprocessRequest, ReceiptResponse](httpClient, baseURL, RevenueReprocessProcedure, opts),
		fingerprint:   newClient[FingerprintRequest, FingerprintResponse](httpClient, baseURL, RevenueFingerprintProcedure, opts),
		getPlan:       newClient[GetPlanRequest, PlanResponse](httpClient, baseURL, RevenueGetPlanProcedure, opts),
		listPlans:     newClient[ListPlansRequest, ListPlansResponse](httpClient, baseURL, RevenueListPlansProcedure, opts),
	}
}

func (c *RevenueServiceClient) ReportRevenue(ctx context.Context, req *connect.Request[ReportRevenueRequest]) (*connect.Response[ReceiptResponse], error) {
	return c.reportRevenue.CallUnary(ctx, req)
}

func (c *RevenueServiceClient) Reprocess(ctx context.Context, req *connect.Request[ReprocessRequest]) (*connect.Response[ReceiptResponse], error) {
	return c.reprocess.CallUnary(ctx, req)
}

func (c *RevenueServiceClient) Fingerprint(ctx context.Context, req *connect.Request[FingerprintRequest]) (*connect.Response[FingerprintResponse], error) {
	return c.fingerprint.CallUnary(ctx, req)
}

func (c *RevenueServiceClient) GetPlan(ctx context.Context, req *connect.Request[GetPlanRequest]) (*connect.Response[PlanResponse], error) {
	return c.getPlan.CallUnary(ctx, req)
}

func (c *RevenueServiceClient) ListPlans(ctx context.Context, req *connect.Request[ListPlansRequest]) (*connect.Response[ListPlansResponse], error) {
	return c.listPlans.CallUnary(ctx, req)
}
