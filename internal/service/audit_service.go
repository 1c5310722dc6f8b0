package service

import (
	"context"
	"net/http"

	"connectrpc.com/connect"

	"github.com/mmynk/royalties/internal/audit"
	"github.com/mmynk/royalties/internal/models"
)

const (
	AuditServiceName = "AuditService"

	AuditQueryProcedure = "/royalties.v1.AuditService/Query"
)

// AuditReader runs audit queries.
type AuditReader interface {
	Find(ctx context.Context, q audit.Query) ([]*models.LedgerEntry, error)
}

// AuditService answers read-only audit queries.
type AuditService struct {
	ledger AuditReader
}

// NewAuditService creates a new AuditService.
func NewAuditService(ledger AuditReader) *AuditService {
	return &AuditService{ledger: ledger}
}

// NewAuditServiceHandler builds an HTTP handler serving svc and returns the
// path to mount it on.
func NewAuditServiceHandler(svc *AuditService, opts ...connect.HandlerOption) (string, http.Handler) {
	opts = handlerOptions(opts)
	mux := http.NewServeMux()
	route(mux, AuditQueryProcedure, svc.Query, opts)
	return servicePath(AuditServiceName), mux
}

// Query returns ledger entries by work, event or payee.
func (s *AuditService) Query(ctx context.Context, req *connect.Request[QueryAuditRequest]) (*connect.Response[QueryAuditResponse], error) {
	entries, err := s.ledger.Find(ctx, audit.Query{
		WorkID:           req.Msg.WorkID,
		EventFingerprint: req.Msg.EventID,
		PayeeID:          req.Msg.PayeeID,
		From:             req.Msg.From,
		To:               req.Msg.To,
	})
	if err != nil {
		return nil, fail("AuditQuery", err, "work_id", req.Msg.WorkID, "event_id", req.Msg.EventID, "payee_id", req.Msg.PayeeID)
	}
	return connect.NewResponse(&QueryAuditResponse{Entries: entries}), nil
}

// AuditServiceClient calls AuditService.
type AuditServiceClient struct {
	query *connect.Client[QueryAuditRequest, QueryAuditResponse]
}

// NewAuditServiceClient creates a client for the service at baseURL.
func NewAuditServiceClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) *AuditServiceClient {
	return &AuditServiceClient{
		query: newClient[QueryAuditRequest, QueryAuditResponse](httpClient, baseURL, AuditQueryProcedure, opts),
	}
}

func (c *AuditServiceClient) Query(ctx context.Context, req *connect.Request[QueryAuditRequest]) (*connect.Response[QueryAuditResponse], error) {
	return c.query.CallUnary(ctx, req)
}
