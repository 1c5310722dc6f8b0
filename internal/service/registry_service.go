package service

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"connectrpc.com/connect"

	"github.com/mmynk/royalties/internal/models"
)

const (
	RegistryServiceName = "RegistryService"

	RegistryRegisterWorkProcedure       = "/royalties.v1.RegistryService/RegisterWork"
	RegistryListWorksProcedure          = "/royalties.v1.RegistryService/ListWorks"
	RegistryRegisterAgreementProcedure  = "/royalties.v1.RegistryService/RegisterAgreement"
	RegistryActivateAgreementProcedure  = "/royalties.v1.RegistryService/ActivateAgreement"
	RegistryListAgreementsProcedure     = "/royalties.v1.RegistryService/ListAgreements"
	RegistryGetActiveAgreementProcedure = "/royalties.v1.RegistryService/GetActiveAgreement"
)

// Registry is what RegistryService needs from the rights registry.
type Registry interface {
	RegisterWork(ctx context.Context, work *models.Work) error
	ListWorks(ctx context.Context) ([]*models.Work, error)
	RegisterAgreement(ctx context.Context, workID string, splits []models.Split, validFrom time.Time) (*models.SplitAgreement, error)
	ActivateAgreement(ctx context.Context, workID string, version int64) (*models.SplitAgreement, error)
	ListAgreements(ctx context.Context, workID string) ([]*models.SplitAgreement, error)
	ResolveActiveAgreement(ctx context.Context, workID string, ts time.Time) (*models.SplitAgreement, error)
}

// RegistryService exposes works and split agreements.
type RegistryService struct {
	registry Registry
}

// NewRegistryService creates a new RegistryService.
func NewRegistryService(registry Registry) *RegistryService {
	return &RegistryService{registry: registry}
}

// NewRegistryServiceHandler builds an HTTP handler serving svc and returns
// the path to mount it on.
func NewRegistryServiceHandler(svc *RegistryService, opts ...connect.HandlerOption) (string, http.Handler) {
	opts = handlerOptions(opts)
	mux := http.NewServeMux()
	route(mux, RegistryRegisterWorkProcedure, svc.RegisterWork, opts)
	route(mux, RegistryListWorksProcedure, svc.ListWorks, opts)
	route(mux, RegistryRegisterAgreementProcedure, svc.RegisterAgreement, opts)
	route(mux, RegistryActivateAgreementProcedure, svc.ActivateAgreement, opts)
	route(mux, RegistryListAgreementsProcedure, svc.ListAgreements, opts)
	route(mux, RegistryGetActiveAgreementProcedure, svc.GetActiveAgreement, opts)
	return servicePath(RegistryServiceName), mux
}

// RegisterWork adds a work.
func (s *RegistryService) RegisterWork(ctx context.Context, req *connect.Request[RegisterWorkRequest]) (*connect.Response[WorkResponse], error) {
	slog.Info("RegisterWork request received", "work_id", req.Msg.WorkID)

	work := &models.Work{ID: req.Msg.WorkID, MetadataRef: req.Msg.MetadataRef}
	if err := s.registry.RegisterWork(ctx, work); err != nil {
		if errors.Is(err, models.ErrConflict) {
			return nil, connect.NewError(connect.CodeAlreadyExists, err)
		}
		return nil, fail("RegisterWork", err, "work_id", req.Msg.WorkID)
	}

	return connect.NewResponse(&WorkResponse{Work: work}), nil
}

// ListWorks returns every registered work.
func (s *RegistryService) ListWorks(ctx context.Context, req *connect.Request[ListWorksRequest]) (*connect.Response[ListWorksResponse], error) {
	works, err := s.registry.ListWorks(ctx)
	if err != nil {
		return nil, fail("ListWorks", err)
	}
	return connect.NewResponse(&ListWorksResponse{Works: works}), nil
}

// RegisterAgreement stores a Draft agreement version.
func (s *RegistryService) RegisterAgreement(ctx context.Context, req *connect.Request[RegisterAgreementRequest]) (*connect.Response[AgreementResponse], error) {
	slog.Info("RegisterAgreement request received",
		"work_id", req.Msg.WorkID,
		"payees", len(req.Msg.Splits),
		"valid_from", req.Msg.ValidFrom,
	)

	agreement, err := s.registry.RegisterAgreement(ctx, req.Msg.WorkID, req.Msg.Splits, req.Msg.ValidFrom)
	if err != nil {
		return nil, fail("RegisterAgreement", err, "work_id", req.Msg.WorkID)
	}

	return connect.NewResponse(&AgreementResponse{Agreement: agreement}), nil
}

// ActivateAgreement makes a Draft version Active.
func (s *RegistryService) ActivateAgreement(ctx context.Context, req *connect.Request[ActivateAgreementRequest]) (*connect.Response[AgreementResponse], error) {
	slog.Info("ActivateAgreement request received", "work_id", req.Msg.WorkID, "version", req.Msg.Version)

	agreement, err := s.registry.ActivateAgreement(ctx, req.Msg.WorkID, req.Msg.Version)
	if err != nil {
		return nil, fail("ActivateAgreement", err, "work_id", req.Msg.WorkID, "version", req.Msg.Version)
	}

	return connect.NewResponse(&AgreementResponse{Agreement: agreement}), nil
}

// ListAgreements returns every version of a work's agreement.
func (s *RegistryService) ListAgreements(ctx context.Context, req *connect.Request[ListAgreementsRequest]) (*connect.Response[ListAgreementsResponse], error) {
	agreements, err := s.registry.ListAgreements(ctx, req.Msg.WorkID)
	if err != nil {
		return nil, fail("ListAgreements", err, "work_id", req.Msg.WorkID)
	}
	return connect.NewResponse(&ListAgreementsResponse{Agreements: agreements}), nil
}

// GetActiveAgreement returns the version governing a point in time.
func (s *RegistryService) GetActiveAgreement(ctx context.Context, req *connect.Request[GetActiveAgreementRequest]) (*connect.Response[AgreementResponse], error) {
	at := req.Msg.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	agreement, err := s.registry.ResolveActiveAgreement(ctx, req.Msg.WorkID, at)
	if err != nil {
		return nil, fail("GetActiveAgreement", err, "work_id", req.Msg.WorkID, "at", at)
	}
	return connect.NewResponse(&AgreementResponse{Agreement: agreement}), nil
}

// RegistryServiceClient calls RegistryService.
type RegistryServiceClient struct {
	registerWork       *connect.Client[RegisterWorkRequest, WorkResponse]
	listWorks          *connect.Client[ListWorksRequest, ListWorksResponse]
	registerAgreement  *connect.Client[RegisterAgreementRequest, AgreementResponse]
	activateAgreement  *connect.Client[ActivateAgreementRequest, AgreementResponse]
	listAgreements     *connect.Client[ListAgreementsRequest, ListAgreementsResponse]
	getActiveAgreement *connect.Client[GetActiveAgreementRequest, AgreementResponse]
}

// NewRegistryServiceClient creates a client for the service at baseURL.
func NewRegistryServiceClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) *RegistryServiceClient {
	return &RegistryServiceClient{
		registerWork:       newClient[RegisterWorkRequest, WorkResponse](httpClient, baseURL, RegistryRegisterWorkProcedure, opts),
		listWorks:          newClient[ListWorksRequest, ListWorksResponse](httpClient, baseURL, RegistryListWorksProcedure, opts),
		registerAgreement:  newClient[RegisterAgreementRequest, AgreementResponse](httpClient, baseURL, RegistryRegisterAgreementProcedure, opts),
		activateAgreement:  newClient[ActivateAgreementRequest, AgreementResponse](httpClient, baseURL, RegistryActivateAgreementProcedure, opts),
		listAgreements:     newClient[ListAgreementsRequest, ListAgreementsResponse](httpClient, baseURL, RegistryListAgreementsProcedure, opts),
		getActiveAgreement: newClient[GetActiveAgreementRequest, AgreementResponse](httpClient, baseURL, RegistryGetActiveAgreementProcedure, opts),
	}
}

func (c *RegistryServiceClient) RegisterWork(ctx context.Context, req *connect.Request[RegisterWorkRequest]) (*connect.Response[WorkResponse], error) {
	return c.registerWork.CallUnary(ctx, req)
}

func (c *RegistryServiceClient) ListWorks(ctx context.Context, req *connect.Request[ListWorksRequest]) (*connect.Response[ListWorksResponse], error) {
	return c.listWorks.CallUnary(ctx, req)
}

func (c *RegistryServiceClient) RegisterAgreement(ctx context.Context, req *connect.Request[RegisterAgreementRequest]) (*connect.Response[AgreementResponse], error) {
	return c.registerAgreement.CallUnary(ctx, req)
}

func (c *RegistryServiceClient) ActivateAgreement(ctx context.Context, req *connect.Request[ActivateAgreementRequest]) (*connect.Response[AgreementResponse], error) {
	return c.activateAgreement.CallUnary(ctx, req)
}

func (c *RegistryServiceClient) ListAgreements(ctx context.Context, req *connect.Request[ListAgreementsRequest]) (*connect.Response[ListAgreementsResponse], error) {
	return c.listAgreements.CallUnary(ctx, req)
}

func (c *RegistryServiceClient) GetActiveAgreement(ctx context.Context, req *connect.Request[GetActiveAgreementRequest]) (*connect.Response[AgreementResponse], error) {
	return c.getActiveAgreement.CallUnary(ctx, req)
}
