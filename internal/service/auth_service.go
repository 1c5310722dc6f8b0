package service

import (
	"context"
	"log/slog"
	"net/http"

	"connectrpc.com/connect"

	"github.com/mmynk/royalties/internal/auth"
	"github.com/mmynk/royalties/internal/middleware"
)

const (
	AuthServiceName = "AuthService"

	AuthLoginProcedure  = "/royalties.v1.AuthService/Login"
	AuthWhoAmIProcedure = "/royalties.v1.AuthService/WhoAmI"
)

// AuthService exchanges API keys for tokens.
type AuthService struct {
	authenticator auth.Authenticator
	jwtManager    *auth.JWTManager
	logger        *slog.Logger
}

// NewAuthService creates a new authentication service.
func NewAuthService(authenticator auth.Authenticator, jwtManager *auth.JWTManager, logger *slog.Logger) *AuthService {
	return &AuthService{
		authenticator: authenticator,
		jwtManager:    jwtManager,
		logger:        logger,
	}
}

// NewAuthServiceHandler builds an HTTP handler serving svc and returns the
// path to mount it on.
func NewAuthServiceHandler(svc *AuthService, opts ...connect.HandlerOption) (string, http.Handler) {
	opts = handlerOptions(opts)
	mux := http.NewServeMux()
	route(mux, AuthLoginProcedure, svc.Login, opts)
	route(mux, AuthWhoAmIProcedure, svc.WhoAmI, opts)
	return servicePath(AuthServiceName), mux
}

// Login authenticates a principal and returns a JWT token.
func (s *AuthService) Login(ctx context.Context, req *connect.Request[LoginRequest]) (*connect.Response[LoginResponse], error) {
	s.logger.Info("Login request", "subject", req.Msg.Subject)

	// Validate input
	if req.Msg.Subject == "" || req.Msg.Key == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, auth.ErrInvalidCredentials)
	}

	principal, err := s.authenticator.Authenticate(ctx, req.Msg.Subject, req.Msg.Key)
	if err != nil {
		s.logger.Warn("Login failed", "subject", req.Msg.Subject, "error", err)
		return nil, connect.NewError(connect.CodeUnauthenticated, auth.ErrInvalidCredentials)
	}

	token, err := s.jwtManager.Generate(principal.Subject, principal.Role)
	if err != nil {
		s.logger.Error("Failed to generate token", "subject", principal.Subject, "error", err)
		return nil, connect.NewError(connect.CodeInternal, err)
	}

	s.logger.Info("Principal logged in", "subject", principal.Subject, "role", principal.Role)
	return connect.NewResponse(&LoginResponse{Token: token, Role: string(principal.Role)}), nil
}

// WhoAmI returns the principal of the calling token.
func (s *AuthService) WhoAmI(ctx context.Context, req *connect.Request[WhoAmIRequest]) (*connect.Response[WhoAmIResponse], error) {
	subject := middleware.GetSubject(ctx)
	if subject == "" {
		return nil, connect.NewError(connect.CodeUnauthenticated, auth.ErrMissingToken)
	}
	return connect.NewResponse(&WhoAmIResponse{Subject: subject, Role: string(middleware.GetRole(ctx))}), nil
}

// AuthServiceClient calls AuthService.
type AuthServiceClient struct {
	login  *connect.Client[LoginRequest, LoginResponse]
	whoAmI *connect.Client[WhoAmIRequest, WhoAmIResponse]
}

// NewAuthServiceClient creates a client for the service at baseURL.
func NewAuthServiceClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) *AuthServiceClient {
	return &AuthServiceClient{
		login:  newClient[LoginRequest, LoginResponse](httpClient, baseURL, AuthLoginProcedure, opts),
		whoAmI: newClient[WhoAmIRequest, WhoAmIResponse](httpClient, baseURL, AuthWhoAmIProcedure, opts),
	}
}

func (c *AuthServiceClient) Login(ctx context.Context, req *connect.Request[LoginRequest]) (*connect.Response[LoginResponse], error) {
	return c.login.CallUnary(ctx, req)
}

func (c *AuthServiceClient) WhoAmI(ctx context.Context, req *connect.Request[WhoAmIRequest]) (*connect.Response[WhoAmIResponse], error) {
	return c.whoAmI.CallUnary(ctx, req)
}
