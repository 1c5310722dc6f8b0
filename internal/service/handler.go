package service

import (
	"context"
	"net/http"
	"strings"

	"connectrpc.com/connect"

	"github.com/mmynk/royalties/internal/auth"
	"github.com/mmynk/royalties/internal/middleware"
)

// Package of every service in the royalty API.
const apiPackage = "royalties.v1"

// route registers one unary method on mux.
func route[Req, Res any](mux *http.ServeMux, proc string, fn func(context.Context, *connect.Request[Req]) (*connect.Response[Res], error), opts []connect.HandlerOption) {
	mux.Handle(proc, connect.NewUnaryHandler(proc, fn, opts...))
}

func handlerOptions(opts []connect.HandlerOption) []connect.HandlerOption {
	return append([]connect.HandlerOption{WithJSON()}, opts...)
}

func servicePath(service string) string {
	return "/" + apiPackage + "." + service + "/"
}

func newClient[Req, Res any](httpClient connect.HTTPClient, baseURL, proc string, opts []connect.ClientOption) *connect.Client[Req, Res] {
	opts = append([]connect.ClientOption{WithJSON()}, opts...)
	return connect.NewClient[Req, Res](httpClient, strings.TrimRight(baseURL, "/")+proc, opts...)
}

// Policy returns who may call which procedure: registry mutations need
// RoleRegistry, revenue reports RoleReporter, settlement and escrow changes
// RoleOperator. Reads are open to any authenticated principal and Login to
// everyone.
func Policy() middleware.Policy {
	registry := []auth.Role{auth.RoleRegistry}
	reporter := []auth.Role{auth.RoleReporter}
	operator := []auth.Role{auth.RoleOperator}
	disputes := []auth.Role{auth.RoleOperator, auth.RoleRegistry}

	return middleware.Policy{
		Public: map[string]bool{
			AuthLoginProcedure: true,
		},
		Roles: map[string][]auth.Role{
			RegistryRegisterWorkProcedure:      registry,
			RegistryRegisterAgreementProcedure: registry,
			RegistryActivateAgreementProcedure: registry,

			RevenueReportRevenueProcedure: reporter,
			RevenueReprocessProcedure:     operator,

			SettlementNotifyFinalizedProcedure:  operator,
			SettlementNotifyRejectedProcedure:   operator,
			SettlementRetryInstructionProcedure: operator,
			SettlementRetryDueProcedure:         operator,

			EscrowOpenDisputeProcedure:          disputes,
			EscrowResolveDisputeProcedure:       disputes,
			EscrowRecordReconciliationProcedure: operator,
		},
	}
}

// Services bundles the services of the royalty API.
type Services struct {
	Auth       *AuthService
	Registry   *RegistryService
	Revenue    *RevenueService
	Settlement *SettlementService
	Escrow     *EscrowService
	Audit      *AuditService
}

// Mount registers every non-nil service on mux.
func (s Services) Mount(mux *http.ServeMux, opts ...connect.HandlerOption) {
	if s.Auth != nil {
		mux.Handle(NewAuthServiceHandler(s.Auth, opts...))
	}
	if s.Registry != nil {
		mux.Handle(NewRegistryServiceHandler(s.Registry, opts...))
	}
	if s.Revenue != nil {
		mux.Handle(NewRevenueServiceHandler(s.Revenue, opts...))
	}
	if s.Settlement != nil {
		mux.Handle(NewSettlementServiceHandler(s.Settlement, opts...))
	}
	if s.Escrow != nil {
		mux.Handle(NewEscrowServiceHandler(s.Escrow, opts...))
	}
	if s.Audit != nil {
		mux.Handle(NewAuditServiceHandler(s.Audit, opts...))
	}
}
