package service

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"connectrpc.com/connect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmynk/royalties/internal/audit"
	"github.com/mmynk/royalties/internal/auth"
	"github.com/mmynk/royalties/internal/escrow"
	"github.com/mmynk/royalties/internal/ingest"
	"github.com/mmynk/royalties/internal/middleware"
	"github.com/mmynk/royalties/internal/models"
	"github.com/mmynk/royalties/internal/money"
	"github.com/mmynk/royalties/internal/registry"
	"github.com/mmynk/royalties/internal/resolver"
	"github.com/mmynk/royalties/internal/royalty"
	"github.com/mmynk/royalties/internal/settlement"
	"github.com/mmynk/royalties/internal/storage/bolt"
	"github.com/mmynk/royalties/internal/storage/sqlite"
	"github.com/mmynk/royalties/internal/substrate"
)

const operatorKey = "operator-key-0123456789"

var mar = time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)

type testServer struct {
	auth       *AuthServiceClient
	registry   *RegistryServiceClient
	revenue    *RevenueServiceClient
	settlement *SettlementServiceClient
	escrow     *EscrowServiceClient
	audit      *AuditServiceClient

	jwt *auth.JWTManager
	sim *substrate.Simulated
}

// setupTestServer serves every service over httptest with real storage
// behind the production interceptors.
func setupTestServer(t *testing.T) *testServer {
	t.Helper()
	dir := t.TempDir()
	store, err := sqlite.New(filepath.Join(dir, "royalties.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	auditStore, err := bolt.Open(filepath.Join(dir, "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { auditStore.Close() })

	ledger := audit.New(auditStore)
	reg := registry.New(store, ledger)
	esc := escrow.NewManager(store, reg, ledger)
	sim := substrate.NewSimulated(0)
	engine := settlement.NewEngine(store, sim, esc, ledger, settlement.Config{})
	sim.SetListener(engine)
	pipeline := royalty.New(store, ingest.New(store, reg, ledger), resolver.New(store, reg, ledger, 0), engine, esc, ledger)

	hash, err := auth.HashKey(operatorKey)
	require.NoError(t, err)
	keys, err := auth.NewKeyAuthenticator([]auth.KeyEntry{{Subject: "ops", Role: auth.RoleOperator, KeyHash: hash}})
	require.NoError(t, err)
	jwtManager := auth.NewJWTManager("service-test-secret", time.Hour)

	mux := http.NewServeMux()
	Services{
		Auth:       NewAuthService(keys, jwtManager, slog.New(slog.NewTextHandler(io.Discard, nil))),
		Registry:   NewRegistryService(reg),
		Revenue:    NewRevenueService(pipeline, store),
		Settlement: NewSettlementService(engine),
		Escrow:     NewEscrowService(esc),
		Audit:      NewAuditService(ledger),
	}.Mount(mux, connect.WithInterceptors(
		middleware.RequireAuth(jwtManager, Policy()),
		middleware.LoggingInterceptor(),
	))

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return &testServer{
		auth:       NewAuthServiceClient(http.DefaultClient, server.URL),
		registry:   NewRegistryServiceClient(http.DefaultClient, server.URL),
		revenue:    NewRevenueServiceClient(http.DefaultClient, server.URL),
		settlement: NewSettlementServiceClient(http.DefaultClient, server.URL),
		escrow:     NewEscrowServiceClient(http.DefaultClient, server.URL),
		audit:      NewAuditServiceClient(http.DefaultClient, server.URL),
		jwt:        jwtManager,
		sim:        sim,
	}
}

func (s *testServer) token(t *testing.T, role auth.Role) string {
	t.Helper()
	token, err := s.jwt.Generate("test-"+string(role), role)
	require.NoError(t, err)
	return token
}

func as[T any](token string, msg *T) *connect.Request[T] {
	req := connect.NewRequest(msg)
	if token != "" {
		req.Header().Set("Authorization", "Bearer "+token)
	}
	return req
}

// seed registers W1 with an active 60/40 agreement.
func (s *testServer) seed(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	tok := s.token(t, auth.RoleRegistry)

	_, err := s.registry.RegisterWork(ctx, as(tok, &RegisterWorkRequest{WorkID: "W1"}))
	require.NoError(t, err)
	_, err = s.registry.RegisterAgreement(ctx, as(tok, &RegisterAgreementRequest{
		WorkID: "W1",
		Splits: []models.Split{
			{PayeeID: "A", Share: money.MustShare("0.6")},
			{PayeeID: "B", Share: money.MustShare("0.4")},
		},
		ValidFrom: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}))
	require.NoError(t, err)
	_, err = s.registry.ActivateAgreement(ctx, as(tok, &ActivateAgreementRequest{WorkID: "W1", Version: 1}))
	require.NoError(t, err)
}

func report(ref, amount string) models.RevenueReport {
	return models.RevenueReport{
		SourceID: "dsp", ExternalRef: ref, WorkID: "W1",
		Amount: amount, Currency: "USD", Period: "2024-03", ReportedAt: mar,
	}
}

func TestAuthorization(t *testing.T) {
	s := setupTestServer(t)
	ctx := context.Background()

	_, err := s.registry.ListWorks(ctx, as("", &ListWorksRequest{}))
	assert.Equal(t, connect.CodeUnauthenticated, connect.CodeOf(err))

	_, err = s.registry.ListWorks(ctx, as("not-a-token", &ListWorksRequest{}))
	assert.Equal(t, connect.CodeUnauthenticated, connect.CodeOf(err))

	_, err = s.registry.RegisterWork(ctx, as(s.token(t, auth.RoleReporter), &RegisterWorkRequest{WorkID: "W1"}))
	assert.Equal(t, connect.CodePermissionDenied, connect.CodeOf(err))

	_, err = s.revenue.ReportRevenue(ctx, as(s.token(t, auth.RoleOperator), &ReportRevenueRequest{report("r1", "1.00")}))
	assert.Equal(t, connect.CodePermissionDenied, connect.CodeOf(err))

	works, err := s.registry.ListWorks(ctx, as(s.token(t, auth.RoleReporter), &ListWorksRequest{}))
	require.NoError(t, err)
	assert.Empty(t, works.Msg.Works)
}

func TestLogin(t *testing.T) {
	s := setupTestServer(t)
	ctx := context.Background()

	_, err := s.auth.Login(ctx, as("", &LoginRequest{Subject: "ops", Key: "wrong-key-0123456789"}))
	assert.Equal(t, connect.CodeUnauthenticated, connect.CodeOf(err))

	_, err = s.auth.Login(ctx, as("", &LoginRequest{Subject: "ops"}))
	assert.Equal(t, connect.CodeInvalidArgument, connect.CodeOf(err))

	login, err := s.auth.Login(ctx, as("", &LoginRequest{Subject: "ops", Key: operatorKey}))
	require.NoError(t, err)
	assert.Equal(t, "operator", login.Msg.Role)

	me, err := s.auth.WhoAmI(ctx, as(login.Msg.Token, &WhoAmIRequest{}))
	require.NoError(t, err)
	assert.Equal(t, "ops", me.Msg.Subject)
	assert.Equal(t, "operator", me.Msg.Role)
}

func TestRegistryService(t *testing.T) {
	s := setupTestServer(t)
	ctx := context.Background()
	s.seed(t)
	tok := s.token(t, auth.RoleRegistry)

	_, err := s.registry.RegisterWork(ctx, as(tok, &RegisterWorkRequest{WorkID: "W1"}))
	assert.Equal(t, connect.CodeAlreadyExists, connect.CodeOf(err))

	_, err = s.registry.RegisterAgreement(ctx, as(tok, &RegisterAgreementRequest{
		WorkID:    "W1",
		Splits:    []models.Split{{PayeeID: "A", Share: money.MustShare("0.5")}},
		ValidFrom: mar,
	}))
	assert.Equal(t, connect.CodeInvalidArgument, connect.CodeOf(err))

	_, err = s.registry.RegisterAgreement(ctx, as(tok, &RegisterAgreementRequest{
		WorkID:    "W9",
		Splits:    []models.Split{{PayeeID: "A", Share: money.One}},
		ValidFrom: mar,
	}))
	assert.Equal(t, connect.CodeNotFound, connect.CodeOf(err))

	_, err = s.registry.ActivateAgreement(ctx, as(tok, &ActivateAgreementRequest{WorkID: "W1", Version: 1}))
	assert.Equal(t, connect.CodeFailedPrecondition, connect.CodeOf(err))

	active, err := s.registry.GetActiveAgreement(ctx, as(tok, &GetActiveAgreementRequest{WorkID: "W1", At: mar}))
	require.NoError(t, err)
	assert.Equal(t, int64(1), active.Msg.Agreement.Version)
	assert.Equal(t, money.MustShare("0.6"), active.Msg.Agreement.Splits[0].Share)

	_, err = s.registry.GetActiveAgreement(ctx, as(tok, &GetActiveAgreementRequest{WorkID: "W1", At: mar.AddDate(-1, 0, 0)}))
	assert.Equal(t, connect.CodeFailedPrecondition, connect.CodeOf(err))

	list, err := s.registry.ListAgreements(ctx, as(tok, &ListAgreementsRequest{WorkID: "W1"}))
	require.NoError(t, err)
	assert.Len(t, list.Msg.Agreements, 1)
}

func TestRevenueAndSettlement(t *testing.T) {
	s := setupTestServer(t)
	ctx := context.Background()
	s.seed(t)
	reporter := s.token(t, auth.RoleReporter)
	operator := s.token(t, auth.RoleOperator)

	_, err := s.revenue.ReportRevenue(ctx, as(reporter, &ReportRevenueRequest{report("r1", "-1")}))
	assert.Equal(t, connect.CodeInvalidArgument, connect.CodeOf(err))

	res, err := s.revenue.ReportRevenue(ctx, as(reporter, &ReportRevenueRequest{report("r1", "1.00")}))
	require.NoError(t, err)
	receipt := res.Msg.Receipt
	assert.Equal(t, royalty.OutcomeSettled, receipt.Outcome)
	assert.False(t, receipt.Duplicate)
	require.Len(t, receipt.Instructions, 2)

	dup, err := s.revenue.ReportRevenue(ctx, as(reporter, &ReportRevenueRequest{report("r1", "1.00")}))
	require.NoError(t, err)
	assert.True(t, dup.Msg.Receipt.Duplicate)
	assert.Equal(t, receipt.EventID, dup.Msg.Receipt.EventID)

	fp, err := s.revenue.Fingerprint(ctx, as(reporter, &FingerprintRequest{report("r1", "1.0")}))
	require.NoError(t, err)
	assert.Equal(t, receipt.EventID, fp.Msg.EventID)

	plan, err := s.revenue.GetPlan(ctx, as(reporter, &GetPlanRequest{PlanID: receipt.PlanID}))
	require.NoError(t, err)
	assert.Equal(t, int64(100), plan.Msg.Plan.Distributable)
	assert.Equal(t, []models.PlanLine{{PayeeID: "A", Amount: 60}, {PayeeID: "B", Amount: 40}}, plan.Msg.Plan.Lines)

	_, err = s.settlement.NotifyFinalized(ctx, as(reporter, &NotifyFinalizedRequest{TransactionID: receipt.Instructions[0].TransactionID}))
	assert.Equal(t, connect.CodePermissionDenied, connect.CodeOf(err))

	for _, in := range receipt.Instructions {
		_, err := s.settlement.NotifyFinalized(ctx, as(operator, &NotifyFinalizedRequest{TransactionID: in.TransactionID}))
		require.NoError(t, err)
	}
	_, err = s.settlement.NotifyFinalized(ctx, as(operator, &NotifyFinalizedRequest{TransactionID: "not-yet-submitted"}))
	assert.NoError(t, err, "finality ahead of submission is kept")
	_, err = s.settlement.NotifyFinalized(ctx, as(operator, &NotifyFinalizedRequest{}))
	assert.Equal(t, connect.CodeInvalidArgument, connect.CodeOf(err))

	ins, err := s.settlement.ListInstructions(ctx, as(operator, &ListInstructionsRequest{EventID: receipt.EventID}))
	require.NoError(t, err)
	for _, in := range ins.Msg.Instructions {
		assert.Equal(t, models.InstructionConfirmed, in.Status)
	}

	stmt, err := s.settlement.PayeeStatement(ctx, as(reporter, &PayeeStatementRequest{PayeeID: "A"}))
	require.NoError(t, err)
	require.Len(t, stmt.Msg.Balances, 1)
	assert.Equal(t, int64(60), stmt.Msg.Balances[0].Confirmed)

	_, err = s.settlement.RetryInstruction(ctx, as(operator, &RetryInstructionRequest{InstructionID: receipt.Instructions[0].ID}))
	assert.Equal(t, connect.CodeFailedPrecondition, connect.CodeOf(err), "confirmed instructions cannot be retried")

	due, err := s.settlement.RetryDue(ctx, as(operator, &RetryDueRequest{}))
	require.NoError(t, err)
	assert.Zero(t, due.Msg.Submitted)

	entries, err := s.audit.Query(ctx, as(reporter, &QueryAuditRequest{EventID: receipt.EventID}))
	require.NoError(t, err)
	assert.NotEmpty(t, entries.Msg.Entries)
	assert.Equal(t, models.EntryEventAccepted, entries.Msg.Entries[0].Kind)

	_, err = s.audit.Query(ctx, as(reporter, &QueryAuditRequest{}))
	assert.Equal(t, connect.CodeInvalidArgument, connect.CodeOf(err))
}

func TestEscrowService(t *testing.T) {
	s := setupTestServer(t)
	ctx := context.Background()
	s.seed(t)
	registryTok := s.token(t, auth.RoleRegistry)
	reporter := s.token(t, auth.RoleReporter)
	operator := s.token(t, auth.RoleOperator)

	_, err := s.escrow.OpenDispute(ctx, as(reporter, &OpenDisputeRequest{WorkID: "W1", Version: 1}))
	assert.Equal(t, connect.CodePermissionDenied, connect.CodeOf(err))

	opened, err := s.escrow.OpenDispute(ctx, as(registryTok, &OpenDisputeRequest{WorkID: "W1", Version: 1, Note: "missing co-writer"}))
	require.NoError(t, err)
	assert.Equal(t, models.EscrowStateHolding, opened.Msg.Account.State)
	assert.Contains(t, opened.Msg.Account.Note, "missing co-writer")

	_, err = s.escrow.OpenDispute(ctx, as(operator, &OpenDisputeRequest{WorkID: "W1", Version: 1}))
	assert.Equal(t, connect.CodeFailedPrecondition, connect.CodeOf(err))

	res, err := s.revenue.ReportRevenue(ctx, as(reporter, &ReportRevenueRequest{report("held", "2.00")}))
	require.NoError(t, err)
	assert.Equal(t, royalty.OutcomeEscrowed, res.Msg.Receipt.Outcome)

	_, err = s.escrow.ResolveDispute(ctx, as(operator, &ResolveDisputeRequest{WorkID: "W1", CorrectedVersion: 1}))
	assert.Equal(t, connect.CodeFailedPrecondition, connect.CodeOf(err))

	_, err = s.registry.RegisterAgreement(ctx, as(registryTok, &RegisterAgreementRequest{
		WorkID: "W1",
		Splits: []models.Split{
			{PayeeID: "A", Share: money.MustShare("0.5")},
			{PayeeID: "B", Share: money.MustShare("0.25")},
			{PayeeID: "C", Share: money.MustShare("0.25")},
		},
		ValidFrom: mar,
	}))
	require.NoError(t, err)

	resolved, err := s.escrow.ResolveDispute(ctx, as(operator, &ResolveDisputeRequest{WorkID: "W1", CorrectedVersion: 2}))
	require.NoError(t, err)
	assert.Equal(t, models.EscrowStateReleased, resolved.Msg.Account.State)

	ins, err := s.settlement.ListInstructions(ctx, as(operator, &ListInstructionsRequest{EventID: res.Msg.Receipt.EventID}))
	require.NoError(t, err)
	got := make(map[string]int64)
	for _, in := range ins.Msg.Instructions {
		got[in.PayeeID] = in.Amount
	}
	assert.Equal(t, map[string]int64{"A": 100, "B": 50, "C": 50}, got)

	accounts, err := s.escrow.ListAccounts(ctx, as(reporter, &ListAccountsRequest{WorkID: "W1"}))
	require.NoError(t, err)
	assert.NotEmpty(t, accounts.Msg.Accounts)

	require.NoError(t, s.sim.FinalizeAll(ctx))
	_, err = s.escrow.RecordReconciliation(ctx, as(operator, &RecordReconciliationRequest{
		WorkID: "W1", InstructionID: ins.Msg.Instructions[0].ID,
	}))
	assert.Equal(t, connect.CodeInvalidArgument, connect.CodeOf(err))

	entry, err := s.escrow.RecordReconciliation(ctx, as(operator, &RecordReconciliationRequest{
		WorkID: "W1", InstructionID: ins.Msg.Instructions[0].ID, Note: "clawback", Reverse: true,
	}))
	require.NoError(t, err)
	assert.Equal(t, models.EntryReconciliationRecorded, entry.Msg.Entry.Kind)

	after, err := s.settlement.ListInstructions(ctx, as(operator, &ListInstructionsRequest{EventID: res.Msg.Receipt.EventID}))
	require.NoError(t, err)
	for _, in := range after.Msg.Instructions {
		if in.ID == ins.Msg.Instructions[0].ID {
			assert.Equal(t, models.InstructionReversed, in.Status)
		}
	}
}
