package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"StableTool/internal/agent"
	"StableTool/internal/auth"
	"StableTool/internal/catalog"
	"StableTool/internal/config"
	xerrors "StableTool/internal/errors"
	"StableTool/internal/integrity"
	"StableTool/internal/payment"
	"StableTool/internal/registry"
	"StableTool/internal/storage"
	"StableTool/internal/storage/memory"
	"StableTool/pkg/logger"
)

type stubAgent struct {
	lastChat agent.ChatRequest
	result   *agent.TurnResult
	err      error
	history  []storage.Conversation
}

func (s *stubAgent) Chat(_ context.Context, req agent.ChatRequest) (*agent.TurnResult, error) {
	s.lastChat = req
	return s.result, s.err
}

func (s *stubAgent) History(context.Context, int64, int) ([]storage.Conversation, error) {
	return s.history, nil
}

type stubExecutor struct {
	seen    payment.Request
	outcome payment.Outcome
	err     error
}

func (s *stubExecutor) Execute(_ context.Context, req payment.Request) (payment.Outcome, error) {
	s.seen = req
	return s.outcome, s.err
}

type fixture struct {
	store    *memory.Store
	agent    *stubAgent
	executor *stubExecutor
	auth     *auth.Service
	handler  http.Handler
	owner    storage.Account
	admin    storage.Account
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := memory.NewStore()
	owner, err := store.CreateAccount(ctx, storage.Account{Email: "owner@example.com", WalletAddress: "0x00000000000000000000000000000000000000aa"})
	require.NoError(t, err)
	admin, err := store.CreateAccount(ctx, storage.Account{Email: "admin@example.com", IsAdmin: true})
	require.NoError(t, err)

	authSvc, err := auth.NewService(config.AuthConfig{Secret: "s3cret"}, auth.WithAuditLogger(logger.Discard()))
	require.NoError(t, err)

	f := &fixture{
		store:    store,
		agent:    &stubAgent{result: &agent.TurnResult{TurnID: "t-1", Response: "hello"}},
		executor: &stubExecutor{},
		auth:     authSvc,
		owner:    owner,
		admin:    admin,
	}
	server := NewServer(Config{TokenContract: "0xcontract", Network: "sepolia"}, Deps{
		Agent:    f.agent,
		Registry: registry.New(store, registry.WithLogger(logger.Discard()), registry.WithAuditLogger(logger.Discard())),
		Ledger:   payment.NewLedger(store),
		Accounts: store,
		Catalog:  catalog.New(store, logger.Discard()),
		Executor: f.executor,
		Auth:     authSvc,
	}, logger.Discard())
	f.handler = server.Handler()
	return f
}

func (f *fixture) do(t *testing.T, method, path string, as *storage.Account, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if as != nil {
		token, err := f.auth.Issue(auth.Subject{AccountID: as.ID, Admin: as.IsAdmin}, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealthIsPublic(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", decode[map[string]any](t, rec)["status"])
}

func TestChatRequiresToken(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/v1/agent/chat", nil, chatRequest{Message: "hi"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestChatUsesCallerAccount(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/v1/agent/chat", &f.owner, chatRequest{Message: "weather?", Model: "llama"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, agent.ChatRequest{AccountID: f.owner.ID, Message: "weather?", Model: "llama"}, f.agent.lastChat)
	require.Equal(t, "hello", decode[agent.TurnResult](t, rec).Response)
}

func TestChatMapsErrorCodes(t *testing.T) {
	f := newFixture(t)
	f.agent.err = xerrors.New(xerrors.CodeConfiguration, "LLM API key not configured. Please set your API key in settings.")
	rec := f.do(t, http.MethodPost, "/api/v1/agent/chat", &f.owner, chatRequest{Message: "hi"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode[errorBody](t, rec)
	require.Equal(t, "CONFIGURATION_ERROR", body.Code)
	require.Contains(t, body.Error, "API key")

	rec = f.do(t, http.MethodPost, "/api/v1/agent/chat", &f.owner, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHistoryRendersToolResult(t *testing.T) {
	f := newFixture(t)
	name := "Weather"
	result := `{"temp":21}`
	f.agent.history = []storage.Conversation{{ID: 3, UserMessage: "hi", ToolSelected: &name, ToolResult: &result, FinalResponse: "21C"}}

	rec := f.do(t, http.MethodGet, "/api/v1/agent/history?limit=5", &f.owner, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	views := decode[[]conversationView](t, rec)
	require.Len(t, views, 1)
	require.Equal(t, float64(21), views[0].ToolResult["temp"])

	rec = f.do(t, http.MethodGet, "/api/v1/agent/history?limit=abc", &f.owner, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestToolLifecycle(t *testing.T) {
	f := newFixture(t)
	draft := registry.Draft{
		Name:         "Weather",
		Description:  "Current weather",
		URL:          "https://weather.example/api",
		Method:       "post",
		BodyTemplate: `{"city":"MISSING_REQUIRED_PARAMETER","units":"metric","user_wallet":""}`,
		Price:        decimal.RequireFromString("0.5"),
	}
	rec := f.do(t, http.MethodPost, "/api/v1/tools", &f.owner, draft)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[toolView](t, rec)
	require.False(t, created.Approved)
	require.Equal(t, "POST", created.APIMethod)

	rec = f.do(t, http.MethodGet, "/api/v1/tools/mine", &f.owner, nil)
	require.Len(t, decode[[]toolView](t, rec), 1)

	rec = f.do(t, http.MethodGet, "/api/v1/admin/tools/pending", &f.owner, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/admin/tools/pending", &f.admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decode[[]toolView](t, rec), 1)

	rec = f.do(t, http.MethodPost, "/api/v1/admin/tools/1/approve", &f.admin, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.True(t, decode[toolView](t, rec).Approved)

	rec = f.do(t, http.MethodGet, "/mcp/tools", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listing struct {
		Tools []mcpTool `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	require.Len(t, listing.Tools, 1)
	schema := listing.Tools[0].InputSchema
	require.Equal(t, []string{"city"}, schema.Required)
	require.Contains(t, schema.Properties, "units")
	require.NotContains(t, schema.Properties, "user_wallet")
	require.Contains(t, listing.Tools[0].Description, "Price: 0.5 MNEE")

	rec = f.do(t, http.MethodPatch, "/api/v1/tools/1", &f.admin, registry.Patch{})
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodDelete, "/api/v1/tools/1", &f.owner, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/admin/tools/99/reject", &f.admin, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/admin/tools/abc/approve", &f.admin, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestApproveTamperedToolConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tool, err := f.store.CreateTool(ctx, storage.Tool{
		Name: "Quote", URL: "https://quote.example", Method: "GET", OwnerID: f.owner.ID, Active: true,
		MetadataHash: integrity.ComputeHash(integrity.Contract{URL: "https://original.example", Method: "GET"}),
	})
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/api/v1/admin/tools/"+itoa(tool.ID)+"/approve", &f.admin, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "INTEGRITY_VIOLATION", decode[errorBody](t, rec).Code)
}

func TestPaymentsEndpoints(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.store.CreateTransaction(ctx, storage.Transaction{
		FromAccountID: f.admin.ID, ToAccountID: f.owner.ID, ToolID: 1,
		Amount: decimal.RequireFromString("2"), Reference: "0x01", Status: storage.TxConfirmed,
	})
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/api/v1/payments/earnings", &f.owner, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	earnings := decode[summaryView](t, rec)
	require.Equal(t, 1, earnings.Count)
	require.True(t, earnings.Total.Equal(decimal.NewFromInt(2)))

	rec = f.do(t, http.MethodGet, "/api/v1/payments/spending", &f.owner, nil)
	require.Equal(t, 0, decode[summaryView](t, rec).Count)

	rec = f.do(t, http.MethodGet, "/api/v1/payments/balance", &f.owner, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	balance := decode[balanceView](t, rec)
	require.True(t, balance.Balance.Equal(decimal.NewFromInt(1002)))
	require.Equal(t, "simulated", balance.Source)
	require.Equal(t, "MNEE", balance.Token)
}

func TestMCPExecute(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	contract := integrity.Contract{URL: "https://tool.example", Method: "GET"}
	tool, err := f.store.CreateTool(ctx, storage.Tool{
		Name: "Echo", URL: contract.URL, Method: contract.Method, OwnerID: f.admin.ID,
		MetadataHash: integrity.ComputeHash(contract), Approved: true, Active: true,
		Price: decimal.RequireFromString("0.1"),
	})
	require.NoError(t, err)
	f.executor.outcome = payment.Outcome{
		Result:      map[string]any{"ok": true},
		Transaction: storage.Transaction{Amount: tool.Price, Reference: "0xabc"},
		Hints:       &payment.Hints{},
	}

	rec := f.do(t, http.MethodPost, "/mcp/execute/"+itoa(tool.ID), &f.owner, mcpExecuteRequest{Parameters: map[string]any{"q": "x"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[mcpExecuteResponse](t, rec)
	require.True(t, resp.Paid)
	require.Equal(t, "0xabc", resp.TransactionRef)
	require.Equal(t, f.owner.ID, f.executor.seen.Payer.ID)
	require.NotEmpty(t, f.executor.seen.TurnID)

	f.executor.err = xerrors.New(payment.CodeHTTP, "Tool API error: 500 - boom")
	rec = f.do(t, http.MethodPost, "/mcp/execute/"+itoa(tool.ID), &f.owner, mcpExecuteRequest{})
	require.Equal(t, http.StatusBadGateway, rec.Code)

	pending, err := f.store.CreateTool(ctx, storage.Tool{Name: "Draft", URL: "https://d.example", Method: "GET", OwnerID: f.admin.ID, Active: true})
	require.NoError(t, err)
	rec = f.do(t, http.MethodPost, "/mcp/execute/"+itoa(pending.ID), &f.owner, mcpExecuteRequest{})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMCPExecuteTamperedToolLosesApproval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	contract := integrity.Contract{URL: "https://tool.example", Method: "GET"}
	tool, err := f.store.CreateTool(ctx, storage.Tool{
		Name: "Echo", URL: "https://attacker.example", Method: "GET", OwnerID: f.admin.ID,
		MetadataHash: integrity.ComputeHash(contract), Approved: true, Active: true,
		Price: decimal.RequireFromString("0.1"),
	})
	require.NoError(t, err)

	negotiator := payment.NewNegotiator(f.store, nil,
		payment.WithLogger(logger.Discard()),
		payment.WithAuditLogger(logger.Discard()),
	)
	handler := NewServer(Config{}, Deps{
		Registry: registry.New(f.store, registry.WithLogger(logger.Discard()), registry.WithAuditLogger(logger.Discard())),
		Accounts: f.store,
		Catalog:  catalog.New(f.store, logger.Discard()),
		Executor: negotiator,
		Auth:     f.auth,
	}, logger.Discard()).Handler()
	f.handler = handler

	rec := f.do(t, http.MethodPost, "/mcp/execute/"+itoa(tool.ID), &f.owner, mcpExecuteRequest{})
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())

	stored, err := f.store.FindTool(ctx, tool.ID)
	require.NoError(t, err)
	require.False(t, stored.Approved)

	rec = f.do(t, http.MethodGet, "/mcp/tools", nil, nil)
	var listing struct {
		Tools []mcpTool `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	require.Empty(t, listing.Tools)
}

func TestStatusOf(t *testing.T) {
	cases := map[xerrors.Code]int{
		xerrors.CodeInvalidArgument:  http.StatusBadRequest,
		xerrors.CodeConfiguration:    http.StatusBadRequest,
		xerrors.CodeNotFound:         http.StatusNotFound,
		agent.CodeToolNotFound:       http.StatusNotFound,
		integrity.CodeTampered:       http.StatusConflict,
		xerrors.CodePermissionDenied: http.StatusForbidden,
		payment.CodeProcessing:       http.StatusInternalServerError,
		xerrors.CodeStorageFailure:   http.StatusInternalServerError,
	}
	for code, want := range cases {
		require.Equal(t, want, statusOf(xerrors.New(code, "x")), code)
	}
	require.Equal(t, http.StatusConflict, statusOf(storage.ErrStaleTool))
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
