package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	xerrors "StableTool/internal/errors"
	"StableTool/internal/events"
	"StableTool/internal/integrity"
	"StableTool/internal/observability/alerting"
	"StableTool/internal/storage"
	"StableTool/internal/storage/memory"
	"StableTool/pkg/logger"
)

var fixedNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newTool(t *testing.T, url, method, headers, body string) storage.Tool {
	t.Helper()
	tool := storage.Tool{
		ID:           7,
		Name:         "Booking",
		URL:          url,
		Method:       method,
		Headers:      headers,
		BodyTemplate: body,
		Price:        decimal.RequireFromString("2.5"),
		OwnerID:      2,
		Approved:     true,
		Active:       true,
	}
	tool.MetadataHash = integrity.ComputeHash(tool.Contract())
	return tool
}

func newNegotiator(t *testing.T, store *memory.Store, publisher events.Publisher) *Negotiator {
	t.Helper()
	return NewNegotiator(store, nil,
		WithTimeout(5*time.Second),
		WithLogger(logger.Discard()),
		WithAuditLogger(logger.Discard()),
		WithPublisher(publisher),
		WithClock(func() time.Time { return fixedNow }),
	)
}

type alertRecorder struct {
	events []alerting.Event
}

func (a *alertRecorder) Notify(_ context.Context, event alerting.Event) error {
	a.events = append(a.events, event)
	return nil
}

// failingTxStore 在写入交易时失败，其余操作交给内存存储。
type failingTxStore struct {
	*memory.Store
	err error
}

func (s *failingTxStore) CreateTransaction(context.Context, storage.Transaction) (storage.Transaction, error) {
	return storage.Transaction{}, s.err
}

func payer() storage.Account {
	return storage.Account{ID: 1, WalletAddress: "0xPAYER"}
}

func listAll(t *testing.T, store *memory.Store) []storage.Transaction {
	t.Helper()
	txs, err := store.ListTransactions(context.Background(), storage.TransactionFilter{})
	require.NoError(t, err)
	return txs
}

func TestExecuteDirectSuccessRecordsConfirmedTransaction(t *testing.T) {
	var gotQuery string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "secret", r.Header.Get("X-Api-Key"))
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"temp": 31}`))
	}))
	defer server.Close()

	store := memory.NewStore()
	publisher := events.NewMemoryPublisher()
	n := newNegotiator(t, store, publisher)
	tool := newTool(t, server.URL, "GET", `{"X-Api-Key":"secret"}`, "")

	out, err := n.Execute(context.Background(), Request{TurnID: "t1", Payer: payer(), Tool: tool, Parameters: map[string]any{"city": "Lagos"}})
	require.NoError(t, err)
	require.False(t, out.Paid())
	require.Equal(t, float64(31), out.Result["temp"])

	require.Contains(t, gotQuery, "city=Lagos")
	require.Contains(t, gotQuery, "wallet_address=0xPAYER")
	require.Contains(t, gotQuery, "user_wallet=0xPAYER")

	txs := listAll(t, store)
	require.Len(t, txs, 1)
	require.Equal(t, storage.TxConfirmed, txs[0].Status)
	require.Equal(t, int64(1), txs[0].FromAccountID)
	require.Equal(t, int64(2), txs[0].ToAccountID)
	require.True(t, txs[0].Amount.Equal(decimal.RequireFromString("2.5")))
	require.Len(t, txs[0].Reference, 66)
	require.Len(t, publisher.OfType(events.TransactionRecorded), 1)
}

func TestExecuteNonJSONBodyIsWrapped(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("plain text"))
	}))
	defer server.Close()

	n := newNegotiator(t, memory.NewStore(), nil)
	out, err := n.Execute(context.Background(), Request{Payer: payer(), Tool: newTool(t, server.URL, "DELETE", "", "")})
	require.NoError(t, err)
	require.Equal(t, map[string]any{"response": "plain text"}, out.Result)
}

func TestExecutePaymentRequiredRetriesOnceWithProof(t *testing.T) {
	var calls int32
	var retryBody map[string]any
	var retryHeader string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		raw, _ := io.ReadAll(r.Body)
		if n == 1 {
			var first map[string]any
			require.NoError(t, json.Unmarshal(raw, &first))
			require.Equal(t, "standard", first["seat"])
			require.Equal(t, "Dune", first["movie"])
			w.Header().Set(HeaderPaymentAddress, "0xABC")
			w.Header().Set(HeaderPaymentAmount, "2.5")
			w.Header().Set(HeaderPaymentNetwork, "ethereum")
			w.WriteHeader(http.StatusPaymentRequired)
			_, _ = w.Write([]byte(`{"detail":{"error":"Payment Required","currency":"MNEE"}}`))
			return
		}
		retryHeader = r.Header.Get(HeaderPaymentProof)
		require.NoError(t, json.Unmarshal(raw, &retryBody))
		_, _ = w.Write([]byte(`{"booking_id":"BK-42"}`))
	}))
	defer server.Close()

	store := memory.NewStore()
	n := newNegotiator(t, store, nil)
	tool := newTool(t, server.URL, "POST", "", `{"seat":"standard","movie":"placeholder"}`)

	out, err := n.Execute(context.Background(), Request{TurnID: "t2", Payer: payer(), Tool: tool, Parameters: map[string]any{"movie": "Dune"}})
	require.NoError(t, err)
	require.True(t, out.Paid())
	require.Equal(t, "BK-42", out.Result["booking_id"])
	require.Equal(t, "0xABC", out.Hints.Address)
	require.Equal(t, "MNEE", out.Hints.Currency)
	require.Equal(t, int32(2), atomic.LoadInt32(&calls))

	txs := listAll(t, store)
	require.Len(t, txs, 1)
	ref := txs[0].Reference
	require.True(t, strings.HasPrefix(ref, "0x"))
	require.Len(t, ref, 66)
	require.Equal(t, ref, out.Transaction.Reference)
	require.Equal(t, ref, retryHeader)
	require.Equal(t, ref, retryBody[ProofField])
	require.Equal(t, "Dune", retryBody["movie"])
}

func TestExecutePaymentRetryFailureIsProcessingError(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusPaymentRequired)
			return
		}
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("invalid proof"))
	}))
	defer server.Close()

	store := memory.NewStore()
	n := newNegotiator(t, store, nil)
	_, err := n.Execute(context.Background(), Request{Payer: payer(), Tool: newTool(t, server.URL, "GET", "", "")})
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrProcessing))
	require.Equal(t, "Payment processing failed: Tool API error: 400 - invalid proof", xerrors.MessageOf(err))
	require.Equal(t, int32(2), atomic.LoadInt32(&calls))
	require.Len(t, listAll(t, store), 1)
}

func TestExecuteGetRetryCarriesProofInQuery(t *testing.T) {
	var retryQuery string
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusPaymentRequired)
			return
		}
		retryQuery = r.URL.Query().Get(ProofField)
		_, _ = w.Write([]byte(`[1,2]`))
	}))
	defer server.Close()

	n := newNegotiator(t, memory.NewStore(), nil)
	out, err := n.Execute(context.Background(), Request{Payer: payer(), Tool: newTool(t, server.URL, "GET", "", "")})
	require.NoError(t, err)
	require.Equal(t, out.Transaction.Reference, retryQuery)
	require.Equal(t, []any{float64(1), float64(2)}, out.Result["response"])
}

func TestExecuteSettlementFailureRecordsNothing(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
	}))
	defer server.Close()

	store := memory.NewStore()
	settler := SettlerFunc(func(context.Context, SettlementRequest) (string, error) {
		return "", errors.New("insufficient balance")
	})
	n := NewNegotiator(store, settler, WithLogger(logger.Discard()))
	_, err := n.Execute(context.Background(), Request{Payer: payer(), Tool: newTool(t, server.URL, "POST", "", "")})
	require.True(t, errors.Is(err, ErrProcessing))
	require.Equal(t, "Payment processing failed: insufficient balance", xerrors.MessageOf(err))
	require.Empty(t, listAll(t, store))
}

func TestExecuteUpstreamErrorCarriesStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	}))
	defer server.Close()

	store := memory.NewStore()
	n := newNegotiator(t, store, nil)
	_, err := n.Execute(context.Background(), Request{Payer: payer(), Tool: newTool(t, server.URL, "PUT", "", "")})
	require.True(t, errors.Is(err, ErrHTTP))
	require.Equal(t, "Tool API error: 500 - boom", xerrors.MessageOf(err))
	require.Empty(t, listAll(t, store))
}

func TestExecuteTransportFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := server.URL
	server.Close()

	n := newNegotiator(t, memory.NewStore(), nil)
	_, err := n.Execute(context.Background(), Request{Payer: payer(), Tool: newTool(t, url, "GET", "", "")})
	require.True(t, errors.Is(err, ErrTransport))
	require.True(t, strings.HasPrefix(xerrors.MessageOf(err), "Tool request failed: "))
}

func TestExecuteUnsupportedMethodMakesNoCall(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer server.Close()

	n := newNegotiator(t, memory.NewStore(), nil)
	_, err := n.Execute(context.Background(), Request{Payer: payer(), Tool: newTool(t, server.URL, "PATCH", "", "")})
	require.True(t, errors.Is(err, ErrUnsupportedMethod))
	require.Equal(t, "Unsupported HTTP method: PATCH", xerrors.MessageOf(err))
	require.Zero(t, atomic.LoadInt32(&calls))
}

func TestExecuteTamperedToolMakesNoCall(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer server.Close()

	ctx := context.Background()
	store := memory.NewStore()
	tool, err := store.CreateTool(ctx, newTool(t, server.URL, "GET", "", ""))
	require.NoError(t, err)
	tool.URL = server.URL + "/evil"

	publisher := events.NewMemoryPublisher()
	alerts := &alertRecorder{}
	n := NewNegotiator(store, nil,
		WithLogger(logger.Discard()),
		WithAuditLogger(logger.Discard()),
		WithPublisher(publisher),
		WithAlerts(alerts),
	)
	_, err = n.Execute(ctx, Request{TurnID: "t9", Payer: payer(), Tool: tool})
	require.True(t, errors.Is(err, integrity.ErrTampered))
	require.Zero(t, atomic.LoadInt32(&calls))

	stored, err := store.FindTool(ctx, tool.ID)
	require.NoError(t, err)
	require.False(t, stored.Approved)
	require.Len(t, publisher.OfType(events.ToolIntegrityViolation), 1)
	require.Len(t, alerts.events, 1)
	require.Equal(t, integrity.CodeTampered, alerts.events[0].Code)
}

func TestExecuteUnrecordedSettlementIsAuditedAndPropagates(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusPaymentRequired)
	}))
	defer server.Close()

	var audit bytes.Buffer
	fault := xerrors.New(xerrors.CodeStorageFailure, "写入交易失败")
	store := &failingTxStore{Store: memory.NewStore(), err: fault}
	settler := SettlerFunc(func(context.Context, SettlementRequest) (string, error) {
		return "0xsettled", nil
	})
	n := NewNegotiator(store, settler,
		WithLogger(logger.Discard()),
		WithAuditLogger(slog.New(slog.NewJSONHandler(&audit, nil))),
	)

	_, err := n.Execute(context.Background(), Request{TurnID: "t5", Payer: payer(), Tool: newTool(t, server.URL, "POST", "", "")})
	require.ErrorIs(t, err, fault)
	require.False(t, errors.Is(err, ErrProcessing))
	require.Equal(t, xerrors.CodeStorageFailure, xerrors.CodeOf(err))
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))

	require.Contains(t, audit.String(), `"msg":"settlement_unrecorded"`)
	require.Contains(t, audit.String(), `"tx_reference":"0xsettled"`)
	require.Contains(t, audit.String(), `"turn_id":"t5"`)
}

func TestFillWalletRespectsProvidedValues(t *testing.T) {
	params := map[string]any{"user_wallet": "0xMINE", "wallet_address": "MISSING_REQUIRED_PARAMETER"}
	fillWallet(params, "0xPAYER")
	require.Equal(t, "0xMINE", params["user_wallet"])
	require.Equal(t, "0xPAYER", params["wallet_address"])

	empty := map[string]any{}
	fillWallet(empty, "")
	require.Empty(t, empty)
}

func TestDeriveReferenceShape(t *testing.T) {
	a := DeriveReference("", 1, 7, "turn", fixedNow)
	b := DeriveReference("", 1, 7, "turn", fixedNow)
	c := DeriveReference("", 1, 7, "turn", fixedNow.Add(time.Nanosecond))
	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
	require.Len(t, a, 66)
	require.True(t, strings.HasPrefix(a, "0x"))
}
