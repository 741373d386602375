package stabletool

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChatSendsBearerToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/agent/chat", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "Bearer token", r.Header.Get("Authorization"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "weather in Paris", body["message"])
		require.NotContains(t, body, "model")

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"turn_id":"t1","response":"Sunny","tool_used":"Weather","price_paid":"0.5","transaction_ref":"0xabc","conversation_id":9}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())
	client.SetAccessToken("token")

	resp, err := client.Chat(context.Background(), "weather in Paris", "")
	require.NoError(t, err)
	require.Equal(t, "Sunny", resp.Response)
	require.Equal(t, "Weather", *resp.ToolUsed)
	require.Equal(t, "0.5", resp.PricePaid.String())
	require.Equal(t, int64(9), resp.ConversationID)
}

func TestHistoryPassesLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "5", r.URL.Query().Get("limit"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"id":2,"user_message":"hi","final_response":"hello"}]`))
	}))
	defer srv.Close()

	history, err := NewClient(srv.URL, srv.Client()).History(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, "hello", history[0].FinalResponse)
}

func TestErrorsDecodeAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"LLM API key not configured. Please set your API key in settings.","code":"CONFIGURATION_ERROR"}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, srv.Client()).Balance(context.Background())
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	require.Equal(t, "CONFIGURATION_ERROR", apiErr.Code)
	require.Contains(t, apiErr.Error(), "API key")
}
