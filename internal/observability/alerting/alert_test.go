package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	xerrors "StableTool/internal/errors"
)

func TestFanoutDeliversToWebhookAndAudit(t *testing.T) {
	var received Event
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	var buf bytes.Buffer
	audit := &AuditNotifier{Logger: slog.New(slog.NewJSONHandler(&buf, nil))}
	d := NewFanout(audit, NewWebhookNotifier(server.URL, time.Second), nil)

	err := d.Notify(context.Background(), Event{
		Code:     "INTEGRITY_VIOLATION",
		Message:  "Tool metadata has been tampered with",
		Severity: xerrors.SeverityCritical,
		ToolID:   7,
		Metadata: map[string]string{"tool_id": "7"},
	})
	require.NoError(t, err)

	require.Equal(t, xerrors.Code("INTEGRITY_VIOLATION"), received.Code)
	require.Equal(t, int64(7), received.ToolID)
	require.False(t, received.OccurredAt.IsZero())
	require.Contains(t, buf.String(), `"meta.tool_id":"7"`)
	require.Contains(t, buf.String(), "Tool metadata has been tampered with")
}

func TestWebhookErrorStatusIsReported(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	d := NewFanout(NewWebhookNotifier(server.URL, time.Second))
	err := d.Notify(context.Background(), Event{Code: "X"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "channel webhook")
}

func TestFromErrorCopiesAttributes(t *testing.T) {
	err := xerrors.New(xerrors.CodeStorageFailure, "写入失败", xerrors.WithMetadata("table", "transactions"))
	event := FromError(err, 3, 4)
	require.Equal(t, xerrors.CodeStorageFailure, event.Code)
	require.Equal(t, "写入失败", event.Message)
	require.Equal(t, xerrors.SeverityCritical, event.Severity)
	require.Equal(t, "transactions", event.Metadata["table"])

	var nilDispatcher *FanoutDispatcher
	require.NoError(t, nilDispatcher.Notify(context.Background(), event))
	require.NoError(t, (&WebhookNotifier{}).Notify(context.Background(), event))
}
