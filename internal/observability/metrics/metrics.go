// Package metrics registers the Prometheus collectors for the agent pipeline
// and exposes them over HTTP.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "stabletool"

var (
	// HTTPRequestsTotal counts API requests by route, method and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"handler", "method", "code"},
	)

	// HTTPRequestDuration tracks API latency.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"handler", "method"},
	)

	// PaymentTransitionsTotal counts negotiator state transitions
	// (requesting, paid, retried, done, failed).
	PaymentTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "payment",
			Name:      "transitions_total",
			Help:      "Payment negotiation state transitions",
		},
		[]string{"state"},
	)

	// ToolCallDuration tracks outbound tool endpoint latency.
	ToolCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "payment",
			Name:      "tool_call_duration_seconds",
			Help:      "Outbound tool call latency",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"method", "outcome"},
	)

	// OracleCallsTotal counts selection and composition oracle calls.
	OracleCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "calls_total",
			Help:      "Oracle completion calls by purpose and outcome",
		},
		[]string{"purpose", "outcome"},
	)

	// TurnsTotal counts orchestrated chat turns by outcome.
	TurnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "turns_total",
			Help:      "Chat turns by outcome",
		},
		[]string{"outcome"},
	)

	// IntegrityViolationsTotal counts tools blocked by a metadata mismatch.
	IntegrityViolationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "integrity_violations_total",
			Help:      "Tools blocked because their metadata digest no longer matched",
		},
	)
)

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	HTTPRequestsTotal.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	HTTPRequestDuration.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// ObservePaymentTransition increments the counter for a negotiator state.
func ObservePaymentTransition(state string) {
	PaymentTransitionsTotal.WithLabelValues(state).Inc()
}

// ObserveToolCall records the latency of one outbound tool request.
func ObserveToolCall(method, outcome string, duration time.Duration) {
	ToolCallDuration.WithLabelValues(method, outcome).Observe(duration.Seconds())
}

// ObserveOracleCall records one oracle completion.
func ObserveOracleCall(purpose string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	OracleCallsTotal.WithLabelValues(purpose, outcome).Inc()
}

// ObserveTurn records the outcome of one chat turn.
func ObserveTurn(outcome string) {
	TurnsTotal.WithLabelValues(outcome).Inc()
}

// Handler exposes the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
