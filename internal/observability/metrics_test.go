package observability

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsDispatchCollectors(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics()

	metrics.IncMessageSent()
	metrics.IncMessageFailed("Transport_Error")
	metrics.IncMessageSkipped("ledger")
	metrics.IncMessageSkipped("")
	metrics.ObserveSendDuration(120 * time.Millisecond)
	metrics.IncLongBreak()
	metrics.IncRunFinished("COMPLETED")
	metrics.IncReconnect()

	if got := testutil.ToFloat64(metrics.messagesSentTotal); got != 1 {
		t.Fatalf("messages_sent_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.messagesFailedTotal.WithLabelValues("transport_error")); got != 1 {
		t.Fatalf("messages_failed_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.messagesSkippedTotal.WithLabelValues("ledger")); got != 1 {
		t.Fatalf("messages_skipped_total{ledger} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.messagesSkippedTotal.WithLabelValues("unknown")); got != 1 {
		t.Fatalf("messages_skipped_total{unknown} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.longBreaksTotal); got != 1 {
		t.Fatalf("long_breaks_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.runsTotal.WithLabelValues("completed")); got != 1 {
		t.Fatalf("runs_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.reconnectsTotal); got != 1 {
		t.Fatalf("session_reconnects_total = %v, want 1", got)
	}
}

func TestMetricsNilReceiverIsSafe(t *testing.T) {
	t.Parallel()

	var metrics *Metrics
	metrics.IncMessageSent()
	metrics.IncMessageFailed("x")
	metrics.ObserveSendDuration(time.Second)
	metrics.IncLongBreak()
}

func TestMetricsHTTPMiddlewareRecordsRequest(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics()
	app := fiber.New()
	app.Use(metrics.HTTPMiddleware())
	app.Get("/livez", func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})

	req := httptest.NewRequest("GET", "/livez", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	if got := testutil.ToFloat64(metrics.httpRequestsTotal.WithLabelValues("GET", "/livez", "200")); got != 1 {
		t.Fatalf("http_requests_total = %v, want 1", got)
	}
}

func TestMetricsHTTPMiddlewareRecordsErrorStatus(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics()
	app := fiber.New()
	app.Use(metrics.HTTPMiddleware())
	app.Get("/boom", func(c *fiber.Ctx) error {
		return errors.New("boom")
	})

	req := httptest.NewRequest("GET", "/boom", nil)
	_, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}

	if got := testutil.ToFloat64(metrics.httpRequestsTotal.WithLabelValues("GET", "/boom", "500")); got != 1 {
		t.Fatalf("http_requests_total = %v, want 1", got)
	}
}
