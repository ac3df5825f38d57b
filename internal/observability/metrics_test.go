package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/danmuck/collabd/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)

	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("collabd-a", "GET", "/health", 200, 12*time.Millisecond)
	RecordCommandSent("start", true)
	RecordInboundDropped("unknown_session")
}

func TestSessionGaugeTracksOpenAndClose(t *testing.T) {
	testlog.Start(t)

	before := testutil.ToFloat64(sessionsActive.WithLabelValues("metrics-test"))
	RecordSessionOpened("metrics-test")
	RecordSessionOpened("metrics-test")
	RecordSessionClosed("metrics-test", "ok", time.Second)

	if got := testutil.ToFloat64(sessionsActive.WithLabelValues("metrics-test")); got != before+1 {
		t.Fatalf("active sessions: got %v want %v", got, before+1)
	}
	if got := testutil.ToFloat64(sessionsClosed.WithLabelValues("metrics-test", "ok")); got != 1 {
		t.Fatalf("closed sessions: got %v want 1", got)
	}
}

func TestRequestMiddlewareRecordsRoute(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.Use(RequestLogger(ComponentLogger("test")), RequestMetrics("mw-test"))
	r.GET("/things/:id", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/things/7", nil))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("unexpected status: %d", rr.Code)
	}
	got := testutil.ToFloat64(httpRequests.WithLabelValues("mw-test", http.MethodGet, "/things/:id", "204"))
	if got != 1 {
		t.Fatalf("route counter: got %v want 1", got)
	}
}

func TestRequestLoggerEchoesRequestID(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.Use(RequestLogger(ComponentLogger("test")), RequestMetrics("mw-test"))
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(RequestIDHeader, "req-42")
	r.ServeHTTP(rr, req)
	if got := rr.Header().Get(RequestIDHeader); got != "req-42" {
		t.Fatalf("request id not echoed: %q", got)
	}

	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/nowhere", nil))
	if rr.Header().Get(RequestIDHeader) == "" {
		t.Fatalf("expected generated request id")
	}
	if got := testutil.ToFloat64(httpRequests.WithLabelValues("mw-test", http.MethodGet, "unmatched", "404")); got != 1 {
		t.Fatalf("unmatched counter: got %v want 1", got)
	}
}
