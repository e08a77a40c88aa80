package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegistry_IncRequest(t *testing.T) {
	r := NewRegistry()
	r.IncRequest("api", "forward", "GET", "200")
	r.IncRequest("api", "forward", "GET", "200")
	r.IncRequest("api", "forward", "POST", "502")

	if got := testutil.ToFloat64(r.requests.WithLabelValues("api", "forward", "GET", "200")); got != 2 {
		t.Errorf("GET 200: got %v, want 2", got)
	}
	if got := testutil.ToFloat64(r.requests.WithLabelValues("api", "forward", "POST", "502")); got != 1 {
		t.Errorf("POST 502: got %v, want 1", got)
	}
}

func TestRegistry_ActiveConns(t *testing.T) {
	r := NewRegistry()
	r.IncActiveConns("https")
	r.IncActiveConns("https")
	r.DecActiveConns("https")

	if got := testutil.ToFloat64(r.activeConns.WithLabelValues("https")); got != 1 {
		t.Errorf("active conns: got %v, want 1", got)
	}
}

func TestRegistry_Counters(t *testing.T) {
	r := NewRegistry()
	r.IncUpstreamError("api")
	r.IncRateLimited("api")
	r.IncRateLimited("api")
	r.IncRedirect()

	if got := testutil.ToFloat64(r.upstreamErrors.WithLabelValues("api")); got != 1 {
		t.Errorf("upstream errors: got %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.rateLimited.WithLabelValues("api")); got != 2 {
		t.Errorf("rate limited: got %v, want 2", got)
	}
	if got := testutil.ToFloat64(r.redirects); got != 1 {
		t.Errorf("redirects: got %v, want 1", got)
	}
}

func TestRegistry_ObserveLatency(t *testing.T) {
	r := NewRegistry()
	r.ObserveLatency("frontend", "static", 100*time.Millisecond)

	if n := testutil.CollectAndCount(r.latency, "edge_request_duration_seconds"); n != 1 {
		t.Fatalf("histogram series: got %d, want 1", n)
	}
}

func TestRegistry_Handler(t *testing.T) {
	r := NewRegistry()
	r.IncRequest("api", "forward", "GET", "200")

	rr := httptest.NewRecorder()
	r.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rr.Code)
	}
	b, _ := io.ReadAll(rr.Body)
	out := string(b)
	if !strings.Contains(out, `edge_requests_total{method="GET",route="api",status="200",target="forward"} 1`) {
		t.Errorf("missing request counter:\n%s", out)
	}
	if !strings.Contains(out, "go_goroutines") {
		t.Errorf("missing go collector output")
	}
}
