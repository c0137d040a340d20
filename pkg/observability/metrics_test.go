package observability

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_ObserveCall(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)

	m.ObserveCall("auth-basic", "auth", 5*time.Millisecond, "")
	m.ObserveCall("auth-basic", "auth", 7*time.Millisecond, "Timeout")

	if got := testutil.ToFloat64(m.PluginCallsTotal.WithLabelValues("auth-basic", "auth", "ok")); got != 1 {
		t.Errorf("ok calls = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.PluginCallsTotal.WithLabelValues("auth-basic", "auth", "error")); got != 1 {
		t.Errorf("error calls = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.PluginCallErrorsTotal.WithLabelValues("auth-basic", "auth", "Timeout")); got != 1 {
		t.Errorf("timeout errors = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(m.PluginCallDuration); got != 1 {
		t.Errorf("duration series = %d, want 1", got)
	}
}

func TestMetrics_SetCircuit(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.SetCircuit("remote", true)
	if got := testutil.ToFloat64(m.CircuitOpen.WithLabelValues("remote")); got != 1 {
		t.Errorf("circuit gauge = %v, want 1", got)
	}
	m.SetCircuit("remote", false)
	if got := testutil.ToFloat64(m.CircuitOpen.WithLabelValues("remote")); got != 0 {
		t.Errorf("circuit gauge = %v, want 0", got)
	}
}

func TestHTTPMetricsMiddleware(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	handler := HTTPMetricsMiddleware(m, func(*http.Request) string { return "/plugins/{id}" })(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}),
	)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/plugins/missing", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/plugins/{id}", "404")); got != 1 {
		t.Errorf("requests = %v, want 1", got)
	}
}

func TestMetricsHandler(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)
	m.InstallsTotal.WithLabelValues("success").Inc()

	srv := httptest.NewServer(MetricsHandler(registry))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `plughost_installs_total{status="success"} 1`) {
		t.Errorf("installs counter missing from exposition:\n%s", body)
	}
}
