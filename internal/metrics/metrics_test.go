package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersByResult(t *testing.T) {
	m := New()
	m.ContainerAction("start", nil)
	m.ContainerAction("start", errors.New("boom"))
	m.ContainerAction("start", nil)
	if got := testutil.ToFloat64(m.ContainerActions.WithLabelValues("start", "ok")); got != 2 {
		t.Fatalf("expected 2 ok starts, got %v", got)
	}
	if got := testutil.ToFloat64(m.ContainerActions.WithLabelValues("start", "error")); got != 1 {
		t.Fatalf("expected 1 failed start, got %v", got)
	}
	m.Build(nil, 3*time.Second)
	if got := testutil.ToFloat64(m.Builds.WithLabelValues("ok")); got != 1 {
		t.Fatalf("expected 1 build, got %v", got)
	}
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	m.ObserveRequest("GET", "/api/containers", 200, time.Millisecond)
	m.ContainerAction("stop", nil)
	m.Build(nil, time.Second)
	m.Auth("login", nil)
	m.Limited()
	if m.Registry() != nil {
		t.Fatalf("expected nil registry")
	}
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.ObserveRequest("GET", "/api/containers", 200, 5*time.Millisecond)
	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	res, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer func() { _ = res.Body.Close() }()
	body, _ := io.ReadAll(res.Body)
	text := string(body)
	if !strings.Contains(text, `berth_http_requests_total{method="GET",route="/api/containers",status="200"} 1`) {
		t.Fatalf("request counter missing from exposition:\n%s", text)
	}
	if !strings.Contains(text, "go_goroutines") {
		t.Fatalf("go collector missing from exposition")
	}
}
