package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestProvider_ServesDefaultCollectorsAndBuildDetails(t *testing.T) {
	p := Init(Config{Build: BuildInfo{Version: "test", Revision: "r", Branch: "b", BuildDate: "now"}})

	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: "test_gauge", Help: "smoke"})
	p.Register(g)
	g.Set(42)

	if n := testutil.CollectAndCount(g); n == 0 {
		t.Fatalf("expected at least 1 sample from test_gauge, got %d", n)
	}

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	p.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d want 200", rr.Code)
	}
	body := rr.Body.String()

	if !strings.Contains(body, "go_goroutines") {
		t.Fatalf("expected go_goroutines in payload; got:\n%s", body)
	}
	if !strings.Contains(body, "test_gauge 42") {
		t.Fatalf("expected test_gauge in payload; got:\n%s", body)
	}
	if !strings.Contains(body, `app_build_details{branch="b",build_date="now",revision="r",version="test"} 1`) {
		t.Fatalf("expected app_build_details in payload; got:\n%s", body)
	}
}

func TestInit_DefaultsPathAndVersion(t *testing.T) {
	p := Init(Config{})
	if p.cfg.Path != "/metrics" {
		t.Fatalf("path=%q", p.cfg.Path)
	}
	if got := testutil.ToFloat64(p.buildInfo.WithLabelValues("dev", "", "", "")); got != 1 {
		t.Fatalf("dev build gauge=%v want 1", got)
	}
}
