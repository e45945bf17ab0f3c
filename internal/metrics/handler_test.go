package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// scrape はハンドラーを1回呼び、ステータスと本文を返す。
func scrape(t *testing.T, h http.Handler) (int, string) {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, err := io.ReadAll(w.Result().Body)
	if err != nil {
		t.Fatalf("failed to read body: %v", err)
	}
	return w.Code, string(body)
}

func TestHandler_ServesCollectorMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.RecordLogin("success")
	c.RecordClaim("already_claimed")

	status, body := scrape(t, Handler(reg))

	if status != http.StatusOK {
		t.Fatalf("status = %d, want %d", status, http.StatusOK)
	}
	for _, want := range []string{
		`smirk_logins_total{outcome="success"} 1`,
		`smirk_tip_claims_total{outcome="already_claimed"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("body does not contain %q", want)
		}
	}
}

func TestNewRegistry_IncludesRuntimeCollectors(t *testing.T) {
	reg := NewRegistry()
	_ = NewCollector(reg)

	_, body := scrape(t, Handler(reg))

	for _, want := range []string{"go_goroutines", "smirk_active_views"} {
		if !strings.Contains(body, want) {
			t.Errorf("body does not contain %q", want)
		}
	}
}

// failingGatherer は一部のメトリクスと一緒にエラーを返す。
type failingGatherer struct {
	families []*dto.MetricFamily
}

func (g failingGatherer) Gather() ([]*dto.MetricFamily, error) {
	return g.families, errors.New("collector exploded")
}

func TestHandler_ContinuesOnGatherError(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewCollector(reg).RecordLogin("failure")
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather: %v", err)
	}

	status, body := scrape(t, Handler(failingGatherer{families: families}))

	if status != http.StatusOK {
		t.Errorf("status = %d, want %d", status, http.StatusOK)
	}
	if !strings.Contains(body, `smirk_logins_total{outcome="failure"} 1`) {
		t.Error("gathered metrics should still be served when a collector fails")
	}
}
