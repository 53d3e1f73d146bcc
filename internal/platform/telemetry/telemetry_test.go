package telemetry

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/byluca/ct-medical-images/internal/domain/warehouse"
)

func newProvider(t *testing.T) *Provider {
	t.Helper()
	p, err := New(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestProvider_FileDone(t *testing.T) {
	p := newProvider(t)
	p.FileDone(warehouse.FileResult{Status: warehouse.StatusLoaded, Outcome: warehouse.OutcomeInserted})
	p.FileDone(warehouse.FileResult{Status: warehouse.StatusLoaded, Outcome: warehouse.OutcomeDuplicate})
	p.FileDone(warehouse.FileResult{Status: warehouse.StatusFailed, Err: errors.New("x")})

	if got := testutil.ToFloat64(p.filesTotal.WithLabelValues("loaded")); got != 2 {
		t.Errorf("loaded = %v, want 2", got)
	}
	if got := testutil.ToFloat64(p.filesTotal.WithLabelValues("failed")); got != 1 {
		t.Errorf("failed = %v, want 1", got)
	}
	if got := testutil.ToFloat64(p.factsTotal.WithLabelValues("inserted")); got != 1 {
		t.Errorf("inserted = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(p.factsTotal); got != 2 {
		t.Errorf("fact outcome series = %d, want 2", got)
	}
}

func TestProvider_DimensionCreated(t *testing.T) {
	p := newProvider(t)
	p.DimensionCreated("dim_patient")
	p.DimensionCreated("dim_patient")
	p.DimensionCreated("dim_date")
	if got := testutil.ToFloat64(p.dimensionCreated.WithLabelValues("dim_patient")); got != 2 {
		t.Errorf("dim_patient = %v, want 2", got)
	}
}

func TestProvider_RunCompleted(t *testing.T) {
	p := newProvider(t)
	p.RunCompleted(warehouse.Summary{Duration: 3 * time.Second, Failed: 1})
	if got := testutil.ToFloat64(p.runsTotal); got != 1 {
		t.Errorf("runs = %v", got)
	}
	if got := testutil.ToFloat64(p.lastRunSuccess); got != 0 {
		t.Errorf("last success set on a run with failures: %v", got)
	}
	p.RunCompleted(warehouse.Summary{Duration: time.Second})
	if got := testutil.ToFloat64(p.lastRunSuccess); got == 0 {
		t.Error("expected last success timestamp to be set")
	}
}

func TestProvider_WriteTextfile(t *testing.T) {
	p := newProvider(t)
	p.FileDone(warehouse.FileResult{Status: warehouse.StatusSkipped, Outcome: warehouse.OutcomeSkipped})
	path := filepath.Join(t.TempDir(), "ctdw.prom")
	if err := p.WriteTextfile(path); err != nil {
		t.Fatalf("WriteTextfile: %v", err)
	}
	body, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(body), `ctdw_files_processed_total{status="skipped"} 1`) {
		t.Errorf("textfile missing counter:\n%s", body)
	}
}

func TestProvider_SetDBPool(t *testing.T) {
	p := newProvider(t)
	p.SetDBPool(10, 7, 3)
	if got := testutil.ToFloat64(p.dbPoolConns.WithLabelValues("acquired")); got != 3 {
		t.Errorf("acquired = %v", got)
	}
}

func TestProvider_HTTP(t *testing.T) {
	p := newProvider(t)
	e := echo.New()
	e.Use(p.MetricsMiddleware())
	e.GET("/ok/:id", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/boom", func(c echo.Context) error { return echo.NewHTTPError(http.StatusServiceUnavailable, "down") })
	e.GET("/metrics", p.Handler())

	for _, path := range []string{"/ok/1", "/ok/2", "/boom"} {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	}

	if got := testutil.ToFloat64(p.httpRequestsTotal.WithLabelValues("GET", "/ok/:id", "200")); got != 2 {
		t.Errorf("/ok/:id 200 = %v, want 2", got)
	}
	if got := testutil.ToFloat64(p.httpRequestsTotal.WithLabelValues("GET", "/boom", "503")); got != 1 {
		t.Errorf("/boom 503 = %v, want 1", got)
	}

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "ctdw_http_requests_total") {
		t.Error("metrics body missing http counter")
	}
}

func TestNew_Runtime(t *testing.T) {
	if _, err := New(Config{Namespace: "x", Runtime: true}); err != nil {
		t.Fatalf("New with runtime collectors: %v", err)
	}
}
