// Package telemetry exposes Prometheus metrics for warehouse runs and the
// HTTP surface: per-file outcomes, dimension row creation, run duration,
// request counts and connection pool gauges. Metrics can be scraped through
// an Echo handler or written to a node-exporter textfile after a batch run.
package telemetry

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/byluca/ct-medical-images/internal/domain/warehouse"
)

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// Config holds telemetry settings.
type Config struct {
	Namespace string // metric name prefix, default "ctdw"
	Runtime   bool   // also export Go runtime and process collectors
}

func (c *Config) applyDefaults() {
	if c.Namespace == "" {
		c.Namespace = "ctdw"
	}
}

// ---------------------------------------------------------------------------
// Provider
// ---------------------------------------------------------------------------

// Provider owns a registry and every metric the application records.
type Provider struct {
	registry *prometheus.Registry

	filesTotal       *prometheus.CounterVec
	factsTotal       *prometheus.CounterVec
	dimensionCreated *prometheus.CounterVec
	runsTotal        prometheus.Counter
	runDuration      prometheus.Histogram
	lastRunSuccess   prometheus.Gauge

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	dbPoolConns *prometheus.GaugeVec
}

// New creates a Provider with its own registry.
func New(cfg Config) (*Provider, error) {
	cfg.applyDefaults()
	ns := cfg.Namespace
	p := &Provider{registry: prometheus.NewRegistry()}

	p.filesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "files_processed_total",
		Help:      "Source files processed, by status.",
	}, []string{"status"})
	p.factsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "fact_rows_total",
		Help:      "Fact load outcomes.",
	}, []string{"outcome"})
	p.dimensionCreated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "dimension_rows_created_total",
		Help:      "Dimension rows inserted, by collection.",
	}, []string{"collection"})
	p.runsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "runs_total",
		Help:      "Completed warehouse runs.",
	})
	p.runDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: ns,
		Name:      "run_duration_seconds",
		Help:      "Wall-clock duration of warehouse runs.",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
	})
	p.lastRunSuccess = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns,
		Name:      "last_run_success_timestamp_seconds",
		Help:      "Unix time of the last run that finished without failed files.",
	})
	p.httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "http_requests_total",
		Help:      "HTTP requests served.",
	}, []string{"method", "path", "status_code"})
	p.httpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path"})
	p.dbPoolConns = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns,
		Name:      "db_pool_connections",
		Help:      "Database pool connections, by state.",
	}, []string{"state"})

	cs := []prometheus.Collector{
		p.filesTotal, p.factsTotal, p.dimensionCreated,
		p.runsTotal, p.runDuration, p.lastRunSuccess,
		p.httpRequestsTotal, p.httpRequestDuration, p.dbPoolConns,
	}
	if cfg.Runtime {
		cs = append(cs, collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	for _, c := range cs {
		if err := p.registry.Register(c); err != nil {
			return nil, fmt.Errorf("register metric: %w", err)
		}
	}
	return p, nil
}

// Registry returns the underlying registry.
func (p *Provider) Registry() *prometheus.Registry { return p.registry }

// ---------------------------------------------------------------------------
// Pipeline observer
// ---------------------------------------------------------------------------

// FileDone records one processed file.
func (p *Provider) FileDone(r warehouse.FileResult) {
	p.filesTotal.WithLabelValues(string(r.Status)).Inc()
	if r.Outcome != "" {
		p.factsTotal.WithLabelValues(string(r.Outcome)).Inc()
	}
}

// DimensionCreated records a new dimension row.
func (p *Provider) DimensionCreated(collection string) {
	p.dimensionCreated.WithLabelValues(collection).Inc()
}

// RunCompleted records the end of a run.
func (p *Provider) RunCompleted(s warehouse.Summary) {
	p.runsTotal.Inc()
	p.runDuration.Observe(s.Duration.Seconds())
	if s.Failed == 0 {
		p.lastRunSuccess.SetToCurrentTime()
	}
}

// WriteTextfile writes every registered metric to path in the text
// exposition format, for collection by node_exporter.
func (p *Provider) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, p.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Pool gauges
// ---------------------------------------------------------------------------

// SetDBPool updates the pool connection gauges.
func (p *Provider) SetDBPool(total, idle, acquired int32) {
	p.dbPoolConns.WithLabelValues("total").Set(float64(total))
	p.dbPoolConns.WithLabelValues("idle").Set(float64(idle))
	p.dbPoolConns.WithLabelValues("acquired").Set(float64(acquired))
}

// ---------------------------------------------------------------------------
// HTTP
// ---------------------------------------------------------------------------

// MetricsMiddleware counts requests and observes their latency. The route
// pattern is used as the path label to keep cardinality bounded.
func (p *Provider) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				} else if status < http.StatusBadRequest {
					status = http.StatusInternalServerError
				}
			}
			path := c.Path()
			if path == "" {
				path = "unmatched"
			}
			method := c.Request().Method
			p.httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
			p.httpRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (p *Provider) Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{}))
}
