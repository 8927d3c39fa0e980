package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tphummel/fleetwatch/internal/models"
)

// Ingest results.
const (
	IngestAccepted     = "accepted"
	IngestInvalid      = "invalid"
	IngestUnauthorized = "unauthorized"
	IngestNotFound     = "not_found"
	IngestError        = "error"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetwatch_http_requests_total",
			Help: "Total number of HTTP requests by method, route, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleetwatch_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds by method and route.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	httpRequestsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fleetwatch_http_requests_in_flight",
		Help: "Current number of HTTP requests being processed.",
	})

	ingestReportsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetwatch_ingest_reports_total",
			Help: "Agent metrics reports by result.",
		},
		[]string{"result"},
	)

	statusTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetwatch_status_transitions_total",
			Help: "Status changes observed by the liveness sweeper, by new status.",
		},
		[]string{"to"},
	)
)

// FleetStats is the subset of fleet.Service needed to collect fleet metrics.
type FleetStats interface {
	Stats(ctx context.Context) (models.FleetStats, error)
}

// fleetCollector is a custom Prometheus collector that evaluates the fleet
// on each scrape to report server counts broken down by status.
type fleetCollector struct {
	fleet       FleetStats
	serversDesc *prometheus.Desc
	highDesc    *prometheus.Desc
}

func (c *fleetCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.serversDesc
	ch <- c.highDesc
}

func (c *fleetCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	st, err := c.fleet.Stats(ctx)
	if err != nil {
		ch <- prometheus.NewInvalidMetric(c.serversDesc, err)
		return
	}
	for status, n := range map[models.Status]int{
		models.StatusRunning:     st.Running,
		models.StatusStopped:     st.Stopped,
		models.StatusMaintenance: st.Maintenance,
	} {
		ch <- prometheus.MustNewConstMetric(c.serversDesc, prometheus.GaugeValue, float64(n), string(status))
	}
	ch <- prometheus.MustNewConstMetric(c.highDesc, prometheus.GaugeValue, float64(st.HighCPU), "cpu")
	ch <- prometheus.MustNewConstMetric(c.highDesc, prometheus.GaugeValue, float64(st.HighMemory), "memory")
}

// Register registers all metrics with reg. Call once at startup after the
// fleet service is constructed.
func Register(reg prometheus.Registerer, fleet FleetStats) error {
	cs := []prometheus.Collector{
		// Standard Go runtime and process metrics
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),

		// HTTP service metrics
		httpRequestsTotal,
		httpRequestDuration,
		httpRequestsInFlight,

		// Application metrics
		ingestReportsTotal,
		statusTransitionsTotal,
		&fleetCollector{
			fleet: fleet,
			serversDesc: prometheus.NewDesc(
				"fleetwatch_servers",
				"Number of registered servers, partitioned by current status.",
				[]string{"status"},
				nil,
			),
			highDesc: prometheus.NewDesc(
				"fleetwatch_servers_high_usage",
				"Number of servers above 80% usage, partitioned by resource.",
				[]string{"resource"},
				nil,
			),
		},
	}
	for _, c := range cs {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// RecordIngest counts one agent report under result.
func RecordIngest(result string) {
	ingestReportsTotal.WithLabelValues(result).Inc()
}

// RecordTransition counts one observed status change.
func RecordTransition(to models.Status) {
	statusTransitionsTotal.WithLabelValues(string(to)).Inc()
}

// responseWriter wraps http.ResponseWriter to capture the response status code.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware wraps an http.Handler to record HTTP metrics.
// pattern should be the route pattern string (e.g. "/api/servers/{id}")
// so the path label has bounded cardinality.
func Middleware(pattern string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		httpRequestsInFlight.Inc()

		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		defer func() {
			httpRequestsInFlight.Dec()
			status := strconv.Itoa(rw.status)
			httpRequestsTotal.WithLabelValues(r.Method, pattern, status).Inc()
			httpRequestDuration.WithLabelValues(r.Method, pattern).Observe(time.Since(start).Seconds())
		}()

		next.ServeHTTP(rw, r)
	})
}
