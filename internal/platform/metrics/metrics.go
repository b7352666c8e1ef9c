package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mpi_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mpi_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"method", "route"},
	)

	// Identity metrics
	patientsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mpi_patients_created_total",
			Help: "Total number of patient identities created",
		},
	)

	patientsMerged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mpi_patients_merged_total",
			Help: "Total number of completed patient merges",
		},
	)

	patientsSplit = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mpi_patients_split_total",
			Help: "Total number of completed patient splits",
		},
	)

	encountersMoved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mpi_encounters_reassigned_total",
			Help: "Encounters moved between patients by merge or split",
		},
		[]string{"operation"},
	)

	// Encounter metrics
	encounterStatusChanged = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mpi_encounter_status_changed_total",
			Help: "Total number of encounter status transitions",
		},
		[]string{"from_status", "to_status"},
	)

	encounterConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mpi_encounter_status_conflicts_total",
			Help: "Status changes rejected because a concurrent writer won",
		},
	)

	// Identifier allocation
	identifiersAllocated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mpi_identifiers_allocated_total",
			Help: "Identifiers handed out by source",
		},
		[]string{"source"}, // source: "sequence", "fallback"
	)

	// Audit relay
	auditPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mpi_audit_events_published_total",
			Help: "Audit events relayed to the message broker",
		},
	)

	auditRelayErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mpi_audit_relay_errors_total",
			Help: "Audit relay cycles that failed",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records request counts and latency keyed by the matched route
// template, never the raw path.
func Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				}
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			method := c.Request().Method

			httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
			httpRequestDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// --- Business metric helpers ---

func RecordPatientCreated() {
	patientsCreated.Inc()
}

// RecordMerge records a merge and the number of encounters it moved.
func RecordMerge(encounters int) {
	patientsMerged.Inc()
	encountersMoved.WithLabelValues("merge").Add(float64(encounters))
}

// RecordSplit records a split and the number of encounters it moved.
func RecordSplit(encounters int) {
	patientsSplit.Inc()
	encountersMoved.WithLabelValues("split").Add(float64(encounters))
}

// RecordStatusChange records an encounter status transition. An empty from
// status is reported as "none".
func RecordStatusChange(from, to string) {
	if from == "" {
		from = "none"
	}
	encounterStatusChanged.WithLabelValues(from, to).Inc()
}

func RecordStatusConflict() {
	encounterConflicts.Inc()
}

// RecordIdentifierAllocated records where an identifier came from.
func RecordIdentifierAllocated(fallback bool) {
	source := "sequence"
	if fallback {
		source = "fallback"
	}
	identifiersAllocated.WithLabelValues(source).Inc()
}

func RecordAuditPublished(n int) {
	auditPublished.Add(float64(n))
}

func RecordAuditRelayError() {
	auditRelayErrors.Inc()
}
