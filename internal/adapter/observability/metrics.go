package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	JobsByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "conversion_jobs",
			Help: "Number of jobs per status as of the last monitor sweep",
		},
		[]string{"status"},
	)
	JobsSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conversion_jobs_submitted_total",
			Help: "Total jobs admitted into the queue",
		},
		[]string{"platform", "format"},
	)
	JobsRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conversion_jobs_rejected_total",
			Help: "Total submissions rejected at admission",
		},
		[]string{"reason"},
	)
	JobsCompletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "conversion_jobs_completed_total",
			Help: "Total jobs that reached completed",
		},
	)
	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conversion_jobs_failed_total",
			Help: "Total jobs that reached failed, by error kind",
		},
		[]string{"kind"},
	)

	StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "conversion_stage_duration_seconds",
			Help:    "Duration of each pipeline stage",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"stage"},
	)
	StageRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conversion_stage_retries_total",
			Help: "Stage retries by error kind",
		},
		[]string{"stage", "kind"},
	)

	OldestQueuedAge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "conversion_oldest_queued_age_seconds",
			Help: "Age of the oldest queued job at the last monitor sweep",
		},
	)
	RecoveryAttemptsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "conversion_recovery_attempts_total",
			Help: "Stuck-job recovery attempts by the monitor",
		},
	)
	ExpiredJobsReapedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "conversion_expired_jobs_reaped_total",
			Help: "Expired job rows deleted by the monitor",
		},
	)

	WSConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ws_connections",
			Help: "Currently open push-channel connections",
		},
	)
	WSMessagesDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ws_messages_dropped_total",
			Help: "Outbound push messages dropped due to a full queue",
		},
	)
)

// InitMetrics registers all Prometheus collectors once per process.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(JobsByStatus)
	prometheus.MustRegister(JobsSubmittedTotal)
	prometheus.MustRegister(JobsRejectedTotal)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(JobsFailedTotal)
	prometheus.MustRegister(StageDuration)
	prometheus.MustRegister(StageRetriesTotal)
	prometheus.MustRegister(OldestQueuedAge)
	prometheus.MustRegister(RecoveryAttemptsTotal)
	prometheus.MustRegister(ExpiredJobsReapedTotal)
	prometheus.MustRegister(WSConnections)
	prometheus.MustRegister(WSMessagesDroppedTotal)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		HTTPRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(dur)
	})
}
