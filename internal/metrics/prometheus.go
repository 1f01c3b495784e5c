package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pesio-ai/be-hse-approvals/internal/platform/middleware"
)

var (
	/* Request metrics */
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hse_approvals_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hse_approvals_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	/* Approval metrics */
	approvalActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hse_approvals_actions_total",
			Help: "Approval actions by process type, decision and outcome",
		},
		[]string{"process_type", "decision", "outcome"},
	)

	submissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hse_approvals_submissions_total",
			Help: "Submitted requests by process type and initial status",
		},
		[]string{"process_type", "status"},
	)

	conflictRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hse_approvals_conflict_retries_total",
			Help: "Optimistic write retries after a concurrent update",
		},
		[]string{"process_type"},
	)

	configIssuesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hse_approvals_config_issues_total",
			Help: "Role references that resolved to no approver",
		},
		[]string{"process_type", "code"},
	)

	notificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hse_approvals_notifications_total",
			Help: "Notification events published",
		},
		[]string{"event", "outcome"},
	)

	liveSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hse_approvals_live_subscribers",
			Help: "Open live flow subscriptions",
		},
	)
)

// RecordAction counts an approval action attempt.
func RecordAction(processType, decision, outcome string) {
	approvalActionsTotal.WithLabelValues(processType, decision, outcome).Inc()
}

// RecordSubmission counts a submitted request.
func RecordSubmission(processType, status string) {
	submissionsTotal.WithLabelValues(processType, status).Inc()
}

// RecordConflictRetry counts a retried optimistic write.
func RecordConflictRetry(processType string) {
	conflictRetriesTotal.WithLabelValues(processType).Inc()
}

// RecordConfigIssue counts an unresolvable role reference.
func RecordConfigIssue(processType, code string) {
	configIssuesTotal.WithLabelValues(processType, code).Inc()
}

// RecordNotification counts a published (or failed) notification.
func RecordNotification(event, outcome string) {
	notificationsTotal.WithLabelValues(event, outcome).Inc()
}

// SubscriberOpened and SubscriberClosed track live subscriptions.
func SubscriberOpened() { liveSubscribers.Inc() }
func SubscriberClosed() { liveSubscribers.Dec() }

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records request counts and latency labelled by mux route template.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &middleware.StatusRecorder{ResponseWriter: w, Status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unmatched"
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rec.Status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
