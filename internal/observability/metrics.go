package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DriversOnline = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "tow_dispatch", Name: "drivers_online", Help: "Drivers considered online under the staleness rule"})
	JobsSaved     = promauto.NewCounter(prometheus.CounterOpts{Namespace: "tow_dispatch", Name: "jobs_saved_total", Help: "Job create/update operations"})
	JobsDeleted   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "tow_dispatch", Name: "jobs_deleted_total", Help: "Job deletions"})
	StatusChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "tow_dispatch", Name: "job_status_changes_total", Help: "Job status transitions applied"},
		[]string{"status"},
	)
	LocationReports = promauto.NewCounter(prometheus.CounterOpts{Namespace: "tow_dispatch", Name: "location_reports_total", Help: "Driver position reports accepted"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "tow_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tow_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
