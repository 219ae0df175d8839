// Package metrics registers the Prometheus collectors for jobs, engine
// polling and HTTP traffic.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stemsplit_jobs_total",
			Help: "Separation jobs finished, by tool and outcome (processed, partial, failed).",
		},
		[]string{"tool", "outcome"},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stemsplit_job_duration_seconds",
			Help:    "Wall time from submission to a terminal state.",
			Buckets: []float64{30, 60, 120, 300, 600, 1200, 1800, 3600},
		},
		[]string{"tool"},
	)

	StateTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stemsplit_job_state_transitions_total",
			Help: "Job state machine transitions, by target state.",
		},
		[]string{"state"},
	)

	EnginePolls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stemsplit_engine_polls_total",
			Help: "Status polls sent to the separation engine, by result (ok, transient, unknown).",
		},
		[]string{"result"},
	)

	OutputsFetched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stemsplit_outputs_total",
			Help: "Engine outputs handled during fetch, by outcome (stored, existing, missing).",
		},
		[]string{"outcome"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stemsplit_http_requests_total",
			Help: "HTTP requests served.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stemsplit_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// Middleware records request count and latency per route template, so
// path parameters do not blow up label cardinality.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())
		httpRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		httpRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

func Handler() http.Handler {
	return promhttp.Handler()
}
