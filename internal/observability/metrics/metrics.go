// Package metrics exposes the Prometheus collectors used across errandd.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry = prometheus.NewRegistry()

	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "errand",
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests processed.",
	}, []string{"handler", "method", "code"})

	httpLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "errand",
		Name:      "http_request_duration_seconds",
		Help:      "Latency distribution of HTTP requests.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"handler", "method"})

	jobOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "errand",
		Name:      "jobs_total",
		Help:      "Background jobs by kind and outcome.",
	}, []string{"kind", "outcome"})

	jobsReplayed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "errand",
		Name:      "jobs_replayed_total",
		Help:      "Jobs re-published by the supervisor sweep.",
	})

	callPlacements = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "errand",
		Name:      "call_placements_total",
		Help:      "Outbound call attempts by provider path and result.",
	}, []string{"path", "result"})

	callRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "errand",
		Name:      "call_retries_total",
		Help:      "Call dispatch retries by outcome (scheduled, exhausted).",
	}, []string{"outcome"})

	queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "errand",
		Name:      "queue_depth",
		Help:      "Job ids waiting in the queue at the last supervisor sweep.",
	})

	webhookEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "errand",
		Name:      "webhook_events_total",
		Help:      "Provider webhook events by event type and mapped status.",
	}, []string{"event", "status"})
)

func init() {
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		httpRequests, httpLatency, jobOutcomes, jobsReplayed,
		callPlacements, callRetries, webhookEvents, queueDepth,
	)
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// ObserveJob records the outcome of one background job run.
func ObserveJob(kind, outcome string) {
	jobOutcomes.WithLabelValues(kind, outcome).Inc()
}

// ObserveReplay counts jobs re-published after a restart or lease expiry.
func ObserveReplay(n int) {
	if n > 0 {
		jobsReplayed.Add(float64(n))
	}
}

// SetQueueDepth records how many job ids are waiting in the queue.
func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}

// ObserveCallPlacement records one provider attempt.
func ObserveCallPlacement(path string, ok bool) {
	result := "failure"
	if ok {
		result = "success"
	}
	callPlacements.WithLabelValues(path, result).Inc()
}

// ObserveCallRetry records a scheduled or exhausted dispatch retry.
func ObserveCallRetry(outcome string) {
	callRetries.WithLabelValues(outcome).Inc()
}

// ObserveWebhook records one provider callback.
func ObserveWebhook(event, status string) {
	webhookEvents.WithLabelValues(event, status).Inc()
}

// Handler exposes the collected metrics in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
