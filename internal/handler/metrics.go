package handler

import (
	"context"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/nonceledger/internal/events"
	"github.com/jmerrifield20/nonceledger/internal/intent"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "settlement_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	branchesCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settlement_branches_created_total",
		Help: "Total speculative branches created.",
	})

	collapsesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settlement_collapses_total",
		Help: "Total successful settlements.",
	})

	branchesDiscardedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settlement_branches_discarded_total",
		Help: "Total branches discarded by settlements.",
	})

	intentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_intents_total",
		Help: "Total intent transitions by outcome.",
	}, []string{"outcome"})

	executedVolumeTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settlement_executed_volume_total",
		Help: "Sum of volume over executed intents.",
	})

	rewardCreditsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settlement_reward_credits_total",
		Help: "Total reward credits announced.",
	})

	eventsDispatchedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_events_dispatched_total",
		Help: "Total event records dispatched by kind.",
	}, []string{"kind"})

	journalAppendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_journal_appends_total",
		Help: "Total audit journal appends by result.",
	}, []string{"status"})

	rewardDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_reward_webhook_deliveries_total",
		Help: "Total reward webhook deliveries by success status.",
	}, []string{"status"})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		requestsTotal.WithLabelValues(method, path, status).Inc()
		requestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordJournalAppend records an audit journal append.
func RecordJournalAppend(success bool) {
	journalAppendsTotal.WithLabelValues(statusLabel(success)).Inc()
}

// RecordRewardDelivery records a reward webhook delivery attempt.
func RecordRewardDelivery(success bool) {
	rewardDeliveriesTotal.WithLabelValues(statusLabel(success)).Inc()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// MetricsSink is an events.Sink that turns event records into counters.
type MetricsSink struct{}

// NewMetricsSink creates a MetricsSink.
func NewMetricsSink() *MetricsSink { return &MetricsSink{} }

// Name implements events.Sink.
func (MetricsSink) Name() string { return "metrics" }

// Deliver implements events.Sink.
func (MetricsSink) Deliver(_ context.Context, rec events.Record) error {
	eventsDispatchedTotal.WithLabelValues(string(rec.Kind)).Inc()

	switch p := rec.Payload.(type) {
	case events.BranchCreated:
		branchesCreatedTotal.Inc()
	case events.Collapsed:
		collapsesTotal.Inc()
		branchesDiscardedTotal.Add(float64(len(p.Discarded)))
	case events.IntentSubmitted:
		intentsTotal.WithLabelValues("submitted").Inc()
	case events.IntentExecuted:
		intentsTotal.WithLabelValues("executed").Inc()
	case events.IntentCancelled:
		intentsTotal.WithLabelValues("cancelled").Inc()
	case events.CounterIncremented:
		if p.Counter == intent.VolumeCounterName {
			executedVolumeTotal.Add(float64(p.Delta))
		}
	case events.RewardCredited:
		rewardCreditsTotal.Inc()
	}
	return nil
}
