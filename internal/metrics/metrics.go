// Package metrics provides Prometheus instrumentation for the moderation
// engine and the moderator ops feed.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// EventsTotal counts platform events received, by kind.
	EventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sheriff_events_total",
		Help: "Total number of platform events received",
	}, []string{"kind"})

	// EventsDropped counts events skipped before classification, by reason:
	// "unsupported", "duplicate" or "malformed".
	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sheriff_events_dropped_total",
		Help: "Events skipped before classification",
	}, []string{"reason"})

	// VerdictsTotal counts classification verdicts by task and verdict.
	VerdictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sheriff_verdicts_total",
		Help: "Classification verdicts",
	}, []string{"task", "verdict"})

	// ClassifyDuration records classifier round-trip latency by task.
	ClassifyDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sheriff_classify_duration_seconds",
		Help:    "Classifier round-trip latency in seconds",
		Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 20, 30, 60},
	}, []string{"task"})

	// ClassifyErrors counts classifier failures collapsed to an unknown
	// verdict, by cause: "timeout", "transport" or "image".
	ClassifyErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sheriff_classify_errors_total",
		Help: "Classifier failures reported as unknown verdicts",
	}, []string{"cause"})

	// UsernameCacheHits counts username verdicts served from cache.
	UsernameCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sheriff_username_cache_hits_total",
		Help: "Username verdicts served from cache",
	})

	// ActionsTotal counts enforcement actions decided, by action kind.
	ActionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sheriff_actions_total",
		Help: "Enforcement actions decided",
	}, []string{"action"})

	// ExecutionErrors counts platform commands that failed, by operation.
	ExecutionErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sheriff_execution_errors_total",
		Help: "Platform commands rejected or timed out",
	}, []string{"op"})

	// NotificationsTotal counts notifications by outcome: "sent",
	// "rate_limited", "failed" or "skipped".
	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sheriff_notifications_total",
		Help: "Enforcement notifications by outcome",
	}, []string{"outcome"})

	// NotificationFallbacks counts generated notifications replaced by the
	// static template.
	NotificationFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sheriff_notification_fallbacks_total",
		Help: "Generated notifications replaced by a static template",
	})

	// HandleDuration records end-to-end event handling latency.
	HandleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sheriff_handle_duration_seconds",
		Help:    "End-to-end event handling latency in seconds",
		Buckets: []float64{.01, .05, .1, .5, 1, 2.5, 5, 10, 30, 60, 120},
	})

	// WorkersActive tracks per-key workers currently alive.
	WorkersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sheriff_workers_active",
		Help: "Per-key event workers currently alive",
	})

	// FeedConnections tracks the current number of ops feed WebSocket
	// connections.
	FeedConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sheriff_feed_connections",
		Help: "Current number of ops feed WebSocket connections",
	})

	// FeedMessages counts ops feed messages by direction: "in" or "out".
	FeedMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sheriff_feed_messages_total",
		Help: "Ops feed messages by direction",
	}, []string{"direction"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
