package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectedSessions tracks the number of live WebSocket sessions.
	ConnectedSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "docstream_connected_sessions",
		Help: "Current number of connected client sessions",
	})

	// ActiveSubscriptions tracks live subscriptions per topic.
	ActiveSubscriptions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "docstream_active_subscriptions",
		Help: "Current number of active subscriptions",
	}, []string{"topic"})

	// CommandsReceived tracks inbound commands by type and outcome.
	CommandsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docstream_commands_received_total",
		Help: "Inbound protocol commands by type and outcome",
	}, []string{"type", "outcome"})

	// CommandsRateLimited tracks commands rejected by the per-connection
	// rate limiter (storm protection).
	CommandsRateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "docstream_commands_rate_limited_total",
		Help: "Inbound commands rejected by the per-connection rate limiter",
	})

	// EventsBroadcast tracks change-feed events fanned out by the broker.
	EventsBroadcast = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docstream_events_broadcast_total",
		Help: "Change-feed events broadcast to subscriptions",
	}, []string{"topic"})

	// EventsDropped tracks events discarded by a full subscription buffer
	// (drop-oldest backpressure policy).
	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docstream_events_dropped_total",
		Help: "Events dropped because a subscription buffer was full",
	}, []string{"topic"})

	// PublishQueueDepth tracks the persistence lane backlog.
	PublishQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "docstream_publish_queue_depth",
		Help: "Current number of publishes waiting in the persistence lane",
	})

	// PersistenceFailures tracks store writes that failed. The message that
	// would have resulted never reaches the feed, so publish is best-effort.
	PersistenceFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docstream_persistence_failures_total",
		Help: "Failed document writes from the persistence lane",
	}, []string{"topic"})

	// FeedRestarts tracks change-feed listener restarts.
	FeedRestarts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "docstream_feed_restarts_total",
		Help: "Change-feed listener restart attempts",
	})

	// FeedFailed is the operator-facing failure state: 1 once the listener
	// has exhausted its retry budget and stopped. From that point publishes
	// are no longer visible to subscribers.
	FeedFailed = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "docstream_feed_failed",
		Help: "1 if the change-feed listener has permanently stopped",
	})

	// DeliveryFailures tracks MESSAGE frames that failed to send. Isolated
	// per subscription; the subscription itself stays alive.
	DeliveryFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "docstream_delivery_failures_total",
		Help: "Outbound MESSAGE frames that failed to send",
	})
)
