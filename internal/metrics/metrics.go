package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	EventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whgw_webhook_events_total",
			Help: "Webhook event lifecycle counter by provider and stage",
		},
		// rejected|received|duplicate|succeeded|retry|dead_lettered|skipped|unhandled
		[]string{"provider", "stage"},
	)

	HandlerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "whgw_handler_duration_seconds",
			Help:    "Handler execution time by provider, event type and outcome",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider", "event_type", "outcome"}, // ok|error
	)

	ReplaysTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whgw_dlq_replays_total",
			Help: "Operator replays of dead-lettered events by outcome",
		},
		[]string{"provider", "outcome"}, // succeeded|failed|rejected
	)

	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whgw_notifications_total",
			Help: "Best-effort notification steps by template and outcome",
		},
		[]string{"template", "outcome"}, // queued|duplicate|failed
	)

	SweeperRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whgw_sweeper_dispatches_total",
			Help: "Events re-dispatched by the sweeper by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)
)

var registerOnce sync.Once

// MustRegister registers all collectors once; later calls are no-ops.
func MustRegister(r prometheus.Registerer) {
	registerOnce.Do(func() {
		r.MustRegister(
			EventsTotal,
			HandlerDuration,
			ReplaysTotal,
			NotificationsTotal,
			SweeperRuns,
		)
	})
}
