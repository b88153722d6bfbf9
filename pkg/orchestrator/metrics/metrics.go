// Package metrics exposes Prometheus instrumentation for the
// orchestrator.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the orchestrator's collectors.
type Metrics struct {
	ActivationsStarted   prometheus.Counter
	ActivationsCompleted prometheus.Counter
	ActivationsFailed    prometheus.Counter
	Interrupts           prometheus.Counter
	QueueDepth           *prometheus.GaugeVec
	EventsBroadcast      prometheus.Counter
}

// New registers the orchestrator collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ActivationsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "sessionkit_activations_started_total",
			Help: "Number of session activations started.",
		}),
		ActivationsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "sessionkit_activations_completed_total",
			Help: "Number of session activations completed successfully.",
		}),
		ActivationsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "sessionkit_activations_failed_total",
			Help: "Number of session activations that ended in error.",
		}),
		Interrupts: factory.NewCounter(prometheus.CounterOpts{
			Name: "sessionkit_interrupts_total",
			Help: "Number of interrupt requests handled.",
		}),
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sessionkit_queue_depth",
			Help: "Number of inputs currently queued per session.",
		}, []string{"session_id"}),
		EventsBroadcast: factory.NewCounter(prometheus.CounterOpts{
			Name: "sessionkit_events_broadcast_total",
			Help: "Number of events handed to the broadcast sink.",
		}),
	}
}
