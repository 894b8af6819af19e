// Package metrics defines the node's Prometheus counters and gauges, and
// the handler that serves them.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the node's private metrics registry.
var Registry = prometheus.NewRegistry()

var (
	// FramesSent counts wire frames broadcast by the transport worker.
	FramesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "racegate_transport_frames_sent_total",
		Help: "Number of beacon frames broadcast by the transport worker",
	})

	// FramesReceived counts wire frames successfully decoded on receive.
	FramesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "racegate_transport_frames_received_total",
		Help: "Number of beacon frames received and decoded",
	})

	// DecodeErrors counts frames that failed to decode.
	DecodeErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "racegate_wire_decode_errors_total",
		Help: "Number of received frames that failed to decode",
	})

	// PushSubscribers tracks the current number of live fan-out subscribers.
	PushSubscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "racegate_push_subscribers",
		Help: "Number of currently connected push subscribers",
	})

	// PushTicksSkipped counts fan-out ticks where the latest state could
	// not be locked in time.
	PushTicksSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "racegate_push_ticks_skipped_total",
		Help: "Number of fan-out ticks that skipped publishing due to lock contention",
	})

	// RoleState tracks the current FSM state as a label-valued gauge (1 for
	// the active state, 0 for the others).
	RoleState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "racegate_role_state",
		Help: "Current role state machine state (1 active, 0 inactive)",
	}, []string{"state"})
)

func init() {
	Registry.MustRegister(
		FramesSent,
		FramesReceived,
		DecodeErrors,
		PushSubscribers,
		PushTicksSkipped,
		RoleState,
	)
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// SetRoleState sets the active state's gauge to 1 and every other known
// state to 0.
func SetRoleState(active string, all []string) {
	for _, s := range all {
		if s == active {
			RoleState.WithLabelValues(s).Set(1)
		} else {
			RoleState.WithLabelValues(s).Set(0)
		}
	}
}
