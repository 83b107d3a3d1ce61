package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	eventsCaptured = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "spawntrace",
			Subsystem: "events",
			Name:      "captured_total",
			Help:      "Number of events emitted by the capture provider.",
		}, []string{"provider"},
	)
	eventsForwarded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "spawntrace",
			Subsystem: "events",
			Name:      "forwarded_total",
			Help:      "Number of events forwarded downstream by the consumer.",
		}, []string{"provider"},
	)
	eventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "spawntrace",
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Number of events dropped because of a per-event failure.",
		}, []string{"provider", "stage"},
	)
	attachDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "spawntrace",
			Subsystem: "provider",
			Name:      "attach_duration_seconds",
			Help:      "Time spent arming the capture backend for the target.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "spawntrace",
			Subsystem: "lifecycle",
			Name:      "state_transitions_total",
			Help:      "Number of state transitions per component.",
		}, []string{"component", "from", "to"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "spawntrace",
			Subsystem: "lifecycle",
			Name:      "current_state",
			Help:      "Current state of components (1 = active state, 0 = inactive).",
		}, []string{"component", "state"},
	)
	targetExitCode = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "spawntrace",
			Subsystem: "target",
			Name:      "exit_code",
			Help:      "Exit code of the traced target once it ended.",
		},
	)
	stopRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "spawntrace",
			Subsystem: "lifecycle",
			Name:      "stop_requests_total",
			Help:      "Number of shutdown requests, including repeated signals.",
		}, []string{"signal"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{eventsCaptured, eventsForwarded, eventsDropped, attachDuration, stateTransitions, currentStates, targetExitCode, stopRequests}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Helpers below no-op until Register has succeeded.

func IncCaptured(provider string) {
	if regOK.Load() {
		eventsCaptured.WithLabelValues(provider).Inc()
	}
}

func IncForwarded(provider string) {
	if regOK.Load() {
		eventsForwarded.WithLabelValues(provider).Inc()
	}
}

func IncDropped(provider, stage string) {
	if regOK.Load() {
		eventsDropped.WithLabelValues(provider, stage).Inc()
	}
}

func ObserveAttachDuration(provider string, seconds float64) {
	if regOK.Load() {
		attachDuration.WithLabelValues(provider).Observe(seconds)
	}
}

func RecordStateTransition(component, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(component, from, to).Inc()
		currentStates.WithLabelValues(component, from).Set(0)
		currentStates.WithLabelValues(component, to).Set(1)
	}
}

func SetTargetExitCode(code int) {
	if regOK.Load() {
		targetExitCode.Set(float64(code))
	}
}

func IncStopRequest(signal string) {
	if regOK.Load() {
		stopRequests.WithLabelValues(signal).Inc()
	}
}
