// Package metrics exposes Prometheus counters for the gateway connection,
// observation sweeps, notifications and commands.
//
// All recorders are safe to call before Init; they do nothing until the
// collectors are registered.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "tradfrid_"

	ResultSuccess = "success"
	ResultError   = "error"
	ResultSkipped = "skipped"
)

var (
	registerOnce sync.Once

	attachTotal     *prometheus.CounterVec
	attachLatency   *prometheus.HistogramVec
	connectionState prometheus.Gauge
	topologySize    *prometheus.GaugeVec

	sweepTotal       *prometheus.CounterVec
	observeFailures  prometheus.Counter
	notificationsOut *prometheus.CounterVec
	eventsDropped    prometheus.CounterFunc
	droppedSource    atomic.Pointer[func() uint64]

	commandTotal   *prometheus.CounterVec
	commandLatency *prometheus.HistogramVec
)

// Init registers the collectors with the default registry.
func Init() {
	registerOnce.Do(func() {
		attachTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "attach_total",
				Help: "Total gateway attach attempts by result",
			},
			[]string{"result"},
		)
		attachLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "attach_latency_seconds",
				Help:    "Gateway attach latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)
		connectionState = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "connection_state",
				Help: "Gateway connection state (0 detached, 1 attaching, 2 attached)",
			},
		)
		topologySize = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: metricPrefix + "topology_size",
				Help: "Cached topology size by kind",
			},
			[]string{"kind"},
		)

		sweepTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "observation_sweeps_total",
				Help: "Total observation sweeps by result",
			},
			[]string{"result"},
		)
		observeFailures = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "observe_failures_total",
				Help: "Total per-device observer installations that failed",
			},
		)
		notificationsOut = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "notifications_total",
				Help: "Total device change notifications by result",
			},
			[]string{"result"},
		)
		eventsDropped = prometheus.NewCounterFunc(
			prometheus.CounterOpts{
				Name: metricPrefix + "events_dropped_total",
				Help: "Total event deliveries dropped because the bus queue was full",
			},
			func() float64 {
				if fn := droppedSource.Load(); fn != nil {
					return float64((*fn)())
				}
				return 0
			},
		)

		commandTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "commands_total",
				Help: "Total commands by name and response state",
			},
			[]string{"command", "state"},
		)
		commandLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "command_latency_seconds",
				Help:    "Command latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"command"},
		)

		prometheus.MustRegister(
			attachTotal,
			attachLatency,
			connectionState,
			topologySize,
			sweepTotal,
			observeFailures,
			notificationsOut,
			eventsDropped,
			commandTotal,
			commandLatency,
		)
	})
}

// ObserveAttach records an attach attempt.
func ObserveAttach(result string, duration time.Duration) {
	if result == "" {
		result = ResultSuccess
	}
	if attachTotal != nil {
		attachTotal.WithLabelValues(result).Inc()
	}
	if attachLatency != nil {
		attachLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// SetConnectionState sets the connection state gauge.
func SetConnectionState(state int) {
	if connectionState != nil {
		connectionState.Set(float64(state))
	}
}

// SetTopologySize sets the cached group and device counts.
func SetTopologySize(groups, devices int) {
	if topologySize != nil {
		topologySize.WithLabelValues("groups").Set(float64(groups))
		topologySize.WithLabelValues("devices").Set(float64(devices))
	}
}

// IncSweep increments the observation sweep counter.
func IncSweep(result string) {
	if result == "" {
		result = ResultSuccess
	}
	if sweepTotal != nil {
		sweepTotal.WithLabelValues(result).Inc()
	}
}

// IncObserveFailure increments the per-device observer failure counter.
func IncObserveFailure() {
	if observeFailures != nil {
		observeFailures.Inc()
	}
}

// IncNotification increments the notification counter.
func IncNotification(result string) {
	if result == "" {
		result = ResultSuccess
	}
	if notificationsOut != nil {
		notificationsOut.WithLabelValues(result).Inc()
	}
}

// TrackEventsDropped makes fn the source of the dropped events counter.
// fn must be monotonic; the event bus drop count is.
func TrackEventsDropped(fn func() uint64) {
	droppedSource.Store(&fn)
}

// ObserveCommand records a command invocation and its response state.
func ObserveCommand(command, state string, duration time.Duration) {
	if command == "" {
		command = "unknown"
	}
	if commandTotal != nil {
		commandTotal.WithLabelValues(command, state).Inc()
	}
	if commandLatency != nil {
		commandLatency.WithLabelValues(command).Observe(duration.Seconds())
	}
}
