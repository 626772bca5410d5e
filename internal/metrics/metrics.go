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

	slotStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "svcmon",
			Subsystem: "slot",
			Name:      "starts_total",
			Help:      "Number of successful process launches.",
		}, []string{"name"},
	)
	slotStartFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "svcmon",
			Subsystem: "slot",
			Name:      "start_failures_total",
			Help:      "Number of launches that failed to spawn.",
		}, []string{"name"},
	)
	slotStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "svcmon",
			Subsystem: "slot",
			Name:      "stops_total",
			Help:      "Number of explicit stops.",
		}, []string{"name"},
	)
	slotKills = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "svcmon",
			Subsystem: "slot",
			Name:      "forced_kills_total",
			Help:      "Number of stops that had to escalate past the grace period.",
		}, []string{"name"},
	)
	slotExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "svcmon",
			Subsystem: "slot",
			Name:      "exits_total",
			Help:      "Number of self-exits by outcome (ok, error, signal).",
		}, []string{"name", "outcome"},
	)
	logLines = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "svcmon",
			Subsystem: "log",
			Name:      "lines_total",
			Help:      "Captured or synthetic log lines by severity.",
		}, []string{"name", "severity"},
	)
	buildRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "svcmon",
			Subsystem: "build",
			Name:      "runs_total",
			Help:      "Build chain completions by result.",
		}, []string{"name", "result"},
	)
	runningSlots = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "svcmon",
			Subsystem: "slot",
			Name:      "running",
			Help:      "Number of slots with a live process.",
		},
	)
	configuredSlots = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "svcmon",
			Subsystem: "supervisor",
			Name:      "slots",
			Help:      "Number of slots registered with the supervisor.",
		},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "svcmon",
			Subsystem: "slot",
			Name:      "state_transitions_total",
			Help:      "Number of state transitions between slot states.",
		}, []string{"name", "from", "to"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{slotStarts, slotStartFailures, slotStops, slotKills, slotExits, logLines, buildRuns, runningSlots, configuredSlots, stateTransitions}
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

// Handler serves the default gatherer.
func Handler() http.Handler { return promhttp.Handler() }

// The helpers below no-op until Register has succeeded.

func IncStart(name string) {
	if regOK.Load() {
		slotStarts.WithLabelValues(name).Inc()
		runningSlots.Inc()
	}
}

func IncStartFailure(name string) {
	if regOK.Load() {
		slotStartFailures.WithLabelValues(name).Inc()
	}
}

// IncStop records an explicit stop; forced is set when the grace period
// ran out.
func IncStop(name string, forced bool) {
	if regOK.Load() {
		slotStops.WithLabelValues(name).Inc()
		if forced {
			slotKills.WithLabelValues(name).Inc()
		}
		runningSlots.Dec()
	}
}

func IncExit(name string, code int) {
	if regOK.Load() {
		slotExits.WithLabelValues(name, exitOutcome(code)).Inc()
		runningSlots.Dec()
	}
}

func exitOutcome(code int) string {
	switch {
	case code == 0:
		return "ok"
	case code < 0, code > 128 && code <= 128+64:
		return "signal"
	default:
		return "error"
	}
}

func IncLogLine(name, severity string) {
	if regOK.Load() {
		logLines.WithLabelValues(name, severity).Inc()
	}
}

func IncBuild(name string, ok bool) {
	if regOK.Load() {
		result := "failed"
		if ok {
			result = "ok"
		}
		buildRuns.WithLabelValues(name, result).Inc()
	}
}

func RecordStateTransition(name, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(name, from, to).Inc()
	}
}

func SetSlotCount(n int) {
	if regOK.Load() {
		configuredSlots.Set(float64(n))
	}
}
