package metrics

import (
	"errors"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "barnr"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	gatherMu sync.RWMutex
	gatherer prometheus.Gatherer = prometheus.DefaultGatherer

	processStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "starts_total",
			Help:      "Number of successful process launches.",
		}, []string{"kind", "name"},
	)
	processStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "stops_total",
			Help:      "Number of stops requested.",
		}, []string{"kind", "name"},
	)
	processResurrections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "resurrections_total",
			Help:      "Number of relaunches of processes found dead with a recorded pid.",
		}, []string{"kind", "name"},
	)
	processRecoveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "recoveries_total",
			Help:      "Number of running processes re-adopted by command line.",
		}, []string{"kind", "name"},
	)
	stalePIDs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_pids_cleared_total",
			Help:      "Number of recorded pids cleared after a failed liveness probe.",
		}, []string{"kind"},
	)
	backups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backups_total",
			Help:      "Number of backups by outcome.",
		}, []string{"name", "result"},
	)
	schedulerTicks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "ticks_total",
			Help:      "Number of scheduler ticks run.",
		},
	)
	schedulerTicksSkipped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "ticks_skipped_total",
			Help:      "Number of ticks skipped because the previous one was still running.",
		},
	)
	runningInstances = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "running_instances",
			Help:      "Processes observed alive at the last refresh.",
		}, []string{"kind"},
	)
	processRSS = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "memory_rss_bytes",
			Help:      "Resident memory of a live process.",
		}, []string{"kind", "name"},
	)
	processCPU = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "cpu_percent",
			Help:      "CPU usage of a live process.",
		}, []string{"kind", "name"},
	)
)

// Register registers all metrics with the provided registerer. It is safe to
// call multiple times and with several registries; each one gets the shared
// collectors. When r is also a Gatherer, Handler serves it from then on.
func Register(r prometheus.Registerer) error {
	cs := []prometheus.Collector{
		processStarts, processStops, processResurrections, processRecoveries,
		stalePIDs, backups, schedulerTicks, schedulerTicksSkipped,
		runningInstances, processRSS, processCPU,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	g, ok := r.(prometheus.Gatherer)
	if !ok {
		g = prometheus.DefaultGatherer
	}
	gatherMu.Lock()
	gatherer = g
	gatherMu.Unlock()
	regOK.Store(true)
	return nil
}

// Gatherer returns the gatherer of the last successful Register.
func Gatherer() prometheus.Gatherer {
	gatherMu.RLock()
	defer gatherMu.RUnlock()
	return gatherer
}

// Handler serves the metrics of the registry last passed to Register.
func Handler() http.Handler { return HandlerFor(Gatherer()) }

// HandlerFor serves the metrics gathered by g.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart(kind, name string) {
	if regOK.Load() {
		processStarts.WithLabelValues(kind, name).Inc()
	}
}

func IncStop(kind, name string) {
	if regOK.Load() {
		processStops.WithLabelValues(kind, name).Inc()
	}
}

func IncResurrection(kind, name string) {
	if regOK.Load() {
		processResurrections.WithLabelValues(kind, name).Inc()
	}
}

func IncRecovery(kind, name string) {
	if regOK.Load() {
		processRecoveries.WithLabelValues(kind, name).Inc()
	}
}

func IncStalePID(kind string) {
	if regOK.Load() {
		stalePIDs.WithLabelValues(kind).Inc()
	}
}

func IncBackup(name string, ok bool) {
	if regOK.Load() {
		result := "ok"
		if !ok {
			result = "failed"
		}
		backups.WithLabelValues(name, result).Inc()
	}
}

func IncTick() {
	if regOK.Load() {
		schedulerTicks.Inc()
	}
}

func IncTickSkipped() {
	if regOK.Load() {
		schedulerTicksSkipped.Inc()
	}
}

func SetRunning(kind string, n int) {
	if regOK.Load() {
		runningInstances.WithLabelValues(kind).Set(float64(n))
	}
}

// SetUsage records the resource usage of a live process.
func SetUsage(kind, name string, rssBytes uint64, cpuPercent float64) {
	if regOK.Load() {
		processRSS.WithLabelValues(kind, name).Set(float64(rssBytes))
		processCPU.WithLabelValues(kind, name).Set(cpuPercent)
	}
}

// ClearUsage drops the usage series of a process that is no longer alive.
func ClearUsage(kind, name string) {
	if regOK.Load() {
		processRSS.DeleteLabelValues(kind, name)
		processCPU.DeleteLabelValues(kind, name)
	}
}
