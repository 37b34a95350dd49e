package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fleetdispatch"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	presenceOnline = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "presence",
			Name:      "online_devices",
			Help:      "Devices with a live presence fact at the last sync.",
		},
	)
	reconcileSynced = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconciler",
			Name:      "synced_devices_total",
			Help:      "Durable device records refreshed from presence facts.",
		},
	)
	reconcileDemotions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconciler",
			Name:      "demotions_total",
			Help:      "Devices demoted to offline by staleness detection.",
		},
	)
	reconcileRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconciler",
			Name:      "runs_total",
			Help:      "Reconciliation runs by result (ok, error, skipped).",
		}, []string{"result"},
	)
	connectedDevices = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "connected_devices",
			Help:      "Devices holding a live websocket connection to this process.",
		},
	)
	dispatchOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "outcomes_total",
			Help:      "Dispatch attempts by outcome.",
		}, []string{"outcome"},
	)
	schedulerRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "runs_total",
			Help:      "Scheduler ticks by result (ok, dry_run, error, skipped).",
		}, []string{"result"},
	)
	schedulerDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "tick_duration_seconds",
			Help:      "Wall time of scheduler ticks.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	schedulerLast = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "last_run_jobs",
			Help:      "Jobs dispatched and skipped by the last completed tick.",
		}, []string{"kind"},
	)
	jobTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "transitions_total",
			Help:      "Job status transitions.",
		}, []string{"from", "to"},
	)
	notifierDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifier",
			Name:      "dropped_total",
			Help:      "Events dropped because the notification queue was full or closed.",
		},
	)
	notifierSinkErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifier",
			Name:      "sink_errors_total",
			Help:      "Failed deliveries per notification sink.",
		}, []string{"sink"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		presenceOnline, reconcileSynced, reconcileDemotions, reconcileRuns, connectedDevices,
		dispatchOutcomes, schedulerRuns, schedulerDuration, schedulerLast, jobTransitions,
		notifierDropped, notifierSinkErrors,
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
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Helpers below no-op until Register succeeds.

func SetPresenceOnline(n int) {
	if regOK.Load() {
		presenceOnline.Set(float64(n))
	}
}

func AddSynced(n int) {
	if regOK.Load() {
		reconcileSynced.Add(float64(n))
	}
}

func IncDemotion() {
	if regOK.Load() {
		reconcileDemotions.Inc()
	}
}

func IncReconcileRun(result string) {
	if regOK.Load() {
		reconcileRuns.WithLabelValues(result).Inc()
	}
}

func SetConnectedDevices(n int) {
	if regOK.Load() {
		connectedDevices.Set(float64(n))
	}
}

func IncDispatch(outcome string) {
	if regOK.Load() {
		dispatchOutcomes.WithLabelValues(outcome).Inc()
	}
}

func ObserveSchedulerRun(result string, seconds float64, dispatched, skipped int) {
	if !regOK.Load() {
		return
	}
	schedulerRuns.WithLabelValues(result).Inc()
	schedulerDuration.Observe(seconds)
	schedulerLast.WithLabelValues("dispatched").Set(float64(dispatched))
	schedulerLast.WithLabelValues("skipped").Set(float64(skipped))
}

func IncSchedulerSkippedRun() {
	if regOK.Load() {
		schedulerRuns.WithLabelValues("skipped").Inc()
	}
}

func ObserveJobTransition(from, to string) {
	if regOK.Load() {
		jobTransitions.WithLabelValues(from, to).Inc()
	}
}

func IncNotifierDropped() {
	if regOK.Load() {
		notifierDropped.Inc()
	}
}

func IncSinkError(sink string) {
	if regOK.Load() {
		notifierSinkErrors.WithLabelValues(sink).Inc()
	}
}
