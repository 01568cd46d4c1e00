// Package metrics exposes STONIX run counters as Prometheus metrics.
//
// A Registry is created per run and passed to the recorder and undo
// engine. Hosts without a scrape endpoint export it through the node
// exporter textfile collector with WriteTextfile.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "stonix"

// Undo outcomes.
const (
	OutcomeReverted = "reverted"
	OutcomeFailed   = "failed"
	OutcomeMissing  = "missing"
)

// Registry holds all STONIX metrics.
type Registry struct {
	reg *prometheus.Registry

	eventsRecorded   *prometheus.CounterVec
	eventsDeleted    prometheus.Counter
	undoOutcomes     *prometheus.CounterVec
	snapshots        *prometheus.CounterVec
	lockWaits        *prometheus.CounterVec
	ruleRuns         *prometheus.CounterVec
	lastRunTimestamp prometheus.Gauge
	liveEvents       *prometheus.GaugeVec
}

// NewRegistry creates a registry with every STONIX collector registered.
func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		eventsRecorded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_recorded_total",
			Help:      "Change events recorded, by event type.",
		}, []string{"type"}),
		eventsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_deleted_total",
			Help:      "Change events removed from the event log.",
		}),
		undoOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "undo_events_total",
			Help:      "Events processed by undo, by event type and outcome.",
		}, []string{"type", "outcome"}),
		snapshots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_total",
			Help:      "File snapshot operations, by operation.",
		}, []string{"op"}),
		lockWaits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "package_manager_lock_waits_total",
			Help:      "Retries spent waiting for a busy package manager.",
		}, []string{"manager"}),
		ruleRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_runs_total",
			Help:      "Rule invocations by action and result.",
		}, []string{"action", "result"}),
		lastRunTimestamp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time of the last controller run.",
		}),
		liveEvents: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_events",
			Help:      "Events currently in the log, by event type.",
		}, []string{"type"}),
	}
	r.reg.MustRegister(
		r.eventsRecorded,
		r.eventsDeleted,
		r.undoOutcomes,
		r.snapshots,
		r.lockWaits,
		r.ruleRuns,
		r.lastRunTimestamp,
		r.liveEvents,
	)
	return r
}

// Gatherer exposes the underlying registry.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// RecordEvent counts a recorded change event.
func (r *Registry) RecordEvent(eventType string) {
	if r == nil {
		return
	}
	r.eventsRecorded.WithLabelValues(eventType).Inc()
}

// RecordDelete counts a removed event.
func (r *Registry) RecordDelete() {
	if r == nil {
		return
	}
	r.eventsDeleted.Inc()
}

// RecordUndo counts one event processed by undo.
func (r *Registry) RecordUndo(eventType, outcome string) {
	if r == nil {
		return
	}
	r.undoOutcomes.WithLabelValues(eventType, outcome).Inc()
}

// RecordSnapshot counts a snapshot operation (capture, restore, remove).
func (r *Registry) RecordSnapshot(op string) {
	if r == nil {
		return
	}
	r.snapshots.WithLabelValues(op).Inc()
}

// RecordLockWait counts one wait on a busy package manager.
func (r *Registry) RecordLockWait(manager string) {
	if r == nil {
		return
	}
	r.lockWaits.WithLabelValues(manager).Inc()
}

// RecordRuleRun counts a rule invocation.
func (r *Registry) RecordRuleRun(action string, success bool) {
	if r == nil {
		return
	}
	result := "success"
	if !success {
		result = "failure"
	}
	r.ruleRuns.WithLabelValues(action, result).Inc()
}

// MarkRun sets the last run timestamp.
func (r *Registry) MarkRun(t time.Time) {
	if r == nil {
		return
	}
	r.lastRunTimestamp.Set(float64(t.Unix()))
}

// SetLiveEvents sets the number of live events of one type.
func (r *Registry) SetLiveEvents(eventType string, n int) {
	if r == nil {
		return
	}
	r.liveEvents.WithLabelValues(eventType).Set(float64(n))
}

// WriteTextfile writes the registry in the text exposition format for the
// node exporter textfile collector.
func (r *Registry) WriteTextfile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create metrics dir: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, r.reg); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
