// Package metrics exposes reconciliation counters through the Prometheus
// client. A CLI run is short-lived, so the registry is written to a
// node_exporter textfile instead of being served.
package metrics

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"grimm.is/netconverge/internal/neterr"
)

var (
	once     sync.Once
	registry *Registry
)

// Registry holds all reconciliation metrics.
type Registry struct {
	AppliesTotal           *prometheus.CounterVec
	RollbacksTotal         *prometheus.CounterVec
	PhaseDuration          *prometheus.HistogramVec
	CheckpointExtensions   *prometheus.CounterVec
	VerificationMismatches *prometheus.CounterVec
	PlannedChanges         *prometheus.GaugeVec
	BackendCalls           *prometheus.CounterVec
	LastApply              prometheus.Gauge
}

// Get returns the global metrics registry, creating it if necessary.
func Get() *Registry {
	once.Do(func() {
		registry = newRegistry()
	})
	return registry
}

func newRegistry() *Registry {
	r := &Registry{}

	r.AppliesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "netconverge_applies_total",
		Help: "Apply attempts by result",
	}, []string{"result"})

	r.RollbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "netconverge_rollbacks_total",
		Help: "Checkpoint rollbacks by trigger and outcome",
	}, []string{"trigger", "outcome"})

	r.PhaseDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "netconverge_phase_duration_seconds",
		Help:    "Duration of each apply phase",
		Buckets: prometheus.DefBuckets,
	}, []string{"phase"})

	r.CheckpointExtensions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "netconverge_checkpoint_extensions_total",
		Help: "Checkpoint rollback timeout extensions by outcome",
	}, []string{"outcome"})

	r.VerificationMismatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "netconverge_verification_mismatches_total",
		Help: "Verification failures by state collection",
	}, []string{"collection"})

	r.PlannedChanges = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "netconverge_planned_changes",
		Help: "Entries in the last computed plan",
	}, []string{"group"})

	r.BackendCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "netconverge_backend_calls_total",
		Help: "Backend requests by backend and result",
	}, []string{"backend", "result"})

	r.LastApply = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "netconverge_last_apply_timestamp_seconds",
		Help: "Unix timestamp of the last apply attempt",
	})

	return r
}

// RecordApply counts an apply attempt under the error kind of err, or
// "success".
func (r *Registry) RecordApply(err error, at time.Time) {
	r.AppliesTotal.WithLabelValues(ResultLabel(err)).Inc()
	r.LastApply.Set(float64(at.Unix()))
}

// RecordRollback counts a rollback attempt.
func (r *Registry) RecordRollback(trigger string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "failed"
	}
	r.RollbacksTotal.WithLabelValues(trigger, outcome).Inc()
}

// RecordExtension counts a checkpoint timeout extension.
func (r *Registry) RecordExtension(err error) {
	outcome := "ok"
	if err != nil {
		outcome = "failed"
	}
	r.CheckpointExtensions.WithLabelValues(outcome).Inc()
}

// ObservePhase records how long a phase took.
func (r *Registry) ObservePhase(phase string, d time.Duration) {
	r.PhaseDuration.WithLabelValues(phase).Observe(d.Seconds())
}

// RecordPlan publishes the size of each plan group.
func (r *Registry) RecordPlan(deletes, adds, changes int) {
	r.PlannedChanges.WithLabelValues("delete").Set(float64(deletes))
	r.PlannedChanges.WithLabelValues("add").Set(float64(adds))
	r.PlannedChanges.WithLabelValues("change").Set(float64(changes))
}

// RecordBackendCall counts one backend request.
func (r *Registry) RecordBackendCall(backend string, err error) {
	r.BackendCalls.WithLabelValues(backend, ResultLabel(err)).Inc()
}

// ResultLabel maps an error to its metric label.
func ResultLabel(err error) string {
	if err == nil {
		return "success"
	}
	return neterr.KindOf(err).String()
}

// WriteTextfile writes every registered metric to path in the text
// exposition format. The file is replaced atomically.
func WriteTextfile(path string) error {
	Get()
	if err := prometheus.WriteToTextfile(path, prometheus.DefaultGatherer); err != nil {
		return fmt.Errorf("failed to write metrics to %s: %w", path, err)
	}
	return nil
}
