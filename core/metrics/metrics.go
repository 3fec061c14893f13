// Package metrics exposes Prometheus counters for placement decisions and job outcomes.
package metrics

import (
	"gpu-render-orchestrator/core/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "gpu_render"

var (
	placementsSelected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "placements_selected_total",
		Help:      "Placements returned by the selector",
	}, []string{"provider", "region", "accelerator", "preemptible"})

	quotaProbes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "quota_probes_total",
		Help:      "Quota probe results by outcome (available, exhausted, unknown, unlimited)",
	}, []string{"provider", "outcome"})

	capacityExclusions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "capacity_exclusions_total",
		Help:      "Placements excluded after a capacity-exhaustion error at submit time",
	}, []string{"provider", "region", "accelerator"})

	retries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "retries_total",
		Help:      "Resubmissions by the preemption supervisor",
	}, []string{"reason"})

	forcedFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "forced_fallbacks_total",
		Help:      "Forced non-preemptible final attempts",
	})

	jobOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "job_outcomes_total",
		Help:      "Terminal statuses observed for job attempts",
	}, []string{"status"})

	pollErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "poll_errors_total",
		Help:      "Transient errors while polling job status",
	})
)

// PlacementSelected records a selector decision
func PlacementSelected(opt models.PlacementOption) {
	preemptible := "false"
	if opt.Preemptible {
		preemptible = "true"
	}
	placementsSelected.WithLabelValues(string(opt.Provider), opt.Region, string(opt.AcceleratorType), preemptible).Inc()
}

// QuotaProbed records the outcome of one probe
func QuotaProbed(provider models.Provider, outcome string) {
	quotaProbes.WithLabelValues(string(provider), outcome).Inc()
}

// CapacityExcluded records a placement excluded at submit time
func CapacityExcluded(opt models.PlacementOption) {
	capacityExclusions.WithLabelValues(string(opt.Provider), opt.Region, string(opt.AcceleratorType)).Inc()
}

// Retried records a resubmission and its cause
func Retried(reason string) {
	retries.WithLabelValues(reason).Inc()
}

// ForcedFallback records a forced non-preemptible attempt
func ForcedFallback() {
	forcedFallbacks.Inc()
}

// JobFinished records the terminal status of an attempt
func JobFinished(status models.JobStatus) {
	jobOutcomes.WithLabelValues(string(status)).Inc()
}

// PollError records a transient poll failure
func PollError() {
	pollErrors.Inc()
}
