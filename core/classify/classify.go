// Package classify turns backend error text and job status into the orchestrator's
// error taxonomy. Nothing else in the repo inspects raw backend messages.
package classify

import (
	"strings"

	"gpu-render-orchestrator/core/models"

	"github.com/aws/smithy-go"
	"github.com/pkg/errors"
	"google.golang.org/api/googleapi"
)

// Class is the coarse outcome of a finished attempt
type Class string

const (
	ClassCompleted Class = "completed"
	ClassPreempted Class = "preempted"
	ClassFailed    Class = "failed"
	ClassTimeout   Class = "timeout"
	ClassPending   Class = "pending"
)

// capacityIndicators are substrings backends use when a submission is rejected for quota
// or stock reasons
var capacityIndicators = []string{
	"quota",
	"resource_exhausted",
	"resource exhausted",
	"resources_exhausted",
	"exhausted",
	"insufficient capacity",
	"insufficientinstancecapacity",
	"vcpulimitexceeded",
	"maxspotinstancecountexceeded",
	"stockout",
	"zone_resource_pool_exhausted",
}

// capacityAPICodes are structured error codes that always mean capacity exhaustion
var capacityAPICodes = map[string]bool{
	"InsufficientInstanceCapacity": true,
	"InsufficientCapacity":         true,
	"VcpuLimitExceeded":            true,
	"MaxSpotInstanceCountExceeded": true,
	"SpotMaxPriceTooLow":           true,
	"RESOURCE_EXHAUSTED":           true,
	"QUOTA_EXCEEDED":               true,
	"ZONE_RESOURCE_POOL_EXHAUSTED": true,
}

// preemptionIndicators are substrings of a failed job's message that mean the
// infrastructure took the machine away
var preemptionIndicators = []string{
	"preempt",
	"instance was terminated",
	"instance stopped",
	"compute.instances.preempted",
	"spotinstancetermination",
	"spot instance interruption",
}

// IsCapacityExhausted reports whether a submit error means the placement has no capacity
// right now. Typed errors are checked first, then the error text.
func IsCapacityExhausted(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, models.ErrCapacityExhausted) {
		return true
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && capacityAPICodes[apiErr.ErrorCode()] {
		return true
	}

	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		if gErr.Code == 429 {
			return true
		}
		for _, item := range gErr.Errors {
			if capacityAPICodes[strings.ToUpper(item.Reason)] || containsAny(item.Reason, capacityIndicators) {
				return true
			}
		}
	}

	return containsAny(err.Error(), capacityIndicators)
}

// IsPreemption reports whether a job that ended with the given status was preempted.
// Only failed jobs can be preempted; a completed job never is.
func IsPreemption(status models.JobStatus, message string) bool {
	if status != models.JobStatusFailed && status != models.JobStatusPreempted {
		return false
	}
	if status == models.JobStatusPreempted {
		return true
	}
	return containsAny(message, preemptionIndicators)
}

// Outcome classifies a finished job record. A failed record without a backend handle
// never reached a backend, so its error text cannot describe a preemption.
func Outcome(rec *models.JobRecord) Class {
	if rec == nil {
		return ClassFailed
	}
	switch rec.Status {
	case models.JobStatusCompleted:
		return ClassCompleted
	case models.JobStatusPreempted:
		return ClassPreempted
	case models.JobStatusFailed:
		if rec.BackendHandle != "" && IsPreemption(rec.Status, rec.LastError) {
			return ClassPreempted
		}
		return ClassFailed
	case models.JobStatusTimeout:
		return ClassTimeout
	default:
		return ClassPending
	}
}

func containsAny(s string, needles []string) bool {
	lower := strings.ToLower(s)
	for _, needle := range needles {
		if strings.Contains(lower, needle) {
			return true
		}
	}
	return false
}
