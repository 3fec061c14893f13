package classify

import (
	"fmt"
	"testing"

	"gpu-render-orchestrator/core/models"

	"github.com/aws/smithy-go"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"google.golang.org/api/googleapi"
)

func TestIsCapacityExhausted_Fixtures(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"vertex quota", errors.New(`rpc error: code = ResourceExhausted desc = The following quota metrics exceed quota limits: aiplatform.googleapis.com/custom_model_training_nvidia_t4_gpus`), true},
		{"gce stockout", errors.New("ZONE_RESOURCE_POOL_EXHAUSTED: The zone 'projects/p/zones/us-central1-a' does not have enough resources available to fulfill the request"), true},
		{"ec2 capacity text", errors.New("api error InsufficientInstanceCapacity: We currently do not have sufficient g4dn.xlarge capacity in the Availability Zone you requested"), true},
		{"ec2 vcpu limit", errors.New("operation error EC2: RunInstances, api error VcpuLimitExceeded: You have requested more vCPU capacity than your current vCPU limit of 0"), true},
		{"sentinel", errors.Wrap(models.ErrCapacityExhausted, "submit"), true},
		{"permission denied", errors.New("googleapi: Error 403: Permission 'aiplatform.customJobs.create' denied"), false},
		{"bad image", errors.New("invalid container image uri"), false},
		{"network", errors.New("dial tcp: i/o timeout"), false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsCapacityExhausted(tc.err))
		})
	}
}

func TestIsCapacityExhausted_TypedErrors(t *testing.T) {
	smithyErr := &smithy.GenericAPIError{Code: "InsufficientInstanceCapacity", Message: "try another zone"}
	assert.True(t, IsCapacityExhausted(fmt.Errorf("run instances: %w", smithyErr)))

	other := &smithy.GenericAPIError{Code: "InvalidAMIID.NotFound", Message: "no such image"}
	assert.False(t, IsCapacityExhausted(other))

	assert.True(t, IsCapacityExhausted(&googleapi.Error{Code: 429, Message: "Too Many Requests"}))
	assert.True(t, IsCapacityExhausted(&googleapi.Error{
		Code:   403,
		Errors: []googleapi.ErrorItem{{Reason: "quotaExceeded", Message: "limit reached"}},
	}))
	assert.False(t, IsCapacityExhausted(&googleapi.Error{Code: 404, Message: "Not Found"}))
}

func TestIsPreemption_Fixtures(t *testing.T) {
	cases := []struct {
		name    string
		status  models.JobStatus
		message string
		want    bool
	}{
		{"vertex preempted", models.JobStatusFailed, "The replica workerpool0-0 exited with a non-zero status of 143. Termination reason: Preempted", true},
		{"gce audit log", models.JobStatusFailed, "compute.instances.preempted", true},
		{"terminated", models.JobStatusFailed, "Instance was terminated by the system", true},
		{"stopped", models.JobStatusFailed, "instance stopped unexpectedly", true},
		{"ec2 spot", models.JobStatusFailed, "Server.SpotInstanceTermination: Spot instance termination", true},
		{"already classified", models.JobStatusPreempted, "", true},
		{"oom", models.JobStatusFailed, "container killed: out of memory", false},
		{"completed with stray text", models.JobStatusCompleted, "preempted", false},
		{"timeout", models.JobStatusTimeout, "instance stopped", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsPreemption(tc.status, tc.message))
		})
	}
}

func TestOutcome(t *testing.T) {
	assert.Equal(t, ClassCompleted, Outcome(&models.JobRecord{Status: models.JobStatusCompleted, LastError: "preempted"}))
	assert.Equal(t, ClassPreempted, Outcome(&models.JobRecord{
		Status:        models.JobStatusFailed,
		BackendHandle: "gcp-vertex::projects/p/locations/us-central1/customJobs/1",
		LastError:     "Termination reason: Preempted",
	}))
	assert.Equal(t, ClassPreempted, Outcome(&models.JobRecord{Status: models.JobStatusPreempted}))
	assert.Equal(t, ClassFailed, Outcome(&models.JobRecord{Status: models.JobStatusFailed, LastError: "exit code 1"}))
	assert.Equal(t, ClassTimeout, Outcome(&models.JobRecord{Status: models.JobStatusTimeout}))
	assert.Equal(t, ClassPending, Outcome(&models.JobRecord{Status: models.JobStatusRunning}))
	assert.Equal(t, ClassFailed, Outcome(nil))
}

func TestOutcome_RejectedSubmissionIsNeverPreempted(t *testing.T) {
	rec := &models.JobRecord{
		Status:    models.JobStatusFailed,
		LastError: "googleapi: Error 400: Spot (preemptible) VMs are not supported for this machine type",
	}

	assert.True(t, IsPreemption(rec.Status, rec.LastError))
	assert.Equal(t, ClassFailed, Outcome(rec))
}
