package gcp

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"gpu-render-orchestrator/core/models"
	"gpu-render-orchestrator/core/submitter"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"google.golang.org/api/aiplatform/v1"
)

// VertexBackend runs render containers as Vertex AI custom jobs
type VertexBackend struct {
	client *Client
}

// NewVertexBackend creates a Vertex AI compute backend
func NewVertexBackend(client *Client) *VertexBackend {
	return &VertexBackend{client: client}
}

// SubmitJob implements submitter.ComputeBackend. The handle is the job resource name.
func (b *VertexBackend) SubmitJob(ctx context.Context, spec submitter.JobSpec) (string, error) {
	location := spec.Placement.Region
	svc, err := b.client.vertexService(ctx, location)
	if err != nil {
		return "", err
	}

	parent := fmt.Sprintf("projects/%s/locations/%s", b.client.projectID, location)
	job, err := svc.Projects.Locations.CustomJobs.Create(parent, customJob(spec)).Context(ctx).Do()
	if err != nil {
		return "", errors.Wrapf(err, "creating custom job %s in %s", spec.JobID, location)
	}

	log.WithFields(log.Fields{
		"job_id":    spec.JobID,
		"placement": spec.Placement.String(),
		"resource":  job.Name,
	}).Info("Vertex AI custom job created")
	return job.Name, nil
}

// GetJobStatus implements submitter.ComputeBackend
func (b *VertexBackend) GetJobStatus(ctx context.Context, handle string) (models.BackendStatus, error) {
	location, err := locationFromName(handle)
	if err != nil {
		return models.BackendStatus{}, err
	}
	svc, err := b.client.vertexService(ctx, location)
	if err != nil {
		return models.BackendStatus{}, err
	}
	job, err := svc.Projects.Locations.CustomJobs.Get(handle).Context(ctx).Do()
	if err != nil {
		return models.BackendStatus{}, errors.Wrapf(err, "reading custom job %s", handle)
	}
	return vertexStatus(job), nil
}

func customJob(spec submitter.JobSpec) *aiplatform.GoogleCloudAiplatformV1CustomJob {
	p := spec.Placement
	machine := &aiplatform.GoogleCloudAiplatformV1MachineSpec{MachineType: p.MachineShape}
	if !p.IsCPU() {
		machine.AcceleratorType = string(p.AcceleratorType)
		machine.AcceleratorCount = int64(p.AcceleratorCount)
	}

	jobSpec := &aiplatform.GoogleCloudAiplatformV1CustomJobSpec{
		WorkerPoolSpecs: []*aiplatform.GoogleCloudAiplatformV1WorkerPoolSpec{{
			MachineSpec:  machine,
			ReplicaCount: 1,
			ContainerSpec: &aiplatform.GoogleCloudAiplatformV1ContainerSpec{
				ImageUri: spec.ContainerImage,
				Command:  spec.Command,
				Args:     spec.Args,
				Env:      envVars(spec.Env),
			},
		}},
	}
	if p.Preemptible {
		jobSpec.Scheduling = &aiplatform.GoogleCloudAiplatformV1Scheduling{Strategy: "SPOT"}
	}

	return &aiplatform.GoogleCloudAiplatformV1CustomJob{
		DisplayName: spec.DisplayName,
		JobSpec:     jobSpec,
		Labels:      spec.Labels,
	}
}

func envVars(env map[string]string) []*aiplatform.GoogleCloudAiplatformV1EnvVar {
	names := make([]string, 0, len(env))
	for name := range env {
		names = append(names, name)
	}
	sort.Strings(names)

	vars := make([]*aiplatform.GoogleCloudAiplatformV1EnvVar, 0, len(names))
	for _, name := range names {
		vars = append(vars, &aiplatform.GoogleCloudAiplatformV1EnvVar{Name: name, Value: env[name]})
	}
	return vars
}

func vertexStatus(job *aiplatform.GoogleCloudAiplatformV1CustomJob) models.BackendStatus {
	switch job.State {
	case "JOB_STATE_SUCCEEDED":
		return models.BackendStatus{State: models.BackendCompleted}
	case "JOB_STATE_FAILED", "JOB_STATE_CANCELLED", "JOB_STATE_EXPIRED":
		msg := job.State
		if job.Error != nil && job.Error.Message != "" {
			msg = job.Error.Message
		}
		return models.BackendStatus{State: models.BackendFailed, Message: msg}
	default:
		return models.BackendStatus{State: models.BackendRunning, Message: job.State}
	}
}

// locationFromName extracts the location from projects/{p}/locations/{l}/customJobs/{id}
func locationFromName(name string) (string, error) {
	parts := strings.Split(name, "/")
	for i := 0; i+1 < len(parts); i++ {
		if parts[i] == "locations" && parts[i+1] != "" {
			return parts[i+1], nil
		}
	}
	return "", errors.Errorf("no location in custom job name %q", name)
}
