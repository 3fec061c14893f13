package gcp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"gpu-render-orchestrator/core/models"
	"gpu-render-orchestrator/core/quota"
	"gpu-render-orchestrator/core/submitter"
	"gpu-render-orchestrator/storage"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/aiplatform/v1"
	"google.golang.org/api/compute/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	gcs "google.golang.org/api/storage/v1"
)

var t4 = models.PlacementOption{
	Provider:         models.ProviderVertex,
	Region:           "us-central1",
	AcceleratorType:  models.AcceleratorT4,
	AcceleratorCount: 1,
	MachineShape:     "n1-standard-4",
}

func TestQuotaMetric(t *testing.T) {
	metric, err := QuotaMetric(models.AcceleratorT4, false)
	require.NoError(t, err)
	assert.Equal(t, "NVIDIA_T4_GPUS", metric)

	metric, err = QuotaMetric(models.AcceleratorL4, true)
	require.NoError(t, err)
	assert.Equal(t, "PREEMPTIBLE_NVIDIA_L4_GPUS", metric)

	_, err = QuotaMetric(models.AcceleratorA10G, false)
	assert.Error(t, err)
}

func TestFindQuota(t *testing.T) {
	quotas := []*compute.Quota{
		{Metric: "CPUS", Limit: 24, Usage: 8},
		nil,
		{Metric: "NVIDIA_T4_GPUS", Limit: 4, Usage: 1},
	}

	usage, err := findQuota(quotas, "NVIDIA_T4_GPUS")
	require.NoError(t, err)
	assert.Equal(t, quota.Usage{Limit: 4, Used: 1}, usage)

	_, err = findQuota(quotas, "NVIDIA_L4_GPUS")
	assert.Error(t, err)
}

func TestCustomJob_PreemptibleUsesSpot(t *testing.T) {
	opt := t4
	opt.Preemptible = true
	spec := submitter.JobSpec{
		JobID:          "video-job-1",
		DisplayName:    "render-video-job-1",
		Placement:      opt,
		ContainerImage: "gcr.io/p/worker:latest",
		Command:        []string{"python", "gpu_worker.py"},
		Args:           []string{"--job-id", "video-job-1"},
		Env:            map[string]string{"RENDER_DEVICE": "cuda", "GOOGLE_CLOUD_PROJECT": "p"},
		Labels:         map[string]string{"job_id": "video-job-1"},
	}

	job := customJob(spec)

	require.NotNil(t, job.JobSpec.Scheduling)
	assert.Equal(t, "SPOT", job.JobSpec.Scheduling.Strategy)
	pool := job.JobSpec.WorkerPoolSpecs[0]
	assert.Equal(t, "n1-standard-4", pool.MachineSpec.MachineType)
	assert.Equal(t, "NVIDIA_TESLA_T4", pool.MachineSpec.AcceleratorType)
	assert.Equal(t, int64(1), pool.MachineSpec.AcceleratorCount)
	assert.Equal(t, int64(1), pool.ReplicaCount)
	assert.Equal(t, "gcr.io/p/worker:latest", pool.ContainerSpec.ImageUri)
	require.Len(t, pool.ContainerSpec.Env, 2)
	assert.Equal(t, "GOOGLE_CLOUD_PROJECT", pool.ContainerSpec.Env[0].Name)
	assert.Equal(t, "render-video-job-1", job.DisplayName)
	assert.Equal(t, "video-job-1", job.Labels["job_id"])
}

func TestCustomJob_CPUHasNoAccelerator(t *testing.T) {
	job := customJob(submitter.JobSpec{Placement: models.PlacementOption{
		Provider:        models.ProviderVertex,
		Region:          "us-central1",
		AcceleratorType: models.AcceleratorNone,
		MachineShape:    "n1-standard-8",
	}})

	machine := job.JobSpec.WorkerPoolSpecs[0].MachineSpec
	assert.Empty(t, machine.AcceleratorType)
	assert.Zero(t, machine.AcceleratorCount)
	assert.Nil(t, job.JobSpec.Scheduling)
}

func TestVertexStatus(t *testing.T) {
	tests := map[string]struct {
		job      aiplatform.GoogleCloudAiplatformV1CustomJob
		expected models.BackendStatus
	}{
		"succeeded": {
			job:      aiplatform.GoogleCloudAiplatformV1CustomJob{State: "JOB_STATE_SUCCEEDED"},
			expected: models.BackendStatus{State: models.BackendCompleted},
		},
		"failed with error": {
			job: aiplatform.GoogleCloudAiplatformV1CustomJob{
				State: "JOB_STATE_FAILED",
				Error: &aiplatform.GoogleRpcStatus{Message: "The replica workerpool0-0 was preempted"},
			},
			expected: models.BackendStatus{State: models.BackendFailed, Message: "The replica workerpool0-0 was preempted"},
		},
		"cancelled": {
			job:      aiplatform.GoogleCloudAiplatformV1CustomJob{State: "JOB_STATE_CANCELLED"},
			expected: models.BackendStatus{State: models.BackendFailed, Message: "JOB_STATE_CANCELLED"},
		},
		"queued": {
			job:      aiplatform.GoogleCloudAiplatformV1CustomJob{State: "JOB_STATE_QUEUED"},
			expected: models.BackendStatus{State: models.BackendRunning, Message: "JOB_STATE_QUEUED"},
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.expected, vertexStatus(&tc.job))
		})
	}
}

func TestLocationFromName(t *testing.T) {
	location, err := locationFromName("projects/p/locations/europe-west4/customJobs/123")
	require.NoError(t, err)
	assert.Equal(t, "europe-west4", location)

	_, err = locationFromName("customJobs/123")
	assert.Error(t, err)
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, isNotFound(errors.Wrap(&googleapi.Error{Code: 404}, "get")))
	assert.False(t, isNotFound(&googleapi.Error{Code: 500}))
	assert.False(t, isNotFound(nil))
}

func TestResolveProject_Explicit(t *testing.T) {
	project, err := ResolveProject(context.Background(), "my-project")
	require.NoError(t, err)
	assert.Equal(t, "my-project", project)
}

// testClient points every service at one fake HTTP server
func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	ctx := context.Background()
	opts := []option.ClientOption{option.WithEndpoint(srv.URL + "/"), option.WithoutAuthentication()}

	computeService, err := compute.NewService(ctx, opts...)
	require.NoError(t, err)
	storageService, err := gcs.NewService(ctx, opts...)
	require.NoError(t, err)

	return &Client{
		projectID: "p",
		opts:      opts,
		compute:   computeService,
		storage:   storageService,
		vertex:    make(map[string]*aiplatform.Service),
	}
}

func TestQuotaBackend_ReadsRegionQuota(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "projects/p/regions/us-central1"), r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"name": "us-central1",
			"quotas": []map[string]interface{}{
				{"metric": "PREEMPTIBLE_NVIDIA_T4_GPUS", "limit": 8, "usage": 2},
			},
		})
	})

	usage, err := NewQuotaBackend(client).GetQuota(context.Background(), quota.Query{
		Provider:        models.ProviderVertex,
		Region:          "us-central1",
		AcceleratorType: models.AcceleratorT4,
		Preemptible:     true,
	})

	require.NoError(t, err)
	assert.Equal(t, quota.Usage{Limit: 8, Used: 2}, usage)
}

func TestQuotaBackend_APIErrorSurfaces(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": {"code": 403, "message": "denied"}}`, http.StatusForbidden)
	})

	_, err := NewQuotaBackend(client).GetQuota(context.Background(), quota.Query{
		Region:          "us-central1",
		AcceleratorType: models.AcceleratorT4,
	})

	assert.Error(t, err)
}

func TestVertexBackend_SubmitAndPoll(t *testing.T) {
	const name = "projects/p/locations/us-central1/customJobs/42"
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "projects/p/locations/us-central1/customJobs"):
			var job aiplatform.GoogleCloudAiplatformV1CustomJob
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&job))
			assert.Equal(t, "render-video-job-1", job.DisplayName)
			job.Name = name
			job.State = "JOB_STATE_QUEUED"
			_ = json.NewEncoder(w).Encode(job)
		case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, name):
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"name": name, "state": "JOB_STATE_SUCCEEDED"})
		default:
			http.NotFound(w, r)
		}
	})
	backend := NewVertexBackend(client)

	handle, err := backend.SubmitJob(context.Background(), submitter.JobSpec{
		JobID:       "video-job-1",
		DisplayName: "render-video-job-1",
		Placement:   t4,
	})
	require.NoError(t, err)
	assert.Equal(t, name, handle)

	status, err := backend.GetJobStatus(context.Background(), handle)
	require.NoError(t, err)
	assert.Equal(t, models.BackendCompleted, status.State)
}

func TestAssetStore_ReadPaths(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "jobs/video-job-1/status.json") {
			http.Error(w, `{"error": {"code": 404, "message": "No such object"}}`, http.StatusNotFound)
			return
		}
		if r.URL.Query().Get("alt") == "media" {
			_, _ = w.Write([]byte(`{"status": "completed"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"name": "jobs/video-job-1/status.json"})
	})
	store := NewAssetStore(client, "bucket")
	ctx := context.Background()

	exists, err := store.Exists(ctx, "jobs/video-job-1/status.json")
	require.NoError(t, err)
	assert.True(t, exists)

	data, err := store.GetObject(ctx, "jobs/video-job-1/status.json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"status": "completed"}`, string(data))

	exists, err = store.Exists(ctx, "jobs/video-job-2/status.json")
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = store.GetObject(ctx, "jobs/video-job-2/status.json")
	assert.True(t, errors.Is(err, storage.ErrObjectNotFound))
}

func TestAssetStore_URIs(t *testing.T) {
	store := NewAssetStore(&Client{}, "bucket")

	assert.Equal(t, "gs://bucket/jobs/x/config.json", store.URI("jobs/x/config.json"))
	assert.Equal(t, "jobs/x/output.mp4", store.objectName("gs://bucket/jobs/x/output.mp4"))
	assert.Equal(t, "jobs/x/output.mp4", store.objectName("jobs/x/output.mp4"))
	assert.Equal(t, "https://us-central1-aiplatform.googleapis.com/", vertexEndpoint("us-central1"))
}
