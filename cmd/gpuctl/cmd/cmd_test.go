package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gpu-render-orchestrator/config"
	"gpu-render-orchestrator/core/models"
	"gpu-render-orchestrator/core/quota"
	"gpu-render-orchestrator/storage"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type checkerFunc func(q quota.Query) models.QuotaSnapshot

func (f checkerFunc) CheckAvailability(_ context.Context, q quota.Query) models.QuotaSnapshot {
	return f(q)
}

type testEnv struct {
	*env
	out      *bytes.Buffer
	store    *storage.MemoryStore
	rendered *models.RenderRequest
	cfg      *config.Config
	final    *models.JobRecord
}

func newTestEnv(t *testing.T) *testEnv {
	te := &testEnv{
		out:   &bytes.Buffer{},
		store: storage.NewMemoryStore("render-assets"),
		final: &models.JobRecord{JobID: "video-job-1", LineageID: "lineage-1", Status: models.JobStatusCompleted},
	}
	te.env = &env{
		v:    viper.New(),
		out:  te.out,
		load: config.LoadFrom,
		openStore: func(context.Context, *config.Config) (storage.AssetStore, error) {
			return te.store, nil
		},
		checker: func(context.Context, *config.Config) (AvailabilityChecker, error) {
			return checkerFunc(func(q quota.Query) models.QuotaSnapshot {
				return models.UnknownSnapshot(q.Provider, q.Region, q.AcceleratorType, errors.New("permission denied"))
			}), nil
		},
		render: func(_ context.Context, cfg *config.Config, req *models.RenderRequest) (*models.JobRecord, error) {
			te.cfg = cfg
			te.rendered = req
			return te.final, nil
		},
	}
	return te
}

func (te *testEnv) execute(args ...string) error {
	cmd := newRootCmd(te.env)
	cmd.SetArgs(args)
	cmd.SetOut(te.out)
	cmd.SetErr(te.out)
	return cmd.ExecuteContext(context.Background())
}

func writeRequest(t *testing.T) string {
	path := filepath.Join(t.TempDir(), "request.yaml")
	require.NoError(t, os.WriteFile(path, []byte("render:\n  script: A lighthouse at night\n  assets:\n    images: [gs://b/a.png]\n"), 0o644))
	return path
}

func TestReportThenStatus(t *testing.T) {
	te := newTestEnv(t)

	require.NoError(t, te.execute("report", "--job-id", "video-job-1"))
	assert.Contains(t, te.out.String(), "mem://render-assets/jobs/video-job-1/status.json")

	sf, found, err := storage.ReadStatusFile(context.Background(), te.store, "video-job-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "completed", sf.Status)
	assert.Equal(t, "mem://render-assets/jobs/video-job-1/output.mp4", sf.VideoURL)
	assert.NotZero(t, sf.Timestamp)

	te.out.Reset()
	require.NoError(t, te.execute("status", "--job-id", "video-job-1"))
	assert.Contains(t, te.out.String(), `"status": "completed"`)
}

func TestReport_Failed(t *testing.T) {
	te := newTestEnv(t)

	require.NoError(t, te.execute("report", "--job-id", "video-job-2", "--status", "failed", "--error", "CUDA out of memory"))

	sf, _, err := storage.ReadStatusFile(context.Background(), te.store, "video-job-2")
	require.NoError(t, err)
	assert.Equal(t, "CUDA out of memory", sf.Error)
	assert.Empty(t, sf.VideoURL)
}

func TestReport_UnknownStatus(t *testing.T) {
	te := newTestEnv(t)

	err := te.execute("report", "--job-id", "video-job-1", "--status", "exploded")

	assert.Error(t, err)
	assert.Empty(t, te.store.Keys(""))
}

func TestStatus_NotWrittenYet(t *testing.T) {
	te := newTestEnv(t)

	require.NoError(t, te.execute("status", "--job-id", "video-job-9"))

	assert.Contains(t, te.out.String(), "No status file for video-job-9 yet")
}

func TestCatalog(t *testing.T) {
	te := newTestEnv(t)

	require.NoError(t, te.execute("catalog"))
	assert.Contains(t, te.out.String(), "1x NVIDIA_TESLA_T4")
	assert.Contains(t, te.out.String(), "true")

	te.out.Reset()
	require.NoError(t, te.execute("catalog", "--preemptible=false"))
	assert.NotContains(t, te.out.String(), "true")
	assert.Contains(t, te.out.String(), "none")
}

func TestQuota_FailClosed(t *testing.T) {
	te := newTestEnv(t)

	require.NoError(t, te.execute("quota"))

	assert.Contains(t, te.out.String(), "unknown: permission denied")
	assert.Contains(t, te.out.String(), "No GPU quota available")
}

func TestRun_FlagsOverrideConfigAndRequest(t *testing.T) {
	te := newTestEnv(t)

	err := te.execute("run", "--request", writeRequest(t), "--preemptible=false", "--max-retries", "2", "--bucket-name", "other-bucket")

	require.NoError(t, err)
	require.NotNil(t, te.rendered)
	assert.False(t, te.rendered.Preemptible)
	assert.Equal(t, []string{"gs://b/a.png"}, te.rendered.ImagePaths)
	assert.Equal(t, 2, te.cfg.MaxRetries)
	assert.Equal(t, "other-bucket", te.cfg.BucketName)
	assert.Contains(t, te.out.String(), "video-job-1")
}

func TestRun_DefaultsToPreemptible(t *testing.T) {
	te := newTestEnv(t)

	require.NoError(t, te.execute("run", "--request", writeRequest(t)))

	assert.True(t, te.rendered.Preemptible)
	assert.Equal(t, models.DefaultRetryPolicy(), te.cfg.RetryPolicy())
}

func TestRun_FailedRenderIsAnError(t *testing.T) {
	te := newTestEnv(t)
	te.final = &models.JobRecord{
		JobID:     "video-job-7",
		LineageID: "lineage-1",
		Status:    models.JobStatusFailed,
		Forced:    true,
		LastError: "container exited 1",
		UpdatedAt: time.Unix(1700000000, 0),
	}

	err := te.execute("run", "--request", writeRequest(t))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "container exited 1")
	assert.Contains(t, te.out.String(), "forced:    true")
}

func TestRun_RequiresRequest(t *testing.T) {
	te := newTestEnv(t)

	assert.Error(t, te.execute("run"))
	assert.Nil(t, te.rendered)
}
