package repository

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"gpu-render-orchestrator/core/models"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeMeta(t *testing.T) {
	empty, err := encodeMeta(nil)
	require.NoError(t, err)
	assert.Equal(t, "{}", empty)

	encoded, err := encodeMeta(map[string]interface{}{"attempt": 2, "forced": true})
	require.NoError(t, err)
	assert.JSONEq(t, `{"attempt": 2, "forced": true}`, encoded)

	_, err = encodeMeta(map[string]interface{}{"bad": make(chan int)})
	assert.Error(t, err)
}

func TestEventMeta(t *testing.T) {
	rec := &models.JobRecord{
		Attempt:   3,
		Forced:    true,
		LastError: "preempted",
		Placement: models.PlacementOption{Provider: models.ProviderVertex, Region: "us-central1", AcceleratorType: models.AcceleratorT4, AcceleratorCount: 1, MachineShape: "n1-standard-4"},
	}

	meta := eventMeta(rec)

	assert.Equal(t, 3, meta["attempt"])
	assert.Equal(t, true, meta["forced"])
	assert.Equal(t, "preempted", meta["error"])
	assert.Equal(t, rec.Placement.String(), meta["placement"])

	plain := eventMeta(&models.JobRecord{Attempt: 0})
	assert.NotContains(t, plain, "forced")
	assert.NotContains(t, plain, "error")
}

func TestTimeOrNow(t *testing.T) {
	at := time.Unix(1700000000, 0)
	assert.Equal(t, at, timeOrNow(at))
	assert.False(t, timeOrNow(time.Time{}).IsZero())
}

// openTestDB connects to the database named by DATABASE_URL, skipping when unset
func openTestDB(t *testing.T) *DB {
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}
	db, err := NewDB(url)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.EnsureSchema(context.Background()))
	return db
}

func testRecord(lineage string, attempt int) *models.JobRecord {
	at := time.Now().UTC().Truncate(time.Millisecond)
	return &models.JobRecord{
		JobID:     fmt.Sprintf("video-job-%s", uuid.NewString()[:8]),
		LineageID: lineage,
		Attempt:   attempt,
		Status:    models.JobStatusPending,
		Placement: models.PlacementOption{
			Provider:         models.ProviderVertex,
			Region:           "us-central1",
			AcceleratorType:  models.AcceleratorT4,
			AcceleratorCount: 1,
			MachineShape:     "n1-standard-4",
			Preemptible:      true,
			PricePerHour:     0.19,
		},
		ConfigURI: "gs://bucket/jobs/x/config.json",
		CreatedAt: at,
		UpdatedAt: at,
	}
}

func TestRecorder_PersistsTransitionsAndArtifacts(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	recorder := NewRecorder(db)
	lineage := "lineage-" + uuid.NewString()

	first := testRecord(lineage, 0)
	require.NoError(t, recorder.Record(ctx, first, "submitted"))

	first.Status = models.JobStatusFailed
	first.LastError = "instance was preempted"
	require.NoError(t, recorder.Record(ctx, first, "failed"))
	first.Status = models.JobStatusPreempted
	require.NoError(t, recorder.Record(ctx, first, "preempted"))
	// Same status again writes no event
	require.NoError(t, recorder.Record(ctx, first, "preempted"))

	second := testRecord(lineage, 1)
	second.Status = models.JobStatusCompleted
	second.VideoURL = "gs://bucket/jobs/y/output.mp4"
	require.NoError(t, recorder.Record(ctx, second, "completed"))

	archive := NewArchive(db)
	stored, err := archive.GetJob(ctx, first.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPreempted, stored.Status)
	assert.Equal(t, first.Placement.Key(), stored.Placement.Key())
	assert.Equal(t, "instance was preempted", stored.LastError)

	lineageJobs, err := archive.ListLineage(ctx, lineage)
	require.NoError(t, err)
	require.Len(t, lineageJobs, 2)
	assert.Equal(t, first.JobID, lineageJobs[0].JobID)
	assert.Equal(t, second.JobID, lineageJobs[1].JobID)

	events, err := NewEventRepository(db).GetJobEvents(ctx, first.JobID, 10)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Nil(t, events[0].FromStatus)
	assert.Equal(t, models.JobStatusPending, events[0].ToStatus)
	require.NotNil(t, events[2].FromStatus)
	assert.Equal(t, models.JobStatusFailed, *events[2].FromStatus)
	assert.Equal(t, models.JobStatusPreempted, events[2].ToStatus)
	assert.Equal(t, "preempted", events[2].Reason)

	video := ArtifactVideo
	artifacts, err := archive.GetJobArtifacts(ctx, second.JobID, &video)
	require.NoError(t, err)
	require.Len(t, artifacts, 1)
	assert.Equal(t, second.VideoURL, artifacts[0].URI)
	assert.Equal(t, lineage, artifacts[0].MetaJSON["lineage_id"])

	all, err := archive.GetJobArtifacts(ctx, first.JobID, nil)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestJobRepository_GetJobNotFound(t *testing.T) {
	db := openTestDB(t)

	_, err := NewArchive(db).GetJob(context.Background(), "video-job-missing")

	assert.True(t, errors.Is(err, ErrJobNotFound))
}
