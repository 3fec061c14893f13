package routes

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"gpu-render-orchestrator/core/catalog"
	"gpu-render-orchestrator/core/models"
	"gpu-render-orchestrator/core/monitoring"
	"gpu-render-orchestrator/core/placement"
	"gpu-render-orchestrator/core/quota"
	"gpu-render-orchestrator/core/repository"
	"gpu-render-orchestrator/core/scheduler"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDispatcher records lineages in a real LineageStore without running them
type fakeDispatcher struct {
	store     *scheduler.LineageStore
	cancelled []string
	queued    int
	submitted int
}

func (d *fakeDispatcher) Enqueue(req *models.RenderRequest) (string, error) {
	if req.LineageID == "" {
		req.LineageID = "lineage-1"
	}
	req.SubmittedAt = time.Unix(1700000000+int64(d.submitted), 0)
	if err := d.store.Accept(req); err != nil {
		return "", err
	}
	d.submitted++
	return req.LineageID, nil
}

func (d *fakeDispatcher) List() []scheduler.LineageView {
	return d.store.List()
}

func (d *fakeDispatcher) QueueLength() int {
	return d.queued
}

func (d *fakeDispatcher) Cancel(lineageID string) error {
	d.cancelled = append(d.cancelled, lineageID)
	return nil
}

func (d *fakeDispatcher) Lineage(lineageID string) (scheduler.LineageView, bool) {
	return d.store.Lineage(lineageID)
}

type checkerFunc func(q quota.Query) models.QuotaSnapshot

func (f checkerFunc) CheckAvailability(_ context.Context, q quota.Query) models.QuotaSnapshot {
	return f(q)
}

type fakeEvents struct {
	events []models.JobEvent
	err    error
}

func (f *fakeEvents) GetJobEvents(context.Context, string, int) ([]models.JobEvent, error) {
	return f.events, f.err
}

// fakeArchive serves persisted attempts in attempt order
type fakeArchive struct {
	records   []*models.JobRecord
	artifacts map[string][]repository.JobArtifact
	err       error
}

func (a *fakeArchive) GetJob(_ context.Context, jobID string) (*models.JobRecord, error) {
	if a.err != nil {
		return nil, a.err
	}
	for _, rec := range a.records {
		if rec.JobID == jobID {
			return rec.Clone(), nil
		}
	}
	return nil, errors.Wrapf(repository.ErrJobNotFound, "job %s", jobID)
}

func (a *fakeArchive) ListLineage(_ context.Context, lineageID string) ([]*models.JobRecord, error) {
	if a.err != nil {
		return nil, a.err
	}
	var out []*models.JobRecord
	for _, rec := range a.records {
		if rec.LineageID == lineageID {
			out = append(out, rec.Clone())
		}
	}
	return out, nil
}

func (a *fakeArchive) GetJobArtifacts(_ context.Context, jobID string, _ *repository.ArtifactType) ([]repository.JobArtifact, error) {
	return a.artifacts[jobID], a.err
}

type testAPI struct {
	router     *mux.Router
	dispatcher *fakeDispatcher
	store      *scheduler.LineageStore
	costs      *monitoring.CostTracker
}

func newTestAPI(t *testing.T, checker checkerFunc, events *fakeEvents) *testAPI {
	return newArchivedTestAPI(t, checker, events, nil)
}

func newArchivedTestAPI(t *testing.T, checker checkerFunc, events *fakeEvents, archive *fakeArchive) *testAPI {
	store := scheduler.NewLineageStore()
	dispatcher := &fakeDispatcher{store: store}
	costs := monitoring.NewCostTracker(placement.NewCostCalculator())
	deps := Deps{
		Dispatcher: dispatcher,
		Jobs:       store,
		Catalog:    catalog.Default(),
		Quota:      checker,
		Costs:      costs,
	}
	if events != nil {
		deps.Events = events
	}
	if archive != nil {
		deps.Archive = archive
	}
	r := mux.NewRouter()
	SetupRoutes(r, deps)
	return &testAPI{router: r, dispatcher: dispatcher, store: store, costs: costs}
}

func (a *testAPI) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)

	var decoded map[string]interface{}
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	}
	return rec, decoded
}

func noQuota(quota.Query) models.QuotaSnapshot {
	return models.UnknownSnapshot("", "", "", errors.New("denied"))
}

func TestHealth(t *testing.T) {
	api := newTestAPI(t, noQuota, nil)
	api.dispatcher.queued = 3

	rec, body := api.do(t, http.MethodGet, "/health", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(3), body["queued"])
}

func TestSubmitRender(t *testing.T) {
	api := newTestAPI(t, noQuota, nil)

	rec, body := api.do(t, http.MethodPost, "/v1/renders", `{"script": "A fox at dawn", "assets": {"images": ["gs://b/a.png"]}}`)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "lineage-1", body["lineage_id"])
	assert.Equal(t, "queued", body["status"])

	view, ok := api.store.Lineage("lineage-1")
	require.True(t, ok)
	assert.True(t, view.Request.Preemptible)
	assert.Equal(t, []string{"gs://b/a.png"}, view.Request.ImagePaths)
}

func TestSubmitRender_DuplicateLineageIsConflict(t *testing.T) {
	api := newTestAPI(t, noQuota, nil)

	rec, body := api.do(t, http.MethodPost, "/v1/renders", `{"lineage_id": "promo-7", "script": "first"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "promo-7", body["lineage_id"])

	rec, _ = api.do(t, http.MethodPost, "/v1/renders", `{"lineage_id": "promo-7", "script": "second"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	view, ok := api.store.Lineage("promo-7")
	require.True(t, ok)
	assert.Equal(t, "first", view.Request.Script)
}

func TestListRenders(t *testing.T) {
	api := newTestAPI(t, noQuota, nil)
	api.do(t, http.MethodPost, "/v1/renders", `{"lineage_id": "older", "script": "x"}`)
	api.do(t, http.MethodPost, "/v1/renders", `{"lineage_id": "newer", "script": "y"}`)
	api.store.Finish("older", &models.JobRecord{JobID: "video-job-1", Status: models.JobStatusCompleted}, nil, time.Unix(1700000100, 0))

	rec, body := api.do(t, http.MethodGet, "/v1/renders", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	items := body["items"].([]interface{})
	require.Len(t, items, 2)
	assert.Equal(t, "newer", items[0].(map[string]interface{})["lineage_id"])
	assert.Equal(t, "video-job-1", items[1].(map[string]interface{})["final_job_id"])

	_, body = api.do(t, http.MethodGet, "/v1/renders?state=queued", "")
	items = body["items"].([]interface{})
	require.Len(t, items, 1)
	assert.Equal(t, "newer", items[0].(map[string]interface{})["lineage_id"])

	_, body = api.do(t, http.MethodGet, "/v1/renders?state=running", "")
	assert.Empty(t, body["items"])
}

func TestSubmitRender_Invalid(t *testing.T) {
	api := newTestAPI(t, noQuota, nil)

	rec, _ := api.do(t, http.MethodPost, "/v1/renders", `{"script": ""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = api.do(t, http.MethodPost, "/v1/renders", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetRender_CompletedIncludesVideoURL(t *testing.T) {
	api := newTestAPI(t, noQuota, nil)
	api.do(t, http.MethodPost, "/v1/renders", `{"script": "x"}`)
	created := time.Unix(1700000000, 0)

	preempted := &models.JobRecord{JobID: "video-job-1", LineageID: "lineage-1", Status: models.JobStatusPreempted, LastError: "preempted", CreatedAt: created, UpdatedAt: created}
	completed := &models.JobRecord{JobID: "video-job-2", LineageID: "lineage-1", Attempt: 1, Status: models.JobStatusCompleted, VideoURL: "gs://b/jobs/video-job-2/output.mp4", CreatedAt: created, UpdatedAt: created}
	require.NoError(t, api.store.Record(context.Background(), preempted, "preempted"))
	require.NoError(t, api.store.Record(context.Background(), completed, "completed"))
	api.store.Finish("lineage-1", completed, nil, created.Add(time.Minute))

	rec, body := api.do(t, http.MethodGet, "/v1/renders/lineage-1", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "completed", body["state"])
	assert.Equal(t, "gs://b/jobs/video-job-2/output.mp4", body["video_url"])
	assert.Equal(t, "video-job-2", body["final_job_id"])
	assert.Len(t, body["attempts"], 2)
}

func TestGetRender_NotFound(t *testing.T) {
	api := newTestAPI(t, noQuota, nil)

	rec, _ := api.do(t, http.MethodGet, "/v1/renders/lineage-missing", "")

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetRender_RestoredFromArchive(t *testing.T) {
	created := time.Unix(1700000000, 0)
	archive := &fakeArchive{records: []*models.JobRecord{
		{JobID: "video-job-1", LineageID: "lineage-old", Status: models.JobStatusPreempted, CreatedAt: created, UpdatedAt: created},
		{JobID: "video-job-2", LineageID: "lineage-old", Attempt: 1, Status: models.JobStatusCompleted, VideoURL: "gs://b/jobs/video-job-2/output.mp4", CreatedAt: created, UpdatedAt: created.Add(time.Hour)},
	}}
	api := newArchivedTestAPI(t, noQuota, nil, archive)

	rec, body := api.do(t, http.MethodGet, "/v1/renders/lineage-old", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "completed", body["state"])
	assert.Equal(t, "gs://b/jobs/video-job-2/output.mp4", body["video_url"])
	assert.Len(t, body["attempts"], 2)

	rec, _ = api.do(t, http.MethodGet, "/v1/renders/lineage-missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	archive.err = errors.New("db down")
	rec, _ = api.do(t, http.MethodGet, "/v1/renders/lineage-old", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestCancelRender(t *testing.T) {
	api := newTestAPI(t, noQuota, nil)
	api.do(t, http.MethodPost, "/v1/renders", `{"script": "x"}`)

	rec, body := api.do(t, http.MethodPost, "/v1/renders/lineage-1/cancel", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cancelling", body["status"])
	assert.Equal(t, []string{"lineage-1"}, api.dispatcher.cancelled)

	api.store.Finish("lineage-1", nil, context.Canceled, time.Now())
	rec, _ = api.do(t, http.MethodPost, "/v1/renders/lineage-1/cancel", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec, _ = api.do(t, http.MethodPost, "/v1/renders/lineage-missing/cancel", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetJob(t *testing.T) {
	api := newTestAPI(t, noQuota, nil)
	rec := &models.JobRecord{JobID: "video-job-1", LineageID: "lineage-1", Status: models.JobStatusRunning}
	require.NoError(t, api.store.Record(context.Background(), rec, "running"))

	resp, body := api.do(t, http.MethodGet, "/v1/jobs/video-job-1", "")
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "running", body["status"])

	resp, _ = api.do(t, http.MethodGet, "/v1/jobs/video-job-9", "")
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestGetJob_ArchiveFallbackWithArtifacts(t *testing.T) {
	at := time.Unix(1700000000, 0)
	archive := &fakeArchive{
		records: []*models.JobRecord{{JobID: "video-job-5", LineageID: "lineage-old", Status: models.JobStatusCompleted}},
		artifacts: map[string][]repository.JobArtifact{
			"video-job-5": {
				{JobID: "video-job-5", Type: repository.ArtifactVideo, URI: "gs://b/jobs/video-job-5/output.mp4", CreatedAt: at},
				{JobID: "video-job-5", Type: repository.ArtifactConfig, URI: "gs://b/jobs/video-job-5/config.json", CreatedAt: at},
			},
		},
	}
	api := newArchivedTestAPI(t, noQuota, nil, archive)
	require.NoError(t, api.store.Record(context.Background(), &models.JobRecord{JobID: "video-job-6", LineageID: "lineage-1", Status: models.JobStatusRunning}, "running"))

	resp, body := api.do(t, http.MethodGet, "/v1/jobs/video-job-5", "")
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "completed", body["status"])
	artifacts := body["artifacts"].([]interface{})
	require.Len(t, artifacts, 2)
	assert.Equal(t, "video", artifacts[0].(map[string]interface{})["type"])

	resp, body = api.do(t, http.MethodGet, "/v1/jobs/video-job-6", "")
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Empty(t, body["artifacts"])

	resp, _ = api.do(t, http.MethodGet, "/v1/jobs/video-job-9", "")
	assert.Equal(t, http.StatusNotFound, resp.Code)

	archive.err = errors.New("db down")
	resp, _ = api.do(t, http.MethodGet, "/v1/jobs/video-job-5", "")
	assert.Equal(t, http.StatusInternalServerError, resp.Code)
}

func TestGetJobEvents(t *testing.T) {
	from := models.JobStatusFailed
	events := &fakeEvents{events: []models.JobEvent{
		{JobID: "video-job-1", ToStatus: models.JobStatusPending, Reason: "submitted"},
		{JobID: "video-job-1", FromStatus: &from, ToStatus: models.JobStatusPreempted, Reason: "preempted"},
	}}
	api := newTestAPI(t, noQuota, events)

	rec, body := api.do(t, http.MethodGet, "/v1/jobs/video-job-1/events?limit=10", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	items := body["items"].([]interface{})
	require.Len(t, items, 2)
	assert.Equal(t, "failed", items[1].(map[string]interface{})["from_status"])

	rec, _ = api.do(t, http.MethodGet, "/v1/jobs/video-job-1/events?limit=zero", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	events.err = errors.New("db down")
	rec, _ = api.do(t, http.MethodGet, "/v1/jobs/video-job-1/events", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestGetJobEvents_WithoutDatabase(t *testing.T) {
	api := newTestAPI(t, noQuota, nil)

	rec, _ := api.do(t, http.MethodGet, "/v1/jobs/video-job-1/events", "")

	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestGetCatalog(t *testing.T) {
	api := newTestAPI(t, noQuota, nil)

	rec, body := api.do(t, http.MethodGet, "/v1/catalog", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	items := body["items"].([]interface{})
	require.Len(t, items, catalog.Default().Len())
	last := items[len(items)-1].(map[string]interface{})
	assert.Equal(t, true, last["cpu"])

	// A one-hour CPU render costs price / speed on each placement
	opt := catalog.Default().ListPlacements()[0]
	first := items[0].(map[string]interface{})
	assert.Equal(t, float64(60), body["cpu_render_minutes"])
	assert.InDelta(t, opt.PricePerHour/opt.SpeedFactor, first["effective_cost_per_render"].(float64), 1e-9)
	assert.GreaterOrEqual(t, first["expected_cost_per_render"].(float64), first["effective_cost_per_render"].(float64))

	_, body = api.do(t, http.MethodGet, "/v1/catalog?cpu_minutes=30", "")
	first = body["items"].([]interface{})[0].(map[string]interface{})
	assert.InDelta(t, opt.PricePerHour/opt.SpeedFactor/2, first["effective_cost_per_render"].(float64), 1e-9)

	rec, _ = api.do(t, http.MethodGet, "/v1/catalog?cpu_minutes=-5", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetQuota_FailClosedReportsNoQuota(t *testing.T) {
	api := newTestAPI(t, noQuota, nil)

	rec, body := api.do(t, http.MethodGet, "/v1/quota", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "no_gpu_quota", body["status"])
	assert.Equal(t, float64(0), body["gpu_options_available"])
	assert.NotNil(t, body["cpu_fallback"])
}

func TestGetQuota_Limited(t *testing.T) {
	api := newTestAPI(t, func(q quota.Query) models.QuotaSnapshot {
		if q.Region == "us-central1" && q.AcceleratorType == models.AcceleratorT4 {
			return models.KnownSnapshot(q.Provider, q.Region, q.AcceleratorType, 4, 1)
		}
		return models.KnownSnapshot(q.Provider, q.Region, q.AcceleratorType, 4, 4)
	}, nil)

	_, body := api.do(t, http.MethodGet, "/v1/quota", "")

	assert.Equal(t, "limited_quota", body["status"])
	assert.Equal(t, float64(1), body["gpu_options_available"])
}

func TestGetRenderCost(t *testing.T) {
	api := newTestAPI(t, noQuota, nil)
	start := time.Unix(1700000000, 0)
	opt := catalog.Default().ListPlacements()[0]
	require.NoError(t, api.costs.Record(context.Background(), &models.JobRecord{
		JobID: "video-job-1", LineageID: "lineage-1", Placement: opt,
		Status: models.JobStatusCompleted, CreatedAt: start, UpdatedAt: start.Add(time.Hour),
	}, "completed"))

	rec, body := api.do(t, http.MethodGet, "/v1/renders/lineage-1/cost", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), body["attempts"])
	assert.InDelta(t, opt.PricePerHour, body["total_usd"].(float64), 1e-9)

	rec, _ = api.do(t, http.MethodGet, "/v1/renders/lineage-2/cost", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
