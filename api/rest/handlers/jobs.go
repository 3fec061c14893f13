package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"gpu-render-orchestrator/core/models"
	"gpu-render-orchestrator/core/repository"
	"gpu-render-orchestrator/core/scheduler"
	"gpu-render-orchestrator/core/spec"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Dispatcher queues render lineages and tracks them
type Dispatcher interface {
	Enqueue(req *models.RenderRequest) (string, error)
	Cancel(lineageID string) error
	Lineage(lineageID string) (scheduler.LineageView, bool)
	List() []scheduler.LineageView
	QueueLength() int
}

// JobFinder looks up a single attempt by job ID
type JobFinder interface {
	FindJob(jobID string) (*models.JobRecord, bool)
}

// EventSource returns the persisted status history of an attempt
type EventSource interface {
	GetJobEvents(ctx context.Context, jobID string, limit int) ([]models.JobEvent, error)
}

// JobArchive reads persisted attempts back, for lineages the running process no longer holds
type JobArchive interface {
	GetJob(ctx context.Context, jobID string) (*models.JobRecord, error)
	ListLineage(ctx context.Context, lineageID string) ([]*models.JobRecord, error)
	GetJobArtifacts(ctx context.Context, jobID string, artifactType *repository.ArtifactType) ([]repository.JobArtifact, error)
}

// RenderHandler handles render-related HTTP requests
type RenderHandler struct {
	dispatcher Dispatcher
	jobs       JobFinder
	events     EventSource // nil without a database
	archive    JobArchive  // nil without a database
}

// NewRenderHandler creates a new render handler
func NewRenderHandler(dispatcher Dispatcher, jobs JobFinder, events EventSource, archive JobArchive) *RenderHandler {
	return &RenderHandler{
		dispatcher: dispatcher,
		jobs:       jobs,
		events:     events,
		archive:    archive,
	}
}

// Health handles GET /health
func (h *RenderHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"queued": h.dispatcher.QueueLength(),
	})
}

// SubmitRenderResponse represents the response after submitting a render
type SubmitRenderResponse struct {
	LineageID string `json:"lineage_id"`
	Status    string `json:"status"`
}

// SubmitRender handles POST /v1/renders
func (h *RenderHandler) SubmitRender(w http.ResponseWriter, r *http.Request) {
	var body spec.RenderSpecRender
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	req, err := body.ToRequest()
	if err != nil {
		http.Error(w, "Invalid render request: "+err.Error(), http.StatusBadRequest)
		return
	}

	lineageID, err := h.dispatcher.Enqueue(req)
	if errors.Is(err, scheduler.ErrLineageExists) {
		http.Error(w, "Render already exists: "+req.LineageID, http.StatusConflict)
		return
	}
	if err != nil {
		log.WithError(err).Error("Failed to queue render")
		http.Error(w, "Failed to queue render", http.StatusInternalServerError)
		return
	}
	log.WithField("lineage_id", lineageID).Info("Render request accepted")

	writeJSON(w, http.StatusAccepted, SubmitRenderResponse{
		LineageID: lineageID,
		Status:    string(scheduler.LineageQueued),
	})
}

// ListRenders handles GET /v1/renders, newest first, optionally filtered by ?state=
func (h *RenderHandler) ListRenders(w http.ResponseWriter, r *http.Request) {
	state := scheduler.LineageState(r.URL.Query().Get("state"))

	items := []map[string]interface{}{}
	for _, view := range h.dispatcher.List() {
		if state != "" && view.State != state {
			continue
		}
		item := map[string]interface{}{
			"lineage_id":   view.LineageID,
			"state":        view.State,
			"attempts":     len(view.Attempts),
			"submitted_at": view.SubmittedAt,
		}
		if view.FinishedAt != nil {
			item["finished_at"] = *view.FinishedAt
		}
		if view.Final != nil {
			item["final_job_id"] = view.Final.JobID
		}
		items = append(items, item)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": items,
	})
}

// GetRender handles GET /v1/renders/{id}. Lineages from before a restart are rebuilt from the database.
func (h *RenderHandler) GetRender(w http.ResponseWriter, r *http.Request) {
	lineageID := mux.Vars(r)["id"]
	view, ok := h.dispatcher.Lineage(lineageID)
	if !ok && h.archive != nil {
		attempts, err := h.archive.ListLineage(r.Context(), lineageID)
		if err != nil {
			log.WithError(err).WithField("lineage_id", lineageID).Error("Failed to read lineage")
			http.Error(w, "Failed to read render", http.StatusInternalServerError)
			return
		}
		view, ok = scheduler.RestoreView(lineageID, attempts)
	}
	if !ok {
		http.Error(w, "Render not found", http.StatusNotFound)
		return
	}

	attempts := make([]map[string]interface{}, len(view.Attempts))
	for i, rec := range view.Attempts {
		attempts[i] = jobResponse(rec)
	}

	response := map[string]interface{}{
		"lineage_id": view.LineageID,
		"state":      view.State,
		"attempts":   attempts,
		"timestamps": map[string]interface{}{
			"submitted_at": view.SubmittedAt,
			"finished_at":  view.FinishedAt,
		},
	}
	if view.Error != "" {
		response["error"] = view.Error
	}
	if view.Final != nil {
		response["final_job_id"] = view.Final.JobID
		if view.Final.Status == models.JobStatusCompleted {
			response["video_url"] = view.Final.VideoURL
		}
	}

	writeJSON(w, http.StatusOK, response)
}

// CancelRender handles POST /v1/renders/{id}/cancel
func (h *RenderHandler) CancelRender(w http.ResponseWriter, r *http.Request) {
	lineageID := mux.Vars(r)["id"]

	view, ok := h.dispatcher.Lineage(lineageID)
	if !ok {
		http.Error(w, "Render not found", http.StatusNotFound)
		return
	}
	if view.FinishedAt != nil {
		http.Error(w, "Render already finished", http.StatusConflict)
		return
	}

	if err := h.dispatcher.Cancel(lineageID); err != nil {
		http.Error(w, "Failed to cancel render: "+err.Error(), http.StatusConflict)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"lineage_id": lineageID,
		"status":     "cancelling",
	})
}

// GetJob handles GET /v1/jobs/{id}. With a database the job's artifacts are included.
func (h *RenderHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]
	rec, ok := h.jobs.FindJob(jobID)
	if !ok && h.archive != nil {
		var err error
		rec, err = h.archive.GetJob(r.Context(), jobID)
		switch {
		case errors.Is(err, repository.ErrJobNotFound):
		case err != nil:
			log.WithError(err).WithField("job_id", jobID).Error("Failed to read job")
			http.Error(w, "Failed to read job", http.StatusInternalServerError)
			return
		default:
			ok = true
		}
	}
	if !ok {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}

	resp := jobResponse(rec)
	if h.archive != nil {
		artifacts, err := h.archive.GetJobArtifacts(r.Context(), jobID, nil)
		if err != nil {
			log.WithError(err).WithField("job_id", jobID).Warn("Failed to read job artifacts")
		} else {
			items := make([]map[string]interface{}, len(artifacts))
			for i, artifact := range artifacts {
				items[i] = map[string]interface{}{
					"type":       artifact.Type,
					"uri":        artifact.URI,
					"created_at": artifact.CreatedAt,
				}
			}
			resp["artifacts"] = items
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetJobEvents handles GET /v1/jobs/{id}/events
func (h *RenderHandler) GetJobEvents(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		http.Error(w, "Event history requires a database", http.StatusNotImplemented)
		return
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	events, err := h.events.GetJobEvents(r.Context(), mux.Vars(r)["id"], limit)
	if err != nil {
		log.WithError(err).Error("Failed to fetch job events")
		http.Error(w, "Failed to fetch events", http.StatusInternalServerError)
		return
	}

	items := make([]map[string]interface{}, len(events))
	for i, event := range events {
		item := map[string]interface{}{
			"at":        event.At,
			"to_status": event.ToStatus,
			"reason":    event.Reason,
		}
		if event.FromStatus != nil {
			item["from_status"] = *event.FromStatus
		}
		if len(event.MetaJSON) > 0 {
			item["meta"] = event.MetaJSON
		}
		items[i] = item
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": items,
	})
}

func jobResponse(rec *models.JobRecord) map[string]interface{} {
	resp := map[string]interface{}{
		"job_id":     rec.JobID,
		"lineage_id": rec.LineageID,
		"attempt":    rec.Attempt,
		"status":     rec.Status,
		"forced":     rec.Forced,
		"placement":  placementResponse(rec.Placement),
		"created_at": rec.CreatedAt,
		"updated_at": rec.UpdatedAt,
	}
	if rec.LastError != "" {
		resp["error"] = rec.LastError
	}
	if rec.VideoURL != "" {
		resp["video_url"] = rec.VideoURL
	}
	return resp
}

func placementResponse(opt models.PlacementOption) map[string]interface{} {
	return map[string]interface{}{
		"provider":          opt.Provider,
		"region":            opt.Region,
		"accelerator_type":  opt.AcceleratorType,
		"accelerator_count": opt.AcceleratorCount,
		"machine_shape":     opt.MachineShape,
		"preemptible":       opt.Preemptible,
		"priority":          opt.Priority,
		"price_per_hour":    opt.PricePerHour,
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("Failed to write response")
	}
}
