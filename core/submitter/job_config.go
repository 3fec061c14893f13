package submitter

import (
	"time"

	"gpu-render-orchestrator/core/models"
	"gpu-render-orchestrator/storage"
)

// JobConfig is the document the render worker reads from jobs/{job_id}/config.json
type JobConfig struct {
	JobID           string            `json:"job_id"`
	LineageID       string            `json:"lineage_id"`
	Attempt         int               `json:"attempt"`
	Script          string            `json:"script"`
	ImageURIs       []string          `json:"image_uris"`
	AudioURI        string            `json:"audio_uri,omitempty"`
	DurationSeconds int               `json:"duration_seconds,omitempty"`
	VoiceSettings   map[string]string `json:"voice_settings,omitempty"`
	VideoSettings   map[string]string `json:"video_settings,omitempty"`
	Device          string            `json:"device"`
	Placement       PlacementConfig   `json:"placement"`
	OutputKey       string            `json:"output_key"`
	StatusKey       string            `json:"status_key"`
	CreatedAt       float64           `json:"created_at"`
}

// PlacementConfig tells the worker where it is running
type PlacementConfig struct {
	Provider         string `json:"provider"`
	Region           string `json:"region"`
	AcceleratorType  string `json:"accelerator_type"`
	AcceleratorCount int    `json:"accelerator_count"`
	MachineShape     string `json:"machine_shape"`
	Preemptible      bool   `json:"preemptible"`
}

func newJobConfig(jobID string, req *models.RenderRequest, attempt int, opt models.PlacementOption, assets stagedAssets, now time.Time) JobConfig {
	device := "cuda"
	if opt.IsCPU() {
		device = "cpu"
	}
	return JobConfig{
		JobID:           jobID,
		LineageID:       req.LineageID,
		Attempt:         attempt,
		Script:          req.Script,
		ImageURIs:       assets.images,
		AudioURI:        assets.audio,
		DurationSeconds: req.DurationSeconds,
		VoiceSettings:   req.VoiceSettings,
		VideoSettings:   req.VideoSettings,
		Device:          device,
		Placement: PlacementConfig{
			Provider:         string(opt.Provider),
			Region:           opt.Region,
			AcceleratorType:  string(opt.AcceleratorType),
			AcceleratorCount: opt.AcceleratorCount,
			MachineShape:     opt.MachineShape,
			Preemptible:      opt.Preemptible,
		},
		OutputKey: storage.OutputKey(jobID),
		StatusKey: storage.StatusKey(jobID),
		CreatedAt: float64(now.UnixNano()) / 1e9,
	}
}
