package spec

import (
	"os"
	"strings"

	"gpu-render-orchestrator/core/models"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// RenderSpec represents the YAML (or JSON) render request document
type RenderSpec struct {
	Render RenderSpecRender `yaml:"render" json:"render"`
}

// RenderSpecRender represents the render section of a request file
type RenderSpecRender struct {
	LineageID string            `yaml:"lineage_id" json:"lineage_id"`
	Script    string            `yaml:"script" json:"script"`
	Assets    RenderSpecAssets  `yaml:"assets" json:"assets"`
	Duration  int               `yaml:"duration_seconds" json:"duration_seconds"`
	Voice     map[string]string `yaml:"voice_settings" json:"voice_settings"`
	Video     map[string]string `yaml:"video_settings" json:"video_settings"`
	Execution RenderSpecExec    `yaml:"execution" json:"execution"`
}

// RenderSpecAssets lists the inputs the worker needs. Paths are local files or remote URIs.
type RenderSpecAssets struct {
	Images []string `yaml:"images" json:"images"`
	Audio  string   `yaml:"audio" json:"audio"`
}

// RenderSpecExec represents scheduling preferences
type RenderSpecExec struct {
	Preemptible *bool `yaml:"preemptible,omitempty" json:"preemptible,omitempty"`
	Priority    int   `yaml:"priority" json:"priority"`
}

// ParseRenderRequest parses a render request document. JSON documents parse as YAML.
func ParseRenderRequest(data []byte) (*models.RenderRequest, error) {
	var spec RenderSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, errors.Wrap(err, "failed to parse render request")
	}
	return spec.Render.ToRequest()
}

// LoadRenderRequest reads and parses a render request file
func LoadRenderRequest(path string) (*models.RenderRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading render request %s", path)
	}
	return ParseRenderRequest(data)
}

// ToRequest validates the document and builds the request. Preemptible defaults to true.
func (r RenderSpecRender) ToRequest() (*models.RenderRequest, error) {
	if strings.TrimSpace(r.Script) == "" {
		return nil, errors.New("render request has no script")
	}
	if r.Duration < 0 {
		return nil, errors.Errorf("duration_seconds must be >= 0, got %d", r.Duration)
	}

	images := make([]string, 0, len(r.Assets.Images))
	for i, p := range r.Assets.Images {
		p = strings.TrimSpace(p)
		if p == "" {
			return nil, errors.Errorf("image %d has an empty path", i)
		}
		images = append(images, p)
	}

	preemptible := true
	if r.Execution.Preemptible != nil {
		preemptible = *r.Execution.Preemptible
	}

	return &models.RenderRequest{
		LineageID:       r.LineageID,
		Script:          r.Script,
		ImagePaths:      images,
		AudioPath:       strings.TrimSpace(r.Assets.Audio),
		DurationSeconds: r.Duration,
		VoiceSettings:   r.Voice,
		VideoSettings:   r.Video,
		Preemptible:     preemptible,
		Priority:        r.Execution.Priority,
	}, nil
}
