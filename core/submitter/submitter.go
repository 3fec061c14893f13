package submitter

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"gpu-render-orchestrator/core/catalog"
	"gpu-render-orchestrator/core/classify"
	"gpu-render-orchestrator/core/metrics"
	"gpu-render-orchestrator/core/models"
	"gpu-render-orchestrator/core/placement"
	"gpu-render-orchestrator/storage"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"
)

// PlacementSelector picks a placement from a catalog
type PlacementSelector interface {
	SelectPlacement(ctx context.Context, cat *catalog.Catalog, excluded placement.ExclusionSet) (models.PlacementOption, error)
}

// Config holds what every job spec carries regardless of placement
type Config struct {
	ProjectID      string
	BucketName     string
	ContainerImage string
	Command        []string
}

// Submitter turns a render request into a running backend job, walking the catalog
// when a placement turns out to have no capacity
type Submitter struct {
	cfg      Config
	base     *catalog.Catalog
	selector PlacementSelector
	backend  ComputeBackend
	store    storage.AssetStore
	clock    clock.PassiveClock
	newJobID func() string
}

// NewSubmitter creates a new submitter
func NewSubmitter(
	cfg Config,
	base *catalog.Catalog,
	selector PlacementSelector,
	backend ComputeBackend,
	store storage.AssetStore,
	clk clock.PassiveClock,
) *Submitter {
	return &Submitter{
		cfg:      cfg,
		base:     base,
		selector: selector,
		backend:  backend,
		store:    store,
		clock:    clk,
		newJobID: NewJobID,
	}
}

// NewJobID returns a fresh job ID of the form video-job-<8 hex>
func NewJobID() string {
	return "video-job-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// CatalogFor returns the catalog a request is placed from
func (s *Submitter) CatalogFor(req *models.RenderRequest) *catalog.Catalog {
	if req.Preemptible {
		return catalog.WithPreemptibleVariants(s.base)
	}
	return catalog.OnDemandOnly(s.base)
}

// Submit selects a placement and submits the request as a new job attempt. Placements
// that reject the job for capacity are excluded and the next one is tried; this cannot
// loop more often than the catalog has entries.
func (s *Submitter) Submit(ctx context.Context, req *models.RenderRequest, attempt int) (*models.JobRecord, error) {
	return s.submit(ctx, req, attempt, s.CatalogFor(req), nil)
}

// SubmitPinned submits to opt first. If opt has no capacity the on-demand catalog is
// searched with opt excluded. Records are marked as forced.
func (s *Submitter) SubmitPinned(ctx context.Context, req *models.RenderRequest, opt models.PlacementOption, attempt int) (*models.JobRecord, error) {
	return s.submit(ctx, req, attempt, catalog.OnDemandOnly(s.base), &opt)
}

func (s *Submitter) submit(
	ctx context.Context,
	req *models.RenderRequest,
	attempt int,
	cat *catalog.Catalog,
	pinned *models.PlacementOption,
) (*models.JobRecord, error) {
	assets, err := s.stageAssets(ctx, req)
	if err != nil {
		return nil, err
	}

	excluded := placement.NewExclusionSet()
	for i := 0; i <= cat.Len(); i++ {
		var opt models.PlacementOption
		if pinned != nil && i == 0 {
			opt = *pinned
		} else {
			opt, err = s.selector.SelectPlacement(ctx, cat, excluded)
			if err != nil {
				return nil, err
			}
		}

		rec, submitErr := s.submitTo(ctx, req, attempt, opt, assets, pinned != nil)
		if submitErr == nil {
			return rec, nil
		}
		if !errors.Is(submitErr, models.ErrCapacityExhausted) {
			return nil, submitErr
		}

		excluded.Add(opt)
		metrics.CapacityExcluded(opt)
		log.WithFields(log.Fields{
			"lineage_id": req.LineageID,
			"attempt":    attempt,
			"placement":  opt.String(),
		}).WithError(submitErr).Warn("Placement has no capacity, excluding and reselecting")
	}

	return nil, models.FatalConfigf("placement search for lineage %s did not converge", req.LineageID)
}

// submitTo uploads the job config and submits one job. Errors come back classified as
// capacity exhaustion, fatal configuration, or transient.
func (s *Submitter) submitTo(
	ctx context.Context,
	req *models.RenderRequest,
	attempt int,
	opt models.PlacementOption,
	assets stagedAssets,
	forced bool,
) (*models.JobRecord, error) {
	jobID := s.newJobID()
	now := s.clock.Now()

	data, err := json.MarshalIndent(newJobConfig(jobID, req, attempt, opt, assets, now), "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "encoding job config")
	}
	configURI, err := s.store.PutObject(ctx, storage.ConfigKey(jobID), data, "application/json")
	if err != nil {
		return nil, errors.Wrapf(models.ErrTransientSubmission, "uploading config for %s: %v", jobID, err)
	}

	spec := s.jobSpec(jobID, req, attempt, opt, configURI)
	handle, err := s.backend.SubmitJob(ctx, spec)
	if err != nil {
		switch {
		case models.IsFatal(err):
			return nil, err
		case classify.IsCapacityExhausted(err):
			return nil, errors.Wrapf(models.ErrCapacityExhausted, "%s: %v", opt, err)
		case ctx.Err() != nil:
			return nil, ctx.Err()
		default:
			return nil, errors.Wrapf(models.ErrTransientSubmission, "submitting %s to %s: %v", jobID, opt, err)
		}
	}

	log.WithFields(log.Fields{
		"job_id":     jobID,
		"lineage_id": req.LineageID,
		"attempt":    attempt,
		"placement":  opt.String(),
		"handle":     handle,
	}).Info("Submitted render job")

	return &models.JobRecord{
		JobID:         jobID,
		LineageID:     req.LineageID,
		Placement:     opt,
		Status:        models.JobStatusPending,
		Attempt:       attempt,
		Forced:        forced,
		BackendHandle: handle,
		ConfigURI:     configURI,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

func (s *Submitter) jobSpec(jobID string, req *models.RenderRequest, attempt int, opt models.PlacementOption, configURI string) JobSpec {
	device := "cuda"
	if opt.IsCPU() {
		device = "cpu"
	}
	return JobSpec{
		JobID:          jobID,
		LineageID:      req.LineageID,
		DisplayName:    "av-gpu-job-" + jobID,
		Placement:      opt,
		ContainerImage: s.cfg.ContainerImage,
		Command:        s.cfg.Command,
		Args: []string{
			"--job-id", jobID,
			"--project-id", s.cfg.ProjectID,
			"--bucket-name", s.cfg.BucketName,
			"--config-uri", configURI,
		},
		Env: map[string]string{
			"GOOGLE_CLOUD_PROJECT": s.cfg.ProjectID,
			"RENDER_DEVICE":        device,
		},
		Labels: map[string]string{
			"job_id":      SanitizeLabel(jobID),
			"lineage_id":  SanitizeLabel(req.LineageID),
			"region":      SanitizeLabel(opt.Region),
			"accelerator": SanitizeLabel(string(opt.AcceleratorType)),
			"attempt":     strconv.Itoa(attempt),
			"preemptible": strconv.FormatBool(opt.Preemptible),
			"managed_by":  "gpu-render-orchestrator",
		},
	}
}

type stagedAssets struct {
	images []string
	audio  string
}

// stageAssets uploads local inputs once per lineage. Remote inputs are passed through.
func (s *Submitter) stageAssets(ctx context.Context, req *models.RenderRequest) (stagedAssets, error) {
	var staged stagedAssets
	for i, path := range req.ImagePaths {
		uri, err := s.stage(ctx, req.LineageID, fmt.Sprintf("images/%02d_%s", i, filepath.Base(path)), path)
		if err != nil {
			return stagedAssets{}, err
		}
		staged.images = append(staged.images, uri)
	}
	if req.AudioPath != "" {
		uri, err := s.stage(ctx, req.LineageID, "audio/"+filepath.Base(req.AudioPath), req.AudioPath)
		if err != nil {
			return stagedAssets{}, err
		}
		staged.audio = uri
	}
	return staged, nil
}

func (s *Submitter) stage(ctx context.Context, lineageID, name, path string) (string, error) {
	if isRemote(path) {
		return path, nil
	}
	key := storage.AssetKey(lineageID, name)
	exists, err := s.store.Exists(ctx, key)
	if err != nil {
		return "", errors.Wrapf(models.ErrTransientSubmission, "checking asset %s: %v", key, err)
	}
	if exists {
		return s.store.URI(key), nil
	}
	uri, err := s.store.Upload(ctx, path, key)
	if err != nil {
		return "", errors.Wrapf(models.ErrTransientSubmission, "uploading asset %s: %v", path, err)
	}
	return uri, nil
}

func isRemote(path string) bool {
	return strings.HasPrefix(path, "gs://") || strings.HasPrefix(path, "s3://") || strings.HasPrefix(path, "mem://")
}

// SanitizeLabel makes a value acceptable as a GCP resource label: lowercase letters,
// digits, '-' and '_', at most 63 characters
func SanitizeLabel(v string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(v) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	out := b.String()
	if len(out) > 63 {
		out = out[:63]
	}
	return out
}
