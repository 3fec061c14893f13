package submitter

import (
	"context"
	"sort"
	"strings"

	"gpu-render-orchestrator/core/models"

	"github.com/pkg/errors"
)

// JobSpec is everything a compute backend needs to start one render container
type JobSpec struct {
	JobID          string
	LineageID      string
	DisplayName    string
	Placement      models.PlacementOption
	ContainerImage string
	Command        []string
	Args           []string
	Env            map[string]string
	Labels         map[string]string
}

// ComputeBackend runs render containers. Errors from SubmitJob may carry capacity
// exhaustion; the classifier decides.
type ComputeBackend interface {
	SubmitJob(ctx context.Context, spec JobSpec) (string, error)
	GetJobStatus(ctx context.Context, handle string) (models.BackendStatus, error)
}

// BackendRouter sends each job to the backend of its placement's provider.
// Handles are prefixed with the provider so status calls can be routed back.
type BackendRouter struct {
	backends map[models.Provider]ComputeBackend
}

// NewBackendRouter creates an empty router
func NewBackendRouter() *BackendRouter {
	return &BackendRouter{backends: make(map[models.Provider]ComputeBackend)}
}

// Register sets the backend for a provider
func (r *BackendRouter) Register(provider models.Provider, backend ComputeBackend) *BackendRouter {
	if backend != nil {
		r.backends[provider] = backend
	}
	return r
}

// Providers lists registered providers in name order
func (r *BackendRouter) Providers() []models.Provider {
	out := make([]models.Provider, 0, len(r.backends))
	for p := range r.backends {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// SubmitJob implements ComputeBackend
func (r *BackendRouter) SubmitJob(ctx context.Context, spec JobSpec) (string, error) {
	backend, ok := r.backends[spec.Placement.Provider]
	if !ok {
		return "", models.FatalConfigf("no compute backend registered for %s", spec.Placement.Provider)
	}
	handle, err := backend.SubmitJob(ctx, spec)
	if err != nil {
		return "", err
	}
	return string(spec.Placement.Provider) + "::" + handle, nil
}

// GetJobStatus implements ComputeBackend
func (r *BackendRouter) GetJobStatus(ctx context.Context, handle string) (models.BackendStatus, error) {
	provider, inner, err := splitHandle(handle)
	if err != nil {
		return models.BackendStatus{}, err
	}
	backend, ok := r.backends[provider]
	if !ok {
		return models.BackendStatus{}, errors.Errorf("no compute backend registered for %s", provider)
	}
	return backend.GetJobStatus(ctx, inner)
}

func splitHandle(handle string) (models.Provider, string, error) {
	provider, inner, ok := strings.Cut(handle, "::")
	if !ok || provider == "" || inner == "" {
		return "", "", errors.Errorf("malformed backend handle %q", handle)
	}
	return models.Provider(provider), inner, nil
}
