package quota

import (
	"context"

	"gpu-render-orchestrator/core/models"

	"github.com/pkg/errors"
)

// Router dispatches quota queries to the backend of the placement's provider
type Router struct {
	backends map[models.Provider]Backend
}

// NewRouter creates an empty router
func NewRouter() *Router {
	return &Router{backends: make(map[models.Provider]Backend)}
}

// Register sets the backend for a provider. Not safe to call once queries are running.
func (r *Router) Register(provider models.Provider, backend Backend) *Router {
	if backend != nil {
		r.backends[provider] = backend
	}
	return r
}

// GetQuota implements Backend
func (r *Router) GetQuota(ctx context.Context, q Query) (Usage, error) {
	backend, ok := r.backends[q.Provider]
	if !ok {
		return Usage{}, errors.Wrapf(models.ErrQuotaUnknown, "no quota backend for provider %s", q.Provider)
	}
	return backend.GetQuota(ctx, q)
}
