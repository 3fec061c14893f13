package supervisor

import (
	"context"

	"gpu-render-orchestrator/core/models"

	"github.com/pkg/errors"
)

// Recorder is told about every record a lineage produces: on submission, on the
// terminal status, and on reclassification to PREEMPTED. Records are copies.
type Recorder interface {
	Record(ctx context.Context, rec *models.JobRecord, reason string) error
}

// NopRecorder discards records
type NopRecorder struct{}

func (NopRecorder) Record(context.Context, *models.JobRecord, string) error { return nil }

// MultiRecorder fans a record out to several recorders, returning the first error
type MultiRecorder []Recorder

func (m MultiRecorder) Record(ctx context.Context, rec *models.JobRecord, reason string) error {
	var first error
	for _, r := range m {
		if r == nil {
			continue
		}
		if err := r.Record(ctx, rec, reason); err != nil && first == nil {
			first = errors.WithStack(err)
		}
	}
	return first
}
