package quota

import (
	"context"
	"math"
	"testing"
	"time"

	"gpu-render-orchestrator/core/models"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type backendFunc func(ctx context.Context, q Query) (Usage, error)

func (f backendFunc) GetQuota(ctx context.Context, q Query) (Usage, error) {
	return f(ctx, q)
}

func t4Query() Query {
	return Query{Provider: models.ProviderVertex, Region: "us-central1", AcceleratorType: models.AcceleratorT4}
}

func TestCheckAvailability_CPUNeverCallsBackend(t *testing.T) {
	called := false
	probe := NewProbe(backendFunc(func(ctx context.Context, q Query) (Usage, error) {
		called = true
		return Usage{}, nil
	}), time.Second)

	snap := probe.CheckAvailability(context.Background(), Query{Provider: models.ProviderVertex, Region: "us-central1", AcceleratorType: models.AcceleratorNone})

	assert.False(t, called)
	assert.True(t, snap.Unlimited)
	assert.True(t, math.IsInf(snap.Available, 1))
	assert.True(t, snap.HasHeadroom(1000))
}

func TestCheckAvailability_Known(t *testing.T) {
	probe := NewProbe(backendFunc(func(ctx context.Context, q Query) (Usage, error) {
		return Usage{Limit: 8, Used: 5}, nil
	}), time.Second)

	snap := probe.CheckAvailability(context.Background(), t4Query())

	assert.True(t, snap.Known)
	assert.Equal(t, 3.0, snap.Available)
	assert.True(t, snap.HasHeadroom(1))
}

func TestCheckAvailability_ErrorIsUnknown(t *testing.T) {
	probe := NewProbe(backendFunc(func(ctx context.Context, q Query) (Usage, error) {
		return Usage{}, errors.New("403 permission denied")
	}), time.Second)

	snap := probe.CheckAvailability(context.Background(), t4Query())

	assert.False(t, snap.Known)
	assert.Contains(t, snap.Err, "permission denied")
	assert.False(t, snap.HasHeadroom(1))
}

func TestCheckAvailability_ImplausibleValuesAreUnknown(t *testing.T) {
	for name, usage := range map[string]Usage{
		"negative limit": {Limit: -1, Used: 0},
		"nan used":       {Limit: 4, Used: math.NaN()},
		"inf limit":      {Limit: math.Inf(1), Used: 0},
	} {
		t.Run(name, func(t *testing.T) {
			u := usage
			probe := NewProbe(backendFunc(func(ctx context.Context, q Query) (Usage, error) {
				return u, nil
			}), time.Second)
			snap := probe.CheckAvailability(context.Background(), t4Query())
			assert.False(t, snap.Known)
		})
	}
}

func TestCheckAvailability_TimeoutIsUnknown(t *testing.T) {
	probe := NewProbe(backendFunc(func(ctx context.Context, q Query) (Usage, error) {
		<-ctx.Done()
		return Usage{}, ctx.Err()
	}), 10*time.Millisecond)

	snap := probe.CheckAvailability(context.Background(), t4Query())

	assert.False(t, snap.Known)
	assert.False(t, snap.HasHeadroom(1))
}

func TestCheckAvailability_NoBackend(t *testing.T) {
	snap := NewProbe(nil, time.Second).CheckAvailability(context.Background(), t4Query())
	assert.False(t, snap.Known)
}

func TestRouter_DispatchesByProvider(t *testing.T) {
	router := NewRouter().
		Register(models.ProviderVertex, backendFunc(func(ctx context.Context, q Query) (Usage, error) {
			return Usage{Limit: 1, Used: 0}, nil
		}))

	usage, err := router.GetQuota(context.Background(), t4Query())
	require.NoError(t, err)
	assert.Equal(t, 1.0, usage.Limit)

	_, err = router.GetQuota(context.Background(), Query{Provider: models.ProviderEC2, AcceleratorType: models.AcceleratorT4})
	assert.True(t, errors.Is(err, models.ErrQuotaUnknown))
}
