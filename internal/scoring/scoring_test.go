package scoring

import (
	"context"
	"testing"
	"time"

	"github.com/subnetlabs/subnet-validator/internal/ids"
	"github.com/subnetlabs/subnet-validator/internal/testing/require"
)

func TestRegistry_RegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	cap := Capability{
		Grade: func(ctx context.Context, task TaskPayload, resp Response) (float64, error) {
			return 0.8, nil
		},
	}
	r.Register(ids.SubnetID(1), cap)

	got, ok := r.Capability(ids.SubnetID(1))
	require.True(t, ok)
	score, err := got.Grade(context.Background(), TaskPayload{}, Response{})
	require.NoError(t, err)
	require.Equal(t, 0.8, score)

	_, ok = r.Capability(ids.SubnetID(2))
	require.True(t, !ok)
}

func TestScore_ClampsToUnitInterval(t *testing.T) {
	cap := Capability{Grade: func(ctx context.Context, task TaskPayload, resp Response) (float64, error) {
		return 1.5, nil
	}}
	score, err := Score(context.Background(), cap, TaskPayload{}, Response{}, time.Second)
	require.NoError(t, err)
	require.Equal(t, 1.0, score)
}

func TestScore_InvalidResponseScoresZero(t *testing.T) {
	cap := Capability{Grade: func(ctx context.Context, task TaskPayload, resp Response) (float64, error) {
		return 0, ErrInvalidResponse
	}}
	score, err := Score(context.Background(), cap, TaskPayload{}, Response{}, time.Second)
	require.NoError(t, err)
	require.Equal(t, 0.0, score)
}

func TestScore_ExceedsBudgetScoresZero(t *testing.T) {
	cap := Capability{Grade: func(ctx context.Context, task TaskPayload, resp Response) (float64, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	}}
	score, err := Score(context.Background(), cap, TaskPayload{}, Response{}, 10*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, 0.0, score)
}
