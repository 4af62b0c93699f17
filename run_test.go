package phasync

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRun_NestedRunReturnsInnerResult exercises reentrant Run (§6): a
// call to Run from inside an already-running task does not install a
// second driver, it spawns a child in a fresh context and waits for it
// via Yield.
func TestRun_NestedRunReturnsInnerResult(t *testing.T) {
	result, err := Run(context.Background(), func(ctx context.Context) (any, error) {
		inner, err := Run(ctx, func(ctx context.Context) (any, error) {
			v, err := Spawn(ctx, func(ctx context.Context) (any, error) {
				return "nested-child", nil
			})
			if err != nil {
				return nil, err
			}
			return Await(ctx, v)
		})
		return inner, err
	})
	require.NoError(t, err)
	assert.Equal(t, "nested-child", result)
}

// TestRun_NestedRunPropagatesChildError confirms a nested run's own task
// error surfaces to the caller rather than escalating past it.
func TestRun_NestedRunPropagatesChildError(t *testing.T) {
	boom := errors.New("nested boom")
	_, err := Run(context.Background(), func(ctx context.Context) (any, error) {
		return Run(ctx, func(ctx context.Context) (any, error) {
			return nil, boom
		})
	})
	assert.ErrorIs(t, err, boom)
}

// TestRun_NestedRunWaitsForUnclaimedChildErrors proves a nested Run only
// returns once its own context has fully drained, including unclaimed
// errors from fire-and-forget children spawned inside it.
func TestRun_NestedRunWaitsForUnclaimedChildErrors(t *testing.T) {
	boom := errors.New("unclaimed")
	_, err := Run(context.Background(), func(ctx context.Context) (any, error) {
		return Run(ctx, func(ctx context.Context) (any, error) {
			_, err := Spawn(ctx, func(ctx context.Context) (any, error) {
				return nil, boom
			})
			if err != nil {
				return nil, err
			}
			return "root", nil
		})
	})
	assert.ErrorIs(t, err, boom)
}
