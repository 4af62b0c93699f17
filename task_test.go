package phasync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpawnAwait_PropagatesResultAndError(t *testing.T) {
	result, err := Run(context.Background(), func(ctx context.Context) (any, error) {
		ok, err := Spawn(ctx, func(ctx context.Context) (any, error) {
			return "hello", nil
		})
		require.NoError(t, err)
		v, err := Await(ctx, ok)
		require.NoError(t, err)
		assert.Equal(t, "hello", v)

		failing := errors.New("boom")
		bad, err := Spawn(ctx, func(ctx context.Context) (any, error) {
			return nil, failing
		})
		require.NoError(t, err)
		_, err = Await(ctx, bad)
		assert.ErrorIs(t, err, failing)
		return v, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", result)
}

func TestAwait_CyclicAwaitDetected(t *testing.T) {
	_, err := Run(context.Background(), func(ctx context.Context) (any, error) {
		signal, err := NewChannel(ctx, 0)
		require.NoError(t, err)

		var a *Task
		b, err := Spawn(ctx, func(ctx context.Context) (any, error) {
			_, _, err := signal.Read(ctx)
			if err != nil {
				return nil, err
			}
			_, err = Await(ctx, a)
			return nil, err
		})
		require.NoError(t, err)

		a, err = Spawn(ctx, func(ctx context.Context) (any, error) {
			return Await(ctx, b)
		})
		require.NoError(t, err)

		require.NoError(t, signal.Write(ctx, struct{}{}))

		_, err = Await(ctx, b)
		assert.ErrorIs(t, err, ErrCyclicAwait)

		// a's own Await(ctx, b) call resolves the same way once b
		// terminates; claim it here so its error doesn't escalate past
		// this Context and fail the outer Run.
		_, aerr := Await(ctx, a)
		assert.ErrorIs(t, aerr, ErrCyclicAwait)
		return nil, nil
	})
	require.NoError(t, err)
}

func TestCancel_RequiresSuspendedTask(t *testing.T) {
	_, err := Run(context.Background(), func(ctx context.Context) (any, error) {
		done := false
		target, err := Spawn(ctx, func(ctx context.Context) (any, error) {
			if err := Sleep(ctx, time.Hour); err != nil {
				return nil, err
			}
			done = true
			return nil, nil
		})
		require.NoError(t, err)

		require.NoError(t, Cancel(target, nil))
		_, err = Await(ctx, target)
		assert.ErrorIs(t, err, ErrCancelled)
		assert.False(t, done)

		assert.ErrorIs(t, Cancel(target, nil), ErrNotBlocked)
		return nil, nil
	})
	require.NoError(t, err)
}

func TestChannelRead_TimeoutOnSuspensionPoint(t *testing.T) {
	_, err := Run(context.Background(), func(ctx context.Context) (any, error) {
		ch, err := NewChannel(ctx, 0)
		require.NoError(t, err)

		_, err = Spawn(ctx, func(ctx context.Context) (any, error) {
			return nil, Sleep(ctx, 200*time.Millisecond)
		})
		require.NoError(t, err)

		deadline, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
		defer cancel()
		_, _, rerr := ch.Read(deadline)
		var timeoutErr *TimeoutError
		assert.ErrorAs(t, rerr, &timeoutErr)
		return nil, nil
	}, WithMaxSleep(5*time.Millisecond))
	require.NoError(t, err)
}

func TestFinally_RunsInReverseOrder(t *testing.T) {
	_, err := Run(context.Background(), func(ctx context.Context) (any, error) {
		var order []int
		task, err := Spawn(ctx, func(ctx context.Context) (any, error) {
			require.NoError(t, Finally(ctx, func() { order = append(order, 1) }))
			require.NoError(t, Finally(ctx, func() { order = append(order, 2) }))
			return nil, nil
		})
		require.NoError(t, err)
		_, err = Await(ctx, task)
		require.NoError(t, err)
		// Deferred closures run as microtasks; yield so a tick drains them.
		require.NoError(t, Yield(ctx))
		assert.Equal(t, []int{2, 1}, order)
		return nil, nil
	})
	require.NoError(t, err)
}
