package phasync

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestIdle_ResumesWhenLoopWouldOtherwiseSleep exercises §4.3 idle: a
// task parked in Idle is woken once the driver's sleep-budget
// computation discovers nothing else would make progress this tick.
func TestIdle_ResumesWhenLoopWouldOtherwiseSleep(t *testing.T) {
	_, err := Run(context.Background(), func(ctx context.Context) (any, error) {
		waiter, err := Spawn(ctx, func(ctx context.Context) (any, error) {
			return nil, Idle(ctx)
		})
		require.NoError(t, err)
		_, err = Await(ctx, waiter)
		return nil, err
	})
	require.NoError(t, err)
}

// TestPreempt_SuspendsWhenIntervalElapsedThenNoopsWithinInterval
// exercises §4.3 preempt's two branches: the first call (interval
// elapsed since the task's zero-value lastPreempt) suspends and
// resumes on a later tick, while a second call made immediately after
// is a cheap no-op that never advances the tick counter.
func TestPreempt_SuspendsWhenIntervalElapsedThenNoopsWithinInterval(t *testing.T) {
	_, err := Run(context.Background(), func(ctx context.Context) (any, error) {
		d, err := DriverFromContext(ctx)
		require.NoError(t, err)

		before := d.Metrics().Tick
		require.NoError(t, Preempt(ctx))
		afterFirst := d.Metrics().Tick
		assert.Greater(t, afterFirst, before, "first Preempt call should suspend and resume on a later tick")

		require.NoError(t, Preempt(ctx))
		afterSecond := d.Metrics().Tick
		assert.Equal(t, afterFirst, afterSecond, "second Preempt call within the interval should be a no-op")
		return nil, nil
	}, WithPreemptInterval(time.Hour))
	require.NoError(t, err)
}

// TestService_DetachedFromCallerContextAndErrorsDontEscalate exercises
// §6 service: a service task's context is its own, never awaited by
// Run, so an unclaimed error from it never escalates to the caller.
func TestService_DetachedFromCallerContextAndErrorsDontEscalate(t *testing.T) {
	boom := errors.New("service boom")
	result, err := Run(context.Background(), func(ctx context.Context) (any, error) {
		svc, err := Service(ctx, func(ctx context.Context) (any, error) {
			return nil, boom
		})
		require.NoError(t, err)
		require.NoError(t, Yield(ctx))
		assert.True(t, svc.Terminated())
		return "root-done", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "root-done", result)
}

// TestWritable_ResumesWhenPipeIsWriteReady exercises Writable: the
// write end of a pipe is writable immediately, so Stream's readiness
// wait resolves on the next poll with the write mask set.
func TestWritable_ResumesWhenPipeIsWriteReady(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()
	fd := int(w.Fd())

	result, err := Run(context.Background(), func(ctx context.Context) (any, error) {
		return Writable(ctx, fd)
	})
	require.NoError(t, err)
	assert.Equal(t, IOWrite, result.(IOMask))
}
