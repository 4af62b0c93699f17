package phasync

import (
	"context"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlag_WaitersResumeInFIFOOrder(t *testing.T) {
	_, err := Run(context.Background(), func(ctx context.Context) (any, error) {
		var order []int
		const flag = "fifo-flag"

		for i := 0; i < 3; i++ {
			idx := i
			_, err := Spawn(ctx, func(ctx context.Context) (any, error) {
				if err := AwaitFlag(ctx, flag); err != nil {
					return nil, err
				}
				order = append(order, idx)
				return nil, nil
			})
			require.NoError(t, err)
		}

		n, err := RaiseFlag(ctx, flag)
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		// Let every resumed waiter run to completion before inspecting order.
		for i := 0; i < 3; i++ {
			require.NoError(t, Yield(ctx))
		}
		assert.Equal(t, []int{0, 1, 2}, order)
		return nil, nil
	})
	require.NoError(t, err)
}

func TestFlag_RaiseWithNoWaitersIsNoop(t *testing.T) {
	_, err := Run(context.Background(), func(ctx context.Context) (any, error) {
		n, err := RaiseFlag(ctx, "nobody-listening")
		require.NoError(t, err)
		assert.Equal(t, 0, n)
		return nil, nil
	})
	require.NoError(t, err)
}

// TestTrackFlag_SourceGoneWakesWaiter exercises the §4.4 scavenging path:
// a tracked object collected before it is ever raised wakes any task
// still parked on its handle with ErrFlagSourceGone instead of hanging.
func TestTrackFlag_SourceGoneWakesWaiter(t *testing.T) {
	_, err := Run(context.Background(), func(ctx context.Context) (any, error) {
		var handle *FlagHandle
		func() {
			tracked := new(int)
			h, err := TrackFlag(ctx, tracked)
			require.NoError(t, err)
			handle = h
			// tracked goes out of scope here with no other references.
		}()

		waiter, err := Spawn(ctx, func(ctx context.Context) (any, error) {
			return nil, AwaitFlag(ctx, handle)
		})
		require.NoError(t, err)

		runtime.GC()
		// Scavenging runs once per tick; a handful of ticks give it
		// room to notice the collection.
		for i := 0; i < 10; i++ {
			require.NoError(t, Yield(ctx))
		}

		_, err = Await(ctx, waiter)
		assert.ErrorIs(t, err, ErrFlagSourceGone)
		return nil, nil
	})
	require.NoError(t, err)
}

func TestTrackFlag_RaisedBeforeCollectionWakesNormally(t *testing.T) {
	_, err := Run(context.Background(), func(ctx context.Context) (any, error) {
		tracked := new(int)
		handle, err := TrackFlag(ctx, tracked)
		require.NoError(t, err)

		waiter, err := Spawn(ctx, func(ctx context.Context) (any, error) {
			return nil, AwaitFlag(ctx, handle)
		})
		require.NoError(t, err)

		_, err = RaiseFlag(ctx, handle)
		require.NoError(t, err)

		_, err = Await(ctx, waiter)
		require.NoError(t, err)
		runtime.KeepAlive(tracked)
		return nil, nil
	})
	require.NoError(t, err)
}
