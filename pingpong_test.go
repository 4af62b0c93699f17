package phasync

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestChannel_TenThousandRoundTrips is the full-scale version of §8's
// canonical ping-pong scenario: two tasks bounce a counter back and
// forth over a pair of unbuffered channels ten thousand times. The pong
// channel is created by the partner task (its own creator), not root,
// so root's later reads on it are never a creator-task's first touch of
// its own freshly made channel (§4.6 creator-task guard).
func TestChannel_TenThousandRoundTrips(t *testing.T) {
	const rounds = 10000

	result, err := Run(context.Background(), func(ctx context.Context) (any, error) {
		ping, err := NewChannel(ctx, 0)
		require.NoError(t, err)
		pongBox, err := NewChannel(ctx, 1)
		require.NoError(t, err)

		partner, err := Spawn(ctx, func(ctx context.Context) (any, error) {
			pong, err := NewChannel(ctx, 0)
			if err != nil {
				return nil, err
			}
			if err := pongBox.Write(ctx, pong); err != nil {
				return nil, err
			}
			for i := 0; i < rounds; i++ {
				v, _, err := ping.Read(ctx)
				if err != nil {
					return nil, err
				}
				if err := pong.Write(ctx, v); err != nil {
					return nil, err
				}
			}
			return nil, nil
		})
		require.NoError(t, err)

		pongAny, _, err := pongBox.Read(ctx)
		require.NoError(t, err)
		pong := pongAny.(*Channel)

		last := -1
		for i := 0; i < rounds; i++ {
			if err := ping.Write(ctx, i); err != nil {
				return nil, err
			}
			v, _, err := pong.Read(ctx)
			if err != nil {
				return nil, err
			}
			last = v.(int)
		}
		if _, err := Await(ctx, partner); err != nil {
			return nil, err
		}
		return last, nil
	})
	require.NoError(t, err)
	assert.Equal(t, rounds-1, result)
}
