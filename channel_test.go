package phasync

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannel_UnbufferedHandoff(t *testing.T) {
	result, err := Run(context.Background(), func(ctx context.Context) (any, error) {
		ch, err := NewChannel(ctx, 0)
		require.NoError(t, err)

		reader, err := Spawn(ctx, func(ctx context.Context) (any, error) {
			v, ok, err := ch.Read(ctx)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, nil
			}
			return v, nil
		})
		require.NoError(t, err)

		require.NoError(t, ch.Write(ctx, 42))
		return Await(ctx, reader)
	})
	require.NoError(t, err)
	assert.Equal(t, 42, result)
}

func TestChannel_BufferedBackpressure(t *testing.T) {
	_, err := Run(context.Background(), func(ctx context.Context) (any, error) {
		ch, err := NewChannel(ctx, 1)
		require.NoError(t, err)

		require.NoError(t, ch.Write(ctx, "a"))

		writerBlocked := make(chan struct{})
		writer, err := Spawn(ctx, func(ctx context.Context) (any, error) {
			close(writerBlocked)
			return nil, ch.Write(ctx, "b")
		})
		require.NoError(t, err)

		v, ok, err := ch.Read(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "a", v)

		_, err = Await(ctx, writer)
		require.NoError(t, err)

		v, ok, err = ch.Read(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "b", v)
		return nil, nil
	})
	require.NoError(t, err)
}

func TestChannel_CloseWakesReadersAndRejectsWrites(t *testing.T) {
	_, err := Run(context.Background(), func(ctx context.Context) (any, error) {
		ch, err := NewChannel(ctx, 0)
		require.NoError(t, err)

		reader, err := Spawn(ctx, func(ctx context.Context) (any, error) {
			_, ok, err := ch.Read(ctx)
			return ok, err
		})
		require.NoError(t, err)

		ch.Close()
		ch.Close() // idempotent

		ok, err := Await(ctx, reader)
		require.NoError(t, err)
		assert.Equal(t, false, ok)

		err = ch.Write(ctx, "x")
		assert.ErrorIs(t, err, ErrChannelClosed)
		return nil, nil
	})
	require.NoError(t, err)
}

// TestChannel_CreatorGuardClearedByNonBlockingNonCreatorOp proves a
// non-creator's non-blocking fast-path op (here, filling a buffered
// channel's one free slot) clears the creator guard just as reliably
// as a blocking op would, so the creator doesn't see a spurious
// deadlock error later when it blocks on its own channel with nobody
// else currently parked.
func TestChannel_CreatorGuardClearedByNonBlockingNonCreatorOp(t *testing.T) {
	result, err := Run(context.Background(), func(ctx context.Context) (any, error) {
		ch, err := NewChannel(ctx, 1)
		require.NoError(t, err)

		sibling, err := Spawn(ctx, func(ctx context.Context) (any, error) {
			return nil, ch.Write(ctx, "x")
		})
		require.NoError(t, err)
		_, err = Await(ctx, sibling)
		require.NoError(t, err)

		finalReader, err := Spawn(ctx, func(ctx context.Context) (any, error) {
			if err := Yield(ctx); err != nil {
				return nil, err
			}
			first, _, err := ch.Read(ctx)
			if err != nil {
				return nil, err
			}
			second, _, err := ch.Read(ctx)
			if err != nil {
				return nil, err
			}
			return []any{first, second}, nil
		})
		require.NoError(t, err)

		// The buffer is still full ("x", written non-blockingly by
		// sibling above) and blockedCount is back to 0, so this write
		// would trip the creator-guard's deadlock check if sibling's
		// earlier fast-path write hadn't already cleared it.
		require.NoError(t, ch.Write(ctx, "y"))

		return Await(ctx, finalReader)
	})
	require.NoError(t, err)
	assert.Equal(t, []any{"x", "y"}, result)
}

func TestChannel_CreatorGuardRejectsSelfDeadlock(t *testing.T) {
	_, err := Run(context.Background(), func(ctx context.Context) (any, error) {
		ch, err := NewChannel(ctx, 0)
		require.NoError(t, err)
		_, _, rerr := ch.Read(ctx)
		var usage *UsageError
		assert.ErrorAs(t, rerr, &usage)
		return nil, nil
	})
	require.NoError(t, err)
}
