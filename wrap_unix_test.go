//go:build linux || darwin

package phasync

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestWrap_WriteThenReadRoundTrips exercises the AsyncHandle façade over
// a real pipe: Wrap puts both descriptors into non-blocking mode and the
// bytes written through Write round-trip through Read on the other end.
func TestWrap_WriteThenReadRoundTrips(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	writeHandle, err := Wrap(int(w.Fd()))
	require.NoError(t, err)

	readHandle, err := Wrap(int(r.Fd()))
	require.NoError(t, err)

	result, err := Run(context.Background(), func(ctx context.Context) (any, error) {
		n, err := writeHandle.Write(ctx, []byte("hello"))
		if err != nil {
			return nil, err
		}
		if n != 5 {
			t.Fatalf("short write: %d", n)
		}
		buf := make([]byte, 5)
		n, err = readHandle.Read(ctx, buf)
		if err != nil {
			return nil, err
		}
		return string(buf[:n]), nil
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", result)
}
