//go:build !linux && !darwin

package phasync

import "context"

// AsyncHandle is unimplemented on this platform: the stub poller in
// poller_other.go has no non-blocking readiness source to drive it (the
// teacher's own fd_windows.go equivalent is a build-tagged gap here too;
// see DESIGN.md).
type AsyncHandle struct{ fd int }

// Wrap always fails on this platform.
func Wrap(handle int) (*AsyncHandle, error) {
	return nil, usageErrorf("wrap: no non-blocking I/O support on this platform")
}

func (h *AsyncHandle) FD() int { return h.fd }

func (h *AsyncHandle) Read(ctx context.Context, buf []byte) (int, error) {
	return 0, usageErrorf("wrap: no non-blocking I/O support on this platform")
}

func (h *AsyncHandle) Write(ctx context.Context, buf []byte) (int, error) {
	return 0, usageErrorf("wrap: no non-blocking I/O support on this platform")
}

func (h *AsyncHandle) Close() error { return nil }
