//go:build linux || darwin

package phasync

import (
	"context"

	"golang.org/x/sys/unix"
)

// AsyncHandle is the non-blocking façade §4.5 calls wrap(handle): an
// ordinary read/write API interspersed with Readable/Writable waits,
// grounded on the teacher's fd_unix.go raw syscall wrappers.
type AsyncHandle struct {
	fd int
}

// Wrap puts handle into non-blocking mode and returns a façade over it.
func Wrap(handle int) (*AsyncHandle, error) {
	if err := unix.SetNonblock(handle, true); err != nil {
		return nil, err
	}
	return &AsyncHandle{fd: handle}, nil
}

// FD returns the wrapped file descriptor.
func (h *AsyncHandle) FD() int { return h.fd }

// Read reads into buf, waiting on read-readiness whenever the underlying
// descriptor would otherwise block.
func (h *AsyncHandle) Read(ctx context.Context, buf []byte) (int, error) {
	for {
		n, err := unix.Read(h.fd, buf)
		if err == nil {
			return n, nil
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			if _, werr := Readable(ctx, h.fd); werr != nil {
				return 0, werr
			}
			continue
		}
		return n, err
	}
}

// Write writes buf, waiting on write-readiness whenever the underlying
// descriptor would otherwise block.
func (h *AsyncHandle) Write(ctx context.Context, buf []byte) (int, error) {
	for {
		n, err := unix.Write(h.fd, buf)
		if err == nil {
			return n, nil
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			if _, werr := Writable(ctx, h.fd); werr != nil {
				return n, werr
			}
			continue
		}
		return n, err
	}
}

// Close closes the wrapped descriptor.
func (h *AsyncHandle) Close() error {
	return unix.Close(h.fd)
}
