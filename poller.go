package phasync

// newPlatformPoller is implemented per-OS in poller_linux.go,
// poller_darwin.go and poller_other.go.
