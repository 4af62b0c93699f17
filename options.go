package phasync

import "time"

// driverOptions holds resolved configuration for a Driver.
type driverOptions struct {
	defaultTimeout   time.Duration
	preemptInterval  time.Duration
	maxSleep         time.Duration
	snapshotCap      int
	logger           Logger
	onEnter          func()
	onExit           func()
	metricsRegisterer MetricsRegisterer
	gcHint           bool
}

// DriverOption configures a Driver created by Run.
type DriverOption interface {
	applyDriver(*driverOptions)
}

type driverOptionFunc func(*driverOptions)

func (f driverOptionFunc) applyDriver(o *driverOptions) { f(o) }

// WithDefaultTimeout sets the deadline used by blocking primitives that
// omit an explicit timeout. Default: 30s.
func WithDefaultTimeout(d time.Duration) DriverOption {
	return driverOptionFunc(func(o *driverOptions) { o.defaultTimeout = d })
}

// WithPreemptInterval sets the minimum gap between two Preempt() yields.
// Default: 50ms.
func WithPreemptInterval(d time.Duration) DriverOption {
	return driverOptionFunc(func(o *driverOptions) { o.preemptInterval = d })
}

// WithMaxSleep bounds how long a tick may block in the I/O multiplexer
// when no timer or ready task demands an earlier wakeup. Default: 1s.
func WithMaxSleep(d time.Duration) DriverOption {
	return driverOptionFunc(func(o *driverOptions) { o.maxSleep = d })
}

// WithLogger installs a structured Logger for driver diagnostics.
func WithLogger(logger Logger) DriverOption {
	return driverOptionFunc(func(o *driverOptions) { o.logger = logger })
}

// WithOnEnter installs a hook invoked once, synchronously, on the
// outermost Run's entry (e.g. to disable GC for latency).
func WithOnEnter(fn func()) DriverOption {
	return driverOptionFunc(func(o *driverOptions) { o.onEnter = fn })
}

// WithOnExit installs a hook invoked once on the outermost Run's exit.
func WithOnExit(fn func()) DriverOption {
	return driverOptionFunc(func(o *driverOptions) { o.onExit = fn })
}

// WithGCHint enables calling runtime.GC() at the end of any tick that
// terminated at least one task (§4.1 step 9). Off by default: it is far
// too aggressive to run unconditionally on hot paths like ping-pong.
func WithGCHint(enabled bool) DriverOption {
	return driverOptionFunc(func(o *driverOptions) { o.gcHint = enabled })
}

// WithMetrics installs a MetricsRegisterer (a prometheus.Registerer, e.g.
// prometheus.NewRegistry()) that the driver registers its tick and task
// collectors with. Metrics collection is a no-op unless this option is
// supplied.
func WithMetrics(reg MetricsRegisterer) DriverOption {
	return driverOptionFunc(func(o *driverOptions) { o.metricsRegisterer = reg })
}

func resolveDriverOptions(opts []DriverOption) *driverOptions {
	o := &driverOptions{
		defaultTimeout:  30 * time.Second,
		preemptInterval: 50 * time.Millisecond,
		maxSleep:        time.Second,
		snapshotCap:     4096,
		logger:          noopLogger{},
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt.applyDriver(o)
	}
	return o
}
