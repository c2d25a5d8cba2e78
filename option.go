package socket

import (
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/Zereker/socket/v2/buffer"
)

// ErrorAction defines the action to take when a dispatch error occurs.
type ErrorAction int

const (
	// Disconnect closes the session when an error occurs.
	Disconnect ErrorAction = iota
	// Continue suppresses the error and keeps receiving.
	Continue
)

// String returns the action name.
func (a ErrorAction) String() string {
	switch a {
	case Disconnect:
		return "disconnect"
	case Continue:
		return "continue"
	default:
		return "unknown"
	}
}

// Default session configuration values.
const (
	// defaultReceiveBufferSize is the size of each pooled receive buffer.
	defaultReceiveBufferSize = 4096
	// defaultHeartbeat drives the read/write deadlines (heartbeat * 2).
	defaultHeartbeat = 30 * time.Second
)

// options holds the configuration for a session.
type options struct {
	logger  Logger
	pool    *buffer.Pool
	metrics *Metrics
	tracer  trace.Tracer

	// onError decides what a dispatch error does to the session.
	// Transport and protocol errors always disconnect.
	onError func(error) ErrorAction

	receiveBufferSize int
	heartbeat         time.Duration
	tracerProvider    trace.TracerProvider
}

// Option is a function that configures session options.
type Option func(*options)

// checkOptions fills in default values.
func checkOptions(opts *options) {
	if opts.receiveBufferSize <= 0 {
		opts.receiveBufferSize = defaultReceiveBufferSize
	}

	if opts.heartbeat == 0 {
		opts.heartbeat = defaultHeartbeat
	}

	if opts.onError == nil {
		opts.onError = func(error) ErrorAction { return Disconnect }
	}

	if opts.logger == nil {
		opts.logger = defaultLogger()
	}

	if opts.pool == nil {
		opts.pool = buffer.NewPool()
	}

	if opts.tracerProvider == nil {
		opts.tracerProvider = otel.GetTracerProvider()
	}
	opts.tracer = opts.tracerProvider.Tracer(tracerName)
}

// ReceiveBufferSizeOption sets the size of each receive buffer rented
// from the pool. One socket read fills at most one buffer.
func ReceiveBufferSizeOption(size int) Option {
	return func(o *options) {
		o.receiveBufferSize = size
	}
}

// HeartbeatOption sets the heartbeat interval. Reads and writes fail when
// the peer is silent for heartbeat * 2. A negative value disables deadlines.
func HeartbeatOption(heartbeat time.Duration) Option {
	return func(o *options) {
		o.heartbeat = heartbeat
	}
}

// OnErrorOption sets the dispatch error callback.
// Return Disconnect to close the session, or Continue to drop the message
// and keep receiving.
func OnErrorOption(cb func(error) ErrorAction) Option {
	return func(o *options) {
		o.onError = cb
	}
}

// LoggerOption sets the logger.
// If not set, the default slog logger will be used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// PoolOption sets the buffer pool shared by receive buffers.
// Sessions of one server normally share a single pool.
func PoolOption(pool *buffer.Pool) Option {
	return func(o *options) {
		o.pool = pool
	}
}

// MetricsOption sets the metrics collector.
func MetricsOption(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// TracerProviderOption sets the OpenTelemetry tracer provider used for
// dispatch spans. Defaults to the global provider.
func TracerProviderOption(tp trace.TracerProvider) Option {
	return func(o *options) {
		o.tracerProvider = tp
	}
}
