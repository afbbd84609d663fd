package loom

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/loomworks/loom/pkg/deploy"
)

// Option configures Render.
type Option func(*options)

type options struct {
	logger     *slog.Logger
	user       string
	metrics    *deploy.Metrics
	tracer     trace.Tracer
	lockHolder string
	lockTTL    time.Duration
}

func applyOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithLogger replaces the runtime's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithUser stamps persisted state and audit entries with a user name.
func WithUser(user string) Option {
	return func(o *options) { o.user = user }
}

// WithMetrics wires scheduler metrics; build one per registry with
// deploy.NewMetrics.
func WithMetrics(m *deploy.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithTracer replaces the default OpenTelemetry tracer.
func WithTracer(t trace.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

// WithLock acquires the backend's advisory lock before running and releases
// it on dispose. Rendering fails when another holder owns the lock.
func WithLock(holder string, ttl time.Duration) Option {
	return func(o *options) {
		o.lockHolder = holder
		o.lockTTL = ttl
	}
}
