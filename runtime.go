package agents

import (
	"context"
	"log/slog"
	"sync"
)

// nopLogger discards all output. Used wherever no logger is configured.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Runtime owns the registries shared by concurrent runs: the approval
// broker, the tracer, the logger, and run-default configuration. A
// process-wide default exists for convenience; construct a private Runtime
// per test (or per tenant) for isolation.
type Runtime struct {
	broker *ApprovalBroker
	tracer Tracer
	logger *slog.Logger
	config *Config
}

// RuntimeOption configures a Runtime.
type RuntimeOption func(*Runtime)

// RuntimeBroker sets the approval broker.
func RuntimeBroker(b *ApprovalBroker) RuntimeOption {
	return func(rt *Runtime) { rt.broker = b }
}

// RuntimeTracer sets the tracer used by runs on this runtime.
func RuntimeTracer(t Tracer) RuntimeOption {
	return func(rt *Runtime) { rt.tracer = t }
}

// RuntimeLogger sets the structured logger used by runs on this runtime.
func RuntimeLogger(l *slog.Logger) RuntimeOption {
	return func(rt *Runtime) { rt.logger = l }
}

// RuntimeConfig sets run-default configuration.
func RuntimeConfig(c *Config) RuntimeOption {
	return func(rt *Runtime) { rt.config = c }
}

// NewRuntime creates a Runtime. Omitted options get working defaults: a
// fresh broker, no tracer, a discard logger, and DefaultConfig.
func NewRuntime(opts ...RuntimeOption) *Runtime {
	rt := &Runtime{}
	for _, opt := range opts {
		opt(rt)
	}
	if rt.config == nil {
		rt.config = DefaultConfig()
	}
	if rt.broker == nil {
		rt.broker = NewApprovalBroker(
			WithApprovalTimeout(rt.config.ApprovalTimeout),
			WithReapAge(rt.config.ApprovalReapAge),
		)
	}
	if rt.logger == nil {
		rt.logger = nopLogger
	}
	return rt
}

// Broker returns the runtime's approval broker.
func (rt *Runtime) Broker() *ApprovalBroker { return rt.broker }

var (
	defaultRuntimeOnce sync.Once
	defaultRuntime     *Runtime
)

// DefaultRuntime returns the process-wide runtime, creating it on first use.
func DefaultRuntime() *Runtime {
	defaultRuntimeOnce.Do(func() {
		defaultRuntime = NewRuntime()
	})
	return defaultRuntime
}
