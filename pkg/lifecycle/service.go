package lifecycle

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	cgerr "github.com/choregarden/choregarden-core/pkg/errors"
)

const tracerName = "github.com/choregarden/choregarden-core/pkg/lifecycle"

// StateChangeHandler is called synchronously, under the state lock, on
// every transition. It must not call lifecycle methods on the same
// service. A panicking handler is recovered and logged.
type StateChangeHandler func(old, new State)

// Hook runs during a transition. A failing hook moves the service to
// [StateFailed]. Hooks run outside the state lock.
type Hook func(ctx context.Context) error

// Info is a point-in-time snapshot of a service.
type Info struct {
	Name      string        `json:"name"`
	Version   string        `json:"version"`
	State     State         `json:"state"`
	StartedAt *time.Time    `json:"started_at,omitempty"`
	Uptime    time.Duration `json:"uptime,omitempty"`
}

// Service is the lifecycle state machine of one process-level component,
// normally the HTTP server and the pools behind it. Create one with
// [NewServiceBuilder].
type Service struct {
	name    string
	version string

	mu        sync.RWMutex
	state     State
	startedAt *time.Time

	tracer trace.Tracer
	logger *slog.Logger

	onStart       Hook
	onStop        Hook
	readiness     Hook
	stateHandlers []StateChangeHandler
}

// Name returns the service name.
func (s *Service) Name() string { return s.name }

// Version returns the service version.
func (s *Service) Version() string { return s.version }

// State returns the current state.
func (s *Service) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Info returns a snapshot of the service.
func (s *Service) Info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info := Info{Name: s.name, Version: s.version, State: s.state}
	if s.startedAt != nil && s.state == StateRunning {
		t := *s.startedAt
		info.StartedAt = &t
		info.Uptime = time.Since(t)
	}
	return info
}

// Health returns nil when the service is running and its readiness check,
// if any, passes. Otherwise it returns [cgerr.CodeUnavailable], or the
// readiness error.
func (s *Service) Health(ctx context.Context) error {
	if state := s.State(); state != StateRunning {
		return cgerr.Newf(cgerr.CodeUnavailable,
			"lifecycle: service is not running, current state is %q", state)
	}
	if s.readiness != nil {
		return s.readiness(ctx)
	}
	return nil
}

// SetState validates and applies a transition, then notifies the state
// handlers. An invalid transition returns [cgerr.CodeConflict].
func (s *Service) SetState(new State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.state
	if !ValidTransition(old, new) {
		return cgerr.Newf(cgerr.CodeConflict,
			"lifecycle: invalid state transition from %q to %q", old, new)
	}
	s.state = new

	for _, h := range s.stateHandlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("lifecycle: state change handler panicked",
						"panic", r, "service", s.name,
						"old_state", string(old), "new_state", string(new))
				}
			}()
			h(old, new)
		}()
	}
	return nil
}

// Start moves the service through [StateStarting] to [StateRunning],
// running the start hook in between. A canceled ctx returns
// [cgerr.CodeTimeout] without changing state; a failed hook returns
// [cgerr.CodeInternal] and leaves the service in [StateFailed].
func (s *Service) Start(ctx context.Context) error {
	ctx, span := s.startSpan(ctx, "lifecycle.Start")
	defer span.End()

	if err := ctx.Err(); err != nil {
		wrapped := cgerr.Wrap(err, cgerr.CodeTimeout, "lifecycle: start canceled before execution")
		finishSpan(span, wrapped)
		return wrapped
	}
	if err := s.SetState(StateStarting); err != nil {
		finishSpan(span, err)
		return err
	}

	s.logger.InfoContext(ctx, "lifecycle: starting service",
		"service", s.name, "version", s.version)

	if s.onStart != nil {
		if err := s.onStart(ctx); err != nil {
			s.logger.ErrorContext(ctx, "lifecycle: start hook failed",
				"service", s.name, "error", err)
			_ = s.SetState(StateFailed)
			wrapped := cgerr.Wrap(err, cgerr.CodeInternal, "lifecycle: start hook failed")
			finishSpan(span, wrapped)
			return wrapped
		}
	}

	if err := s.SetState(StateRunning); err != nil {
		finishSpan(span, err)
		return err
	}
	now := time.Now().UTC()
	s.mu.Lock()
	s.startedAt = &now
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "lifecycle: service started", "service", s.name)
	span.SetStatus(codes.Ok, "")
	return nil
}

// Stop moves the service through [StateStopping] to [StateStopped],
// running the stop hook in between. Stopping a service in a terminal
// state is a no-op, so Stop is safe to defer.
func (s *Service) Stop(ctx context.Context) error {
	ctx, span := s.startSpan(ctx, "lifecycle.Stop")
	defer span.End()

	if s.State().IsTerminal() {
		span.SetStatus(codes.Ok, "")
		return nil
	}
	if err := s.SetState(StateStopping); err != nil {
		finishSpan(span, err)
		return err
	}

	s.logger.InfoContext(ctx, "lifecycle: stopping service", "service", s.name)

	if s.onStop != nil {
		if err := s.onStop(ctx); err != nil {
			s.logger.ErrorContext(ctx, "lifecycle: stop hook failed",
				"service", s.name, "error", err)
			_ = s.SetState(StateFailed)
			wrapped := cgerr.Wrap(err, cgerr.CodeInternal, "lifecycle: stop hook failed")
			finishSpan(span, wrapped)
			return wrapped
		}
	}

	if err := s.SetState(StateStopped); err != nil {
		finishSpan(span, err)
		return err
	}
	s.mu.Lock()
	s.startedAt = nil
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "lifecycle: service stopped", "service", s.name)
	span.SetStatus(codes.Ok, "")
	return nil
}

func (s *Service) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("service.name", s.name),
			attribute.String("service.version", s.version),
		),
	)
}

func finishSpan(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// =========================================================================
// ServiceBuilder
// =========================================================================

// ServiceBuilder constructs a [Service].
//
//	svc, err := lifecycle.NewServiceBuilder("choregarden", version).
//	    WithOnStart(func(ctx context.Context) error { return db.Health(ctx) }).
//	    WithOnStop(func(ctx context.Context) error { return srv.Shutdown(ctx) }).
//	    Build()
type ServiceBuilder struct {
	name          string
	version       string
	logger        *slog.Logger
	onStart       Hook
	onStop        Hook
	readiness     Hook
	stateHandlers []StateChangeHandler
}

// NewServiceBuilder starts a builder. name and version are required.
func NewServiceBuilder(name, version string) *ServiceBuilder {
	return &ServiceBuilder{name: name, version: version}
}

// WithLogger sets the logger. The default is [slog.Default].
func (b *ServiceBuilder) WithLogger(logger *slog.Logger) *ServiceBuilder {
	b.logger = logger
	return b
}

// WithOnStart sets the hook run between Starting and Running.
func (b *ServiceBuilder) WithOnStart(hook Hook) *ServiceBuilder {
	b.onStart = hook
	return b
}

// WithOnStop sets the hook run between Stopping and Stopped.
func (b *ServiceBuilder) WithOnStop(hook Hook) *ServiceBuilder {
	b.onStop = hook
	return b
}

// WithReadiness sets an extra check consulted by [Service.Health] while
// running, such as a database ping.
func (b *ServiceBuilder) WithReadiness(check Hook) *ServiceBuilder {
	b.readiness = check
	return b
}

// OnStateChange registers a handler called on every transition, in
// registration order.
func (b *ServiceBuilder) OnStateChange(handler StateChangeHandler) *ServiceBuilder {
	b.stateHandlers = append(b.stateHandlers, handler)
	return b
}

// Build returns the service in [StateUnknown]. An empty name or version
// returns [cgerr.CodeValidation].
func (b *ServiceBuilder) Build() (*Service, error) {
	if b.name == "" {
		return nil, cgerr.New(cgerr.CodeValidation, "lifecycle: service name must not be empty")
	}
	if b.version == "" {
		return nil, cgerr.New(cgerr.CodeValidation, "lifecycle: service version must not be empty")
	}

	logger := b.logger
	if logger == nil {
		logger = slog.Default()
	}
	handlers := make([]StateChangeHandler, len(b.stateHandlers))
	copy(handlers, b.stateHandlers)

	return &Service{
		name:          b.name,
		version:       b.version,
		state:         StateUnknown,
		tracer:        otel.Tracer(tracerName),
		logger:        logger,
		onStart:       b.onStart,
		onStop:        b.onStop,
		readiness:     b.readiness,
		stateHandlers: handlers,
	}, nil
}
