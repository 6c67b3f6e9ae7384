package tools

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/chriscow/fieldvoice/pkg/realtime"
)

// DefaultTimeout bounds a single handler execution.
const DefaultTimeout = 30 * time.Second

const tracerName = "github.com/chriscow/fieldvoice/pkg/tools"

var (
	// ErrHandlerPanic is wrapped into the result when a handler panics.
	ErrHandlerPanic = errors.New("handler panicked")

	// ErrHandlerTimeout is wrapped into the result when a handler overruns the
	// dispatcher timeout.
	ErrHandlerTimeout = errors.New("handler timed out")
)

// UnknownFunctionError reports a call to a tool that is not registered.
type UnknownFunctionError struct {
	Name string
}

func (e *UnknownFunctionError) Error() string {
	return fmt.Sprintf("unknown function %q", e.Name)
}

// Result is the outcome of one function call. Output is always a JSON
// document; on failure it is the error payload and Err holds the cause.
type Result struct {
	CallID   string
	Name     string
	Output   string
	Err      error
	Duration time.Duration
}

// Message returns the control message that delivers the result.
func (r Result) Message() realtime.ConversationItemCreate {
	return realtime.NewFunctionCallOutput(r.CallID, r.Output)
}

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	Registry *Registry
	Timeout  time.Duration
	Tracer   trace.Tracer
	Logger   *slog.Logger
}

// DispatcherMetrics counts tool executions by name and outcome.
type DispatcherMetrics struct {
	Calls  *expvar.Map
	Errors *expvar.Map
}

// Dispatcher maps completed calls to registered handlers. Handler failures
// never escape: they become error payloads the model can react to.
type Dispatcher struct {
	registry *Registry
	timeout  time.Duration
	tracer   trace.Tracer
	logger   *slog.Logger
	metrics  *DispatcherMetrics
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("tool registry is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer(tracerName)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Dispatcher{
		registry: cfg.Registry,
		timeout:  cfg.Timeout,
		tracer:   cfg.Tracer,
		logger:   cfg.Logger,
		metrics:  newDispatcherMetrics(),
	}, nil
}

// Metrics returns the dispatcher's counters.
func (d *Dispatcher) Metrics() *DispatcherMetrics {
	return d.metrics
}

// Dispatch runs the handler for call and returns its result.
func (d *Dispatcher) Dispatch(ctx context.Context, call realtime.PendingFunctionCall) Result {
	start := time.Now()
	d.metrics.Calls.Add(call.Name, 1)

	ctx, span := d.tracer.Start(ctx, "tools.execute", trace.WithAttributes(
		attribute.String("tool.name", call.Name),
		attribute.String("tool.call_id", call.CallID),
	))
	defer span.End()

	tool, ok := d.registry.Lookup(call.Name)
	if !ok {
		res := d.failure(call, &UnknownFunctionError{Name: call.Name})
		res.Duration = time.Since(start)
		recordSpanError(span, res.Err)
		return res
	}

	value, err := d.run(ctx, tool.Handler, call.Arguments)
	if err != nil {
		res := d.failure(call, err)
		res.Duration = time.Since(start)
		recordSpanError(span, err)
		return res
	}

	output, err := json.Marshal(value)
	if err != nil {
		res := d.failure(call, fmt.Errorf("failed to encode result: %w", err))
		res.Duration = time.Since(start)
		recordSpanError(span, res.Err)
		return res
	}

	d.logger.Info("Function executed",
		slog.String("name", call.Name),
		slog.String("call_id", call.CallID),
		slog.Duration("elapsed", time.Since(start)))

	return Result{CallID: call.CallID, Name: call.Name, Output: string(output), Duration: time.Since(start)}
}

// Reject returns the error result for a call that could not be dispatched,
// such as one with malformed arguments.
func (d *Dispatcher) Reject(call realtime.PendingFunctionCall, err error) Result {
	d.metrics.Calls.Add(call.Name, 1)
	return d.failure(call, err)
}

// run executes h with the dispatcher timeout, converting panics into errors.
// A handler that ignores its context is abandoned at the deadline.
func (d *Dispatcher) run(ctx context.Context, h Handler, args json.RawMessage) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("%w: %v", ErrHandlerPanic, r)}
			}
		}()
		v, err := h(ctx, args)
		done <- outcome{value: v, err: err}
	}()

	select {
	case o := <-done:
		return o.value, o.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", ErrHandlerTimeout, d.timeout)
		}
		return nil, ctx.Err()
	}
}

func (d *Dispatcher) failure(call realtime.PendingFunctionCall, err error) Result {
	d.metrics.Errors.Add(call.Name, 1)
	d.logger.Warn("Function failed",
		slog.String("name", call.Name),
		slog.String("call_id", call.CallID),
		slog.String("error", err.Error()))

	return Result{
		CallID: call.CallID,
		Name:   call.Name,
		Output: ErrorPayload(call.Name, err),
		Err:    err,
	}
}

// ErrorPayload renders the JSON error object returned to the model.
func ErrorPayload(name string, err error) string {
	payload, _ := json.Marshal(map[string]string{
		"error": fmt.Sprintf("Error executing %s: %s", name, err.Error()),
	})
	return string(payload)
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func newDispatcherMetrics() *DispatcherMetrics {
	// unpublished so several dispatchers can coexist; the CLI publishes one
	calls := &expvar.Map{}
	calls.Init()
	errs := &expvar.Map{}
	errs.Init()
	return &DispatcherMetrics{Calls: calls, Errors: errs}
}
