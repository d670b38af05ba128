// Package interpreter submits finalized command text to the report
// interpreter and turns every outcome into a CommandResult.
package interpreter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrDispatchBusy reports a dispatch attempt while another is in flight.
	ErrDispatchBusy = errors.New("a command dispatch is already in flight")
	// ErrEmptyCommand reports a request whose text is blank after trimming.
	ErrEmptyCommand = errors.New("command text is empty")
)

const instrumentationName = "github.com/loqalabs/voicereport/interpreter"

// Dispatcher allows at most one in-flight request and never returns a
// transport error: failures come back as unsuccessful results.
type Dispatcher struct {
	client  Client
	timeout time.Duration
	busy    atomic.Bool
	logger  *slog.Logger

	tracer     trace.Tracer
	dispatches metric.Int64Counter
	latency    metric.Float64Histogram
}

func NewDispatcher(client Client, timeout time.Duration, logger *slog.Logger) *Dispatcher {
	d := &Dispatcher{
		client:  client,
		timeout: timeout,
		logger:  logger.With(slog.String("component", "dispatcher")),
		tracer:  otel.Tracer(instrumentationName),
	}
	if err := d.initMetrics(); err != nil {
		d.logger.Warn("failed to initialize metrics", slogError(err))
	}
	return d
}

func (d *Dispatcher) initMetrics() error {
	meter := otel.Meter(instrumentationName)
	counter, err := meter.Int64Counter("voicereport.dispatch.total", metric.WithDescription("Command dispatches by outcome"))
	if err != nil {
		return err
	}
	hist, err := meter.Float64Histogram("voicereport.dispatch.latency_ms", metric.WithDescription("Interpreter round-trip latency"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}
	d.dispatches = counter
	d.latency = hist
	return nil
}

// Busy reports whether a dispatch is currently in flight.
func (d *Dispatcher) Busy() bool {
	return d.busy.Load()
}

// Dispatch submits req and waits for the outcome. The only errors are
// ErrDispatchBusy and ErrEmptyCommand; everything else is folded into an
// unsuccessful result.
func (d *Dispatcher) Dispatch(ctx context.Context, req CommandRequest) (CommandResult, error) {
	req.RawText = strings.TrimSpace(req.RawText)
	if req.RawText == "" {
		return CommandResult{}, ErrEmptyCommand
	}
	if !d.busy.CompareAndSwap(false, true) {
		return CommandResult{}, ErrDispatchBusy
	}
	defer d.busy.Store(false)

	ctx, span := d.tracer.Start(ctx, "interpreter.dispatch", trace.WithAttributes(attribute.Int("command.length", len(req.RawText))))
	defer span.End()

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	start := time.Now()
	result, err := d.client.Interpret(ctx, req)
	elapsed := time.Since(start)

	outcome := "success"
	switch {
	case err != nil:
		outcome = "transport_error"
		message := fmt.Sprintf("Failed to process voice command: %v", err)
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			outcome = "timeout"
			message = fmt.Sprintf("Failed to process voice command: interpreter did not respond within %s", d.timeout)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		d.logger.Warn("command dispatch failed", slog.String("outcome", outcome), slogError(err))
		result = Failed(message)
	case !result.Success:
		outcome = "failure"
		if strings.TrimSpace(result.Message) == "" {
			result.Message = "Failed to process voice command"
		}
		d.logger.Info("interpreter rejected command", slog.String("message", result.Message))
	default:
		d.logger.Info("command dispatched",
			slog.Int("records", len(result.SalesRecords)),
			slog.Duration("latency", elapsed),
		)
	}

	span.SetAttributes(attribute.String("dispatch.outcome", outcome))
	if d.dispatches != nil {
		d.dispatches.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
	if d.latency != nil {
		d.latency.Record(ctx, float64(elapsed.Milliseconds()), metric.WithAttributes(attribute.String("outcome", outcome)))
	}
	return result, nil
}

// Ping checks interpreter health when the client supports it.
func (d *Dispatcher) Ping(ctx context.Context) error {
	pinger, ok := d.client.(Pinger)
	if !ok {
		return nil
	}
	return pinger.Ping(ctx)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
