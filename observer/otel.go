package observer

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/raymondhq/raymond"
)

const scopeName = "github.com/raymondhq/raymond/observer"

// Instruments holds the OTEL instruments recorded by the telemetry observer.
type Instruments struct {
	Tracer trace.Tracer
	Meter  metric.Meter

	StepsTotal       metric.Int64Counter
	TransitionsTotal metric.Int64Counter
	ErrorsTotal      metric.Int64Counter
	AgentsSpawned    metric.Int64Counter
	CostTotal        metric.Float64Counter
	StepDuration     metric.Float64Histogram
}

// Init sets up OTEL trace, metric, and log providers with OTLP HTTP
// exporters. Configuration comes from standard OTEL env vars
// (OTEL_EXPORTER_OTLP_ENDPOINT, etc.). Returns a shutdown function that must
// be called on application exit.
func Init(ctx context.Context) (*Instruments, func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName("raymond")),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
	}

	traceExp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	metricExp, err := otlpmetrichttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	logExp, err := otlploghttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, nil, err
	}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)),
		sdklog.WithResource(res),
	)
	global.SetLoggerProvider(lp)

	ins := &Instruments{
		Tracer: tp.Tracer(scopeName),
		Meter:  mp.Meter(scopeName),
	}
	if err := ins.makeInstruments(); err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		_ = lp.Shutdown(ctx)
		return nil, nil, err
	}

	shutdown := func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx), lp.Shutdown(ctx))
	}
	return ins, shutdown, nil
}

func (ins *Instruments) makeInstruments() error {
	var err error
	if ins.StepsTotal, err = ins.Meter.Int64Counter("raymond.steps",
		metric.WithDescription("Completed workflow steps")); err != nil {
		return err
	}
	if ins.TransitionsTotal, err = ins.Meter.Int64Counter("raymond.transitions",
		metric.WithDescription("Committed transitions by type")); err != nil {
		return err
	}
	if ins.ErrorsTotal, err = ins.Meter.Int64Counter("raymond.errors",
		metric.WithDescription("Classified step failures by kind")); err != nil {
		return err
	}
	if ins.AgentsSpawned, err = ins.Meter.Int64Counter("raymond.agents.spawned",
		metric.WithDescription("Agents created by fork transitions")); err != nil {
		return err
	}
	if ins.CostTotal, err = ins.Meter.Float64Counter("raymond.cost.usd",
		metric.WithDescription("Coding-agent cost in USD")); err != nil {
		return err
	}
	if ins.StepDuration, err = ins.Meter.Float64Histogram("raymond.step.duration",
		metric.WithDescription("Step duration in seconds"),
		metric.WithUnit("s")); err != nil {
		return err
	}
	return nil
}

// Telemetry records bus events on OTEL instruments and keeps one span open
// per agent step.
type Telemetry struct {
	ins *Instruments

	mu    sync.Mutex
	spans map[string]trace.Span // agent id -> open step span
	subs  []*raymond.Subscription
}

// NewTelemetry attaches the instruments to the bus.
func NewTelemetry(ins *Instruments, bus *raymond.Bus) *Telemetry {
	t := &Telemetry{ins: ins, spans: make(map[string]trace.Span)}
	t.subs = append(t.subs,
		raymond.Subscribe(bus, t.onStateStarted),
		raymond.Subscribe(bus, t.onStateCompleted),
		raymond.Subscribe(bus, t.onTransition),
		raymond.Subscribe(bus, t.onSpawned),
		raymond.Subscribe(bus, t.onError),
	)
	return t
}

// Close detaches from the bus and ends any span left open by a failed step.
func (t *Telemetry) Close() {
	for _, s := range t.subs {
		s.Cancel()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, span := range t.spans {
		span.End()
		delete(t.spans, id)
	}
}

func (t *Telemetry) onStateStarted(e raymond.StateStarted) {
	_, span := t.ins.Tracer.Start(context.Background(), "step",
		trace.WithAttributes(
			attribute.String("raymond.agent", e.AgentID),
			attribute.String("raymond.state", e.State),
			attribute.String("raymond.kind", e.Kind.String()),
			attribute.Int("raymond.step", e.Step),
		))
	t.mu.Lock()
	defer t.mu.Unlock()
	if prev, ok := t.spans[e.AgentID]; ok {
		prev.End()
	}
	t.spans[e.AgentID] = span
}

func (t *Telemetry) onStateCompleted(e raymond.StateCompleted) {
	attrs := metric.WithAttributes(
		attribute.String("state", e.State),
		attribute.String("kind", e.Kind.String()),
	)
	ctx := context.Background()
	t.ins.StepsTotal.Add(ctx, 1, attrs)
	t.ins.StepDuration.Record(ctx, e.Duration.Seconds(), attrs)
	if e.CostDelta > 0 {
		t.ins.CostTotal.Add(ctx, e.CostDelta, attrs)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if span, ok := t.spans[e.AgentID]; ok {
		span.SetAttributes(attribute.Float64("raymond.cost_usd", e.CostDelta))
		span.End()
		delete(t.spans, e.AgentID)
	}
}

func (t *Telemetry) onTransition(e raymond.TransitionOccurred) {
	t.ins.TransitionsTotal.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("type", string(e.Type))))
}

func (t *Telemetry) onSpawned(e raymond.AgentSpawned) {
	t.ins.AgentsSpawned.Add(context.Background(), 1)
}

func (t *Telemetry) onError(e raymond.ErrorOccurred) {
	t.ins.ErrorsTotal.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String("kind", e.Kind),
			attribute.Bool("retryable", e.Retryable),
		))
}
