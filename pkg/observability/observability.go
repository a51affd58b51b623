// Package observability wires OpenTelemetry tracing and RED metrics (rate, errors,
// duration) around WorldLine appends, gate executions and kernel pipeline calls.
//
// A nil *Provider is valid and records nothing, so components can hold an optional
// provider without branching at every call site.
package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/credentials"
)

const instrumentationName = "openibank.kernel"

// Config selects the OTLP collector and what the node reports about itself.
type Config struct {
	ServiceName    string
	ServiceVersion string
	RunID          string // attached to every span and metric as a resource attribute

	Endpoint string // gRPC host:port of the collector
	Insecure bool
	CAFile   string // PEM bundle for the collector; system roots when empty

	SampleRate     float64 // clamped to [0, 1]
	BatchTimeout   time.Duration
	ExportInterval time.Duration
	Enabled        bool
}

// DefaultConfig reports everything to a local collector over TLS.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "openibank-kernel",
		ServiceVersion: "1.0.0",
		Endpoint:       "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		ExportInterval: 15 * time.Second,
		Enabled:        true,
	}
}

// Option configures a Provider.
type Option func(*Provider)

// WithLogger sets the provider's logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.logger = l }
}

// Provider owns the trace and metric pipelines of one node.
type Provider struct {
	cfg    Config
	logger *slog.Logger

	traces  *sdktrace.TracerProvider
	metrics *sdkmetric.MeterProvider
	tracer  trace.Tracer

	calls    metric.Int64Counter
	failures metric.Int64Counter
	latency  metric.Float64Histogram
	inFlight metric.Int64UpDownCounter
}

// New starts exporting to cfg.Endpoint. With Enabled false it returns a provider
// that records through the global (no-op unless installed) otel providers.
func New(ctx context.Context, cfg *Config, opts ...Option) (*Provider, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	p := &Provider{cfg: *cfg, logger: slog.Default().With("component", "observability")}
	for _, o := range opts {
		o(p)
	}

	if !cfg.Enabled {
		p.tracer = otel.Tracer(instrumentationName)
		p.logger.DebugContext(ctx, "telemetry disabled")
		return p, p.instruments(otel.Meter(instrumentationName))
	}

	creds, err := p.credentials()
	if err != nil {
		return nil, err
	}
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		AttrRunID.String(cfg.RunID),
	))
	if err != nil {
		return nil, fmt.Errorf("observability: resource: %w", err)
	}

	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.Endpoint)}
	switch {
	case cfg.Insecure:
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	case creds != nil:
		traceOpts = append(traceOpts, otlptracegrpc.WithTLSCredentials(creds))
		metricOpts = append(metricOpts, otlpmetricgrpc.WithTLSCredentials(creds))
	}

	spans, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("observability: trace exporter: %w", err)
	}
	readings, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		_ = spans.Shutdown(ctx)
		return nil, fmt.Errorf("observability: metric exporter: %w", err)
	}

	p.traces = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(spans, sdktrace.WithBatchTimeout(cfg.BatchTimeout)),
		sdktrace.WithSampler(sampler(cfg.SampleRate)),
	)
	p.metrics = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(readings, sdkmetric.WithInterval(cfg.ExportInterval))),
	)
	otel.SetTracerProvider(p.traces)
	otel.SetMeterProvider(p.metrics)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	p.tracer = p.traces.Tracer(instrumentationName, trace.WithInstrumentationVersion(cfg.ServiceVersion))
	if err := p.instruments(p.metrics.Meter(instrumentationName, metric.WithInstrumentationVersion(cfg.ServiceVersion))); err != nil {
		return nil, err
	}

	p.logger.InfoContext(ctx, "telemetry exporting",
		"endpoint", cfg.Endpoint, "run_id", cfg.RunID, "sample_rate", cfg.SampleRate, "insecure", cfg.Insecure)
	return p, nil
}

func (p *Provider) credentials() (credentials.TransportCredentials, error) {
	if p.cfg.Insecure || p.cfg.CAFile == "" {
		return nil, nil
	}
	creds, err := credentials.NewClientTLSFromFile(p.cfg.CAFile, "")
	if err != nil {
		return nil, fmt.Errorf("observability: ca file: %w", err)
	}
	return creds, nil
}

func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1:
		return sdktrace.AlwaysSample()
	case rate <= 0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
	}
}

func (p *Provider) instruments(m metric.Meter) error {
	var err error
	if p.calls, err = m.Int64Counter("openibank.requests.total",
		metric.WithDescription("Kernel, gate and WorldLine operations started"),
		metric.WithUnit("{operation}")); err != nil {
		return fmt.Errorf("observability: %w", err)
	}
	if p.failures, err = m.Int64Counter("openibank.errors.total",
		metric.WithDescription("Operations that returned an error, by kind"),
		metric.WithUnit("{error}")); err != nil {
		return fmt.Errorf("observability: %w", err)
	}
	if p.latency, err = m.Float64Histogram("openibank.request.duration",
		metric.WithDescription("Operation latency"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5)); err != nil {
		return fmt.Errorf("observability: %w", err)
	}
	if p.inFlight, err = m.Int64UpDownCounter("openibank.operations.active",
		metric.WithDescription("Operations currently in progress"),
		metric.WithUnit("{operation}")); err != nil {
		return fmt.Errorf("observability: %w", err)
	}
	return nil
}

// Shutdown flushes pending spans and readings.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var errs []error
	if p.traces != nil {
		errs = append(errs, p.traces.Shutdown(ctx))
	}
	if p.metrics != nil {
		errs = append(errs, p.metrics.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

// kinded is implemented by errors that carry a machine-readable kind, such as
// kernel errors.
type kinded interface {
	KindName() string
}

// ErrorKind names err for the errors.total metric: the kind of the first
// kinded error in its chain, else its dynamic type.
func ErrorKind(err error) string {
	var k kinded
	if errors.As(err, &k) {
		return k.KindName()
	}
	return fmt.Sprintf("%T", err)
}

// TrackOperation opens a span named name and counts the operation. Call the
// returned function exactly once with the operation's result.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	if p == nil {
		return ctx, func(error) {}
	}
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindInternal), trace.WithAttributes(attrs...))
	set := metric.WithAttributes(append([]attribute.KeyValue{AttrOperationName.String(name)}, attrs...)...)
	p.calls.Add(ctx, 1, set)
	p.inFlight.Add(ctx, 1, set)

	return ctx, func(err error) {
		p.inFlight.Add(ctx, -1, set)
		p.latency.Record(ctx, time.Since(start).Seconds(), set)
		if err != nil {
			kind := ErrorKind(err)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			span.SetAttributes(AttrErrorKind.String(kind))
			p.failures.Add(ctx, 1, set, metric.WithAttributes(AttrErrorKind.String(kind)))
		}
		span.End()
	}
}
