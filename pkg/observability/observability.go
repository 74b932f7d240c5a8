// Package observability provides OpenTelemetry tracing and metrics for the
// firewall node.
//
// Transactions are tracked with the RED pattern (rate, errors, duration) and
// every policy hook outcome is counted per policy, phase and result. The
// Provider satisfies chain.Telemetry and firewall.Observer.
package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const instrumentation = "helm-firewall"

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string // host:port of an OTLP gRPC collector; empty disables export
	SampleRate     float64
	Enabled        bool
	Insecure       bool
	// MetricReader replaces the OTLP metric exporter. Tests use a manual reader.
	MetricReader   sdkmetric.Reader
}

func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "helm-firewall",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		Enabled:        false,
		Insecure:       true,
	}
}

// Provider manages OpenTelemetry trace and metric providers.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	txCounter    metric.Int64Counter
	errorCounter metric.Int64Counter
	durationHist metric.Float64Histogram
	active       metric.Int64UpDownCounter
	decisions    metric.Int64Counter
}

// New creates a provider. A disabled config yields no-op instruments.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
		tracer: tracenoop.NewTracerProvider().Tracer(instrumentation),
		meter:  noop.NewMeterProvider().Meter(instrumentation),
	}
	if !config.Enabled {
		p.logger.DebugContext(ctx, "observability disabled")
		return p, p.initInstruments()
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(config.ServiceName),
		semconv.ServiceVersion(config.ServiceVersion),
		semconv.DeploymentEnvironment(config.Environment),
	)
	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("failed to init trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("failed to init metric provider: %w", err)
	}
	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("failed to init metrics: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"environment", config.Environment,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate,
	)
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	var sampler sdktrace.Sampler
	switch {
	case p.config.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case p.config.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(p.config.SampleRate)
	}
	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res), sdktrace.WithSampler(sampler)}

	// Spans are only exported when a collector is configured.
	if p.config.OTLPEndpoint != "" {
		exOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}
		if p.config.Insecure {
			exOpts = append(exOpts, otlptracegrpc.WithInsecure())
		}
		exporter, err := otlptracegrpc.New(ctx, exOpts...)
		if err != nil {
			return fmt.Errorf("failed to create trace exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)))
	}
	p.tracerProvider = sdktrace.NewTracerProvider(opts...)
	p.tracer = p.tracerProvider.Tracer(instrumentation, trace.WithInstrumentationVersion(p.config.ServiceVersion))

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	reader := p.config.MetricReader
	if reader == nil && p.config.OTLPEndpoint != "" {
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint)}
		if p.config.Insecure {
			opts = append(opts, otlpmetricgrpc.WithInsecure())
		}
		exporter, err := otlpmetricgrpc.New(ctx, opts...)
		if err != nil {
			return fmt.Errorf("failed to create metric exporter: %w", err)
		}
		reader = sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(15*time.Second))
	}
	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if reader != nil {
		opts = append(opts, sdkmetric.WithReader(reader))
	}
	p.meterProvider = sdkmetric.NewMeterProvider(opts...)
	p.meter = p.meterProvider.Meter(instrumentation, metric.WithInstrumentationVersion(p.config.ServiceVersion))
	return nil
}

func (p *Provider) initInstruments() error {
	var err error
	if p.txCounter, err = p.meter.Int64Counter("firewall.transactions.total",
		metric.WithDescription("Transactions executed"),
		metric.WithUnit("{transaction}"),
	); err != nil {
		return err
	}
	if p.errorCounter, err = p.meter.Int64Counter("firewall.errors.total",
		metric.WithDescription("Transactions reverted"),
		metric.WithUnit("{error}"),
	); err != nil {
		return err
	}
	if p.durationHist, err = p.meter.Float64Histogram("firewall.transaction.duration",
		metric.WithDescription("Transaction duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0),
	); err != nil {
		return err
	}
	if p.active, err = p.meter.Int64UpDownCounter("firewall.operations.active",
		metric.WithDescription("Operations in flight"),
		metric.WithUnit("{operation}"),
	); err != nil {
		return err
	}
	p.decisions, err = p.meter.Int64Counter("firewall.policy.decisions",
		metric.WithDescription("Policy hook outcomes"),
		metric.WithUnit("{decision}"),
	)
	return err
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	if p.tracerProvider != nil {
		errs = append(errs, p.tracerProvider.Shutdown(ctx))
	}
	if p.meterProvider != nil {
		errs = append(errs, p.meterProvider.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

func (p *Provider) Tracer() trace.Tracer { return p.tracer }

func (p *Provider) Meter() metric.Meter { return p.meter }

// TrackOperation starts a span and RED measurements for one operation. The
// returned function ends them and must be called exactly once.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	op := metric.WithAttributes(attribute.String("operation", name))
	p.active.Add(ctx, 1, op)
	p.txCounter.Add(ctx, 1, op)

	return ctx, func(err error) {
		p.active.Add(ctx, -1, op)
		p.durationHist.Record(ctx, time.Since(start).Seconds(), op)
		if err != nil {
			span.RecordError(err)
			p.errorCounter.Add(ctx, 1, op)
		}
		span.End()
	}
}

// RecordPolicyDecision counts one policy hook outcome.
func (p *Provider) RecordPolicyDecision(ctx context.Context, phase, policy, consumer string, err error) {
	outcome := "allow"
	if err != nil {
		outcome = "deny"
	}
	p.decisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("phase", phase),
		attribute.String("policy", policy),
		attribute.String("consumer", consumer),
		attribute.String("outcome", outcome),
	))
	if err != nil {
		trace.SpanFromContext(ctx).AddEvent("policy.denied", trace.WithAttributes(
			attribute.String("policy", policy),
			attribute.String("error", err.Error()),
		))
	}
}
