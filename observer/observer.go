// Package observer provides OTEL-based observability for setfarm engine
// operations.
//
// It wraps the Store with an instrumented version that emits traces, metrics,
// and logs via OpenTelemetry, and adapts the global tracer provider to the
// engine's Tracer interface. Users export to any OTEL-compatible backend by
// setting standard OTEL env vars.
package observer

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/setfarm/setfarm/observer"

// Instruments holds all OTEL instruments used by the observer wrappers.
type Instruments struct {
	Tracer trace.Tracer
	Meter  metric.Meter
	Logger otellog.Logger

	// Counters
	Claims            metric.Int64Counter
	Completions       metric.Int64Counter
	Failures          metric.Int64Counter
	MedicFindings     metric.Int64Counter
	MedicRemediations metric.Int64Counter

	// Histograms
	ClaimDuration    metric.Float64Histogram
	CompleteDuration metric.Float64Histogram
}

// Init sets up OTEL trace, metric, and log providers with OTLP HTTP exporters.
// Configuration comes from standard OTEL env vars (OTEL_EXPORTER_OTLP_ENDPOINT, etc.).
// Returns a shutdown function that must be called on application exit.
func Init(ctx context.Context) (*Instruments, func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName("setfarm")),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
	}

	// Trace provider
	traceExp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	// Metric provider
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

	// Log provider
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

	inst, err := newInstruments()
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		_ = lp.Shutdown(ctx)
		return nil, nil, err
	}

	shutdown := func(ctx context.Context) error {
		return errors.Join(
			tp.Shutdown(ctx),
			mp.Shutdown(ctx),
			lp.Shutdown(ctx),
		)
	}

	return inst, shutdown, nil
}

func newInstruments() (*Instruments, error) {
	tracer := otel.Tracer(scopeName)
	meter := otel.Meter(scopeName)
	logger := global.GetLoggerProvider().Logger(scopeName)

	claims, err := meter.Int64Counter("engine.claims",
		metric.WithDescription("Work unit claims handed to agents"),
		metric.WithUnit("{claim}"))
	if err != nil {
		return nil, err
	}

	completions, err := meter.Int64Counter("engine.completions",
		metric.WithDescription("Work unit completions"),
		metric.WithUnit("{completion}"))
	if err != nil {
		return nil, err
	}

	failures, err := meter.Int64Counter("engine.failures",
		metric.WithDescription("Work unit failures reported by agents"),
		metric.WithUnit("{failure}"))
	if err != nil {
		return nil, err
	}

	medicFindings, err := meter.Int64Counter("medic.findings",
		metric.WithDescription("Issues discovered by medic passes"),
		metric.WithUnit("{finding}"))
	if err != nil {
		return nil, err
	}

	medicRemediations, err := meter.Int64Counter("medic.remediations",
		metric.WithDescription("Issues auto-remediated by medic passes"),
		metric.WithUnit("{remediation}"))
	if err != nil {
		return nil, err
	}

	claimDuration, err := meter.Float64Histogram("engine.claim.duration",
		metric.WithDescription("Claim transaction duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	completeDuration, err := meter.Float64Histogram("engine.complete.duration",
		metric.WithDescription("Completion transaction duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		Tracer:            tracer,
		Meter:             meter,
		Logger:            logger,
		Claims:            claims,
		Completions:       completions,
		Failures:          failures,
		MedicFindings:     medicFindings,
		MedicRemediations: medicRemediations,
		ClaimDuration:     claimDuration,
		CompleteDuration:  completeDuration,
	}, nil
}
