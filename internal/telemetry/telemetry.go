package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/zyra-ai/zyra"

// Tracer returns the tracer used for outbound auth and profile calls.
// Without InitTelemetry it is backed by the global no-op provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// Options describes the session client being instrumented.
type Options struct {
	ServiceName string
	Version     string

	// Provider is the identity provider kind, gotrue or memory.
	Provider   string
	APIURL     string
	AuthURL    string
	UseBackend bool

	// SampleRatio of root spans kept; 0 keeps every span.
	SampleRatio float64
}

// sessionAttributes tags every span and metric with the client's wiring.
// Only hosts are recorded, never full URLs.
func sessionAttributes(opts Options) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(opts.ServiceName),
		semconv.ServiceVersion(opts.Version),
		attribute.String("zyra.identity.provider", opts.Provider),
		attribute.Bool("zyra.backend_proxy", opts.UseBackend),
	}
	if host := hostOf(opts.APIURL); host != "" {
		attrs = append(attrs, attribute.String("zyra.api.host", host))
	}
	if host := hostOf(opts.AuthURL); host != "" {
		attrs = append(attrs, attribute.String("zyra.auth.host", host))
	}
	return attrs
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Host
}

func sampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

// InitTelemetry exports traces and metrics of the session client over OTLP
// gRPC. The endpoint and headers come from the OTEL_EXPORTER_OTLP_*
// environment variables.
//
// The returned shutdown flushes pending data and must run before exit.
func InitTelemetry(ctx context.Context, opts Options) (func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(sessionAttributes(opts)...),
		resource.WithFromEnv(),
		resource.WithOSType(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	traceShutdown, err := initTraceProvider(ctx, res, sampler(opts.SampleRatio))
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize trace provider, continuing without tracing")
		traceShutdown = func(ctx context.Context) error { return nil }
	}

	metricShutdown, err := initMeterProvider(ctx, res)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize meter provider, continuing without metrics")
		metricShutdown = func(ctx context.Context) error { return nil }
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	log.Debug().
		Str("service", opts.ServiceName).
		Str("provider", opts.Provider).
		Msg("OpenTelemetry initialized")

	return func(ctx context.Context) error {
		return errors.Join(traceShutdown(ctx), metricShutdown(ctx))
	}, nil
}

func initTraceProvider(ctx context.Context, res *resource.Resource, s sdktrace.Sampler) (func(context.Context) error, error) {
	exporter, err := otlptracegrpc.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	// commands finish in seconds; export small batches promptly
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(time.Second),
			sdktrace.WithMaxExportBatchSize(64),
		),
		sdktrace.WithSampler(s),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

func initMeterProvider(ctx context.Context, res *resource.Resource) (func(context.Context) error, error) {
	exporter, err := otlpmetricgrpc.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}

	// Shutdown performs the final export; the interval only matters for watch.
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(15*time.Second))),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	return mp.Shutdown, nil
}
