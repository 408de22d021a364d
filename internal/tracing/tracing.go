package tracing

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/credentials"
)

const (
	defaultServiceName  = "inspectq"
	defaultEndpoint     = "localhost:4317"
	instrumentationName = "github.com/osvaldoandrade/inspectq"

	headerTraceParent = "traceparent"
	headerTraceState  = "tracestate"
)

// Config is resolved by pkg/config, environment overrides included.
type Config struct {
	Enabled     bool
	ServiceName string

	OTLPEndpoint string
	OTLPInsecure bool

	SampleRatio float64
}

// ShutdownFunc flushes and stops the tracer provider.
type ShutdownFunc func(context.Context) error

func noopShutdown(context.Context) error { return nil }

// Setup installs the global tracer provider and the W3C propagator. Exporter
// failures degrade to a no-op provider so the worker keeps running.
func Setup(ctx context.Context, cfg Config, logger *slog.Logger) (ShutdownFunc, error) {
	if logger == nil {
		logger = slog.Default()
	}
	otel.SetTextMapPropagator(propagator())
	if !cfg.Enabled {
		return noopShutdown, nil
	}

	exp, err := newExporter(ctx, cfg)
	if err != nil {
		logger.Warn("otlp exporter unavailable, tracing off", "err", err)
		return noopShutdown, nil
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(newResource(cfg.ServiceName, logger)),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(clampRatio(cfg.SampleRatio)))),
	)
	otel.SetTracerProvider(tp)
	logger.Info("tracing enabled", "endpoint", sanitizeEndpoint(cfg.OTLPEndpoint), "insecure", cfg.OTLPInsecure)
	return tp.Shutdown, nil
}

func newExporter(ctx context.Context, cfg Config) (*otlptrace.Exporter, error) {
	endpoint := sanitizeEndpoint(cfg.OTLPEndpoint)
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
	if cfg.OTLPInsecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	} else {
		opts = append(opts, otlptracegrpc.WithTLSCredentials(credentials.NewClientTLSFromCert(nil, "")))
	}
	return otlptracegrpc.New(ctx, opts...)
}

func newResource(serviceName string, logger *slog.Logger) *resource.Resource {
	name := firstNonEmpty(serviceName, os.Getenv("OTEL_SERVICE_NAME"), defaultServiceName)
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(name),
	))
	if err != nil {
		logger.Warn("otel resource merge failed", "err", err)
		return resource.Default()
	}
	return res
}

// propagator carries TraceContext only; baggage stays in process.
func propagator() propagation.TextMapPropagator {
	return propagation.TraceContext{}
}

// Tracer returns the tracer used for upload passes and backend calls.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// TraceContextStrings returns the traceparent and tracestate of the span in
// ctx, empty when there is none.
func TraceContextStrings(ctx context.Context) (traceParent, traceState string) {
	carrier := propagation.MapCarrier{}
	propagator().Inject(ctx, carrier)
	return carrier.Get(headerTraceParent), carrier.Get(headerTraceState)
}

// ContextWithRemoteParent restores a span context captured at ingest so
// worker spans join the producer's trace.
func ContextWithRemoteParent(ctx context.Context, traceParent, traceState string) context.Context {
	carrier := propagation.MapCarrier{}
	if v := strings.TrimSpace(traceParent); v != "" {
		carrier.Set(headerTraceParent, v)
	}
	if v := strings.TrimSpace(traceState); v != "" {
		carrier.Set(headerTraceState, v)
	}
	if len(carrier) == 0 {
		return ctx
	}
	return propagator().Extract(ctx, carrier)
}

// InjectHeaders writes traceparent/tracestate into h for outbound HTTP and
// NATS messages (nats.Header shares the http.Header shape).
func InjectHeaders(ctx context.Context, h http.Header) {
	if h == nil {
		return
	}
	propagator().Inject(ctx, propagation.HeaderCarrier(h))
}

// ExtractHeaders continues a trace from inbound traceparent/tracestate headers.
func ExtractHeaders(ctx context.Context, h http.Header) context.Context {
	return propagator().Extract(ctx, propagation.HeaderCarrier(h))
}

// ParseSampleRatio reads OTEL_TRACES_SAMPLER_ARG style values. Invalid input
// yields 0, which Setup treats as sample everything.
func ParseSampleRatio(v string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0
	}
	return f
}

func clampRatio(r float64) float64 {
	if r <= 0 || r > 1 {
		return 1
	}
	return r
}

// sanitizeEndpoint accepts URL-shaped endpoints; the gRPC exporter wants host:port.
func sanitizeEndpoint(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		if u, err := url.Parse(raw); err == nil && u.Host != "" {
			return u.Host
		}
	}
	return strings.TrimSuffix(raw, "/")
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
