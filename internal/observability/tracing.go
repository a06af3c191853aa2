package observability

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc/credentials"
)

const tracerName = "github.com/example/convsim"

// TracingConfig selects the span exporter. Exporter "" or "none" disables
// tracing.
type TracingConfig struct {
	Exporter    string
	Endpoint    string
	Headers     string
	Insecure    bool
	Sampler     string
	SamplerRate float64
	Environment string
}

type exporterFunc func(ctx context.Context, endpoint string, headers map[string]string, insecure bool) (sdktrace.SpanExporter, error)

var exporters = map[string]exporterFunc{
	"stdout":   stdoutExporter,
	"otlp":     grpcExporter,
	"otlpgrpc": grpcExporter,
	"grpc":     grpcExporter,
	"otlphttp": httpExporter,
	"http":     httpExporter,
}

// InitTracing installs the global tracer provider and W3C propagators. The
// returned func flushes and stops the provider.
func InitTracing(ctx context.Context, service string, cfg TracingConfig) (func(context.Context) error, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Exporter))
	if name == "" || name == "none" {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}
	newExporter, ok := exporters[name]
	if !ok {
		return nil, fmt.Errorf("tracing: unknown exporter %q", cfg.Exporter)
	}
	exp, err := newExporter(ctx, strings.TrimSpace(cfg.Endpoint), parseHeaders(cfg.Headers), cfg.Insecure)
	if err != nil {
		return nil, fmt.Errorf("tracing: %s exporter: %w", name, err)
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceNameKey.String(service),
		attribute.String("deployment.environment", strings.TrimSpace(cfg.Environment)),
	))
	if err != nil {
		return nil, fmt.Errorf("tracing: resource: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithSampler(buildSampler(cfg)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	return tp.Shutdown, nil
}

func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

func stdoutExporter(context.Context, string, map[string]string, bool) (sdktrace.SpanExporter, error) {
	return stdouttrace.New(stdouttrace.WithPrettyPrint())
}

func grpcExporter(ctx context.Context, endpoint string, headers map[string]string, insecure bool) (sdktrace.SpanExporter, error) {
	if endpoint == "" {
		endpoint = "localhost:4317"
	}
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint), otlptracegrpc.WithHeaders(headers)}
	if insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	} else {
		opts = append(opts, otlptracegrpc.WithTLSCredentials(credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})))
	}
	return otlptracegrpc.New(ctx, opts...)
}

func httpExporter(ctx context.Context, endpoint string, headers map[string]string, insecure bool) (sdktrace.SpanExporter, error) {
	if endpoint == "" {
		endpoint = "http://localhost:4318"
	}
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpointURL(endpoint), otlptracehttp.WithHeaders(headers)}
	if insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	return otlptracehttp.New(ctx, opts...)
}

// parseHeaders reads "k1=v1,k2=v2". Malformed or empty pairs are dropped.
func parseHeaders(raw string) map[string]string {
	out := map[string]string{}
	for _, pair := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(pair, "=")
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if ok && k != "" && v != "" {
			out[k] = v
		}
	}
	return out
}

// buildSampler always respects the parent decision; the root decision comes
// from cfg.Sampler.
func buildSampler(cfg TracingConfig) sdktrace.Sampler {
	var root sdktrace.Sampler
	switch strings.ToLower(strings.TrimSpace(cfg.Sampler)) {
	case "always_off":
		root = sdktrace.NeverSample()
	case "traceidratio", "ratio":
		root = sdktrace.TraceIDRatioBased(min(max(cfg.SamplerRate, 0), 1))
	default:
		root = sdktrace.AlwaysSample()
	}
	return sdktrace.ParentBased(root)
}
