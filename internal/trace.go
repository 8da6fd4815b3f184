package internal

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"runtime/trace"

	"go.opentelemetry.io/contrib/propagators/jaeger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	otrace "go.opentelemetry.io/otel/trace"
)

const serviceName = "collab-relay"

// Span shows up both in `go tool trace` output and, when ConfigureOTLP has been called, in the
// OTLP collector. End closes both halves.
type Span struct {
	otlp       otrace.Span
	endRuntime func()
}

func (s *Span) End() {
	s.endRuntime()
	s.otlp.End()
}

func (s *Span) SetAttributes(kv ...attribute.KeyValue) {
	s.otlp.SetAttributes(kv...)
}

func startOTLP(ctx context.Context, name string) (context.Context, otrace.Span) {
	return otel.Tracer(serviceName).Start(ctx, name)
}

// StartTask begins a top level unit of work such as one reaper sweep. Spans started from the
// returned context nest under it.
func StartTask(ctx context.Context, name string) (context.Context, *Span) {
	ctx, task := trace.NewTask(ctx, name)
	ctx, span := startOTLP(ctx, name)
	return ctx, &Span{otlp: span, endRuntime: task.End}
}

// StartSpan begins a step inside whatever task or span ctx carries.
func StartSpan(ctx context.Context, name string) (context.Context, *Span) {
	region := trace.StartRegion(ctx, name)
	ctx, span := startOTLP(ctx, name)
	return ctx, &Span{otlp: span, endRuntime: region.End}
}

// Logf records a message against the current span.
func Logf(ctx context.Context, category, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	trace.Log(ctx, category, msg)
	otrace.SpanFromContext(ctx).AddEvent(msg, otrace.WithAttributes(attribute.String("category", category)))
}

// parseCollectorURL accepts a bare scheme://host[:port]. Plain http is allowed for local
// collectors.
func parseCollectorURL(raw string) (u *url.URL, insecure bool, err error) {
	u, err = url.Parse(raw)
	if err != nil {
		return nil, false, err
	}
	switch {
	case u.Scheme != "http" && u.Scheme != "https":
		return nil, false, fmt.Errorf("OTLP URL %s must use http or https", raw)
	case u.Host == "":
		return nil, false, fmt.Errorf("OTLP URL %s has no host", raw)
	case u.Path != "" && u.Path != "/":
		return nil, false, fmt.Errorf("OTLP URL %s cannot contain any path segments", raw)
	}
	return u, u.Scheme == "http", nil
}

func basicAuth(user, pass string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
}

func exporterOptions(collector *url.URL, insecure bool, user, pass string) []otlptracehttp.Option {
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(collector.Host)}
	if insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if user != "" && pass != "" {
		opts = append(opts, otlptracehttp.WithHeaders(map[string]string{
			"Authorization": basicAuth(user, pass),
		}))
	}
	return opts
}

// ConfigureOTLP exports every span to the collector at otlpURL. Credentials are optional and
// only sent when both are set.
func ConfigureOTLP(otlpURL, otlpUser, otlpPass, version string) error {
	collector, insecure, err := parseCollectorURL(otlpURL)
	if err != nil {
		return err
	}
	exp, err := otlptrace.New(context.Background(), otlptracehttp.NewClient(
		exporterOptions(collector, insecure, otlpUser, otlpPass)...,
	))
	if err != nil {
		return fmt.Errorf("failed to create OTLP exporter: %w", err)
	}
	logger.Info().Str("host", collector.Host).Bool("insecure", insecure).Msg("exporting traces")

	otel.SetTracerProvider(tracesdk.NewTracerProvider(
		tracesdk.WithBatcher(exp),
		tracesdk.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version),
		)),
	))
	// browsers send traceparent, older SDKs still send uber-trace-id
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}, jaeger.Jaeger{},
	))
	return nil
}
