package internal

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestSpansNestUnderTasks(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tracesdk.NewTracerProvider(tracesdk.WithSpanProcessor(recorder)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	ctx, task := StartTask(context.Background(), "Reap")
	_, span := StartSpan(ctx, "Route")
	span.SetAttributes(attribute.String("type", "cursor"))
	span.End()
	Logf(ctx, "reaper", "removing %s from %s", "alice", "p1")
	task.End()

	ended := recorder.Ended()
	require.Len(t, ended, 2)
	route, reap := ended[0], ended[1]
	assert.Equal(t, "Route", route.Name())
	assert.Equal(t, "Reap", reap.Name())
	assert.Equal(t, reap.SpanContext().SpanID(), route.Parent().SpanID())
	assert.Contains(t, route.Attributes(), attribute.String("type", "cursor"))
	require.Len(t, reap.Events(), 1)
	assert.Equal(t, "removing alice from p1", reap.Events()[0].Name)
	assert.Contains(t, reap.Events()[0].Attributes, attribute.String("category", "reaper"))
}

func TestParseCollectorURL(t *testing.T) {
	testCases := []struct {
		raw          string
		wantErr      bool
		wantHost     string
		wantInsecure bool
	}{
		{raw: "http://localhost:4318", wantHost: "localhost:4318", wantInsecure: true},
		{raw: "https://otlp.example.com", wantHost: "otlp.example.com"},
		{raw: "https://otlp.example.com/", wantHost: "otlp.example.com"},
		{raw: "https://otlp.example.com/v1/traces", wantErr: true},
		{raw: "grpc://otlp.example.com", wantErr: true},
		{raw: "otlp.example.com:4318", wantErr: true},
		{raw: "http://", wantErr: true},
	}
	for _, tc := range testCases {
		u, insecure, err := parseCollectorURL(tc.raw)
		if tc.wantErr {
			assert.Error(t, err, tc.raw)
			continue
		}
		require.NoError(t, err, tc.raw)
		assert.Equal(t, tc.wantHost, u.Host, tc.raw)
		assert.Equal(t, tc.wantInsecure, insecure, tc.raw)
	}
}

func TestBasicAuth(t *testing.T) {
	// echo -n 'relay:s3cret' | base64
	assert.Equal(t, "Basic cmVsYXk6czNjcmV0", basicAuth("relay", "s3cret"))
	u, _, err := parseCollectorURL("https://otlp.example.com")
	require.NoError(t, err)
	assert.Len(t, exporterOptions(u, false, "relay", ""), 1)
	assert.Len(t, exporterOptions(u, true, "relay", "s3cret"), 3)
}
