package telemetry_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/JakeFAU/tspider/internal/crawler"
	"github.com/JakeFAU/tspider/internal/proxypool"
	"github.com/JakeFAU/tspider/internal/retry"
	"github.com/JakeFAU/tspider/internal/telemetry"
)

func TestInitTracerProviderRecordsRetrySpans(t *testing.T) {
	ctx := context.Background()
	rec := tracetest.NewSpanRecorder()
	tp, err := telemetry.InitTracerProvider(ctx, "tspider-test", rec)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tp.Shutdown(ctx) })

	noSleep := retry.WithSleep(func(context.Context, time.Duration) error { return nil })
	exec := retry.New(proxypool.Direct{}, retry.Policy{MaxAttempts: 2}, nil, noSleep)

	ok := retry.Execute(ctx, exec, "list page 1", func(context.Context, proxypool.Handle) (int, error) {
		return 7, nil
	})
	require.True(t, ok.OK())

	failed := retry.Execute(ctx, exec, "download 42", func(context.Context, proxypool.Handle) (int, error) {
		return 0, crawler.Corrupt("truncated body")
	})
	require.False(t, failed.OK())

	spans := rec.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "list page 1", spans[0].Name())
	assert.Equal(t, codes.Unset, spans[0].Status().Code)

	assert.Equal(t, "download 42", spans[1].Name())
	assert.Equal(t, codes.Error, spans[1].Status().Code)
	attrs := map[string]any{}
	for _, kv := range spans[1].Attributes() {
		attrs[string(kv.Key)] = kv.Value.AsInterface()
	}
	assert.Equal(t, int64(2), attrs["retry.attempts"])
	assert.Equal(t, "retryable", attrs["retry.outcome"])
	require.NotEmpty(t, spans[1].Events())
	assert.Equal(t, "exception", spans[1].Events()[0].Name)
}

func TestInitTracerProviderInstallsPropagator(t *testing.T) {
	ctx := context.Background()
	tp, err := telemetry.InitTracerProvider(ctx, "tspider-test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = tp.Shutdown(ctx) })

	ctx, span := otel.Tracer("test").Start(ctx, "publish")
	defer span.End()

	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	assert.NotEmpty(t, carrier.Get("traceparent"))
}
