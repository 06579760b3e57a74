package obs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/ccproxy/ccproxy/internal/hooks"
	"github.com/ccproxy/ccproxy/internal/reqctx"
)

func testTracker(t *testing.T) (*Tracker, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	tracker, err := NewTracker(provider.Meter("test"))
	require.NoError(t, err)
	return tracker, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := map[string]metricdata.Metrics{}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func counterTotal(t *testing.T, m metricdata.Metrics) int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok)
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestRecordUsageCounts(t *testing.T) {
	tracker, reader := testTracker(t)
	tracker.RecordUsage(context.Background(), UsageOptions{
		Provider:     "anthropic",
		Model:        "claude-sonnet-4-20250514",
		InputTokens:  100,
		OutputTokens: 40,
		Status:       "success",
		LatencyMs:    320,
	})

	metrics := collect(t, reader)
	assert.Equal(t, int64(140), counterTotal(t, metrics["llm.token.usage"]))
	assert.Equal(t, int64(140), counterTotal(t, metrics["llm.token.total"]))
	assert.Equal(t, int64(1), counterTotal(t, metrics["llm.request.count"]))
	_, hasErrors := metrics["llm.request.errors"]
	assert.False(t, hasErrors)
}

func TestRecordUsageError(t *testing.T) {
	tracker, reader := testTracker(t)
	tracker.RecordUsage(context.Background(), UsageOptions{
		Provider:    "openai",
		Status:      "error",
		ErrorReason: "upstream_timeout",
	})

	metrics := collect(t, reader)
	assert.Equal(t, int64(1), counterTotal(t, metrics["llm.request.errors"]))
}

func TestAttachConsumesCompletionEvents(t *testing.T) {
	tracker, reader := testTracker(t)
	bus := hooks.NewBus()
	tracker.Attach(bus, 200)

	bus.Emit(context.Background(), hooks.NewEvent(hooks.RequestCompleted, map[string]any{
		"provider":              "anthropic",
		reqctx.MetaModel:        "claude-3-5-haiku-latest",
		reqctx.MetaTokensInput:  int64(10),
		reqctx.MetaTokensOutput: int64(5),
	}, nil))

	metrics := collect(t, reader)
	assert.Equal(t, int64(15), counterTotal(t, metrics["llm.token.total"]))
}

func TestNewSetupDisabled(t *testing.T) {
	s, err := NewSetup(&Config{Enabled: false})
	require.NoError(t, err)
	assert.Nil(t, s)
	assert.Nil(t, s.Tracker())
	assert.NoError(t, s.Shutdown(context.Background()))
}
