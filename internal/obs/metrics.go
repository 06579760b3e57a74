// Package obs exports request and token metrics through OpenTelemetry. The
// tracker is fed from the hook bus, so metric recording never blocks the
// data plane.
package obs

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/ccproxy/ccproxy/internal/hooks"
	"github.com/ccproxy/ccproxy/internal/reqctx"
)

// Config holds the meter setup options.
type Config struct {
	// Enabled switches metric export on.
	Enabled bool

	// ExportInterval is the time between exports. Default: 10s
	ExportInterval time.Duration

	// ExportTimeout is the timeout for each export. Default: 30s
	ExportTimeout time.Duration
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Enabled:        true,
		ExportInterval: 10 * time.Second,
		ExportTimeout:  30 * time.Second,
	}
}

// UsageOptions describes one finished request for metric recording.
type UsageOptions struct {
	Provider     string
	Model        string
	SourceFormat string
	TargetFormat string
	InputTokens  int64
	OutputTokens int64
	Streamed     bool
	Status       string
	ErrorReason  string
	LatencyMs    int64
}

// Tracker records request and token metrics.
type Tracker struct {
	tokens          metric.Int64Counter
	totalTokens     metric.Int64Counter
	requestCount    metric.Int64Counter
	requestErrors   metric.Int64Counter
	requestDuration metric.Float64Histogram
}

// NewTracker builds the instrument set on the given meter.
func NewTracker(meter metric.Meter) (*Tracker, error) {
	t := &Tracker{}
	var err error

	t.tokens, err = meter.Int64Counter(
		"llm.token.usage",
		metric.WithDescription("LLM token usage by type (input/output)"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, err
	}

	t.totalTokens, err = meter.Int64Counter(
		"llm.token.total",
		metric.WithDescription("Total LLM tokens consumed (input + output)"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, err
	}

	t.requestCount, err = meter.Int64Counter(
		"llm.request.count",
		metric.WithDescription("Number of proxied requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	t.requestErrors, err = meter.Int64Counter(
		"llm.request.errors",
		metric.WithDescription("Number of failed requests"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	t.requestDuration, err = meter.Float64Histogram(
		"llm.request.duration",
		metric.WithDescription("Request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return t, nil
}

// RecordUsage records one finished request.
func (t *Tracker) RecordUsage(ctx context.Context, opts UsageOptions) {
	attrs := []attribute.KeyValue{
		AttrProvider.String(opts.Provider),
		AttrModel.String(opts.Model),
		AttrSourceFormat.String(opts.SourceFormat),
		AttrTargetFormat.String(opts.TargetFormat),
		AttrStreaming.Bool(opts.Streamed),
		AttrStatus.String(opts.Status),
	}
	if opts.ErrorReason != "" {
		attrs = append(attrs, AttrErrorReason.String(opts.ErrorReason))
	}

	if opts.InputTokens > 0 {
		in := append(attrs, AttrTokenType.String("input"))
		t.tokens.Add(ctx, opts.InputTokens, metric.WithAttributes(in...))
	}
	if opts.OutputTokens > 0 {
		out := append(attrs, AttrTokenType.String("output"))
		t.tokens.Add(ctx, opts.OutputTokens, metric.WithAttributes(out...))
	}
	if total := opts.InputTokens + opts.OutputTokens; total > 0 {
		t.totalTokens.Add(ctx, total, metric.WithAttributes(attrs...))
	}

	t.requestCount.Add(ctx, 1, metric.WithAttributes(attrs...))
	if opts.LatencyMs > 0 {
		t.requestDuration.Record(ctx, float64(opts.LatencyMs), metric.WithAttributes(attrs...))
	}
	if opts.Status == "error" {
		t.requestErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// Attach subscribes the tracker to the completion events.
func (t *Tracker) Attach(bus *hooks.Bus, priority int) {
	handler := func(ctx context.Context, ev *hooks.Event) error {
		t.RecordUsage(ctx, usageFromEvent(ev))
		return nil
	}
	bus.Subscribe(hooks.RequestCompleted, priority, "obs", handler)
	bus.Subscribe(hooks.RequestFailed, priority, "obs", handler)
}

func usageFromEvent(ev *hooks.Event) UsageOptions {
	opts := UsageOptions{
		Provider:     str(ev.Data, "provider"),
		Model:        str(ev.Data, reqctx.MetaModel),
		SourceFormat: str(ev.Data, "source_format"),
		TargetFormat: str(ev.Data, "target_format"),
		InputTokens:  i64(ev.Data, reqctx.MetaTokensInput),
		OutputTokens: i64(ev.Data, reqctx.MetaTokensOutput),
		LatencyMs:    i64(ev.Data, reqctx.MetaDurationMS),
		Status:       "success",
	}
	if streamed, ok := ev.Data["streamed"].(bool); ok {
		opts.Streamed = streamed
	}
	if ev.Kind == hooks.RequestFailed {
		opts.Status = "error"
		opts.ErrorReason = str(ev.Data, reqctx.MetaError)
	}
	return opts
}

func str(data map[string]any, key string) string {
	v, _ := data[key].(string)
	return v
}

func i64(data map[string]any, key string) int64 {
	switch v := data[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}

// Setup holds the meter provider and tracker.
type Setup struct {
	meterProvider *sdkmetric.MeterProvider
	tracker       *Tracker
}

// NewSetup wires a periodic stdout exporter and returns the tracker. A
// disabled config returns a nil setup.
func NewSetup(cfg *Config) (*Setup, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if !cfg.Enabled {
		return nil, nil
	}

	exp, err := stdoutmetric.New()
	if err != nil {
		return nil, fmt.Errorf("obs: create exporter: %w", err)
	}

	reader := sdkmetric.NewPeriodicReader(exp,
		sdkmetric.WithInterval(cfg.ExportInterval),
		sdkmetric.WithTimeout(cfg.ExportTimeout),
	)
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	tracker, err := NewTracker(provider.Meter("ccproxy"))
	if err != nil {
		_ = provider.Shutdown(context.Background())
		return nil, err
	}
	return &Setup{meterProvider: provider, tracker: tracker}, nil
}

// Tracker returns the usage tracker, nil when metrics are disabled.
func (s *Setup) Tracker() *Tracker {
	if s == nil {
		return nil
	}
	return s.tracker
}

// Shutdown flushes and stops the meter provider.
func (s *Setup) Shutdown(ctx context.Context) error {
	if s == nil || s.meterProvider == nil {
		return nil
	}
	return s.meterProvider.Shutdown(ctx)
}
