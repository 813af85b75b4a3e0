package observability

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/loanhive/loanhive/internal/config"
	"github.com/loanhive/loanhive/internal/llm"
)

type fakeProvider struct {
	resp *llm.Response
	err  error
}

func (p *fakeProvider) Name() string { return "openai" }

func (p *fakeProvider) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	return p.resp, p.err
}

func counterValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	var m dto.Metric
	if err := vec.WithLabelValues(labels...).Write(&m); err != nil {
		t.Fatal(err)
	}
	return m.GetCounter().GetValue()
}

func TestInstrumentedProvider_RecordsSuccessAndTokens(t *testing.T) {
	metrics := NewLLMMetrics(nil)
	inner := &fakeProvider{resp: &llm.Response{
		Content: "done",
		Usage:   llm.Usage{InputTokens: 120, OutputTokens: 40},
	}}
	p := NewInstrumentedProvider(inner, metrics, nil)

	if _, err := p.Complete(context.Background(), &llm.Request{Model: "gpt-4o-mini"}); err != nil {
		t.Fatal(err)
	}

	if got := counterValue(t, metrics.RequestsTotal, "openai", "gpt-4o-mini", "success"); got != 1 {
		t.Fatalf("requests success = %v", got)
	}
	if got := counterValue(t, metrics.TokensUsed, "openai", "gpt-4o-mini", "input"); got != 120 {
		t.Fatalf("input tokens = %v", got)
	}
	if got := counterValue(t, metrics.TokensUsed, "openai", "gpt-4o-mini", "output"); got != 40 {
		t.Fatalf("output tokens = %v", got)
	}
}

func TestInstrumentedProvider_RecordsError(t *testing.T) {
	metrics := NewLLMMetrics(nil)
	inner := &fakeProvider{err: errors.New("rate limited")}
	p := NewInstrumentedProvider(inner, metrics, nil)

	if _, err := p.Complete(context.Background(), &llm.Request{Model: "gpt-4o-mini"}); err == nil {
		t.Fatal("expected provider error to propagate")
	}
	if got := counterValue(t, metrics.RequestsTotal, "openai", "gpt-4o-mini", "error"); got != 1 {
		t.Fatalf("requests error = %v", got)
	}
}

func TestNew_NilConfigDisablesEverything(t *testing.T) {
	obs, err := New(nil, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatal(err)
	}
	if obs != nil {
		t.Fatalf("obs = %+v, want nil", obs)
	}
	if obs.Registerer() != nil || obs.MetricsRegistry() != nil || obs.TracerOrNil() != nil {
		t.Fatal("nil observability must return nil components")
	}
	obs.Shutdown(context.Background())
}

func TestNew_MetricsOnly(t *testing.T) {
	obs, err := New(&config.ObservabilityConfig{
		Metrics: &config.MetricsConfig{Enabled: true},
	}, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatal(err)
	}
	if obs.Registry == nil || obs.LLM == nil {
		t.Fatal("metrics not initialized")
	}
	if obs.Tracer != nil {
		t.Fatal("tracer should be nil when disabled")
	}
	if obs.Registerer() == nil {
		t.Fatal("registerer is nil")
	}
}
