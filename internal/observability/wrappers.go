package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/loanhive/loanhive/internal/llm"
)

// InstrumentedProvider wraps an llm.Provider with metrics and tracing.
type InstrumentedProvider struct {
	inner   llm.Provider
	metrics *LLMMetrics
	tracer  trace.Tracer
}

var _ llm.Provider = (*InstrumentedProvider)(nil)

// NewInstrumentedProvider wraps a chat-completion provider with
// observability. Either metrics or ts may be nil.
func NewInstrumentedProvider(inner llm.Provider, metrics *LLMMetrics, ts *Tracing) *InstrumentedProvider {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedProvider{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
	}
}

func (p *InstrumentedProvider) Name() string { return p.inner.Name() }

func (p *InstrumentedProvider) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	provider := p.inner.Name()

	if p.tracer != nil {
		var span trace.Span
		ctx, span = p.tracer.Start(ctx, "llm.complete",
			trace.WithAttributes(
				attribute.String("llm.provider", provider),
				attribute.String("llm.model", req.Model),
			))
		defer span.End()
	}

	start := time.Now()
	resp, err := p.inner.Complete(ctx, req)
	duration := time.Since(start).Seconds()

	status := "success"
	if err != nil {
		status = "error"
		if p.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}

	if p.metrics != nil {
		p.metrics.RequestsTotal.WithLabelValues(provider, req.Model, status).Inc()
		p.metrics.RequestDuration.WithLabelValues(provider, req.Model).Observe(duration)
		if resp != nil {
			p.metrics.TokensUsed.WithLabelValues(provider, req.Model, "input").Add(float64(resp.Usage.InputTokens))
			p.metrics.TokensUsed.WithLabelValues(provider, req.Model, "output").Add(float64(resp.Usage.OutputTokens))
		}
	}

	return resp, err
}
