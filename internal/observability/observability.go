// Package observability provides Prometheus metrics and OpenTelemetry
// tracing for Loanhive. All components are optional and nil-safe — when
// disabled, wrappers skip recording with a single nil check per
// operation.
package observability

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/loanhive/loanhive/internal/config"
)

// Observability is the top-level facade. Any field may be nil when that
// feature is disabled.
type Observability struct {
	Registry *prometheus.Registry
	LLM      *LLMMetrics
	Tracer   *Tracing
}

// New creates an Observability instance from config.
// Returns nil when the config is nil (all features disabled).
func New(cfg *config.ObservabilityConfig, logger *slog.Logger) (*Observability, error) {
	if cfg == nil {
		return nil, nil
	}

	obs := &Observability{}

	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		obs.Registry = prometheus.NewRegistry()
		obs.Registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		obs.LLM = NewLLMMetrics(obs.Registry)
	}

	if cfg.Tracing != nil && cfg.Tracing.Enabled {
		ts, err := NewTracing(cfg.Tracing)
		if err != nil {
			return nil, fmt.Errorf("initializing tracing: %w", err)
		}
		obs.Tracer = ts
		logger.Info("tracing enabled",
			slog.String("endpoint", cfg.Tracing.Endpoint),
			slog.String("protocol", cfg.Tracing.Protocol),
		)
	}

	return obs, nil
}

// Registerer returns the metrics registry, or nil when metrics are
// disabled. Safe to pass straight to NewMetrics constructors.
func (o *Observability) Registerer() prometheus.Registerer {
	if o == nil || o.Registry == nil {
		return nil
	}
	return o.Registry
}

// MetricsRegistry returns the registry for the /metrics endpoint, or nil.
func (o *Observability) MetricsRegistry() *prometheus.Registry {
	if o == nil {
		return nil
	}
	return o.Registry
}

// TracerOrNil returns the span pipeline, or nil when tracing is disabled.
func (o *Observability) TracerOrNil() *Tracing {
	if o == nil {
		return nil
	}
	return o.Tracer
}

// Shutdown flushes pending spans.
func (o *Observability) Shutdown(ctx context.Context) {
	if o == nil {
		return
	}
	if o.Tracer != nil {
		_ = o.Tracer.Shutdown(ctx)
	}
}

// LLMMetrics holds the chat-completion provider instruments.
type LLMMetrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	TokensUsed      *prometheus.CounterVec
}

// NewLLMMetrics creates and registers the provider metrics. Pass nil to
// skip registration (tests).
func NewLLMMetrics(reg prometheus.Registerer) *LLMMetrics {
	m := &LLMMetrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loanhive",
			Subsystem: "llm",
			Name:      "requests_total",
			Help:      "Total chat-completion requests.",
		}, []string{"provider", "model", "status"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "loanhive",
			Subsystem: "llm",
			Name:      "request_duration_seconds",
			Help:      "Chat-completion request duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider", "model"}),
		TokensUsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loanhive",
			Subsystem: "llm",
			Name:      "tokens_used_total",
			Help:      "Total tokens consumed.",
		}, []string{"provider", "model", "direction"}),
	}
	if reg != nil {
		reg.MustRegister(m.RequestsTotal, m.RequestDuration, m.TokensUsed)
	}
	return m
}
