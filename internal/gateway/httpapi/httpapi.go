// Package httpapi implements the HTTP gateway for Loanhive.
//
// Security:
//   - API key authentication on every /v1 request (constant-time compare)
//   - Per-caller rate limiting via token bucket
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jkaninda/okapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/loanhive/loanhive/internal/agent"
	"github.com/loanhive/loanhive/internal/bus"
	"github.com/loanhive/loanhive/internal/orchestrator"
	"github.com/loanhive/loanhive/internal/planner"
	"github.com/loanhive/loanhive/internal/ratelimit"
	"github.com/loanhive/loanhive/internal/sms/twilio"
	"github.com/loanhive/loanhive/internal/tools"
)

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP gateway.
type Config struct {
	ListenAddr       string            // e.g. ":8080"
	APIKeys          map[string]string // API key → caller name
	RateLimitPerMin  int               // Requests per caller per minute. 0 = unlimited.
	EnableDocs       bool
	MetricsRegistry  *prometheus.Registry // Registry served at /metrics. Nil disables.
	TwilioWebhookKey string               // Shared secret query param for the SMS webhook. Empty disables the route.
}

// Gateway is the HTTP gateway.
type Gateway struct {
	config  Config
	orch    *orchestrator.Orchestrator
	agents  *agent.Registry
	toolreg *tools.Registry
	msgbus  *bus.Bus
	limiter *ratelimit.Limiter
	logger  *slog.Logger
	server  *http.Server
	okapi   *okapi.Okapi
	group   *okapi.Group

	// Extra handlers mounted on the mux (e.g. the voice WebSocket).
	extraRoutes []extraRoute
}

type extraRoute struct {
	method  string
	pattern string
	handler http.Handler
}

// NewGateway creates an HTTP gateway.
func NewGateway(cfg Config, orch *orchestrator.Orchestrator, agents *agent.Registry, toolreg *tools.Registry, msgbus *bus.Bus, logger *slog.Logger) *Gateway {
	return &Gateway{
		config:  cfg,
		orch:    orch,
		agents:  agents,
		toolreg: toolreg,
		msgbus:  msgbus,
		limiter: ratelimit.NewLimiter(),
		logger:  logger,
		okapi:   okapi.New(),
	}
}

// WithHandler mounts an additional handler at the given pattern.
func (g *Gateway) WithHandler(method, pattern string, handler http.Handler) *Gateway {
	g.extraRoutes = append(g.extraRoutes, extraRoute{method: method, pattern: pattern, handler: handler})
	return g
}

// WithOpenAPIDocs enables the generated OpenAPI documentation.
func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(okapi.OpenAPI{
		Title:   "Loanhive",
		Version: "v0.1.0",
	})
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is
// canceled.
func (g *Gateway) Start(ctx context.Context) error {
	g.group = g.okapi.Group("/v1", g.authenticate)

	g.group.Post("/events", g.handleEventSubmit,
		okapi.DocSummary("Submit an event for agent dispatch"),
		okapi.DocTags("Events"),
		okapi.DocRequestBody(EventRequest{}),
		okapi.DocResponse(http.StatusAccepted, ExecutionResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	g.group.Get("/executions", g.handleExecutionList,
		okapi.DocSummary("List executions"),
		okapi.DocTags("Executions"),
		okapi.DocResponse([]ExecutionResponse{}),
	)
	g.group.Get("/executions/status/{status}", g.handleExecutionListByStatus,
		okapi.DocSummary("List executions with a given status"),
		okapi.DocTags("Executions"),
		okapi.DocPathParam("status", "string", "Execution status"),
		okapi.DocResponse([]ExecutionResponse{}),
	)
	g.group.Get("/executions/{id}", g.handleExecutionGet,
		okapi.DocSummary("Get an execution with its plans"),
		okapi.DocTags("Executions"),
		okapi.DocPathParam("id", "string", "Execution ID (UUID)"),
		okapi.DocResponse(ExecutionResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/executions/{id}/cancel", g.handleExecutionCancel,
		okapi.DocSummary("Cancel a running execution"),
		okapi.DocTags("Executions"),
		okapi.DocPathParam("id", "string", "Execution ID (UUID)"),
		okapi.DocResponse(map[string]string{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Get("/agents", g.handleAgentList,
		okapi.DocSummary("List active agents"),
		okapi.DocTags("Agents"),
		okapi.DocResponse([]AgentResponse{}),
	)
	g.group.Get("/agents/{id}/messages", g.handleAgentMessages,
		okapi.DocSummary("List an agent's undelivered messages"),
		okapi.DocTags("Agents"),
		okapi.DocPathParam("id", "string", "Agent ID"),
		okapi.DocResponse([]MessageResponse{}),
	)
	g.group.Get("/tools", g.handleToolList,
		okapi.DocSummary("List registered tools"),
		okapi.DocTags("Tools"),
		okapi.DocResponse([]ToolResponse{}),
	)

	// Inbound SMS webhook. Twilio cannot send an API key header, so the
	// route is guarded by a shared secret in the query string.
	if g.config.TwilioWebhookKey != "" {
		g.okapi.HandleStd("POST", "/webhooks/twilio", g.handleTwilioWebhook)
	}

	for _, er := range g.extraRoutes {
		g.okapi.HandleStd(er.method, er.pattern, er.handler.ServeHTTP)
	}

	g.okapi.Get("/healthz", g.handleLiveness)
	if g.config.MetricsRegistry != nil {
		g.okapi.HandleStd("GET", "/metrics",
			promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http gateway starting", slog.String("addr", g.config.ListenAddr))
	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Handlers ---

// EventRequest is the JSON body for POST /v1/events.
type EventRequest struct {
	Source        string         `json:"source"`
	Type          string         `json:"type"`
	Payload       map[string]any `json:"payload,omitempty"`
	TargetAgentID *int64         `json:"target_agent_id,omitempty"`
}

// StepResponse is one plan step in an execution response.
type StepResponse struct {
	Index    int            `json:"index"`
	Tool     string         `json:"tool"`
	Status   string         `json:"status"`
	Attempts int            `json:"attempts"`
	Result   map[string]any `json:"result,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// PlanResponse is one plan generation in an execution response.
type PlanResponse struct {
	Generation  int            `json:"generation"`
	Steps       []StepResponse `json:"steps,omitempty"`
	FinalAnswer string         `json:"final_answer,omitempty"`
}

// ExecutionResponse is the JSON representation of an execution.
type ExecutionResponse struct {
	ID         string         `json:"id"`
	AgentID    int64          `json:"agent_id"`
	EventID    int64          `json:"event_id"`
	Status     string         `json:"status"`
	Summary    string         `json:"summary,omitempty"`
	Error      string         `json:"error,omitempty"`
	ErrorKind  string         `json:"error_kind,omitempty"`
	Plans      []PlanResponse `json:"plans,omitempty"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
}

// AgentResponse is the JSON representation of an agent config.
type AgentResponse struct {
	ID           int64   `json:"id"`
	Name         string  `json:"name"`
	Type         string  `json:"type"`
	Status       string  `json:"status"`
	Model        string  `json:"model"`
	AllowedTools []int64 `json:"allowed_tools"`
	RiskCeiling  string  `json:"risk_ceiling"`
}

// ToolResponse is the JSON representation of a tool definition.
type ToolResponse struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
	Risk        string `json:"risk"`
	Idempotent  bool   `json:"idempotent"`
	RateLimit   int    `json:"rate_limit,omitempty"`
}

// MessageResponse is the JSON representation of a bus message.
type MessageResponse struct {
	ID          string         `json:"id"`
	SenderID    int64          `json:"sender_id"`
	Type        string         `json:"type"`
	Priority    string         `json:"priority"`
	Payload     map[string]any `json:"payload,omitempty"`
	Correlation string         `json:"correlation_id,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// HealthResponse is the liveness body.
type HealthResponse struct {
	Status string `json:"status"`
}

func (g *Gateway) handleEventSubmit(c *okapi.Context) error {
	caller := c.GetString("caller")
	if err := g.limiter.Allow(caller, g.config.RateLimitPerMin); err != nil {
		return c.AbortTooManyRequests("rate limit exceeded")
	}

	var req EventRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Source == "" || req.Type == "" {
		return c.AbortBadRequest("source and type are required")
	}

	ev := &orchestrator.Event{
		Source:        req.Source,
		Type:          req.Type,
		Payload:       req.Payload,
		TargetAgentID: req.TargetAgentID,
		Caller:        caller,
	}
	exec, err := g.orch.Dispatch(c.Context(), ev)
	if err != nil {
		g.logger.Error("event dispatch failed",
			slog.String("caller", caller),
			slog.String("source", req.Source),
			slog.String("error", err.Error()),
		)
		return c.AbortBadRequest(err.Error())
	}
	return c.JSON(http.StatusAccepted, executionBody(exec))
}

func (g *Gateway) handleExecutionList(c *okapi.Context) error {
	return g.listExecutions(c, "")
}

func (g *Gateway) handleExecutionListByStatus(c *okapi.Context) error {
	return g.listExecutions(c, orchestrator.ExecutionStatus(c.Param("status")))
}

func (g *Gateway) listExecutions(c *okapi.Context, status orchestrator.ExecutionStatus) error {
	execs, err := g.orch.Executions(c.Context(), status, 100)
	if err != nil {
		return c.AbortInternalServerError("listing executions failed")
	}
	out := make([]ExecutionResponse, 0, len(execs))
	for i := range execs {
		out = append(out, executionBody(&execs[i]))
	}
	return c.OK(out)
}

func (g *Gateway) handleExecutionGet(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid execution id")
	}
	exec, err := g.orch.Execution(c.Context(), id)
	if err != nil {
		return c.JSON(http.StatusNotFound, ErrorBody{Error: "execution not found"})
	}
	return c.OK(executionBody(exec))
}

func (g *Gateway) handleExecutionCancel(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid execution id")
	}
	switch err := g.orch.Cancel(c.Context(), id); {
	case err == nil:
		return c.OK(okapi.M{"status": "cancelling"})
	case err == orchestrator.ErrExecutionFinished:
		return c.JSON(http.StatusConflict, ErrorBody{Error: "execution already finished"})
	case err == orchestrator.ErrNotFound:
		return c.JSON(http.StatusNotFound, ErrorBody{Error: "execution not found"})
	default:
		return c.AbortInternalServerError("cancel failed")
	}
}

func (g *Gateway) handleAgentList(c *okapi.Context) error {
	configs := g.agents.ListActive()
	out := make([]AgentResponse, 0, len(configs))
	for _, cfg := range configs {
		out = append(out, AgentResponse{
			ID:           cfg.ID,
			Name:         cfg.Name,
			Type:         string(cfg.Type),
			Status:       string(cfg.Status),
			Model:        cfg.Model,
			AllowedTools: cfg.AllowedTools,
			RiskCeiling:  string(cfg.RiskCeiling),
		})
	}
	return c.OK(out)
}

func (g *Gateway) handleAgentMessages(c *okapi.Context) error {
	agentID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return c.AbortBadRequest("invalid agent id")
	}
	msgs, err := g.msgbus.Pull(c.Context(), agentID, 0, 50)
	if err != nil {
		return c.AbortInternalServerError("listing messages failed")
	}
	out := make([]MessageResponse, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, MessageResponse{
			ID:          m.ID.String(),
			SenderID:    m.SenderID,
			Type:        string(m.Type),
			Priority:    string(m.Priority),
			Payload:     m.Payload,
			Correlation: m.CorrelationID,
			CreatedAt:   m.CreatedAt,
		})
	}
	return c.OK(out)
}

func (g *Gateway) handleToolList(c *okapi.Context) error {
	defs := g.toolreg.List()
	out := make([]ToolResponse, 0, len(defs))
	for _, def := range defs {
		out = append(out, ToolResponse{
			ID:          def.ID,
			Name:        def.Name,
			Description: def.Description,
			Category:    string(def.Category),
			Risk:        string(def.Risk),
			Idempotent:  def.Idempotent,
			RateLimit:   def.RateLimit,
		})
	}
	return c.OK(out)
}

// handleTwilioWebhook normalizes an inbound SMS webhook and dispatches
// it. Twilio expects a 2xx quickly; dispatch runs asynchronously anyway.
func (g *Gateway) handleTwilioWebhook(w http.ResponseWriter, r *http.Request) {
	if subtle.ConstantTimeCompare([]byte(r.URL.Query().Get("key")), []byte(g.config.TwilioWebhookKey)) != 1 {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	ev, err := twilio.EventFromWebhook(r.PostForm)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if _, err := g.orch.Dispatch(r.Context(), ev); err != nil {
		g.logger.Error("sms event dispatch failed", slog.String("error", err.Error()))
		http.Error(w, "dispatch failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// authenticate validates the bearer API key and records the caller name.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		apiKey := strings.TrimPrefix(authHeader, "Bearer ")

		caller := ""
		for key, name := range g.config.APIKeys {
			if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
				caller = name
			}
		}
		if caller == "" {
			return c.AbortUnauthorized("invalid API key")
		}
		c.Set("caller", caller)
		return next(c)
	}
}

func executionBody(exec *orchestrator.Execution) ExecutionResponse {
	out := ExecutionResponse{
		ID:         exec.ID.String(),
		AgentID:    exec.AgentID,
		EventID:    exec.EventID,
		Status:     string(exec.Status),
		Summary:    exec.Summary,
		Error:      exec.ErrMessage,
		ErrorKind:  string(exec.ErrKind),
		StartedAt:  exec.StartedAt,
		FinishedAt: exec.FinishedAt,
	}
	for _, p := range exec.Plans {
		pr := PlanResponse{Generation: p.Generation, FinalAnswer: p.FinalAnswer}
		for _, s := range p.Steps {
			pr.Steps = append(pr.Steps, stepBody(s))
		}
		out.Plans = append(out.Plans, pr)
	}
	return out
}

func stepBody(s planner.Step) StepResponse {
	return StepResponse{
		Index:    s.Index,
		Tool:     s.ToolName,
		Status:   string(s.Status),
		Attempts: s.Attempts,
		Result:   s.Result,
		Error:    s.ErrMessage,
	}
}
