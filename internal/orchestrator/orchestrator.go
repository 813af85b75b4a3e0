// Package orchestrator runs the event → agent → plan → tool-call loop.
// Dispatch persists the event, resolves the responsible agent, creates
// the execution, and hands it to a bounded worker pool; the worker asks
// the planner for a plan and drives its steps through the tool registry
// with retries, error policies, and replanning.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/loanhive/loanhive/internal/agent"
	"github.com/loanhive/loanhive/internal/bus"
	"github.com/loanhive/loanhive/internal/crm"
	"github.com/loanhive/loanhive/internal/fault"
	"github.com/loanhive/loanhive/internal/planner"
	"github.com/loanhive/loanhive/internal/tools"
)

const (
	defaultToolTimeout = 30 * time.Second
	defaultExecTimeout = 120 * time.Second
	defaultRetryBase   = 200 * time.Millisecond
	defaultRetryMax    = time.Second
	defaultMaxAttempts = 3
	defaultMaxReplans  = 2
	defaultConcurrency = 8
)

// Store combines the persistence the orchestrator needs.
type Store interface {
	EventStore
	ExecutionStore
}

// Orchestrator dispatches events to agents and executes their plans.
type Orchestrator struct {
	store   Store
	agents  *agent.Registry
	toolreg *tools.Registry
	planner planner.Planner
	bus     *bus.Bus
	crm     crm.Store
	logger  *slog.Logger
	metrics *Metrics
	tracer  trace.Tracer

	toolTimeout time.Duration
	execTimeout time.Duration
	retryBase   time.Duration
	retryMax    time.Duration
	maxAttempts int
	maxReplans  int

	sem     chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	cancels map[uuid.UUID]context.CancelCauseFunc
}

// New creates an orchestrator with default timeouts and concurrency.
func New(store Store, agents *agent.Registry, toolreg *tools.Registry, pl planner.Planner, b *bus.Bus, crmStore crm.Store, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		store:       store,
		agents:      agents,
		toolreg:     toolreg,
		planner:     pl,
		bus:         b,
		crm:         crmStore,
		logger:      logger,
		metrics:     NewMetrics(nil),
		tracer:      otel.Tracer("loanhive/orchestrator"),
		toolTimeout: defaultToolTimeout,
		execTimeout: defaultExecTimeout,
		retryBase:   defaultRetryBase,
		retryMax:    defaultRetryMax,
		maxAttempts: defaultMaxAttempts,
		maxReplans:  defaultMaxReplans,
		sem:         make(chan struct{}, defaultConcurrency),
		cancels:     make(map[uuid.UUID]context.CancelCauseFunc),
	}
}

// WithMetrics replaces the default unregistered metrics.
func (o *Orchestrator) WithMetrics(m *Metrics) *Orchestrator {
	o.metrics = m
	return o
}

// WithToolTimeout sets the per-tool-call deadline. 0 disables it.
func (o *Orchestrator) WithToolTimeout(d time.Duration) *Orchestrator {
	o.toolTimeout = d
	return o
}

// WithExecutionTimeout sets the whole-execution deadline. 0 disables it.
func (o *Orchestrator) WithExecutionTimeout(d time.Duration) *Orchestrator {
	o.execTimeout = d
	return o
}

// WithRetryDelays sets the backoff after the first and subsequent
// transient failures.
func (o *Orchestrator) WithRetryDelays(base, max time.Duration) *Orchestrator {
	o.retryBase = base
	o.retryMax = max
	return o
}

// WithMaxConcurrent bounds the number of executions running at once.
func (o *Orchestrator) WithMaxConcurrent(n int) *Orchestrator {
	if n < 1 {
		n = 1
	}
	o.sem = make(chan struct{}, n)
	return o
}

// WithTracer replaces the default (global-provider) tracer.
func (o *Orchestrator) WithTracer(t trace.Tracer) *Orchestrator {
	o.tracer = t
	return o
}

// WithMaxReplans bounds plan regenerations per execution.
func (o *Orchestrator) WithMaxReplans(n int) *Orchestrator {
	o.maxReplans = n
	return o
}

// Dispatch persists the event, resolves the responsible agent, and
// starts an execution. Dispatching the same event to the same agent
// twice returns the existing execution without new work.
func (o *Orchestrator) Dispatch(ctx context.Context, ev *Event) (*Execution, error) {
	now := time.Now().UTC()
	if ev.Status == "" {
		ev.Status = EventPending
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = now
	}
	ev.UpdatedAt = now
	if err := o.store.SaveEvent(ctx, ev); err != nil {
		return nil, fmt.Errorf("saving event: %w", err)
	}

	candidates, err := o.agents.ResolveForEvent(agent.EventRef{
		TargetAgentID: ev.TargetAgentID,
		Source:        ev.Source,
	})
	if err != nil {
		o.setEventStatus(ctx, ev.ID, EventFailed)
		return nil, fmt.Errorf("routing event %d: %w", ev.ID, err)
	}
	cfg, ok := o.agents.Get(candidates[0])
	if !ok {
		o.setEventStatus(ctx, ev.ID, EventFailed)
		return nil, fmt.Errorf("routing event %d: agent %d vanished from registry", ev.ID, candidates[0])
	}

	exec := &Execution{
		ID:        uuid.New(),
		AgentID:   cfg.ID,
		EventID:   ev.ID,
		Status:    ExecQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.store.CreateExecution(ctx, exec); err != nil {
		if errors.Is(err, ErrDuplicateExecution) {
			existing, gerr := o.store.GetExecutionByEvent(ctx, cfg.ID, ev.ID)
			if gerr != nil {
				return nil, fmt.Errorf("loading existing execution for event %d: %w", ev.ID, gerr)
			}
			o.logger.InfoContext(ctx, "duplicate dispatch ignored",
				slog.Int64("event_id", ev.ID),
				slog.String("execution_id", existing.ID.String()),
			)
			return existing, nil
		}
		return nil, fmt.Errorf("creating execution: %w", err)
	}

	o.setEventStatus(ctx, ev.ID, EventDispatched)
	o.metrics.EventsDispatched.WithLabelValues(ev.Source).Inc()
	o.logger.InfoContext(ctx, "event dispatched",
		slog.Int64("event_id", ev.ID),
		slog.String("source", ev.Source),
		slog.Int64("agent_id", cfg.ID),
		slog.String("execution_id", exec.ID.String()),
	)

	o.wg.Add(1)
	go o.run(context.WithoutCancel(ctx), cfg, ev, exec)
	return exec, nil
}

// Cancel stops a running execution, or marks a queued one cancelled.
// Terminal executions return ErrExecutionFinished.
func (o *Orchestrator) Cancel(ctx context.Context, id uuid.UUID) error {
	o.mu.Lock()
	cancel, running := o.cancels[id]
	o.mu.Unlock()
	if running {
		cancel(fault.New(fault.KindCancelled, "cancelled by caller"))
		return nil
	}

	exec, err := o.store.GetExecution(ctx, id)
	if err != nil {
		return err
	}
	if exec.Status.Terminal() {
		return ErrExecutionFinished
	}
	exec.Status = ExecCancelled
	exec.ErrKind = fault.KindCancelled
	exec.ErrMessage = "cancelled before start"
	now := time.Now().UTC()
	exec.FinishedAt = &now
	exec.UpdatedAt = now
	if err := o.store.UpdateExecution(ctx, exec); err != nil {
		return fmt.Errorf("cancelling execution %s: %w", id, err)
	}
	o.setEventStatus(ctx, exec.EventID, EventFailed)

	// A worker may have registered between the first map check and the
	// store write. Firing its cancel func keeps the stored status
	// terminal instead of letting the worker run the execution anyway.
	o.mu.Lock()
	cancel, running = o.cancels[id]
	o.mu.Unlock()
	if running {
		cancel(fault.New(fault.KindCancelled, "cancelled by caller"))
	}
	return nil
}

// Execution returns one execution by id.
func (o *Orchestrator) Execution(ctx context.Context, id uuid.UUID) (*Execution, error) {
	return o.store.GetExecution(ctx, id)
}

// Executions lists executions newest first, optionally by status.
func (o *Orchestrator) Executions(ctx context.Context, status ExecutionStatus, limit int) ([]Execution, error) {
	if limit <= 0 {
		limit = 50
	}
	return o.store.ListExecutions(ctx, status, limit)
}

// Shutdown waits for in-flight executions to finish or ctx to expire.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type stepAction int

const (
	actionComplete stepAction = iota
	actionAbort
	actionReplan
	actionInterrupted
)

type stepOutcome struct {
	action  stepAction
	kind    fault.Kind
	message string
}

// run drives one execution to a terminal status. The passed context is
// detached from the dispatcher's request.
func (o *Orchestrator) run(ctx context.Context, cfg agent.Config, ev *Event, exec *Execution) {
	defer o.wg.Done()
	o.sem <- struct{}{}
	defer func() { <-o.sem }()
	o.metrics.InFlight.Inc()
	defer o.metrics.InFlight.Dec()

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	o.mu.Lock()
	o.cancels[exec.ID] = cancel
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.cancels, exec.ID)
		o.mu.Unlock()
	}()

	// A Cancel may have landed before this worker started. The re-read
	// happens after the cancel func is registered so a Cancel arriving
	// between the two finds the func in the map and interrupts us
	// instead of being overwritten.
	if stored, err := o.store.GetExecution(ctx, exec.ID); err == nil && stored.Status.Terminal() {
		return
	}

	if o.execTimeout > 0 {
		var tcancel context.CancelFunc
		ctx, tcancel = context.WithTimeoutCause(ctx, o.execTimeout,
			fault.New(fault.KindTimeout, "execution exceeded %s", o.execTimeout))
		defer tcancel()
	}

	ctx, span := o.tracer.Start(ctx, "orchestrator.execution", trace.WithAttributes(
		attribute.Int64("agent.id", cfg.ID),
		attribute.Int64("event.id", ev.ID),
		attribute.String("execution.id", exec.ID.String()),
	))
	defer span.End()

	start := time.Now().UTC()
	exec.StartedAt = &start
	o.metrics.ExecutionsStarted.Inc()

	replans := 0
	packet := o.buildPacket(ctx, cfg, ev, nil)
	for {
		o.setStatus(ctx, exec, ExecPlanning)
		plan, err := o.planner.Plan(ctx, &cfg, packet)
		if err != nil {
			if cause := interrupted(ctx); cause != nil {
				o.finishInterrupted(ctx, exec, ev, cause)
				return
			}
			o.fail(ctx, exec, ev, fault.KindOf(err), err.Error())
			return
		}
		plan.ExecutionID = exec.ID
		plan.Generation = len(exec.Plans) + 1
		exec.Plans = append(exec.Plans, *plan)

		if len(plan.Steps) == 0 {
			exec.Summary = plan.FinalAnswer
			o.finish(ctx, exec, ev, ExecCompleted)
			return
		}

		o.setStatus(ctx, exec, ExecRunning)
		outcome := o.runSteps(ctx, &cfg, exec)
		switch outcome.action {
		case actionComplete:
			exec.Summary = summarize(exec.CurrentPlan())
			o.finish(ctx, exec, ev, ExecCompleted)
			return
		case actionAbort:
			o.fail(ctx, exec, ev, outcome.kind, outcome.message)
			return
		case actionInterrupted:
			exec.ErrKind = outcome.kind
			exec.ErrMessage = outcome.message
			if outcome.kind == fault.KindCancelled {
				o.finish(ctx, exec, ev, ExecCancelled)
			} else {
				o.finish(ctx, exec, ev, ExecFailed)
			}
			return
		case actionReplan:
			replans++
			if replans > o.maxReplans {
				o.fail(ctx, exec, ev, outcome.kind,
					fmt.Sprintf("replan budget exhausted after %d plans: %s", len(exec.Plans), outcome.message))
				return
			}
			o.metrics.Replans.Inc()
			o.logger.InfoContext(ctx, "replanning",
				slog.String("execution_id", exec.ID.String()),
				slog.Int("generation", len(exec.Plans)+1),
			)
			packet = o.buildPacket(ctx, cfg, ev, failedSteps(exec.CurrentPlan()))
		}
	}
}

// runSteps executes the current plan's pending steps in order.
func (o *Orchestrator) runSteps(ctx context.Context, cfg *agent.Config, exec *Execution) stepOutcome {
	plan := exec.CurrentPlan()
	for i := range plan.Steps {
		step := &plan.Steps[i]
		if step.Status != planner.StepPending {
			continue
		}
		if cause := interrupted(ctx); cause != nil {
			o.failStep(step, fault.KindOf(cause), cause.Error())
			skipRemaining(plan, i+1)
			o.persist(ctx, exec)
			return stepOutcome{action: actionInterrupted, kind: fault.KindOf(cause), message: cause.Error()}
		}

		def, ok := o.toolreg.Get(step.ToolID)
		if !ok {
			o.failStep(step, fault.KindConfig, fmt.Sprintf("unknown tool id %d", step.ToolID))
			skipRemaining(plan, i+1)
			o.persist(ctx, exec)
			return stepOutcome{action: actionAbort, kind: fault.KindConfig, message: step.ErrMessage}
		}
		if !cfg.RiskCeiling.Allows(def.Risk) {
			o.failStep(step, fault.KindToolNotPermitted,
				fmt.Sprintf("tool %q risk %s exceeds agent ceiling %s", def.Name, def.Risk, cfg.RiskCeiling))
			skipRemaining(plan, i+1)
			o.persist(ctx, exec)
			return stepOutcome{action: actionAbort, kind: fault.KindToolNotPermitted, message: step.ErrMessage}
		}

		step.Status = planner.StepRunning
		o.persist(ctx, exec)

		res := o.invokeWithRetry(ctx, cfg, exec, step)
		if res == nil {
			cause := context.Cause(ctx)
			if cause == nil {
				cause = ctx.Err()
			}
			o.failStep(step, fault.KindOf(cause), cause.Error())
			skipRemaining(plan, i+1)
			o.persist(ctx, exec)
			return stepOutcome{action: actionInterrupted, kind: fault.KindOf(cause), message: cause.Error()}
		}

		if res.OK {
			step.Status = planner.StepSucceeded
			step.Result = res.Value
			o.metrics.StepsTotal.WithLabelValues(string(planner.StepSucceeded)).Inc()
			o.persist(ctx, exec)
			o.postMessages(ctx, cfg.ID, exec, res.Messages)
			continue
		}

		o.failStep(step, res.ErrKind, res.ErrMessage)
		o.persist(ctx, exec)
		o.logger.WarnContext(ctx, "step failed",
			slog.String("execution_id", exec.ID.String()),
			slog.String("tool", step.ToolName),
			slog.String("kind", string(res.ErrKind)),
			slog.String("error", res.ErrMessage),
			slog.Int("attempts", step.Attempts),
		)

		// Permission and configuration failures are fatal regardless of
		// the step's policy.
		if res.ErrKind == fault.KindConfig || res.ErrKind == fault.KindToolNotPermitted {
			skipRemaining(plan, i+1)
			o.persist(ctx, exec)
			return stepOutcome{action: actionAbort, kind: res.ErrKind, message: res.ErrMessage}
		}

		switch step.OnError {
		case planner.OnErrorContinue:
			continue
		case planner.OnErrorReplan:
			skipRemaining(plan, i+1)
			o.persist(ctx, exec)
			return stepOutcome{action: actionReplan, kind: res.ErrKind, message: res.ErrMessage}
		default:
			skipRemaining(plan, i+1)
			o.persist(ctx, exec)
			return stepOutcome{action: actionAbort, kind: res.ErrKind, message: res.ErrMessage}
		}
	}
	return stepOutcome{action: actionComplete}
}

// invokeWithRetry runs one step through the registry, retrying
// transient failures. Returns nil when the execution context was
// cancelled or timed out.
func (o *Orchestrator) invokeWithRetry(ctx context.Context, cfg *agent.Config, exec *Execution, step *planner.Step) *tools.Result {
	tc := &tools.Context{
		ExecutionID: exec.ID,
		AgentID:     cfg.ID,
		Args:        step.Args,
		CRM:         o.crm,
	}
	for {
		step.Attempts++
		if step.Attempts > 1 {
			o.metrics.StepRetries.Inc()
		}
		res := o.invokeOnce(ctx, exec, step.ToolID, tc)
		if res == nil {
			return nil
		}
		if res.OK || !res.ErrKind.Retryable() || step.Attempts >= o.maxAttempts {
			return res
		}

		delay := o.retryBase
		if step.Attempts > 1 {
			delay = o.retryMax
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// invokeOnce runs the handler in its own goroutine so a stuck tool
// cannot wedge the execution. The result channel is buffered; a result
// arriving after the deadline is dropped.
func (o *Orchestrator) invokeOnce(ctx context.Context, exec *Execution, toolID int64, tc *tools.Context) *tools.Result {
	callCtx := ctx
	if o.toolTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeoutCause(ctx, o.toolTimeout,
			fault.New(fault.KindTransient, "tool call exceeded %s", o.toolTimeout))
		defer cancel()
	}

	o.setStatus(ctx, exec, ExecAwaitingTool)
	defer o.setStatus(ctx, exec, ExecRunning)

	ch := make(chan *tools.Result, 1)
	go func() {
		ch <- o.toolreg.Invoke(callCtx, toolID, tc)
	}()

	select {
	case res := <-ch:
		return res
	case <-callCtx.Done():
		if ctx.Err() != nil {
			// Execution-level cancel or timeout.
			return nil
		}
		cause := context.Cause(callCtx)
		return tools.Err(fault.KindTransient, cause.Error())
	}
}

// buildPacket assembles the planner's context: the event, recent bus
// traffic, and the agent's latest finished executions. Lookup failures
// degrade to a thinner packet rather than failing the run.
func (o *Orchestrator) buildPacket(ctx context.Context, cfg agent.Config, ev *Event, failed []planner.Step) *planner.ContextPacket {
	packet := &planner.ContextPacket{
		Event: planner.EventSnapshot{
			EventID: ev.ID,
			Source:  ev.Source,
			Type:    ev.Type,
			Payload: ev.Payload,
		},
		Caller:      ev.Caller,
		FailedSteps: failed,
	}

	if msgs, err := o.bus.RecentForAgent(ctx, cfg.ID, 20); err == nil {
		packet.RecentMessages = msgs
	} else {
		o.logger.WarnContext(ctx, "loading recent messages failed",
			slog.Int64("agent_id", cfg.ID), slog.String("error", err.Error()))
	}

	if prior, err := o.store.RecentFinished(ctx, cfg.ID, 5); err == nil {
		for _, p := range prior {
			summary := planner.ExecutionSummary{
				ExecutionID: p.ID,
				Status:      string(p.Status),
				Summary:     p.Summary,
			}
			if p.FinishedAt != nil {
				summary.FinishedAt = *p.FinishedAt
			}
			if pev, err := o.store.GetEvent(ctx, p.EventID); err == nil {
				summary.EventType = pev.Type
			}
			packet.PriorExecutions = append(packet.PriorExecutions, summary)
		}
	}
	return packet
}

// postMessages puts a tool's outbound messages on the bus.
func (o *Orchestrator) postMessages(ctx context.Context, agentID int64, exec *Execution, msgs []tools.OutboundMessage) {
	for _, om := range msgs {
		msg := &bus.Message{
			SenderID:      agentID,
			RecipientID:   om.RecipientID,
			Type:          bus.Type(om.Type),
			Priority:      bus.Priority(om.Priority),
			Payload:       om.Payload,
			CorrelationID: exec.ID.String(),
		}
		var err error
		if om.RecipientID == nil {
			err = o.bus.Broadcast(ctx, msg)
		} else {
			err = o.bus.Post(ctx, msg)
		}
		if err != nil {
			o.logger.ErrorContext(ctx, "posting tool message failed",
				slog.String("execution_id", exec.ID.String()),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (o *Orchestrator) failStep(step *planner.Step, kind fault.Kind, msg string) {
	step.Status = planner.StepFailed
	step.ErrKind = kind
	step.ErrMessage = msg
	o.metrics.StepsTotal.WithLabelValues(string(planner.StepFailed)).Inc()
}

// finishInterrupted resolves a cancel-vs-timeout cause into a terminal
// status.
func (o *Orchestrator) finishInterrupted(ctx context.Context, exec *Execution, ev *Event, cause error) {
	exec.ErrKind = fault.KindOf(cause)
	exec.ErrMessage = cause.Error()
	if exec.ErrKind == fault.KindCancelled {
		o.finish(ctx, exec, ev, ExecCancelled)
		return
	}
	o.finish(ctx, exec, ev, ExecFailed)
}

func (o *Orchestrator) fail(ctx context.Context, exec *Execution, ev *Event, kind fault.Kind, msg string) {
	exec.ErrKind = kind
	exec.ErrMessage = msg
	o.finish(ctx, exec, ev, ExecFailed)
}

// finish records the terminal status and settles the event.
func (o *Orchestrator) finish(ctx context.Context, exec *Execution, ev *Event, status ExecutionStatus) {
	now := time.Now().UTC()
	exec.Status = status
	exec.FinishedAt = &now
	exec.UpdatedAt = now
	o.persist(ctx, exec)

	eventStatus := EventCompleted
	if status != ExecCompleted {
		eventStatus = EventFailed
	}
	o.setEventStatus(ctx, ev.ID, eventStatus)

	o.metrics.ExecutionsFinished.WithLabelValues(string(status)).Inc()
	if exec.StartedAt != nil {
		o.metrics.ExecutionDuration.Observe(now.Sub(*exec.StartedAt).Seconds())
	}
	o.logger.InfoContext(ctx, "execution finished",
		slog.String("execution_id", exec.ID.String()),
		slog.String("status", string(status)),
		slog.Int("plans", len(exec.Plans)),
		slog.String("error", exec.ErrMessage),
	)
}

func (o *Orchestrator) setStatus(ctx context.Context, exec *Execution, status ExecutionStatus) {
	exec.Status = status
	o.persist(ctx, exec)
}

// persist writes the execution with a context immune to the run's
// cancellation, so terminal states survive a cancel.
func (o *Orchestrator) persist(ctx context.Context, exec *Execution) {
	exec.UpdatedAt = time.Now().UTC()
	if err := o.store.UpdateExecution(context.WithoutCancel(ctx), exec); err != nil {
		o.logger.ErrorContext(ctx, "persisting execution failed",
			slog.String("execution_id", exec.ID.String()),
			slog.String("error", err.Error()),
		)
	}
}

func (o *Orchestrator) setEventStatus(ctx context.Context, id int64, status EventStatus) {
	if err := o.store.SetEventStatus(context.WithoutCancel(ctx), id, status); err != nil {
		o.logger.ErrorContext(ctx, "updating event status failed",
			slog.Int64("event_id", id),
			slog.String("error", err.Error()),
		)
	}
}

// interrupted returns the cancellation cause when ctx is done.
func interrupted(ctx context.Context) error {
	if ctx.Err() == nil {
		return nil
	}
	if cause := context.Cause(ctx); cause != nil {
		return cause
	}
	return ctx.Err()
}

func skipRemaining(plan *planner.Plan, from int) {
	for i := from; i < len(plan.Steps); i++ {
		if plan.Steps[i].Status == planner.StepPending {
			plan.Steps[i].Status = planner.StepSkipped
		}
	}
}

func failedSteps(plan *planner.Plan) []planner.Step {
	var out []planner.Step
	for _, s := range plan.Steps {
		if s.Status == planner.StepFailed {
			out = append(out, s)
		}
	}
	return out
}

// summarize renders a human-readable result for a finished plan.
func summarize(plan *planner.Plan) string {
	if plan == nil {
		return ""
	}
	var succeeded, failed int
	var failures []string
	for _, s := range plan.Steps {
		switch s.Status {
		case planner.StepSucceeded:
			succeeded++
		case planner.StepFailed:
			failed++
			failures = append(failures, s.ToolName)
		}
	}
	if failed == 0 {
		return fmt.Sprintf("%d of %d steps succeeded", succeeded, len(plan.Steps))
	}
	return fmt.Sprintf("%d of %d steps succeeded (failed: %s)",
		succeeded, len(plan.Steps), strings.Join(failures, ", "))
}
