package postgres

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"github.com/loanhive/loanhive/internal/agent"
	"github.com/loanhive/loanhive/internal/bus"
	"github.com/loanhive/loanhive/internal/crm"
	"github.com/loanhive/loanhive/internal/fault"
	"github.com/loanhive/loanhive/internal/ingest"
	"github.com/loanhive/loanhive/internal/orchestrator"
	"github.com/loanhive/loanhive/internal/planner"
	"github.com/loanhive/loanhive/internal/tools"
)

// isDuplicate reports whether err is a unique-constraint violation. The
// same repositories serve both the PostgreSQL and SQLite backends, so
// all three shapes are checked.
func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func marshalJSONB(v any) JSONB {
	data, err := json.Marshal(v)
	if err != nil || data == nil {
		return JSONB("null")
	}
	return JSONB(data)
}

// --- Agent ---

func toAgentModel(cfg *agent.Config) AgentModel {
	allowed := cfg.AllowedTools
	if allowed == nil {
		allowed = []int64{}
	}
	return AgentModel{
		ID:           cfg.ID,
		Name:         cfg.Name,
		Type:         string(cfg.Type),
		Status:       string(cfg.Status),
		Model:        cfg.Model,
		SystemPrompt: cfg.SystemPrompt,
		AllowedTools: marshalJSONB(allowed),
		RiskCeiling:  string(cfg.RiskCeiling),
		MaxPlanSteps: cfg.MaxPlanSteps,
		CreatedAt:    cfg.CreatedAt,
		UpdatedAt:    cfg.UpdatedAt,
	}
}

func toAgentDomain(m *AgentModel) (*agent.Config, error) {
	var allowed []int64
	if len(m.AllowedTools) > 0 {
		if err := json.Unmarshal(m.AllowedTools, &allowed); err != nil {
			return nil, fmt.Errorf("decoding allowed tools for agent %d: %w", m.ID, err)
		}
	}
	return &agent.Config{
		ID:           m.ID,
		Name:         m.Name,
		Type:         agent.Type(m.Type),
		Status:       agent.Status(m.Status),
		Model:        m.Model,
		SystemPrompt: m.SystemPrompt,
		AllowedTools: allowed,
		RiskCeiling:  agent.RiskLevel(m.RiskCeiling),
		MaxPlanSteps: m.MaxPlanSteps,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}, nil
}

// --- Tool ---

func toToolModel(def *tools.Definition) ToolModel {
	return ToolModel{
		ID:          def.ID,
		Name:        def.Name,
		Description: def.Description,
		Category:    string(def.Category),
		Risk:        string(def.Risk),
		Parameters:  marshalJSONB(def.Parameters),
		Idempotent:  def.Idempotent,
		RateLimit:   def.RateLimit,
		CreatedAt:   def.CreatedAt,
		UpdatedAt:   def.UpdatedAt,
	}
}

func toToolDomain(m *ToolModel) (*tools.Definition, error) {
	var params map[string]any
	if len(m.Parameters) > 0 {
		if err := json.Unmarshal(m.Parameters, &params); err != nil {
			return nil, fmt.Errorf("decoding parameters for tool %d: %w", m.ID, err)
		}
	}
	return &tools.Definition{
		ID:          m.ID,
		Name:        m.Name,
		Description: m.Description,
		Category:    tools.Category(m.Category),
		Risk:        agent.RiskLevel(m.Risk),
		Parameters:  params,
		Idempotent:  m.Idempotent,
		RateLimit:   m.RateLimit,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}, nil
}

// --- Event ---

func toEventModel(ev *orchestrator.Event) EventModel {
	return EventModel{
		ID:            ev.ID,
		Source:        ev.Source,
		Type:          ev.Type,
		Payload:       marshalJSONB(ev.Payload),
		TargetAgentID: ev.TargetAgentID,
		Caller:        ev.Caller,
		Status:        string(ev.Status),
		CreatedAt:     ev.CreatedAt,
		UpdatedAt:     ev.UpdatedAt,
	}
}

func toEventDomain(m *EventModel) (*orchestrator.Event, error) {
	var payload map[string]any
	if len(m.Payload) > 0 {
		if err := json.Unmarshal(m.Payload, &payload); err != nil {
			return nil, fmt.Errorf("decoding payload for event %d: %w", m.ID, err)
		}
	}
	return &orchestrator.Event{
		ID:            m.ID,
		Source:        m.Source,
		Type:          m.Type,
		Payload:       payload,
		TargetAgentID: m.TargetAgentID,
		Caller:        m.Caller,
		Status:        orchestrator.EventStatus(m.Status),
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}, nil
}

// --- Execution ---

func toExecutionModel(exec *orchestrator.Execution) ExecutionModel {
	plans := exec.Plans
	if plans == nil {
		plans = []planner.Plan{}
	}
	return ExecutionModel{
		ID:         exec.ID,
		AgentID:    exec.AgentID,
		EventID:    exec.EventID,
		Status:     string(exec.Status),
		Plans:      marshalJSONB(plans),
		Summary:    exec.Summary,
		ErrKind:    string(exec.ErrKind),
		ErrMessage: exec.ErrMessage,
		StartedAt:  exec.StartedAt,
		FinishedAt: exec.FinishedAt,
		CreatedAt:  exec.CreatedAt,
		UpdatedAt:  exec.UpdatedAt,
	}
}

func toExecutionDomain(m *ExecutionModel) (*orchestrator.Execution, error) {
	var plans []planner.Plan
	if len(m.Plans) > 0 {
		if err := json.Unmarshal(m.Plans, &plans); err != nil {
			return nil, fmt.Errorf("decoding plans for execution %s: %w", m.ID, err)
		}
	}
	return &orchestrator.Execution{
		ID:         m.ID,
		AgentID:    m.AgentID,
		EventID:    m.EventID,
		Status:     orchestrator.ExecutionStatus(m.Status),
		Plans:      plans,
		Summary:    m.Summary,
		ErrKind:    fault.Kind(m.ErrKind),
		ErrMessage: m.ErrMessage,
		StartedAt:  m.StartedAt,
		FinishedAt: m.FinishedAt,
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
	}, nil
}

// --- Message ---

func toMessageModel(msg *bus.Message) MessageModel {
	return MessageModel{
		Seq:           msg.Seq,
		ID:            msg.ID,
		SenderID:      msg.SenderID,
		RecipientID:   msg.RecipientID,
		Type:          string(msg.Type),
		Priority:      string(msg.Priority),
		Payload:       marshalJSONB(msg.Payload),
		CorrelationID: msg.CorrelationID,
		Delivered:     msg.Delivered,
		DeliveredAt:   msg.DeliveredAt,
		CreatedAt:     msg.CreatedAt,
	}
}

func toMessageDomain(m *MessageModel) (*bus.Message, error) {
	var payload map[string]any
	if len(m.Payload) > 0 {
		if err := json.Unmarshal(m.Payload, &payload); err != nil {
			return nil, fmt.Errorf("decoding payload for message %s: %w", m.ID, err)
		}
	}
	return &bus.Message{
		ID:            m.ID,
		Seq:           m.Seq,
		SenderID:      m.SenderID,
		RecipientID:   m.RecipientID,
		Type:          bus.Type(m.Type),
		Priority:      bus.Priority(m.Priority),
		Payload:       payload,
		CorrelationID: m.CorrelationID,
		Delivered:     m.Delivered,
		DeliveredAt:   m.DeliveredAt,
		CreatedAt:     m.CreatedAt,
	}, nil
}

// --- Ingestion ---

func toIngestionModel(rec *ingest.Record) IngestionModel {
	return IngestionModel{
		ID:                rec.ID,
		Source:            rec.Source,
		ExternalMessageID: rec.ExternalMessageID,
		EventID:           rec.EventID,
		Disposition:       string(rec.Disposition),
		CreatedAt:         rec.CreatedAt,
		UpdatedAt:         rec.UpdatedAt,
	}
}

func toIngestionDomain(m *IngestionModel) *ingest.Record {
	return &ingest.Record{
		ID:                m.ID,
		Source:            m.Source,
		ExternalMessageID: m.ExternalMessageID,
		EventID:           m.EventID,
		Disposition:       ingest.Disposition(m.Disposition),
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
	}
}

// --- CRM ---

func toLeadModel(lead *crm.Lead) LeadModel {
	notes := lead.Notes
	if notes == nil {
		notes = []string{}
	}
	return LeadModel{
		ID:        lead.ID,
		Name:      lead.Name,
		Email:     lead.Email,
		Phone:     lead.Phone,
		Stage:     string(lead.Stage),
		Notes:     marshalJSONB(notes),
		CreatedAt: lead.CreatedAt,
		UpdatedAt: lead.UpdatedAt,
	}
}

func toLeadDomain(m *LeadModel) (*crm.Lead, error) {
	var notes []string
	if len(m.Notes) > 0 {
		if err := json.Unmarshal(m.Notes, &notes); err != nil {
			return nil, fmt.Errorf("decoding notes for lead %d: %w", m.ID, err)
		}
	}
	return &crm.Lead{
		ID:        m.ID,
		Name:      m.Name,
		Email:     m.Email,
		Phone:     m.Phone,
		Stage:     crm.LeadStage(m.Stage),
		Notes:     notes,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}, nil
}

func toFollowUpModel(task *crm.FollowUpTask) FollowUpModel {
	return FollowUpModel{
		ID:          task.ID,
		LeadID:      task.LeadID,
		Description: task.Description,
		DueAt:       task.DueAt,
		Done:        task.Done,
		CreatedAt:   task.CreatedAt,
	}
}

func toFollowUpDomain(m *FollowUpModel) crm.FollowUpTask {
	return crm.FollowUpTask{
		ID:          m.ID,
		LeadID:      m.LeadID,
		Description: m.Description,
		DueAt:       m.DueAt,
		Done:        m.Done,
		CreatedAt:   m.CreatedAt,
	}
}

func toCalendarModel(ev *crm.CalendarEvent) CalendarEventModel {
	return CalendarEventModel{
		ID:        ev.ID,
		LeadID:    ev.LeadID,
		Title:     ev.Title,
		StartsAt:  ev.StartsAt,
		EndsAt:    ev.EndsAt,
		CreatedAt: ev.CreatedAt,
	}
}

func toLoanFileModel(lf *crm.LoanFile) LoanFileModel {
	return LoanFileModel{
		ID:           lf.ID,
		LeadID:       lf.LeadID,
		AmountCents:  lf.AmountCents,
		RateBps:      lf.RateBps,
		Status:       string(lf.Status),
		RateLockedAt: lf.RateLockedAt,
		CreatedAt:    lf.CreatedAt,
		UpdatedAt:    lf.UpdatedAt,
	}
}

func toLoanFileDomain(m *LoanFileModel) *crm.LoanFile {
	return &crm.LoanFile{
		ID:           m.ID,
		LeadID:       m.LeadID,
		AmountCents:  m.AmountCents,
		RateBps:      m.RateBps,
		Status:       crm.LoanStatus(m.Status),
		RateLockedAt: m.RateLockedAt,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}
