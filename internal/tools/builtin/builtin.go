// Package builtin provides the stock Loanhive tool set: CRM mutations,
// loan-file lookups, and outbound SMS. Definitions are seeded into the
// store at startup; handlers are registered against the same ids.
package builtin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/loanhive/loanhive/internal/agent"
	"github.com/loanhive/loanhive/internal/crm"
	"github.com/loanhive/loanhive/internal/fault"
	"github.com/loanhive/loanhive/internal/tools"
)

// Stable tool ids. Agent allow-lists reference these.
const (
	ToolUpdateLeadNote      int64 = 101
	ToolCreateFollowUp      int64 = 102
	ToolScheduleAppointment int64 = 103
	ToolLookupLoan          int64 = 104
	ToolLockRate            int64 = 105
	ToolSendSMS             int64 = 106
)

// SMSSender sends an outbound text message.
type SMSSender interface {
	Send(ctx context.Context, to, body string) (providerID string, err error)
}

// Definitions returns the stock tool definitions.
func Definitions() []tools.Definition {
	return []tools.Definition{
		{
			ID:          ToolUpdateLeadNote,
			Name:        "update_lead_note",
			Description: "Append a note to a lead's activity log.",
			Category:    tools.CategoryWrite,
			Risk:        agent.RiskLow,
			Idempotent:  false,
			Parameters: objectSchema(map[string]any{
				"lead_id": map[string]any{"type": "integer"},
				"note":    map[string]any{"type": "string", "minLength": 1},
			}, "lead_id", "note"),
		},
		{
			ID:          ToolCreateFollowUp,
			Name:        "create_followup_task",
			Description: "Create a follow-up task for a lead.",
			Category:    tools.CategoryWrite,
			Risk:        agent.RiskLow,
			Parameters: objectSchema(map[string]any{
				"lead_id":     map[string]any{"type": "integer"},
				"description": map[string]any{"type": "string", "minLength": 1},
				"due_in_days": map[string]any{"type": "integer", "minimum": 0},
			}, "lead_id", "description"),
		},
		{
			ID:          ToolScheduleAppointment,
			Name:        "schedule_appointment",
			Description: "Put an appointment with a lead on the calendar.",
			Category:    tools.CategoryWrite,
			Risk:        agent.RiskMedium,
			Parameters: objectSchema(map[string]any{
				"lead_id":   map[string]any{"type": "integer"},
				"title":     map[string]any{"type": "string", "minLength": 1},
				"starts_at": map[string]any{"type": "string", "format": "date-time"},
				"minutes":   map[string]any{"type": "integer", "minimum": 5},
			}, "lead_id", "title", "starts_at"),
		},
		{
			ID:          ToolLookupLoan,
			Name:        "lookup_loan",
			Description: "Fetch the current status of a loan file.",
			Category:    tools.CategoryRead,
			Risk:        agent.RiskLow,
			Idempotent:  true,
			RateLimit:   60,
			Parameters: objectSchema(map[string]any{
				"loan_id": map[string]any{"type": "integer"},
			}, "loan_id"),
		},
		{
			ID:          ToolLockRate,
			Name:        "lock_rate",
			Description: "Lock the interest rate on a loan file.",
			Category:    tools.CategoryWrite,
			Risk:        agent.RiskHigh,
			Parameters: objectSchema(map[string]any{
				"loan_id":  map[string]any{"type": "integer"},
				"rate_bps": map[string]any{"type": "integer", "minimum": 1},
			}, "loan_id", "rate_bps"),
		},
		{
			ID:          ToolSendSMS,
			Name:        "send_sms",
			Description: "Send a text message to a lead's phone number.",
			Category:    tools.CategoryCommunicate,
			Risk:        agent.RiskMedium,
			RateLimit:   30,
			Parameters: objectSchema(map[string]any{
				"lead_id": map[string]any{"type": "integer"},
				"body":    map[string]any{"type": "string", "minLength": 1},
			}, "lead_id", "body"),
		},
	}
}

// Register seeds the definitions and installs handlers. sms may be nil,
// in which case send_sms reports a permanent failure.
func Register(ctx context.Context, reg *tools.Registry, sms SMSSender) error {
	for _, def := range Definitions() {
		d := def
		if err := reg.RegisterDefinition(ctx, &d); err != nil {
			return err
		}
	}

	handlers := map[int64]tools.Handler{
		ToolUpdateLeadNote:      updateLeadNote,
		ToolCreateFollowUp:      createFollowUp,
		ToolScheduleAppointment: scheduleAppointment,
		ToolLookupLoan:          lookupLoan,
		ToolLockRate:            lockRate,
		ToolSendSMS:             sendSMS(sms),
	}
	for id, fn := range handlers {
		if err := reg.RegisterHandler(id, fn); err != nil {
			return err
		}
	}
	return nil
}

func updateLeadNote(ctx context.Context, tc *tools.Context) *tools.Result {
	leadID := argInt64(tc.Args, "lead_id")
	note := argString(tc.Args, "note")
	if err := tc.CRM.AppendLeadNote(ctx, leadID, note); err != nil {
		return crmFailure("appending note to lead", leadID, err)
	}
	return tools.OK(map[string]any{"updated": true, "lead_id": leadID})
}

func createFollowUp(ctx context.Context, tc *tools.Context) *tools.Result {
	leadID := argInt64(tc.Args, "lead_id")
	due := time.Now().UTC().AddDate(0, 0, int(argInt64(tc.Args, "due_in_days")))
	task := &crm.FollowUpTask{
		ID:          uuid.New(),
		LeadID:      leadID,
		Description: argString(tc.Args, "description"),
		DueAt:       due,
		CreatedAt:   time.Now().UTC(),
	}
	if err := tc.CRM.CreateFollowUp(ctx, task); err != nil {
		return crmFailure("creating follow-up for lead", leadID, err)
	}
	return tools.OK(map[string]any{"task_id": task.ID.String(), "due_at": task.DueAt.Format(time.RFC3339)})
}

func scheduleAppointment(ctx context.Context, tc *tools.Context) *tools.Result {
	leadID := argInt64(tc.Args, "lead_id")
	startsAt, err := time.Parse(time.RFC3339, argString(tc.Args, "starts_at"))
	if err != nil {
		return tools.Err(fault.KindToolArgument, fmt.Sprintf("starts_at: %v", err))
	}
	minutes := argInt64(tc.Args, "minutes")
	if minutes == 0 {
		minutes = 30
	}
	ev := &crm.CalendarEvent{
		ID:        uuid.New(),
		LeadID:    leadID,
		Title:     argString(tc.Args, "title"),
		StartsAt:  startsAt,
		EndsAt:    startsAt.Add(time.Duration(minutes) * time.Minute),
		CreatedAt: time.Now().UTC(),
	}
	if err := tc.CRM.CreateCalendarEvent(ctx, ev); err != nil {
		return crmFailure("scheduling appointment for lead", leadID, err)
	}
	return tools.OK(map[string]any{"event_id": ev.ID.String()})
}

func lookupLoan(ctx context.Context, tc *tools.Context) *tools.Result {
	loanID := argInt64(tc.Args, "loan_id")
	lf, err := tc.CRM.GetLoanFile(ctx, loanID)
	if err != nil {
		return crmFailure("looking up loan", loanID, err)
	}
	return tools.OK(map[string]any{
		"loan_id":      lf.ID,
		"lead_id":      lf.LeadID,
		"status":       string(lf.Status),
		"amount_cents": lf.AmountCents,
		"rate_bps":     lf.RateBps,
	})
}

func lockRate(ctx context.Context, tc *tools.Context) *tools.Result {
	loanID := argInt64(tc.Args, "loan_id")
	lf, err := tc.CRM.GetLoanFile(ctx, loanID)
	if err != nil {
		return crmFailure("locking rate on loan", loanID, err)
	}
	now := time.Now().UTC()
	lf.RateBps = int(argInt64(tc.Args, "rate_bps"))
	lf.Status = crm.LoanRateLocked
	lf.RateLockedAt = &now
	if err := tc.CRM.SaveLoanFile(ctx, lf); err != nil {
		return crmFailure("locking rate on loan", loanID, err)
	}
	return &tools.Result{
		OK:    true,
		Value: map[string]any{"locked": true, "loan_id": loanID, "rate_bps": lf.RateBps},
		Messages: []tools.OutboundMessage{{
			Type:     "notify",
			Priority: "high",
			Payload:  map[string]any{"loan_id": loanID, "rate_bps": lf.RateBps, "action": "rate_locked"},
		}},
	}
}

func sendSMS(sms SMSSender) tools.Handler {
	return func(ctx context.Context, tc *tools.Context) *tools.Result {
		if sms == nil {
			return tools.Err(fault.KindPermanent, "no SMS provider configured")
		}
		leadID := argInt64(tc.Args, "lead_id")
		lead, err := tc.CRM.GetLead(ctx, leadID)
		if err != nil {
			return crmFailure("loading lead", leadID, err)
		}
		providerID, err := sms.Send(ctx, lead.Phone, argString(tc.Args, "body"))
		if err != nil {
			// Provider I/O failures are retryable.
			return tools.Err(fault.KindTransient, fmt.Sprintf("sending sms: %v", err))
		}
		return tools.OK(map[string]any{"provider_id": providerID, "to": lead.Phone})
	}
}

// crmFailure maps store errors to result kinds: a missing entity is
// permanent, anything else is assumed transient (connection loss etc.).
func crmFailure(what string, id int64, err error) *tools.Result {
	if errors.Is(err, crm.ErrNotFound) {
		return tools.Err(fault.KindPermanent, fmt.Sprintf("%s %d: %v", what, id, err))
	}
	return tools.Err(fault.KindTransient, fmt.Sprintf("%s %d: %v", what, id, err))
}

func objectSchema(props map[string]any, required ...string) map[string]any {
	return map[string]any{
		"type":                 "object",
		"properties":           props,
		"required":             required,
		"additionalProperties": false,
	}
}

func argString(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func argInt64(args map[string]any, key string) int64 {
	switch v := args[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	}
	return 0
}
