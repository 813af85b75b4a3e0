package sqlite

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/loanhive/loanhive/internal/bus"
	"github.com/loanhive/loanhive/internal/crm"
	"github.com/loanhive/loanhive/internal/fault"
	"github.com/loanhive/loanhive/internal/ingest"
	"github.com/loanhive/loanhive/internal/orchestrator"
	"github.com/loanhive/loanhive/internal/planner"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(Config{Path: filepath.Join(t.TempDir(), "loanhive.db")}, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSaveEvent_AssignsID(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	ev := &orchestrator.Event{
		Source:  "api",
		Type:    "rate_alert",
		Payload: map[string]any{"rate_bps": float64(650)},
		Caller:  "tester",
		Status:  orchestrator.EventPending,
	}
	if err := store.SaveEvent(ctx, ev); err != nil {
		t.Fatal(err)
	}
	if ev.ID == 0 {
		t.Fatal("event id not assigned")
	}

	got, err := store.GetEvent(ctx, ev.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Source != "api" || got.Type != "rate_alert" {
		t.Fatalf("got %+v", got)
	}
	if got.Payload["rate_bps"] != float64(650) {
		t.Fatalf("payload = %v", got.Payload)
	}
}

func TestGetEvent_NotFound(t *testing.T) {
	store := openStore(t)
	if _, err := store.GetEvent(context.Background(), 999); !errors.Is(err, orchestrator.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestCreateExecution_DuplicatePairRejected(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	ev := &orchestrator.Event{Source: "api", Type: "rate_alert", Status: orchestrator.EventPending}
	if err := store.SaveEvent(ctx, ev); err != nil {
		t.Fatal(err)
	}

	first := &orchestrator.Execution{ID: uuid.New(), AgentID: 1, EventID: ev.ID, Status: orchestrator.ExecQueued}
	if err := store.CreateExecution(ctx, first); err != nil {
		t.Fatal(err)
	}

	second := &orchestrator.Execution{ID: uuid.New(), AgentID: 1, EventID: ev.ID, Status: orchestrator.ExecQueued}
	if err := store.CreateExecution(ctx, second); !errors.Is(err, orchestrator.ErrDuplicateExecution) {
		t.Fatalf("err = %v, want ErrDuplicateExecution", err)
	}

	got, err := store.GetExecutionByEvent(ctx, 1, ev.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != first.ID {
		t.Fatalf("got execution %s, want %s", got.ID, first.ID)
	}

	// A different agent may still work the same event.
	other := &orchestrator.Execution{ID: uuid.New(), AgentID: 2, EventID: ev.ID, Status: orchestrator.ExecQueued}
	if err := store.CreateExecution(ctx, other); err != nil {
		t.Fatal(err)
	}
}

func TestUpdateExecution_PlansRoundTrip(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	ev := &orchestrator.Event{Source: "email", Type: "email_received", Status: orchestrator.EventPending}
	if err := store.SaveEvent(ctx, ev); err != nil {
		t.Fatal(err)
	}
	exec := &orchestrator.Execution{ID: uuid.New(), AgentID: 3, EventID: ev.ID, Status: orchestrator.ExecQueued}
	if err := store.CreateExecution(ctx, exec); err != nil {
		t.Fatal(err)
	}

	exec.Status = orchestrator.ExecFailed
	exec.ErrKind = fault.KindTransient
	exec.ErrMessage = "provider unreachable"
	exec.Plans = []planner.Plan{{
		ID:          uuid.New(),
		ExecutionID: exec.ID,
		Generation:  1,
		Steps: []planner.Step{
			{
				Index:    0,
				ToolID:   101,
				ToolName: "update_lead_note",
				Args:     map[string]any{"lead_id": float64(7), "note": "called back"},
				OnError:  planner.OnErrorContinue,
				Status:   planner.StepSucceeded,
				Attempts: 1,
			},
			{
				Index:      1,
				ToolID:     104,
				ToolName:   "lookup_loan",
				Status:     planner.StepFailed,
				Attempts:   3,
				ErrKind:    fault.KindTransient,
				ErrMessage: "timeout",
			},
		},
	}}
	if err := store.UpdateExecution(ctx, exec); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetExecution(ctx, exec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != orchestrator.ExecFailed || got.ErrKind != fault.KindTransient {
		t.Fatalf("got %+v", got)
	}
	if len(got.Plans) != 1 || len(got.Plans[0].Steps) != 2 {
		t.Fatalf("plans = %+v", got.Plans)
	}
	step := got.Plans[0].Steps[0]
	if step.ToolName != "update_lead_note" || step.OnError != planner.OnErrorContinue {
		t.Fatalf("step = %+v", step)
	}
	if step.Args["note"] != "called back" {
		t.Fatalf("args = %v", step.Args)
	}
	if got.Plans[0].Steps[1].Attempts != 3 {
		t.Fatalf("step 1 attempts = %d", got.Plans[0].Steps[1].Attempts)
	}
}

func TestRecentFinished_NewestFirst(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ev := &orchestrator.Event{Source: "api", Type: "rate_alert", Status: orchestrator.EventCompleted}
		if err := store.SaveEvent(ctx, ev); err != nil {
			t.Fatal(err)
		}
		finished := time.Now().UTC().Add(time.Duration(i) * time.Minute)
		exec := &orchestrator.Execution{
			ID:         uuid.New(),
			AgentID:    5,
			EventID:    ev.ID,
			Status:     orchestrator.ExecCompleted,
			FinishedAt: &finished,
		}
		if err := store.CreateExecution(ctx, exec); err != nil {
			t.Fatal(err)
		}
	}

	got, err := store.RecentFinished(ctx, 5, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d executions, want 2", len(got))
	}
	if !got[0].FinishedAt.After(*got[1].FinishedAt) {
		t.Fatalf("not newest first: %v then %v", got[0].FinishedAt, got[1].FinishedAt)
	}
}

func TestMessages_DeliveryOrder(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	recipient := int64(2)

	for _, m := range []bus.Message{
		{ID: uuid.New(), SenderID: 1, RecipientID: &recipient, Type: bus.TypeNotify, Priority: bus.PriorityNormal},
		{ID: uuid.New(), SenderID: 1, RecipientID: &recipient, Type: bus.TypeEscalate, Priority: bus.PriorityUrgent},
		{ID: uuid.New(), SenderID: 1, RecipientID: &recipient, Type: bus.TypeNotify, Priority: bus.PriorityNormal},
	} {
		msg := m
		if err := store.AppendMessage(ctx, &msg); err != nil {
			t.Fatal(err)
		}
	}

	msgs, err := store.ListUndelivered(ctx, recipient, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages", len(msgs))
	}
	// Creation order holds even when a later message is urgent.
	if msgs[1].Priority != bus.PriorityUrgent {
		t.Fatalf("second message priority = %s, want urgent", msgs[1].Priority)
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i-1].Seq >= msgs[i].Seq {
			t.Fatalf("messages out of creation order: %d then %d", msgs[i-1].Seq, msgs[i].Seq)
		}
	}

	if err := store.MarkDelivered(ctx, msgs[0].ID); err != nil {
		t.Fatal(err)
	}
	msgs, err = store.ListUndelivered(ctx, recipient, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages after ack, want 2", len(msgs))
	}
}

func TestMessages_BroadcastCursor(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	var lastSeq int64
	for i := 0; i < 3; i++ {
		msg := &bus.Message{ID: uuid.New(), SenderID: 1, Type: bus.TypeNotify, Priority: bus.PriorityNormal}
		if err := store.AppendMessage(ctx, msg); err != nil {
			t.Fatal(err)
		}
		lastSeq = msg.Seq
	}

	msgs, err := store.ListBroadcast(ctx, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d broadcasts", len(msgs))
	}
	msgs, err = store.ListBroadcast(ctx, lastSeq-1, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Seq != lastSeq {
		t.Fatalf("cursor read = %+v", msgs)
	}
}

func TestIngestEvent_DuplicateRollsBack(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	rec := &ingest.Record{
		ID:                uuid.New(),
		Source:            "graph:loans@acme.com",
		ExternalMessageID: "msg-1",
		Disposition:       ingest.DispositionImported,
	}
	ev := &orchestrator.Event{Source: "email", Type: "email_received", Status: orchestrator.EventPending}
	if err := store.IngestEvent(ctx, rec, ev); err != nil {
		t.Fatal(err)
	}
	if ev.ID == 0 || rec.EventID != ev.ID {
		t.Fatalf("record not linked: rec.EventID=%d ev.ID=%d", rec.EventID, ev.ID)
	}

	dupRec := &ingest.Record{
		ID:                uuid.New(),
		Source:            "graph:loans@acme.com",
		ExternalMessageID: "msg-1",
		Disposition:       ingest.DispositionImported,
	}
	dupEv := &orchestrator.Event{Source: "email", Type: "email_received", Status: orchestrator.EventPending}
	if err := store.IngestEvent(ctx, dupRec, dupEv); !errors.Is(err, ingest.ErrDuplicateMessage) {
		t.Fatalf("err = %v, want ErrDuplicateMessage", err)
	}
	if dupEv.ID != 0 {
		t.Fatalf("duplicate created event %d", dupEv.ID)
	}

	// Same external id under a different source is a distinct message.
	otherRec := &ingest.Record{
		ID:                uuid.New(),
		Source:            "graph:refi@acme.com",
		ExternalMessageID: "msg-1",
		Disposition:       ingest.DispositionImported,
	}
	otherEv := &orchestrator.Event{Source: "email", Type: "email_received", Status: orchestrator.EventPending}
	if err := store.IngestEvent(ctx, otherRec, otherEv); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetRecord(ctx, "graph:loans@acme.com", "msg-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != rec.ID {
		t.Fatalf("got record %s, want %s", got.ID, rec.ID)
	}
}

func TestSetDisposition(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	rec := &ingest.Record{
		ID:                uuid.New(),
		Source:            "graph:loans@acme.com",
		ExternalMessageID: "msg-9",
		Disposition:       ingest.DispositionImported,
	}
	ev := &orchestrator.Event{Source: "email", Type: "email_received", Status: orchestrator.EventPending}
	if err := store.IngestEvent(ctx, rec, ev); err != nil {
		t.Fatal(err)
	}

	if err := store.SetDisposition(ctx, rec.ID, ingest.DispositionDeletedAtSource); err != nil {
		t.Fatal(err)
	}
	got, err := store.GetRecord(ctx, rec.Source, rec.ExternalMessageID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Disposition != ingest.DispositionDeletedAtSource {
		t.Fatalf("disposition = %s", got.Disposition)
	}
}

func TestLeadNotes_Append(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	lead := &crm.Lead{Name: "Dana Moyo", Email: "dana@example.com", Stage: crm.StageNew}
	if err := store.SaveLead(ctx, lead); err != nil {
		t.Fatal(err)
	}
	if err := store.AppendLeadNote(ctx, lead.ID, "left voicemail"); err != nil {
		t.Fatal(err)
	}
	if err := store.AppendLeadNote(ctx, lead.ID, "sent rate sheet"); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetLead(ctx, lead.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Notes) != 2 || got.Notes[1] != "sent rate sheet" {
		t.Fatalf("notes = %v", got.Notes)
	}

	if err := store.AppendLeadNote(ctx, 999, "nope"); !errors.Is(err, crm.ErrNotFound) {
		t.Fatalf("err = %v, want crm.ErrNotFound", err)
	}
}
