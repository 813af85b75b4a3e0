// Package memory implements every Loanhive store interface on plain
// maps. It backs unit tests and the "memory" storage driver for local
// development. All methods copy on read and write so callers never
// share mutable state with the store.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loanhive/loanhive/internal/agent"
	"github.com/loanhive/loanhive/internal/bus"
	"github.com/loanhive/loanhive/internal/crm"
	"github.com/loanhive/loanhive/internal/ingest"
	"github.com/loanhive/loanhive/internal/orchestrator"
	"github.com/loanhive/loanhive/internal/planner"
	"github.com/loanhive/loanhive/internal/storage"
	"github.com/loanhive/loanhive/internal/tools"
)

type ingestKey struct {
	source     string
	externalID string
}

// Store is the in-memory implementation of all persistence interfaces.
type Store struct {
	mu sync.Mutex

	agents     map[int64]agent.Config
	nextAgent  int64
	toolDefs   map[int64]tools.Definition
	nextTool   int64
	events     map[int64]orchestrator.Event
	nextEvent  int64
	execs      map[uuid.UUID]orchestrator.Execution
	execByPair map[[2]int64]uuid.UUID // (agent, event) → execution
	messages   []bus.Message
	msgSeq     int64
	ingestions map[uuid.UUID]ingest.Record
	ingestKeys map[ingestKey]uuid.UUID

	leads     map[int64]crm.Lead
	followUps map[uuid.UUID]crm.FollowUpTask
	calendar  map[uuid.UUID]crm.CalendarEvent
	loans     map[int64]crm.LoanFile
}

var (
	_ agent.Store        = (*Store)(nil)
	_ tools.Store        = (*Store)(nil)
	_ bus.MessageStore   = (*Store)(nil)
	_ orchestrator.Store = (*Store)(nil)
	_ ingest.Store       = (*Store)(nil)
	_ crm.Store          = (*Store)(nil)
	_ storage.Store      = (*Store)(nil)
)

// Ping always succeeds; the store has no connection to lose.
func (s *Store) Ping(ctx context.Context) error { return nil }

// Close is a no-op.
func (s *Store) Close() error { return nil }

// New creates an empty store.
func New() *Store {
	return &Store{
		agents:     make(map[int64]agent.Config),
		toolDefs:   make(map[int64]tools.Definition),
		events:     make(map[int64]orchestrator.Event),
		execs:      make(map[uuid.UUID]orchestrator.Execution),
		execByPair: make(map[[2]int64]uuid.UUID),
		ingestions: make(map[uuid.UUID]ingest.Record),
		ingestKeys: make(map[ingestKey]uuid.UUID),
		leads:      make(map[int64]crm.Lead),
		followUps:  make(map[uuid.UUID]crm.FollowUpTask),
		calendar:   make(map[uuid.UUID]crm.CalendarEvent),
		loans:      make(map[int64]crm.LoanFile),
	}
}

// --- agent.Store ---

func (s *Store) ListAgents(ctx context.Context) ([]agent.Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]agent.Config, 0, len(s.agents))
	for _, cfg := range s.agents {
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) SaveAgent(ctx context.Context, cfg *agent.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg.ID == 0 {
		s.nextAgent++
		cfg.ID = s.nextAgent
	} else if cfg.ID > s.nextAgent {
		s.nextAgent = cfg.ID
	}
	s.agents[cfg.ID] = *cfg
	return nil
}

// --- tools.Store ---

func (s *Store) ListTools(ctx context.Context) ([]tools.Definition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]tools.Definition, 0, len(s.toolDefs))
	for _, def := range s.toolDefs {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) SaveTool(ctx context.Context, def *tools.Definition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if def.ID == 0 {
		s.nextTool++
		def.ID = s.nextTool
	} else if def.ID > s.nextTool {
		s.nextTool = def.ID
	}
	s.toolDefs[def.ID] = *def
	return nil
}

// --- orchestrator.EventStore ---

func (s *Store) SaveEvent(ctx context.Context, ev *orchestrator.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveEventLocked(ev)
	return nil
}

func (s *Store) saveEventLocked(ev *orchestrator.Event) {
	if ev.ID == 0 {
		s.nextEvent++
		ev.ID = s.nextEvent
	} else if ev.ID > s.nextEvent {
		s.nextEvent = ev.ID
	}
	s.events[ev.ID] = *ev
}

func (s *Store) GetEvent(ctx context.Context, id int64) (*orchestrator.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return nil, orchestrator.ErrNotFound
	}
	return &ev, nil
}

func (s *Store) SetEventStatus(ctx context.Context, id int64, status orchestrator.EventStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return orchestrator.ErrNotFound
	}
	ev.Status = status
	ev.UpdatedAt = time.Now().UTC()
	s.events[id] = ev
	return nil
}

// --- orchestrator.ExecutionStore ---

func (s *Store) CreateExecution(ctx context.Context, exec *orchestrator.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pair := [2]int64{exec.AgentID, exec.EventID}
	if _, exists := s.execByPair[pair]; exists {
		return orchestrator.ErrDuplicateExecution
	}
	s.execs[exec.ID] = copyExecution(exec)
	s.execByPair[pair] = exec.ID
	return nil
}

func (s *Store) UpdateExecution(ctx context.Context, exec *orchestrator.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.execs[exec.ID]; !ok {
		return orchestrator.ErrNotFound
	}
	s.execs[exec.ID] = copyExecution(exec)
	return nil
}

func (s *Store) GetExecution(ctx context.Context, id uuid.UUID) (*orchestrator.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.execs[id]
	if !ok {
		return nil, orchestrator.ErrNotFound
	}
	out := copyExecution(&exec)
	return &out, nil
}

func (s *Store) GetExecutionByEvent(ctx context.Context, agentID, eventID int64) (*orchestrator.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.execByPair[[2]int64{agentID, eventID}]
	if !ok {
		return nil, orchestrator.ErrNotFound
	}
	exec := s.execs[id]
	out := copyExecution(&exec)
	return &out, nil
}

func (s *Store) ListExecutions(ctx context.Context, status orchestrator.ExecutionStatus, limit int) ([]orchestrator.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []orchestrator.Execution
	for _, exec := range s.execs {
		if status != "" && exec.Status != status {
			continue
		}
		out = append(out, copyExecution(&exec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) RecentFinished(ctx context.Context, agentID int64, limit int) ([]orchestrator.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []orchestrator.Execution
	for _, exec := range s.execs {
		if exec.AgentID != agentID || !exec.Status.Terminal() {
			continue
		}
		out = append(out, copyExecution(&exec))
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := out[i].CreatedAt, out[j].CreatedAt
		if out[i].FinishedAt != nil {
			ti = *out[i].FinishedAt
		}
		if out[j].FinishedAt != nil {
			tj = *out[j].FinishedAt
		}
		return ti.After(tj)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- bus.MessageStore ---

func (s *Store) AppendMessage(ctx context.Context, msg *bus.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgSeq++
	msg.Seq = s.msgSeq
	s.messages = append(s.messages, copyMessage(msg))
	return nil
}

// ListUndelivered walks the append-ordered slice, so the result is in
// creation order without a sort.
func (s *Store) ListUndelivered(ctx context.Context, recipientID int64, afterSeq int64, limit int) ([]bus.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []bus.Message
	for i := range s.messages {
		m := &s.messages[i]
		if m.RecipientID != nil && *m.RecipientID == recipientID && !m.Delivered && m.Seq > afterSeq {
			out = append(out, copyMessage(m))
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) ListBroadcast(ctx context.Context, afterSeq int64, limit int) ([]bus.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []bus.Message
	for i := range s.messages {
		m := &s.messages[i]
		if m.RecipientID == nil && m.Seq > afterSeq {
			out = append(out, copyMessage(m))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) MarkDelivered(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	for i := range s.messages {
		if s.messages[i].ID == id {
			s.messages[i].Delivered = true
			s.messages[i].DeliveredAt = &now
			return nil
		}
	}
	return orchestrator.ErrNotFound
}

func (s *Store) RecentForAgent(ctx context.Context, agentID int64, limit int) ([]bus.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []bus.Message
	for i := len(s.messages) - 1; i >= 0 && len(out) < limit; i-- {
		m := &s.messages[i]
		if m.SenderID == agentID || (m.RecipientID != nil && *m.RecipientID == agentID) {
			out = append(out, copyMessage(m))
		}
	}
	return out, nil
}

// --- ingest.Store ---

func (s *Store) IngestEvent(ctx context.Context, rec *ingest.Record, ev *orchestrator.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := ingestKey{source: rec.Source, externalID: rec.ExternalMessageID}
	if _, exists := s.ingestKeys[key]; exists {
		return ingest.ErrDuplicateMessage
	}
	now := time.Now().UTC()
	if ev.Status == "" {
		ev.Status = orchestrator.EventPending
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = now
	}
	ev.UpdatedAt = now
	s.saveEventLocked(ev)

	rec.EventID = ev.ID
	rec.UpdatedAt = now
	s.ingestions[rec.ID] = *rec
	s.ingestKeys[key] = rec.ID
	return nil
}

func (s *Store) SetDisposition(ctx context.Context, id uuid.UUID, d ingest.Disposition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.ingestions[id]
	if !ok {
		return orchestrator.ErrNotFound
	}
	rec.Disposition = d
	rec.UpdatedAt = time.Now().UTC()
	s.ingestions[id] = rec
	return nil
}

func (s *Store) GetRecord(ctx context.Context, source, externalID string) (*ingest.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.ingestKeys[ingestKey{source: source, externalID: externalID}]
	if !ok {
		return nil, orchestrator.ErrNotFound
	}
	rec := s.ingestions[id]
	return &rec, nil
}

// --- crm.Store ---

func (s *Store) GetLead(ctx context.Context, id int64) (*crm.Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lead, ok := s.leads[id]
	if !ok {
		return nil, crm.ErrNotFound
	}
	lead.Notes = append([]string(nil), lead.Notes...)
	return &lead, nil
}

func (s *Store) SaveLead(ctx context.Context, lead *crm.Lead) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := *lead
	stored.Notes = append([]string(nil), lead.Notes...)
	s.leads[lead.ID] = stored
	return nil
}

func (s *Store) AppendLeadNote(ctx context.Context, id int64, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	lead, ok := s.leads[id]
	if !ok {
		return crm.ErrNotFound
	}
	lead.Notes = append(lead.Notes, note)
	lead.UpdatedAt = time.Now().UTC()
	s.leads[id] = lead
	return nil
}

func (s *Store) CreateFollowUp(ctx context.Context, task *crm.FollowUpTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.followUps[task.ID] = *task
	return nil
}

func (s *Store) ListFollowUps(ctx context.Context, leadID int64) ([]crm.FollowUpTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []crm.FollowUpTask
	for _, task := range s.followUps {
		if task.LeadID == leadID {
			out = append(out, task)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DueAt.Before(out[j].DueAt) })
	return out, nil
}

func (s *Store) CreateCalendarEvent(ctx context.Context, ev *crm.CalendarEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calendar[ev.ID] = *ev
	return nil
}

func (s *Store) GetLoanFile(ctx context.Context, id int64) (*crm.LoanFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lf, ok := s.loans[id]
	if !ok {
		return nil, crm.ErrNotFound
	}
	return &lf, nil
}

func (s *Store) SaveLoanFile(ctx context.Context, lf *crm.LoanFile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loans[lf.ID] = *lf
	return nil
}

func copyExecution(exec *orchestrator.Execution) orchestrator.Execution {
	out := *exec
	out.Plans = make([]planner.Plan, len(exec.Plans))
	for i, p := range exec.Plans {
		cp := p
		cp.Steps = append([]planner.Step(nil), p.Steps...)
		out.Plans[i] = cp
	}
	return out
}

func copyMessage(msg *bus.Message) bus.Message {
	out := *msg
	if msg.Payload != nil {
		out.Payload = make(map[string]any, len(msg.Payload))
		for k, v := range msg.Payload {
			out.Payload[k] = v
		}
	}
	return out
}
