// Package voice implements the WebSocket endpoint for live call
// transcription. A telephony bridge connects per call, streams
// transcript fragments, and Loanhive turns finalized utterances into
// events for the call's agent; interim fragments go on the bus so the
// agent's context stays warm.
package voice

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/loanhive/loanhive/internal/bus"
	"github.com/loanhive/loanhive/internal/ingest"
	"github.com/loanhive/loanhive/internal/orchestrator"
)

const subprotocol = "loanhive-voice-v1"

// Envelope is the wire format for voice session messages.
type Envelope struct {
	Type    string `json:"type"` // "session.start", "transcript", "session.end", "ack", "error"
	CallID  string `json:"call_id,omitempty"`
	AgentID *int64 `json:"agent_id,omitempty"`
	Caller  string `json:"caller,omitempty"` // E.164 caller number
	Text    string `json:"text,omitempty"`
	Final   bool   `json:"final,omitempty"`
	// ExecutionID is set on acks for finalized utterances.
	ExecutionID string `json:"execution_id,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Server manages voice transcription sessions.
type Server struct {
	dispatcher ingest.Dispatcher
	msgbus     *bus.Bus
	token      string // shared bridge token; empty disables auth
	logger     *slog.Logger
}

// NewServer creates a voice WebSocket server.
func NewServer(dispatcher ingest.Dispatcher, msgbus *bus.Bus, token string, logger *slog.Logger) *Server {
	return &Server{dispatcher: dispatcher, msgbus: msgbus, token: token, logger: logger}
}

// Handler returns an http.Handler that upgrades connections.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleUpgrade)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.token != "" {
		token := r.URL.Query().Get("token")
		if token == "" {
			token = r.Header.Get("Authorization")
			if len(token) > 7 && token[:7] == "Bearer " {
				token = token[7:]
			}
		}
		if token != s.token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{subprotocol},
	})
	if err != nil {
		s.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	s.handleSession(r.Context(), conn)
}

// session is the state of one connected call.
type session struct {
	callID  string
	agentID *int64
	caller  string
	// seq numbers finalized utterances within the call so each maps to
	// a distinct dedup key.
	seq int
}

func (s *Server) handleSession(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close(websocket.StatusNormalClosure, "session closed")

	sess, err := s.waitForStart(ctx, conn)
	if err != nil {
		s.logger.Warn("voice session rejected", slog.String("error", err.Error()))
		s.send(ctx, conn, &Envelope{Type: "error", Error: err.Error()})
		return
	}
	s.logger.Info("voice session started",
		slog.String("call_id", sess.callID),
		slog.String("caller", sess.caller),
	)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				s.logger.Warn("voice connection error",
					slog.String("call_id", sess.callID),
					slog.String("error", err.Error()),
				)
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.logger.Warn("invalid voice message",
				slog.String("call_id", sess.callID),
				slog.String("error", err.Error()),
			)
			continue
		}

		switch env.Type {
		case "transcript":
			s.handleTranscript(ctx, conn, sess, &env)
		case "session.end":
			s.logger.Info("voice session ended", slog.String("call_id", sess.callID))
			return
		default:
			s.send(ctx, conn, &Envelope{Type: "error", Error: fmt.Sprintf("unexpected message type %q", env.Type)})
		}
	}
}

// waitForStart reads the mandatory session.start message.
func (s *Server) waitForStart(ctx context.Context, conn *websocket.Conn) (*session, error) {
	startCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, data, err := conn.Read(startCtx)
	if err != nil {
		return nil, fmt.Errorf("reading session start: %w", err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parsing session start: %w", err)
	}
	if env.Type != "session.start" {
		return nil, fmt.Errorf("expected session.start, got %q", env.Type)
	}
	if env.CallID == "" {
		return nil, fmt.Errorf("session.start requires call_id")
	}
	return &session{callID: env.CallID, agentID: env.AgentID, caller: env.Caller}, nil
}

// handleTranscript routes one fragment. Interim fragments go to the
// agent's bus feed; finalized utterances become dispatched events.
func (s *Server) handleTranscript(ctx context.Context, conn *websocket.Conn, sess *session, env *Envelope) {
	if env.Text == "" {
		return
	}

	if !env.Final {
		if sess.agentID == nil {
			return
		}
		msg := &bus.Message{
			RecipientID:   sess.agentID,
			Type:          bus.TypeNotify,
			Priority:      bus.PriorityLow,
			CorrelationID: sess.callID,
			Payload: map[string]any{
				"call_id": sess.callID,
				"text":    env.Text,
				"interim": true,
			},
		}
		if err := s.msgbus.Post(ctx, msg); err != nil {
			s.logger.Warn("posting interim transcript failed",
				slog.String("call_id", sess.callID),
				slog.String("error", err.Error()),
			)
		}
		return
	}

	sess.seq++
	ev := &orchestrator.Event{
		Source:        "voice",
		Type:          "call_transcript",
		TargetAgentID: sess.agentID,
		Caller:        sess.caller,
		Payload: map[string]any{
			"call_id":   sess.callID,
			"utterance": sess.seq,
			"text":      env.Text,
		},
	}
	exec, err := s.dispatcher.Dispatch(ctx, ev)
	if err != nil {
		s.logger.Error("dispatching transcript failed",
			slog.String("call_id", sess.callID),
			slog.String("error", err.Error()),
		)
		s.send(ctx, conn, &Envelope{Type: "error", CallID: sess.callID, Error: "dispatch failed"})
		return
	}
	s.send(ctx, conn, &Envelope{
		Type:        "ack",
		CallID:      sess.callID,
		ExecutionID: exec.ID.String(),
	})
}

func (s *Server) send(ctx context.Context, conn *websocket.Conn, env *Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		s.logger.Warn("voice write failed", slog.String("error", err.Error()))
	}
}
