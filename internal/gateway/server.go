// Package gateway accepts websocket connections, authenticates them and
// bridges frames to a per-connection duplex session.
package gateway

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/stanzaai/sonicgate/internal/broker"
	"github.com/stanzaai/sonicgate/internal/config"
	"github.com/stanzaai/sonicgate/internal/observability"
	"github.com/stanzaai/sonicgate/internal/protocol"
	"github.com/stanzaai/sonicgate/internal/transcript"
)

// transcriptFetchLimit caps how many utterances a transcript fetch
// returns.
const transcriptFetchLimit = 50

// TokenValidator checks a bearer token and returns the subject and
// username claims. A nil validator disables authentication.
type TokenValidator interface {
	Validate(ctx context.Context, token string) (bool, string, string)
}

// Session is the duplex session behind one websocket connection.
// *broker.Broker implements it.
type Session interface {
	Initialize(ctx context.Context) error
	Send(ctx context.Context, ev protocol.Event) error
	EnqueueAudio(chunk broker.AudioChunk)
	SetPromptName(name string)
	SetAudioContentName(name string)
	Output() *broker.Queue[protocol.Event]
	Close()
}

// SessionFactory builds the session for a new connection.
type SessionFactory func(connID string) (Session, error)

type Server struct {
	cfg       config.Config
	validator TokenValidator
	factory   SessionFactory
	store     transcript.Store
	metrics   *observability.Metrics
	upgrader  websocket.Upgrader
}

func New(cfg config.Config, validator TokenValidator, factory SessionFactory, store transcript.Store, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:       cfg,
		validator: validator,
		factory:   factory,
		store:     store,
		metrics:   metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/", s.handleSession)
	r.Get("/ws", s.handleSession)
	r.Get("/sessions/{id}/transcript", s.handleTranscript)
	return r
}

// handleTranscript returns the most recent utterances captured for a
// session, oldest first.
func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		respondJSON(w, http.StatusNotFound, map[string]any{"error": "transcripts not enabled"})
		return
	}
	sessionID := chi.URLParam(r, "id")
	utterances, err := s.store.Recent(r.Context(), sessionID, transcriptFetchLimit)
	if err != nil {
		s.logf(sessionID, "transcript fetch failed: %v", err)
		respondJSON(w, http.StatusInternalServerError, map[string]any{"error": "transcript fetch failed"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"utterances": utterances,
	})
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	connID := uuid.NewString()[:8]

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	userID := ""
	if s.validator != nil {
		token := strings.TrimSpace(r.URL.Query().Get("token"))
		if token == "" {
			s.metrics.AuthResults.WithLabelValues("missing_token").Inc()
			s.logf(connID, "missing authentication token")
			closePolicyViolation(conn, "Missing authentication token")
			return
		}
		ok, sub, username := s.validator.Validate(r.Context(), token)
		if !ok {
			s.metrics.AuthResults.WithLabelValues("invalid_token").Inc()
			s.logf(connID, "invalid authentication token")
			closePolicyViolation(conn, "Invalid authentication token")
			return
		}
		s.metrics.AuthResults.WithLabelValues("ok").Inc()
		s.logf(connID, "authenticated user %s", username)
		userID = sub
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var (
		sess        Session
		forwardDone chan struct{}
	)
	defer func() {
		if sess != nil {
			sess.Close()
			<-forwardDone
			s.metrics.ActiveSessions.Dec()
		}
		s.metrics.SessionEvents.WithLabelValues("disconnected").Inc()
	}()

	conn.SetReadLimit(2 << 20)
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		ev, err := protocol.ParseMessage(data)
		if err != nil {
			s.logf(connID, "unparseable client frame: %v", err)
			continue
		}
		s.metrics.WSMessages.WithLabelValues("inbound", typeLabel(ev)).Inc()

		if sess == nil {
			created, err := s.factory(connID)
			if err != nil {
				s.logf(connID, "session create failed: %v", err)
				return
			}
			if err := created.Initialize(ctx); err != nil {
				s.logf(connID, "session init failed: %v", err)
				created.Close()
				return
			}
			sess = created
			s.metrics.ActiveSessions.Inc()
			s.metrics.SessionEvents.WithLabelValues("started").Inc()
			forwardDone = make(chan struct{})
			go func() {
				defer close(forwardDone)
				s.forward(ctx, conn, sess, connID, userID)
			}()
		}

		switch ev.Type() {
		case protocol.TypePromptStart:
			sess.SetPromptName(ev.PromptName())
			_ = sess.Send(ctx, ev)
		case protocol.TypeContentStart:
			if ev.ContentType() == protocol.ContentTypeAudio {
				sess.SetAudioContentName(ev.ContentName())
			}
			_ = sess.Send(ctx, ev)
		case protocol.TypeAudioInput:
			sess.EnqueueAudio(broker.AudioChunk{
				PromptName:  ev.PromptName(),
				ContentName: ev.ContentName(),
				Payload:     ev.Content(),
			})
		case protocol.TypeTextInput:
			s.saveUtterance(ctx, connID, userID, "USER", ev.Content())
			_ = sess.Send(ctx, ev)
		default:
			_ = sess.Send(ctx, ev)
		}
	}
}

// forward drains the session output queue onto the websocket, keeping
// writes single-threaded. Once the queue closes it delivers whatever
// is still buffered and returns; a failed write ends it immediately,
// dropping anything left queued.
func (s *Server) forward(ctx context.Context, conn *websocket.Conn, sess Session, connID, userID string) {
	for {
		ev, ok := sess.Output().Pop()
		if !ok {
			return
		}
		s.metrics.BackendEvents.WithLabelValues(typeLabel(ev)).Inc()
		switch ev.Type() {
		case protocol.TypeToolUse:
			s.metrics.ToolInvocations.WithLabelValues(ev.ToolName(), "requested").Inc()
		case protocol.TypeTextOutput:
			role, _ := ev.Payload()["role"].(string)
			if role == "" {
				role = "ASSISTANT"
			}
			s.saveUtterance(ctx, connID, userID, role, ev.Content())
		}

		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(ev); err != nil {
			s.logf(connID, "forward write failed: %v", err)
			return
		}
		s.metrics.WSMessages.WithLabelValues("outbound", typeLabel(ev)).Inc()
	}
}

func (s *Server) saveUtterance(ctx context.Context, connID, userID, role, text string) {
	if s.store == nil || strings.TrimSpace(text) == "" {
		return
	}
	u := transcript.Utterance{SessionID: connID, UserID: userID, Role: role, Text: text}
	if err := s.store.SaveUtterance(ctx, u); err != nil {
		s.logf(connID, "transcript save failed: %v", err)
	}
}

func (s *Server) logf(connID, format string, args ...any) {
	log.Printf("gateway[%s]: "+format, append([]any{connID}, args...)...)
}

func typeLabel(ev protocol.Event) string {
	if t := ev.Type(); t != "" {
		return string(t)
	}
	return "raw"
}

func closePolicyViolation(conn *websocket.Conn, reason string) {
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}
