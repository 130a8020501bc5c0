package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/GitNimay/ai-calling-agent/internal/agent"
	"github.com/GitNimay/ai-calling-agent/internal/call"
	"github.com/GitNimay/ai-calling-agent/internal/calllog"
	"github.com/GitNimay/ai-calling-agent/internal/config"
	"github.com/GitNimay/ai-calling-agent/internal/observability"
	"github.com/GitNimay/ai-calling-agent/internal/relay"
	"github.com/GitNimay/ai-calling-agent/internal/reliability"
)

// ChatService answers one-shot text requests.
type ChatService interface {
	GenerateText(ctx context.Context, message string, history []agent.ChatTurn, systemInstruction string) (string, error)
	TextModel() string
}

type Server struct {
	cfg      config.Config
	calls    *call.Registry
	records  calllog.Store
	chat     ChatService
	factory  relay.SessionFactory
	metrics  *observability.Metrics
	upgrader websocket.Upgrader

	engineMu sync.Mutex
	engines  map[string]*relay.Engine
}

func New(cfg config.Config, calls *call.Registry, records calllog.Store, chat ChatService, factory relay.SessionFactory, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:     cfg,
		calls:   calls,
		records: records,
		chat:    chat,
		factory: factory,
		metrics: metrics,
		engines: make(map[string]*relay.Engine),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Default: only allow browser websocket connections from the
				// same origin. Telephony providers and other non-browser
				// clients omit Origin entirely and are allowed.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
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

	r.Get("/", s.handleRoot)
	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/chat", s.handleChat)
	r.Get("/v1/voice/ws", s.handleVoiceWS)

	r.Post("/twilio/incoming", s.handleTwilioIncoming)
	r.Get("/twilio/media", s.handleTwilioMedia)

	r.Get("/v1/calls", s.handleListCalls)
	r.Get("/v1/calls/history", s.handleCallHistory)
	r.Get("/v1/calls/{id}", s.handleGetCall)

	return r
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"service":    "ai-calling-agent",
		"status":     "ok",
		"agent_mode": s.cfg.AgentMode,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.factory == nil || s.chat == nil {
		respondError(w, http.StatusServiceUnavailable, "not_ready", "agent backend not configured")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":       "ready",
		"text_model":   s.chat.TextModel(),
		"active_calls": s.calls.ActiveCount(),
	})
}

type chatRequest struct {
	Message           string           `json:"message"`
	History           []agent.ChatTurn `json:"history,omitempty"`
	SystemInstruction string           `json:"system_instruction,omitempty"`
}

type chatResponse struct {
	Reply string `json:"reply"`
	Model string `json:"model"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "message is required")
		return
	}
	system := req.SystemInstruction
	if strings.TrimSpace(system) == "" {
		system = s.cfg.SystemInstruction
	}

	reply, err := s.chat.GenerateText(r.Context(), req.Message, req.History, system)
	if err != nil {
		log.Printf("chat generation failed: %v", err)
		respondError(w, http.StatusBadGateway, "generation_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, chatResponse{Reply: reply, Model: s.chat.TextModel()})
}

func (s *Server) handleListCalls(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"calls":  s.calls.List(),
		"active": s.calls.ActiveCount(),
	})
}

func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	c, err := s.calls.Get(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "call_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, c)
}

func (s *Server) handleCallHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := strings.TrimSpace(r.URL.Query().Get("limit")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid_request", "limit must be an integer")
			return
		}
		limit = n
	}
	records, err := s.records.Recent(r.Context(), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "history_unavailable", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"records": records})
}

// retryingFactory wraps the configured session factory with capped backoff so
// a transient upstream blip does not fail the call outright.
type retryingFactory struct {
	inner    relay.SessionFactory
	attempts int
}

func (f retryingFactory) Open(ctx context.Context, cfg relay.SessionConfig) (relay.Session, error) {
	var sess relay.Session
	err := reliability.Do(ctx, f.attempts, 200*time.Millisecond, 2*time.Second, func() error {
		var openErr error
		sess, openErr = f.inner.Open(ctx, cfg)
		return openErr
	}, reliability.IsRetryableLiveError)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// runRelay drives one call end to end: registry bookkeeping, the relay
// engine, and the call record written when it finishes.
func (s *Server) runRelay(ctx context.Context, transport relay.Transport, c *call.Call) {
	s.metrics.CallEvents.WithLabelValues("started").Inc()
	s.metrics.ActiveCalls.Set(float64(s.calls.ActiveCount()))

	engine := relay.NewEngine(relay.Config{
		CallID:            c.ID,
		SystemInstruction: s.cfg.SystemInstruction,
		InputSampleRate:   c.SampleRate,
		QueueCapacity:     s.cfg.RelayQueueCapacity,
		DrainTimeout:      s.cfg.RelayDrainTimeout,
		StopGrace:         s.cfg.RelayStopGrace,
	}, transport, retryingFactory{inner: s.factory, attempts: s.cfg.SessionOpenAttempts}, s.metrics)

	s.trackEngine(c.ID, engine)
	defer s.untrackEngine(c.ID)

	err := engine.Run(ctx)

	reason := "completed"
	switch {
	case err == nil:
	case errors.Is(err, relay.ErrSessionUnavailable):
		reason = "agent_unavailable"
	default:
		reason = "call_error"
	}
	if err != nil {
		log.Printf("call %s ended with error: %v", c.ID, err)
		s.metrics.CallEvents.WithLabelValues("failed").Inc()
	}

	ended, endErr := s.calls.End(c.ID, reason)
	if endErr != nil {
		ended = c
	}
	s.metrics.ActiveCalls.Set(float64(s.calls.ActiveCount()))
	s.metrics.CallEvents.WithLabelValues("ended").Inc()

	s.saveRecord(ended, engine.Stats())
}

func (s *Server) trackEngine(callID string, engine *relay.Engine) {
	s.engineMu.Lock()
	defer s.engineMu.Unlock()
	s.engines[callID] = engine
}

func (s *Server) untrackEngine(callID string) {
	s.engineMu.Lock()
	defer s.engineMu.Unlock()
	delete(s.engines, callID)
}

// StopCall stops the relay engine of an in-flight call, if any. The registry
// janitor uses it so an inactivity-expired call releases its session instead
// of waiting out the transport read deadline.
func (s *Server) StopCall(callID string) {
	s.engineMu.Lock()
	engine := s.engines[callID]
	s.engineMu.Unlock()
	if engine != nil {
		engine.Stop()
	}
}

func (s *Server) saveRecord(c *call.Call, stats relay.Stats) {
	if s.records == nil {
		return
	}
	endedAt := c.EndedAt
	if endedAt.IsZero() {
		endedAt = time.Now().UTC()
	}
	rec := calllog.Record{
		CallID:          c.ID,
		Transport:       c.Kind,
		StreamSID:       c.StreamSID,
		ProviderCallSID: c.ProviderCallSID,
		EndReason:       c.EndReason,
		DurationMS:      endedAt.Sub(c.StartedAt).Milliseconds(),
		FramesIn:        int64(stats.FramesIn),
		FramesOut:       int64(stats.FramesOut),
		FramesDropped:   int64(stats.FramesDropped),
		StartedAt:       c.StartedAt,
		EndedAt:         endedAt,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.records.Save(ctx, rec); err != nil {
		log.Printf("save call record for %s: %v", c.ID, err)
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errors.New("empty body")
	}
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(out)
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
