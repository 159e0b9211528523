package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/oterra/callgate/internal/call"
	"github.com/oterra/callgate/internal/engine"
	"github.com/oterra/callgate/internal/observability"
	"github.com/oterra/callgate/internal/telephony"
)

const overCapacityMessage = "All of our lines are busy right now. Please try again in a few minutes."

// Server exposes the call engine over HTTP: call announcement, the media
// websocket, presence signals, and inspection endpoints.
type Server struct {
	engine   *engine.Engine
	metrics  *observability.Metrics
	log      *zap.Logger
	upgrader websocket.Upgrader
}

func NewServer(eng *engine.Engine, metrics *observability.Metrics, allowAnyOrigin bool, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{engine: eng, metrics: metrics, log: log}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
	if allowAnyOrigin {
		s.upgrader.CheckOrigin = func(*http.Request) bool { return true }
	}
	return s
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/calls", s.handleAnnounce)
		r.Get("/calls/media/ws", s.handleMediaSocket)
		r.Get("/capacity", s.handleCapacity)
		r.Get("/perf/latency", s.handleLatency)
		r.Route("/calls/{callID}", func(r chi.Router) {
			r.Get("/", s.handleInspect)
			r.Get("/events", s.handleEvents)
			r.Post("/presence", s.handlePresence)
		})
	})
	return r
}

type announceRequest struct {
	CallID    string `json:"call_id"`
	Direction string `json:"direction"`
	From      string `json:"from"`
	To        string `json:"to"`
}

func (s *Server) handleAnnounce(w http.ResponseWriter, r *http.Request) {
	var req announceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	direction := call.DirectionInbound
	switch req.Direction {
	case "", string(call.DirectionInbound):
	case string(call.DirectionOutbound):
		direction = call.DirectionOutbound
	default:
		respondError(w, http.StatusBadRequest, "direction must be inbound or outbound")
		return
	}

	res, err := s.engine.Announce(r.Context(), engine.AnnounceRequest{
		CallID:    req.CallID,
		Direction: direction,
		From:      req.From,
		To:        req.To,
	})
	switch {
	case errors.Is(err, engine.ErrOverCapacity):
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error":   "over_capacity",
			"message": overCapacityMessage,
		})
	case errors.Is(err, engine.ErrAlreadyAnnounced):
		respondError(w, http.StatusConflict, "call already announced")
	case err != nil:
		s.log.Error("announce failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "announce failed")
	default:
		respondJSON(w, http.StatusCreated, res)
	}
}

// handleMediaSocket upgrades the media stream and drives the call until it
// ends. The call must have been announced first.
func (s *Server) handleMediaSocket(w http.ResponseWriter, r *http.Request) {
	callID := r.URL.Query().Get("call_id")
	if callID == "" {
		respondError(w, http.StatusBadRequest, "call_id query parameter is required")
		return
	}
	if _, _, err := s.engine.Snapshot(callID); errors.Is(err, call.ErrNotFound) {
		respondError(w, http.StatusNotFound, "call not announced")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("media socket upgrade failed", zap.Error(err))
		return
	}
	leg := telephony.NewLeg(conn, callID, s.log)
	defer leg.Close()

	if err := s.engine.RunMedia(r.Context(), callID, leg); err != nil {
		s.log.Warn("media relay ended with error",
			zap.String("call_id", callID),
			zap.Error(err))
	}
}

func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callID")
	confirmed, err := s.engine.HandlePresence(r.Context(), callID)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	status := "cached"
	if confirmed {
		status = "confirmed"
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"call_id": callID,
		"status":  status,
	})
}

func (s *Server) handleInspect(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callID")
	snap, state, err := s.engine.Snapshot(callID)
	if errors.Is(err, call.ErrNotFound) {
		respondError(w, http.StatusNotFound, "call not found")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"session":    snap,
		"turn_state": state,
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callID")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	recs, err := s.engine.Events(r.Context(), callID, limit)
	if err != nil {
		s.log.Error("call log query failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "call log unavailable")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"call_id": callID,
		"events":  recs,
	})
}

func (s *Server) handleCapacity(w http.ResponseWriter, r *http.Request) {
	stats, local, err := s.engine.Stats(r.Context())
	if err != nil {
		s.log.Warn("capacity stats unavailable", zap.Error(err))
		respondError(w, http.StatusServiceUnavailable, "capacity registry unavailable")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"active":         stats.Active,
		"ceiling":        stats.Ceiling,
		"at_capacity":    stats.AtCapacity,
		"local_sessions": local,
	})
}

func (s *Server) handleLatency(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.metrics.StageSnapshot())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if _, _, err := s.engine.Stats(r.Context()); err != nil {
		respondError(w, http.StatusServiceUnavailable, "capacity registry unavailable")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
