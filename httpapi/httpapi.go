// Package httpapi is the operator surface: session status and controls, the
// request queue, and recent cycle history, served as JSON over chi.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/veldt/denbot/events"
	"github.com/veldt/denbot/pool"
	"github.com/veldt/denbot/queue"
	"github.com/veldt/denbot/rotation"
)

// Supervisor is the session-control surface. *pool.Supervisor satisfies it.
type Supervisor interface {
	Snapshots() []rotation.Snapshot
	Snapshot(id string) (rotation.Snapshot, error)
	Pause(id string) error
	Resume(id string) error
	ForceReset(id string) error
}

// History serves recorded cycles. *events.Store satisfies it; nil disables
// the /cycles endpoint.
type History interface {
	RecentCycles(ctx context.Context, limit int) ([]events.Cycle, error)
	RequestQueued(ctx context.Context, requestID, requester, origin, priority string) error
}

// Service wires the handlers. Register on a chi router with RegisterHTTP.
type Service struct {
	sup     Supervisor
	q       *queue.Q
	history History
	log     *slog.Logger
}

// New creates a Service. history may be nil.
func New(sup Supervisor, q *queue.Q, history History, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{sup: sup, q: q, history: history, log: logger}
}

// RegisterHTTP registers all endpoints on the router.
func (s *Service) RegisterHTTP(r chi.Router) {
	r.Get("/healthz", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Get("/status/{id}", s.handleSessionStatus)
	r.Post("/sessions/{id}/pause", s.handlePause)
	r.Post("/sessions/{id}/resume", s.handleResume)
	r.Post("/sessions/{id}/reset", s.handleReset)
	r.Get("/queue", s.handleQueue)
	r.Post("/requests", s.handleSubmitRequest)
	r.Get("/cycles", s.handleCycles)
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Sessions []rotation.Snapshot `json:"sessions"`
	Queue    queue.Stats         `json:"queue"`
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{
		Sessions: s.sup.Snapshots(),
		Queue:    s.q.Stats(),
	})
}

func (s *Service) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.sup.Snapshot(chi.URLParam(r, "id"))
	if err != nil {
		s.sessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Service) handlePause(w http.ResponseWriter, r *http.Request) {
	s.sessionControl(w, r, s.sup.Pause)
}

func (s *Service) handleResume(w http.ResponseWriter, r *http.Request) {
	s.sessionControl(w, r, s.sup.Resume)
}

func (s *Service) handleReset(w http.ResponseWriter, r *http.Request) {
	s.sessionControl(w, r, s.sup.ForceReset)
}

func (s *Service) sessionControl(w http.ResponseWriter, r *http.Request, op func(string) error) {
	id := chi.URLParam(r, "id")
	if err := op(id); err != nil {
		s.sessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"session": id, "status": "ok"})
}

func (s *Service) sessionError(w http.ResponseWriter, err error) {
	var unknown *pool.UnknownSessionError
	if errors.As(err, &unknown) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	http.Error(w, err.Error(), http.StatusConflict)
}

// QueueResponse is the body of GET /queue.
type QueueResponse struct {
	Pending []queue.Request `json:"pending"`
	Stats   queue.Stats     `json:"stats"`
}

func (s *Service) handleQueue(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, QueueResponse{
		Pending: s.q.Snapshot(),
		Stats:   s.q.Stats(),
	})
}

// SubmitRequest is the body of POST /requests. Seed is hex to survive JSON
// number precision.
type SubmitRequest struct {
	Requester string `json:"requester"`
	Origin    string `json:"origin"`
	Seed      string `json:"seed"`
	Species   string `json:"species"`
	Stars     int    `json:"stars"`
	Progress  int    `json:"progress"`
}

func (s *Service) handleSubmitRequest(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Requester == "" || req.Seed == "" {
		http.Error(w, "requester and seed required", http.StatusBadRequest)
		return
	}
	seed, err := strconv.ParseUint(req.Seed, 16, 64)
	if err != nil {
		http.Error(w, "seed must be a hex string", http.StatusBadRequest)
		return
	}
	if req.Stars < 0 || req.Stars > 5 {
		http.Error(w, "stars out of range", http.StatusBadRequest)
		return
	}

	qr := &queue.Request{
		Requester: req.Requester,
		Origin:    req.Origin,
		Seed:      seed,
		Species:   req.Species,
		Stars:     req.Stars,
		Progress:  req.Progress,
		Priority:  queue.PriorityUser,
	}
	if err := s.q.Enqueue(qr); err != nil {
		var full *queue.QueueFullError
		if errors.As(err, &full) {
			http.Error(w, err.Error(), http.StatusTooManyRequests)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if s.history != nil {
		if err := s.history.RequestQueued(r.Context(), qr.ID, qr.Requester, qr.Origin, qr.Priority.String()); err != nil {
			s.log.Warn("httpapi: request audit failed", "request", qr.ID, "error", err)
		}
	}
	s.log.Info("httpapi: request queued", "request", qr.ID, "requester", qr.Requester)
	writeJSON(w, http.StatusCreated, map[string]string{"id": qr.ID})
}

func (s *Service) handleCycles(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		http.Error(w, "cycle history not configured", http.StatusNotFound)
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	cycles, err := s.history.RecentCycles(r.Context(), limit)
	if err != nil {
		s.log.Error("httpapi: cycle query failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cycles": cycles})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
