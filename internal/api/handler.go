package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-cognition/internal/clock"
	"github.com/nidhogg/nuka-cognition/internal/memory"
	"github.com/nidhogg/nuka-cognition/internal/model"
	"github.com/nidhogg/nuka-cognition/internal/session"
	"github.com/nidhogg/nuka-cognition/internal/trait"
)

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	sessions *session.Manager
	clock    *clock.Clock
	logger   *zap.Logger
}

// NewHandler creates a new API handler. clock may be nil.
func NewHandler(sessions *session.Manager, clk *clock.Clock, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		sessions: sessions,
		clock:    clk,
		logger:   logger,
	}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)
		r.Get("/status", h.status)
		r.Post("/sweep", h.sweepAll)

		r.Get("/sessions", h.listSessions)
		r.Route("/sessions/{sid}", func(r chi.Router) {
			r.Post("/", h.openSession)

			r.Get("/memories", h.listMemories)
			r.Post("/memories", h.admitMemory)
			r.Get("/memories/short-term", h.shortTerm)
			r.Get("/memories/{id}", h.getMemory)
			r.Patch("/memories/{id}", h.updateMemory)
			r.Delete("/memories/{id}", h.removeMemory)

			r.Get("/traits", h.listTraits)
			r.Get("/traits/{name}", h.getTrait)
			r.Put("/traits/{name}", h.defineTrait)

			r.Get("/resonances", h.listResonances)
			r.Post("/resonances", h.triggerResonance)
			r.Get("/patterns", h.listPatterns)

			r.Get("/clusters", h.listClusters)
			r.Get("/connections", h.listConnections)

			r.Get("/prune-candidates", h.pruneCandidates)
			r.Post("/prune", h.prune)
			r.Post("/sweep", h.sweep)
			r.Post("/checkpoint", h.checkpoint)
		})
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "nuka-cognition"})
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"sessions": h.sessions.IDs()}
	if h.clock != nil {
		resp["sweep_interval"] = h.clock.Interval().String()
		resp["ticks"] = h.clock.Ticks()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) sweepAll(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sessions.SweepAll(r.Context()))
}

func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sessions.IDs())
}

func (h *Handler) openSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.sessions.Open(r.Context(), chi.URLParam(r, "sid"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": s.ID(), "ready": s.Ready()})
}

// session resolves {sid} to an opened session or writes a 404.
func (h *Handler) session(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	id := chi.URLParam(r, "sid")
	s, ok := h.sessions.Get(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return nil, false
	}
	return s, true
}

func (h *Handler) listMemories(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	if term := q.Get("term"); term != "" {
		respond(h, w, http.StatusOK)(s.Search(term))
		return
	}
	if kw := q.Get("keywords"); kw != "" {
		respond(h, w, http.StatusOK)(s.Query(strings.Split(kw, ",")))
		return
	}
	respond(h, w, http.StatusOK)(s.Memories())
}

func (h *Handler) shortTerm(w http.ResponseWriter, r *http.Request) {
	if s, ok := h.session(w, r); ok {
		respond(h, w, http.StatusOK)(s.ShortTerm())
	}
}

func (h *Handler) admitMemory(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var ev memory.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	respond(h, w, http.StatusCreated)(s.Admit(r.Context(), ev))
}

func (h *Handler) getMemory(w http.ResponseWriter, r *http.Request) {
	if s, ok := h.session(w, r); ok {
		respond(h, w, http.StatusOK)(s.Get(r.Context(), chi.URLParam(r, "id")))
	}
}

func (h *Handler) updateMemory(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var p memory.Patch
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	respond(h, w, http.StatusOK)(s.Update(r.Context(), chi.URLParam(r, "id"), p))
}

func (h *Handler) removeMemory(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	if err := s.Remove(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listTraits(w http.ResponseWriter, r *http.Request) {
	if s, ok := h.session(w, r); ok {
		respond(h, w, http.StatusOK)(s.Traits())
	}
}

type traitResponse struct {
	Baseline   trait.Baseline           `json:"baseline"`
	Metrics    trait.Metrics            `json:"metrics"`
	Confidence trait.EnhancedConfidence `json:"confidence"`
}

func (h *Handler) getTrait(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	name := chi.URLParam(r, "name")
	b, m, err := s.Trait(name)
	if err != nil {
		h.writeError(w, err)
		return
	}
	c, err := s.Confidence(name)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, traitResponse{Baseline: b, Metrics: m, Confidence: c})
}

func (h *Handler) defineTrait(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var def trait.Definition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	def.Name = chi.URLParam(r, "name")
	respond(h, w, http.StatusOK)(s.Define(r.Context(), def))
}

type triggerRequest struct {
	Trigger   string  `json:"trigger"`
	Intensity float64 `json:"intensity"`
}

func (h *Handler) triggerResonance(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var req triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	respond(h, w, http.StatusCreated)(s.Trigger(req.Trigger, req.Intensity))
}

func (h *Handler) listResonances(w http.ResponseWriter, r *http.Request) {
	if s, ok := h.session(w, r); ok {
		respond(h, w, http.StatusOK)(s.Resonances())
	}
}

func (h *Handler) listPatterns(w http.ResponseWriter, r *http.Request) {
	if s, ok := h.session(w, r); ok {
		respond(h, w, http.StatusOK)(s.Patterns())
	}
}

func (h *Handler) listClusters(w http.ResponseWriter, r *http.Request) {
	if s, ok := h.session(w, r); ok {
		respond(h, w, http.StatusOK)(s.Clusters())
	}
}

func (h *Handler) listConnections(w http.ResponseWriter, r *http.Request) {
	if s, ok := h.session(w, r); ok {
		respond(h, w, http.StatusOK)(s.Connections())
	}
}

func (h *Handler) pruneCandidates(w http.ResponseWriter, r *http.Request) {
	if s, ok := h.session(w, r); ok {
		respond(h, w, http.StatusOK)(s.PruneCandidates())
	}
}

func (h *Handler) prune(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	removed, err := s.Prune(r.Context())
	resp := map[string]any{"removed": removed}
	if err != nil {
		if len(removed) == 0 {
			h.writeError(w, err)
			return
		}
		resp["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) sweep(w http.ResponseWriter, r *http.Request) {
	if s, ok := h.session(w, r); ok {
		respond(h, w, http.StatusOK)(s.Sweep(r.Context()))
	}
}

func (h *Handler) checkpoint(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	if err := s.Checkpoint(r.Context()); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// respond writes v with status, or the error mapped by writeError.
func respond(h *Handler, w http.ResponseWriter, status int) func(any, error) {
	return func(v any, err error) {
		if err != nil {
			h.writeError(w, err)
			return
		}
		writeJSON(w, status, v)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case model.IsValidationError(err):
		status = http.StatusBadRequest
	case model.IsNotFoundError(err):
		status = http.StatusNotFound
	case errors.Is(err, model.ErrNotReady):
		status = http.StatusServiceUnavailable
	case model.IsPersistenceError(err):
		status = http.StatusBadGateway
	}
	if status >= http.StatusInternalServerError {
		h.logger.Warn("request failed", zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
