package cloudsim

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/devghori1264/mcpanel/internal/models"
	"github.com/devghori1264/mcpanel/internal/storage"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// Handler serves the machines REST API plus chaos controls.
type Handler struct {
	srv      *Server
	apiToken string
	log      *zap.Logger

	mu          sync.RWMutex
	partitioned map[string]bool
	latencyMs   map[string]int
}

// NewHTTPHandler builds the router. A non-empty apiToken requires
// "Authorization: Bearer <token>" on the machines API.
func NewHTTPHandler(srv *Server, apiToken string, log *zap.Logger) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	h := &Handler{
		srv:         srv,
		apiToken:    apiToken,
		log:         log,
		partitioned: make(map[string]bool),
		latencyMs:   make(map[string]int),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/ping", h.handlePing)

	r.Group(func(r chi.Router) {
		r.Use(h.authenticate)
		r.Post("/v1/machines", h.handleCreate)
		r.Get("/v1/machines", h.handleFind)
		r.Get("/v1/machines/{id}", h.handleGet)
		r.Delete("/v1/machines/{id}", h.handleDelete)

		r.Post("/chaos/partition", h.handlePartition)
		r.Post("/chaos/heal", h.handleHeal)
		r.Post("/chaos/latency", h.handleLatency)
	})
	return r
}

func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.apiToken != "" && r.Header.Get("Authorization") != "Bearer "+h.apiToken {
			h.writeError(w, http.StatusUnauthorized, "invalid api token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) handlePing(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"msg": "pong from cloudsim"})
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var spec models.InstanceSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if h.isPartitioned(spec.Region) {
		h.writeError(w, http.StatusServiceUnavailable, "region partitioned")
		return
	}
	h.delay(spec.Region)

	m, created, err := h.srv.CreateMachine(r.Context(), spec)
	switch {
	case errors.Is(err, ErrNameRequired), errors.Is(err, ErrRegionRequired), errors.Is(err, ErrTokenRequired):
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		h.log.Error("create machine", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "failed to create machine")
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, m)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	m, err := h.srv.GetMachine(r.Context(), chi.URLParam(r, "id"))
	h.writeMachine(w, m, err)
}

func (h *Handler) handleFind(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("request_token")
	if token == "" {
		h.writeError(w, http.StatusBadRequest, "request_token required")
		return
	}
	m, err := h.srv.FindMachine(r.Context(), token)
	h.writeMachine(w, m, err)
}

func (h *Handler) writeMachine(w http.ResponseWriter, m *models.Machine, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "machine not found")
		return
	}
	if err != nil {
		h.log.Error("get machine", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "failed to load machine")
		return
	}
	if h.isPartitioned(m.Region) {
		h.writeError(w, http.StatusServiceUnavailable, "region partitioned")
		return
	}
	h.delay(m.Region)
	writeJSON(w, http.StatusOK, m)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	err := h.srv.DeleteMachine(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, storage.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "machine not found")
		return
	}
	if err != nil {
		h.log.Error("delete machine", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "failed to delete machine")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type chaosRequest struct {
	Region    string `json:"region"`
	LatencyMs int    `json:"latency_ms"`
}

func (h *Handler) decodeChaos(w http.ResponseWriter, r *http.Request) (chaosRequest, bool) {
	var body chaosRequest
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Region == "" {
		h.writeError(w, http.StatusBadRequest, "region required")
		return body, false
	}
	return body, true
}

func (h *Handler) handlePartition(w http.ResponseWriter, r *http.Request) {
	body, ok := h.decodeChaos(w, r)
	if !ok {
		return
	}

	h.mu.Lock()
	h.partitioned[body.Region] = true
	h.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{
		"status": "partitioned",
		"region": body.Region,
	})
}

func (h *Handler) handleHeal(w http.ResponseWriter, r *http.Request) {
	body, ok := h.decodeChaos(w, r)
	if !ok {
		return
	}

	h.mu.Lock()
	delete(h.partitioned, body.Region)
	delete(h.latencyMs, body.Region)
	h.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healed",
		"region": body.Region,
	})
}

func (h *Handler) handleLatency(w http.ResponseWriter, r *http.Request) {
	body, ok := h.decodeChaos(w, r)
	if !ok {
		return
	}
	if body.LatencyMs < 0 {
		h.writeError(w, http.StatusBadRequest, "latency_ms must be non-negative")
		return
	}

	h.mu.Lock()
	h.latencyMs[body.Region] = body.LatencyMs
	h.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "latency_set",
		"region":     body.Region,
		"latency_ms": body.LatencyMs,
	})
}

func (h *Handler) isPartitioned(region string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.partitioned[region]
}

func (h *Handler) delay(region string) {
	h.mu.RLock()
	ms := h.latencyMs[region]
	h.mu.RUnlock()
	if ms > 0 {
		time.Sleep(time.Duration(ms) * time.Millisecond)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
	h.log.Debug("http error", zap.Int("status", status), zap.String("msg", msg))
}
