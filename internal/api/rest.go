package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/devghori1264/mcpanel/internal/orchestrator"
	"go.uber.org/zap"
)

// Handler is the HTTP shim over the lifecycle operations.
type Handler struct {
	lc  Lifecycle
	log *zap.Logger
}

func NewHTTPHandler(lc Lifecycle, log *zap.Logger) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	h := &Handler{lc: lc, log: log}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ping", h.handlePing)
	mux.HandleFunc("GET /status", h.handleStatus)
	mux.HandleFunc("POST /start", h.handleStart)
	mux.HandleFunc("POST /stop", h.handleStop)
	mux.HandleFunc("POST /reconcile", h.handleReconcile)
	return mux
}

func (h *Handler) handlePing(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, PingResponse{Msg: "pong from mcpanel http", ServerID: h.lc.ServerID()})
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	rec, err := h.lc.Status(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	ack, err := h.lc.RequestStart(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, ack)
}

func (h *Handler) handleStop(w http.ResponseWriter, r *http.Request) {
	ack, err := h.lc.RequestStop(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, ack)
}

func (h *Handler) handleReconcile(w http.ResponseWriter, r *http.Request) {
	rec, err := h.lc.Reconcile(r.Context())
	var mismatch *orchestrator.MismatchError
	if errors.As(err, &mismatch) && rec != nil {
		writeJSON(w, http.StatusOK, ReconcileResponse{Record: rec, Mismatch: mismatch.Error()})
		return
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ReconcileResponse{Record: rec})
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, orchestrator.ErrPreconditionFailed):
		status = http.StatusConflict
	case errors.Is(err, orchestrator.ErrExternalCallExhausted):
		status = http.StatusBadGateway
	default:
		h.log.Error("http lifecycle call", zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
