package scanner

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// ScanController is the part of the worker the status surface drives.
type ScanController interface {
	GetStatus() Status
	Trigger(scan string) error
}

// StatusHandler serves health, status, metrics and manual scan triggers.
type StatusHandler struct {
	worker   ScanController
	gatherer prometheus.Gatherer
	log      zerolog.Logger
}

func NewStatusHandler(worker ScanController, gatherer prometheus.Gatherer, log zerolog.Logger) *StatusHandler {
	return &StatusHandler{worker: worker, gatherer: gatherer, log: log}
}

// Router mounts all endpoints on a fresh chi router.
func (h *StatusHandler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	h.Register(r)
	return r
}

func (h *StatusHandler) Register(r chi.Router) {
	r.Get("/healthz", h.handleHealth)
	r.Get("/status", h.handleStatus)
	if h.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	}
	r.Post("/scans/{scan}", h.handleTrigger)
}

func (h *StatusHandler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}

func (h *StatusHandler) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.worker.GetStatus())
}

func (h *StatusHandler) handleTrigger(w http.ResponseWriter, r *http.Request) {
	scan := chi.URLParam(r, "scan")
	if scan != ScanIncremental && scan != ScanFull {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown scan " + scan})
		return
	}
	err := h.worker.Trigger(scan)
	switch {
	case err == nil:
		h.log.Info().Str("scan", scan).Msg("scan triggered over http")
		writeJSON(w, http.StatusAccepted, map[string]string{"scan": scan, "status": "started"})
	case errors.Is(err, ErrScanInProgress):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, ErrWorkerStopped):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
	default:
		h.log.Error().Err(err).Str("scan", scan).Msg("trigger scan failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
