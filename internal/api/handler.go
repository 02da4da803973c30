// Package api exposes the REST surface: polling job management and cached
// latest-price reads.
package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/jmoncayo-pursuit/market-data-api/internal/app/domain/market"
	"github.com/jmoncayo-pursuit/market-data-api/internal/app/domain/polling"
	"github.com/jmoncayo-pursuit/market-data-api/internal/app/metrics"
	"github.com/jmoncayo-pursuit/market-data-api/internal/app/services/cache"
	"github.com/jmoncayo-pursuit/market-data-api/internal/app/services/ratelimit"
	"github.com/jmoncayo-pursuit/market-data-api/internal/app/services/scheduler"
	"github.com/jmoncayo-pursuit/market-data-api/internal/app/storage"
	"github.com/jmoncayo-pursuit/market-data-api/pkg/logger"
)

const defaultHistoryLimit = 100

// HealthChecker reports backend reachability for the health endpoint.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Deps wires the handler to the services it fronts.
type Deps struct {
	Scheduler *scheduler.Service
	Cache     *cache.Manager
	Store     storage.MarketDataStore
	Limiter   *ratelimit.Limiter
	// Checkers are probed by /healthz, keyed by backend name.
	Checkers map[string]HealthChecker
	Log      *logger.Logger
}

type handler struct {
	deps Deps
}

// NewHandler builds the router. Rate limiting applies to the /prices API
// only; health and metrics stay reachable when a client is throttled.
func NewHandler(deps Deps) http.Handler {
	if deps.Log == nil {
		deps.Log = logger.NewDefault("api")
	}
	h := &handler{deps: deps}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", h.health).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	prices := r.PathPrefix("/prices").Subrouter()
	prices.Use(RateLimit(deps.Limiter))
	prices.HandleFunc("/poll", h.createJob).Methods(http.MethodPost)
	prices.HandleFunc("/poll", h.listJobs).Methods(http.MethodGet)
	prices.HandleFunc("/poll", h.deleteAllJobs).Methods(http.MethodDelete)
	prices.HandleFunc("/poll/{id}", h.getJob).Methods(http.MethodGet)
	prices.HandleFunc("/poll/{id}", h.deleteJob).Methods(http.MethodDelete)
	prices.HandleFunc("/poll/{id}/pause", h.pauseJob).Methods(http.MethodPost)
	prices.HandleFunc("/poll/{id}/resume", h.resumeJob).Methods(http.MethodPost)
	prices.HandleFunc("/latest", h.latestPrice).Methods(http.MethodGet)
	prices.HandleFunc("/history", h.priceHistory).Methods(http.MethodGet)
	prices.HandleFunc("/symbols", h.listSymbols).Methods(http.MethodGet)

	return metrics.InstrumentHandler("api", r)
}

type jobResponse struct {
	ID                  string     `json:"id"`
	Symbols             []string   `json:"symbols"`
	IntervalSeconds     float64    `json:"interval_seconds"`
	Provider            string     `json:"provider,omitempty"`
	Status              string     `json:"status"`
	CreatedAt           time.Time  `json:"created_at"`
	LastRunAt           *time.Time `json:"last_run_at,omitempty"`
	NextRunAt           time.Time  `json:"next_run_at"`
	ConsecutiveFailures int        `json:"consecutive_failure_count"`
}

func toJobResponse(job polling.Job) jobResponse {
	resp := jobResponse{
		ID:                  job.ID,
		Symbols:             job.Symbols,
		IntervalSeconds:     job.Interval.Seconds(),
		Provider:            job.Provider,
		Status:              string(job.Status),
		CreatedAt:           job.CreatedAt,
		NextRunAt:           job.NextRunAt,
		ConsecutiveFailures: job.ConsecutiveFailures,
	}
	if !job.LastRunAt.IsZero() {
		last := job.LastRunAt
		resp.LastRunAt = &last
	}
	return resp
}

func (h *handler) createJob(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Symbols         []string `json:"symbols"`
		IntervalSeconds float64  `json:"interval_seconds"`
		Provider        string   `json:"provider"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	interval := time.Duration(payload.IntervalSeconds * float64(time.Second))
	job, err := h.deps.Scheduler.CreateJob(r.Context(), payload.Symbols, interval, payload.Provider)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toJobResponse(job))
}

func (h *handler) listJobs(w http.ResponseWriter, r *http.Request) {
	jobs := h.deps.Scheduler.ListJobs(r.Context())
	resp := make([]jobResponse, 0, len(jobs))
	for _, job := range jobs {
		resp = append(resp, toJobResponse(job))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) deleteAllJobs(w http.ResponseWriter, r *http.Request) {
	deleted := h.deps.Scheduler.DeleteAllJobs(r.Context())
	writeJSON(w, http.StatusOK, map[string]int{"deleted": deleted})
}

func (h *handler) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.deps.Scheduler.GetJob(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(job))
}

func (h *handler) deleteJob(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Scheduler.DeleteJob(r.Context(), mux.Vars(r)["id"]); err != nil {
		h.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) pauseJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.deps.Scheduler.PauseJob(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(job))
}

func (h *handler) resumeJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.deps.Scheduler.ResumeJob(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(job))
}

func (h *handler) latestPrice(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		writeErrorMessage(w, http.StatusBadRequest, "symbol query parameter is required")
		return
	}

	event, record, err := h.deps.Cache.GetLatest(r.Context(), symbol)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"price":          event,
		"moving_average": record,
	})
}

func (h *handler) priceHistory(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		writeErrorMessage(w, http.StatusBadRequest, "symbol query parameter is required")
		return
	}
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeErrorMessage(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	prices, err := h.deps.Store.ListPrices(r.Context(), symbol, limit)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"symbol": symbol,
		"prices": prices,
	})
}

func (h *handler) listSymbols(w http.ResponseWriter, r *http.Request) {
	symbols, err := h.deps.Store.ListSymbols(r.Context())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"symbols": symbols})
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	backends := make(map[string]string, len(h.deps.Checkers))
	for name, checker := range h.deps.Checkers {
		if err := checker.Health(r.Context()); err != nil {
			h.deps.Log.WithError(err).WithField("backend", name).Warn("health check failed")
			backends[name] = err.Error()
			status = http.StatusServiceUnavailable
		} else {
			backends[name] = "ok"
		}
	}
	writeJSON(w, status, map[string]interface{}{
		"status":   healthWord(status),
		"backends": backends,
	})
}

func healthWord(status int) string {
	if status == http.StatusOK {
		return "ok"
	}
	return "degraded"
}

func (h *handler) writeDomainError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case market.IsCode(err, market.CodeInvalidConfig):
		status = http.StatusBadRequest
	case market.IsNotFound(err):
		status = http.StatusNotFound
	case market.IsCode(err, market.CodeProvider):
		status = http.StatusBadGateway
	case market.IsUnavailable(err):
		status = http.StatusServiceUnavailable
	}
	writeError(w, status, err)
}

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func writeErrorMessage(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
