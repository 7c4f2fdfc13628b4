package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/avelins/paperscout/pipeline"
	"github.com/avelins/paperscout/store"
)

// runTimeout bounds a synchronous /v1/run cycle.
const runTimeout = 5 * time.Minute

// API is the thin REST façade: health, metrics, a synchronous one-shot
// pipeline run and a queue status view.
type API struct {
	store    store.Store
	pipeline *pipeline.Pipeline
	validate *validator.Validate
}

func NewAPI(st store.Store, p *pipeline.Pipeline) *API {
	return &API{store: st, pipeline: p, validate: validator.New()}
}

func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", a.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())
	r.Post("/v1/run", a.handleRun)
	r.Get("/v1/queue", a.handleQueue)
	return r
}

func (a *API) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleRun(w http.ResponseWriter, r *http.Request) {
	var task pipeline.Task
	if err := json.NewDecoder(r.Body).Decode(&task); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}
	task.ApplyDefaults()
	if err := a.validate.Struct(task); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), runTimeout)
	defer cancel()
	out, err := a.pipeline.Run(ctx, task)
	if err != nil {
		log.WithField("err", err).Error("synchronous run failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) handleQueue(w http.ResponseWriter, r *http.Request) {
	length, err := a.store.QueueLength(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	stats, err := a.store.GetStatistics(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"queue_length": length,
		"statistics":   stats,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithField("err", err).Debug("response encode failed")
	}
}
