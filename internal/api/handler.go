// Package api exposes the HTTP surface: event ingestion, on-demand
// refreshes, output reads, and status.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/civicstream/taxmart/internal/aggregate"
	"github.com/civicstream/taxmart/internal/config"
	"github.com/civicstream/taxmart/internal/coordinator"
	"github.com/civicstream/taxmart/internal/engine"
	"github.com/civicstream/taxmart/internal/event"
	"github.com/civicstream/taxmart/internal/metrics"
	"github.com/civicstream/taxmart/internal/store"
	"github.com/civicstream/taxmart/internal/view"
)

const (
	maxBatchSize = 500
	maxBodyBytes = 4 << 20
)

// EventCounter reports event-log depth per entity type.
type EventCounter interface {
	CountEvents(ctx context.Context, entityType string) (int64, error)
}

// Handler holds all HTTP handler dependencies.
type Handler struct {
	eng     *engine.Engine
	loader  *config.Loader
	views   *coordinator.ViewSet
	agg     *aggregate.Engine
	coord   *coordinator.Coordinator
	counter EventCounter
	logger  *zap.Logger
	mux     *http.ServeMux
}

// New creates an HTTP handler and registers all routes.
func New(eng *engine.Engine, loader *config.Loader, views *coordinator.ViewSet, agg *aggregate.Engine, coord *coordinator.Coordinator, counter EventCounter, logger *zap.Logger) http.Handler {
	h := &Handler{eng: eng, loader: loader, views: views, agg: agg, coord: coord, counter: counter, logger: logger, mux: http.NewServeMux()}

	h.mux.HandleFunc("POST /v1/events", h.ingestEvent)
	h.mux.HandleFunc("POST /v1/events/batch", h.ingestBatch)
	h.mux.HandleFunc("POST /v1/refresh", h.refreshAll)
	h.mux.HandleFunc("POST /v1/refresh/{view}", h.refreshView)
	h.mux.HandleFunc("GET /v1/status", h.status)
	h.mux.HandleFunc("GET /v1/status/{view}", h.viewStatus)
	h.mux.HandleFunc("GET /v1/outputs/{name}", h.output)
	h.mux.HandleFunc("GET /v1/pipeline", h.pipeline)
	h.mux.HandleFunc("POST /v1/pipeline/reload", h.reloadPipeline)
	h.mux.HandleFunc("GET /healthz", h.healthz)
	h.mux.HandleFunc("GET /readyz", h.readyz)
	h.mux.Handle("GET /metrics", promhttp.Handler())

	return loggingMiddleware(logger, h.mux)
}

// POST /v1/events — synchronous ingestion of one upstream record. A
// demand record expands into the demand event plus one event per tax
// head, so the response carries a result per stored event.
func (h *Handler) ingestEvent(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	events, err := event.ParseUpstream(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	results := make([]*engine.IngestResult, 0, len(events))
	for _, ev := range events {
		res, err := h.eng.ProcessSync(r.Context(), ev)
		if err != nil {
			writeError(w, http.StatusTooManyRequests, err.Error())
			return
		}
		results = append(results, res)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": results})
}

// POST /v1/events/batch — async ingestion of up to 500 upstream records.
func (h *Handler) ingestBatch(w http.ResponseWriter, r *http.Request) {
	var records []json.RawMessage
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&records); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %s", err))
		return
	}
	if len(records) == 0 {
		writeError(w, http.StatusBadRequest, "batch must contain at least one record")
		return
	}
	if len(records) > maxBatchSize {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("batch size %d exceeds max %d", len(records), maxBatchSize))
		return
	}

	queued, rejected, invalid := 0, 0, 0
	for _, raw := range records {
		events, err := event.ParseUpstream(raw)
		if err != nil {
			invalid++
			continue
		}
		for _, ev := range events {
			if h.eng.ProcessAsync(ev) {
				queued++
			} else {
				rejected++
			}
		}
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"records":  len(records),
		"queued":   queued,
		"rejected": rejected,
		"invalid":  invalid,
	})
}

// POST /v1/refresh — kick off a full refresh cycle in the background.
func (h *Handler) refreshAll(w http.ResponseWriter, r *http.Request) {
	if h.coord.Status().Running {
		writeError(w, http.StatusConflict, coordinator.ErrCycleRunning.Error())
		return
	}
	// Detached from the request context: the cycle outlives the 202.
	go func() {
		if _, err := h.coord.RunCycle(context.Background()); err != nil && !errors.Is(err, coordinator.ErrCycleRunning) {
			h.logger.Error("requested refresh cycle failed", zap.Error(err))
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cycle started"})
}

// POST /v1/refresh/{view} — refresh one view and its dependent outputs.
func (h *Handler) refreshView(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("view")
	v, ok := h.views.Get(name)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown view %q", name))
		return
	}
	outputs, err := h.coord.RefreshView(r.Context(), name)
	if err != nil {
		if errors.Is(err, view.ErrAlreadyRunning) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"view":    v.Status(),
		"outputs": outputs,
	})
}

// GET /v1/status — full pipeline status, including event-log depth per
// entity type.
func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	views := make([]view.Status, 0)
	counts := make(map[string]int64)
	for _, v := range h.views.All() {
		views = append(views, v.Status())
		if _, seen := counts[v.EntityType()]; seen {
			continue
		}
		n, err := h.counter.CountEvents(r.Context(), v.EntityType())
		if err != nil {
			h.logger.Warn("event count unavailable", zap.String("entity_type", v.EntityType()), zap.Error(err))
			continue
		}
		counts[v.EntityType()] = n
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"views":       views,
		"events":      counts,
		"outputs":     h.agg.Status(),
		"coordinator": h.coord.Status(),
	})
}

// GET /v1/status/{view} — one view's refresh state.
func (h *Handler) viewStatus(w http.ResponseWriter, r *http.Request) {
	v, ok := h.views.Get(r.PathValue("view"))
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown view %q", r.PathValue("view")))
		return
	}
	writeJSON(w, http.StatusOK, v.Status())
}

// GET /v1/outputs/{name} — latest rows for one output, from memory or
// the persisted copy.
func (h *Handler) output(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	rows, err := h.agg.Rows(r.Context(), name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("output %q has not been computed yet", name))
			return
		}
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"name": name, "rows": rows})
}

// GET /v1/pipeline — the loaded pipeline definition.
func (h *Handler) pipeline(w http.ResponseWriter, r *http.Request) {
	cfg := h.loader.Config()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"version": cfg.Version,
		"views":   cfg.Views,
		"outputs": cfg.Outputs,
	})
}

// POST /v1/pipeline/reload — hot-reload output definitions from disk.
// View topology changes (adding, removing, or restrategizing a view)
// need a restart; the response flags that case.
func (h *Handler) reloadPipeline(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.loader.Reload()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := config.Validate(cfg); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	defs, err := aggregate.Compile(cfg.Outputs)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	h.agg.SwapDefs(defs)
	h.coord.SetMode(cfg.Coordinator.Mode)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"reloaded":         true,
		"outputs_count":    len(defs),
		"restart_required": h.viewsChanged(cfg.Views),
	})
}

func (h *Handler) viewsChanged(confs []config.ViewConf) bool {
	if len(confs) != len(h.views.All()) {
		return true
	}
	for _, vc := range confs {
		v, ok := h.views.Get(vc.Name)
		if !ok || v.EntityType() != vc.EntityType || v.Strategy() != vc.Strategy {
			return true
		}
	}
	return false
}

// GET /healthz — always 200 (liveness probe).
func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GET /readyz — 503 if the ingest queue is >80% full.
func (h *Handler) readyz(w http.ResponseWriter, r *http.Request) {
	util := h.eng.QueueUtilization()
	metrics.QueueUtilization.Set(util)
	if util > 0.8 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":            "overloaded",
			"queue_utilization": util,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":            "ready",
		"queue_utilization": util,
	})
}
