package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"contextqueue/services"
)

// ContextHandler exposes the manager and worker over HTTP. Thin JSON
// glue only; lifecycle rules live in the services layer.
type ContextHandler struct {
	manager *services.Manager
	worker  *services.Worker
	logger  *zap.Logger
}

// NewContextHandler creates the handler set.
func NewContextHandler(manager *services.Manager, worker *services.Worker, logger *zap.Logger) *ContextHandler {
	return &ContextHandler{manager: manager, worker: worker, logger: logger}
}

// Router assembles the chi router for the service.
func (h *ContextHandler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
	}))

	r.Get("/health", h.Health)
	r.Route("/contexts", func(r chi.Router) {
		r.Post("/", h.CreateContext)
		r.Post("/service", h.CreateServiceContext)
		r.Get("/{id}", h.GetContext)
		r.Put("/{id}/status", h.UpdateStatus)
		r.Put("/{id}/progress", h.UpdateBatchProgress)
		r.Post("/{id}/items/{itemID}", h.AddBatchItemResult)
	})
	r.Route("/batches", func(r chi.Router) {
		r.Post("/", h.CreateBatchContext)
		r.Post("/preferences", h.CreatePreferenceBatch)
		r.Get("/{batchID}", h.GetBatchContext)
		r.Get("/{batchID}/summary", h.GetBatchSummary)
		r.Put("/{batchID}/status", h.UpdateBatchStatus)
	})
	r.Post("/conditions/reload", h.ReloadConditions)
	r.Post("/cleanup", h.RunManualCleanup)
	r.Get("/worker/metrics", h.WorkerMetrics)
	return r
}

func (h *ContextHandler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response failed", zap.Error(err))
	}
}

func (h *ContextHandler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
}

// CreateContextRequest is the request body for creating contexts.
type CreateContextRequest struct {
	ServiceType string                 `json:"service_type"`
	TemplateID  string                 `json:"template_id"`
	Priority    int                    `json:"priority"`
	Request     map[string]interface{} `json:"request"`
	Template    map[string]interface{} `json:"template"`
	Tags        []string               `json:"tags"`
	UserID      string                 `json:"user_id"`
	TenantID    string                 `json:"tenant_id"`
	ParentID    string                 `json:"parent_id"`
}

func (r CreateContextRequest) params() services.CreateContextParams {
	return services.CreateContextParams{
		ServiceType: r.ServiceType,
		TemplateID:  r.TemplateID,
		Priority:    r.Priority,
		Request:     r.Request,
		Template:    r.Template,
		Tags:        r.Tags,
		UserID:      r.UserID,
		TenantID:    r.TenantID,
		ParentID:    r.ParentID,
	}
}

// CreateContext handles POST /contexts.
func (h *ContextHandler) CreateContext(w http.ResponseWriter, r *http.Request) {
	var req CreateContextRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	id, err := h.manager.CreateContext(r.Context(), req.params())
	if err != nil {
		h.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	h.writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

// CreateServiceContext handles POST /contexts/service.
func (h *ContextHandler) CreateServiceContext(w http.ResponseWriter, r *http.Request) {
	var req CreateContextRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ServiceType == "" {
		h.writeError(w, http.StatusBadRequest, "service_type is required")
		return
	}
	id, err := h.manager.CreateServiceContext(r.Context(), req.params())
	if err != nil {
		h.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	h.writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

// CreateBatchRequest is the request body for batch contexts.
type CreateBatchRequest struct {
	BatchID          string                 `json:"batch_id"`
	ServiceType      string                 `json:"service_type"`
	TemplateID       string                 `json:"template_id"`
	Priority         int                    `json:"priority"`
	ProcessingMethod string                 `json:"processing_method"`
	DataSourceType   string                 `json:"data_source_type"`
	ValidItems       []interface{}          `json:"valid_items"`
	InvalidItems     []interface{}          `json:"invalid_items"`
	Template         map[string]interface{} `json:"template"`
	Tags             []string               `json:"tags"`
}

// CreateBatchContext handles POST /batches.
func (h *ContextHandler) CreateBatchContext(w http.ResponseWriter, r *http.Request) {
	var req CreateBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	id, err := h.manager.CreateBatchContext(r.Context(), services.CreateBatchParams{
		BatchID:          req.BatchID,
		ServiceType:      req.ServiceType,
		TemplateID:       req.TemplateID,
		Priority:         req.Priority,
		ProcessingMethod: req.ProcessingMethod,
		DataSourceType:   req.DataSourceType,
		ValidItems:       req.ValidItems,
		InvalidItems:     req.InvalidItems,
		Template:         req.Template,
		Tags:             req.Tags,
	})
	if err != nil {
		h.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	h.writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

// CreatePreferenceBatchRequest is the request body for preference
// batches.
type CreatePreferenceBatchRequest struct {
	FeatureType string   `json:"feature_type"`
	Frequency   string   `json:"frequency"`
	TimeKey     string   `json:"time_key"`
	ServiceType string   `json:"service_type"`
	UserIDs     []string `json:"user_ids"`
}

// CreatePreferenceBatch handles POST /batches/preferences.
func (h *ContextHandler) CreatePreferenceBatch(w http.ResponseWriter, r *http.Request) {
	var req CreatePreferenceBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	batchID, childIDs, err := h.manager.CreatePreferenceBatchContext(
		r.Context(), req.FeatureType, req.Frequency, req.TimeKey, req.ServiceType, req.UserIDs)
	if err != nil {
		h.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	h.writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":        batchID,
		"child_ids": childIDs,
	})
}

// GetContext handles GET /contexts/{id}.
func (h *ContextHandler) GetContext(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	c, err := h.manager.GetContext(r.Context(), id)
	if err != nil {
		h.logger.Error("get context failed", zap.String("context_id", id), zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "failed to retrieve context")
		return
	}
	if c == nil {
		h.writeError(w, http.StatusNotFound, "context not found")
		return
	}
	h.writeJSON(w, http.StatusOK, c)
}

// GetBatchContext handles GET /batches/{batchID}.
func (h *ContextHandler) GetBatchContext(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batchID")
	c, err := h.manager.GetBatchContextByBatchID(r.Context(), batchID)
	if err != nil {
		h.logger.Error("get batch failed", zap.String("batch_id", batchID), zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "failed to retrieve batch")
		return
	}
	if c == nil {
		h.writeError(w, http.StatusNotFound, "batch not found")
		return
	}
	h.writeJSON(w, http.StatusOK, c)
}

// GetBatchSummary handles GET /batches/{batchID}/summary.
func (h *ContextHandler) GetBatchSummary(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batchID")
	s, err := h.manager.GetBatchContextSummary(r.Context(), batchID)
	if err != nil {
		h.writeError(w, http.StatusNotFound, "batch not found")
		return
	}
	h.writeJSON(w, http.StatusOK, s)
}

// UpdateStatusRequest is the request body for status updates.
type UpdateStatusRequest struct {
	Status string `json:"status"`
}

// UpdateStatus handles PUT /contexts/{id}/status.
func (h *ContextHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req UpdateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Status == "" {
		h.writeError(w, http.StatusBadRequest, "status is required")
		return
	}
	if err := h.manager.UpdateStatus(r.Context(), id, req.Status); err != nil {
		h.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": req.Status})
}

// UpdateBatchStatus handles PUT /batches/{batchID}/status.
func (h *ContextHandler) UpdateBatchStatus(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batchID")
	var req UpdateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Status == "" {
		h.writeError(w, http.StatusBadRequest, "status is required")
		return
	}
	if err := h.manager.UpdateBatchStatus(r.Context(), batchID, req.Status); err != nil {
		h.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"batch_id": batchID, "status": req.Status})
}

// UpdateProgressRequest is the request body for progress updates.
type UpdateProgressRequest struct {
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Total     int `json:"total"`
}

// UpdateBatchProgress handles PUT /contexts/{id}/progress.
func (h *ContextHandler) UpdateBatchProgress(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req UpdateProgressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.manager.UpdateBatchProgress(r.Context(), id, req.Processed, req.Succeeded, req.Failed, req.Total); err != nil {
		h.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

// AddBatchItemResult handles POST /contexts/{id}/items/{itemID}.
func (h *ContextHandler) AddBatchItemResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	itemID := chi.URLParam(r, "itemID")
	var result interface{}
	if err := json.NewDecoder(r.Body).Decode(&result); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.manager.AddBatchItemResult(r.Context(), id, itemID, result); err != nil {
		h.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"id": id, "item_id": itemID})
}

// ReloadConditions handles POST /conditions/reload.
func (h *ContextHandler) ReloadConditions(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.ReloadConditions(); err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

// CleanupRequest is the request body for manual cleanup.
type CleanupRequest struct {
	Days int `json:"days"`
}

// RunManualCleanup handles POST /cleanup.
func (h *ContextHandler) RunManualCleanup(w http.ResponseWriter, r *http.Request) {
	var req CleanupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	deleted, err := h.manager.RunManualCleanup(r.Context(), req.Days)
	if err != nil {
		h.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]int64{"deleted": deleted})
}

// WorkerMetrics handles GET /worker/metrics.
func (h *ContextHandler) WorkerMetrics(w http.ResponseWriter, r *http.Request) {
	if h.worker == nil {
		h.writeError(w, http.StatusNotFound, "no worker in this process")
		return
	}
	h.writeJSON(w, http.StatusOK, h.worker.Metrics())
}

// Health handles GET /health.
func (h *ContextHandler) Health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}
