package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/Sheety35/multi-store-k8s-platform/domains/stores/be/service"
	"github.com/Sheety35/multi-store-k8s-platform/platform/go/audit"
	platformlogging "github.com/Sheety35/multi-store-k8s-platform/platform/go/logging"
	"github.com/Sheety35/multi-store-k8s-platform/platform/go/tenantctx"
)

// HeaderIdempotencyKey is the opaque replay key supplied by clients.
const HeaderIdempotencyKey = "Idempotency-Key"

const maxIdempotencyKeyLength = 255

// ISO-8601 with millisecond precision; all timestamps are UTC.
const timeLayout = "2006-01-02T15:04:05.000Z07:00"

// StoreService is the surface of the lifecycle engine consumed by HTTP handlers.
type StoreService interface {
	Create(ctx context.Context, input service.CreateInput) (service.Store, bool, error)
	Get(ctx context.Context, id, tenantID string) (service.Store, error)
	List(ctx context.Context, tenantID string) ([]service.Store, error)
	Delete(ctx context.Context, id, tenantID string) (service.Store, service.DeleteDisposition, error)
}

// Pinger reports database connectivity for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler wires the stores service to the HTTP surface.
type Handler struct {
	svc      StoreService
	db       Pinger
	recorder *audit.Recorder
	logger   *zap.Logger
}

// New constructs a Handler instance.
func New(svc StoreService, db Pinger, recorder *audit.Recorder, logger *zap.Logger) *Handler {
	if svc == nil {
		panic("stores service is required")
	}
	if db == nil {
		panic("db pinger is required")
	}
	if recorder == nil {
		panic("audit recorder is required")
	}
	if logger == nil {
		panic("logger is required")
	}
	return &Handler{svc: svc, db: db, recorder: recorder, logger: logger}
}

// Mount registers the five control-plane routes.
func (h *Handler) Mount(r chi.Router) {
	r.Post("/stores", h.CreateStore)
	r.Get("/stores", h.ListStores)
	r.Get("/stores/{id}", h.GetStore)
	r.Delete("/stores/{id}", h.DeleteStore)
	r.Get("/health", h.Health)
}

type storeResponse struct {
	ID                    string  `json:"id"`
	TenantID              string  `json:"tenant_id"`
	Namespace             string  `json:"namespace"`
	Host                  string  `json:"host"`
	Status                string  `json:"status"`
	FailureReason         *string `json:"failure_reason,omitempty"`
	CreatedAt             string  `json:"created_at"`
	ProvisioningStartedAt *string `json:"provisioning_started_at,omitempty"`
	ReadyAt               *string `json:"ready_at,omitempty"`
	DeletionStartedAt     *string `json:"deletion_started_at,omitempty"`
	DeletedAt             *string `json:"deleted_at,omitempty"`
}

type deleteResponse struct {
	Message string        `json:"message"`
	Store   storeResponse `json:"store"`
}

type errorResponse struct {
	Error             string `json:"error"`
	Code              string `json:"code,omitempty"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
}

type healthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
}

// CreateStore implements POST /stores.
func (h *Handler) CreateStore(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := tenantctx.FromContext(ctx)
	logger := platformlogging.FromRequest(r, h.logger)

	key := r.Header.Get(HeaderIdempotencyKey)
	if len(key) > maxIdempotencyKeyLength {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Idempotency-Key must be at most 255 characters"})
		h.audit(r, tenantID, "create_store", "", "invalid", nil)
		return
	}
	if key == "" {
		// Without a client key there is no replay protection for this request.
		key = service.NewIdempotencyKey()
	}

	st, replayed, err := h.svc.Create(ctx, service.CreateInput{TenantID: tenantID, IdempotencyKey: key})
	if err != nil {
		h.writeCreateError(w, r, tenantID, logger, err)
		return
	}

	status := http.StatusAccepted
	if replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, toStoreResponse(st))

	h.audit(r, tenantID, "create_store", st.ID, "success", map[string]any{
		"host":     st.Host,
		"replayed": replayed,
	})
}

func (h *Handler) writeCreateError(w http.ResponseWriter, r *http.Request, tenantID string, logger *zap.Logger, err error) {
	var rateErr *service.RateLimitError
	switch {
	case errors.Is(err, service.ErrGlobalQuotaExceeded):
		writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "Maximum number of stores reached", Code: "global_quota"})
		h.audit(r, tenantID, "create_store", "", "denied", map[string]any{"reason": "global_quota"})
	case errors.Is(err, service.ErrTenantQuotaExceeded):
		writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "Maximum number of stores per tenant reached", Code: "tenant_quota"})
		h.audit(r, tenantID, "create_store", "", "denied", map[string]any{"reason": "tenant_quota"})
	case errors.As(err, &rateErr):
		w.Header().Set("Retry-After", strconv.Itoa(rateErr.RetryAfterSeconds))
		writeJSON(w, http.StatusTooManyRequests, errorResponse{
			Error:             "Store creation rate limit exceeded",
			Code:              "rate_limit",
			RetryAfterSeconds: rateErr.RetryAfterSeconds,
		})
		h.audit(r, tenantID, "create_store", "", "denied", map[string]any{
			"reason":              "rate_limit",
			"retry_after_seconds": rateErr.RetryAfterSeconds,
		})
	default:
		logger.Error("create store", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Internal server error"})
		h.audit(r, tenantID, "create_store", "", "error", nil)
	}
}

// ListStores implements GET /stores.
func (h *Handler) ListStores(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := tenantctx.FromContext(ctx)
	logger := platformlogging.FromRequest(r, h.logger)

	stores, err := h.svc.List(ctx, tenantID)
	if err != nil {
		logger.Error("list stores", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Internal server error"})
		h.audit(r, tenantID, "list_stores", "", "error", nil)
		return
	}

	items := make([]storeResponse, 0, len(stores))
	for _, st := range stores {
		items = append(items, toStoreResponse(st))
	}
	writeJSON(w, http.StatusOK, items)

	h.audit(r, tenantID, "list_stores", "", "success", map[string]any{"count": len(items)})
}

// GetStore implements GET /stores/{id}.
func (h *Handler) GetStore(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := tenantctx.FromContext(ctx)
	logger := platformlogging.FromRequest(r, h.logger)
	id := chi.URLParam(r, "id")

	st, err := h.svc.Get(ctx, id, tenantID)
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "Store not found"})
			h.audit(r, tenantID, "get_store", id, "not_found", nil)
			return
		}
		logger.Error("get store", zap.String("store_id", id), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Internal server error"})
		h.audit(r, tenantID, "get_store", id, "error", nil)
		return
	}

	writeJSON(w, http.StatusOK, toStoreResponse(st))

	h.audit(r, tenantID, "get_store", id, "success", nil)
}

// DeleteStore implements DELETE /stores/{id}.
func (h *Handler) DeleteStore(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := tenantctx.FromContext(ctx)
	logger := platformlogging.FromRequest(r, h.logger)
	id := chi.URLParam(r, "id")

	st, disp, err := h.svc.Delete(ctx, id, tenantID)
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "Store not found"})
			h.audit(r, tenantID, "delete_store", id, "not_found", nil)
			return
		}
		logger.Error("delete store", zap.String("store_id", id), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Internal server error"})
		h.audit(r, tenantID, "delete_store", id, "error", nil)
		return
	}

	var message string
	switch disp {
	case service.DeleteAlreadyDone:
		message = "Store already deleted"
	case service.DeleteInProgress:
		message = "Store deletion in progress"
	default:
		message = "Store deletion started"
	}
	writeJSON(w, http.StatusOK, deleteResponse{Message: message, Store: toStoreResponse(st)})

	h.audit(r, tenantID, "delete_store", id, "success", map[string]any{"message": message})
}

// Health implements GET /health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := h.db.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unhealthy", Database: "disconnected"})
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "healthy", Database: "connected"})
}

func (h *Handler) audit(r *http.Request, tenantID, action, resourceID, status string, details map[string]any) {
	h.recorder.Record(audit.Entry{
		TenantID:     tenantID,
		Action:       action,
		ResourceType: "store",
		ResourceID:   resourceID,
		Status:       status,
		Details:      details,
		IPAddress:    r.RemoteAddr,
	})
}

func toStoreResponse(st service.Store) storeResponse {
	return storeResponse{
		ID:                    st.ID,
		TenantID:              st.TenantID,
		Namespace:             st.Namespace,
		Host:                  st.Host,
		Status:                string(st.Status),
		FailureReason:         st.FailureReason,
		CreatedAt:             st.CreatedAt.UTC().Format(timeLayout),
		ProvisioningStartedAt: formatTime(st.ProvisioningStartedAt),
		ReadyAt:               formatTime(st.ReadyAt),
		DeletionStartedAt:     formatTime(st.DeletionStartedAt),
		DeletedAt:             formatTime(st.DeletedAt),
	}
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(timeLayout)
	return &s
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
