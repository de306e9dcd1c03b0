// Package api exposes purchases, plans, the catalog and update run records
// over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360studio/moprocor/planning"
	"github.com/c360studio/moprocor/purchase"
	"github.com/c360studio/moprocor/storage"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Handler serves the HTTP API.
type Handler struct {
	purchases *purchase.Service
	plans     storage.PlanStore
	catalog   storage.Catalog
	runs      storage.RunStore
	gatherer  prometheus.Gatherer
	health    func(ctx context.Context) error
	logger    *slog.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithMetrics serves g on /metrics.
func WithMetrics(g prometheus.Gatherer) Option {
	return func(h *Handler) {
		h.gatherer = g
	}
}

// WithHealthCheck makes /healthz report check's result.
func WithHealthCheck(check func(ctx context.Context) error) Option {
	return func(h *Handler) {
		h.health = check
	}
}

// NewHandler creates a handler over the purchase service and stores.
func NewHandler(svc *purchase.Service, stores *storage.Stores, opts ...Option) *Handler {
	h := &Handler{
		purchases: svc,
		plans:     stores.Plans,
		catalog:   stores.Catalog,
		runs:      stores.Runs,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterHTTPHandlers registers every route on mux.
func (h *Handler) RegisterHTTPHandlers(mux *http.ServeMux) {
	mux.HandleFunc("POST /purchases", h.handleCreatePurchase)
	mux.HandleFunc("GET /purchases/{lot}", h.handleGetPurchase)
	mux.HandleFunc("PATCH /purchases/{lot}/delivery", h.handleUpdateDelivery)
	mux.HandleFunc("PATCH /purchases/{lot}/status", h.handleChangeStatus)
	mux.HandleFunc("GET /plans/{week}", h.handleGetPlan)
	mux.HandleFunc("PUT /boxes/{symbol}", h.handlePutBox)
	mux.HandleFunc("GET /boxes/{symbol}", h.handleGetBox)
	mux.HandleFunc("POST /sheets", h.handlePutSheet)
	mux.HandleFunc("GET /sheets", h.handleListSheets)
	mux.HandleFunc("GET /runs", h.handleListRuns)
	mux.HandleFunc("GET /healthz", h.handleHealth)
	if h.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	}
}

// ErrorResponse is a standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// DeliveryRequest is the body of PATCH /purchases/{lot}/delivery.
type DeliveryRequest struct {
	EstimatedDeliveryDate *planning.Timestamp `json:"estimated_delivery_date,omitempty"`
	Quantity              *int                `json:"quantity,omitempty"`
}

// StatusRequest is the body of PATCH /purchases/{lot}/status.
type StatusRequest struct {
	Status planning.PurchaseStatus `json:"status"`
}

// handleCreatePurchase handles POST /purchases.
func (h *Handler) handleCreatePurchase(w http.ResponseWriter, r *http.Request) {
	var order planning.PurchaseOrder
	if !decodeBody(w, r, &order) {
		return
	}
	created, err := h.purchases.Create(r.Context(), order)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// handleGetPurchase handles GET /purchases/{lot}.
func (h *Handler) handleGetPurchase(w http.ResponseWriter, r *http.Request) {
	order, err := h.purchases.Get(r.Context(), planning.LotCode(r.PathValue("lot")))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// handleUpdateDelivery handles PATCH /purchases/{lot}/delivery.
func (h *Handler) handleUpdateDelivery(w http.ResponseWriter, r *http.Request) {
	var req DeliveryRequest
	if !decodeBody(w, r, &req) {
		return
	}
	var date *time.Time
	if req.EstimatedDeliveryDate != nil {
		date = &req.EstimatedDeliveryDate.Time
	}
	order, err := h.purchases.UpdateDeliveryInfo(r.Context(), planning.LotCode(r.PathValue("lot")),
		date, req.Quantity)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// handleChangeStatus handles PATCH /purchases/{lot}/status.
func (h *Handler) handleChangeStatus(w http.ResponseWriter, r *http.Request) {
	var req StatusRequest
	if !decodeBody(w, r, &req) {
		return
	}
	order, err := h.purchases.ChangeStatus(r.Context(), planning.LotCode(r.PathValue("lot")), req.Status)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// handleGetPlan handles GET /plans/{week}.
func (h *Handler) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	week, err := strconv.Atoi(r.PathValue("week"))
	if err != nil || week < 1 || week > 53 {
		writeJSONError(w, http.StatusBadRequest, "invalid_week", "Week must be a number between 1 and 53")
		return
	}
	plan, err := h.plans.GetByWeek(r.Context(), week)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeJSONError(w, http.StatusNotFound, "not_found", "No production plan for week "+strconv.Itoa(week))
			return
		}
		h.writeInternal(w, "get plan", err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

// handlePutBox handles PUT /boxes/{symbol}.
func (h *Handler) handlePutBox(w http.ResponseWriter, r *http.Request) {
	var box planning.Box
	if !decodeBody(w, r, &box) {
		return
	}
	box.Symbol = r.PathValue("symbol")
	if err := h.catalog.PutBox(r.Context(), box); err != nil {
		h.writeInternal(w, "put box", err)
		return
	}
	writeJSON(w, http.StatusOK, box)
}

// handleGetBox handles GET /boxes/{symbol}.
func (h *Handler) handleGetBox(w http.ResponseWriter, r *http.Request) {
	box, err := h.catalog.BoxBySymbol(r.Context(), r.PathValue("symbol"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeJSONError(w, http.StatusNotFound, "not_found", "Box not found")
			return
		}
		h.writeInternal(w, "get box", err)
		return
	}
	writeJSON(w, http.StatusOK, box)
}

// handlePutSheet handles POST /sheets.
func (h *Handler) handlePutSheet(w http.ResponseWriter, r *http.Request) {
	var sheet planning.Sheet
	if !decodeBody(w, r, &sheet) {
		return
	}
	if sheet.ID == "" {
		writeJSONError(w, http.StatusBadRequest, "id_required", "Sheet id is required")
		return
	}
	if err := h.catalog.PutSheet(r.Context(), sheet); err != nil {
		h.writeInternal(w, "put sheet", err)
		return
	}
	writeJSON(w, http.StatusCreated, sheet)
}

// handleListSheets handles GET /sheets.
func (h *Handler) handleListSheets(w http.ResponseWriter, r *http.Request) {
	sheets, err := h.catalog.Sheets(r.Context())
	if err != nil {
		h.writeInternal(w, "list sheets", err)
		return
	}
	if sheets == nil {
		sheets = []planning.Sheet{}
	}
	writeJSON(w, http.StatusOK, sheets)
}

// handleListRuns handles GET /runs?lot=.
func (h *Handler) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.runs.List(r.Context(), planning.LotCode(r.URL.Query().Get("lot")))
	if err != nil {
		h.writeInternal(w, "list runs", err)
		return
	}
	if runs == nil {
		runs = []planning.RunRecord{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// handleHealth handles GET /healthz.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if err := h.health(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, purchase.ErrInvalid):
		writeJSONError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, purchase.ErrDuplicateLot):
		writeJSONError(w, http.StatusConflict, "duplicate_lot", err.Error())
	case errors.Is(err, purchase.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, "not_found", err.Error())
	default:
		h.writeInternal(w, "purchase", err)
	}
}

func (h *Handler) writeInternal(w http.ResponseWriter, op string, err error) {
	h.logger.Error("Request failed", "op", op, "error", err)
	writeJSONError(w, http.StatusInternalServerError, "internal_error", "Internal error")
}

// decodeBody decodes a JSON body into v. On failure it writes a 400 and
// returns false.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "body_too_large", "Request body too large")
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		writeJSONError(w, http.StatusBadRequest, "parse_error", "Invalid JSON: "+err.Error())
		return false
	}
	return true
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

// writeJSONError writes a JSON error response.
func writeJSONError(w http.ResponseWriter, status int, errorCode, message string) {
	writeJSON(w, status, ErrorResponse{Error: errorCode, Message: message})
}
