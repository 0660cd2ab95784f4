package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"prize-wheel-api/internal/apperr"
	"prize-wheel-api/internal/models"
	"prize-wheel-api/internal/service"
	"prize-wheel-api/internal/validation"
)

// Handler provides HTTP handlers for the API.
type Handler struct {
	engine      *service.Engine
	maxBodySize int64
}

// NewHandlerOptions holds options for creating a handler.
type NewHandlerOptions struct {
	MaxBodySize int64
}

// DefaultHandlerOptions returns default handler options.
func DefaultHandlerOptions() NewHandlerOptions {
	return NewHandlerOptions{
		MaxBodySize: 1 << 20, // 1MB default
	}
}

// NewHandler creates a new handler instance.
func NewHandler(engine *service.Engine) *Handler {
	return NewHandlerWithOptions(engine, DefaultHandlerOptions())
}

// NewHandlerWithOptions creates a new handler instance with custom options.
func NewHandlerWithOptions(engine *service.Engine, opts NewHandlerOptions) *Handler {
	return &Handler{
		engine:      engine,
		maxBodySize: opts.MaxBodySize,
	}
}

// idempotencyHeader carries the caller's spin key on reserve and finalize.
const idempotencyHeader = "X-Idempotency-Key"

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// WheelDisplay handles GET /prizes/wheel-display
func (h *Handler) WheelDisplay(w http.ResponseWriter, r *http.Request) {
	date := validation.SanitizeString(r.URL.Query().Get("date"))

	views, err := h.engine.WheelDisplay(r.Context(), date)
	if err != nil {
		h.respondDomainError(w, err)
		return
	}

	h.respondJSON(w, http.StatusOK, views)
}

// ListAwardable handles GET /prizes/awardable
func (h *Handler) ListAwardable(w http.ResponseWriter, r *http.Request) {
	date := validation.SanitizeString(r.URL.Query().Get("date"))

	views, err := h.engine.ListAwardable(r.Context(), date)
	if err != nil {
		h.respondDomainError(w, err)
		return
	}

	h.respondJSON(w, http.StatusOK, views)
}

// Reserve handles POST /spin/reserve
func (h *Handler) Reserve(w http.ResponseWriter, r *http.Request) {
	// Limit request body size to prevent abuse
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)

	key := validation.SanitizeString(r.Header.Get(idempotencyHeader))

	var req models.ReserveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		h.respondError(w, http.StatusBadRequest, "invalid JSON in request body")
		return
	}
	req.Identifier = validation.SanitizeString(req.Identifier)
	req.Date = validation.SanitizeString(req.Date)

	resp, err := h.engine.Reserve(r.Context(), key, req.Identifier, req.Date)
	if err != nil {
		h.respondDomainError(w, err)
		return
	}

	h.respondJSON(w, http.StatusOK, resp)
}

// Finalize handles POST /spin/finalize
func (h *Handler) Finalize(w http.ResponseWriter, r *http.Request) {
	// Limit request body size to prevent abuse
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)

	key := validation.SanitizeString(r.Header.Get(idempotencyHeader))

	var req models.FinalizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if err == io.EOF {
			h.respondError(w, http.StatusBadRequest, "request body is required")
			return
		}
		h.respondError(w, http.StatusBadRequest, "invalid JSON in request body")
		return
	}
	req.ReservationID = validation.SanitizeString(req.ReservationID)
	req.Signature = validation.SanitizeString(req.Signature)

	award, err := h.engine.Finalize(r.Context(), req.ReservationID, key, req.Signature)
	if err != nil {
		h.respondDomainError(w, err)
		return
	}

	h.respondJSON(w, http.StatusOK, award)
}

// Stats handles GET /stats
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	date := validation.SanitizeString(r.URL.Query().Get("date"))

	stats, err := h.engine.Stats(r.Context(), date)
	if err != nil {
		h.respondDomainError(w, err)
		return
	}

	h.respondJSON(w, http.StatusOK, stats)
}

// Replenish handles POST /admin/replenish
func (h *Handler) Replenish(w http.ResponseWriter, r *http.Request) {
	// Limit request body size to prevent abuse
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)

	var req models.ReplenishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if err == io.EOF {
			h.respondError(w, http.StatusBadRequest, "request body is required")
			return
		}
		h.respondError(w, http.StatusBadRequest, "invalid JSON in request body")
		return
	}
	req.Date = validation.SanitizeString(req.Date)

	if err := h.engine.Replenish(r.Context(), req); err != nil {
		h.respondDomainError(w, err)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]string{"status": "replenished"})
}

// ResetInventory handles POST /admin/reset-inventory
func (h *Handler) ResetInventory(w http.ResponseWriter, r *http.Request) {
	created, err := h.engine.ResetInventory(r.Context())
	if err != nil {
		h.respondDomainError(w, err)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]int{"inventory_rows": created})
}

// ImportCatalog handles POST /admin/import-catalog
func (h *Handler) ImportCatalog(w http.ResponseWriter, r *http.Request) {
	// Limit request body size to prevent abuse
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)

	var req models.ImportCatalogRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if err == io.EOF {
			h.respondError(w, http.StatusBadRequest, "request body is required")
			return
		}
		h.respondError(w, http.StatusBadRequest, "invalid JSON in request body")
		return
	}
	if req.CSV == "" {
		h.respondError(w, http.StatusBadRequest, "csv is required")
		return
	}

	prizes, invRows, err := h.engine.ImportCatalog(r.Context(), req.CSV, req.RegenerateInventory)
	if err != nil {
		h.respondDomainError(w, err)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]int{
		"prizes":         prizes,
		"inventory_rows": invRows,
	})
}

// ListWins handles GET /admin/wins
func (h *Handler) ListWins(w http.ResponseWriter, r *http.Request) {
	date := validation.SanitizeString(r.URL.Query().Get("date"))

	wins, err := h.engine.ListWins(r.Context(), date)
	if err != nil {
		h.respondDomainError(w, err)
		return
	}

	h.respondJSON(w, http.StatusOK, wins)
}

// respondDomainError maps core errors onto HTTP status codes.
func (h *Handler) respondDomainError(w http.ResponseWriter, err error) {
	var vErr *validation.ValidationError
	switch {
	case errors.As(err, &vErr):
		h.respondError(w, http.StatusBadRequest, vErr.Error())
	case errors.Is(err, apperr.ErrIdempotencyKeyMissing):
		h.respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, apperr.ErrNotFound),
		errors.Is(err, apperr.ErrReservationNotFound):
		h.respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, apperr.ErrReservationExpired):
		h.respondError(w, http.StatusGone, err.Error())
	case errors.Is(err, apperr.ErrNoPrizesAvailable),
		errors.Is(err, apperr.ErrExhausted),
		errors.Is(err, apperr.ErrDailyCapReached),
		errors.Is(err, apperr.ErrAlreadyFinalized),
		errors.Is(err, apperr.ErrConcurrentWriteConflict):
		h.respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, apperr.ErrSignatureMismatch):
		h.respondError(w, http.StatusUnauthorized, err.Error())
	default:
		h.respondError(w, http.StatusInternalServerError, "internal error")
	}
}

// respondJSON sends a JSON response with the given status code.
func (h *Handler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError sends an error response with the given status code and message.
func (h *Handler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, models.ErrorResponse{Error: message})
}
