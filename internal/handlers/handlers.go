package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"github.com/hazakura/license-server/internal/services"
)

// LicenseHandler serves the public device-facing endpoints
type LicenseHandler struct {
	engine   *services.ActivationService
	validate *validator.Validate
}

func NewLicenseHandler(engine *services.ActivationService) *LicenseHandler {
	return &LicenseHandler{engine: engine, validate: validator.New()}
}

type ActivateRequest struct {
	Key      string `json:"key" validate:"required"`
	DeviceID string `json:"device_id" validate:"required,min=5,max=255"`
}

type ActivateResponse struct {
	Success       bool      `json:"success"`
	ExpiresAt     time.Time `json:"expires_at"`
	DurationHours int       `json:"duration_hours"`
	DevicesUsed   int       `json:"devices_used"`
	MaxDevices    int       `json:"max_devices"`
}

type VerifyRequest struct {
	Key      string `json:"key" validate:"required"`
	DeviceID string `json:"device_id" validate:"required,min=5,max=255"`
}

type VerifyResponse struct {
	Valid       bool       `json:"valid"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	Status      string     `json:"status"`
	DevicesUsed int        `json:"devices_used"`
	MaxDevices  int        `json:"max_devices"`
	Message     string     `json:"message"`
}

// ActivateKey binds a device to a key
// POST /activateKey
func (h *LicenseHandler) ActivateKey(w http.ResponseWriter, r *http.Request) {
	var req ActivateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, "key and device_id are required; device_id must be 5-255 characters")
		return
	}

	res, err := h.engine.Activate(r.Context(), req.Key, req.DeviceID, clientIP(r), r.UserAgent())
	if err != nil {
		respondEngineError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, ActivateResponse{
		Success:       true,
		ExpiresAt:     res.ExpiresAt,
		DurationHours: res.DurationHours,
		DevicesUsed:   res.DevicesUsed,
		MaxDevices:    res.MaxDevices,
	})
}

// VerifyKey reports whether a key is valid for one specific device.
// Routine invalidity (unknown key, expired, never activated) is encoded in
// the body with a 200; non-200 codes are reserved for malformed requests
// and server faults.
// POST /verifyKey
func (h *LicenseHandler) VerifyKey(w http.ResponseWriter, r *http.Request) {
	var req VerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, "key and device_id are required; device_id must be 5-255 characters")
		return
	}

	res, err := h.engine.Verify(r.Context(), req.Key, req.DeviceID, clientIP(r), r.UserAgent())
	if err != nil {
		respondEngineError(w, err)
		return
	}

	resp := VerifyResponse{
		Valid:       res.Valid,
		Status:      res.Status,
		DevicesUsed: res.DevicesUsed,
		MaxDevices:  res.MaxDevices,
		Message:     res.Message,
	}
	if !res.ExpiresAt.IsZero() {
		resp.ExpiresAt = &res.ExpiresAt
	}
	respondJSON(w, http.StatusOK, resp)
}

// HealthHandler reports process and database health
type HealthHandler struct {
	store services.Store
}

func NewHealthHandler(store services.Store) *HealthHandler {
	return &HealthHandler{store: store}
}

// Health responds 200 while the database is reachable, 503 otherwise
// GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		log.Error().Err(err).Msg("Health check failed")
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status":   "unhealthy",
			"database": "disconnected",
		})
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"status":   "healthy",
		"database": "connected",
	})
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]interface{}{
		"success": false,
		"error":   msg,
	})
}

// respondEngineError maps state machine sentinels to HTTP status codes;
// anything unrecognized is a store failure
func respondEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrInvalidInput):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, services.ErrKeyNotFound):
		respondError(w, http.StatusNotFound, "Key not found")
	case errors.Is(err, services.ErrKeyExpired):
		respondError(w, http.StatusBadRequest, "Key expired")
	case errors.Is(err, services.ErrKeyNotActive):
		respondError(w, http.StatusBadRequest, "Key is not active")
	case errors.Is(err, services.ErrDeviceLimitReached):
		respondError(w, http.StatusBadRequest, "Device limit reached")
	case errors.Is(err, services.ErrGenerationExhausted):
		respondError(w, http.StatusConflict, "Key generation exhausted, try again")
	default:
		log.Error().Err(err).Msg("Store error")
		respondError(w, http.StatusInternalServerError, "Internal server error")
	}
}
