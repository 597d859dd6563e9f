package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	"github.com/hazakura/license-server/internal/config"
	"github.com/hazakura/license-server/internal/models"
	"github.com/hazakura/license-server/internal/services"
)

// AdminHandler serves the privileged control surface
type AdminHandler struct {
	engine   *services.ActivationService
	store    services.Store
	notifier *services.Notifier
	cfg      *config.Config
	validate *validator.Validate
}

func NewAdminHandler(engine *services.ActivationService, store services.Store, notifier *services.Notifier, cfg *config.Config) *AdminHandler {
	return &AdminHandler{
		engine:   engine,
		store:    store,
		notifier: notifier,
		cfg:      cfg,
		validate: validator.New(),
	}
}

type GenerateKeyRequest struct {
	DurationHours int    `json:"duration_hours" validate:"required,gt=0"`
	MaxDevices    int    `json:"max_devices" validate:"omitempty,gt=0"`
	Status        string `json:"status" validate:"omitempty,oneof=active inactive"`
	AdminSecret   string `json:"admin_secret,omitempty"` // consumed by AdminAuth
}

// GenerateKey issues a new license key
// POST /generateKey
func (h *AdminHandler) GenerateKey(w http.ResponseWriter, r *http.Request) {
	var req GenerateKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, "duration_hours must be a positive integer")
		return
	}

	maxDevices := req.MaxDevices
	if maxDevices == 0 {
		maxDevices = h.cfg.DefaultMaxDevices
	}

	key, err := h.engine.IssueKey(r.Context(), req.DurationHours, maxDevices, req.Status)
	if err != nil {
		respondEngineError(w, err)
		return
	}

	h.notifier.KeyIssued(key)

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success":        true,
		"key":            key.KeyString,
		"expires_at":     key.ExpiresAt,
		"duration_hours": key.DurationHours,
		"max_devices":    key.MaxDevices,
	})
}

// ListKeys returns all keys, newest first
// GET /admin/keys
func (h *AdminHandler) ListKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := h.store.ListKeys(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("Failed to list keys")
		respondError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	respondJSON(w, http.StatusOK, keys)
}

// GetKey returns a single key
// GET /admin/keys/{id}
func (h *AdminHandler) GetKey(w http.ResponseWriter, r *http.Request) {
	id, ok := keyIDParam(w, r)
	if !ok {
		return
	}

	key, err := h.store.GetKey(r.Context(), id)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, key)
}

// UpdateKey mutates duration, status and/or max_devices. A duration change
// recomputes expires_at relative to the update time.
// PUT /admin/keys/{id}
func (h *AdminHandler) UpdateKey(w http.ResponseWriter, r *http.Request) {
	id, ok := keyIDParam(w, r)
	if !ok {
		return
	}

	var upd models.KeyUpdate
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.validate.Struct(upd); err != nil {
		respondError(w, http.StatusBadRequest, "duration_hours and max_devices must be positive; status must be active, inactive or expired")
		return
	}
	if upd.Empty() {
		respondError(w, http.StatusBadRequest, "No fields to update")
		return
	}

	key, err := h.store.UpdateKey(r.Context(), id, upd)
	if err != nil {
		respondEngineError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"key":     key,
	})
}

// DeleteKey removes a key together with its activations and logs
// DELETE /admin/keys/{id}
func (h *AdminHandler) DeleteKey(w http.ResponseWriter, r *http.Request) {
	id, ok := keyIDParam(w, r)
	if !ok {
		return
	}

	if err := h.store.DeleteKey(r.Context(), id); err != nil {
		respondEngineError(w, err)
		return
	}

	log.Info().Str("key_id", id.String()).Msg("Deleted license key")
	respondJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// GetLogs returns the activity trail for a key, newest first
// GET /admin/keys/{id}/logs
func (h *AdminHandler) GetLogs(w http.ResponseWriter, r *http.Request) {
	id, ok := keyIDParam(w, r)
	if !ok {
		return
	}

	entries, err := h.store.LogsForKey(r.Context(), id)
	if err != nil {
		log.Error().Err(err).Msg("Failed to fetch activity logs")
		respondError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	respondJSON(w, http.StatusOK, entries)
}

// Cleanup hard-deletes every key past its expiry regardless of stored
// status. This removes rows, unlike the janitor's soft status transition.
// POST /admin/cleanup
func (h *AdminHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	deleted, err := h.store.CleanupExpired(r.Context(), time.Now())
	if err != nil {
		log.Error().Err(err).Msg("Cleanup failed")
		respondError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	h.notifier.KeysDeleted(deleted)
	log.Info().Int("deleted", len(deleted)).Msg("Cleanup removed expired keys")

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success":       true,
		"deleted_count": len(deleted),
		"deleted_keys":  deleted,
	})
}

type SessionRequest struct {
	AdminSecret string `json:"admin_secret"`
}

// CreateSession exchanges the shared admin secret for a bearer token so
// admin tooling does not have to hold the secret past login
// POST /admin/session
func (h *AdminHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req SessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AdminSecret == "" {
		respondError(w, http.StatusBadRequest, "admin_secret is required")
		return
	}

	if bcrypt.CompareHashAndPassword([]byte(h.cfg.AdminSecretHash), []byte(req.AdminSecret)) != nil {
		respondError(w, http.StatusUnauthorized, "Invalid admin secret")
		return
	}

	expiresAt := time.Now().Add(24 * time.Hour)
	claims := AdminClaims{
		Role: "admin",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    "license-server",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(h.cfg.JWTSecret))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to generate token")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"token":      tokenString,
		"expires_at": expiresAt,
	})
}

// keyIDParam parses the {id} route parameter, responding 400 on a
// malformed UUID
func keyIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid key ID")
		return uuid.Nil, false
	}
	return id, true
}
