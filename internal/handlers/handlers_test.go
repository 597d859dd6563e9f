package handlers_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/hazakura/license-server/internal/config"
	"github.com/hazakura/license-server/internal/handlers"
	"github.com/hazakura/license-server/internal/models"
	"github.com/hazakura/license-server/internal/services"
	"github.com/hazakura/license-server/internal/testutil"
	"github.com/hazakura/license-server/pkg/ratelimit"
)

const (
	testAdminSecret = "swordfish"
	testKeyString   = "AB12C-DE34F-GH56I-JK78L-MN90O"
)

type testEnv struct {
	store  *testutil.FakeStore
	router http.Handler
	cfg    *config.Config
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte(testAdminSecret), bcrypt.MinCost)
	require.NoError(t, err)

	cfg := &config.Config{
		Port:              "8080",
		Environment:       "test",
		AdminSecretHash:   string(hash),
		JWTSecret:         "test-jwt-secret",
		JanitorInterval:   time.Hour,
		DefaultMaxDevices: 10,
		KeyGenMaxAttempts: 5,
	}

	store := testutil.NewFakeStore()
	hub := services.NewHub()
	engine := services.NewActivationService(store, hub, cfg.KeyGenMaxAttempts)

	licenseHandler := handlers.NewLicenseHandler(engine)
	adminHandler := handlers.NewAdminHandler(engine, store, nil, cfg)
	healthHandler := handlers.NewHealthHandler(store)

	r := chi.NewRouter()
	r.Get("/health", healthHandler.Health)
	r.Post("/activateKey", licenseHandler.ActivateKey)
	r.Post("/verifyKey", licenseHandler.VerifyKey)
	r.Post("/admin/session", adminHandler.CreateSession)
	r.Group(func(r chi.Router) {
		r.Use(handlers.AdminAuth(cfg))
		r.Post("/generateKey", adminHandler.GenerateKey)
		r.Route("/admin", func(r chi.Router) {
			r.Get("/keys", adminHandler.ListKeys)
			r.Get("/keys/{id}", adminHandler.GetKey)
			r.Put("/keys/{id}", adminHandler.UpdateKey)
			r.Delete("/keys/{id}", adminHandler.DeleteKey)
			r.Get("/keys/{id}/logs", adminHandler.GetLogs)
			r.Post("/cleanup", adminHandler.Cleanup)
		})
	})

	return &testEnv{store: store, router: r, cfg: cfg}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) doAdmin(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	return e.do(t, method, path, body, map[string]string{"X-Admin-Secret": testAdminSecret})
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func (e *testEnv) seedKey(status string, maxDevices int, expiresIn time.Duration) *models.Key {
	key := &models.Key{
		ID:            uuid.New(),
		KeyString:     testKeyString,
		DurationHours: 24,
		MaxDevices:    maxDevices,
		CreatedAt:     time.Now(),
		ExpiresAt:     time.Now().Add(expiresIn),
		Status:        status,
	}
	e.store.SeedKey(key)
	return key
}

func TestActivateAndVerifyFlow(t *testing.T) {
	env := newTestEnv(t)

	// Issue a key through the admin surface
	rec := env.doAdmin(t, http.MethodPost, "/generateKey", map[string]interface{}{
		"duration_hours": 24,
		"max_devices":    2,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	issued := decodeBody(t, rec)
	keyString := issued["key"].(string)
	require.NotEmpty(t, keyString)

	// Activate a device
	rec = env.do(t, http.MethodPost, "/activateKey", map[string]string{
		"key":       keyString,
		"device_id": "device-001",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	activated := decodeBody(t, rec)
	assert.Equal(t, true, activated["success"])
	assert.EqualValues(t, 1, activated["devices_used"])
	assert.EqualValues(t, 2, activated["max_devices"])

	// The same device verifies as valid
	rec = env.do(t, http.MethodPost, "/verifyKey", map[string]string{
		"key":       keyString,
		"device_id": "device-001",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	verified := decodeBody(t, rec)
	assert.Equal(t, true, verified["valid"])
	assert.Equal(t, models.StatusActive, verified["status"])

	// A different device does not
	rec = env.do(t, http.MethodPost, "/verifyKey", map[string]string{
		"key":       keyString,
		"device_id": "device-002",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	other := decodeBody(t, rec)
	assert.Equal(t, false, other["valid"])
}

func TestActivateUnknownKey(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/activateKey", map[string]string{
		"key":       testKeyString,
		"device_id": "device-001",
	}, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestActivateExpiredKey(t *testing.T) {
	env := newTestEnv(t)
	env.seedKey(models.StatusActive, 3, -time.Hour)

	rec := env.do(t, http.MethodPost, "/activateKey", map[string]string{
		"key":       testKeyString,
		"device_id": "device-001",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "Key expired", body["error"])
}

func TestActivateDeviceLimit(t *testing.T) {
	env := newTestEnv(t)
	env.seedKey(models.StatusActive, 1, time.Hour)

	rec := env.do(t, http.MethodPost, "/activateKey", map[string]string{
		"key":       testKeyString,
		"device_id": "device-001",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, "/activateKey", map[string]string{
		"key":       testKeyString,
		"device_id": "device-002",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "Device limit reached", body["error"])
}

func TestActivateBadRequests(t *testing.T) {
	env := newTestEnv(t)
	env.seedKey(models.StatusActive, 3, time.Hour)

	tests := []struct {
		name string
		body interface{}
	}{
		{"missing device_id", map[string]string{"key": testKeyString}},
		{"missing key", map[string]string{"device_id": "device-001"}},
		{"device_id too short", map[string]string{"key": testKeyString, "device_id": "abcd"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/activateKey", tt.body, nil)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}

	// Malformed JSON
	req := httptest.NewRequest(http.MethodPost, "/activateKey", bytes.NewBufferString("{not json"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestVerifyUnknownKeyIsNotAnError(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/verifyKey", map[string]string{
		"key":       testKeyString,
		"device_id": "device-001",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, false, body["valid"])
	assert.Equal(t, "not_found", body["status"])
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "connected", body["database"])
}

func TestHealthDatabaseDown(t *testing.T) {
	env := newTestEnv(t)
	env.store.PingErr = assert.AnError

	rec := env.do(t, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "unhealthy", body["status"])
	assert.Equal(t, "disconnected", body["database"])
}

func TestRateLimit(t *testing.T) {
	limiter := ratelimit.NewLocalLimiter(2)

	r := chi.NewRouter()
	r.Use(handlers.RateLimit(limiter))
	r.Post("/verifyKey", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/verifyKey", nil)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/verifyKey", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}
