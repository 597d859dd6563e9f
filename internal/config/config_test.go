package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/hazakura/license-server/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ADMIN_SECRET", "swordfish")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, time.Hour, cfg.JanitorInterval)
	assert.Equal(t, 10, cfg.DefaultMaxDevices)
	assert.Equal(t, 5, cfg.KeyGenMaxAttempts)
	assert.Equal(t, 120, cfg.RateLimitPerMinute)
}

func TestLoadHashesPlaintextAdminSecret(t *testing.T) {
	t.Setenv("ADMIN_SECRET", "swordfish")

	cfg, err := config.Load()
	require.NoError(t, err)

	require.NotEmpty(t, cfg.AdminSecretHash)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(cfg.AdminSecretHash), []byte("swordfish")))
	assert.Error(t, bcrypt.CompareHashAndPassword([]byte(cfg.AdminSecretHash), []byte("wrong")))
}

func TestLoadPrefersProvidedHash(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("swordfish"), bcrypt.MinCost)
	require.NoError(t, err)

	t.Setenv("ADMIN_SECRET_HASH", string(hash))
	t.Setenv("ADMIN_SECRET", "ignored-plaintext")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, string(hash), cfg.AdminSecretHash)
}

func TestLoadRequiresAdminCredential(t *testing.T) {
	t.Setenv("ADMIN_SECRET_HASH", "")
	t.Setenv("ADMIN_SECRET", "")

	_, err := config.Load()
	assert.Error(t, err)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("ADMIN_SECRET", "swordfish")
	t.Setenv("PORT", "9090")
	t.Setenv("JANITOR_INTERVAL", "15m")
	t.Setenv("DEFAULT_MAX_DEVICES", "3")
	t.Setenv("RATE_LIMIT_PER_MINUTE", "30")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 15*time.Minute, cfg.JanitorInterval)
	assert.Equal(t, 3, cfg.DefaultMaxDevices)
	assert.Equal(t, 30, cfg.RateLimitPerMinute)
}

func TestLoadEnforcesMinimumKeygenAttempts(t *testing.T) {
	t.Setenv("ADMIN_SECRET", "swordfish")
	t.Setenv("KEYGEN_MAX_ATTEMPTS", "2")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.KeyGenMaxAttempts)
}
