package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/hazakura/license-server/internal/models"
)

// Device identifiers are opaque strings within these length bounds
const (
	MinDeviceIDLen = 5
	MaxDeviceIDLen = 255
)

// Store is the persistence contract the engine, janitor and admin surface
// rely on. The Postgres implementation lives in internal/store.
type Store interface {
	// Keys
	CreateKey(ctx context.Context, key *models.Key) error
	GetKey(ctx context.Context, id uuid.UUID) (*models.Key, error)
	FindKeyByString(ctx context.Context, keyString string) (*models.Key, error)
	ListKeys(ctx context.Context) ([]models.Key, error)
	UpdateKey(ctx context.Context, id uuid.UUID, upd models.KeyUpdate) (*models.Key, error)
	DeleteKey(ctx context.Context, id uuid.UUID) error
	MarkExpired(ctx context.Context, id uuid.UUID) error
	SweepExpired(ctx context.Context, now time.Time) ([]models.Key, error)
	CleanupExpired(ctx context.Context, now time.Time) ([]string, error)

	// Activations
	FindActivation(ctx context.Context, keyID uuid.UUID, deviceID string) (*models.Activation, error)
	CountActivations(ctx context.Context, keyID uuid.UUID) (int, error)
	// InsertActivation atomically re-checks the device limit, inserts the
	// activation and refreshes the used_devices mirror. It returns the
	// resulting device count, ErrUniqueViolation if the (key, device) pair
	// already exists, or ErrDeviceLimitReached if the serialized recount
	// is at the limit.
	InsertActivation(ctx context.Context, keyID uuid.UUID, deviceID, origin string) (int, error)

	// Activity log
	AppendLog(ctx context.Context, entry *models.LogEntry) error
	LogsForKey(ctx context.Context, keyID uuid.UUID) ([]models.LogEntry, error)

	Ping(ctx context.Context) error
}

// ActivationService drives the key lifecycle state machine: issuance,
// activation, verification and lazy expiry.
type ActivationService struct {
	store       Store
	hub         *Hub // optional live event feed, may be nil
	genAttempts int
}

func NewActivationService(store Store, hub *Hub, genAttempts int) *ActivationService {
	if genAttempts < 1 {
		genAttempts = 5
	}
	return &ActivationService{store: store, hub: hub, genAttempts: genAttempts}
}

// ActivateResult reports a successful activation
type ActivateResult struct {
	ExpiresAt     time.Time
	DurationHours int
	DevicesUsed   int
	MaxDevices    int
	Reactivated   bool
}

// VerifyResult is the uniform verification outcome; invalidity is a value,
// not an error
type VerifyResult struct {
	Valid       bool
	Status      string
	ExpiresAt   time.Time
	DevicesUsed int
	MaxDevices  int
	Message     string
}

// IsExpired reports whether the key must be treated as expired at now,
// regardless of its stored status. Activate, Verify and the janitor all
// decide expiry with this one predicate.
func IsExpired(key *models.Key, now time.Time) bool {
	return now.After(key.ExpiresAt)
}

// IssueKey mints a new key, retrying generation on key-string collisions
// up to the configured attempt limit
func (s *ActivationService) IssueKey(ctx context.Context, durationHours, maxDevices int, status string) (*models.Key, error) {
	if durationHours <= 0 {
		return nil, fmt.Errorf("%w: duration_hours must be a positive integer", ErrInvalidInput)
	}
	if maxDevices <= 0 {
		return nil, fmt.Errorf("%w: max_devices must be a positive integer", ErrInvalidInput)
	}
	if status == "" {
		status = models.StatusActive
	}
	if status != models.StatusActive && status != models.StatusInactive {
		return nil, fmt.Errorf("%w: status must be active or inactive", ErrInvalidInput)
	}

	for attempt := 1; attempt <= s.genAttempts; attempt++ {
		keyString, err := GenerateKeyString()
		if err != nil {
			return nil, err
		}

		now := time.Now()
		key := &models.Key{
			ID:            uuid.New(),
			KeyString:     keyString,
			DurationHours: durationHours,
			MaxDevices:    maxDevices,
			CreatedAt:     now,
			ExpiresAt:     now.Add(time.Duration(durationHours) * time.Hour),
			Status:        status,
		}

		err = s.store.CreateKey(ctx, key)
		if err == nil {
			log.Info().Str("key", key.KeyString).Int("duration_hours", durationHours).Int("max_devices", maxDevices).Msg("Issued license key")
			return key, nil
		}
		if !errors.Is(err, ErrDuplicateKeyString) {
			return nil, err
		}
		log.Warn().Int("attempt", attempt).Msg("Key string collision, regenerating")
	}

	return nil, ErrGenerationExhausted
}

// Activate binds a device to a key.
//
// The decision order is fixed: input validation, lookup, lazy expiry
// (expiry always wins over the status check), status, idempotent
// re-activation, device limit, atomic insert. A unique violation from the
// insert means the same device raced in twice and is treated exactly like
// the idempotent path.
func (s *ActivationService) Activate(ctx context.Context, keyString, deviceID, origin, userAgent string) (*ActivateResult, error) {
	keyString = NormalizeKeyString(keyString)
	if err := validateInputs(keyString, deviceID); err != nil {
		return nil, err
	}

	key, err := s.store.FindKeyByString(ctx, keyString)
	if err != nil {
		return nil, err
	}

	if IsExpired(key, time.Now()) {
		s.expire(ctx, key)
		s.record(ctx, key, models.ActionActivationExpired, origin, userAgent)
		return nil, ErrKeyExpired
	}

	if key.Status != models.StatusActive {
		return nil, ErrKeyNotActive
	}

	existing, err := s.store.FindActivation(ctx, key.ID, deviceID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return s.reactivated(ctx, key, origin, userAgent)
	}

	used, err := s.store.CountActivations(ctx, key.ID)
	if err != nil {
		return nil, err
	}
	if used >= key.MaxDevices {
		return nil, ErrDeviceLimitReached
	}

	used, err = s.store.InsertActivation(ctx, key.ID, deviceID, origin)
	if err != nil {
		if errors.Is(err, ErrUniqueViolation) {
			// Same device arrived on two concurrent requests; the loser
			// takes the idempotent path.
			return s.reactivated(ctx, key, origin, userAgent)
		}
		return nil, err
	}

	s.record(ctx, key, models.ActionActivated, origin, userAgent)
	return &ActivateResult{
		ExpiresAt:     key.ExpiresAt,
		DurationHours: key.DurationHours,
		DevicesUsed:   used,
		MaxDevices:    key.MaxDevices,
	}, nil
}

// Verify decides whether a key is valid for one specific device. It never
// creates activations and never reports routine invalidity as an error.
func (s *ActivationService) Verify(ctx context.Context, keyString, deviceID, origin, userAgent string) (*VerifyResult, error) {
	keyString = NormalizeKeyString(keyString)
	if err := validateInputs(keyString, deviceID); err != nil {
		return nil, err
	}

	key, err := s.store.FindKeyByString(ctx, keyString)
	if errors.Is(err, ErrKeyNotFound) {
		return &VerifyResult{Valid: false, Status: "not_found", Message: "Key not found"}, nil
	}
	if err != nil {
		return nil, err
	}

	used, err := s.store.CountActivations(ctx, key.ID)
	if err != nil {
		return nil, err
	}

	if IsExpired(key, time.Now()) {
		s.expire(ctx, key)
		s.record(ctx, key, models.ActionAutoExpired, origin, userAgent)
		return &VerifyResult{
			Valid:       false,
			Status:      models.StatusExpired,
			ExpiresAt:   key.ExpiresAt,
			DevicesUsed: used,
			MaxDevices:  key.MaxDevices,
			Message:     "Key expired",
		}, nil
	}

	activation, err := s.store.FindActivation(ctx, key.ID, deviceID)
	if err != nil {
		return nil, err
	}

	res := &VerifyResult{
		Status:      key.Status,
		ExpiresAt:   key.ExpiresAt,
		DevicesUsed: used,
		MaxDevices:  key.MaxDevices,
	}
	switch {
	case key.Status != models.StatusActive:
		res.Message = "Key is not active"
	case activation == nil:
		// Remaining capacity does not matter; only an activated device
		// verifies.
		res.Message = "Device is not activated for this key"
	default:
		res.Valid = true
		res.Message = "Key is valid for this device"
	}

	if res.Valid {
		s.record(ctx, key, models.ActionVerified, origin, userAgent)
	} else {
		s.record(ctx, key, models.ActionVerificationFailed, origin, userAgent)
	}
	return res, nil
}

func validateInputs(keyString, deviceID string) error {
	if keyString == "" || deviceID == "" {
		return fmt.Errorf("%w: key and device_id are required", ErrInvalidInput)
	}
	if len(deviceID) < MinDeviceIDLen || len(deviceID) > MaxDeviceIDLen {
		return fmt.Errorf("%w: device_id must be between %d and %d characters", ErrInvalidInput, MinDeviceIDLen, MaxDeviceIDLen)
	}
	return nil
}

func (s *ActivationService) reactivated(ctx context.Context, key *models.Key, origin, userAgent string) (*ActivateResult, error) {
	used, err := s.store.CountActivations(ctx, key.ID)
	if err != nil {
		return nil, err
	}
	s.record(ctx, key, models.ActionReactivated, origin, userAgent)
	return &ActivateResult{
		ExpiresAt:     key.ExpiresAt,
		DurationHours: key.DurationHours,
		DevicesUsed:   used,
		MaxDevices:    key.MaxDevices,
		Reactivated:   true,
	}, nil
}

// expire persists the lazy-expiry transition. The janitor may win the same
// race; MarkExpired is idempotent either way.
func (s *ActivationService) expire(ctx context.Context, key *models.Key) {
	if key.Status == models.StatusExpired {
		return
	}
	if err := s.store.MarkExpired(ctx, key.ID); err != nil {
		log.Error().Err(err).Str("key", key.KeyString).Msg("Failed to persist key expiry")
	}
}

// record appends an activity log entry and feeds the live event hub.
// Logging failures never fail the primary request.
func (s *ActivationService) record(ctx context.Context, key *models.Key, action, origin, userAgent string) {
	keyID := key.ID
	entry := &models.LogEntry{
		KeyID:     &keyID,
		Action:    action,
		IPAddress: origin,
		UserAgent: userAgent,
		CreatedAt: time.Now(),
	}
	if err := s.store.AppendLog(ctx, entry); err != nil {
		log.Warn().Err(err).Str("key", key.KeyString).Str("action", action).Msg("Failed to append activity log")
		return
	}
	if s.hub != nil {
		s.hub.BroadcastEvent(key.KeyString, action, origin)
	}
}
