package models

import (
	"time"

	"github.com/google/uuid"
)

// Key status values
const (
	StatusActive   = "active"
	StatusInactive = "inactive"
	StatusExpired  = "expired"
)

// Activity log action tags
const (
	ActionActivated          = "activated"
	ActionReactivated        = "reactivated"
	ActionVerified           = "verified"
	ActionVerificationFailed = "verification_failed"
	ActionActivationExpired  = "activation_expired"
	ActionAutoExpired        = "auto_expired"
)

// Key represents an issued license key
type Key struct {
	ID            uuid.UUID `json:"id" db:"id"`
	KeyString     string    `json:"key" db:"key_string"`
	DurationHours int       `json:"duration_hours" db:"duration_hours"`
	MaxDevices    int       `json:"max_devices" db:"max_devices"`
	UsedDevices   int       `json:"used_devices" db:"used_devices"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
	ExpiresAt     time.Time `json:"expires_at" db:"expires_at"`
	Status        string    `json:"status" db:"status"`
}

// Activation binds one device to a key.
// The pair (key_id, device_id) is unique; rows are never updated.
type Activation struct {
	ID        int64     `json:"id" db:"id"`
	KeyID     uuid.UUID `json:"key_id" db:"key_id"`
	DeviceID  string    `json:"device_id" db:"device_id"`
	IPAddress string    `json:"ip_address,omitempty" db:"ip_address"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// LogEntry is an append-only audit record of a key lifecycle event
type LogEntry struct {
	ID        int64      `json:"id" db:"id"`
	KeyID     *uuid.UUID `json:"key_id" db:"key_id"`
	Action    string     `json:"action" db:"action"`
	IPAddress string     `json:"ip_address,omitempty" db:"ip_address"`
	UserAgent string     `json:"user_agent,omitempty" db:"user_agent"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
}

// KeyUpdate carries optional admin mutations; nil fields are left unchanged.
// A duration change recomputes expires_at relative to the update time.
type KeyUpdate struct {
	DurationHours *int    `json:"duration_hours" validate:"omitempty,gt=0"`
	MaxDevices    *int    `json:"max_devices" validate:"omitempty,gt=0"`
	Status        *string `json:"status" validate:"omitempty,oneof=active inactive expired"`
}

// Empty reports whether the update would change nothing
func (u KeyUpdate) Empty() bool {
	return u.DurationHours == nil && u.MaxDevices == nil && u.Status == nil
}
