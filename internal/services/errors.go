package services

import "errors"

// Sentinel errors for the key lifecycle state machine. Handlers map these
// to HTTP status codes; anything else is treated as a store failure.
var (
	ErrInvalidInput        = errors.New("invalid input")
	ErrKeyNotFound         = errors.New("key not found")
	ErrKeyExpired          = errors.New("key expired")
	ErrKeyNotActive        = errors.New("key not active")
	ErrDeviceLimitReached  = errors.New("device limit reached")
	ErrUniqueViolation     = errors.New("activation already exists")
	ErrDuplicateKeyString  = errors.New("duplicate key string")
	ErrGenerationExhausted = errors.New("key generation exhausted")
)
