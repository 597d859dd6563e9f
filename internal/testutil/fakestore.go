// Package testutil provides an in-memory Store for tests. It mirrors the
// Postgres semantics that matter to callers: sentinel errors, unique
// (key, device) pairs and a serialized device-limit check.
package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hazakura/license-server/internal/models"
	"github.com/hazakura/license-server/internal/services"
)

type FakeStore struct {
	mu sync.Mutex

	keys        map[uuid.UUID]*models.Key
	byString    map[string]uuid.UUID
	activations map[uuid.UUID]map[string]*models.Activation
	logs        []models.LogEntry

	nextActivationID int64
	nextLogID        int64

	// Fault injection
	PingErr        error
	CreateKeyErrs  []error // popped per CreateKey call before the real insert
	AppendLogErr   error
}

func NewFakeStore() *FakeStore {
	return &FakeStore{
		keys:        make(map[uuid.UUID]*models.Key),
		byString:    make(map[string]uuid.UUID),
		activations: make(map[uuid.UUID]map[string]*models.Activation),
	}
}

// SeedKey inserts a key directly, bypassing CreateKey fault injection.
func (f *FakeStore) SeedKey(key *models.Key) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *key
	f.keys[cp.ID] = &cp
	f.byString[cp.KeyString] = cp.ID
}

// Logs returns a copy of every appended log entry in insertion order.
func (f *FakeStore) Logs() []models.LogEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.LogEntry, len(f.logs))
	copy(out, f.logs)
	return out
}

func (f *FakeStore) CreateKey(ctx context.Context, key *models.Key) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.CreateKeyErrs) > 0 {
		err := f.CreateKeyErrs[0]
		f.CreateKeyErrs = f.CreateKeyErrs[1:]
		if err != nil {
			return err
		}
	}
	if _, ok := f.byString[key.KeyString]; ok {
		return services.ErrDuplicateKeyString
	}
	cp := *key
	f.keys[cp.ID] = &cp
	f.byString[cp.KeyString] = cp.ID
	return nil
}

func (f *FakeStore) GetKey(ctx context.Context, id uuid.UUID) (*models.Key, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key, ok := f.keys[id]
	if !ok {
		return nil, services.ErrKeyNotFound
	}
	cp := *key
	return &cp, nil
}

func (f *FakeStore) FindKeyByString(ctx context.Context, keyString string) (*models.Key, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.byString[keyString]
	if !ok {
		return nil, services.ErrKeyNotFound
	}
	cp := *f.keys[id]
	return &cp, nil
}

func (f *FakeStore) ListKeys(ctx context.Context) ([]models.Key, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.Key, 0, len(f.keys))
	for _, key := range f.keys {
		out = append(out, *key)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (f *FakeStore) UpdateKey(ctx context.Context, id uuid.UUID, upd models.KeyUpdate) (*models.Key, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key, ok := f.keys[id]
	if !ok {
		return nil, services.ErrKeyNotFound
	}
	if upd.DurationHours != nil {
		key.DurationHours = *upd.DurationHours
		key.ExpiresAt = time.Now().Add(time.Duration(*upd.DurationHours) * time.Hour)
	}
	if upd.MaxDevices != nil {
		key.MaxDevices = *upd.MaxDevices
	}
	if upd.Status != nil {
		key.Status = *upd.Status
	}
	cp := *key
	return &cp, nil
}

func (f *FakeStore) DeleteKey(ctx context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key, ok := f.keys[id]
	if !ok {
		return services.ErrKeyNotFound
	}
	delete(f.byString, key.KeyString)
	delete(f.keys, id)
	delete(f.activations, id)
	kept := f.logs[:0]
	for _, entry := range f.logs {
		if entry.KeyID == nil || *entry.KeyID != id {
			kept = append(kept, entry)
		}
	}
	f.logs = kept
	return nil
}

func (f *FakeStore) MarkExpired(ctx context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key, ok := f.keys[id]
	if !ok {
		return services.ErrKeyNotFound
	}
	if key.Status == models.StatusActive {
		key.Status = models.StatusExpired
	}
	return nil
}

func (f *FakeStore) SweepExpired(ctx context.Context, now time.Time) ([]models.Key, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var swept []models.Key
	for _, key := range f.keys {
		if key.Status == models.StatusActive && now.After(key.ExpiresAt) {
			key.Status = models.StatusExpired
			swept = append(swept, *key)
		}
	}
	return swept, nil
}

func (f *FakeStore) CleanupExpired(ctx context.Context, now time.Time) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var deleted []string
	for id, key := range f.keys {
		if now.After(key.ExpiresAt) {
			deleted = append(deleted, key.KeyString)
			delete(f.byString, key.KeyString)
			delete(f.keys, id)
			delete(f.activations, id)
		}
	}
	return deleted, nil
}

func (f *FakeStore) FindActivation(ctx context.Context, keyID uuid.UUID, deviceID string) (*models.Activation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	act, ok := f.activations[keyID][deviceID]
	if !ok {
		return nil, nil
	}
	cp := *act
	return &cp, nil
}

func (f *FakeStore) CountActivations(ctx context.Context, keyID uuid.UUID) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.activations[keyID]), nil
}

func (f *FakeStore) InsertActivation(ctx context.Context, keyID uuid.UUID, deviceID, origin string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key, ok := f.keys[keyID]
	if !ok {
		return 0, services.ErrKeyNotFound
	}
	devices := f.activations[keyID]
	if devices == nil {
		devices = make(map[string]*models.Activation)
		f.activations[keyID] = devices
	}
	if _, ok := devices[deviceID]; ok {
		return 0, services.ErrUniqueViolation
	}
	if len(devices) >= key.MaxDevices {
		return 0, services.ErrDeviceLimitReached
	}
	f.nextActivationID++
	devices[deviceID] = &models.Activation{
		ID:        f.nextActivationID,
		KeyID:     keyID,
		DeviceID:  deviceID,
		IPAddress: origin,
		CreatedAt: time.Now(),
	}
	key.UsedDevices = len(devices)
	return len(devices), nil
}

func (f *FakeStore) AppendLog(ctx context.Context, entry *models.LogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.AppendLogErr != nil {
		return f.AppendLogErr
	}
	f.nextLogID++
	cp := *entry
	cp.ID = f.nextLogID
	f.logs = append(f.logs, cp)
	return nil
}

func (f *FakeStore) LogsForKey(ctx context.Context, keyID uuid.UUID) ([]models.LogEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.LogEntry
	for i := len(f.logs) - 1; i >= 0; i-- {
		if f.logs[i].KeyID != nil && *f.logs[i].KeyID == keyID {
			out = append(out, f.logs[i])
		}
	}
	return out, nil
}

func (f *FakeStore) Ping(ctx context.Context) error {
	return f.PingErr
}
