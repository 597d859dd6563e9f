package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/hazakura/license-server/internal/models"
	"github.com/hazakura/license-server/internal/services"
	"github.com/hazakura/license-server/pkg/database"
)

// Postgres implements the services.Store contract on a pgx pool
type Postgres struct {
	db *database.DB
}

func NewPostgres(db *database.DB) *Postgres {
	return &Postgres{db: db}
}

const uniqueViolationCode = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode
}

const keyColumns = `id, key_string, duration_hours, max_devices, used_devices, created_at, expires_at, status`

func scanKey(row pgx.Row) (*models.Key, error) {
	var k models.Key
	err := row.Scan(&k.ID, &k.KeyString, &k.DurationHours, &k.MaxDevices, &k.UsedDevices, &k.CreatedAt, &k.ExpiresAt, &k.Status)
	if err != nil {
		return nil, err
	}
	return &k, nil
}

func (p *Postgres) CreateKey(ctx context.Context, key *models.Key) error {
	_, err := p.db.Pool.Exec(ctx, `
		INSERT INTO keys (id, key_string, duration_hours, max_devices, used_devices, created_at, expires_at, status)
		VALUES ($1, $2, $3, $4, 0, $5, $6, $7)
	`, key.ID, key.KeyString, key.DurationHours, key.MaxDevices, key.CreatedAt, key.ExpiresAt, key.Status)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", services.ErrDuplicateKeyString, key.KeyString)
	}
	return err
}

func (p *Postgres) GetKey(ctx context.Context, id uuid.UUID) (*models.Key, error) {
	key, err := scanKey(p.db.Pool.QueryRow(ctx, `SELECT `+keyColumns+` FROM keys WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, services.ErrKeyNotFound
	}
	return key, err
}

func (p *Postgres) FindKeyByString(ctx context.Context, keyString string) (*models.Key, error) {
	key, err := scanKey(p.db.Pool.QueryRow(ctx, `SELECT `+keyColumns+` FROM keys WHERE key_string = $1`, keyString))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, services.ErrKeyNotFound
	}
	return key, err
}

func (p *Postgres) ListKeys(ctx context.Context) ([]models.Key, error) {
	rows, err := p.db.Pool.Query(ctx, `SELECT `+keyColumns+` FROM keys ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys := make([]models.Key, 0)
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, *k)
	}
	return keys, rows.Err()
}

// UpdateKey applies admin mutations inside one transaction. A duration
// change rebases expires_at from the update time, not the original
// creation time.
func (p *Postgres) UpdateKey(ctx context.Context, id uuid.UUID, upd models.KeyUpdate) (*models.Key, error) {
	tx, err := p.db.Pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	key, err := scanKey(tx.QueryRow(ctx, `SELECT `+keyColumns+` FROM keys WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, services.ErrKeyNotFound
	}
	if err != nil {
		return nil, err
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

	_, err = tx.Exec(ctx, `
		UPDATE keys SET duration_hours = $1, max_devices = $2, status = $3, expires_at = $4
		WHERE id = $5
	`, key.DurationHours, key.MaxDevices, key.Status, key.ExpiresAt, id)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return key, nil
}

// DeleteKey removes a key; activations and logs go with it via the
// ON DELETE CASCADE constraints
func (p *Postgres) DeleteKey(ctx context.Context, id uuid.UUID) error {
	tag, err := p.db.Pool.Exec(ctx, `DELETE FROM keys WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return services.ErrKeyNotFound
	}
	return nil
}

// MarkExpired transitions a key to expired only if it is currently active,
// so it is idempotent and safe to race with the janitor
func (p *Postgres) MarkExpired(ctx context.Context, id uuid.UUID) error {
	_, err := p.db.Pool.Exec(ctx, `UPDATE keys SET status = 'expired' WHERE id = $1 AND status = 'active'`, id)
	return err
}

func (p *Postgres) SweepExpired(ctx context.Context, now time.Time) ([]models.Key, error) {
	rows, err := p.db.Pool.Query(ctx, `
		UPDATE keys SET status = 'expired'
		WHERE status = 'active' AND expires_at < $1
		RETURNING `+keyColumns, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var expired []models.Key
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		expired = append(expired, *k)
	}
	return expired, rows.Err()
}

// CleanupExpired hard-deletes every key past its expiry regardless of its
// stored status, cascading activations and logs
func (p *Postgres) CleanupExpired(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := p.db.Pool.Query(ctx, `DELETE FROM keys WHERE expires_at < $1 RETURNING key_string`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	deleted := make([]string, 0)
	for rows.Next() {
		var keyString string
		if err := rows.Scan(&keyString); err != nil {
			return nil, err
		}
		deleted = append(deleted, keyString)
	}
	return deleted, rows.Err()
}

func (p *Postgres) FindActivation(ctx context.Context, keyID uuid.UUID, deviceID string) (*models.Activation, error) {
	var a models.Activation
	err := p.db.Pool.QueryRow(ctx, `
		SELECT id, key_id, device_id, COALESCE(ip_address, ''), created_at
		FROM activations WHERE key_id = $1 AND device_id = $2
	`, keyID, deviceID).Scan(&a.ID, &a.KeyID, &a.DeviceID, &a.IPAddress, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (p *Postgres) CountActivations(ctx context.Context, keyID uuid.UUID) (int, error) {
	var count int
	err := p.db.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM activations WHERE key_id = $1`, keyID).Scan(&count)
	return count, err
}

// InsertActivation is the serialization point for the activation protocol.
// The row lock on the key serializes concurrent activations of the same
// key, the recount under that lock enforces the device limit, and the
// unique constraint breaks same-device races. used_devices is refreshed in
// the same transaction so the mirror cannot drift from the true count.
func (p *Postgres) InsertActivation(ctx context.Context, keyID uuid.UUID, deviceID, origin string) (int, error) {
	tx, err := p.db.Pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	var maxDevices int
	err = tx.QueryRow(ctx, `SELECT max_devices FROM keys WHERE id = $1 FOR UPDATE`, keyID).Scan(&maxDevices)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, services.ErrKeyNotFound
	}
	if err != nil {
		return 0, err
	}

	var used int
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM activations WHERE key_id = $1`, keyID).Scan(&used); err != nil {
		return 0, err
	}
	if used >= maxDevices {
		return 0, services.ErrDeviceLimitReached
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO activations (key_id, device_id, ip_address, created_at)
		VALUES ($1, $2, $3, NOW())
	`, keyID, deviceID, origin)
	if isUniqueViolation(err) {
		return 0, services.ErrUniqueViolation
	}
	if err != nil {
		return 0, err
	}

	used++
	if _, err := tx.Exec(ctx, `UPDATE keys SET used_devices = $1 WHERE id = $2`, used, keyID); err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return used, nil
}

func (p *Postgres) AppendLog(ctx context.Context, entry *models.LogEntry) error {
	_, err := p.db.Pool.Exec(ctx, `
		INSERT INTO activity_logs (key_id, action, ip_address, user_agent, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, entry.KeyID, entry.Action, entry.IPAddress, entry.UserAgent, entry.CreatedAt)
	return err
}

func (p *Postgres) LogsForKey(ctx context.Context, keyID uuid.UUID) ([]models.LogEntry, error) {
	rows, err := p.db.Pool.Query(ctx, `
		SELECT id, key_id, action, COALESCE(ip_address, ''), COALESCE(user_agent, ''), created_at
		FROM activity_logs WHERE key_id = $1 ORDER BY created_at DESC
	`, keyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]models.LogEntry, 0)
	for rows.Next() {
		var e models.LogEntry
		if err := rows.Scan(&e.ID, &e.KeyID, &e.Action, &e.IPAddress, &e.UserAgent, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.Pool.Ping(ctx)
}
