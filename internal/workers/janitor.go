package workers

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hazakura/license-server/internal/config"
	"github.com/hazakura/license-server/internal/models"
	"github.com/hazakura/license-server/internal/services"
)

// Janitor periodically transitions keys past their expiry to the expired
// status. Activate and Verify already treat such keys as expired (lazy
// expiry); the janitor only persists what the predicate implies.
type Janitor struct {
	store    services.Store
	notifier *services.Notifier
	interval time.Duration
}

func NewJanitor(store services.Store, notifier *services.Notifier, cfg *config.Config) *Janitor {
	return &Janitor{
		store:    store,
		notifier: notifier,
		interval: cfg.JanitorInterval,
	}
}

// Start runs one sweep immediately, then sweeps on the configured
// interval until the context is cancelled. Sweep failures are logged and
// retried on the next tick, never fatal.
func (j *Janitor) Start(ctx context.Context) {
	log.Info().Dur("interval", j.interval).Msg("Starting expiry janitor")

	if err := j.sweep(ctx); err != nil {
		log.Error().Err(err).Msg("Initial expiry sweep failed")
	}

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Expiry janitor stopped")
			return
		case <-ticker.C:
			if err := j.sweep(ctx); err != nil {
				log.Error().Err(err).Msg("Expiry sweep failed")
			}
		}
	}
}

func (j *Janitor) sweep(ctx context.Context) error {
	start := time.Now()

	expired, err := j.store.SweepExpired(ctx, start)
	if err != nil {
		return err
	}
	if len(expired) == 0 {
		return nil
	}

	for i := range expired {
		keyID := expired[i].ID
		entry := &models.LogEntry{
			KeyID:     &keyID,
			Action:    models.ActionAutoExpired,
			CreatedAt: time.Now(),
		}
		if err := j.store.AppendLog(ctx, entry); err != nil {
			log.Warn().Err(err).Str("key", expired[i].KeyString).Msg("Failed to log auto expiry")
		}
	}

	j.notifier.KeysExpired(len(expired))

	log.Info().
		Int("expired", len(expired)).
		Dur("elapsed", time.Since(start)).
		Msg("Expiry sweep completed")

	return nil
}

// RunOnce performs a single sweep (useful for testing)
func (j *Janitor) RunOnce(ctx context.Context) error {
	return j.sweep(ctx)
}
