package store

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Janitor periodically clears rows the bridge no longer needs: expired claim codes,
// message pairs past the retention window, and migration requests nobody answered.
type Janitor struct {
	db        *Store
	retention time.Duration
	interval  time.Duration
	log       zerolog.Logger
}

// NewJanitor creates a janitor over the store. retentionDays bounds how long message
// pairs survive; interval is the sweep period.
func NewJanitor(db *Store, retentionDays int, interval time.Duration, logger zerolog.Logger) *Janitor {
	return &Janitor{
		db:        db,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		interval:  interval,
		log:       logger.With().Str("component", "janitor").Logger(),
	}
}

// Run sweeps immediately and then on every interval tick until the context is
// cancelled. Individual sweep failures are logged but do not stop the loop.
func (j *Janitor) Run(ctx context.Context) {
	j.sweep(ctx)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.sweep(ctx)
		}
	}
}

func (j *Janitor) sweep(ctx context.Context) {
	codes, err := j.db.DeleteExpiredClaimCodes(ctx)
	if err != nil {
		j.log.Warn().Err(err).Msg("Claim code sweep failed")
	}

	pairs, err := j.db.PruneMessagePairs(ctx, time.Now().Add(-j.retention))
	if err != nil {
		j.log.Warn().Err(err).Msg("Message pair sweep failed")
	}

	requests, err := j.db.ExpireOverdueRequests(ctx)
	if err != nil {
		j.log.Warn().Err(err).Msg("Migration request sweep failed")
	}

	if codes > 0 || pairs > 0 || requests > 0 {
		j.log.Info().
			Int64("claim_codes", codes).
			Int64("message_pairs", pairs).
			Int64("requests", requests).
			Msg("Janitor sweep complete")
	}
}
