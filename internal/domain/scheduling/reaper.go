package scheduling

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// HoldReaper periodically releases holds older than ttl.
type HoldReaper struct {
	svc      *Service
	ttl      time.Duration
	interval time.Duration
	logger   zerolog.Logger
}

func NewHoldReaper(svc *Service, ttl, interval time.Duration, logger zerolog.Logger) *HoldReaper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &HoldReaper{
		svc:      svc,
		ttl:      ttl,
		interval: interval,
		logger:   logger.With().Str("component", "hold_reaper").Logger(),
	}
}

// Enabled reports whether a positive TTL was configured.
func (r *HoldReaper) Enabled() bool { return r.ttl > 0 }

// ReapOnce releases every hold older than the TTL and returns how many were removed.
func (r *HoldReaper) ReapOnce(ctx context.Context) (int, error) {
	if !r.Enabled() {
		return 0, nil
	}
	n, err := r.svc.ExpireHolds(ctx, r.ttl)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		r.logger.Info().Int("released", n).Dur("ttl", r.ttl).Msg("expired holds released")
	}
	return n, nil
}

// Run sweeps every interval until ctx is done. It returns immediately when
// the reaper is disabled.
func (r *HoldReaper) Run(ctx context.Context) {
	if !r.Enabled() {
		return
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.ReapOnce(ctx); err != nil {
				r.logger.Error().Err(err).Msg("hold sweep failed")
			}
		}
	}
}
