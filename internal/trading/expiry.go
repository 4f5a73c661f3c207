package trading

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

const expiryBatchSize = 200

// ExpirySweeper periodically cancels orders whose expiry has passed
type ExpirySweeper struct {
	service  *Service
	interval time.Duration
}

func NewExpirySweeper(service *Service, interval time.Duration) *ExpirySweeper {
	return &ExpirySweeper{service: service, interval: interval}
}

// Start runs the sweep until ctx is done
func (s *ExpirySweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	logger := log.With().Str("service", "expiry").Logger()
	logger.Info().Dur("interval", s.interval).Msg("expiry sweeper started")

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("expiry sweeper stopped")
			return
		case <-ticker.C:
			if _, err := s.service.ExpireOrders(ctx, expiryBatchSize); err != nil {
				logger.Error().Err(err).Msg("expiry sweep failed")
			}
		}
	}
}
