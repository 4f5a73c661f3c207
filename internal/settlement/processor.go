package settlement

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

const reconcileBatchSize = 200

// Processor re-polls accepted trades whose confirmation did not land inside
// the inline wait and reports submissions that never got a transaction hash
type Processor struct {
	db           *Database
	coordinator  *Coordinator
	processDelay time.Duration
	stallAfter   time.Duration
}

func NewProcessor(coordinator *Coordinator, interval, stallAfter time.Duration) *Processor {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Processor{
		db:           coordinator.trades,
		coordinator:  coordinator,
		processDelay: interval,
		stallAfter:   stallAfter,
	}
}

// Start runs the reconciliation loop until ctx is cancelled
func (p *Processor) Start(ctx context.Context) {
	logger := log.With().Str("component", "settlement_reconciler").Logger()
	logger.Info().Dur("interval", p.processDelay).Msg("starting settlement reconciler")

	ticker := time.NewTicker(p.processDelay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down settlement reconciler")
			return
		case <-ticker.C:
			if _, err := p.ProcessPendingSettlements(ctx); err != nil {
				logger.Error().Err(err).Msg("failed to process pending settlements")
			}
		}
	}
}

// ProcessPendingSettlements runs one reconciliation pass and returns how many
// trades reached a terminal settlement state
func (p *Processor) ProcessPendingSettlements(ctx context.Context) (int, error) {
	logger := log.With().Str("component", "settlement_reconciler").Logger()

	trades, err := p.db.PendingSettlements(ctx, reconcileBatchSize)
	if err != nil {
		return 0, err
	}
	if len(trades) > 0 {
		logger.Info().Int("pending_count", len(trades)).Msg("processing pending settlements")
	}

	resolved := 0
	for i := range trades {
		done, err := p.coordinator.CheckConfirmation(ctx, &trades[i])
		if err != nil {
			logger.Error().
				Err(err).
				Str("trade_id", trades[i].TradeID).
				Str("transaction_hash", trades[i].TransactionHash).
				Msg("failed to check settlement confirmation")
			continue
		}
		if done {
			resolved++
		}
	}

	if p.stallAfter > 0 {
		stalled, err := p.db.StalledSubmissions(ctx, time.Now().Add(-p.stallAfter))
		if err != nil {
			return resolved, err
		}
		for _, t := range stalled {
			logger.Error().
				Str("trade_id", t.TradeID).
				Str("buyer_id", t.BuyerID).
				Str("seller_id", t.SellerID).
				Time("executed_at", t.ExecutedAt).
				Msg("trade submission never completed, manual reconciliation required")
		}
	}

	return resolved, nil
}
