// Package matching runs price-time priority matching for incoming orders and
// drives each fill through settlement one at a time.
package matching

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ksred/tokex-api/internal/events"
	"github.com/ksred/tokex-api/internal/locker"
	"github.com/ksred/tokex-api/internal/metrics"
	"github.com/ksred/tokex-api/internal/settlement"
	"github.com/ksred/tokex-api/internal/types"
)

// OrderStore is the persistence the matcher needs
type OrderStore interface {
	// FindCandidates returns live orders of side for asset in any order
	FindCandidates(ctx context.Context, assetID string, side types.OrderSide) ([]types.Order, error)
	GetOrder(ctx context.Context, orderID string) (*types.Order, error)
	UpdateOrder(ctx context.Context, order *types.Order) error
	// ApplyFill persists both orders of a fill atomically
	ApplyFill(ctx context.Context, aggressor, resting *types.Order) error
}

type Settler interface {
	ExecuteFill(ctx context.Context, buy, sell *types.Order, qty, price decimal.Decimal) (*types.Trade, error)
}

type Engine struct {
	store      OrderStore
	settler    Settler
	publisher  events.Publisher
	metrics    *metrics.Metrics
	orderLocks *locker.KeyedMutex
	now        func() time.Time
	logger     zerolog.Logger

	mu     sync.Mutex
	active map[string]struct{}
}

func NewEngine(store OrderStore, settler Settler, publisher events.Publisher, m *metrics.Metrics) *Engine {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Engine{
		store:      store,
		settler:    settler,
		publisher:  publisher,
		metrics:    m,
		orderLocks: locker.New(),
		now:        time.Now,
		logger:     log.With().Str("service", "matching").Logger(),
		active:     make(map[string]struct{}),
	}
}

// WithOrderLock runs fn while holding the order's lock, serializing it
// against fills and other lifecycle changes on that order
func (e *Engine) WithOrderLock(orderID string, fn func() error) error {
	unlock := e.orderLocks.Lock(orderID)
	defer unlock()
	return fn()
}

// priceCompatible reports whether a resting order can trade with the incoming order
func priceCompatible(incoming, resting *types.Order) bool {
	if incoming.IsMarket() {
		return true
	}
	if incoming.Side == types.SideBuy {
		return resting.Price.LessThanOrEqual(incoming.Price)
	}
	return resting.Price.GreaterThanOrEqual(incoming.Price)
}

// FindMatchingOrders returns the counter-orders the incoming order may trade
// against, best price first and oldest first within a price. Orders of the
// same user and expired orders are excluded.
func (e *Engine) FindMatchingOrders(ctx context.Context, order *types.Order) ([]types.Order, error) {
	candidates, err := e.store.FindCandidates(ctx, order.AssetID, order.Side.Opposite())
	if err != nil {
		return nil, fmt.Errorf("find candidates: %w", err)
	}

	now := e.now()
	matches := make([]types.Order, 0, len(candidates))
	for i := range candidates {
		c := &candidates[i]
		switch {
		case c.OrderID == order.OrderID:
		case c.UserID == order.UserID:
		case c.Expired(now):
		case !c.RemainingQuantity.IsPositive():
		case !priceCompatible(order, c):
		default:
			matches = append(matches, *c)
		}
	}

	buying := order.Side == types.SideBuy
	sort.SliceStable(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if !a.Price.Equal(b.Price) {
			if buying {
				return a.Price.LessThan(b.Price)
			}
			return a.Price.GreaterThan(b.Price)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return matches, nil
}

func (e *Engine) markActive(orderID string) {
	e.mu.Lock()
	e.active[orderID] = struct{}{}
	e.mu.Unlock()
}

func (e *Engine) clearActive(orderID string) {
	e.mu.Lock()
	delete(e.active, orderID)
	e.mu.Unlock()
}

func (e *Engine) isActive(orderID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.active[orderID]
	return ok
}

// ProcessOrder matches a persisted pending order against the book. Fills run
// sequentially in priority order; a fill that fails on balance, wallet or
// settlement grounds is skipped and matching continues with the next
// candidate. Storage errors abort the run and are returned.
func (e *Engine) ProcessOrder(ctx context.Context, order *types.Order) (*types.Order, error) {
	unlock := e.orderLocks.Lock(order.OrderID)
	defer unlock()

	// Another aggressor that reaches this order while it is still matching
	// skips it instead of waiting, so two aggressors never wait on each other.
	e.markActive(order.OrderID)
	defer e.clearActive(order.OrderID)

	logger := e.logger.With().
		Str("order_id", order.OrderID).
		Str("user_id", order.UserID).
		Str("asset_id", order.AssetID).
		Str("side", string(order.Side)).
		Logger()

	matches, err := e.FindMatchingOrders(ctx, order)
	if err != nil {
		return nil, err
	}
	logger.Debug().Int("candidates", len(matches)).Msg("matching order")

	fills := 0
	for i := range matches {
		if !order.RemainingQuantity.IsPositive() {
			break
		}
		candidateID := matches[i].OrderID
		if e.isActive(candidateID) {
			logger.Debug().Str("candidate_id", candidateID).Msg("candidate is matching, skipping")
			continue
		}

		filled, err := e.fillAgainst(ctx, logger, order, candidateID)
		if err != nil {
			return nil, err
		}
		if filled {
			fills++
		}
	}

	e.finalize(order)
	if err := e.store.UpdateOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("update order: %w", err)
	}

	logger.Info().
		Str("status", string(order.Status)).
		Str("filled", order.FilledQuantity.String()).
		Str("remaining", order.RemainingQuantity.String()).
		Int("fills", fills).
		Msg("order processed")
	e.metrics.ObserveProcessed(string(order.Status))
	e.publisher.Publish(ctx, events.OrderUpdated, *order)
	return order, nil
}

// fillAgainst executes one fill with the resting order under its lock. It
// reports whether a fill was applied.
func (e *Engine) fillAgainst(ctx context.Context, logger zerolog.Logger, order *types.Order, candidateID string) (bool, error) {
	unlock := e.orderLocks.Lock(candidateID)
	defer unlock()

	resting, err := e.store.GetOrder(ctx, candidateID)
	if err != nil {
		return false, fmt.Errorf("reload candidate %s: %w", candidateID, err)
	}
	if resting == nil ||
		(resting.Status != types.OrderStatusOpen && resting.Status != types.OrderStatusPartiallyFilled) ||
		!resting.RemainingQuantity.IsPositive() ||
		resting.Expired(e.now()) {
		return false, nil
	}

	qty := decimal.Min(order.RemainingQuantity, resting.RemainingQuantity)
	price := resting.Price

	buy, sell := order, resting
	if order.Side == types.SideSell {
		buy, sell = resting, order
	}

	trade, err := e.settler.ExecuteFill(ctx, buy, sell, qty, price)
	if err != nil {
		if settlement.IsFillError(err) {
			logger.Warn().
				Err(err).
				Str("candidate_id", candidateID).
				Str("quantity", qty.String()).
				Msg("fill skipped")
			return false, nil
		}
		return false, fmt.Errorf("execute fill against %s: %w", candidateID, err)
	}

	now := e.now()
	order.ApplyFill(qty, now)
	resting.ApplyFill(qty, now)
	order.TransactionHash = trade.TransactionHash
	resting.TransactionHash = trade.TransactionHash

	if err := e.store.ApplyFill(ctx, order, resting); err != nil {
		logger.Error().
			Err(err).
			Str("trade_id", trade.TradeID).
			Str("candidate_id", candidateID).
			Msg("fill settled but order update failed, manual reconciliation required")
		return false, fmt.Errorf("persist fill: %w", err)
	}

	logger.Info().
		Str("trade_id", trade.TradeID).
		Str("candidate_id", candidateID).
		Str("quantity", qty.String()).
		Str("price", price.String()).
		Msg("fill applied")
	e.publisher.Publish(ctx, events.OrderUpdated, *order)
	e.publisher.Publish(ctx, events.OrderUpdated, *resting)
	return true, nil
}

// finalize settles the incoming order's status once matching is exhausted.
// Market orders never rest on the book.
func (e *Engine) finalize(order *types.Order) {
	now := e.now()
	order.UpdatedAt = now
	if order.IsMarket() && order.RemainingQuantity.IsPositive() {
		order.Status = types.OrderStatusCancelled
		return
	}
	order.Status = types.StatusForQuantities(order.Quantity, order.FilledQuantity)
	if order.Status == types.OrderStatusFilled && order.FilledAt == nil {
		order.FilledAt = &now
	}
}
