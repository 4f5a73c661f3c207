// Package settlement executes matched fills: it checks both parties can pay,
// reserves their funds, submits the transfer to the settlement network and
// moves ledger balances once the network accepts it.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ksred/tokex-api/internal/blockchain"
	"github.com/ksred/tokex-api/internal/events"
	"github.com/ksred/tokex-api/internal/ledger"
	"github.com/ksred/tokex-api/internal/metrics"
	"github.com/ksred/tokex-api/internal/types"
	"github.com/ksred/tokex-api/pkg/middleware"
	"github.com/ksred/tokex-api/pkg/response"
)

var hundred = decimal.NewFromInt(100)

type Coordinator struct {
	trades    *Database
	ledger    Ledger
	wallets   WalletResolver
	provider  blockchain.Provider
	publisher events.Publisher
	metrics   *metrics.Metrics
	cfg       Config
	logger    zerolog.Logger
}

func NewCoordinator(
	gormDB *gorm.DB,
	balances Ledger,
	wallets WalletResolver,
	provider blockchain.Provider,
	publisher events.Publisher,
	m *metrics.Metrics,
	cfg Config,
) *Coordinator {
	if publisher == nil {
		publisher = events.Nop{}
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.ConfirmationInterval <= 0 {
		cfg.ConfirmationInterval = time.Second
	}
	return &Coordinator{
		trades:    NewDatabase(gormDB),
		ledger:    balances,
		wallets:   wallets,
		provider:  provider,
		publisher: publisher,
		metrics:   m,
		cfg:       cfg,
		logger:    log.With().Str("service", "settlement").Logger(),
	}
}

// Fee returns the informational platform fee for qty at price
func (c *Coordinator) Fee(qty, price decimal.Decimal) decimal.Decimal {
	return qty.Mul(price).Mul(c.cfg.FeePercentage).Div(hundred).Round(ledger.AmountScale)
}

// notional is the payment owed for qty at price, rounded to the ledger scale
// so the amount locked is exactly the amount later transferred
func notional(qty, price decimal.Decimal) decimal.Decimal {
	return qty.Mul(price).Round(ledger.AmountScale)
}

func tradeChain(buy, sell *types.Order) string {
	if sell.Blockchain != "" {
		return sell.Blockchain
	}
	return buy.Blockchain
}

// ValidateBalances checks the seller can deliver qty of the asset and the
// buyer can pay qty*price in the chain's payment token
func (c *Coordinator) ValidateBalances(ctx context.Context, buy, sell *types.Order, qty, price decimal.Decimal) error {
	cost := notional(qty, price)
	if !cost.IsPositive() {
		return fmt.Errorf("%w: %s at %s", ErrFillBelowMinimum, qty, price)
	}

	sellerBalance, err := c.ledger.GetBalance(ctx, sell.UserID, sell.AssetID)
	if err != nil {
		return fmt.Errorf("load seller balance: %w", err)
	}
	if sellerBalance.AvailableBalance.LessThan(qty) {
		return fmt.Errorf("%w: seller %s has %s %s available, fill needs %s",
			ErrSellerInsufficientBalance, sell.UserID, sellerBalance.AvailableBalance, sell.AssetID, qty)
	}

	paymentToken := c.ledger.PaymentToken(tradeChain(buy, sell))
	buyerBalance, err := c.ledger.GetBalance(ctx, buy.UserID, paymentToken)
	if err != nil {
		return fmt.Errorf("load buyer payment balance: %w", err)
	}
	if buyerBalance.AvailableBalance.LessThan(cost) {
		return fmt.Errorf("%w: buyer %s has %s %s available, fill needs %s",
			ErrBuyerInsufficientPaymentBalance, buy.UserID, buyerBalance.AvailableBalance, paymentToken, cost)
	}
	return nil
}

// ExecuteFill settles qty of the asset from the sell order's owner to the buy
// order's owner at price. A returned error for which IsFillError is true means
// nothing was moved and every reservation was released; the returned trade,
// when non-nil, records the failed attempt. ErrReconciliationRequired means
// the transfer left the chain's control but the ledger did not record it.
func (c *Coordinator) ExecuteFill(ctx context.Context, buy, sell *types.Order, qty, price decimal.Decimal) (*types.Trade, error) {
	logger := c.logger.With().
		Str("buy_order_id", buy.OrderID).
		Str("sell_order_id", sell.OrderID).
		Str("asset_id", sell.AssetID).
		Str("quantity", qty.String()).
		Str("price", price.String()).
		Logger()

	trade, err := c.executeFill(ctx, logger, buy, sell, qty, price)
	c.metrics.ObserveFill(fillOutcome(err))
	if err != nil {
		if IsFillError(err) {
			logger.Warn().Err(err).Msg("fill aborted")
		} else {
			logger.Error().Err(err).Msg("fill failed")
		}
	}
	return trade, err
}

func (c *Coordinator) executeFill(ctx context.Context, logger zerolog.Logger, buy, sell *types.Order, qty, price decimal.Decimal) (*types.Trade, error) {
	if err := c.ValidateBalances(ctx, buy, sell, qty, price); err != nil {
		return nil, err
	}

	chain := tradeChain(buy, sell)
	sellerAddr, err := c.wallets.ResolveWallet(ctx, sell.UserID, chain)
	if err != nil {
		return nil, err
	}
	buyerAddr, err := c.wallets.ResolveWallet(ctx, buy.UserID, chain)
	if err != nil {
		return nil, err
	}

	total := notional(qty, price)
	paymentToken := c.ledger.PaymentToken(chain)
	holds := []ledger.Hold{
		{UserID: sell.UserID, AssetID: sell.AssetID, Amount: qty},
		{UserID: buy.UserID, AssetID: paymentToken, Amount: total},
	}
	if err := c.ledger.LockAll(ctx, holds); err != nil {
		return nil, fmt.Errorf("reserve fill balances: %w", err)
	}

	now := time.Now()
	trade := &types.Trade{
		TradeID:          uuid.NewString(),
		BuyerID:          buy.UserID,
		SellerID:         sell.UserID,
		AssetID:          sell.AssetID,
		BuyOrderID:       buy.OrderID,
		SellOrderID:      sell.OrderID,
		Quantity:         qty,
		PricePerUnit:     price,
		TotalValue:       total,
		FeeAmount:        c.Fee(qty, price),
		FeePercentage:    c.cfg.FeePercentage,
		Blockchain:       chain,
		Status:           types.TradeStatusPending,
		SettlementStatus: types.SettlementStatusPending,
		ExecutedAt:       now,
	}
	if err := c.trades.CreateTrade(ctx, trade); err != nil {
		c.release(ctx, logger, holds)
		return nil, fmt.Errorf("create trade: %w", err)
	}
	logger = logger.With().Str("trade_id", trade.TradeID).Logger()

	start := time.Now()
	receipt, err := c.submit(ctx, logger, blockchain.TransferRequest{
		From:           sellerAddr,
		To:             buyerAddr,
		AssetID:        sell.AssetID,
		Amount:         qty,
		Blockchain:     chain,
		IdempotencyKey: trade.TradeID,
	})
	if err != nil {
		c.metrics.ObserveSettlement("failure", time.Since(start))
		c.release(ctx, logger, holds)

		trade.Status = types.TradeStatusFailed
		trade.SettlementStatus = types.SettlementStatusFailed
		trade.FailureReason = err.Error()
		detached := context.WithoutCancel(ctx)
		if uerr := c.trades.UpdateTrade(detached, trade); uerr != nil {
			logger.Error().Err(uerr).Msg("failed to record failed trade")
		}
		c.publisher.Publish(detached, events.TradeFailed, trade)
		return trade, fmt.Errorf("%w: %v", ErrSettlementFailed, err)
	}
	c.metrics.ObserveSettlement("success", time.Since(start))

	trade.TransactionHash = receipt.TransactionHash
	detached := context.WithoutCancel(ctx)
	if err := c.trades.UpdateTrade(detached, trade); err != nil {
		logger.Error().Err(err).Str("transaction_hash", trade.TransactionHash).Msg("failed to record transaction hash")
	}

	transfers := []ledger.Transfer{
		{From: sell.UserID, To: buy.UserID, AssetID: sell.AssetID, Amount: qty},
		{From: buy.UserID, To: sell.UserID, AssetID: paymentToken, Amount: total},
	}
	err = c.ledger.ApplyTransfers(detached, transfers, func(tx *gorm.DB) error {
		trade.Status = types.TradeStatusCompleted
		return saveTrade(tx, trade)
	})
	if err != nil {
		// The reservations stay locked since the asset already moved on chain
		trade.Status = types.TradeStatusPending
		trade.FailureReason = "ledger update failed after on-chain acceptance: " + err.Error()
		if uerr := c.trades.UpdateTrade(detached, trade); uerr != nil {
			logger.Error().Err(uerr).Msg("failed to flag trade for reconciliation")
		}
		logger.Error().
			Err(err).
			Str("transaction_hash", trade.TransactionHash).
			Msg("transfer accepted on chain but ledger update failed, manual reconciliation required")
		c.publisher.Publish(detached, events.TradeSettlementFailed, trade)
		return trade, fmt.Errorf("%w: trade %s tx %s: %v", ErrReconciliationRequired, trade.TradeID, trade.TransactionHash, err)
	}

	logger.Info().
		Str("transaction_hash", trade.TransactionHash).
		Str("total_value", total.String()).
		Str("fee_amount", trade.FeeAmount.String()).
		Msg("fill settled on ledger")
	c.publisher.Publish(ctx, events.TradeExecuted, trade)

	if c.cfg.ConfirmationTimeout > 0 {
		c.awaitConfirmation(ctx, logger, trade)
	}
	return trade, nil
}

// submit calls the provider until it accepts, rejects, or the attempt budget
// or timeout runs out. The trade id is the idempotency key so retries cannot
// double-spend.
func (c *Coordinator) submit(ctx context.Context, logger zerolog.Logger, req blockchain.TransferRequest) (*blockchain.TransferReceipt, error) {
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		receipt, err := c.provider.ExecuteTransfer(ctx, req)
		if err == nil {
			logger.Info().Int("attempt", attempt).Str("transaction_hash", receipt.TransactionHash).Msg("settlement submitted")
			return receipt, nil
		}
		lastErr = err
		logger.Warn().Err(err).Int("attempt", attempt).Msg("settlement attempt failed")

		if !blockchain.IsRetryable(err) || attempt == c.cfg.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("settlement timed out after %d attempts: %w", attempt, lastErr)
		case <-time.After(c.cfg.RetryBackoff * time.Duration(attempt)):
		}
	}
	return nil, lastErr
}

// release unwinds fill reservations. The context may already be cancelled by
// the time a fill aborts, so the unlock runs detached from it.
func (c *Coordinator) release(ctx context.Context, logger zerolog.Logger, holds []ledger.Hold) {
	if _, err := c.ledger.UnlockAll(context.WithoutCancel(ctx), holds); err != nil {
		logger.Error().Err(err).Msg("failed to release fill reservations")
	}
}

func (c *Coordinator) awaitConfirmation(ctx context.Context, logger zerolog.Logger, trade *types.Trade) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConfirmationTimeout)
	defer cancel()

	ticker := time.NewTicker(c.cfg.ConfirmationInterval)
	defer ticker.Stop()

	for {
		done, err := c.CheckConfirmation(ctx, trade)
		if err != nil {
			logger.Warn().Err(err).Msg("confirmation check failed")
		}
		if done {
			return
		}
		select {
		case <-ctx.Done():
			logger.Info().Str("transaction_hash", trade.TransactionHash).Msg("confirmation still pending, leaving to reconciler")
			c.metrics.ObserveConfirmation("pending")
			return
		case <-ticker.C:
		}
	}
}

// CheckConfirmation polls the network once for an accepted trade and records
// a terminal outcome. It reports whether settlement reached a final state.
func (c *Coordinator) CheckConfirmation(ctx context.Context, trade *types.Trade) (bool, error) {
	if trade.SettlementTerminal() {
		return true, nil
	}
	if trade.TransactionHash == "" {
		return false, fmt.Errorf("trade %s has no transaction hash", trade.TradeID)
	}

	status, err := c.provider.GetTransaction(ctx, trade.TransactionHash, trade.Blockchain)
	if err != nil {
		return false, fmt.Errorf("get transaction: %w", err)
	}

	logger := c.logger.With().
		Str("trade_id", trade.TradeID).
		Str("transaction_hash", trade.TransactionHash).
		Logger()
	detached := context.WithoutCancel(ctx)

	switch status.Status {
	case blockchain.TxConfirmed:
		now := time.Now()
		trade.SettlementStatus = types.SettlementStatusSettled
		trade.ConfirmedAt = &now
		trade.BlockNumber = status.BlockNumber
		if err := c.trades.UpdateTrade(detached, trade); err != nil {
			return false, fmt.Errorf("record confirmation: %w", err)
		}
		logger.Info().Int("confirmations", status.Confirmations).Msg("settlement confirmed")
		c.metrics.ObserveConfirmation("confirmed")
		c.publisher.Publish(detached, events.TradeConfirmed, trade)
		return true, nil

	case blockchain.TxFailed:
		trade.Status = types.TradeStatusFailed
		trade.SettlementStatus = types.SettlementStatusFailed
		trade.FailureReason = "transfer failed on chain after acceptance"
		if err := c.trades.UpdateTrade(detached, trade); err != nil {
			return false, fmt.Errorf("record settlement failure: %w", err)
		}
		logger.Error().
			Str("buyer_id", trade.BuyerID).
			Str("seller_id", trade.SellerID).
			Str("quantity", trade.Quantity.String()).
			Msg("on-chain settlement failed after ledger transfer, manual reconciliation required")
		c.metrics.ObserveConfirmation("failed")
		c.publisher.Publish(detached, events.TradeSettlementFailed, trade)
		return true, nil

	default:
		return false, nil
	}
}

// Service answers trade queries
type Service struct {
	db *Database
}

func NewService(gormDB *gorm.DB) *Service {
	return &Service{db: NewDatabase(gormDB)}
}

func (s *Service) ListTrades(ctx context.Context, userID string, filter TradeFilter) ([]types.Trade, error) {
	trades, err := s.db.ListTrades(ctx, userID, filter)
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	return trades, nil
}

// GetTrade returns the trade when userID was one of its parties
func (s *Service) GetTrade(ctx context.Context, tradeID, userID string) (*types.Trade, error) {
	trade, err := s.db.GetTrade(ctx, tradeID)
	if err != nil {
		return nil, fmt.Errorf("get trade: %w", err)
	}
	if trade == nil || (trade.BuyerID != userID && trade.SellerID != userID) {
		return nil, ErrTradeNotFound
	}
	return trade, nil
}

type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

// ListTradesHandler handles GET /trades?asset_id=&limit=&offset=
func (h *GinHandlers) ListTradesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.UserID(c)
		if userID == "" {
			response.Unauthorized(c, "Missing user identity")
			return
		}

		filter := TradeFilter{AssetID: c.Query("asset_id")}
		if v := c.Query("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				response.BadRequest(c, "limit must be an integer")
				return
			}
			filter.Limit = n
		}
		if v := c.Query("offset"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				response.BadRequest(c, "offset must be a non-negative integer")
				return
			}
			filter.Offset = n
		}

		trades, err := h.service.ListTrades(c.Request.Context(), userID, filter)
		response.Handle(c, trades, err)
	}
}

func (h *GinHandlers) GetTradeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.UserID(c)
		if userID == "" {
			response.Unauthorized(c, "Missing user identity")
			return
		}

		trade, err := h.service.GetTrade(c.Request.Context(), c.Param("trade_id"), userID)
		if errors.Is(err, ErrTradeNotFound) {
			response.NotFound(c, "Trade not found")
			return
		}
		response.Handle(c, trade, err)
	}
}
