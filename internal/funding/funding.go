// Package funding tracks deposits into and withdrawals out of the platform
// and applies their effect on the ledger when they complete.
package funding

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ksred/tokex-api/internal/events"
	"github.com/ksred/tokex-api/internal/ledger"
	"github.com/ksred/tokex-api/internal/types"
	"github.com/ksred/tokex-api/internal/wallet"
	"github.com/ksred/tokex-api/pkg/middleware"
	"github.com/ksred/tokex-api/pkg/response"
)

// Ledger is the subset of balance operations funding needs. Each callback runs
// in the ledger's transaction so the status change commits with the balances.
type Ledger interface {
	LockWith(ctx context.Context, holds []ledger.Hold, fn func(tx *gorm.DB) error) error
	UnlockWith(ctx context.Context, holds []ledger.Hold, fn func(tx *gorm.DB) error) ([]decimal.Decimal, error)
	AddWith(ctx context.Context, userID, assetID string, amount decimal.Decimal, fn func(tx *gorm.DB) error) error
	DebitLockedWith(ctx context.Context, userID, assetID string, amount decimal.Decimal, fn func(tx *gorm.DB) error) error
}

type WalletResolver interface {
	ResolveWallet(ctx context.Context, userID, blockchain string) (string, error)
}

type Service struct {
	db        *Database
	ledger    Ledger
	wallets   WalletResolver
	publisher events.Publisher
	now       func() time.Time
	logger    zerolog.Logger
}

func NewService(gormDB *gorm.DB, balances Ledger, wallets WalletResolver, publisher events.Publisher) *Service {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Service{
		db:        NewDatabase(gormDB),
		ledger:    balances,
		wallets:   wallets,
		publisher: publisher,
		now:       time.Now,
		logger:    log.With().Str("service", "funding").Logger(),
	}
}

func (s *Service) newTransaction(userID, assetID string, kind types.TransactionType, amount decimal.Decimal, chain string) *types.Transaction {
	now := s.now()
	return &types.Transaction{
		TransactionID: uuid.New().String(),
		UserID:        userID,
		AssetID:       assetID,
		Type:          kind,
		Status:        types.TransactionStatusPending,
		Amount:        amount,
		Blockchain:    chain,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// RequestDeposit records an expected deposit. Funds are credited when it completes.
func (s *Service) RequestDeposit(ctx context.Context, userID string, req DepositRequest) (*types.Transaction, error) {
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be greater than zero", ErrInvalidRequest)
	}
	if !req.Amount.Equal(req.Amount.Round(ledger.AmountScale)) {
		return nil, fmt.Errorf("%w: amount has more than %d decimal places", ErrInvalidRequest, ledger.AmountScale)
	}

	txn := s.newTransaction(userID, req.AssetID, types.TransactionTypeDeposit, req.Amount, req.Blockchain)
	txn.TransactionHash = req.TransactionHash
	if err := s.db.CreateTransaction(ctx, txn); err != nil {
		return nil, fmt.Errorf("create deposit: %w", err)
	}

	s.logEvent(txn).Msg("deposit requested")
	s.publisher.Publish(ctx, events.TransactionUpdated, *txn)
	return txn, nil
}

// RequestWithdrawal locks the amount and records the withdrawal in one transaction
func (s *Service) RequestWithdrawal(ctx context.Context, userID string, req WithdrawalRequest) (*types.Transaction, error) {
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be greater than zero", ErrInvalidRequest)
	}

	address := req.Address
	if address == "" {
		if req.Blockchain == "" {
			return nil, fmt.Errorf("%w: address or blockchain is required", ErrInvalidRequest)
		}
		resolved, err := s.wallets.ResolveWallet(ctx, userID, req.Blockchain)
		if err != nil {
			return nil, err
		}
		address = resolved
	}

	txn := s.newTransaction(userID, req.AssetID, types.TransactionTypeWithdrawal, req.Amount, req.Blockchain)
	txn.Address = address

	hold := []ledger.Hold{{UserID: userID, AssetID: req.AssetID, Amount: req.Amount}}
	err := s.ledger.LockWith(ctx, hold, func(tx *gorm.DB) error {
		return tx.Create(txn).Error
	})
	if err != nil {
		return nil, fmt.Errorf("request withdrawal: %w", err)
	}

	s.logEvent(txn).Str("address", address).Msg("withdrawal requested")
	s.publisher.Publish(ctx, events.TransactionUpdated, *txn)
	return txn, nil
}

// Complete settles a pending transaction. Deposits credit the user and
// withdrawals consume the locked funds.
func (s *Service) Complete(ctx context.Context, transactionID, txHash string) (*types.Transaction, error) {
	txn, err := s.pending(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if txHash != "" {
		txn.TransactionHash = txHash
	}

	move := func(tx *gorm.DB) error {
		return transition(tx, txn, types.TransactionStatusCompleted, s.now())
	}
	switch txn.Type {
	case types.TransactionTypeDeposit:
		err = s.ledger.AddWith(ctx, txn.UserID, txn.AssetID, txn.Amount, move)
	case types.TransactionTypeWithdrawal:
		err = s.ledger.DebitLockedWith(ctx, txn.UserID, txn.AssetID, txn.Amount, move)
	default:
		err = fmt.Errorf("unknown transaction type %q", txn.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("complete %s: %w", txn.Type, err)
	}

	s.logEvent(txn).Str("transaction_hash", txn.TransactionHash).Msg("transaction completed")
	s.publisher.Publish(ctx, events.TransactionUpdated, *txn)
	return txn, nil
}

// Fail marks a pending transaction failed, releasing a withdrawal's locked funds
func (s *Service) Fail(ctx context.Context, transactionID, reason string) (*types.Transaction, error) {
	txn, err := s.pending(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	txn.FailureReason = reason
	if err := s.finish(ctx, txn, types.TransactionStatusFailed); err != nil {
		return nil, err
	}
	s.logEvent(txn).Str("reason", reason).Msg("transaction failed")
	s.publisher.Publish(ctx, events.TransactionUpdated, *txn)
	return txn, nil
}

// Cancel withdraws a pending withdrawal and releases its funds. Deposits
// cannot be cancelled.
func (s *Service) Cancel(ctx context.Context, transactionID string) (*types.Transaction, error) {
	txn, err := s.pending(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if txn.Type != types.TransactionTypeWithdrawal {
		return nil, fmt.Errorf("%w: only withdrawals can be cancelled", ErrInvalidTransition)
	}
	if err := s.finish(ctx, txn, types.TransactionStatusCancelled); err != nil {
		return nil, err
	}
	s.logEvent(txn).Msg("transaction cancelled")
	s.publisher.Publish(ctx, events.TransactionUpdated, *txn)
	return txn, nil
}

func (s *Service) finish(ctx context.Context, txn *types.Transaction, status types.TransactionStatus) error {
	move := func(tx *gorm.DB) error {
		return transition(tx, txn, status, s.now())
	}
	if txn.Type == types.TransactionTypeWithdrawal {
		hold := []ledger.Hold{{UserID: txn.UserID, AssetID: txn.AssetID, Amount: txn.Amount}}
		if _, err := s.ledger.UnlockWith(ctx, hold, move); err != nil {
			return fmt.Errorf("release withdrawal: %w", err)
		}
		return nil
	}
	return s.db.db.WithContext(ctx).Transaction(move)
}

func (s *Service) pending(ctx context.Context, transactionID string) (*types.Transaction, error) {
	txn, err := s.db.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, fmt.Errorf("get transaction: %w", err)
	}
	if txn == nil {
		return nil, ErrTransactionNotFound
	}
	if txn.Status != types.TransactionStatusPending {
		return nil, fmt.Errorf("%w: status is %s", ErrInvalidTransition, txn.Status)
	}
	return txn, nil
}

// GetTransaction returns the transaction when it belongs to userID
func (s *Service) GetTransaction(ctx context.Context, transactionID, userID string) (*types.Transaction, error) {
	txn, err := s.db.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, fmt.Errorf("get transaction: %w", err)
	}
	if txn == nil || txn.UserID != userID {
		return nil, ErrTransactionNotFound
	}
	return txn, nil
}

func (s *Service) ListTransactions(ctx context.Context, userID string, filter TransactionFilter) ([]types.Transaction, error) {
	txns, err := s.db.ListTransactions(ctx, userID, filter)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	return txns, nil
}

func (s *Service) logEvent(txn *types.Transaction) *zerolog.Event {
	return s.logger.Info().
		Str("transaction_id", txn.TransactionID).
		Str("user_id", txn.UserID).
		Str("asset_id", txn.AssetID).
		Str("type", string(txn.Type)).
		Str("amount", txn.Amount.String())
}

type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

func handleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ledger.ErrInvalidAmount):
		response.ValidationFailed(c, err.Error())
	case errors.Is(err, ErrTransactionNotFound):
		response.NotFound(c, "Transaction not found")
	case errors.Is(err, ErrInvalidTransition):
		response.Conflict(c, err.Error())
	case errors.Is(err, ledger.ErrInsufficientAvailableBalance),
		errors.Is(err, ledger.ErrInsufficientLockedBalance),
		errors.Is(err, wallet.ErrMissingWalletBinding):
		response.Unprocessable(c, err.Error())
	default:
		response.Handle(c, nil, err)
	}
}

func respond(c *gin.Context, txn *types.Transaction, err error) {
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, txn)
}

func (h *GinHandlers) DepositHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.UserID(c)
		if userID == "" {
			response.Unauthorized(c, "Missing user identity")
			return
		}

		var req DepositRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		txn, err := h.service.RequestDeposit(c.Request.Context(), userID, req)
		respond(c, txn, err)
	}
}

func (h *GinHandlers) WithdrawHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.UserID(c)
		if userID == "" {
			response.Unauthorized(c, "Missing user identity")
			return
		}

		var req WithdrawalRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		txn, err := h.service.RequestWithdrawal(c.Request.Context(), userID, req)
		respond(c, txn, err)
	}
}

func (h *GinHandlers) GetTransactionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.UserID(c)
		if userID == "" {
			response.Unauthorized(c, "Missing user identity")
			return
		}

		txn, err := h.service.GetTransaction(c.Request.Context(), c.Param("transaction_id"), userID)
		respond(c, txn, err)
	}
}

// ListTransactionsHandler handles GET /funding/transactions?type=&status=&limit=&offset=
func (h *GinHandlers) ListTransactionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.UserID(c)
		if userID == "" {
			response.Unauthorized(c, "Missing user identity")
			return
		}

		filter := TransactionFilter{
			Type:   types.TransactionType(strings.ToLower(c.Query("type"))),
			Status: types.TransactionStatus(strings.ToLower(c.Query("status"))),
		}
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

		txns, err := h.service.ListTransactions(c.Request.Context(), userID, filter)
		response.Handle(c, txns, err)
	}
}

// CompleteHandler handles internal POST /internal/funding/:transaction_id/complete
func (h *GinHandlers) CompleteHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CompleteRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				response.BadRequest(c, err.Error())
				return
			}
		}

		txn, err := h.service.Complete(c.Request.Context(), c.Param("transaction_id"), req.TransactionHash)
		respond(c, txn, err)
	}
}

func (h *GinHandlers) FailHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req FailRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				response.BadRequest(c, err.Error())
				return
			}
		}

		txn, err := h.service.Fail(c.Request.Context(), c.Param("transaction_id"), req.Reason)
		respond(c, txn, err)
	}
}

func (h *GinHandlers) CancelHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		txn, err := h.service.Cancel(c.Request.Context(), c.Param("transaction_id"))
		respond(c, txn, err)
	}
}
