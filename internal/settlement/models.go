package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ksred/tokex-api/internal/ledger"
	"github.com/ksred/tokex-api/internal/types"
	"github.com/ksred/tokex-api/internal/wallet"
)

var (
	ErrSellerInsufficientBalance       = errors.New("seller has insufficient available balance")
	ErrBuyerInsufficientPaymentBalance = errors.New("buyer has insufficient payment balance")
	ErrMissingWalletBinding            = wallet.ErrMissingWalletBinding
	ErrSettlementFailed                = errors.New("settlement failed")
	ErrTradeNotFound                   = errors.New("trade not found")
	ErrFillBelowMinimum                = errors.New("fill value rounds to zero")
	// ErrReconciliationRequired means the network accepted the transfer but
	// the ledger could not apply it. The fill's reservations stay locked.
	ErrReconciliationRequired = errors.New("transfer accepted on chain but not applied to ledger")
)

// IsFillError reports whether err only aborts the current fill attempt. The
// matcher skips to the next candidate on these and propagates anything else.
func IsFillError(err error) bool {
	for _, target := range []error{
		ErrSellerInsufficientBalance,
		ErrBuyerInsufficientPaymentBalance,
		ErrMissingWalletBinding,
		ErrSettlementFailed,
		ErrFillBelowMinimum,
		ledger.ErrInsufficientAvailableBalance,
		ledger.ErrInsufficientLockedBalance,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// fillOutcome is the metrics label for a fill attempt result
func fillOutcome(err error) string {
	switch {
	case err == nil:
		return "executed"
	case errors.Is(err, ErrReconciliationRequired):
		return "reconciliation_required"
	case errors.Is(err, ErrFillBelowMinimum):
		return "below_minimum"
	case errors.Is(err, ErrSellerInsufficientBalance):
		return "seller_insufficient_balance"
	case errors.Is(err, ErrBuyerInsufficientPaymentBalance):
		return "buyer_insufficient_payment"
	case errors.Is(err, ErrMissingWalletBinding):
		return "missing_wallet"
	case errors.Is(err, ErrSettlementFailed):
		return "settlement_failed"
	case errors.Is(err, ledger.ErrInsufficientAvailableBalance), errors.Is(err, ledger.ErrInsufficientLockedBalance):
		return "lock_failed"
	default:
		return "error"
	}
}

// Ledger is the subset of balance operations settlement needs
type Ledger interface {
	GetBalance(ctx context.Context, userID, assetID string) (*types.Balance, error)
	PaymentToken(blockchain string) string
	LockAll(ctx context.Context, holds []ledger.Hold) error
	UnlockAll(ctx context.Context, holds []ledger.Hold) ([]decimal.Decimal, error)
	ApplyTransfers(ctx context.Context, transfers []ledger.Transfer, fn func(tx *gorm.DB) error) error
}

type WalletResolver interface {
	ResolveWallet(ctx context.Context, userID, blockchain string) (string, error)
}

type Config struct {
	// Timeout bounds the whole provider submission including retries
	Timeout      time.Duration
	MaxAttempts  int
	RetryBackoff time.Duration
	// ConfirmationTimeout bounds the inline wait for on-chain confirmation.
	// Zero leaves confirmation to the reconciler.
	ConfirmationTimeout  time.Duration
	ConfirmationInterval time.Duration
	FeePercentage        decimal.Decimal
}

// TradeFilter narrows ListTrades
type TradeFilter struct {
	AssetID string
	Limit   int
	Offset  int
}
