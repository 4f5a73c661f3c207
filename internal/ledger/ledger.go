// Package ledger owns every balance mutation. All writes to a (user, asset)
// row are serialized through an in-process key lock and a row lock inside a
// single database transaction.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ksred/tokex-api/internal/events"
	"github.com/ksred/tokex-api/internal/locker"
	"github.com/ksred/tokex-api/internal/metrics"
	"github.com/ksred/tokex-api/internal/types"
)

// AmountScale is the number of decimal places every stored amount carries
const AmountScale int32 = 18

var (
	ErrInsufficientAvailableBalance = errors.New("insufficient available balance")
	ErrInsufficientLockedBalance    = errors.New("insufficient locked balance")
	ErrInvalidAmount                = errors.New("amount must be positive with at most 18 decimal places")
	errInconsistentBalance          = errors.New("balance invariant violated")
)

// Hold reserves Amount of AssetID for UserID
type Hold struct {
	UserID  string
	AssetID string
	Amount  decimal.Decimal
}

// Transfer moves locked funds of From into the available funds of To
type Transfer struct {
	From    string
	To      string
	AssetID string
	Amount  decimal.Decimal
}

type balanceKey struct {
	userID  string
	assetID string
}

func (k balanceKey) String() string {
	return k.userID + ":" + k.assetID
}

type Config struct {
	PaymentToken  string
	PaymentTokens map[string]string
}

type Ledger struct {
	db        *Database
	keys      *locker.KeyedMutex
	publisher events.Publisher
	metrics   *metrics.Metrics
	cfg       Config
	logger    zerolog.Logger
}

func NewLedger(gormDB *gorm.DB, publisher events.Publisher, m *metrics.Metrics, cfg Config) *Ledger {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Ledger{
		db:        NewDatabase(gormDB),
		keys:      locker.New(),
		publisher: publisher,
		metrics:   m,
		cfg:       cfg,
		logger:    log.With().Str("service", "ledger").Logger(),
	}
}

// GetOrCreateBalance returns the (user, asset) balance, creating a zeroed row
// on first reference
func (l *Ledger) GetOrCreateBalance(ctx context.Context, userID, assetID string) (*types.Balance, error) {
	existing, err := l.db.GetBalance(ctx, userID, assetID)
	if err != nil {
		return nil, fmt.Errorf("get balance: %w", err)
	}
	if existing != nil {
		return existing, nil
	}

	var created *types.Balance
	err = l.db.Transaction(ctx, func(tx *gorm.DB) error {
		b, err := lockBalance(tx, userID, assetID)
		created = b
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create balance: %w", err)
	}
	return created, nil
}

// GetBalance returns the stored balance, or an unsaved zero balance when the
// user has never held the asset
func (l *Ledger) GetBalance(ctx context.Context, userID, assetID string) (*types.Balance, error) {
	balance, err := l.db.GetBalance(ctx, userID, assetID)
	if err != nil {
		return nil, fmt.Errorf("get balance: %w", err)
	}
	if balance == nil {
		return &types.Balance{
			UserID:           userID,
			AssetID:          assetID,
			Balance:          decimal.Zero,
			AvailableBalance: decimal.Zero,
			LockedBalance:    decimal.Zero,
		}, nil
	}
	return balance, nil
}

func (l *Ledger) ListBalances(ctx context.Context, userID string) ([]types.Balance, error) {
	return l.db.ListBalances(ctx, userID)
}

// PaymentToken returns the settlement currency asset for chain
func (l *Ledger) PaymentToken(blockchain string) string {
	if token, ok := l.cfg.PaymentTokens[blockchain]; ok && token != "" {
		return token
	}
	return l.cfg.PaymentToken
}

// GetPaymentTokenBalance returns the user's available settlement currency on chain
func (l *Ledger) GetPaymentTokenBalance(ctx context.Context, userID, blockchain string) (decimal.Decimal, error) {
	balance, err := l.GetBalance(ctx, userID, l.PaymentToken(blockchain))
	if err != nil {
		return decimal.Zero, err
	}
	return balance.AvailableBalance, nil
}

// Lock moves qty from available to locked
func (l *Ledger) Lock(ctx context.Context, userID, assetID string, qty decimal.Decimal) error {
	return l.LockWith(ctx, []Hold{{UserID: userID, AssetID: assetID, Amount: qty}}, nil)
}

// LockAll applies every hold or none of them
func (l *Ledger) LockAll(ctx context.Context, holds []Hold) error {
	return l.LockWith(ctx, holds, nil)
}

// LockWith applies every hold and runs fn in the same transaction
func (l *Ledger) LockWith(ctx context.Context, holds []Hold, fn func(tx *gorm.DB) error) error {
	keys := make([]balanceKey, 0, len(holds))
	for _, h := range holds {
		if !validAmount(h.Amount) {
			return ErrInvalidAmount
		}
		keys = append(keys, balanceKey{h.UserID, h.AssetID})
	}

	return l.mutate(ctx, "lock", keys, fn, func(rows map[balanceKey]*types.Balance) error {
		for _, h := range holds {
			b := rows[balanceKey{h.UserID, h.AssetID}]
			if b.AvailableBalance.LessThan(h.Amount) {
				return fmt.Errorf("%w: user %s asset %s available %s, requested %s",
					ErrInsufficientAvailableBalance, h.UserID, h.AssetID, b.AvailableBalance, h.Amount)
			}
			b.AvailableBalance = b.AvailableBalance.Sub(h.Amount)
			b.LockedBalance = b.LockedBalance.Add(h.Amount)
		}
		return nil
	})
}

// Unlock releases up to qty of locked funds back to available and returns the
// amount actually released. Releasing more than is locked is clamped.
func (l *Ledger) Unlock(ctx context.Context, userID, assetID string, qty decimal.Decimal) (decimal.Decimal, error) {
	released, err := l.UnlockWith(ctx, []Hold{{UserID: userID, AssetID: assetID, Amount: qty}}, nil)
	if err != nil {
		return decimal.Zero, err
	}
	return released[0], nil
}

// UnlockAll releases every hold in one transaction, clamping each to the
// currently locked amount
func (l *Ledger) UnlockAll(ctx context.Context, holds []Hold) ([]decimal.Decimal, error) {
	return l.UnlockWith(ctx, holds, nil)
}

// UnlockWith releases every hold and runs fn in the same transaction
func (l *Ledger) UnlockWith(ctx context.Context, holds []Hold, fn func(tx *gorm.DB) error) ([]decimal.Decimal, error) {
	keys := make([]balanceKey, 0, len(holds))
	for _, h := range holds {
		if !validAmount(h.Amount) {
			return nil, ErrInvalidAmount
		}
		keys = append(keys, balanceKey{h.UserID, h.AssetID})
	}

	released := make([]decimal.Decimal, len(holds))
	err := l.mutate(ctx, "unlock", keys, fn, func(rows map[balanceKey]*types.Balance) error {
		for i, h := range holds {
			b := rows[balanceKey{h.UserID, h.AssetID}]
			amount := h.Amount
			if amount.GreaterThan(b.LockedBalance) {
				l.logger.Warn().
					Str("user_id", h.UserID).
					Str("asset_id", h.AssetID).
					Str("requested", h.Amount.String()).
					Str("locked", b.LockedBalance.String()).
					Msg("unlock exceeds locked balance, clamping")
				amount = b.LockedBalance
			}
			b.LockedBalance = b.LockedBalance.Sub(amount)
			b.AvailableBalance = b.AvailableBalance.Add(amount)
			released[i] = amount
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return released, nil
}

// Transfer moves qty of locked funds from one user to the available funds of another
func (l *Ledger) Transfer(ctx context.Context, from, to, assetID string, qty decimal.Decimal) error {
	return l.ApplyTransfers(ctx, []Transfer{{From: from, To: to, AssetID: assetID, Amount: qty}}, nil)
}

// ApplyTransfers executes every transfer atomically. When fn is non-nil it
// runs in the same transaction so callers can persist records that must
// commit together with the balance movement.
func (l *Ledger) ApplyTransfers(ctx context.Context, transfers []Transfer, fn func(tx *gorm.DB) error) error {
	keys := make([]balanceKey, 0, len(transfers)*2)
	for _, t := range transfers {
		if !validAmount(t.Amount) {
			return ErrInvalidAmount
		}
		keys = append(keys, balanceKey{t.From, t.AssetID}, balanceKey{t.To, t.AssetID})
	}

	return l.mutate(ctx, "transfer", keys, fn, func(rows map[balanceKey]*types.Balance) error {
		for _, t := range transfers {
			from := rows[balanceKey{t.From, t.AssetID}]
			if from.LockedBalance.LessThan(t.Amount) {
				return fmt.Errorf("%w: user %s asset %s locked %s, requested %s",
					ErrInsufficientLockedBalance, t.From, t.AssetID, from.LockedBalance, t.Amount)
			}
			from.LockedBalance = from.LockedBalance.Sub(t.Amount)
			from.Balance = from.Balance.Sub(t.Amount)

			to := rows[balanceKey{t.To, t.AssetID}]
			to.Balance = to.Balance.Add(t.Amount)
			to.AvailableBalance = to.AvailableBalance.Add(t.Amount)
		}
		return nil
	})
}

// Add credits amount to both balance and available
func (l *Ledger) Add(ctx context.Context, userID, assetID string, amount decimal.Decimal) error {
	return l.AddWith(ctx, userID, assetID, amount, nil)
}

// AddWith credits amount and runs fn in the same transaction
func (l *Ledger) AddWith(ctx context.Context, userID, assetID string, amount decimal.Decimal, fn func(tx *gorm.DB) error) error {
	if !validAmount(amount) {
		return ErrInvalidAmount
	}
	return l.mutate(ctx, "add", []balanceKey{{userID, assetID}}, fn, func(rows map[balanceKey]*types.Balance) error {
		b := rows[balanceKey{userID, assetID}]
		b.Balance = b.Balance.Add(amount)
		b.AvailableBalance = b.AvailableBalance.Add(amount)
		return nil
	})
}

// Subtract debits amount from both balance and available
func (l *Ledger) Subtract(ctx context.Context, userID, assetID string, amount decimal.Decimal) error {
	if !validAmount(amount) {
		return ErrInvalidAmount
	}
	return l.mutate(ctx, "subtract", []balanceKey{{userID, assetID}}, nil, func(rows map[balanceKey]*types.Balance) error {
		b := rows[balanceKey{userID, assetID}]
		if b.AvailableBalance.LessThan(amount) {
			return fmt.Errorf("%w: user %s asset %s available %s, requested %s",
				ErrInsufficientAvailableBalance, userID, assetID, b.AvailableBalance, amount)
		}
		b.Balance = b.Balance.Sub(amount)
		b.AvailableBalance = b.AvailableBalance.Sub(amount)
		return nil
	})
}

// DebitLocked removes previously locked funds from the user's holdings, as
// when a withdrawal completes
func (l *Ledger) DebitLocked(ctx context.Context, userID, assetID string, amount decimal.Decimal) error {
	return l.DebitLockedWith(ctx, userID, assetID, amount, nil)
}

// DebitLockedWith debits locked funds and runs fn in the same transaction
func (l *Ledger) DebitLockedWith(ctx context.Context, userID, assetID string, amount decimal.Decimal, fn func(tx *gorm.DB) error) error {
	if !validAmount(amount) {
		return ErrInvalidAmount
	}
	return l.mutate(ctx, "debit_locked", []balanceKey{{userID, assetID}}, fn, func(rows map[balanceKey]*types.Balance) error {
		b := rows[balanceKey{userID, assetID}]
		if b.LockedBalance.LessThan(amount) {
			return fmt.Errorf("%w: user %s asset %s locked %s, requested %s",
				ErrInsufficientLockedBalance, userID, assetID, b.LockedBalance, amount)
		}
		b.Balance = b.Balance.Sub(amount)
		b.LockedBalance = b.LockedBalance.Sub(amount)
		return nil
	})
}

// mutate locks keys in sorted order, loads their rows for update, applies
// change and persists the result. Nothing is written when change or extra fails.
func (l *Ledger) mutate(
	ctx context.Context,
	op string,
	keys []balanceKey,
	extra func(tx *gorm.DB) error,
	change func(rows map[balanceKey]*types.Balance) error,
) error {
	ordered := uniqueSorted(keys)
	names := make([]string, len(ordered))
	for i, k := range ordered {
		names[i] = k.String()
	}

	release := l.keys.LockAll(names...)
	defer release()

	var touched []types.Balance
	err := l.db.Transaction(ctx, func(tx *gorm.DB) error {
		rows := make(map[balanceKey]*types.Balance, len(ordered))
		for _, k := range ordered {
			b, err := lockBalance(tx, k.userID, k.assetID)
			if err != nil {
				return fmt.Errorf("load balance %s: %w", k, err)
			}
			rows[k] = b
		}

		if err := change(rows); err != nil {
			return err
		}

		now := time.Now()
		for _, k := range ordered {
			b := rows[k]
			if !b.Consistent() {
				return fmt.Errorf("%w: %s balance=%s available=%s locked=%s",
					errInconsistentBalance, k, b.Balance, b.AvailableBalance, b.LockedBalance)
			}
			b.UpdatedAt = now
			if err := saveBalance(tx, b); err != nil {
				return fmt.Errorf("save balance %s: %w", k, err)
			}
			touched = append(touched, *b)
		}

		if extra != nil {
			return extra(tx)
		}
		return nil
	})
	l.metrics.ObserveLedger(op, err)
	if err != nil {
		return err
	}

	for i := range touched {
		l.logger.Debug().
			Str("operation", op).
			Str("user_id", touched[i].UserID).
			Str("asset_id", touched[i].AssetID).
			Str("available", touched[i].AvailableBalance.String()).
			Str("locked", touched[i].LockedBalance.String()).
			Msg("balance updated")
		l.publisher.Publish(ctx, events.BalanceUpdated, touched[i])
	}
	return nil
}

// validAmount reports whether amount is positive and fits the storage scale
func validAmount(amount decimal.Decimal) bool {
	return amount.IsPositive() && amount.Equal(amount.Round(AmountScale))
}

func uniqueSorted(keys []balanceKey) []balanceKey {
	seen := make(map[balanceKey]struct{}, len(keys))
	out := make([]balanceKey, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].String() < out[j].String()
	})
	return out
}
