package settlement

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ksred/tokex-api/internal/blockchain"
	"github.com/ksred/tokex-api/internal/events"
	"github.com/ksred/tokex-api/internal/ledger"
	"github.com/ksred/tokex-api/internal/testutil"
	"github.com/ksred/tokex-api/internal/types"
	"github.com/ksred/tokex-api/internal/wallet"
)

var dec = testutil.Dec

type fakeProvider struct {
	mu          sync.Mutex
	executeErrs []error
	keys        []string
	txState     blockchain.TxState
	hang        bool
}

func (f *fakeProvider) ExecuteTransfer(ctx context.Context, req blockchain.TransferRequest) (*blockchain.TransferReceipt, error) {
	f.mu.Lock()
	f.keys = append(f.keys, req.IdempotencyKey)
	var err error
	if len(f.executeErrs) > 0 {
		err = f.executeErrs[0]
		f.executeErrs = f.executeErrs[1:]
	}
	hang := f.hang
	f.mu.Unlock()

	if hang {
		<-ctx.Done()
		return nil, fmt.Errorf("%w: %v", blockchain.ErrTransient, ctx.Err())
	}
	if err != nil {
		return nil, err
	}
	return &blockchain.TransferReceipt{TransactionHash: "0x" + req.IdempotencyKey}, nil
}

func (f *fakeProvider) GetTransaction(ctx context.Context, hash, chain string) (*blockchain.TransactionStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status := &blockchain.TransactionStatus{TransactionHash: hash, Status: f.txState}
	if f.txState == blockchain.TxConfirmed {
		block := uint64(77)
		status.BlockNumber = &block
		status.Confirmations = 1
	}
	return status, nil
}

func (f *fakeProvider) setState(s blockchain.TxState) {
	f.mu.Lock()
	f.txState = s
	f.mu.Unlock()
}

func (f *fakeProvider) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.keys...)
}

type fixture struct {
	db          *gorm.DB
	ledger      *ledger.Ledger
	provider    *fakeProvider
	recorder    *events.Recorder
	coordinator *Coordinator
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	db := testutil.NewDB(t)
	rec := &events.Recorder{}
	l := ledger.NewLedger(db, rec, nil, ledger.Config{PaymentToken: "USDC"})
	provider := &fakeProvider{txState: blockchain.TxConfirmed}

	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.FeePercentage.IsZero() {
		cfg.FeePercentage = dec("0.25")
	}
	cfg.ConfirmationInterval = 5 * time.Millisecond

	testutil.SeedWallet(t, db, "alice", "polygon")
	testutil.SeedWallet(t, db, "bob", "polygon")

	return &fixture{
		db:          db,
		ledger:      l,
		provider:    provider,
		recorder:    rec,
		coordinator: NewCoordinator(db, l, wallet.NewStore(db), provider, rec, nil, cfg),
	}
}

func (f *fixture) fund(t *testing.T, user, asset, amount string) {
	t.Helper()
	require.NoError(t, f.ledger.Add(context.Background(), user, asset, dec(amount)))
}

func (f *fixture) balance(t *testing.T, user, asset string) *types.Balance {
	t.Helper()
	b, err := f.ledger.GetBalance(context.Background(), user, asset)
	require.NoError(t, err)
	require.True(t, b.Consistent())
	return b
}

func orders(qty string) (*types.Order, *types.Order) {
	buy := &types.Order{OrderID: "buy-1", UserID: "bob", AssetID: "GOLD", Side: types.SideBuy, Blockchain: "polygon", Quantity: dec(qty)}
	sell := &types.Order{OrderID: "sell-1", UserID: "alice", AssetID: "GOLD", Side: types.SideSell, Blockchain: "polygon", Quantity: dec(qty)}
	return buy, sell
}

func TestExecuteFill_Success(t *testing.T) {
	f := newFixture(t, Config{ConfirmationTimeout: time.Second})
	f.fund(t, "alice", "GOLD", "100")
	f.fund(t, "bob", "USDC", "1000")

	buy, sell := orders("50")
	trade, err := f.coordinator.ExecuteFill(context.Background(), buy, sell, dec("50"), dec("10"))
	require.NoError(t, err)

	assert.Equal(t, types.TradeStatusCompleted, trade.Status)
	assert.Equal(t, types.SettlementStatusSettled, trade.SettlementStatus)
	assert.True(t, trade.TotalValue.Equal(dec("500")))
	assert.True(t, trade.FeeAmount.Equal(dec("1.25")))
	assert.Equal(t, "0x"+trade.TradeID, trade.TransactionHash)
	require.NotNil(t, trade.BlockNumber)
	assert.NotNil(t, trade.ConfirmedAt)

	sellerGold := f.balance(t, "alice", "GOLD")
	assert.True(t, sellerGold.Balance.Equal(dec("50")))
	assert.True(t, sellerGold.LockedBalance.IsZero())
	assert.True(t, f.balance(t, "bob", "GOLD").AvailableBalance.Equal(dec("50")))
	assert.True(t, f.balance(t, "alice", "USDC").AvailableBalance.Equal(dec("500")))
	buyerUSDC := f.balance(t, "bob", "USDC")
	assert.True(t, buyerUSDC.Balance.Equal(dec("500")))
	assert.True(t, buyerUSDC.LockedBalance.IsZero())

	stored, err := NewDatabase(f.db).GetTrade(context.Background(), trade.TradeID)
	require.NoError(t, err)
	assert.Equal(t, types.SettlementStatusSettled, stored.SettlementStatus)

	assert.Equal(t, 1, f.recorder.Count(events.TradeExecuted))
	assert.Equal(t, 1, f.recorder.Count(events.TradeConfirmed))
}

func TestExecuteFill_SettlementFailureRollsBack(t *testing.T) {
	f := newFixture(t, Config{})
	f.fund(t, "alice", "GOLD", "100")
	f.fund(t, "bob", "USDC", "1000")
	f.provider.executeErrs = []error{fmt.Errorf("%w: insufficient gas", blockchain.ErrRejected)}

	buy, sell := orders("50")
	trade, err := f.coordinator.ExecuteFill(context.Background(), buy, sell, dec("50"), dec("10"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSettlementFailed)
	assert.True(t, IsFillError(err))

	require.NotNil(t, trade)
	assert.Equal(t, types.TradeStatusFailed, trade.Status)
	assert.Equal(t, types.SettlementStatusFailed, trade.SettlementStatus)
	assert.NotEmpty(t, trade.FailureReason)
	assert.Len(t, f.provider.calls(), 1)

	seller := f.balance(t, "alice", "GOLD")
	assert.True(t, seller.AvailableBalance.Equal(dec("100")))
	assert.True(t, seller.LockedBalance.IsZero())
	buyer := f.balance(t, "bob", "USDC")
	assert.True(t, buyer.AvailableBalance.Equal(dec("1000")))
	assert.True(t, buyer.LockedBalance.IsZero())

	assert.Equal(t, 1, f.recorder.Count(events.TradeFailed))
}

func TestExecuteFill_RetriesTransientErrors(t *testing.T) {
	f := newFixture(t, Config{MaxAttempts: 3, RetryBackoff: time.Millisecond})
	f.fund(t, "alice", "GOLD", "10")
	f.fund(t, "bob", "USDC", "100")
	f.provider.executeErrs = []error{blockchain.ErrTransient, blockchain.ErrTransient}

	buy, sell := orders("5")
	trade, err := f.coordinator.ExecuteFill(context.Background(), buy, sell, dec("5"), dec("2"))
	require.NoError(t, err)

	keys := f.provider.calls()
	require.Len(t, keys, 3)
	for _, k := range keys {
		assert.Equal(t, trade.TradeID, k)
	}
	assert.Equal(t, types.TradeStatusCompleted, trade.Status)
	assert.Equal(t, types.SettlementStatusPending, trade.SettlementStatus)
}

func TestExecuteFill_TimeoutIsFailure(t *testing.T) {
	f := newFixture(t, Config{Timeout: 20 * time.Millisecond, MaxAttempts: 1})
	f.fund(t, "alice", "GOLD", "10")
	f.fund(t, "bob", "USDC", "100")
	f.provider.hang = true

	buy, sell := orders("5")
	_, err := f.coordinator.ExecuteFill(context.Background(), buy, sell, dec("5"), dec("2"))
	assert.ErrorIs(t, err, ErrSettlementFailed)

	seller := f.balance(t, "alice", "GOLD")
	assert.True(t, seller.AvailableBalance.Equal(dec("10")))
	assert.True(t, seller.LockedBalance.IsZero())
}

func TestExecuteFill_SellerInsufficientBalance(t *testing.T) {
	f := newFixture(t, Config{})
	f.fund(t, "alice", "GOLD", "10")
	f.fund(t, "bob", "USDC", "1000")

	buy, sell := orders("11")
	trade, err := f.coordinator.ExecuteFill(context.Background(), buy, sell, dec("11"), dec("10"))
	assert.ErrorIs(t, err, ErrSellerInsufficientBalance)
	assert.True(t, IsFillError(err))
	assert.Nil(t, trade)
	assert.Empty(t, f.provider.calls())

	seller := f.balance(t, "alice", "GOLD")
	assert.True(t, seller.AvailableBalance.Equal(dec("10")))
	assert.True(t, seller.LockedBalance.IsZero())

	var count int64
	require.NoError(t, f.db.Model(&types.Trade{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestExecuteFill_BuyerInsufficientPayment(t *testing.T) {
	f := newFixture(t, Config{})
	f.fund(t, "alice", "GOLD", "10")
	f.fund(t, "bob", "USDC", "49.99")

	buy, sell := orders("5")
	_, err := f.coordinator.ExecuteFill(context.Background(), buy, sell, dec("5"), dec("10"))
	assert.ErrorIs(t, err, ErrBuyerInsufficientPaymentBalance)
	assert.True(t, f.balance(t, "alice", "GOLD").LockedBalance.IsZero())
}

func TestExecuteFill_MissingWallet(t *testing.T) {
	f := newFixture(t, Config{})
	f.fund(t, "carol", "GOLD", "10")
	f.fund(t, "bob", "USDC", "100")

	buy, sell := orders("5")
	sell.UserID = "carol"
	_, err := f.coordinator.ExecuteFill(context.Background(), buy, sell, dec("5"), dec("10"))
	assert.ErrorIs(t, err, ErrMissingWalletBinding)
	assert.True(t, IsFillError(err))
	assert.True(t, f.balance(t, "carol", "GOLD").LockedBalance.IsZero())
}

func TestCheckConfirmation_OnChainFailure(t *testing.T) {
	f := newFixture(t, Config{})
	f.fund(t, "alice", "GOLD", "10")
	f.fund(t, "bob", "USDC", "100")
	f.provider.setState(blockchain.TxFailed)

	buy, sell := orders("5")
	trade, err := f.coordinator.ExecuteFill(context.Background(), buy, sell, dec("5"), dec("10"))
	require.NoError(t, err)
	assert.Equal(t, types.SettlementStatusPending, trade.SettlementStatus)

	done, err := f.coordinator.CheckConfirmation(context.Background(), trade)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, types.TradeStatusFailed, trade.Status)
	assert.Equal(t, types.SettlementStatusFailed, trade.SettlementStatus)
	assert.Equal(t, 1, f.recorder.Count(events.TradeSettlementFailed))

	// ledger transfer is not reversed automatically
	assert.True(t, f.balance(t, "bob", "GOLD").Balance.Equal(dec("5")))
}

func TestProcessor_ReconcilesPendingTrades(t *testing.T) {
	f := newFixture(t, Config{})
	f.fund(t, "alice", "GOLD", "10")
	f.fund(t, "bob", "USDC", "100")
	f.provider.setState(blockchain.TxPending)

	buy, sell := orders("5")
	trade, err := f.coordinator.ExecuteFill(context.Background(), buy, sell, dec("5"), dec("10"))
	require.NoError(t, err)

	processor := NewProcessor(f.coordinator, time.Minute, time.Minute)
	resolved, err := processor.ProcessPendingSettlements(context.Background())
	require.NoError(t, err)
	assert.Zero(t, resolved)

	f.provider.setState(blockchain.TxConfirmed)
	resolved, err = processor.ProcessPendingSettlements(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, resolved)

	stored, err := NewDatabase(f.db).GetTrade(context.Background(), trade.TradeID)
	require.NoError(t, err)
	assert.Equal(t, types.SettlementStatusSettled, stored.SettlementStatus)
	require.NotNil(t, stored.BlockNumber)
	assert.Equal(t, uint64(77), *stored.BlockNumber)
}

func TestService_TradeVisibility(t *testing.T) {
	f := newFixture(t, Config{})
	f.fund(t, "alice", "GOLD", "10")
	f.fund(t, "bob", "USDC", "100")

	buy, sell := orders("5")
	trade, err := f.coordinator.ExecuteFill(context.Background(), buy, sell, dec("5"), dec("10"))
	require.NoError(t, err)

	svc := NewService(f.db)
	got, err := svc.GetTrade(context.Background(), trade.TradeID, "alice")
	require.NoError(t, err)
	assert.Equal(t, trade.TradeID, got.TradeID)

	_, err = svc.GetTrade(context.Background(), trade.TradeID, "mallory")
	assert.ErrorIs(t, err, ErrTradeNotFound)

	list, err := svc.ListTrades(context.Background(), "bob", TradeFilter{})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestIsFillError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"seller", fmt.Errorf("wrap: %w", ErrSellerInsufficientBalance), true},
		{"ledger lock", fmt.Errorf("reserve: %w", ledger.ErrInsufficientAvailableBalance), true},
		{"settlement", ErrSettlementFailed, true},
		{"wallet", wallet.ErrMissingWalletBinding, true},
		{"below minimum", ErrFillBelowMinimum, true},
		{"reconciliation", fmt.Errorf("%w: %v", ErrReconciliationRequired, ledger.ErrInsufficientLockedBalance), false},
		{"storage", gorm.ErrInvalidDB, false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsFillError(tt.err))
		})
	}
}

// rejectingLedger fails every transfer after the fill's holds were taken
type rejectingLedger struct {
	*ledger.Ledger
	err error
}

func (r rejectingLedger) ApplyTransfers(context.Context, []ledger.Transfer, func(tx *gorm.DB) error) error {
	return r.err
}

func TestExecuteFill_LedgerFailureAfterAcceptance(t *testing.T) {
	f := newFixture(t, Config{})
	f.fund(t, "alice", "GOLD", "100")
	f.fund(t, "bob", "USDC", "1000")

	broken := rejectingLedger{
		Ledger: f.ledger,
		err:    fmt.Errorf("%w: user alice asset GOLD locked 4.9, requested 5", ledger.ErrInsufficientLockedBalance),
	}
	coordinator := NewCoordinator(f.db, broken, wallet.NewStore(f.db), f.provider, f.recorder, nil,
		Config{MaxAttempts: 1, FeePercentage: dec("0.25")})

	buy, sell := orders("5")
	trade, err := coordinator.ExecuteFill(context.Background(), buy, sell, dec("5"), dec("2"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrReconciliationRequired)
	assert.NotErrorIs(t, err, ledger.ErrInsufficientLockedBalance)
	assert.False(t, IsFillError(err))
	assert.Len(t, f.provider.calls(), 1)

	require.NotNil(t, trade)
	stored, err := NewDatabase(f.db).GetTrade(context.Background(), trade.TradeID)
	require.NoError(t, err)
	assert.Equal(t, "0x"+trade.TradeID, stored.TransactionHash)
	assert.Equal(t, types.TradeStatusPending, stored.Status)
	assert.Equal(t, types.SettlementStatusPending, stored.SettlementStatus)
	assert.Contains(t, stored.FailureReason, "ledger update failed")

	// The holds stay in place until the trade is reconciled by hand
	seller := f.balance(t, "alice", "GOLD")
	assert.True(t, seller.AvailableBalance.Equal(dec("95")))
	assert.True(t, seller.LockedBalance.Equal(dec("5")))
	buyer := f.balance(t, "bob", "USDC")
	assert.True(t, buyer.AvailableBalance.Equal(dec("990")))
	assert.True(t, buyer.LockedBalance.Equal(dec("10")))

	assert.Equal(t, 1, f.recorder.Count(events.TradeSettlementFailed))
	assert.Zero(t, f.recorder.Count(events.TradeExecuted))
}

func TestExecuteFill_PaymentRoundedToLedgerScale(t *testing.T) {
	f := newFixture(t, Config{})
	f.fund(t, "alice", "GOLD", "1")
	f.fund(t, "bob", "USDC", "1")

	qty, price := dec("0.123456789"), dec("0.123456789123456789")
	want := qty.Mul(price).Round(ledger.AmountScale)

	buy, sell := orders("0.123456789")
	trade, err := f.coordinator.ExecuteFill(context.Background(), buy, sell, qty, price)
	require.NoError(t, err)
	assert.True(t, trade.TotalValue.Equal(want), "total %s want %s", trade.TotalValue, want)

	buyer := f.balance(t, "bob", "USDC")
	assert.True(t, buyer.Balance.Equal(dec("1").Sub(want)))
	assert.True(t, buyer.LockedBalance.IsZero())
	seller := f.balance(t, "alice", "USDC")
	assert.True(t, seller.AvailableBalance.Equal(want))
	assert.True(t, f.balance(t, "bob", "GOLD").AvailableBalance.Equal(qty))
}

func TestExecuteFill_RejectsValueBelowLedgerScale(t *testing.T) {
	f := newFixture(t, Config{})
	f.fund(t, "alice", "GOLD", "1")
	f.fund(t, "bob", "USDC", "1")

	buy, sell := orders("0.1")
	_, err := f.coordinator.ExecuteFill(context.Background(), buy, sell, dec("0.1"), dec("0.000000000000000001"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFillBelowMinimum)
	assert.True(t, IsFillError(err))
	assert.Empty(t, f.provider.calls())

	seller := f.balance(t, "alice", "GOLD")
	assert.True(t, seller.AvailableBalance.Equal(dec("1")))
	assert.True(t, seller.LockedBalance.IsZero())
}
