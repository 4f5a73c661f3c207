package funding

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/tokex-api/internal/events"
	"github.com/ksred/tokex-api/internal/ledger"
	"github.com/ksred/tokex-api/internal/testutil"
	"github.com/ksred/tokex-api/internal/types"
	"github.com/ksred/tokex-api/internal/wallet"
	"github.com/ksred/tokex-api/pkg/middleware"
)

var dec = testutil.Dec

func newTestService(t *testing.T) (*Service, *ledger.Ledger, *events.Recorder) {
	t.Helper()
	db := testutil.NewDB(t)
	rec := &events.Recorder{}
	l := ledger.NewLedger(db, rec, nil, ledger.Config{PaymentToken: "USDC"})
	testutil.SeedWallet(t, db, "alice", "polygon")
	return NewService(db, l, wallet.NewStore(db), rec), l, rec
}

func requireBalance(t *testing.T, l *ledger.Ledger, user, asset, balance, available, locked string) {
	t.Helper()
	b, err := l.GetBalance(context.Background(), user, asset)
	require.NoError(t, err)
	assert.True(t, b.Balance.Equal(dec(balance)), "balance %s", b.Balance)
	assert.True(t, b.AvailableBalance.Equal(dec(available)), "available %s", b.AvailableBalance)
	assert.True(t, b.LockedBalance.Equal(dec(locked)), "locked %s", b.LockedBalance)
}

func TestDeposit_CompleteCreditsOnce(t *testing.T) {
	svc, l, rec := newTestService(t)
	ctx := context.Background()

	txn, err := svc.RequestDeposit(ctx, "alice", DepositRequest{AssetID: "USDC", Amount: dec("250")})
	require.NoError(t, err)
	assert.Equal(t, types.TransactionStatusPending, txn.Status)
	requireBalance(t, l, "alice", "USDC", "0", "0", "0")

	done, err := svc.Complete(ctx, txn.TransactionID, "0xdep")
	require.NoError(t, err)
	assert.Equal(t, types.TransactionStatusCompleted, done.Status)
	assert.NotNil(t, done.CompletedAt)
	requireBalance(t, l, "alice", "USDC", "250", "250", "0")

	_, err = svc.Complete(ctx, txn.TransactionID, "0xdep")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	requireBalance(t, l, "alice", "USDC", "250", "250", "0")

	assert.Equal(t, 2, rec.Count(events.TransactionUpdated))
}

func TestDeposit_ConcurrentCompletesCreditOnce(t *testing.T) {
	svc, l, _ := newTestService(t)
	ctx := context.Background()

	txn, err := svc.RequestDeposit(ctx, "alice", DepositRequest{AssetID: "USDC", Amount: dec("10")})
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Complete(ctx, txn.TransactionID, "")
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, ErrInvalidTransition)
		}
	}
	assert.Equal(t, 1, succeeded)
	requireBalance(t, l, "alice", "USDC", "10", "10", "0")
}

func TestDeposit_FailAndCancel(t *testing.T) {
	svc, l, _ := newTestService(t)
	ctx := context.Background()

	txn, err := svc.RequestDeposit(ctx, "alice", DepositRequest{AssetID: "USDC", Amount: dec("10")})
	require.NoError(t, err)

	_, err = svc.Cancel(ctx, txn.TransactionID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	failed, err := svc.Fail(ctx, txn.TransactionID, "never arrived")
	require.NoError(t, err)
	assert.Equal(t, types.TransactionStatusFailed, failed.Status)
	assert.Equal(t, "never arrived", failed.FailureReason)
	requireBalance(t, l, "alice", "USDC", "0", "0", "0")
}

func TestWithdrawal_Lifecycle(t *testing.T) {
	svc, l, _ := newTestService(t)
	ctx := context.Background()
	require.NoError(t, l.Add(ctx, "alice", "USDC", dec("100")))

	txn, err := svc.RequestWithdrawal(ctx, "alice", WithdrawalRequest{AssetID: "USDC", Amount: dec("40"), Blockchain: "polygon"})
	require.NoError(t, err)
	assert.Equal(t, "0xalice", txn.Address)
	requireBalance(t, l, "alice", "USDC", "100", "60", "40")

	_, err = svc.Complete(ctx, txn.TransactionID, "0xout")
	require.NoError(t, err)
	requireBalance(t, l, "alice", "USDC", "60", "60", "0")

	second, err := svc.RequestWithdrawal(ctx, "alice", WithdrawalRequest{AssetID: "USDC", Amount: dec("20"), Address: "0xexternal"})
	require.NoError(t, err)
	requireBalance(t, l, "alice", "USDC", "60", "40", "20")

	cancelled, err := svc.Cancel(ctx, second.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, types.TransactionStatusCancelled, cancelled.Status)
	requireBalance(t, l, "alice", "USDC", "60", "60", "0")

	third, err := svc.RequestWithdrawal(ctx, "alice", WithdrawalRequest{AssetID: "USDC", Amount: dec("5"), Address: "0xexternal"})
	require.NoError(t, err)
	_, err = svc.Fail(ctx, third.TransactionID, "rejected by network")
	require.NoError(t, err)
	requireBalance(t, l, "alice", "USDC", "60", "60", "0")

	txns, err := svc.ListTransactions(ctx, "alice", TransactionFilter{Type: types.TransactionTypeWithdrawal})
	require.NoError(t, err)
	assert.Len(t, txns, 3)
}

func TestWithdrawal_Rejections(t *testing.T) {
	svc, l, _ := newTestService(t)
	ctx := context.Background()
	require.NoError(t, l.Add(ctx, "alice", "USDC", dec("10")))

	_, err := svc.RequestWithdrawal(ctx, "alice", WithdrawalRequest{AssetID: "USDC", Amount: dec("11"), Address: "0x1"})
	assert.ErrorIs(t, err, ledger.ErrInsufficientAvailableBalance)

	_, err = svc.RequestWithdrawal(ctx, "alice", WithdrawalRequest{AssetID: "USDC", Amount: dec("1"), Blockchain: "solana"})
	assert.ErrorIs(t, err, wallet.ErrMissingWalletBinding)

	_, err = svc.RequestWithdrawal(ctx, "alice", WithdrawalRequest{AssetID: "USDC", Amount: dec("1")})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = svc.RequestWithdrawal(ctx, "alice", WithdrawalRequest{AssetID: "USDC", Amount: dec("0"), Address: "0x1"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = svc.RequestWithdrawal(ctx, "alice", WithdrawalRequest{AssetID: "USDC", Amount: dec("0.0000000000000000001"), Address: "0x1"})
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)

	_, err = svc.RequestDeposit(ctx, "alice", DepositRequest{AssetID: "USDC", Amount: dec("0.0000000000000000001")})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	txns, err := svc.ListTransactions(ctx, "alice", TransactionFilter{})
	require.NoError(t, err)
	assert.Empty(t, txns)
	requireBalance(t, l, "alice", "USDC", "10", "10", "0")
}

func TestHandlers_StatusCodes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc, l, _ := newTestService(t)
	require.NoError(t, l.Add(context.Background(), "alice", "USDC", dec("5")))
	h := NewGinHandlers(svc)

	router := gin.New()
	router.Use(func(c *gin.Context) {
		c.Set(middleware.UserIDKey, "alice")
		c.Next()
	})
	router.POST("/deposits", h.DepositHandler())
	router.POST("/withdrawals", h.WithdrawHandler())
	router.GET("/transactions/:transaction_id", h.GetTransactionHandler())
	router.POST("/internal/:transaction_id/complete", h.CompleteHandler())

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"deposit", http.MethodPost, "/deposits", `{"asset_id":"USDC","amount":"5"}`, http.StatusCreated},
		{"zero deposit", http.MethodPost, "/deposits", `{"asset_id":"USDC","amount":"0"}`, http.StatusBadRequest},
		{"overdrawn", http.MethodPost, "/withdrawals", `{"asset_id":"USDC","amount":"50","address":"0x1"}`, http.StatusUnprocessableEntity},
		{"unknown", http.MethodGet, "/transactions/nope", "", http.StatusNotFound},
		{"complete unknown", http.MethodPost, "/internal/nope/complete", "", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}
