package blockchain

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func transferRequest(key string) TransferRequest {
	return TransferRequest{
		From:           "0xseller",
		To:             "0xbuyer",
		AssetID:        "GOLD",
		Amount:         decimal.NewFromInt(5),
		Blockchain:     "polygon",
		IdempotencyKey: key,
	}
}

func TestSimulatedProvider_ConfirmsAfterDelay(t *testing.T) {
	p := NewSimulatedProvider(SimulatedConfig{SuccessRate: 1, ConfirmationDelay: 20 * time.Millisecond})
	ctx := context.Background()

	receipt, err := p.ExecuteTransfer(ctx, transferRequest("trade-1"))
	require.NoError(t, err)
	assert.Len(t, receipt.TransactionHash, 66)

	status, err := p.GetTransaction(ctx, receipt.TransactionHash, "polygon")
	require.NoError(t, err)
	assert.Equal(t, TxPending, status.Status)

	require.Eventually(t, func() bool {
		status, err := p.GetTransaction(ctx, receipt.TransactionHash, "polygon")
		return err == nil && status.Status == TxConfirmed && status.BlockNumber != nil
	}, time.Second, 5*time.Millisecond)
}

func TestSimulatedProvider_IdempotentReplay(t *testing.T) {
	p := NewSimulatedProvider(SimulatedConfig{SuccessRate: 1})
	ctx := context.Background()

	first, err := p.ExecuteTransfer(ctx, transferRequest("trade-1"))
	require.NoError(t, err)
	second, err := p.ExecuteTransfer(ctx, transferRequest("trade-1"))
	require.NoError(t, err)
	assert.Equal(t, first.TransactionHash, second.TransactionHash)

	third, err := p.ExecuteTransfer(ctx, transferRequest("trade-2"))
	require.NoError(t, err)
	assert.NotEqual(t, first.TransactionHash, third.TransactionHash)
}

func TestSimulatedProvider_Failures(t *testing.T) {
	p := NewSimulatedProvider(SimulatedConfig{SuccessRate: 0})
	_, err := p.ExecuteTransfer(context.Background(), transferRequest("trade-1"))
	require.Error(t, err)
	assert.True(t, IsRetryable(err) || errors.Is(err, ErrRejected))
}

func TestSimulatedProvider_Revert(t *testing.T) {
	p := NewSimulatedProvider(SimulatedConfig{SuccessRate: 1, RevertRate: 1})
	ctx := context.Background()

	receipt, err := p.ExecuteTransfer(ctx, transferRequest("trade-1"))
	require.NoError(t, err)
	status, err := p.GetTransaction(ctx, receipt.TransactionHash, "polygon")
	require.NoError(t, err)
	assert.Equal(t, TxFailed, status.Status)
}

func TestSimulatedProvider_UnknownHash(t *testing.T) {
	p := NewSimulatedProvider(SimulatedConfig{SuccessRate: 1})
	_, err := p.GetTransaction(context.Background(), "0xdead", "polygon")
	assert.ErrorIs(t, err, ErrTransactionNotFound)
}

func TestSimulatedProvider_ContextCancelled(t *testing.T) {
	p := NewSimulatedProvider(SimulatedConfig{SuccessRate: 1, MinLatency: time.Second, MaxLatency: time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := p.ExecuteTransfer(ctx, transferRequest("trade-1"))
	assert.True(t, IsRetryable(err))
}

func TestHTTPProvider(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/transfers":
			assert.Equal(t, "trade-1", r.Header.Get("Idempotency-Key"))
			assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
			var req TransferRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.True(t, req.Amount.Equal(decimal.NewFromInt(5)))
			_ = json.NewEncoder(w).Encode(TransferReceipt{TransactionHash: "0xabc"})
		case r.URL.Path == "/v1/transactions/polygon/0xabc":
			block := uint64(42)
			_ = json.NewEncoder(w).Encode(TransactionStatus{Status: TxConfirmed, BlockNumber: &block, Confirmations: 3})
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	p := NewHTTPProvider(HTTPConfig{BaseURL: server.URL, APIKey: "secret"})
	ctx := context.Background()

	receipt, err := p.ExecuteTransfer(ctx, transferRequest("trade-1"))
	require.NoError(t, err)
	assert.Equal(t, "0xabc", receipt.TransactionHash)

	status, err := p.GetTransaction(ctx, "0xabc", "polygon")
	require.NoError(t, err)
	assert.Equal(t, TxConfirmed, status.Status)
	require.NotNil(t, status.BlockNumber)
	assert.Equal(t, uint64(42), *status.BlockNumber)
	assert.Equal(t, "0xabc", status.TransactionHash)

	_, err = p.GetTransaction(ctx, "0xmissing", "polygon")
	assert.ErrorIs(t, err, ErrTransactionNotFound)
}

func TestHTTPProvider_ErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		retryable bool
	}{
		{"server error", http.StatusBadGateway, true},
		{"throttled", http.StatusTooManyRequests, true},
		{"bad request", http.StatusBadRequest, false},
		{"conflict", http.StatusConflict, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			_, err := NewHTTPProvider(HTTPConfig{BaseURL: server.URL}).ExecuteTransfer(context.Background(), transferRequest("k"))
			require.Error(t, err)
			assert.Equal(t, tt.retryable, IsRetryable(err))
			if !tt.retryable {
				assert.ErrorIs(t, err, ErrRejected)
			}
		})
	}
}
