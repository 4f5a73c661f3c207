// Package blockchain defines the settlement network contract and its
// implementations. The trading core only sees Provider.
package blockchain

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrTransient marks failures where the provider gave no definitive answer
	// and the transfer may be retried with the same idempotency key
	ErrTransient = errors.New("transient provider failure")
	// ErrRejected marks an explicit refusal; retrying will not help
	ErrRejected            = errors.New("transfer rejected by provider")
	ErrTransactionNotFound = errors.New("transaction not found")
)

type TxState string

const (
	TxPending   TxState = "pending"
	TxConfirmed TxState = "confirmed"
	TxFailed    TxState = "failed"
)

type TransferRequest struct {
	From           string          `json:"from"`
	To             string          `json:"to"`
	AssetID        string          `json:"asset_id"`
	Amount         decimal.Decimal `json:"amount"`
	Blockchain     string          `json:"blockchain"`
	IdempotencyKey string          `json:"idempotency_key"`
}

type TransferReceipt struct {
	TransactionHash string `json:"transaction_hash"`
}

type TransactionStatus struct {
	TransactionHash string  `json:"transaction_hash"`
	Status          TxState `json:"status"`
	BlockNumber     *uint64 `json:"block_number,omitempty"`
	Confirmations   int     `json:"confirmations"`
}

type Provider interface {
	ExecuteTransfer(ctx context.Context, req TransferRequest) (*TransferReceipt, error)
	GetTransaction(ctx context.Context, hash, blockchain string) (*TransactionStatus, error)
}

// IsRetryable reports whether a failed ExecuteTransfer may be attempted again
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient)
}
