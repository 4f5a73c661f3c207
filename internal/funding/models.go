package funding

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/ksred/tokex-api/internal/types"
)

var (
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrInvalidTransition   = errors.New("transaction is not pending")
	ErrInvalidRequest      = errors.New("invalid funding request")
)

type DepositRequest struct {
	AssetID         string          `json:"asset_id" binding:"required"`
	Amount          decimal.Decimal `json:"amount"`
	Blockchain      string          `json:"blockchain"`
	TransactionHash string          `json:"transaction_hash"`
}

// WithdrawalRequest pays out to Address, or to the user's bound wallet on
// Blockchain when Address is empty
type WithdrawalRequest struct {
	AssetID    string          `json:"asset_id" binding:"required"`
	Amount     decimal.Decimal `json:"amount"`
	Blockchain string          `json:"blockchain"`
	Address    string          `json:"address"`
}

type CompleteRequest struct {
	TransactionHash string `json:"transaction_hash"`
}

type FailRequest struct {
	Reason string `json:"reason"`
}

type TransactionFilter struct {
	Type   types.TransactionType
	Status types.TransactionStatus
	Limit  int
	Offset int
}

const (
	defaultPageSize = 100
	maxPageSize     = 500
)
