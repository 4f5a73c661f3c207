package trading

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ksred/tokex-api/internal/types"
)

var (
	ErrOrderNotFound       = errors.New("order not found")
	ErrOrderNotCancellable = errors.New("order cannot be cancelled in its current status")
	ErrUnknownAsset        = errors.New("unknown or inactive asset")
	ErrConcurrentUpdate    = errors.New("order was modified concurrently")
)

// ValidationError rejects a request before anything is persisted
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func invalid(field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

type CreateOrderRequest struct {
	AssetID    string          `json:"asset_id" binding:"required"`
	Side       types.OrderSide `json:"side" binding:"required"`
	OrderType  types.OrderType `json:"order_type"`
	Price      decimal.Decimal `json:"price"`
	Quantity   decimal.Decimal `json:"quantity"`
	Blockchain string          `json:"blockchain"`
	ExpiresAt  *time.Time      `json:"expires_at"`
}

// OrderFilter narrows order history queries. Zero values match everything.
type OrderFilter struct {
	AssetID string
	Side    types.OrderSide
	Status  []types.OrderStatus
	From    *time.Time
	To      *time.Time
	Limit   int
	Offset  int
}

type CreateAssetRequest struct {
	AssetID    string `json:"asset_id" binding:"required"`
	Symbol     string `json:"symbol" binding:"required"`
	Name       string `json:"name"`
	Blockchain string `json:"blockchain" binding:"required"`
	Active     *bool  `json:"active"`
}

const (
	idempotencyTTL      = 24 * time.Hour
	maxQuantityDecimals = 18
	defaultPageSize     = 100
	maxPageSize         = 500
)
