package types

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

// Opposite returns the side an order of this side trades against
func (s OrderSide) Opposite() OrderSide {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"
	OrderTypeMarket OrderType = "market"
)

type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusOpen            OrderStatus = "open"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are allowed from s
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusFilled || s == OrderStatusCancelled
}

// Cancellable reports whether a user or admin may cancel an order in status s
func (s OrderStatus) Cancellable() bool {
	return s == OrderStatusPending || s == OrderStatusOpen || s == OrderStatusPartiallyFilled
}

type Order struct {
	ID                uint            `gorm:"primaryKey" json:"-"`
	OrderID           string          `gorm:"uniqueIndex;size:64;not null" json:"order_id"`
	UserID            string          `gorm:"index;size:64;not null" json:"user_id"`
	AssetID           string          `gorm:"index;size:64;not null" json:"asset_id"`
	Side              OrderSide       `gorm:"size:8;not null" json:"side"`
	OrderType         OrderType       `gorm:"size:8;not null" json:"order_type"`
	Status            OrderStatus     `gorm:"index;size:24;not null" json:"status"`
	Price             decimal.Decimal `gorm:"type:decimal(36,18);not null" json:"price"`
	Quantity          decimal.Decimal `gorm:"type:decimal(36,18);not null" json:"quantity"`
	FilledQuantity    decimal.Decimal `gorm:"type:decimal(36,18);not null" json:"filled_quantity"`
	RemainingQuantity decimal.Decimal `gorm:"type:decimal(36,18);not null" json:"remaining_quantity"`
	Blockchain        string          `gorm:"size:32" json:"blockchain"`
	ExpiresAt         *time.Time      `json:"expires_at,omitempty"`
	TransactionHash   string          `gorm:"size:128" json:"transaction_hash,omitempty"`
	Version           int             `gorm:"not null;default:1" json:"-"`
	CreatedAt         time.Time       `gorm:"index" json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	FilledAt          *time.Time      `json:"filled_at,omitempty"`
}

// IsMarket reports whether the order executes at any available price
func (o *Order) IsMarket() bool {
	return o.OrderType == OrderTypeMarket
}

// Expired reports whether the order's expiry has passed at now
func (o *Order) Expired(now time.Time) bool {
	return o.ExpiresAt != nil && !o.ExpiresAt.After(now)
}

// ApplyFill adds qty to the filled quantity and recomputes remaining quantity and
// status. The caller must ensure qty does not exceed the remaining quantity.
func (o *Order) ApplyFill(qty decimal.Decimal, now time.Time) {
	o.FilledQuantity = o.FilledQuantity.Add(qty)
	o.RemainingQuantity = o.Quantity.Sub(o.FilledQuantity)
	if o.RemainingQuantity.IsNegative() {
		o.RemainingQuantity = decimal.Zero
	}
	o.Status = StatusForQuantities(o.Quantity, o.FilledQuantity)
	if o.Status == OrderStatusFilled && o.FilledAt == nil {
		filledAt := now
		o.FilledAt = &filledAt
	}
	o.UpdatedAt = now
}

// StatusForQuantities derives the non-terminal fill status from quantities.
// A zero fill maps to open.
func StatusForQuantities(total, filled decimal.Decimal) OrderStatus {
	switch {
	case filled.IsZero():
		return OrderStatusOpen
	case filled.GreaterThanOrEqual(total):
		return OrderStatusFilled
	default:
		return OrderStatusPartiallyFilled
	}
}

type IdempotencyRecord struct {
	ID             uint      `gorm:"primaryKey" json:"-"`
	IdempotencyKey string    `gorm:"uniqueIndex;size:128" json:"idempotency_key"`
	ResourceID     string    `json:"resource_id"`
	ResourceType   string    `json:"resource_type"`
	ExpiresAt      time.Time `json:"expires_at"`
	CreatedAt      time.Time `json:"created_at"`
}

// EventKey partitions order events by order
func (o Order) EventKey() string { return o.OrderID }
