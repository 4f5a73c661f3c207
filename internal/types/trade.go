package types

import (
	"time"

	"github.com/shopspring/decimal"
)

type TradeStatus string

const (
	TradeStatusPending   TradeStatus = "pending"
	TradeStatusCompleted TradeStatus = "completed"
	TradeStatusFailed    TradeStatus = "failed"
)

type SettlementStatus string

const (
	SettlementStatusPending SettlementStatus = "pending"
	SettlementStatusSettled SettlementStatus = "settled"
	SettlementStatusFailed  SettlementStatus = "failed"
)

type Trade struct {
	ID               uint             `gorm:"primaryKey" json:"-"`
	TradeID          string           `gorm:"uniqueIndex;size:64;not null" json:"trade_id"`
	BuyerID          string           `gorm:"index;size:64;not null" json:"buyer_id"`
	SellerID         string           `gorm:"index;size:64;not null" json:"seller_id"`
	AssetID          string           `gorm:"index;size:64;not null" json:"asset_id"`
	BuyOrderID       string           `gorm:"index;size:64;not null" json:"buy_order_id"`
	SellOrderID      string           `gorm:"index;size:64;not null" json:"sell_order_id"`
	Quantity         decimal.Decimal  `gorm:"type:decimal(36,18);not null" json:"quantity"`
	PricePerUnit     decimal.Decimal  `gorm:"type:decimal(36,18);not null" json:"price_per_unit"`
	TotalValue       decimal.Decimal  `gorm:"type:decimal(36,18);not null" json:"total_value"`
	FeeAmount        decimal.Decimal  `gorm:"type:decimal(36,18);not null" json:"fee_amount"`
	FeePercentage    decimal.Decimal  `gorm:"type:decimal(12,6);not null" json:"fee_percentage"`
	Blockchain       string           `gorm:"size:32" json:"blockchain"`
	TransactionHash  string           `gorm:"index;size:128" json:"transaction_hash,omitempty"`
	BlockNumber      *uint64          `json:"block_number,omitempty"`
	Status           TradeStatus      `gorm:"index;size:16;not null" json:"status"`
	SettlementStatus SettlementStatus `gorm:"index;size:16;not null" json:"settlement_status"`
	FailureReason    string           `gorm:"size:512" json:"failure_reason,omitempty"`
	ExecutedAt       time.Time        `json:"executed_at"`
	ConfirmedAt      *time.Time       `json:"confirmed_at,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// SettlementTerminal reports whether settlement has reached a final state
func (t *Trade) SettlementTerminal() bool {
	return t.SettlementStatus == SettlementStatusSettled || t.SettlementStatus == SettlementStatusFailed
}

func (t Trade) EventKey() string { return t.TradeID }
