package types

import (
	"time"

	"github.com/shopspring/decimal"
)

type TransactionType string

const (
	TransactionTypeDeposit    TransactionType = "deposit"
	TransactionTypeWithdrawal TransactionType = "withdrawal"
)

type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "pending"
	TransactionStatusCompleted TransactionStatus = "completed"
	TransactionStatusFailed    TransactionStatus = "failed"
	TransactionStatusCancelled TransactionStatus = "cancelled"
)

// Transaction records a request to move funds into or out of the platform
type Transaction struct {
	ID              uint              `gorm:"primaryKey" json:"-"`
	TransactionID   string            `gorm:"uniqueIndex;size:64;not null" json:"transaction_id"`
	UserID          string            `gorm:"index;size:64;not null" json:"user_id"`
	AssetID         string            `gorm:"size:64;not null" json:"asset_id"`
	Type            TransactionType   `gorm:"size:16;not null" json:"type"`
	Status          TransactionStatus `gorm:"index;size:16;not null" json:"status"`
	Amount          decimal.Decimal   `gorm:"type:decimal(36,18);not null" json:"amount"`
	Blockchain      string            `gorm:"size:32" json:"blockchain"`
	Address         string            `gorm:"size:128" json:"address,omitempty"`
	TransactionHash string            `gorm:"size:128" json:"transaction_hash,omitempty"`
	FailureReason   string            `gorm:"size:512" json:"failure_reason,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
}

func (t Transaction) EventKey() string { return t.TransactionID }
