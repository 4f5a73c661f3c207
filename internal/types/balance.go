package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Balance is a user's holding of one asset. Balance always equals
// AvailableBalance + LockedBalance and no field is ever negative.
type Balance struct {
	ID               uint            `gorm:"primaryKey" json:"-"`
	UserID           string          `gorm:"uniqueIndex:idx_balances_user_asset;size:64;not null" json:"user_id"`
	AssetID          string          `gorm:"uniqueIndex:idx_balances_user_asset;size:64;not null" json:"asset_id"`
	Balance          decimal.Decimal `gorm:"type:decimal(36,18);not null" json:"balance"`
	AvailableBalance decimal.Decimal `gorm:"type:decimal(36,18);not null" json:"available_balance"`
	LockedBalance    decimal.Decimal `gorm:"type:decimal(36,18);not null" json:"locked_balance"`
	Blockchain       string          `gorm:"size:32" json:"blockchain,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Consistent reports whether the balance invariants hold
func (b *Balance) Consistent() bool {
	if b.Balance.IsNegative() || b.AvailableBalance.IsNegative() || b.LockedBalance.IsNegative() {
		return false
	}
	return b.Balance.Equal(b.AvailableBalance.Add(b.LockedBalance))
}

func (b Balance) EventKey() string { return b.UserID + ":" + b.AssetID }
