package types

import "time"

// Asset is a tradable token listed on the platform
type Asset struct {
	ID         uint      `gorm:"primaryKey" json:"-"`
	AssetID    string    `gorm:"uniqueIndex;size:64;not null" json:"asset_id"`
	Symbol     string    `gorm:"size:32;not null" json:"symbol"`
	Name       string    `gorm:"size:128" json:"name"`
	Blockchain string    `gorm:"size:32;not null" json:"blockchain"`
	Active     bool      `gorm:"not null" json:"active"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// WalletBinding links a user to their settlement-network address on one chain
type WalletBinding struct {
	ID         uint      `gorm:"primaryKey" json:"-"`
	UserID     string    `gorm:"uniqueIndex:idx_wallet_user_chain;size:64;not null" json:"user_id"`
	Blockchain string    `gorm:"uniqueIndex:idx_wallet_user_chain;size:32;not null" json:"blockchain"`
	Address    string    `gorm:"size:128;not null" json:"address"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}
