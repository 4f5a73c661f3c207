package migrations

import (
	"github.com/ksred/tokex-api/internal/types"
	"gorm.io/gorm"
)

// CreateCoreTables creates the order, balance, trade and funding tables
func CreateCoreTables(db *gorm.DB) error {
	return db.AutoMigrate(
		&types.Asset{},
		&types.Order{},
		&types.IdempotencyRecord{},
		&types.Balance{},
		&types.Trade{},
		&types.Transaction{},
		&types.WalletBinding{},
	)
}
