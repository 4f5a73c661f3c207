package ledger

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ksred/tokex-api/internal/types"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// Transaction runs fn inside a database transaction, rolling back on error or panic
func (d *Database) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	tx := d.db.WithContext(ctx).Begin()
	if err := tx.Error; err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit().Error
}

// GetBalance returns the stored balance or nil when none exists yet
func (d *Database) GetBalance(ctx context.Context, userID, assetID string) (*types.Balance, error) {
	var balance types.Balance
	err := d.db.WithContext(ctx).
		Where("user_id = ? AND asset_id = ?", userID, assetID).
		First(&balance).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &balance, nil
}

func (d *Database) ListBalances(ctx context.Context, userID string) ([]types.Balance, error) {
	var balances []types.Balance
	err := d.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("asset_id ASC").
		Find(&balances).Error
	return balances, err
}

// lockBalance loads the (user, asset) row for update inside tx, inserting a
// zeroed row first when none exists
func lockBalance(tx *gorm.DB, userID, assetID string) (*types.Balance, error) {
	zero := types.Balance{
		UserID:           userID,
		AssetID:          assetID,
		Balance:          decimal.Zero,
		AvailableBalance: decimal.Zero,
		LockedBalance:    decimal.Zero,
	}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&zero).Error; err != nil {
		return nil, err
	}

	var balance types.Balance
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ? AND asset_id = ?", userID, assetID).
		First(&balance).Error
	if err != nil {
		return nil, err
	}
	return &balance, nil
}

func saveBalance(tx *gorm.DB, balance *types.Balance) error {
	return tx.Model(&types.Balance{}).
		Where("id = ?", balance.ID).
		Updates(map[string]interface{}{
			"balance":           balance.Balance,
			"available_balance": balance.AvailableBalance,
			"locked_balance":    balance.LockedBalance,
			"updated_at":        balance.UpdatedAt,
		}).Error
}
