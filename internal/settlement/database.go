package settlement

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/ksred/tokex-api/internal/types"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) CreateTrade(ctx context.Context, trade *types.Trade) error {
	return d.db.WithContext(ctx).Create(trade).Error
}

func (d *Database) UpdateTrade(ctx context.Context, trade *types.Trade) error {
	return saveTrade(d.db.WithContext(ctx), trade)
}

func saveTrade(tx *gorm.DB, trade *types.Trade) error {
	trade.UpdatedAt = time.Now()
	return tx.Save(trade).Error
}

func (d *Database) GetTrade(ctx context.Context, tradeID string) (*types.Trade, error) {
	var trade types.Trade
	if err := d.db.WithContext(ctx).Where("trade_id = ?", tradeID).First(&trade).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &trade, nil
}

// ListTrades returns trades where the user was buyer or seller, newest first
func (d *Database) ListTrades(ctx context.Context, userID string, filter TradeFilter) ([]types.Trade, error) {
	query := d.db.WithContext(ctx).
		Where("buyer_id = ? OR seller_id = ?", userID, userID)
	if filter.AssetID != "" {
		query = query.Where("asset_id = ?", filter.AssetID)
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	var trades []types.Trade
	err := query.Order("executed_at DESC").Order("id DESC").
		Limit(limit).Offset(filter.Offset).
		Find(&trades).Error
	return trades, err
}

// PendingSettlements returns accepted trades still awaiting confirmation
func (d *Database) PendingSettlements(ctx context.Context, limit int) ([]types.Trade, error) {
	var trades []types.Trade
	err := d.db.WithContext(ctx).
		Where("status = ? AND settlement_status = ? AND transaction_hash <> ''",
			types.TradeStatusCompleted, types.SettlementStatusPending).
		Order("executed_at ASC").
		Limit(limit).
		Find(&trades).Error
	return trades, err
}

// StalledSubmissions returns trades that never received a transaction hash
// and were created before cutoff
func (d *Database) StalledSubmissions(ctx context.Context, cutoff time.Time) ([]types.Trade, error) {
	var trades []types.Trade
	err := d.db.WithContext(ctx).
		Where("status = ? AND transaction_hash = '' AND created_at < ?", types.TradeStatusPending, cutoff).
		Find(&trades).Error
	return trades, err
}
