package trading

import (
	"context"
	"errors"
	"time"

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

// CreateOrder persists a new order. When idempotencyKey is set, the
// idempotency record is written in the same transaction and an expired record
// for the same key is replaced.
func (d *Database) CreateOrder(ctx context.Context, order *types.Order, idempotencyKey string) error {
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

	if idempotencyKey != "" {
		if err := tx.Where("idempotency_key = ? AND expires_at <= ?", idempotencyKey, time.Now()).
			Delete(&types.IdempotencyRecord{}).Error; err != nil {
			tx.Rollback()
			return err
		}
	}

	if err := tx.Create(order).Error; err != nil {
		tx.Rollback()
		return err
	}

	if idempotencyKey != "" {
		record := types.IdempotencyRecord{
			IdempotencyKey: idempotencyKey,
			ResourceID:     order.OrderID,
			ResourceType:   "order",
			ExpiresAt:      time.Now().Add(idempotencyTTL),
		}
		if err := tx.Create(&record).Error; err != nil {
			tx.Rollback()
			return err
		}
	}

	return tx.Commit().Error
}

// GetIdempotencyRecord returns the record for key, or nil when none exists
func (d *Database) GetIdempotencyRecord(ctx context.Context, key string) (*types.IdempotencyRecord, error) {
	var record types.IdempotencyRecord
	if err := d.db.WithContext(ctx).Where("idempotency_key = ?", key).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

func (d *Database) GetOrder(ctx context.Context, orderID string) (*types.Order, error) {
	var order types.Order
	if err := d.db.WithContext(ctx).Where("order_id = ?", orderID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

// FindCandidates narrows the book by asset, side and live status. Price
// filtering and ordering happen in the matcher on exact decimals.
func (d *Database) FindCandidates(ctx context.Context, assetID string, side types.OrderSide) ([]types.Order, error) {
	var orders []types.Order
	err := d.db.WithContext(ctx).
		Where("asset_id = ? AND side = ? AND status IN ?", assetID, side,
			[]types.OrderStatus{types.OrderStatusOpen, types.OrderStatusPartiallyFilled}).
		Order("created_at ASC").
		Find(&orders).Error
	return orders, err
}

func (d *Database) UpdateOrder(ctx context.Context, order *types.Order) error {
	if err := updateOrder(d.db.WithContext(ctx), order); err != nil {
		return err
	}
	order.Version++
	return nil
}

// ApplyFill writes both sides of a fill in one transaction
func (d *Database) ApplyFill(ctx context.Context, aggressor, resting *types.Order) error {
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := updateOrder(tx, aggressor); err != nil {
			return err
		}
		return updateOrder(tx, resting)
	})
	if err != nil {
		return err
	}
	aggressor.Version++
	resting.Version++
	return nil
}

// updateOrder writes the mutable order columns guarded by the version the
// caller read. The caller bumps its in-memory version after commit.
func updateOrder(tx *gorm.DB, order *types.Order) error {
	result := tx.Model(&types.Order{}).
		Where("id = ? AND version = ?", order.ID, order.Version).
		Updates(map[string]interface{}{
			"status":             order.Status,
			"filled_quantity":    order.FilledQuantity,
			"remaining_quantity": order.RemainingQuantity,
			"transaction_hash":   order.TransactionHash,
			"filled_at":          order.FilledAt,
			"updated_at":         order.UpdatedAt,
			"version":            gorm.Expr("version + 1"),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrConcurrentUpdate
	}
	return nil
}

func (d *Database) ListOrders(ctx context.Context, userID string, filter OrderFilter) ([]types.Order, error) {
	query := d.db.WithContext(ctx).Where("user_id = ?", userID)
	if filter.AssetID != "" {
		query = query.Where("asset_id = ?", filter.AssetID)
	}
	if filter.Side != "" {
		query = query.Where("side = ?", filter.Side)
	}
	if len(filter.Status) > 0 {
		query = query.Where("status IN ?", filter.Status)
	}
	if filter.From != nil {
		query = query.Where("created_at >= ?", *filter.From)
	}
	if filter.To != nil {
		query = query.Where("created_at < ?", *filter.To)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	var orders []types.Order
	err := query.Order("created_at DESC").Order("id DESC").
		Limit(limit).Offset(filter.Offset).
		Find(&orders).Error
	return orders, err
}

// ExpiredOrders returns live orders whose expiry is at or before now
func (d *Database) ExpiredOrders(ctx context.Context, now time.Time, limit int) ([]types.Order, error) {
	var orders []types.Order
	err := d.db.WithContext(ctx).
		Where("status IN ? AND expires_at IS NOT NULL AND expires_at <= ?",
			[]types.OrderStatus{types.OrderStatusPending, types.OrderStatusOpen, types.OrderStatusPartiallyFilled}, now).
		Order("expires_at ASC").
		Limit(limit).
		Find(&orders).Error
	return orders, err
}

// UpsertAsset creates the asset or updates its descriptive fields
func (d *Database) UpsertAsset(ctx context.Context, asset *types.Asset) error {
	return d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "asset_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"symbol", "name", "blockchain", "active", "updated_at"}),
	}).Create(asset).Error
}

func (d *Database) GetAsset(ctx context.Context, assetID string) (*types.Asset, error) {
	var asset types.Asset
	if err := d.db.WithContext(ctx).Where("asset_id = ?", assetID).First(&asset).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &asset, nil
}

func (d *Database) ListAssets(ctx context.Context) ([]types.Asset, error) {
	var assets []types.Asset
	err := d.db.WithContext(ctx).Where("active = ?", true).Order("asset_id ASC").Find(&assets).Error
	return assets, err
}
