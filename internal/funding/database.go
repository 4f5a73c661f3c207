package funding

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

func (d *Database) GetTransaction(ctx context.Context, transactionID string) (*types.Transaction, error) {
	var txn types.Transaction
	if err := d.db.WithContext(ctx).Where("transaction_id = ?", transactionID).First(&txn).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &txn, nil
}

func (d *Database) CreateTransaction(ctx context.Context, txn *types.Transaction) error {
	return d.db.WithContext(ctx).Create(txn).Error
}

func (d *Database) ListTransactions(ctx context.Context, userID string, filter TransactionFilter) ([]types.Transaction, error) {
	query := d.db.WithContext(ctx).Where("user_id = ?", userID)
	if filter.Type != "" {
		query = query.Where("type = ?", filter.Type)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	var txns []types.Transaction
	err := query.Order("created_at DESC").Order("id DESC").Limit(limit).Offset(filter.Offset).Find(&txns).Error
	return txns, err
}

// transition moves a pending transaction to status inside tx. It fails with
// ErrInvalidTransition when another caller already moved it.
func transition(tx *gorm.DB, txn *types.Transaction, status types.TransactionStatus, now time.Time) error {
	updates := map[string]interface{}{
		"status":           status,
		"transaction_hash": txn.TransactionHash,
		"failure_reason":   txn.FailureReason,
		"updated_at":       now,
	}
	if status == types.TransactionStatusCompleted {
		updates["completed_at"] = now
	}

	result := tx.Model(&types.Transaction{}).
		Where("transaction_id = ? AND status = ?", txn.TransactionID, types.TransactionStatusPending).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrInvalidTransition
	}

	txn.Status = status
	txn.UpdatedAt = now
	if status == types.TransactionStatusCompleted {
		txn.CompletedAt = &now
	}
	return nil
}
