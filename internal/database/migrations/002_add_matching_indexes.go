package migrations

import "gorm.io/gorm"

// AddMatchingIndexes creates the composite indexes the matcher and the
// settlement reconciler query by
func AddMatchingIndexes(db *gorm.DB) error {
	indexes := []string{
		// Candidate lookup: same asset, opposite side, resting statuses
		`CREATE INDEX IF NOT EXISTS idx_orders_book
		 ON orders(asset_id, side, status, price, created_at)`,

		// Open orders and history per user
		`CREATE INDEX IF NOT EXISTS idx_orders_user_status
		 ON orders(user_id, status, created_at)`,

		// Expiry sweep
		`CREATE INDEX IF NOT EXISTS idx_orders_expires_at
		 ON orders(expires_at)`,

		// Reconciler scans pending settlements oldest first
		`CREATE INDEX IF NOT EXISTS idx_trades_settlement_pending
		 ON trades(settlement_status, executed_at)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
