package testutil

import (
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ksred/tokex-api/internal/database"
	"github.com/ksred/tokex-api/internal/types"
)

var dbCounter atomic.Int64

// NewDB returns a migrated in-memory sqlite database private to the test.
// A single connection is used so concurrent callers serialize on it the same
// way they would on row locks.
func NewDB(t *testing.T) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, dbCounter.Add(1))

	db, err := gorm.Open(database.SQLite(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent), TranslateError: true})
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("get sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := database.Migrate(db); err != nil {
		t.Fatalf("migrate test database: %v", err)
	}
	return db
}

// Dec parses a decimal literal and panics on malformed input
func Dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// SeedAsset inserts an active asset on the given chain
func SeedAsset(t *testing.T, db *gorm.DB, assetID, chain string) *types.Asset {
	t.Helper()
	asset := &types.Asset{AssetID: assetID, Symbol: assetID, Blockchain: chain, Active: true}
	if err := db.Create(asset).Error; err != nil {
		t.Fatalf("seed asset: %v", err)
	}
	return asset
}

// SeedBalance inserts a balance with the whole amount available
func SeedBalance(t *testing.T, db *gorm.DB, userID, assetID, amount string) {
	t.Helper()
	amt := Dec(amount)
	bal := &types.Balance{
		UserID:           userID,
		AssetID:          assetID,
		Balance:          amt,
		AvailableBalance: amt,
		LockedBalance:    decimal.Zero,
	}
	if err := db.Create(bal).Error; err != nil {
		t.Fatalf("seed balance: %v", err)
	}
}

// SeedWallet binds a wallet address for the user on chain
func SeedWallet(t *testing.T, db *gorm.DB, userID, chain string) {
	t.Helper()
	binding := &types.WalletBinding{UserID: userID, Blockchain: chain, Address: "0x" + userID}
	if err := db.Create(binding).Error; err != nil {
		t.Fatalf("seed wallet: %v", err)
	}
}

// SeedOrder inserts a resting order with the given creation time
func SeedOrder(t *testing.T, db *gorm.DB, orderID, userID, assetID string, side types.OrderSide, price, qty string, createdAt time.Time) *types.Order {
	t.Helper()
	order := &types.Order{
		OrderID:           orderID,
		UserID:            userID,
		AssetID:           assetID,
		Side:              side,
		OrderType:         types.OrderTypeLimit,
		Status:            types.OrderStatusOpen,
		Price:             Dec(price),
		Quantity:          Dec(qty),
		FilledQuantity:    decimal.Zero,
		RemainingQuantity: Dec(qty),
		Blockchain:        "polygon",
		Version:           1,
		CreatedAt:         createdAt,
		UpdatedAt:         createdAt,
	}
	if err := db.Create(order).Error; err != nil {
		t.Fatalf("seed order: %v", err)
	}
	return order
}
