// Package testutil holds fixtures shared by package tests.
package testutil

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/example/keyissuer/internal/database"
	"github.com/example/keyissuer/internal/models"
)

// OpenDB returns a migrated in-memory sqlite database private to the test.
func OpenDB(t testing.TB) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	// One connection keeps the in-memory database alive and serializes writers.
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := database.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// SeedCatalogItem inserts an active catalog item.
func SeedCatalogItem(t testing.TB, db *gorm.DB, method models.FulfillmentMethod, priceMinor int64, currency string) *models.CatalogItem {
	t.Helper()

	item := &models.CatalogItem{
		VendorID:          "vendor-1",
		Name:              "General admission",
		PriceMinor:        priceMinor,
		Currency:          currency,
		ChainID:           137,
		ContractAddress:   "0xdbF03B407c01E7cD3CBea99509d93f8DDDC8C6FB",
		SchemaID:          "0xschema",
		FulfillmentMethod: method,
		Active:            true,
	}
	if err := db.Create(item).Error; err != nil {
		t.Fatalf("seed catalog item: %v", err)
	}
	return item
}

// Recipient is a valid checksummed address used across tests.
const Recipient = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"
