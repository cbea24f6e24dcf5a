// Package testutil holds fixtures shared by package tests.
package testutil

import (
	"fmt"
	"testing"

	"storefront-payments/internal/client"
	"storefront-payments/internal/config"
	"storefront-payments/internal/model"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// NewDB opens a private in-memory SQLite database with every table migrated.
func NewDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := client.InitDatabase(config.Database{Driver: "sqlite", URL: dsn})
	require.NoError(t, err)
	require.NoError(t, client.Migrate(db))

	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func SeedProduct(t *testing.T, db *gorm.DB, id, price string, stock int64) *model.Product {
	t.Helper()

	p := &model.Product{ID: id, Name: "Product " + id, Price: decimal.RequireFromString(price), Stock: stock}
	require.NoError(t, db.Create(p).Error)
	return p
}

func Stock(t *testing.T, db *gorm.DB, id string) int64 {
	t.Helper()

	var p model.Product
	require.NoError(t, db.Where("id = ?", id).First(&p).Error)
	return p.Stock
}
