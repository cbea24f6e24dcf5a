package repository

import (
	"context"
	"time"

	"storefront-payments/internal/model"

	"gorm.io/gorm"
)

// InventoryRepository is the stock ledger. Every change is a single conditional
// UPDATE so concurrent checkouts can never drive stock below zero.
type InventoryRepository interface {
	// Decrement takes quantity units of productID. It reports false, without
	// changing anything, when fewer than quantity units are left.
	Decrement(ctx context.Context, tx *gorm.DB, productID string, quantity int64) (bool, error)
	Restore(ctx context.Context, tx *gorm.DB, productID string, quantity int64) error
	RestoreItems(ctx context.Context, tx *gorm.DB, items []*model.OrderItem) error
}

type inventoryRepoImpl struct {
	db *gorm.DB
}

func NewInventoryRepository(db *gorm.DB) InventoryRepository {
	return &inventoryRepoImpl{
		db: db,
	}
}

func (r *inventoryRepoImpl) Decrement(ctx context.Context, tx *gorm.DB, productID string, quantity int64) (bool, error) {
	result := conn(r.db, tx).WithContext(ctx).Model(&model.Product{}).
		Where("id = ? AND stock >= ?", productID, quantity).
		Updates(map[string]interface{}{
			"stock":      gorm.Expr("stock - ?", quantity),
			"updated_at": time.Now(),
		})

	if result.Error != nil {
		return false, result.Error
	}

	return result.RowsAffected == 1, nil
}

func (r *inventoryRepoImpl) Restore(ctx context.Context, tx *gorm.DB, productID string, quantity int64) error {
	result := conn(r.db, tx).WithContext(ctx).Model(&model.Product{}).
		Where("id = ?", productID).
		Updates(map[string]interface{}{
			"stock":      gorm.Expr("stock + ?", quantity),
			"updated_at": time.Now(),
		})

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

func (r *inventoryRepoImpl) RestoreItems(ctx context.Context, tx *gorm.DB, items []*model.OrderItem) error {
	for _, item := range items {
		if err := r.Restore(ctx, tx, item.ProductID, item.Quantity); err != nil {
			return err
		}
	}
	return nil
}
