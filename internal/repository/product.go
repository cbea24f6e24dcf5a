package repository

import (
	"context"

	"storefront-payments/internal/model"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ProductRepository interface {
	Seed(ctx context.Context) error
	FindMany(ctx context.Context, tx *gorm.DB, productIDs []string) ([]*model.Product, error)
}

type productRepoImpl struct {
	db *gorm.DB
}

func NewProductRepository(db *gorm.DB) ProductRepository {
	return &productRepoImpl{
		db: db,
	}
}

func (r *productRepoImpl) Seed(ctx context.Context) error {
	products := []model.Product{
		{ID: "tee_black_m", Name: "Black Tee (M)", Price: decimal.RequireFromString("10.00"), Stock: 100},
		{ID: "tee_white_m", Name: "White Tee (M)", Price: decimal.RequireFromString("12.50"), Stock: 100},
		{ID: "mug_logo", Name: "Logo Mug", Price: decimal.RequireFromString("8.00"), Stock: 40},
	}

	return r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&products).Error
}

func (r *productRepoImpl) FindMany(ctx context.Context, tx *gorm.DB, productIDs []string) ([]*model.Product, error) {
	var products []*model.Product
	err := conn(r.db, tx).WithContext(ctx).
		Where("id IN ?", productIDs).
		Find(&products).
		Error

	if err != nil {
		return nil, err
	}

	return products, nil
}
