package repository

import (
	"context"
	"strings"
	"time"

	"storefront-payments/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type CouponRepository interface {
	Create(ctx context.Context, coupon *model.Coupon) error
	FindByCode(ctx context.Context, tx *gorm.DB, code string) (*model.Coupon, error)
	// IncrementUsage counts one redemption. It reports false when the coupon is exhausted.
	IncrementUsage(ctx context.Context, tx *gorm.DB, couponID uint) (bool, error)
	CountUserUsage(ctx context.Context, tx *gorm.DB, couponID uint, userID string) (int64, error)
}

type couponRepoImpl struct {
	db *gorm.DB
}

func NewCouponRepository(db *gorm.DB) CouponRepository {
	return &couponRepoImpl{
		db: db,
	}
}

// NormalizeCouponCode is the stored form of a coupon code.
func NormalizeCouponCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func (r *couponRepoImpl) Create(ctx context.Context, coupon *model.Coupon) error {
	coupon.Code = NormalizeCouponCode(coupon.Code)
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(coupon).Error
}

func (r *couponRepoImpl) FindByCode(ctx context.Context, tx *gorm.DB, code string) (*model.Coupon, error) {
	var coupon model.Coupon
	err := conn(r.db, tx).WithContext(ctx).
		Where("code = ?", NormalizeCouponCode(code)).
		First(&coupon).Error

	if err != nil {
		return nil, notFound(err)
	}

	return &coupon, nil
}

func (r *couponRepoImpl) IncrementUsage(ctx context.Context, tx *gorm.DB, couponID uint) (bool, error) {
	result := conn(r.db, tx).WithContext(ctx).Model(&model.Coupon{}).
		Where("id = ? AND (max_uses IS NULL OR used_count < max_uses)", couponID).
		Updates(map[string]interface{}{
			"used_count": gorm.Expr("used_count + 1"),
			"updated_at": time.Now(),
		})

	if result.Error != nil {
		return false, result.Error
	}

	return result.RowsAffected == 1, nil
}

// CountUserUsage counts the orders a user placed with the coupon, cancelled ones included.
func (r *couponRepoImpl) CountUserUsage(ctx context.Context, tx *gorm.DB, couponID uint, userID string) (int64, error) {
	var count int64
	err := conn(r.db, tx).WithContext(ctx).Model(&model.Order{}).
		Where("coupon_id = ? AND user_id = ?", couponID, userID).
		Count(&count).Error

	return count, err
}
