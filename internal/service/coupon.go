package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"storefront-payments/internal/apperr"
	"storefront-payments/internal/model"
	"storefront-payments/internal/repository"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type CouponRejection string

const (
	CouponNotFound         CouponRejection = "not_found"
	CouponInactive         CouponRejection = "inactive"
	CouponExpired          CouponRejection = "expired"
	CouponExhausted        CouponRejection = "exhausted"
	CouponPerUserExhausted CouponRejection = "per_user_exhausted"
	CouponBelowMinimum     CouponRejection = "below_minimum"
)

type CouponEvaluation struct {
	Discount     decimal.Decimal
	FreeShipping bool
	Rejection    CouponRejection // empty when the coupon applies
}

func (e CouponEvaluation) Applies() bool {
	return e.Rejection == ""
}

var hundred = decimal.NewFromInt(100)

// EvaluateCoupon decides whether coupon applies to an order of subtotal placed by a
// user who has already used it userUsage times. Checks run in a fixed order and the
// first failing one names the rejection.
func EvaluateCoupon(coupon *model.Coupon, subtotal decimal.Decimal, userUsage int64, now time.Time) CouponEvaluation {
	switch {
	case coupon == nil:
		return CouponEvaluation{Rejection: CouponNotFound}
	case !coupon.Active:
		return CouponEvaluation{Rejection: CouponInactive}
	case coupon.ValidFrom != nil && now.Before(*coupon.ValidFrom),
		coupon.ValidUntil != nil && now.After(*coupon.ValidUntil):
		return CouponEvaluation{Rejection: CouponExpired}
	case coupon.MaxUses != nil && coupon.UsedCount >= *coupon.MaxUses:
		return CouponEvaluation{Rejection: CouponExhausted}
	case coupon.MaxUsesPerUser != nil && userUsage >= *coupon.MaxUsesPerUser:
		return CouponEvaluation{Rejection: CouponPerUserExhausted}
	case coupon.MinOrderValue != nil && subtotal.LessThan(*coupon.MinOrderValue):
		return CouponEvaluation{Rejection: CouponBelowMinimum}
	}

	var eval CouponEvaluation
	switch coupon.DiscountType {
	case model.DiscountPercentage:
		eval.Discount = subtotal.Mul(coupon.DiscountValue).Div(hundred).Round(2)
		if coupon.MaxDiscount != nil && eval.Discount.GreaterThan(*coupon.MaxDiscount) {
			eval.Discount = *coupon.MaxDiscount
		}
	case model.DiscountFixedAmount:
		eval.Discount = decimal.Min(coupon.DiscountValue, subtotal)
	case model.DiscountFreeShipping:
		eval.Discount = decimal.Zero
		eval.FreeShipping = true
	}
	if eval.Discount.GreaterThan(subtotal) {
		eval.Discount = subtotal
	}

	return eval
}

type CouponService interface {
	Validate(ctx context.Context, actor model.Actor, code string, subtotal decimal.Decimal) (*CouponEvaluation, error)
}

type couponServiceImpl struct {
	couponRepo repository.CouponRepository
	now        func() time.Time
}

func NewCouponService(couponRepo repository.CouponRepository) CouponService {
	return &couponServiceImpl{
		couponRepo: couponRepo,
		now:        time.Now,
	}
}

func (s *couponServiceImpl) Validate(ctx context.Context, actor model.Actor, code string, subtotal decimal.Decimal) (*CouponEvaluation, error) {
	if actor.UserID == "" {
		return nil, apperr.New(apperr.CodeUnauthorized, "authentication required")
	}
	if subtotal.IsNegative() {
		return nil, apperr.New(apperr.CodeValidation, "subtotal must not be negative")
	}

	eval, err := evaluateCouponCode(ctx, nil, s.couponRepo, actor.UserID, code, subtotal, s.now())
	if err != nil {
		return nil, err
	}
	return &eval, nil
}

func evaluateCouponCode(
	ctx context.Context,
	tx *gorm.DB,
	couponRepo repository.CouponRepository,
	userID string,
	code string,
	subtotal decimal.Decimal,
	now time.Time,
) (CouponEvaluation, error) {
	coupon, err := couponRepo.FindByCode(ctx, tx, code)
	if errors.Is(err, repository.ErrNotFound) {
		return EvaluateCoupon(nil, subtotal, 0, now), nil
	}
	if err != nil {
		return CouponEvaluation{}, fmt.Errorf("find coupon: %w", err)
	}

	usage, err := couponRepo.CountUserUsage(ctx, tx, coupon.ID, userID)
	if err != nil {
		return CouponEvaluation{}, fmt.Errorf("count coupon usage: %w", err)
	}

	return EvaluateCoupon(coupon, subtotal, usage, now), nil
}
