package repository

import (
	"context"

	"storefront-payments/internal/model"

	"gorm.io/gorm"
)

type PaymentLogFilter struct {
	OrderID string
	Action  model.LogAction
	Method  model.PaymentMethod
	Outcome string
	Limit   int
}

// PaymentLogRepository is append-only: entries are never updated or deleted.
type PaymentLogRepository interface {
	Append(ctx context.Context, tx *gorm.DB, entry *model.PaymentLog) error
	List(ctx context.Context, filter PaymentLogFilter) ([]*model.PaymentLog, error)
}

type paymentLogRepoImpl struct {
	db *gorm.DB
}

func NewPaymentLogRepository(db *gorm.DB) PaymentLogRepository {
	return &paymentLogRepoImpl{
		db: db,
	}
}

func (r *paymentLogRepoImpl) Append(ctx context.Context, tx *gorm.DB, entry *model.PaymentLog) error {
	return conn(r.db, tx).WithContext(ctx).Create(entry).Error
}

func (r *paymentLogRepoImpl) List(ctx context.Context, filter PaymentLogFilter) ([]*model.PaymentLog, error) {
	q := r.db.WithContext(ctx).Model(&model.PaymentLog{})
	if filter.OrderID != "" {
		q = q.Where("order_id = ?", filter.OrderID)
	}
	if filter.Action != "" {
		q = q.Where("action = ?", filter.Action)
	}
	if filter.Method != "" {
		q = q.Where("method = ?", filter.Method)
	}
	if filter.Outcome != "" {
		q = q.Where("outcome = ?", filter.Outcome)
	}

	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	var entries []*model.PaymentLog
	if err := q.Order("id DESC").Limit(limit).Find(&entries).Error; err != nil {
		return nil, err
	}

	return entries, nil
}
