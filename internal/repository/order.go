package repository

import (
	"context"
	"time"

	"storefront-payments/internal/model"

	"gorm.io/gorm"
)

// OrderCancellation describes a CANCELLED transition. RequirePaymentStatus, when set,
// narrows the compare-and-set to orders still in that payment state.
type OrderCancellation struct {
	Reason               string
	At                   time.Time
	PaymentStatus        model.PaymentStatus // new payment status, empty keeps the current one
	RequirePaymentStatus model.PaymentStatus
}

type OrderRepository interface {
	Create(ctx context.Context, tx *gorm.DB, order *model.Order) error
	CreateOrderItems(ctx context.Context, tx *gorm.DB, items []*model.OrderItem) error
	GetOrderItems(ctx context.Context, tx *gorm.DB, orderID string) ([]*model.OrderItem, error)
	FindByID(ctx context.Context, tx *gorm.DB, orderID string) (*model.Order, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*model.Order, error)
	FindSweepCandidates(ctx context.Context, cutoff time.Time, limit int) ([]*model.Order, error)

	MarkPaid(ctx context.Context, tx *gorm.DB, orderID string) (bool, error)
	Cancel(ctx context.Context, tx *gorm.DB, orderID string, c OrderCancellation) (bool, error)
	UpdateStatus(ctx context.Context, tx *gorm.DB, orderID string, from, to model.OrderStatus) (bool, error)
	UpdatePaymentStatus(ctx context.Context, tx *gorm.DB, orderID string, from, to model.PaymentStatus) (bool, error)
}

type orderRepoImpl struct {
	db *gorm.DB
}

func NewOrderRepository(db *gorm.DB) OrderRepository {
	return &orderRepoImpl{
		db: db,
	}
}

func (r *orderRepoImpl) Create(ctx context.Context, tx *gorm.DB, order *model.Order) error {
	return conn(r.db, tx).WithContext(ctx).Omit("Items").Create(order).Error
}

func (r *orderRepoImpl) CreateOrderItems(ctx context.Context, tx *gorm.DB, items []*model.OrderItem) error {
	return conn(r.db, tx).WithContext(ctx).Create(&items).Error
}

func (r *orderRepoImpl) GetOrderItems(ctx context.Context, tx *gorm.DB, orderID string) ([]*model.OrderItem, error) {
	var items []*model.OrderItem
	err := conn(r.db, tx).WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("id").
		Find(&items).Error

	if err != nil {
		return nil, err
	}

	return items, nil
}

func (r *orderRepoImpl) FindByID(ctx context.Context, tx *gorm.DB, orderID string) (*model.Order, error) {
	var order model.Order
	err := conn(r.db, tx).WithContext(ctx).
		Preload("Items", func(db *gorm.DB) *gorm.DB { return db.Order("id") }).
		Where("id = ?", orderID).
		First(&order).Error

	if err != nil {
		return nil, notFound(err)
	}

	return &order, nil
}

func (r *orderRepoImpl) ListByUser(ctx context.Context, userID string, limit int) ([]*model.Order, error) {
	var orders []*model.Order
	err := r.db.WithContext(ctx).
		Preload("Items").
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&orders).Error

	if err != nil {
		return nil, err
	}

	return orders, nil
}

// FindSweepCandidates returns unpaid, uncancelled orders created at or before cutoff, oldest first.
func (r *orderRepoImpl) FindSweepCandidates(ctx context.Context, cutoff time.Time, limit int) ([]*model.Order, error) {
	var orders []*model.Order
	err := r.db.WithContext(ctx).
		Where("payment_status = ?", model.PaymentStatusPending).
		Where("status <> ?", model.OrderStatusCancelled).
		Where("created_at <= ?", cutoff).
		Order("created_at").
		Limit(limit).
		Find(&orders).Error

	if err != nil {
		return nil, err
	}

	return orders, nil
}

// MarkPaid moves a live, unpaid order to PAID / PROCESSING. It reports false when the
// order was cancelled or already settled in the meantime.
func (r *orderRepoImpl) MarkPaid(ctx context.Context, tx *gorm.DB, orderID string) (bool, error) {
	result := conn(r.db, tx).WithContext(ctx).Model(&model.Order{}).
		Where(`
			id = ?
			AND status = ?
			AND payment_status = ?
			AND cancelled_at IS NULL
		`,
			orderID,
			model.OrderStatusPending,
			model.PaymentStatusPending,
		).
		Updates(map[string]interface{}{
			"status":         model.OrderStatusProcessing,
			"payment_status": model.PaymentStatusPaid,
			"updated_at":     time.Now(),
		})

	if result.Error != nil {
		return false, result.Error
	}

	return result.RowsAffected == 1, nil
}

func (r *orderRepoImpl) Cancel(ctx context.Context, tx *gorm.DB, orderID string, c OrderCancellation) (bool, error) {
	q := conn(r.db, tx).WithContext(ctx).Model(&model.Order{}).
		Where(`
			id = ?
			AND status IN ?
			AND cancelled_at IS NULL
		`,
			orderID,
			model.CancellableOrderStatuses,
		)
	if c.RequirePaymentStatus != "" {
		q = q.Where("payment_status = ?", c.RequirePaymentStatus)
	}

	updates := map[string]interface{}{
		"status":              model.OrderStatusCancelled,
		"cancellation_reason": c.Reason,
		"cancelled_at":        c.At,
		"updated_at":          time.Now(),
	}
	if c.PaymentStatus != "" {
		updates["payment_status"] = c.PaymentStatus
	}

	result := q.Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}

	return result.RowsAffected == 1, nil
}

// UpdateStatus applies a fulfilment transition on a paid, uncancelled order.
func (r *orderRepoImpl) UpdateStatus(ctx context.Context, tx *gorm.DB, orderID string, from, to model.OrderStatus) (bool, error) {
	result := conn(r.db, tx).WithContext(ctx).Model(&model.Order{}).
		Where(`
			id = ?
			AND status = ?
			AND payment_status = ?
			AND cancelled_at IS NULL
		`,
			orderID,
			from,
			model.PaymentStatusPaid,
		).
		Updates(map[string]interface{}{
			"status":     to,
			"updated_at": time.Now(),
		})

	if result.Error != nil {
		return false, result.Error
	}

	return result.RowsAffected == 1, nil
}

// UpdatePaymentStatus is refund bookkeeping and is allowed on cancelled orders.
func (r *orderRepoImpl) UpdatePaymentStatus(ctx context.Context, tx *gorm.DB, orderID string, from, to model.PaymentStatus) (bool, error) {
	result := conn(r.db, tx).WithContext(ctx).Model(&model.Order{}).
		Where("id = ? AND payment_status = ?", orderID, from).
		Updates(map[string]interface{}{
			"payment_status": to,
			"updated_at":     time.Now(),
		})

	if result.Error != nil {
		return false, result.Error
	}

	return result.RowsAffected == 1, nil
}
