package repository

import (
	"context"
	"time"

	"storefront-payments/internal/model"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// PaymentResult is what a rail told us about a payment.
type PaymentResult struct {
	ReceiptID  string
	ResultCode string
	ResultDesc string
	At         time.Time
}

// PaymentReopen replaces the rail handle of a payment that is being retried.
type PaymentReopen struct {
	Reference         string
	MerchantRequestID string
	PhoneNumber       string
	Amount            decimal.Decimal
}

type PendingPaymentFilter struct {
	Method    model.PaymentMethod
	OlderThan time.Time // zero means any age
	Limit     int
}

type PaymentRepository interface {
	Create(ctx context.Context, tx *gorm.DB, payment *model.Payment) error
	FindByReference(ctx context.Context, tx *gorm.DB, method model.PaymentMethod, reference string) (*model.Payment, error)
	FindByOrderID(ctx context.Context, tx *gorm.DB, orderID string) (*model.Payment, error)
	ListPending(ctx context.Context, filter PendingPaymentFilter) ([]*model.Payment, error)
	// ListAttempts returns every rail handle the payment has had, newest first.
	ListAttempts(ctx context.Context, tx *gorm.DB, paymentID string) ([]*model.PaymentAttempt, error)

	Reopen(ctx context.Context, tx *gorm.DB, paymentID string, in PaymentReopen) (bool, error)
	Complete(ctx context.Context, tx *gorm.DB, paymentID string, res PaymentResult) (bool, error)
	Fail(ctx context.Context, tx *gorm.DB, paymentID string, res PaymentResult) (bool, error)

	RequestRefund(ctx context.Context, tx *gorm.DB, paymentID string, at time.Time) (bool, error)
	RecordLateCapture(ctx context.Context, tx *gorm.DB, paymentID string, res PaymentResult) (bool, error)
	SettleRefund(ctx context.Context, tx *gorm.DB, paymentID string, status model.RefundStatus, refundID string, at time.Time) (bool, error)
}

type paymentRepoImpl struct {
	db *gorm.DB
}

func NewPaymentRepository(db *gorm.DB) PaymentRepository {
	return &paymentRepoImpl{
		db: db,
	}
}

func (r *paymentRepoImpl) Create(ctx context.Context, tx *gorm.DB, payment *model.Payment) error {
	return conn(r.db, tx).WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(payment).Error; err != nil {
			return err
		}
		return tx.Create(&model.PaymentAttempt{
			PaymentID:         payment.ID,
			Method:            payment.Method,
			Reference:         payment.Reference,
			MerchantRequestID: payment.MerchantRequestID,
			Amount:            payment.Amount,
		}).Error
	})
}

// FindByReference matches the payment's current rail handle or any earlier one.
func (r *paymentRepoImpl) FindByReference(ctx context.Context, tx *gorm.DB, method model.PaymentMethod, reference string) (*model.Payment, error) {
	var payment model.Payment
	attempts := r.db.Model(&model.PaymentAttempt{}).Select("payment_id").Where("reference = ?", reference)
	q := conn(r.db, tx).WithContext(ctx).Where("reference = ? OR id IN (?)", reference, attempts)
	if method != "" {
		q = q.Where("method = ?", method)
	}

	if err := q.First(&payment).Error; err != nil {
		return nil, notFound(err)
	}

	return &payment, nil
}

func (r *paymentRepoImpl) FindByOrderID(ctx context.Context, tx *gorm.DB, orderID string) (*model.Payment, error) {
	var payment model.Payment
	err := conn(r.db, tx).WithContext(ctx).
		Where("order_id = ?", orderID).
		First(&payment).Error

	if err != nil {
		return nil, notFound(err)
	}

	return &payment, nil
}

func (r *paymentRepoImpl) ListPending(ctx context.Context, filter PendingPaymentFilter) ([]*model.Payment, error) {
	q := r.db.WithContext(ctx).
		Where("status = ?", model.PaymentRecordPending)
	if filter.Method != "" {
		q = q.Where("method = ?", filter.Method)
	}
	if !filter.OlderThan.IsZero() {
		q = q.Where("created_at <= ?", filter.OlderThan)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	var payments []*model.Payment
	if err := q.Order("created_at").Limit(limit).Find(&payments).Error; err != nil {
		return nil, err
	}

	return payments, nil
}

func (r *paymentRepoImpl) ListAttempts(ctx context.Context, tx *gorm.DB, paymentID string) ([]*model.PaymentAttempt, error) {
	var attempts []*model.PaymentAttempt
	err := conn(r.db, tx).WithContext(ctx).
		Where("payment_id = ?", paymentID).
		Order("id DESC").
		Find(&attempts).Error

	if err != nil {
		return nil, err
	}

	return attempts, nil
}

// Reopen gives a pending or failed payment a fresh rail handle for another attempt.
// The previous handles stay matchable through FindByReference.
func (r *paymentRepoImpl) Reopen(ctx context.Context, tx *gorm.DB, paymentID string, in PaymentReopen) (bool, error) {
	result := conn(r.db, tx).WithContext(ctx).Model(&model.Payment{}).
		Where("id = ? AND status IN ?", paymentID, []model.PaymentRecordStatus{
			model.PaymentRecordPending,
			model.PaymentRecordFailed,
		}).
		Updates(map[string]interface{}{
			"reference":           in.Reference,
			"merchant_request_id": in.MerchantRequestID,
			"phone_number":        in.PhoneNumber,
			"amount":              in.Amount,
			"status":              model.PaymentRecordPending,
			"result_code":         "",
			"result_desc":         "",
			"attempts":            gorm.Expr("attempts + 1"),
			"updated_at":          time.Now(),
		})

	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected != 1 {
		return false, nil
	}

	var payment model.Payment
	if err := conn(r.db, tx).WithContext(ctx).Select("id", "method").Where("id = ?", paymentID).First(&payment).Error; err != nil {
		return false, err
	}
	err := conn(r.db, tx).WithContext(ctx).Create(&model.PaymentAttempt{
		PaymentID:         paymentID,
		Method:            payment.Method,
		Reference:         in.Reference,
		MerchantRequestID: in.MerchantRequestID,
		Amount:            in.Amount,
	}).Error
	if err != nil {
		return false, err
	}

	return true, nil
}

// Complete is the pending -> completed compare-and-set. Only one caller can win it.
func (r *paymentRepoImpl) Complete(ctx context.Context, tx *gorm.DB, paymentID string, res PaymentResult) (bool, error) {
	result := conn(r.db, tx).WithContext(ctx).Model(&model.Payment{}).
		Where("id = ? AND status = ?", paymentID, model.PaymentRecordPending).
		Updates(map[string]interface{}{
			"status":      model.PaymentRecordCompleted,
			"receipt_id":  res.ReceiptID,
			"result_code": res.ResultCode,
			"result_desc": res.ResultDesc,
			"paid_at":     res.At,
			"updated_at":  time.Now(),
		})

	if result.Error != nil {
		return false, result.Error
	}

	return result.RowsAffected == 1, nil
}

// Fail is the pending -> failed compare-and-set.
func (r *paymentRepoImpl) Fail(ctx context.Context, tx *gorm.DB, paymentID string, res PaymentResult) (bool, error) {
	result := conn(r.db, tx).WithContext(ctx).Model(&model.Payment{}).
		Where("id = ? AND status = ?", paymentID, model.PaymentRecordPending).
		Updates(map[string]interface{}{
			"status":      model.PaymentRecordFailed,
			"result_code": res.ResultCode,
			"result_desc": res.ResultDesc,
			"updated_at":  time.Now(),
		})

	if result.Error != nil {
		return false, result.Error
	}

	return result.RowsAffected == 1, nil
}

// RequestRefund flags a completed payment for refund. It reports false when a refund
// was already requested.
func (r *paymentRepoImpl) RequestRefund(ctx context.Context, tx *gorm.DB, paymentID string, at time.Time) (bool, error) {
	result := conn(r.db, tx).WithContext(ctx).Model(&model.Payment{}).
		Where("id = ? AND refund_status = ?", paymentID, model.RefundNone).
		Updates(map[string]interface{}{
			"refund_status":       model.RefundPending,
			"refund_requested_at": at,
			"updated_at":          time.Now(),
		})

	if result.Error != nil {
		return false, result.Error
	}

	return result.RowsAffected == 1, nil
}

// RecordLateCapture notes money captured for a payment we had already failed, and
// queues its refund. It fires at most once per payment.
func (r *paymentRepoImpl) RecordLateCapture(ctx context.Context, tx *gorm.DB, paymentID string, res PaymentResult) (bool, error) {
	result := conn(r.db, tx).WithContext(ctx).Model(&model.Payment{}).
		Where("id = ? AND status = ? AND refund_status = ?", paymentID, model.PaymentRecordFailed, model.RefundNone).
		Updates(map[string]interface{}{
			"receipt_id":          res.ReceiptID,
			"refund_status":       model.RefundPending,
			"refund_requested_at": res.At,
			"updated_at":          time.Now(),
		})

	if result.Error != nil {
		return false, result.Error
	}

	return result.RowsAffected == 1, nil
}

// SettleRefund records the outcome of a requested refund. A FAILED refund may still
// be settled later once it has been paid out by hand.
func (r *paymentRepoImpl) SettleRefund(ctx context.Context, tx *gorm.DB, paymentID string, status model.RefundStatus, refundID string, at time.Time) (bool, error) {
	updates := map[string]interface{}{
		"refund_status": status,
		"refund_id":     refundID,
		"updated_at":    time.Now(),
	}
	if status == model.RefundCompleted {
		updates["refunded_at"] = at
	}

	result := conn(r.db, tx).WithContext(ctx).Model(&model.Payment{}).
		Where("id = ? AND refund_status IN ?", paymentID, []model.RefundStatus{
			model.RefundPending,
			model.RefundFailed,
		}).
		Updates(updates)

	if result.Error != nil {
		return false, result.Error
	}

	return result.RowsAffected == 1, nil
}
