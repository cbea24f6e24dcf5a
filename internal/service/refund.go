package service

import (
	"context"
	"fmt"
	"time"

	"storefront-payments/internal/apperr"
	"storefront-payments/internal/model"
	"storefront-payments/internal/repository"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// refundDesk returns money for paid orders that were cancelled. Rails without an
// automated refund API are left PENDING for an operator to pay out by hand.
type refundDesk struct {
	db          *gorm.DB
	orderRepo   repository.OrderRepository
	paymentRepo repository.PaymentRepository
	paymentLogs repository.PaymentLogRepository
	initiators  Initiators
	log         *zap.Logger
	now         func() time.Time
}

func newRefundDesk(
	db *gorm.DB,
	orderRepo repository.OrderRepository,
	paymentRepo repository.PaymentRepository,
	paymentLogs repository.PaymentLogRepository,
	initiators Initiators,
	log *zap.Logger,
) *refundDesk {
	return &refundDesk{
		db:          db,
		orderRepo:   orderRepo,
		paymentRepo: paymentRepo,
		paymentLogs: paymentLogs,
		initiators:  initiators,
		log:         log,
		now:         time.Now,
	}
}

func (d *refundDesk) refund(ctx context.Context, actor model.Actor, trigger model.Trigger, order *model.Order, payment *model.Payment) (model.RefundStatus, error) {
	refunder, ok := d.initiators.Refunder(payment.Method)
	if !ok {
		err := d.paymentLogs.Append(ctx, nil, logEntry{
			Actor:   actor,
			Trigger: trigger,
			Action:  model.LogRefundRequested,
			Outcome: "pending",
			Order:   order,
			Payment: payment,
			Details: map[string]any{"reason": "manual payout required", "receipt_id": payment.ReceiptID},
		}.build())
		if err != nil {
			return model.RefundPending, fmt.Errorf("append payment log: %w", err)
		}
		d.log.Info("refund queued for manual payout",
			zap.String("order_id", order.ID),
			zap.String("payment_id", payment.ID),
			zap.String("method", string(payment.Method)))
		return model.RefundPending, nil
	}

	res, refundErr := refunder.Refund(ctx, payment)
	if refundErr != nil {
		d.log.Error("refund failed",
			zap.String("order_id", order.ID),
			zap.String("payment_id", payment.ID),
			zap.Error(refundErr))
		if err := d.settle(ctx, actor, trigger, payment, model.RefundFailed, "", refundErr.Error()); err != nil {
			d.log.Error("failed to record refund failure", zap.String("payment_id", payment.ID), zap.Error(err))
		}
		return model.RefundFailed, apperr.Wrap(apperr.CodeRefundFailed, refundErr, "refund could not be completed")
	}

	if err := d.settle(ctx, actor, trigger, payment, model.RefundCompleted, res.RefundID, ""); err != nil {
		return model.RefundPending, fmt.Errorf("settle refund: %w", err)
	}
	return model.RefundCompleted, nil
}

// settle closes an open refund. A completed refund also moves the order's payment
// status from PAID to REFUNDED.
func (d *refundDesk) settle(
	ctx context.Context,
	actor model.Actor,
	trigger model.Trigger,
	payment *model.Payment,
	status model.RefundStatus,
	refundID string,
	note string,
) error {
	if status != model.RefundCompleted && status != model.RefundFailed {
		return apperr.Newf(apperr.CodeValidation, "refund status must be %s or %s", model.RefundCompleted, model.RefundFailed)
	}

	previous := payment.RefundStatus
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		settled, err := d.paymentRepo.SettleRefund(ctx, tx, payment.ID, status, refundID, d.now())
		if err != nil {
			return fmt.Errorf("settle refund: %w", err)
		}
		if !settled {
			return apperr.Newf(apperr.CodeStateConflict, "payment %s has no open refund", payment.ID)
		}

		if status == model.RefundCompleted {
			if _, err := d.orderRepo.UpdatePaymentStatus(ctx, tx, payment.OrderID, model.PaymentStatusPaid, model.PaymentStatusRefunded); err != nil {
				return fmt.Errorf("update order payment status: %w", err)
			}
		}

		action := model.LogRefundCompleted
		if status == model.RefundFailed {
			action = model.LogRefundFailed
		}
		details := map[string]any{}
		if refundID != "" {
			details["refund_id"] = refundID
		}
		if note != "" {
			details["note"] = note
		}
		return d.paymentLogs.Append(ctx, tx, logEntry{
			Actor:    actor,
			Trigger:  trigger,
			Action:   action,
			Outcome:  string(status),
			Payment:  payment,
			Previous: string(previous),
			Next:     string(status),
			Details:  details,
		}.build())
	})
	if err != nil {
		return err
	}

	payment.RefundStatus = status
	payment.RefundID = refundID
	return nil
}
