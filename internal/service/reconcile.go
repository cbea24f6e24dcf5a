package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"storefront-payments/internal/apperr"
	"storefront-payments/internal/model"
	"storefront-payments/internal/notify"
	"storefront-payments/internal/repository"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// FailurePolicy lists, per rail, the failure result codes that end an order. Any other
// failure leaves the order open so the customer can retry.
type FailurePolicy struct {
	terminal map[model.PaymentMethod]map[string]bool
}

func NewFailurePolicy(mpesaCodes, checkoutCodes []string) FailurePolicy {
	toSet := func(codes []string) map[string]bool {
		set := make(map[string]bool, len(codes))
		for _, c := range codes {
			if c != "" {
				set[c] = true
			}
		}
		return set
	}
	return FailurePolicy{terminal: map[model.PaymentMethod]map[string]bool{
		model.PaymentMethodMpesa:    toSet(mpesaCodes),
		model.PaymentMethodCheckout: toSet(checkoutCodes),
	}}
}

func (p FailurePolicy) IsTerminal(method model.PaymentMethod, code string) bool {
	return p.terminal[method][code]
}

type ReconcileInput struct {
	Method    model.PaymentMethod // empty matches any rail
	Reference string
	Outcome   Outcome
	Trigger   model.Trigger
	Actor     model.Actor
	Action    model.LogAction // defaults to STATUS_UPDATED
	Details   map[string]any
}

type ReconcileResult struct {
	OrderID            string                    `json:"order_id"`
	PaymentID          string                    `json:"payment_id"`
	PaymentStatus      model.PaymentRecordStatus `json:"payment_status"`
	OrderStatus        model.OrderStatus         `json:"order_status"`
	OrderPaymentStatus model.PaymentStatus       `json:"order_payment_status"`
	AlreadyTerminal    bool                      `json:"already_terminal"`
	RefundRequested    bool                      `json:"refund_requested"`
	DuplicateReceipt   string                    `json:"duplicate_receipt,omitempty"`
}

// Reconciler applies a rail outcome to a payment and its order. Webhooks, polls, the
// sweeper probe and administrators all converge here, and applying the same outcome
// twice changes nothing the second time.
type Reconciler interface {
	Reconcile(ctx context.Context, in *ReconcileInput) (*ReconcileResult, error)
}

type reconcilerImpl struct {
	db            *gorm.DB
	paymentRepo   repository.PaymentRepository
	orderRepo     repository.OrderRepository
	inventoryRepo repository.InventoryRepository
	paymentLogs   repository.PaymentLogRepository
	notifier      notify.Notifier
	policy        FailurePolicy
	log           *zap.Logger
	now           func() time.Time
}

func NewReconciler(
	db *gorm.DB,
	paymentRepo repository.PaymentRepository,
	orderRepo repository.OrderRepository,
	inventoryRepo repository.InventoryRepository,
	paymentLogs repository.PaymentLogRepository,
	notifier notify.Notifier,
	policy FailurePolicy,
	log *zap.Logger,
) Reconciler {
	return &reconcilerImpl{
		db:            db,
		paymentRepo:   paymentRepo,
		orderRepo:     orderRepo,
		inventoryRepo: inventoryRepo,
		paymentLogs:   paymentLogs,
		notifier:      notifier,
		policy:        policy,
		log:           log,
		now:           time.Now,
	}
}

var errUnknownReference = errors.New("no payment for reference")

func (r *reconcilerImpl) Reconcile(ctx context.Context, in *ReconcileInput) (*ReconcileResult, error) {
	if in.Reference == "" {
		return nil, apperr.New(apperr.CodeValidation, "payment reference is required")
	}
	action := in.Action
	if action == "" {
		action = model.LogStatusUpdated
	}

	var (
		result        ReconcileResult
		notifications []notify.Notification
	)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		payment, err := r.paymentRepo.FindByReference(ctx, tx, in.Method, in.Reference)
		if errors.Is(err, repository.ErrNotFound) {
			return errUnknownReference
		}
		if err != nil {
			return fmt.Errorf("find payment: %w", err)
		}

		order, err := r.orderRepo.FindByID(ctx, tx, payment.OrderID)
		if err != nil {
			return fmt.Errorf("find order: %w", err)
		}

		entry := logEntry{
			Actor:     in.Actor,
			Trigger:   in.Trigger,
			Action:    action,
			Outcome:   string(in.Outcome.Kind),
			Payment:   payment,
			Reference: in.Reference,
			Previous:  string(payment.Status),
			Next:      string(payment.Status),
			Details:   in.Details,
		}
		result.OrderID = order.ID
		result.PaymentID = payment.ID

		switch {
		case in.Outcome.Kind == OutcomePending:

		case payment.Status.IsTerminal():
			result.AlreadyTerminal = true
			if in.Outcome.Kind == OutcomeSuccess {
				if err := r.lateSuccess(ctx, tx, in, payment, order, &result); err != nil {
					return err
				}
			}

		case in.Outcome.Kind == OutcomeSuccess:
			n, err := r.applySuccess(ctx, tx, in, payment, order, &result)
			if err != nil {
				return err
			}
			notifications = append(notifications, n...)

		case in.Outcome.Kind == OutcomeFailure:
			n, err := r.applyFailure(ctx, tx, in, payment, order, &result)
			if err != nil {
				return err
			}
			notifications = append(notifications, n...)

		default:
			return apperr.Newf(apperr.CodeValidation, "unknown payment outcome %q", in.Outcome.Kind)
		}

		if result.AlreadyTerminal {
			entry.Details = withDetail(entry.Details, "already_terminal", true)
			if result.DuplicateReceipt != "" {
				entry.Details = withDetail(entry.Details, "duplicate_receipt", result.DuplicateReceipt)
			}
		} else {
			entry.Next = string(payment.Status)
		}
		result.PaymentStatus = payment.Status
		result.OrderStatus = order.Status
		result.OrderPaymentStatus = order.PaymentStatus

		if err := r.paymentLogs.Append(ctx, tx, entry.build()); err != nil {
			return fmt.Errorf("append payment log: %w", err)
		}
		return nil
	})

	if errors.Is(err, errUnknownReference) {
		r.logUnknownReference(ctx, in, action)
		return nil, apperr.Newf(apperr.CodeNotFound, "no payment found for reference %s", in.Reference)
	}
	if err != nil {
		return nil, err
	}

	for _, n := range notifications {
		r.notifier.Enqueue(n)
	}

	r.log.Info("payment reconciled",
		zap.String("reference", in.Reference),
		zap.String("trigger", string(in.Trigger)),
		zap.String("outcome", string(in.Outcome.Kind)),
		zap.String("payment_status", string(result.PaymentStatus)),
		zap.Bool("already_terminal", result.AlreadyTerminal))

	return &result, nil
}

func (r *reconcilerImpl) applySuccess(
	ctx context.Context,
	tx *gorm.DB,
	in *ReconcileInput,
	payment *model.Payment,
	order *model.Order,
	result *ReconcileResult,
) ([]notify.Notification, error) {
	paidAt := in.Outcome.PaidAt
	if paidAt.IsZero() {
		paidAt = r.now()
	}

	completed, err := r.paymentRepo.Complete(ctx, tx, payment.ID, repository.PaymentResult{
		ReceiptID:  in.Outcome.ReceiptID,
		ResultCode: in.Outcome.ResultCode,
		ResultDesc: in.Outcome.ResultDesc,
		At:         paidAt,
	})
	if err != nil {
		return nil, fmt.Errorf("complete payment: %w", err)
	}
	if !completed {
		// settled by another transaction after we read it
		result.AlreadyTerminal = true
		if err := r.reload(ctx, tx, payment, order); err != nil {
			return nil, err
		}
		return nil, r.lateSuccess(ctx, tx, in, payment, order, result)
	}
	payment.Status = model.PaymentRecordCompleted
	payment.ReceiptID = in.Outcome.ReceiptID

	paid, err := r.orderRepo.MarkPaid(ctx, tx, order.ID)
	if err != nil {
		return nil, fmt.Errorf("mark order paid: %w", err)
	}
	if !paid {
		// money arrived for an order that can no longer take it
		requested, err := r.paymentRepo.RequestRefund(ctx, tx, payment.ID, paidAt)
		if err != nil {
			return nil, fmt.Errorf("request refund: %w", err)
		}
		if requested {
			result.RefundRequested = true
			if err := r.paymentLogs.Append(ctx, tx, logEntry{
				Actor:   in.Actor,
				Trigger: in.Trigger,
				Action:  model.LogRefundRequested,
				Outcome: "pending",
				Payment: payment,
				Details: map[string]any{"reason": "payment completed for order in status " + string(order.Status)},
			}.build()); err != nil {
				return nil, fmt.Errorf("append payment log: %w", err)
			}
		}
		return nil, nil
	}

	order.Status = model.OrderStatusProcessing
	order.PaymentStatus = model.PaymentStatusPaid
	return []notify.Notification{
		orderNotification(notify.EventPaymentConfirmed, order, ""),
		orderNotification(notify.EventOrderStatusUpdated, order, ""),
	}, nil
}

func (r *reconcilerImpl) applyFailure(
	ctx context.Context,
	tx *gorm.DB,
	in *ReconcileInput,
	payment *model.Payment,
	order *model.Order,
	result *ReconcileResult,
) ([]notify.Notification, error) {
	failed, err := r.paymentRepo.Fail(ctx, tx, payment.ID, repository.PaymentResult{
		ResultCode: in.Outcome.ResultCode,
		ResultDesc: in.Outcome.ResultDesc,
	})
	if err != nil {
		return nil, fmt.Errorf("fail payment: %w", err)
	}
	if !failed {
		result.AlreadyTerminal = true
		return nil, r.reload(ctx, tx, payment, order)
	}
	payment.Status = model.PaymentRecordFailed

	if !r.policy.IsTerminal(payment.Method, in.Outcome.ResultCode) {
		return nil, nil
	}

	reason := "payment failed"
	if in.Outcome.ResultDesc != "" {
		reason = "payment failed: " + in.Outcome.ResultDesc
	}
	cancelled, err := r.orderRepo.Cancel(ctx, tx, order.ID, repository.OrderCancellation{
		Reason:               reason,
		At:                   r.now(),
		PaymentStatus:        model.PaymentStatusFailed,
		RequirePaymentStatus: model.PaymentStatusPending,
	})
	if err != nil {
		return nil, fmt.Errorf("cancel order: %w", err)
	}
	if !cancelled {
		return nil, nil
	}

	if err := r.inventoryRepo.RestoreItems(ctx, tx, order.Items); err != nil {
		return nil, fmt.Errorf("restore stock: %w", err)
	}
	order.Status = model.OrderStatusCancelled
	order.PaymentStatus = model.PaymentStatusFailed

	if err := r.paymentLogs.Append(ctx, tx, logEntry{
		Actor:    in.Actor,
		Trigger:  in.Trigger,
		Action:   model.LogOrderCancelled,
		Outcome:  "cancelled",
		Order:    order,
		Payment:  payment,
		Previous: string(model.OrderStatusPending),
		Next:     string(model.OrderStatusCancelled),
		Details:  map[string]any{"reason": reason, "result_code": in.Outcome.ResultCode},
	}.build()); err != nil {
		return nil, fmt.Errorf("append payment log: %w", err)
	}

	return []notify.Notification{orderNotification(notify.EventOrderCancelled, order, reason)}, nil
}

// lateSuccess handles money reported for a payment that is already terminal. A
// payment failed by its order's cancellation gets a refund request. A second receipt
// on a completed payment is flagged for the operators.
func (r *reconcilerImpl) lateSuccess(
	ctx context.Context,
	tx *gorm.DB,
	in *ReconcileInput,
	payment *model.Payment,
	order *model.Order,
	result *ReconcileResult,
) error {
	switch {
	case payment.Status == model.PaymentRecordFailed && order.Status == model.OrderStatusCancelled:
		requested, err := r.recordLateCapture(ctx, tx, in, payment)
		if err != nil {
			return err
		}
		result.RefundRequested = requested

	case payment.Status == model.PaymentRecordCompleted && in.Outcome.ReceiptID != "" &&
		payment.ReceiptID != "" && in.Outcome.ReceiptID != payment.ReceiptID:
		result.DuplicateReceipt = in.Outcome.ReceiptID
		r.log.Warn("second capture reported for a completed payment",
			zap.String("payment_id", payment.ID),
			zap.String("receipt_id", payment.ReceiptID),
			zap.String("duplicate_receipt_id", in.Outcome.ReceiptID),
			zap.String("reference", in.Reference))
	}
	return nil
}

// reload refreshes payment and order from inside tx.
func (r *reconcilerImpl) reload(ctx context.Context, tx *gorm.DB, payment *model.Payment, order *model.Order) error {
	current, err := r.paymentRepo.FindByOrderID(ctx, tx, order.ID)
	if err != nil {
		return fmt.Errorf("reload payment: %w", err)
	}
	latest, err := r.orderRepo.FindByID(ctx, tx, order.ID)
	if err != nil {
		return fmt.Errorf("reload order: %w", err)
	}
	*payment = *current
	*order = *latest
	return nil
}

func (r *reconcilerImpl) recordLateCapture(ctx context.Context, tx *gorm.DB, in *ReconcileInput, payment *model.Payment) (bool, error) {
	at := in.Outcome.PaidAt
	if at.IsZero() {
		at = r.now()
	}

	recorded, err := r.paymentRepo.RecordLateCapture(ctx, tx, payment.ID, repository.PaymentResult{
		ReceiptID: in.Outcome.ReceiptID,
		At:        at,
	})
	if err != nil {
		return false, fmt.Errorf("record late capture: %w", err)
	}
	if !recorded {
		return false, nil
	}

	err = r.paymentLogs.Append(ctx, tx, logEntry{
		Actor:     in.Actor,
		Trigger:   in.Trigger,
		Action:    model.LogRefundRequested,
		Outcome:   "pending",
		Payment:   payment,
		Reference: in.Reference,
		Details:   map[string]any{"reason": "late capture on cancelled order", "receipt_id": in.Outcome.ReceiptID},
	}.build())
	if err != nil {
		return false, fmt.Errorf("append payment log: %w", err)
	}

	r.log.Warn("captured payment on cancelled order, refund requested",
		zap.String("payment_id", payment.ID),
		zap.String("receipt_id", in.Outcome.ReceiptID))
	return true, nil
}

func (r *reconcilerImpl) logUnknownReference(ctx context.Context, in *ReconcileInput, action model.LogAction) {
	entry := logEntry{
		Actor:     in.Actor,
		Trigger:   in.Trigger,
		Action:    action,
		Outcome:   "not_found",
		Reference: in.Reference,
		Details:   in.Details,
	}.build()
	entry.Method = in.Method

	if err := r.paymentLogs.Append(ctx, nil, entry); err != nil {
		r.log.Error("failed to log unknown payment reference", zap.String("reference", in.Reference), zap.Error(err))
	}
	r.log.Warn("outcome for unknown payment reference",
		zap.String("reference", in.Reference),
		zap.String("trigger", string(in.Trigger)))
}

func withDetail(details map[string]any, key string, value any) map[string]any {
	out := make(map[string]any, len(details)+1)
	for k, v := range details {
		out[k] = v
	}
	out[key] = value
	return out
}
