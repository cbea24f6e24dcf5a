package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"storefront-payments/internal/apperr"
	"storefront-payments/internal/model"
	"storefront-payments/internal/notify"
	"storefront-payments/internal/repository"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

type OrderStatusUpdate struct {
	Status model.OrderStatus
}

type PaymentOutcomeUpdate struct {
	Outcome    string // success or failed
	ReceiptID  string
	ResultCode string
	Note       string
}

type RefundUpdate struct {
	Status   model.RefundStatus
	RefundID string
}

type AdminService interface {
	ListPendingPayments(ctx context.Context, actor model.Actor, filter repository.PendingPaymentFilter) ([]*model.Payment, error)
	ListPaymentLogs(ctx context.Context, actor model.Actor, filter repository.PaymentLogFilter) ([]*model.PaymentLog, error)
	RunSweep(ctx context.Context, actor model.Actor, dryRun bool) (*SweepResult, error)
	UpdateOrderStatus(ctx context.Context, actor model.Actor, orderID string, update *OrderStatusUpdate) (*model.Order, error)
	UpdatePaymentOutcome(ctx context.Context, actor model.Actor, orderID string, update *PaymentOutcomeUpdate) (*ReconcileResult, error)
	UpdateRefund(ctx context.Context, actor model.Actor, orderID string, update *RefundUpdate) (*model.Payment, error)
}

type adminServiceImpl struct {
	db          *gorm.DB
	orderRepo   repository.OrderRepository
	paymentRepo repository.PaymentRepository
	paymentLogs repository.PaymentLogRepository
	reconciler  Reconciler
	sweeper     Sweeper
	refunds     *refundDesk
	notifier    notify.Notifier
	log         *zap.Logger
}

func NewAdminService(
	db *gorm.DB,
	orderRepo repository.OrderRepository,
	paymentRepo repository.PaymentRepository,
	paymentLogs repository.PaymentLogRepository,
	initiators Initiators,
	reconciler Reconciler,
	sweeper Sweeper,
	notifier notify.Notifier,
	log *zap.Logger,
) AdminService {
	return &adminServiceImpl{
		db:          db,
		orderRepo:   orderRepo,
		paymentRepo: paymentRepo,
		paymentLogs: paymentLogs,
		reconciler:  reconciler,
		sweeper:     sweeper,
		refunds:     newRefundDesk(db, orderRepo, paymentRepo, paymentLogs, initiators, log),
		notifier:    notifier,
		log:         log,
	}
}

func requireAdmin(actor model.Actor) error {
	if actor.Type != model.ActorUser || actor.UserID == "" {
		return apperr.New(apperr.CodeUnauthorized, "authentication required")
	}
	if !actor.IsAdmin() {
		return apperr.New(apperr.CodeForbidden, "administrator role required")
	}
	return nil
}

func (s *adminServiceImpl) ListPendingPayments(ctx context.Context, actor model.Actor, filter repository.PendingPaymentFilter) ([]*model.Payment, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	if filter.Method != "" && !filter.Method.Valid() {
		return nil, apperr.Newf(apperr.CodeValidation, "unsupported payment method %q", filter.Method)
	}
	payments, err := s.paymentRepo.ListPending(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list pending payments: %w", err)
	}
	return payments, nil
}

func (s *adminServiceImpl) ListPaymentLogs(ctx context.Context, actor model.Actor, filter repository.PaymentLogFilter) ([]*model.PaymentLog, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	logs, err := s.paymentLogs.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list payment logs: %w", err)
	}
	return logs, nil
}

func (s *adminServiceImpl) RunSweep(ctx context.Context, actor model.Actor, dryRun bool) (*SweepResult, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	s.log.Info("sweep requested", zap.String("actor_id", actor.UserID), zap.Bool("dry_run", dryRun))
	return s.sweeper.Sweep(ctx, dryRun)
}

func (s *adminServiceImpl) UpdateOrderStatus(ctx context.Context, actor model.Actor, orderID string, update *OrderStatusUpdate) (*model.Order, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	order, err := loadOrderFor(ctx, s.orderRepo, actor, orderID)
	if err != nil {
		return nil, err
	}
	next := model.OrderStatus(strings.ToUpper(string(update.Status)))
	if !order.Status.CanTransitionTo(next) {
		return nil, apperr.Newf(apperr.CodeStateConflict, "order cannot move from %s to %s", order.Status, next)
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := s.orderRepo.UpdateStatus(ctx, tx, order.ID, order.Status, next)
		if err != nil {
			return fmt.Errorf("update order status: %w", err)
		}
		if !ok {
			return apperr.Newf(apperr.CodeStateConflict, "order %s is not a paid order in status %s", order.ID, order.Status)
		}
		return s.paymentLogs.Append(ctx, tx, logEntry{
			Actor:    actor,
			Trigger:  model.TriggerAdmin,
			Action:   model.LogStatusUpdated,
			Outcome:  "updated",
			Order:    order,
			Previous: string(order.Status),
			Next:     string(next),
		}.build())
	})
	if err != nil {
		return nil, err
	}

	order.Status = next
	s.notifier.Enqueue(orderNotification(notify.EventOrderStatusUpdated, order, ""))
	return order, nil
}

func (s *adminServiceImpl) UpdatePaymentOutcome(ctx context.Context, actor model.Actor, orderID string, update *PaymentOutcomeUpdate) (*ReconcileResult, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}

	var kind OutcomeKind
	switch strings.ToLower(update.Outcome) {
	case "success":
		kind = OutcomeSuccess
	case "failed", "failure":
		kind = OutcomeFailure
	default:
		return nil, apperr.Newf(apperr.CodeValidation, "outcome must be success or failed, got %q", update.Outcome)
	}

	order, err := loadOrderFor(ctx, s.orderRepo, actor, orderID)
	if err != nil {
		return nil, err
	}
	payment, err := s.paymentRepo.FindByOrderID(ctx, nil, order.ID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperr.Newf(apperr.CodeNotFound, "order %s has no payment yet", order.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("find payment: %w", err)
	}

	return s.reconciler.Reconcile(ctx, &ReconcileInput{
		Method:    payment.Method,
		Reference: payment.Reference,
		Outcome: Outcome{
			Kind:       kind,
			ReceiptID:  update.ReceiptID,
			ResultCode: update.ResultCode,
			ResultDesc: update.Note,
		},
		Trigger: model.TriggerAdmin,
		Actor:   actor,
		Action:  model.LogAdminOverride,
		Details: map[string]any{"note": update.Note},
	})
}

func (s *adminServiceImpl) UpdateRefund(ctx context.Context, actor model.Actor, orderID string, update *RefundUpdate) (*model.Payment, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	status := model.RefundStatus(strings.ToUpper(string(update.Status)))
	if status == model.RefundCompleted && strings.TrimSpace(update.RefundID) == "" {
		return nil, apperr.New(apperr.CodeValidation, "refund id is required for a completed refund")
	}

	order, err := loadOrderFor(ctx, s.orderRepo, actor, orderID)
	if err != nil {
		return nil, err
	}
	payment, err := s.paymentRepo.FindByOrderID(ctx, nil, order.ID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperr.Newf(apperr.CodeNotFound, "order %s has no payment", order.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("find payment: %w", err)
	}

	if err := s.refunds.settle(ctx, actor, model.TriggerAdmin, payment, status, update.RefundID, ""); err != nil {
		return nil, err
	}
	s.log.Info("refund settled",
		zap.String("order_id", order.ID),
		zap.String("payment_id", payment.ID),
		zap.String("status", string(status)),
		zap.String("actor_id", actor.UserID))
	return payment, nil
}
