package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"storefront-payments/internal/apperr"
	"storefront-payments/internal/model"
	"storefront-payments/internal/notify"
	"storefront-payments/internal/repository"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type OrderLine struct {
	ProductID string
	Quantity  int64
}

type CreateOrderInput struct {
	Items         []OrderLine
	Shipping      model.ShippingAddress
	PaymentMethod model.PaymentMethod
	CouponCode    string
}

type Warning struct {
	Code    apperr.Code `json:"code"`
	Message string      `json:"message"`
}

type CancelResult struct {
	Order        *model.Order       `json:"order"`
	RefundStatus model.RefundStatus `json:"refund_status,omitempty"`
	Warnings     []Warning          `json:"warnings,omitempty"`
}

type OrderService interface {
	CreateOrder(ctx context.Context, actor model.Actor, in *CreateOrderInput) (*model.Order, error)
	GetOrder(ctx context.Context, actor model.Actor, orderID string) (*model.Order, error)
	ListOrders(ctx context.Context, actor model.Actor, limit int) ([]*model.Order, error)
	CancelOrder(ctx context.Context, actor model.Actor, orderID, reason string) (*CancelResult, error)
}

type orderServiceImpl struct {
	db            *gorm.DB
	pricing       Pricing
	productRepo   repository.ProductRepository
	inventoryRepo repository.InventoryRepository
	orderRepo     repository.OrderRepository
	couponRepo    repository.CouponRepository
	paymentRepo   repository.PaymentRepository
	paymentLogs   repository.PaymentLogRepository
	refunds       *refundDesk
	notifier      notify.Notifier
	log           *zap.Logger
	now           func() time.Time
}

func NewOrderService(
	db *gorm.DB,
	pricing Pricing,
	productRepo repository.ProductRepository,
	inventoryRepo repository.InventoryRepository,
	orderRepo repository.OrderRepository,
	couponRepo repository.CouponRepository,
	paymentRepo repository.PaymentRepository,
	paymentLogs repository.PaymentLogRepository,
	initiators Initiators,
	notifier notify.Notifier,
	log *zap.Logger,
) OrderService {
	return &orderServiceImpl{
		db:            db,
		pricing:       pricing,
		productRepo:   productRepo,
		inventoryRepo: inventoryRepo,
		orderRepo:     orderRepo,
		couponRepo:    couponRepo,
		paymentRepo:   paymentRepo,
		paymentLogs:   paymentLogs,
		refunds:       newRefundDesk(db, orderRepo, paymentRepo, paymentLogs, initiators, log),
		notifier:      notifier,
		log:           log,
		now:           time.Now,
	}
}

func validateCreateOrder(in *CreateOrderInput) error {
	if len(in.Items) == 0 {
		return apperr.New(apperr.CodeValidation, "order must contain at least one item")
	}

	seen := make(map[string]bool, len(in.Items))
	for _, item := range in.Items {
		if strings.TrimSpace(item.ProductID) == "" {
			return apperr.New(apperr.CodeValidation, "product id is required")
		}
		if item.Quantity <= 0 {
			return apperr.Newf(apperr.CodeValidation, "quantity for product %s must be positive", item.ProductID)
		}
		if seen[item.ProductID] {
			return apperr.Newf(apperr.CodeValidation, "product %s appears more than once", item.ProductID)
		}
		seen[item.ProductID] = true
	}

	ship := in.Shipping
	var missing []string
	for _, field := range []struct{ name, value string }{
		{"name", ship.Name},
		{"line1", ship.Line1},
		{"city", ship.City},
		{"country", ship.Country},
	} {
		if strings.TrimSpace(field.value) == "" {
			missing = append(missing, field.name)
		}
	}
	if len(missing) > 0 {
		return apperr.Newf(apperr.CodeValidation, "shipping address is missing %s", strings.Join(missing, ", "))
	}

	if !in.PaymentMethod.Valid() {
		return apperr.Newf(apperr.CodeValidation, "unsupported payment method %q", in.PaymentMethod)
	}
	return nil
}

func (s *orderServiceImpl) CreateOrder(ctx context.Context, actor model.Actor, in *CreateOrderInput) (*model.Order, error) {
	if actor.Type != model.ActorUser || actor.UserID == "" {
		return nil, apperr.New(apperr.CodeUnauthorized, "authentication required")
	}
	if err := validateCreateOrder(in); err != nil {
		return nil, err
	}

	now := s.now()
	order := &model.Order{
		ID:              uuid.NewString(),
		UserID:          actor.UserID,
		OrderNumber:     newOrderNumber(now),
		Status:          model.OrderStatusPending,
		PaymentStatus:   model.PaymentStatusPending,
		PaymentMethod:   in.PaymentMethod,
		Currency:        s.pricing.Currency,
		ShippingAddress: in.Shipping,
		CreatedAt:       now,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		productIDs := make([]string, len(in.Items))
		for i, item := range in.Items {
			productIDs[i] = item.ProductID
		}

		products, err := s.productRepo.FindMany(ctx, tx, productIDs)
		if err != nil {
			return fmt.Errorf("get products: %w", err)
		}
		byID := make(map[string]*model.Product, len(products))
		for _, p := range products {
			byID[p.ID] = p
		}

		subtotal := decimal.Zero
		items := make([]*model.OrderItem, len(in.Items))
		for i, line := range in.Items {
			product, ok := byID[line.ProductID]
			if !ok {
				return apperr.Newf(apperr.CodeNotFound, "product %s not found", line.ProductID)
			}
			lineTotal := product.Price.Mul(decimal.NewFromInt(line.Quantity))
			subtotal = subtotal.Add(lineTotal)
			items[i] = &model.OrderItem{
				OrderID:     order.ID,
				ProductID:   product.ID,
				ProductName: product.Name,
				Quantity:    line.Quantity,
				UnitPrice:   product.Price,
				LineTotal:   lineTotal,
			}
		}

		var coupon CouponEvaluation
		var couponID *uint
		if code := strings.TrimSpace(in.CouponCode); code != "" {
			coupon, err = evaluateCouponCode(ctx, tx, s.couponRepo, actor.UserID, code, subtotal, now)
			if err != nil {
				return err
			}
			if !coupon.Applies() {
				return apperr.Newf(apperr.CodeValidation, "coupon rejected: %s", coupon.Rejection)
			}
			found, err := s.couponRepo.FindByCode(ctx, tx, code)
			if err != nil {
				return fmt.Errorf("find coupon: %w", err)
			}
			couponID = &found.ID
		}

		totals := s.pricing.Quote(subtotal, coupon)
		order.Subtotal = totals.Subtotal
		order.Tax = totals.Tax
		order.Shipping = totals.Shipping
		order.Discount = totals.Discount
		order.Total = totals.Total
		order.CouponID = couponID

		for _, item := range items {
			ok, err := s.inventoryRepo.Decrement(ctx, tx, item.ProductID, item.Quantity)
			if err != nil {
				return fmt.Errorf("decrement stock: %w", err)
			}
			if !ok {
				return apperr.InsufficientStock(item.ProductID, byID[item.ProductID].Stock, item.Quantity)
			}
		}

		if couponID != nil {
			ok, err := s.couponRepo.IncrementUsage(ctx, tx, *couponID)
			if err != nil {
				return fmt.Errorf("increment coupon usage: %w", err)
			}
			if !ok {
				return apperr.Newf(apperr.CodeValidation, "coupon rejected: %s", CouponExhausted)
			}
		}

		if err := s.orderRepo.Create(ctx, tx, order); err != nil {
			return fmt.Errorf("store order in db: %w", err)
		}
		if err := s.orderRepo.CreateOrderItems(ctx, tx, items); err != nil {
			return fmt.Errorf("store order items in db: %w", err)
		}
		order.Items = items
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("order created",
		zap.String("order_id", order.ID),
		zap.String("order_number", order.OrderNumber),
		zap.String("user_id", order.UserID),
		zap.String("total", order.Total.StringFixed(2)))
	s.notifier.Enqueue(orderNotification(notify.EventOrderConfirmed, order, ""))

	return order, nil
}

func (s *orderServiceImpl) GetOrder(ctx context.Context, actor model.Actor, orderID string) (*model.Order, error) {
	return loadOrderFor(ctx, s.orderRepo, actor, orderID)
}

func (s *orderServiceImpl) ListOrders(ctx context.Context, actor model.Actor, limit int) ([]*model.Order, error) {
	if actor.UserID == "" {
		return nil, apperr.New(apperr.CodeUnauthorized, "authentication required")
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	orders, err := s.orderRepo.ListByUser(ctx, actor.UserID, limit)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	return orders, nil
}

func (s *orderServiceImpl) CancelOrder(ctx context.Context, actor model.Actor, orderID, reason string) (*CancelResult, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, apperr.New(apperr.CodeValidation, "cancellation reason is required")
	}

	order, err := loadOrderFor(ctx, s.orderRepo, actor, orderID)
	if err != nil {
		return nil, err
	}
	if order.CancelledAt != nil || !order.Status.IsCancellable() {
		return nil, apperr.Newf(apperr.CodeStateConflict, "order in status %s cannot be cancelled", order.Status)
	}

	trigger := triggerFor(actor)
	now := s.now()
	var payment *model.Payment
	refundPending := false

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cancellation := repository.OrderCancellation{
			Reason:               reason,
			At:                   now,
			RequirePaymentStatus: order.PaymentStatus,
		}
		if order.PaymentStatus == model.PaymentStatusPending {
			cancellation.PaymentStatus = model.PaymentStatusFailed
		}
		cancelled, err := s.orderRepo.Cancel(ctx, tx, order.ID, cancellation)
		if err != nil {
			return fmt.Errorf("cancel order: %w", err)
		}
		if !cancelled {
			return apperr.New(apperr.CodeStateConflict, "order changed while cancelling, please retry")
		}

		items, err := s.orderRepo.GetOrderItems(ctx, tx, order.ID)
		if err != nil {
			return fmt.Errorf("get order items: %w", err)
		}
		if err := s.inventoryRepo.RestoreItems(ctx, tx, items); err != nil {
			return fmt.Errorf("restore stock: %w", err)
		}

		payment, err = s.paymentRepo.FindByOrderID(ctx, tx, order.ID)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("find payment: %w", err)
		}
		if payment != nil && payment.Status == model.PaymentRecordPending {
			if _, err := s.paymentRepo.Fail(ctx, tx, payment.ID, repository.PaymentResult{
				ResultCode: "CANCELLED",
				ResultDesc: "order cancelled",
			}); err != nil {
				return fmt.Errorf("fail payment: %w", err)
			}
			payment.Status = model.PaymentRecordFailed
		}
		if payment != nil && order.PaymentStatus == model.PaymentStatusPaid {
			refundPending, err = s.paymentRepo.RequestRefund(ctx, tx, payment.ID, now)
			if err != nil {
				return fmt.Errorf("request refund: %w", err)
			}
		}

		entry := logEntry{
			Actor:    actor,
			Trigger:  trigger,
			Action:   model.LogOrderCancelled,
			Outcome:  "cancelled",
			Order:    order,
			Payment:  payment,
			Previous: string(order.Status),
			Next:     string(model.OrderStatusCancelled),
			Details:  map[string]any{"reason": reason},
		}
		if err := s.paymentLogs.Append(ctx, tx, entry.build()); err != nil {
			return fmt.Errorf("append payment log: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if order.PaymentStatus == model.PaymentStatusPending {
		order.PaymentStatus = model.PaymentStatusFailed
	}
	order.Status = model.OrderStatusCancelled
	order.CancellationReason = reason
	order.CancelledAt = &now
	result := &CancelResult{Order: order}

	if refundPending {
		payment.RefundStatus = model.RefundPending
		status, refundErr := s.refunds.refund(ctx, actor, trigger, order, payment)
		result.RefundStatus = status
		if refundErr != nil {
			result.Warnings = append(result.Warnings, Warning{Code: apperr.CodeRefundFailed, Message: refundErr.Error()})
		}
		if status == model.RefundCompleted {
			order.PaymentStatus = model.PaymentStatusRefunded
		}
	}

	s.log.Info("order cancelled",
		zap.String("order_id", order.ID),
		zap.String("actor_id", actor.UserID),
		zap.String("reason", reason),
		zap.String("refund_status", string(result.RefundStatus)))
	s.notifier.Enqueue(orderNotification(notify.EventOrderCancelled, order, reason))

	return result, nil
}

func loadOrderFor(ctx context.Context, orderRepo repository.OrderRepository, actor model.Actor, orderID string) (*model.Order, error) {
	order, err := orderRepo.FindByID(ctx, nil, orderID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperr.Newf(apperr.CodeNotFound, "order %s not found", orderID)
	}
	if err != nil {
		return nil, fmt.Errorf("find order: %w", err)
	}
	if !actor.CanAccess(order.UserID) {
		return nil, apperr.New(apperr.CodeForbidden, "order belongs to another customer")
	}
	return order, nil
}

// newOrderNumber formats ORD-YYYYMMDD-XXXXXXXX.
func newOrderNumber(now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))[:8]
	return fmt.Sprintf("ORD-%s-%s", now.Format("20060102"), suffix)
}
