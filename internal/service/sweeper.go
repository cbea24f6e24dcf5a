package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"storefront-payments/internal/config"
	"storefront-payments/internal/model"
	"storefront-payments/internal/notify"
	"storefront-payments/internal/repository"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const sweepReason = "payment timeout"

type SweepCandidate struct {
	OrderID       string              `json:"order_id"`
	OrderNumber   string              `json:"order_number"`
	UserID        string              `json:"user_id"`
	PaymentMethod model.PaymentMethod `json:"payment_method"`
	Total         decimal.Decimal     `json:"total"`
	CreatedAt     time.Time           `json:"created_at"`
}

type SweepFailure struct {
	OrderID string `json:"order_id"`
	Error   string `json:"error"`
}

type SweepResult struct {
	DryRun       bool             `json:"dry_run"`
	Cutoff       time.Time        `json:"cutoff"`
	Candidates   []SweepCandidate `json:"candidates"`
	Cancelled    []string         `json:"cancelled"`
	LateCaptures []string         `json:"late_captures,omitempty"`
	Failures     []SweepFailure   `json:"failures,omitempty"`
}

// Sweeper cancels orders whose payment never resolved within the configured window.
type Sweeper interface {
	Sweep(ctx context.Context, dryRun bool) (*SweepResult, error)
	// Run sweeps on the configured interval until ctx is done. It returns at once when
	// the interval is not positive.
	Run(ctx context.Context)
}

type sweeperImpl struct {
	db            *gorm.DB
	cfg           config.Sweep
	orderRepo     repository.OrderRepository
	paymentRepo   repository.PaymentRepository
	inventoryRepo repository.InventoryRepository
	paymentLogs   repository.PaymentLogRepository
	initiators    Initiators
	reconciler    Reconciler
	notifier      notify.Notifier
	log           *zap.Logger
	now           func() time.Time
}

func NewSweeper(
	db *gorm.DB,
	cfg config.Sweep,
	orderRepo repository.OrderRepository,
	paymentRepo repository.PaymentRepository,
	inventoryRepo repository.InventoryRepository,
	paymentLogs repository.PaymentLogRepository,
	initiators Initiators,
	reconciler Reconciler,
	notifier notify.Notifier,
	log *zap.Logger,
) Sweeper {
	return &sweeperImpl{
		db:            db,
		cfg:           cfg,
		orderRepo:     orderRepo,
		paymentRepo:   paymentRepo,
		inventoryRepo: inventoryRepo,
		paymentLogs:   paymentLogs,
		initiators:    initiators,
		reconciler:    reconciler,
		notifier:      notifier,
		log:           log,
		now:           time.Now,
	}
}

func (s *sweeperImpl) Sweep(ctx context.Context, dryRun bool) (*SweepResult, error) {
	batch := s.cfg.BatchSize
	if batch <= 0 {
		batch = 200
	}
	result := &SweepResult{
		DryRun:     dryRun,
		Cutoff:     s.now().Add(-s.cfg.After),
		Candidates: []SweepCandidate{},
		Cancelled:  []string{},
	}

	orders, err := s.orderRepo.FindSweepCandidates(ctx, result.Cutoff, batch)
	if err != nil {
		return nil, fmt.Errorf("find sweep candidates: %w", err)
	}
	for _, o := range orders {
		result.Candidates = append(result.Candidates, SweepCandidate{
			OrderID:       o.ID,
			OrderNumber:   o.OrderNumber,
			UserID:        o.UserID,
			PaymentMethod: o.PaymentMethod,
			Total:         o.Total,
			CreatedAt:     o.CreatedAt,
		})
	}
	if dryRun {
		return result, nil
	}

	for _, order := range orders {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		cancelled, lateCapture, err := s.sweepOrder(ctx, order)
		if err != nil {
			s.log.Error("failed to sweep order", zap.String("order_id", order.ID), zap.Error(err))
			result.Failures = append(result.Failures, SweepFailure{OrderID: order.ID, Error: err.Error()})
		}
		if cancelled {
			result.Cancelled = append(result.Cancelled, order.ID)
		}
		if lateCapture {
			result.LateCaptures = append(result.LateCaptures, order.ID)
		}
	}

	s.log.Info("sweep finished",
		zap.Time("cutoff", result.Cutoff),
		zap.Int("candidates", len(result.Candidates)),
		zap.Int("cancelled", len(result.Cancelled)),
		zap.Int("late_captures", len(result.LateCaptures)),
		zap.Int("failures", len(result.Failures)))
	return result, nil
}

// sweepOrder cancels one order. The cancellation, stock restore and payment timeout
// commit together; money the probe found captured then goes through the reconciler,
// which turns it into a refund request.
func (s *sweeperImpl) sweepOrder(ctx context.Context, order *model.Order) (bool, bool, error) {
	payment, err := s.paymentRepo.FindByOrderID(ctx, nil, order.ID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return false, false, fmt.Errorf("find payment: %w", err)
	}
	probe := s.probe(ctx, payment)

	var cancelled bool
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := s.orderRepo.Cancel(ctx, tx, order.ID, repository.OrderCancellation{
			Reason:               sweepReason,
			At:                   s.now(),
			PaymentStatus:        model.PaymentStatusFailed,
			RequirePaymentStatus: model.PaymentStatusPending,
		})
		if err != nil {
			return fmt.Errorf("cancel order: %w", err)
		}
		if !ok {
			// paid or cancelled since the candidate query
			return nil
		}
		cancelled = true

		items, err := s.orderRepo.GetOrderItems(ctx, tx, order.ID)
		if err != nil {
			return fmt.Errorf("get order items: %w", err)
		}
		if err := s.inventoryRepo.RestoreItems(ctx, tx, items); err != nil {
			return fmt.Errorf("restore stock: %w", err)
		}

		if payment != nil && payment.Status == model.PaymentRecordPending {
			if _, err := s.paymentRepo.Fail(ctx, tx, payment.ID, repository.PaymentResult{
				ResultCode: "TIMEOUT",
				ResultDesc: sweepReason,
			}); err != nil {
				return fmt.Errorf("fail payment: %w", err)
			}
			payment.Status = model.PaymentRecordFailed
		}

		details := map[string]any{"reason": sweepReason, "created_at": order.CreatedAt}
		if probe != nil {
			details["probe"] = string(probe.outcome.Kind)
			details["probe_reference"] = probe.reference
		}
		if err := s.paymentLogs.Append(ctx, tx, logEntry{
			Actor:    model.SystemActor(),
			Trigger:  model.TriggerSweeper,
			Action:   model.LogAutoCancelled,
			Outcome:  "cancelled",
			Order:    order,
			Payment:  payment,
			Previous: string(order.Status),
			Next:     string(model.OrderStatusCancelled),
			Details:  details,
		}.build()); err != nil {
			return fmt.Errorf("append payment log: %w", err)
		}
		return nil
	})
	if err != nil {
		return false, false, err
	}
	if !cancelled {
		return false, false, nil
	}

	order.Status = model.OrderStatusCancelled
	order.PaymentStatus = model.PaymentStatusFailed
	order.CancellationReason = sweepReason
	s.notifier.Enqueue(orderNotification(notify.EventOrderCancelled, order, sweepReason))

	if probe == nil || probe.outcome.Kind != OutcomeSuccess {
		return true, false, nil
	}
	res, err := s.reconciler.Reconcile(ctx, &ReconcileInput{
		Method:    payment.Method,
		Reference: probe.reference,
		Outcome:   probe.outcome,
		Trigger:   model.TriggerSweeper,
		Actor:     model.SystemActor(),
		Action:    model.LogVerificationRequest,
		Details:   map[string]any{"reason": "captured after payment timeout"},
	})
	if err != nil {
		return true, false, fmt.Errorf("reconcile late capture: %w", err)
	}
	if res.RefundRequested {
		s.log.Warn("swept order had a late capture, refund requested",
			zap.String("order_id", order.ID),
			zap.String("reference", probe.reference),
			zap.String("receipt_id", probe.outcome.ReceiptID))
	}
	return true, res.RefundRequested, nil
}

type probeResult struct {
	reference string
	outcome   Outcome
}

// probe asks the rail about every handle a pending payment has had, newest first,
// and stops at the first one reporting captured money. The whole probe shares one
// timeout; errors are logged and treated as no answer.
func (s *sweeperImpl) probe(ctx context.Context, payment *model.Payment) *probeResult {
	if payment == nil || payment.Status != model.PaymentRecordPending {
		return nil
	}
	initiator, err := s.initiators.Get(payment.Method)
	if err != nil {
		return nil
	}

	references := []string{payment.Reference}
	attempts, err := s.paymentRepo.ListAttempts(ctx, nil, payment.ID)
	if err != nil {
		s.log.Warn("list payment attempts", zap.String("payment_id", payment.ID), zap.Error(err))
	}
	for _, a := range attempts {
		if a.Reference != payment.Reference {
			references = append(references, a.Reference)
		}
	}

	timeout := s.cfg.ProbeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var latest *probeResult
	for _, ref := range references {
		handle := *payment
		handle.Reference = ref
		outcome, err := initiator.Query(probeCtx, &handle)
		if err != nil {
			s.log.Warn("sweep probe failed",
				zap.String("payment_id", payment.ID),
				zap.String("reference", ref),
				zap.Error(err))
			continue
		}
		if outcome.Kind == OutcomeSuccess {
			return &probeResult{reference: ref, outcome: *outcome}
		}
		if latest == nil {
			latest = &probeResult{reference: ref, outcome: *outcome}
		}
	}
	return latest
}

func (s *sweeperImpl) Run(ctx context.Context) {
	if s.cfg.Interval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.log.Info("sweeper started", zap.Duration("interval", s.cfg.Interval), zap.Duration("after", s.cfg.After))
	for {
		select {
		case <-ctx.Done():
			s.log.Info("sweeper stopped")
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx, false); err != nil && ctx.Err() == nil {
				s.log.Error("sweep failed", zap.Error(err))
			}
		}
	}
}
