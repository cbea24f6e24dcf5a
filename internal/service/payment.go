package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"storefront-payments/internal/apperr"
	"storefront-payments/internal/client"
	"storefront-payments/internal/model"
	"storefront-payments/internal/repository"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
)

type InitiatePaymentInput struct {
	IdempotencyKey string
	PhoneNumber    string
	ReturnURL      string
	CancelURL      string
}

type PaymentHandle struct {
	OrderID     string                    `json:"order_id"`
	PaymentID   string                    `json:"payment_id"`
	Method      model.PaymentMethod       `json:"method"`
	Reference   string                    `json:"reference"`
	Amount      decimal.Decimal           `json:"amount"`
	Status      model.PaymentRecordStatus `json:"status"`
	Attempts    int                       `json:"attempts"`
	ApproveURL  string                    `json:"approve_url,omitempty"`
	ClientToken string                    `json:"client_token,omitempty"`
	Message     string                    `json:"message,omitempty"`
}

type PaymentService interface {
	Initiate(ctx context.Context, actor model.Actor, orderID string, in *InitiatePaymentInput) (*PaymentHandle, error)
	// Poll asks the rail about the order's payment and reconciles the answer.
	Poll(ctx context.Context, actor model.Actor, orderID string) (*ReconcileResult, error)
	Confirm(ctx context.Context, actor model.Actor, orderID, nonce string) (*ReconcileResult, error)
	// CheckoutReturn handles the payer's browser coming back from the hosted checkout page.
	CheckoutReturn(ctx context.Context, sessionID string, cancelled bool) (*ReconcileResult, error)
	HandleMpesaCallback(ctx context.Context, body []byte) error
	HandleCheckoutWebhook(ctx context.Context, headers http.Header, body []byte) error
}

type paymentServiceImpl struct {
	db               *gorm.DB
	orderRepo        repository.OrderRepository
	paymentRepo      repository.PaymentRepository
	paymentLogs      repository.PaymentLogRepository
	webhookEventRepo repository.WebhookEventRepository
	idempotency      repository.IdempotencyStore
	idempotencyTTL   time.Duration
	initiators       Initiators
	reconciler       Reconciler
	verifier         client.WebhookVerifier
	polls            singleflight.Group
	log              *zap.Logger
}

func NewPaymentService(
	db *gorm.DB,
	orderRepo repository.OrderRepository,
	paymentRepo repository.PaymentRepository,
	paymentLogs repository.PaymentLogRepository,
	webhookEventRepo repository.WebhookEventRepository,
	idempotency repository.IdempotencyStore,
	idempotencyTTL time.Duration,
	initiators Initiators,
	reconciler Reconciler,
	verifier client.WebhookVerifier,
	log *zap.Logger,
) PaymentService {
	return &paymentServiceImpl{
		db:               db,
		orderRepo:        orderRepo,
		paymentRepo:      paymentRepo,
		paymentLogs:      paymentLogs,
		webhookEventRepo: webhookEventRepo,
		idempotency:      idempotency,
		idempotencyTTL:   idempotencyTTL,
		initiators:       initiators,
		reconciler:       reconciler,
		verifier:         verifier,
		log:              log,
	}
}

func (s *paymentServiceImpl) Initiate(ctx context.Context, actor model.Actor, orderID string, in *InitiatePaymentInput) (*PaymentHandle, error) {
	key := strings.TrimSpace(in.IdempotencyKey)
	if key == "" {
		return nil, apperr.New(apperr.CodeValidation, "Idempotency-Key header is required")
	}

	order, err := loadOrderFor(ctx, s.orderRepo, actor, orderID)
	if err != nil {
		return nil, err
	}
	if order.CancelledAt != nil || order.Status != model.OrderStatusPending || order.PaymentStatus != model.PaymentStatusPending {
		return nil, apperr.Newf(apperr.CodeStateConflict, "order in status %s with payment %s cannot take a payment", order.Status, order.PaymentStatus)
	}
	initiator, err := s.initiators.Get(order.PaymentMethod)
	if err != nil {
		return nil, err
	}

	storeKey := fmt.Sprintf("%s:%s:%s", order.UserID, order.ID, key)
	stored, err := s.idempotency.Reserve(ctx, storeKey, s.idempotencyTTL)
	if errors.Is(err, repository.ErrIdempotencyKeyInFlight) {
		return nil, apperr.New(apperr.CodeIdempotencyConflict, "a payment attempt with this key is still in progress")
	}
	if err != nil {
		return nil, fmt.Errorf("reserve idempotency key: %w", err)
	}
	if stored != "" {
		var handle PaymentHandle
		if err := json.Unmarshal([]byte(stored), &handle); err != nil {
			return nil, fmt.Errorf("decode stored payment handle: %w", err)
		}
		return &handle, nil
	}

	handle, err := s.initiate(ctx, actor, order, initiator, in)
	if err != nil {
		if releaseErr := s.idempotency.Release(ctx, storeKey); releaseErr != nil {
			s.log.Error("failed to release idempotency key", zap.String("key", storeKey), zap.Error(releaseErr))
		}
		return nil, err
	}

	if b, err := json.Marshal(handle); err == nil {
		if err := s.idempotency.Complete(ctx, storeKey, string(b), s.idempotencyTTL); err != nil {
			s.log.Error("failed to store idempotent response", zap.String("key", storeKey), zap.Error(err))
		}
	}
	return handle, nil
}

func (s *paymentServiceImpl) initiate(ctx context.Context, actor model.Actor, order *model.Order, initiator PaymentInitiator, in *InitiatePaymentInput) (*PaymentHandle, error) {
	existing, err := s.paymentRepo.FindByOrderID(ctx, nil, order.ID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("find payment: %w", err)
	}
	if existing != nil && existing.Status == model.PaymentRecordCompleted {
		return nil, apperr.New(apperr.CodeStateConflict, "order is already paid")
	}
	if existing != nil && existing.Status == model.PaymentRecordPending {
		if err := s.settlePrevious(ctx, actor, initiator, existing); err != nil {
			return nil, err
		}
	}

	rail, err := initiator.Initiate(ctx, order, &InitiateRequest{
		PhoneNumber: in.PhoneNumber,
		ReturnURL:   in.ReturnURL,
		CancelURL:   in.CancelURL,
	})
	if err != nil {
		entry := logEntry{
			Actor:   actor,
			Trigger: triggerFor(actor),
			Action:  model.LogPaymentInitiated,
			Outcome: "rail_error",
			Order:   order,
			Payment: existing,
			Details: map[string]any{"error": apperr.MessageOf(err)},
		}
		if logErr := s.paymentLogs.Append(ctx, nil, entry.build()); logErr != nil {
			s.log.Error("failed to log payment initiation", zap.String("order_id", order.ID), zap.Error(logErr))
		}
		s.log.Warn("payment initiation failed",
			zap.String("order_id", order.ID),
			zap.String("method", string(order.PaymentMethod)),
			zap.Error(err))
		return nil, err
	}

	amount := rail.Amount
	if amount.IsZero() {
		amount = order.Total
	}

	payment := existing
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if payment == nil {
			payment = &model.Payment{
				ID:                uuid.NewString(),
				OrderID:           order.ID,
				Method:            order.PaymentMethod,
				Reference:         rail.Reference,
				MerchantRequestID: rail.MerchantRequestID,
				PhoneNumber:       rail.PhoneNumber,
				Amount:            amount,
				Currency:          order.Currency,
				Status:            model.PaymentRecordPending,
				Attempts:          1,
			}
			if err := s.paymentRepo.Create(ctx, tx, payment); err != nil {
				return fmt.Errorf("store payment in db: %w", err)
			}
		} else {
			previous := payment.Reference
			reopened, err := s.paymentRepo.Reopen(ctx, tx, payment.ID, repository.PaymentReopen{
				Reference:         rail.Reference,
				MerchantRequestID: rail.MerchantRequestID,
				PhoneNumber:       rail.PhoneNumber,
				Amount:            amount,
			})
			if err != nil {
				return fmt.Errorf("reopen payment: %w", err)
			}
			if !reopened {
				return apperr.New(apperr.CodeStateConflict, "payment changed while initiating, please retry")
			}
			payment.Reference = rail.Reference
			payment.MerchantRequestID = rail.MerchantRequestID
			payment.PhoneNumber = rail.PhoneNumber
			payment.Amount = amount
			payment.Status = model.PaymentRecordPending
			payment.Attempts++
			s.log.Info("payment reopened",
				zap.String("payment_id", payment.ID),
				zap.String("previous_reference", previous),
				zap.Int("attempts", payment.Attempts))
		}

		return s.paymentLogs.Append(ctx, tx, logEntry{
			Actor:   actor,
			Trigger: triggerFor(actor),
			Action:  model.LogPaymentInitiated,
			Outcome: "pending",
			Order:   order,
			Payment: payment,
			Next:    string(model.PaymentRecordPending),
			Details: map[string]any{"attempt": payment.Attempts},
		}.build())
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("payment initiated",
		zap.String("order_id", order.ID),
		zap.String("payment_id", payment.ID),
		zap.String("method", string(payment.Method)),
		zap.String("reference", payment.Reference))

	return &PaymentHandle{
		OrderID:     order.ID,
		PaymentID:   payment.ID,
		Method:      payment.Method,
		Reference:   payment.Reference,
		Amount:      payment.Amount,
		Status:      payment.Status,
		Attempts:    payment.Attempts,
		ApproveURL:  rail.ApproveURL,
		ClientToken: rail.ClientToken,
		Message:     rail.Message,
	}, nil
}

// settlePrevious asks the rail about the attempt a retry would replace. An attempt the
// payer already completed is reconciled and the retry refused.
func (s *paymentServiceImpl) settlePrevious(ctx context.Context, actor model.Actor, initiator PaymentInitiator, payment *model.Payment) error {
	outcome, err := initiator.Query(ctx, payment)
	if err != nil {
		return railError(err, "check previous payment attempt")
	}
	if outcome.Kind == OutcomePending {
		return nil
	}

	res, err := s.reconciler.Reconcile(ctx, &ReconcileInput{
		Method:    payment.Method,
		Reference: payment.Reference,
		Outcome:   *outcome,
		Trigger:   model.TriggerPoll,
		Actor:     actor,
		Action:    model.LogVerificationRequest,
		Details:   map[string]any{"reason": "payment retried"},
	})
	if err != nil {
		return err
	}
	switch {
	case res.PaymentStatus == model.PaymentRecordCompleted:
		return apperr.New(apperr.CodeStateConflict, "order is already paid")
	case res.OrderStatus == model.OrderStatusCancelled:
		return apperr.New(apperr.CodeStateConflict, "order was cancelled")
	}
	payment.Status = res.PaymentStatus
	return nil
}

func (s *paymentServiceImpl) Poll(ctx context.Context, actor model.Actor, orderID string) (*ReconcileResult, error) {
	order, err := loadOrderFor(ctx, s.orderRepo, actor, orderID)
	if err != nil {
		return nil, err
	}
	payment, err := s.paymentFor(ctx, order)
	if err != nil {
		return nil, err
	}
	return s.poll(ctx, actor, order, payment)
}

func (s *paymentServiceImpl) CheckoutReturn(ctx context.Context, sessionID string, cancelled bool) (*ReconcileResult, error) {
	if sessionID == "" {
		return nil, apperr.New(apperr.CodeValidation, "missing checkout token")
	}
	payment, err := s.paymentRepo.FindByReference(ctx, nil, model.PaymentMethodCheckout, sessionID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperr.Newf(apperr.CodeNotFound, "no payment found for checkout session %s", sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("find payment: %w", err)
	}
	order, err := s.orderRepo.FindByID(ctx, nil, payment.OrderID)
	if err != nil {
		return nil, fmt.Errorf("find order: %w", err)
	}
	if cancelled {
		// the order stays open so the payer can try again
		return currentState(order, payment), nil
	}
	return s.poll(ctx, model.SystemActor(), order, payment)
}

// poll collapses concurrent queries for the same reference into one rail call.
func (s *paymentServiceImpl) poll(ctx context.Context, actor model.Actor, order *model.Order, payment *model.Payment) (*ReconcileResult, error) {
	if payment.Status.IsTerminal() {
		return currentState(order, payment), nil
	}
	initiator, err := s.initiators.Get(payment.Method)
	if err != nil {
		return nil, err
	}

	v, err, shared := s.polls.Do(payment.Reference, func() (any, error) {
		outcome, err := initiator.Query(ctx, payment)
		if err != nil {
			return nil, railError(err, "query payment status")
		}
		return s.reconciler.Reconcile(ctx, &ReconcileInput{
			Method:    payment.Method,
			Reference: payment.Reference,
			Outcome:   *outcome,
			Trigger:   model.TriggerPoll,
			Actor:     actor,
			Action:    model.LogVerificationRequest,
		})
	})
	if err != nil {
		return nil, err
	}
	if shared {
		s.log.Debug("poll shared with a concurrent caller", zap.String("reference", payment.Reference))
	}
	return v.(*ReconcileResult), nil
}

func (s *paymentServiceImpl) Confirm(ctx context.Context, actor model.Actor, orderID, nonce string) (*ReconcileResult, error) {
	if strings.TrimSpace(nonce) == "" {
		return nil, apperr.New(apperr.CodeValidation, "payment nonce is required")
	}
	order, err := loadOrderFor(ctx, s.orderRepo, actor, orderID)
	if err != nil {
		return nil, err
	}
	confirmer, ok := s.initiators.Confirmer(order.PaymentMethod)
	if !ok {
		return nil, apperr.Newf(apperr.CodeValidation, "payment method %s does not take confirmations", order.PaymentMethod)
	}
	payment, err := s.paymentFor(ctx, order)
	if err != nil {
		return nil, err
	}
	if payment.Status.IsTerminal() {
		return currentState(order, payment), nil
	}

	outcome, err := confirmer.Confirm(ctx, payment, nonce)
	if err != nil {
		return nil, err
	}
	return s.reconciler.Reconcile(ctx, &ReconcileInput{
		Method:    payment.Method,
		Reference: payment.Reference,
		Outcome:   *outcome,
		Trigger:   model.TriggerUser,
		Actor:     actor,
		Action:    model.LogVerificationRequest,
	})
}

func (s *paymentServiceImpl) HandleMpesaCallback(ctx context.Context, body []byte) error {
	var envelope model.StkCallbackEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return apperr.Wrap(apperr.CodeValidation, err, "invalid callback payload")
	}
	cb := envelope.Body.StkCallback
	if cb.CheckoutRequestID == "" {
		return apperr.New(apperr.CodeValidation, "callback has no CheckoutRequestID")
	}

	claimed := MpesaCallbackOutcome(&cb)
	details := map[string]any{
		"merchant_request_id": cb.MerchantRequestID,
		"result_code":         cb.ResultCode.String(),
	}
	outcome, err := s.confirmCallback(ctx, cb.CheckoutRequestID, claimed)
	if err != nil {
		return err
	}
	if outcome != claimed {
		details["unconfirmed"] = true
		details["claimed_outcome"] = string(claimed.Kind)
		s.log.Warn("callback outcome not confirmed by the rail",
			zap.String("reference", cb.CheckoutRequestID),
			zap.String("claimed", string(claimed.Kind)),
			zap.String("rail", string(outcome.Kind)))
	}

	_, err = s.reconciler.Reconcile(ctx, &ReconcileInput{
		Method:    model.PaymentMethodMpesa,
		Reference: cb.CheckoutRequestID,
		Outcome:   *outcome,
		Trigger:   model.TriggerWebhook,
		Actor:     model.SystemActor(),
		Action:    model.LogWebhookReceived,
		Details:   details,
	})
	if apperr.Is(err, apperr.CodeNotFound) {
		// acknowledged so the rail stops redelivering, the audit log keeps the reference
		return nil
	}
	return err
}

// confirmCallback checks an unsigned callback against a status query for the same
// prompt. It returns claimed when the rail agrees and the rail's own answer when it
// does not.
func (s *paymentServiceImpl) confirmCallback(ctx context.Context, reference string, claimed *Outcome) (*Outcome, error) {
	payment, err := s.paymentRepo.FindByReference(ctx, nil, model.PaymentMethodMpesa, reference)
	if errors.Is(err, repository.ErrNotFound) {
		return claimed, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find payment: %w", err)
	}
	if payment.Status == model.PaymentRecordCompleted {
		return claimed, nil
	}

	initiator, err := s.initiators.Get(model.PaymentMethodMpesa)
	if err != nil {
		return nil, err
	}
	prompt := *payment
	prompt.Reference = reference
	answer, err := initiator.Query(ctx, &prompt)
	if err != nil {
		return nil, railError(err, "confirm payment callback")
	}
	if answer.Kind != claimed.Kind {
		return answer, nil
	}
	return claimed, nil
}

func (s *paymentServiceImpl) HandleCheckoutWebhook(ctx context.Context, headers http.Header, body []byte) error {
	if err := s.verifier.VerifyWebhookSignature(headers, body); err != nil {
		return apperr.Wrap(apperr.CodeUnauthorized, err, "invalid webhook signature")
	}

	var event model.CheckoutWebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return apperr.Wrap(apperr.CodeValidation, err, "invalid webhook payload")
	}
	if event.ID == "" {
		return apperr.New(apperr.CodeValidation, "webhook event has no id")
	}

	seen, err := s.webhookEventRepo.Exists(ctx, event.ID)
	if err != nil {
		return fmt.Errorf("check webhook event: %w", err)
	}
	if seen {
		s.log.Info("duplicate webhook event ignored", zap.String("event_id", event.ID), zap.String("event_type", event.EventType))
		return nil
	}

	reference, customID, outcome, ok := checkoutWebhookOutcome(&event)
	if !ok {
		s.log.Debug("unhandled webhook event", zap.String("event_type", event.EventType))
		return nil
	}
	if reference == "" && customID != "" {
		payment, err := s.paymentRepo.FindByOrderID(ctx, nil, customID)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("find payment: %w", err)
		}
		if payment != nil {
			reference = payment.Reference
		}
	}
	if reference == "" {
		s.log.Warn("webhook event without a session reference", zap.String("event_id", event.ID), zap.String("event_type", event.EventType))
		reference = "unknown:" + event.ID
	}

	_, err = s.reconciler.Reconcile(ctx, &ReconcileInput{
		Method:    model.PaymentMethodCheckout,
		Reference: reference,
		Outcome:   *outcome,
		Trigger:   model.TriggerWebhook,
		Actor:     model.SystemActor(),
		Action:    model.LogWebhookReceived,
		Details:   map[string]any{"event_id": event.ID, "event_type": event.EventType},
	})
	if err != nil && !apperr.Is(err, apperr.CodeNotFound) {
		return err
	}

	if _, err := s.webhookEventRepo.MarkProcessed(ctx, nil, event.ID, event.EventType); err != nil {
		s.log.Error("failed to record webhook event", zap.String("event_id", event.ID), zap.Error(err))
	}
	return nil
}

// checkoutWebhookOutcome maps a hosted-checkout event to the session it concerns and
// the verdict it carries. customID is our order id when the gateway echoed it back.
func checkoutWebhookOutcome(event *model.CheckoutWebhookEvent) (string, string, *Outcome, bool) {
	res := event.Resource
	customID := res.CustomID
	if customID == "" && len(res.PurchaseUnits) > 0 {
		customID = res.PurchaseUnits[0].CustomID
	}

	switch event.EventType {
	case model.CheckoutEventCaptureCompleted:
		return res.SupplementaryData.RelatedIDs.OrderID, customID, &Outcome{
			Kind:       OutcomeSuccess,
			ReceiptID:  res.ID,
			ResultCode: res.Status,
			PaidAt:     parseWebhookTime(res.CreateTime),
		}, true
	case model.CheckoutEventCaptureDenied:
		return res.SupplementaryData.RelatedIDs.OrderID, customID, &Outcome{
			Kind:       OutcomeFailure,
			ResultCode: res.Status,
			ResultDesc: res.StatusDetails.Reason,
		}, true
	case model.CheckoutEventOrderCompleted:
		order := model.PaypalOrder{PurchaseUnits: res.PurchaseUnits}
		captureID, _ := order.CaptureID()
		return res.ID, customID, &Outcome{
			Kind:       OutcomeSuccess,
			ReceiptID:  captureID,
			ResultCode: res.Status,
		}, true
	case model.CheckoutEventOrderVoided:
		return res.ID, customID, &Outcome{
			Kind:       OutcomeFailure,
			ResultCode: res.Status,
			ResultDesc: "checkout session voided",
		}, true
	}
	return "", "", nil, false
}

func parseWebhookTime(value string) time.Time {
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}
	}
	return t
}

func (s *paymentServiceImpl) paymentFor(ctx context.Context, order *model.Order) (*model.Payment, error) {
	payment, err := s.paymentRepo.FindByOrderID(ctx, nil, order.ID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperr.Newf(apperr.CodeNotFound, "order %s has no payment yet", order.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("find payment: %w", err)
	}
	return payment, nil
}

func currentState(order *model.Order, payment *model.Payment) *ReconcileResult {
	return &ReconcileResult{
		OrderID:            order.ID,
		PaymentID:          payment.ID,
		PaymentStatus:      payment.Status,
		OrderStatus:        order.Status,
		OrderPaymentStatus: order.PaymentStatus,
		AlreadyTerminal:    payment.Status.IsTerminal(),
	}
}
