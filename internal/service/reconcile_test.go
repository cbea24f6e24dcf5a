package service

import (
	"context"
	"sync"
	"testing"

	"storefront-payments/internal/apperr"
	"storefront-payments/internal/model"
	"storefront-payments/internal/notify"
	"storefront-payments/internal/repository"
	"storefront-payments/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// stalePayments reports every payment as still pending, the way a reader sees it
// when another transaction settles it between the read and the update.
type stalePayments struct {
	repository.PaymentRepository
}

func (s stalePayments) FindByReference(ctx context.Context, tx *gorm.DB, method model.PaymentMethod, reference string) (*model.Payment, error) {
	payment, err := s.PaymentRepository.FindByReference(ctx, tx, method, reference)
	if err != nil {
		return nil, err
	}
	payment.Status = model.PaymentRecordPending
	return payment, nil
}

func TestReconcile_SuccessIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	order := env.createOrder(t, model.PaymentMethodMpesa, OrderLine{ProductID: "tee", Quantity: 2})
	handle := env.initiate(t, order)
	body := mpesaCallback(handle.Reference, "0", "The service request is processed successfully.")
	env.mpesa.SetResult(handle.Reference, "0", "The service request is processed successfully.")

	require.NoError(t, env.payments.HandleMpesaCallback(ctx, body))
	first := env.order(t, order.ID)
	require.NoError(t, env.payments.HandleMpesaCallback(ctx, body))
	second := env.order(t, order.ID)

	assert.Equal(t, model.OrderStatusProcessing, second.Status)
	assert.Equal(t, model.PaymentStatusPaid, second.PaymentStatus)
	assert.Equal(t, first.UpdatedAt, second.UpdatedAt)
	assert.Equal(t, 1, env.notifier.Count(notify.EventPaymentConfirmed))
	assert.Equal(t, 1, env.notifier.Count(notify.EventOrderStatusUpdated))
	assert.Equal(t, int64(8), testutil.Stock(t, env.db, "tee"))

	payment := env.payment(t, order.ID)
	assert.Equal(t, model.PaymentRecordCompleted, payment.Status)
	assert.Equal(t, "QJK4ABC123", payment.ReceiptID)
	require.NotNil(t, payment.PaidAt)
	assert.Equal(t, "2026-10-16T09:05:00Z", payment.PaidAt.UTC().Format("2006-01-02T15:04:05Z"))

	received := env.logs(t, order.ID, model.LogWebhookReceived)
	require.Len(t, received, 2)
	// newest first
	assert.Contains(t, received[0].Details, `"already_terminal":true`)
	assert.Equal(t, model.TriggerWebhook, received[1].Trigger)
	assert.Equal(t, model.ActorSystem, received[1].ActorType)
	assert.Equal(t, string(model.PaymentRecordCompleted), received[1].NewStatus)
}

func TestReconcile_ConcurrentDeliveriesApplyOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	order := env.createOrder(t, model.PaymentMethodMpesa, OrderLine{ProductID: "mug", Quantity: 1})
	handle := env.initiate(t, order)

	var wg sync.WaitGroup
	results := make([]*ReconcileResult, 6)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := env.reconciler.Reconcile(ctx, &ReconcileInput{
				Method:    model.PaymentMethodMpesa,
				Reference: handle.Reference,
				Outcome:   Outcome{Kind: OutcomeSuccess, ReceiptID: "R1", ResultCode: "0"},
				Trigger:   model.TriggerPoll,
				Actor:     model.SystemActor(),
			})
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	applied := 0
	for _, res := range results {
		require.NotNil(t, res)
		if !res.AlreadyTerminal {
			applied++
		}
		assert.Equal(t, model.PaymentRecordCompleted, res.PaymentStatus)
	}
	assert.Equal(t, 1, applied)
	assert.Equal(t, 1, env.notifier.Count(notify.EventPaymentConfirmed))
}

func TestReconcile_1032LeavesOrderOpen(t *testing.T) {
	env := newTestEnv(t)
	order := env.createOrder(t, model.PaymentMethodMpesa, OrderLine{ProductID: "tee", Quantity: 1})
	handle := env.initiate(t, order)

	env.deliverCallback(t, handle.Reference, "1032", "Request cancelled by user")

	stored := env.order(t, order.ID)
	assert.Equal(t, model.OrderStatusPending, stored.Status)
	assert.Equal(t, model.PaymentStatusPending, stored.PaymentStatus)
	assert.Nil(t, stored.CancelledAt)
	assert.Equal(t, int64(9), testutil.Stock(t, env.db, "tee"))

	payment := env.payment(t, order.ID)
	assert.Equal(t, model.PaymentRecordFailed, payment.Status)
	assert.Equal(t, "1032", payment.ResultCode)
	assert.Zero(t, env.notifier.Count(notify.EventOrderCancelled))

	// the customer retries on the same order
	env.mpesa.PushResponse.CheckoutRequestID = "ws_CO_2"
	retry := env.initiate(t, order)
	assert.Equal(t, "ws_CO_2", retry.Reference)
	assert.Equal(t, 2, retry.Attempts)
	assert.Equal(t, payment.ID, retry.PaymentID)
	assert.Equal(t, model.PaymentRecordPending, env.payment(t, order.ID).Status)
}

func TestReconcile_TerminalCodeCancelsOrder(t *testing.T) {
	env := newTestEnvWithPolicy(t, NewFailurePolicy([]string{"2001"}, nil))
	order := env.createOrder(t, model.PaymentMethodMpesa, OrderLine{ProductID: "tee", Quantity: 4})
	handle := env.initiate(t, order)

	env.deliverCallback(t, handle.Reference, "2001", "The initiator information is invalid.")

	stored := env.order(t, order.ID)
	assert.Equal(t, model.OrderStatusCancelled, stored.Status)
	assert.Equal(t, model.PaymentStatusFailed, stored.PaymentStatus)
	assert.Equal(t, int64(10), testutil.Stock(t, env.db, "tee"))
	assert.Equal(t, 1, env.notifier.Count(notify.EventOrderCancelled))
	assert.Len(t, env.logs(t, order.ID, model.LogOrderCancelled), 1)
}

func TestReconcile_UnknownReferenceIsLoggedAndAcknowledged(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.payments.HandleMpesaCallback(ctx, mpesaCallback("ws_CO_missing", "0", "ok")))

	_, err := env.reconciler.Reconcile(ctx, &ReconcileInput{
		Reference: "ws_CO_missing",
		Outcome:   Outcome{Kind: OutcomeSuccess},
		Trigger:   model.TriggerPoll,
	})
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))

	logs, err := env.paymentLogs.List(ctx, repository.PaymentLogFilter{Outcome: "not_found"})
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "ws_CO_missing", logs[0].Reference)
}

func TestReconcile_LateCaptureOnCancelledOrderRequestsRefundOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	order := env.createOrder(t, model.PaymentMethodMpesa, OrderLine{ProductID: "tee", Quantity: 1})
	handle := env.initiate(t, order)
	_, err := env.orders.CancelOrder(ctx, customer, order.ID, "found it cheaper")
	require.NoError(t, err)

	body := mpesaCallback(handle.Reference, "0", "ok")
	env.mpesa.SetResult(handle.Reference, "0", "ok")
	require.NoError(t, env.payments.HandleMpesaCallback(ctx, body))
	require.NoError(t, env.payments.HandleMpesaCallback(ctx, body))

	payment := env.payment(t, order.ID)
	assert.Equal(t, model.PaymentRecordFailed, payment.Status)
	assert.Equal(t, model.RefundPending, payment.RefundStatus)
	assert.Equal(t, "QJK4ABC123", payment.ReceiptID)
	assert.Len(t, env.logs(t, order.ID, model.LogRefundRequested), 1)
	assert.Equal(t, model.OrderStatusCancelled, env.order(t, order.ID).Status)
	assert.Equal(t, int64(10), testutil.Stock(t, env.db, "tee"))
	assert.Zero(t, env.notifier.Count(notify.EventPaymentConfirmed))
}

func TestReconcile_PendingOutcomeOnlyLogs(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	order := env.createOrder(t, model.PaymentMethodMpesa, OrderLine{ProductID: "tee", Quantity: 1})
	env.initiate(t, order)
	env.mpesa.QueryResponse = &model.StkQueryResponse{ErrorCode: "500.001.1001", ErrorMessage: "The transaction is being processed"}

	res, err := env.payments.Poll(ctx, customer, order.ID)
	require.NoError(t, err)

	assert.Equal(t, model.PaymentRecordPending, res.PaymentStatus)
	assert.Equal(t, model.OrderStatusPending, res.OrderStatus)
	logs := env.logs(t, order.ID, model.LogVerificationRequest)
	require.Len(t, logs, 1)
	assert.Equal(t, model.TriggerPoll, logs[0].Trigger)
	assert.Equal(t, string(OutcomePending), logs[0].Outcome)
}

func TestReconcile_SuccessAfterConcurrentCancelRequestsRefund(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	order := env.createOrder(t, model.PaymentMethodMpesa, OrderLine{ProductID: "tee", Quantity: 1})
	handle := env.initiate(t, order)
	_, err := env.orders.CancelOrder(ctx, customer, order.ID, "changed my mind")
	require.NoError(t, err)

	reconciler := NewReconciler(env.db, stalePayments{env.paymentRepo}, env.orderRepo,
		repository.NewInventoryRepository(env.db), env.paymentLogs, env.notifier, NewFailurePolicy(nil, nil), zap.NewNop())

	res, err := reconciler.Reconcile(ctx, &ReconcileInput{
		Method:    model.PaymentMethodMpesa,
		Reference: handle.Reference,
		Outcome:   Outcome{Kind: OutcomeSuccess, ReceiptID: "QJK4RACE"},
		Trigger:   model.TriggerWebhook,
		Actor:     model.SystemActor(),
		Action:    model.LogWebhookReceived,
	})
	require.NoError(t, err)

	assert.True(t, res.AlreadyTerminal)
	assert.True(t, res.RefundRequested)
	assert.Equal(t, model.OrderStatusCancelled, res.OrderStatus)
	payment := env.payment(t, order.ID)
	assert.Equal(t, model.PaymentRecordFailed, payment.Status)
	assert.Equal(t, model.RefundPending, payment.RefundStatus)
	assert.Equal(t, "QJK4RACE", payment.ReceiptID)
	assert.Len(t, env.logs(t, order.ID, model.LogRefundRequested), 1)
	assert.Zero(t, env.notifier.Count(notify.EventPaymentConfirmed))
}

func TestReconcile_SecondReceiptOnPaidOrderIsFlagged(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	order := env.createOrder(t, model.PaymentMethodMpesa, OrderLine{ProductID: "tee", Quantity: 1})
	handle := env.initiate(t, order)
	env.deliverCallback(t, handle.Reference, "0", "ok")

	res, err := env.reconciler.Reconcile(ctx, &ReconcileInput{
		Method:    model.PaymentMethodMpesa,
		Reference: handle.Reference,
		Outcome:   Outcome{Kind: OutcomeSuccess, ReceiptID: "QJK4OTHER"},
		Trigger:   model.TriggerAdmin,
		Actor:     admin,
		Action:    model.LogStatusUpdated,
	})
	require.NoError(t, err)

	assert.True(t, res.AlreadyTerminal)
	assert.Equal(t, "QJK4OTHER", res.DuplicateReceipt)
	assert.False(t, res.RefundRequested)
	assert.Equal(t, "QJK4ABC123", env.payment(t, order.ID).ReceiptID)
	logs := env.logs(t, order.ID, model.LogStatusUpdated)
	require.Len(t, logs, 1)
	assert.Contains(t, logs[0].Details, `"duplicate_receipt":"QJK4OTHER"`)
	assert.Equal(t, 1, env.notifier.Count(notify.EventPaymentConfirmed))
}
