package service

import (
	"context"
	"testing"
	"time"

	"storefront-payments/internal/model"
	"storefront-payments/internal/notify"
	"storefront-payments/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweep_CutoffBoundary(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	start := env.now
	env.mpesa.QueryResponse = &model.StkQueryResponse{ErrorCode: "500.001.1001", ErrorMessage: "The transaction is being processed"}

	stale := env.createOrder(t, model.PaymentMethodMpesa, OrderLine{ProductID: "tee", Quantity: 2})
	env.initiate(t, stale)
	env.now = start.Add(time.Minute)
	env.mpesa.PushResponse.CheckoutRequestID = "ws_CO_2"
	fresh := env.createOrder(t, model.PaymentMethodMpesa, OrderLine{ProductID: "tee", Quantity: 3})
	env.initiate(t, fresh)
	env.now = start.Add(24 * time.Hour)

	preview, err := env.sweeper.Sweep(ctx, true)
	require.NoError(t, err)
	require.Len(t, preview.Candidates, 1)
	assert.Equal(t, stale.ID, preview.Candidates[0].OrderID)
	assert.Empty(t, preview.Cancelled)
	assert.Zero(t, env.mpesa.Queries)
	assert.Equal(t, model.OrderStatusPending, env.order(t, stale.ID).Status)

	res, err := env.sweeper.Sweep(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, []string{stale.ID}, res.Cancelled)
	assert.Empty(t, res.Failures)
	assert.Equal(t, 1, env.mpesa.Queries)

	swept := env.order(t, stale.ID)
	assert.Equal(t, model.OrderStatusCancelled, swept.Status)
	assert.Equal(t, model.PaymentStatusFailed, swept.PaymentStatus)
	assert.Equal(t, "payment timeout", swept.CancellationReason)
	assert.Equal(t, model.OrderStatusPending, env.order(t, fresh.ID).Status)
	assert.Equal(t, int64(7), testutil.Stock(t, env.db, "tee"))

	payment := env.payment(t, stale.ID)
	assert.Equal(t, model.PaymentRecordFailed, payment.Status)
	assert.Equal(t, "TIMEOUT", payment.ResultCode)

	logs := env.logs(t, stale.ID, model.LogAutoCancelled)
	require.Len(t, logs, 1)
	assert.Equal(t, model.ActorSystem, logs[0].ActorType)
	assert.Equal(t, model.TriggerSweeper, logs[0].Trigger)
	assert.Equal(t, 1, env.notifier.Count(notify.EventOrderCancelled))

	// a second pass finds nothing left to do
	again, err := env.sweeper.Sweep(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, again.Candidates)
	assert.Equal(t, int64(7), testutil.Stock(t, env.db, "tee"))
}

func TestSweep_SkipsPaidOrders(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	order := env.createOrder(t, model.PaymentMethodMpesa, OrderLine{ProductID: "mug", Quantity: 1})
	handle := env.initiate(t, order)
	env.deliverCallback(t, handle.Reference, "0", "ok")
	env.now = env.now.Add(48 * time.Hour)

	res, err := env.sweeper.Sweep(ctx, false)
	require.NoError(t, err)

	assert.Empty(t, res.Candidates)
	assert.Equal(t, model.OrderStatusProcessing, env.order(t, order.ID).Status)
}

func TestSweep_LateCaptureRequestsRefund(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	order := env.createOrder(t, model.PaymentMethodMpesa, OrderLine{ProductID: "mug", Quantity: 2})
	env.initiate(t, order)
	env.now = env.now.Add(25 * time.Hour)
	env.mpesa.QueryResponse = &model.StkQueryResponse{
		ResponseCode: "0",
		ResultCode:   "0",
		ResultDesc:   "The service request is processed successfully.",
	}

	res, err := env.sweeper.Sweep(ctx, false)
	require.NoError(t, err)

	assert.Equal(t, []string{order.ID}, res.Cancelled)
	assert.Equal(t, []string{order.ID}, res.LateCaptures)
	assert.Equal(t, model.OrderStatusCancelled, env.order(t, order.ID).Status)
	assert.Equal(t, int64(5), testutil.Stock(t, env.db, "mug"))

	payment := env.payment(t, order.ID)
	assert.Equal(t, model.PaymentRecordFailed, payment.Status)
	assert.Equal(t, model.RefundPending, payment.RefundStatus)
	assert.Len(t, env.logs(t, order.ID, model.LogRefundRequested), 1)
}

func TestSweep_ProbeErrorStillCancels(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	order := env.createOrder(t, model.PaymentMethodCheckout, OrderLine{ProductID: "tee", Quantity: 1})
	env.initiate(t, order)
	env.gateway.StatusErr = context.DeadlineExceeded
	env.now = env.now.Add(24 * time.Hour)

	res, err := env.sweeper.Sweep(ctx, false)
	require.NoError(t, err)

	assert.Equal(t, []string{order.ID}, res.Cancelled)
	assert.Empty(t, res.LateCaptures)
	assert.Equal(t, int64(10), testutil.Stock(t, env.db, "tee"))
}

func TestSweep_OneFailureDoesNotStopTheRest(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	broken := env.createOrder(t, model.PaymentMethodMpesa, OrderLine{ProductID: "mug", Quantity: 1})
	env.initiate(t, broken)
	env.mpesa.PushResponse.CheckoutRequestID = "ws_CO_2"
	healthy := env.createOrder(t, model.PaymentMethodMpesa, OrderLine{ProductID: "tee", Quantity: 1})
	env.initiate(t, healthy)

	// stock can no longer be restored for the mug order
	require.NoError(t, env.db.Where("id = ?", "mug").Delete(&model.Product{}).Error)
	env.now = env.now.Add(25 * time.Hour)

	res, err := env.sweeper.Sweep(ctx, false)
	require.NoError(t, err)

	assert.Len(t, res.Candidates, 2)
	assert.Equal(t, []string{healthy.ID}, res.Cancelled)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, broken.ID, res.Failures[0].OrderID)
	assert.Contains(t, res.Failures[0].Error, "restore stock")

	assert.Equal(t, model.OrderStatusCancelled, env.order(t, healthy.ID).Status)
	assert.Equal(t, int64(10), testutil.Stock(t, env.db, "tee"))

	// the failed order rolled back as a whole
	assert.Equal(t, model.OrderStatusPending, env.order(t, broken.ID).Status)
	assert.Equal(t, model.PaymentRecordPending, env.payment(t, broken.ID).Status)
	assert.Empty(t, env.logs(t, broken.ID, model.LogAutoCancelled))
	assert.Equal(t, 1, env.notifier.Count(notify.EventOrderCancelled))
}

func TestSweep_FindsCaptureOnEarlierPrompt(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	order := env.createOrder(t, model.PaymentMethodMpesa, OrderLine{ProductID: "mug", Quantity: 1})
	env.initiate(t, order)
	env.mpesa.PushResponse.CheckoutRequestID = "ws_CO_2"
	env.initiate(t, order)

	// the payer approved the first prompt, its callback never arrived
	env.mpesa.SetResult("ws_CO_1", "0", "The service request is processed successfully.")
	env.now = env.now.Add(25 * time.Hour)

	res, err := env.sweeper.Sweep(ctx, false)
	require.NoError(t, err)

	assert.Equal(t, []string{order.ID}, res.Cancelled)
	assert.Equal(t, []string{order.ID}, res.LateCaptures)
	assert.Equal(t, []string{"ws_CO_1", "ws_CO_2", "ws_CO_1"}, env.mpesa.Queried)

	payment := env.payment(t, order.ID)
	assert.Equal(t, "ws_CO_2", payment.Reference)
	assert.Equal(t, model.PaymentRecordFailed, payment.Status)
	assert.Equal(t, model.RefundPending, payment.RefundStatus)
	assert.Equal(t, int64(5), testutil.Stock(t, env.db, "mug"))

	refunds := env.logs(t, order.ID, model.LogRefundRequested)
	require.Len(t, refunds, 1)
	assert.Equal(t, model.TriggerSweeper, refunds[0].Trigger)
	assert.Equal(t, "ws_CO_1", refunds[0].Reference)
}

func TestSweeperRun_DisabledIntervalReturns(t *testing.T) {
	env := newTestEnv(t)

	done := make(chan struct{})
	go func() {
		env.sweeper.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run with a zero interval should return immediately")
	}
}
