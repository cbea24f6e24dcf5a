package service

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"testing"
	"time"

	"storefront-payments/internal/client"
	"storefront-payments/internal/config"
	"storefront-payments/internal/model"
	"storefront-payments/internal/repository"
	"storefront-payments/internal/testutil"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const webhookSecret = "whsec_test"

var (
	customer = model.UserActor("user-1", "customer")
	admin    = model.UserActor("admin-1", model.RoleAdmin)
)

type testEnv struct {
	db  *gorm.DB
	now time.Time

	mpesa    *MockMpesaClient
	gateway  *MockCheckoutGateway
	notifier *RecordingNotifier

	orderRepo   repository.OrderRepository
	paymentRepo repository.PaymentRepository
	couponRepo  repository.CouponRepository
	paymentLogs repository.PaymentLogRepository

	orders     OrderService
	payments   PaymentService
	reconciler Reconciler
	sweeper    Sweeper
	admin      AdminService
}

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvWithPolicy(t, NewFailurePolicy(nil, nil))
}

func newTestEnvWithPolicy(t *testing.T, policy FailurePolicy) *testEnv {
	t.Helper()

	env := &testEnv{
		db:  testutil.NewDB(t),
		now: time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC),
		mpesa: &MockMpesaClient{
			PushResponse: &model.StkPushResponse{
				MerchantRequestID: "mr-1",
				CheckoutRequestID: "ws_CO_1",
				ResponseCode:      "0",
				CustomerMessage:   "Success. Request accepted for processing",
			},
		},
		gateway: &MockCheckoutGateway{
			Session: &client.CheckoutSession{SessionID: "SESSION-1", ApproveURL: "https://checkout.test/approve/SESSION-1"},
			Status:  &client.CheckoutStatus{SessionID: "SESSION-1", State: client.CheckoutPending},
		},
		notifier: &RecordingNotifier{},
	}
	clock := func() time.Time { return env.now }
	log := zap.NewNop()

	productRepo := repository.NewProductRepository(env.db)
	inventoryRepo := repository.NewInventoryRepository(env.db)
	env.orderRepo = repository.NewOrderRepository(env.db)
	env.paymentRepo = repository.NewPaymentRepository(env.db)
	env.couponRepo = repository.NewCouponRepository(env.db)
	env.paymentLogs = repository.NewPaymentLogRepository(env.db)
	webhookEvents := repository.NewWebhookEventRepository(env.db)

	initiators := NewInitiators(
		NewMpesaInitiator(env.mpesa),
		NewCheckoutInitiator(env.gateway, "http://shop.test"),
	)
	pricing := Pricing{
		Currency:         "KES",
		TaxRate:          decimal.RequireFromString("0.05"),
		ShippingFee:      decimal.NewFromInt(2),
		FreeShippingOver: decimal.Zero,
	}

	orders := NewOrderService(env.db, pricing, productRepo, inventoryRepo, env.orderRepo, env.couponRepo,
		env.paymentRepo, env.paymentLogs, initiators, env.notifier, log).(*orderServiceImpl)
	orders.now = clock
	orders.refunds.now = clock
	env.orders = orders

	reconciler := NewReconciler(env.db, env.paymentRepo, env.orderRepo, inventoryRepo, env.paymentLogs,
		env.notifier, policy, log).(*reconcilerImpl)
	reconciler.now = clock
	env.reconciler = reconciler

	env.payments = NewPaymentService(env.db, env.orderRepo, env.paymentRepo, env.paymentLogs, webhookEvents,
		repository.NewGormIdempotencyStore(env.db), time.Hour, initiators, reconciler,
		client.NewWebhookVerifier(webhookSecret, 5*time.Minute), log)

	sweeper := NewSweeper(env.db, config.Sweep{After: 24 * time.Hour, BatchSize: 50, ProbeTimeout: time.Second},
		env.orderRepo, env.paymentRepo, inventoryRepo, env.paymentLogs, initiators, reconciler, env.notifier, log).(*sweeperImpl)
	sweeper.now = clock
	env.sweeper = sweeper

	adminSvc := NewAdminService(env.db, env.orderRepo, env.paymentRepo, env.paymentLogs, initiators,
		reconciler, sweeper, env.notifier, log).(*adminServiceImpl)
	adminSvc.refunds.now = clock
	env.admin = adminSvc

	testutil.SeedProduct(t, env.db, "tee", "10.00", 10)
	testutil.SeedProduct(t, env.db, "mug", "8.00", 5)
	return env
}

func shippingAddress() model.ShippingAddress {
	return model.ShippingAddress{
		Name:    "Wanjiru Kamau",
		Phone:   "0712345678",
		Line1:   "12 Moi Avenue",
		City:    "Nairobi",
		Country: "KE",
	}
}

func (env *testEnv) createOrder(t *testing.T, method model.PaymentMethod, lines ...OrderLine) *model.Order {
	t.Helper()

	order, err := env.orders.CreateOrder(context.Background(), customer, &CreateOrderInput{
		Items:         lines,
		Shipping:      shippingAddress(),
		PaymentMethod: method,
	})
	require.NoError(t, err)
	return order
}

func (env *testEnv) initiate(t *testing.T, order *model.Order) *PaymentHandle {
	t.Helper()

	handle, err := env.payments.Initiate(context.Background(), customer, order.ID, &InitiatePaymentInput{
		IdempotencyKey: uuid.NewString(),
	})
	require.NoError(t, err)
	return handle
}

func (env *testEnv) order(t *testing.T, id string) *model.Order {
	t.Helper()

	order, err := env.orderRepo.FindByID(context.Background(), nil, id)
	require.NoError(t, err)
	return order
}

func (env *testEnv) payment(t *testing.T, orderID string) *model.Payment {
	t.Helper()

	payment, err := env.paymentRepo.FindByOrderID(context.Background(), nil, orderID)
	require.NoError(t, err)
	return payment
}

func (env *testEnv) logs(t *testing.T, orderID string, action model.LogAction) []*model.PaymentLog {
	t.Helper()

	logs, err := env.paymentLogs.List(context.Background(), repository.PaymentLogFilter{OrderID: orderID, Action: action})
	require.NoError(t, err)
	return logs
}

func mpesaCallback(reference, resultCode, desc string) []byte {
	metadata := ""
	if resultCode == "0" {
		metadata = `,"CallbackMetadata":{"Item":[` +
			`{"Name":"Amount","Value":18},` +
			`{"Name":"MpesaReceiptNumber","Value":"QJK4ABC123"},` +
			`{"Name":"TransactionDate","Value":20261016120500},` +
			`{"Name":"PhoneNumber","Value":254712345678}]}`
	}
	return []byte(fmt.Sprintf(`{"Body":{"stkCallback":{"MerchantRequestID":"mr-1","CheckoutRequestID":%q,"ResultCode":%s,"ResultDesc":%q%s}}}`,
		reference, resultCode, desc, metadata))
}

// deliverCallback settles the prompt on the rail and then delivers its callback.
func (env *testEnv) deliverCallback(t *testing.T, reference, resultCode, desc string) {
	t.Helper()

	env.mpesa.SetResult(reference, resultCode, desc)
	require.NoError(t, env.payments.HandleMpesaCallback(context.Background(), mpesaCallback(reference, resultCode, desc)))
}

func signedHeaders(body []byte) http.Header {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	headers := http.Header{}
	headers.Set(client.CheckoutSignatureHeader, "t="+ts+",v1="+client.SignWebhook([]byte(webhookSecret), ts, body))
	return headers
}

func int64Ptr(v int64) *int64 {
	return &v
}

func capturedStatus() *client.CheckoutStatus {
	return &client.CheckoutStatus{
		SessionID:  "SESSION-1",
		State:      client.CheckoutCaptured,
		CaptureID:  "CAP-1",
		ResultCode: "COMPLETED",
	}
}
