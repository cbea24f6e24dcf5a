package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"storefront-payments/internal/apperr"
	"storefront-payments/internal/config"
	"storefront-payments/internal/dto"
	"storefront-payments/internal/middleware"
	"storefront-payments/internal/model"
	"storefront-payments/internal/repository"
	"storefront-payments/internal/service"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testJWT = config.JWT{Secret: "server-test-secret"}

type stubOrders struct {
	service.OrderService
	created *service.CreateOrderInput
	actor   model.Actor
	err     error
}

func (s *stubOrders) CreateOrder(_ context.Context, actor model.Actor, in *service.CreateOrderInput) (*model.Order, error) {
	s.actor, s.created = actor, in
	if s.err != nil {
		return nil, s.err
	}
	return &model.Order{ID: "order-1", UserID: actor.UserID, Status: model.OrderStatusPending}, nil
}

func (s *stubOrders) GetOrder(_ context.Context, actor model.Actor, orderID string) (*model.Order, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &model.Order{ID: orderID, UserID: actor.UserID}, nil
}

type stubPayments struct {
	service.PaymentService
	initiated    *service.InitiatePaymentInput
	callbackErr  error
	callbacks    int
	webhookErr   error
	webhookSig   string
	returnCancel bool
}

func (s *stubPayments) Initiate(_ context.Context, _ model.Actor, orderID string, in *service.InitiatePaymentInput) (*service.PaymentHandle, error) {
	s.initiated = in
	return &service.PaymentHandle{OrderID: orderID, Reference: "ws_CO_1", Status: model.PaymentRecordPending}, nil
}

func (s *stubPayments) HandleMpesaCallback(context.Context, []byte) error {
	s.callbacks++
	return s.callbackErr
}

func (s *stubPayments) HandleCheckoutWebhook(_ context.Context, headers http.Header, _ []byte) error {
	s.webhookSig = headers.Get("Checkout-Signature")
	return s.webhookErr
}

func (s *stubPayments) CheckoutReturn(_ context.Context, sessionID string, cancelled bool) (*service.ReconcileResult, error) {
	s.returnCancel = cancelled
	return &service.ReconcileResult{PaymentID: sessionID}, nil
}

type stubCoupons struct{}

func (stubCoupons) Validate(_ context.Context, _ model.Actor, code string, _ decimal.Decimal) (*service.CouponEvaluation, error) {
	if code == "SAVE5" {
		return &service.CouponEvaluation{Discount: decimal.NewFromInt(5)}, nil
	}
	return &service.CouponEvaluation{Rejection: service.CouponExpired}, nil
}

type stubAdmin struct {
	service.AdminService
	pending repository.PendingPaymentFilter
	dryRun  bool
	status  *service.OrderStatusUpdate
}

func (s *stubAdmin) ListPendingPayments(_ context.Context, _ model.Actor, filter repository.PendingPaymentFilter) ([]*model.Payment, error) {
	s.pending = filter
	return []*model.Payment{}, nil
}

func (s *stubAdmin) RunSweep(_ context.Context, _ model.Actor, dryRun bool) (*service.SweepResult, error) {
	s.dryRun = dryRun
	return &service.SweepResult{DryRun: dryRun}, nil
}

func (s *stubAdmin) UpdateOrderStatus(_ context.Context, _ model.Actor, orderID string, update *service.OrderStatusUpdate) (*model.Order, error) {
	s.status = update
	return &model.Order{ID: orderID, Status: update.Status}, nil
}

type fixture struct {
	srv      *Server
	orders   *stubOrders
	payments *stubPayments
	admin    *stubAdmin
}

func newFixture() *fixture {
	f := &fixture{orders: &stubOrders{}, payments: &stubPayments{}, admin: &stubAdmin{}}
	f.srv = NewServer(testJWT, Services{
		Orders:   f.orders,
		Payments: f.payments,
		Coupons:  stubCoupons{},
		Admin:    f.admin,
	}, zap.NewNop())
	return f
}

func token(t *testing.T, userID, role string) string {
	t.Helper()
	signed, err := middleware.IssueToken(testJWT, userID, role, time.Hour)
	require.NoError(t, err)
	return "Bearer " + signed
}

func (f *fixture) do(method, path, auth, body string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) dto.ErrorResponse {
	t.Helper()
	var body dto.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestCreateOrder(t *testing.T) {
	f := newFixture()

	rec := f.do(http.MethodPost, "/api/orders", token(t, "user-1", "customer"), `{
		"items": [{"product_id": "tee", "quantity": 2}],
		"shipping_address": {"name": "Wanjiru", "phone": "0712345678", "line1": "Moi Ave", "city": "Nairobi", "country": "KE"},
		"payment_method": "MPESA",
		"coupon_code": "save5"
	}`)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "user-1", f.orders.actor.UserID)
	require.Len(t, f.orders.created.Items, 1)
	assert.Equal(t, int64(2), f.orders.created.Items[0].Quantity)
	assert.Equal(t, model.PaymentMethodMpesa, f.orders.created.PaymentMethod)
	assert.Equal(t, "Nairobi", f.orders.created.Shipping.City)
}

func TestRoutesRequireToken(t *testing.T) {
	f := newFixture()

	rec := f.do(http.MethodGet, "/api/orders/order-1", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, string(apperr.CodeUnauthorized), decodeError(t, rec).Code)

	rec = f.do(http.MethodGet, "/api/admin/payments/pending", token(t, "user-1", "customer"), "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(http.MethodGet, "/api/health", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		err     error
		status  int
		message string
	}{
		{apperr.New(apperr.CodeValidation, "quantity must be positive"), http.StatusBadRequest, "quantity must be positive"},
		{apperr.New(apperr.CodeForbidden, "not your order"), http.StatusForbidden, "not your order"},
		{apperr.New(apperr.CodeNotFound, "order not found"), http.StatusNotFound, "order not found"},
		{apperr.InsufficientStock("tee", 1, 2), http.StatusConflict, "insufficient stock for product tee: requested 2, available 1"},
		{apperr.New(apperr.CodeStateConflict, "order is shipped"), http.StatusConflict, "order is shipped"},
		{apperr.New(apperr.CodeIdempotencyConflict, "in flight"), http.StatusConflict, "in flight"},
		{apperr.Wrap(apperr.CodeRailUnavailable, errors.New(`{"errorMessage":"secret rail body"}`), "payment rail unavailable"),
			http.StatusServiceUnavailable, "payment rail unavailable"},
		{errors.New("database is locked"), http.StatusInternalServerError, "internal server error"},
	}

	for _, tt := range tests {
		t.Run(tt.message, func(t *testing.T) {
			f := newFixture()
			f.orders.err = tt.err

			rec := f.do(http.MethodGet, "/api/orders/order-1", token(t, "user-1", "customer"), "")

			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.message, decodeError(t, rec).Message)
			assert.NotContains(t, rec.Body.String(), "secret rail body")
		})
	}
}

func TestInitiatePassesIdempotencyKey(t *testing.T) {
	f := newFixture()

	rec := f.do(http.MethodPost, "/api/orders/order-1/payment", token(t, "user-1", "customer"),
		`{"phone_number": "0712345678"}`, "Idempotency-Key", "attempt-7")

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "attempt-7", f.payments.initiated.IdempotencyKey)
	assert.Equal(t, "0712345678", f.payments.initiated.PhoneNumber)
}

func TestMpesaCallbackAlwaysAcknowledges(t *testing.T) {
	f := newFixture()
	f.payments.callbackErr = errors.New("database is locked")

	rec := f.do(http.MethodPost, "/api/payments/mpesa/callback", "", `{"Body":{}}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ResultCode":0,"ResultDesc":"Accepted"}`, rec.Body.String())
	assert.Equal(t, 1, f.payments.callbacks)
}

func TestCheckoutWebhook(t *testing.T) {
	f := newFixture()

	rec := f.do(http.MethodPost, "/api/payments/checkout/webhook", "", `{"id":"WH-1"}`, "Checkout-Signature", "t=1,v1=ab")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "t=1,v1=ab", f.payments.webhookSig)

	f.payments.webhookErr = apperr.New(apperr.CodeUnauthorized, "invalid webhook signature")
	rec = f.do(http.MethodPost, "/api/payments/checkout/webhook", "", `{"id":"WH-1"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCheckoutReturn(t *testing.T) {
	f := newFixture()

	rec := f.do(http.MethodGet, "/api/payments/checkout/return?token=SESSION-1&cancelled=true", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, f.payments.returnCancel)

	rec = f.do(http.MethodGet, "/api/payments/checkout/return", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestValidateCoupon(t *testing.T) {
	f := newFixture()
	auth := token(t, "user-1", "customer")

	rec := f.do(http.MethodPost, "/api/coupons/validate", auth, `{"code":"SAVE5","subtotal":"20"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"valid":true,"discount":"5","free_shipping":false}`, rec.Body.String())

	rec = f.do(http.MethodPost, "/api/coupons/validate", auth, `{"code":"OLD","subtotal":"20"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"valid":false,"reason":"expired","discount":"0","free_shipping":false}`, rec.Body.String())
}

func TestAdminRoutes(t *testing.T) {
	f := newFixture()
	auth := token(t, "admin-1", model.RoleAdmin)

	before := time.Now()
	rec := f.do(http.MethodGet, "/api/admin/payments/pending?method=MPESA&older_than=2h&limit=10", auth, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, model.PaymentMethodMpesa, f.admin.pending.Method)
	assert.Equal(t, 10, f.admin.pending.Limit)
	assert.WithinDuration(t, before.Add(-2*time.Hour), f.admin.pending.OlderThan, time.Minute)

	rec = f.do(http.MethodGet, "/api/admin/payments/pending?older_than=soon", auth, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPost, "/api/admin/sweeps?dry_run=true", auth, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, f.admin.dryRun)

	rec = f.do(http.MethodPost, "/api/admin/sweeps?dry_run=maybe", auth, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPatch, "/api/admin/orders/order-1/status", auth, `{"status":"SHIPPED"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, model.OrderStatusShipped, f.admin.status.Status)
}
