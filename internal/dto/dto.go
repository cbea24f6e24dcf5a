package dto

import (
	"storefront-payments/internal/model"

	"github.com/shopspring/decimal"
)

type Item struct {
	ProductID string `json:"product_id"`
	Quantity  int64  `json:"quantity"`
}

type CreateOrderRequest struct {
	Items           []*Item               `json:"items"`
	ShippingAddress model.ShippingAddress `json:"shipping_address"`
	PaymentMethod   string                `json:"payment_method"`
	CouponCode      string                `json:"coupon_code"`
}

type CancelOrderRequest struct {
	Reason string `json:"reason"`
}

type InitiatePaymentRequest struct {
	PhoneNumber string `json:"phone_number"`
	ReturnURL   string `json:"return_url"`
	CancelURL   string `json:"cancel_url"`
}

type ConfirmPaymentRequest struct {
	Nonce string `json:"nonce"`
}

type ValidateCouponRequest struct {
	Code     string          `json:"code"`
	Subtotal decimal.Decimal `json:"subtotal"`
}

type ValidateCouponResponse struct {
	Valid        bool            `json:"valid"`
	Reason       string          `json:"reason,omitempty"`
	Discount     decimal.Decimal `json:"discount"`
	FreeShipping bool            `json:"free_shipping"`
}

type UpdateOrderStatusRequest struct {
	Status string `json:"status"`
}

type UpdatePaymentOutcomeRequest struct {
	Outcome    string `json:"outcome"`
	ReceiptID  string `json:"receipt_id"`
	ResultCode string `json:"result_code"`
	Note       string `json:"note"`
}

type UpdateRefundRequest struct {
	Status   string `json:"status"`
	RefundID string `json:"refund_id"`
}

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// MpesaCallbackAck is the body the push rail expects back from a callback.
type MpesaCallbackAck struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}
