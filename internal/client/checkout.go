package client

import (
	"context"

	"github.com/shopspring/decimal"
)

// CheckoutGateway is a hosted-checkout rail: the customer completes payment on a page or
// widget the gateway owns and we learn the outcome by webhook, lookup or confirmation.
type CheckoutGateway interface {
	Provider() string
	CreateSession(ctx context.Context, req *CheckoutSessionRequest) (*CheckoutSession, error)
	// GetStatus looks a session up. Sessions the payer approved but nobody captured yet are captured here.
	GetStatus(ctx context.Context, sessionID string) (*CheckoutStatus, error)
	// Confirm completes a session from the browser return or a drop-in payment nonce.
	Confirm(ctx context.Context, req *CheckoutConfirmRequest) (*CheckoutStatus, error)
	Refund(ctx context.Context, captureID string, amount decimal.Decimal, currency string) (*RefundResult, error)
}

type CheckoutLineItem struct {
	Name       string
	SKU        string
	Quantity   int64
	UnitAmount decimal.Decimal
}

type CheckoutSessionRequest struct {
	OrderID     string
	OrderNumber string
	Currency    string
	Items       []CheckoutLineItem // shipping already included as a synthetic line
	ItemTotal   decimal.Decimal
	Tax         decimal.Decimal
	Discount    decimal.Decimal
	Total       decimal.Decimal
	ReturnURL   string
	CancelURL   string
}

type CheckoutSession struct {
	SessionID   string
	ApproveURL  string
	ClientToken string
}

type CheckoutConfirmRequest struct {
	SessionID string
	OrderID   string
	Nonce     string
	Amount    decimal.Decimal
}

type CheckoutState string

const (
	CheckoutPending  CheckoutState = "pending"
	CheckoutCaptured CheckoutState = "captured"
	CheckoutFailed   CheckoutState = "failed"
)

type CheckoutStatus struct {
	SessionID  string
	State      CheckoutState
	CaptureID  string
	ResultCode string
	ResultDesc string
}

type RefundResult struct {
	RefundID string
	Status   string
}
