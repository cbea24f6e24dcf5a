package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"storefront-payments/internal/apperr"
	"storefront-payments/internal/client"
	"storefront-payments/internal/model"

	"github.com/shopspring/decimal"
)

type OutcomeKind string

const (
	OutcomePending OutcomeKind = "pending"
	OutcomeSuccess OutcomeKind = "success"
	OutcomeFailure OutcomeKind = "failure"
)

// Outcome is a rail's verdict on a payment, however it reached us.
type Outcome struct {
	Kind       OutcomeKind
	ReceiptID  string
	ResultCode string
	ResultDesc string
	PaidAt     time.Time
}

type InitiateRequest struct {
	PhoneNumber string
	ReturnURL   string
	CancelURL   string
}

// RailHandle is what the client needs to complete a payment on the rail.
type RailHandle struct {
	Reference         string
	MerchantRequestID string
	PhoneNumber       string
	Amount            decimal.Decimal // what the payer is asked for; zero means the order total
	ApproveURL        string
	ClientToken       string
	Message           string
}

// PaymentInitiator starts and looks up payments on one rail.
type PaymentInitiator interface {
	Method() model.PaymentMethod
	Initiate(ctx context.Context, order *model.Order, req *InitiateRequest) (*RailHandle, error)
	Query(ctx context.Context, payment *model.Payment) (*Outcome, error)
}

// Confirmer completes a payment from a client-side confirmation, such as a drop-in nonce.
type Confirmer interface {
	Confirm(ctx context.Context, payment *model.Payment, nonce string) (*Outcome, error)
}

// Refunder returns captured money to the payer.
type Refunder interface {
	Refund(ctx context.Context, payment *model.Payment) (*client.RefundResult, error)
}

type Initiators map[model.PaymentMethod]PaymentInitiator

func NewInitiators(list ...PaymentInitiator) Initiators {
	initiators := make(Initiators, len(list))
	for _, i := range list {
		initiators[i.Method()] = i
	}
	return initiators
}

func (i Initiators) Get(method model.PaymentMethod) (PaymentInitiator, error) {
	initiator, ok := i[method]
	if !ok {
		return nil, apperr.Newf(apperr.CodeValidation, "payment method %q is not available", method)
	}
	return initiator, nil
}

func (i Initiators) Refunder(method model.PaymentMethod) (Refunder, bool) {
	refunder, ok := i[method].(Refunder)
	return refunder, ok
}

func (i Initiators) Confirmer(method model.PaymentMethod) (Confirmer, bool) {
	confirmer, ok := i[method].(Confirmer)
	return confirmer, ok
}

// railError classifies a failed rail call. Anything not already classified counts as
// the rail being unavailable.
func railError(err error, action string) error {
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return err
	}
	if errors.Is(err, client.ErrRailUnavailable) {
		return apperr.Wrap(apperr.CodeRailUnavailable, err, "payment provider is unavailable, please retry")
	}
	return apperr.Wrap(apperr.CodeRailUnavailable, fmt.Errorf("%s: %w", action, err), "payment provider rejected the request")
}
