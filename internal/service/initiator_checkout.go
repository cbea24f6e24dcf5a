package service

import (
	"context"
	"fmt"
	"strings"

	"storefront-payments/internal/apperr"
	"storefront-payments/internal/client"
	"storefront-payments/internal/model"
)

type checkoutInitiator struct {
	gateway   client.CheckoutGateway
	returnURL string
}

// NewCheckoutInitiator serves hosted checkout through gateway. baseURL is where the
// payer's browser is sent back to after approving or cancelling.
func NewCheckoutInitiator(gateway client.CheckoutGateway, baseURL string) PaymentInitiator {
	return &checkoutInitiator{
		gateway:   gateway,
		returnURL: strings.TrimRight(baseURL, "/") + "/api/payments/checkout/return",
	}
}

func (i *checkoutInitiator) Method() model.PaymentMethod {
	return model.PaymentMethodCheckout
}

func (i *checkoutInitiator) Initiate(ctx context.Context, order *model.Order, req *InitiateRequest) (*RailHandle, error) {
	session, err := i.gateway.CreateSession(ctx, i.sessionRequest(order, req))
	if err != nil {
		return nil, railError(err, "create checkout session")
	}

	return &RailHandle{
		Reference:   session.SessionID,
		ApproveURL:  session.ApproveURL,
		ClientToken: session.ClientToken,
	}, nil
}

func (i *checkoutInitiator) sessionRequest(order *model.Order, req *InitiateRequest) *client.CheckoutSessionRequest {
	items := make([]client.CheckoutLineItem, 0, len(order.Items)+1)
	for _, item := range order.Items {
		items = append(items, client.CheckoutLineItem{
			Name:       item.ProductName,
			SKU:        item.ProductID,
			Quantity:   item.Quantity,
			UnitAmount: item.UnitPrice,
		})
	}
	if order.Shipping.IsPositive() {
		items = append(items, client.CheckoutLineItem{
			Name:       "Shipping",
			SKU:        "SHIPPING",
			Quantity:   1,
			UnitAmount: order.Shipping,
		})
	}

	returnURL := req.ReturnURL
	if returnURL == "" {
		returnURL = i.returnURL
	}
	cancelURL := req.CancelURL
	if cancelURL == "" {
		cancelURL = i.returnURL + "?cancelled=true"
	}

	return &client.CheckoutSessionRequest{
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		Currency:    order.Currency,
		Items:       items,
		ItemTotal:   order.Subtotal.Add(order.Shipping),
		Tax:         order.Tax,
		Discount:    order.Discount,
		Total:       order.Total,
		ReturnURL:   returnURL,
		CancelURL:   cancelURL,
	}
}

func (i *checkoutInitiator) Query(ctx context.Context, payment *model.Payment) (*Outcome, error) {
	status, err := i.gateway.GetStatus(ctx, payment.Reference)
	if err != nil {
		return nil, fmt.Errorf("get checkout status: %w", err)
	}
	return checkoutOutcome(status), nil
}

func (i *checkoutInitiator) Confirm(ctx context.Context, payment *model.Payment, nonce string) (*Outcome, error) {
	status, err := i.gateway.Confirm(ctx, &client.CheckoutConfirmRequest{
		SessionID: payment.Reference,
		OrderID:   payment.OrderID,
		Nonce:     nonce,
		Amount:    payment.Amount,
	})
	if err != nil {
		return nil, railError(err, "confirm checkout")
	}
	return checkoutOutcome(status), nil
}

func (i *checkoutInitiator) Refund(ctx context.Context, payment *model.Payment) (*client.RefundResult, error) {
	if payment.ReceiptID == "" {
		return nil, apperr.New(apperr.CodeRefundFailed, "payment has no capture to refund")
	}
	return i.gateway.Refund(ctx, payment.ReceiptID, payment.Amount, payment.Currency)
}

func checkoutOutcome(status *client.CheckoutStatus) *Outcome {
	outcome := &Outcome{
		ReceiptID:  status.CaptureID,
		ResultCode: status.ResultCode,
		ResultDesc: status.ResultDesc,
	}
	switch status.State {
	case client.CheckoutCaptured:
		outcome.Kind = OutcomeSuccess
	case client.CheckoutFailed:
		outcome.Kind = OutcomeFailure
	default:
		outcome.Kind = OutcomePending
	}
	return outcome
}
