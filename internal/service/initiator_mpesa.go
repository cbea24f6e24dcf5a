package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"storefront-payments/internal/apperr"
	"storefront-payments/internal/client"
	"storefront-payments/internal/model"
)

type mpesaInitiator struct {
	mpesaClient client.MpesaClient
}

func NewMpesaInitiator(mpesaClient client.MpesaClient) PaymentInitiator {
	return &mpesaInitiator{mpesaClient: mpesaClient}
}

func (i *mpesaInitiator) Method() model.PaymentMethod {
	return model.PaymentMethodMpesa
}

func (i *mpesaInitiator) Initiate(ctx context.Context, order *model.Order, req *InitiateRequest) (*RailHandle, error) {
	raw := req.PhoneNumber
	if raw == "" {
		raw = order.ShippingAddress.Phone
	}
	phone, err := client.FormatPhoneNumber(raw)
	if errors.Is(err, client.ErrInvalidPhoneNumber) {
		return nil, apperr.Wrap(apperr.CodeValidation, err, "a valid mobile number is required, e.g. 0712345678")
	}
	if err != nil {
		return nil, err
	}

	// the rail takes whole units only
	amount := order.Total.Ceil()
	res, err := i.mpesaClient.StkPush(ctx, &client.StkPushInput{
		PhoneNumber:      phone,
		Amount:           amount,
		AccountReference: order.OrderNumber,
		Description:      "Payment for " + order.OrderNumber,
	})
	if err != nil {
		return nil, railError(err, "send payment prompt")
	}

	return &RailHandle{
		Reference:         res.CheckoutRequestID,
		MerchantRequestID: res.MerchantRequestID,
		PhoneNumber:       phone,
		Amount:            amount,
		Message:           res.CustomerMessage,
	}, nil
}

func (i *mpesaInitiator) Query(ctx context.Context, payment *model.Payment) (*Outcome, error) {
	res, err := i.mpesaClient.StkQuery(ctx, payment.Reference)
	if err != nil {
		return nil, fmt.Errorf("query payment prompt: %w", err)
	}
	if res.ErrorCode != "" || res.ResultCode == "" {
		return &Outcome{Kind: OutcomePending, ResultDesc: res.ErrorMessage}, nil
	}

	return mpesaOutcome(res.ResultCode.String(), res.ResultDesc, ""), nil
}

// MpesaCallbackOutcome reads the verdict out of a push-rail callback.
func MpesaCallbackOutcome(cb *model.StkCallback) *Outcome {
	outcome := mpesaOutcome(cb.ResultCode.String(), cb.ResultDesc, cb.Metadata("MpesaReceiptNumber"))
	if outcome.Kind == OutcomeSuccess {
		if paidAt, err := time.ParseInLocation("20060102150405", cb.Metadata("TransactionDate"), eat); err == nil {
			outcome.PaidAt = paidAt
		}
	}
	return outcome
}

var eat = time.FixedZone("EAT", 3*60*60)

func mpesaOutcome(code, desc, receipt string) *Outcome {
	if code == model.MpesaResultSuccess {
		return &Outcome{Kind: OutcomeSuccess, ReceiptID: receipt, ResultCode: code, ResultDesc: desc}
	}
	return &Outcome{Kind: OutcomeFailure, ResultCode: code, ResultDesc: desc}
}
