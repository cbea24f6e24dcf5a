package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"storefront-payments/internal/config"

	"github.com/braintree-go/braintree-go"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// braintreeClientImpl serves hosted checkout through the Braintree drop-in UI: the session
// handle is a client token, and the browser posts back a payment nonce that we charge.
type braintreeClientImpl struct {
	gateway *braintree.Braintree
	timeout time.Duration
}

func NewBraintreeClient(cfg *config.Braintree, railCfg config.Rail) CheckoutGateway {
	env := braintree.Sandbox
	if cfg.Environment == "production" {
		env = braintree.Production
	}

	gateway := braintree.New(
		env,
		cfg.MerchantID,
		cfg.PublicKey,
		cfg.PrivateKey,
	)

	return newBraintreeClient(gateway, railCfg.Timeout)
}

func newBraintreeClient(gateway *braintree.Braintree, timeout time.Duration) *braintreeClientImpl {
	return &braintreeClientImpl{
		gateway: gateway,
		timeout: timeout,
	}
}

func (c *braintreeClientImpl) Provider() string {
	return "braintree"
}

func (c *braintreeClientImpl) CreateSession(ctx context.Context, in *CheckoutSessionRequest) (*CheckoutSession, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	token, err := c.gateway.ClientToken().Generate(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: generate client token: %v", ErrRailUnavailable, err)
	}

	return &CheckoutSession{
		SessionID:   "bt_" + uuid.NewString(),
		ClientToken: token,
	}, nil
}

// GetStatus finds the transactions Confirm created for the session. A session with none
// is still waiting for its nonce.
func (c *braintreeClientImpl) GetStatus(ctx context.Context, sessionID string) (*CheckoutStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	query := new(braintree.SearchQuery)
	query.AddTextField("order-id").Is = sessionID

	ids, err := c.gateway.Transaction().SearchIDs(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: search transactions: %v", ErrRailUnavailable, err)
	}
	if len(ids.IDs) == 0 {
		return &CheckoutStatus{SessionID: sessionID, State: CheckoutPending}, nil
	}

	page, err := c.gateway.Transaction().SearchPage(ctx, query, ids, 1)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch transactions: %v", ErrRailUnavailable, err)
	}

	var found *CheckoutStatus
	for _, tx := range page.Transactions {
		status := braintreeStatus(sessionID, tx)
		switch {
		case status.State == CheckoutCaptured:
			return status, nil
		case found == nil, found.State == CheckoutPending && status.State == CheckoutFailed:
			found = status
		}
	}
	if found == nil {
		return &CheckoutStatus{SessionID: sessionID, State: CheckoutPending}, nil
	}
	return found, nil
}

func (c *braintreeClientImpl) Confirm(ctx context.Context, in *CheckoutConfirmRequest) (*CheckoutStatus, error) {
	if in.Nonce == "" {
		return nil, fmt.Errorf("payment nonce is required")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req := &braintree.TransactionRequest{
		Type:               "sale",
		Amount:             toBraintreeDecimal(in.Amount),
		PaymentMethodNonce: in.Nonce,
		OrderId:            in.SessionID, // GetStatus searches on it
		Options: &braintree.TransactionOptions{
			SubmitForSettlement: true, // Captures the funds immediately
		},
	}

	tx, err := c.gateway.Transaction().Create(ctx, req)
	if err != nil {
		// declines and validation failures come back as 422 with the error body
		var bte *braintree.BraintreeError
		if !errors.As(err, &bte) || bte.StatusCode() != http.StatusUnprocessableEntity {
			return nil, fmt.Errorf("%w: transaction creation failed: %v", ErrRailUnavailable, err)
		}
		if bte.Transaction != nil {
			status := braintreeStatus(in.SessionID, bte.Transaction)
			if status.ResultDesc == "" {
				status.ResultDesc = bte.ErrorMessage
			}
			return status, nil
		}
		return &CheckoutStatus{
			SessionID:  in.SessionID,
			State:      CheckoutFailed,
			ResultCode: "validation_failed",
			ResultDesc: bte.ErrorMessage,
		}, nil
	}

	return braintreeStatus(in.SessionID, tx), nil
}

func braintreeStatus(sessionID string, tx *braintree.Transaction) *CheckoutStatus {
	status := &CheckoutStatus{
		SessionID:  sessionID,
		ResultCode: string(tx.Status),
		ResultDesc: tx.ProcessorResponseText,
	}
	switch tx.Status {
	case braintree.TransactionStatusAuthorized,
		braintree.TransactionStatusSubmittedForSettlement,
		braintree.TransactionStatusSettling,
		braintree.TransactionStatusSettlementPending,
		braintree.TransactionStatusSettled,
		braintree.TransactionStatusSettlementConfirmed:
		status.State = CheckoutCaptured
		status.CaptureID = tx.Id
	case braintree.TransactionStatusProcessorDeclined,
		braintree.TransactionStatusGatewayRejected,
		braintree.TransactionStatusFailed,
		braintree.TransactionStatusSettlementDeclined,
		braintree.TransactionStatusVoided,
		braintree.TransactionStatusAuthorizationExpired:
		status.State = CheckoutFailed
	default:
		status.State = CheckoutPending
	}
	return status
}

func (c *braintreeClientImpl) Refund(ctx context.Context, captureID string, amount decimal.Decimal, _ string) (*RefundResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	tx, err := c.gateway.Transaction().Refund(ctx, captureID, toBraintreeDecimal(amount))
	if err != nil {
		return nil, fmt.Errorf("braintree refund %s: %w", captureID, err)
	}

	return &RefundResult{RefundID: tx.Id, Status: string(tx.Status)}, nil
}

// Braintree expects NewDecimal(unscaled, scale): "50.00" -> NewDecimal(5000, 2)
func toBraintreeDecimal(amount decimal.Decimal) *braintree.Decimal {
	cents := amount.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
	return braintree.NewDecimal(cents, 2)
}
