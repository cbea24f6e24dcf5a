package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"storefront-payments/internal/config"
	"storefront-payments/internal/model"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type paypalClientImpl struct {
	rail               *railHTTP
	baseApiURL         string
	paypalClientID     string
	paypalClientSecret string
	now                func() time.Time

	mu          sync.Mutex
	accessToken string
	expiresAt   time.Time
}

func NewPaypalClient(paypalCfg *config.Paypal, railCfg config.Rail, log *zap.Logger) CheckoutGateway {
	return &paypalClientImpl{
		rail:               newRailHTTP("paypal", railCfg, log),
		baseApiURL:         strings.TrimRight(paypalCfg.BaseApiURL, "/"),
		paypalClientID:     paypalCfg.ClientID,
		paypalClientSecret: paypalCfg.ClientSecret,
		now:                time.Now,
	}
}

func (c *paypalClientImpl) Provider() string {
	return "paypal"
}

func (c *paypalClientImpl) getAccessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.accessToken != "" && c.now().Before(c.expiresAt) {
		return c.accessToken, nil
	}

	auth := base64.StdEncoding.EncodeToString(
		[]byte(c.paypalClientID + ":" + c.paypalClientSecret),
	)

	body, err := c.rail.do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseApiURL+"/v1/oauth2/token",
			bytes.NewBufferString("grant_type=client_credentials"))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Basic "+auth)
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil
	})
	if err != nil {
		return "", fmt.Errorf("paypal token exchange: %w", err)
	}

	var res struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := decodeInto(body, &res); err != nil {
		return "", err
	}
	if res.AccessToken == "" {
		return "", fmt.Errorf("%w: empty access token", ErrRailUnavailable)
	}

	ttl := res.ExpiresIn
	if ttl <= 60 {
		ttl = 120
	}
	c.accessToken = res.AccessToken
	c.expiresAt = c.now().Add(time.Duration(ttl-60) * time.Second)

	return c.accessToken, nil
}

func money(currency string, d decimal.Decimal) map[string]string {
	return map[string]string{
		"currency_code": currency,
		"value":         d.StringFixed(2),
	}
}

func (c *paypalClientImpl) CreateSession(ctx context.Context, in *CheckoutSessionRequest) (*CheckoutSession, error) {
	accessToken, err := c.getAccessToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("get paypal access token: %w", err)
	}

	items := make([]map[string]interface{}, 0, len(in.Items))
	for _, item := range in.Items {
		items = append(items, map[string]interface{}{
			"name":        item.Name,
			"sku":         item.SKU,
			"quantity":    strconv.FormatInt(item.Quantity, 10),
			"unit_amount": money(in.Currency, item.UnitAmount),
		})
	}

	breakdown := map[string]interface{}{
		"item_total": money(in.Currency, in.ItemTotal),
	}
	if in.Tax.IsPositive() {
		breakdown["tax_total"] = money(in.Currency, in.Tax)
	}
	if in.Discount.IsPositive() {
		breakdown["discount"] = money(in.Currency, in.Discount)
	}

	amount := money(in.Currency, in.Total)
	payload := map[string]interface{}{
		"intent": "CAPTURE",
		"purchase_units": []map[string]interface{}{
			{
				"reference_id": in.OrderID,
				"custom_id":    in.OrderID,
				"invoice_id":   in.OrderNumber,
				"items":        items,
				"amount": map[string]interface{}{
					"currency_code": amount["currency_code"],
					"value":         amount["value"],
					"breakdown":     breakdown,
				},
			},
		},
		"application_context": map[string]string{
			"return_url":  in.ReturnURL,
			"cancel_url":  in.CancelURL,
			"user_action": "PAY_NOW",
		},
	}

	var result model.PaypalOrder
	if err := c.rail.postJSON(ctx, c.baseApiURL+"/v2/checkout/orders", accessToken, payload, &result); err != nil {
		return nil, fmt.Errorf("paypal create order: %w", err)
	}
	if result.ID == "" {
		return nil, fmt.Errorf("paypal create order: empty order id")
	}

	return &CheckoutSession{
		SessionID:  result.ID,
		ApproveURL: _extractApproveURL(result.Links),
	}, nil
}

func (c *paypalClientImpl) GetStatus(ctx context.Context, sessionID string) (*CheckoutStatus, error) {
	accessToken, err := c.getAccessToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("get paypal access token: %w", err)
	}

	var order model.PaypalOrder
	if err := c.rail.getJSON(ctx, c.baseApiURL+"/v2/checkout/orders/"+sessionID, accessToken, &order); err != nil {
		return nil, fmt.Errorf("paypal get order: %w", err)
	}

	if order.Status == "APPROVED" {
		return c.capture(ctx, accessToken, sessionID)
	}
	return orderStatus(sessionID, &order), nil
}

func (c *paypalClientImpl) Confirm(ctx context.Context, in *CheckoutConfirmRequest) (*CheckoutStatus, error) {
	accessToken, err := c.getAccessToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("get paypal access token: %w", err)
	}
	return c.capture(ctx, accessToken, in.SessionID)
}

func (c *paypalClientImpl) capture(ctx context.Context, accessToken, sessionID string) (*CheckoutStatus, error) {
	url := fmt.Sprintf(
		"%s/v2/checkout/orders/%s/capture",
		c.baseApiURL,
		sessionID,
	)

	var order model.PaypalOrder
	err := c.rail.postJSON(ctx, url, accessToken, map[string]string{}, &order)
	if err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) && strings.Contains(statusErr.Body, "ORDER_ALREADY_CAPTURED") {
			// a concurrent capture won; read the result instead
			if err := c.rail.getJSON(ctx, c.baseApiURL+"/v2/checkout/orders/"+sessionID, accessToken, &order); err != nil {
				return nil, fmt.Errorf("paypal get captured order: %w", err)
			}
			return orderStatus(sessionID, &order), nil
		}
		return nil, fmt.Errorf("paypal capture order: %w", err)
	}

	return orderStatus(sessionID, &order), nil
}

func orderStatus(sessionID string, order *model.PaypalOrder) *CheckoutStatus {
	captureID, captureStatus := order.CaptureID()
	status := &CheckoutStatus{
		SessionID:  sessionID,
		State:      CheckoutPending,
		CaptureID:  captureID,
		ResultCode: order.Status,
	}

	switch {
	case order.Status == "COMPLETED" && (captureStatus == "COMPLETED" || captureStatus == "PENDING"):
		status.State = CheckoutCaptured
		status.ResultDesc = "capture " + strings.ToLower(captureStatus)
	case captureStatus == "DECLINED" || captureStatus == "FAILED":
		status.State = CheckoutFailed
		status.ResultCode = captureStatus
		status.ResultDesc = "capture " + strings.ToLower(captureStatus)
	case order.Status == "VOIDED":
		status.State = CheckoutFailed
		status.ResultDesc = "checkout voided"
	}
	return status
}

func (c *paypalClientImpl) Refund(ctx context.Context, captureID string, amount decimal.Decimal, currency string) (*RefundResult, error) {
	accessToken, err := c.getAccessToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("get paypal access token: %w", err)
	}

	payload := map[string]interface{}{
		"amount": money(currency, amount),
	}

	var res struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	url := fmt.Sprintf("%s/v2/payments/captures/%s/refund", c.baseApiURL, captureID)
	if err := c.rail.postJSON(ctx, url, accessToken, payload, &res); err != nil {
		return nil, fmt.Errorf("paypal refund capture: %w", err)
	}
	if res.Status == "FAILED" || res.Status == "CANCELLED" {
		return nil, fmt.Errorf("paypal refund %s: status %s", res.ID, res.Status)
	}

	return &RefundResult{RefundID: res.ID, Status: res.Status}, nil
}

func _extractApproveURL(links []model.PaypalLink) string {
	for _, link := range links {
		if link.Rel == "approve" || link.Rel == "payer-action" {
			return link.Href
		}
	}
	return ""
}
