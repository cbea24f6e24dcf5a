package client

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode"

	"storefront-payments/internal/config"
	"storefront-payments/internal/model"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// stkProcessingErrorCode is returned by the status query while the customer has not answered the prompt.
const stkProcessingErrorCode = "500.001.1001"

var ErrInvalidPhoneNumber = errors.New("invalid phone number")

type MpesaClient interface {
	StkPush(ctx context.Context, in *StkPushInput) (*model.StkPushResponse, error)
	StkQuery(ctx context.Context, checkoutRequestID string) (*model.StkQueryResponse, error)
}

type StkPushInput struct {
	PhoneNumber      string // already in canonical 2547XXXXXXXX form
	Amount           decimal.Decimal // whole units only
	AccountReference string
	Description      string
}

type mpesaClientImpl struct {
	push           *railHTTP
	query          *railHTTP
	baseApiURL     string
	consumerKey    string
	consumerSecret string
	shortCode      string
	passKey        string
	callbackURL    string
	now            func() time.Time

	mu          sync.Mutex
	accessToken string
	expiresAt   time.Time
}

func NewMpesaClient(cfg *config.Mpesa, railCfg config.Rail, log *zap.Logger) MpesaClient {
	return &mpesaClientImpl{
		push:           newRailHTTP("mpesa", railCfg, log),
		query:          newRailHTTP("mpesa-query", railCfg, log),
		baseApiURL:     strings.TrimRight(cfg.BaseApiURL, "/"),
		consumerKey:    cfg.ConsumerKey,
		consumerSecret: cfg.ConsumerSecret,
		shortCode:      cfg.ShortCode,
		passKey:        cfg.PassKey,
		callbackURL:    cfg.CallbackURL,
		now:            time.Now,
	}
}

// FormatPhoneNumber normalizes a Kenyan mobile number to the rail's 2547XXXXXXXX / 2541XXXXXXXX form.
func FormatPhoneNumber(raw string) (string, error) {
	phone := strings.Map(func(r rune) rune {
		if r == ' ' || r == '-' || r == '+' || r == '(' || r == ')' {
			return -1
		}
		return r
	}, strings.TrimSpace(raw))

	for _, r := range phone {
		if !unicode.IsDigit(r) {
			return "", fmt.Errorf("%w: %q", ErrInvalidPhoneNumber, raw)
		}
	}

	switch {
	case len(phone) == 12 && strings.HasPrefix(phone, "254"):
	case len(phone) == 10 && strings.HasPrefix(phone, "0"):
		phone = "254" + phone[1:]
	case len(phone) == 9:
		phone = "254" + phone
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPhoneNumber, raw)
	}

	if phone[3] != '7' && phone[3] != '1' {
		return "", fmt.Errorf("%w: %q", ErrInvalidPhoneNumber, raw)
	}
	return phone, nil
}

func (c *mpesaClientImpl) getAccessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.accessToken != "" && c.now().Before(c.expiresAt) {
		return c.accessToken, nil
	}

	auth := base64.StdEncoding.EncodeToString([]byte(c.consumerKey + ":" + c.consumerSecret))

	body, err := c.push.do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet,
			c.baseApiURL+"/oauth/v1/generate?grant_type=client_credentials", nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Basic "+auth)
		return req, nil
	})
	if err != nil {
		return "", fmt.Errorf("mpesa token exchange: %w", err)
	}

	var res struct {
		AccessToken string      `json:"access_token"`
		ExpiresIn   json.Number `json:"expires_in"`
	}
	if err := decodeInto(body, &res); err != nil {
		return "", err
	}
	if res.AccessToken == "" {
		return "", fmt.Errorf("%w: empty access token", ErrRailUnavailable)
	}

	ttl, err := res.ExpiresIn.Int64()
	if err != nil || ttl <= 60 {
		ttl = 120
	}
	c.accessToken = res.AccessToken
	// refresh a minute early
	c.expiresAt = c.now().Add(time.Duration(ttl-60) * time.Second)

	return c.accessToken, nil
}

func (c *mpesaClientImpl) password() (string, string) {
	timestamp := c.now().In(time.FixedZone("EAT", 3*60*60)).Format("20060102150405")
	return base64.StdEncoding.EncodeToString([]byte(c.shortCode + c.passKey + timestamp)), timestamp
}

func (c *mpesaClientImpl) StkPush(ctx context.Context, in *StkPushInput) (*model.StkPushResponse, error) {
	if !in.Amount.IsPositive() || !in.Amount.IsInteger() {
		return nil, fmt.Errorf("mpesa stk push: amount %s is not a positive whole number", in.Amount)
	}

	token, err := c.getAccessToken(ctx)
	if err != nil {
		return nil, err
	}

	password, timestamp := c.password()
	payload := &model.StkPushRequest{
		BusinessShortCode: c.shortCode,
		Password:          password,
		Timestamp:         timestamp,
		TransactionType:   "CustomerPayBillOnline",
		Amount:            in.Amount.IntPart(),
		PartyA:            in.PhoneNumber,
		PartyB:            c.shortCode,
		PhoneNumber:       in.PhoneNumber,
		CallBackURL:       c.callbackURL,
		AccountReference:  in.AccountReference,
		TransactionDesc:   in.Description,
	}

	var res model.StkPushResponse
	if err := c.push.postJSON(ctx, c.baseApiURL+"/mpesa/stkpush/v1/processrequest", token, payload, &res); err != nil {
		return nil, fmt.Errorf("mpesa stk push: %w", err)
	}
	if res.ResponseCode != "0" || res.CheckoutRequestID == "" {
		return nil, fmt.Errorf("mpesa stk push rejected: code=%s desc=%s", res.ResponseCode, res.ResponseDescription)
	}

	return &res, nil
}

func (c *mpesaClientImpl) StkQuery(ctx context.Context, checkoutRequestID string) (*model.StkQueryResponse, error) {
	token, err := c.getAccessToken(ctx)
	if err != nil {
		return nil, err
	}

	password, timestamp := c.password()
	payload := &model.StkQueryRequest{
		BusinessShortCode: c.shortCode,
		Password:          password,
		Timestamp:         timestamp,
		CheckoutRequestID: checkoutRequestID,
	}

	var res model.StkQueryResponse
	err = c.query.postJSON(ctx, c.baseApiURL+"/mpesa/stkpushquery/v1/query", token, payload, &res)
	if err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) && strings.Contains(statusErr.Body, stkProcessingErrorCode) {
			return &model.StkQueryResponse{
				CheckoutRequestID: checkoutRequestID,
				ErrorCode:         stkProcessingErrorCode,
			}, nil
		}
		return nil, fmt.Errorf("mpesa stk query: %w", err)
	}

	return &res, nil
}
