package handler

import (
	"io"
	"net/http"
	"strconv"

	"storefront-payments/internal/apperr"
	"storefront-payments/internal/dto"
	"storefront-payments/internal/middleware"
	"storefront-payments/internal/service"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

const IdempotencyKeyHeader = "Idempotency-Key"

type PaymentHandler struct {
	paymentService service.PaymentService
	log            *zap.Logger
}

func NewPaymentHandler(paymentService service.PaymentService, log *zap.Logger) *PaymentHandler {
	return &PaymentHandler{
		paymentService: paymentService,
		log:            log,
	}
}

func (h *PaymentHandler) Initiate(c echo.Context) error {
	ctx := c.Request().Context()

	var req dto.InitiatePaymentRequest
	if err := bind(c, &req); err != nil {
		return err
	}

	handle, err := h.paymentService.Initiate(ctx, middleware.ActorFrom(c), c.Param("id"), &service.InitiatePaymentInput{
		IdempotencyKey: c.Request().Header.Get(IdempotencyKeyHeader),
		PhoneNumber:    req.PhoneNumber,
		ReturnURL:      req.ReturnURL,
		CancelURL:      req.CancelURL,
	})
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, handle)
}

func (h *PaymentHandler) Poll(c echo.Context) error {
	ctx := c.Request().Context()

	result, err := h.paymentService.Poll(ctx, middleware.ActorFrom(c), c.Param("id"))
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, result)
}

func (h *PaymentHandler) Confirm(c echo.Context) error {
	ctx := c.Request().Context()

	var req dto.ConfirmPaymentRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if req.Nonce == "" {
		return apperr.New(apperr.CodeValidation, "nonce is required")
	}

	result, err := h.paymentService.Confirm(ctx, middleware.ActorFrom(c), c.Param("id"), req.Nonce)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, result)
}

// CheckoutReturn is where the hosted checkout page sends the payer's browser back.
func (h *PaymentHandler) CheckoutReturn(c echo.Context) error {
	ctx := c.Request().Context()

	sessionID := c.QueryParam("token")
	if sessionID == "" {
		return apperr.New(apperr.CodeValidation, "missing checkout token")
	}
	cancelled, _ := strconv.ParseBool(c.QueryParam("cancelled"))

	result, err := h.paymentService.CheckoutReturn(ctx, sessionID, cancelled)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, result)
}

// MpesaCallback always acknowledges; anything left unresolved is settled by polling or the sweeper.
func (h *PaymentHandler) MpesaCallback(c echo.Context) error {
	ctx := c.Request().Context()

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return apperr.Wrap(apperr.CodeValidation, err, "read callback body")
	}

	if err := h.paymentService.HandleMpesaCallback(ctx, body); err != nil {
		h.log.Error("handle mpesa callback", zap.Error(err))
	}

	return c.JSON(http.StatusOK, &dto.MpesaCallbackAck{
		ResultCode: 0,
		ResultDesc: "Accepted",
	})
}

func (h *PaymentHandler) CheckoutWebhook(c echo.Context) error {
	ctx := c.Request().Context()

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return apperr.Wrap(apperr.CodeValidation, err, "read webhook body")
	}

	if err := h.paymentService.HandleCheckoutWebhook(ctx, c.Request().Header, body); err != nil {
		return err
	}

	return c.NoContent(http.StatusOK)
}
