package handler

import (
	"net/http"
	"strconv"
	"strings"

	"storefront-payments/internal/apperr"
	"storefront-payments/internal/dto"
	"storefront-payments/internal/middleware"
	"storefront-payments/internal/model"
	"storefront-payments/internal/service"

	"github.com/labstack/echo/v4"
)

type OrderHandler struct {
	orderService service.OrderService
}

func NewOrderHandler(orderService service.OrderService) *OrderHandler {
	return &OrderHandler{
		orderService: orderService,
	}
}

// bind decodes the request body and reports malformed input as a validation error.
func bind(c echo.Context, v any) error {
	if err := c.Bind(v); err != nil {
		return apperr.Wrap(apperr.CodeValidation, err, "invalid request body")
	}
	return nil
}

func intQuery(c echo.Context, name string) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, apperr.Newf(apperr.CodeValidation, "%s must be a non-negative integer", name)
	}
	return n, nil
}

func (h *OrderHandler) CreateOrder(c echo.Context) error {
	ctx := c.Request().Context()

	var req dto.CreateOrderRequest
	if err := bind(c, &req); err != nil {
		return err
	}

	lines := make([]service.OrderLine, 0, len(req.Items))
	for _, item := range req.Items {
		if item == nil {
			continue
		}
		lines = append(lines, service.OrderLine{ProductID: item.ProductID, Quantity: item.Quantity})
	}

	order, err := h.orderService.CreateOrder(ctx, middleware.ActorFrom(c), &service.CreateOrderInput{
		Items:         lines,
		Shipping:      req.ShippingAddress,
		PaymentMethod: model.PaymentMethod(strings.ToLower(strings.TrimSpace(req.PaymentMethod))),
		CouponCode:    req.CouponCode,
	})
	if err != nil {
		return err
	}

	return c.JSON(http.StatusCreated, order)
}

func (h *OrderHandler) GetOrder(c echo.Context) error {
	ctx := c.Request().Context()

	order, err := h.orderService.GetOrder(ctx, middleware.ActorFrom(c), c.Param("id"))
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, order)
}

func (h *OrderHandler) ListOrders(c echo.Context) error {
	ctx := c.Request().Context()

	limit, err := intQuery(c, "limit")
	if err != nil {
		return err
	}

	orders, err := h.orderService.ListOrders(ctx, middleware.ActorFrom(c), limit)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, orders)
}

func (h *OrderHandler) CancelOrder(c echo.Context) error {
	ctx := c.Request().Context()

	var req dto.CancelOrderRequest
	if err := bind(c, &req); err != nil {
		return err
	}

	result, err := h.orderService.CancelOrder(ctx, middleware.ActorFrom(c), c.Param("id"), req.Reason)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, result)
}
