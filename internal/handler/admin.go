package handler

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"storefront-payments/internal/apperr"
	"storefront-payments/internal/dto"
	"storefront-payments/internal/middleware"
	"storefront-payments/internal/model"
	"storefront-payments/internal/repository"
	"storefront-payments/internal/service"

	"github.com/labstack/echo/v4"
)

type AdminHandler struct {
	adminService service.AdminService
	now          func() time.Time
}

func NewAdminHandler(adminService service.AdminService) *AdminHandler {
	return &AdminHandler{
		adminService: adminService,
		now:          time.Now,
	}
}

func (h *AdminHandler) ListPendingPayments(c echo.Context) error {
	ctx := c.Request().Context()

	limit, err := intQuery(c, "limit")
	if err != nil {
		return err
	}
	filter := repository.PendingPaymentFilter{
		Method: model.PaymentMethod(strings.ToLower(c.QueryParam("method"))),
		Limit:  limit,
	}
	if raw := c.QueryParam("older_than"); raw != "" {
		age, err := time.ParseDuration(raw)
		if err != nil || age < 0 {
			return apperr.New(apperr.CodeValidation, "older_than must be a duration such as 30m or 24h")
		}
		filter.OlderThan = h.now().Add(-age)
	}

	payments, err := h.adminService.ListPendingPayments(ctx, middleware.ActorFrom(c), filter)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, payments)
}

func (h *AdminHandler) ListPaymentLogs(c echo.Context) error {
	ctx := c.Request().Context()

	limit, err := intQuery(c, "limit")
	if err != nil {
		return err
	}

	logs, err := h.adminService.ListPaymentLogs(ctx, middleware.ActorFrom(c), repository.PaymentLogFilter{
		OrderID: c.QueryParam("order_id"),
		Action:  model.LogAction(strings.ToUpper(c.QueryParam("action"))),
		Method:  model.PaymentMethod(strings.ToLower(c.QueryParam("method"))),
		Outcome: c.QueryParam("status"),
		Limit:   limit,
	})
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, logs)
}

func (h *AdminHandler) RunSweep(c echo.Context) error {
	ctx := c.Request().Context()

	dryRun := false
	if raw := c.QueryParam("dry_run"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return apperr.New(apperr.CodeValidation, "dry_run must be true or false")
		}
		dryRun = v
	}

	result, err := h.adminService.RunSweep(ctx, middleware.ActorFrom(c), dryRun)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, result)
}

func (h *AdminHandler) UpdateOrderStatus(c echo.Context) error {
	ctx := c.Request().Context()

	var req dto.UpdateOrderStatusRequest
	if err := bind(c, &req); err != nil {
		return err
	}

	order, err := h.adminService.UpdateOrderStatus(ctx, middleware.ActorFrom(c), c.Param("id"), &service.OrderStatusUpdate{
		Status: model.OrderStatus(req.Status),
	})
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, order)
}

func (h *AdminHandler) UpdatePaymentOutcome(c echo.Context) error {
	ctx := c.Request().Context()

	var req dto.UpdatePaymentOutcomeRequest
	if err := bind(c, &req); err != nil {
		return err
	}

	result, err := h.adminService.UpdatePaymentOutcome(ctx, middleware.ActorFrom(c), c.Param("id"), &service.PaymentOutcomeUpdate{
		Outcome:    req.Outcome,
		ReceiptID:  req.ReceiptID,
		ResultCode: req.ResultCode,
		Note:       req.Note,
	})
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, result)
}

func (h *AdminHandler) UpdateRefund(c echo.Context) error {
	ctx := c.Request().Context()

	var req dto.UpdateRefundRequest
	if err := bind(c, &req); err != nil {
		return err
	}

	payment, err := h.adminService.UpdateRefund(ctx, middleware.ActorFrom(c), c.Param("id"), &service.RefundUpdate{
		Status:   model.RefundStatus(strings.ToUpper(req.Status)),
		RefundID: req.RefundID,
	})
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, payment)
}
