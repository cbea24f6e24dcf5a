package handler

import (
	"net/http"

	"storefront-payments/internal/dto"
	"storefront-payments/internal/middleware"
	"storefront-payments/internal/service"

	"github.com/labstack/echo/v4"
)

type CouponHandler struct {
	couponService service.CouponService
}

func NewCouponHandler(couponService service.CouponService) *CouponHandler {
	return &CouponHandler{
		couponService: couponService,
	}
}

func (h *CouponHandler) Validate(c echo.Context) error {
	ctx := c.Request().Context()

	var req dto.ValidateCouponRequest
	if err := bind(c, &req); err != nil {
		return err
	}

	eval, err := h.couponService.Validate(ctx, middleware.ActorFrom(c), req.Code, req.Subtotal)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, &dto.ValidateCouponResponse{
		Valid:        eval.Applies(),
		Reason:       string(eval.Rejection),
		Discount:     eval.Discount,
		FreeShipping: eval.FreeShipping,
	})
}
