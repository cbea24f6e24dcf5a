package server

import (
	"context"
	"errors"
	"net/http"

	"storefront-payments/internal/apperr"
	"storefront-payments/internal/config"
	"storefront-payments/internal/dto"
	"storefront-payments/internal/handler"
	"storefront-payments/internal/middleware"
	"storefront-payments/internal/service"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
)

type Services struct {
	Orders   service.OrderService
	Payments service.PaymentService
	Coupons  service.CouponService
	Admin    service.AdminService
}

type Server struct {
	echo           *echo.Echo
	auth           config.JWT
	orderHandler   *handler.OrderHandler
	paymentHandler *handler.PaymentHandler
	couponHandler  *handler.CouponHandler
	adminHandler   *handler.AdminHandler
}

func NewServer(auth config.JWT, services Services, log *zap.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler(log)

	e.Use(requestLogger(log))
	e.Use(echomw.Recover())
	e.Use(echomw.CORS())
	e.Use(echomw.BodyLimit("1M"))

	s := &Server{
		echo:           e,
		auth:           auth,
		orderHandler:   handler.NewOrderHandler(services.Orders),
		paymentHandler: handler.NewPaymentHandler(services.Payments, log),
		couponHandler:  handler.NewCouponHandler(services.Coupons),
		adminHandler:   handler.NewAdminHandler(services.Admin),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.echo.Group("/api")

	api.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	// -------- rail callbacks / browser returns --------
	payments := api.Group("/payments")
	payments.POST("/mpesa/callback", s.paymentHandler.MpesaCallback)
	payments.POST("/checkout/webhook", s.paymentHandler.CheckoutWebhook)
	payments.GET("/checkout/return", s.paymentHandler.CheckoutReturn)

	auth := middleware.Authenticate(s.auth)

	// -------- orders --------
	orders := api.Group("/orders", auth)
	orders.POST("", s.orderHandler.CreateOrder)
	orders.GET("", s.orderHandler.ListOrders)
	orders.GET("/:id", s.orderHandler.GetOrder)
	orders.POST("/:id/cancel", s.orderHandler.CancelOrder)
	orders.POST("/:id/payment", s.paymentHandler.Initiate)
	orders.GET("/:id/payment", s.paymentHandler.Poll)
	orders.POST("/:id/payment/confirm", s.paymentHandler.Confirm)

	api.POST("/coupons/validate", s.couponHandler.Validate, auth)

	// -------- admin --------
	admin := api.Group("/admin", auth, middleware.RequireAdmin())
	admin.GET("/payments/pending", s.adminHandler.ListPendingPayments)
	admin.GET("/payment-logs", s.adminHandler.ListPaymentLogs)
	admin.POST("/sweeps", s.adminHandler.RunSweep)
	admin.PATCH("/orders/:id/status", s.adminHandler.UpdateOrderStatus)
	admin.POST("/orders/:id/payment", s.adminHandler.UpdatePaymentOutcome)
	admin.POST("/orders/:id/refund", s.adminHandler.UpdateRefund)
}

func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) Start(address string) error {
	return s.echo.Start(address)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func statusFor(code apperr.Code) int {
	switch code {
	case apperr.CodeValidation:
		return http.StatusBadRequest
	case apperr.CodeUnauthorized:
		return http.StatusUnauthorized
	case apperr.CodeForbidden:
		return http.StatusForbidden
	case apperr.CodeNotFound:
		return http.StatusNotFound
	case apperr.CodeStateConflict, apperr.CodeInsufficientStock, apperr.CodeIdempotencyConflict:
		return http.StatusConflict
	case apperr.CodeRailUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// errorHandler renders apperr codes as JSON. Only the caller-facing message is
// written; causes, including rail response bodies, go to the log.
func errorHandler(log *zap.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		status := http.StatusInternalServerError
		body := &dto.ErrorResponse{Code: string(apperr.CodeInternal), Message: "internal server error"}

		var he *echo.HTTPError
		var ae *apperr.Error
		switch {
		case errors.As(err, &ae):
			status = statusFor(ae.Code)
			body.Code = string(ae.Code)
			body.Message = ae.Message
		case errors.As(err, &he):
			status = he.Code
			body.Code = http.StatusText(he.Code)
			if msg, ok := he.Message.(string); ok {
				body.Message = msg
			} else {
				body.Message = http.StatusText(he.Code)
			}
		}

		if status >= http.StatusInternalServerError {
			log.Error("request failed",
				zap.String("method", c.Request().Method),
				zap.String("path", c.Path()),
				zap.Error(err))
		}

		var werr error
		if c.Request().Method == http.MethodHead {
			werr = c.NoContent(status)
		} else {
			werr = c.JSON(status, body)
		}
		if werr != nil {
			log.Warn("write error response", zap.Error(werr))
		}
	}
}

func requestLogger(log *zap.Logger) echo.MiddlewareFunc {
	return echomw.RequestLoggerWithConfig(echomw.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogRemoteIP: true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v echomw.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
				zap.String("remote_ip", v.RemoteIP),
			}
			if v.Error != nil {
				fields = append(fields, zap.String("error", apperr.MessageOf(v.Error)))
			}
			log.Info("request", fields...)
			return nil
		},
	})
}
