package main

import (
	"context"
	"fmt"
	"time"

	"storefront-payments/internal/client"
	"storefront-payments/internal/config"
	"storefront-payments/internal/logger"
	"storefront-payments/internal/notify"
	"storefront-payments/internal/repository"
	"storefront-payments/internal/server"
	"storefront-payments/internal/service"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const webhookTolerance = 5 * time.Minute

type app struct {
	cfg        *config.Config
	log        *zap.Logger
	db         *gorm.DB
	redis      *redis.Client
	kafka      *notify.KafkaPublisher
	dispatcher *notify.Dispatcher
	services   server.Services
	sweeper    service.Sweeper
}

func loadBase() (*config.Config, *zap.Logger, *gorm.DB, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, err
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		return nil, nil, nil, err
	}

	db, err := client.InitDatabase(cfg.Database)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := client.Migrate(db); err != nil {
		return nil, nil, nil, err
	}

	return cfg, log, db, nil
}

func newApp(ctx context.Context) (*app, error) {
	cfg, log, db, err := loadBase()
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: log, db: db}

	// -------- notifications --------
	var publisher notify.Publisher = notify.NewLogPublisher(log)
	if len(cfg.Kafka.Brokers) > 0 {
		a.kafka = notify.NewKafkaPublisher(cfg.Kafka)
		publisher = a.kafka
	}
	a.dispatcher = notify.NewDispatcher(publisher, cfg.Kafka.QueueSize, log)

	// -------- idempotency keys --------
	a.redis, err = client.InitRedis(ctx, cfg.Redis)
	if err != nil {
		return nil, err
	}
	idempotency := repository.NewGormIdempotencyStore(db)
	if a.redis != nil {
		idempotency = repository.NewRedisIdempotencyStore(a.redis)
	}

	// -------- rails --------
	var gateway client.CheckoutGateway
	switch cfg.Checkout.Provider {
	case "braintree":
		gateway = client.NewBraintreeClient(&cfg.BrainTree, cfg.Rail)
	default:
		gateway = client.NewPaypalClient(&cfg.Paypal, cfg.Rail, log)
	}
	initiators := service.NewInitiators(
		service.NewMpesaInitiator(client.NewMpesaClient(&cfg.Mpesa, cfg.Rail, log)),
		service.NewCheckoutInitiator(gateway, cfg.BaseURL),
	)
	policy := service.NewFailurePolicy(cfg.Mpesa.TerminalResultCodes, cfg.Checkout.TerminalResultCodes)
	verifier := client.NewWebhookVerifier(cfg.Checkout.WebhookSecret, webhookTolerance)

	// -------- repositories --------
	productRepo := repository.NewProductRepository(db)
	inventoryRepo := repository.NewInventoryRepository(db)
	orderRepo := repository.NewOrderRepository(db)
	paymentRepo := repository.NewPaymentRepository(db)
	couponRepo := repository.NewCouponRepository(db)
	paymentLogs := repository.NewPaymentLogRepository(db)
	webhookEventRepo := repository.NewWebhookEventRepository(db)

	// -------- services --------
	reconciler := service.NewReconciler(db, paymentRepo, orderRepo, inventoryRepo, paymentLogs, a.dispatcher, policy, log)
	a.sweeper = service.NewSweeper(db, cfg.Sweep, orderRepo, paymentRepo, inventoryRepo, paymentLogs,
		initiators, reconciler, a.dispatcher, log)

	a.services = server.Services{
		Orders: service.NewOrderService(db, service.NewPricing(cfg.Pricing), productRepo, inventoryRepo, orderRepo,
			couponRepo, paymentRepo, paymentLogs, initiators, a.dispatcher, log),
		Payments: service.NewPaymentService(db, orderRepo, paymentRepo, paymentLogs, webhookEventRepo,
			idempotency, cfg.Redis.KeyTTL, initiators, reconciler, verifier, log),
		Coupons: service.NewCouponService(couponRepo),
		Admin: service.NewAdminService(db, orderRepo, paymentRepo, paymentLogs, initiators, reconciler,
			a.sweeper, a.dispatcher, log),
	}

	return a, nil
}

func (a *app) Close() {
	if a.kafka != nil {
		if err := a.kafka.Close(); err != nil {
			a.log.Warn("close kafka writer", zap.Error(err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Warn("close redis", zap.Error(err))
		}
	}
	if sqlDB, err := a.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	_ = a.log.Sync()
}

func (a *app) address() string {
	return fmt.Sprintf("%s:%s", a.cfg.HTTP.Host, a.cfg.HTTP.Port)
}
