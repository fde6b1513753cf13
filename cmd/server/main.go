package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bingwa-sokoni/config"
	"bingwa-sokoni/internal/api"
	"bingwa-sokoni/internal/broker"
	"bingwa-sokoni/internal/daraja"
	"bingwa-sokoni/internal/redisclient"
	"bingwa-sokoni/internal/service"
	"bingwa-sokoni/internal/store"
	"bingwa-sokoni/internal/util"
	"bingwa-sokoni/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		panic(err)
	}
	defer util.SyncLogger()
	logger := util.GetLogger()

	tp, err := util.InitTracer("bingwa-api", cfg.Observ.JaegerEndpoint)
	if err != nil {
		logger.Warn("Tracer init failed, continuing without tracing", zap.Error(err))
	} else {
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tp.Shutdown(ctx)
		}()
	}

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	redis, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Fatal("Failed to connect to redis", zap.Error(err))
	}
	defer redis.Close()

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicPayment)
	defer producer.Close()
	publisher := broker.NewEventPublisher(producer)

	gateway := daraja.NewClient(cfg.Mpesa)

	backend := &service.SimulatedBackend{
		SuccessRate: cfg.Delivery.SuccessRate,
		Delay:       time.Duration(cfg.Delivery.DelayMs) * time.Millisecond,
	}

	userService := service.NewUserService(db)
	catalogService := service.NewCatalogService(db, redis)
	orderService := service.NewOrderService(db, publisher)
	paymentService := service.NewPaymentService(db, gateway, publisher, redis)
	deliveryService := service.NewDeliveryService(db, backend, redis, publisher)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	consumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicPayment, cfg.Kafka.ConsumerGroup)
	defer consumer.Close()

	deliveryWorker := worker.NewDeliveryWorker(consumer, db, deliveryService)
	go func() {
		if err := deliveryWorker.Start(ctx); err != nil && ctx.Err() == nil {
			logger.Error("Delivery worker stopped", zap.Error(err))
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	handler := api.NewHandler(userService, catalogService, orderService, paymentService, deliveryService)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: router,
	}

	go func() {
		logger.Info("Server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown failed", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("Server stopped")
}
