package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/honeynil/TradeCustodyService/internal/api"
	"github.com/honeynil/TradeCustodyService/internal/config"
	"github.com/honeynil/TradeCustodyService/internal/handler"
	"github.com/honeynil/TradeCustodyService/internal/infrastructure/auth"
	"github.com/honeynil/TradeCustodyService/internal/infrastructure/kafka"
	"github.com/honeynil/TradeCustodyService/internal/infrastructure/payment"
	"github.com/honeynil/TradeCustodyService/internal/infrastructure/redis"
	"github.com/honeynil/TradeCustodyService/internal/observability"
	"github.com/honeynil/TradeCustodyService/internal/outbox"
	"github.com/honeynil/TradeCustodyService/internal/repository/postgres"
	service "github.com/honeynil/TradeCustodyService/internal/services"
	_ "github.com/lib/pq"
	"golang.org/x/sync/errgroup"
)

const serviceName = "trade-custody-service"

func main() {
	if err := run(); err != nil {
		slog.Error("service stopped with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()

	// Инициализируем логи, метрики, трейсы
	shutdownTracing := observability.Setup(serviceName, cfg)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			slog.Error("failed to flush traces", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Подключаемся к Postgres
	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		return err
	}
	defer db.Close()
	db.SetMaxOpenConns(20)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		return err
	}
	store := postgres.New(db)
	if err := store.Migrate(ctx); err != nil {
		return err
	}

	redisClient, err := redis.NewClient(ctx, cfg.RedisAddr)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	notifications := kafka.NewProducer(cfg.KafkaBrokers, cfg.NotificationTopic)
	defer notifications.Close()

	payments := payment.NewClient(payment.Config{
		BaseURL: cfg.PaymentProviderURL,
		APIKey:  cfg.PaymentAPIKey,
		Timeout: cfg.PaymentTimeout,
	})

	// Побочные эффекты после коммита: аудит и уведомления
	audit := service.NewAuditWriter(store.Audit())
	dispatcher := outbox.NewDispatcher(1024, 4, outbox.DefaultRetryPolicy)
	dispatcher.Handle(outbox.KindAudit, audit.Handle)
	dispatcher.Handle(outbox.KindNotification, service.NotificationHandler(notifications))
	dispatcher.Start(context.WithoutCancel(ctx))
	defer dispatcher.Stop()

	settings := service.DefaultSettings()
	settings.SessionTTL = cfg.SessionTTL
	settings.DisputeResponseWindow = cfg.DisputeResponseWindow
	settings.ReleaseTokenTTL = cfg.ReleaseTokenTTL
	settings.ReleaseTTL = cfg.ReleaseTTL
	settings.PaymentTimeout = cfg.PaymentTimeout
	settings.VaultShippingFee = cfg.VaultShippingFee

	settlement := service.NewSettlementService(store, payments, dispatcher, settings)
	custody := service.NewCustodyService(store, payments, dispatcher, settings)
	disputes := service.NewDisputeService(store, payments, dispatcher, settings)
	releases := service.NewReleaseService(store, payments, dispatcher, settings)
	vault := service.NewVaultService(store, payments, dispatcher, settings)

	consumer := kafka.NewConsumer(cfg.KafkaBrokers, cfg.PaymentEventsTopic, serviceName, settlement, vault, redisClient)
	defer consumer.Close()

	sweeper := service.NewSweeper(custody, disputes, releases, redisClient, cfg.SweepInterval)

	h := handler.NewHandler(handler.Services{
		Settlement: settlement,
		Custody:    custody,
		Disputes:   disputes,
		Releases:   releases,
		Vault:      vault,
		Audit:      audit,
	}, redisClient)
	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.SetupRouter(h, auth.NewTokenService(cfg.JWTSecret), redisClient),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("starting server", "addr", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		// Graceful shutdown
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return consumer.Consume(gctx) })
	g.Go(func() error { return sweeper.Run(gctx) })

	err = g.Wait()
	slog.Info("server stopped")
	return err
}
