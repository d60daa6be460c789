package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"libraryapi/internal/util"
	"libraryapi/pkg/sequence"
	"libraryapi/services/circulation/internal/app"
	"libraryapi/services/circulation/internal/config"
	"libraryapi/services/circulation/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.InitLogger("circulation", cfg.LogLevel)

	appCore, err := app.New(app.Config{
		DatabaseURL:    cfg.DatabaseURL,
		RedisAddr:      cfg.RedisAddr,
		RedisPassword:  cfg.RedisPassword,
		CounterBackend: cfg.CounterBackend,
		AMQPURL:        cfg.AMQPURL,
		AMQPExchange:   cfg.AMQPExchange,
		AMQPRoutingKey: cfg.AMQPRoutingKey,
		Rules: app.Rules{
			LoanPeriodDays:       cfg.LoanPeriodDays,
			FinePerDay:           cfg.FinePerDay,
			OverdueThresholdDays: cfg.OverdueThresholdDays,
		},
		Barcodes: sequence.BarcodeConfig{
			LibraryIDCode: cfg.LibraryIDCode,
			CardPrefix:    cfg.CardBarcodePrefix,
			MediaPrefix:   cfg.MediaBarcodePrefix,
		},
		SweepEvery:        cfg.SweepInterval(),
		NotificationEvery: cfg.NotificationInterval(),
		JobLockTTL:        cfg.LockTTL(),
		OutboxWorkers:     cfg.OutboxWorkers,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}
	defer appCore.Close()

	httpServer, err := server.New(server.Config{
		App:                appCore,
		TokenSecret:        cfg.TokenSecret,
		TokenIssuers:       cfg.TokenIssuers,
		RedisAddr:          cfg.RedisAddr,
		RedisPassword:      cfg.RedisPassword,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
		TrustedProxyCIDRs:  cfg.TrustedProxyCIDRs,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	appCore.StartWorkers(ctx)
	go func() {
		if err := appCore.Scheduler().Run(ctx); err != nil {
			logger.Error("scheduler stopped", "err", err)
		}
	}()

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown", "err", err)
		}
	}()

	slog.Info("circulation server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "err", err)
	}
}
