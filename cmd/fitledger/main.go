// Package main запускает HTTP-сервер сервиса учёта FIT и фоновую публикацию во внешний журнал.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/fitledger/internal/config"
	"github.com/mmeshcher/fitledger/internal/handler"
	"github.com/mmeshcher/fitledger/internal/middleware"
	"github.com/mmeshcher/fitledger/internal/mirror"
	"github.com/mmeshcher/fitledger/internal/repository"
	"github.com/mmeshcher/fitledger/internal/service"
)

const mirrorHTTPRetries = 2

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := repository.Open(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	var (
		queue     service.MirrorQueue
		publisher service.MirrorPublisher
	)
	if cfg.MirrorAddress != "" {
		client := mirror.NewHTTPClient(cfg.MirrorAddress, mirrorHTTPRetries, logger.Named("mirror-http"))
		pub := mirror.NewPublisher(repo, client, mirror.PublisherConfig{
			Channels: mirror.Channels{
				Reward:   cfg.MirrorRewardChannel,
				Purchase: cfg.MirrorPurchaseChannel,
			},
			Timeout: cfg.MirrorTimeout,
			Backoff: mirror.Backoff{Base: cfg.SweepBackoffBase, Max: cfg.SweepBackoffMax},
		}, logger.Named("mirror"))

		dispatcher := mirror.NewDispatcher(pub, cfg.MirrorWorkers, cfg.MirrorQueueSize, logger.Named("mirror"))
		sweeper := mirror.NewSweeper(repo, pub, mirror.SweeperConfig{
			Interval:   cfg.SweepInterval,
			Grace:      cfg.SweepGrace,
			Batch:      cfg.SweepBatch,
			MaxRetries: cfg.SweepMaxRetries,
		}, logger.Named("sweeper"))

		queue = dispatcher
		publisher = pub

		// Публикация во внешний журнал
		g.Go(func() error {
			return dispatcher.Run(ctx)
		})

		// Сборщик неопубликованных записей
		g.Go(func() error {
			sweeper.Run(ctx)
			return nil
		})
	} else {
		sugar.Warn("mirror address is not set, ledger records will stay pending")
	}

	svc := service.NewService(repo, queue, publisher, service.Config{
		Policy:        service.DefaultPolicy(),
		RatePerMinute: cfg.RewardRatePerMinute,
		RateBurst:     cfg.RewardBurst,
	})
	defer svc.Close()

	if cfg.AuthSecret == "" {
		sugar.Warn("auth secret is not set, using a random key: sessions will not survive a restart")
	}
	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)
	h := handler.NewHandler(svc, logger, authMiddleware, cfg.InternalToken)

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           h.SetupRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting fitledger server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
