package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/instill-ai/extraction-backend/config"
	"github.com/instill-ai/extraction-backend/pkg/bootstrap"
	"github.com/instill-ai/extraction-backend/pkg/handler"
	"github.com/instill-ai/extraction-backend/pkg/logger"
)

func main() {
	// gorm's autoUpdate will use local timezone by default, so we need to set it to UTC
	time.Local = time.UTC

	if err := config.Init(config.ParseConfigFlag()); err != nil {
		log.Fatal(err.Error())
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ctx, span := otel.Tracer("main-tracer").Start(ctx, "main")
	defer span.End()

	logger, _ := logger.GetZapLogger(ctx)
	defer func() {
		// can't handle the error due to https://github.com/uber-go/zap/issues/880
		_ = logger.Sync()
	}()

	cfg := config.Config
	components, err := bootstrap.New(ctx, cfg, cfg.Server.Standalone, logger)
	if err != nil {
		logger.Fatal("Failed to initialize components", zap.Error(err))
	}
	defer components.Close(logger)

	srv := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Server.PublicPort),
		Handler: handler.NewRouter(handler.NewHandler(components.Service), handler.Options{
			RequestTimeout: cfg.Server.RequestTimeout,
			CORSOrigins:    cfg.Server.CORSOrigins,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		logger.Info("HTTP server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving HTTP: %w", err)
		}
		return nil
	})

	if w := components.Worker; w != nil {
		if err := w.Recover(ctx); err != nil {
			logger.Fatal("Failed to recover unacknowledged tasks", zap.Error(err))
		}
		eg.Go(func() error { return w.Run(egCtx) })
	}

	eg.Go(func() error {
		<-egCtx.Done()
		logger.Info("Shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(egCtx), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := eg.Wait(); err != nil {
		logger.Error("Server stopped with an error", zap.Error(err))
		return
	}
	logger.Info("Server stopped")
}
