package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/instill-ai/extraction-backend/config"
	"github.com/instill-ai/extraction-backend/pkg/bootstrap"
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

	ctx, span := otel.Tracer("worker-tracer").Start(ctx, "worker")
	defer span.End()

	logger, _ := logger.GetZapLogger(ctx)
	defer func() {
		// can't handle the error due to https://github.com/uber-go/zap/issues/880
		_ = logger.Sync()
	}()

	components, err := bootstrap.New(ctx, config.Config, true, logger)
	if err != nil {
		logger.Fatal("Failed to initialize components", zap.Error(err))
	}
	defer components.Close(logger)

	if err := components.Worker.Recover(ctx); err != nil {
		logger.Fatal("Failed to recover unacknowledged tasks", zap.Error(err))
	}

	if err := components.Worker.Run(ctx); err != nil {
		logger.Error("Worker pools stopped with an error", zap.Error(err))
		return
	}
}
