package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"github.com/example/keyissuer/internal/app"
	"github.com/example/keyissuer/internal/config"
	"github.com/example/keyissuer/internal/logger"
	"github.com/example/keyissuer/internal/routes"
)

func main() {
	cfg := config.Load()

	zl, err := logger.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	svc, err := app.New(cfg, zl)
	if err != nil {
		zl.Fatal("wire services", zap.Error(err))
	}
	defer svc.Close()

	server := fiber.New(fiber.Config{
		AppName: "Key Issuer",
	})

	server.Use(recover.New())
	server.Use(fiberlogger.New())

	routes.Register(server, cfg, routes.Deps{Store: svc.Store, Reconciler: svc.Reconciler, Logger: zl})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go svc.Worker.Start(ctx)

	go func() {
		<-ctx.Done()
		zl.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.WebhookDeadline+5*time.Second)
		defer cancel()
		if err := server.ShutdownWithContext(shutdownCtx); err != nil {
			zl.Warn("shutdown", zap.Error(err))
		}
	}()

	zl.Info("starting server", zap.String("port", cfg.AppPort))
	if err := server.Listen(":" + cfg.AppPort); err != nil {
		zl.Fatal("fiber.Listen error", zap.Error(err))
	}
}
