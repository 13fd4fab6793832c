// Package app assembles the reconciler service graph shared by the server and the ops CLI.
package app

import (
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/example/keyissuer/internal/config"
	"github.com/example/keyissuer/internal/database"
	"github.com/example/keyissuer/internal/repository"
	"github.com/example/keyissuer/internal/services"
)

// App holds the long-lived services.
type App struct {
	Store      *repository.GormOrderStore
	Reconciler *services.Reconciler
	Worker     *services.RetryWorker
	Alerter    *services.TelegramService

	redis *redis.Client
}

// New connects to the database (and redis when configured) and wires every service.
func New(cfg *config.Config, logger *zap.Logger) (*App, error) {
	db := database.Connect(cfg.DatabaseURL)
	store := repository.NewGormOrderStore(db)

	a := &App{Store: store}

	var cache services.StatusCache = services.NopStatusCache{}
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		a.redis = redis.NewClient(opts)
		cache = services.NewRedisStatusCache(a.redis, cfg.StatusCacheTTL, logger)
	}

	a.Alerter = services.NewTelegramService(cfg.TelegramBotToken, cfg.TelegramAdminChat, logger)

	verifier := services.NewGatewayVerifier(services.NewPaystackClient(cfg.GatewayBaseURL, cfg.GatewaySecretKey, cfg.GatewayTimeout))
	locks := services.NewIssuanceLockManager(store, cfg.IssuanceStaleness, logger)
	issuer := services.NewAssetIssuer(
		store,
		services.NewRelayerClient(cfg.LedgerBaseURL, cfg.LedgerAPIKey, cfg.LedgerTimeout),
		services.NewAttestationClient(cfg.AttestationBaseURL, cfg.AttestationAPIKey, cfg.AttestationTimeout),
		services.IssuerOptions{KeyDuration: cfg.KeyDuration, SchemaID: cfg.AttestationSchemaID, Alerter: a.Alerter},
		logger,
	)
	a.Reconciler = services.NewReconciler(store, verifier, locks, issuer, cache, a.Alerter, logger)

	a.Worker = services.NewRetryWorker(store, a.Reconciler, services.RetryOptions{
		Interval:       cfg.RetryInterval,
		BaseBackoff:    cfg.RetryBaseBackoff,
		MaxBackoff:     cfg.RetryMaxBackoff,
		BatchSize:      cfg.RetryBatchSize,
		RatePerSecond:  cfg.RetryRatePerSecond,
		PendingWindow:  cfg.RetryPendingWindow,
		RequestTimeout: cfg.WebhookDeadline,
	}, logger)

	return a, nil
}

// Close releases the redis client. The database pool lives for the process.
func (a *App) Close() error {
	if a.redis != nil {
		return a.redis.Close()
	}
	return nil
}
