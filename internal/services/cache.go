package services

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/example/keyissuer/internal/models"
)

// StatusCache keeps snapshots of orders that can no longer change.
type StatusCache interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Order, bool)
	Put(ctx context.Context, order *models.Order)
}

// NopStatusCache never hits.
type NopStatusCache struct{}

func (NopStatusCache) Get(context.Context, uuid.UUID) (*models.Order, bool) { return nil, false }
func (NopStatusCache) Put(context.Context, *models.Order) {}

// RedisStatusCache stores terminal order snapshots as JSON. Cache failures are logged, never returned.
type RedisStatusCache struct {
	client *redis.Client
	ttl    time.Duration
	log    *zap.Logger
}

func NewRedisStatusCache(client *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisStatusCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStatusCache{client: client, ttl: ttl, log: logger.Named("cache")}
}

func statusKey(id uuid.UUID) string {
	return "order:status:" + id.String()
}

func (c *RedisStatusCache) Get(ctx context.Context, id uuid.UUID) (*models.Order, bool) {
	raw, err := c.client.Get(ctx, statusKey(id)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.Warn("cache get", zap.String("order_id", id.String()), zap.Error(err))
		}
		return nil, false
	}

	var order models.Order
	if err := json.Unmarshal(raw, &order); err != nil {
		c.log.Warn("cache decode", zap.String("order_id", id.String()), zap.Error(err))
		return nil, false
	}
	return &order, true
}

// Put ignores orders that are not terminal.
func (c *RedisStatusCache) Put(ctx context.Context, order *models.Order) {
	if order == nil || !order.IsTerminal() {
		return
	}
	raw, err := json.Marshal(order)
	if err != nil {
		c.log.Warn("cache encode", zap.String("order_id", order.ID.String()), zap.Error(err))
		return
	}
	if err := c.client.Set(ctx, statusKey(order.ID), raw, c.ttl).Err(); err != nil {
		c.log.Warn("cache set", zap.String("order_id", order.ID.String()), zap.Error(err))
	}
}
