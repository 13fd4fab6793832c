package services

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/example/keyissuer/internal/models"
	"github.com/example/keyissuer/internal/repository"
)

// RetryOptions tunes the background sweep.
type RetryOptions struct {
	Interval      time.Duration
	BaseBackoff   time.Duration
	MaxBackoff    time.Duration
	BatchSize     int
	RatePerSecond float64
	// PendingWindow bounds how long an unpaid gateway order keeps being verified.
	PendingWindow  time.Duration
	RequestTimeout time.Duration
}

// RetryWorker re-enters the reconciler for orders no trigger has finished.
type RetryWorker struct {
	store      repository.OrderStore
	reconciler *Reconciler
	limiter    *rate.Limiter
	opts       RetryOptions
	now        func() time.Time
	log        *zap.Logger
}

func NewRetryWorker(store repository.OrderStore, reconciler *Reconciler, opts RetryOptions, logger *zap.Logger) *RetryWorker {
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = 30 * time.Second
	}
	if opts.MaxBackoff < opts.BaseBackoff {
		opts.MaxBackoff = opts.BaseBackoff
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond = 2
	}
	if opts.PendingWindow <= 0 {
		opts.PendingWindow = 24 * time.Hour
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 90 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RetryWorker{
		store:      store,
		reconciler: reconciler,
		limiter:    rate.NewLimiter(rate.Limit(opts.RatePerSecond), 1),
		opts:       opts,
		now:        time.Now,
		log:        logger.Named("retry"),
	}
}

// WithClock replaces the time source.
func (w *RetryWorker) WithClock(now func() time.Time) *RetryWorker {
	w.now = now
	return w
}

// Backoff is min(base * 2^attempts, max).
func (w *RetryWorker) Backoff(attempts int) time.Duration {
	d := w.opts.BaseBackoff
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= w.opts.MaxBackoff {
			return w.opts.MaxBackoff
		}
	}
	return d
}

// Due reports whether order should be retried now.
func (w *RetryWorker) Due(order *models.Order) bool {
	now := w.now()
	if order.Status == models.OrderStatusPending {
		// Give the webhook one backoff period before polling the gateway.
		return now.Sub(order.CreatedAt) >= w.opts.BaseBackoff
	}
	if order.IssuanceLastAttemptAt == nil {
		return true
	}
	return now.Sub(*order.IssuanceLastAttemptAt) >= w.Backoff(order.IssuanceAttempts)
}

// Start sweeps every interval until ctx is cancelled. It blocks.
func (w *RetryWorker) Start(ctx context.Context) {
	w.log.Info("retry worker started", zap.Duration("interval", w.opts.Interval))
	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info("retry worker stopped")
			return
		case <-ticker.C:
			if _, err := w.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				w.log.Error("retry sweep", zap.Error(err))
			}
		}
	}
}

// RunOnce performs a single sweep and returns how many orders were reconciled.
func (w *RetryWorker) RunOnce(ctx context.Context) (int, error) {
	paid, err := w.store.ListAwaitingIssuance(ctx, w.opts.BatchSize)
	if err != nil {
		return 0, err
	}
	pending, err := w.store.ListAwaitingVerification(ctx, w.now().Add(-w.opts.PendingWindow), w.opts.BatchSize)
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, order := range append(paid, pending...) {
		if !w.Due(order) {
			continue
		}
		if err := w.limiter.Wait(ctx); err != nil {
			return processed, err
		}

		rctx, cancel := context.WithTimeout(ctx, w.opts.RequestTimeout)
		res, err := w.reconciler.Reconcile(rctx, order)
		cancel()
		processed++

		if err != nil {
			w.log.Warn("retry reconcile", zap.String("order_id", order.ID.String()), zap.Error(err))
			continue
		}
		if res.Cause != nil {
			w.log.Debug("retry deferred",
				zap.String("order_id", order.ID.String()),
				zap.String("outcome", string(res.Outcome)),
				zap.Error(res.Cause),
			)
		}
	}
	return processed, nil
}
