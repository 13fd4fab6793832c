package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/keyissuer/internal/repository"
)

// DefaultIssuanceStaleness is how long a held lock is trusted before it may be reclaimed.
const DefaultIssuanceStaleness = 15 * time.Minute

// Lease is an acquired issuance lock.
type Lease struct {
	OrderID   uuid.UUID
	Token     string
	Reclaimed bool
}

// IssuanceLockManager fences the non-idempotent issuance call with a row-level lock.
// All coordination goes through compare-and-swap updates on the order row.
type IssuanceLockManager struct {
	store     repository.OrderStore
	staleness time.Duration
	now       func() time.Time
	newToken  func() string
	log       *zap.Logger
}

func NewIssuanceLockManager(store repository.OrderStore, staleness time.Duration, logger *zap.Logger) *IssuanceLockManager {
	if staleness <= 0 {
		staleness = DefaultIssuanceStaleness
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IssuanceLockManager{
		store:     store,
		staleness: staleness,
		now:       time.Now,
		newToken:  uuid.NewString,
		log:       logger.Named("lock"),
	}
}

// WithClock replaces the time source.
func (m *IssuanceLockManager) WithClock(now func() time.Time) *IssuanceLockManager {
	m.now = now
	return m
}

// Staleness returns the reclaim threshold.
func (m *IssuanceLockManager) Staleness() time.Duration {
	return m.staleness
}

// Acquire claims the order's lock, reclaiming it when the current holder is stale.
// A fresh lock held by someone else yields ErrLockNotAcquired; the caller must not wait.
func (m *IssuanceLockManager) Acquire(ctx context.Context, orderID uuid.UUID) (*Lease, error) {
	order, err := m.store.Get(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("load order for lock: %w", err)
	}

	now := m.now()
	token := m.newToken()

	if order.IssuanceLockID == nil {
		ok, err := m.store.AcquireLock(ctx, orderID, token, now)
		if err != nil {
			return nil, fmt.Errorf("acquire lock: %w", err)
		}
		if !ok {
			return nil, ErrLockNotAcquired
		}
		return &Lease{OrderID: orderID, Token: token}, nil
	}

	held := *order.IssuanceLockID
	// A token without a timestamp can never age out; treat it as stale.
	if order.IssuanceLockedAt != nil && now.Sub(*order.IssuanceLockedAt) <= m.staleness {
		return nil, ErrLockNotAcquired
	}

	ok, err := m.store.ReclaimLock(ctx, orderID, held, token, now)
	if err != nil {
		return nil, fmt.Errorf("reclaim lock: %w", err)
	}
	if !ok {
		return nil, ErrLockNotAcquired
	}

	fields := []zap.Field{zap.String("order_id", orderID.String()), zap.String("previous_token", held)}
	if order.IssuanceLockedAt != nil {
		fields = append(fields, zap.Duration("held_for", now.Sub(*order.IssuanceLockedAt)))
	}
	m.log.Warn("reclaimed stale issuance lock", fields...)

	return &Lease{OrderID: orderID, Token: token, Reclaimed: true}, nil
}

// Release clears the lock if it is still held by token. Releasing a lock that was already
// cleared or reclaimed is not an error.
func (m *IssuanceLockManager) Release(ctx context.Context, lease *Lease) error {
	if lease == nil {
		return nil
	}
	ok, err := m.store.ReleaseLock(ctx, lease.OrderID, lease.Token)
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	if !ok {
		m.log.Debug("lock already released", zap.String("order_id", lease.OrderID.String()))
	}
	return nil
}
