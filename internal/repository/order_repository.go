package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/example/keyissuer/internal/models"
)

var (
	// ErrOrderNotFound is returned by lookups that match no row.
	ErrOrderNotFound = errors.New("order not found")
	// ErrCatalogItemNotFound is returned when an order references an unknown or inactive catalog item.
	ErrCatalogItemNotFound = errors.New("catalog item not found")
	// ErrInvalidOrder is returned when order placement inputs are inconsistent.
	ErrInvalidOrder = errors.New("invalid order")
)

// NewOrderParams carries the buyer-side inputs for placing an order from a catalog item.
type NewOrderParams struct {
	CatalogItemID    uuid.UUID
	Quantity         int
	PaymentProvider  models.PaymentProvider
	PaymentReference string
	Recipient        string
	// ClaimCode is hashed before storage and never persisted in plaintext.
	ClaimCode string
}

// PaidVerification is what the gateway confirmed for a PENDING -> PAID transition.
type PaidVerification struct {
	AmountMinor int64
	Currency    string
	Payload     datatypes.JSON
	At          time.Time
}

// AssetGrant is the ledger outcome of an asset transfer.
type AssetGrant struct {
	TxnHash string
	TokenID string
}

// ListFilter narrows operator listings.
type ListFilter struct {
	Status models.OrderStatus
	Limit  int
	Offset int
}

// OrderStore persists orders. Every mutating method is a single guarded UPDATE and
// reports whether its guard matched; none of them read-then-write.
type OrderStore interface {
	Create(ctx context.Context, order *models.Order) error
	CreateFromCatalog(ctx context.Context, params NewOrderParams) (*models.Order, error)

	Get(ctx context.Context, id uuid.UUID) (*models.Order, error)
	FindByPaymentReference(ctx context.Context, reference string) (*models.Order, error)
	FindByClaimCodeHash(ctx context.Context, hash string) (*models.Order, error)

	MarkPaid(ctx context.Context, id uuid.UUID, v PaidVerification) (bool, error)
	MarkFailed(ctx context.Context, id uuid.UUID, payload datatypes.JSON, reason string) (bool, error)
	AssignRecipient(ctx context.Context, id uuid.UUID, recipient string) (bool, error)

	AcquireLock(ctx context.Context, id uuid.UUID, token string, at time.Time) (bool, error)
	ReclaimLock(ctx context.Context, id uuid.UUID, oldToken, newToken string, at time.Time) (bool, error)
	ReleaseLock(ctx context.Context, id uuid.UUID, token string) (bool, error)

	CompleteAsset(ctx context.Context, id uuid.UUID, token string, grant AssetGrant, at time.Time) (bool, error)
	CompleteAttestation(ctx context.Context, id uuid.UUID, token string, uid string, at time.Time) (bool, error)
	MarkKeyGranted(ctx context.Context, id uuid.UUID, token string, at time.Time) (bool, error)
	RecordIssuanceError(ctx context.Context, id uuid.UUID, token string, message string, release bool, at time.Time) (bool, error)

	ListAwaitingVerification(ctx context.Context, since time.Time, limit int) ([]*models.Order, error)
	ListAwaitingIssuance(ctx context.Context, limit int) ([]*models.Order, error)
	List(ctx context.Context, filter ListFilter) ([]*models.Order, int64, error)

	RecordWebhookEvent(ctx context.Context, event *models.WebhookEvent) error
	MarkWebhookEventProcessed(ctx context.Context, id uuid.UUID, processingError string, at time.Time) error
}
