package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/example/keyissuer/internal/models"
	"github.com/example/keyissuer/internal/utils"
)

// GormOrderStore is the relational OrderStore.
type GormOrderStore struct {
	db *gorm.DB
}

// NewGormOrderStore wraps an open gorm connection.
func NewGormOrderStore(db *gorm.DB) *GormOrderStore {
	return &GormOrderStore{db: db}
}

const unissued = "txn_hash IS NULL AND attestation_uid IS NULL AND key_granted = ?"

func (s *GormOrderStore) Create(ctx context.Context, order *models.Order) error {
	return s.db.WithContext(ctx).Create(order).Error
}

// CreateFromCatalog snapshots price, currency and ledger coordinates from the catalog item.
// The expected amount is never recomputed from the catalog afterwards.
func (s *GormOrderStore) CreateFromCatalog(ctx context.Context, params NewOrderParams) (*models.Order, error) {
	var item models.CatalogItem
	if err := s.db.WithContext(ctx).
		Where("id = ? AND active = ?", params.CatalogItemID, true).
		First(&item).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCatalogItemNotFound
		}
		return nil, err
	}

	qty := params.Quantity
	if qty <= 0 {
		qty = 1
	}

	order := &models.Order{
		CatalogItemID:       &item.ID,
		VendorID:            item.VendorID,
		Quantity:            qty,
		Status:              models.OrderStatusPending,
		FulfillmentMethod:   item.FulfillmentMethod,
		PaymentProvider:     params.PaymentProvider,
		Recipient:           strings.TrimSpace(params.Recipient),
		ChainID:             item.ChainID,
		ContractAddress:     item.ContractAddress,
		SchemaID:            item.SchemaID,
		ExpectedAmountMinor: item.PriceMinor * int64(qty),
		ExpectedCurrency:    strings.ToUpper(item.Currency),
	}

	if ref := strings.TrimSpace(params.PaymentReference); ref != "" {
		order.PaymentReference = &ref
	}
	if code := utils.NormalizeClaimCode(params.ClaimCode); code != "" {
		hash := utils.HashClaimCode(code)
		order.ClaimCodeHash = &hash
	}

	switch params.PaymentProvider {
	case models.PaymentGateway:
		if order.PaymentReference == nil {
			return nil, fmt.Errorf("%w: gateway orders need a payment reference", ErrInvalidOrder)
		}
	case models.PaymentManual:
		if order.Recipient == "" && order.ClaimCodeHash == nil {
			return nil, fmt.Errorf("%w: manual sales need a recipient or a claim code", ErrInvalidOrder)
		}
		now := time.Now()
		order.Status = models.OrderStatusPaid
		order.PaidAt = &now
	case models.PaymentOnChain:
	default:
		return nil, fmt.Errorf("%w: unknown payment provider %q", ErrInvalidOrder, params.PaymentProvider)
	}

	if err := s.Create(ctx, order); err != nil {
		return nil, err
	}
	return order, nil
}

func (s *GormOrderStore) Get(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	return s.first(ctx, "id = ?", id)
}

func (s *GormOrderStore) FindByPaymentReference(ctx context.Context, reference string) (*models.Order, error) {
	return s.first(ctx, "payment_reference = ?", strings.TrimSpace(reference))
}

func (s *GormOrderStore) FindByClaimCodeHash(ctx context.Context, hash string) (*models.Order, error) {
	return s.first(ctx, "claim_code_hash = ?", hash)
}

func (s *GormOrderStore) first(ctx context.Context, query string, args ...any) (*models.Order, error) {
	var order models.Order
	if err := s.db.WithContext(ctx).Where(query, args...).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return &order, nil
}

func (s *GormOrderStore) MarkPaid(ctx context.Context, id uuid.UUID, v PaidVerification) (bool, error) {
	return s.update(ctx, map[string]any{
		"status":                models.OrderStatusPaid,
		"verified_amount_minor": v.AmountMinor,
		"verified_currency":     v.Currency,
		"gateway_payload":       v.Payload,
		"paid_at":               v.At,
	}, "id = ? AND status = ?", id, models.OrderStatusPending)
}

// MarkFailed is allowed from PENDING, or from PAID while nothing has been issued.
func (s *GormOrderStore) MarkFailed(ctx context.Context, id uuid.UUID, payload datatypes.JSON, reason string) (bool, error) {
	return s.update(ctx, map[string]any{
		"status":          models.OrderStatusFailed,
		"gateway_payload": payload,
		"failure_reason":  reason,
	}, "id = ? AND status IN ? AND "+unissued, id,
		[]models.OrderStatus{models.OrderStatusPending, models.OrderStatusPaid}, false)
}

func (s *GormOrderStore) AssignRecipient(ctx context.Context, id uuid.UUID, recipient string) (bool, error) {
	return s.update(ctx, map[string]any{"recipient": recipient},
		"id = ? AND (recipient = '' OR recipient IS NULL)", id)
}

func (s *GormOrderStore) AcquireLock(ctx context.Context, id uuid.UUID, token string, at time.Time) (bool, error) {
	return s.update(ctx, map[string]any{
		"issuance_lock_id":   token,
		"issuance_locked_at": at,
	}, "id = ? AND issuance_lock_id IS NULL AND issuance_locked_at IS NULL", id)
}

func (s *GormOrderStore) ReclaimLock(ctx context.Context, id uuid.UUID, oldToken, newToken string, at time.Time) (bool, error) {
	return s.update(ctx, map[string]any{
		"issuance_lock_id":   newToken,
		"issuance_locked_at": at,
	}, "id = ? AND issuance_lock_id = ?", id, oldToken)
}

func (s *GormOrderStore) ReleaseLock(ctx context.Context, id uuid.UUID, token string) (bool, error) {
	return s.update(ctx, map[string]any{
		"issuance_lock_id":   nil,
		"issuance_locked_at": nil,
	}, "id = ? AND issuance_lock_id = ?", id, token)
}

func (s *GormOrderStore) CompleteAsset(ctx context.Context, id uuid.UUID, token string, grant AssetGrant, at time.Time) (bool, error) {
	updates := completion(at)
	updates["txn_hash"] = grant.TxnHash
	if grant.TokenID != "" {
		updates["token_id"] = grant.TokenID
	}
	return s.update(ctx, updates, "id = ? AND issuance_lock_id = ? AND "+unissued, id, token, false)
}

func (s *GormOrderStore) CompleteAttestation(ctx context.Context, id uuid.UUID, token string, uid string, at time.Time) (bool, error) {
	updates := completion(at)
	updates["attestation_uid"] = uid
	return s.update(ctx, updates, "id = ? AND issuance_lock_id = ? AND "+unissued, id, token, false)
}

// MarkKeyGranted records that the ledger already shows a valid key without a local txn hash.
func (s *GormOrderStore) MarkKeyGranted(ctx context.Context, id uuid.UUID, token string, at time.Time) (bool, error) {
	updates := completion(at)
	updates["key_granted"] = true
	return s.update(ctx, updates, "id = ? AND issuance_lock_id = ? AND "+unissued, id, token, false)
}

func (s *GormOrderStore) RecordIssuanceError(ctx context.Context, id uuid.UUID, token string, message string, release bool, at time.Time) (bool, error) {
	updates := map[string]any{
		"issuance_last_error":      truncateError(message),
		"issuance_attempts":        gorm.Expr("issuance_attempts + 1"),
		"issuance_last_attempt_at": at,
	}
	if release {
		updates["issuance_lock_id"] = nil
		updates["issuance_locked_at"] = nil
	}
	return s.update(ctx, updates, "id = ? AND issuance_lock_id = ?", id, token)
}

// ListAwaitingVerification returns PENDING gateway orders created since the cutoff, oldest first.
func (s *GormOrderStore) ListAwaitingVerification(ctx context.Context, since time.Time, limit int) ([]*models.Order, error) {
	var orders []*models.Order
	err := s.db.WithContext(ctx).
		Where("status = ? AND payment_provider = ? AND created_at >= ?",
			models.OrderStatusPending, models.PaymentGateway, since).
		Order("created_at asc").
		Limit(limit).
		Find(&orders).Error
	if err != nil {
		return nil, err
	}
	return orders, nil
}

// ListAwaitingIssuance returns PAID orders with a recipient and nothing issued,
// never-attempted orders first, then by oldest attempt.
func (s *GormOrderStore) ListAwaitingIssuance(ctx context.Context, limit int) ([]*models.Order, error) {
	var orders []*models.Order
	err := s.db.WithContext(ctx).
		Where("status = ? AND recipient <> '' AND "+unissued, models.OrderStatusPaid, false).
		Order("issuance_last_attempt_at IS NOT NULL, issuance_last_attempt_at asc, created_at asc").
		Limit(limit).
		Find(&orders).Error
	if err != nil {
		return nil, err
	}
	return orders, nil
}

func (s *GormOrderStore) List(ctx context.Context, filter ListFilter) ([]*models.Order, int64, error) {
	query := s.db.WithContext(ctx).Model(&models.Order{})
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var orders []*models.Order
	if err := query.
		Order("created_at desc").
		Limit(filter.Limit).
		Offset(filter.Offset).
		Find(&orders).Error; err != nil {
		return nil, 0, err
	}
	return orders, total, nil
}

func (s *GormOrderStore) RecordWebhookEvent(ctx context.Context, event *models.WebhookEvent) error {
	return s.db.WithContext(ctx).Create(event).Error
}

func (s *GormOrderStore) MarkWebhookEventProcessed(ctx context.Context, id uuid.UUID, processingError string, at time.Time) error {
	return s.db.WithContext(ctx).
		Model(&models.WebhookEvent{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"processed_at":     at,
			"processing_error": truncateError(processingError),
		}).Error
}

func (s *GormOrderStore) update(ctx context.Context, updates map[string]any, query string, args ...any) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&models.Order{}).
		Where(query, args...).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func completion(at time.Time) map[string]any {
	return map[string]any{
		"issued_at":                at,
		"issuance_attempts":        gorm.Expr("issuance_attempts + 1"),
		"issuance_last_error":      nil,
		"issuance_last_attempt_at": at,
		"issuance_lock_id":         nil,
		"issuance_locked_at":       nil,
	}
}

func truncateError(msg string) string {
	const maxLen = 1024
	if len(msg) <= maxLen {
		return msg
	}
	return msg[:maxLen]
}

var _ OrderStore = (*GormOrderStore)(nil)
