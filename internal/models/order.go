package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// OrderStatus is the payment state of an order.
type OrderStatus string

const (
	OrderStatusPending OrderStatus = "PENDING"
	OrderStatusPaid    OrderStatus = "PAID"
	OrderStatusFailed  OrderStatus = "FAILED"
)

// FulfillmentMethod selects how a paid order is turned into an asset. It is fixed at creation.
type FulfillmentMethod string

const (
	FulfillmentAssetTransfer FulfillmentMethod = "ASSET_TRANSFER"
	FulfillmentAttestation   FulfillmentMethod = "ATTESTATION"
)

// PaymentProvider records where the money moved.
type PaymentProvider string

const (
	PaymentGateway PaymentProvider = "GATEWAY"
	PaymentOnChain PaymentProvider = "ON_CHAIN"
	PaymentManual  PaymentProvider = "MANUAL"
)

// Order is one purchase attempt and its issuance progress.
type Order struct {
	BaseModel
	CatalogItemID     *uuid.UUID        `gorm:"type:uuid;index" json:"catalog_item_id,omitempty"`
	VendorID          string            `gorm:"index" json:"vendor_id"`
	Quantity          int               `gorm:"not null;default:1" json:"quantity"`
	Status            OrderStatus       `gorm:"type:varchar(16);index;not null" json:"status"`
	FulfillmentMethod FulfillmentMethod `gorm:"type:varchar(32);not null" json:"fulfillment_method"`
	PaymentProvider   PaymentProvider   `gorm:"type:varchar(16);not null" json:"payment_provider"`
	PaymentReference  *string           `gorm:"uniqueIndex" json:"payment_reference,omitempty"`
	Recipient         string            `json:"recipient"`
	ChainID           int64             `json:"chain_id"`
	ContractAddress   string            `json:"contract_address"`
	SchemaID          string            `json:"schema_id,omitempty"`

	ExpectedAmountMinor int64  `gorm:"not null" json:"expected_amount_minor"`
	ExpectedCurrency    string `gorm:"type:varchar(3);not null" json:"expected_currency"`
	VerifiedAmountMinor *int64 `json:"verified_amount_minor,omitempty"`
	VerifiedCurrency    string `gorm:"type:varchar(3)" json:"verified_currency,omitempty"`
	// Raw verify payload kept for audit, including on mismatch.
	GatewayPayload datatypes.JSON `json:"gateway_payload,omitempty"`
	PaidAt         *time.Time     `json:"paid_at,omitempty"`
	FailureReason  string         `gorm:"type:text" json:"failure_reason,omitempty"`

	TxnHash        *string    `gorm:"uniqueIndex" json:"txn_hash,omitempty"`
	TokenID        *string    `json:"token_id,omitempty"`
	AttestationUID *string    `gorm:"uniqueIndex" json:"attestation_uid,omitempty"`
	KeyGranted     bool       `gorm:"not null;default:false" json:"key_granted"`
	IssuedAt       *time.Time `json:"issued_at,omitempty"`

	IssuanceLockID        *string    `gorm:"index" json:"-"`
	IssuanceLockedAt      *time.Time `json:"-"`
	IssuanceAttempts      int        `gorm:"not null;default:0" json:"issuance_attempts"`
	IssuanceLastError     *string    `json:"issuance_last_error,omitempty"`
	IssuanceLastAttemptAt *time.Time `json:"issuance_last_attempt_at,omitempty"`

	ClaimCodeHash *string `gorm:"uniqueIndex" json:"-"`
}

// IsIssued reports whether any completion marker is recorded.
func (o *Order) IsIssued() bool {
	return o.TxnHash != nil || o.AttestationUID != nil || o.KeyGranted
}

// IsTerminal reports whether the order can no longer change.
func (o *Order) IsTerminal() bool {
	return o.Status == OrderStatusFailed || (o.Status == OrderStatusPaid && o.IsIssued())
}

// IsLocked reports whether an issuance lock is currently held.
func (o *Order) IsLocked() bool {
	return o.IssuanceLockID != nil
}
