package models

// CatalogItem is a priced ticket tier that orders are created from.
type CatalogItem struct {
	BaseModel
	VendorID          string            `gorm:"index;not null" json:"vendor_id"`
	Name              string            `gorm:"not null" json:"name"`
	PriceMinor        int64             `gorm:"not null" json:"price_minor"`
	Currency          string            `gorm:"type:varchar(3);not null" json:"currency"`
	ChainID           int64             `json:"chain_id"`
	ContractAddress   string            `json:"contract_address"`
	SchemaID          string            `json:"schema_id,omitempty"`
	FulfillmentMethod FulfillmentMethod `gorm:"type:varchar(32);not null" json:"fulfillment_method"`
	Active            bool              `gorm:"not null;default:true" json:"active"`
}
