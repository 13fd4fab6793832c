package services

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/example/keyissuer/internal/models"
)

// AttestationFields is the structured claim written for an attested purchase.
type AttestationFields struct {
	VendorID        string `json:"vendor_id"`
	ContractAddress string `json:"contract_address"`
	OrderID         string `json:"order_id"`
	Price           string `json:"price"`
	PriceMinor      int64  `json:"price_minor"`
	Currency        string `json:"currency"`
	Quantity        int    `json:"quantity"`
	ChainID         int64  `json:"chain_id"`
	IssuedAt        int64  `json:"issued_at"`
}

// AttestationRequest is one attestation write.
type AttestationRequest struct {
	SchemaID  string            `json:"schema_id"`
	Recipient string            `json:"recipient"`
	Reference string            `json:"ref"`
	Fields    AttestationFields `json:"data"`
}

// Attester is the append-only attestation registry.
type Attester interface {
	// FindAttestation returns the uid of an existing attestation, or "" when there is none.
	FindAttestation(ctx context.Context, schemaID, recipient, reference string) (string, error)
	Attest(ctx context.Context, req AttestationRequest) (string, error)
}

// NewAttestationFields renders the claim for order at issuance time.
func NewAttestationFields(order *models.Order, issuedAt time.Time) AttestationFields {
	return AttestationFields{
		VendorID:        order.VendorID,
		ContractAddress: order.ContractAddress,
		OrderID:         order.ID.String(),
		Price:           MajorUnits(order.ExpectedAmountMinor, order.ExpectedCurrency),
		PriceMinor:      order.ExpectedAmountMinor,
		Currency:        order.ExpectedCurrency,
		Quantity:        order.Quantity,
		ChainID:         order.ChainID,
		IssuedAt:        issuedAt.Unix(),
	}
}

var zeroDecimalCurrencies = map[string]bool{
	"JPY": true, "KRW": true, "VND": true, "XAF": true, "XOF": true, "UGX": true, "RWF": true,
}

// MajorUnits formats an integer minor-unit amount in major units, e.g. 500000 NGN -> "5000.00".
func MajorUnits(amountMinor int64, currency string) string {
	if zeroDecimalCurrencies[strings.ToUpper(currency)] {
		return decimal.NewFromInt(amountMinor).String()
	}
	return decimal.New(amountMinor, -2).StringFixed(2)
}

// AttestationClient writes attestations through an HTTP attestation service.
type AttestationClient struct {
	http *resty.Client
}

func NewAttestationClient(baseURL, apiKey string, timeout time.Duration) *AttestationClient {
	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	if apiKey != "" {
		client.SetHeader("X-Api-Key", apiKey)
	}
	return &AttestationClient{http: client}
}

type attestationListResponse struct {
	Attestations []struct {
		UID     string `json:"uid"`
		Revoked bool   `json:"revoked"`
	} `json:"attestations"`
}

type attestationWriteResponse struct {
	UID string `json:"uid"`
}

func (c *AttestationClient) FindAttestation(ctx context.Context, schemaID, recipient, reference string) (string, error) {
	const op = "attestation lookup"

	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"schema":    schemaID,
			"recipient": recipient,
			"ref":       reference,
		}).
		Get("/v1/attestations")
	if err != nil {
		return "", &LedgerError{Kind: LedgerTransport, Op: op, Err: err}
	}
	if resp.StatusCode() == http.StatusNotFound {
		return "", nil
	}
	if resp.IsError() {
		return "", &LedgerError{Kind: LedgerTransport, Op: op, Err: statusError(resp)}
	}

	var parsed attestationListResponse
	if err := json.Unmarshal(resp.Body(), &parsed); err != nil {
		return "", &LedgerError{Kind: LedgerTransport, Op: op, Err: err}
	}
	for _, a := range parsed.Attestations {
		if !a.Revoked && a.UID != "" {
			return a.UID, nil
		}
	}
	return "", nil
}

func (c *AttestationClient) Attest(ctx context.Context, req AttestationRequest) (string, error) {
	const op = "attestation write"

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(req).
		Post("/v1/attestations")
	if err != nil {
		return "", &LedgerError{Kind: sendFailureKind(err), Op: op, Err: err}
	}
	if resp.IsError() {
		return "", &LedgerError{Kind: statusKind(resp), Op: op, Err: statusError(resp)}
	}

	var parsed attestationWriteResponse
	if err := json.Unmarshal(resp.Body(), &parsed); err != nil || parsed.UID == "" {
		if err == nil {
			err = errors.New("response carries no uid")
		}
		return "", &LedgerError{Kind: LedgerUnknownOutcome, Op: op, Err: err}
	}
	return parsed.UID, nil
}
