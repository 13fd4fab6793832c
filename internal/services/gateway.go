package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"gorm.io/datatypes"

	"github.com/example/keyissuer/internal/models"
)

const gatewayStatusSuccess = "success"

// GatewayResult is the normalized answer of a transaction-verify call.
type GatewayResult struct {
	Status      string
	AmountMinor int64
	Currency    string
	Reference   string
	Raw         datatypes.JSON
}

// Gateway looks up a payment by reference.
type Gateway interface {
	VerifyTransaction(ctx context.Context, reference string) (*GatewayResult, error)
}

// PaystackClient talks to a Paystack-compatible transaction API.
type PaystackClient struct {
	http *resty.Client
}

// NewPaystackClient creates a client authenticated with the account secret key.
func NewPaystackClient(baseURL, secretKey string, timeout time.Duration) *PaystackClient {
	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetAuthToken(secretKey).
		SetHeader("Accept", "application/json")
	return &PaystackClient{http: client}
}

type paystackVerifyResponse struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
	Data    struct {
		Status    string `json:"status"`
		Reference string `json:"reference"`
		Amount    int64  `json:"amount"`
		Currency  string `json:"currency"`
	} `json:"data"`
}

// VerifyTransaction calls GET /transaction/verify/{reference}.
// Unknown references come back as a not-yet-paid result.
func (c *PaystackClient) VerifyTransaction(ctx context.Context, reference string) (*GatewayResult, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		Get("/transaction/verify/" + url.PathEscape(reference))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}

	raw := datatypes.JSON(resp.Body())
	if !json.Valid(raw) {
		raw = nil
	}

	if resp.StatusCode() == http.StatusNotFound {
		return &GatewayResult{Status: "not_found", Reference: reference, Raw: raw}, nil
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%w: verify returned status %d", ErrGatewayUnavailable, resp.StatusCode())
	}

	var parsed paystackVerifyResponse
	if err := json.Unmarshal(resp.Body(), &parsed); err != nil {
		return nil, fmt.Errorf("%w: decode verify response: %v", ErrGatewayUnavailable, err)
	}
	if !parsed.Status {
		return &GatewayResult{Status: "unverified", Reference: reference, Raw: raw}, nil
	}

	return &GatewayResult{
		Status:      strings.ToLower(parsed.Data.Status),
		AmountMinor: parsed.Data.Amount,
		Currency:    strings.ToUpper(parsed.Data.Currency),
		Reference:   parsed.Data.Reference,
		Raw:         raw,
	}, nil
}

// VerificationState is the verdict of comparing a gateway result with an order.
type VerificationState string

const (
	VerificationVerified VerificationState = "verified"
	VerificationPending  VerificationState = "pending"
	VerificationMismatch VerificationState = "mismatch"
)

// Verification carries the verdict and, for mismatches, every reason found.
type Verification struct {
	State   VerificationState
	Result  *GatewayResult
	Reasons []string
}

// GatewayVerifier checks gateway truth against what the order expects. It never writes.
type GatewayVerifier struct {
	gateway Gateway
}

func NewGatewayVerifier(gateway Gateway) *GatewayVerifier {
	return &GatewayVerifier{gateway: gateway}
}

// Verify returns ErrGatewayUnavailable (wrapped) when no verdict could be reached.
func (v *GatewayVerifier) Verify(ctx context.Context, order *models.Order) (*Verification, error) {
	if order.PaymentReference == nil || *order.PaymentReference == "" {
		return nil, ErrNoPaymentReference
	}

	result, err := v.gateway.VerifyTransaction(ctx, *order.PaymentReference)
	if err != nil {
		return nil, err
	}

	if result.Status != gatewayStatusSuccess {
		return &Verification{State: VerificationPending, Result: result}, nil
	}

	reasons := CompareAmount(order, result)
	if len(reasons) > 0 {
		return &Verification{State: VerificationMismatch, Result: result, Reasons: reasons}, nil
	}
	return &Verification{State: VerificationVerified, Result: result}, nil
}

// CompareAmount lists every way result disagrees with the order's expected payment.
func CompareAmount(order *models.Order, result *GatewayResult) []string {
	var reasons []string
	if result.AmountMinor != order.ExpectedAmountMinor {
		reasons = append(reasons, fmt.Sprintf("amount %d does not match expected %d", result.AmountMinor, order.ExpectedAmountMinor))
	}
	if !strings.EqualFold(result.Currency, order.ExpectedCurrency) {
		reasons = append(reasons, fmt.Sprintf("currency %q does not match expected %q", result.Currency, order.ExpectedCurrency))
	}
	if result.Reference != "" && order.PaymentReference != nil && result.Reference != *order.PaymentReference {
		reasons = append(reasons, fmt.Sprintf("reference %q does not match %q", result.Reference, *order.PaymentReference))
	}
	return reasons
}
