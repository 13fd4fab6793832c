package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// KeyGrant asks the ledger to grant one key on a lock contract.
type KeyGrant struct {
	ChainID         int64
	ContractAddress string
	Recipient       string
	// ExpiresAt is in epoch seconds.
	ExpiresAt int64
}

// GrantReceipt is a submitted grant.
type GrantReceipt struct {
	TxnHash string
	TokenID string
}

// Ledger is the on-chain issuance backend.
type Ledger interface {
	HasValidKey(ctx context.Context, chainID int64, contractAddress, recipient string) (bool, error)
	GrantKey(ctx context.Context, grant KeyGrant) (*GrantReceipt, error)
}

// RelayerClient drives a lock contract through an HTTP transaction relayer.
type RelayerClient struct {
	http *resty.Client
}

func NewRelayerClient(baseURL, apiKey string, timeout time.Duration) *RelayerClient {
	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	if apiKey != "" {
		client.SetHeader("X-Api-Key", apiKey)
	}
	return &RelayerClient{http: client}
}

type relayerKeyResponse struct {
	Valid      bool  `json:"valid"`
	Expiration int64 `json:"expiration"`
}

type relayerGrantRequest struct {
	Recipient  string `json:"recipient"`
	Expiration int64  `json:"expiration"`
}

type relayerGrantResponse struct {
	TransactionHash string `json:"transaction_hash"`
	TokenID         string `json:"token_id"`
}

type backendError struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

// HasValidKey is a read; every failure is safe to retry.
func (c *RelayerClient) HasValidKey(ctx context.Context, chainID int64, contractAddress, recipient string) (bool, error) {
	const op = "ledger key lookup"

	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParams(map[string]string{
			"chain":     fmt.Sprint(chainID),
			"contract":  contractAddress,
			"recipient": recipient,
		}).
		Get("/v1/locks/{chain}/{contract}/keys/{recipient}")
	if err != nil {
		return false, &LedgerError{Kind: LedgerTransport, Op: op, Err: err}
	}
	if resp.StatusCode() == http.StatusNotFound {
		return false, nil
	}
	if resp.IsError() {
		return false, &LedgerError{Kind: LedgerTransport, Op: op, Err: statusError(resp)}
	}

	var parsed relayerKeyResponse
	if err := json.Unmarshal(resp.Body(), &parsed); err != nil {
		return false, &LedgerError{Kind: LedgerTransport, Op: op, Err: fmt.Errorf("decode: %w", err)}
	}
	return parsed.Valid, nil
}

// GrantKey submits the grant transaction. No retries happen here: a repeated submit is a second key.
func (c *RelayerClient) GrantKey(ctx context.Context, grant KeyGrant) (*GrantReceipt, error) {
	const op = "ledger grant"

	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParams(map[string]string{
			"chain":    fmt.Sprint(grant.ChainID),
			"contract": grant.ContractAddress,
		}).
		SetHeader("Content-Type", "application/json").
		SetBody(relayerGrantRequest{Recipient: grant.Recipient, Expiration: grant.ExpiresAt}).
		Post("/v1/locks/{chain}/{contract}/grant")
	if err != nil {
		return nil, &LedgerError{Kind: sendFailureKind(err), Op: op, Err: err}
	}
	if resp.IsError() {
		return nil, &LedgerError{Kind: statusKind(resp), Op: op, Err: statusError(resp)}
	}

	var parsed relayerGrantResponse
	if err := json.Unmarshal(resp.Body(), &parsed); err != nil || parsed.TransactionHash == "" {
		if err == nil {
			err = errors.New("response carries no transaction hash")
		}
		return nil, &LedgerError{Kind: LedgerUnknownOutcome, Op: op, Err: err}
	}
	return &GrantReceipt{TxnHash: parsed.TransactionHash, TokenID: parsed.TokenID}, nil
}

// sendFailureKind separates requests that never left the process from ones that may have landed.
func sendFailureKind(err error) LedgerErrorKind {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return LedgerTransport
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return LedgerTransport
	}
	return LedgerUnknownOutcome
}

func statusKind(resp *resty.Response) LedgerErrorKind {
	switch code := resp.StatusCode(); {
	case code == http.StatusConflict || code == http.StatusUnprocessableEntity:
		var body backendError
		if json.Unmarshal(resp.Body(), &body) == nil && strings.EqualFold(body.Error, "reverted") {
			return LedgerReverted
		}
		return LedgerRejected
	case code == http.StatusTooManyRequests || code == http.StatusServiceUnavailable:
		return LedgerTransport
	case code >= 500:
		return LedgerUnknownOutcome
	default:
		return LedgerRejected
	}
}

func statusError(resp *resty.Response) error {
	var body backendError
	if json.Unmarshal(resp.Body(), &body) == nil && (body.Error != "" || body.Reason != "") {
		return fmt.Errorf("status %d: %s %s", resp.StatusCode(), body.Error, body.Reason)
	}
	return fmt.Errorf("status %d", resp.StatusCode())
}
