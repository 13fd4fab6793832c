package services_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/keyissuer/internal/models"
	"github.com/example/keyissuer/internal/services"
)

func TestPaystackClientVerify(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk_test", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/transaction/verify/ref-1":
			_, _ = w.Write([]byte(`{"status":true,"message":"Verification successful","data":{"status":"success","reference":"ref-1","amount":500000,"currency":"ngn"}}`))
		case "/transaction/verify/missing":
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"status":false,"message":"Transaction reference not found"}`))
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	client := services.NewPaystackClient(srv.URL+"/", "sk_test", 2*time.Second)
	ctx := context.Background()

	res, err := client.VerifyTransaction(ctx, "ref-1")
	require.NoError(t, err)
	assert.Equal(t, "success", res.Status)
	assert.Equal(t, int64(500000), res.AmountMinor)
	assert.Equal(t, "NGN", res.Currency)
	assert.Equal(t, "ref-1", res.Reference)
	assert.Contains(t, string(res.Raw), "Verification successful")

	res, err = client.VerifyTransaction(ctx, "missing")
	require.NoError(t, err)
	assert.NotEqual(t, "success", res.Status)

	_, err = client.VerifyTransaction(ctx, "boom")
	assert.ErrorIs(t, err, services.ErrGatewayUnavailable)
}

func TestPaystackClientTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := services.NewPaystackClient(url, "sk", time.Second).VerifyTransaction(context.Background(), "ref")
	assert.ErrorIs(t, err, services.ErrGatewayUnavailable)
}

func TestCompareAmount(t *testing.T) {
	ref := "ref"
	order := &models.Order{ExpectedAmountMinor: 500000, ExpectedCurrency: "NGN", PaymentReference: &ref}

	assert.Empty(t, services.CompareAmount(order, &services.GatewayResult{AmountMinor: 500000, Currency: "ngn", Reference: "ref"}))
	assert.Len(t, services.CompareAmount(order, &services.GatewayResult{AmountMinor: 400000, Currency: "NGN"}), 1)
	assert.Len(t, services.CompareAmount(order, &services.GatewayResult{AmountMinor: 400000, Currency: "USD", Reference: "other"}), 3)
}

func TestVerifierRequiresReference(t *testing.T) {
	v := services.NewGatewayVerifier(&fakeGateway{})
	_, err := v.Verify(context.Background(), &models.Order{})
	assert.ErrorIs(t, err, services.ErrNoPaymentReference)
}

func TestRelayerClient(t *testing.T) {
	var granted map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "relayer-key", r.Header.Get("X-Api-Key"))
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/v1/locks/137/0xLock/keys/0xHolder":
			_, _ = w.Write([]byte(`{"valid":true,"expiration":1900000000}`))
		case r.Method == http.MethodGet:
			w.WriteHeader(http.StatusNotFound)
		case r.URL.Path == "/v1/locks/137/0xLock/grant":
			body, _ := io.ReadAll(r.Body)
			require.NoError(t, json.Unmarshal(body, &granted))
			_, _ = w.Write([]byte(`{"transaction_hash":"0xtx","token_id":"7"}`))
		case r.URL.Path == "/v1/locks/137/0xRevert/grant":
			w.WriteHeader(http.StatusUnprocessableEntity)
			_, _ = w.Write([]byte(`{"error":"reverted","reason":"LOCK_SOLD_OUT"}`))
		case r.URL.Path == "/v1/locks/137/0xBad/grant":
			w.WriteHeader(http.StatusBadRequest)
		case r.URL.Path == "/v1/locks/137/0xBusy/grant":
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	client := services.NewRelayerClient(srv.URL, "relayer-key", 2*time.Second)
	ctx := context.Background()

	has, err := client.HasValidKey(ctx, 137, "0xLock", "0xHolder")
	require.NoError(t, err)
	assert.True(t, has)

	has, err = client.HasValidKey(ctx, 137, "0xLock", "0xStranger")
	require.NoError(t, err)
	assert.False(t, has)

	receipt, err := client.GrantKey(ctx, services.KeyGrant{ChainID: 137, ContractAddress: "0xLock", Recipient: "0xHolder", ExpiresAt: 1900000000})
	require.NoError(t, err)
	assert.Equal(t, "0xtx", receipt.TxnHash)
	assert.Equal(t, "7", receipt.TokenID)
	assert.Equal(t, "0xHolder", granted["recipient"])
	assert.EqualValues(t, 1900000000, granted["expiration"])

	cases := map[string]services.LedgerErrorKind{
		"0xRevert": services.LedgerReverted,
		"0xBad":    services.LedgerRejected,
		"0xBusy":   services.LedgerTransport,
		"0xOops":   services.LedgerUnknownOutcome,
	}
	for contract, kind := range cases {
		_, err := client.GrantKey(ctx, services.KeyGrant{ChainID: 137, ContractAddress: contract, Recipient: "0xHolder"})
		var le *services.LedgerError
		require.True(t, errors.As(err, &le), contract)
		assert.Equal(t, kind, le.Kind, contract)
	}
}

func TestRelayerTimeoutIsUnknownOutcome(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	_, err := services.NewRelayerClient(srv.URL, "", 100*time.Millisecond).
		GrantKey(context.Background(), services.KeyGrant{ChainID: 1, ContractAddress: "0xLock", Recipient: "0xHolder"})
	assert.True(t, services.OutcomeUnknown(err))
}

func TestRelayerDialFailureIsTransport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := services.NewRelayerClient(url, "", time.Second).
		GrantKey(context.Background(), services.KeyGrant{ChainID: 1, ContractAddress: "0xLock", Recipient: "0xHolder"})
	var le *services.LedgerError
	require.True(t, errors.As(err, &le))
	assert.Equal(t, services.LedgerTransport, le.Kind)
	assert.False(t, services.OutcomeUnknown(err))
}

func TestAttestationClient(t *testing.T) {
	var written services.AttestationRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			if r.URL.Query().Get("ref") == "order-1" {
				_, _ = w.Write([]byte(`{"attestations":[{"uid":"0xold","revoked":true},{"uid":"0xlive"}]}`))
				return
			}
			_, _ = w.Write([]byte(`{"attestations":[]}`))
		case http.MethodPost:
			require.NoError(t, json.NewDecoder(r.Body).Decode(&written))
			_, _ = w.Write([]byte(`{"uid":"0xnew"}`))
		}
	}))
	defer srv.Close()

	client := services.NewAttestationClient(srv.URL, "k", 2*time.Second)
	ctx := context.Background()

	uid, err := client.FindAttestation(ctx, "0xschema", "0xHolder", "order-1")
	require.NoError(t, err)
	assert.Equal(t, "0xlive", uid)

	uid, err = client.FindAttestation(ctx, "0xschema", "0xHolder", "order-2")
	require.NoError(t, err)
	assert.Empty(t, uid)

	uid, err = client.Attest(ctx, services.AttestationRequest{
		SchemaID:  "0xschema",
		Recipient: "0xHolder",
		Reference: "order-2",
		Fields:    services.AttestationFields{OrderID: "order-2", Price: "5000.00", PriceMinor: 500000, Quantity: 1},
	})
	require.NoError(t, err)
	assert.Equal(t, "0xnew", uid)
	assert.Equal(t, "5000.00", written.Fields.Price)
	assert.Equal(t, "order-2", written.Reference)
}

func TestMajorUnits(t *testing.T) {
	assert.Equal(t, "5000.00", services.MajorUnits(500000, "NGN"))
	assert.Equal(t, "0.05", services.MajorUnits(5, "usd"))
	assert.Equal(t, "1500", services.MajorUnits(1500, "JPY"))
	assert.Equal(t, "5,000.00 NGN", services.FormatPrice(500000, "ngn"))
	assert.Equal(t, "1,234,567.89 USD", services.FormatPrice(123456789, "USD"))
}

func TestTelegramService(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/bottoken/sendMessage", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	tg := services.NewTelegramService("token", "42", nil).WithBaseURL(srv.URL)
	err := tg.NotifyMismatch(context.Background(), services.MismatchAlert{
		OrderID:          "o-1",
		PaymentReference: "ref-1",
		ExpectedMinor:    500000,
		ExpectedCurrency: "NGN",
		ReceivedMinor:    400000,
		ReceivedCurrency: "NGN",
		Reasons:          []string{"amount <400000> does not match"},
	})
	require.NoError(t, err)
	assert.Equal(t, "42", got["chat_id"])
	assert.Equal(t, "HTML", got["parse_mode"])
	assert.True(t, strings.Contains(got["text"], "5,000.00 NGN"))
	assert.True(t, strings.Contains(got["text"], "&lt;400000&gt;"))

	// Unconfigured bots stay silent.
	assert.NoError(t, services.NewTelegramService("", "", nil).NotifyWriteBackFailure(context.Background(), services.WriteBackAlert{}))
}
