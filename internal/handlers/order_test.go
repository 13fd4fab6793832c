package handlers_test

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/keyissuer/internal/models"
	"github.com/example/keyissuer/internal/testutil"
)

func statusRequest(params url.Values) *http.Request {
	return httptest.NewRequest(http.MethodGet, "/api/orders/status?"+params.Encode(), nil)
}

func TestStatusPollIssuesPaidOrder(t *testing.T) {
	h := newHarness(t)
	order := h.gatewayOrder(t, "ref-poll")

	status, body := h.do(t, statusRequest(url.Values{"order_id": {order.ID.String()}}))
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["found"])
	assert.Equal(t, string(models.OrderStatusPending), body["status"])
	assert.Equal(t, true, body["retry"])
	assert.Nil(t, body["txn_hash"])

	h.backend.pay("ref-poll", 500000, "NGN")

	status, body = h.do(t, statusRequest(url.Values{"payment_reference": {"ref-poll"}}))
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, string(models.OrderStatusPaid), body["status"])
	assert.Equal(t, "0xfeed", body["txn_hash"])
	assert.Equal(t, "7", body["token_id"])
	assert.Equal(t, false, body["retry"])
	assert.NotEmpty(t, body["trail"])
	assert.Equal(t, 1, h.backend.grantCount())

	// Polling again reports the stored result.
	status, body = h.do(t, statusRequest(url.Values{"order_id": {order.ID.String()}}))
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "0xfeed", body["txn_hash"])
	assert.Equal(t, 1, h.backend.grantCount())
}

func TestStatusLookupValidation(t *testing.T) {
	h := newHarness(t)
	order := h.gatewayOrder(t, "ref-lookup")

	status, _ := h.do(t, statusRequest(url.Values{}))
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = h.do(t, statusRequest(url.Values{
		"order_id":          {order.ID.String()},
		"payment_reference": {"ref-lookup"},
	}))
	assert.Equal(t, http.StatusBadRequest, status)

	status, body := h.do(t, statusRequest(url.Values{"payment_reference": {"ref-missing"}}))
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, false, body["found"])

	status, _ = h.do(t, statusRequest(url.Values{"order_id": {"not-a-uuid"}}))
	assert.Equal(t, http.StatusNotFound, status)
}

func TestStatusByClaimCode(t *testing.T) {
	h := newHarness(t)
	h.manualOrder(t, "ABCD-EFGH")

	status, body := h.do(t, statusRequest(url.Values{"claim_code": {"abcd efgh"}}))
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["found"])
	assert.Equal(t, string(models.OrderStatusPaid), body["status"])
	assert.Nil(t, body["txn_hash"], "nothing to issue before a recipient is set")
	assert.Zero(t, h.backend.grantCount())
}

func TestClaimLinksRecipientAndIssues(t *testing.T) {
	h := newHarness(t)
	order := h.manualOrder(t, "CLAIM-ME-01")

	status, body := h.do(t, jsonRequest(http.MethodPost, "/api/orders/claim", map[string]string{
		"claim_code": "claim-me-01",
		"recipient":  testutil.Recipient,
	}))
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "0xfeed", body["txn_hash"])

	fresh := h.reload(t, order)
	assert.Equal(t, testutil.Recipient, fresh.Recipient)
	assert.Equal(t, 1, h.backend.grantCount())

	// The same claim again is a no-op.
	status, _ = h.do(t, jsonRequest(http.MethodPost, "/api/orders/claim", map[string]string{
		"claim_code": "CLAIM-ME-01",
		"recipient":  testutil.Recipient,
	}))
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, 1, h.backend.grantCount())

	// A different recipient is refused.
	status, _ = h.do(t, jsonRequest(http.MethodPost, "/api/orders/claim", map[string]string{
		"claim_code": "CLAIM-ME-01",
		"recipient":  "0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359",
	}))
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, testutil.Recipient, h.reload(t, order).Recipient)
}

func TestClaimValidation(t *testing.T) {
	h := newHarness(t)
	h.manualOrder(t, "VALID-CODE")

	cases := []struct {
		name   string
		body   map[string]string
		status int
	}{
		{"missing recipient", map[string]string{"claim_code": "VALID-CODE"}, http.StatusBadRequest},
		{"bad address", map[string]string{"claim_code": "VALID-CODE", "recipient": "0x1234"}, http.StatusBadRequest},
		{"unknown code", map[string]string{"claim_code": "NOPE", "recipient": testutil.Recipient}, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, _ := h.do(t, jsonRequest(http.MethodPost, "/api/orders/claim", tc.body))
			assert.Equal(t, tc.status, status)
		})
	}
}
