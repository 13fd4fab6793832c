package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/example/keyissuer/internal/config"
	"github.com/example/keyissuer/internal/models"
	"github.com/example/keyissuer/internal/repository"
	"github.com/example/keyissuer/internal/routes"
	"github.com/example/keyissuer/internal/services"
	"github.com/example/keyissuer/internal/testutil"
)

const (
	webhookSecret = "sk_test_webhook"
	jwtSecret     = "ops-secret"
)

// backend plays both the payment gateway and the ledger relayer.
type backend struct {
	mu       sync.Mutex
	payments map[string]map[string]any
	holders  map[string]bool
	grants   int
}

func (b *backend) pay(ref string, amount int64, currency string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.payments[ref] = map[string]any{
		"status":    "success",
		"reference": ref,
		"amount":    amount,
		"currency":  currency,
	}
}

func (b *backend) grantCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.grants
}

func (b *backend) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /transaction/verify/{ref}", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		data, ok := b.payments[r.PathValue("ref")]
		b.mu.Unlock()
		if !ok {
			http.Error(w, `{"status":false,"message":"Transaction reference not found"}`, http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"status": true, "message": "Verification successful", "data": data})
	})
	mux.HandleFunc("GET /v1/locks/{chain}/{contract}/keys/{recipient}", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		valid := b.holders[strings.ToLower(r.PathValue("recipient"))]
		b.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{"valid": valid, "expiration": 0})
	})
	mux.HandleFunc("POST /v1/locks/{chain}/{contract}/grant", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Recipient string `json:"recipient"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		b.mu.Lock()
		b.grants++
		b.holders[strings.ToLower(req.Recipient)] = true
		b.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{"transaction_hash": "0xfeed", "token_id": "7"})
	})
	return mux
}

type harness struct {
	app     *fiber.App
	db      *gorm.DB
	store   *repository.GormOrderStore
	backend *backend
	item    *models.CatalogItem
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	b := &backend{payments: map[string]map[string]any{}, holders: map[string]bool{}}
	srv := httptest.NewServer(b.handler())
	t.Cleanup(srv.Close)

	db := testutil.OpenDB(t)
	store := repository.NewGormOrderStore(db)

	locks := services.NewIssuanceLockManager(store, 15*time.Minute, nil)
	issuer := services.NewAssetIssuer(
		store,
		services.NewRelayerClient(srv.URL, "relayer-key", 5*time.Second),
		services.NewAttestationClient(srv.URL, "attest-key", 5*time.Second),
		services.IssuerOptions{KeyDuration: 365 * 24 * time.Hour},
		nil,
	)
	verifier := services.NewGatewayVerifier(services.NewPaystackClient(srv.URL, "sk_test_secret", 5*time.Second))
	reconciler := services.NewReconciler(store, verifier, locks, issuer, nil, nil, nil)

	cfg := &config.Config{
		JWTSecret:            jwtSecret,
		GatewayWebhookSecret: webhookSecret,
		PollDeadline:         5 * time.Second,
		WebhookDeadline:      5 * time.Second,
	}

	app := fiber.New()
	routes.Register(app, cfg, routes.Deps{Store: store, Reconciler: reconciler})

	return &harness{
		app:     app,
		db:      db,
		store:   store,
		backend: b,
		item:    testutil.SeedCatalogItem(t, db, models.FulfillmentAssetTransfer, 500000, "NGN"),
	}
}

func (h *harness) gatewayOrder(t *testing.T, ref string) *models.Order {
	t.Helper()
	order, err := h.store.CreateFromCatalog(context.Background(), repository.NewOrderParams{
		CatalogItemID:    h.item.ID,
		Quantity:         1,
		PaymentProvider:  models.PaymentGateway,
		PaymentReference: ref,
		Recipient:        testutil.Recipient,
	})
	require.NoError(t, err)
	return order
}

func (h *harness) manualOrder(t *testing.T, code string) *models.Order {
	t.Helper()
	order, err := h.store.CreateFromCatalog(context.Background(), repository.NewOrderParams{
		CatalogItemID:   h.item.ID,
		Quantity:        1,
		PaymentProvider: models.PaymentManual,
		ClaimCode:       code,
	})
	require.NoError(t, err)
	require.Equal(t, models.OrderStatusPaid, order.Status)
	return order
}

func (h *harness) reload(t *testing.T, order *models.Order) *models.Order {
	t.Helper()
	fresh, err := h.store.Get(context.Background(), order.ID)
	require.NoError(t, err)
	return fresh
}

func (h *harness) do(t *testing.T, req *http.Request) (int, map[string]any) {
	t.Helper()
	resp, err := h.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	body := map[string]any{}
	if len(raw) > 0 && json.Valid(raw) {
		require.NoError(t, json.Unmarshal(raw, &body))
	}
	return resp.StatusCode, body
}

func jsonRequest(method, target string, payload any) *http.Request {
	raw, _ := json.Marshal(payload)
	req := httptest.NewRequest(method, target, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	return req
}
