package services_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/example/keyissuer/internal/models"
	"github.com/example/keyissuer/internal/repository"
	"github.com/example/keyissuer/internal/services"
	"github.com/example/keyissuer/internal/testutil"
)

type fakeGateway struct {
	mu     sync.Mutex
	result services.GatewayResult
	err    error
	calls  int
}

func (g *fakeGateway) set(status string, amount int64, currency string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.result = services.GatewayResult{
		Status:      status,
		AmountMinor: amount,
		Currency:    currency,
		Raw:         datatypes.JSON(fmt.Sprintf(`{"status":true,"data":{"status":%q,"amount":%d,"currency":%q}}`, status, amount, currency)),
	}
	g.err = nil
}

func (g *fakeGateway) VerifyTransaction(_ context.Context, reference string) (*services.GatewayResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.err != nil {
		return nil, g.err
	}
	r := g.result
	r.Reference = reference
	return &r, nil
}

type fakeLedger struct {
	mu        sync.Mutex
	holders   map[string]bool
	grants    []services.KeyGrant
	checks    int
	grantErr  error
	hasKeyErr error
	// entered receives once per GrantKey call when set; proceed blocks GrantKey until closed.
	entered chan struct{}
	proceed chan struct{}
	delay   time.Duration
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{holders: map[string]bool{}}
}

func (l *fakeLedger) HasValidKey(_ context.Context, _ int64, _ string, recipient string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.checks++
	if l.hasKeyErr != nil {
		return false, l.hasKeyErr
	}
	return l.holders[strings.ToLower(recipient)], nil
}

func (l *fakeLedger) GrantKey(_ context.Context, grant services.KeyGrant) (*services.GrantReceipt, error) {
	l.mu.Lock()
	l.grants = append(l.grants, grant)
	n := len(l.grants)
	err := l.grantErr
	entered, proceed, delay := l.entered, l.proceed, l.delay
	l.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if proceed != nil {
		<-proceed
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.holders[strings.ToLower(grant.Recipient)] = true
	l.mu.Unlock()
	return &services.GrantReceipt{TxnHash: fmt.Sprintf("0x%064x", n), TokenID: fmt.Sprint(n)}, nil
}

func (l *fakeLedger) grantCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.grants)
}

type fakeAttester struct {
	mu       sync.Mutex
	existing map[string]string
	writes   []services.AttestationRequest
	err      error
}

func newFakeAttester() *fakeAttester {
	return &fakeAttester{existing: map[string]string{}}
}

func (a *fakeAttester) FindAttestation(_ context.Context, _ string, _ string, reference string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.existing[reference], nil
}

func (a *fakeAttester) Attest(_ context.Context, req services.AttestationRequest) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.writes = append(a.writes, req)
	if a.err != nil {
		return "", a.err
	}
	uid := fmt.Sprintf("0xuid%d", len(a.writes))
	a.existing[req.Reference] = uid
	return uid, nil
}

type recordingAlerter struct {
	mu         sync.Mutex
	mismatches []services.MismatchAlert
	writeBacks []services.WriteBackAlert
}

func (a *recordingAlerter) NotifyMismatch(_ context.Context, alert services.MismatchAlert) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.mismatches = append(a.mismatches, alert)
	return nil
}

func (a *recordingAlerter) NotifyWriteBackFailure(_ context.Context, alert services.WriteBackAlert) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.writeBacks = append(a.writeBacks, alert)
	return nil
}

// failOnceStore fails the first asset write-back after the ledger call succeeded.
type failOnceStore struct {
	*repository.GormOrderStore
	mu     sync.Mutex
	failed bool
}

func (s *failOnceStore) CompleteAsset(ctx context.Context, id uuid.UUID, token string, grant repository.AssetGrant, at time.Time) (bool, error) {
	s.mu.Lock()
	first := !s.failed
	s.failed = true
	s.mu.Unlock()
	if first {
		return false, errors.New("connection reset by peer")
	}
	return s.GormOrderStore.CompleteAsset(ctx, id, token, grant, at)
}

type harness struct {
	db         *gorm.DB
	store      repository.OrderStore
	gateway    *fakeGateway
	ledger     *fakeLedger
	attester   *fakeAttester
	alerter    *recordingAlerter
	locks      *services.IssuanceLockManager
	issuer     *services.AssetIssuer
	reconciler *services.Reconciler
	item       *models.CatalogItem
}

func newHarness(t *testing.T, method models.FulfillmentMethod) *harness {
	t.Helper()
	db := testutil.OpenDB(t)
	return newHarnessWithStore(t, db, repository.NewGormOrderStore(db), method)
}

func newHarnessWithStore(t *testing.T, db *gorm.DB, store repository.OrderStore, method models.FulfillmentMethod) *harness {
	t.Helper()
	h := &harness{
		db:       db,
		store:    store,
		gateway:  &fakeGateway{},
		ledger:   newFakeLedger(),
		attester: newFakeAttester(),
		alerter:  &recordingAlerter{},
		item:     testutil.SeedCatalogItem(t, db, method, 500000, "NGN"),
	}
	logger := zap.NewNop()
	h.locks = services.NewIssuanceLockManager(store, 15*time.Minute, logger)
	h.issuer = services.NewAssetIssuer(store, h.ledger, h.attester, services.IssuerOptions{
		KeyDuration: 365 * 24 * time.Hour,
		Alerter:     h.alerter,
	}, logger)
	h.reconciler = services.NewReconciler(store, services.NewGatewayVerifier(h.gateway), h.locks, h.issuer, nil, h.alerter, logger)
	return h
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

func (h *harness) paidOrder(t *testing.T, ref string) *models.Order {
	t.Helper()
	h.gateway.set("success", 500000, "NGN")
	order := h.gatewayOrder(t, ref)
	ok, err := h.store.MarkPaid(context.Background(), order.ID, repository.PaidVerification{
		AmountMinor: 500000,
		Currency:    "NGN",
		At:          time.Now(),
	})
	require.NoError(t, err)
	require.True(t, ok)
	return h.reload(t, order)
}

func (h *harness) reload(t *testing.T, order *models.Order) *models.Order {
	t.Helper()
	fresh, err := h.store.Get(context.Background(), order.ID)
	require.NoError(t, err)
	return fresh
}

func stepNames(trail []services.Step) []string {
	names := make([]string, 0, len(trail))
	for _, s := range trail {
		names = append(names, s.Name)
	}
	return names
}

func stepDetails(trail []services.Step) []string {
	out := make([]string, 0, len(trail))
	for _, s := range trail {
		out = append(out, s.Name+": "+s.Detail)
	}
	return out
}
