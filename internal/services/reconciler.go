package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/keyissuer/internal/models"
	"github.com/example/keyissuer/internal/repository"
	"github.com/example/keyissuer/internal/utils"
)

// Outcome is what a reconcile call concluded.
type Outcome string

const (
	OutcomeIssued            Outcome = "issued"
	OutcomeAlreadyIssued     Outcome = "already_issued"
	OutcomePending           Outcome = "pending"
	OutcomeFailed            Outcome = "failed"
	OutcomeInProgress        Outcome = "in_progress"
	OutcomeRetryLater        Outcome = "retry_later"
	OutcomeAwaitingRecipient Outcome = "awaiting_recipient"
	OutcomeNotApplicable     Outcome = "not_applicable"
)

// Retry reports whether the caller should check again shortly.
func (o Outcome) Retry() bool {
	return o == OutcomePending || o == OutcomeInProgress || o == OutcomeRetryLater
}

// Step is one entry of the audit trail returned to pollers.
type Step struct {
	Name   string    `json:"step"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

// Result is the order after reconciliation plus the steps actually taken.
type Result struct {
	Order   *models.Order
	Outcome Outcome
	Trail   []Step
	// Cause is the transient error behind OutcomeRetryLater.
	Cause error
}

// Lookup selects an order by exactly one key.
type Lookup struct {
	OrderID          string
	PaymentReference string
	ClaimCode        string
}

// ErrInvalidLookup is returned when a Lookup names zero or several keys.
var ErrInvalidLookup = errors.New("exactly one of order_id, payment_reference, claim_code is required")

// Reconciler is the procedure shared by the webhook, the status poll and the retry job.
type Reconciler struct {
	store    repository.OrderStore
	verifier *GatewayVerifier
	locks    *IssuanceLockManager
	issuer   *AssetIssuer
	cache    StatusCache
	alerter  Alerter
	now      func() time.Time
	log      *zap.Logger
}

func NewReconciler(
	store repository.OrderStore,
	verifier *GatewayVerifier,
	locks *IssuanceLockManager,
	issuer *AssetIssuer,
	cache StatusCache,
	alerter Alerter,
	logger *zap.Logger,
) *Reconciler {
	if cache == nil {
		cache = NopStatusCache{}
	}
	if alerter == nil {
		alerter = NopAlerter{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		store:    store,
		verifier: verifier,
		locks:    locks,
		issuer:   issuer,
		cache:    cache,
		alerter:  alerter,
		now:      time.Now,
		log:      logger.Named("reconciler"),
	}
}

// Find resolves a lookup. Claim codes are matched by hash only.
func (r *Reconciler) Find(ctx context.Context, l Lookup) (*models.Order, error) {
	keys := 0
	for _, v := range []string{l.OrderID, l.PaymentReference, l.ClaimCode} {
		if strings.TrimSpace(v) != "" {
			keys++
		}
	}
	if keys != 1 {
		return nil, ErrInvalidLookup
	}

	switch {
	case l.OrderID != "":
		id, err := uuid.Parse(strings.TrimSpace(l.OrderID))
		if err != nil {
			return nil, repository.ErrOrderNotFound
		}
		return r.store.Get(ctx, id)
	case l.PaymentReference != "":
		return r.store.FindByPaymentReference(ctx, l.PaymentReference)
	default:
		code := utils.NormalizeClaimCode(l.ClaimCode)
		if code == "" {
			return nil, repository.ErrOrderNotFound
		}
		return r.store.FindByClaimCodeHash(ctx, utils.HashClaimCode(code))
	}
}

// Cached returns a terminal snapshot when one is cached.
func (r *Reconciler) Cached(ctx context.Context, id uuid.UUID) (*models.Order, bool) {
	return r.cache.Get(ctx, id)
}

// Claim links a manual sale to a recipient and reconciles it. The recipient is set only once.
func (r *Reconciler) Claim(ctx context.Context, claimCode, recipient string) (*Result, error) {
	addr, err := utils.ChecksumAddress(recipient)
	if err != nil {
		return nil, err
	}
	order, err := r.Find(ctx, Lookup{ClaimCode: claimCode})
	if err != nil {
		return nil, err
	}

	ok, err := r.store.AssignRecipient(ctx, order.ID, addr)
	if err != nil {
		return nil, fmt.Errorf("assign recipient: %w", err)
	}
	if !ok {
		current, err := r.store.Get(ctx, order.ID)
		if err != nil {
			return nil, err
		}
		if !strings.EqualFold(current.Recipient, addr) {
			return nil, ErrRecipientAlreadySet
		}
		order = current
	} else {
		order.Recipient = addr
	}

	return r.Reconcile(ctx, order)
}

// Reconcile drives order toward its terminal state. Transient failures come back as
// OutcomeRetryLater with a nil error; the error return is reserved for store failures.
func (r *Reconciler) Reconcile(ctx context.Context, order *models.Order) (*Result, error) {
	res := &Result{Order: order}
	track := func(name, detail string) {
		res.Trail = append(res.Trail, Step{Name: name, Detail: detail, At: r.now()})
	}
	log := r.log.With(zap.String("order_id", order.ID.String()))

	defer func() {
		log.Info("reconciled",
			zap.String("outcome", string(res.Outcome)),
			zap.String("status", string(res.Order.Status)),
			zap.Int("steps", len(res.Trail)),
		)
		r.cache.Put(ctx, res.Order)
	}()

	track("load", fmt.Sprintf("status %s, method %s", order.Status, order.FulfillmentMethod))

	if order.Status == models.OrderStatusFailed {
		res.Outcome = OutcomeFailed
		return res, nil
	}
	if order.Status == models.OrderStatusPaid && order.IsIssued() {
		track("idempotency_check", "already issued")
		res.Outcome = OutcomeAlreadyIssued
		return res, nil
	}

	if order.Status == models.OrderStatusPending {
		if order.PaymentProvider != models.PaymentGateway {
			track("verify_payment", "not a gateway payment")
			res.Outcome = OutcomeNotApplicable
			return res, nil
		}

		done, err := r.verify(ctx, res, track)
		if err != nil || done {
			return res, err
		}
	}

	if res.Order.Recipient == "" {
		track("recipient", "no recipient yet")
		res.Outcome = OutcomeAwaitingRecipient
		return res, nil
	}

	lease, err := r.locks.Acquire(ctx, res.Order.ID)
	if err != nil {
		if errors.Is(err, ErrLockNotAcquired) {
			track("acquire_lock", "held by another attempt")
			res.Outcome = OutcomeInProgress
			return res, nil
		}
		track("acquire_lock", err.Error())
		res.Outcome = OutcomeRetryLater
		res.Cause = err
		return res, nil
	}
	if lease.Reclaimed {
		track("acquire_lock", "reclaimed stale lock")
	} else {
		track("acquire_lock", "acquired")
	}

	issued, err := r.issuer.Issue(ctx, lease)
	if issued != nil {
		res.Trail = append(res.Trail, issued.Steps...)
		if issued.Order != nil {
			res.Order = issued.Order
		}
	}
	if err != nil {
		log.Warn("issuance did not complete", zap.Error(err))
		if errors.Is(err, ErrMissingRecipient) {
			res.Outcome = OutcomeAwaitingRecipient
			return res, nil
		}
		res.Outcome = OutcomeRetryLater
		res.Cause = err
		if fresh, getErr := r.store.Get(context.WithoutCancel(ctx), res.Order.ID); getErr == nil {
			res.Order = fresh
		}
		return res, nil
	}

	switch issued.Outcome {
	case IssueAlreadyIssued:
		res.Outcome = OutcomeAlreadyIssued
	default:
		res.Outcome = OutcomeIssued
	}
	return res, nil
}

// verify settles a PENDING order against the gateway. done=true means res is final.
func (r *Reconciler) verify(ctx context.Context, res *Result, track func(string, string)) (bool, error) {
	order := res.Order

	v, err := r.verifier.Verify(ctx, order)
	if err != nil {
		track("verify_payment", err.Error())
		res.Outcome = OutcomeRetryLater
		res.Cause = err
		return true, nil
	}

	switch v.State {
	case VerificationPending:
		track("verify_payment", "gateway status "+v.Result.Status)
		res.Outcome = OutcomePending
		return true, nil

	case VerificationMismatch:
		reason := strings.Join(v.Reasons, "; ")
		track("verify_payment", "mismatch: "+reason)
		ok, err := r.store.MarkFailed(ctx, order.ID, v.Result.Raw, reason)
		if err != nil {
			return true, fmt.Errorf("mark failed: %w", err)
		}
		fresh, err := r.store.Get(ctx, order.ID)
		if err != nil {
			return true, err
		}
		res.Order = fresh
		if !ok {
			// Another trigger moved the order first; report what it did.
			track("mark_failed", "order already moved to "+string(fresh.Status))
			res.Outcome = OutcomeOf(fresh)
			return true, nil
		}
		track("mark_failed", "")
		r.alertMismatch(ctx, fresh, v)
		res.Outcome = OutcomeFailed
		return true, nil

	default:
		track("verify_payment", "verified")
		ok, err := r.store.MarkPaid(ctx, order.ID, repository.PaidVerification{
			AmountMinor: v.Result.AmountMinor,
			Currency:    v.Result.Currency,
			Payload:     v.Result.Raw,
			At:          r.now(),
		})
		if err != nil {
			return true, fmt.Errorf("mark paid: %w", err)
		}
		fresh, err := r.store.Get(ctx, order.ID)
		if err != nil {
			return true, err
		}
		res.Order = fresh
		if ok {
			track("mark_paid", "")
		}
		if fresh.Status != models.OrderStatusPaid {
			res.Outcome = OutcomeOf(fresh)
			return true, nil
		}
		if fresh.IsIssued() {
			res.Outcome = OutcomeAlreadyIssued
			return true, nil
		}
		return false, nil
	}
}

func (r *Reconciler) alertMismatch(ctx context.Context, order *models.Order, v *Verification) {
	alert := MismatchAlert{
		OrderID:          order.ID.String(),
		ExpectedMinor:    order.ExpectedAmountMinor,
		ExpectedCurrency: order.ExpectedCurrency,
		ReceivedMinor:    v.Result.AmountMinor,
		ReceivedCurrency: v.Result.Currency,
		Reasons:          v.Reasons,
	}
	if order.PaymentReference != nil {
		alert.PaymentReference = *order.PaymentReference
	}
	r.log.Warn("payment verification mismatch",
		zap.String("order_id", alert.OrderID),
		zap.Strings("reasons", v.Reasons),
	)
	if err := r.alerter.NotifyMismatch(context.WithoutCancel(ctx), alert); err != nil {
		r.log.Warn("mismatch alert failed", zap.Error(err))
	}
}

// OutcomeOf maps a stored order onto the outcome a caller would see without advancing it.
func OutcomeOf(order *models.Order) Outcome {
	switch {
	case order.Status == models.OrderStatusFailed:
		return OutcomeFailed
	case order.Status == models.OrderStatusPaid && order.IsIssued():
		return OutcomeAlreadyIssued
	case order.Status == models.OrderStatusPending:
		return OutcomePending
	default:
		return OutcomeRetryLater
	}
}
