package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/example/keyissuer/internal/models"
	"github.com/example/keyissuer/internal/repository"
	"github.com/example/keyissuer/internal/utils"
)

const writeBackTimeout = 10 * time.Second

// IssueOutcome says how an Issue call ended.
type IssueOutcome string

const (
	IssueGranted         IssueOutcome = "granted"
	IssueAlreadyIssued   IssueOutcome = "already_issued"
	IssueAlreadyOnLedger IssueOutcome = "already_on_ledger"
)

// IssueResult is the order after issuance plus the steps that ran.
type IssueResult struct {
	Outcome IssueOutcome
	Order   *models.Order
	Steps   []Step
}

// AssetIssuer performs the ledger grant or the attestation write for a locked order.
type AssetIssuer struct {
	store       repository.OrderStore
	ledger      Ledger
	attester    Attester
	alerter     Alerter
	keyDuration time.Duration
	schemaID    string
	now         func() time.Time
	log         *zap.Logger
}

// IssuerOptions configures an AssetIssuer.
type IssuerOptions struct {
	KeyDuration time.Duration
	// SchemaID is used when the order carries none.
	SchemaID string
	Alerter  Alerter
}

func NewAssetIssuer(store repository.OrderStore, ledger Ledger, attester Attester, opts IssuerOptions, logger *zap.Logger) *AssetIssuer {
	if logger == nil {
		logger = zap.NewNop()
	}
	alerter := opts.Alerter
	if alerter == nil {
		alerter = NopAlerter{}
	}
	return &AssetIssuer{
		store:       store,
		ledger:      ledger,
		attester:    attester,
		alerter:     alerter,
		keyDuration: opts.KeyDuration,
		schemaID:    opts.SchemaID,
		now:         time.Now,
		log:         logger.Named("issuer"),
	}
}

// WithClock replaces the time source.
func (i *AssetIssuer) WithClock(now func() time.Time) *AssetIssuer {
	i.now = now
	return i
}

// Issue grants the order's asset. The caller must hold lease.
//
// The lock is released on every exit except when the mutating call's outcome is unknown,
// or when the call succeeded and recording it did not. Both cases are left for the
// staleness reclaim and the pre-check to settle.
func (i *AssetIssuer) Issue(ctx context.Context, lease *Lease) (*IssueResult, error) {
	res := &IssueResult{}
	track := func(name, detail string) {
		res.Steps = append(res.Steps, Step{Name: name, Detail: detail, At: i.now()})
	}

	// Reload under the lock; an earlier holder may have finished since the caller looked.
	order, err := i.store.Get(ctx, lease.OrderID)
	if err != nil {
		i.release(ctx, lease)
		return nil, fmt.Errorf("reload order: %w", err)
	}
	res.Order = order

	if order.IsIssued() {
		track("idempotency_check", "completion already recorded")
		i.release(ctx, lease)
		res.Outcome = IssueAlreadyIssued
		return res, nil
	}
	track("idempotency_check", "not issued")

	if order.Recipient == "" {
		i.release(ctx, lease)
		return res, ErrMissingRecipient
	}
	recipient, err := utils.ChecksumAddress(order.Recipient)
	if err != nil {
		i.fail(ctx, lease, fmt.Errorf("recipient %q: %w", order.Recipient, err), true)
		return res, err
	}

	switch order.FulfillmentMethod {
	case models.FulfillmentAssetTransfer:
		err = i.issueKey(ctx, lease, order, recipient, res, track)
	case models.FulfillmentAttestation:
		err = i.issueAttestation(ctx, lease, order, recipient, res, track)
	default:
		err = fmt.Errorf("unknown fulfillment method %q", order.FulfillmentMethod)
		i.fail(ctx, lease, err, true)
	}
	if err != nil {
		return res, err
	}

	if fresh, err := i.store.Get(ctx, order.ID); err == nil {
		res.Order = fresh
	}
	return res, nil
}

func (i *AssetIssuer) issueKey(ctx context.Context, lease *Lease, order *models.Order, recipient string, res *IssueResult, track func(string, string)) error {
	contract, err := utils.ChecksumAddress(order.ContractAddress)
	if err != nil {
		err = fmt.Errorf("contract %q: %w", order.ContractAddress, err)
		i.fail(ctx, lease, err, true)
		return err
	}

	has, err := i.ledger.HasValidKey(ctx, order.ChainID, contract, recipient)
	if err != nil {
		track("ledger_precheck", err.Error())
		i.fail(ctx, lease, err, true)
		return err
	}
	if has {
		track("ledger_precheck", "recipient already holds a valid key")
		wctx, cancel := writeBackContext(ctx)
		defer cancel()
		ok, err := i.store.MarkKeyGranted(wctx, order.ID, lease.Token, i.now())
		if err != nil {
			return fmt.Errorf("record key granted: %w", err)
		}
		if !ok {
			return ErrLockLost
		}
		res.Outcome = IssueAlreadyOnLedger
		return nil
	}
	track("ledger_precheck", "no key on ledger")

	expiresAt := i.now().Add(i.keyDuration).Unix()
	receipt, err := i.ledger.GrantKey(ctx, KeyGrant{
		ChainID:         order.ChainID,
		ContractAddress: contract,
		Recipient:       recipient,
		ExpiresAt:       expiresAt,
	})
	if err != nil {
		track("ledger_grant", err.Error())
		i.fail(ctx, lease, err, !OutcomeUnknown(err))
		return err
	}
	track("ledger_grant", "submitted "+receipt.TxnHash)

	wctx, cancel := writeBackContext(ctx)
	defer cancel()
	ok, err := i.store.CompleteAsset(wctx, order.ID, lease.Token, repository.AssetGrant{
		TxnHash: receipt.TxnHash,
		TokenID: receipt.TokenID,
	}, i.now())
	if err == nil && !ok {
		err = ErrLockLost
	}
	if err != nil {
		i.writeBackFailed(ctx, order, receipt.TxnHash, err)
		return fmt.Errorf("record grant %s: %w", receipt.TxnHash, err)
	}
	track("write_back", "txn hash recorded")
	res.Outcome = IssueGranted
	return nil
}

func (i *AssetIssuer) issueAttestation(ctx context.Context, lease *Lease, order *models.Order, recipient string, res *IssueResult, track func(string, string)) error {
	schemaID := order.SchemaID
	if schemaID == "" {
		schemaID = i.schemaID
	}
	if schemaID == "" {
		err := errors.New("no attestation schema configured")
		i.fail(ctx, lease, err, true)
		return err
	}
	reference := order.ID.String()

	uid, err := i.attester.FindAttestation(ctx, schemaID, recipient, reference)
	if err != nil {
		track("attestation_precheck", err.Error())
		i.fail(ctx, lease, err, true)
		return err
	}
	if uid != "" {
		track("attestation_precheck", "attestation already recorded "+uid)
		res.Outcome = IssueAlreadyOnLedger
	} else {
		track("attestation_precheck", "no attestation found")
		uid, err = i.attester.Attest(ctx, AttestationRequest{
			SchemaID:  schemaID,
			Recipient: recipient,
			Reference: reference,
			Fields:    NewAttestationFields(order, i.now()),
		})
		if err != nil {
			track("attestation_write", err.Error())
			i.fail(ctx, lease, err, !OutcomeUnknown(err))
			return err
		}
		track("attestation_write", "recorded "+uid)
		res.Outcome = IssueGranted
	}

	wctx, cancel := writeBackContext(ctx)
	defer cancel()
	ok, err := i.store.CompleteAttestation(wctx, order.ID, lease.Token, uid, i.now())
	if err == nil && !ok {
		err = ErrLockLost
	}
	if err != nil {
		i.writeBackFailed(ctx, order, uid, err)
		return fmt.Errorf("record attestation %s: %w", uid, err)
	}
	track("write_back", "attestation uid recorded")
	return nil
}

// fail records the error. release=false keeps the lock until it goes stale.
func (i *AssetIssuer) fail(ctx context.Context, lease *Lease, cause error, release bool) {
	wctx, cancel := writeBackContext(ctx)
	defer cancel()

	fields := []zap.Field{
		zap.String("order_id", lease.OrderID.String()),
		zap.Bool("lock_released", release),
		zap.Error(cause),
	}
	if _, err := i.store.RecordIssuanceError(wctx, lease.OrderID, lease.Token, cause.Error(), release, i.now()); err != nil {
		fields = append(fields, zap.NamedError("record_error", err))
	}
	i.log.Warn("issuance attempt failed", fields...)
}

func (i *AssetIssuer) release(ctx context.Context, lease *Lease) {
	wctx, cancel := writeBackContext(ctx)
	defer cancel()
	if _, err := i.store.ReleaseLock(wctx, lease.OrderID, lease.Token); err != nil {
		i.log.Error("release lock", zap.String("order_id", lease.OrderID.String()), zap.Error(err))
	}
}

func (i *AssetIssuer) writeBackFailed(ctx context.Context, order *models.Order, marker string, err error) {
	i.log.Error("issued but not recorded; lock left held",
		zap.String("order_id", order.ID.String()),
		zap.String("marker", marker),
		zap.String("method", string(order.FulfillmentMethod)),
		zap.Error(err),
	)
	if alertErr := i.alerter.NotifyWriteBackFailure(context.WithoutCancel(ctx), WriteBackAlert{
		OrderID: order.ID.String(),
		Method:  string(order.FulfillmentMethod),
		Marker:  marker,
		Error:   err.Error(),
	}); alertErr != nil {
		i.log.Warn("write-back alert failed", zap.Error(alertErr))
	}
}

// writeBackContext outlives the request deadline so a finished external call still gets recorded.
func writeBackContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), writeBackTimeout)
}
