package services

import (
	"errors"
	"fmt"
)

var (
	// ErrGatewayUnavailable marks a verification that could not reach a verdict. Callers retry later.
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	// ErrLockNotAcquired is the distinguished result of losing the issuance lock race.
	ErrLockNotAcquired = errors.New("issuance lock not acquired")
	// ErrLockLost is returned when a guarded write finds the lock no longer belongs to the caller.
	ErrLockLost = errors.New("issuance lock lost")
	// ErrMissingRecipient is returned when a paid order has nowhere to send the asset yet.
	ErrMissingRecipient = errors.New("order has no recipient")
	// ErrRecipientAlreadySet is returned when a claim tries to change an existing recipient.
	ErrRecipientAlreadySet = errors.New("order recipient already set")
	// ErrNoPaymentReference is returned when a gateway order cannot be verified.
	ErrNoPaymentReference = errors.New("order has no payment reference")
)

// LedgerErrorKind classifies a failed ledger or attestation call.
type LedgerErrorKind int

const (
	// LedgerTransport means the request never reached the backend.
	LedgerTransport LedgerErrorKind = iota
	// LedgerRejected means the backend refused the request before submitting anything.
	LedgerRejected
	// LedgerReverted means the transaction was submitted and reverted.
	LedgerReverted
	// LedgerUnknownOutcome means the request may have been applied.
	LedgerUnknownOutcome
)

func (k LedgerErrorKind) String() string {
	switch k {
	case LedgerTransport:
		return "transport"
	case LedgerRejected:
		return "rejected"
	case LedgerReverted:
		return "reverted"
	case LedgerUnknownOutcome:
		return "unknown_outcome"
	default:
		return "unknown"
	}
}

// LedgerError is the typed failure of a ledger grant, pre-check or attestation write.
type LedgerError struct {
	Kind LedgerErrorKind
	Op   string
	Err  error
}

func (e *LedgerError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *LedgerError) Unwrap() error {
	return e.Err
}

// OutcomeUnknown reports whether err is a ledger failure that may still have been applied.
func OutcomeUnknown(err error) bool {
	var le *LedgerError
	return errors.As(err, &le) && le.Kind == LedgerUnknownOutcome
}
