package errors

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrSessionNotFound     = errors.New("escrow session not found")
	ErrDisputeNotFound     = errors.New("dispute not found")
	ErrReleaseNotFound     = errors.New("pending release not found")
	ErrHoldNotFound        = errors.New("payment hold not found")
	ErrVaultItemNotFound   = errors.New("vault item not found")
	ErrVaultOrderNotFound  = errors.New("vault order not found")
	ErrSplitNotFound       = errors.New("vault split not found")
	ErrPayoutBatchNotFound = errors.New("payout batch not found")

	ErrNilTransaction = errors.New("transaction is nil")
	ErrNilSession     = errors.New("escrow session is nil")
	ErrNilDispute     = errors.New("dispute is nil")
	ErrNilRelease     = errors.New("pending release is nil")
	ErrNilVaultItem   = errors.New("vault item is nil")
	ErrNilVaultOrder  = errors.New("vault order is nil")
	ErrNilAuditEntry  = errors.New("audit entry is nil")

	ErrInvalidInput          = errors.New("invalid input")
	ErrInvalidAmount         = errors.New("amount must be positive")
	ErrTrackingRequired      = errors.New("carrier tracking reference is required")
	ErrConfirmationRequired  = errors.New("closing a session requires explicit confirmation")
	ErrSessionAlreadyActive  = errors.New("transaction already has an active escrow session")
	ErrDisputeAlreadyOpen    = errors.New("transaction already has an open dispute")
	ErrDisputeNotEligible    = errors.New("transaction is not eligible for a dispute")
	ErrNoEligibleSplits      = errors.New("no eligible splits for payout")
	ErrOrderAlreadySettled   = errors.New("vault order already settled")
	ErrRequestAlreadyHandled = errors.New("request already processed")
	ErrTokenInvalid          = errors.New("invalid or revoked token")

	// Kind sentinels. A *TransitionError matches its kind via errors.Is.
	ErrInvalidTransition    = errors.New("invalid transition")
	ErrPreconditionMismatch = errors.New("precondition mismatch")
	ErrForbidden            = errors.New("forbidden")
	ErrAuthorizationExpired = errors.New("authorization expired or consumed")
	ErrExternalDependency   = errors.New("external dependency failure")
	ErrConflict             = errors.New("concurrent modification conflict")
)

// Kind classifies a rejected or failed state change.
type Kind int

const (
	KindInvalidTransition Kind = iota + 1
	KindPreconditionMismatch
	KindForbidden
	KindAuthorizationExpired
	KindExternalDependency
	KindConflict
)

func (k Kind) sentinel() error {
	switch k {
	case KindInvalidTransition:
		return ErrInvalidTransition
	case KindPreconditionMismatch:
		return ErrPreconditionMismatch
	case KindForbidden:
		return ErrForbidden
	case KindAuthorizationExpired:
		return ErrAuthorizationExpired
	case KindExternalDependency:
		return ErrExternalDependency
	case KindConflict:
		return ErrConflict
	}
	return nil
}

func (k Kind) String() string {
	if s := k.sentinel(); s != nil {
		return s.Error()
	}
	return "unknown"
}

// TransitionError is the user-facing rejection of a state change. Reason is
// safe to show to a client; Cause is kept for logs only.
type TransitionError struct {
	Kind    Kind
	Entity  string
	From    string
	To      string
	Allowed []string
	Reason  string
	Cause   error
}

func (e *TransitionError) Error() string {
	var b strings.Builder
	b.WriteString(e.Entity)
	b.WriteString(": ")
	if e.Reason != "" {
		b.WriteString(e.Reason)
	} else {
		b.WriteString(e.Kind.String())
	}
	if e.Kind != KindInvalidTransition && (e.From != "" || e.To != "") {
		fmt.Fprintf(&b, " (%s -> %s)", e.From, e.To)
	}
	if e.Kind == KindInvalidTransition {
		if len(e.Allowed) == 0 {
			b.WriteString("; allowed: none")
		} else {
			b.WriteString("; allowed: ")
			b.WriteString(strings.Join(e.Allowed, ", "))
		}
	}
	return b.String()
}

func (e *TransitionError) Is(target error) bool {
	return target == e.Kind.sentinel()
}

func (e *TransitionError) Unwrap() error {
	return e.Cause
}

func Invalid(entity, from, to string, allowed []string) *TransitionError {
	return &TransitionError{
		Kind:    KindInvalidTransition,
		Entity:  entity,
		From:    from,
		To:      to,
		Allowed: allowed,
		Reason:  fmt.Sprintf("cannot move from %s to %s", from, to),
	}
}

func Precondition(entity, reason string) *TransitionError {
	return &TransitionError{Kind: KindPreconditionMismatch, Entity: entity, Reason: reason}
}

func Forbidden(entity, reason string) *TransitionError {
	return &TransitionError{Kind: KindForbidden, Entity: entity, Reason: reason}
}

func Expired(entity, reason string) *TransitionError {
	return &TransitionError{Kind: KindAuthorizationExpired, Entity: entity, Reason: reason}
}

func External(entity, reason string, cause error) *TransitionError {
	return &TransitionError{Kind: KindExternalDependency, Entity: entity, Reason: reason, Cause: cause}
}

func Conflict(entity, reason string) *TransitionError {
	return &TransitionError{Kind: KindConflict, Entity: entity, Reason: reason}
}

// Retryable reports whether the caller may re-attempt the same request.
func Retryable(err error) bool {
	return errors.Is(err, ErrExternalDependency) || errors.Is(err, ErrConflict)
}
