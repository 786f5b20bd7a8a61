// Package fault defines the error taxonomy shared by every lifecycle
// component. Operations never raise for expected external failures: a chain
// query timeout, an LP rejection, or an unfavorable fee quote are classified
// here so callers can decide between retrying, surfacing, or moving on.
package fault

import (
	"errors"
	"fmt"
	"strings"
)

// Kind partitions errors by how the caller must react.
type Kind int

const (
	// KindIntegrity marks corrupted or inconsistent stored state (recompiled
	// address mismatch, missing required funding proposal). Fatal to the
	// current operation, never silently swallowed.
	KindIntegrity Kind = iota

	// KindRetryable marks external-dependency failures (chain query, LP HTTP,
	// oracle fetch). The enclosing task logs and lets the next scheduled run
	// make progress.
	KindRetryable

	// KindEconomicGuard marks "system fine, conditions unfavorable" outcomes:
	// fee too high, insufficient LP liquidity. Not a failure of the system.
	KindEconomicGuard

	// KindInvalid marks caller mistakes (bad side, category mismatch,
	// duplicate proposal). Surfaced to the API caller, never retried.
	KindInvalid
)

func (k Kind) String() string {
	switch k {
	case KindIntegrity:
		return "integrity"
	case KindRetryable:
		return "retryable"
	case KindEconomicGuard:
		return "economic_guard"
	case KindInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Error is a classified error. Wraps the underlying cause when there is one.
type Error struct {
	Kind  Kind
	Op    string
	Cause error
	msg   string
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// Integrity builds a fatal integrity error.
func Integrity(op, msg string) *Error {
	return &Error{Kind: KindIntegrity, Op: op, msg: msg}
}

// Retryable wraps an external-dependency failure.
func Retryable(op string, cause error) *Error {
	return &Error{Kind: KindRetryable, Op: op, msg: "external dependency failed", Cause: cause}
}

// Guard builds an economic-guard outcome.
func Guard(op, msg string) *Error {
	return &Error{Kind: KindEconomicGuard, Op: op, msg: msg}
}

// Invalid builds a caller-input error.
func Invalid(op, msg string) *Error {
	return &Error{Kind: KindInvalid, Op: op, msg: msg}
}

// KindOf extracts the Kind of err, defaulting to KindRetryable for
// unclassified errors so that unknown failures are retried rather than
// treated as fatal.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindRetryable
}

// IsIntegrity reports whether err is a fatal integrity error.
func IsIntegrity(err error) bool {
	return err != nil && KindOf(err) == KindIntegrity
}

// IsGuard reports whether err is an economic-guard outcome.
func IsGuard(err error) bool {
	return err != nil && KindOf(err) == KindEconomicGuard
}

// alreadyDoneFragments are broadcaster/node responses that mean the
// underlying operation already succeeded. Broadcast is not reliably
// idempotent at the transport layer even though the operation is.
var alreadyDoneFragments = []string{
	"already have transaction",
	"already in block chain",
	"already in the mempool",
	"already in mempool",
	"txn-already-known",
	"transaction already exists",
}

// AlreadyDone reports whether err (or a raw node message) describes an
// operation that has already taken effect. Callers normalize these to success.
func AlreadyDone(msg string) bool {
	lower := strings.ToLower(msg)
	for _, frag := range alreadyDoneFragments {
		if strings.Contains(lower, frag) {
			return true
		}
	}
	return false
}

// transientQueueFragments classify redemption-queue broadcast failures that
// may indicate the transaction was in fact accepted (or conflicts with an
// already-confirmed duplicate) and are worth a chain-side recovery check.
var transientQueueFragments = []string{
	"already in mempool",
	"mempool conflict",
	"missing inputs",
	"txn-mempool-conflict",
	"bad-txns-inputs-missingorspent",
}

// TransientBroadcast reports whether a broadcast failure message matches a
// known transient condition eligible for self-healing recovery.
func TransientBroadcast(msg string) bool {
	lower := strings.ToLower(msg)
	for _, frag := range transientQueueFragments {
		if strings.Contains(lower, frag) {
			return true
		}
	}
	return false
}
