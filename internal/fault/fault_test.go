package fault

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	if got := KindOf(Integrity("op", "address mismatch")); got != KindIntegrity {
		t.Errorf("KindOf(Integrity) = %v", got)
	}
	if got := KindOf(Guard("op", "fee too high")); got != KindEconomicGuard {
		t.Errorf("KindOf(Guard) = %v", got)
	}
	if got := KindOf(Invalid("op", "bad side")); got != KindInvalid {
		t.Errorf("KindOf(Invalid) = %v", got)
	}

	// Unclassified errors default to retryable, never to fatal.
	if got := KindOf(errors.New("connection refused")); got != KindRetryable {
		t.Errorf("KindOf(plain error) = %v, want KindRetryable", got)
	}
}

func TestKindOfWrapped(t *testing.T) {
	inner := Integrity("settlement.check", "recompiled address mismatch")
	wrapped := fmt.Errorf("scan contract: %w", inner)

	if !IsIntegrity(wrapped) {
		t.Error("classification must survive fmt.Errorf wrapping")
	}
	if IsGuard(wrapped) {
		t.Error("integrity error misclassified as guard")
	}
}

func TestRetryableUnwrap(t *testing.T) {
	cause := errors.New("dial tcp: timeout")
	err := Retryable("chain.broadcast", cause)

	if !errors.Is(err, cause) {
		t.Error("Retryable must wrap its cause")
	}
	if KindOf(err) != KindRetryable {
		t.Errorf("KindOf = %v", KindOf(err))
	}
}

func TestIsGuardNil(t *testing.T) {
	if IsGuard(nil) || IsIntegrity(nil) {
		t.Error("nil error has no kind")
	}
}

func TestAlreadyDone(t *testing.T) {
	done := []string{
		"txn-already-known",
		"258: txn-already-in-mempool, already in the mempool",
		"Transaction already exists in index",
		"ALREADY HAVE TRANSACTION",
	}
	for _, msg := range done {
		if !AlreadyDone(msg) {
			t.Errorf("AlreadyDone(%q) = false", msg)
		}
	}

	notDone := []string{
		"bad-txns-inputs-missingorspent",
		"min relay fee not met",
		"",
	}
	for _, msg := range notDone {
		if AlreadyDone(msg) {
			t.Errorf("AlreadyDone(%q) = true", msg)
		}
	}
}

func TestTransientBroadcast(t *testing.T) {
	transient := []string{
		"txn-mempool-conflict",
		"Missing inputs",
		"bad-txns-inputs-missingorspent",
	}
	for _, msg := range transient {
		if !TransientBroadcast(msg) {
			t.Errorf("TransientBroadcast(%q) = false", msg)
		}
	}

	if TransientBroadcast("scriptsig-not-pushonly") {
		t.Error("permanent rejection classified as transient")
	}
}
