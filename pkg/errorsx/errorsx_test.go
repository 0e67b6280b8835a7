package errorsx

import (
	"fmt"
	"testing"
)

func TestWrapAndReason(t *testing.T) {
	err := Wrap(assertErr{}, ReasonConnect)
	if Reason(err) != ReasonConnect {
		t.Fatalf("expected reason %s, got %s", ReasonConnect, Reason(err))
	}
	if !HasReason(err, ReasonConnect) {
		t.Fatalf("expected HasReason true")
	}
}

func TestWrapPreservesExistingReason(t *testing.T) {
	first := Wrap(assertErr{}, ReasonSend)
	second := Wrap(first, ReasonTimeout)
	if Reason(second) != ReasonSend {
		t.Fatalf("expected reason preserved, got %s", Reason(second))
	}
}

func TestAsVendor(t *testing.T) {
	ve := VendorError{Code: 55000001, Message: "quota exceeded"}
	wrapped := Wrap(fmt.Errorf("session failed: %w", ve), ReasonVendor)

	got, ok := AsVendor(wrapped)
	if !ok {
		t.Fatalf("expected vendor error in chain")
	}
	if got.Code != 55000001 {
		t.Fatalf("expected code 55000001, got %d", got.Code)
	}
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
