package doppler

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorMessage(t *testing.T) {
	e := &Error{Kind: KindNotFound, Message: "shard 3 missing"}
	want := "doppler: NotFound: shard 3 missing"
	if got := e.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestErrorMessageWithCause(t *testing.T) {
	cause := fmt.Errorf("io error")
	e := &Error{Kind: KindCorrupt, Message: "shard 1", Cause: cause}
	if got := e.Error(); got == "" || !errors.Is(e, cause) {
		t.Errorf("expected wrapped cause to be reachable via errors.Is, got %q", got)
	}
}

func TestKindOf(t *testing.T) {
	err := &Error{Kind: KindAlreadyGenerating, Message: "pipeline busy"}
	k, ok := KindOf(err)
	if !ok || k != KindAlreadyGenerating {
		t.Fatalf("KindOf() = (%v, %v), want (%v, true)", k, ok, KindAlreadyGenerating)
	}

	_, ok = KindOf(fmt.Errorf("plain error"))
	if ok {
		t.Error("KindOf() on a plain error should return false")
	}
}

func TestKindOfWrapped(t *testing.T) {
	inner := &Error{Kind: KindDeviceLost, Message: "adapter gone"}
	wrapped := fmt.Errorf("pipeline create: %w", inner)

	k, ok := KindOf(wrapped)
	if !ok || k != KindDeviceLost {
		t.Fatalf("KindOf(wrapped) = (%v, %v), want (%v, true)", k, ok, KindDeviceLost)
	}
}
