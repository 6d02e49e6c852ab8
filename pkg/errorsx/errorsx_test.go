package errorsx

import (
	"errors"
	"fmt"
	"testing"
)

func TestWrapAndReason(t *testing.T) {
	err := Wrap(assertErr{}, ReasonStoreWrite)
	if Reason(err) != ReasonStoreWrite {
		t.Fatalf("expected reason %s, got %s", ReasonStoreWrite, Reason(err))
	}
	if !HasReason(err, ReasonStoreWrite) {
		t.Fatalf("expected HasReason true")
	}
	if !errors.Is(err, assertErr{}) {
		t.Fatalf("expected wrapped error to unwrap")
	}
}

func TestWrapPreservesExistingReason(t *testing.T) {
	first := Wrap(assertErr{}, ReasonSTTSend)
	second := Wrap(fmt.Errorf("forward: %w", first), ReasonTransportSend)
	if Reason(second) != ReasonSTTSend {
		t.Fatalf("expected reason preserved, got %s", Reason(second))
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(nil, ReasonSTTConnect) != nil {
		t.Fatalf("expected nil")
	}
	if Reason(nil) != ReasonUnknown {
		t.Fatalf("expected unknown reason for nil")
	}
}

func TestNewFormatsMessage(t *testing.T) {
	err := New(ReasonProtocolMalformed, "bad frame %d", 3)
	if err.Error() != "bad frame 3" {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if !HasReason(err, ReasonProtocolMalformed) {
		t.Fatalf("expected protocol_malformed reason")
	}
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
