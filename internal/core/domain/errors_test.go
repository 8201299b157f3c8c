package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestDomainError_Error(t *testing.T) {
	err := NewDomainError("PM-TEST-0001", "something failed")
	want := "[PM-TEST-0001] something failed"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}

	detailed := err.WithDetails("extra context")
	want = "[PM-TEST-0001] something failed: extra context"
	if detailed.Error() != want {
		t.Errorf("Error() = %q, want %q", detailed.Error(), want)
	}
}

func TestDomainError_Is(t *testing.T) {
	if !errors.Is(ErrPartyFull.WithDetails("12 slots"), ErrPartyFull) {
		t.Error("errors.Is should match on code regardless of details")
	}
	if errors.Is(ErrPartyFull, ErrPartyNotFound) {
		t.Error("errors.Is should not match different codes")
	}
}

func TestDomainError_Unwrap(t *testing.T) {
	cause := fmt.Errorf("disk io")
	err := ErrInternalServer.WithCause(cause)

	if !errors.Is(err, cause) {
		t.Error("wrapped cause should be reachable via errors.Is")
	}
}

func TestErrorCode(t *testing.T) {
	if got := ErrorCode(ErrNotLeader); got != "PM-PRTY-4030" {
		t.Errorf("ErrorCode() = %q, want PM-PRTY-4030", got)
	}
	if got := ErrorCode(fmt.Errorf("plain")); got != "" {
		t.Errorf("ErrorCode(plain error) = %q, want empty", got)
	}
	if got := ErrorCode(fmt.Errorf("wrap: %w", ErrPartyFull)); got != "PM-PRTY-4091" {
		t.Errorf("ErrorCode(wrapped) = %q, want PM-PRTY-4091", got)
	}
}
