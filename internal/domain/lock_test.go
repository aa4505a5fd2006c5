package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestLockStatusTransitions(t *testing.T) {
	tests := []struct {
		from LockStatus
		to   LockStatus
		want bool
	}{
		{from: LockStatusRequested, to: LockStatusLocked, want: true},
		{from: LockStatusRequested, to: LockStatusCanceled, want: true},
		{from: LockStatusRequested, to: LockStatusAwaitingMint, want: false},
		{from: LockStatusLocked, to: LockStatusAwaitingMint, want: true},
		{from: LockStatusLocked, to: LockStatusCanceled, want: true},
		{from: LockStatusLocked, to: LockStatusConsumed, want: false},
		{from: LockStatusAwaitingMint, to: LockStatusConsumed, want: true},
		{from: LockStatusAwaitingMint, to: LockStatusCanceled, want: true},
		{from: LockStatusConsumed, to: LockStatusCanceled, want: false},
		{from: LockStatusCanceled, to: LockStatusLocked, want: false},
		{from: LockStatusNone, to: LockStatusRequested, want: false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.want {
			t.Fatalf("%s -> %s: expected %t, got %t", tt.from, tt.to, tt.want, got)
		}
	}
}

func TestLockStatusTerminal(t *testing.T) {
	for _, status := range []LockStatus{LockStatusConsumed, LockStatusCanceled} {
		if !status.Terminal() {
			t.Fatalf("expected %s to be terminal", status)
		}
	}
	for _, status := range []LockStatus{LockStatusRequested, LockStatusLocked, LockStatusAwaitingMint} {
		if status.Terminal() {
			t.Fatalf("expected %s to be non-terminal", status)
		}
	}
}

func TestParseLockStatus(t *testing.T) {
	if got := ParseLockStatus("AWAITING_MINT"); got != LockStatusAwaitingMint {
		t.Fatalf("expected AWAITING_MINT, got %s", got)
	}
	if got := ParseLockStatus("minted"); got != LockStatusNone {
		t.Fatalf("expected unknown status to map to NONE, got %s", got)
	}
}

func TestLockExpiredAtDeadline(t *testing.T) {
	deadline := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	lock := &Lock{ExpiresAt: deadline}

	if lock.Expired(deadline.Add(-time.Nanosecond)) {
		t.Fatal("lock must not be expired before its deadline")
	}
	if !lock.Expired(deadline) {
		t.Fatal("lock must be expired at its deadline")
	}
}

func TestLockCloneIsIndependent(t *testing.T) {
	lock := &Lock{ID: "LOCK-1", Events: []LockEvent{{Type: "requested"}}}
	cp := lock.Clone()
	cp.Events[0].Type = "changed"
	cp.Events = append(cp.Events, LockEvent{Type: "approved"})

	if lock.Events[0].Type != "requested" || len(lock.Events) != 1 {
		t.Fatalf("clone mutated the original: %+v", lock.Events)
	}
}

func TestVaultCanApplyLockedDelta(t *testing.T) {
	vault := &Vault{Total: decimal.NewFromInt(100), Locked: decimal.NewFromInt(40)}

	tests := []struct {
		delta int64
		want  bool
	}{
		{delta: 60, want: true},
		{delta: 61, want: false},
		{delta: -40, want: true},
		{delta: -41, want: false},
	}
	for _, tt := range tests {
		if got := vault.CanApplyLockedDelta(decimal.NewFromInt(tt.delta)); got != tt.want {
			t.Fatalf("delta %d: expected %t, got %t", tt.delta, tt.want, got)
		}
	}
}

func TestAuthorizationStatusOpen(t *testing.T) {
	open := map[AuthorizationStatus]bool{
		AuthorizationPendingMint: true,
		AuthorizationMinting:     true,
		AuthorizationCompleted:   false,
		AuthorizationExpired:     false,
		AuthorizationCancelled:   false,
	}
	for status, want := range open {
		if got := status.Open(); got != want {
			t.Fatalf("%s: expected open=%t, got %t", status, want, got)
		}
	}
}
