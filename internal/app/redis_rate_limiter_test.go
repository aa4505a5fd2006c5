package app

import (
	"context"
	"testing"
	"time"
)

func TestNewRedisRateLimiterNormalizesPrefix(t *testing.T) {
	tests := []struct {
		prefix string
		want   string
	}{
		{prefix: "", want: "treasury:rate_limit"},
		{prefix: "  ", want: "treasury:rate_limit"},
		{prefix: "sandbox:limits:", want: "sandbox:limits"},
	}
	for _, tt := range tests {
		if got := NewRedisRateLimiter(nil, tt.prefix).prefix; got != tt.want {
			t.Fatalf("prefix %q: expected %q, got %q", tt.prefix, tt.want, got)
		}
	}
}

func TestRedisRateLimiterKeysByLock(t *testing.T) {
	limiter := NewRedisRateLimiter(nil, "treasury:rate_limit")

	got := limiter.redeemKey("LOCK-M1ABC-7QX2ZP")
	want := "treasury:rate_limit:authorization_redeem:{LOCK-M1ABC-7QX2ZP}"
	if got != want {
		t.Fatalf("expected key %q, got %q", want, got)
	}
}

func TestRedisRateLimiterWithoutClientAllows(t *testing.T) {
	limiter := NewRedisRateLimiter(nil, "")

	count, retryAfter, err := limiter.ConsumeRedeemAttempt(context.Background(), RedeemAttempt{LockID: "LOCK-1", Code: "AUTH-1"}, 5, time.Minute)
	if err != nil || count != 0 || retryAfter != 0 {
		t.Fatalf("expected no-op limiter, got count=%d retry=%d err=%v", count, retryAfter, err)
	}
}
