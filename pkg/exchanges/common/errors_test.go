package common

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"network", NewNetworkError(context.DeadlineExceeded), true},
		{"rate limited", NewRateLimited(-1003, "too many requests"), true},
		{"rejected", NewRejected(-2019, "margin is insufficient"), false},
		{"wrapped network", fmt.Errorf("place order: %w", NewNetworkError(errors.New("eof"))), true},
		{"plain", errors.New("boom"), false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestExchangeErrorUnwrap(t *testing.T) {
	err := fmt.Errorf("get status: %w", NewNetworkError(context.DeadlineExceeded))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("expected DeadlineExceeded in chain")
	}
	kind, ok := KindOf(err)
	if !ok || kind != KindNetworkTimeout {
		t.Fatalf("KindOf = %s, %v", kind, ok)
	}
}

func TestSideAndStatus(t *testing.T) {
	if SideBuy.Opposite() != SideSell || SideSell.Opposite() != SideBuy {
		t.Fatal("Opposite mismatch")
	}
	if !StatusFilled.Terminal() || StatusNew.Terminal() || StatusPartial.Terminal() {
		t.Fatal("Terminal mismatch")
	}
}

func TestRateLimiterUsage(t *testing.T) {
	rl := NewRateLimiter(2400, time.Minute)
	rl.UpdateFromHeader("2200")
	used, limit, _ := rl.Usage()
	if used != 2200 || limit != 2400 {
		t.Fatalf("usage = %d/%d", used, limit)
	}
	if !rl.ShouldDelay() {
		t.Fatal("expected delay above 90%")
	}
	rl.UpdateFromHeader("garbage")
	if used, _, _ := rl.Usage(); used != 2200 {
		t.Fatalf("garbage header changed usage to %d", used)
	}
	if err := rl.Wait(context.Background(), 1); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}
