package gateway

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestTenantLimiter_BurstThenRefill(t *testing.T) {
	l := NewTenantLimiter(1, 2)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	lim := l.limiter("acme")

	for i := 0; i < 2; i++ {
		if !lim.AllowN(now, 1) {
			t.Fatalf("token %d should be free", i)
		}
	}
	if lim.AllowN(now, 1) {
		t.Fatalf("bucket exhausted, expected throttle")
	}
	if !lim.AllowN(now.Add(time.Second), 1) {
		t.Fatalf("token should refill after 1s")
	}
}

func TestTenantLimiter_TenantsIsolated(t *testing.T) {
	l := NewTenantLimiter(1, 1)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	if !l.limiter("acme").AllowN(now, 1) {
		t.Fatalf("acme first token")
	}
	if l.limiter("acme").AllowN(now, 1) {
		t.Fatalf("acme should be throttled")
	}
	if !l.limiter("globex").AllowN(now, 1) {
		t.Fatalf("globex must not share acme's bucket")
	}
	if l.limiter("acme") != l.limiter("acme") {
		t.Fatalf("limiter should be reused per tenant")
	}
}

func TestTenantLimiter_WaitCancelled(t *testing.T) {
	l := NewTenantLimiter(0.001, 1)
	if err := l.Wait(context.Background(), "acme"); err != nil {
		t.Fatalf("first wait: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := l.Wait(ctx, "acme"); err == nil {
		t.Fatalf("expected wait to fail within deadline")
	}

	ctx, cancel = context.WithCancel(context.Background())
	cancel()
	if err := l.Wait(ctx, "globex"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled, got %v", err)
	}
}
