package ratelimit

import (
	"errors"
	"testing"
	"time"
)

func TestLimiter_AllowsUnderLimit(t *testing.T) {
	l := NewLimiter(nil)
	rule := Rule{MaxRequests: 3, WindowSeconds: 60, Enabled: true}
	now := time.Unix(1_700_000_000, 0)

	for i := 0; i < 3; i++ {
		d := l.Check("tenant-a", "source-1", "client-1", rule, now)
		if !d.Allowed {
			t.Fatalf("request %d: expected allowed within limit", i)
		}
	}
}

func TestLimiter_RejectsOverLimit(t *testing.T) {
	l := NewLimiter(nil)
	rule := Rule{MaxRequests: 2, WindowSeconds: 60, Enabled: true}
	now := time.Unix(1_700_000_000, 0)

	l.Check("tenant-a", "source-1", "client-1", rule, now)
	l.Check("tenant-a", "source-1", "client-1", rule, now)
	d := l.Check("tenant-a", "source-1", "client-1", rule, now)

	if d.Allowed {
		t.Fatalf("expected third request to be rejected")
	}
	if d.Remaining != 0 {
		t.Fatalf("expected zero remaining, got %d", d.Remaining)
	}
}

func TestLimiter_NewWindowResetsCount(t *testing.T) {
	l := NewLimiter(nil)
	rule := Rule{MaxRequests: 1, WindowSeconds: 60, Enabled: true}

	first := time.Unix(1_700_000_000, 0)
	l.Check("tenant-a", "source-1", "client-1", rule, first)

	next := first.Add(61 * time.Second)
	d := l.Check("tenant-a", "source-1", "client-1", rule, next)
	if !d.Allowed {
		t.Fatalf("expected a new window to reset the counter")
	}
}

func TestLimiter_DisabledRuleIsUnlimited(t *testing.T) {
	l := NewLimiter(nil)
	rule := Rule{Enabled: false}
	d := l.Check("tenant-a", "", "client-1", rule, time.Unix(1_700_000_000, 0))
	if !d.Allowed {
		t.Fatalf("expected disabled rule to never block")
	}
}

func TestLimiter_IdentifiersAreIsolated(t *testing.T) {
	l := NewLimiter(nil)
	rule := Rule{MaxRequests: 1, WindowSeconds: 60, Enabled: true}
	now := time.Unix(1_700_000_000, 0)

	l.Check("tenant-a", "source-1", "client-1", rule, now)
	d := l.Check("tenant-a", "source-1", "client-2", rule, now)
	if !d.Allowed {
		t.Fatalf("expected a distinct identifier to have its own counter")
	}
}

type failingCounter struct{}

func (failingCounter) Increment(key string, expiry time.Duration) (int64, error) {
	return 0, errors.New("backing store unavailable")
}

func TestLimiter_FailsOpenWhenSharedCounterErrors(t *testing.T) {
	l := NewLimiter(failingCounter{})
	rule := Rule{MaxRequests: 1, WindowSeconds: 60, Enabled: true}
	now := time.Unix(1_700_000_000, 0)

	// Even repeated calls must be allowed: the fallback path takes over and
	// the shared-store error itself must never cause a rejection.
	d1 := l.Check("tenant-a", "source-1", "client-1", rule, now)
	if !d1.Allowed {
		t.Fatalf("expected fail-open on shared counter error")
	}
}

func TestIdentifier_Precedence(t *testing.T) {
	if got := Identifier("bearer-1", "key-1", "1.2.3.4"); got != "bearer-1" {
		t.Fatalf("expected bearer token to take precedence, got %s", got)
	}
	if got := Identifier("", "key-1", "1.2.3.4"); got != "key-1" {
		t.Fatalf("expected api key to take precedence over IP, got %s", got)
	}
	if got := Identifier("", "", "1.2.3.4"); got != "1.2.3.4" {
		t.Fatalf("expected IP fallback, got %s", got)
	}
	if got := Identifier("", "", ""); got != "default" {
		t.Fatalf("expected default fallback, got %s", got)
	}
}
