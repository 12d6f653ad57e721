package sources

import "testing"

func TestCanonicalize_DashSeparator(t *testing.T) {
	if got := canonicalize("Stripe - EU"); got != "Stripe" {
		t.Fatalf("expected Stripe, got %s", got)
	}
}

func TestCanonicalize_SpaceSeparator(t *testing.T) {
	if got := canonicalize("Stripe US"); got != "Stripe" {
		t.Fatalf("expected Stripe, got %s", got)
	}
}

func TestCanonicalize_NoSeparator(t *testing.T) {
	if got := canonicalize("Stripe"); got != "Stripe" {
		t.Fatalf("expected Stripe, got %s", got)
	}
}

func TestCounter_MonotonicAcrossGoroutines(t *testing.T) {
	c := newCounter()
	seen := make(map[uint64]bool)
	var results []uint64
	for i := 0; i < 100; i++ {
		results = append(results, c.next())
	}
	for _, v := range results {
		if seen[v] {
			t.Fatalf("expected every counter value to be unique, got repeat %d", v)
		}
		seen[v] = true
	}
}

func TestDefaultConfig_HasDemoCapOfTwo(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.DemoSourceCap != 2 {
		t.Fatalf("expected demo cap of 2, got %d", cfg.DemoSourceCap)
	}
}
