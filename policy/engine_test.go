package policy

import "testing"

func TestEffectiveTTL_NoCeiling(t *testing.T) {
	if got := EffectiveTTL(3600, 0); got != 3600 {
		t.Fatalf("expected requested ttl passthrough, got %d", got)
	}
}

func TestEffectiveTTL_CeilingCaps(t *testing.T) {
	if got := EffectiveTTL(3600, 60); got != 60 {
		t.Fatalf("expected ttl capped at ceiling, got %d", got)
	}
}

func TestEffectiveTTL_ZeroRequestedBecomesCeiling(t *testing.T) {
	if got := EffectiveTTL(0, 60); got != 60 {
		t.Fatalf("expected zero (infinity) to become the ceiling, got %d", got)
	}
}

func TestEffectiveTTL_UnderCeilingPassesThrough(t *testing.T) {
	if got := EffectiveTTL(30, 60); got != 30 {
		t.Fatalf("expected requested ttl under ceiling to pass through, got %d", got)
	}
}

func TestEngine_KillSwitchSkipsStoreEntirely(t *testing.T) {
	e := NewEngine()
	d := e.Evaluate(true, CachePolicy{}, 60, ComplianceRuleSet{}, EvalInput{})
	if d.Store {
		t.Fatalf("expected kill switch to prevent storing")
	}
}

func TestEngine_NoCacheSkipsStore(t *testing.T) {
	e := NewEngine()
	d := e.Evaluate(false, CachePolicy{NoCache: true}, 60, ComplianceRuleSet{}, EvalInput{})
	if d.Store {
		t.Fatalf("expected no-cache policy to prevent storing")
	}
}

func TestEngine_ComplianceOrderRegionFirst(t *testing.T) {
	e := NewEngine()
	rules := ComplianceRuleSet{
		Region: RegionRule{Deny: []string{"CN"}},
		PII:    PIIRule{BlockCache: true},
	}
	d := e.Evaluate(false, CachePolicy{}, 60, rules, EvalInput{Region: "CN", ContainsPII: true})
	if !d.ComplianceBlocked {
		t.Fatalf("expected compliance block")
	}
	if d.ComplianceReason == "" || !contains(d.ComplianceReason, "region") {
		t.Fatalf("expected region rule to fire first, got reason %q", d.ComplianceReason)
	}
}

func TestEngine_PIIBlocksWhenRegionPasses(t *testing.T) {
	e := NewEngine()
	rules := ComplianceRuleSet{PII: PIIRule{BlockCache: true}}
	d := e.Evaluate(false, CachePolicy{}, 60, rules, EvalInput{ContainsPII: true})
	if !d.ComplianceBlocked {
		t.Fatalf("expected PII rule to block")
	}
}

func TestEngine_AllowedRequestStoresWithEffectiveTTL(t *testing.T) {
	e := NewEngine()
	d := e.Evaluate(false, CachePolicy{MaxTTL: 60}, 3600, ComplianceRuleSet{}, EvalInput{})
	if !d.Store || d.EffectiveTTL != 60 {
		t.Fatalf("expected store with capped ttl, got %+v", d)
	}
}

func TestMatchMock_PriorityOrderFirstMatchWins(t *testing.T) {
	e := NewEngine()
	mocks := []MockResponse{
		{ID: "low", Priority: 2, Active: true, Method: "GET", URLPattern: "/items", Status: 200},
		{ID: "high", Priority: 1, Active: true, Method: "GET", URLPattern: "/items", Status: 201},
	}
	m, ok := e.MatchMock(mocks, "GET", "/items", "")
	if !ok || m.ID != "high" {
		t.Fatalf("expected the higher-priority (lower number) mock to win, got %+v", m)
	}
}

func TestMatchMock_InactiveMocksExcluded(t *testing.T) {
	e := NewEngine()
	mocks := []MockResponse{{ID: "a", Priority: 1, Active: false, Method: "GET", URLPattern: "/items"}}
	_, ok := e.MatchMock(mocks, "GET", "/items", "")
	if ok {
		t.Fatalf("expected inactive mock to be excluded")
	}
}

func TestMatchMock_RegexPattern(t *testing.T) {
	e := NewEngine()
	mocks := []MockResponse{{ID: "a", Priority: 1, Active: true, Method: "GET", URLPattern: `/items/\d+`}}
	_, ok := e.MatchMock(mocks, "GET", "/items/42", "")
	if !ok {
		t.Fatalf("expected regex pattern to match")
	}
	_, ok = e.MatchMock(mocks, "GET", "/items/abc", "")
	if ok {
		t.Fatalf("expected regex pattern not to match non-numeric id")
	}
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
