// Package policy implements the Policy Engine (§4.6): kill switch, TTL
// ceiling, compliance evaluation, and mock fallback matching.
//
// Design Philosophy:
// - Small interface plus concrete strategies plus an engine that dispatches
//   across them, the same shape as the teacher's EvictionPolicy /
//   PolicyEngine in cache-manager/policies.go, re-themed from LRU/TTL
//   eviction to compliance/TTL/mock decisions.
// - Evaluation order is fixed: region -> PII -> TOS. The first denial
//   short-circuits; callers still return the upstream body, only the store
//   step is skipped.
package policy

import (
	"regexp"
	"strings"
	"sync"
)

// Decision is the store-step of policy evaluation: does the response get
// cached, and if so at what effective TTL.
type Decision struct {
	Store             bool
	EffectiveTTL      int
	ComplianceBlocked bool
	ComplianceReason  string
}

// CachePolicy mirrors the (tenant, source) row from §3.
type CachePolicy struct {
	NoCache    bool
	MaxTTL     int // 0 means no ceiling
}

// Rule is the single interface every compliance check implements, mirroring
// the teacher's EvictionPolicy shape.
type Rule interface {
	Evaluate(req EvalInput) (blocked bool, reason string)
}

// EvalInput bundles everything a compliance rule needs to see.
type EvalInput struct {
	Region         string
	Method         string
	URL            string
	ResponseStatus int
	ContainsPII    bool
}

// RegionRule enforces allow/deny lists on the request's resolved region.
type RegionRule struct {
	Allow []string
	Deny  []string
}

func (r RegionRule) Evaluate(in EvalInput) (bool, string) {
	if in.Region == "" {
		return false, ""
	}
	for _, d := range r.Deny {
		if strings.EqualFold(d, in.Region) {
			return true, "region " + in.Region + " is denied"
		}
	}
	if len(r.Allow) > 0 {
		allowed := false
		for _, a := range r.Allow {
			if strings.EqualFold(a, in.Region) {
				allowed = true
				break
			}
		}
		if !allowed {
			return true, "region " + in.Region + " is not in the allow list"
		}
	}
	return false, ""
}

// PIIRule blocks caching of responses detected (upstream, out of band) to
// contain personally identifiable information.
type PIIRule struct {
	BlockCache bool
}

func (r PIIRule) Evaluate(in EvalInput) (bool, string) {
	if r.BlockCache && in.ContainsPII {
		return true, "response contains PII and PII caching is blocked"
	}
	return false, ""
}

// TOSRule blocks caching for a (URL pattern, method, status) combination.
type TOSRule struct {
	URLPattern *regexp.Regexp
	Method     string // empty matches any method
	Status     int    // 0 matches any status
}

func (r TOSRule) Evaluate(in EvalInput) (bool, string) {
	if r.Method != "" && !strings.EqualFold(r.Method, in.Method) {
		return false, ""
	}
	if r.Status != 0 && r.Status != in.ResponseStatus {
		return false, ""
	}
	if r.URLPattern != nil && !r.URLPattern.MatchString(in.URL) {
		return false, ""
	}
	return true, "terms-of-service rule matched " + in.URL
}

// ComplianceRuleSet is the ordered region -> PII -> TOS evaluation.
type ComplianceRuleSet struct {
	Region RegionRule
	PII    PIIRule
	TOS    []TOSRule
}

func (c ComplianceRuleSet) Evaluate(in EvalInput) (blocked bool, reason string) {
	if blocked, reason = c.Region.Evaluate(in); blocked {
		return true, reason
	}
	if blocked, reason = c.PII.Evaluate(in); blocked {
		return true, reason
	}
	for _, tos := range c.TOS {
		if blocked, reason = tos.Evaluate(in); blocked {
			return true, reason
		}
	}
	return false, ""
}

// Engine evaluates the full policy pipeline for a completed upstream
// response, mirroring the teacher's PolicyEngine wrapper around a single
// strategy — here wrapping kill switch, TTL ceiling and compliance instead
// of LRU/TTL eviction.
type Engine struct {
	regexCache sync.Map // pattern string -> *regexp.Regexp, per invalidation/patterns.go's technique
}

// NewEngine creates a policy engine.
func NewEngine() *Engine {
	return &Engine{}
}

// Evaluate runs the full pipeline: kill switch short-circuits to no-store
// immediately; otherwise no-cache skips the store; otherwise the TTL
// ceiling is applied and compliance is checked in region -> PII -> TOS
// order.
func (e *Engine) Evaluate(killSwitch bool, cp CachePolicy, requestedTTL int, compliance ComplianceRuleSet, in EvalInput) Decision {
	if killSwitch {
		return Decision{Store: false}
	}
	if cp.NoCache {
		return Decision{Store: false}
	}

	effective := EffectiveTTL(requestedTTL, cp.MaxTTL)

	if blocked, reason := compliance.Evaluate(in); blocked {
		return Decision{Store: false, ComplianceBlocked: true, ComplianceReason: reason}
	}

	return Decision{Store: true, EffectiveTTL: effective}
}

// EffectiveTTL implements §4.6 rule 2: effective = min(requested_ttl or
// default, max_ttl), with 0 treated as "infinity" for comparison purposes
// (0 becomes max_ttl when a ceiling is set).
func EffectiveTTL(requestedTTL, maxTTL int) int {
	if maxTTL <= 0 {
		return requestedTTL
	}
	if requestedTTL <= 0 {
		return maxTTL
	}
	if requestedTTL > maxTTL {
		return maxTTL
	}
	return requestedTTL
}

// compileCached compiles (and caches) a regex pattern, same technique as
// invalidation/patterns.go's PatternMatcher.
func (e *Engine) compileCached(pattern string) (*regexp.Regexp, error) {
	if v, ok := e.regexCache.Load(pattern); ok {
		return v.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	e.regexCache.Store(pattern, re)
	return re, nil
}
