// Package dispatcher orchestrates the full request path (§4.7): validate,
// resolve candidate sources, evaluate the kill switch, derive the cache
// key, attempt a cache lookup, iterate upstream candidates through their
// breakers, detect bot challenges, apply policy, store, and respond.
//
// Design Philosophy:
// - Mirrors the teacher's cache-manager fetchWithFallback cascade: try the
//   fast path, fall through tiers on failure, populate back up on success.
//   Here the "tiers" are candidate sources instead of L1/L2/origin.
// - Concurrent MISSes on the same key are coalesced with
//   golang.org/x/sync/singleflight, replacing the teacher's hand-rolled
//   RequestCoalescer with the real library its own doc comments name.
package dispatcher

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"encore.app/breaker"
	"encore.app/cachestore"
	"encore.app/keyderive"
	"encore.app/policy"
	"encore.app/sources"
)

// SourceRegistry is the subset of sources.Service the dispatcher depends on.
type SourceRegistry interface {
	ListActive(ctx context.Context, tenantID string) ([]sources.Source, error)
	ResolveByName(ctx context.Context, tenantID, canonicalName string) ([]sources.Source, error)
	LoadWithAuth(ctx context.Context, sourceID string) (*sources.Source, error)
	NextRoundRobin(tenantID, canonicalName string) uint64
}

// CacheStore is the subset of cachestore.Service the dispatcher depends on.
type CacheStore interface {
	Get(ctx context.Context, tenantID, key, sourceID string, mode cachestore.StorageMode, poolID string) (*cachestore.Entry, bool, error)
	Put(ctx context.Context, e *cachestore.Entry) error
}

// BreakerRegistry is the subset of breaker.Registry the dispatcher depends on.
type BreakerRegistry interface {
	Get(sourceID string, params breaker.Params) *breaker.Breaker
}

// PolicyEvaluator is the subset of policy.Engine the dispatcher depends on.
type PolicyEvaluator interface {
	Evaluate(killSwitch bool, cp policy.CachePolicy, requestedTTL int, compliance policy.ComplianceRuleSet, in policy.EvalInput) policy.Decision
	MatchMock(mocks []policy.MockResponse, method, url, body string) (*policy.MockResponse, bool)
}

// PolicyLookup resolves the policy-side state (cache policy, compliance
// rules, mocks) that lives outside the dispatcher's own concern.
type PolicyLookup interface {
	CachePolicyFor(ctx context.Context, tenantID, sourceID string) (policy.CachePolicy, error)
	ComplianceFor(ctx context.Context, tenantID, sourceID string) (policy.ComplianceRuleSet, error)
	MocksFor(ctx context.Context, tenantID, sourceID string) ([]policy.MockResponse, error)
}

// LineageRecorder is the append-only event sink (§3 Lineage Event).
type LineageRecorder interface {
	Record(ctx context.Context, tenantID, entryID, eventType, sourceID, action string) error
}

// Revalidator enqueues a background stale-while-revalidate task (§4.8).
type Revalidator interface {
	Enqueue(tenantID, method, url string, entry *cachestore.Entry)
}

// Upstream performs the actual HTTP round trip, an indirection purely so
// tests can substitute a fake transport.
type Upstream interface {
	Do(req *http.Request) (*http.Response, error)
}

// Dispatcher wires every collaborator named above into the request path.
type Dispatcher struct {
	Sources     SourceRegistry
	Cache       CacheStore
	Breakers    BreakerRegistry
	Policy      PolicyEvaluator
	PolicyData  PolicyLookup
	Lineage     LineageRecorder
	Revalidate  Revalidator
	Upstream    Upstream
	Development bool

	group singleflight.Group
}

// Request is the dispatcher's input, §4.7's "Input" list.
type Request struct {
	TenantID     string
	Method       string
	URL          string
	Body         string
	Headers      map[string]string
	ForceRefresh bool
	TTLOverride  *int
	CanonicalName string
}

// Meta is the cache metadata returned alongside the response body, per §6.
type Meta struct {
	CacheHit          bool
	Stale             bool
	CacheKey          string
	SourceID          string
	SourceName        string
	HitCount          int64
	ExpiresAt         *time.Time
	Mock              bool
	ComplianceBlocked bool
	CostSaved         float64
	BreakerOpen       bool
}

// Response is the dispatcher's output.
type Response struct {
	Status      int
	Headers     map[string]string
	Body        []byte
	ContentType string
	Meta        Meta
}

// ErrNoActiveSources is returned verbatim to callers, mapped to a 404 by
// the proxy layer.
type ErrNoActiveSources struct{ TenantID string }

func (e ErrNoActiveSources) Error() string { return "no active sources for tenant " + e.TenantID }

// ErrUpstreamUnreachable is returned after candidate exhaustion, mapped to
// a 502 by the proxy layer.
type ErrUpstreamUnreachable struct {
	LastErr       error
	Dev           bool
	BreakerTripped bool
}

func (e ErrUpstreamUnreachable) Error() string {
	if e.Dev && e.LastErr != nil {
		return "upstream unreachable: " + e.LastErr.Error()
	}
	return "upstream unreachable"
}

func (e ErrUpstreamUnreachable) Unwrap() error { return e.LastErr }

// ErrUpstreamChallenge is returned when a provider challenge could not be
// bypassed, mapped to a 502 by the proxy layer.
type ErrUpstreamChallenge struct {
	Provider      ChallengeProvider
	BypassEnabled bool
}

func (e ErrUpstreamChallenge) Error() string {
	return fmt.Sprintf("upstream challenge from %s (bypass_bot_detection=%v)", e.Provider, e.BypassEnabled)
}

// Dispatch runs the full request path.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*Response, error) {
	if err := validateLength(req.URL); err != nil {
		return nil, fmt.Errorf("validation: %w", err)
	}
	// req.URL is absolute for the POST /data flow (validate it up front, the
	// way it has always been validated) but path-only for the
	// /proxy/{source}/{path} flow — that one can only be validated once it
	// is joined against a candidate's base URL, per-candidate, inside
	// fetchAndStore.
	if IsAbsoluteURL(req.URL) {
		if err := ValidateUpstreamURL(req.URL); err != nil {
			return nil, fmt.Errorf("validation: %w", err)
		}
	}

	candidates, err := d.resolveCandidates(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, ErrNoActiveSources{TenantID: req.TenantID}
	}

	candidates = d.selectCandidates(req, candidates)
	candidates = reorderByHostMatch(candidates, req.URL)
	primary := candidates[0]

	bypass := primary.KillSwitch
	vary := primary.VaryHeaders
	if len(vary) == 0 {
		vary = keyderive.DefaultVaryHeaders()
	}

	key := keyderive.Derive(keyderive.Input{
		Method: req.Method, URL: req.URL, Body: req.Body, Headers: req.Headers,
		SourceID: primary.ID, VaryHeaders: vary, Mode: keyderive.StorageMode(primary.StorageMode),
	})

	if !req.ForceRefresh && !bypass {
		if resp, hit, err := d.lookupCache(ctx, req, primary, key); err != nil {
			return nil, err
		} else if hit {
			return resp, nil
		}
	}

	v, err, _ := d.group.Do(req.TenantID+":"+key, func() (interface{}, error) {
		return d.fetchAndStore(ctx, req, candidates, key)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Response), nil
}

func (d *Dispatcher) resolveCandidates(ctx context.Context, req Request) ([]sources.Source, error) {
	if req.CanonicalName != "" {
		return d.Sources.ResolveByName(ctx, req.TenantID, req.CanonicalName)
	}
	return d.Sources.ListActive(ctx, req.TenantID)
}

// selectCandidates applies §4.2 selection rule 4: round-robin and failover
// are mutually exclusive. When the group's selection mode is round_robin,
// this narrows candidates down to exactly one rotated pick and the rest of
// the dispatch path never sees a sibling to fail over to; any other mode
// leaves the full priority-ordered candidate list untouched for
// fetchAndStore's own failover loop.
func (d *Dispatcher) selectCandidates(req Request, candidates []sources.Source) []sources.Source {
	if len(candidates) <= 1 || candidates[0].SelectionMode != "round_robin" {
		return candidates
	}
	idx := d.Sources.NextRoundRobin(req.TenantID, candidates[0].CanonicalName)
	return []sources.Source{candidates[idx%uint64(len(candidates))]}
}

// reorderByHostMatch prefers a candidate whose base URL host matches the
// request URL's host, per §4.2 selection rule 1.
func reorderByHostMatch(candidates []sources.Source, requestURL string) []sources.Source {
	reqHost := hostOf(requestURL)
	if reqHost == "" {
		return candidates
	}
	for i, c := range candidates {
		if i == 0 {
			continue
		}
		if hostOf(c.BaseURL) == reqHost {
			reordered := append([]sources.Source{c}, append(append([]sources.Source{}, candidates[:i]...), candidates[i+1:]...)...)
			return reordered
		}
	}
	return candidates
}

func hostOf(raw string) string {
	idx := strings.Index(raw, "://")
	if idx < 0 {
		return ""
	}
	rest := raw[idx+3:]
	if slash := strings.Index(rest, "/"); slash >= 0 {
		rest = rest[:slash]
	}
	return rest
}

func (d *Dispatcher) lookupCache(ctx context.Context, req Request, primary sources.Source, key string) (*Response, bool, error) {
	poolID := ""
	if cachestore.StorageMode(primary.StorageMode) == cachestore.Shared && primary.PoolID != nil {
		poolID = *primary.PoolID
	}

	entry, hit, err := d.Cache.Get(ctx, req.TenantID, key, primary.ID, cachestore.StorageMode(primary.StorageMode), poolID)
	if err != nil {
		return nil, false, fmt.Errorf("cache lookup: %w", err)
	}
	if !hit {
		return nil, false, nil
	}

	if entry.Stale && d.Revalidate != nil && revalidationDue(entry.RevalidateAt) {
		d.Revalidate.Enqueue(req.TenantID, req.Method, req.URL, entry)
	}

	d.recordLineage(ctx, req.TenantID, entry.ID, "accessed", primary.ID, "cache_hit")

	var costSaved float64
	if primary.CostPerRequest != nil {
		costSaved = *primary.CostPerRequest
	}

	return &Response{
		Status: entry.ResponseStatus, Headers: entry.ResponseHeaders, Body: entry.ResponseBody,
		ContentType: entry.ContentType,
		Meta: Meta{
			CacheHit: true, Stale: entry.Stale, CacheKey: key, SourceID: primary.ID,
			SourceName: primary.Name, HitCount: entry.HitCount, ExpiresAt: entry.ExpiresAt,
			CostSaved: costSaved,
		},
	}, true, nil
}

// revalidationCooldown is the §4.8 "last revalidation attempt was >1 hour
// ago" gate: a stale entry with no attempt recorded yet, or one attempted
// longer than an hour back, is eligible for another background refresh.
const revalidationCooldown = time.Hour

func revalidationDue(lastAttempt *time.Time) bool {
	return lastAttempt == nil || time.Since(*lastAttempt) > revalidationCooldown
}

func (d *Dispatcher) fetchAndStore(ctx context.Context, req Request, candidates []sources.Source, key string) (*Response, error) {
	var lastErr error
	var breakerTripped bool

	for _, candidate := range candidates {
		loaded, err := d.Sources.LoadWithAuth(ctx, candidate.ID)
		if err != nil {
			lastErr = err
			continue
		}

		b := d.Breakers.Get(loaded.ID, breaker.Params{
			Timeout:         time.Duration(loaded.TimeoutMS) * time.Millisecond,
			VolumeThreshold: loaded.BreakerVolume,
			ResetTimeout:    breaker.DefaultResetTimeout,
		})
		if !b.Allow() {
			breakerTripped = true
			lastErr = fmt.Errorf("breaker open for source %s", loaded.Name)
			continue
		}

		upstreamURL, err := NormalizeJoin(loaded.BaseURL, req.URL)
		if err != nil {
			lastErr = err
			b.RecordFailure(0)
			continue
		}
		if err := ValidateUpstreamURL(upstreamURL); err != nil {
			lastErr = fmt.Errorf("source %s: %w", loaded.Name, err)
			b.RecordFailure(0)
			continue
		}

		start := time.Now()
		resp, challenged, err := d.doUpstream(ctx, req, loaded, upstreamURL, false)
		latency := time.Since(start)

		if err != nil {
			b.RecordFailure(latency)
			lastErr = err
			continue
		}

		if challenged != ChallengeNone {
			if loaded.BypassBotDetection {
				resp, challenged, err = d.doUpstream(ctx, req, loaded, upstreamURL, true)
				if err != nil {
					b.RecordFailure(latency)
					lastErr = err
					continue
				}
			}
			if challenged != ChallengeNone {
				b.RecordFailure(latency)
				return nil, ErrUpstreamChallenge{Provider: challenged, BypassEnabled: loaded.BypassBotDetection}
			}
		}

		if resp.Status == 404 {
			// A 404 is failover-eligible from any candidate, including the
			// last one: falling through here would cache and return it as
			// though it were a normal response instead of letting candidate
			// exhaustion fall through to mock fallback / ErrUpstreamUnreachable.
			b.RecordSuccess(latency)
			lastErr = fmt.Errorf("source %s returned 404", loaded.Name)
			continue
		}

		b.RecordSuccess(latency)

		result, err := d.applyPolicyAndStore(ctx, req, loaded, key, resp)
		if err != nil {
			return nil, err
		}
		result.Meta.BreakerOpen = breakerTripped
		return result, nil
	}

	mockResp, ok := d.tryMockFallback(ctx, req, candidates)
	if ok {
		mockResp.Meta.BreakerOpen = breakerTripped
		return mockResp, nil
	}

	return nil, ErrUpstreamUnreachable{LastErr: lastErr, Dev: d.Development, BreakerTripped: breakerTripped}
}

func (d *Dispatcher) tryMockFallback(ctx context.Context, req Request, candidates []sources.Source) (*Response, bool) {
	if len(candidates) == 0 || d.PolicyData == nil {
		return nil, false
	}
	primary := candidates[0]
	if primary.FallbackMode != "mock" {
		return nil, false
	}
	mocks, err := d.PolicyData.MocksFor(ctx, req.TenantID, primary.ID)
	if err != nil || len(mocks) == 0 {
		return nil, false
	}
	m, found := d.Policy.MatchMock(mocks, req.Method, req.URL, req.Body)
	if !found {
		return nil, false
	}
	return &Response{
		Status: m.Status, Headers: m.Headers, Body: m.Body,
		Meta: Meta{Mock: true, SourceID: primary.ID, SourceName: primary.Name},
	}, true
}

func (d *Dispatcher) doUpstream(ctx context.Context, req Request, src *sources.Source, upstreamURL string, browserHeaders bool) (*Response, ChallengeProvider, error) {
	timeout := time.Duration(src.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, req.Method, upstreamURL, bodyReader(req.Body))
	if err != nil {
		return nil, ChallengeNone, fmt.Errorf("constructing upstream request: %w", err)
	}

	applyHeaders(httpReq, req.Headers, src, browserHeaders)

	httpResp, err := d.Upstream.Do(httpReq)
	if err != nil {
		return nil, ChallengeNone, fmt.Errorf("upstream request failed: %w", err)
	}
	defer httpResp.Body.Close()

	rawBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, ChallengeNone, fmt.Errorf("reading upstream body: %w", err)
	}

	headers := flattenHeaders(httpResp.Header)
	expectJSON := strings.Contains(req.Headers["accept"], "json") || strings.Contains(req.Headers["Accept"], "json")
	challenge := DetectChallenge(httpResp.StatusCode, headers, string(rawBody), expectJSON)

	return &Response{
		Status: httpResp.StatusCode, Headers: headers, Body: rawBody,
		ContentType: httpResp.Header.Get("Content-Type"),
	}, challenge, nil
}

func (d *Dispatcher) applyPolicyAndStore(ctx context.Context, req Request, src *sources.Source, key string, resp *Response) (*Response, error) {
	cp, err := d.PolicyData.CachePolicyFor(ctx, req.TenantID, src.ID)
	if err != nil {
		return nil, fmt.Errorf("loading cache policy: %w", err)
	}
	compliance, err := d.PolicyData.ComplianceFor(ctx, req.TenantID, src.ID)
	if err != nil {
		return nil, fmt.Errorf("loading compliance rules: %w", err)
	}

	requestedTTL := 0
	if req.TTLOverride != nil {
		requestedTTL = *req.TTLOverride
	}

	decision := d.Policy.Evaluate(src.KillSwitch, cp, requestedTTL, compliance, policy.EvalInput{
		Method: req.Method, URL: req.URL, ResponseStatus: resp.Status,
	})

	resp.Meta.CacheKey = key
	resp.Meta.SourceID = src.ID
	resp.Meta.SourceName = src.Name
	resp.Meta.ComplianceBlocked = decision.ComplianceBlocked

	if !decision.Store {
		return resp, nil
	}

	mode := cachestore.StorageMode(src.StorageMode)
	poolID := ""
	if mode == cachestore.Shared && src.PoolID != nil {
		poolID = *src.PoolID
	}

	entry := &cachestore.Entry{
		TenantID: req.TenantID, SourceID: src.ID, Key: key,
		RequestMethod: req.Method, RequestURL: req.URL,
		BodyFingerprint: keyderive.BodyFingerprint(req.Body),
		ResponseStatus:  resp.Status, ResponseHeaders: resp.Headers, ResponseBody: resp.Body,
		ContentType: resp.ContentType, TTLSeconds: decision.EffectiveTTL,
		Mode: mode,
	}
	if poolID != "" {
		entry.PoolID = &poolID
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.Cache.Put(gctx, entry) })
	g.Go(func() error { d.recordLineage(gctx, req.TenantID, entry.ID, "created", src.ID, "cache_miss_store"); return nil })
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("storing cache entry: %w", err)
	}

	resp.Meta.HitCount = 0
	return resp, nil
}

func (d *Dispatcher) recordLineage(ctx context.Context, tenantID, entryID, eventType, sourceID, action string) {
	if d.Lineage == nil {
		return
	}
	_ = d.Lineage.Record(ctx, tenantID, entryID, eventType, sourceID, action)
}

func bodyReader(body string) io.Reader {
	if body == "" {
		return nil
	}
	return bytes.NewBufferString(body)
}

// hopByHopHeaders are stripped from both the forwarded request and the
// stored/returned response headers.
var hopByHopHeaders = map[string]bool{
	"connection": true, "keep-alive": true, "proxy-authenticate": true,
	"proxy-authorization": true, "te": true, "trailers": true,
	"transfer-encoding": true, "upgrade": true, "x-api-key": true, "authorization": true,
}

func applyHeaders(httpReq *http.Request, tenantHeaders map[string]string, src *sources.Source, browserHeaders bool) {
	for k, v := range tenantHeaders {
		if hopByHopHeaders[strings.ToLower(k)] {
			continue
		}
		httpReq.Header.Set(k, v)
	}
	for k, v := range src.CustomHeadersPlaintext {
		httpReq.Header.Set(k, v)
	}
	applyAuthHeader(httpReq, src)

	if browserHeaders {
		httpReq.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36")
		httpReq.Header.Set("Accept-Language", "en-US,en;q=0.9")
	}
}

func applyAuthHeader(httpReq *http.Request, src *sources.Source) {
	switch src.AuthMode {
	case "bearer":
		httpReq.Header.Set("Authorization", "Bearer "+src.AuthPlaintext)
	case "api_key":
		httpReq.Header.Set("X-API-Key", src.AuthPlaintext)
	case "basic":
		httpReq.Header.Set("Authorization", "Basic "+src.AuthPlaintext)
	}
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[strings.ToLower(k)] = h.Get(k)
	}
	return out
}
