// Package proxy is the front door (§6): the raw `ANY /proxy/{source}/{path...}`
// endpoint and the programmatic `POST /data` API, both wrapping
// dispatcher.Dispatcher with the concrete collaborators assembled here.
//
// Design Philosophy:
// - The raw endpoint's request-id/timing/structured-log shape is grounded
//   on the teacher's pkg/middleware/logging.go RequestLogger, swapping its
//   stdlib log.Printf calls for encore.dev/rlog as SPEC_FULL.md's ambient
//   logging section requires, and its http.Flusher-wrapping responseWriter
//   for a much smaller status/bytes capture since rlog needs no manual
//   JSON marshaling.
// - Encore has no pack example of a raw catch-all endpoint; the
//   `//encore:api raw` directive and its plain
//   func(http.ResponseWriter, *http.Request) signature follow Encore's own
//   documented convention for routes that need full control over the
//   wire format, since the proxy must forward arbitrary upstream bodies
//   and headers verbatim rather than through a typed request/response
//   struct.
// - A process-wide golang.org/x/time/rate token bucket shields the proxy
//   from being overwhelmed before a request even reaches tenant-specific
//   rate limiting; it is deliberately generous (an operator dial, not a
//   per-tenant control) and rejects with 503 rather than the 429 used for
//   ratelimit's tenant-scoped decisions, so clients can tell the two apart.
package proxy

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"encore.dev/beta/auth"
	"encore.dev/rlog"

	"encore.app/breaker"
	"encore.app/cachestore"
	"encore.app/dispatcher"
	"encore.app/lineage"
	"encore.app/monitoring"
	"encore.app/policy"
	"encore.app/ratelimit"
	"encore.app/revalidate"
	"encore.app/sources"
	"encore.app/tenantauth"
)

//encore:service
type Service struct {
	dispatch *dispatcher.Dispatcher
	limiter  *ratelimit.Limiter
	revalid  *revalidate.Service
	ingress  *rate.Limiter
}

// ingressLimit/ingressBurst bound total proxy throughput independent of any
// tenant's own rate-limit rule, a coarse safety valve rather than a
// billing-relevant control.
const (
	ingressLimit = rate.Limit(5000)
	ingressBurst = 10000
)

func initService() (*Service, error) {
	d := &dispatcher.Dispatcher{
		Sources:    sources.Registry{},
		Cache:      cachestore.Store{},
		Breakers:   breaker.NewRegistry(),
		Policy:     policy.NewEngine(),
		PolicyData: policy.Lookup{},
		Lineage:    lineage.Recorder{},
		Upstream:   http.DefaultClient,
	}

	// revalidate.Service needs a Dispatcher to re-fetch through; d already
	// satisfies that interface via its Dispatch method regardless of
	// whether d.Revalidate itself is set yet, which breaks the otherwise
	// circular "dispatcher needs a revalidator, revalidator needs a
	// dispatcher" construction order.
	revalid := revalidate.NewService(d, cachestore.RevalidateStore{}, revalidate.DefaultConfig())
	d.Revalidate = revalid

	limiter := ratelimit.NewLimiter(ratelimit.SharedCounter())

	return &Service{
		dispatch: d,
		limiter:  limiter,
		revalid:  revalid,
		ingress:  rate.NewLimiter(ingressLimit, ingressBurst),
	}, nil
}

// hopByHopRequestHeaders are never forwarded to dispatcher.Request.Headers,
// mirroring dispatcher's own hopByHopHeaders set plus the two credential
// headers §6 calls out by name.
var hopByHopRequestHeaders = map[string]bool{
	"connection": true, "keep-alive": true, "proxy-authenticate": true,
	"proxy-authorization": true, "te": true, "trailers": true,
	"transfer-encoding": true, "upgrade": true, "host": true,
	"x-api-key": true, "authorization": true,
	"x-cache-refresh": true, "x-cache-ttl": true,
}

//encore:api raw auth method=* path=/proxy/:source/*path
func Proxy(w http.ResponseWriter, req *http.Request) {
	if svc == nil {
		http.Error(w, "proxy not initialized", http.StatusInternalServerError)
		return
	}
	svc.handleProxy(w, req)
}

func (s *Service) handleProxy(w http.ResponseWriter, req *http.Request) {
	start := time.Now()
	requestID := req.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	w.Header().Set("X-Request-ID", requestID)

	if !s.ingress.Allow() {
		writeJSONError(w, http.StatusServiceUnavailable, "overloaded", "proxy ingress capacity exceeded", requestID)
		return
	}

	data, _ := auth.Data().(*tenantauth.UserData)
	if data == nil {
		writeJSONError(w, http.StatusUnauthorized, "unauthenticated", "no authenticated principal", requestID)
		return
	}

	sourceName, upstreamPath := splitProxyPath(req.URL.Path)
	if sourceName == "" {
		writeJSONError(w, http.StatusNotFound, "not_found", "missing source name", requestID)
		return
	}

	rule, err := ratelimit.RuleFor(req.Context(), data.AppID, sourceName)
	if err != nil {
		rlog.Error("rate limit rule lookup failed, failing open", "err", err, "request_id", requestID)
	} else {
		identifier := ratelimit.Identifier(bearerKey(req), req.Header.Get("X-API-Key"), req.RemoteAddr)
		decision := s.limiter.Check(data.AppID, sourceName, identifier, rule, time.Now())
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.Itoa(decision.ResetSeconds))
		if !decision.Allowed {
			w.Header().Set("Retry-After", strconv.Itoa(decision.ResetSeconds))
			writeJSONError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", requestID)
			logProxyRequest(requestID, req, http.StatusTooManyRequests, 0, time.Since(start))
			publishCacheMetric(req.Context(), nil, nil, sourceName, start, true)
			return
		}
	}

	bodyBytes, err := io.ReadAll(req.Body)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_body", "failed to read request body", requestID)
		return
	}

	dreq := dispatcher.Request{
		TenantID:      data.AppID,
		Method:        req.Method,
		URL:           upstreamURLFor(upstreamPath, req.URL.RawQuery),
		Body:          string(bodyBytes),
		Headers:       forwardableHeaders(req.Header),
		CanonicalName: sourceName,
		ForceRefresh:  req.Header.Get("X-Cache-Refresh") == "true",
	}
	if ttl := req.Header.Get("X-Cache-TTL"); ttl != "" {
		if n, err := strconv.Atoi(ttl); err == nil {
			dreq.TTLOverride = &n
		}
	}

	dispatchStart := time.Now()
	resp, err := s.dispatch.Dispatch(req.Context(), dreq)
	status := writeDispatchResult(w, resp, err, requestID)
	logProxyRequest(requestID, req, status, len(bodyBytes), time.Since(start))
	publishCacheMetric(req.Context(), resp, err, sourceName, dispatchStart, false)
}

// publishCacheMetric feeds monitoring's dispatch metrics from the one place
// every proxied request passes through, regardless of which endpoint. It is
// also called from the early rate-limit-rejected return, which never reaches
// the dispatcher at all — rateLimited distinguishes that case from a nil
// resp/err pair that would otherwise look identical.
func publishCacheMetric(ctx context.Context, resp *dispatcher.Response, err error, sourceID string, start time.Time, rateLimited bool) {
	event := &monitoring.CacheMetricEvent{
		Operation:   "get",
		Latency:     float64(time.Since(start).Milliseconds()),
		Timestamp:   time.Now(),
		SourceID:    sourceID,
		RateLimited: rateLimited,
	}
	if err == nil && resp != nil {
		event.Hit = resp.Meta.CacheHit
		event.CostSaved = resp.Meta.CostSaved
		event.BreakerOpen = resp.Meta.BreakerOpen
		event.ComplianceBlocked = resp.Meta.ComplianceBlocked
	}
	if unreachable, ok := err.(dispatcher.ErrUpstreamUnreachable); ok {
		event.BreakerOpen = unreachable.BreakerTripped
	}
	if _, pubErr := monitoring.CacheMetricsTopic.Publish(ctx, event); pubErr != nil {
		rlog.Error("failed to publish cache metric", "err", pubErr, "source_id", sourceID)
	}
}

func writeDispatchResult(w http.ResponseWriter, resp *dispatcher.Response, err error, requestID string) int {
	if err != nil {
		return writeDispatchError(w, err, requestID)
	}

	for k, v := range resp.Headers {
		if hopByHopRequestHeaders[strings.ToLower(k)] {
			continue
		}
		w.Header().Set(k, v)
	}
	if resp.ContentType != "" {
		w.Header().Set("Content-Type", resp.ContentType)
	}

	cacheStatus := "MISS"
	if resp.Meta.CacheHit {
		cacheStatus = "HIT"
	}
	w.Header().Set("X-Cache", cacheStatus)
	w.Header().Set("X-Cache-Key", resp.Meta.CacheKey)
	w.Header().Set("X-Cache-Hits", strconv.FormatInt(resp.Meta.HitCount, 10))
	w.Header().Set("X-Source", resp.Meta.SourceName)
	if resp.Meta.ExpiresAt != nil {
		w.Header().Set("X-Cache-Expires", resp.Meta.ExpiresAt.UTC().Format(time.RFC3339))
	}

	w.WriteHeader(resp.Status)
	w.Write(resp.Body)
	return resp.Status
}

func writeDispatchError(w http.ResponseWriter, err error, requestID string) int {
	switch err.(type) {
	case dispatcher.ErrNoActiveSources:
		writeJSONError(w, http.StatusNotFound, "not_found", "unknown source", requestID)
		return http.StatusNotFound
	case dispatcher.ErrUpstreamUnreachable, dispatcher.ErrUpstreamChallenge:
		writeJSONError(w, http.StatusBadGateway, "bad_gateway", err.Error(), requestID)
		return http.StatusBadGateway
	default:
		rlog.Error("proxy dispatch failed", "err", err, "request_id", requestID)
		writeJSONError(w, http.StatusInternalServerError, "internal", "internal error", requestID)
		return http.StatusInternalServerError
	}
}

func writeJSONError(w http.ResponseWriter, status int, code, message, requestID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := `{"error":"` + code + `","message":"` + jsonEscape(message) + `","requestId":"` + requestID + `"}`
	w.Write([]byte(body))
}

func jsonEscape(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return r.Replace(s)
}

func logProxyRequest(requestID string, r *http.Request, status, bytes int, duration time.Duration) {
	fields := []interface{}{
		"request_id", requestID, "method", r.Method, "path", r.URL.Path,
		"status", status, "duration_ms", duration.Milliseconds(), "bytes", bytes,
	}
	switch {
	case status >= 500:
		rlog.Error("proxy request", fields...)
	case status >= 400:
		rlog.Warn("proxy request", fields...)
	default:
		rlog.Info("proxy request", fields...)
	}
}

func bearerKey(req *http.Request) string {
	const prefix = "Bearer "
	auth := req.Header.Get("Authorization")
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return ""
}

func forwardableHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		if hopByHopRequestHeaders[strings.ToLower(k)] {
			continue
		}
		out[k] = h.Get(k)
	}
	return out
}

// splitProxyPath extracts the :source path param and the remaining
// *path wildcard from /proxy/{source}/{path...}.
func splitProxyPath(path string) (source, rest string) {
	trimmed := strings.TrimPrefix(path, "/proxy/")
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) == 0 || parts[0] == "" {
		return "", ""
	}
	if len(parts) == 1 {
		return parts[0], ""
	}
	return parts[0], parts[1]
}

func upstreamURLFor(path, rawQuery string) string {
	url := "/" + path
	if rawQuery != "" {
		url += "?" + rawQuery
	}
	return url
}

var svc *Service

func init() {
	var err error
	svc, err = initService()
	if err != nil {
		panic("failed to initialize proxy service: " + err.Error())
	}
}
