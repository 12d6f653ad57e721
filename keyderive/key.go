// Package keyderive computes the canonical cache-key fingerprint for a
// proxied request.
//
// Design Notes:
//   - URL query parameters are sorted lexicographically so that parameter
//     order never affects the key.
//   - Bodies are re-serialized in canonical JSON form when they parse as
//     JSON, so that key-order differences in an equivalent JSON payload
//     hash identically.
//   - Vary-header selection is the intersection of the request's headers
//     with the source's configured vary-header list, lowercased.
//   - Source id only participates in the digest for dedicated sources;
//     shared sources must hash identically across every source in the pool.
//
// Complexity: O(h log h + q log q) where h = header count, q = query
// param count, dominated by the two sorts.
package keyderive

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/url"
	"sort"
	"strings"
)

// StorageMode mirrors the source's cache isolation mode.
type StorageMode string

const (
	StorageDedicated StorageMode = "dedicated"
	StorageShared    StorageMode = "shared"
)

// Input bundles everything that participates in key derivation.
type Input struct {
	Method      string
	URL         string
	Body        string
	Headers     map[string]string
	SourceID    string
	VaryHeaders []string
	Mode        StorageMode
}

// canonicalPayload is the structure that gets hashed. Field order here is
// fixed by struct declaration order, but json.Marshal on a struct with
// fixed field order is itself deterministic, which is what canonical
// derivation actually depends on (not map ordering).
type canonicalPayload struct {
	Method   string            `json:"method"`
	URL      string            `json:"url"`
	Body     interface{}       `json:"body"`
	Headers  map[string]string `json:"headers,omitempty"`
	SourceID string            `json:"source_id,omitempty"`
}

// Derive produces a stable 256-bit hex digest for the given input.
func Derive(in Input) string {
	payload := canonicalPayload{
		Method:  strings.ToUpper(in.Method),
		URL:     NormalizeURL(in.URL),
		Body:    normalizeBody(in.Body),
		Headers: selectVaryHeaders(in.Headers, in.VaryHeaders),
	}
	if in.Mode == StorageDedicated {
		payload.SourceID = in.SourceID
	}

	data, _ := json.Marshal(payload)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// NormalizeURL lowercases nothing in the URL itself, but sorts query
// parameters by name (stable for duplicate names) and collapses a trailing
// slash on any non-root path.
func NormalizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}

	if len(u.Path) > 1 && strings.HasSuffix(u.Path, "/") {
		u.Path = strings.TrimSuffix(u.Path, "/")
	}

	if u.RawQuery != "" {
		values := u.Query()
		names := make([]string, 0, len(values))
		for name := range values {
			names = append(names, name)
		}
		sort.Strings(names)

		var b strings.Builder
		for i, name := range names {
			vals := values[name]
			// url.Values preserves insertion order per key; keep it stable.
			for j, v := range vals {
				if i > 0 || j > 0 {
					b.WriteByte('&')
				}
				b.WriteString(url.QueryEscape(name))
				b.WriteByte('=')
				b.WriteString(url.QueryEscape(v))
			}
		}
		u.RawQuery = b.String()
	}

	return u.String()
}

// normalizeBody re-serializes JSON bodies in canonical form, falls back to
// the raw string for non-JSON bodies, and returns nil for an empty body.
func normalizeBody(body string) interface{} {
	if body == "" {
		return nil
	}

	var parsed interface{}
	if err := json.Unmarshal([]byte(body), &parsed); err == nil {
		return canonicalizeJSON(parsed)
	}
	return body
}

// canonicalizeJSON recursively sorts map keys so that two JSON objects
// differing only in key order serialize identically. json.Marshal already
// sorts map[string]interface{} keys, so this exists primarily to make that
// guarantee explicit and to recurse into nested arrays/objects uniformly.
func canonicalizeJSON(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, vv := range val {
			out[k] = canonicalizeJSON(vv)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, vv := range val {
			out[i] = canonicalizeJSON(vv)
		}
		return out
	default:
		return val
	}
}

// selectVaryHeaders returns the intersection of the provided headers with
// the vary-header allow-list, with lowercased keys. Returns nil (which
// json.Marshal omits via `omitempty`) when the intersection is empty.
func selectVaryHeaders(headers map[string]string, vary []string) map[string]string {
	if len(headers) == 0 || len(vary) == 0 {
		return nil
	}

	lower := make(map[string]string, len(headers))
	for k, v := range headers {
		lower[strings.ToLower(k)] = v
	}

	out := make(map[string]string)
	for _, name := range vary {
		key := strings.ToLower(name)
		if v, ok := lower[key]; ok {
			out[key] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// DefaultVaryHeaders is the default vary-header set applied to a source
// that hasn't configured its own.
func DefaultVaryHeaders() []string {
	return []string{"accept", "content-type", "x-api-version"}
}

// BodyFingerprint computes a nullable audit hash of the normalized body,
// independent of method/url/headers. Returns "" for an empty body.
func BodyFingerprint(body string) string {
	normalized := normalizeBody(body)
	if normalized == nil {
		return ""
	}
	data, _ := json.Marshal(normalized)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
