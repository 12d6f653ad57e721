package integration

import (
	"net/http"
	"testing"
)

type createSourceResponse struct {
	Sources []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"sources"`
}

type ruleResponse struct {
	ID            string `json:"id"`
	MaxRequests   int    `json:"max_requests"`
	WindowSeconds int    `json:"window_seconds"`
	Enabled       bool   `json:"enabled"`
}

type cachePolicyResponse struct {
	MaxTTL  int  `json:"max_ttl_seconds"`
	NoCache bool `json:"no_cache"`
}

// TestManagementSurface walks the admin-gated write path a new tenant
// takes to stand up a source and tune it: register an upstream, cap its
// request rate, and set its cache policy.
func TestManagementSurface(t *testing.T) {
	requireService(t)

	var sourceID string

	t.Run("POST /sources", func(t *testing.T) {
		status, body := doJSON(t, http.MethodPost, "/sources", map[string]any{
			"name":                     "httpbin",
			"base_urls":                []string{"https://httpbin.org"},
			"auth_mode":                "none",
			"priority":                 1,
			"timeout_ms":               5000,
			"retry_count":              2,
			"breaker_volume_threshold": 10,
			"storage_mode":             "dedicated",
			"fallback_mode":            "fail",
			"selection_mode":           "priority",
		})
		assertStatusIn(t, status, 200)

		var resp createSourceResponse
		mustUnmarshalJSON(t, body, &resp)
		if len(resp.Sources) != 1 {
			t.Fatalf("expected exactly one source created, got %d", len(resp.Sources))
		}
		sourceID = resp.Sources[0].ID
		if sourceID == "" {
			t.Fatalf("expected source id to be set")
		}
	})

	t.Run("POST /rate-limit-rules", func(t *testing.T) {
		if sourceID == "" {
			t.Skip("no source created")
		}
		status, body := doJSON(t, http.MethodPost, "/rate-limit-rules", map[string]any{
			"source_id":      sourceID,
			"max_requests":   100,
			"window_seconds": 60,
			"enabled":        true,
		})
		assertStatusIn(t, status, 200)

		var resp ruleResponse
		mustUnmarshalJSON(t, body, &resp)
		if resp.MaxRequests != 100 {
			t.Fatalf("expected max_requests=100, got %d", resp.MaxRequests)
		}
	})

	t.Run("PUT /policies/:sourceID", func(t *testing.T) {
		if sourceID == "" {
			t.Skip("no source created")
		}
		status, body := doJSON(t, http.MethodPut, "/policies/"+sourceID, map[string]any{
			"max_ttl_seconds": 300,
			"no_cache":        false,
		})
		assertStatusIn(t, status, 200)

		var resp cachePolicyResponse
		mustUnmarshalJSON(t, body, &resp)
		if resp.MaxTTL != 300 {
			t.Fatalf("expected max_ttl_seconds=300, got %d", resp.MaxTTL)
		}
	})

	t.Run("POST /sources - demo cap exceeded (expected error)", func(t *testing.T) {
		status, _ := doJSON(t, http.MethodPost, "/sources", map[string]any{
			"name":      "over-cap",
			"base_urls": []string{"https://a.example", "https://b.example", "https://c.example"},
			"auth_mode": "none",
		})
		assertStatusIn(t, status, 403, 400)
	})
}
