package integration

import (
	"net/http"
	"testing"
)

// TestCacheInvalidationModes exercises cachestore's invalidation modes
// beyond the single-key path already covered by the cache-flow test:
// url_prefix, key_prefix and tags all go through the same admin-gated
// handler and should each come back with a non-negative count.
func TestCacheInvalidationModes(t *testing.T) {
	requireService(t)

	t.Run("url_prefix", func(t *testing.T) {
		status, body := doJSON(t, http.MethodPost, "/cache/invalidate", map[string]any{
			"mode":   "url_prefix",
			"target": "https://httpbin.org/",
		})
		assertStatusIn(t, status, 200)

		var resp invalidateResponse
		mustUnmarshalJSON(t, body, &resp)
		if resp.Invalidated < 0 {
			t.Fatalf("expected non-negative invalidated count")
		}
	})

	t.Run("key_prefix", func(t *testing.T) {
		status, body := doJSON(t, http.MethodPost, "/cache/invalidate", map[string]any{
			"mode":   "key_prefix",
			"target": "nonexistent-prefix",
		})
		assertStatusIn(t, status, 200)

		var resp invalidateResponse
		mustUnmarshalJSON(t, body, &resp)
		if resp.Invalidated != 0 {
			t.Fatalf("expected zero matches for an unused prefix, got %d", resp.Invalidated)
		}
	})

	t.Run("tags", func(t *testing.T) {
		status, body := doJSON(t, http.MethodPost, "/cache/invalidate", map[string]any{
			"mode":           "tags",
			"tags":           []string{"nonexistent-tag"},
			"match_all_tags": false,
		})
		assertStatusIn(t, status, 200)

		var resp invalidateResponse
		mustUnmarshalJSON(t, body, &resp)
		if resp.Invalidated != 0 {
			t.Fatalf("expected zero matches for an unused tag, got %d", resp.Invalidated)
		}
	})

	t.Run("missing target (expected error)", func(t *testing.T) {
		status, _ := doJSON(t, http.MethodPost, "/cache/invalidate", map[string]any{
			"mode": "key",
		})
		assertStatusIn(t, status, 400, 500)
	})
}
