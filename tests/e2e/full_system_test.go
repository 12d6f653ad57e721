package e2e

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"testing"
	"time"
)

func baseURL() string {
	if v := os.Getenv("BASE_URL"); v != "" {
		return v
	}
	if v := os.Getenv("APP_URL"); v != "" {
		return v
	}
	return "http://localhost:4000"
}

func authToken() string {
	if v := os.Getenv("AUTH_TOKEN"); v != "" {
		return v
	}
	return os.Getenv("API_TOKEN_ADMIN")
}

func requireService(t *testing.T) {
	t.Helper()

	if os.Getenv("RUN_INTEGRATION_TESTS") != "1" {
		t.Skip("set RUN_INTEGRATION_TESTS=1 to run live HTTP e2e tests")
	}

	client := &http.Client{Timeout: 10 * time.Second}
	req, _ := http.NewRequest(http.MethodGet, baseURL()+"/cache/entries", nil)
	if tok := authToken(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Skipf("service not reachable at %s: %v", baseURL(), err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode == 0 {
		t.Skipf("service not ready at %s/cache/entries", baseURL())
	}
}

func doJSON(t *testing.T, method, path string, body any) (int, []byte) {
	t.Helper()

	var reqBody []byte
	var err error
	if body != nil {
		reqBody, err = json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
	}

	req, err := http.NewRequest(method, baseURL()+path, bytesReader(reqBody))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok := authToken(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	return resp.StatusCode, data
}

func bytesReader(b []byte) *bytes.Reader {
	if len(b) == 0 {
		return bytes.NewReader(nil)
	}
	return bytes.NewReader(b)
}

type e2eCreateSourceResponse struct {
	Sources []struct {
		ID string `json:"id"`
	} `json:"sources"`
}

type e2eDataResponse struct {
	Data struct {
		Meta struct {
			CacheHit bool   `json:"cache_hit"`
			CacheKey string `json:"cache_key"`
		} `json:"meta"`
	} `json:"data"`
}

type e2eInvalidateResponse struct {
	Invalidated int64 `json:"invalidated"`
}

type e2eCostSavingsResponse struct {
	TotalSavedUSD float64 `json:"total_saved_usd"`
}

// TestFullSystemSmoke walks the full request lifecycle: register a
// source, proxy two identical requests through it (miss then hit),
// invalidate the resulting cache entry, and confirm the monitoring
// surface picked up both the traffic and the cost-saved accounting.
func TestFullSystemSmoke(t *testing.T) {
	requireService(t)

	status, body := doJSON(t, http.MethodPost, "/sources", map[string]any{
		"name":                     "e2e-httpbin",
		"base_urls":                []string{"https://httpbin.org"},
		"auth_mode":                "none",
		"priority":                 1,
		"timeout_ms":               5000,
		"retry_count":              1,
		"breaker_volume_threshold": 10,
		"storage_mode":             "dedicated",
		"fallback_mode":            "fail",
		"selection_mode":           "priority",
		"cost_per_request":         0.002,
	})
	if status != 200 {
		t.Fatalf("expected POST /sources 200, got %d", status)
	}
	var sourceResp e2eCreateSourceResponse
	if err := json.Unmarshal(body, &sourceResp); err != nil || len(sourceResp.Sources) != 1 {
		t.Fatalf("expected one source in response: err=%v body=%s", err, body)
	}

	status, body = doJSON(t, http.MethodPost, "/data", map[string]any{
		"method": "GET",
		"url":    "https://httpbin.org/get",
	})
	if status != 200 {
		t.Fatalf("expected POST /data 200 (miss), got %d", status)
	}
	var first e2eDataResponse
	if err := json.Unmarshal(body, &first); err != nil {
		t.Fatalf("unmarshal first /data response: %v", err)
	}

	status, body = doJSON(t, http.MethodPost, "/data", map[string]any{
		"method": "GET",
		"url":    "https://httpbin.org/get",
	})
	if status != 200 {
		t.Fatalf("expected POST /data 200 (hit), got %d", status)
	}
	var second e2eDataResponse
	if err := json.Unmarshal(body, &second); err != nil {
		t.Fatalf("unmarshal second /data response: %v", err)
	}
	if !second.Data.Meta.CacheHit {
		t.Fatalf("expected second /data call to be a cache hit")
	}

	status, body = doJSON(t, http.MethodPost, "/cache/invalidate", map[string]any{
		"mode":   "key",
		"target": second.Data.Meta.CacheKey,
	})
	if status != 200 {
		t.Fatalf("expected POST /cache/invalidate 200, got %d", status)
	}
	var invResp e2eInvalidateResponse
	if err := json.Unmarshal(body, &invResp); err != nil {
		t.Fatalf("unmarshal invalidate response: %v", err)
	}

	status, body = doJSON(t, http.MethodGet, "/monitoring/cost-savings", nil)
	if status != 200 {
		t.Fatalf("expected GET /monitoring/cost-savings 200, got %d", status)
	}
	var costResp e2eCostSavingsResponse
	if err := json.Unmarshal(body, &costResp); err != nil {
		t.Fatalf("unmarshal cost-savings response: %v", err)
	}
	if costResp.TotalSavedUSD < 0 {
		t.Fatalf("expected non-negative total_saved_usd")
	}
}
