package cachestore

import "testing"

func TestNullable_EmptyStringBecomesNil(t *testing.T) {
	if nullable("") != nil {
		t.Fatalf("expected nil for empty string")
	}
	if nullable("x") != "x" {
		t.Fatalf("expected non-empty string to pass through")
	}
}

func TestPQStringArray_NilBecomesEmptySlice(t *testing.T) {
	v := pqStringArray(nil)
	arr, ok := v.([]string)
	if !ok || arr == nil || len(arr) != 0 {
		t.Fatalf("expected empty non-nil slice, got %#v", v)
	}
}

func TestAllowedSortFields_RejectsArbitraryColumn(t *testing.T) {
	if allowedSortFields["response_body"] {
		t.Fatalf("response_body must not be an allowed sort field (no index, and it's a BYTEA payload column)")
	}
	if !allowedSortFields["hit_count"] {
		t.Fatalf("hit_count should be an allowed sort field")
	}
}

func TestMarshalUnmarshalHeaders_RoundTrip(t *testing.T) {
	headers := map[string]string{"content-type": "application/json"}
	data, err := marshalHeaders(headers)
	if err != nil {
		t.Fatalf("marshalHeaders: %v", err)
	}
	out := unmarshalHeaders(data)
	if out["content-type"] != "application/json" {
		t.Fatalf("expected round-tripped headers, got %v", out)
	}
}

func TestMarshalHeaders_EmptyMapIsNil(t *testing.T) {
	data, err := marshalHeaders(nil)
	if err != nil || data != nil {
		t.Fatalf("expected nil bytes for empty headers map")
	}
}
