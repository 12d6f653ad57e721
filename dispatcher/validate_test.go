package dispatcher

import "testing"

func TestValidateUpstreamURL_RejectsNonHTTPScheme(t *testing.T) {
	if err := ValidateUpstreamURL("ftp://example.com/file"); err == nil {
		t.Fatalf("expected non-http scheme to be rejected")
	}
}

func TestValidateUpstreamURL_RejectsLoopback(t *testing.T) {
	for _, u := range []string{"http://127.0.0.1/admin", "http://localhost/admin", "http://[::1]/admin"} {
		if err := ValidateUpstreamURL(u); err == nil {
			t.Fatalf("expected loopback url %s to be rejected", u)
		}
	}
}

func TestValidateUpstreamURL_RejectsPrivateIPv4(t *testing.T) {
	for _, u := range []string{"http://10.0.0.5/", "http://192.168.1.1/", "http://172.16.0.1/"} {
		if err := ValidateUpstreamURL(u); err == nil {
			t.Fatalf("expected private address %s to be rejected", u)
		}
	}
}

func TestValidateUpstreamURL_RejectsDangerousPort(t *testing.T) {
	if err := ValidateUpstreamURL("http://example.com:6379/"); err == nil {
		t.Fatalf("expected dangerous port to be rejected")
	}
}

func TestValidateUpstreamURL_AllowsStandardHTTPSPort(t *testing.T) {
	if err := ValidateUpstreamURL("https://api.example.com:443/v1/items"); err != nil {
		t.Fatalf("expected standard https port to be allowed, got %v", err)
	}
}

func TestValidateUpstreamURL_RejectsOverlongURL(t *testing.T) {
	long := "https://example.com/"
	for len(long) <= MaxURLLength {
		long += "a"
	}
	if err := ValidateUpstreamURL(long); err == nil {
		t.Fatalf("expected overlong url to be rejected")
	}
}

func TestValidateUpstreamURL_AllowsPublicHost(t *testing.T) {
	if err := ValidateUpstreamURL("https://api.example.com/v1/items?id=9"); err != nil {
		t.Fatalf("expected public host to be allowed, got %v", err)
	}
}

func TestNormalizeJoin_PreservesPath(t *testing.T) {
	got, err := NormalizeJoin("https://api.example.com/base", "/items/9")
	if err != nil {
		t.Fatalf("NormalizeJoin: %v", err)
	}
	if got != "https://api.example.com/items/9" {
		t.Fatalf("expected joined url, got %s", got)
	}
}
