package dispatcher

import "testing"

func TestDetectChallenge_CloudflareByServerHeader(t *testing.T) {
	headers := map[string]string{"Server": "cloudflare"}
	got := DetectChallenge(403, headers, "cf-browser-verification running", false)
	if got != ChallengeCloudflare {
		t.Fatalf("expected cloudflare challenge, got %s", got)
	}
}

func TestDetectChallenge_CloudflareByBodyMarker(t *testing.T) {
	got := DetectChallenge(503, nil, "Checking your browser before accessing example.com", false)
	if got != ChallengeCloudflare {
		t.Fatalf("expected cloudflare challenge via body marker, got %s", got)
	}
}

func TestDetectChallenge_AWSWAFByHeader(t *testing.T) {
	headers := map[string]string{"X-Amzn-Waf-Action": "CHALLENGE"}
	got := DetectChallenge(405, headers, "", false)
	if got != ChallengeAWSWAF {
		t.Fatalf("expected aws_waf challenge, got %s", got)
	}
}

func TestDetectChallenge_SucuriByHeaderPresenceAlone(t *testing.T) {
	headers := map[string]string{"X-Sucuri-Id": "12345"}
	got := DetectChallenge(403, headers, "", false)
	if got != ChallengeSucuri {
		t.Fatalf("expected sucuri challenge, got %s", got)
	}
}

func TestDetectChallenge_GenericHTMLOnJSONEndpoint(t *testing.T) {
	got := DetectChallenge(403, nil, "<!doctype html><html><body>blocked</body></html>", true)
	if got != ChallengeGeneric {
		t.Fatalf("expected generic html-on-json challenge, got %s", got)
	}
}

func TestDetectChallenge_HTMLOn200IsNotFlaggedGeneric(t *testing.T) {
	got := DetectChallenge(200, nil, "<!doctype html><html><body>fine</body></html>", true)
	if got != ChallengeNone {
		t.Fatalf("expected no challenge for a 200 html response, got %s", got)
	}
}

func TestDetectChallenge_NoSignatureReturnsNone(t *testing.T) {
	got := DetectChallenge(200, map[string]string{"content-type": "application/json"}, `{"ok":true}`, true)
	if got != ChallengeNone {
		t.Fatalf("expected no challenge, got %s", got)
	}
}

func TestLooksLikeHTML_DetectsLeadingWhitespace(t *testing.T) {
	if !looksLikeHTML("   <html><body>x</body></html>") {
		t.Fatalf("expected leading-whitespace html to be detected")
	}
}
