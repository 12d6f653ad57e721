package dispatcher

import "strings"

// ChallengeProvider identifies which bot-protection vendor issued a
// challenge response, per §4.7 rule 7.
type ChallengeProvider string

const (
	ChallengeNone      ChallengeProvider = ""
	ChallengeCloudflare ChallengeProvider = "cloudflare"
	ChallengeAWSWAF    ChallengeProvider = "aws_waf"
	ChallengeAkamai    ChallengeProvider = "akamai"
	ChallengeImperva   ChallengeProvider = "imperva"
	ChallengeSucuri    ChallengeProvider = "sucuri"
	ChallengeGeneric   ChallengeProvider = "generic_html_on_json_endpoint"
)

type challengeSignature struct {
	provider   ChallengeProvider
	headerKey  string
	headerHas  string
	bodyMarker string
}

var signatures = []challengeSignature{
	{provider: ChallengeCloudflare, headerKey: "server", headerHas: "cloudflare", bodyMarker: "cf-browser-verification"},
	{provider: ChallengeCloudflare, bodyMarker: "Checking your browser before accessing"},
	{provider: ChallengeAWSWAF, headerKey: "x-amzn-waf-action", headerHas: "challenge"},
	{provider: ChallengeAkamai, bodyMarker: "_abck"},
	{provider: ChallengeImperva, headerKey: "x-iinfo", headerHas: ""},
	{provider: ChallengeImperva, bodyMarker: "Incapsula incident"},
	{provider: ChallengeSucuri, headerKey: "x-sucuri-id", headerHas: ""},
	{provider: ChallengeSucuri, bodyMarker: "Sucuri WebSite Firewall"},
}

// DetectChallenge inspects a response's headers and body for a known
// bot-protection signature. expectJSON signals that the endpoint normally
// returns JSON, so an HTML body is itself suspicious even without a vendor
// fingerprint (the "generic HTML on a JSON endpoint" case).
func DetectChallenge(status int, headers map[string]string, body string, expectJSON bool) ChallengeProvider {
	lowerHeaders := make(map[string]string, len(headers))
	for k, v := range headers {
		lowerHeaders[strings.ToLower(k)] = strings.ToLower(v)
	}
	lowerBody := strings.ToLower(body)

	for _, sig := range signatures {
		if sig.headerKey != "" {
			v, ok := lowerHeaders[sig.headerKey]
			if !ok {
				continue
			}
			if sig.headerHas != "" && !strings.Contains(v, sig.headerHas) {
				continue
			}
			return sig.provider
		}
		if sig.bodyMarker != "" && strings.Contains(lowerBody, strings.ToLower(sig.bodyMarker)) {
			return sig.provider
		}
	}

	if expectJSON && (status == 403 || status == 503) && looksLikeHTML(lowerBody) {
		return ChallengeGeneric
	}

	return ChallengeNone
}

func looksLikeHTML(body string) bool {
	trimmed := strings.TrimSpace(body)
	return strings.HasPrefix(trimmed, "<!doctype html") || strings.HasPrefix(trimmed, "<html")
}
