package dispatcher

import (
	"errors"
	"fmt"
	"net"
	"net/url"
)

// MaxURLLength is the hard ceiling §4.7 rule 1 imposes.
const MaxURLLength = 2048

// dangerousPorts are well-known ports blocked unless the scheme is http(s)
// on its standard port — targeting internal services (SMTP, Redis, etc)
// through the proxy is the attack this guards against.
var dangerousPorts = map[string]bool{
	"22": true, "23": true, "25": true, "53": true, "110": true,
	"143": true, "445": true, "1433": true, "3306": true, "3389": true,
	"5432": true, "6379": true, "9200": true, "11211": true, "27017": true,
}

// ValidateUpstreamURL rejects non-http(s) schemes, loopback/private hosts,
// IPv6 ULA/link-local addresses, IPv4-mapped private addresses, and
// dangerous well-known ports (HTTP/HTTPS default ports are always exempt).
//
// raw must already be absolute (scheme + host) — the proxy front door's
// path-only requests are joined against a candidate's base URL first via
// NormalizeJoin, and it is that joined, absolute result which gets
// validated, never the bare path.
func ValidateUpstreamURL(raw string) error {
	if err := validateLength(raw); err != nil {
		return err
	}

	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("only http and https schemes are allowed")
	}

	host := u.Hostname()
	if host == "" {
		return errors.New("url has no host")
	}

	if err := checkPort(u); err != nil {
		return err
	}

	return checkHost(host)
}

func validateLength(raw string) error {
	if len(raw) > MaxURLLength {
		return fmt.Errorf("url exceeds maximum length of %d", MaxURLLength)
	}
	return nil
}

// IsAbsoluteURL reports whether raw carries its own scheme and host. The
// dispatcher uses this to tell the POST /data flow (already absolute) apart
// from the /proxy/{source}/{path} flow (a path-only URL that must be
// resolved against a candidate source's base URL before it means anything).
func IsAbsoluteURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && u.IsAbs()
}

func checkPort(u *url.URL) error {
	port := u.Port()
	if port == "" {
		return nil
	}
	if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
		return nil
	}
	if dangerousPorts[port] {
		return fmt.Errorf("destination port %s is not allowed", port)
	}
	return nil
}

func checkHost(host string) error {
	if host == "localhost" {
		return errors.New("loopback hosts are not allowed")
	}

	ip := net.ParseIP(host)
	if ip == nil {
		// Hostname, not a literal IP; DNS resolution happens at dial time and
		// is out of scope here, mirroring the spec's "reject literal private
		// addresses" framing rather than a DNS-rebinding-proof resolver.
		return nil
	}

	if ip.IsLoopback() || ip.IsUnspecified() {
		return errors.New("loopback or unspecified addresses are not allowed")
	}
	if ip.IsPrivate() {
		return errors.New("private addresses are not allowed")
	}
	if ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return errors.New("link-local addresses are not allowed")
	}
	if ip4 := ip.To4(); ip4 == nil {
		// IPv6: reject unique local addresses (fc00::/7) explicitly, since
		// net.IP.IsPrivate already covers this in modern Go, but the check
		// is kept explicit to document the requirement named in the spec.
		if ip[0]&0xfe == 0xfc {
			return errors.New("IPv6 unique local addresses are not allowed")
		}
	}

	return nil
}

// NormalizeJoin joins a source's base URL with a proxied path the way the
// front door reconstructs the upstream URL, preserving the base URL's query
// string precedence over path-only joins.
func NormalizeJoin(baseURL, path string) (string, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base url: %w", err)
	}
	rel, err := url.Parse(path)
	if err != nil {
		return "", fmt.Errorf("invalid path: %w", err)
	}
	joined := base.ResolveReference(rel)
	return joined.String(), nil
}
