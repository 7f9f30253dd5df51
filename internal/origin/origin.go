package origin

import (
	"net/url"
	"strconv"
	"strings"
)

// Gate decides whether a browser request may reach protocol handlers based on
// its Origin header.
//
// A request is admitted when the Origin header is absent, exactly matches a
// configured allow-list entry, matches the request Host under either scheme
// (the hub typically sits behind a TLS-terminating reverse proxy and sees
// http while the browser Origin says https), or is a localhost variant used
// during development.
type Gate struct {
	allowed map[string]struct{}
}

// NewGate builds a gate from the configured allow-list entries. Entries are
// normalized; malformed entries are ignored.
func NewGate(allowedOrigins []string) *Gate {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, raw := range allowedOrigins {
		if normalized, _, ok := normalizeOrigin(raw); ok {
			allowed[normalized] = struct{}{}
		}
	}
	return &Gate{allowed: allowed}
}

// Allow reports whether a request with the given Origin header and request
// Host may proceed.
func (g *Gate) Allow(originHeader, requestHost string) bool {
	trimmed := strings.TrimSpace(originHeader)
	if trimmed == "" {
		return true
	}

	normalized, originHost, ok := normalizeOrigin(trimmed)
	if !ok {
		return false
	}

	if _, ok := g.allowed[normalized]; ok {
		return true
	}

	if isLocalhost(originHost) {
		return true
	}

	// Same host under either scheme.
	for _, scheme := range []string{"http", "https"} {
		if host, ok := normalizeHost(requestHost, scheme); ok {
			if strings.HasPrefix(normalized, scheme+"://") && originHost == host {
				return true
			}
		}
	}

	return false
}

func isLocalhost(host string) bool {
	hostname := host
	if i := strings.LastIndexByte(host, ':'); i >= 0 && !strings.HasPrefix(host, "[") {
		hostname = host[:i]
	}
	if strings.HasPrefix(host, "[") {
		if end := strings.IndexByte(host, ']'); end > 0 {
			hostname = host[1:end]
		}
	}
	switch hostname {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

// normalizeOrigin validates and normalizes an Origin header value to
// scheme://host[:port], folding default ports. It also returns the host[:port]
// portion for same-host comparisons.
func normalizeOrigin(raw string) (normalized string, host string, ok bool) {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", "", false
	}
	if u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}

	host, ok = normalizeHost(u.Host, scheme)
	if !ok {
		return "", "", false
	}
	return scheme + "://" + host, host, true
}

// normalizeHost lowercases a host[:port] authority and folds the scheme's
// default port.
func normalizeHost(rawHost, scheme string) (string, bool) {
	trimmed := strings.ToLower(strings.TrimSpace(rawHost))
	if trimmed == "" {
		return "", false
	}

	hostname, rawPort, ok := splitHostPort(trimmed)
	if !ok || hostname == "" {
		return "", false
	}

	var port uint64
	if rawPort != "" {
		n, err := strconv.ParseUint(rawPort, 10, 16)
		if err != nil || n == 0 {
			return "", false
		}
		port = n
	}
	if (scheme == "http" && port == 80) || (scheme == "https" && port == 443) {
		port = 0
	}

	host := hostname
	if strings.Contains(hostname, ":") {
		host = "[" + hostname + "]"
	}
	if port != 0 {
		host = host + ":" + strconv.FormatUint(port, 10)
	}
	return host, true
}

// splitHostPort splits an authority host[:port] string. The hostname is
// returned without brackets for IPv6 literals.
func splitHostPort(rawHost string) (hostname, port string, ok bool) {
	if rawHost == "" {
		return "", "", false
	}

	if strings.HasPrefix(rawHost, "[") {
		end := strings.IndexByte(rawHost, ']')
		if end < 0 {
			return "", "", false
		}
		hostname = rawHost[1:end]
		rest := rawHost[end+1:]
		if rest == "" {
			return hostname, "", true
		}
		if !strings.HasPrefix(rest, ":") || rest == ":" {
			return "", "", false
		}
		return hostname, rest[1:], true
	}

	switch strings.Count(rawHost, ":") {
	case 0:
		return rawHost, "", true
	case 1:
		parts := strings.SplitN(rawHost, ":", 2)
		if parts[0] == "" || parts[1] == "" {
			return "", "", false
		}
		return parts[0], parts[1], true
	default:
		// Unbracketed IPv6 literals are not valid in the authority component.
		return "", "", false
	}
}
