// Package origin decides whether a browser Origin header may reach the
// service. The WebSocket upgrader and the HTTP API apply the same policy.
package origin

import (
	"net"
	"net/url"
	"strings"
)

// Allowed reports whether the given Origin header may access the service at
// requestHost.
//
// Requests without an Origin header (non-browser clients, same-origin
// navigations) are always allowed. With a non-empty allowlist, each entry must
// be "*" or match the origin exactly (scheme://host[:port], lowercased).
// With an empty allowlist the policy is same-host: the origin's host[:port]
// must equal the request's Host header. Scheme is deliberately not compared so
// the relay can sit behind a TLS-terminating proxy.
func Allowed(originHeader, requestHost string, allowlist []string) bool {
	originHeader = strings.TrimSpace(originHeader)
	if originHeader == "" {
		return true
	}

	normalized, host, ok := normalize(originHeader)
	if !ok {
		return false
	}

	if len(allowlist) > 0 {
		for _, allowed := range allowlist {
			if allowed == "*" || strings.EqualFold(allowed, normalized) {
				return true
			}
		}
		return false
	}

	return host != "" && strings.EqualFold(host, canonicalHost(requestHost))
}

// normalize parses an Origin header into scheme://host[:port] plus the
// host[:port] part. The special value "null" normalizes to itself with no
// host, so it can only pass via an explicit allowlist entry.
func normalize(originHeader string) (normalized, host string, ok bool) {
	if originHeader == "null" {
		return "null", "", true
	}

	u, err := url.Parse(originHeader)
	if err != nil || u.Host == "" || u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}

	host = canonicalHost(u.Host)
	if host == "" {
		return "", "", false
	}
	return scheme + "://" + host, host, true
}

// canonicalHost lowercases a host[:port] and strips default ports.
func canonicalHost(raw string) string {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" {
		return ""
	}
	host, port, err := net.SplitHostPort(raw)
	if err != nil {
		return raw
	}
	if port == "80" || port == "443" {
		return host
	}
	return net.JoinHostPort(host, port)
}
