// Package origin validates browser Origin headers against the relay's
// allow-list.
package origin

import (
	"net/url"
	"strconv"
	"strings"
)

// Wildcard in an allow-list admits every origin.
const Wildcard = "*"

// Normalize validates a browser Origin header and returns it as
// scheme://host[:port] together with the host[:port] part used for same-host
// comparisons. Default ports are dropped. The opaque origin "null" is
// returned as-is with an empty host.
func Normalize(header string) (normalized string, host string, ok bool) {
	trimmed := strings.TrimSpace(header)
	if trimmed == "" {
		return "", "", false
	}
	if trimmed == "null" {
		return "null", "", true
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", "", false
	}
	if u.User != nil || u.RawQuery != "" || u.Fragment != "" || u.ForceQuery {
		return "", "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}
	host, ok = authority(u.Host, scheme)
	if !ok {
		return "", "", false
	}
	return scheme + "://" + host, host, true
}

// Policy decides which browser origins may reach the relay.
type Policy struct {
	// Allowed holds normalized origins (see Normalize) or Wildcard.
	Allowed []string
	// AnyWhenUnset admits every origin while Allowed is empty. Otherwise an
	// empty list means same-host only.
	AnyWhenUnset bool
}

// Check reports whether a request carrying the given Origin header may
// proceed, and returns the normalized origin to echo in CORS headers. A
// missing header is allowed; it comes from non-browser clients.
func (p Policy) Check(header, requestHost string) (string, bool) {
	if strings.TrimSpace(header) == "" {
		return "", true
	}
	normalized, host, ok := Normalize(header)
	if !ok {
		return "", false
	}
	return normalized, p.allows(normalized, host, requestHost)
}

func (p Policy) allows(normalized, originHost, requestHost string) bool {
	if len(p.Allowed) > 0 {
		for _, allowed := range p.Allowed {
			if allowed == Wildcard || allowed == normalized {
				return true
			}
		}
		return false
	}
	if p.AnyWhenUnset {
		return true
	}

	// Same host:port. The scheme is not compared because a TLS-terminating
	// proxy may forward https traffic as plain http.
	scheme, _, found := strings.Cut(normalized, "://")
	if !found {
		return false
	}
	reqHost, ok := authority(strings.TrimSpace(requestHost), scheme)
	return ok && reqHost == originHost
}

// IsWildcard reports whether the allow-list admits every origin.
func (p Policy) IsWildcard() bool {
	for _, allowed := range p.Allowed {
		if allowed == Wildcard {
			return true
		}
	}
	return len(p.Allowed) == 0 && p.AnyWhenUnset
}

// authority lowercases host[:port], validates the port and drops it when it
// is the scheme's default. IPv6 literals come back bracketed.
func authority(raw, scheme string) (string, bool) {
	hostname, rawPort, ok := splitHostPort(raw)
	if !ok {
		return "", false
	}
	hostname = strings.ToLower(hostname)
	if hostname == "" || strings.ContainsAny(hostname, "%/ ") {
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

	if strings.Contains(hostname, ":") {
		hostname = "[" + hostname + "]"
	}
	if port == 0 {
		return hostname, true
	}
	return hostname + ":" + strconv.FormatUint(port, 10), true
}

// splitHostPort splits host[:port]. IPv6 hostnames are returned without
// brackets; unbracketed IPv6 is rejected.
func splitHostPort(raw string) (hostname, port string, ok bool) {
	if raw == "" {
		return "", "", false
	}

	if rest, bracketed := strings.CutPrefix(raw, "["); bracketed {
		hostname, rest, found := strings.Cut(rest, "]")
		if !found {
			return "", "", false
		}
		if rest == "" {
			return hostname, "", true
		}
		port, hasPort := strings.CutPrefix(rest, ":")
		if !hasPort || port == "" {
			return "", "", false
		}
		return hostname, port, true
	}

	hostname, port, found := strings.Cut(raw, ":")
	if !found {
		return raw, "", true
	}
	if hostname == "" || port == "" || strings.Contains(port, ":") {
		return "", "", false
	}
	return hostname, port, true
}
