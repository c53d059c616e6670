package origin

import (
	"net/url"
	"strings"
	"testing"
)

func FuzzNormalize(f *testing.F) {
	f.Add("HTTPS://Example.COM:443")
	f.Add("http://010.0.0.1")
	f.Add("http://[::FFFF:192.0.2.1]")
	f.Add("null")
	f.Add("")
	f.Add("ftp://example.com")
	f.Add("https://example.com/path")
	f.Add("https://example.com,https://evil.example.com")

	f.Fuzz(func(t *testing.T, header string) {
		normalized, host, ok := Normalize(header)
		if !ok {
			return
		}
		if strings.ContainsAny(normalized, " \t\r\n?#") {
			t.Fatalf("normalized origin %q contains whitespace or delimiters", normalized)
		}
		if normalized == "null" {
			if host != "" {
				t.Fatalf("null origin has host %q", host)
			}
			return
		}

		_, rest, found := strings.Cut(normalized, "://")
		if !found || rest != host {
			t.Fatalf("normalized=%q host=%q, want host to be the authority", normalized, host)
		}
		u, err := url.Parse(normalized)
		if err != nil || u.Host != host || u.Path != "" {
			t.Fatalf("url.Parse(%q)=%#v,%v", normalized, u, err)
		}

		n2, h2, ok := Normalize(normalized)
		if !ok || n2 != normalized || h2 != host {
			t.Fatalf("Normalize not idempotent: %q -> %q,%q,%v", normalized, n2, h2, ok)
		}
	})
}

func FuzzPolicyCheck(f *testing.F) {
	f.Add("https://app.example.com", "app.example.com:443")
	f.Add("http://[::FFFF:192.0.2.1]", "[::FFFF:192.0.2.1]")
	f.Add("null", "app.example.com")

	f.Fuzz(func(t *testing.T, header, requestHost string) {
		normalized, host, ok := Normalize(header)
		if !ok {
			// Must not panic on garbage.
			_, _ = Policy{}.Check(header, requestHost)
			return
		}
		if _, allowed := (Policy{Allowed: []string{Wildcard}}).Check(header, requestHost); !allowed {
			t.Fatalf("wildcard rejected %q", normalized)
		}
		if _, allowed := (Policy{Allowed: []string{normalized}}).Check(header, requestHost); !allowed {
			t.Fatalf("exact allow-list entry rejected %q", normalized)
		}
		if normalized != "null" {
			if _, allowed := (Policy{}).Check(header, host); !allowed {
				t.Fatalf("origin %q rejected against its own host %q", normalized, host)
			}
		}
	})
}
