// Package normalize holds URL, domain and email canonicalization used for
// company deduplication and contact validation across the pipeline.
package normalize

import (
	"crypto/sha1"
	"encoding/hex"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/idna"
)

var (
	schemeRe     = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9+.-]*://`)
	multiSlashRe = regexp.MustCompile(`/{2,}`)
	spaceRe      = regexp.MustCompile(`\s+`)
)

// URL canonicalizes a raw URL: https scheme by default, lowercased host with
// "www." stripped, default ports dropped, repeated slashes collapsed, fragment
// removed, query preserved. A trailing slash survives only for an empty path.
// Empty or host-less input yields "". The function is idempotent.
func URL(raw string) string {
	value := strings.TrimSpace(raw)
	if value == "" {
		return ""
	}

	if !schemeRe.MatchString(value) {
		value = "https://" + value
	}

	parsed, err := url.Parse(value)
	if err != nil || parsed.Host == "" {
		return ""
	}

	host := strings.ToLower(parsed.Hostname())
	host = strings.TrimPrefix(host, "www.")
	if host == "" {
		return ""
	}
	if port := parsed.Port(); port != "" && port != "80" && port != "443" {
		host = host + ":" + port
	}

	path := multiSlashRe.ReplaceAllString(parsed.EscapedPath(), "/")
	path = strings.TrimRight(path, "/")
	if path == "" {
		path = "/"
	}

	normalized := strings.ToLower(parsed.Scheme) + "://" + host + path
	if parsed.RawQuery != "" {
		normalized += "?" + parsed.RawQuery
	}
	return normalized
}

// Domain extracts and normalizes a domain: host part of a URL when given one,
// lowercased, "www." stripped, punycode-encoded for non-ASCII labels. A port
// is preserved only when non-default.
func Domain(raw string) string {
	candidate := strings.TrimSpace(raw)
	if candidate == "" {
		return ""
	}

	if strings.Contains(candidate, "/") || schemeRe.MatchString(candidate) {
		normalized := URL(candidate)
		if normalized == "" {
			return ""
		}
		parsed, err := url.Parse(normalized)
		if err != nil {
			return ""
		}
		candidate = parsed.Host
	}

	candidate = strings.ToLower(candidate)
	candidate = strings.TrimPrefix(candidate, "www.")

	host, port := splitHostPort(candidate)
	if ascii, err := idna.Lookup.ToASCII(host); err == nil {
		host = ascii
	}
	if port != "" && port != "80" && port != "443" {
		return host + ":" + port
	}
	return host
}

func splitHostPort(domain string) (host, port string) {
	idx := strings.LastIndex(domain, ":")
	if idx < 0 {
		return domain, ""
	}
	candidate := domain[idx+1:]
	for _, r := range candidate {
		if r < '0' || r > '9' {
			return domain, ""
		}
	}
	return domain[:idx], candidate
}

// CompanyDedupeKey builds the deterministic clustering key for a company:
// SHA-1 hex of the canonical domain, falling back to the lowercased trimmed
// name when no domain is known. Two companies sharing a domain always share
// a key regardless of name.
func CompanyDedupeKey(name, domain string) string {
	payload := Domain(domain)
	if payload == "" {
		payload = strings.ToLower(strings.TrimSpace(name))
	}
	sum := sha1.Sum([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// CleanSnippet collapses runs of whitespace into single spaces.
func CleanSnippet(text string) string {
	if text == "" {
		return ""
	}
	return strings.TrimSpace(spaceRe.ReplaceAllString(text, " "))
}
