package common

import (
	"fmt"
	"net/url"
	"strings"
)

// NormalizeURL canonicalizes a blog URL so that the queue and artifact
// stores see exactly one form per page: scheme and host are lowercased,
// a missing scheme defaults to https, the fragment is dropped, and a
// trailing slash on the path is removed.
func NormalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("validation: empty url")
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("validation: invalid url %q: %w", raw, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("validation: url %q has no host", raw)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.Path = strings.TrimSuffix(u.Path, "/")

	return u.String(), nil
}

// NormalizeDomain canonicalizes a registered publisher domain: lowercase,
// scheme stripped, "www." prefix stripped, any path and trailing slash
// removed.
func NormalizeDomain(raw string) string {
	d := strings.ToLower(strings.TrimSpace(raw))
	if idx := strings.Index(d, "://"); idx >= 0 {
		d = d[idx+3:]
	}
	d = strings.TrimPrefix(d, "www.")
	if idx := strings.IndexAny(d, "/?#"); idx >= 0 {
		d = d[:idx]
	}
	return strings.TrimSuffix(d, ".")
}

// DomainOfURL extracts the normalized domain of a URL, without the port.
func DomainOfURL(rawURL string) (string, error) {
	normalized, err := NormalizeURL(rawURL)
	if err != nil {
		return "", err
	}
	u, err := url.Parse(normalized)
	if err != nil {
		return "", err
	}
	host := u.Hostname()
	return NormalizeDomain(host), nil
}

// DomainMatches reports whether a URL domain belongs to a registered
// domain, either exactly or as a subdomain of it. "info.example.com"
// matches registered "example.com"; "badexample.com" does not.
func DomainMatches(urlDomain, registered string) bool {
	urlDomain = NormalizeDomain(urlDomain)
	registered = NormalizeDomain(registered)
	if urlDomain == "" || registered == "" {
		return false
	}
	if urlDomain == registered {
		return true
	}
	return strings.HasSuffix(urlDomain, "."+registered)
}

// BestSuffixMatch picks the registered domain that a URL domain resolves
// to. Exact matches win; otherwise the shortest registered domain among
// valid suffixes is preferred, so "a.b.example.com" resolves to
// "example.com" even when "b.example.com" is also registered. Returns
// false when nothing matches.
func BestSuffixMatch(urlDomain string, registered []string) (string, bool) {
	urlDomain = NormalizeDomain(urlDomain)

	best := ""
	for _, cand := range registered {
		norm := NormalizeDomain(cand)
		if norm == urlDomain {
			return cand, true
		}
		if !DomainMatches(urlDomain, norm) {
			continue
		}
		if best == "" || len(norm) < len(NormalizeDomain(best)) {
			best = cand
		}
	}
	return best, best != ""
}
