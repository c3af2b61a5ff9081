package publisher

import (
	"strings"

	"github.com/amitspk/blogwidget/common"
)

// WhitelistAllows reports whether a normalized blog URL passes the
// publisher's whitelist. Rules:
//   - nil/empty list, or a "*" entry, allows everything
//   - entries with a scheme are URL prefixes
//   - entries that look like bare domains match the URL's domain
//     (subdomains included)
//   - anything else is a path fragment matched against the URL path
func WhitelistAllows(entries []string, blogURL string) bool {
	if len(entries) == 0 {
		return true
	}

	urlDomain, err := common.DomainOfURL(blogURL)
	if err != nil {
		return false
	}
	lowered := strings.ToLower(blogURL)

	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if entry == "*" {
			return true
		}

		if strings.Contains(entry, "://") {
			normalized, err := common.NormalizeURL(entry)
			if err != nil {
				continue
			}
			if strings.HasPrefix(lowered, strings.ToLower(normalized)) {
				return true
			}
			continue
		}

		if looksLikeDomain(entry) {
			if common.DomainMatches(urlDomain, entry) {
				return true
			}
			continue
		}

		// Path fragment.
		if strings.Contains(lowered, strings.ToLower(entry)) {
			return true
		}
	}
	return false
}

// looksLikeDomain reports whether a whitelist entry is a bare domain:
// it has a dot, no slash, and no spaces.
func looksLikeDomain(entry string) bool {
	return strings.Contains(entry, ".") &&
		!strings.Contains(entry, "/") &&
		!strings.Contains(entry, " ")
}
