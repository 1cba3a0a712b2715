package extract

import (
	"net/url"
	"strings"
)

// NormalizeLink trims the href and drops the fragment. The query is kept:
// invoice hosts put signed tokens there.
func NormalizeLink(href string) string {
	href = strings.TrimSpace(href)
	parsed, err := url.Parse(href)
	if err != nil {
		return href
	}
	parsed.Fragment = ""
	parsed.RawFragment = ""
	return parsed.String()
}

func resolveLink(base *url.URL, href string) (string, bool) {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") ||
		strings.HasPrefix(href, "mailto:") || strings.HasPrefix(href, "javascript:") {
		return "", false
	}
	parsed, err := url.Parse(href)
	if err != nil {
		return "", false
	}
	if base != nil {
		parsed = base.ResolveReference(parsed)
	}
	return NormalizeLink(parsed.String()), true
}

// linkIdentifier derives a stable identifier from an invoice URL: the path
// below "/i/" for hosted invoice pages, otherwise the whole path.
func linkIdentifier(link string) string {
	parsed, err := url.Parse(link)
	if err != nil {
		return ""
	}
	path := parsed.Path
	if idx := strings.Index(path, "/i/"); idx != -1 {
		path = path[idx+len("/i/"):]
	}
	return strings.Trim(path, "/")
}
