// Package urlutil canonicalises URLs so that frontier deduplication,
// cache keys, and politeness decisions all agree on a single spelling.
package urlutil

import (
	"errors"
	"net/url"
	"sort"
	"strings"
)

// ErrInvalidURL reports a URL that cannot participate in a crawl.
var ErrInvalidURL = errors.New("invalid url")

var skipExtensions = []string{
	".jpg", ".jpeg", ".png", ".gif", ".pdf", ".zip", ".tar",
	".gz", ".mp3", ".mp4", ".avi", ".mov", ".webp", ".svg",
}

// Normalize canonicalises an absolute URL: lower-cases scheme and host,
// strips the default port and the fragment, sorts query parameters by key,
// and trims a trailing path slash except for the root path. The function is
// pure; equal inputs always produce equal outputs.
func Normalize(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", ErrInvalidURL
	}
	return NormalizeURL(u)
}

// NormalizeRef resolves a possibly-relative reference against base and
// normalises the result.
func NormalizeRef(raw string, base *url.URL) (string, error) {
	if base == nil {
		return Normalize(raw)
	}
	ref, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", ErrInvalidURL
	}
	return NormalizeURL(base.ResolveReference(ref))
}

// NormalizeURL canonicalises an already-parsed URL.
func NormalizeURL(u *url.URL) (string, error) {
	if u == nil || !u.IsAbs() || u.Host == "" {
		return "", ErrInvalidURL
	}

	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	if port := u.Port(); port != "" && port != defaultPort(scheme) {
		host = host + ":" + port
	}

	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if path != "/" {
		path = strings.TrimRight(path, "/")
		if path == "" {
			path = "/"
		}
	}

	out := scheme + "://" + host + path
	if q := sortedQuery(u.RawQuery); q != "" {
		out += "?" + q
	}
	return out, nil
}

// Crawlable reports whether a normalized URL is a sensible page candidate:
// http(s) scheme and not an obvious binary asset.
func Crawlable(normalized string) bool {
	u, err := url.Parse(normalized)
	if err != nil {
		return false
	}
	switch u.Scheme {
	case "http", "https":
	default:
		return false
	}
	if u.Host == "" {
		return false
	}
	path := strings.ToLower(u.Path)
	for _, ext := range skipExtensions {
		if strings.HasSuffix(path, ext) {
			return false
		}
	}
	return true
}

// Domain returns the lower-cased hostname of a URL string, or "" if it does
// not parse.
func Domain(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

func sortedQuery(raw string) string {
	if raw == "" {
		return ""
	}
	values, err := url.ParseQuery(raw)
	if err != nil {
		return raw
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		for _, v := range values[k] {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}

func defaultPort(scheme string) string {
	switch scheme {
	case "http":
		return "80"
	case "https":
		return "443"
	default:
		return ""
	}
}
