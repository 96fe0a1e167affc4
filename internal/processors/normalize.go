package processors

import (
	"net/url"
	"strings"
)

// NormalizeURL turns a submitted page reference into a fetchable URL. Chat
// link decoration (<url|label>) is stripped; bare hosts and protocol-relative
// references get http.
func NormalizeURL(raw string) string {
	s := strings.Trim(strings.TrimSpace(raw), "<>")
	if i := strings.Index(s, "|"); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimSpace(s)

	switch {
	case s == "":
		return ""
	case strings.HasPrefix(s, "//"):
		return "http:" + s
	case hasHTTPScheme(s):
		return s
	default:
		return "http://" + s
	}
}

// ResolveScriptURL normalizes a script src the same way as NormalizeURL, but
// resolves path-relative references against the page they appeared on.
// Non-fetchable schemes such as data: yield "".
func ResolveScriptURL(pageURL, src string) string {
	src = strings.TrimSpace(src)

	switch {
	case src == "":
		return ""
	case strings.HasPrefix(src, "//"):
		return "http:" + src
	case hasHTTPScheme(src):
		return src
	case hasOtherScheme(src):
		return ""
	case isPathRelative(src):
		base, err := url.Parse(pageURL)
		if err != nil {
			return ""
		}
		ref, err := url.Parse(src)
		if err != nil {
			return ""
		}
		return base.ResolveReference(ref).String()
	default:
		return "http://" + src
	}
}

func hasHTTPScheme(s string) bool {
	lower := strings.ToLower(s)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

func hasOtherScheme(s string) bool {
	i := strings.Index(s, ":")
	if i <= 0 {
		return false
	}
	for _, r := range s[:i] {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '+' || r == '-' || r == '.') {
			return false
		}
	}
	// host:port/path is not a scheme
	return !strings.Contains(s[:i], ".")
}

// isPathRelative treats anything without a dotted first segment followed by
// a slash as a path on the page's host.
func isPathRelative(s string) bool {
	if strings.HasPrefix(s, "/") || strings.HasPrefix(s, "./") || strings.HasPrefix(s, "../") || strings.HasPrefix(s, "?") {
		return true
	}
	first, _, found := strings.Cut(s, "/")
	if !found {
		return true
	}
	return !strings.Contains(first, ".")
}
