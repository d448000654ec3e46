package match

import (
	"net/url"
	"regexp"
	"strings"
)

// searchHosts matches hosts of search engines whose result URLs carry
// volatile tracking parameters (ei, ved, sxsrf, ...).
var searchHosts = regexp.MustCompile(`^(www\.|encrypted\.)?(google\.[a-z.]+|bing\.com|duckduckgo\.com|search\.yahoo\.com|yandex\.[a-z.]+|baidu\.com)$`)

var searchPaths = map[string]bool{
	"/search": true,
	"/":       true,
	"/html":   true,
	"/s":      true,
}

// searchKeys are the query parameters that define a search result page; all
// others are dropped.
var searchKeys = []string{"q", "p", "text", "wd", "tbm", "start", "first", "ia"}

// blankReferrers match referrers the host drops when it restores a session.
var blankReferrers = []*regexp.Regexp{
	regexp.MustCompile(`^[a-z][a-z0-9+.-]*://[^/?#]+/?$`),
	regexp.MustCompile(`^(about|chrome|chrome-extension|edge|data):`),
	regexp.MustCompile(`^https?://(www\.)?google\.[a-z.]+/url\?`),
	regexp.MustCompile(`^https?://(www\.)?bing\.com/ck/`),
}

// NormalizeURL returns u unchanged unless it is a search engine result URL,
// in which case the fragment and tracking parameters are removed.
func NormalizeURL(u string) string {
	parsed, err := url.Parse(u)
	if err != nil || parsed.Host == "" {
		return u
	}
	if !searchHosts.MatchString(strings.ToLower(parsed.Hostname())) || !searchPaths[parsed.Path] {
		return u
	}
	q := parsed.Query()
	kept := url.Values{}
	for _, k := range searchKeys {
		if v, ok := q[k]; ok {
			kept[k] = v
		}
	}
	parsed.RawQuery = kept.Encode()
	parsed.Fragment = ""
	parsed.RawFragment = ""
	return parsed.String()
}

// NormalizeReferrer maps referrers the host blanks on restart to "".
func NormalizeReferrer(r string) string {
	for _, re := range blankReferrers {
		if re.MatchString(r) {
			return ""
		}
	}
	return r
}

// SameURL compares two URLs after search-result normalization.
func SameURL(a, b string) bool {
	if a == b {
		return true
	}
	return NormalizeURL(a) == NormalizeURL(b)
}

// SameReferrer compares referrers, ignoring them entirely when both sides are
// pinned.
func SameReferrer(a string, aPinned bool, b string, bPinned bool) bool {
	if aPinned && bPinned {
		return true
	}
	return NormalizeReferrer(a) == NormalizeReferrer(b)
}
