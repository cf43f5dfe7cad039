package render

import (
	"errors"
	"net"
	"net/url"
	"sort"
	"strings"
)

// NormalizeURL produces the canonical cache identity of a URL.
// It lowercases the scheme and host, removes default ports, drops the fragment,
// removes a single trailing slash, and sorts query parameters by key then value.
func NormalizeURL(rawURL string) (string, error) {
	trimmed := strings.TrimSpace(rawURL)
	u, err := url.Parse(trimmed)
	if err != nil {
		return "", &InvalidURLError{URL: rawURL, Err: err}
	}
	if u.Scheme == "" {
		return "", &InvalidURLError{URL: rawURL, Err: errors.New("missing scheme")}
	}
	if u.Opaque != "" || u.Host == "" || u.Hostname() == "" {
		return "", &InvalidURLError{URL: rawURL, Err: errors.New("missing host")}
	}

	scheme := strings.ToLower(u.Scheme)
	host := canonicalHost(scheme, u)

	path := u.EscapedPath()
	if strings.HasSuffix(path, "/") {
		path = path[:len(path)-1]
	}

	var b strings.Builder
	b.WriteString(scheme)
	b.WriteString("://")
	if u.User != nil {
		b.WriteString(u.User.String())
		b.WriteByte('@')
	}
	b.WriteString(host)
	b.WriteString(path)
	if q := sortedQuery(u.RawQuery); q != "" {
		b.WriteByte('?')
		b.WriteString(q)
	}
	return b.String(), nil
}

func canonicalHost(scheme string, u *url.URL) string {
	hostname := strings.ToLower(u.Hostname())
	port := u.Port()
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}
	if strings.Contains(hostname, ":") {
		hostname = "[" + hostname + "]"
	}
	if port == "" {
		return hostname
	}
	return net.JoinHostPort(strings.Trim(hostname, "[]"), port)
}

type queryPair struct {
	key   string
	value string
}

// sortedQuery re-encodes the query with pairs ordered by key then value.
// Pairs that fail to unescape are kept verbatim so the result stays deterministic.
func sortedQuery(raw string) string {
	if raw == "" {
		return ""
	}
	parts := strings.Split(raw, "&")
	pairs := make([]queryPair, 0, len(parts))
	for _, part := range parts {
		if part == "" {
			continue
		}
		key, value, _ := strings.Cut(part, "=")
		if k, err := url.QueryUnescape(key); err == nil {
			key = k
		}
		if v, err := url.QueryUnescape(value); err == nil {
			value = v
		}
		pairs = append(pairs, queryPair{key: key, value: value})
	}
	sort.SliceStable(pairs, func(i, j int) bool {
		if pairs[i].key != pairs[j].key {
			return pairs[i].key < pairs[j].key
		}
		return pairs[i].value < pairs[j].value
	})
	encoded := make([]string, 0, len(pairs))
	for _, p := range pairs {
		encoded = append(encoded, url.QueryEscape(p.key)+"="+url.QueryEscape(p.value))
	}
	return strings.Join(encoded, "&")
}
