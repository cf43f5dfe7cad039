package render

import "strings"

// DefaultTrackerDomains lists analytics and ad hosts that never contribute
// content to a snapshot.
var DefaultTrackerDomains = []string{
	"*.google-analytics.com",
	"*.googletagmanager.com",
	"*.googlesyndication.com",
	"*.googleadservices.com",
	"*.doubleclick.net",
	"connect.facebook.net",
	"*.hotjar.com",
	"*.segment.io",
	"*.segment.com",
	"*.mixpanel.com",
	"*.fullstory.com",
	"*.clarity.ms",
	"*.intercom.io",
	"*.newrelic.com",
	"*.nr-data.net",
	"*.amplitude.com",
	"*.quantserve.com",
	"*.scorecardresearch.com",
	"*.taboola.com",
	"*.outbrain.com",
}

// HostMatcher stores exact hosts and suffix wildcards derived from configuration.
type HostMatcher struct {
	exact    map[string]struct{}
	suffixes []string
}

// NewHostMatcher builds a matcher from patterns such as "example.org",
// "*.example.org", or ".example.org". It returns nil when no pattern is usable.
func NewHostMatcher(patterns []string) *HostMatcher {
	matcher := &HostMatcher{
		exact: make(map[string]struct{}),
	}
	for _, raw := range patterns {
		value := strings.TrimSpace(strings.ToLower(raw))
		if value == "" {
			continue
		}
		switch {
		case strings.HasPrefix(value, "*."):
			if suffix := strings.TrimPrefix(value, "*."); suffix != "" {
				matcher.addSuffix(suffix)
			}
		case strings.HasPrefix(value, "."):
			if suffix := strings.TrimPrefix(value, "."); suffix != "" {
				matcher.addSuffix(suffix)
			}
		default:
			matcher.exact[value] = struct{}{}
		}
	}
	if len(matcher.exact) == 0 && len(matcher.suffixes) == 0 {
		return nil
	}
	return matcher
}

func (m *HostMatcher) addSuffix(suffix string) {
	for _, existing := range m.suffixes {
		if existing == suffix {
			return
		}
	}
	m.suffixes = append(m.suffixes, suffix)
}

// Matches reports whether host is covered by an exact or suffix pattern.
func (m *HostMatcher) Matches(host string) bool {
	if m == nil {
		return false
	}
	host = strings.TrimSuffix(strings.TrimSpace(strings.ToLower(host)), ".")
	if host == "" {
		return false
	}
	if _, exact := m.exact[host]; exact {
		return true
	}
	for _, suffix := range m.suffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}
