package render

import "testing"

func TestHostMatcher(t *testing.T) {
	t.Run("exact match", func(t *testing.T) {
		m := NewHostMatcher([]string{"connect.facebook.net"})
		if m == nil {
			t.Fatalf("expected matcher to be created")
		}
		if !m.Matches("connect.facebook.net") {
			t.Fatalf("expected connect.facebook.net to match")
		}
		if m.Matches("sub.connect.facebook.net") {
			t.Fatalf("did not expect subdomains to match exact entry")
		}
	})

	t.Run("wildcard suffix", func(t *testing.T) {
		m := NewHostMatcher([]string{"*.doubleclick.net", ".hotjar.com"})
		cases := []struct {
			host    string
			matched bool
		}{
			{"doubleclick.net", true},
			{"ad.doubleclick.net", true},
			{"static.hotjar.com", true},
			{"AD.DOUBLECLICK.NET.", true},
			{"example.com", false},
			{"notdoubleclick.net", false},
		}
		for _, tc := range cases {
			if got := m.Matches(tc.host); got != tc.matched {
				t.Fatalf("host %q matched=%v, want %v", tc.host, got, tc.matched)
			}
		}
	})

	t.Run("empty patterns", func(t *testing.T) {
		if m := NewHostMatcher([]string{" ", ""}); m != nil {
			t.Fatalf("expected nil matcher for empty patterns")
		}
	})

	t.Run("nil matcher", func(t *testing.T) {
		var m *HostMatcher
		if m.Matches("anything") {
			t.Fatalf("nil matcher should never match")
		}
	})

	t.Run("default tracker list", func(t *testing.T) {
		m := NewHostMatcher(DefaultTrackerDomains)
		if !m.Matches("www.google-analytics.com") || !m.Matches("www.googletagmanager.com") {
			t.Fatalf("expected default trackers to match")
		}
	})
}
