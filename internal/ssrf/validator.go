// Package ssrf rejects URLs that would make the renderer reach internal
// infrastructure. Validation is purely lexical: no DNS resolution happens here,
// so the renderer re-validates every document request and the final URL.
package ssrf

import (
	"errors"
	"net/netip"
	"net/url"
	"strconv"
	"strings"

	"github.com/JakeFAU/prerender/internal/render"
)

// Config lists additional hosts to reject on top of the built-in rules.
type Config struct {
	BlockedHosts []string
}

// Validator implements render.URLValidator.
type Validator struct {
	blocked *render.HostMatcher
}

var metadataHosts = render.NewHostMatcher([]string{
	"metadata",
	"metadata.google.internal",
	"metadata.goog",
	"instance-data",
	"instance-data.ec2.internal",
})

var (
	cgnatPrefix     = netip.MustParsePrefix("100.64.0.0/10")
	thisNetPrefix   = netip.MustParsePrefix("0.0.0.0/8")
	benchmarkPrefix = netip.MustParsePrefix("198.18.0.0/15")
	alibabaMetadata = netip.MustParseAddr("100.100.100.200")
)

// New builds a Validator.
func New(cfg Config) *Validator {
	return &Validator{blocked: render.NewHostMatcher(cfg.BlockedHosts)}
}

// Validate returns a *render.SecurityRejectedError when rawURL is not a
// public http(s) target.
func (v *Validator) Validate(rawURL string) error {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return reject(rawURL, render.ReasonInvalidURL, "unparseable url")
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return reject(rawURL, render.ReasonInvalidURL, "only http and https are allowed")
	}
	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if host == "" {
		return reject(rawURL, render.ReasonInvalidURL, "missing host")
	}
	if strings.Contains(host, "localhost") {
		return reject(rawURL, render.ReasonLocalhost, "localhost hostnames are not allowed")
	}
	if metadataHosts.Matches(host) || (strings.HasPrefix(host, "metadata.") && strings.HasSuffix(host, ".internal")) {
		return reject(rawURL, render.ReasonMetadata, "cloud metadata endpoints are not allowed")
	}
	if v != nil && v.blocked.Matches(host) {
		return reject(rawURL, render.ReasonPrivateIP, "host is on the blocklist")
	}

	addr, ok := parseHostIP(host)
	if !ok {
		return nil
	}
	return classifyAddr(rawURL, addr)
}

func classifyAddr(rawURL string, addr netip.Addr) error {
	addr = addr.Unmap()
	switch {
	case addr.IsLoopback():
		return reject(rawURL, render.ReasonLocalhost, "loopback address")
	case addr == alibabaMetadata:
		return reject(rawURL, render.ReasonMetadata, "cloud metadata address")
	case addr.IsLinkLocalUnicast(), addr.IsLinkLocalMulticast():
		return reject(rawURL, render.ReasonPrivateIP, "link-local address (includes cloud metadata)")
	case addr.IsPrivate():
		return reject(rawURL, render.ReasonPrivateIP, "private network address")
	case addr.IsUnspecified(), thisNetPrefix.Contains(addr):
		return reject(rawURL, render.ReasonPrivateIP, "unspecified address")
	case cgnatPrefix.Contains(addr), benchmarkPrefix.Contains(addr):
		return reject(rawURL, render.ReasonPrivateIP, "shared or reserved address space")
	case addr.IsMulticast(), addr.IsInterfaceLocalMulticast():
		return reject(rawURL, render.ReasonPrivateIP, "multicast address")
	}
	return nil
}

// parseHostIP recognizes IPv4/IPv6 literals plus the legacy integer, octal,
// and hex IPv4 spellings that browsers still resolve.
func parseHostIP(host string) (netip.Addr, bool) {
	if addr, err := netip.ParseAddr(strings.Trim(host, "[]")); err == nil {
		return addr, true
	}
	if addr, err := parseLegacyIPv4(host); err == nil {
		return addr, true
	}
	return netip.Addr{}, false
}

var errNotLegacyIPv4 = errors.New("not a legacy ipv4 literal")

func parseLegacyIPv4(host string) (netip.Addr, error) {
	parts := strings.Split(host, ".")
	if len(parts) == 0 || len(parts) > 4 {
		return netip.Addr{}, errNotLegacyIPv4
	}
	values := make([]uint64, len(parts))
	for i, part := range parts {
		if part == "" {
			return netip.Addr{}, errNotLegacyIPv4
		}
		n, err := strconv.ParseUint(part, 0, 32)
		if err != nil {
			return netip.Addr{}, errNotLegacyIPv4
		}
		values[i] = n
	}
	var ip uint64
	last := len(values) - 1
	for i := 0; i < last; i++ {
		if values[i] > 0xff {
			return netip.Addr{}, errNotLegacyIPv4
		}
		ip |= values[i] << (8 * (3 - uint(i)))
	}
	if values[last] >= 1<<(8*(4-uint(last))) {
		return netip.Addr{}, errNotLegacyIPv4
	}
	ip |= values[last]
	return netip.AddrFrom4([4]byte{byte(ip >> 24), byte(ip >> 16), byte(ip >> 8), byte(ip)}), nil
}

func reject(rawURL string, reason render.SecurityReason, detail string) error {
	return &render.SecurityRejectedError{URL: rawURL, Reason: reason, Detail: detail}
}
