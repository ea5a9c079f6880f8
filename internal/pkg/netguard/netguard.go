// Package netguard decides whether a URL is safe to send a browser to from the
// platform's own redirect endpoint.
//
// A destination has to pass two stages: a static check of the URL itself
// (scheme, hostname blocklist, literal IPs) and a DNS check that rejects the
// host if any address it resolves to is internal. The DNS stage fails closed.
package netguard

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

// DefaultTimeout bounds the DNS stage.
const DefaultTimeout = 2 * time.Second

// ErrBlocked is wrapped by every BlockedError.
var ErrBlocked = errors.New("destination blocked")

// BlockedError carries the reason a destination was refused. The reason is
// safe to show to the client; it never includes resolved addresses.
type BlockedError struct {
	Reason string
}

func (e *BlockedError) Error() string { return "destination blocked: " + e.Reason }

func (e *BlockedError) Unwrap() error { return ErrBlocked }

func blocked(format string, args ...interface{}) error {
	return &BlockedError{Reason: fmt.Sprintf(format, args...)}
}

// Resolver is satisfied by *net.Resolver.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Guard validates outbound redirect destinations.
type Guard struct {
	resolver Resolver
	timeout  time.Duration
}

// New creates a Guard. A nil resolver uses net.DefaultResolver and a
// non-positive timeout uses DefaultTimeout.
func New(resolver Resolver, timeout time.Duration) *Guard {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Guard{resolver: resolver, timeout: timeout}
}

// Check returns nil when rawURL is an http(s) URL whose host is public both
// literally and after DNS resolution.
func (g *Guard) Check(ctx context.Context, rawURL string) error {
	host, err := CheckStatic(rawURL)
	if err != nil {
		return err
	}

	// Literal IPs were fully judged by the static stage.
	if net.ParseIP(host) != nil {
		return nil
	}

	lookupCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	addrs, err := g.resolver.LookupIPAddr(lookupCtx, host)
	if err != nil {
		return blocked("host could not be resolved")
	}
	if len(addrs) == 0 {
		return blocked("host has no addresses")
	}
	for _, a := range addrs {
		if IsDisallowedIP(a.IP) {
			return blocked("host resolves to a private or reserved address")
		}
	}
	return nil
}

// CheckStatic runs the checks that need no network access and returns the
// normalized hostname.
func CheckStatic(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", blocked("malformed url")
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", blocked("scheme %q not allowed", u.Scheme)
	}
	if u.User != nil {
		return "", blocked("credentials in url not allowed")
	}

	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if host == "" {
		return "", blocked("missing host")
	}

	if ip := net.ParseIP(host); ip != nil {
		if IsDisallowedIP(ip) {
			return "", blocked("private or reserved address")
		}
		return host, nil
	}

	if _, ok := blockedHosts[host]; ok {
		return "", blocked("internal hostname")
	}
	for _, suffix := range blockedSuffixes {
		if strings.HasSuffix(host, suffix) {
			return "", blocked("internal domain suffix")
		}
	}
	if looksNumeric(host) {
		// Browsers read "2130706433" or "0x7f.1" as IPv4 addresses even though
		// net.ParseIP does not.
		return "", blocked("numeric host not allowed")
	}
	return host, nil
}

var blockedHosts = map[string]struct{}{
	"localhost":                {},
	"localhost.localdomain":    {},
	"ip6-localhost":            {},
	"ip6-loopback":             {},
	"metadata":                 {},
	"metadata.google.internal": {},
	"metadata.goog":            {},
	"instance-data":            {},
	"kubernetes.default":       {},
	"kubernetes.default.svc":   {},
}

var blockedSuffixes = []string{
	".localhost",
	".localdomain",
	".local",
	".internal",
	".intranet",
	".lan",
	".home",
	".home.arpa",
	".corp",
}

var disallowedNets = mustCIDRs(
	"0.0.0.0/8",       // "this" network
	"100.64.0.0/10",   // carrier-grade NAT
	"192.0.0.0/24",    // IETF protocol assignments
	"192.0.2.0/24",    // TEST-NET-1
	"198.18.0.0/15",   // benchmarking
	"198.51.100.0/24", // TEST-NET-2
	"203.0.113.0/24",  // TEST-NET-3
	"240.0.0.0/4",     // reserved
	"64:ff9b::/96",    // NAT64, can embed internal IPv4
	"2001:db8::/32",   // documentation
)

// IsDisallowedIP reports whether ip is loopback, private (RFC 1918, IPv6 ULA),
// link-local (including the 169.254.169.254 metadata address), unspecified,
// multicast or otherwise reserved. IPv4-mapped IPv6 addresses are judged as
// their IPv4 form.
func IsDisallowedIP(ip net.IP) bool {
	if ip == nil {
		return true
	}
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() ||
		ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() ||
		ip.IsInterfaceLocalMulticast() || ip.IsMulticast() {
		return true
	}
	if ip.Equal(net.IPv4bcast) {
		return true
	}
	for _, n := range disallowedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// looksNumeric reports hosts whose last label is a number, which no public
// TLD is, and which WHATWG URL parsing treats as an IPv4 address.
func looksNumeric(host string) bool {
	labels := strings.Split(host, ".")
	last := labels[len(labels)-1]
	if last == "" {
		return false
	}
	if strings.HasPrefix(last, "0x") {
		last = last[2:]
		if last == "" {
			return true
		}
		for _, r := range last {
			if !strings.ContainsRune("0123456789abcdef", r) {
				return false
			}
		}
		return true
	}
	for _, r := range last {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func mustCIDRs(cidrs ...string) []*net.IPNet {
	out := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(err)
		}
		out = append(out, n)
	}
	return out
}
