// Package safety is the boundary in front of everything outbound: SSRF
// URL validation with DNS pinning, the cron character whitelist, payload
// sanitization, and HMAC signing with timestamp freshness.
package safety

import (
	"net"
	"net/url"
	"strings"

	"github.com/temporal-agent/scheduler/internal/apperr"
)

var hostnameBlocklist = []string{
	"localhost",
	"*.local",
	"metadata.google.internal",
	"169.254.169.254.nip.io", // common metadata-IP wildcard DNS trick
	"*.internal",
	"*.cluster.local",
	"*.svc.cluster.local",
}

var ipv4BlockNets = mustParseCIDRs(
	"127.0.0.0/8",
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"169.254.0.0/16",
	"0.0.0.0/8",
	"100.64.0.0/10",
	"192.0.0.0/24",
	"192.0.2.0/24",
	"198.51.100.0/24",
	"203.0.113.0/24",
	"224.0.0.0/4",
	"240.0.0.0/4",
)

var ipv4Broadcast = net.IPv4(255, 255, 255, 255)

var ipv6BlockNets = mustParseCIDRs(
	"::1/128",
	"::/128",
	"fe80::/10",
	"fc00::/7",
	"fd00::/8",
	"ff00::/8",
	"2001:db8::/32",
	"100::/64",
	"64:ff9b::/96",
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	out := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic("safety: invalid built-in CIDR " + c)
		}
		out = append(out, n)
	}
	return out
}

// Resolver abstracts DNS resolution so tests can substitute fixed results.
type Resolver interface {
	LookupIPAddr(host string) ([]net.IP, error)
}

type netResolver struct{}

func (netResolver) LookupIPAddr(host string) ([]net.IP, error) {
	addrs, err := net.LookupIP(host)
	return addrs, err
}

// DefaultResolver is the resolver used by ValidateURL when none is supplied.
var DefaultResolver Resolver = netResolver{}

// Options configures URL validation beyond the built-in blocklists.
type Options struct {
	RequireHTTPS   bool     // true when running in the production environment
	AllowedDomains []string // non-empty = exact-or-subdomain allowlist
	Resolver       Resolver
}

// ValidateURL runs the full SSRF gauntlet (scheme, hostname blocklist,
// optional allowlist, dual-family resolution, per-address block tables) and
// returns the parsed URL plus the first safe resolved IP literal, used by
// SecureSend to pin the connection.
func ValidateURL(raw string, opt Options) (*url.URL, net.IP, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, nil, apperr.Wrap(apperr.UrlRejected, "unparseable URL", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, nil, apperr.New(apperr.UrlRejected, "SchemeNotAllowed: scheme must be http or https")
	}
	if opt.RequireHTTPS && u.Scheme != "https" {
		return nil, nil, apperr.New(apperr.UrlRejected, "SchemeNotAllowed: https required in production")
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return nil, nil, apperr.New(apperr.UrlRejected, "HostnameBlocked: empty hostname")
	}

	if matchesHostBlocklist(host) {
		return nil, nil, apperr.New(apperr.UrlRejected, "HostnameBlocked: hostname is on the internal blocklist")
	}

	if ip := literalBracketedIPv6(u.Hostname()); ip != nil {
		if isBlockedIP(ip) {
			return nil, nil, apperr.New(apperr.UrlRejected, "IpBlocked: literal IPv6 address is blocked")
		}
	}

	if len(opt.AllowedDomains) > 0 && !matchesAllowlist(host, opt.AllowedDomains) {
		return nil, nil, apperr.New(apperr.UrlRejected, "HostnameBlocked: hostname is not in the configured allowlist")
	}

	resolver := opt.Resolver
	if resolver == nil {
		resolver = DefaultResolver
	}

	if literal := net.ParseIP(host); literal != nil {
		if isBlockedIP(literal) {
			return nil, nil, apperr.New(apperr.UrlRejected, "IpBlocked: literal IP address is blocked")
		}
		return u, literal, nil
	}

	addrs, lookupErr := resolver.LookupIPAddr(host)
	if lookupErr != nil || len(addrs) == 0 {
		return nil, nil, apperr.New(apperr.UrlRejected, "DnsFailure: hostname did not resolve")
	}

	var safe net.IP
	for _, ip := range addrs {
		if isBlockedIP(ip) {
			return nil, nil, apperr.New(apperr.UrlRejected, "IpBlocked: resolved address is blocked")
		}
		if safe == nil {
			safe = ip
		}
	}
	return u, safe, nil
}

func matchesHostBlocklist(host string) bool {
	for _, entry := range hostnameBlocklist {
		if strings.HasPrefix(entry, "*.") {
			suffix := entry[1:] // ".local" etc
			if strings.HasSuffix(host, suffix) {
				return true
			}
			continue
		}
		if host == entry {
			return true
		}
	}
	return false
}

func matchesAllowlist(host string, allowed []string) bool {
	for _, d := range allowed {
		d = strings.ToLower(strings.TrimSpace(d))
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

func literalBracketedIPv6(hostname string) net.IP {
	ip := net.ParseIP(hostname)
	if ip == nil || ip.To4() != nil {
		return nil
	}
	return ip
}

// isBlockedIP tests addr against both the IPv4 and IPv6 block tables,
// unwrapping ::ffff:a.b.c.d IPv4-mapped forms and re-testing the embedded
// IPv4 literal against the IPv4 tables.
func isBlockedIP(addr net.IP) bool {
	if v4 := addr.To4(); v4 != nil {
		return ipv4Blocked(v4)
	}
	return ipv6Blocked(addr)
}

func ipv4Blocked(v4 net.IP) bool {
	if v4.Equal(ipv4Broadcast) {
		return true
	}
	for _, n := range ipv4BlockNets {
		if n.Contains(v4) {
			return true
		}
	}
	return false
}

func ipv6Blocked(addr net.IP) bool {
	// net.IP.To4() already unwraps ::ffff:a.b.c.d IPv4-mapped forms, so any
	// such address is routed to ipv4Blocked by the caller before reaching
	// here; this only ever sees genuine IPv6 literals.
	for _, n := range ipv6BlockNets {
		if n.Contains(addr) {
			return true
		}
	}
	return false
}
