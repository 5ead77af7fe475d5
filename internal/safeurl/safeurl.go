// Package safeurl validates registration target URLs and guards outbound
// dials against loopback, link-local, and wildcard addresses.
//
// Backends legitimately live on private ranges (10/8, 172.16/12, 192.168/16),
// so unlike a general-purpose egress filter those are not blocked here.
package safeurl

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync/atomic"
	"time"
)

// ErrBlocked marks a dial refused by the guard; callers use it to
// distinguish policy blocks from network failures.
var ErrBlocked = errors.New("safeurl: dial blocked")

// Guard validates base URLs at registration time and re-validates every
// outbound dial. Hostnames are resolved before dialing and the resolved IP
// is dialed directly, preventing DNS rebinding.
type Guard struct {
	inner         *net.Dialer
	allowed       []*net.IPNet
	lookupTimeout time.Duration
	blockedDials  atomic.Int64
}

// New creates a Guard. allowCIDRs exempts ranges from blocking; loopback
// must be allowed explicitly in test setups that use local backends.
func New(allowCIDRs []string) (*Guard, error) {
	allowed, err := parseCIDRs(allowCIDRs)
	if err != nil {
		return nil, fmt.Errorf("safeurl: invalid allow cidrs: %w", err)
	}
	return &Guard{
		inner:         &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second},
		allowed:       allowed,
		lookupTimeout: 5 * time.Second,
	}, nil
}

// ValidateBaseURL checks that raw is an absolute http(s) URL whose host does
// not resolve to a blocked address. A hostname that does not resolve at all
// is accepted; the dial-time guard still applies when traffic flows.
func (g *Guard) ValidateBaseURL(ctx context.Context, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("baseUrl is not a valid URL: %w", err)
	}
	if !u.IsAbs() {
		return fmt.Errorf("baseUrl must be absolute, got %q", raw)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("baseUrl scheme must be http or https, got %q", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("baseUrl has no host: %q", raw)
	}

	if ip := net.ParseIP(host); ip != nil {
		if g.isBlocked(ip) {
			return fmt.Errorf("baseUrl host %s is a loopback/link-local/wildcard address", host)
		}
		return nil
	}
	if host == "localhost" {
		if g.isBlocked(net.IPv4(127, 0, 0, 1)) {
			return fmt.Errorf("baseUrl host %s resolves to a loopback address", host)
		}
		return nil
	}

	lctx, cancel := context.WithTimeout(ctx, g.lookupTimeout)
	defer cancel()
	ips, err := net.DefaultResolver.LookupIPAddr(lctx, host)
	if err != nil {
		// Not resolvable yet; the dialer re-checks on every connection.
		return nil
	}
	for _, ipAddr := range ips {
		if g.isBlocked(ipAddr.IP) {
			return fmt.Errorf("baseUrl host %s resolves to blocked address %s", host, ipAddr.IP)
		}
	}
	return nil
}

// DialContext resolves the hostname, validates all IPs, and dials the first
// valid IP directly.
func (g *Guard) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("safeurl: invalid address %q: %w", addr, err)
	}

	// IP literals are validated directly
	if ip := net.ParseIP(host); ip != nil {
		if g.isBlocked(ip) {
			g.blockedDials.Add(1)
			return nil, fmt.Errorf("%w: %s", ErrBlocked, host)
		}
		return g.inner.DialContext(ctx, network, addr)
	}

	ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("safeurl: DNS lookup failed for %q: %w", host, err)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("safeurl: no IPs found for %q", host)
	}

	// Validate ALL resolved IPs before dialing any
	for _, ipAddr := range ips {
		if g.isBlocked(ipAddr.IP) {
			g.blockedDials.Add(1)
			return nil, fmt.Errorf("%w: %s (%s)", ErrBlocked, host, ipAddr.IP)
		}
	}

	resolvedAddr := net.JoinHostPort(ips[0].IP.String(), port)
	return g.inner.DialContext(ctx, network, resolvedAddr)
}

// isBlocked returns true if the IP is loopback, link-local, or wildcard and
// not covered by the allow list.
func (g *Guard) isBlocked(ip net.IP) bool {
	for _, n := range g.allowed {
		if n.Contains(ip) {
			return false
		}
	}
	return ip.IsLoopback() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified()
}

// BlockedDials returns the number of blocked connection attempts.
func (g *Guard) BlockedDials() int64 {
	return g.blockedDials.Load()
}

func parseCIDRs(cidrs []string) ([]*net.IPNet, error) {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, cidr := range cidrs {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, fmt.Errorf("invalid CIDR %q: %w", cidr, err)
		}
		nets = append(nets, ipNet)
	}
	return nets, nil
}
