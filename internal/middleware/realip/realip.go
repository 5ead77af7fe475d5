package realip

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
)

type contextKey struct{}

// Extractor determines the caller's IP behind trusted proxy chains. The
// result keys rate-limit buckets, so a spoofable header must never win:
// forwarding headers are honored only when the direct peer is trusted.
type Extractor struct {
	trustedNets []*net.IPNet
	headers     []string
	maxHops     int

	totalRequests atomic.Int64
	extracted     atomic.Int64
}

// New creates an extractor from trusted proxy CIDRs. Bare IPs get a
// /32 or /128 suffix.
func New(cidrs []string, headers []string, maxHops int) (*Extractor, error) {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, cidr := range cidrs {
		if !strings.Contains(cidr, "/") {
			ip := net.ParseIP(cidr)
			if ip == nil {
				return nil, &net.ParseError{Type: "IP address", Text: cidr}
			}
			if ip.To4() != nil {
				cidr += "/32"
			} else {
				cidr += "/128"
			}
		}
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, err
		}
		nets = append(nets, ipNet)
	}

	if len(headers) == 0 {
		headers = []string{"X-Forwarded-For", "X-Real-IP"}
	}

	return &Extractor{
		trustedNets: nets,
		headers:     headers,
		maxHops:     maxHops,
	}, nil
}

// Extract returns the client IP for the request. With no trusted
// proxies configured only RemoteAddr is believed; otherwise the
// X-Forwarded-For chain is walked right to left past trusted hops.
func (e *Extractor) Extract(r *http.Request) string {
	e.totalRequests.Add(1)

	remoteIP := stripPort(r.RemoteAddr)

	if len(e.trustedNets) == 0 || !e.isTrusted(remoteIP) {
		return remoteIP
	}

	for _, header := range e.headers {
		val := r.Header.Get(header)
		if val == "" {
			continue
		}
		if strings.EqualFold(header, "X-Forwarded-For") {
			if ip := e.walkXFF(val); ip != "" {
				e.extracted.Add(1)
				return ip
			}
		} else if ip := strings.TrimSpace(val); ip != "" {
			e.extracted.Add(1)
			return ip
		}
	}

	return remoteIP
}

// walkXFF walks the chain right to left and returns the first hop not
// in the trusted set.
func (e *Extractor) walkXFF(xff string) string {
	parts := strings.Split(xff, ",")

	hops := 0
	for i := len(parts) - 1; i >= 0; i-- {
		ip := strings.TrimSpace(parts[i])
		if ip == "" {
			continue
		}
		hops++
		if e.maxHops > 0 && hops > e.maxHops {
			return ip
		}
		if !e.isTrusted(ip) {
			return ip
		}
	}

	// Every hop was one of ours; the leftmost is the closest to the
	// client we can get.
	if len(parts) > 0 {
		return strings.TrimSpace(parts[0])
	}
	return ""
}

// PeerTrusted reports whether the directly connected peer is a trusted
// proxy, which decides whether its forwarding headers are extended or
// replaced downstream.
func (e *Extractor) PeerTrusted(r *http.Request) bool {
	return len(e.trustedNets) > 0 && e.isTrusted(stripPort(r.RemoteAddr))
}

func (e *Extractor) isTrusted(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, n := range e.trustedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// Middleware stores the extracted IP in the request context.
func (e *Extractor) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), contextKey{}, e.Extract(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// FromContext retrieves the client IP, or "" before the middleware ran.
func FromContext(ctx context.Context) string {
	if ip, ok := ctx.Value(contextKey{}).(string); ok {
		return ip
	}
	return ""
}

// Stats reports extractor counters for the admin API.
type Stats struct {
	TotalRequests int64    `json:"totalRequests"`
	Extracted     int64    `json:"extracted"`
	TrustedCIDRs  int      `json:"trustedCidrs"`
	Headers       []string `json:"headers"`
	MaxHops       int      `json:"maxHops"`
}

// Stats returns the current counters.
func (e *Extractor) Stats() Stats {
	return Stats{
		TotalRequests: e.totalRequests.Load(),
		Extracted:     e.extracted.Load(),
		TrustedCIDRs:  len(e.trustedNets),
		Headers:       e.headers,
		MaxHops:       e.maxHops,
	}
}

func stripPort(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
