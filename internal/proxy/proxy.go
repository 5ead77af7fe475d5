// Package proxy forwards admitted requests to registered backends with
// hop-by-hop hygiene, forwarding headers, and problem-mapped failures.
package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/aussielabs/aussie/config"
	"github.com/aussielabs/aussie/internal/auth"
	"github.com/aussielabs/aussie/internal/logging"
	"github.com/aussielabs/aussie/internal/middleware"
	"github.com/aussielabs/aussie/internal/problem"
	"github.com/aussielabs/aussie/internal/registry"
	"github.com/aussielabs/aussie/internal/safeurl"
	"github.com/aussielabs/aussie/internal/tracing"
)

// Error kinds reported to the backend-error counter.
const (
	ErrKindConnect = "connect"
	ErrKindTimeout = "timeout"
	ErrKindBlocked = "ssrf_blocked"
	ErrKindBody    = "body"
)

// Options wires the forwarder.
type Options struct {
	Transport http.RoundTripper
	Limits    config.LimitsConfig
	Timeouts  config.TimeoutsConfig

	// CookieName is the gateway session cookie stripped from the
	// outbound Cookie header.
	CookieName string

	// OnBackendError observes upstream failures for metrics and
	// security events. Optional.
	OnBackendError func(serviceID, kind string, err error)
}

// Proxy composes and executes the outbound leg of one route match.
type Proxy struct {
	opts Options
}

// New creates a forwarder.
func New(opts Options) *Proxy {
	if opts.Transport == nil {
		opts.Transport = NewTransport(opts.Timeouts, nil)
	}
	if opts.CookieName == "" {
		opts.CookieName = auth.DefaultCookieName
	}
	return &Proxy{opts: opts}
}

// Forward proxies one admitted request. clientIP is the trusted-proxy
// aware caller address; peerTrusted controls whether inbound
// forwarding headers are extended or replaced.
func (p *Proxy) Forward(w http.ResponseWriter, r *http.Request, route registry.RouteLookupResult, authRes auth.RouteAuthResult, clientIP string, peerTrusted bool) {
	if pr := p.validateHeaders(r); pr != nil {
		pr.WriteJSON(w)
		return
	}
	if pr := p.validateBody(w, r); pr != nil {
		pr.WriteJSON(w)
		return
	}

	target, err := p.targetURL(route)
	if err != nil {
		logging.Error("registered baseUrl does not parse",
			zap.String("service", route.Service.ServiceID), zap.Error(err))
		problem.BadGateway.WithDetail("backend address invalid").WriteJSON(w)
		return
	}

	ctx := r.Context()
	if _, has := ctx.Deadline(); !has && p.opts.Timeouts.Request > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.Timeouts.Request)
		defer cancel()
	}

	outbound := p.buildRequest(ctx, r, target, route, authRes, clientIP, peerTrusted)

	if info := middleware.RouteInfoFromContext(r.Context()); info != nil {
		info.Backend = target.Host
	}

	resp, err := p.opts.Transport.RoundTrip(outbound)
	if err != nil {
		p.writeError(w, r, route, err)
		return
	}
	defer resp.Body.Close()

	copyFiltered(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		// Headers are gone; all we can do is log and count.
		p.reportError(route.Service.ServiceID, ErrKindBody, err)
		logging.Debug("response body copy aborted", zap.Error(err))
	}
}

// validateHeaders enforces the per-header and aggregate size caps.
func (p *Proxy) validateHeaders(r *http.Request) *problem.Problem {
	perHeader := p.opts.Limits.MaxHeaderSize
	total := p.opts.Limits.MaxTotalHeadersSize

	sum := 0
	for k, vv := range r.Header {
		for _, v := range vv {
			n := len(k) + len(v)
			if perHeader > 0 && n > perHeader {
				return problem.HeaderTooLarge.WithDetailf("header %s exceeds %d bytes", k, perHeader)
			}
			sum += n
		}
	}
	if total > 0 && sum > total {
		return problem.HeaderTooLarge.WithDetailf("headers exceed %d bytes in aggregate", total)
	}
	return nil
}

// validateBody rejects oversized declared bodies up front and wraps
// the rest with a streaming cap.
func (p *Proxy) validateBody(w http.ResponseWriter, r *http.Request) *problem.Problem {
	max := p.opts.Limits.MaxBodySize
	if max <= 0 {
		return nil
	}
	if r.ContentLength > max {
		return problem.PayloadTooLarge.WithDetailf("body exceeds %d bytes", max)
	}
	if r.Body != nil {
		r.Body = http.MaxBytesReader(w, r.Body, max)
	}
	return nil
}

func (p *Proxy) targetURL(route registry.RouteLookupResult) (*url.URL, error) {
	base, err := url.Parse(route.Service.BaseURL)
	if err != nil {
		return nil, err
	}
	target := *base
	target.Path = singleJoiningSlash(base.Path, route.TargetPath)
	return &target, nil
}

func (p *Proxy) buildRequest(ctx context.Context, r *http.Request, target *url.URL, route registry.RouteLookupResult, authRes auth.RouteAuthResult, clientIP string, peerTrusted bool) *http.Request {
	outURL := *target
	outURL.RawQuery = r.URL.RawQuery

	out := (&http.Request{
		Method:        r.Method,
		URL:           &outURL,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Body:          r.Body,
		ContentLength: r.ContentLength,
		Host:          target.Host,
	}).WithContext(ctx)

	out.Header = make(http.Header, len(r.Header)+4)
	copyFiltered(out.Header, r.Header)
	p.stripCredentials(out.Header)

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}

	if peerTrusted {
		if prior := out.Header.Get("X-Forwarded-For"); prior != "" {
			out.Header.Set("X-Forwarded-For", prior+", "+clientIP)
		} else {
			out.Header.Set("X-Forwarded-For", clientIP)
		}
		if out.Header.Get("X-Forwarded-Proto") == "" {
			out.Header.Set("X-Forwarded-Proto", scheme)
		}
		if out.Header.Get("X-Forwarded-Host") == "" {
			out.Header.Set("X-Forwarded-Host", r.Host)
		}
	} else {
		out.Header.Set("X-Forwarded-For", clientIP)
		out.Header.Set("X-Forwarded-Proto", scheme)
		out.Header.Set("X-Forwarded-Host", r.Host)
	}
	out.Header.Set("Forwarded", "for="+clientIP+";proto="+scheme+";host="+r.Host)

	if authRes.Kind == auth.ResultAuthenticated {
		out.Header.Set("Authorization", "Bearer "+authRes.Token.Token)
		if authRes.KeyID != "" {
			out.Header.Set("X-Aussie-Key-Id", authRes.KeyID)
			out.Header.Set("X-Aussie-Key-Name", authRes.KeyName)
		}
	}

	tracing.InjectHeaders(ctx, out.Header)
	return out
}

// stripCredentials removes the gateway's own credential carriers so
// they never reach a backend.
func (p *Proxy) stripCredentials(h http.Header) {
	h.Del("Authorization")
	h.Del("X-Session-ID")
	h.Del("X-API-Key-ID")

	cookies := h.Values("Cookie")
	if len(cookies) == 0 {
		return
	}
	var kept []string
	for _, line := range cookies {
		for _, c := range strings.Split(line, ";") {
			c = strings.TrimSpace(c)
			if c == "" || strings.HasPrefix(c, p.opts.CookieName+"=") {
				continue
			}
			kept = append(kept, c)
		}
	}
	h.Del("Cookie")
	if len(kept) > 0 {
		h.Set("Cookie", strings.Join(kept, "; "))
	}
}

func (p *Proxy) writeError(w http.ResponseWriter, r *http.Request, route registry.RouteLookupResult, err error) {
	serviceID := route.Service.ServiceID

	var maxBytes *http.MaxBytesError
	switch {
	case errors.As(err, &maxBytes):
		p.reportError(serviceID, ErrKindBody, err)
		problem.PayloadTooLarge.WithDetailf("body exceeds %d bytes", maxBytes.Limit).WriteJSON(w)
	case errors.Is(err, safeurl.ErrBlocked):
		p.reportError(serviceID, ErrKindBlocked, err)
		problem.BadGateway.WithDetail("backend address not allowed").WriteJSON(w)
	case isTimeout(err):
		p.reportError(serviceID, ErrKindTimeout, err)
		problem.GatewayTimeout.WithRequestID(middleware.GetRequestID(r)).WriteJSON(w)
	default:
		p.reportError(serviceID, ErrKindConnect, err)
		logging.Warn("backend request failed",
			zap.String("service", serviceID), zap.Error(err))
		problem.BadGateway.WithRequestID(middleware.GetRequestID(r)).WriteJSON(w)
	}
}

func (p *Proxy) reportError(serviceID, kind string, err error) {
	if p.opts.OnBackendError != nil {
		p.opts.OnBackendError(serviceID, kind, err)
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// hopHeaders are stripped on both legs per RFC 7230 §6.1.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// copyFiltered copies src into dst dropping hop-by-hop headers,
// including any named by the Connection header itself.
func copyFiltered(dst, src http.Header) {
	named := connectionTokens(src)
	for k, vv := range src {
		if named[http.CanonicalHeaderKey(k)] {
			continue
		}
		dst[k] = append(dst[k][:0:0], vv...)
	}
	for _, h := range hopHeaders {
		dst.Del(h)
	}
	for k := range named {
		dst.Del(k)
	}
}

func connectionTokens(h http.Header) map[string]bool {
	tokens := make(map[string]bool)
	for _, line := range h.Values("Connection") {
		for _, tok := range strings.Split(line, ",") {
			tok = strings.TrimSpace(tok)
			if tok != "" {
				tokens[http.CanonicalHeaderKey(tok)] = true
			}
		}
	}
	return tokens
}

func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		if b == "" {
			return a
		}
		return a + "/" + b
	}
	return a + b
}
