package websocket

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/aussielabs/aussie/internal/auth"
	"github.com/aussielabs/aussie/internal/logging"
	"github.com/aussielabs/aussie/internal/problem"
	"github.com/aussielabs/aussie/internal/ratelimit"
	"github.com/aussielabs/aussie/internal/registry"
)

// Options wires the relay proxy.
type Options struct {
	// Dial opens the backend leg; the gateway passes the safeurl guard
	// dialer here.
	Dial func(ctx context.Context, network, addr string) (net.Conn, error)

	HandshakeTimeout time.Duration

	Limiter  *ratelimit.Limiter
	Resolver *ratelimit.Resolver
	Hub      *Hub

	// CookieName is the gateway session cookie stripped from the
	// outbound handshake.
	CookieName string

	// OnOpen and OnClose track the live-connection gauge. Optional.
	OnOpen  func(serviceID string)
	OnClose func(serviceID string)

	// OnThrottle observes message-rate closes for security events.
	// Optional.
	OnThrottle func(clientID, serviceID, sessionID string, d ratelimit.Decision)
}

// Proxy upgrades admitted WebSocket requests toward the backend and
// relays frames in both directions until either leg ends.
type Proxy struct {
	opts Options
}

// New creates a relay proxy.
func New(opts Options) *Proxy {
	if opts.Dial == nil {
		opts.Dial = (&net.Dialer{Timeout: 10 * time.Second}).DialContext
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.CookieName == "" {
		opts.CookieName = auth.DefaultCookieName
	}
	if opts.Hub == nil {
		opts.Hub = NewHub()
	}
	return &Proxy{opts: opts}
}

// Upgrade performs the backend handshake and, on 101, relays until the
// connection ends. Admission and auth have already run; authRes binds
// the relay to its session for invalidation.
func (p *Proxy) Upgrade(w http.ResponseWriter, r *http.Request, route registry.RouteLookupResult, authRes auth.RouteAuthResult, clientIP string) {
	serviceID := GatewayServiceID
	if route.Service != nil {
		serviceID = route.Service.ServiceID
	}

	target, err := upgradeTarget(route, r)
	if err != nil {
		logging.Error("websocket target unresolved",
			zap.String("service", serviceID), zap.Error(err))
		problem.BadGateway.WithDetail("backend address invalid").WriteJSON(w)
		return
	}

	hctx, cancel := context.WithTimeout(r.Context(), p.opts.HandshakeTimeout)
	backendConn, err := p.opts.Dial(hctx, "tcp", hostPort(target))
	cancel()
	if err != nil {
		logging.Warn("websocket backend dial failed",
			zap.String("service", serviceID), zap.Error(err))
		problem.BadGateway.WithDetail("backend unreachable").WriteJSON(w)
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		backendConn.Close()
		problem.InternalError.WithDetail("upgrade not supported").WriteJSON(w)
		return
	}
	clientConn, clientBuf, err := hijacker.Hijack()
	if err != nil {
		backendConn.Close()
		problem.InternalError.WithDetail("hijack failed").WriteJSON(w)
		return
	}

	rc := &relayConn{client: clientConn, backend: backendConn}

	backendConn.SetDeadline(time.Now().Add(p.opts.HandshakeTimeout))
	if err := writeHandshake(backendConn, r, target, authRes, clientIP, p.opts.CookieName); err != nil {
		rawStatus(clientBuf, "502 Bad Gateway")
		rc.closeQuiet()
		return
	}

	backendBuf := bufio.NewReader(backendConn)
	resp, err := http.ReadResponse(backendBuf, r)
	if err != nil {
		logging.Warn("websocket handshake response unreadable",
			zap.String("service", serviceID), zap.Error(err))
		rawStatus(clientBuf, "502 Bad Gateway")
		rc.closeQuiet()
		return
	}
	backendConn.SetDeadline(time.Time{})

	if err := resp.Write(clientConn); err != nil {
		rc.closeQuiet()
		return
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		// Backend declined the upgrade; its response went through verbatim.
		io.Copy(clientConn, backendBuf)
		rc.closeQuiet()
		return
	}

	if p.opts.OnOpen != nil {
		p.opts.OnOpen(serviceID)
	}
	p.opts.Hub.add(authRes.SessionID, rc)
	defer func() {
		p.opts.Hub.remove(authRes.SessionID, rc)
		if p.opts.OnClose != nil {
			p.opts.OnClose(serviceID)
		}
	}()

	go func() {
		io.Copy(clientConn, backendBuf)
		rc.closeQuiet()
	}()

	p.relayClientFrames(rc, clientBuf.Reader, route, authRes, clientIP, serviceID)
}

// relayClientFrames copies client frames to the backend, checking the
// message throttle at each data-frame boundary.
func (p *Proxy) relayClientFrames(rc *relayConn, client *bufio.Reader, route registry.RouteLookupResult, authRes auth.RouteAuthResult, clientIP, serviceID string) {
	// Anonymous and key-authenticated relays throttle per client
	// instead of per session.
	sessionKey := authRes.SessionID
	if sessionKey == "" {
		sessionKey = clientIP
	}
	msgEff := p.opts.Resolver.ResolveWSMessage(route.Service, route.Endpoint)
	msgKey := ratelimit.Key{
		ClientID: clientIP,
		Scope:    ratelimit.ScopeWSMessage(serviceID, sessionKey),
	}

	scratch := make([]byte, 14)
	for {
		f, err := readFrameHeader(client, scratch)
		if err != nil {
			rc.closeQuiet()
			return
		}

		if f.isData() && !msgEff.IsZero() {
			d := p.opts.Limiter.Check(context.Background(), msgKey, msgEff)
			if !d.Allowed {
				rc.closeWith(CloseRateLimited, "message rate exceeded")
				if p.opts.OnThrottle != nil {
					p.opts.OnThrottle(clientIP, serviceID, sessionKey, d)
				}
				return
			}
		}

		if _, err := rc.backend.Write(f.raw); err != nil {
			rc.closeQuiet()
			return
		}
		if f.length > 0 {
			if _, err := io.CopyN(rc.backend, client, f.length); err != nil {
				rc.closeQuiet()
				return
			}
		}
	}
}

// upgradeTarget resolves the backend URL for the route. Gateway-owned
// upgrades have no registration and no backend.
func upgradeTarget(route registry.RouteLookupResult, r *http.Request) (*url.URL, error) {
	if route.Service == nil {
		return nil, errNoBackend
	}
	base, err := url.Parse(route.Service.BaseURL)
	if err != nil {
		return nil, err
	}
	target := *base
	target.Path = joinPath(base.Path, route.TargetPath)
	target.RawQuery = r.URL.RawQuery
	return &target, nil
}

var errNoBackend = &net.AddrError{Err: "no backend for gateway-owned path", Addr: ""}

func hostPort(u *url.URL) string {
	if u.Port() != "" {
		return u.Host
	}
	if u.Scheme == "https" || u.Scheme == "wss" {
		return u.Host + ":443"
	}
	return u.Host + ":80"
}

// writeHandshake sends the upgrade request to the backend: the client's
// handshake headers minus gateway credentials, plus the forwarded
// identity and address.
func writeHandshake(w io.Writer, r *http.Request, target *url.URL, authRes auth.RouteAuthResult, clientIP, cookieName string) error {
	h := make(http.Header, len(r.Header))
	for k, vv := range r.Header {
		h[k] = append(h[k][:0:0], vv...)
	}
	h.Del("Authorization")
	h.Del("X-Session-ID")
	h.Del("X-API-Key-ID")
	filterCookie(h, cookieName)

	h.Set("X-Forwarded-For", clientIP)
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	h.Set("X-Forwarded-Proto", scheme)
	h.Set("X-Forwarded-Host", r.Host)
	if authRes.Kind == auth.ResultAuthenticated {
		h.Set("Authorization", "Bearer "+authRes.Token.Token)
	}

	uri := target.Path
	if target.RawQuery != "" {
		uri += "?" + target.RawQuery
	}
	var sb strings.Builder
	sb.WriteString(r.Method + " " + uri + " HTTP/1.1\r\n")
	sb.WriteString("Host: " + target.Host + "\r\n")
	if _, err := io.WriteString(w, sb.String()); err != nil {
		return err
	}
	if err := h.Write(w); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\r\n")
	return err
}

func filterCookie(h http.Header, cookieName string) {
	lines := h.Values("Cookie")
	if len(lines) == 0 {
		return
	}
	var kept []string
	for _, line := range lines {
		for _, c := range strings.Split(line, ";") {
			c = strings.TrimSpace(c)
			if c == "" || strings.HasPrefix(c, cookieName+"=") {
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

func rawStatus(buf *bufio.ReadWriter, status string) {
	buf.WriteString("HTTP/1.1 " + status + "\r\nContent-Length: 0\r\n\r\n")
	buf.Flush()
}

func joinPath(a, b string) string {
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
