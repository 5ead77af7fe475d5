package websocket

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aussielabs/aussie/config"
	"github.com/aussielabs/aussie/internal/auth"
	"github.com/aussielabs/aussie/internal/ratelimit"
	"github.com/aussielabs/aussie/internal/registry"
	"github.com/aussielabs/aussie/internal/registry/store/memory"
	"github.com/aussielabs/aussie/internal/safeurl"
)

func TestIsUpgradeRequest(t *testing.T) {
	tests := []struct {
		name       string
		upgrade    string
		connection string
		want       bool
	}{
		{"plain request", "", "", false},
		{"canonical", "websocket", "Upgrade", true},
		{"mixed case", "WebSocket", "keep-alive, UPGRADE", true},
		{"upgrade without websocket", "h2c", "Upgrade", false},
		{"websocket without connection token", "websocket", "keep-alive", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/svc-a/ws", nil)
			if tt.upgrade != "" {
				r.Header.Set("Upgrade", tt.upgrade)
			}
			if tt.connection != "" {
				r.Header.Set("Connection", tt.connection)
			}
			if got := IsUpgradeRequest(r); got != tt.want {
				t.Fatalf("IsUpgradeRequest = %v, want %v", got, tt.want)
			}
		})
	}
}

func newFilterRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	guard, err := safeurl.New(nil)
	if err != nil {
		t.Fatal(err)
	}
	reg := registry.New(registry.Options{Store: memory.New(), Guard: guard})
	if err := reg.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { reg.Close() })

	res := reg.Register(context.Background(), &registry.ServiceRegistration{
		ServiceID: "svc-a",
		BaseURL:   "http://10.0.0.5:9000",
		Endpoints: []registry.EndpointConfig{
			{Path: "/ws", Type: registry.EndpointWebSocket},
		},
	})
	if res.Kind == registry.RegistrationFailed {
		t.Fatal(res.Reason)
	}
	return reg
}

func newWSLimiter(t *testing.T) *ratelimit.Limiter {
	t.Helper()
	mem := ratelimit.NewMemoryProvider()
	t.Cleanup(func() { mem.Close() })
	return ratelimit.NewLimiter(ratelimit.LimiterOptions{Primary: mem, Fallback: mem})
}

func wsResolver(message, connection config.RateLimitRule) *ratelimit.Resolver {
	return ratelimit.NewResolver(config.RateLimitConfig{
		WebSocket: config.WebSocketLimits{Connection: connection, Message: message},
	}, config.LocalCacheConfig{})
}

func upgradeRequest(path string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, path, nil)
	r.Header.Set("Upgrade", "websocket")
	r.Header.Set("Connection", "Upgrade")
	r.Header.Set("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")
	r.Header.Set("Sec-WebSocket-Version", "13")
	return r
}

func TestFilterAdmitDeniesOverLimit(t *testing.T) {
	reg := newFilterRegistry(t)
	var denied string
	f := &Filter{
		Registry: reg,
		Limiter:  newWSLimiter(t),
		Resolver: wsResolver(config.RateLimitRule{}, config.RateLimitRule{RequestsPerWindow: 1, WindowSeconds: 60}),
		OnDeny:   func(clientID, serviceID string, d ratelimit.Decision) { denied = serviceID },
	}

	rec := httptest.NewRecorder()
	if !f.Admit(rec, upgradeRequest("/svc-a/ws"), "c1") {
		t.Fatal("first upgrade denied")
	}

	rec = httptest.NewRecorder()
	if f.Admit(rec, upgradeRequest("/svc-a/ws"), "c1") {
		t.Fatal("second upgrade admitted")
	}
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("code = %d", rec.Code)
	}
	for _, h := range []string{"Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"} {
		if rec.Header().Get(h) == "" {
			t.Errorf("missing header %s", h)
		}
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Fatalf("remaining = %q", rec.Header().Get("X-RateLimit-Remaining"))
	}
	if denied != "svc-a" {
		t.Fatalf("denied = %q", denied)
	}

	// A different client still gets through.
	rec = httptest.NewRecorder()
	if !f.Admit(rec, upgradeRequest("/svc-a/ws"), "c2") {
		t.Fatal("other client denied")
	}
}

func TestFilterSkipsNonUpgradeAndReserved(t *testing.T) {
	f := &Filter{
		Registry: newFilterRegistry(t),
		Limiter:  newWSLimiter(t),
		Resolver: wsResolver(config.RateLimitRule{}, config.RateLimitRule{RequestsPerWindow: 1, WindowSeconds: 60}),
	}

	rec := httptest.NewRecorder()
	if !f.Admit(rec, httptest.NewRequest(http.MethodGet, "/svc-a/things", nil), "c1") {
		t.Fatal("plain HTTP filtered")
	}
	for _, path := range []string{"/admin/services", "/q/health"} {
		rec = httptest.NewRecorder()
		if !f.Admit(rec, upgradeRequest(path), "c1") {
			t.Fatalf("reserved path %s filtered", path)
		}
	}
	// Unknown services fall through to the HTTP 404 path.
	rec = httptest.NewRecorder()
	if !f.Admit(rec, upgradeRequest("/nope/ws"), "c1") {
		t.Fatal("unknown service filtered")
	}
}

// maskedTextFrame builds one client-side text frame. Payloads must stay
// under 126 bytes.
func maskedTextFrame(payload string) []byte {
	key := [4]byte{0x11, 0x22, 0x33, 0x44}
	buf := []byte{0x81, 0x80 | byte(len(payload))}
	buf = append(buf, key[:]...)
	for i := 0; i < len(payload); i++ {
		buf = append(buf, payload[i]^key[i%4])
	}
	return buf
}

// startEchoBackend accepts one upgrade and echoes every byte after the
// 101 response.
func startEchoBackend(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				br := bufio.NewReader(c)
				if _, err := http.ReadRequest(br); err != nil {
					return
				}
				c.Write([]byte("HTTP/1.1 101 Switching Protocols\r\nUpgrade: websocket\r\nConnection: Upgrade\r\n\r\n"))
				io.Copy(c, br)
			}(conn)
		}
	}()
	return ln.Addr().String()
}

// dialRelay stands up the proxy in front of backendAddr and completes
// the client handshake.
func dialRelay(t *testing.T, p *Proxy, backendAddr string, authRes auth.RouteAuthResult) (net.Conn, *bufio.Reader) {
	t.Helper()
	route := registry.RouteLookupResult{
		Kind:       registry.KindRouteMatch,
		Service:    &registry.ServiceRegistration{ServiceID: "svc-a", BaseURL: "http://" + backendAddr},
		TargetPath: "/ws",
	}
	front := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.Upgrade(w, r, route, authRes, "203.0.113.9")
	}))
	t.Cleanup(front.Close)

	conn, err := net.Dial("tcp", front.Listener.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	conn.Write([]byte("GET /svc-a/ws HTTP/1.1\r\nHost: gw\r\nUpgrade: websocket\r\nConnection: Upgrade\r\nSec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\nSec-WebSocket-Version: 13\r\n\r\n"))
	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("handshake status = %d", resp.StatusCode)
	}
	return conn, br
}

func TestRelayRoundTrip(t *testing.T) {
	backend := startEchoBackend(t)
	p := New(Options{
		Limiter:  newWSLimiter(t),
		Resolver: wsResolver(config.RateLimitRule{}, config.RateLimitRule{}),
	})

	conn, br := dialRelay(t, p, backend, auth.RouteAuthResult{Kind: auth.ResultNotRequired})

	frame := maskedTextFrame("hello")
	if _, err := conn.Write(frame); err != nil {
		t.Fatal(err)
	}
	echoed := make([]byte, len(frame))
	if _, err := io.ReadFull(br, echoed); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(echoed, frame) {
		t.Fatalf("echo = %x, want %x", echoed, frame)
	}
}

// readCloseCode reads one close frame from the client leg.
func readCloseCode(t *testing.T, br *bufio.Reader) uint16 {
	t.Helper()
	hdr := make([]byte, 2)
	if _, err := io.ReadFull(br, hdr); err != nil {
		t.Fatal(err)
	}
	if hdr[0]&0x0F != opClose {
		t.Fatalf("opcode = %#x, want close", hdr[0]&0x0F)
	}
	payload := make([]byte, hdr[1]&0x7F)
	if _, err := io.ReadFull(br, payload); err != nil {
		t.Fatal(err)
	}
	if len(payload) < 2 {
		t.Fatalf("close payload too short: %d", len(payload))
	}
	return binary.BigEndian.Uint16(payload[:2])
}

func TestRelayMessageThrottleCloses4429(t *testing.T) {
	backend := startEchoBackend(t)
	var throttled string
	p := New(Options{
		Limiter:  newWSLimiter(t),
		Resolver: wsResolver(config.RateLimitRule{RequestsPerWindow: 1, WindowSeconds: 60}, config.RateLimitRule{}),
		OnThrottle: func(clientID, serviceID, sessionID string, d ratelimit.Decision) {
			throttled = serviceID
		},
	})

	conn, br := dialRelay(t, p, backend, auth.RouteAuthResult{Kind: auth.ResultNotRequired})

	first := maskedTextFrame("one")
	conn.Write(first)
	echoed := make([]byte, len(first))
	if _, err := io.ReadFull(br, echoed); err != nil {
		t.Fatal(err)
	}

	conn.Write(maskedTextFrame("two"))
	if code := readCloseCode(t, br); code != CloseRateLimited {
		t.Fatalf("close code = %d, want %d", code, CloseRateLimited)
	}
	if throttled != "svc-a" {
		t.Fatalf("throttled = %q", throttled)
	}
}

func TestHubClosesSession4401(t *testing.T) {
	backend := startEchoBackend(t)
	hub := NewHub()
	p := New(Options{
		Limiter:  newWSLimiter(t),
		Resolver: wsResolver(config.RateLimitRule{}, config.RateLimitRule{}),
		Hub:      hub,
	})

	_, br := dialRelay(t, p, backend, auth.RouteAuthResult{
		Kind:      auth.ResultAuthenticated,
		SessionID: "sess-1",
		Token:     auth.SessionToken{Token: "tok"},
	})

	deadline := time.Now().Add(2 * time.Second)
	for hub.Len() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("relay never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if n := hub.CloseSession("sess-1"); n != 1 {
		t.Fatalf("CloseSession = %d", n)
	}
	if code := readCloseCode(t, br); code != CloseSessionInvalid {
		t.Fatalf("close code = %d, want %d", code, CloseSessionInvalid)
	}
}

func TestRelayOpenCloseHooks(t *testing.T) {
	backend := startEchoBackend(t)
	opened := make(chan string, 1)
	closed := make(chan string, 1)
	p := New(Options{
		Limiter:  newWSLimiter(t),
		Resolver: wsResolver(config.RateLimitRule{}, config.RateLimitRule{}),
		OnOpen:   func(serviceID string) { opened <- serviceID },
		OnClose:  func(serviceID string) { closed <- serviceID },
	})

	conn, _ := dialRelay(t, p, backend, auth.RouteAuthResult{Kind: auth.ResultNotRequired})

	select {
	case svc := <-opened:
		if svc != "svc-a" {
			t.Fatalf("opened = %q", svc)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnOpen never fired")
	}

	conn.Close()
	select {
	case svc := <-closed:
		if svc != "svc-a" {
			t.Fatalf("closed = %q", svc)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnClose never fired")
	}
}

func TestReadFrameHeader(t *testing.T) {
	// Masked 200-byte text frame uses the 16-bit extended length.
	payload := bytes.Repeat([]byte{'a'}, 200)
	raw := []byte{0x81, 0x80 | 126, 0x00, 200, 1, 2, 3, 4}
	raw = append(raw, payload...)

	br := bufio.NewReader(bytes.NewReader(raw))
	f, err := readFrameHeader(br, make([]byte, 14))
	if err != nil {
		t.Fatal(err)
	}
	if !f.fin || f.opcode != opText || f.length != 200 {
		t.Fatalf("frame = %+v", f)
	}
	if len(f.raw) != 8 {
		t.Fatalf("raw header = %d bytes", len(f.raw))
	}
	if !f.isData() {
		t.Fatal("text frame not data")
	}

	// Control frames are not data.
	br = bufio.NewReader(bytes.NewReader([]byte{0x89, 0x00}))
	f, err = readFrameHeader(br, make([]byte, 14))
	if err != nil {
		t.Fatal(err)
	}
	if f.opcode != opPing || f.isData() {
		t.Fatalf("frame = %+v", f)
	}
}

func TestWriteClose(t *testing.T) {
	var buf bytes.Buffer
	if err := writeClose(&buf, CloseRateLimited, "message rate exceeded"); err != nil {
		t.Fatal(err)
	}
	b := buf.Bytes()
	if b[0] != 0x80|opClose {
		t.Fatalf("first byte = %#x", b[0])
	}
	if int(b[1]) != len(b)-2 {
		t.Fatalf("length byte = %d, frame = %d", b[1], len(b))
	}
	if code := binary.BigEndian.Uint16(b[2:4]); code != CloseRateLimited {
		t.Fatalf("code = %d", code)
	}
	if string(b[4:]) != "message rate exceeded" {
		t.Fatalf("reason = %q", b[4:])
	}
}
