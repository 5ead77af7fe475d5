package proxy

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aussielabs/aussie/config"
	"github.com/aussielabs/aussie/internal/auth"
	"github.com/aussielabs/aussie/internal/registry"
)

func routeTo(t *testing.T, baseURL, targetPath string) registry.RouteLookupResult {
	t.Helper()
	return registry.RouteLookupResult{
		Kind:       registry.KindRouteMatch,
		Service:    &registry.ServiceRegistration{ServiceID: "svc-a", BaseURL: baseURL},
		TargetPath: targetPath,
	}
}

func TestForwardPathAndQuery(t *testing.T) {
	var gotPath, gotQuery, gotHost string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotHost = r.Host
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer backend.Close()

	p := New(Options{})
	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/svc-a/things/42?full=1", strings.NewReader("body"))

	p.Forward(rec, r, routeTo(t, backend.URL+"/api", "/things/42"), auth.RouteAuthResult{}, "203.0.113.9", false)

	if rec.Code != http.StatusCreated || rec.Body.String() != `{"ok":true}` {
		t.Fatalf("code = %d, body = %q", rec.Code, rec.Body.String())
	}
	if gotPath != "/api/things/42" || gotQuery != "full=1" {
		t.Fatalf("backend saw %q?%q", gotPath, gotQuery)
	}
	if gotHost != strings.TrimPrefix(backend.URL, "http://") {
		t.Fatalf("Host = %q", gotHost)
	}
}

func TestForwardHopByHopHygiene(t *testing.T) {
	var seen http.Header
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
		w.Header().Set("Keep-Alive", "timeout=5")
		w.Header().Set("X-Backend", "yes")
	}))
	defer backend.Close()

	p := New(Options{})
	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/svc-a/x", nil)
	r.Header.Set("Connection", "close, X-Droppable")
	r.Header.Set("X-Droppable", "secret")
	r.Header.Set("Te", "trailers")
	r.Header.Set("X-Custom", "kept")

	p.Forward(rec, r, routeTo(t, backend.URL, "/x"), auth.RouteAuthResult{}, "203.0.113.9", false)

	for _, h := range []string{"Te", "X-Droppable"} {
		if seen.Get(h) != "" {
			t.Errorf("hop-by-hop header %s reached backend", h)
		}
	}
	if seen.Get("X-Custom") != "kept" {
		t.Fatal("end-to-end header lost")
	}
	if rec.Header().Get("Keep-Alive") != "" {
		t.Fatal("hop-by-hop response header forwarded")
	}
	if rec.Header().Get("X-Backend") != "yes" {
		t.Fatal("response header lost")
	}
}

func TestForwardCredentialStripping(t *testing.T) {
	var seen http.Header
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
	}))
	defer backend.Close()

	p := New(Options{})
	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/svc-a/x", nil)
	r.Header.Set("Authorization", "Bearer client-token")
	r.Header.Set("X-Session-ID", "sess-1")
	r.Header.Set("X-API-Key-ID", "ak-1.secret")
	r.Header.Set("Cookie", "aussie_session=abc; theme=dark")

	p.Forward(rec, r, routeTo(t, backend.URL, "/x"), auth.RouteAuthResult{
		Kind:    auth.ResultAuthenticated,
		Token:   auth.SessionToken{Token: "gw-token"},
		KeyID:   "ak-1",
		KeyName: "ci",
	}, "203.0.113.9", false)

	if got := seen.Get("Authorization"); got != "Bearer gw-token" {
		t.Fatalf("Authorization = %q", got)
	}
	if seen.Get("X-Session-ID") != "" || seen.Get("X-API-Key-ID") != "" {
		t.Fatal("credential headers leaked")
	}
	if got := seen.Get("Cookie"); got != "theme=dark" {
		t.Fatalf("Cookie = %q", got)
	}
	if seen.Get("X-Aussie-Key-Id") != "ak-1" || seen.Get("X-Aussie-Key-Name") != "ci" {
		t.Fatalf("key headers = %q/%q", seen.Get("X-Aussie-Key-Id"), seen.Get("X-Aussie-Key-Name"))
	}
}

func TestForwardForwardingHeaders(t *testing.T) {
	var seen http.Header
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
	}))
	defer backend.Close()

	p := New(Options{})

	// Untrusted peer: inbound forwarding headers are replaced.
	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/svc-a/x", nil)
	r.Host = "gw.example.com"
	r.Header.Set("X-Forwarded-For", "6.6.6.6")
	p.Forward(rec, r, routeTo(t, backend.URL, "/x"), auth.RouteAuthResult{}, "203.0.113.9", false)

	if got := seen.Get("X-Forwarded-For"); got != "203.0.113.9" {
		t.Fatalf("untrusted XFF = %q", got)
	}
	if got := seen.Get("Forwarded"); got != "for=203.0.113.9;proto=http;host=gw.example.com" {
		t.Fatalf("Forwarded = %q", got)
	}
	if seen.Get("X-Forwarded-Host") != "gw.example.com" {
		t.Fatalf("XFH = %q", seen.Get("X-Forwarded-Host"))
	}

	// Trusted peer: the chain is extended.
	rec = httptest.NewRecorder()
	r = httptest.NewRequest(http.MethodGet, "/svc-a/x", nil)
	r.Header.Set("X-Forwarded-For", "198.51.100.1")
	p.Forward(rec, r, routeTo(t, backend.URL, "/x"), auth.RouteAuthResult{}, "203.0.113.9", true)

	if got := seen.Get("X-Forwarded-For"); got != "198.51.100.1, 203.0.113.9" {
		t.Fatalf("trusted XFF = %q", got)
	}
}

func TestForwardBodyLimit(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer backend.Close()

	p := New(Options{Limits: config.LimitsConfig{MaxBodySize: 8}})
	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/svc-a/x", strings.NewReader("way more than eight bytes"))

	p.Forward(rec, r, routeTo(t, backend.URL, "/x"), auth.RouteAuthResult{}, "203.0.113.9", false)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("code = %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["title"] != "Payload Too Large" {
		t.Fatalf("body = %v", body)
	}
}

func TestForwardHeaderLimits(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer backend.Close()

	p := New(Options{Limits: config.LimitsConfig{MaxHeaderSize: 32}})
	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/svc-a/x", nil)
	r.Header.Set("X-Big", strings.Repeat("v", 64))

	p.Forward(rec, r, routeTo(t, backend.URL, "/x"), auth.RouteAuthResult{}, "203.0.113.9", false)
	if rec.Code != http.StatusRequestHeaderFieldsTooLarge {
		t.Fatalf("code = %d", rec.Code)
	}

	p = New(Options{Limits: config.LimitsConfig{MaxTotalHeadersSize: 40}})
	rec = httptest.NewRecorder()
	r = httptest.NewRequest(http.MethodGet, "/svc-a/x", nil)
	for _, name := range []string{"X-A", "X-B", "X-C"} {
		r.Header.Set(name, strings.Repeat("v", 16))
	}
	p.Forward(rec, r, routeTo(t, backend.URL, "/x"), auth.RouteAuthResult{}, "203.0.113.9", false)
	if rec.Code != http.StatusRequestHeaderFieldsTooLarge {
		t.Fatalf("aggregate code = %d", rec.Code)
	}
}

func TestForwardBackendDown(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	backend.Close() // refuse connections

	var kind string
	p := New(Options{OnBackendError: func(svc, k string, err error) { kind = k }})
	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/svc-a/x", nil)

	p.Forward(rec, r, routeTo(t, backend.URL, "/x"), auth.RouteAuthResult{}, "203.0.113.9", false)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("code = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Fatalf("content type = %q", ct)
	}
	if kind != ErrKindConnect {
		t.Fatalf("kind = %q", kind)
	}
}

func TestForwardBackendTimeout(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer backend.Close()

	var kind string
	p := New(Options{
		Timeouts:       config.TimeoutsConfig{Request: 30 * time.Millisecond},
		OnBackendError: func(svc, k string, err error) { kind = k },
	})
	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/svc-a/x", nil)

	p.Forward(rec, r, routeTo(t, backend.URL, "/x"), auth.RouteAuthResult{}, "203.0.113.9", false)

	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("code = %d", rec.Code)
	}
	if kind != ErrKindTimeout {
		t.Fatalf("kind = %q", kind)
	}
}
