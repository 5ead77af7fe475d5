package realip

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func request(remoteAddr, xff string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = remoteAddr
	if xff != "" {
		r.Header.Set("X-Forwarded-For", xff)
	}
	return r
}

func TestExtract(t *testing.T) {
	tests := []struct {
		name       string
		cidrs      []string
		maxHops    int
		remoteAddr string
		xff        string
		want       string
	}{
		{
			name:       "no trusted proxies ignores xff",
			remoteAddr: "203.0.113.9:1234",
			xff:        "10.0.0.1",
			want:       "203.0.113.9",
		},
		{
			name:       "untrusted peer ignores xff",
			cidrs:      []string{"10.0.0.0/8"},
			remoteAddr: "203.0.113.9:1234",
			xff:        "198.51.100.1",
			want:       "203.0.113.9",
		},
		{
			name:       "trusted peer walks chain",
			cidrs:      []string{"10.0.0.0/8"},
			remoteAddr: "10.0.0.5:1234",
			xff:        "198.51.100.1, 10.0.0.2",
			want:       "198.51.100.1",
		},
		{
			name:       "spoofed prefix stops at first untrusted hop",
			cidrs:      []string{"10.0.0.0/8"},
			remoteAddr: "10.0.0.5:1234",
			xff:        "1.2.3.4, 198.51.100.1, 10.0.0.2",
			want:       "198.51.100.1",
		},
		{
			name:       "all hops trusted returns leftmost",
			cidrs:      []string{"10.0.0.0/8"},
			remoteAddr: "10.0.0.5:1234",
			xff:        "10.0.0.7, 10.0.0.2",
			want:       "10.0.0.7",
		},
		{
			name:       "max hops bounds the walk",
			cidrs:      []string{"10.0.0.0/8"},
			maxHops:    1,
			remoteAddr: "10.0.0.5:1234",
			xff:        "198.51.100.1, 10.0.0.2",
			want:       "10.0.0.2",
		},
		{
			name:       "bare ip cidr",
			cidrs:      []string{"10.0.0.5"},
			remoteAddr: "10.0.0.5:1234",
			xff:        "198.51.100.1",
			want:       "198.51.100.1",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := New(tt.cidrs, nil, tt.maxHops)
			if err != nil {
				t.Fatal(err)
			}
			if got := e.Extract(request(tt.remoteAddr, tt.xff)); got != tt.want {
				t.Fatalf("Extract = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExtractXRealIP(t *testing.T) {
	e, err := New([]string{"10.0.0.0/8"}, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	r := request("10.0.0.5:1234", "")
	r.Header.Set("X-Real-IP", "198.51.100.7")

	if got := e.Extract(r); got != "198.51.100.7" {
		t.Fatalf("Extract = %q", got)
	}
}

func TestNewRejectsBadCIDR(t *testing.T) {
	if _, err := New([]string{"not-an-ip"}, nil, 0); err == nil {
		t.Fatal("expected error")
	}
}

func TestMiddlewareContext(t *testing.T) {
	e, err := New([]string{"10.0.0.0/8"}, nil, 0)
	if err != nil {
		t.Fatal(err)
	}

	var got string
	h := e.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = FromContext(r.Context())
	}))
	h.ServeHTTP(httptest.NewRecorder(), request("10.0.0.5:1234", "198.51.100.1"))

	if got != "198.51.100.1" {
		t.Fatalf("FromContext = %q", got)
	}
	if s := e.Stats(); s.TotalRequests != 1 || s.Extracted != 1 {
		t.Fatalf("stats = %+v", s)
	}
}
