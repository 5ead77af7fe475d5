package cors

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aussielabs/aussie/config"
	"github.com/aussielabs/aussie/internal/middleware"
)

// Policy is a compiled CORS rule. The platform policy applies by
// default; services may register an override which is merged field-wise
// before compilation.
type Policy struct {
	allowOrigins     []string
	allowMethods     string
	allowHeaders     string
	exposeHeaders    string
	allowCredentials bool
	maxAge           string
	allowAllOrigins  bool
}

// New compiles a CORS rule.
func New(rule config.CORSRule) *Policy {
	p := &Policy{
		allowOrigins:     rule.AllowedOrigins,
		allowCredentials: rule.AllowCredentials,
	}

	if len(rule.AllowedMethods) > 0 {
		p.allowMethods = strings.Join(rule.AllowedMethods, ", ")
	} else {
		p.allowMethods = "GET, POST, PUT, DELETE, PATCH, OPTIONS"
	}
	if len(rule.AllowedHeaders) > 0 {
		p.allowHeaders = strings.Join(rule.AllowedHeaders, ", ")
	} else {
		p.allowHeaders = "Content-Type, Authorization, X-Session-ID, X-API-Key-ID"
	}
	if len(rule.ExposedHeaders) > 0 {
		p.exposeHeaders = strings.Join(rule.ExposedHeaders, ", ")
	}
	if rule.MaxAge > 0 {
		p.maxAge = strconv.Itoa(int(rule.MaxAge / time.Second))
	} else {
		p.maxAge = "86400"
	}

	for _, o := range rule.AllowedOrigins {
		if o == "*" {
			p.allowAllOrigins = true
			break
		}
	}
	return p
}

// Merge overlays the non-empty fields of override on base and returns
// the merged rule. A nil override returns base unchanged.
func Merge(base config.CORSRule, override *config.CORSRule) config.CORSRule {
	if override == nil {
		return base
	}
	out := base
	if len(override.AllowedOrigins) > 0 {
		out.AllowedOrigins = override.AllowedOrigins
	}
	if len(override.AllowedMethods) > 0 {
		out.AllowedMethods = override.AllowedMethods
	}
	if len(override.AllowedHeaders) > 0 {
		out.AllowedHeaders = override.AllowedHeaders
	}
	if len(override.ExposedHeaders) > 0 {
		out.ExposedHeaders = override.ExposedHeaders
	}
	if override.AllowCredentials {
		out.AllowCredentials = true
	}
	if override.MaxAge > 0 {
		out.MaxAge = override.MaxAge
	}
	return out
}

// IsPreflight reports whether the request is a CORS preflight.
func (p *Policy) IsPreflight(r *http.Request) bool {
	return r.Method == http.MethodOptions &&
		r.Header.Get("Origin") != "" &&
		r.Header.Get("Access-Control-Request-Method") != ""
}

// HandlePreflight answers a preflight with 204. Disallowed origins get
// the 204 without CORS headers; the browser enforces the denial.
func (p *Policy) HandlePreflight(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if !p.originAllowed(origin) {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	respOrigin := origin
	if p.allowAllOrigins && !p.allowCredentials {
		respOrigin = "*"
	}

	h := w.Header()
	h.Set("Access-Control-Allow-Origin", respOrigin)
	h.Set("Access-Control-Allow-Methods", p.allowMethods)
	h.Set("Access-Control-Allow-Headers", p.allowHeaders)
	if p.allowCredentials {
		h.Set("Access-Control-Allow-Credentials", "true")
	}
	h.Set("Access-Control-Max-Age", p.maxAge)
	h.Set("Vary", "Origin, Access-Control-Request-Method, Access-Control-Request-Headers")
	w.WriteHeader(http.StatusNoContent)
}

// ApplyHeaders adds CORS headers to a non-preflight response.
func (p *Policy) ApplyHeaders(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" || !p.originAllowed(origin) {
		return
	}

	respOrigin := origin
	if p.allowAllOrigins && !p.allowCredentials {
		respOrigin = "*"
	}

	h := w.Header()
	h.Set("Access-Control-Allow-Origin", respOrigin)
	if p.allowCredentials {
		h.Set("Access-Control-Allow-Credentials", "true")
	}
	if p.exposeHeaders != "" {
		h.Set("Access-Control-Expose-Headers", p.exposeHeaders)
	}
	h.Add("Vary", "Origin")
}

func (p *Policy) originAllowed(origin string) bool {
	if p.allowAllOrigins {
		return true
	}
	for _, allowed := range p.allowOrigins {
		if allowed == origin {
			return true
		}
		// *.example.com matches any subdomain.
		if strings.HasPrefix(allowed, "*.") && strings.HasSuffix(origin, allowed[1:]) {
			return true
		}
	}
	return false
}

// Middleware handles preflights and decorates responses with the
// policy's headers.
func (p *Policy) Middleware() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if p.IsPreflight(r) {
				p.HandlePreflight(w, r)
				return
			}
			p.ApplyHeaders(w, r)
			next.ServeHTTP(w, r)
		})
	}
}
