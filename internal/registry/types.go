// Package registry holds the service-registration model and resolves
// inbound (path, method) pairs to routes.
package registry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/aussielabs/aussie/config"
)

// Visibility controls who may reach a service or endpoint.
type Visibility string

const (
	VisibilityPublic  Visibility = "PUBLIC"
	VisibilityPrivate Visibility = "PRIVATE"
)

// EndpointType distinguishes plain HTTP endpoints from WebSocket upgrades.
type EndpointType string

const (
	EndpointHTTP      EndpointType = "HTTP"
	EndpointWebSocket EndpointType = "WEBSOCKET"
)

// reservedSegments never reach registry lookup: admin API, gateway-owned
// endpoints (health, JWKS), and the well-known gateway id.
var reservedSegments = map[string]bool{
	"admin":   true,
	"q":       true,
	"gateway": true,
}

// IsReservedSegment reports whether a first path segment bypasses the
// registry.
func IsReservedSegment(seg string) bool {
	return reservedSegments[seg]
}

// serviceIDPattern holds URL-safe unreserved characters.
var serviceIDPattern = regexp.MustCompile(`^[A-Za-z0-9._~-]+$`)

// ServiceRegistration is the authoritative registry entry for one backend.
type ServiceRegistration struct {
	ServiceID           string                    `json:"serviceId"`
	DisplayName         string                    `json:"displayName,omitempty"`
	BaseURL             string                    `json:"baseUrl"`
	RoutePrefix         string                    `json:"routePrefix,omitempty"`
	DefaultVisibility   Visibility                `json:"defaultVisibility,omitempty"`
	DefaultAuthRequired bool                      `json:"defaultAuthRequired,omitempty"`
	VisibilityRules     []VisibilityRule          `json:"visibilityRules,omitempty"`
	Endpoints           []EndpointConfig          `json:"endpoints,omitempty"`
	AccessConfig        *AccessConfig             `json:"accessConfig,omitempty"`
	CORSConfig          *config.CORSRule          `json:"corsConfig,omitempty"`
	PermissionPolicy    map[string]PermissionRule `json:"permissionPolicy,omitempty"`
	RateLimitConfig     *RateLimitConfig          `json:"rateLimitConfig,omitempty"`
	SamplingConfig      *config.SamplingRule      `json:"samplingConfig,omitempty"`

	// Version increases monotonically; updates CAS on it.
	Version int64 `json:"version"`
}

// EffectiveRoutePrefix returns the configured prefix or /{serviceId}.
func (s *ServiceRegistration) EffectiveRoutePrefix() string {
	if s.RoutePrefix != "" {
		return s.RoutePrefix
	}
	return "/" + s.ServiceID
}

// PrefixSegment returns the first path segment under which the service is
// mounted.
func (s *ServiceRegistration) PrefixSegment() string {
	return strings.TrimPrefix(s.EffectiveRoutePrefix(), "/")
}

// Name returns the display name, defaulting to the service id.
func (s *ServiceRegistration) Name() string {
	if s.DisplayName != "" {
		return s.DisplayName
	}
	return s.ServiceID
}

// Clone returns a deep copy; registry callers must never alias stored
// registrations.
func (s *ServiceRegistration) Clone() *ServiceRegistration {
	c := *s
	c.VisibilityRules = append([]VisibilityRule(nil), s.VisibilityRules...)
	c.Endpoints = make([]EndpointConfig, len(s.Endpoints))
	for i := range s.Endpoints {
		c.Endpoints[i] = *s.Endpoints[i].clone()
	}
	if s.AccessConfig != nil {
		ac := *s.AccessConfig
		ac.AllowedIPs = append([]string(nil), s.AccessConfig.AllowedIPs...)
		ac.AllowedDomains = append([]string(nil), s.AccessConfig.AllowedDomains...)
		ac.AllowedSubdomains = append([]string(nil), s.AccessConfig.AllowedSubdomains...)
		c.AccessConfig = &ac
	}
	if s.CORSConfig != nil {
		cc := *s.CORSConfig
		c.CORSConfig = &cc
	}
	if s.PermissionPolicy != nil {
		c.PermissionPolicy = make(map[string]PermissionRule, len(s.PermissionPolicy))
		for k, v := range s.PermissionPolicy {
			v.AnyOfPermissions = append([]string(nil), v.AnyOfPermissions...)
			c.PermissionPolicy[k] = v
		}
	}
	if s.RateLimitConfig != nil {
		c.RateLimitConfig = s.RateLimitConfig.clone()
	}
	if s.SamplingConfig != nil {
		sc := *s.SamplingConfig
		c.SamplingConfig = &sc
	}
	return &c
}

// VisibilityRule overrides visibility for paths matching a glob pattern.
// Rules are ordered; the first match wins and takes precedence over the
// endpoint's own visibility.
type VisibilityRule struct {
	PathPattern string     `json:"pathPattern"`
	Visibility  Visibility `json:"visibility"`
}

// AccessConfig restricts callers of a service.
type AccessConfig struct {
	AllowedIPs        []string `json:"allowedIps,omitempty"`
	AllowedDomains    []string `json:"allowedDomains,omitempty"`
	AllowedSubdomains []string `json:"allowedSubdomains,omitempty"`
}

// PermissionRule grants an operation to principals holding any listed
// permission.
type PermissionRule struct {
	AnyOfPermissions []string `json:"anyOfPermissions"`
}

// RateLimitConfig is the service- or endpoint-scoped limit override,
// including the WebSocket subtrees.
type RateLimitConfig struct {
	config.RateLimitRule `yaml:",inline"`

	WebSocket *config.WebSocketLimits `json:"websocket,omitempty" yaml:"websocket"`
}

func (r *RateLimitConfig) clone() *RateLimitConfig {
	c := *r
	if r.WebSocket != nil {
		ws := *r.WebSocket
		c.WebSocket = &ws
	}
	return &c
}

// EndpointConfig describes one route template within a service.
type EndpointConfig struct {
	// Path is a template like /api/users/{id}; {name} captures a single
	// segment, * matches a single path element, ** matches across
	// segments.
	Path string `json:"path"`

	// Methods is required for HTTP endpoints. WEBSOCKET endpoints
	// default to GET. "*" matches any method.
	Methods []string `json:"methods,omitempty"`

	Visibility   Visibility `json:"visibility,omitempty"`
	AuthRequired *bool      `json:"authRequired,omitempty"`

	// PathRewrite, when set, replaces the matched remainder; {name}
	// references template captures.
	PathRewrite string `json:"pathRewrite,omitempty"`

	Type EndpointType `json:"type,omitempty"`

	RateLimitConfig *RateLimitConfig     `json:"rateLimitConfig,omitempty"`
	SamplingConfig  *config.SamplingRule `json:"samplingConfig,omitempty"`

	// Audience overrides the aud claim of forwarded tokens.
	Audience string `json:"audience,omitempty"`

	// Operation names the permission-policy operation this endpoint maps to.
	Operation string `json:"operation,omitempty"`
}

func (e *EndpointConfig) clone() *EndpointConfig {
	c := *e
	c.Methods = append([]string(nil), e.Methods...)
	if e.AuthRequired != nil {
		b := *e.AuthRequired
		c.AuthRequired = &b
	}
	if e.RateLimitConfig != nil {
		c.RateLimitConfig = e.RateLimitConfig.clone()
	}
	if e.SamplingConfig != nil {
		sc := *e.SamplingConfig
		c.SamplingConfig = &sc
	}
	return &c
}

// effectiveMethods returns the method list with the WEBSOCKET default
// applied.
func (e *EndpointConfig) effectiveMethods() []string {
	if len(e.Methods) == 0 && e.Type == EndpointWebSocket {
		return []string{http.MethodGet}
	}
	return e.Methods
}

// matchesMethod reports whether the endpoint accepts the method.
func (e *EndpointConfig) matchesMethod(method string) bool {
	for _, m := range e.effectiveMethods() {
		if m == "*" || strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

// RegistrationKind discriminates RegistrationResult.
type RegistrationKind int

const (
	RegistrationFailed RegistrationKind = iota
	RegistrationCreated
	RegistrationUpdated
)

// RegistrationResult is the outcome of a register/update call.
type RegistrationResult struct {
	Kind    RegistrationKind
	Service *ServiceRegistration

	// Reason and Status are set on failure; Status is the suggested
	// HTTP status: 400 validation, 403 policy, 404 missing on update,
	// 409 conflict, 503 store unavailable.
	Reason string
	Status int
}

func created(s *ServiceRegistration) RegistrationResult {
	return RegistrationResult{Kind: RegistrationCreated, Service: s}
}

func updated(s *ServiceRegistration) RegistrationResult {
	return RegistrationResult{Kind: RegistrationUpdated, Service: s}
}

func failed(status int, format string, args ...any) RegistrationResult {
	return RegistrationResult{
		Kind:   RegistrationFailed,
		Reason: fmt.Sprintf(format, args...),
		Status: status,
	}
}

// MatchKind discriminates RouteLookupResult.
type MatchKind int

const (
	// KindNoMatch means no service answers this path.
	KindNoMatch MatchKind = iota
	// KindServiceOnly means the service exists but no endpoint template
	// matched; the service passes traffic through under its prefix.
	KindServiceOnly
	// KindRouteMatch means a specific endpoint matched.
	KindRouteMatch
)

// NoMatchReason explains a KindNoMatch result.
type NoMatchReason string

const (
	NoMatchServiceNotFound NoMatchReason = "service_not_found"
	NoMatchReserved        NoMatchReason = "reserved_path"
)

// RouteLookupResult is the outcome of resolving (path, method).
// Effective visibility, auth, and sampling are already resolved through
// the endpoint → service → platform hierarchy; rate limits stay raw for
// the rate-limit resolver.
type RouteLookupResult struct {
	Kind   MatchKind
	Reason NoMatchReason

	Service  *ServiceRegistration
	Endpoint *EndpointConfig

	// TargetPath is the backend path: the rewrite output for endpoint
	// matches with a pathRewrite, otherwise the remainder verbatim.
	TargetPath    string
	PathVariables map[string]string

	Visibility   Visibility
	AuthRequired bool
	SamplingRate float64
}

// Store is the persistence port for registrations.
//
// Put applies optimistic concurrency: expectedVersion 0 creates the entry
// and fails with ErrVersionConflict if it already exists; a non-zero
// expectedVersion replaces the entry only while the stored version still
// matches.
type Store interface {
	List(ctx context.Context) ([]*ServiceRegistration, error)
	Get(ctx context.Context, serviceID string) (*ServiceRegistration, error)
	Put(ctx context.Context, reg *ServiceRegistration, expectedVersion int64) error
	Delete(ctx context.Context, serviceID string) (bool, error)
	Watch(ctx context.Context) (<-chan Event, error)
	Close() error
}

// Store errors.
var (
	ErrNotFound        = errors.New("registry: service not found")
	ErrVersionConflict = errors.New("registry: version conflict")
)

// EventType discriminates watch events.
type EventType int

const (
	EventPut EventType = iota
	EventDelete
	// EventResync signals a full view reload after a watch gap;
	// subscribers should drop any per-service derived state.
	EventResync
)

// Event is one change observed on the store.
type Event struct {
	Type      EventType
	ServiceID string
	// Service is nil for deletes and resyncs.
	Service *ServiceRegistration
}

// validateVisibilityPattern checks a visibilityRules glob.
func validateVisibilityPattern(p string) error {
	if p == "" {
		return fmt.Errorf("pathPattern is required")
	}
	if !doublestar.ValidatePattern(p) {
		return fmt.Errorf("invalid pathPattern %q", p)
	}
	return nil
}

// visibilityFor returns the first visibility rule matching path, if any.
func visibilityFor(rules []VisibilityRule, path string) (Visibility, bool) {
	rel := strings.TrimPrefix(path, "/")
	for _, r := range rules {
		pat := strings.TrimPrefix(r.PathPattern, "/")
		if ok, err := doublestar.Match(pat, rel); err == nil && ok {
			return r.Visibility, true
		}
	}
	return "", false
}
