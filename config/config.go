// Package config holds the aussie platform configuration: everything the
// gateway reads from its YAML file under the `aussie:` root key.
package config

import (
	"fmt"
	"time"
)

// Config is the platform configuration tree.
type Config struct {
	Server         ServerConfig    `yaml:"server"`
	Logging        LoggingConfig   `yaml:"logging"`
	Registry       RegistryConfig  `yaml:"registry"`
	Cache          CacheConfig     `yaml:"cache"`
	RateLimit      RateLimitConfig `yaml:"ratelimit"`
	Sessions       SessionsConfig  `yaml:"sessions"`
	APIKeys        APIKeysConfig   `yaml:"api_keys"`
	JWS            JWSConfig       `yaml:"jws"`
	CORS           CORSRule        `yaml:"cors"`
	TrustedProxies []string        `yaml:"trusted_proxies"`
	Limits         LimitsConfig    `yaml:"limits"`
	Timeouts       TimeoutsConfig  `yaml:"timeouts"`
	Bulkheads      BulkheadsConfig `yaml:"bulkheads"`
	Telemetry      TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds the listener addresses and HTTP server tunables.
type ServerConfig struct {
	Listen        string        `yaml:"listen"`
	AdminListen   string        `yaml:"admin_listen"`
	ReadTimeout   time.Duration `yaml:"read_timeout"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

// LoggingConfig controls the zap logger and optional file rotation.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// RegistryConfig selects and tunes the service-registration store.
type RegistryConfig struct {
	// Store is "memory" or "etcd".
	Store string     `yaml:"store"`
	Etcd  EtcdConfig `yaml:"etcd"`

	// PublicDefaultVisibilityEnabled gates registrations whose
	// defaultVisibility is PUBLIC.
	PublicDefaultVisibilityEnabled bool `yaml:"public_default_visibility_enabled"`

	// AllowCIDRs exempts address ranges from the baseUrl SSRF guard.
	AllowCIDRs []string `yaml:"allow_cidrs"`
}

// EtcdConfig holds etcd client settings for the registration store.
type EtcdConfig struct {
	Endpoints   []string      `yaml:"endpoints"`
	Prefix      string        `yaml:"prefix"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
}

// CacheConfig tunes the local caches.
type CacheConfig struct {
	Local LocalCacheConfig `yaml:"local"`
}

// LocalCacheConfig tunes the jittered TTL cache backing registry and
// resolver lookups.
type LocalCacheConfig struct {
	MaxEntries int           `yaml:"max_entries"`
	TTL        time.Duration `yaml:"ttl"`
	// Jitter is the ± fraction applied to each entry's TTL, in [0, 0.5].
	Jitter float64 `yaml:"jitter"`
}

// RateLimitRule is one limit: R requests per W-second window with burst B.
// It doubles as the wire shape inside service registrations, hence the
// camelCase JSON tags.
type RateLimitRule struct {
	RequestsPerWindow int `yaml:"requests_per_window" json:"requestsPerWindow,omitempty"`
	WindowSeconds     int `yaml:"window_seconds" json:"windowSeconds,omitempty"`
	BurstCapacity     int `yaml:"burst_capacity" json:"burstCapacity,omitempty"`
}

// IsZero reports whether no field is set; zero rules inherit from the next
// hierarchy level.
func (r RateLimitRule) IsZero() bool {
	return r.RequestsPerWindow == 0 && r.WindowSeconds == 0 && r.BurstCapacity == 0
}

// Validate checks field ranges; name prefixes error messages so callers can
// point at the exact rule.
func (r RateLimitRule) Validate(name string) error {
	if r.RequestsPerWindow < 0 {
		return fmt.Errorf("%s.requests_per_window must be >= 0", name)
	}
	if r.WindowSeconds < 0 {
		return fmt.Errorf("%s.window_seconds must be >= 0", name)
	}
	if r.BurstCapacity < 0 {
		return fmt.Errorf("%s.burst_capacity must be >= 0", name)
	}
	if r.RequestsPerWindow > 0 && r.WindowSeconds == 0 {
		return fmt.Errorf("%s.window_seconds is required when requests_per_window is set", name)
	}
	return nil
}

// WebSocketLimits carries the connection-admission and per-session message
// limits.
type WebSocketLimits struct {
	Connection RateLimitRule `yaml:"connection" json:"connection,omitempty"`
	Message    RateLimitRule `yaml:"message" json:"message,omitempty"`
}

// SpikeArrestConfig is the instance-wide request ceiling applied ahead of
// per-key limits.
type SpikeArrestConfig struct {
	Enabled bool    `yaml:"enabled"`
	Rate    float64 `yaml:"rate"` // requests per second
	Burst   int     `yaml:"burst"`
}

// RedisConfig holds connection settings shared by the distributed
// rate-limit provider and the redis session store.
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// RateLimitConfig is the platform-level rate-limiting tree.
type RateLimitConfig struct {
	// Provider is "auto", "memory", or "redis". "auto" picks the highest
	// priority provider that reports available.
	Provider string `yaml:"provider"`

	// Platform is the default limit when neither endpoint nor service
	// define one.
	Platform RateLimitRule `yaml:"platform"`

	// MaxRequestsPerWindow caps every resolved limit.
	MaxRequestsPerWindow int `yaml:"max_requests_per_window"`

	// Auth limits credential-validation attempts per client.
	Auth RateLimitRule `yaml:"auth"`

	// WebSocket carries the platform defaults for the ws-conn and ws-msg
	// scopes.
	WebSocket WebSocketLimits `yaml:"websocket"`

	// FallbackAfterFailures is the consecutive-error count after which a
	// degraded distributed provider is replaced by the memory provider.
	FallbackAfterFailures int `yaml:"fallback_after_failures"`

	// ProviderTimeout bounds a single provider check.
	ProviderTimeout time.Duration `yaml:"provider_timeout"`

	SpikeArrest SpikeArrestConfig `yaml:"spike_arrest"`
	Redis       RedisConfig       `yaml:"redis"`
}

// SessionsConfig tunes session validation.
type SessionsConfig struct {
	// Store is "memory" or "redis".
	Store       string        `yaml:"store"`
	Redis       RedisConfig   `yaml:"redis"`
	CookieName  string        `yaml:"cookie_name"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	TTL         time.Duration `yaml:"ttl"`
}

// APIKeysConfig tunes API-key validation.
type APIKeysConfig struct {
	// Bootstrap keys are loaded at startup so a fresh install can reach
	// the admin API. Each is "keyId:secret".
	Bootstrap []BootstrapKey `yaml:"bootstrap"`
	// HashBytes is the truncated SHA-256 length for stored key hashes.
	HashBytes int `yaml:"hash_bytes"`
}

// BootstrapKey seeds the key store at startup.
type BootstrapKey struct {
	ID     string `yaml:"id"`
	Name   string `yaml:"name"`
	Secret string `yaml:"secret"`
}

// JWSConfig controls token issuance and bearer validation.
type JWSConfig struct {
	Issuer          string        `yaml:"issuer"`
	SigningKeyFile  string        `yaml:"signing_key_file"`
	KeyID           string        `yaml:"key_id"`
	MaxTokenTTL     time.Duration `yaml:"max_token_ttl"`
	DefaultTokenTTL time.Duration `yaml:"default_token_ttl"`
	DefaultAudience string        `yaml:"default_audience"`
	ForwardedClaims []string      `yaml:"forwarded_claims"`
	IDP             IDPConfig     `yaml:"idp"`
}

// IDPConfig points bearer validation at the external identity provider.
type IDPConfig struct {
	Issuer          string        `yaml:"issuer"`
	JWKSURL         string        `yaml:"jwks_url"`
	RequireAudience bool          `yaml:"require_audience"`
	Audience        string        `yaml:"audience"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

// CORSRule is the platform CORS policy; service registrations may override
// it, hence the JSON tags.
type CORSRule struct {
	AllowedOrigins   []string      `yaml:"allowed_origins" json:"allowedOrigins,omitempty"`
	AllowedMethods   []string      `yaml:"allowed_methods" json:"allowedMethods,omitempty"`
	AllowedHeaders   []string      `yaml:"allowed_headers" json:"allowedHeaders,omitempty"`
	ExposedHeaders   []string      `yaml:"exposed_headers" json:"exposedHeaders,omitempty"`
	AllowCredentials bool          `yaml:"allow_credentials" json:"allowCredentials,omitempty"`
	MaxAge           time.Duration `yaml:"max_age" json:"-"`
}

// LimitsConfig bounds inbound request size.
type LimitsConfig struct {
	MaxBodySize         int64 `yaml:"max_body_size"`
	MaxHeaderSize       int   `yaml:"max_header_size"`
	MaxTotalHeadersSize int   `yaml:"max_total_headers_size"`
}

// TimeoutsConfig bounds the outbound proxy phases.
type TimeoutsConfig struct {
	Connect        time.Duration `yaml:"connect"`
	TLSHandshake   time.Duration `yaml:"tls_handshake"`
	ResponseHeader time.Duration `yaml:"response_header"`
	Request        time.Duration `yaml:"request"`
	IdleConn       time.Duration `yaml:"idle_conn"`
}

// BulkheadsConfig sizes the per-dependency pools.
type BulkheadsConfig struct {
	Backend   int `yaml:"backend"`
	RateLimit int `yaml:"ratelimit"`
	Sessions  int `yaml:"sessions"`
	JWKS      int `yaml:"jwks"`
}

// TelemetryConfig controls metrics and tracing.
type TelemetryConfig struct {
	MetricsEnabled bool          `yaml:"metrics_enabled"`
	Tracing        TracingConfig `yaml:"tracing"`
}

// TracingConfig configures the OTLP trace exporter and default sampling.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
	// SampleRate is the platform default; service and endpoint sampling
	// configs override it per route.
	SampleRate float64 `yaml:"sample_rate"`
}

// SamplingRule is the per-service/per-endpoint trace sampling override
// carried inside service registrations.
type SamplingRule struct {
	Rate float64 `yaml:"rate" json:"rate"`
}

// DefaultConfig returns the configuration used when the file omits a key.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:        ":8080",
			AdminListen:   ":9901",
			ReadTimeout:   30 * time.Second,
			WriteTimeout:  30 * time.Second,
			IdleTimeout:   60 * time.Second,
			ShutdownGrace: 15 * time.Second,
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 7,
		},
		Registry: RegistryConfig{
			Store: "memory",
			Etcd: EtcdConfig{
				Endpoints:   []string{"localhost:2379"},
				Prefix:      "/aussie/services/",
				DialTimeout: 5 * time.Second,
			},
		},
		Cache: CacheConfig{
			Local: LocalCacheConfig{
				MaxEntries: 4096,
				TTL:        30 * time.Second,
				Jitter:     0.2,
			},
		},
		RateLimit: RateLimitConfig{
			Provider: "auto",
			Platform: RateLimitRule{
				RequestsPerWindow: 1000,
				WindowSeconds:     60,
			},
			MaxRequestsPerWindow: 10000,
			Auth: RateLimitRule{
				RequestsPerWindow: 30,
				WindowSeconds:     60,
			},
			WebSocket: WebSocketLimits{
				Connection: RateLimitRule{RequestsPerWindow: 60, WindowSeconds: 60},
				Message:    RateLimitRule{RequestsPerWindow: 600, WindowSeconds: 60},
			},
			FallbackAfterFailures: 3,
			ProviderTimeout:       100 * time.Millisecond,
		},
		Sessions: SessionsConfig{
			Store:       "memory",
			CookieName:  "aussie_session",
			IdleTimeout: 30 * time.Minute,
			TTL:         24 * time.Hour,
		},
		APIKeys: APIKeysConfig{
			HashBytes: 16,
		},
		JWS: JWSConfig{
			Issuer:          "aussie-gateway",
			MaxTokenTTL:     5 * time.Minute,
			DefaultTokenTTL: 5 * time.Minute,
			ForwardedClaims: []string{"sub", "email", "name", "groups", "roles", "effective_permissions"},
			IDP: IDPConfig{
				RefreshInterval: 15 * time.Minute,
			},
		},
		Limits: LimitsConfig{
			MaxBodySize:         10 << 20, // 10 MiB
			MaxHeaderSize:       8 << 10,  // 8 KiB per header
			MaxTotalHeadersSize: 64 << 10, // 64 KiB aggregate
		},
		Timeouts: TimeoutsConfig{
			Connect:        5 * time.Second,
			TLSHandshake:   5 * time.Second,
			ResponseHeader: 10 * time.Second,
			Request:        30 * time.Second,
			IdleConn:       90 * time.Second,
		},
		Bulkheads: BulkheadsConfig{
			Backend:   512,
			RateLimit: 64,
			Sessions:  64,
			JWKS:      8,
		},
		Telemetry: TelemetryConfig{
			MetricsEnabled: true,
			Tracing: TracingConfig{
				Endpoint:    "localhost:4317",
				ServiceName: "aussie-gateway",
				SampleRate:  0.1,
			},
		},
	}
}
