package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"

	"github.com/goccy/go-yaml"
)

// fileRoot pins the configuration under the `aussie:` root key.
type fileRoot struct {
	Aussie *Config `yaml:"aussie"`
}

// Loader handles configuration loading and parsing
type Loader struct {
	envPattern *regexp.Regexp
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
	}
}

// Load reads and parses a configuration file
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return l.Parse(data)
}

// Parse parses configuration from YAML bytes
func (l *Loader) Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := l.expandEnvVars(string(data))

	// Start with defaults; the file overlays them
	cfg := DefaultConfig()
	root := fileRoot{Aussie: cfg}

	if err := yaml.Unmarshal([]byte(expanded), &root); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	// The decoder allocates a fresh Config (seeded from the defaults) when
	// the root key is present; the seed pointer surviving untouched means
	// the document had no `aussie:` key.
	if root.Aussie == nil || root.Aussie == cfg {
		return nil, fmt.Errorf("missing top-level 'aussie' key")
	}
	cfg = root.Aussie

	if err := l.validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match // Keep original if env var not set
	})
}

// validate checks configuration for errors
func (l *Loader) validate(cfg *Config) error {
	if cfg.Server.Listen == "" {
		return fmt.Errorf("server.listen is required")
	}
	if cfg.Server.AdminListen == cfg.Server.Listen {
		return fmt.Errorf("server.admin_listen must differ from server.listen")
	}

	switch cfg.Registry.Store {
	case "", "memory":
	case "etcd":
		if len(cfg.Registry.Etcd.Endpoints) == 0 {
			return fmt.Errorf("registry.etcd.endpoints is required for the etcd store")
		}
	default:
		return fmt.Errorf("invalid registry store: %s", cfg.Registry.Store)
	}

	if cfg.Cache.Local.Jitter < 0 || cfg.Cache.Local.Jitter > 0.5 {
		return fmt.Errorf("cache.local.jitter must be between 0 and 0.5, got %g", cfg.Cache.Local.Jitter)
	}
	if cfg.Cache.Local.TTL < 0 {
		return fmt.Errorf("cache.local.ttl must be >= 0")
	}

	switch cfg.RateLimit.Provider {
	case "", "auto", "memory":
	case "redis":
		if cfg.RateLimit.Redis.Address == "" {
			return fmt.Errorf("ratelimit.provider redis requires ratelimit.redis.address")
		}
	default:
		return fmt.Errorf("invalid ratelimit provider: %s", cfg.RateLimit.Provider)
	}
	if err := cfg.RateLimit.Platform.Validate("ratelimit.platform"); err != nil {
		return err
	}
	if err := cfg.RateLimit.Auth.Validate("ratelimit.auth"); err != nil {
		return err
	}
	if err := cfg.RateLimit.WebSocket.Connection.Validate("ratelimit.websocket.connection"); err != nil {
		return err
	}
	if err := cfg.RateLimit.WebSocket.Message.Validate("ratelimit.websocket.message"); err != nil {
		return err
	}
	if cfg.RateLimit.MaxRequestsPerWindow < 0 {
		return fmt.Errorf("ratelimit.max_requests_per_window must be >= 0")
	}
	if cfg.RateLimit.SpikeArrest.Enabled && cfg.RateLimit.SpikeArrest.Rate <= 0 {
		return fmt.Errorf("ratelimit.spike_arrest.rate must be > 0 when enabled")
	}

	switch cfg.Sessions.Store {
	case "", "memory":
	case "redis":
		if cfg.Sessions.Redis.Address == "" && cfg.RateLimit.Redis.Address == "" {
			return fmt.Errorf("sessions.store redis requires sessions.redis.address")
		}
	default:
		return fmt.Errorf("invalid sessions store: %s", cfg.Sessions.Store)
	}
	if cfg.Sessions.CookieName == "" {
		return fmt.Errorf("sessions.cookie_name is required")
	}

	if cfg.JWS.MaxTokenTTL <= 0 {
		return fmt.Errorf("jws.max_token_ttl must be > 0")
	}
	if cfg.JWS.DefaultTokenTTL <= 0 {
		return fmt.Errorf("jws.default_token_ttl must be > 0")
	}
	if cfg.JWS.IDP.JWKSURL != "" && cfg.JWS.IDP.Issuer == "" {
		return fmt.Errorf("jws.idp.issuer is required when jws.idp.jwks_url is set")
	}
	if cfg.JWS.IDP.RequireAudience && cfg.JWS.IDP.Audience == "" {
		return fmt.Errorf("jws.idp.audience is required when require_audience is set")
	}

	for i, cidr := range cfg.TrustedProxies {
		if err := validateCIDROrIP(cidr); err != nil {
			return fmt.Errorf("trusted_proxies[%d]: %w", i, err)
		}
	}

	if cfg.Limits.MaxBodySize < 0 {
		return fmt.Errorf("limits.max_body_size must be >= 0")
	}
	if cfg.Limits.MaxHeaderSize < 0 {
		return fmt.Errorf("limits.max_header_size must be >= 0")
	}
	if cfg.Limits.MaxTotalHeadersSize < 0 {
		return fmt.Errorf("limits.max_total_headers_size must be >= 0")
	}

	for name, size := range map[string]int{
		"bulkheads.backend":   cfg.Bulkheads.Backend,
		"bulkheads.ratelimit": cfg.Bulkheads.RateLimit,
		"bulkheads.sessions":  cfg.Bulkheads.Sessions,
		"bulkheads.jwks":      cfg.Bulkheads.JWKS,
	} {
		if size < 0 {
			return fmt.Errorf("%s must be >= 0", name)
		}
	}

	if cfg.Telemetry.Tracing.SampleRate < 0 || cfg.Telemetry.Tracing.SampleRate > 1 {
		return fmt.Errorf("telemetry.tracing.sample_rate must be between 0.0 and 1.0")
	}
	if cfg.Telemetry.Tracing.Enabled && cfg.Telemetry.Tracing.Endpoint == "" {
		return fmt.Errorf("telemetry.tracing.endpoint is required when tracing is enabled")
	}

	for i, k := range cfg.APIKeys.Bootstrap {
		if k.ID == "" || k.Secret == "" {
			return fmt.Errorf("api_keys.bootstrap[%d]: id and secret are required", i)
		}
	}
	if cfg.APIKeys.HashBytes < 8 || cfg.APIKeys.HashBytes > 32 {
		return fmt.Errorf("api_keys.hash_bytes must be between 8 and 32")
	}

	return nil
}

// validateCIDROrIP accepts either a bare IP or a CIDR block.
func validateCIDROrIP(s string) error {
	if net.ParseIP(s) != nil {
		return nil
	}
	if _, _, err := net.ParseCIDR(s); err != nil {
		return fmt.Errorf("%q is neither an IP nor a CIDR", s)
	}
	return nil
}
