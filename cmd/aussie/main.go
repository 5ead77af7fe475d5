package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/aussielabs/aussie/config"
	"github.com/aussielabs/aussie/internal/apikey"
	"github.com/aussielabs/aussie/internal/auth"
	"github.com/aussielabs/aussie/internal/gateway"
	"github.com/aussielabs/aussie/internal/logging"
	"github.com/aussielabs/aussie/internal/metrics"
	"github.com/aussielabs/aussie/internal/ratelimit"
	"github.com/aussielabs/aussie/internal/registry"
	"github.com/aussielabs/aussie/internal/registry/store/etcd"
	"github.com/aussielabs/aussie/internal/registry/store/memory"
	"github.com/aussielabs/aussie/internal/safeurl"
	"github.com/aussielabs/aussie/internal/securityevent"
	"github.com/aussielabs/aussie/internal/session"
	"github.com/aussielabs/aussie/internal/tracing"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/aussie.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	validateOnly := flag.Bool("validate", false, "Validate configuration and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("aussie %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg, err := config.NewLoader().Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *validateOnly {
		fmt.Println("configuration is valid")
		os.Exit(0)
	}

	logger, err := logging.NewWithOptions(logging.Options{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logging.SetGlobal(logger)

	logging.Info("starting aussie",
		zap.String("version", version),
		zap.String("config", *configPath),
		zap.String("registry", cfg.Registry.Store),
		zap.String("ratelimit_provider", cfg.RateLimit.Provider),
	)

	if err := run(cfg, *configPath); err != nil {
		logging.Error("gateway exited with error", zap.Error(err))
		logging.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, configPath string) error {
	ctx := context.Background()

	guard, err := safeurl.New(cfg.Registry.AllowCIDRs)
	if err != nil {
		return fmt.Errorf("ssrf guard: %w", err)
	}

	var store registry.Store
	switch cfg.Registry.Store {
	case "etcd":
		s, err := etcd.New(cfg.Registry.Etcd)
		if err != nil {
			return fmt.Errorf("etcd store: %w", err)
		}
		store = s
	default:
		store = memory.New()
	}

	reg := registry.New(registry.Options{
		Store:                store,
		Guard:                guard,
		Defaults:             registry.Defaults{Visibility: registry.VisibilityPrivate, SamplingRate: cfg.Telemetry.Tracing.SampleRate},
		PublicDefaultEnabled: cfg.Registry.PublicDefaultVisibilityEnabled,
		RouteCacheMaxEntries: cfg.Cache.Local.MaxEntries,
		RouteCacheTTL:        cfg.Cache.Local.TTL,
		RouteCacheJitter:     cfg.Cache.Local.Jitter,
	})
	if err := reg.Start(ctx); err != nil {
		return fmt.Errorf("registry start: %w", err)
	}
	defer reg.Close()

	var sessions session.Store
	if cfg.Sessions.Store == "redis" {
		sessions = session.NewRedisStore(cfg.Sessions.Redis)
	} else {
		sessions = session.NewMemoryStore()
	}
	defer sessions.Close()

	apikeys := apikey.NewMemoryStore(cfg.APIKeys)
	defer apikeys.Close()

	issuer, err := auth.NewIssuer(cfg.JWS)
	if err != nil {
		return fmt.Errorf("token issuer: %w", err)
	}

	var bearer *auth.BearerValidator
	if cfg.JWS.IDP.JWKSURL != "" {
		bearer, err = auth.NewBearerValidator(cfg.JWS.IDP)
		if err != nil {
			return fmt.Errorf("bearer validator: %w", err)
		}
	}

	m := metrics.New()

	tracer, err := tracing.New(cfg.Telemetry.Tracing)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer tracer.Close()

	memoryProvider := ratelimit.NewMemoryProvider()
	var primary ratelimit.Provider = memoryProvider
	switch cfg.RateLimit.Provider {
	case "redis":
		primary = ratelimit.NewRedisProvider(cfg.RateLimit.Redis)
	case "auto":
		if cfg.RateLimit.Redis.Address != "" {
			redisProvider := ratelimit.NewRedisProvider(cfg.RateLimit.Redis)
			probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			if redisProvider.Available(probeCtx) {
				primary = redisProvider
			} else {
				logging.Warn("redis rate-limit provider unreachable, using memory provider")
			}
			cancel()
		}
	}
	limiter := ratelimit.NewLimiter(ratelimit.LimiterOptions{
		Primary:                primary,
		Fallback:               memoryProvider,
		FailuresBeforeFallback: cfg.RateLimit.FallbackAfterFailures,
		Timeout:                cfg.RateLimit.ProviderTimeout,
		OnProviderError: func(provider string, err error) {
			m.ObserveProviderError(provider)
			logging.Warn("rate-limit provider error", zap.String("provider", provider), zap.Error(err))
		},
	})
	resolver := ratelimit.NewResolver(cfg.RateLimit, cfg.Cache.Local)

	events := securityevent.NewDispatcher(1024, func(ev securityevent.Event) {
		logging.Warn("security event",
			zap.String("kind", string(ev.Kind)),
			zap.String("clientId", ev.ClientID),
			zap.String("serviceId", ev.ServiceID),
			zap.String("requestId", ev.RequestID),
			zap.String("detail", ev.Detail),
			zap.Time("at", ev.At),
		)
	})
	defer events.Close()

	gw, err := gateway.New(gateway.Options{
		Config:   cfg,
		Registry: reg,
		Sessions: sessions,
		APIKeys:  apikeys,
		Issuer:   issuer,
		Bearer:   bearer,
		Limiter:  limiter,
		Resolver: resolver,
		Metrics:  m,
		Tracer:   tracer,
		Events:   events,
		Guard:    guard,
	})
	if err != nil {
		return fmt.Errorf("gateway: %w", err)
	}

	return gateway.NewServer(gw, cfg, configPath).Run(ctx)
}
