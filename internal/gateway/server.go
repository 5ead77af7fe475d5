package gateway

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/aussielabs/aussie/config"
	"github.com/aussielabs/aussie/internal/logging"
	"github.com/aussielabs/aussie/internal/securityevent"
)

// Server owns the two listeners and the reload/shutdown lifecycle
// around one Gateway.
type Server struct {
	gw         *Gateway
	cfg        *config.Config
	configPath string

	httpServer  *http.Server
	adminServer *http.Server
	watcher     *config.Watcher
}

// NewServer wraps gw with listeners configured from cfg. configPath is
// re-read on SIGHUP; empty disables file-based reload.
func NewServer(gw *Gateway, cfg *config.Config, configPath string) *Server {
	s := &Server{gw: gw, cfg: cfg, configPath: configPath}

	s.httpServer = &http.Server{
		Addr:         cfg.Server.Listen,
		Handler:      gw.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	if cfg.Server.AdminListen != "" {
		s.adminServer = &http.Server{
			Addr:         cfg.Server.AdminListen,
			Handler:      gw.AdminHandler(),
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
			IdleTimeout:  cfg.Server.IdleTimeout,
		}
	}
	return s
}

// Start brings up both listeners and the session-invalidation watch.
// It does not block; listener failures are reported on errCh.
func (s *Server) Start(ctx context.Context, errCh chan<- error) error {
	if err := s.gw.Hub().Watch(ctx, s.gw.sessions, func(sessionID string, n int) {
		s.gw.events.Dispatch(securityevent.Event{
			Kind:   securityevent.KindSessionInvalidated,
			Detail: sessionID,
		})
		logging.Info("closed websockets for invalidated session",
			zap.String("session", sessionID), zap.Int("connections", n))
	}); err != nil {
		return err
	}

	go func() {
		logging.Info("gateway listening", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	if s.adminServer != nil {
		go func() {
			logging.Info("admin listening", zap.String("addr", s.adminServer.Addr))
			if err := s.adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	if s.configPath != "" {
		watcher, err := config.NewWatcher(s.configPath)
		if err != nil {
			logging.Warn("config file watch disabled", zap.Error(err))
		} else {
			watcher.OnChange(s.gw.ApplyConfig)
			if err := watcher.Start(); err != nil {
				logging.Warn("config file watch disabled", zap.Error(err))
			} else {
				s.watcher = watcher
			}
		}
	}

	return nil
}

// Run starts the server and blocks on signals: SIGHUP reloads the
// configuration, SIGINT/SIGTERM shut down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 2)
	if err := s.Start(ctx, errCh); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	for {
		select {
		case err := <-errCh:
			s.Shutdown()
			return err
		case <-ctx.Done():
			return s.Shutdown()
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGHUP:
				s.Reload()
			default:
				logging.Info("shutting down", zap.String("signal", sig.String()))
				return s.Shutdown()
			}
		}
	}
}

// Reload re-reads the config file and applies the reloadable subset.
func (s *Server) Reload() {
	if s.configPath == "" {
		logging.Warn("reload requested but no config path configured")
		return
	}
	cfg, err := config.NewLoader().Load(s.configPath)
	if err != nil {
		// A bad file must not take down a running gateway.
		logging.Error("reload failed, keeping previous configuration", zap.Error(err))
		return
	}
	s.gw.ApplyConfig(cfg)
	s.cfg = cfg
}

// Shutdown stops both listeners within the configured grace period.
func (s *Server) Shutdown() error {
	grace := s.cfg.Server.ShutdownGrace
	if grace <= 0 {
		grace = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	if s.watcher != nil {
		_ = s.watcher.Stop()
	}

	var firstErr error
	if s.adminServer != nil {
		if err := s.adminServer.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	if err := s.httpServer.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	logging.Sync()
	return firstErr
}
