// ABOUTME: Assembles the supervisor process: store, orchestrator, supervisor, router, proxy
// ABOUTME: Runs the management and proxy HTTP servers over TCP or a tsnet node

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/agentiom/agentiom/internal/api"
	"github.com/agentiom/agentiom/internal/auth"
	"github.com/agentiom/agentiom/internal/config"
	"github.com/agentiom/agentiom/internal/dedupe"
	"github.com/agentiom/agentiom/internal/lifecycle"
	"github.com/agentiom/agentiom/internal/proxy"
	"github.com/agentiom/agentiom/internal/router"
	"github.com/agentiom/agentiom/internal/store"
	"github.com/agentiom/agentiom/internal/supervisor"
)

// Server is the assembled supervisor process.
type Server struct {
	config *config.Config
	logger *slog.Logger

	store        store.Store
	orchestrator *lifecycle.Orchestrator
	monitor      *lifecycle.IdleMonitor
	supervisor   *supervisor.Supervisor
	dedupeCache  *dedupe.Cache

	httpServer  *http.Server
	proxyServer *http.Server
	tsnetServer *tsnet.Server
}

// New wires every component from config. The provisioner is pluggable so
// deployments with real compute backends can swap the loopback one out.
func New(cfg *config.Config, provisioner lifecycle.Provisioner, logger *slog.Logger) (*Server, error) {
	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	if provisioner == nil {
		provisioner = lifecycle.LoopbackProvisioner{}
	}
	orchestrator := lifecycle.NewOrchestrator(st, provisioner, cfg.Lifecycle.WakeTimeout, logger)
	monitor := lifecycle.NewIdleMonitor(orchestrator, cfg.Lifecycle.SweepInterval, logger)
	eventRouter := router.New(st, orchestrator, cfg.Lifecycle.DeliveryTimeout, logger)
	dedupeCache := dedupe.New(cfg.Supervisor.WebhookDedupeTTL, 10000)

	sup := supervisor.New(supervisor.Options{
		Store:              st,
		Dedupe:             dedupeCache,
		Handler:            eventRouter,
		Logger:             logger,
		MaxRetries:         cfg.Supervisor.MaxRetries,
		BaseDelay:          cfg.Supervisor.BaseDelay,
		MaxDelay:           cfg.Supervisor.MaxDelay,
		HealthInterval:     cfg.Supervisor.HealthInterval,
		StalenessThreshold: cfg.Supervisor.StalenessThreshold,
	})

	mux := http.NewServeMux()
	api.New(st, orchestrator, logger).Register(mux)
	supervisor.NewAPI(sup, st, logger).Register(mux)

	var handler http.Handler = mux
	if cfg.Auth.JWTSecret != "" {
		verifier := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		authed := auth.Middleware(verifier)(mux)
		// health probes and platform webhook callbacks cannot carry our
		// tokens; everything else on the management surface requires one
		handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/health" || strings.HasPrefix(r.URL.Path, "/webhook/") {
				mux.ServeHTTP(w, r)
				return
			}
			authed.ServeHTTP(w, r)
		})
		logger.Info("management API auth enabled")
	} else {
		logger.Warn("auth disabled - no jwt_secret configured")
	}

	s := &Server{
		config:       cfg,
		logger:       logger.With("component", "server"),
		store:        st,
		orchestrator: orchestrator,
		monitor:      monitor,
		supervisor:   sup,
		dedupeCache:  dedupeCache,
		httpServer: &http.Server{
			Addr:              cfg.Server.HTTPAddr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		proxyServer: &http.Server{
			Addr:              cfg.Server.ProxyAddr,
			Handler:           proxy.New(st, orchestrator, logger),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
	return s, nil
}

// Run starts listeners, resumes connections, and blocks until the context is
// canceled or a server fails.
func (s *Server) Run(ctx context.Context) error {
	httpLn, proxyLn, err := s.setupListeners(ctx)
	if err != nil {
		return err
	}

	if err := s.supervisor.Resume(ctx); err != nil {
		s.logger.Error("resume failed", "error", err)
	}
	s.supervisor.StartHealthChecks()
	s.monitor.Start(ctx)

	errCh := s.startServers(httpLn, proxyLn)

	var serverErr error
	select {
	case <-ctx.Done():
		s.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		s.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := s.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

func (s *Server) setupListeners(ctx context.Context) (httpLn, proxyLn net.Listener, err error) {
	if s.config.Tailscale.Enabled {
		return s.setupTailscaleListeners(ctx)
	}
	return s.setupTCPListeners()
}

func (s *Server) setupTCPListeners() (httpLn, proxyLn net.Listener, err error) {
	s.logger.Info("starting supervisor",
		"http_addr", s.config.Server.HTTPAddr,
		"proxy_addr", s.config.Server.ProxyAddr,
	)

	httpLn, err = net.Listen("tcp", s.config.Server.HTTPAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	proxyLn, err = net.Listen("tcp", s.config.Server.ProxyAddr)
	if err != nil {
		_ = httpLn.Close()
		return nil, nil, fmt.Errorf("listening on proxy address: %w", err)
	}
	return httpLn, proxyLn, nil
}

// resolveTailscaleStateDir returns the state directory, using a home-relative
// default when not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return homeDir + "/.local/share/agentiom/tsnet", nil
}

func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListeners creates a tsnet node and listens there instead of
// on the configured TCP addresses. The management API serves on :80 and the
// proxy on :8080 of the tailnet node.
func (s *Server) setupTailscaleListeners(ctx context.Context) (httpLn, proxyLn net.Listener, err error) {
	tsCfg := s.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, nil, err
	}

	s.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	s.logger.Info("starting tailscale node",
		"hostname", tsCfg.Hostname,
		"state_dir", stateDir,
		"ephemeral", tsCfg.Ephemeral)
	status, err := s.tsnetServer.Up(ctx)
	if err != nil {
		_ = s.tsnetServer.Close()
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	s.logTailscaleStatus(tsCfg.Hostname, status)

	httpLn, err = s.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = s.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	proxyLn, err = s.tsnetServer.Listen("tcp", ":8080")
	if err != nil {
		_ = httpLn.Close()
		_ = s.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale proxy port: %w", err)
	}
	return httpLn, proxyLn, nil
}

func (s *Server) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		s.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	s.logger.Info("tailscale node ready",
		"hostname", hostname,
		"tailscale_ip", tsAddr,
		"dns_name", dnsName)
}

func (s *Server) startServers(httpLn, proxyLn net.Listener) chan error {
	errCh := make(chan error, 2)

	go func() {
		s.logger.Info("management API listening", "addr", httpLn.Addr().String())
		if err := s.httpServer.Serve(httpLn); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("management server: %w", err)
		}
	}()

	go func() {
		s.logger.Info("request proxy listening", "addr", proxyLn.Addr().String())
		if err := s.proxyServer.Serve(proxyLn); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("proxy server: %w", err)
		}
	}()

	return errCh
}

// gracefulShutdown uses a fresh context since the run context is already
// canceled by the time we get here.
func (s *Server) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.Shutdown(ctx)
}

// Shutdown stops servers, the idle monitor, connections, and the store.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")

	var firstErr error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		firstErr = err
	}
	if err := s.proxyServer.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}

	s.monitor.Stop()
	s.supervisor.Shutdown(ctx)
	s.dedupeCache.Close()

	if s.tsnetServer != nil {
		if err := s.tsnetServer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := s.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
