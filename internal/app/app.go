// Package app wires configuration into a running HTTP service.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/choregarden/choregarden-core/internal/api"
	"github.com/choregarden/choregarden-core/pkg/auth"
	"github.com/choregarden/choregarden-core/pkg/clients/postgres"
	"github.com/choregarden/choregarden-core/pkg/clients/redis"
	"github.com/choregarden/choregarden-core/pkg/lifecycle"
	"github.com/choregarden/choregarden-core/pkg/metrics"
	"github.com/choregarden/choregarden-core/pkg/users"
)

// ServiceName names the process in logs, spans and metrics.
const ServiceName = "choregarden"

const readHeaderTimeout = 10 * time.Second

// Resources are the connections an App owns and closes on shutdown.
// Redis is nil when the shared key set store is disabled.
type Resources struct {
	DB    *postgres.Client
	Redis *redis.Client
}

// App is the assembled service.
type App struct {
	cfg       Config
	logger    *slog.Logger
	resources Resources
	metrics   *metrics.Metrics
	handler   http.Handler
	server    *http.Server
	service   *lifecycle.Service

	mu       sync.Mutex
	listener net.Listener
	serveErr chan error
}

// New connects to Postgres (and Redis when enabled) and builds the App.
func New(ctx context.Context, cfg Config, logger *slog.Logger, version string) (*App, error) {
	db, err := postgres.NewClient(ctx, cfg.Postgres, logger)
	if err != nil {
		return nil, err
	}

	res := Resources{DB: db}
	if cfg.Redis.Enabled {
		rc, err := redis.NewClient(ctx, cfg.Redis.Config)
		if err != nil {
			db.Close()
			return nil, err
		}
		res.Redis = rc
	}

	a, err := Build(cfg, res, logger, version)
	if err != nil {
		res.close(logger)
		return nil, err
	}
	return a, nil
}

// Build wires the service over already-open resources.
func Build(cfg Config, res Resources, logger *slog.Logger, version string) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := metrics.New(metrics.WithNamespace(ServiceName))

	resolverOpts := []auth.ResolverOption{
		auth.WithFetchTimeout(cfg.Auth.FetchTimeout),
		auth.WithRefreshCooldown(cfg.Auth.RefreshCooldown),
		auth.WithResolverLogger(logger),
		auth.WithResolverMetrics(m),
	}
	if res.Redis != nil {
		resolverOpts = append(resolverOpts,
			auth.WithKeySetStore(auth.NewRedisKeySetStore(res.Redis, cfg.Auth.KeySetStoreTTL)))
	}
	resolver := auth.NewKeyResolver(auth.NewKeyCache(), resolverOpts...)
	verifier := auth.NewTokenVerifier(resolver, auth.WithLeeway(cfg.Auth.Leeway))

	provisioner := users.NewProvisioner(users.NewPostgresRepository(res.DB), logger, users.WithMetrics(m))
	authenticator := auth.NewAuthenticator(
		auth.AuthenticatorConfig{Issuer: cfg.Cognito, GatewayTrust: cfg.Auth.GatewayTrust},
		verifier, provisioner, provisioner, logger,
		auth.WithAuthMetrics(m),
	)

	handler := api.NewRouter(api.Deps{
		Auth:           authenticator,
		Users:          provisioner,
		DB:             res.DB,
		Metrics:        m,
		Logger:         logger,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
	})

	a := &App{
		cfg:       cfg,
		logger:    logger,
		resources: res,
		metrics:   m,
		handler:   handler,
		server: &http.Server{
			Addr:              net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
			Handler:           handler,
			ReadHeaderTimeout: readHeaderTimeout,
			ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelError),
		},
		serveErr: make(chan error, 1),
	}

	svc, err := lifecycle.NewServiceBuilder(ServiceName, version).
		WithLogger(logger).
		WithOnStart(a.start).
		WithOnStop(a.stop).
		WithReadiness(res.DB.Health).
		Build()
	if err != nil {
		return nil, err
	}
	a.service = svc
	return a, nil
}

// Handler returns the HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Service returns the lifecycle state machine.
func (a *App) Service() *lifecycle.Service { return a.service }

// Addr returns the bound listen address once started.
func (a *App) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

// Run starts the service and blocks until ctx is done or the server fails,
// then shuts down within the configured timeout.
func (a *App) Run(ctx context.Context) error {
	if err := a.service.Start(ctx); err != nil {
		a.resources.close(a.logger)
		return err
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-a.serveErr:
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := a.service.Stop(shutdownCtx); err != nil {
		return errors.Join(runErr, err)
	}
	return runErr
}

func (a *App) start(ctx context.Context) error {
	if err := a.resources.DB.Health(ctx); err != nil {
		return err
	}

	ln, err := net.Listen("tcp", a.server.Addr)
	if err != nil {
		return fmt.Errorf("app: listen on %s: %w", a.server.Addr, err)
	}
	a.mu.Lock()
	a.listener = ln
	a.mu.Unlock()

	a.logger.InfoContext(ctx, "server listening", "addr", ln.Addr().String(),
		"gateway_trust", a.cfg.Auth.GatewayTrust, "issuer", a.cfg.Cognito.IssuerURL())

	go func() {
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.serveErr <- err
		}
	}()
	return nil
}

func (a *App) stop(ctx context.Context) error {
	err := a.server.Shutdown(ctx)
	a.resources.close(a.logger)
	return err
}

func (r Resources) close(logger *slog.Logger) {
	if r.Redis != nil {
		if err := r.Redis.Close(); err != nil {
			logger.Warn("failed to close redis client", "error", err)
		}
	}
	if r.DB != nil {
		r.DB.Close()
	}
}
