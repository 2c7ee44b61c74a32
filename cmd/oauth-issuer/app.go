package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	oauth "github.com/giantswarm/oauth-issuer"
	"github.com/giantswarm/oauth-issuer/instrumentation"
	"github.com/giantswarm/oauth-issuer/jwtcodec"
	"github.com/giantswarm/oauth-issuer/security"
	"github.com/giantswarm/oauth-issuer/server"
	"github.com/giantswarm/oauth-issuer/storage"
)

const (
	metricsPath = "/metrics"
	healthPath  = "/healthz"
)

// app is a fully wired issuer.
type app struct {
	config   *Config
	logger   *slog.Logger
	inst     *instrumentation.Instrumentation
	registry *prometheus.Registry
	stores   *stores
	server   *server.Server
	handler  *oauth.Handler
}

func newApp(ctx context.Context, config *Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{config: config, logger: logger}
	defer func() {
		if err != nil {
			a.close(context.Background())
		}
	}()

	a.registry = prometheus.NewRegistry()
	a.inst, err = instrumentation.New(instrumentation.Config{
		Enabled:           config.Metrics.Enabled,
		ServiceVersion:    version,
		PrometheusEnabled: config.Metrics.Enabled,
		Registerer:        a.registry,
		LogClientIPs:      config.Metrics.LogClientIPs,
	})
	if err != nil {
		return nil, err
	}

	a.stores, err = openStores(ctx, config, logger, a.inst)
	if err != nil {
		return nil, err
	}
	logger.Info("Storage ready", "backend", a.stores.name)

	source, err := keySource(ctx, config, logger)
	if err != nil {
		return nil, err
	}
	codec, err := jwtcodec.New(ctx, jwtcodec.Config{
		Issuer: config.Server.Issuer,
		Source: source,
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}

	auditor := security.NewAuditor(logger, config.Audit.Enabled)
	a.server, err = server.New(server.Config{
		Issuer:               config.Server.Issuer,
		AuthorizationCodeTTL: config.Tokens.AuthorizationCodeTTL,
		AccessTokenTTL:       config.Tokens.AccessTokenTTL,
		IDTokenTTL:           config.Tokens.IDTokenTTL,
		RevokeLineageOnReuse: config.Tokens.RevokeLineageOnReuse,
		AllowInsecureHTTP:    config.Server.AllowInsecureHTTP,
	}, server.Deps{
		Codec:           codec,
		Revocations:     a.stores,
		Clients:         a.stores,
		Owners:          a.stores,
		Auditor:         auditor,
		Instrumentation: a.inst,
		Logger:          logger,
	})
	if err != nil {
		return nil, err
	}

	if err := a.seed(ctx); err != nil {
		return nil, err
	}

	a.handler = oauth.NewHandler(a.server, oauth.Config{
		RateLimit: oauth.RateLimitConfig{
			Rate:  config.RateLimit.Rate,
			Burst: config.RateLimit.Burst,
		},
		Security: oauth.SecurityConfig{
			TrustProxy:      config.Server.TrustProxy,
			TrustedProxies:  config.Server.TrustedProxies,
			AuthorizeAPIKey: config.Server.AuthorizeAPIKey,
		},
		Instrumentation: a.inst,
		Auditor:         auditor,
		Logger:          logger,
	})
	return a, nil
}

// seed registers the configured clients and resource owners.
func (a *app) seed(ctx context.Context) error {
	for _, c := range a.config.Clients {
		_, err := a.server.RegisterClient(ctx, a.stores, server.ClientRegistration{
			ClientID:     c.ID,
			Name:         c.Name,
			Type:         c.Type,
			Secret:       c.Secret,
			RedirectURIs: c.RedirectURIs,
			Scopes:       c.Scopes,
		})
		if err != nil {
			return fmt.Errorf("failed to register client '%s' (cause: %w)", c.ID, err)
		}
	}
	for _, o := range a.config.ResourceOwners {
		err := a.server.RegisterResourceOwner(ctx, a.stores, &storage.ResourceOwner{
			ID:            o.ID,
			Email:         o.Email,
			Name:          o.Name,
			EmailVerified: o.EmailVerified,
			CreatedAt:     time.Now(),
		})
		if err != nil {
			return fmt.Errorf("failed to register resource owner '%s' (cause: %w)", o.ID, err)
		}
	}
	return nil
}

// routes mounts the issuer endpoints, health and metrics. CORS applies to
// everything except the authorize endpoint, which only the trusted front
// end calls.
func (a *app) routes() http.Handler {
	issuer := a.handler.Routes()

	mux := http.NewServeMux()
	mux.Handle(server.AuthorizePath, issuer)
	mux.Handle("/", a.cors(issuer))
	mux.HandleFunc(healthPath, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	})
	if a.config.Metrics.Enabled {
		mux.Handle(metricsPath, promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	}
	return mux
}

func (a *app) cors(next http.Handler) http.Handler {
	origins := a.config.Server.CORSAllowedOrigins
	if len(origins) == 0 {
		return next
	}
	return cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		ExposedHeaders: []string{security.RequestIDHeader},
		MaxAge:         600,
	}).Handler(next)
}

// serve runs the HTTP server until ctx is done and then shuts down.
func (a *app) serve(ctx context.Context) error {
	defer a.close(context.Background())

	listener, err := net.Listen("tcp", a.config.Server.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on '%s' (cause: %w)", a.config.Server.Listen, err)
	}
	httpServer := &http.Server{
		Handler:      a.routes(),
		ReadTimeout:  a.config.Server.ReadTimeout,
		WriteTimeout: a.config.Server.WriteTimeout,
		IdleTimeout:  a.config.Server.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	purgeCtx, stopPurge := context.WithCancel(ctx)
	defer stopPurge()
	go a.purgeLoop(purgeCtx)

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("Issuer listening", "address", listener.Addr().String(), "issuer", a.config.Server.Issuer)
		serveErr <- httpServer.Serve(listener)
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	a.logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.config.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed (cause: %w)", err)
	}
	return nil
}

// purgeLoop periodically drops expired grant markers from SQL backends.
func (a *app) purgeLoop(ctx context.Context) {
	if a.stores.purge == nil || a.config.Storage.PurgeInterval <= 0 {
		return
	}
	ticker := time.NewTicker(a.config.Storage.PurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.purge(ctx)
		}
	}
}

func (a *app) purge(ctx context.Context) {
	n, err := a.stores.purge(ctx)
	if err != nil {
		a.logger.Warn("Failed to purge expired grant markers", "error", err)
		return
	}
	if n > 0 {
		a.logger.Debug("Purged expired grant markers", "count", n)
	}
}

func (a *app) close(ctx context.Context) {
	if a.handler != nil {
		a.handler.Close()
	}
	if a.stores != nil {
		a.stores.close()
	}
	if a.inst != nil {
		if err := a.inst.Shutdown(ctx); err != nil {
			a.logger.Warn("Failed to shut down instrumentation", "error", err)
		}
	}
}
