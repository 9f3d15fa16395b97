package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ggoodman/mcp-streamable-go/auth"
	"github.com/ggoodman/mcp-streamable-go/auth/jwtauth"
	"github.com/ggoodman/mcp-streamable-go/dispatch"
	"github.com/ggoodman/mcp-streamable-go/examples/echo"
	"github.com/ggoodman/mcp-streamable-go/sessions"
	"github.com/ggoodman/mcp-streamable-go/sessions/memorystore"
	"github.com/ggoodman/mcp-streamable-go/sessions/redisstore"
	"github.com/ggoodman/mcp-streamable-go/streaminghttp"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(cfg Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "serve",
		Short:   "Serve the demo handlers over streaming HTTP",
		Example: "mcpstream serve --addr :8080 --store redis",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.validate(); err != nil {
				return err
			}
			log, err := newLogger(cmd.ErrOrStderr(), cfg.LogFormat, cfg.LogLevel)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, log)
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfg.Addr, "addr", cfg.Addr, "listen address")
	f.StringVar(&cfg.Path, "path", cfg.Path, "path the transport is mounted on")
	f.StringVar(&cfg.ServersFile, "servers-file", cfg.ServersFile, "YAML file listing several servers to mount")
	f.StringVar(&cfg.Store, "store", cfg.Store, "session store: memory or redis")
	f.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "redis address for --store redis")
	f.DurationVar(&cfg.TTL, "ttl", cfg.TTL, "idle session lifetime")
	f.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "SSE driver backoff when nothing is ready")
	f.StringVar(&cfg.JWTSecret, "jwt-secret", cfg.JWTSecret, "HMAC secret for bearer tokens")
	f.StringVar(&cfg.JWKSURL, "jwks-url", cfg.JWKSURL, "JWKS URL for bearer tokens")
	f.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "console or json")
	f.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	return cmd
}

// app is everything serve needs, built from a Config.
type app struct {
	router  http.Handler
	store   sessions.Store
	janitor func(ctx context.Context) error
	close   func() error
	servers []ServerConfig
}

func buildApp(ctx context.Context, cfg Config, log *slog.Logger) (*app, error) {
	a := &app{close: func() error { return nil }}

	switch cfg.Store {
	case "redis":
		rs, err := redisstore.New(ctx, redisstore.Config{
			RedisAddr: cfg.RedisAddr,
			KeyPrefix: cfg.KeyPrefix,
			TTL:       cfg.TTL,
		}, redisstore.WithLogger(log))
		if err != nil {
			return nil, err
		}
		a.store = rs
		a.close = rs.Close
	default:
		ms := memorystore.New(memorystore.WithTTL(cfg.TTL), memorystore.WithLogger(log))
		a.store = ms
		a.janitor = func(ctx context.Context) error { return ms.Run(ctx, cfg.SweepEvery) }
	}

	servers, err := cfg.servers()
	if err != nil {
		_ = a.close()
		return nil, err
	}
	authn, err := newAuthenticator(ctx, cfg)
	if err != nil {
		_ = a.close()
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	for _, sc := range servers {
		d, err := newDispatcher(a.store, cfg, sc, log)
		if err != nil {
			_ = a.close()
			return nil, err
		}
		hlog := log.With(slog.String("server", sc.Name))
		hopts := []streaminghttp.Option{
			streaminghttp.WithLogger(hlog),
			streaminghttp.WithPollInterval(cfg.PollInterval),
			streaminghttp.WithMetrics(prometheus.WrapRegistererWith(prometheus.Labels{"server": sc.Name}, reg)),
		}
		if authn != nil {
			hopts = append(hopts, streaminghttp.WithAuthenticator(authn, cfg.Realm))
		}
		h, err := streaminghttp.New(a.store, d, hopts...)
		if err != nil {
			_ = a.close()
			return nil, err
		}
		if err := h.Initialize(ctx); err != nil {
			_ = a.close()
			return nil, err
		}
		r.Handle(sc.Path, h)
		a.servers = append(a.servers, sc)
	}
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	a.router = r
	return a, nil
}

// newDispatcher builds the dispatcher for one configured server. Sessions
// share the store across servers; ids are random so they do not collide.
func newDispatcher(store sessions.Store, cfg Config, sc ServerConfig, log *slog.Logger) (*dispatch.Dispatcher, error) {
	registry := dispatch.NewRegistry()
	if err := echo.RegisterMethods(registry, sc.Methods...); err != nil {
		return nil, fmt.Errorf("server %s: %w", sc.Name, err)
	}
	dopts := []dispatch.Option{
		dispatch.WithLogger(log.With(slog.String("server", sc.Name))),
		dispatch.WithServerInfo(sc.Name, sc.Version),
		dispatch.WithInstructions(sc.Instructions),
		dispatch.WithCapabilities(sc.Capabilities),
	}
	if cfg.ProtocolVersion != "" {
		dopts = append(dopts, dispatch.WithProtocolVersion(cfg.ProtocolVersion))
	}
	return dispatch.New(store, registry, dopts...), nil
}

func newAuthenticator(ctx context.Context, cfg Config) (auth.Authenticator, error) {
	jcfg := jwtauth.Config{Issuer: cfg.JWTIssuer}
	if cfg.JWTAudience != "" {
		jcfg.Audiences = []string{cfg.JWTAudience}
	}
	switch {
	case cfg.JWKSURL != "":
		return jwtauth.NewJWKS(ctx, cfg.JWKSURL, jcfg)
	case cfg.JWTSecret != "":
		return jwtauth.NewHMAC([]byte(cfg.JWTSecret), jcfg)
	}
	return nil, nil
}

func serve(ctx context.Context, cfg Config, log *slog.Logger) error {
	a, err := buildApp(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}
	defer func() {
		if err := a.close(); err != nil {
			log.Error("store.close.fail", slog.String("err", err.Error()))
		}
	}()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           a.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for _, sc := range a.servers {
			log.Info("server.mount", slog.String("name", sc.Name), slog.String("path", sc.Path))
		}
		log.Info("server.listen", slog.String("addr", cfg.Addr), slog.String("store", cfg.Store))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("server.shutdown")
		sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	if a.janitor != nil {
		g.Go(func() error {
			if err := a.janitor(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	return g.Wait()
}
