// Package main is the entry point for the gatez server.
//
// The bootstrap sequence is:
//  1. Load configuration from environment variables and .env.
//  2. Open the configured storage adapter and apply migrations.
//  3. Wrap the adapter with instrumentation and, when CACHE_TTL is set, a
//     read-through cache.
//  4. Create the gate service and import SEED_FILE if configured.
//  5. Start the HTTP server (:8080) and gRPC server (:9090) concurrently.
//  6. Wait for SIGINT/SIGTERM, then gracefully shut down both servers.
//
// Subcommands:
//
//	gatez hash-key <secret>   print a bcrypt hash for API_KEYS
//	gatez migrate             apply migrations for the configured adapter and exit
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"google.golang.org/grpc"

	"github.com/matt-riley/gatez/internal/adapter"
	"github.com/matt-riley/gatez/internal/config"
	"github.com/matt-riley/gatez/internal/logging"
	"github.com/matt-riley/gatez/internal/metrics"
	"github.com/matt-riley/gatez/internal/middleware"
	"github.com/matt-riley/gatez/internal/seed"
	"github.com/matt-riley/gatez/internal/server"
	"github.com/matt-riley/gatez/internal/service"
	"github.com/matt-riley/gatez/internal/tracing"
)

const (
	shutdownTimeout       = 10 * time.Second
	httpReadHeaderTimeout = 5 * time.Second
	httpReadTimeout       = 30 * time.Second
	httpIdleTimeout       = 2 * time.Minute
)

func main() {
	if err := dispatch(os.Args[1:], os.Stdout); err != nil {
		slog.Error("gatez failed", "error", err)
		os.Exit(1)
	}
}

func dispatch(args []string, stdout io.Writer) error {
	if len(args) == 0 {
		return run()
	}
	switch args[0] {
	case "hash-key":
		return runHashKey(args[1:], stdout)
	case "migrate":
		return runMigrate()
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func runHashKey(args []string, stdout io.Writer) error {
	if len(args) != 1 || args[0] == "" {
		return errors.New("usage: gatez hash-key <secret>")
	}
	hash, err := middleware.HashAPIKey(args[0])
	if err != nil {
		return fmt.Errorf("hash key: %w", err)
	}
	_, err = fmt.Fprintln(stdout, hash)
	return err
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.New(cfg.LogLevel)
	slog.SetDefault(log)

	shutdownTracer, err := tracing.Init(context.Background(), tracing.Settings{
		Endpoint:    cfg.OTLPEndpoint,
		ServiceName: cfg.ServiceName,
		Adapter:     cfg.Adapter,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Error("tracer shutdown error", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	st, err := openStore(ctx, cfg, log, m)
	if err != nil {
		return err
	}
	defer st.close()

	var store adapter.Adapter = adapter.NewInstrumented(st.adapter, m)
	if cfg.CacheTTL > 0 {
		cached := adapter.NewCached(store, cfg.CacheTTL,
			adapter.WithCacheLogger(logging.Component(log, "cache")),
			adapter.WithCacheObserver(m),
		)
		if err := cached.Start(ctx); err != nil {
			return fmt.Errorf("start cache: %w", err)
		}
		store = cached
	}

	svc, err := service.New(store,
		service.WithLogger(logging.Component(log, "service")),
		service.WithEvaluationRecorder(m),
	)
	if err != nil {
		return fmt.Errorf("init service: %w", err)
	}

	if err := startSeeding(ctx, cfg, svc, log, m); err != nil {
		return err
	}

	var (
		validator middleware.TokenValidator
		authOpts  []middleware.AuthOption
	)
	if cfg.AuthEnabled() {
		limiter := middleware.NewRateLimiter(ctx, cfg.AuthRateLimit)
		defer limiter.Stop()

		validator = middleware.NewStaticKeys(cfg.APIKeys)
		authOpts = []middleware.AuthOption{
			middleware.WithOnAuthFailure(m.IncAuthFailures),
			middleware.WithRateLimiter(limiter),
		}
	} else {
		log.Warn("API_KEYS is empty, the API is unauthenticated")
	}

	apiHandler := server.NewHTTPHandler(svc,
		server.WithMaxJSONBodySize(cfg.MaxJSONBodySize),
		server.WithHealthCheck(st.ping),
		server.WithMetricsHandler(m.Handler()),
		server.WithRequestObserver(m),
	)
	httpHandler := middleware.HTTPRequestLogging(log)(newHTTPHandler(apiHandler, validator, authOpts...))

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           otelhttp.NewHandler(httpHandler, "gatez-http"),
		ReadHeaderTimeout: httpReadHeaderTimeout,
		ReadTimeout:       httpReadTimeout,
		IdleTimeout:       httpIdleTimeout,
	}

	interceptors := []grpc.UnaryServerInterceptor{middleware.UnaryRequestLoggingInterceptor(log)}
	if validator != nil {
		interceptors = append(interceptors, middleware.UnaryBearerAuthInterceptor(validator, authOpts...))
	}
	interceptors = append(interceptors, m.UnaryServerInterceptor())

	grpcServer := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(interceptors...),
	)
	server.RegisterGateServiceServer(grpcServer, server.NewGRPCServer(svc))

	httpListener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen HTTP %s: %w", cfg.HTTPAddr, err)
	}
	defer httpListener.Close()

	grpcListener, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen gRPC %s: %w", cfg.GRPCAddr, err)
	}
	defer grpcListener.Close()

	serveErrCh := make(chan error, 2)
	go func() {
		if err := httpServer.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErrCh <- fmt.Errorf("serve HTTP: %w", err)
		}
	}()
	go func() {
		if err := grpcServer.Serve(grpcListener); err != nil {
			serveErrCh <- fmt.Errorf("serve gRPC: %w", err)
		}
	}()

	log.Info("server started",
		"http_addr", cfg.HTTPAddr,
		"grpc_addr", cfg.GRPCAddr,
		"adapter", svc.AdapterName(),
		"cache_ttl", cfg.CacheTTL,
	)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-serveErrCh:
	}
	stop()

	log.Info("server shutting down")

	httpShutdownCtx, cancelHTTP := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelHTTP()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		if serveErr != nil {
			return serveErr
		}
		return fmt.Errorf("shutdown HTTP: %w", err)
	}

	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(shutdownTimeout):
		grpcServer.Stop()
	}

	return serveErr
}

// startSeeding imports SEED_FILE once and, with SEED_WATCH, keeps importing
// it on change until ctx is done.
func startSeeding(ctx context.Context, cfg config.Config, svc *service.Service, log *slog.Logger, m *metrics.Metrics) error {
	if cfg.SeedFile == "" {
		return nil
	}

	seedLog := logging.Component(log, "seed")
	apply := func(ctx context.Context, doc seed.Document) error {
		_, err := seed.Import(ctx, svc, doc, seed.ImportOptions{Prune: cfg.SeedReplace, Logger: seedLog})
		return err
	}

	doc, err := seed.LoadFile(cfg.SeedFile)
	if err == nil {
		err = apply(ctx, doc)
	}
	m.RecordSeedReload(err)
	if err != nil {
		return fmt.Errorf("import seed: %w", err)
	}

	if !cfg.SeedWatch {
		return nil
	}

	watcher, err := seed.NewWatcher(cfg.SeedFile, apply,
		seed.WithWatcherLogger(seedLog),
		seed.WithReloadRecorder(m),
	)
	if err != nil {
		return fmt.Errorf("create seed watcher: %w", err)
	}
	go func() {
		if err := watcher.Run(ctx); err != nil {
			seedLog.Error("seed watcher exited", "error", err)
		}
	}()
	return nil
}

// newHTTPHandler protects /v1/ with bearer auth when validator is non-nil and
// leaves /healthz and /metrics public.
func newHTTPHandler(apiHandler http.Handler, validator middleware.TokenValidator, opts ...middleware.AuthOption) http.Handler {
	protectedAPIHandler := apiHandler
	if validator != nil {
		protectedAPIHandler = middleware.HTTPBearerAuthMiddleware(validator, opts...)(apiHandler)
	}

	mux := http.NewServeMux()
	mux.Handle("/v1/", protectedAPIHandler)
	mux.Handle("GET /healthz", apiHandler)
	mux.Handle("GET /metrics", apiHandler)

	return mux
}
