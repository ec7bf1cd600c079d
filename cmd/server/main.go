// private-nas server
//
// Features:
// - Sandboxed file storage under a single root
// - Paged, sorted directory listings with breadcrumbs
// - Checksum-verified streaming uploads with disk space preflight
// - Best-effort batch deletes, moves, directory creation
// - Cached image previews
// - Asynchronous audit trail (PostgreSQL or in-memory)
// - SSE file events, Prometheus metrics, structured logging (zap)
// - JWT auth, IP allowlist, per-actor rate limiting
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"net"
	"net/http"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/HuiungJang/private-nas-for-mac/internal/api"
	"github.com/HuiungJang/private-nas-for-mac/internal/audit"
	"github.com/HuiungJang/private-nas-for-mac/internal/audit/postgres"
	"github.com/HuiungJang/private-nas-for-mac/internal/auth"
	"github.com/HuiungJang/private-nas-for-mac/internal/config"
	"github.com/HuiungJang/private-nas-for-mac/internal/events"
	"github.com/HuiungJang/private-nas-for-mac/internal/files"
	"github.com/HuiungJang/private-nas-for-mac/internal/logging"
	"github.com/HuiungJang/private-nas-for-mac/internal/metrics"
	"github.com/HuiungJang/private-nas-for-mac/internal/monitor"
	"github.com/HuiungJang/private-nas-for-mac/internal/preview"
	"github.com/HuiungJang/private-nas-for-mac/internal/quota"
	"github.com/HuiungJang/private-nas-for-mac/internal/storage/local"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file (default: $VAULT_CONFIG)")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	// Initialize structured logging
	if err := logging.Init(logging.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.Output,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("private-nas server starting...",
		zap.String("listen", cfg.Server.ListenAddr),
		zap.String("metrics", cfg.Server.MetricsAddr),
		zap.String("root", cfg.Storage.Root))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logging.Fatal("server error", zap.Error(err))
	}
	logging.Info("server stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	store, err := local.New(local.Config{
		RootPath:     cfg.Storage.Root,
		CreateDirs:   cfg.Storage.CreateRoot,
		Excludes:     cfg.Storage.Excludes,
		MaxListLimit: cfg.Storage.MaxListLimit,
		Owner:        cfg.Storage.Owner,
	})
	if err != nil {
		return err
	}
	reg := metrics.NewPrometheus(nil)

	// Audit persistence
	var (
		persist audit.Sink
		reader  audit.Reader
	)
	if cfg.Audit.DatabaseURL != "" {
		logging.Info("connecting to PostgreSQL for the audit log...")
		pg, err := postgres.New(ctx, postgres.Config{
			DatabaseURL:     cfg.Audit.DatabaseURL,
			MaxOpenConns:    cfg.Audit.MaxOpenConns,
			MaxIdleConns:    cfg.Audit.MaxIdleConns,
			ConnMaxLifetime: cfg.Audit.ConnMaxLifetime,
		})
		if err != nil {
			return err
		}
		defer pg.Close()
		persist, reader = pg, pg
	} else {
		logging.Warn("audit.database_url not set, keeping the audit log in memory",
			zap.Int("capacity", cfg.Audit.MemoryCapacity))
		mem := audit.NewMemory(cfg.Audit.MemoryCapacity)
		persist, reader = mem, mem
	}

	// Previews
	previewOpts := []preview.Option{preview.WithNormalizer(store.Resolver().Normalize)}
	if cfg.Preview.IndexDir != "" {
		ix, err := preview.OpenIndex(cfg.Preview.IndexDir)
		if err != nil {
			return err
		}
		defer ix.Close()
		previewOpts = append(previewOpts, preview.WithIndex(ix))
	}
	gen := preview.NewImageGenerator(cfg.Preview.MaxWidth, cfg.Preview.MaxHeight, cfg.Preview.Quality)
	previews, err := preview.NewCache(store, gen, cfg.Preview.CacheDir, reg, previewOpts...)
	if err != nil {
		return err
	}

	broadcaster := events.NewBroadcaster()

	dispatcher := audit.NewDispatcher(
		audit.Multi{audit.LogSink{}, persist, broadcaster},
		audit.DispatcherConfig{Workers: cfg.Audit.Workers, QueueSize: cfg.Audit.QueueSize},
		reg,
	)
	dispatcher.Start()
	defer dispatcher.Stop()

	svc := files.NewService(store, files.Validator{
		MaxNameLength: cfg.Upload.MaxNameLength,
		MaxFileSize:   cfg.Upload.MaxFileSize,
	}, dispatcher, files.WithInvalidator(previews))

	// Identity
	var authenticate func(http.Handler) http.Handler
	if cfg.Auth.Disabled {
		logging.Warn("token verification disabled, all requests act as one administrator",
			zap.String("actor", cfg.Auth.AnonymousActor))
		authenticate = auth.Anonymous(cfg.Auth.AnonymousActor)
	} else {
		authHandler, err := auth.New(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
		if err != nil {
			return err
		}
		authenticate = authHandler.Middleware
	}
	ipResolver, err := auth.NewIPResolver(cfg.Auth.TrustedProxies)
	if err != nil {
		return err
	}
	allowlist, err := auth.NewAllowlist(cfg.Auth.AllowedCIDRs)
	if err != nil {
		return err
	}

	var rateLimit func(http.Handler) http.Handler
	if cfg.RateLimit.RequestsPerMinute > 0 || len(cfg.RateLimit.Overrides) > 0 {
		limiter := quota.NewRateLimiter(cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.Overrides)
		go limiter.RunCleanup(ctx, cfg.RateLimit.CleanupInterval, cfg.RateLimit.MaxIdle)
		rateLimit = quota.RateLimitMiddleware(limiter, auth.ActorID)
	}

	mon := monitor.New(
		func() (int64, int64, error) { return local.DiskUsage(store.Root()) },
		previews,
		reg.Timer(metrics.AuditQueryDuration, "Audit log query latency"),
		cfg.Monitor.SnapshotTTL,
	)

	deps := api.Deps{
		Files:         svc,
		Previews:      previews,
		AuditLog:      audit.NewLog(reader, reg),
		Monitor:       mon,
		Broadcaster:   broadcaster,
		MaxUploadSize: cfg.Upload.MaxFileSize,
		Authenticate:  authenticate,
		RateLimit:     rateLimit,
		IPResolver:    ipResolver,
		Allowlist:     allowlist,
	}
	if cfg.Server.MetricsAddr == "" {
		deps.Metrics = metrics.Handler()
	}
	srv, err := api.NewServer(deps)
	if err != nil {
		return err
	}

	baseCtx := func(net.Listener) context.Context { return ctx }
	servers := []*http.Server{{
		Addr:              cfg.Server.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		BaseContext:       baseCtx,
	}}
	useTLS := cfg.Server.TLSCertFile != "" && cfg.Server.TLSKeyFile != ""
	if useTLS {
		servers[0].TLSConfig = &tls.Config{MinVersion: tls.VersionTLS13}
	}
	if cfg.Server.MetricsAddr != "" {
		servers = append(servers, &http.Server{
			Addr:              cfg.Server.MetricsAddr,
			Handler:           metrics.Handler(),
			ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
			BaseContext:       baseCtx,
		})
	}

	errCh := make(chan error, len(servers))
	for i, hs := range servers {
		go func() {
			var err error
			switch {
			case i == 0 && useTLS:
				logging.Info("server listening (TLS 1.3)", zap.String("addr", hs.Addr))
				err = hs.ListenAndServeTLS(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile)
			case i == 0:
				logging.Info("server listening (HTTP)", zap.String("addr", hs.Addr))
				err = hs.ListenAndServe()
			default:
				logging.Info("metrics server listening", zap.String("addr", hs.Addr))
				err = hs.ListenAndServe()
			}
			if !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	// Graceful shutdown
	var runErr error
	select {
	case <-ctx.Done():
		logging.Info("shutting down...")
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	for _, hs := range servers {
		if err := hs.Shutdown(shutdownCtx); err != nil {
			logging.Error("shutdown incomplete", zap.String("addr", hs.Addr), zap.Error(err))
		}
	}
	return runErr
}
