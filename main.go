package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/talonhq/talon/internal/agent"
	"github.com/talonhq/talon/internal/browser"
	"github.com/talonhq/talon/internal/circadian"
	"github.com/talonhq/talon/internal/config"
	"github.com/talonhq/talon/internal/events"
	"github.com/talonhq/talon/internal/health"
	"github.com/talonhq/talon/internal/history"
	"github.com/talonhq/talon/internal/httpapi"
	"github.com/talonhq/talon/internal/policy"
	"github.com/talonhq/talon/internal/ratelimit"
	"github.com/talonhq/talon/internal/scraper"
	"github.com/talonhq/talon/internal/sessions"
	"github.com/talonhq/talon/internal/store"
	"github.com/talonhq/talon/internal/stream"
	"github.com/talonhq/talon/internal/tracing"
)

const healthInterval = 15 * time.Second

// agentStopGrace bounds how long a shutting-down agent may spend
// finishing its in-flight action before its context is cancelled.
const agentStopGrace = 5 * time.Second

func main() {
	if len(os.Args) > 1 && os.Args[1] == "token" {
		runMintToken(os.Args[2:])
		return
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("Starting talond",
		zap.Int("admin_port", cfg.Service.AdminPort),
		zap.String("store_addr", cfg.Store.Addr),
	)

	if err := tracing.Initialize(tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		ServiceName:  cfg.Tracing.ServiceName,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
	}, logger); err != nil {
		// Tracing is best effort; the service runs without it.
		logger.Warn("Failed to initialize tracing", zap.Error(err))
	}

	// Root context for background loops (policy watcher). Cancelled
	// during shutdown after the components that depend on them stop.
	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	// Admin surface comes up first so liveness probes pass while the
	// heavier components initialize. ServeMux registration is locked,
	// so mounting /api/ later is safe.
	healthMgr := health.NewManager(healthInterval, logger)
	adminMux := http.NewServeMux()
	health.NewHandler(healthMgr, logger).RegisterRoutes(adminMux)
	adminMux.Handle("/metrics", promhttp.Handler())

	adminSrv := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Service.AdminPort),
		Handler:     adminMux,
		ReadTimeout: cfg.Service.ReadTimeout,
		IdleTimeout: 60 * time.Second,
		// No WriteTimeout: SSE responses stay open until the client
		// disconnects.
	}
	go func() {
		logger.Info("Admin server listening", zap.String("addr", adminSrv.Addr))
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Admin server failed", zap.Error(err))
		}
	}()

	st, err := store.New(cfg.Store, logger)
	if err != nil {
		logger.Fatal("Failed to connect to state store", zap.Error(err))
	}
	if err := healthMgr.Register(health.NewStoreChecker(st)); err != nil {
		logger.Warn("Failed to register store health checker", zap.Error(err))
	}

	bus := events.NewBus(cfg.Events.RingCapacity)

	pool := browser.NewPool(cfg.Pool, browser.NewRodDriver(cfg.Pool, logger), logger)
	if err := healthMgr.Register(health.NewPoolChecker(pool)); err != nil {
		logger.Warn("Failed to register pool health checker", zap.Error(err))
	}

	defaults, err := ratelimit.LoadDefaults(cfg.Rate.DefaultsFile)
	if err != nil {
		logger.Fatal("Failed to load rate limit defaults", zap.Error(err))
	}
	rate := ratelimit.New(cfg.Rate, defaults, st, logger)

	// Edits to rate_limits.yaml apply without a restart. Policy bundles
	// reload through the gate's own watcher below.
	watchDir := "./config"
	if cfg.Rate.DefaultsFile != "" {
		watchDir = filepath.Dir(cfg.Rate.DefaultsFile)
	}
	watcher, err := config.NewWatcher(logger, watchDir)
	if err != nil {
		logger.Warn("Config watcher unavailable", zap.Error(err))
	} else {
		watcher.OnSuffix("rate_limits.yaml", func(path string) error {
			d, err := ratelimit.LoadDefaults(path)
			if err != nil {
				return err
			}
			rate.SetDefaults(d)
			return nil
		})
		watcher.Start(rootCtx)
	}

	dispatch := scraper.NewDispatcher(cfg.Scraper, logger)

	mgr := stream.NewManager(stream.Deps{
		Cfg:       cfg.Stream,
		EventsCap: cfg.Events.RingCapacity,
		Store:     st,
		Pool:      pool,
		Dispatch:  dispatch,
		Rate:      rate,
		Bus:       bus,
		Logger:    logger,
	})
	if err := mgr.Start(rootCtx); err != nil {
		logger.Fatal("Failed to replay stream registry", zap.Error(err))
	}
	if err := healthMgr.Register(health.NewStreamChecker(mgr)); err != nil {
		logger.Warn("Failed to register stream health checker", zap.Error(err))
	}

	rec, err := history.Open(cfg.History, logger)
	if err != nil {
		logger.Fatal("Failed to open history database", zap.Error(err))
	}
	if err := healthMgr.Register(health.NewHistoryChecker(rec)); err != nil {
		logger.Warn("Failed to register history health checker", zap.Error(err))
	}

	gate, err := policy.New(cfg.Policy, logger)
	if err != nil {
		logger.Fatal("Failed to load policy", zap.Error(err))
	}
	if gate.Enabled() {
		go gate.Watch(rootCtx)
	}

	jar, err := sessions.New(cfg.Sessions, logger)
	if err != nil {
		logger.Fatal("Failed to open session jar", zap.Error(err))
	}

	tmpl := circadian.DefaultTemplate()
	if cfg.Agent.TemplateFile != "" {
		tmpl, err = circadian.LoadTemplate(cfg.Agent.TemplateFile)
		if err != nil {
			logger.Fatal("Failed to load day plan template",
				zap.String("path", cfg.Agent.TemplateFile), zap.Error(err))
		}
	}

	sup := agent.NewSupervisor(agent.Deps{
		Cfg:      cfg.Agent,
		Store:    st,
		Pool:     pool,
		Dispatch: dispatch,
		Rate:     rate,
		Gate:     gate,
		Sessions: jar,
		History:  rec,
		Bus:      bus,
		Logger:   logger,
	}, tmpl)

	if cfg.HTTP.Enabled {
		apiMux := http.NewServeMux()
		httpapi.NewStreamHandler(mgr, logger).RegisterRoutes(apiMux)
		httpapi.NewAgentHandler(sup, logger).RegisterRoutes(apiMux)
		ev := httpapi.NewEventsHandler(bus, logger)
		ev.RegisterRoutes(apiMux)
		ev.RegisterWebSocket(apiMux)
		adminMux.Handle("/api/", httpapi.NewAuth(cfg.HTTP, logger).Wrap(apiMux))
		logger.Info("Management API enabled",
			zap.Bool("auth", cfg.HTTP.AuthEnabled))
	}

	healthMgr.Start()

	logger.Info("talond ready")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Shutting down", zap.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Service.GracefulTimeout)
	defer cancel()

	// Reverse init order: stop taking requests, then stop the loops
	// that hold leases, then release the infrastructure under them.
	if err := adminSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Admin server shutdown failed", zap.Error(err))
	}
	sup.StopAll(agentStopGrace)
	mgr.Shutdown(shutdownCtx)
	rootCancel()
	if watcher != nil {
		if err := watcher.Stop(); err != nil {
			logger.Warn("Config watcher stop failed", zap.Error(err))
		}
	}
	if err := pool.Close(); err != nil {
		logger.Warn("Browser pool close failed", zap.Error(err))
	}
	if err := rec.Close(); err != nil {
		logger.Warn("History close failed", zap.Error(err))
	}
	if err := st.Close(); err != nil {
		logger.Warn("State store close failed", zap.Error(err))
	}
	healthMgr.Stop()
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Tracing shutdown failed", zap.Error(err))
	}
	logger.Info("Shutdown complete")
}

// runMintToken implements `talond token [-ttl 24h] <subject>`: it prints
// a signed bearer token for the configured API secret so operators can
// authenticate dashboards and scripts without sharing the secret itself.
func runMintToken(args []string) {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	fs.Parse(args)
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: talond token [-ttl 24h] <subject>")
		os.Exit(2)
	}
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if cfg.HTTP.JWTSecret == "" {
		log.Fatalf("http.jwt_secret is not configured")
	}
	tok, err := httpapi.MintToken(cfg.HTTP.JWTSecret, fs.Arg(0), *ttl)
	if err != nil {
		log.Fatalf("Failed to mint token: %v", err)
	}
	fmt.Println(tok)
}

// buildLogger maps the logging config onto a zap preset. Console format
// is for local runs; everything else gets production JSON.
func buildLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zc zap.Config
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	if cfg.Level != "" {
		lvl, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("logging.level %q: %w", cfg.Level, err)
		}
		zc.Level = lvl
	}
	return zc.Build()
}
