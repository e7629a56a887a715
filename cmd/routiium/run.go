package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/dnscache"

	gateway "github.com/labiium/routiium/internal"
	"github.com/labiium/routiium/internal/app"
	"github.com/labiium/routiium/internal/config"
	"github.com/labiium/routiium/internal/enrich"
	"github.com/labiium/routiium/internal/mcp"
	"github.com/labiium/routiium/internal/pricing"
	"github.com/labiium/routiium/internal/route"
	"github.com/labiium/routiium/internal/server"
	"github.com/labiium/routiium/internal/storage"
	"github.com/labiium/routiium/internal/storage/jsonl"
	"github.com/labiium/routiium/internal/storage/memory"
	"github.com/labiium/routiium/internal/storage/redis"
	"github.com/labiium/routiium/internal/storage/sqlite"
	"github.com/labiium/routiium/internal/telemetry"
	"github.com/labiium/routiium/internal/upstream"
	"github.com/labiium/routiium/internal/worker"
)

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	ctx := context.Background()
	managed := cfg.Upstream.Managed()
	slog.Info("starting routiium", "version", version, "addr", cfg.Server.Addr, "managed", managed)

	if cfg.Telemetry.Tracing.Enabled {
		shutdown, err := telemetry.SetupTracing(ctx, cfg.Telemetry.Tracing.Endpoint, version, cfg.Telemetry.Tracing.SampleRate)
		if err != nil {
			return fmt.Errorf("setup tracing: %w", err)
		}
		defer func() { _ = shutdown(context.Background()) }()
	}

	var metrics *telemetry.Metrics
	var registry *prometheus.Registry
	if cfg.Telemetry.Metrics.Enabled {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		metrics = telemetry.NewMetrics(registry)
	}

	// Stores
	keyStore, ping, err := openKeyStore(cfg)
	if err != nil {
		return err
	}
	defer keyStore.Close()

	keySvc, err := app.NewKeyService(ctx, keyStore, app.KeyServiceOptions{
		RequireExpiration: cfg.Keys.RequireExpiration,
		DefaultTTL:        cfg.Keys.DefaultTTL,
		DisableCache:      cfg.Keys.DisableCache,
	})
	if err != nil {
		return err
	}
	if managed {
		if _, err := keySvc.EnsureBootstrap(ctx); err != nil {
			return err
		}
	}

	var workers []worker.Worker
	if !cfg.Keys.DisableCache {
		workers = append(workers, worker.NewKeyRefresher(keySvc.Refresh, clockwork.NewRealClock()))
	}

	prices := pricing.Empty()
	if cfg.Pricing.Path != "" {
		prices, err = pricing.Load(cfg.Pricing.Path)
		if err != nil {
			return fmt.Errorf("load pricing: %w", err)
		}
	}

	var analytics *app.AnalyticsService
	if cfg.Analytics.Enabled {
		events, shared, err := openEventStore(cfg, keyStore)
		if err != nil {
			return err
		}
		if !shared {
			defer events.Close()
		}
		rec := worker.NewRecorder(events)
		analytics = app.NewAnalyticsService(events, rec, prices, nil)
		workers = append(workers, rec)
		if cfg.Analytics.TTL > 0 {
			workers = append(workers, worker.NewRetentionSweeper(events, cfg.Analytics.TTL, clockwork.NewRealClock()))
		}
	}

	// Enrichment
	prompter := enrich.NewPrompter()
	if cfg.SystemPrompt.Path != "" {
		if err := prompter.Reload(cfg.SystemPrompt.Path); err != nil {
			return fmt.Errorf("load system prompt config: %w", err)
		}
	}
	mcpMgr := mcp.NewManager()
	if cfg.MCP.Path != "" {
		if servers, err := mcpMgr.Reload(ctx, cfg.MCP.Path); err != nil {
			slog.Warn("mcp discovery failed, continuing without tools", "error", err)
		} else {
			slog.Info("mcp tools discovered", "servers", servers)
		}
	}

	// Routing chain: remote policy service, local table, prefix rules,
	// default upstream.
	var routers []gateway.Router
	var remote *route.RemoteRouter
	if cfg.Router.URL != "" {
		remote, err = route.NewRemoteRouter(route.RemoteOptions{
			URL:        cfg.Router.URL,
			Timeout:    cfg.Router.Timeout,
			MaxTTL:     cfg.Router.CacheMaxTTL,
			ClientCert: cfg.Router.ClientCert,
			ClientKey:  cfg.Router.ClientKey,
		})
		if err != nil {
			return err
		}
		routers = append(routers, remote)
	}
	table := route.NewTableRouter()
	if cfg.Routing.Path != "" {
		if err := table.Reload(cfg.Routing.Path); err != nil {
			return fmt.Errorf("load routing table: %w", err)
		}
	}
	routers = append(routers, table)
	if cfg.Upstream.Backends != "" {
		rules, err := route.ParsePrefixRules(cfg.Upstream.Backends)
		if err != nil {
			return err
		}
		routers = append(routers, route.NewPrefixRouter(rules))
	}
	routers = append(routers, route.NewDefaultRouter(cfg.Upstream.BaseURL, cfg.Upstream.Mode, table.AllowPassthrough))
	router := route.NewComposite(cfg.Router.Strict, routers...)

	var feedback *worker.FeedbackDispatcher
	if remote != nil {
		feedback = worker.NewFeedbackDispatcher(remote)
		workers = append(workers, feedback)
	}

	// Upstream client over the shared transport.
	resolver := &dnscache.Resolver{}
	transport, err := upstream.NewTransport(upstream.TransportOptions{
		Resolver: resolver,
		ProxyURL: cfg.Upstream.ProxyURL,
		NoProxy:  cfg.Upstream.NoProxy,
	})
	if err != nil {
		return err
	}
	clientOpts := upstream.Options{
		DefaultKey: cfg.Upstream.APIKey,
		Version:    version,
		Timeout:    cfg.Upstream.Timeout,
		Transport:  transport,
	}
	if up := cfg.Upstream; up.AWSAccessKeyID != "" {
		clientOpts.AWSCredentials = credentials.NewStaticCredentialsProvider(
			up.AWSAccessKeyID, up.AWSSecretAccessKey, up.AWSSessionToken)
	}
	client := upstream.NewClient(clientOpts)

	pipe := app.NewPipeline(app.PipelineOptions{
		Router:    router,
		Builder:   route.NewBuilder(cfg.Router.Privacy),
		Client:    client,
		Sticky:    route.NewStickyStore(cfg.Router.StickinessCap),
		Prompter:  prompter,
		Tools:     mcpMgr,
		Analytics: analytics,
		Feedback:  feedback,
		Metrics:   metrics,
	})

	reloads := map[string]server.ReloadFunc{}
	if path := cfg.Routing.Path; path != "" {
		reloads["routing"] = func(ctx context.Context) error { return table.Reload(path) }
	}
	if path := cfg.SystemPrompt.Path; path != "" {
		reloads["system_prompt"] = func(ctx context.Context) error { return prompter.Reload(path) }
	}
	if path := cfg.MCP.Path; path != "" {
		reloads["mcp"] = func(ctx context.Context) error {
			_, err := mcpMgr.Reload(ctx, path)
			return err
		}
	}
	if path := cfg.Pricing.Path; path != "" {
		reloads["pricing"] = func(ctx context.Context) error { return prices.Reload(path) }
	}

	deps := server.Deps{
		Pipeline:  pipe,
		Keys:      keySvc,
		Analytics: analytics,
		Managed:   managed,
		Metrics:   metrics,
		Status:    statusReporter(cfg, table, mcpMgr, remote, managed),
		Reloads:   reloads,
		Local:     table,
		CORS:      &cfg.CORS,
		Version:   version,
	}
	if registry != nil {
		deps.Registry = registry
	}
	if remote != nil {
		deps.Catalog = remote
	}
	if ping != nil {
		deps.ReadyCheck = ping
	}
	handler := server.New(deps)

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Background workers keep running through server shutdown so the
	// analytics queue drains after the last request completes.
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	workersDone := make(chan error, 1)
	go func() {
		workersDone <- worker.NewRunner(workers...).Run(workerCtx)
	}()
	go refreshDNS(workerCtx, resolver)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("routiium ready", "addr", cfg.Server.Addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	stopWorkers()
	if err := <-workersDone; err != nil {
		slog.Error("worker shutdown", "error", err)
	}

	slog.Info("routiium stopped")
	return nil
}

// openKeyStore selects the key backend. The ping function, when present,
// backs the readiness check.
func openKeyStore(cfg *config.Config) (storage.KeyStore, func(context.Context) error, error) {
	switch cfg.Keys.Backend {
	case "", "memory":
		return memory.NewKeyStore(), nil, nil
	case "sqlite":
		st, err := sqlite.New(cfg.Keys.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		return st, st.Ping, nil
	case "redis":
		st, err := redis.New(cfg.Keys.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("open redis: %w", err)
		}
		return st, st.Ping, nil
	default:
		return nil, nil, fmt.Errorf("unknown keys backend %q", cfg.Keys.Backend)
	}
}

// openEventStore selects the analytics backend, sharing the key store's
// connection when both point at the same SQLite file or Redis instance.
// shared reports whether the caller must not close the store separately.
func openEventStore(cfg *config.Config, keys storage.KeyStore) (store storage.EventStore, shared bool, err error) {
	switch cfg.Analytics.Backend {
	case "", "memory":
		return memory.NewEventStore(cfg.Analytics.MaxEvents), false, nil
	case "jsonl":
		if cfg.Analytics.Path == "" {
			return nil, false, errors.New("analytics backend jsonl needs a path")
		}
		st, err := jsonl.New(cfg.Analytics.Path)
		return st, false, err
	case "sqlite":
		if st, ok := keys.(*sqlite.Store); ok && (cfg.Analytics.Path == "" || cfg.Analytics.Path == cfg.Keys.SQLitePath) {
			return st, true, nil
		}
		path := cfg.Analytics.Path
		if path == "" {
			path = cfg.Keys.SQLitePath
		}
		st, err := sqlite.New(path)
		return st, false, err
	case "redis":
		if st, ok := keys.(*redis.Store); ok && (cfg.Analytics.Path == "" || cfg.Analytics.Path == cfg.Keys.RedisURL) {
			return st, true, nil
		}
		url := cfg.Analytics.Path
		if url == "" {
			url = cfg.Keys.RedisURL
		}
		st, err := redis.New(url)
		return st, false, err
	default:
		return nil, false, fmt.Errorf("unknown analytics backend %q", cfg.Analytics.Backend)
	}
}

// statusReporter builds the GET /status document.
func statusReporter(cfg *config.Config, table *route.TableRouter, mgr *mcp.Manager, remote *route.RemoteRouter, managed bool) server.StatusReporter {
	return func(ctx context.Context) any {
		return map[string]any{
			"name":    "routiium",
			"version": version,
			"managed": managed,
			"router": map[string]any{
				"remote":  remote != nil,
				"strict":  cfg.Router.Strict,
				"privacy": cfg.Router.Privacy,
				"table":   table.Stats(),
			},
			"analytics":     cfg.Analytics.Enabled,
			"system_prompt": cfg.SystemPrompt.Path != "",
			"mcp_servers":   mgr.Servers(),
		}
	}
}

// refreshDNS re-resolves cached entries so long-lived upstream connections
// follow DNS changes.
func refreshDNS(ctx context.Context, resolver *dnscache.Resolver) {
	t := time.NewTicker(5 * time.Minute)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			resolver.Refresh(true)
		case <-ctx.Done():
			return
		}
	}
}

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}
