// Command pagecached is a caching reverse proxy: it serves whole pages
// from the page cache and forwards misses to the origin, storing
// cacheable responses on the way back.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite"

	"github.com/pagecached/pagecached/pkg/cache"
	"github.com/pagecached/pagecached/pkg/index"
	"github.com/pagecached/pagecached/pkg/logging"
	"github.com/pagecached/pagecached/pkg/policy"
	"github.com/pagecached/pagecached/pkg/server"
	"github.com/pagecached/pagecached/pkg/store"
)

func main() {
	configPath := flag.String("config", "", "path to the configuration file")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pagecached: %v\n", err)
		os.Exit(1)
	}

	logging.Setup(cfg.Log)
	logger := logging.NewLogger("main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.Fatal().Err(err).Msg("Daemon failed")
	}
}

func run(ctx context.Context, cfg *Config) error {
	logger := logging.NewLogger("main")

	files, err := store.NewFileStore(cfg.Cache.Root)
	if err != nil {
		return err
	}

	db, err := sql.Open("sqlite", cfg.Cache.IndexDSN)
	if err != nil {
		return fmt.Errorf("open index database: %w", err)
	}
	defer db.Close()

	tier, err := buildTier(ctx, cfg)
	if err != nil {
		return err
	}

	cacheCfg := cache.DefaultConfig(files, index.NewDirectory(db))
	cacheCfg.Tier = tier
	cacheCfg.Stores = cfg.Cache.Stores
	cacheCfg.PruneBatchSize = cfg.Cache.PruneBatchSize
	cacheCfg.StatsGrace = cfg.Cache.StatsGrace
	manager, err := cache.New(cacheCfg)
	if err != nil {
		return err
	}

	registry := policy.NewRegistry()
	if err := registry.ValidateRules(cfg.Policy.Rules); err != nil {
		return fmt.Errorf("policy rules: %w", err)
	}
	matcher := policy.NewMatcher(registry)

	originURL, err := url.Parse(cfg.Origin)
	if err != nil {
		return fmt.Errorf("parse origin: %w", err)
	}
	proxy := newOriginProxy(originURL)

	serveCfg := server.DefaultConfig(manager, matcher)
	serveCfg.Store = cfg.Cache.Stores[0].Store
	serveCfg.Module = cfg.Cache.Stores[0].Module
	serveCfg.Mode = policy.Mode(cfg.Policy.Mode)
	serveCfg.Rules = cfg.Policy.Rules
	serveCfg.Transforms = cfg.Serve.Transforms
	serveCfg.BypassParam = cfg.Serve.BypassParam
	serveCfg.ContentType = cfg.Serve.ContentType
	controller, err := server.New(serveCfg, proxy)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	})
	mux.Handle("GET /metrics", promhttp.Handler())
	registerAdmin(mux, manager)
	mux.Handle("/", controller)

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go prunePeriodically(ctx, manager, cfg.Cache.PruneInterval)

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("listen", cfg.Listen).Str("origin", cfg.Origin).Msg("Daemon started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Server shutdown failed")
	}

	// Leave the stats snapshot current for the next start
	if _, err := manager.RefreshStats(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Final stats refresh failed")
	}
	return nil
}

// newOriginProxy builds the reverse proxy for origin rendering. The
// upstream request drops Accept-Encoding: the cache stores and validates
// identity bytes, and compression for clients is handled by the static
// gzip siblings.
func newOriginProxy(originURL *url.URL) *httputil.ReverseProxy {
	proxy := httputil.NewSingleHostReverseProxy(originURL)
	director := proxy.Director
	proxy.Director = func(req *http.Request) {
		director(req)
		req.Header.Del("Accept-Encoding")
	}
	return proxy
}

func buildTier(ctx context.Context, cfg *Config) (store.Tier, error) {
	switch cfg.Tier.Kind {
	case "", "none":
		return nil, nil
	case "memory":
		return store.NewMemoryTier(cfg.Tier.MaxEntries, cfg.Tier.TTL), nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.Tier.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Tier.RedisAddr, err)
		}
		return store.NewRedisTier(client, cfg.Tier.TTL), nil
	default:
		return nil, fmt.Errorf("unknown tier kind %q", cfg.Tier.Kind)
	}
}

func prunePeriodically(ctx context.Context, manager *cache.Manager, interval time.Duration) {
	if interval <= 0 {
		return
	}
	logger := logging.NewLogger("prune")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := manager.Prune(ctx, "", ""); err != nil {
				logger.Warn().Err(err).Msg("Prune sweep failed")
			}
		}
	}
}
