// Command feedd is the market-data gateway daemon: it connects the
// configured vendor feeds, normalizes and batches ticks, aggregates OHLCV
// bars, and fans everything out to Redis, Postgres, and Prometheus.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/acashmore/mdfeed/internal/config"
	"github.com/acashmore/mdfeed/internal/feed"
	"github.com/acashmore/mdfeed/internal/manager"
	"github.com/acashmore/mdfeed/internal/model"
	"github.com/acashmore/mdfeed/internal/pipeline"
	"github.com/acashmore/mdfeed/internal/publish"
	"github.com/acashmore/mdfeed/internal/store"
	"github.com/acashmore/mdfeed/internal/version"
)

const shutdownTimeout = 10 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath = flag.String("config", "", "path to config file")
		vendors    = flag.String("vendors", "", "comma-separated vendor filter")
		symbols    = flag.String("symbols", "", "comma-separated symbol override")
		timeframe  = flag.String("aggregation-timeframe", "", "bar timeframe override, e.g. 1m")
		demo       = flag.Bool("demo", false, "run against the built-in simulated session")
		showVer    = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVer {
		fmt.Println("feedd", version.String())
		return 0
	}

	cfg, err := loadConfig(*configPath, *demo)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		return 1
	}
	if *timeframe != "" {
		if _, err := time.ParseDuration(*timeframe); err != nil {
			fmt.Fprintln(os.Stderr, "config error: invalid timeframe:", err)
			return 1
		}
		cfg.Aggregation.Timeframe = *timeframe
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)
	logger.Info("starting", "version", version.String(), "instance", cfg.Instance)

	feeds := selectFeeds(cfg, *vendors, *symbols, *demo)
	if len(feeds) == 0 {
		fmt.Fprintln(os.Stderr, "config error: no enabled feeds selected")
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Egress: Redis publisher.
	var publisher manager.Publisher
	var pub *publish.Publisher
	if cfg.Redis.Enabled {
		pub = publish.NewPublisher(cfg.PublisherConfig(), publish.NewConn(cfg.PublisherConfig()), logger)
		if err := pub.Start(ctx); err != nil {
			logger.Error("redis publisher failed to start", "error", err)
			return 2
		}
		publisher = pub
	}

	// Egress: database writer, plugged in as the batch sink.
	var sink pipeline.BatchSink
	if cfg.Database.Enabled {
		pool, err := store.NewPool(ctx, cfg.StoreConfig())
		if err != nil {
			logger.Error("database unavailable", "error", err)
			return 2
		}
		defer pool.Close()
		writer := store.NewTickWriter(pool, logger)
		if err := writer.EnsureSchema(ctx); err != nil {
			logger.Error("schema setup failed", "error", err)
			return 2
		}
		sink = writer.WriteBatch
	}

	mgr := manager.New(manager.Config{
		Handler:   cfg.HandlerConfig(),
		Buffer:    cfg.BufferConfig(),
		Timeframe: cfg.Timeframe(),
	}, sourceFactory(feeds, logger), sink, publisher, logger)

	for _, fc := range feeds {
		if err := mgr.AddFeed(model.Vendor(fc.Vendor), fc.Symbols); err != nil {
			logger.Error("feed registration failed", "vendor", fc.Vendor, "error", err)
			return 2
		}
	}

	var httpSrv *http.Server
	if cfg.Metrics.Enabled {
		httpSrv = startHTTP(cfg.Metrics.Listen, mgr, logger)
	}

	if err := mgr.Start(ctx); err != nil {
		logger.Error("manager start failed", "error", err)
		return 2
	}
	logger.Info("gateway running", "feeds", len(feeds))

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := mgr.Stop(shCtx); err != nil {
		logger.Warn("manager stop incomplete", "error", err)
	}
	if pub != nil {
		if err := pub.Stop(); err != nil {
			logger.Warn("publisher stop failed", "error", err)
		}
	}
	if httpSrv != nil {
		httpSrv.Shutdown(shCtx)
	}

	stats := mgr.Stats()
	logger.Info("gateway stopped",
		"total_ticks", stats.TotalTicks,
		"uptime_s", fmt.Sprintf("%.1f", stats.UptimeSeconds),
		"dropped", stats.Buffer.Dropped)
	return 0
}

// loadConfig reads the file, or falls back to defaults in demo mode.
func loadConfig(path string, demo bool) (*config.Config, error) {
	if path == "" {
		if demo {
			return config.Default(), nil
		}
		return nil, errors.New("--config is required (or use --demo)")
	}
	return config.Load(path)
}

func newLogger(lc config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch lc.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if lc.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// selectFeeds applies the --vendors filter and --symbols override to the
// enabled feeds. Demo mode synthesizes a single simulated bloomberg feed.
func selectFeeds(cfg *config.Config, vendorsCSV, symbolsCSV string, demo bool) []config.FeedConfig {
	if demo {
		syms := splitCSV(symbolsCSV)
		if len(syms) == 0 {
			syms = []string{"ESZ5", "NQZ5", "CLF6"}
		}
		return []config.FeedConfig{{Vendor: string(model.VendorBloomberg), Enabled: true, Symbols: syms}}
	}

	var vendorFilter map[string]bool
	if vendorsCSV != "" {
		vendorFilter = make(map[string]bool)
		for _, v := range splitCSV(vendorsCSV) {
			vendorFilter[v] = true
		}
	}
	override := splitCSV(symbolsCSV)

	var out []config.FeedConfig
	for _, fc := range cfg.EnabledFeeds() {
		if vendorFilter != nil && !vendorFilter[fc.Vendor] {
			continue
		}
		if len(override) > 0 {
			fc.Symbols = override
		}
		out = append(out, fc)
	}
	return out
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// sourceFactory builds vendor sources from their feed configs. The demo
// bloomberg feed gets the simulated session; a real deployment would link
// the native SDK adapter here.
func sourceFactory(feeds []config.FeedConfig, logger *slog.Logger) manager.SourceFactory {
	byVendor := make(map[model.Vendor]config.FeedConfig, len(feeds))
	for _, fc := range feeds {
		byVendor[model.Vendor(fc.Vendor)] = fc
	}

	return func(vendor model.Vendor) (feed.Source, error) {
		fc, ok := byVendor[vendor]
		if !ok {
			return nil, fmt.Errorf("%w: %s", manager.ErrUnknownVendor, vendor)
		}
		switch vendor {
		case model.VendorDatabento:
			dc := feed.DefaultDatabentoConfig()
			dc.APIKey = fc.APIKey
			dc.Dataset = fc.Dataset
			if fc.Schema != "" {
				dc.Schema = fc.Schema
			}
			if fc.Encoding != "" {
				dc.Encoding = fc.Encoding
			}
			if fc.Host != "" {
				dc.Host = fc.Host
			}
			if fc.Port != 0 {
				dc.Port = fc.Port
			}
			return feed.NewDatabentoSource(dc, logger), nil
		case model.VendorBloomberg:
			return feed.NewBloombergSource(feed.DefaultBloombergConfig(), feed.NewSimSession(0), logger), nil
		case model.VendorCME:
			cc := feed.DefaultCMEConfig()
			if fc.Group != "" {
				cc.Group = fc.Group
			}
			if fc.Port != 0 {
				cc.Port = fc.Port
			}
			cc.Interface = fc.Interface
			return feed.NewCMESource(cc, logger), nil
		case model.VendorICE:
			ic := feed.DefaultICEConfig()
			ic.URL = fc.URL
			ic.APIKey = fc.APIKey
			return feed.NewICESource(ic, logger), nil
		}
		return nil, fmt.Errorf("%w: %s", manager.ErrUnknownVendor, vendor)
	}
}

// startHTTP serves Prometheus metrics plus JSON status endpoints.
func startHTTP(listen string, mgr *manager.Manager, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(mgr.Status())
	})
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(mgr.Stats())
	})

	srv := &http.Server{Addr: listen, Handler: mux}
	go func() {
		logger.Info("metrics listening", "addr", listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	return srv
}
