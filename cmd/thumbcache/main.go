// CLAUDE:SUMMARY CLI entry point for thumbcache: one-shot compute/status, queue worker, MCP stdio server, driver validation.
// Command thumbcache computes and caches chart and dashboard screenshots.
//
// Usage:
//
//	thumbcache -kind chart -url http://superset/explore/?slice_id=1 -digest abc -out chart.png
//	thumbcache -kind dashboard -url ... -digest ... -schedule    # queue for a worker
//	thumbcache -kind chart -url ... -digest ... -status          # inspect without computing
//	thumbcache -worker                                          # consume the compute queue
//	thumbcache -mcp                                             # MCP over stdio
//	thumbcache -validate                                        # report driver availability
//
// Environment (a .env file in the working directory is loaded first):
//
//	THUMBCACHE_CONFIG, THUMBCACHE_CACHE_TYPE, THUMBCACHE_DB, THUMBCACHE_REDIS_URL,
//	THUMBCACHE_STATE_DB, THUMBCACHE_NEXT_GEN_DRIVER, THUMBCACHE_BROWSER_URL,
//	THUMBCACHE_WEBDRIVER_URL, LOG_LEVEL
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/thumbcache/driver"
	"github.com/hazyhaar/thumbcache/screenshot"
	"github.com/hazyhaar/thumbcache/thumbnails"
)

var version = "dev"

type options struct {
	configPath string
	target     thumbnails.Target
	state      string
	force      bool
	out        string
	status     bool
	schedule   bool
	worker     bool
	mcp        bool
	validate   bool
}

func main() {
	// A missing .env is the normal case.
	_ = godotenv.Load()

	var o options
	var kind string
	flag.StringVar(&o.configPath, "config", env("THUMBCACHE_CONFIG", ""), "path to thumbcache.yaml")
	flag.StringVar(&kind, "kind", "chart", "what to render: chart or dashboard")
	flag.StringVar(&o.target.URL, "url", "", "page URL to capture")
	flag.StringVar(&o.target.Digest, "digest", "", "content digest of the chart or dashboard")
	flag.StringVar(&o.state, "state", "", "dashboard permalink state as JSON")
	flag.StringVar(&o.target.User, "user", "", "identity the page is rendered for")
	flag.BoolVar(&o.force, "force", false, "recompute even if a fresh entry exists")
	flag.StringVar(&o.out, "out", "", "write the resulting PNG to this file")
	flag.BoolVar(&o.status, "status", false, "print the cache state and exit")
	flag.BoolVar(&o.schedule, "schedule", false, "queue the compute for a worker instead of running it")
	flag.BoolVar(&o.worker, "worker", false, "consume the compute queue until interrupted")
	flag.BoolVar(&o.mcp, "mcp", false, "serve MCP tools over stdio")
	flag.BoolVar(&o.validate, "validate", false, "report driver availability and exit")
	logLevel := flag.String("log-level", env("LOG_LEVEL", "info"), "log level: debug, info, warn, error")
	flag.Parse()
	o.target.Kind = screenshot.Kind(kind)

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	// stdout carries results (and the MCP stream); logs go to stderr.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, o); err != nil {
		logger.Error("thumbcache: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, o options) error {
	cfg, err := loadConfig(o.configPath)
	if err != nil {
		return err
	}

	if o.validate {
		return runValidate(ctx, logger, cfg)
	}

	svc, err := thumbnails.New(ctx, *cfg, thumbnails.WithLogger(logger))
	if err != nil {
		return err
	}
	defer svc.Close()

	switch {
	case o.mcp:
		srv := mcp.NewServer(&mcp.Implementation{Name: "thumbcache", Version: version}, nil)
		svc.RegisterMCP(srv)
		if o.worker {
			go svc.Run(ctx)
		}
		logger.Info("thumbcache: MCP stdio starting", "worker", o.worker)
		if err := srv.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
			return fmt.Errorf("mcp: %w", err)
		}
		return nil

	case o.worker:
		logger.Info("thumbcache: worker starting",
			"concurrency", cfg.Queue.Concurrency, "driver", svc.Selector().Choice().String())
		svc.Run(ctx)
		return nil
	}

	if o.target.URL == "" {
		return errors.New("usage: thumbcache -url <url> -digest <digest> [-kind chart|dashboard] | -worker | -mcp | -validate")
	}
	if o.state != "" {
		if err := json.Unmarshal([]byte(o.state), &o.target.State); err != nil {
			return fmt.Errorf("parse -state: %w", err)
		}
	}

	switch {
	case o.status:
		st, err := svc.Status(ctx, o.target)
		if err != nil {
			return err
		}
		return printJSON(st)

	case o.schedule:
		res, err := svc.Schedule(ctx, o.target, o.force)
		if err != nil {
			return err
		}
		return printJSON(res)
	}

	st, err := svc.Compute(ctx, o.target, o.force)
	if err != nil {
		return err
	}
	if err := printJSON(st); err != nil {
		return err
	}
	if o.out == "" {
		return nil
	}
	img, _, err := svc.Image(ctx, o.target)
	if err != nil {
		return err
	}
	if err := os.WriteFile(o.out, img, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", o.out, err)
	}
	logger.Info("thumbcache: image written", "path", o.out, "bytes", len(img))
	return nil
}

func runValidate(ctx context.Context, logger *slog.Logger, cfg *thumbnails.Config) error {
	report := driver.Validate(cfg.Driver)

	out := struct {
		driver.Report
		WebDriverReady   bool   `json:"webdriver_ready"`
		WebDriverMessage string `json:"webdriver_message,omitempty"`
	}{Report: report}

	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	wd := driver.NewWebDriver(cfg.Driver, screenshot.ChartPreset.Window, logger)
	ready, msg, err := wd.Status(sctx)
	if err != nil {
		msg = err.Error()
	}
	out.WebDriverReady, out.WebDriverMessage = ready, msg

	if err := printJSON(out); err != nil {
		return err
	}
	if report.Choice == driver.ChoiceFallback.String() && !ready {
		return errors.New("no screenshot driver available")
	}
	return nil
}

// loadConfig reads path (if any), then applies environment overrides.
func loadConfig(path string) (*thumbnails.Config, error) {
	cfg := &thumbnails.Config{}
	if path != "" {
		var err error
		if cfg, err = thumbnails.LoadConfigFile(path); err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}

	if v := os.Getenv("THUMBCACHE_CACHE_TYPE"); v != "" {
		cfg.Cache.Type = v
	}
	if v := os.Getenv("THUMBCACHE_DB"); v != "" {
		cfg.Cache.Path = v
	}
	if v := os.Getenv("THUMBCACHE_REDIS_URL"); v != "" {
		cfg.Cache.RedisURL = v
		if os.Getenv("THUMBCACHE_CACHE_TYPE") == "" {
			cfg.Cache.Type = "redis"
		}
	}
	if v := os.Getenv("THUMBCACHE_STATE_DB"); v != "" {
		cfg.Queue.Path = v
	}
	if v := os.Getenv("THUMBCACHE_NEXT_GEN_DRIVER"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("THUMBCACHE_NEXT_GEN_DRIVER: %w", err)
		}
		cfg.Driver.NextGen = b
	}
	if v := os.Getenv("THUMBCACHE_BROWSER_URL"); v != "" {
		cfg.Driver.Browser.RemoteURL = v
	}
	if v := os.Getenv("THUMBCACHE_WEBDRIVER_URL"); v != "" {
		cfg.Driver.WebDriver.URL = v
	}

	cfg.ApplyDefaults()
	return cfg, cfg.Validate()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func env(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
