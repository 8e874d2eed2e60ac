// Package app wires a workspace into a ready engine: configuration, the
// workspace database, the record store, the metric feed and metrics.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"linkline/internal/config"
	"linkline/internal/db"
	"linkline/internal/dispatch"
	"linkline/internal/engine"
	"linkline/internal/feed"
	"linkline/internal/records"
	"linkline/internal/runlog"
)

type Options struct {
	Workspace string
	// ConfigPath overrides <workspace>/linkline.yml.
	ConfigPath string
	Logger     *zap.Logger
	Registerer prometheus.Registerer
	Getenv     func(string) string
}

// App owns the resources behind an engine.
type App struct {
	Engine engine.Engine
	Config *config.Config
	DB     *sql.DB
	Runs   runlog.Store

	closers []func() error
}

// NewLogger builds the production zap logger, at debug level when asked.
func NewLogger(debug bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if debug {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	return logger, nil
}

// LoadConfig reads the workspace config or the explicit path.
func LoadConfig(workspace, path string) (*config.Config, error) {
	if path != "" {
		return config.FromFile(path)
	}
	return config.Load(workspace)
}

// Open loads configuration and builds every collaborator the engine needs.
// Missing secrets and unreachable sources fail here, before any write.
func Open(ctx context.Context, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	getenv := opts.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	cfg, err := LoadConfig(opts.Workspace, opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	conn, err := db.OpenMigrated(ctx, db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, fmt.Errorf("open workspace db: %w", err)
	}
	a := &App{Config: cfg, DB: conn, Runs: runlog.Store{DB: conn}}
	a.closers = append(a.closers, conn.Close)

	repo, err := newStore(cfg.Store, conn, getenv)
	if err != nil {
		a.Close()
		return nil, err
	}
	eng := engine.New(repo, cfg, logger)
	eng.Dispatcher = &dispatch.Dispatcher{
		Repo:           repo,
		MaxRetries:     cfg.Dispatch.MaxRetries,
		DefaultBackoff: seconds(cfg.Dispatch.BackoffSeconds),
		MaxBackoff:     seconds(cfg.Dispatch.MaxBackoffSeconds),
		Logger:         logger,
	}
	if opts.Registerer != nil {
		eng.Dispatcher.Metrics = dispatch.NewMetrics(opts.Registerer)
	}
	eng.Runs = &a.Runs

	src, closeSrc, err := newSource(ctx, cfg.Feed.Source, opts.Workspace, getenv)
	if err != nil {
		a.Close()
		return nil, err
	}
	if closeSrc != nil {
		a.closers = append(a.closers, closeSrc)
	}
	eng.Source = src
	eng.Pusher = newPusher(cfg.Feed.Push, getenv, logger)
	a.Engine = eng
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	return first
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func newStore(sc config.StoreConfig, conn *sql.DB, getenv func(string) string) (records.Repository, error) {
	switch sc.Kind {
	case config.StoreSQLite:
		return records.SQLStore{DB: conn, Batch: sc.MaxBatchSize}, nil
	case config.StoreHTTP:
		key := strings.TrimSpace(getenv(sc.APIKeyEnv))
		if key == "" {
			return nil, fmt.Errorf("%w: %s is not set", engine.ErrFatal, sc.APIKeyEnv)
		}
		store := records.NewHTTPStore(sc.BaseURL, sc.BaseID, key)
		store.Batch = sc.MaxBatchSize
		if sc.TimeoutSeconds > 0 {
			store.Timeout = seconds(sc.TimeoutSeconds)
		}
		return store, nil
	}
	return nil, fmt.Errorf("unknown store kind %q", sc.Kind)
}

func newSource(ctx context.Context, sc config.SourceConfig, workspace string, getenv func(string) string) (feed.Source, func() error, error) {
	switch sc.Kind {
	case "":
		return nil, nil, nil
	case config.SourceFile:
		path := sc.Path
		if !filepath.IsAbs(path) {
			if workspace == "" {
				workspace = "."
			}
			path = filepath.Join(workspace, path)
		}
		return feed.FileSource{Path: path}, nil, nil
	case config.SourceTimescale:
		conn, err := feed.OpenTimescale(ctx, getenv(sc.DSNEnv))
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", engine.ErrFatal, err)
		}
		src, err := feed.NewTimescaleSource(conn, sc.Table)
		if err != nil {
			conn.Close()
			return nil, nil, err
		}
		return src, conn.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown feed source %q", sc.Kind)
}

func newPusher(pc config.PushConfig, getenv func(string) string, logger *zap.Logger) *feed.Pusher {
	if pc.URL == "" {
		return nil
	}
	p := &feed.Pusher{
		URL:         pc.URL,
		Stream:      pc.Stream,
		MaxRetries:  pc.MaxRetries,
		Concurrency: pc.Concurrency,
		Logger:      logger,
	}
	if pc.SecretEnv != "" {
		p.Secret = getenv(pc.SecretEnv)
	}
	if pc.TimeoutSeconds > 0 {
		p.Client = &http.Client{Timeout: seconds(pc.TimeoutSeconds)}
	}
	return p
}
