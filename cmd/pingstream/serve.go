package main

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/jpalmerr/pingstream"
	"github.com/jpalmerr/pingstream/config"
	"github.com/jpalmerr/pingstream/internal/logging"
	"github.com/jpalmerr/pingstream/internal/storage"
)

const (
	shutdownTimeout = 10 * time.Second

	// envPrefix namespaces environment overrides, e.g. PINGSTREAM_LISTEN.
	envPrefix = "PINGSTREAM"
)

// serveCmd starts the monitor and its HTTP server.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the monitor and dashboard server",
	Long: `Start checking URLs and serve the dashboard, API and result streams.

Settings come from, in increasing precedence: built-in defaults, the config
file (optional), PINGSTREAM_* environment variables, and flags. PINGSTREAM_URL
adds one more URL to watch, as if listed under targets.

The server runs until interrupted (Ctrl+C) or receives SIGTERM.

Example:
  pingstream serve
  pingstream serve -c /etc/pingstream/config.yaml --listen :9090
  PINGSTREAM_URL=https://example.com pingstream serve --interval 5s`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	addServeFlags(serveCmd)
}

func addServeFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringP("config", "c", "", "path to config file")
	flags.String("listen", "", "HTTP listen address (default "+config.DefaultListen+")")
	flags.Duration("interval", 0, "time between checks of one URL (default 1s)")
	flags.String("log-level", "", "log level: debug, info, warn or error")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Dir)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("config_loaded",
		zap.Int("targets", len(cfg.Targets)),
		zap.String("store", cfg.Store.Driver),
		zap.String("listen", cfg.Listen),
		zap.Duration("check_interval", cfg.CheckInterval.Duration()),
		zap.String("duplicates", cfg.Duplicates),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts, err := config.BuildOptions(cfg)
	if err != nil {
		return fmt.Errorf("failed to build options: %w", err)
	}
	policy, _ := config.Policy(cfg)

	store, err := storage.Open(ctx, cfg.Store, policy, logger.Named("storage"))
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	opts = append(opts, pingstream.WithStore(store), pingstream.WithLogger(logger))

	m, err := pingstream.New(opts...)
	if err != nil {
		_ = store.Close()
		return fmt.Errorf("failed to create monitor: %w", err)
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- m.Start(ctx)
	}()

	select {
	case err := <-errChan:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		logger.Info("shutdown_complete")
		return nil

	case <-ctx.Done():
		select {
		case err := <-errChan:
			if err != nil {
				return fmt.Errorf("server error: %w", err)
			}
			logger.Info("shutdown_complete")
			return nil
		case <-time.After(shutdownTimeout):
			logger.Warn("shutdown_timed_out",
				zap.Duration("timeout", shutdownTimeout),
				zap.String("action", "forcing exit"),
			)
			return nil
		}
	}
}

// resolveConfig layers environment variables and flags over the config
// file, or over the defaults when no file is given.
//
// The file's values become viper defaults, so viper's own precedence
// (flag, then env, then default) decides every field.
func resolveConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.Default()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded
	}

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("title", cfg.Title)
	v.SetDefault("listen", cfg.Listen)
	v.SetDefault("check_interval", cfg.CheckInterval.Duration())
	v.SetDefault("check_timeout", cfg.CheckTimeout.Duration())
	v.SetDefault("duplicates", cfg.Duplicates)
	v.SetDefault("replay", cfg.Replay)
	v.SetDefault("store.driver", cfg.Store.Driver)
	v.SetDefault("store.dsn", cfg.Store.DSN)
	v.SetDefault("store.database", cfg.Store.Database)
	v.SetDefault("store.collection", cfg.Store.Collection)
	v.SetDefault("store.key_prefix", cfg.Store.KeyPrefix)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.dir", cfg.Log.Dir)
	v.SetDefault("url", "")

	flags := cmd.Flags()
	for key, flag := range map[string]string{
		"listen":         "listen",
		"check_interval": "interval",
		"log.level":      "log-level",
	} {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			return nil, fmt.Errorf("bind flag %s: %w", flag, err)
		}
	}

	cfg.Title = v.GetString("title")
	cfg.Listen = v.GetString("listen")
	cfg.CheckInterval = config.Duration(v.GetDuration("check_interval"))
	cfg.CheckTimeout = config.Duration(v.GetDuration("check_timeout"))
	cfg.Duplicates = v.GetString("duplicates")
	cfg.Replay = v.GetInt("replay")
	cfg.Store.Driver = v.GetString("store.driver")
	cfg.Store.DSN = v.GetString("store.dsn")
	cfg.Store.Database = v.GetString("store.database")
	cfg.Store.Collection = v.GetString("store.collection")
	cfg.Store.KeyPrefix = v.GetString("store.key_prefix")
	cfg.Log.Level = v.GetString("log.level")
	cfg.Log.Dir = v.GetString("log.dir")

	if url := strings.TrimSpace(v.GetString("url")); url != "" {
		cfg.Targets = append(cfg.Targets, url)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
