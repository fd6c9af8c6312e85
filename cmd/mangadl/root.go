// Command mangadl is the headless CLI driver for the bilibili-manga download
// core, wiring internal/bili, internal/scheduler, internal/config, and
// internal/events through cobra subcommands instead of a GUI shell.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/lanyeeee/mangadl-go/internal/bili"
	"github.com/lanyeeee/mangadl-go/internal/config"
	"github.com/lanyeeee/mangadl-go/internal/events"
	"github.com/lanyeeee/mangadl-go/internal/httpclient"
	"github.com/lanyeeee/mangadl-go/internal/logging"
	"github.com/lanyeeee/mangadl-go/internal/model"
	"github.com/lanyeeee/mangadl-go/internal/scheduler"
	"github.com/lanyeeee/mangadl-go/internal/session"
)

var (
	cfgFile string

	// env is the shared service registry every subcommand reads from, built
	// once in rootCmd's PersistentPreRunE.
	env struct {
		log     *slog.Logger
		cfgView *config.View
		creds   *session.Store
		client  *bili.Client
		bus     *events.Bus
		sched   *scheduler.Scheduler
		cancel  context.CancelFunc
	}
)

var rootCmd = &cobra.Command{
	Use:   "mangadl",
	Short: "Download bilibili-manga chapters as images, ZIP, or CBZ",
}

func init() {
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "version" {
			return nil
		}
		return setupEnv()
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a config file (yaml/json/toml); defaults to in-memory defaults plus flags below")
	rootCmd.PersistentFlags().String("download-root", "", "root directory downloads are written under")
	rootCmd.PersistentFlags().String("archive-format", "", "no_archive, cbz, or zip")
	rootCmd.PersistentFlags().Int("chapter-concurrency", 0, "max chapters downloading at once")
	rootCmd.PersistentFlags().Int("image-concurrency", 0, "max images downloading at once per chapter")
	rootCmd.PersistentFlags().Int64("bandwidth-limit", 0, "bytes/sec cap across all image downloads, 0 = unlimited")

	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(downloadCmd)
}

// setupEnv builds the shared service registry: logger, config view,
// credential store, HTTP/API clients, event bus, and scheduler, all
// assembled once before any subcommand runs.
func setupEnv() error {
	logger, err := logging.New(os.Stderr, "")
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	env.log = logger

	cfgView, err := config.NewFromFile(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	for key, flagName := range map[string]string{
		"download_root":                 "download-root",
		"archive_format":                "archive-format",
		"chapter_concurrency":           "chapter-concurrency",
		"image_concurrency":             "image-concurrency",
		"bandwidth_limit_bytes_per_sec": "bandwidth-limit",
	} {
		if err := cfgView.BindPFlag(key, rootCmd.PersistentFlags().Lookup(flagName)); err != nil {
			return fmt.Errorf("binding flag %q: %w", flagName, err)
		}
	}
	cfgView.Reload()
	env.cfgView = cfgView

	credPath, err := session.DefaultPath()
	if err != nil {
		return fmt.Errorf("resolving credentials path: %w", err)
	}
	creds, err := session.Load(credPath)
	if err != nil {
		return fmt.Errorf("loading credentials: %w", err)
	}
	env.creds = creds

	env.bus = events.New()

	snap := cfgView.Snapshot()
	httpClient, err := httpclient.New(httpclient.Options{
		ProxyMode:  httpProxyMode(snap.ProxyMode),
		ProxyHost:  snap.ProxyHost,
		ProxyPort:  snap.ProxyPort,
		MaxRetries: snap.MaxRetries,
		Logger:     logger,
		Bus:        env.bus,
	})
	if err != nil {
		return fmt.Errorf("building http client: %w", err)
	}

	// A proxy change in the config file rebuilds the HTTP engine; chapters
	// already in flight finish on the client instance they started with.
	cfgView.OnChange(func(cfg config.Config) {
		httpClient.Reconfigure(httpclient.Options{
			ProxyMode:  httpProxyMode(cfg.ProxyMode),
			ProxyHost:  cfg.ProxyHost,
			ProxyPort:  cfg.ProxyPort,
			MaxRetries: cfg.MaxRetries,
			Logger:     logger,
			Bus:        env.bus,
		})
	})

	client, err := bili.New(httpClient, creds, logger)
	if err != nil {
		return fmt.Errorf("building api client: %w", err)
	}
	env.client = client

	ctx, cancel := context.WithCancel(context.Background())
	env.cancel = cancel
	env.sched = scheduler.New(ctx, env.client, cfgView, env.bus, logger)
	return nil
}

// httpProxyMode translates the config package's string-backed ProxyMode
// into the model package's enum, the shape internal/httpclient expects.
func httpProxyMode(m config.ProxyMode) model.ProxyMode {
	switch m {
	case config.ProxyModeNone:
		return model.ProxyModeNone
	case config.ProxyModeCustom:
		return model.ProxyModeCustom
	default:
		return model.ProxyModeSystem
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if env.cancel != nil {
			env.cancel()
		}
		os.Exit(1)
	}
	if env.sched != nil {
		env.sched.Shutdown()
	}
}
