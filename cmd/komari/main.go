package main

// @title Komari API
// @version 1.0
// @description Memory and knowledge service for the Komari group-chat bot

// @license.name MIT

// @host localhost:8080
// @BasePath /
// @schemes http https

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/komari-bot/komari/config"
	"github.com/komari-bot/komari/pkg/app"
	"github.com/komari-bot/komari/pkg/logger"
	"github.com/komari-bot/komari/pkg/version"
)

type rootOptions struct {
	configPath string
	appName    string
	serverPort int
	logLevel   string
	debug      bool
}

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "komari",
		Short:         "komari - memory and knowledge service for a group-chat bot",
		SilenceUsage: true,
	}
	root.SetOut(out)

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "Path to configuration file")
	flags.StringVar(&opts.appName, "app-name", "", "Override app name")
	flags.IntVar(&opts.serverPort, "port", 0, "Override server port")
	flags.StringVar(&opts.logLevel, "log-level", "", "Override log level")
	flags.BoolVar(&opts.debug, "debug", false, "Enable debug mode")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP, WebSocket and gRPC servers with background jobs",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runServe(cmd.Context(), opts)
			},
		},
		&cobra.Command{
			Use:   "consolidate",
			Short: "Consolidate every conversation past a threshold once and exit",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runOnce(cmd.Context(), opts, cmd.OutOrStdout(), func(ctx context.Context, a *app.App) (any, error) {
					return a.Consolidator.Tick(ctx)
				})
			},
		},
		&cobra.Command{
			Use:   "forget",
			Short: "Run one forgetting pass and exit",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runOnce(cmd.Context(), opts, cmd.OutOrStdout(), func(ctx context.Context, a *app.App) (any, error) {
					return a.Forgetter.Run(ctx)
				})
			},
		},
		&cobra.Command{
			Use:   "reindex",
			Short: "Rebuild the knowledge keyword index and report its size",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runOnce(cmd.Context(), opts, cmd.OutOrStdout(), func(ctx context.Context, a *app.App) (any, error) {
					n, err := a.Reindex(ctx)
					return map[string]int{"indexed": n}, err
				})
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, _ []string) {
				printVersion(cmd.OutOrStdout())
			},
		},
	)
	return root
}

func (o *rootOptions) overrides() map[string]interface{} {
	overrides := make(map[string]interface{})

	if o.appName != "" {
		overrides["app.name"] = o.appName
	}
	if o.serverPort != 0 {
		overrides["server.port"] = o.serverPort
	}
	if o.logLevel != "" {
		overrides["log.level"] = o.logLevel
	}
	if o.debug {
		overrides["app.debug"] = true
	}

	return overrides
}

func (o *rootOptions) load() (*config.Config, logger.Logger, error) {
	cfg, err := config.Load(o.configPath, o.overrides())
	if err != nil {
		return nil, nil, fmt.Errorf("load configuration: %w", err)
	}

	log, err := app.NewLogger(cfg)
	if err != nil {
		return nil, nil, err
	}
	logger.SetGlobal(log)
	return cfg, log, nil
}

func runServe(ctx context.Context, opts *rootOptions) error {
	cfg, log, err := opts.load()
	if err != nil {
		return err
	}

	info := version.Info()
	log.Info("Starting Komari",
		"version", info.Version,
		"buildTime", info.BuildTime,
		"gitCommit", info.GitCommit,
		"app", cfg.App.Name,
		"environment", cfg.App.Environment,
	)
	log.Debug("Configuration loaded", "config", cfg.String())

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, app.WithLogger(log), app.WithConfigPath(opts.configPath))
	if err != nil {
		return err
	}
	return a.Run(ctx)
}

// runOnce builds the App without serving, runs fn and prints its result as
// JSON.
func runOnce(ctx context.Context, opts *rootOptions, out io.Writer, fn func(context.Context, *app.App) (any, error)) error {
	cfg, log, err := opts.load()
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	a, err := app.New(ctx, cfg, app.WithLogger(log))
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Stop(context.Background()); err != nil {
			log.Error("Error during shutdown", "error", err)
		}
	}()

	if _, err := a.Reindex(ctx); err != nil {
		return err
	}
	result, err := fn(ctx, a)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

func printVersion(w io.Writer) {
	info := version.Info()
	fmt.Fprintf(w, "Komari - memory and knowledge service\n")
	fmt.Fprintf(w, "Version:    %s\n", info.Version)
	fmt.Fprintf(w, "Build Time: %s\n", info.BuildTime)
	fmt.Fprintf(w, "Git Commit: %s\n", info.GitCommit)
	fmt.Fprintf(w, "Go Version: %s\n", info.GoVersion)
}
