package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/nous-labs/engage/internal/daemon"
	"github.com/nous-labs/engage/pkg/embeddings"
	"github.com/nous-labs/engage/pkg/loop"
)

var (
	version = "dev"
	commit  = "unknown"
)

var (
	configPath string
	logFormat  string
	logLevel   string
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "engage",
		Short:         "Engagement memory for a conversational agent: open loops, idle thoughts and proactive nudges.",
		SilenceUsage: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			// A missing .env is fine.
			_ = godotenv.Load()
			setupLogger()
			return nil
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (JSON or YAML); defaults to $ENGAGE_CONFIG_PATH")
	root.PersistentFlags().StringVar(&logFormat, "log-format", "text", `log format, "text" or "json"`)
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error); defaults to $ENGAGE_LOG_LEVEL or info")

	root.AddCommand(runCmd(), cleanupCmd(), loopsCmd(), versionCmd())
	return root
}

func setupLogger() {
	level := slog.LevelInfo
	name := logLevel
	if name == "" {
		name = os.Getenv("ENGAGE_LOG_LEVEL")
	}
	if name != "" {
		if err := level.UnmarshalText([]byte(name)); err != nil {
			level = slog.LevelInfo
		}
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler = slog.NewTextHandler(os.Stdout, opts)
	if strings.EqualFold(logFormat, "json") {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func loadConfig() (*daemon.Config, error) {
	cp := configPath
	if cp == "" {
		cp = os.Getenv("ENGAGE_CONFIG_PATH")
	}
	cfg, err := daemon.LoadConfig(cp)
	if err != nil {
		return nil, fmt.Errorf("load config %q: %w", cp, err)
	}
	return cfg, nil
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the daemon: channels, scheduler and HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			slog.Info("engage starting", "version", version, "commit", commit, "store", cfg.Store.Driver)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			d, err := daemon.New(ctx, cfg)
			if err != nil {
				return fmt.Errorf("create daemon: %w", err)
			}
			defer d.Close()

			if err := d.Run(ctx); err != nil && ctx.Err() == nil {
				return fmt.Errorf("daemon: %w", err)
			}
			slog.Info("engage stopped")
			return nil
		},
	}
}

// openEngine builds the engine without channels or an LLM, for one-shot
// commands.
func openEngine(ctx context.Context, cfg *daemon.Config) (*daemon.Engine, func(), error) {
	s, err := daemon.OpenStore(ctx, cfg.Store)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	var opts daemon.EngineOptions
	if cfg.Embeddings.Enabled && cfg.Embeddings.TEIURL != "" {
		opts.Embedder = embeddings.NewTEIClient(cfg.Embeddings.TEIURL)
	}
	e, err := daemon.NewEngine(cfg, s, opts)
	if err != nil {
		s.Close()
		return nil, nil, err
	}
	return e, func() {
		e.Close()
		s.Close()
	}, nil
}

func cleanupCmd() *cobra.Command {
	var scope string
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Run the cleanup passes once for a scope and print the report",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			e, closeFn, err := openEngine(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer closeFn()

			report := e.Cleanup.Run(cmd.Context(), scope)
			if err := printJSON(cmd, report); err != nil {
				return err
			}
			if failed := report.Failed(); len(failed) > 0 {
				return fmt.Errorf("%d cleanup passes failed", len(failed))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&scope, "scope", "", "scope (user) to clean up")
	_ = cmd.MarkFlagRequired("scope")
	return cmd
}

func loopsCmd() *cobra.Command {
	var scope, status string
	cmd := &cobra.Command{
		Use:   "loops",
		Short: "List a scope's open loops",
		RunE: func(cmd *cobra.Command, _ []string) error {
			statuses := loop.OpenStatuses
			if status != "" {
				s, err := loop.ParseStatus(status)
				if err != nil {
					return err
				}
				statuses = []loop.Status{s}
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			e, closeFn, err := openEngine(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer closeFn()

			loops, err := e.Store.FetchByStatus(cmd.Context(), scope, statuses...)
			if err != nil {
				return err
			}
			if loops == nil {
				loops = []loop.OpenLoop{}
			}
			return printJSON(cmd, loops)
		},
	}
	cmd.Flags().StringVar(&scope, "scope", "", "scope (user) to list")
	cmd.Flags().StringVar(&status, "status", "", "filter by status (active, surfaced, expired, resolved); default open loops")
	_ = cmd.MarkFlagRequired("scope")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "engage %s (%s)\n", version, commit)
		},
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
