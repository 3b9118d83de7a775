package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mfeller/relupd/internal/activation"
	"github.com/mfeller/relupd/internal/config"
	"github.com/mfeller/relupd/internal/hooks"
	"github.com/mfeller/relupd/internal/source"
	"github.com/mfeller/relupd/internal/trigger"
	"github.com/mfeller/relupd/internal/update"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string
	dryRun    bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "relupd",
	Short: "Apply verified software releases to a local distribution directory",
	Long: `relupd reconciles a local distribution directory against a verified
release index: changed targets are downloaded, stale ones removed, and
progress is recorded in a durable manifest so an interrupted update is
retried in full on the next run.

It can run as a oneshot update (via systemd timer) or as a long-running
trigger server that applies updates on request or on a fixed interval.`,
	SilenceUsage: true,
}

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Perform a one-time reconciliation pass",
	Long: `Update reads the release index from the configured source, compares it
with the local manifest, downloads changed targets into the distribution
directory, and deletes targets no longer declared by the release.

A pass that fails for some targets still applies the rest, records the
manifest as incomplete, and exits non-zero; the next run retries.`,
	RunE: runUpdate,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the update trigger server",
	Long: `Serve starts a long-running HTTP server that applies an update when it
receives an authenticated POST /update request, and optionally on a
fixed interval. An initial pass runs before the server starts.

The listener comes from systemd socket activation when available,
otherwise from the configured listen address.`,
	RunE: runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("relupd %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/relupd/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	// Update command flags
	updateCmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be done without making changes")

	// Add commands
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func runUpdate(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	src, err := buildSource(cfg)
	if err != nil {
		return fmt.Errorf("failed to create release source: %w", err)
	}

	updater := buildUpdater(cfg, src, logger, dryRun)

	logger.Info("starting update operation")
	result, err := updater.Update(ctx)
	if err != nil {
		logger.Error("update failed", "error", err)
		return err
	}

	return finishPass(ctx, cfg, logger, result)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if !cfg.Serve.Enabled {
		return fmt.Errorf("serve is not enabled in the configuration")
	}

	src, err := buildSource(cfg)
	if err != nil {
		return fmt.Errorf("failed to create release source: %w", err)
	}

	updater := buildUpdater(cfg, src, logger, false)

	// Each pass re-reads the release index; within a pass the cached
	// index keeps version and target set consistent.
	pass := func(ctx context.Context) (*update.Result, error) {
		src.Invalidate()
		result, err := updater.Update(ctx)
		if err != nil {
			return nil, err
		}
		if err := runPostUpdate(ctx, cfg, logger, result); err != nil {
			logger.Error("post-update command failed", "error", err)
		}
		return result, nil
	}

	server, err := trigger.NewServer(cfg, pass, logger)
	if err != nil {
		return fmt.Errorf("failed to create trigger server: %w", err)
	}

	ln, err := activation.Listener()
	if err != nil {
		return fmt.Errorf("socket activation: %w", err)
	}
	if ln != nil {
		logger.Info("using systemd-activated listener", "addr", ln.Addr().String())
	}

	return server.Start(ctx, ln)
}

// releaseSource is a Source whose cached release index can be dropped
// between passes.
type releaseSource interface {
	source.Source
	Invalidate()
}

func buildSource(cfg *config.Config) (releaseSource, error) {
	if cfg.IsDir() {
		return source.NewDir(cfg.Source.Dir, source.WithDirIndexFile(cfg.Source.IndexFile)), nil
	}
	return source.NewHTTP(cfg.Source.BaseURL, source.WithIndexFile(cfg.Source.IndexFile))
}

func buildUpdater(cfg *config.Config, src source.Source, logger *slog.Logger, dryRun bool) *update.Updater {
	return update.NewUpdater(src, cfg.ManifestPath(), cfg.Paths.DistDir,
		update.WithLogger(logger),
		update.WithSelfTarget(cfg.Update.SelfTarget),
		update.WithWatcher(&logWatcher{logger: logger}),
		update.WithDryRun(dryRun),
	)
}

// finishPass reports the pass outcome and runs the post-update hook
// after a fully successful pass that changed anything.
func finishPass(ctx context.Context, cfg *config.Config, logger *slog.Logger, result *update.Result) error {
	switch result.Status {
	case update.StatusAlreadyUpdated, update.StatusDryRun:
		return nil

	case update.StatusComplete:
		return runPostUpdate(ctx, cfg, logger, result)

	case update.StatusIncomplete:
		for _, err := range result.Errors {
			logger.Error("target failed", "error", err)
		}
		return fmt.Errorf("update incomplete: %d targets failed", len(result.Errors))

	default:
		return fmt.Errorf("unexpected update status %q", result.Status)
	}
}

// runPostUpdate executes the configured post-update command after a
// fully successful pass that changed anything. The update itself is
// already recorded; a hook failure is reported but never marks the
// manifest incomplete.
func runPostUpdate(ctx context.Context, cfg *config.Config, logger *slog.Logger, result *update.Result) error {
	if result.Status != update.StatusComplete {
		return nil
	}
	if result.Report.UpdatedFiles+result.Report.DeletedFiles == 0 || len(cfg.Update.PostUpdate) == 0 {
		return nil
	}
	logger.Info("running post-update command", "argv", cfg.Update.PostUpdate)
	return hooks.NewExecRunner().Run(ctx, cfg.Update.PostUpdate)
}

// logWatcher surfaces progress events through the process logger.
type logWatcher struct {
	logger *slog.Logger
}

func (w *logWatcher) UpdateProgress(event update.Event) {
	switch e := event.(type) {
	case update.StartFileDownload:
		w.logger.Debug("download started", "name", e.Name)
	case update.FileProgress:
		w.logger.Debug("download progress", "done", e.Done, "total", e.Total)
	case update.FinishFileDownload:
		w.logger.Debug("download finished")
	case update.FinishUpdate:
		w.logger.Debug("update pass finished")
	}
}

func setupLogger() *slog.Logger {
	// Parse log level
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	// Create handler based on format
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	// Determine config file path
	configPath := cfgFile
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		configPath = fmt.Sprintf("%s/.config/relupd/config.yaml", home)
	}

	logger.Info("loading configuration", "path", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"source", cfg.Source.BaseURL+cfg.Source.Dir,
		"dist_dir", cfg.Paths.DistDir,
		"state_dir", cfg.Paths.StateDir)

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
