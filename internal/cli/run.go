package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/coderelay/relay/internal/config"
	"github.com/coderelay/relay/internal/logger"
	"github.com/coderelay/relay/pkg/continuity"
	"github.com/coderelay/relay/pkg/orchestrator"
	"github.com/coderelay/relay/pkg/runner"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the Relay engine in the foreground",
	Long: `Run the Relay engine in the foreground until interrupted.
The engine accepts prompt submissions, dispatches them to external coding
agents under the configured concurrency limit, and records session
continuity mappings.`,
	RunE: runEngine,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runEngine(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	validator := config.NewValidator()
	if errs := validator.ValidateConfig(cfg); len(errs) > 0 {
		for _, e := range errs {
			fmt.Fprintf(os.Stderr, "config error: %v\n", e)
		}
		return fmt.Errorf("invalid configuration (%d errors)", len(errs))
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	lg, err := logger.New(logger.Config{
		Level:   cfg.Logging.Level,
		File:    cfg.Logging.File,
		Console: cfg.Logging.Console,
		Pretty:  cfg.Logging.Pretty,
	})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer lg.Close()
	zl := lg.GetZerolog()

	store, err := continuity.NewStore(continuity.Config{
		DBPath:        cfg.Continuity.DBPath,
		TranscriptDir: cfg.Continuity.TranscriptDir,
		Logger:        zl.With().Str("component", "continuity").Logger(),
	})
	if err != nil {
		return fmt.Errorf("failed to open continuity store: %w", err)
	}
	defer store.Close()

	var watcher *continuity.Watcher
	if cfg.Continuity.WatchTranscripts {
		watcher, err = continuity.NewWatcher(store, zl.With().Str("component", "watcher").Logger())
		if err != nil {
			zl.Warn().Err(err).Msg("Transcript watcher unavailable, continuing without it")
		} else {
			defer watcher.Stop()
		}
	}

	agentRunner := runner.NewRunner(runner.Config{
		CancelGrace:      time.Duration(cfg.Runner.CancelGraceMs) * time.Millisecond,
		MaxStreamUpdates: cfg.Runner.MaxStreamUpdates,
		TypingDelay:      time.Duration(cfg.Runner.TypingDelayMs) * time.Millisecond,
		PollInterval:     time.Duration(cfg.Runner.ClaudePollIntervalMs) * time.Millisecond,
		CodexBinary:      cfg.Runner.CodexBinary,
		Logger:           zl.With().Str("component", "runner").Logger(),
	})

	orch, err := orchestrator.New(orchestrator.Config{
		MaxConcurrent: cfg.Engine.MaxConcurrent,
		MaxQueueSize:  cfg.Engine.MaxQueueSize,
		SessionMaxAge: time.Duration(cfg.Engine.SessionMaxAgeMinutes) * time.Minute,
		Runner:        orchestrator.WrapRunner(agentRunner),
		Logger:        zl.With().Str("component", "orchestrator").Logger(),
	})
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}

	promptQueue := orchestrator.NewPromptQueue(orchestrator.PromptQueueConfig{
		MaxHistory: cfg.Engine.PromptHistoryLimit,
		Continuity: store,
		Logger:     zl.With().Str("component", "promptqueue").Logger(),
	})
	promptQueue.Bind(orch)

	cleanupInterval := time.Duration(cfg.Engine.CleanupIntervalMinutes) * time.Minute
	if err := orch.StartCleanup(cleanupInterval); err != nil {
		return fmt.Errorf("failed to start session cleanup: %w", err)
	}
	defer orch.StopCleanup()

	zl.Info().
		Str("version", version).
		Int("max_concurrent", cfg.Engine.MaxConcurrent).
		Str("data_dir", cfg.DataDir).
		Msg("Relay engine started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig

	zl.Info().Str("signal", received.String()).Msg("Shutting down")
	return nil
}
