package config

import (
	"fmt"
	"strings"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"trace", "debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateEngine validates admission-control settings
func (v *Validator) ValidateEngine(engine EngineConfig) []error {
	var errors []error

	if engine.MaxConcurrent <= 0 {
		errors = append(errors, fmt.Errorf("engine.max_concurrent must be positive, got %d", engine.MaxConcurrent))
	}
	if engine.MaxQueueSize <= 0 {
		errors = append(errors, fmt.Errorf("engine.max_queue_size must be positive, got %d", engine.MaxQueueSize))
	}
	if engine.SessionMaxAgeMinutes <= 0 {
		errors = append(errors, fmt.Errorf("engine.session_max_age_minutes must be positive, got %d", engine.SessionMaxAgeMinutes))
	}
	if engine.CleanupIntervalMinutes <= 0 {
		errors = append(errors, fmt.Errorf("engine.cleanup_interval_minutes must be positive, got %d", engine.CleanupIntervalMinutes))
	}
	if engine.PromptHistoryLimit <= 0 {
		errors = append(errors, fmt.Errorf("engine.prompt_history_limit must be positive, got %d", engine.PromptHistoryLimit))
	}

	return errors
}

// ValidateRunner validates agent runner settings
func (v *Validator) ValidateRunner(runner RunnerConfig) []error {
	var errors []error

	if runner.CancelGraceMs < 0 {
		errors = append(errors, fmt.Errorf("runner.cancel_grace_ms must be >= 0, got %d", runner.CancelGraceMs))
	}
	if runner.MaxStreamUpdates < 2 {
		errors = append(errors, fmt.Errorf("runner.max_stream_updates must be >= 2, got %d", runner.MaxStreamUpdates))
	}
	if runner.TypingDelayMs < 0 {
		errors = append(errors, fmt.Errorf("runner.typing_delay_ms must be >= 0, got %d", runner.TypingDelayMs))
	}
	if runner.ClaudePollIntervalMs <= 0 {
		errors = append(errors, fmt.Errorf("runner.claude_poll_interval_ms must be positive, got %d", runner.ClaudePollIntervalMs))
	}
	if strings.TrimSpace(runner.CodexBinary) == "" {
		errors = append(errors, fmt.Errorf("runner.codex_binary cannot be empty"))
	}

	return errors
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error

	errors = append(errors, v.ValidateEngine(cfg.Engine)...)
	errors = append(errors, v.ValidateRunner(cfg.Runner)...)

	if strings.TrimSpace(cfg.Continuity.DBPath) == "" {
		errors = append(errors, fmt.Errorf("continuity.db_path cannot be empty"))
	}

	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errors = append(errors, err)
	}

	return errors
}
