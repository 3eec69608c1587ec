package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateLogLevel(t *testing.T) {
	v := NewValidator()

	for _, level := range []string{"trace", "debug", "info", "warn", "error"} {
		assert.NoError(t, v.ValidateLogLevel(level))
	}
	assert.Error(t, v.ValidateLogLevel("verbose"))
	assert.Error(t, v.ValidateLogLevel(""))
}

func TestValidateEngine(t *testing.T) {
	v := NewValidator()

	assert.Empty(t, v.ValidateEngine(DefaultConfig().Engine))

	bad := EngineConfig{MaxConcurrent: 0, MaxQueueSize: -1, SessionMaxAgeMinutes: 0, CleanupIntervalMinutes: 0, PromptHistoryLimit: 0}
	errs := v.ValidateEngine(bad)
	assert.Len(t, errs, 5)
}

func TestValidateRunner(t *testing.T) {
	v := NewValidator()

	assert.Empty(t, v.ValidateRunner(DefaultConfig().Runner))

	t.Run("stream floor", func(t *testing.T) {
		cfg := DefaultConfig().Runner
		cfg.MaxStreamUpdates = 1
		errs := v.ValidateRunner(cfg)
		assert.Len(t, errs, 1)
		assert.Contains(t, errs[0].Error(), "max_stream_updates")
	})

	t.Run("empty binary", func(t *testing.T) {
		cfg := DefaultConfig().Runner
		cfg.CodexBinary = "  "
		errs := v.ValidateRunner(cfg)
		assert.Len(t, errs, 1)
		assert.Contains(t, errs[0].Error(), "codex_binary")
	})
}

func TestValidateConfig(t *testing.T) {
	v := NewValidator()

	cfg := DefaultConfig()
	cfg.Continuity.DBPath = "/tmp/continuity.db"
	assert.Empty(t, v.ValidateConfig(cfg))

	cfg.Continuity.DBPath = ""
	cfg.Logging.Level = "nope"
	errs := v.ValidateConfig(cfg)
	assert.Len(t, errs, 2)
}
