package config

import (
	"encoding/json"
)

// Config represents the main Relay configuration
type Config struct {
	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Engine (admission control + prompt queue)
	Engine EngineConfig `json:"engine" mapstructure:"engine"`

	// Runner (agent execution)
	Runner RunnerConfig `json:"runner" mapstructure:"runner"`

	// Continuity (session-id mapping store)
	Continuity ContinuityConfig `json:"continuity" mapstructure:"continuity"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`
}

// EngineConfig holds orchestrator admission-control settings
type EngineConfig struct {
	MaxConcurrent          int `json:"max_concurrent" mapstructure:"max_concurrent"`
	MaxQueueSize           int `json:"max_queue_size" mapstructure:"max_queue_size"`
	SessionMaxAgeMinutes   int `json:"session_max_age_minutes" mapstructure:"session_max_age_minutes"`
	CleanupIntervalMinutes int `json:"cleanup_interval_minutes" mapstructure:"cleanup_interval_minutes"`
	PromptHistoryLimit     int `json:"prompt_history_limit" mapstructure:"prompt_history_limit"`
}

// RunnerConfig holds agent runner settings
type RunnerConfig struct {
	CancelGraceMs        int    `json:"cancel_grace_ms" mapstructure:"cancel_grace_ms"`
	MaxStreamUpdates     int    `json:"max_stream_updates" mapstructure:"max_stream_updates"`
	TypingDelayMs        int    `json:"typing_delay_ms" mapstructure:"typing_delay_ms"`
	CodexBinary          string `json:"codex_binary" mapstructure:"codex_binary"`
	ClaudePollIntervalMs int    `json:"claude_poll_interval_ms" mapstructure:"claude_poll_interval_ms"`
}

// ContinuityConfig holds continuity store settings
type ContinuityConfig struct {
	DBPath           string `json:"db_path" mapstructure:"db_path"`
	TranscriptDir    string `json:"transcript_dir" mapstructure:"transcript_dir"`
	WatchTranscripts bool   `json:"watch_transcripts" mapstructure:"watch_transcripts"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level   string `json:"level" mapstructure:"level"`
	File    string `json:"file" mapstructure:"file"`
	Console bool   `json:"console" mapstructure:"console"`
	Pretty  bool   `json:"pretty" mapstructure:"pretty"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		DataDir: "",
		Engine: EngineConfig{
			MaxConcurrent:          3,
			MaxQueueSize:           50,
			SessionMaxAgeMinutes:   60,
			CleanupIntervalMinutes: 10,
			PromptHistoryLimit:     100,
		},
		Runner: RunnerConfig{
			CancelGraceMs:        3000,
			MaxStreamUpdates:     80,
			TypingDelayMs:        16,
			CodexBinary:          "codex",
			ClaudePollIntervalMs: 250,
		},
		Continuity: ContinuityConfig{
			DBPath:           "",
			TranscriptDir:    "",
			WatchTranscripts: false,
		},
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
			Pretty:  false,
		},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}
