package agents

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Config holds run defaults. All values are optional; the zero config is
// filled in by DefaultConfig.
type Config struct {
	// MaxTurns is the per-run cap on model invocations.
	MaxTurns int `toml:"max_turns"`
	// ApprovalTimeout bounds how long a gated call waits for a decision.
	ApprovalTimeout time.Duration `toml:"approval_timeout"`
	// ApprovalReapAge is the age past which approval records are evicted.
	ApprovalReapAge time.Duration `toml:"approval_reap_age"`
	// StructuredOutputRetries is the number of corrective re-generations
	// after a schema validation failure.
	StructuredOutputRetries int `toml:"structured_output_retries"`
	// SummarizeAfter triggers session summarisation when prior history
	// exceeds this many messages. Zero disables summarisation.
	SummarizeAfter int `toml:"summarize_after"`
	// KeepRecentMessages is how many recent messages survive summarisation
	// verbatim.
	KeepRecentMessages int `toml:"keep_recent_messages"`
	// MCPRequestTimeout bounds a single MCP tool-server request.
	MCPRequestTimeout time.Duration `toml:"mcp_request_timeout"`
}

// DefaultConfig returns the built-in run defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxTurns:                10,
		ApprovalTimeout:         defaultApprovalTimeout,
		ApprovalReapAge:         defaultReapAge,
		StructuredOutputRetries: 1,
		KeepRecentMessages:      10,
		MCPRequestTimeout:       30 * time.Second,
	}
}

// tomlConfig mirrors Config with duration fields as strings so that TOML
// files can write "30s" rather than nanosecond integers.
type tomlConfig struct {
	MaxTurns                int    `toml:"max_turns"`
	ApprovalTimeout         string `toml:"approval_timeout"`
	ApprovalReapAge         string `toml:"approval_reap_age"`
	StructuredOutputRetries int    `toml:"structured_output_retries"`
	SummarizeAfter          int    `toml:"summarize_after"`
	KeepRecentMessages      int    `toml:"keep_recent_messages"`
	MCPRequestTimeout       string `toml:"mcp_request_timeout"`
}

// LoadConfig reads run defaults from a TOML file, then applies environment
// overrides (AGENTS_MAX_TURNS, AGENTS_APPROVAL_TIMEOUT,
// AGENTS_STRUCTURED_OUTPUT_RETRIES, AGENTS_SUMMARIZE_AFTER,
// AGENTS_KEEP_RECENT_MESSAGES, AGENTS_MCP_REQUEST_TIMEOUT). A `.env` file
// in the working directory is loaded first, best effort. path may be empty
// to use defaults plus environment only.
func LoadConfig(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := DefaultConfig()
	if path != "" {
		var tc tomlConfig
		if _, err := toml.DecodeFile(path, &tc); err != nil {
			return nil, fmt.Errorf("agents: load config %q: %w", path, err)
		}
		if tc.MaxTurns > 0 {
			cfg.MaxTurns = tc.MaxTurns
		}
		if tc.StructuredOutputRetries > 0 {
			cfg.StructuredOutputRetries = tc.StructuredOutputRetries
		}
		if tc.SummarizeAfter > 0 {
			cfg.SummarizeAfter = tc.SummarizeAfter
		}
		if tc.KeepRecentMessages > 0 {
			cfg.KeepRecentMessages = tc.KeepRecentMessages
		}
		var err error
		if cfg.ApprovalTimeout, err = overrideDuration(cfg.ApprovalTimeout, tc.ApprovalTimeout); err != nil {
			return nil, fmt.Errorf("agents: config %q: approval_timeout: %w", path, err)
		}
		if cfg.ApprovalReapAge, err = overrideDuration(cfg.ApprovalReapAge, tc.ApprovalReapAge); err != nil {
			return nil, fmt.Errorf("agents: config %q: approval_reap_age: %w", path, err)
		}
		if cfg.MCPRequestTimeout, err = overrideDuration(cfg.MCPRequestTimeout, tc.MCPRequestTimeout); err != nil {
			return nil, fmt.Errorf("agents: config %q: mcp_request_timeout: %w", path, err)
		}
	}

	applyEnvInt(&cfg.MaxTurns, "AGENTS_MAX_TURNS")
	applyEnvInt(&cfg.StructuredOutputRetries, "AGENTS_STRUCTURED_OUTPUT_RETRIES")
	applyEnvInt(&cfg.SummarizeAfter, "AGENTS_SUMMARIZE_AFTER")
	applyEnvInt(&cfg.KeepRecentMessages, "AGENTS_KEEP_RECENT_MESSAGES")
	applyEnvDuration(&cfg.ApprovalTimeout, "AGENTS_APPROVAL_TIMEOUT")
	applyEnvDuration(&cfg.MCPRequestTimeout, "AGENTS_MCP_REQUEST_TIMEOUT")
	return cfg, nil
}

func overrideDuration(current time.Duration, s string) (time.Duration, error) {
	if s == "" {
		return current, nil
	}
	return time.ParseDuration(s)
}

func applyEnvInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			*dst = n
		}
	}
}

func applyEnvDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			*dst = d
		}
	}
}
