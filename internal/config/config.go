// Package config implements layered configuration loading: built-in
// defaults, overlaid by the user config file, overlaid by a project-local
// file, overlaid by an optional extra config path, overlaid by
// CODEPUNK_-prefixed environment variables. Component configs cover
// orchestrator, provider, git-session, and storage settings.
package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	koanftoml "github.com/knadh/koanf/parsers/toml/v2"
	koanfenv "github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	koanf "github.com/knadh/koanf/v2"
)

// LLMConfig configures the provider adapter.
type LLMConfig struct {
	Provider string `koanf:"provider"`
	Model    string `koanf:"model"`
	APIKey   string `koanf:"api_key"`
	BaseURL  string `koanf:"base_url"`
}

// OrchestratorConfig configures the bounded tool-calling loop.
type OrchestratorConfig struct {
	MaxToolCallIterations       int `koanf:"max_tool_call_iterations"`
	MaxToolCallsPerIteration    int `koanf:"max_tool_calls_per_iteration"`
	MaxRepeatedToolCalls        int `koanf:"max_repeated_tool_calls"`
	MaxConsecutiveToolErrors    int `koanf:"max_consecutive_tool_errors"`
	ToolExecutionTimeoutSeconds int `koanf:"tool_execution_timeout_seconds"`
}

// GitSessionConfig configures the shadow-branch subsystem.
type GitSessionConfig struct {
	Enabled      bool   `koanf:"enabled"`
	BranchPrefix string `koanf:"branch_prefix"`
	RevertTimeoutMinutes int `koanf:"revert_timeout_minutes"`
	KeepFailedSessions   bool `koanf:"keep_failed_sessions"`
}

// StorageConfig configures the sqlite persistence layer.
type StorageConfig struct {
	DatabasePath string `koanf:"database_path"`
}

// LoggingConfig configures the slog/lumberjack fan-out.
type LoggingConfig struct {
	Level   string `koanf:"level"`
	Format  string `koanf:"format"`
	LogPath string `koanf:"log_path"`
}

// MetricsConfig configures the Prometheus exporter.
type MetricsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Addr    string `koanf:"addr"`
}

// Config is the application-wide configuration tree.
type Config struct {
	LLM          LLMConfig          `koanf:"llm"`
	Orchestrator OrchestratorConfig `koanf:"orchestrator"`
	GitSession   GitSessionConfig   `koanf:"git_session"`
	Storage      StorageConfig      `koanf:"storage"`
	Logging      LoggingConfig      `koanf:"logging"`
	Metrics      MetricsConfig      `koanf:"metrics"`
}

// Default returns Config populated with the built-in defaults, before
// any file/env overlay.
func Default() Config {
	homeDir, _ := os.UserHomeDir()
	return Config{
		LLM: LLMConfig{
			Provider: "anthropic",
			BaseURL:  "https://api.anthropic.com/",
		},
		Orchestrator: OrchestratorConfig{
			MaxToolCallIterations:       25,
			MaxToolCallsPerIteration:    10,
			MaxRepeatedToolCalls:        3,
			MaxConsecutiveToolErrors:    3,
			ToolExecutionTimeoutSeconds: 120,
		},
		GitSession: GitSessionConfig{
			Enabled:              true,
			BranchPrefix:         "ai/session",
			RevertTimeoutMinutes: 30,
		},
		Storage: StorageConfig{
			DatabasePath: filepath.Join(homeDir, ".local", "share", "codepunk", "codepunk.sqlite"),
		},
		Logging: LoggingConfig{
			Level:   "info",
			Format:  "text",
			LogPath: filepath.Join(homeDir, ".local", "share", "codepunk", "codepunk.log"),
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9090",
		},
	}
}

// Load assembles Config by layering, in increasing precedence: built-in
// defaults, ~/.config/codepunk/conf.toml, .agents/codepunk.toml, an
// optional extra file (the CLI's --config flag), and CODEPUNK_-prefixed
// environment variables.
func Load(extraPaths ...string) (*Config, error) {
	k := koanf.New(".")

	homeDir, err := os.UserHomeDir()
	if err != nil {
		log.Printf("failed to get user home directory: %v", err)
	} else {
		userConfigPath := filepath.Join(homeDir, ".config", "codepunk", "conf.toml")
		if err := k.Load(file.Provider(userConfigPath), koanftoml.Parser()); err != nil {
			log.Printf("failed to load user config from %s: %v", userConfigPath, err)
		}
	}

	projectConfigPath := filepath.Join(".agents", "codepunk.toml")
	if _, err := os.Stat(projectConfigPath); err == nil {
		if err := k.Load(file.Provider(projectConfigPath), koanftoml.Parser()); err != nil {
			log.Printf("failed to load project config from %s: %v", projectConfigPath, err)
		}
	} else if !os.IsNotExist(err) {
		log.Printf("unable to stat project config at %s: %v", projectConfigPath, err)
	}

	for _, p := range extraPaths {
		if p == "" {
			continue
		}
		if err := k.Load(file.Provider(p), koanftoml.Parser()); err != nil {
			return nil, fmt.Errorf("load config %s: %w", p, err)
		}
	}

	if err := k.Load(koanfenv.Provider(".", koanfenv.Opt{
		Prefix: "CODEPUNK_",
		TransformFunc: func(key, value string) (string, any) {
			key = strings.ToLower(strings.TrimPrefix(key, "CODEPUNK_"))
			for _, section := range []string{"llm", "orchestrator", "git_session", "storage", "logging", "metrics"} {
				if strings.HasPrefix(key, section+"_") {
					return section + "." + strings.TrimPrefix(key, section+"_"), value
				}
			}
			return strings.ReplaceAll(key, "_", "."), value
		},
	}), nil); err != nil {
		log.Printf("failed to load environment variables: %v", err)
	}

	if k.String("llm.provider") == "anthropic" && k.String("llm.api_key") == "" {
		if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
			_ = k.Set("llm.api_key", v)
		}
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Save persists the model/provider selection to the project-local config
// file, creating .agents if necessary.
func Save(cfg *Config) error {
	projectConfigPath := filepath.Join(".agents", "codepunk.toml")
	if err := os.MkdirAll(".agents", 0o755); err != nil {
		return fmt.Errorf("create .agents directory: %w", err)
	}

	k := koanf.New(".")
	if _, err := os.Stat(projectConfigPath); err == nil {
		if err := k.Load(file.Provider(projectConfigPath), koanftoml.Parser()); err != nil {
			return fmt.Errorf("load existing project config: %w", err)
		}
	}
	if err := k.Set("llm.provider", cfg.LLM.Provider); err != nil {
		return fmt.Errorf("set llm.provider: %w", err)
	}
	if err := k.Set("llm.model", cfg.LLM.Model); err != nil {
		return fmt.Errorf("set llm.model: %w", err)
	}

	data, err := k.Marshal(koanftoml.Parser())
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(projectConfigPath, data, 0o644)
}
