// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ServerConfig holds configuration for the launcher server (orchestrator).
type ServerConfig struct {
	Port          string
	AllowedOrigin string
	DBPath        string
	Assistant     AssistantConfig
	// MaxQueuedTurns bounds the per-session conversational turn queue.
	MaxQueuedTurns int
	// TurnTimeout bounds a single decision-maker turn, including tool calls.
	TurnTimeout time.Duration
}

// AssistantConfig configures the decision-maker API client.
type AssistantConfig struct {
	APIKey    string
	Model     string
	BaseURL   string
	MaxTokens int
}

// AgentConfig holds configuration for the launcher agent (local executor).
type AgentConfig struct {
	// ServerURL is the websocket endpoint of the launcher server.
	ServerURL string
	// InstallDir is the application checkout directory, inside the home dir.
	InstallDir string
	// CondaEnvName is the default conda environment for the application.
	CondaEnvName string
	// WorkDir holds launcher scratch state (downloads, scripts, service logs).
	WorkDir string
	// FrontendPort and BackendPort are the preferred service ports.
	FrontendPort int
	BackendPort  int
}

// LoadServer reads server configuration from environment variables.
func LoadServer() (*ServerConfig, error) {
	cfg := &ServerConfig{
		Port:          getEnv("PORT", "8080"),
		AllowedOrigin: getEnv("ALLOWED_ORIGIN", "*"),
		DBPath:        getEnv("DB_PATH", "./data/launcher.db"),
		Assistant: AssistantConfig{
			APIKey:    getEnv("ASSISTANT_API_KEY", ""),
			Model:     getEnv("ASSISTANT_MODEL", "claude-sonnet-4-20250514"),
			BaseURL:   getEnv("ASSISTANT_BASE_URL", "https://api.anthropic.com"),
			MaxTokens: getEnvInt("ASSISTANT_MAX_TOKENS", 4096),
		},
		MaxQueuedTurns: getEnvInt("MAX_QUEUED_TURNS", 32),
		TurnTimeout:    getEnvDuration("TURN_TIMEOUT", 10*time.Minute),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that all required server configuration fields are set.
func (c *ServerConfig) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Assistant.APIKey == "" {
		return fmt.Errorf("ASSISTANT_API_KEY is required")
	}
	if c.Assistant.Model == "" {
		return fmt.Errorf("ASSISTANT_MODEL cannot be empty")
	}
	if c.MaxQueuedTurns <= 0 {
		return fmt.Errorf("MAX_QUEUED_TURNS must be > 0")
	}
	return nil
}

// LoadAgent reads agent configuration from environment variables.
func LoadAgent() (*AgentConfig, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("determine home directory: %w", err)
	}

	cfg := &AgentConfig{
		ServerURL:    getEnv("LAUNCHER_SERVER_URL", "ws://localhost:8080/ws/agent"),
		InstallDir:   getEnv("MINDLOOM_DIR", filepath.Join(home, "MindLoom")),
		CondaEnvName: getEnv("MINDLOOM_CONDA_ENV", "MindLoomDev"),
		WorkDir:      getEnv("LAUNCHER_WORK_DIR", filepath.Join(home, ".mindloom-launcher")),
		FrontendPort: getEnvInt("MINDLOOM_FRONTEND_PORT", 5173),
		BackendPort:  getEnvInt("MINDLOOM_BACKEND_PORT", 8005),
	}

	if err := cfg.Validate(home); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks agent configuration. The install directory must live inside
// the user's home directory; everything the agent touches stays under it.
func (c *AgentConfig) Validate(home string) error {
	if c.ServerURL == "" {
		return fmt.Errorf("LAUNCHER_SERVER_URL cannot be empty")
	}
	if !strings.HasPrefix(c.ServerURL, "ws://") && !strings.HasPrefix(c.ServerURL, "wss://") {
		return fmt.Errorf("LAUNCHER_SERVER_URL must be a ws:// or wss:// URL")
	}
	// A prefix comparison alone would accept siblings like home2.
	rel, err := filepath.Rel(filepath.Clean(home), filepath.Clean(c.InstallDir))
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("MINDLOOM_DIR must be inside the home directory")
	}
	if c.FrontendPort <= 0 || c.FrontendPort > 65535 {
		return fmt.Errorf("MINDLOOM_FRONTEND_PORT out of range")
	}
	if c.BackendPort <= 0 || c.BackendPort > 65535 {
		return fmt.Errorf("MINDLOOM_BACKEND_PORT out of range")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
