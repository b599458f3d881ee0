// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string
	Debug       bool

	// SessionTTL is how long a session may sit disconnected or in error
	// before the sweeper tears it down.
	SessionTTL time.Duration
	// SessionRetention is how long persisted session records are kept.
	SessionRetention time.Duration

	ACP ACPConfig
	SSE SSEConfig
}

// ACPConfig configures agent host connections.
type ACPConfig struct {
	HostURL              string
	Token                string
	DefaultAgent         string
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int
	HeartbeatInterval    time.Duration
	HeartbeatTimeout     time.Duration
	SendBuffer           int
}

// SSEConfig configures the session event stream.
type SSEConfig struct {
	KeepaliveInterval time.Duration
	RetryDelay        time.Duration
	ReplaySize        int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:             getEnv("PORT", "8080"),
		FrontendURL:      getEnv("FRONTEND_URL", ""),
		DBPath:           getEnv("DB_PATH", "./data/sessions.db"),
		Debug:            getEnvBool("DEBUG", false),
		SessionTTL:       getEnvDuration("SESSION_TTL", 60*time.Minute),
		SessionRetention: getEnvDuration("SESSION_RETENTION", 7*24*time.Hour),
		ACP:              LoadACP(),
		SSE: SSEConfig{
			KeepaliveInterval: getEnvDuration("SSE_KEEPALIVE_INTERVAL", 15*time.Second),
			RetryDelay:        getEnvDuration("SSE_RETRY_DELAY", 3*time.Second),
			ReplaySize:        getEnvInt("SSE_REPLAY_SIZE", 256),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadACP reads the ACP_* keys on their own. The CLI uses it for flag
// defaults without requiring the server settings.
func LoadACP() ACPConfig {
	return ACPConfig{
		HostURL:              getEnv("ACP_HOST_URL", ""),
		Token:                getEnv("ACP_TOKEN", ""),
		DefaultAgent:         getEnv("ACP_DEFAULT_AGENT", ""),
		ReconnectBaseDelay:   getEnvDuration("ACP_RECONNECT_BASE_DELAY", time.Second),
		ReconnectMaxDelay:    getEnvDuration("ACP_RECONNECT_MAX_DELAY", 30*time.Second),
		MaxReconnectAttempts: getEnvInt("ACP_MAX_RECONNECT_ATTEMPTS", 5),
		HeartbeatInterval:    getEnvDuration("ACP_HEARTBEAT_INTERVAL", 30*time.Second),
		HeartbeatTimeout:     getEnvDuration("ACP_HEARTBEAT_TIMEOUT", 10*time.Second),
		SendBuffer:           getEnvInt("ACP_SEND_BUFFER", 64),
	}
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be > 0")
	}
	if c.SessionRetention < c.SessionTTL {
		return fmt.Errorf("SESSION_RETENTION must be >= SESSION_TTL")
	}
	if err := c.ACP.Validate(); err != nil {
		return err
	}
	if c.SSE.KeepaliveInterval <= 0 {
		return fmt.Errorf("SSE_KEEPALIVE_INTERVAL must be > 0")
	}
	if c.SSE.ReplaySize <= 0 {
		return fmt.Errorf("SSE_REPLAY_SIZE must be > 0")
	}
	return nil
}

// Validate checks the ACP connection settings.
func (c ACPConfig) Validate() error {
	if c.ReconnectBaseDelay <= 0 {
		return fmt.Errorf("ACP_RECONNECT_BASE_DELAY must be > 0")
	}
	if c.ReconnectMaxDelay < c.ReconnectBaseDelay {
		return fmt.Errorf("ACP_RECONNECT_MAX_DELAY must be >= ACP_RECONNECT_BASE_DELAY")
	}
	if c.MaxReconnectAttempts < 0 {
		return fmt.Errorf("ACP_MAX_RECONNECT_ATTEMPTS must be >= 0")
	}
	if c.HeartbeatInterval < 0 || c.HeartbeatTimeout < 0 {
		return fmt.Errorf("ACP heartbeat durations must be >= 0")
	}
	if c.HeartbeatInterval > 0 && c.HeartbeatTimeout == 0 {
		return fmt.Errorf("ACP_HEARTBEAT_TIMEOUT must be > 0 when heartbeats are enabled")
	}
	if c.SendBuffer <= 0 {
		return fmt.Errorf("ACP_SEND_BUFFER must be > 0")
	}
	if c.HostURL != "" && !strings.HasPrefix(c.HostURL, "ws://") && !strings.HasPrefix(c.HostURL, "wss://") {
		return fmt.Errorf("ACP_HOST_URL must use ws:// or wss://")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
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

// getEnvDuration accepts Go duration strings ("1500ms") or bare integers as
// milliseconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(value); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}
