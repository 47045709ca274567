// Package config provides configuration loading for the session bridge.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/shlex"
)

// Config holds all configuration values for the session bridge.
type Config struct {
	// Server settings
	Port           int
	Host           string
	AllowedOrigins []string

	// CallbackBaseURL is the ws:// or wss:// origin the agent dials back to.
	// Derived from Host and Port when unset.
	CallbackBaseURL string

	// Agent process settings
	AgentBinary         string
	AgentExtraArgs      []string
	AgentUsePTY         bool
	KillGracePeriod     time.Duration
	ResumeFailureWindow time.Duration

	// Agent callback token settings
	AgentTokenSecret string
	AgentTokenTTL    time.Duration

	// Session settings
	EventLogCapacity     int
	ProcessedIDCapacity  int
	PendingAgentMessages int
	ViewerActionTimeout  time.Duration
	IdleSuspendTimeout   time.Duration

	// Browser transport settings
	BrowserSendBuffer int
	BrowserRateLimit  float64
	BrowserRateBurst  int

	// Persistence and mode manifest
	DBPath           string
	ModeManifestPath string

	// HTTP server timeouts
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration

	// WebSocket settings
	WSReadBufferSize  int
	WSWriteBufferSize int
	WSPingInterval    time.Duration
	WSPongTimeout     time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:           getEnvInt("BRIDGE_PORT", 8787),
		Host:           getEnv("BRIDGE_HOST", "127.0.0.1"),
		AllowedOrigins: getEnvStringSlice("ALLOWED_ORIGINS", nil),

		CallbackBaseURL: getEnv("CALLBACK_BASE_URL", ""),

		AgentBinary:         getEnv("AGENT_BINARY", "claude"),
		AgentUsePTY:         getEnvBool("AGENT_USE_PTY", false),
		KillGracePeriod:     getEnvDuration("AGENT_KILL_GRACE", 5*time.Second),
		ResumeFailureWindow: getEnvDuration("AGENT_RESUME_FAILURE_WINDOW", 5*time.Second),

		AgentTokenSecret: getEnv("AGENT_TOKEN_SECRET", ""),
		AgentTokenTTL:    getEnvDuration("AGENT_TOKEN_TTL", 24*time.Hour),

		EventLogCapacity:     getEnvInt("EVENT_LOG_CAPACITY", 5000),
		ProcessedIDCapacity:  getEnvInt("PROCESSED_ID_CAPACITY", 1000),
		PendingAgentMessages: getEnvInt("PENDING_AGENT_MESSAGES", 100),
		ViewerActionTimeout:  getEnvDuration("VIEWER_ACTION_TIMEOUT", 15*time.Second),
		IdleSuspendTimeout:   getEnvDuration("IDLE_SUSPEND_TIMEOUT", 0),

		BrowserSendBuffer: getEnvInt("BROWSER_SEND_BUFFER", 256),
		BrowserRateLimit:  getEnvFloat("BROWSER_RATE_LIMIT", 20),
		BrowserRateBurst:  getEnvInt("BROWSER_RATE_BURST", 40),

		DBPath:           getEnv("BRIDGE_DB_PATH", ""),
		ModeManifestPath: getEnv("MODE_MANIFEST", ""),

		HTTPReadTimeout:  getEnvDuration("HTTP_READ_TIMEOUT", 15*time.Second),
		HTTPWriteTimeout: getEnvDuration("HTTP_WRITE_TIMEOUT", 30*time.Second),
		HTTPIdleTimeout:  getEnvDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),

		WSReadBufferSize:  getEnvInt("WS_READ_BUFFER_SIZE", 4096),
		WSWriteBufferSize: getEnvInt("WS_WRITE_BUFFER_SIZE", 4096),
		WSPingInterval:    getEnvDuration("WS_PING_INTERVAL", 30*time.Second),
		WSPongTimeout:     getEnvDuration("WS_PONG_TIMEOUT", 10*time.Second),
	}

	extra, err := getEnvArgs("AGENT_EXTRA_ARGS")
	if err != nil {
		return nil, err
	}
	cfg.AgentExtraArgs = extra

	if err := cfg.Finalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Finalize fills derived fields and validates the configuration. It is called
// by Load and again after command-line flags override fields.
func (c *Config) Finalize() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("BRIDGE_PORT must be between 1 and 65535, got %d", c.Port)
	}
	if c.CallbackBaseURL == "" {
		c.CallbackBaseURL = deriveCallbackBaseURL(c.Host, c.Port)
	}
	u, err := url.Parse(c.CallbackBaseURL)
	if err != nil {
		return fmt.Errorf("CALLBACK_BASE_URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("CALLBACK_BASE_URL must use ws or wss, got %q", u.Scheme)
	}
	if c.AgentBinary == "" {
		return fmt.Errorf("AGENT_BINARY is required")
	}
	if c.KillGracePeriod <= 0 {
		return fmt.Errorf("AGENT_KILL_GRACE must be positive")
	}
	if c.ViewerActionTimeout <= 0 {
		return fmt.Errorf("VIEWER_ACTION_TIMEOUT must be positive")
	}
	if c.EventLogCapacity <= 0 {
		return fmt.Errorf("EVENT_LOG_CAPACITY must be positive")
	}
	if c.ProcessedIDCapacity <= 0 {
		return fmt.Errorf("PROCESSED_ID_CAPACITY must be positive")
	}
	if len(c.AllowedOrigins) == 0 {
		c.AllowedOrigins = deriveAllowedOrigins(c.Host, c.Port)
	}
	return nil
}

// ListenAddr returns the host:port pair the HTTP server binds to.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// deriveCallbackBaseURL maps a bind address to a dialable WebSocket origin.
// Wildcard binds are reached through loopback since the agent is a child process.
func deriveCallbackBaseURL(host string, port int) string {
	switch host {
	case "", "0.0.0.0", "::", "[::]":
		host = "127.0.0.1"
	}
	return fmt.Sprintf("ws://%s:%d", host, port)
}

// deriveAllowedOrigins allows browser pages served from the bridge's own
// address plus the localhost aliases used during development.
func deriveAllowedOrigins(host string, port int) []string {
	origins := []string{
		fmt.Sprintf("http://localhost:%d", port),
		fmt.Sprintf("http://127.0.0.1:%d", port),
	}
	switch host {
	case "", "0.0.0.0", "::", "[::]", "localhost", "127.0.0.1":
	default:
		origins = append(origins, fmt.Sprintf("http://%s:%d", host, port), fmt.Sprintf("https://%s", host))
	}
	return origins
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvArgs splits an environment variable into arguments using shell
// quoting rules.
func getEnvArgs(key string) ([]string, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return nil, nil
	}
	args, err := shlex.Split(value)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s %q: %w", key, value, err)
	}
	return args, nil
}

// getEnvStringSlice returns a slice from a comma-separated environment variable.
func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
