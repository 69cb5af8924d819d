// Package config provides configuration loading for the debug execution server.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration values for the debug execution server.
type Config struct {
	// Server settings
	Port           int
	Host           string
	AllowedOrigins []string

	// Storage settings
	DBURL  string
	DBPath string

	ArtifactsRoot string
	LogsRoot      string
	EnvsRoot      string
	PatchesRoot   string
	ReposRoot     string
	WorktreesRoot string

	// Workspace pool settings
	MaxWorktreesPerRepo  int
	LeaseTTL             time.Duration
	StaleReclaimInterval time.Duration
	StaleMaxIdleAge      time.Duration

	// Stream broker settings
	BrokerHistorySize int
	BrokerQueueSize   int

	// Encrypted state store (operator-side, §9)
	StateEncryptionKey string

	// HTTP server timeouts
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration

	// WebSocket settings
	WSReadBufferSize  int
	WSWriteBufferSize int

	// Debugger tunnel settings
	TunnelHost string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:           getEnvInt("DEBUG_SERVER_PORT", 8080),
		Host:           getEnv("DEBUG_SERVER_HOST", "0.0.0.0"),
		AllowedOrigins: getEnvStringSlice("DEBUG_SERVER_ALLOWED_ORIGINS", nil),

		DBURL:  getEnv("DEBUG_SERVER_DB_URL", ""),
		DBPath: getEnv("DEBUG_SERVER_DB_PATH", "./data/debugserver.db"),

		ArtifactsRoot: getEnv("DEBUG_SERVER_ARTIFACTS_ROOT", "./data/artifacts"),
		LogsRoot:      getEnv("DEBUG_SERVER_LOGS_ROOT", "./data/artifacts/logs"),
		EnvsRoot:      getEnv("DEBUG_SERVER_ENVS_ROOT", "./data/envs"),
		PatchesRoot:   getEnv("DEBUG_SERVER_PATCHES_ROOT", "./data/artifacts/patches"),
		ReposRoot:     getEnv("DEBUG_SERVER_REPOS_ROOT", "./data/repos"),
		WorktreesRoot: getEnv("DEBUG_SERVER_WORKTREES_ROOT", "./data/worktrees"),

		MaxWorktreesPerRepo:  getEnvInt("DEBUG_SERVER_MAX_WORKTREES_PER_REPO", 16),
		LeaseTTL:             getEnvDuration("DEBUG_SERVER_LEASE_TTL", 10*time.Minute),
		StaleReclaimInterval: getEnvDuration("DEBUG_SERVER_STALE_RECLAIM_INTERVAL", 2*time.Minute),
		StaleMaxIdleAge:      getEnvDuration("DEBUG_SERVER_STALE_MAX_IDLE_AGE", 1*time.Hour),

		BrokerHistorySize: getEnvInt("DEBUG_SERVER_BROKER_HISTORY_SIZE", 256),
		BrokerQueueSize:   getEnvInt("DEBUG_SERVER_BROKER_QUEUE_SIZE", 128),

		StateEncryptionKey: getEnv("DEBUG_SERVER_STATE_ENCRYPTION_KEY", ""),

		HTTPReadTimeout:  getEnvDuration("DEBUG_SERVER_HTTP_READ_TIMEOUT", 15*time.Second),
		HTTPWriteTimeout: getEnvDuration("DEBUG_SERVER_HTTP_WRITE_TIMEOUT", 15*time.Second),
		HTTPIdleTimeout:  getEnvDuration("DEBUG_SERVER_HTTP_IDLE_TIMEOUT", 60*time.Second),

		WSReadBufferSize:  getEnvInt("DEBUG_SERVER_WS_READ_BUFFER_SIZE", 1024),
		WSWriteBufferSize: getEnvInt("DEBUG_SERVER_WS_WRITE_BUFFER_SIZE", 1024),

		TunnelHost: getEnv("DEBUG_SERVER_TUNNEL_HOST", "127.0.0.1"),
	}

	if cfg.BrokerHistorySize < 256 {
		// Stream Brokers require a minimum history size of 256.
		cfg.BrokerHistorySize = 256
	}

	if cfg.MaxWorktreesPerRepo < 1 {
		return nil, fmt.Errorf("DEBUG_SERVER_MAX_WORKTREES_PER_REPO must be >= 1")
	}

	return cfg, nil
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

// getEnvDuration returns a duration environment variable or a default.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
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
