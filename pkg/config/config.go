// Package config loads process configuration from the environment.
//
// Configuration is intentionally flat: a single Config struct populated from
// environment variables (optionally seeded from a .env file), with defaults
// suitable for local development. There is no configuration file format; the
// registry itself is the source of truth for services, agents and profiles.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds process-wide settings.
type Config struct {
	// MongoURL is the document store connection string (MONGODB_URL).
	MongoURL string
	// DatabaseName is the Mongo database holding all collections (DATABASE_NAME).
	DatabaseName string
	// MCPServerURL is the externally reachable MCP endpoint advertised to
	// clients (MCP_SERVER_URL).
	MCPServerURL string
	// ListenAddr is the HTTP listen address (LISTEN_ADDR).
	ListenAddr string
	// LogLevel is the minimum slog level (LOG_LEVEL: debug|info|warning|error).
	LogLevel slog.Level

	// CodeHostWorkers bounds concurrent handler invocations.
	CodeHostWorkers int
	// ServiceTimeout is the default code-host deadline per invocation.
	ServiceTimeout time.Duration
	// AgentTimeout is the default agent execution deadline.
	AgentTimeout time.Duration
	// ResultByteCap limits handler result size.
	ResultByteCap int
	// AllowedDependencies is the module allow-list for handler code.
	AllowedDependencies []string
}

// Load reads configuration from the environment. A .env file in the working
// directory is applied first when present (existing variables win).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		MongoURL:            getEnv("MONGODB_URL", "mongodb://localhost:27017"),
		DatabaseName:        getEnv("DATABASE_NAME", "uxmcp"),
		MCPServerURL:        getEnv("MCP_SERVER_URL", "http://localhost:8000/mcp"),
		ListenAddr:          getEnv("LISTEN_ADDR", ":8000"),
		CodeHostWorkers:     2 * runtime.NumCPU(),
		ServiceTimeout:      30 * time.Second,
		AgentTimeout:        60 * time.Second,
		ResultByteCap:       1 << 20,
		AllowedDependencies: defaultAllowedDependencies(),
	}

	level, err := parseLevel(getEnv("LOG_LEVEL", "info"))
	if err != nil {
		return nil, err
	}
	cfg.LogLevel = level

	if v := os.Getenv("CODE_HOST_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid CODE_HOST_WORKERS %q", v)
		}
		cfg.CodeHostWorkers = n
	}

	if v := os.Getenv("ALLOWED_DEPENDENCIES"); v != "" {
		cfg.AllowedDependencies = splitList(v)
	}

	return cfg, nil
}

// defaultAllowedDependencies lists the host modules handler code may declare.
func defaultAllowedDependencies() []string {
	return []string{"http", "json", "math", "time"}
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid LOG_LEVEL %q (expected debug, info, warning or error)", s)
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
