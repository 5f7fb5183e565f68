package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
)

type Config struct {
	Server   ServerConfig
	Storage  StorageConfig
	Log      LogConfig
	Agent    AgentConfig
	Query    QueryConfig
	Workflow WorkflowConfig
}

type ServerConfig struct {
	Host string
	Port int
	// APIToken guards /v1. It is read from ENGRAM_API_TOKEN only.
	APIToken string
}

type StorageConfig struct {
	DataDir     string
	Compression string
}

type LogConfig struct {
	Level string
}

type AgentConfig struct {
	// Default attributes writes that name no agent.
	Default string
}

type QueryConfig struct {
	// NLQMaxStaleness bounds how far behind the store an ask may answer.
	// Zero refreshes the lexical index before every ask.
	NLQMaxStaleness time.Duration
	DefaultLimit    int
}

type WorkflowConfig struct {
	TransitionPolicy string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 4100,
		},
		Storage: StorageConfig{
			DataDir:     defaultDataDir(),
			Compression: "zstd",
		},
		Log: LogConfig{
			Level: "info",
		},
		Query: QueryConfig{
			DefaultLimit: 20,
		},
		Workflow: WorkflowConfig{
			TransitionPolicy: "open",
		},
	}
}

// Load reads configuration from the JSON-with-comments file at
// $XDG_CONFIG_HOME/engram/config.json, then applies ENGRAM_* environment
// overrides. Secrets come from the environment only.
func Load() (Config, error) {
	return loadWith(newPlatformBackend())
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the values this package owns. Storage compression and
// the transition policy are parsed by the packages that use them.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid config: server.port %d out of range", c.Server.Port)
	}
	if c.Storage.DataDir == "" {
		return fmt.Errorf("invalid config: storage.data_dir is empty")
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Query.NLQMaxStaleness < 0 {
		return fmt.Errorf("invalid config: query.nlq_max_staleness must not be negative")
	}
	if c.Query.DefaultLimit <= 0 {
		return fmt.Errorf("invalid config: query.default_limit must be positive")
	}
	return nil
}

// LogLevel returns the slog level for log.level.
func (c Config) LogLevel() slog.Level {
	l, _ := parseLevel(c.Log.Level)
	return l
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q (valid: debug, info, warn, error)", s)
}
