package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.host", typ: kString, env: "ENGRAM_SERVER_HOST",
		apply:   func(cfg *Config, v any) { cfg.Server.Host = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Host },
	},
	{
		key: "server.port", typ: kInt, env: "ENGRAM_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.api_token", typ: kString, env: "ENGRAM_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "storage.data_dir", typ: kString, env: "ENGRAM_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.compression", typ: kString, env: "ENGRAM_STORAGE_COMPRESSION",
		apply:   func(cfg *Config, v any) { cfg.Storage.Compression = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.Compression },
	},
	{
		key: "log.level", typ: kString, env: "ENGRAM_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "agent.default", typ: kString, env: "ENGRAM_AGENT",
		apply:   func(cfg *Config, v any) { cfg.Agent.Default = v.(string) },
		extract: func(cfg Config) any { return cfg.Agent.Default },
	},
	{
		key: "query.nlq_max_staleness", typ: kDuration, env: "ENGRAM_QUERY_NLQ_MAX_STALENESS",
		apply:   func(cfg *Config, v any) { cfg.Query.NLQMaxStaleness = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Query.NLQMaxStaleness },
	},
	{
		key: "query.default_limit", typ: kInt, env: "ENGRAM_QUERY_DEFAULT_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Query.DefaultLimit = v.(int) },
		extract: func(cfg Config) any { return cfg.Query.DefaultLimit },
	},
	{
		key: "workflow.transition_policy", typ: kString, env: "ENGRAM_WORKFLOW_TRANSITION_POLICY",
		apply:   func(cfg *Config, v any) { cfg.Workflow.TransitionPolicy = v.(string) },
		extract: func(cfg Config) any { return cfg.Workflow.TransitionPolicy },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kDuration:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				d, err := time.ParseDuration(v)
				if err != nil {
					return fmt.Errorf("reading %s: %w", s.key, err)
				}
				s.apply(cfg, d)
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kDuration:
			if d, err := time.ParseDuration(raw); err == nil {
				s.apply(cfg, d)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse duration from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
