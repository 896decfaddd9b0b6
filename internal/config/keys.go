package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kInt64
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
		key: "server.port", typ: kInt, env: "REVTALLY_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "storage.data_dir", typ: kString, env: "REVTALLY_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "api.base_url", typ: kString, env: "REVTALLY_API_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.API.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.API.BaseURL },
	},
	{
		key: "api.key", typ: kString, env: "REVTALLY_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.API.Key = v.(string) },
		extract: func(cfg Config) any { return cfg.API.Key },
	},
	{
		key: "sync.page_size", typ: kInt, env: "REVTALLY_SYNC_PAGE_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Sync.PageSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Sync.PageSize },
	},
	{
		key: "player.id", typ: kInt64, env: "REVTALLY_PLAYER_ID",
		apply:   func(cfg *Config, v any) { cfg.Player.ID = v.(int64) },
		extract: func(cfg Config) any { return cfg.Player.ID },
	},
	{
		key: "log.level", typ: kString, env: "REVTALLY_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

// Keys lists the settable config keys, secrets excluded.
func Keys() []string {
	var out []string
	for _, s := range specs {
		if s.secret {
			continue
		}
		out = append(out, s.key)
	}
	return out
}

func applyBackend(cfg *Config, b Backend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		v, ok, err := b.Get(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || v == "" {
			continue
		}
		applyString(cfg, s, v, "config key")
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
		applyString(cfg, s, raw, "env var")
	}
}

func applyString(cfg *Config, s keySpec, raw, source string) {
	switch s.typ {
	case kString:
		s.apply(cfg, raw)
	case kInt:
		if i, err := strconv.Atoi(raw); err == nil {
			s.apply(cfg, i)
		} else {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from %s %s=%q: %v. Using default value.\n", source, s.key, raw, err)
		}
	case kInt64:
		if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
			s.apply(cfg, i)
		} else {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from %s %s=%q: %v. Using default value.\n", source, s.key, raw, err)
		}
	}
}
