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
		key: "server.port", typ: kInt, env: "MEDIAGRAPH_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "storage.data_dir", typ: kString, env: "MEDIAGRAPH_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "image.api_key", typ: kString, env: "MEDIAGRAPH_IMAGE_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Image.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Image.APIKey },
	},
	{
		key: "image.model", typ: kString, env: "MEDIAGRAPH_IMAGE_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Image.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Image.Model },
	},
	{
		key: "video.api_key", typ: kString, env: "MEDIAGRAPH_VIDEO_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Video.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Video.APIKey },
	},
	{
		key: "video.model", typ: kString, env: "MEDIAGRAPH_VIDEO_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Video.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Video.Model },
	},
	{
		key: "video.proxy_url", typ: kString, env: "MEDIAGRAPH_VIDEO_PROXY_URL",
		apply:   func(cfg *Config, v any) { cfg.Video.ProxyURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Video.ProxyURL },
	},
	{
		key: "video.proxy_access_key", typ: kString, env: "MEDIAGRAPH_VIDEO_PROXY_ACCESS_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Video.ProxyAccessKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Video.ProxyAccessKey },
	},
	{
		key: "video.proxy_secret_key", typ: kString, env: "MEDIAGRAPH_VIDEO_PROXY_SECRET_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Video.ProxySecretKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Video.ProxySecretKey },
	},
	{
		key: "remote.endpoint", typ: kString, env: "MEDIAGRAPH_REMOTE_ENDPOINT",
		apply:   func(cfg *Config, v any) { cfg.Remote.Endpoint = v.(string) },
		extract: func(cfg Config) any { return cfg.Remote.Endpoint },
	},
	{
		key: "remote.bucket", typ: kString, env: "MEDIAGRAPH_REMOTE_BUCKET",
		apply:   func(cfg *Config, v any) { cfg.Remote.Bucket = v.(string) },
		extract: func(cfg Config) any { return cfg.Remote.Bucket },
	},
	{
		key: "remote.access_key", typ: kString, env: "MEDIAGRAPH_REMOTE_ACCESS_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Remote.AccessKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Remote.AccessKey },
	},
	{
		key: "media.gc_max_age_hours", typ: kInt, env: "MEDIAGRAPH_MEDIA_GC_MAX_AGE_HOURS",
		apply:   func(cfg *Config, v any) { cfg.Media.GCMaxAgeHours = v.(int) },
		extract: func(cfg Config) any { return cfg.Media.GCMaxAgeHours },
	},
	{
		key: "api.token", typ: kString, env: "MEDIAGRAPH_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.API.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.API.Token },
	},
	{
		key: "log.level", typ: kString, env: "MEDIAGRAPH_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
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
		}
	}
}
