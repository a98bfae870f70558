package cache

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Config selects and configures a backend.
type Config struct {
	// Type is memory | sqlite | redis. Default: sqlite.
	Type string `yaml:"type"`
	// Path of the SQLite file. Default: thumbcache.db.
	Path string `yaml:"path"`

	RedisURL      string `yaml:"redis_url"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

func (c *Config) ApplyDefaults() {
	if c.Type == "" {
		c.Type = "sqlite"
	}
	if c.Path == "" {
		c.Path = "thumbcache.db"
	}
}

// Open builds the backend cfg names.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (KV, error) {
	cfg.ApplyDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	switch strings.ToLower(cfg.Type) {
	case "memory":
		logger.Info("cache: using in-process memory store")
		return NewMemory(), nil
	case "sqlite":
		s, err := OpenSQLite(cfg.Path)
		if err != nil {
			return nil, err
		}
		logger.Info("cache: using sqlite store", "path", cfg.Path)
		return s, nil
	case "redis":
		r, err := OpenRedis(ctx, cfg.RedisURL, RedisOptions{Password: cfg.RedisPassword, DB: cfg.RedisDB})
		if err != nil {
			return nil, err
		}
		logger.Info("cache: using redis store")
		return r, nil
	}
	return nil, fmt.Errorf("cache: unknown type %q", cfg.Type)
}
