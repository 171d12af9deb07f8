// Package config loads Harrier configuration from files and the environment.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/opensource-finance/harrier/internal/domain"
	"gopkg.in/yaml.v3"
)

// Load reads and validates a YAML or JSON config file. Values missing from
// the file keep the defaults of the tier the file names.
func Load(path string) (*domain.Config, error) {
	cfg, err := decodeFile(path)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeFile(path string) (*domain.Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}

	decode := yaml.Unmarshal
	if looksLikeJSON(trimmed) {
		decode = json.Unmarshal
	}

	var probe struct {
		Tier domain.Tier `json:"tier" yaml:"tier"`
	}
	if err := decode([]byte(trimmed), &probe); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	cfg := ForTier(probe.Tier)
	if err := decode([]byte(trimmed), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return cfg, nil
}

// ForTier returns the default configuration of a tier.
func ForTier(tier domain.Tier) *domain.Config {
	if tier == domain.TierPro {
		return domain.ProConfig()
	}
	return domain.DefaultConfig()
}

// Resolve builds the runtime configuration: the file at path when given,
// otherwise the defaults of HARRIER_TIER, with HARRIER_* overrides on top.
func Resolve(path string, getenv func(string) string) (*domain.Config, error) {
	var cfg *domain.Config
	if path != "" {
		loaded, err := decodeFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = ForTier(domain.Tier(strings.ToLower(getenv("HARRIER_TIER"))))
	}

	if err := ApplyEnv(cfg, getenv); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyDefaults(cfg *domain.Config) {
	defaults := ForTier(cfg.Tier)

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if cfg.Server.ReadTimeout <= 0 {
		cfg.Server.ReadTimeout = defaults.Server.ReadTimeout
	}
	if cfg.Server.WriteTimeout <= 0 {
		cfg.Server.WriteTimeout = defaults.Server.WriteTimeout
	}
	if cfg.Server.MaxBodyBytes <= 0 {
		cfg.Server.MaxBodyBytes = defaults.Server.MaxBodyBytes
	}
	if cfg.Repository.Driver == "" {
		cfg.Repository.Driver = defaults.Repository.Driver
	}
	if cfg.Repository.Driver == "sqlite" && cfg.Repository.SQLitePath == "" {
		cfg.Repository.SQLitePath = domain.DefaultConfig().Repository.SQLitePath
	}
	if cfg.Cache.Type == "" {
		cfg.Cache.Type = defaults.Cache.Type
	}
	if cfg.Cache.ProfileTTL == 0 {
		cfg.Cache.ProfileTTL = defaults.Cache.ProfileTTL
	}
	if cfg.EventBus.Type == "" {
		cfg.EventBus.Type = defaults.EventBus.Type
	}
	if cfg.EventBus.ChannelBufferSize <= 0 {
		cfg.EventBus.ChannelBufferSize = domain.DefaultConfig().EventBus.ChannelBufferSize
	}
	if cfg.Auth.Issuer == "" {
		cfg.Auth.Issuer = defaults.Auth.Issuer
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = defaults.Logging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = defaults.Logging.Format
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = defaults.Tracing.ServiceName
	}
}

// Validate rejects configurations the service cannot start with.
func Validate(cfg *domain.Config) error {
	switch cfg.Tier {
	case domain.TierCommunity, domain.TierPro:
	default:
		return fmt.Errorf("tier must be community or pro, got %q", cfg.Tier)
	}
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", cfg.Server.Port)
	}

	switch cfg.Repository.Driver {
	case "sqlite":
		if cfg.Repository.SQLitePath == "" {
			return errors.New("repository.sqlite_path required for the sqlite driver")
		}
	case "postgres", "pgx":
		if cfg.Repository.PostgresHost == "" {
			return errors.New("repository.postgres_host required for the postgres drivers")
		}
	default:
		return fmt.Errorf("unsupported repository driver: %s", cfg.Repository.Driver)
	}

	switch cfg.Cache.Type {
	case "memory":
	case "redis":
		if cfg.Cache.RedisAddr == "" {
			return errors.New("cache.redis_addr required for the redis cache")
		}
	default:
		return fmt.Errorf("unsupported cache type: %s", cfg.Cache.Type)
	}
	if cfg.Cache.ProfileTTL < 0 {
		return errors.New("cache.profile_ttl must not be negative")
	}

	switch cfg.EventBus.Type {
	case "channel":
	case "nats":
		if cfg.EventBus.NATSUrl == "" {
			return errors.New("event_bus.nats_url required for the nats bus")
		}
	default:
		return fmt.Errorf("unsupported event bus type: %s", cfg.EventBus.Type)
	}

	if cfg.Auth.Enabled && cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret required when auth.enabled is true")
	}

	switch strings.ToLower(cfg.Logging.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format must be json or text, got %q", cfg.Logging.Format)
	}
	return nil
}

// ApplyEnv overlays HARRIER_* environment variables onto cfg.
func ApplyEnv(cfg *domain.Config, getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v := strings.TrimSpace(getenv(key))
		if v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
		return nil
	}
	flag := func(key string, dst *bool) error {
		v := strings.TrimSpace(getenv(key))
		if v == "" {
			return nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = b
		return nil
	}

	str("HARRIER_HOST", &cfg.Server.Host)
	str("HARRIER_DB_DRIVER", &cfg.Repository.Driver)
	str("HARRIER_SQLITE_PATH", &cfg.Repository.SQLitePath)
	str("HARRIER_POSTGRES_HOST", &cfg.Repository.PostgresHost)
	str("HARRIER_POSTGRES_USER", &cfg.Repository.PostgresUser)
	str("HARRIER_POSTGRES_PASSWORD", &cfg.Repository.PostgresPassword)
	str("HARRIER_POSTGRES_DB", &cfg.Repository.PostgresDB)
	str("HARRIER_POSTGRES_SSLMODE", &cfg.Repository.PostgresSSLMode)
	str("HARRIER_CACHE", &cfg.Cache.Type)
	str("HARRIER_REDIS_ADDR", &cfg.Cache.RedisAddr)
	str("HARRIER_REDIS_PASSWORD", &cfg.Cache.RedisPassword)
	str("HARRIER_EVENT_BUS", &cfg.EventBus.Type)
	str("HARRIER_NATS_URL", &cfg.EventBus.NATSUrl)
	str("HARRIER_NATS_TOKEN", &cfg.EventBus.NATSToken)
	str("HARRIER_JWT_ISSUER", &cfg.Auth.Issuer)
	str("HARRIER_LOG_LEVEL", &cfg.Logging.Level)
	str("HARRIER_LOG_FORMAT", &cfg.Logging.Format)

	if secret := strings.TrimSpace(getenv("HARRIER_JWT_SECRET")); secret != "" {
		cfg.Auth.JWTSecret = secret
		cfg.Auth.Enabled = true
	}
	if getenv("HARRIER_DEBUG") == "true" {
		cfg.Logging.Level = "debug"
	}

	for _, set := range []func() error{
		func() error { return num("HARRIER_PORT", &cfg.Server.Port) },
		func() error { return num("HARRIER_POSTGRES_PORT", &cfg.Repository.PostgresPort) },
		func() error { return num("HARRIER_REDIS_DB", &cfg.Cache.RedisDB) },
		func() error { return flag("HARRIER_AUTH", &cfg.Auth.Enabled) },
		func() error { return flag("HARRIER_WORKER", &cfg.Worker.Enabled) },
		func() error { return flag("HARRIER_TRACING", &cfg.Tracing.Enabled) },
	} {
		if err := set(); err != nil {
			return err
		}
	}
	return nil
}
