package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "boardroom.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "BOARDROOM_PORT")
	setString(&cfg.Server.CORSOrigin, "BOARDROOM_CORS_ORIGIN")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "BOARDROOM_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "BOARDROOM_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "BOARDROOM_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "BOARDROOM_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "BOARDROOM_PG_HEALTH_CHECK")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.Advisory.URL, "BOARDROOM_ADVISORY_URL")
	setString(&cfg.Advisory.APIKey, "BOARDROOM_ADVISORY_API_KEY")
	setDuration(&cfg.Advisory.Timeout, "BOARDROOM_ADVISORY_TIMEOUT")
	setInt(&cfg.Advisory.MaxConcurrent, "BOARDROOM_ADVISORY_MAX_CONCURRENT")
	setString(&cfg.Logging.Level, "BOARDROOM_LOG_LEVEL")
	setString(&cfg.Logging.Service, "BOARDROOM_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "BOARDROOM_LOG_ASYNC")
	setInt(&cfg.Breaker.MaxFailures, "BOARDROOM_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "BOARDROOM_BREAKER_TIMEOUT")
	setFloat64(&cfg.Rate.RequestsPerSecond, "BOARDROOM_RATE_RPS")
	setInt(&cfg.Rate.Burst, "BOARDROOM_RATE_BURST")
	setDuration(&cfg.Rate.CleanupInterval, "BOARDROOM_RATE_CLEANUP_INTERVAL")
	setDuration(&cfg.Rate.MaxIdleTime, "BOARDROOM_RATE_MAX_IDLE_TIME")
	setInt64(&cfg.Cache.L1MaxSizeMB, "BOARDROOM_CACHE_L1_SIZE_MB")
	setString(&cfg.Cache.L2Bucket, "BOARDROOM_CACHE_L2_BUCKET")
	setDuration(&cfg.Cache.L2TTL, "BOARDROOM_CACHE_L2_TTL")
	setDuration(&cfg.Cache.CostTTL, "BOARDROOM_CACHE_COST_TTL")
	setInt(&cfg.Deliberation.MaxRounds, "BOARDROOM_MAX_ROUNDS")
	setInt(&cfg.Deliberation.Quorum, "BOARDROOM_QUORUM")
	setDuration(&cfg.Deliberation.PersonaTimeout, "BOARDROOM_PERSONA_TIMEOUT")
	setDuration(&cfg.Deliberation.RoundTimeout, "BOARDROOM_ROUND_TIMEOUT")
	setInt(&cfg.Deliberation.TaskRetries, "BOARDROOM_TASK_RETRIES")
	setDuration(&cfg.Deliberation.RetryBase, "BOARDROOM_RETRY_BASE")
	setInt(&cfg.Deliberation.CheckpointRetries, "BOARDROOM_CHECKPOINT_RETRIES")
	setFloat64(&cfg.Deliberation.MaxSessionCostUSD, "BOARDROOM_MAX_SESSION_COST_USD")
	setDuration(&cfg.Deliberation.MaxSessionDuration, "BOARDROOM_MAX_SESSION_DURATION")
	setDuration(&cfg.Recovery.ScanInterval, "BOARDROOM_RECOVERY_SCAN_INTERVAL")
	setInt(&cfg.Recovery.MaxAttempts, "BOARDROOM_RECOVERY_MAX_ATTEMPTS")
	setBool(&cfg.Telemetry.Enabled, "BOARDROOM_TELEMETRY_ENABLED")
	setString(&cfg.Telemetry.Endpoint, "BOARDROOM_TELEMETRY_ENDPOINT")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required")
	}
	if cfg.NATS.URL == "" {
		return errors.New("nats.url is required")
	}
	if cfg.Postgres.MaxConns < 1 {
		return errors.New("postgres.max_conns must be >= 1")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.Rate.Burst < 1 {
		return errors.New("rate.burst must be >= 1")
	}
	if cfg.Deliberation.MaxRounds < 1 {
		return errors.New("deliberation.max_rounds must be >= 1")
	}
	if cfg.Deliberation.PersonaTimeout <= 0 {
		return errors.New("deliberation.persona_timeout must be > 0")
	}
	if cfg.Deliberation.RoundTimeout <= 0 {
		return errors.New("deliberation.round_timeout must be > 0")
	}
	if cfg.Recovery.MaxAttempts < 1 {
		return errors.New("recovery.max_attempts must be >= 1")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
