package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config contains runtime configuration required by the ingestor.
type Config struct {
	API      APIConfig      `yaml:"api"`
	DB       DBConfig       `yaml:"db"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Status   StatusConfig   `yaml:"status"`
	LogLevel string         `yaml:"log_level" validate:"oneof=debug info warn error"`
}

// APIConfig describes the remote events API.
type APIConfig struct {
	BaseURL         string        `yaml:"base_url" validate:"required,url"`
	APIKey          string        `yaml:"api_key"`
	AuthScheme      string        `yaml:"auth_scheme" validate:"oneof=header bearer"`
	MinRequestDelay time.Duration `yaml:"min_request_delay" validate:"gte=0"`
	PageSize        int           `yaml:"page_size" validate:"gte=1"`
	LowWater        int           `yaml:"rate_limit_low_water" validate:"gte=0"`
	Timeout         time.Duration `yaml:"timeout" validate:"gt=0"`
}

// DBConfig describes the Postgres connection pool.
type DBConfig struct {
	URL      string `yaml:"url" validate:"required"`
	MaxConns int32  `yaml:"max_conns" validate:"gte=1"`
	MinConns int32  `yaml:"min_conns" validate:"gte=0,ltefield=MaxConns"`
}

// PipelineConfig tunes the fetch/write loops.
type PipelineConfig struct {
	QueueDepth          int           `yaml:"write_queue_depth" validate:"gte=1"`
	CheckpointInterval  int64         `yaml:"checkpoint_interval" validate:"gte=1"`
	FallbackChunkSize   int           `yaml:"fallback_chunk_size" validate:"gte=1,lte=13107"`
	WriteRetryDelay     time.Duration `yaml:"write_retry_delay" validate:"gt=0"`
	StaleCursorCooldown time.Duration `yaml:"stale_cursor_cooldown" validate:"gte=0"`
	StatsInterval       time.Duration `yaml:"stats_interval" validate:"gt=0"`
	TargetEvents        int64         `yaml:"target_events" validate:"gte=0"`
}

// StatusConfig controls the optional status HTTP server.
type StatusConfig struct {
	Addr    string            `yaml:"addr"`
	APIKeys map[string]string `yaml:"api_keys"` // apiKey -> caller name
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		API: APIConfig{
			AuthScheme:      "header",
			MinRequestDelay: 500 * time.Millisecond,
			PageSize:        1000,
			LowWater:        10,
			Timeout:         30 * time.Second,
		},
		DB: DBConfig{
			MaxConns: 4,
			MinConns: 1,
		},
		Pipeline: PipelineConfig{
			QueueDepth:          16,
			CheckpointInterval:  5000,
			FallbackChunkSize:   500,
			WriteRetryDelay:     2 * time.Second,
			StaleCursorCooldown: 5 * time.Second,
			StatsInterval:       5 * time.Second,
		},
		LogLevel: "info",
	}
}

var validate = validator.New()

// Load builds the configuration. Precedence, highest first: process
// environment, the .env file (ENV_FILE, default ".env"), the YAML file named by
// INGEST_CONFIG_FILE, then Default().
func Load() (Config, error) {
	cfg := Default()

	if path := strings.TrimSpace(os.Getenv("INGEST_CONFIG_FILE")); path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	envFile := strings.TrimSpace(os.Getenv("ENV_FILE"))
	if envFile == "" {
		envFile = ".env"
	}
	dotenv, err := godotenv.Read(envFile)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("read %s: %w", envFile, err)
	}

	lookup := func(key string) string {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return v
		}
		return strings.TrimSpace(dotenv[key])
	}

	if err := applyEnv(&cfg, lookup); err != nil {
		return Config{}, err
	}
	if err := validate.Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func applyEnv(cfg *Config, lookup func(string) string) error {
	setString(&cfg.API.BaseURL, lookup("API_BASE_URL"))
	setString(&cfg.API.APIKey, lookup("API_KEY"))
	setString(&cfg.API.AuthScheme, strings.ToLower(lookup("API_AUTH_SCHEME")))
	setString(&cfg.DB.URL, lookup("DB_URL"))
	setString(&cfg.Status.Addr, lookup("STATUS_ADDR"))
	setString(&cfg.LogLevel, strings.ToLower(lookup("LOG_LEVEL")))

	var errs []error
	if v := lookup("MIN_REQUEST_DELAY_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("MIN_REQUEST_DELAY_MS must be an integer: %w", err))
		}
		cfg.API.MinRequestDelay = time.Duration(ms) * time.Millisecond
	}
	errs = append(errs,
		setInt(&cfg.API.PageSize, "PAGE_SIZE", lookup),
		setInt(&cfg.API.LowWater, "RATE_LIMIT_LOW_WATER", lookup),
		setDuration(&cfg.API.Timeout, "HTTP_TIMEOUT", lookup),
		setInt32(&cfg.DB.MaxConns, "DB_MAX_CONNS", lookup),
		setInt32(&cfg.DB.MinConns, "DB_MIN_CONNS", lookup),
		setInt(&cfg.Pipeline.QueueDepth, "WRITE_QUEUE_DEPTH", lookup),
		setInt64(&cfg.Pipeline.CheckpointInterval, "CHECKPOINT_INTERVAL", lookup),
		setInt(&cfg.Pipeline.FallbackChunkSize, "FALLBACK_CHUNK_SIZE", lookup),
		setDuration(&cfg.Pipeline.WriteRetryDelay, "WRITE_RETRY_DELAY", lookup),
		setDuration(&cfg.Pipeline.StaleCursorCooldown, "STALE_CURSOR_COOLDOWN", lookup),
		setDuration(&cfg.Pipeline.StatsInterval, "STATS_INTERVAL", lookup),
		setInt64(&cfg.Pipeline.TargetEvents, "TARGET_EVENTS", lookup),
	)

	if raw := lookup("STATUS_API_KEYS"); raw != "" {
		keys, err := parseAPIKeys(raw)
		if err != nil {
			errs = append(errs, err)
		}
		cfg.Status.APIKeys = keys
	}

	return errors.Join(errs...)
}

// parseAPIKeys reads STATUS_API_KEYS, formatted "name1:key1,name2:key2".
func parseAPIKeys(raw string) (map[string]string, error) {
	keys := map[string]string{}
	for _, p := range strings.Split(raw, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		parts := strings.SplitN(p, ":", 2)
		if len(parts) != 2 {
			return nil, errors.New(`STATUS_API_KEYS must be "name:key,name:key"`)
		}
		name := strings.TrimSpace(parts[0])
		key := strings.TrimSpace(parts[1])
		if name == "" || key == "" {
			return nil, errors.New(`STATUS_API_KEYS must be "name:key,name:key"`)
		}
		keys[key] = name
	}
	return keys, nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string, lookup func(string) string) error {
	v := lookup(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s must be an integer: %w", key, err)
	}
	*dst = n
	return nil
}

func setInt32(dst *int32, key string, lookup func(string) string) error {
	v := lookup(key)
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 32)
	if err != nil {
		return fmt.Errorf("%s must be an integer: %w", key, err)
	}
	*dst = int32(n)
	return nil
}

func setInt64(dst *int64, key string, lookup func(string) string) error {
	v := lookup(key)
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fmt.Errorf("%s must be an integer: %w", key, err)
	}
	*dst = n
	return nil
}

// setDuration accepts Go durations ("2s", "1m30s"); a bare number is seconds.
func setDuration(dst *time.Duration, key string, lookup func(string) string) error {
	v := lookup(key)
	if v == "" {
		return nil
	}
	if secs, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(secs) * time.Second
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s must be a duration: %w", key, err)
	}
	*dst = d
	return nil
}
