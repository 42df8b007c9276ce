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
const DefaultConfigFile = "probecore.yaml"

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
	setString(&cfg.Server.Port, "PROBECORE_PORT")
	setString(&cfg.Server.CORSOrigin, "PROBECORE_CORS_ORIGIN")

	// Device
	setBool(&cfg.Device.Simulated, "PROBECORE_DEVICE_SIMULATED")
	setDuration(&cfg.Device.PhaseDuration, "PROBECORE_DEVICE_PHASE_DURATION")
	setFloat64(&cfg.Device.Noise, "PROBECORE_DEVICE_NOISE")

	// Tasks
	setInt(&cfg.Tasks.HistorySize, "PROBECORE_TASK_HISTORY_SIZE")
	setDuration(&cfg.Tasks.PollInterval, "PROBECORE_TASK_POLL_INTERVAL")
	setDuration(&cfg.Tasks.AnglePollInterval, "PROBECORE_TASK_ANGLE_POLL_INTERVAL")
	setDuration(&cfg.Tasks.StopAckTimeout, "PROBECORE_TASK_STOP_ACK_TIMEOUT")
	setDuration(&cfg.Tasks.MoveTimeout, "PROBECORE_TASK_MOVE_TIMEOUT")
	setDuration(&cfg.Tasks.AdjustTimeout, "PROBECORE_TASK_ADJUST_TIMEOUT")
	setDuration(&cfg.Tasks.SettleDelay, "PROBECORE_TASK_SETTLE_DELAY")
	setInt(&cfg.Tasks.EventBuffer, "PROBECORE_TASK_EVENT_BUFFER")

	setFloat64(&cfg.Stream.RateHz, "PROBECORE_STREAM_RATE_HZ")
	setDuration(&cfg.Stream.CacheTTL, "PROBECORE_STREAM_CACHE_TTL")
	setInt64(&cfg.Cache.L1MaxSizeMB, "PROBECORE_CACHE_L1_SIZE_MB")
	setString(&cfg.Cache.L2Bucket, "PROBECORE_CACHE_L2_BUCKET")

	setString(&cfg.NATS.URL, "NATS_URL")

	setBool(&cfg.MCP.Enabled, "PROBECORE_MCP_ENABLED")
	setString(&cfg.MCP.Addr, "PROBECORE_MCP_ADDR")
	setString(&cfg.MCP.APIKey, "PROBECORE_MCP_API_KEY")

	setBool(&cfg.OTEL.Enabled, "PROBECORE_OTEL_ENABLED")
	setString(&cfg.OTEL.Endpoint, "PROBECORE_OTEL_ENDPOINT")
	setString(&cfg.OTEL.ServiceName, "PROBECORE_OTEL_SERVICE_NAME")
	setBool(&cfg.OTEL.Insecure, "PROBECORE_OTEL_INSECURE")

	setString(&cfg.Logging.Level, "PROBECORE_LOG_LEVEL")
	setString(&cfg.Logging.Service, "PROBECORE_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "PROBECORE_LOG_ASYNC")
	setString(&cfg.Logging.Format, "PROBECORE_LOG_FORMAT")

	setInt(&cfg.Breaker.MaxFailures, "PROBECORE_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "PROBECORE_BREAKER_TIMEOUT")
	setFloat64(&cfg.Rate.RequestsPerSecond, "PROBECORE_RATE_RPS")
	setInt(&cfg.Rate.Burst, "PROBECORE_RATE_BURST")
}

// validate checks that required fields are set and timings are usable.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Tasks.HistorySize < 1 {
		return errors.New("tasks.history_size must be >= 1")
	}
	for name, d := range map[string]time.Duration{
		"tasks.poll_interval":       cfg.Tasks.PollInterval,
		"tasks.angle_poll_interval": cfg.Tasks.AnglePollInterval,
		"tasks.stop_ack_timeout":    cfg.Tasks.StopAckTimeout,
		"tasks.move_timeout":        cfg.Tasks.MoveTimeout,
		"tasks.adjust_timeout":      cfg.Tasks.AdjustTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if cfg.Tasks.SettleDelay < 0 {
		return errors.New("tasks.settle_delay must not be negative")
	}
	if cfg.Tasks.EventBuffer < 1 {
		return errors.New("tasks.event_buffer must be >= 1")
	}
	if cfg.Stream.RateHz <= 0 {
		return errors.New("stream.rate_hz must be positive")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.Rate.Burst < 1 {
		return errors.New("rate.burst must be >= 1")
	}
	if cfg.MCP.Enabled && cfg.MCP.Addr == "" {
		return errors.New("mcp.addr is required when mcp is enabled")
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

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
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
