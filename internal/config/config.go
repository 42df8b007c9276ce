// Package config provides hierarchical configuration loading for ProbeCore.
// Precedence: defaults < YAML file < environment variables.
package config

import "time"

// Config holds all runtime configuration for the ProbeCore service.
type Config struct {
	Server  Server  `yaml:"server"`
	Device  Device  `yaml:"device"`
	Tasks   Tasks   `yaml:"tasks"`
	Stream  Stream  `yaml:"stream"`
	Cache   Cache   `yaml:"cache"`
	NATS    NATS    `yaml:"nats"`
	MCP     MCP     `yaml:"mcp"`
	OTEL    OTEL    `yaml:"otel"`
	Logging Logging `yaml:"logging"`
	Breaker Breaker `yaml:"breaker"`
	Rate    Rate    `yaml:"rate"`
}

// Server holds HTTP server configuration.
type Server struct {
	Port       string `yaml:"port"`
	CORSOrigin string `yaml:"cors_origin"`
}

// Device selects and tunes the stage controller.
type Device struct {
	Simulated     bool          `yaml:"simulated"`
	PhaseDuration time.Duration `yaml:"phase_duration"` // simulated time per routine phase
	Noise         float64       `yaml:"noise"`          // simulated analog noise amplitude
}

// Tasks holds task execution timing and retention.
type Tasks struct {
	HistorySize       int           `yaml:"history_size"`        // terminal tasks kept in memory
	PollInterval      time.Duration `yaml:"poll_interval"`       // axis and alignment polling
	AnglePollInterval time.Duration `yaml:"angle_poll_interval"` // angle adjustment polling
	StopAckTimeout    time.Duration `yaml:"stop_ack_timeout"`    // wait for the device to confirm a stop
	MoveTimeout       time.Duration `yaml:"move_timeout"`        // safety timeout for a move or one profile step
	AdjustTimeout     time.Duration `yaml:"adjust_timeout"`      // safety timeout for angle/alignment routines
	SettleDelay       time.Duration `yaml:"settle_delay"`        // pause after a move before the final read
	EventBuffer       int           `yaml:"event_buffer"`        // progress events held for subscribers
}

// Stream holds live position streaming configuration.
type Stream struct {
	RateHz   float64       `yaml:"rate_hz"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// Cache holds the in-process cache configuration.
type Cache struct {
	L1MaxSizeMB int64  `yaml:"l1_max_size_mb"`
	L2Bucket    string `yaml:"l2_bucket"` // NATS KV bucket sharing readings; used only with NATS
}

// NATS holds NATS JetStream configuration. An empty URL disables NATS.
type NATS struct {
	URL string `yaml:"url"`
}

// MCP holds the MCP tool server configuration.
type MCP struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	APIKey  string `yaml:"api_key"` // empty disables auth
}

// OTEL holds telemetry exporter configuration.
type OTEL struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
	Insecure    bool   `yaml:"insecure"`
}

// Logging holds structured logging configuration.
type Logging struct {
	Level   string `yaml:"level"`
	Service string `yaml:"service"`
	Async   bool   `yaml:"async"`
	Format  string `yaml:"format"` // "json", "text" or "auto"
}

// Breaker holds circuit breaker configuration.
type Breaker struct {
	MaxFailures int           `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
}

// Rate holds rate limiter configuration.
type Rate struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// Defaults returns a Config with sensible default values for a bench setup
// running against the simulated controller.
func Defaults() Config {
	return Config{
		Server: Server{
			Port:       "8001",
			CORSOrigin: "http://localhost:3000",
		},
		Device: Device{
			Simulated:     true,
			PhaseDuration: 400 * time.Millisecond,
			Noise:         0.002,
		},
		Tasks: Tasks{
			HistorySize:       100,
			PollInterval:      50 * time.Millisecond,
			AnglePollInterval: 100 * time.Millisecond,
			StopAckTimeout:    200 * time.Millisecond,
			MoveTimeout:       60 * time.Second,
			AdjustTimeout:     300 * time.Second,
			SettleDelay:       500 * time.Millisecond,
			EventBuffer:       256,
		},
		Stream: Stream{
			RateHz:   10,
			CacheTTL: time.Second,
		},
		Cache: Cache{
			L1MaxSizeMB: 8,
			L2Bucket:    "probecore_positions",
		},
		MCP: MCP{
			Addr: ":8002",
		},
		OTEL: OTEL{
			Endpoint:    "localhost:4317",
			ServiceName: "probecore",
			Insecure:    true,
		},
		Logging: Logging{
			Level:   "info",
			Service: "probecore",
			Format:  "auto",
		},
		Breaker: Breaker{
			MaxFailures: 5,
			Timeout:     5 * time.Second,
		},
		Rate: Rate{
			RequestsPerSecond: 20,
			Burst:             50,
		},
	}
}
