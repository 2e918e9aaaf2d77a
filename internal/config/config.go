// Package config loads the fabric's environment-driven configuration,
// following the same caarlos0/env + godotenv pattern as the teacher's
// ws/config.go: an optional .env file for development convenience,
// struct tags for defaults, and a Validate step that turns a missing
// required value into a fatal config error (spec §6: "Absence of either
// [port base] is a fatal configuration error at fabric startup").
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds every environment-driven tunable for the fabric process.
//
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set (omitted where spec requires a
//	hard failure with no default, namely the two port bases)
type Config struct {
	// Port scheme (spec §6) — both required, no defaults, so parallel
	// Tekton instances on one host cannot collide.
	ComponentPortBase int `env:"COMPONENT_PORT_BASE"`
	AIPortBase        int `env:"AI_PORT_BASE"`

	// Overlay store.
	ForwardingStorePath string `env:"TEKTON_FORWARDING_STORE" envDefault:"./.tekton/forwarding.json"`

	// Channel tuning (spec §4.3, §5).
	ChannelQueueCap  int           `env:"TEKTON_CHANNEL_QUEUE_CAP" envDefault:"1024"`
	ConnectTimeout   time.Duration `env:"TEKTON_CONNECT_TIMEOUT" envDefault:"5s"`
	DefaultDeadline  time.Duration `env:"TEKTON_DEFAULT_DEADLINE" envDefault:"30s"`
	ReconnectBackoff time.Duration `env:"TEKTON_RECONNECT_BACKOFF" envDefault:"1s"`

	// Discovery & Health (spec §4.6).
	ProbeCacheTTL time.Duration `env:"TEKTON_PROBE_CACHE_TTL" envDefault:"30s"`
	ProbeTimeout  time.Duration `env:"TEKTON_PROBE_TIMEOUT" envDefault:"2s"`

	// Fabric Core broadcast coordination (spec §4.4).
	BroadcastSlack     time.Duration `env:"TEKTON_BROADCAST_SLACK" envDefault:"250ms"`
	BroadcastRatePerSec float64      `env:"TEKTON_BROADCAST_RATE" envDefault:"20"`
	BroadcastBurst     int           `env:"TEKTON_BROADCAST_BURST" envDefault:"10"`

	// Load shedding (internal/loadshed) — admission control on broadcast
	// fan-out when the host is already hot, modeled on the teacher's
	// CPURejectThreshold/CPUPauseThreshold pattern.
	CPURejectThreshold float64 `env:"TEKTON_CPU_REJECT_THRESHOLD" envDefault:"85.0"`

	// Observer event bus (internal/events), optional.
	EventsNATSURL   string `env:"TEKTON_EVENTS_NATS_URL" envDefault:""`
	EventsSubject   string `env:"TEKTON_EVENTS_SUBJECT" envDefault:"tekton.fabric.events"`

	// Metrics.
	MetricsAddr string `env:"TEKTON_METRICS_ADDR" envDefault:":9190"`

	// Logging.
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	Host string `env:"TEKTON_FABRIC_HOST" envDefault:"localhost"`
}

// Load reads configuration from an optional .env file and the process
// environment. The logger parameter is optional; pass nil during early
// startup before a structured logger exists (mirrors ws/config.go's
// LoadConfig(logger *zerolog.Logger)).
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("no .env file found, using environment variables only")
		}
	} else if logger != nil {
		logger.Info().Msg("loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate enforces the hard-fail rules spec.md calls out explicitly:
// the two port bases must both be present, and anything the platform
// depends on for correctness (queue capacity, deadlines) must be positive.
func (c *Config) Validate() error {
	if c.ComponentPortBase == 0 {
		return fmt.Errorf("COMPONENT_PORT_BASE is required and must be non-zero")
	}
	if c.AIPortBase == 0 {
		return fmt.Errorf("AI_PORT_BASE is required and must be non-zero")
	}
	if c.ChannelQueueCap <= 0 {
		return fmt.Errorf("TEKTON_CHANNEL_QUEUE_CAP must be positive, got %d", c.ChannelQueueCap)
	}
	if c.DefaultDeadline <= 0 {
		return fmt.Errorf("TEKTON_DEFAULT_DEADLINE must be positive, got %s", c.DefaultDeadline)
	}
	return nil
}

// Print writes a human-readable startup dump, matching ws/config.go's
// cfg.Print() convention for operators tailing stdout before the
// structured logger takes over.
func (c *Config) Print() {
	fmt.Println("Tekton fabric configuration:")
	fmt.Printf("  COMPONENT_PORT_BASE: %d\n", c.ComponentPortBase)
	fmt.Printf("  AI_PORT_BASE:        %d\n", c.AIPortBase)
	fmt.Printf("  forwarding store:    %s\n", c.ForwardingStorePath)
	fmt.Printf("  channel queue cap:   %d\n", c.ChannelQueueCap)
	fmt.Printf("  connect timeout:     %s\n", c.ConnectTimeout)
	fmt.Printf("  default deadline:    %s\n", c.DefaultDeadline)
	fmt.Printf("  probe cache ttl:     %s\n", c.ProbeCacheTTL)
	fmt.Printf("  log level/format:    %s/%s\n", c.LogLevel, c.LogFormat)
}
