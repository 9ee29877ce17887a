// Package config provides configuration management for castarr using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultServerPort      = 8080
	defaultServerTimeout   = 30 * time.Second
	defaultShutdownTimeout = 10 * time.Second

	defaultRelayPort            = 8899
	defaultRelayConnectTimeout  = 30 * time.Second
	defaultRelayReadIdleTimeout = 60 * time.Second
	defaultRelayBandwidthKBps   = 0 // unlimited

	defaultDiscoveryTimeout     = 3 * time.Second
	defaultProbePort            = 9197
	defaultProbePath            = "/dmr"
	defaultProbeTimeout         = 700 * time.Millisecond
	defaultProbeConcurrency     = 64
	defaultControlTimeout       = 5 * time.Second
	defaultDescriptionTimeout   = 10 * time.Second
	defaultVolumeStep           = 5
)

// Config holds all configuration for the application.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Relay     RelayConfig     `mapstructure:"relay"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Control   ControlConfig   `mapstructure:"control"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds the control API HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

// RelayConfig holds stream relay server configuration.
type RelayConfig struct {
	// Port is the TCP port the relay listens on. The relay always binds
	// 0.0.0.0 so renderers on the LAN can reach it.
	Port int `mapstructure:"port"`

	// BandwidthLimitKBps caps relay throughput per request in KB/s.
	// 0 disables throttling.
	BandwidthLimitKBps float64 `mapstructure:"bandwidth_limit_kbps"`

	// DefaultFallback controls whether an unknown stream id falls back to
	// the reserved "current" entry. Matches renderers that request the
	// bare path after probing with an extension.
	DefaultFallback bool `mapstructure:"default_fallback"`

	// ConnectTimeout bounds dialing the upstream source. Streaming reads
	// have no total deadline; ReadIdleTimeout bounds per-read inactivity.
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	ReadIdleTimeout time.Duration `mapstructure:"read_idle_timeout"`
}

// DiscoveryConfig holds renderer discovery configuration.
type DiscoveryConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`

	// Vendor direct-probe fallback for renderers that ignore SSDP.
	ProbePort        int           `mapstructure:"probe_port"`
	ProbePath        string        `mapstructure:"probe_path"`
	ProbeTimeout     time.Duration `mapstructure:"probe_timeout"`
	ProbeConcurrency int           `mapstructure:"probe_concurrency"`
}

// ControlConfig holds UPnP control-plane configuration.
type ControlConfig struct {
	// SOAPTimeout bounds each AVTransport/RenderingControl action.
	SOAPTimeout time.Duration `mapstructure:"soap_timeout"`
	// DescriptionTimeout bounds fetching a device description document.
	DescriptionTimeout time.Duration `mapstructure:"description_timeout"`
	// VolumeStep is the relative step for volume up/down.
	VolumeStep int `mapstructure:"volume_step"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with CASTARR_ and use underscores
// for nesting. Example: CASTARR_RELAY_PORT=8899.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/castarr")
		v.AddConfigPath("$HOME/.castarr")
	}

	v.SetEnvPrefix("CASTARR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Config file not found is OK - we'll use defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file to ensure defaults
// are in place.
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	v.SetDefault("server.write_timeout", defaultServerTimeout)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)
	v.SetDefault("server.cors_origins", []string{"*"})

	// Relay defaults
	v.SetDefault("relay.port", defaultRelayPort)
	v.SetDefault("relay.bandwidth_limit_kbps", defaultRelayBandwidthKBps)
	v.SetDefault("relay.default_fallback", true)
	v.SetDefault("relay.connect_timeout", defaultRelayConnectTimeout)
	v.SetDefault("relay.read_idle_timeout", defaultRelayReadIdleTimeout)

	// Discovery defaults
	v.SetDefault("discovery.timeout", defaultDiscoveryTimeout)
	v.SetDefault("discovery.probe_port", defaultProbePort)
	v.SetDefault("discovery.probe_path", defaultProbePath)
	v.SetDefault("discovery.probe_timeout", defaultProbeTimeout)
	v.SetDefault("discovery.probe_concurrency", defaultProbeConcurrency)

	// Control defaults
	v.SetDefault("control.soap_timeout", defaultControlTimeout)
	v.SetDefault("control.description_timeout", defaultDescriptionTimeout)
	v.SetDefault("control.volume_step", defaultVolumeStep)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	const maxPort = 65535
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}
	if c.Relay.Port < 1 || c.Relay.Port > maxPort {
		return fmt.Errorf("relay.port must be between 1 and %d", maxPort)
	}
	if c.Relay.Port == c.Server.Port {
		return fmt.Errorf("relay.port and server.port must differ")
	}
	if c.Relay.BandwidthLimitKBps < 0 {
		return fmt.Errorf("relay.bandwidth_limit_kbps must not be negative")
	}

	if c.Discovery.Timeout <= 0 {
		return fmt.Errorf("discovery.timeout must be positive")
	}
	if c.Discovery.ProbeConcurrency < 1 {
		return fmt.Errorf("discovery.probe_concurrency must be at least 1")
	}
	if c.Discovery.ProbePort < 1 || c.Discovery.ProbePort > maxPort {
		return fmt.Errorf("discovery.probe_port must be between 1 and %d", maxPort)
	}

	if c.Control.VolumeStep < 1 || c.Control.VolumeStep > 100 {
		return fmt.Errorf("control.volume_step must be between 1 and 100")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
