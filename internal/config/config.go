// Package config provides configuration parsing and validation for cpcd.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wireco/cpcd/internal/core"
	"github.com/wireco/cpcd/internal/framer"
)

// Config represents the complete daemon configuration, mirroring the
// original secondary's config_t fields (instance name, socket folder, bus
// selection, UART/SPI parameters, binding key path).
type Config struct {
	Instance InstanceConfig `yaml:"instance"`
	Bus      BusConfig      `yaml:"bus"`
	Security SecurityConfig `yaml:"security"`
	ARQ      ARQConfig      `yaml:"arq"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// InstanceConfig names this daemon instance and where its runtime state lives.
type InstanceConfig struct {
	Name       string        `yaml:"name"`        // used to derive the socket folder, e.g. <run>/cpcd/<name>
	SocketDir  string        `yaml:"socket_dir"`  // base directory for per-endpoint sockets
	DataDir    string        `yaml:"data_dir"`    // directory for the binding key and other persistent state
	LogLevel   string        `yaml:"log_level"`   // debug, info, warn, error
	LogFormat  string        `yaml:"log_format"`  // text, json
	StatsEvery time.Duration `yaml:"stats_every"` // periodic stats log interval, 0 disables
}

// BusConfig selects and configures the physical transport to the secondary.
type BusConfig struct {
	Type string     `yaml:"type"` // "uart" or "spi"
	UART UARTConfig `yaml:"uart"`
	SPI  SPIConfig  `yaml:"spi"`
}

// UARTConfig mirrors original_source/misc/config.h's uart_* fields.
type UARTConfig struct {
	Device       string `yaml:"device"`
	BaudRate     int    `yaml:"baud_rate"`
	HardwareFlow bool   `yaml:"hardware_flow"`
}

// SPIConfig mirrors original_source/misc/config.h's spi_* fields.
type SPIConfig struct {
	Device  string `yaml:"device"`
	SpeedHz int    `yaml:"speed_hz"`
	Mode    int    `yaml:"mode"`
	IRQChip string `yaml:"irq_chip"`
	IRQPin  int    `yaml:"irq_pin"`
}

// SecurityConfig controls the optional per-endpoint AEAD layer.
type SecurityConfig struct {
	Enabled        bool   `yaml:"enabled"`
	BindingKeyFile string `yaml:"binding_key_file"` // relative to data_dir if not absolute
}

// ARQConfig tunes the sliding-window ARQ engine; zero fields fall back to
// core package defaults.
type ARQConfig struct {
	WindowSize    uint8         `yaml:"window_size"`
	MTU           int           `yaml:"mtu"`
	RTOInitial    time.Duration `yaml:"rto_initial"`
	RTOMax        time.Duration `yaml:"rto_max"`
	MaxRetries    int           `yaml:"max_retries"`
	AckTimerDelay time.Duration `yaml:"ack_timer_delay"`
}

// MetricsConfig controls the optional Prometheus HTTP listener.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Instance: InstanceConfig{
			Name:       "cpcd0",
			SocketDir:  "/run/cpcd",
			DataDir:    "/var/lib/cpcd",
			LogLevel:   "info",
			LogFormat:  "text",
			StatsEvery: 0,
		},
		Bus: BusConfig{
			Type: "uart",
			UART: UARTConfig{
				Device:       "/dev/ttyACM0",
				BaudRate:     115200,
				HardwareFlow: true,
			},
			SPI: SPIConfig{
				SpeedHz: 1_000_000,
				Mode:    0,
			},
		},
		Security: SecurityConfig{
			Enabled:        false,
			BindingKeyFile: "binding-key.token",
		},
		ARQ: ARQConfig{
			WindowSize:    core.DefaultWindow,
			MTU:           framer.DefaultMTU,
			RTOInitial:    core.DefaultRTOInitial,
			RTOMax:        core.DefaultRTOMax,
			MaxRetries:    core.DefaultMaxRetries,
			AckTimerDelay: core.DefaultAckTimerDelay,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: ":9090",
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Instance.Name == "" {
		errs = append(errs, "instance.name is required")
	}
	if c.Instance.SocketDir == "" {
		errs = append(errs, "instance.socket_dir is required")
	}
	if !isValidLogLevel(c.Instance.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, or error)", c.Instance.LogLevel))
	}
	if !isValidLogFormat(c.Instance.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s (must be text or json)", c.Instance.LogFormat))
	}

	switch c.Bus.Type {
	case "uart":
		if c.Bus.UART.Device == "" {
			errs = append(errs, "bus.uart.device is required when bus.type is uart")
		}
		if c.Bus.UART.BaudRate <= 0 {
			errs = append(errs, "bus.uart.baud_rate must be positive")
		}
	case "spi":
		if c.Bus.SPI.Device == "" {
			errs = append(errs, "bus.spi.device is required when bus.type is spi")
		}
		if c.Bus.SPI.IRQChip == "" {
			errs = append(errs, "bus.spi.irq_chip is required when bus.type is spi")
		}
	default:
		errs = append(errs, fmt.Sprintf("invalid bus.type: %s (must be uart or spi)", c.Bus.Type))
	}

	if c.ARQ.WindowSize < core.MinWindow || c.ARQ.WindowSize > core.MaxWindow {
		errs = append(errs, fmt.Sprintf("arq.window_size must be between %d and %d", core.MinWindow, core.MaxWindow))
	}
	if c.ARQ.MTU <= 0 || c.ARQ.MTU > framer.DefaultMTU {
		errs = append(errs, fmt.Sprintf("arq.mtu must be between 1 and %d", framer.DefaultMTU))
	}

	if c.Security.Enabled && c.Security.BindingKeyFile == "" {
		errs = append(errs, "security.binding_key_file is required when security.enabled is true")
	}

	if c.Metrics.Enabled && c.Metrics.Address == "" {
		errs = append(errs, "metrics.address is required when metrics.enabled is true")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

// String returns a YAML representation of the config (safe to log; the
// binding key itself is never stored in this struct, only its file path).
func (c *Config) String() string {
	data, err := yaml.Marshal(c)
	if err != nil {
		return ""
	}
	return string(data)
}
