package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Limits for bridge configuration
const (
	DefaultDebounceMs = 500
	MaxDebounceMs     = 5000
	MinStep           = 1
	MaxStep           = 255
)

// Config represents the application configuration
type Config struct {
	Log             LogConfig         `yaml:"log"`
	Database        DatabaseConfig    `yaml:"database"`
	Ledger          LedgerConfig      `yaml:"ledger"`
	Healthcheck     HealthcheckConfig `yaml:"healthcheck"`
	EventBus        EventBusConfig    `yaml:"eventbus"`
	KNX             KNXConfig         `yaml:"knx"`
	DebounceMs      *int              `yaml:"debounce_ms"` // nil means default (500)
	Bridges         []BridgeConfig    `yaml:"bridges"`
	ShutdownTimeout Duration          `yaml:"shutdown_timeout"` // General shutdown timeout for graceful stops
}

// BridgeConfig describes one step/percent address pair
type BridgeConfig struct {
	Name           string `yaml:"name"`
	StepAddress    string `yaml:"step_address"`
	PercentAddress string `yaml:"percent_address"`
	MaxStep        int    `yaml:"max_step"`
}

// KNXConfig contains the MQTT connection to the KNX gateway
type KNXConfig struct {
	Broker         string   `yaml:"broker"`    // e.g. tcp://localhost:1883
	ClientID       string   `yaml:"client_id"` // generated when empty
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	EventTopic     string   `yaml:"event_topic"` // inbound telegrams (default: knx/event)
	SendTopic      string   `yaml:"send_topic"`  // outbound send requests (default: knx/send)
	QoS            byte     `yaml:"qos"`
	ConnectTimeout Duration `yaml:"connect_timeout"`
}

// DatabaseConfig contains database settings
type DatabaseConfig struct {
	Path string `yaml:"path"` // empty disables the conversion ledger
}

// LogConfig contains logging settings
type LogConfig struct {
	Level   string `yaml:"level"`
	Colors  bool   `yaml:"colors"`
	UseJSON bool   `yaml:"json"`
}

// LedgerConfig contains conversion ledger settings
type LedgerConfig struct {
	CleanupInterval Duration `yaml:"cleanup_interval"`
	RetentionDays   int      `yaml:"retention_days"`
}

// HealthcheckConfig contains health check server settings
type HealthcheckConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// EventBusConfig contains event bus settings
type EventBusConfig struct {
	Workers   int `yaml:"workers"`    // Number of worker goroutines (default: 1, keeps arrival order)
	QueueSize int `yaml:"queue_size"` // Event queue size (default: 100)
}

// GetWorkers returns worker count with default
func (c *EventBusConfig) GetWorkers() int {
	if c.Workers <= 0 {
		return 1
	}
	return c.Workers
}

// GetQueueSize returns queue size with default
func (c *EventBusConfig) GetQueueSize() int {
	if c.QueueSize <= 0 {
		return 100
	}
	return c.QueueSize
}

// Debounce returns the anti-echo window
func (c *Config) Debounce() time.Duration {
	ms := DefaultDebounceMs
	if c.DebounceMs != nil {
		ms = *c.DebounceMs
	}
	return time.Duration(ms) * time.Millisecond
}

// Retention returns how long ledger entries are kept
func (c *LedgerConfig) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// Addr returns the health server listen address
func (c *HealthcheckConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Duration is a wrapper around time.Duration for YAML unmarshalling
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Load reads, parses and validates the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse parses configuration from YAML bytes, applies defaults and validates
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}

	// KNX gateway defaults
	if cfg.KNX.Broker == "" {
		cfg.KNX.Broker = "tcp://localhost:1883"
	}
	if cfg.KNX.EventTopic == "" {
		cfg.KNX.EventTopic = "knx/event"
	}
	if cfg.KNX.SendTopic == "" {
		cfg.KNX.SendTopic = "knx/send"
	}
	if cfg.KNX.ConnectTimeout == 0 {
		cfg.KNX.ConnectTimeout = Duration(10 * time.Second)
	}

	// Ledger defaults
	if cfg.Ledger.CleanupInterval == 0 {
		cfg.Ledger.CleanupInterval = Duration(24 * time.Hour)
	}
	if cfg.Ledger.RetentionDays == 0 {
		cfg.Ledger.RetentionDays = 30
	}

	// Healthcheck defaults
	if cfg.Healthcheck.Port == 0 {
		cfg.Healthcheck.Port = 9090
	}
	if cfg.Healthcheck.Host == "" {
		cfg.Healthcheck.Host = "0.0.0.0"
	}

	// General shutdown timeout
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = Duration(5 * time.Second)
	}
}

// Validate checks the configuration and returns every problem found.
// A config that fails validation must not be used to build bridges.
func (cfg *Config) Validate() error {
	var errs []error

	if cfg.DebounceMs != nil && (*cfg.DebounceMs < 0 || *cfg.DebounceMs > MaxDebounceMs) {
		errs = append(errs, fmt.Errorf("debounce_ms must be in [0, %d], got %d", MaxDebounceMs, *cfg.DebounceMs))
	}
	if cfg.KNX.QoS > 2 {
		errs = append(errs, fmt.Errorf("knx.qos must be 0, 1 or 2, got %d", cfg.KNX.QoS))
	}
	if cfg.KNX.ConnectTimeout < 0 {
		errs = append(errs, fmt.Errorf("knx.connect_timeout must not be negative, got %s", cfg.KNX.ConnectTimeout.Duration()))
	}
	if cfg.ShutdownTimeout < 0 {
		errs = append(errs, fmt.Errorf("shutdown_timeout must not be negative, got %s", cfg.ShutdownTimeout.Duration()))
	}
	if cfg.Ledger.CleanupInterval <= 0 {
		errs = append(errs, fmt.Errorf("ledger.cleanup_interval must be positive, got %s", cfg.Ledger.CleanupInterval.Duration()))
	}
	if cfg.Ledger.RetentionDays < 1 {
		errs = append(errs, fmt.Errorf("ledger.retention_days must be at least 1, got %d", cfg.Ledger.RetentionDays))
	}

	owners := make(map[string]string)
	for i, b := range cfg.Bridges {
		label := fmt.Sprintf("bridges[%d]", i)
		if b.Name != "" {
			label = fmt.Sprintf("bridges[%d] (%s)", i, b.Name)
		}

		if b.Name == "" {
			errs = append(errs, fmt.Errorf("%s: name is required", label))
		}
		if b.StepAddress == "" {
			errs = append(errs, fmt.Errorf("%s: step_address is required", label))
		}
		if b.PercentAddress == "" {
			errs = append(errs, fmt.Errorf("%s: percent_address is required", label))
		}
		if b.MaxStep < MinStep || b.MaxStep > MaxStep {
			errs = append(errs, fmt.Errorf("%s: max_step must be in [%d, %d], got %d", label, MinStep, MaxStep, b.MaxStep))
		}

		for _, addr := range []string{b.StepAddress, b.PercentAddress} {
			if addr == "" {
				continue
			}
			if prev, ok := owners[addr]; ok {
				errs = append(errs, fmt.Errorf("%s: address %q already used by %s", label, addr, prev))
				continue
			}
			owners[addr] = label
		}
	}

	return errors.Join(errs...)
}

// expandEnvVars expands environment variables in the format ${VAR} or ${VAR:default}
func expandEnvVars(input string) string {
	// Match ${VAR} or ${VAR:default}
	re := regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

	return re.ReplaceAllStringFunc(input, func(match string) string {
		parts := re.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := parts[1]
		defaultVal := ""
		if len(parts) >= 3 {
			defaultVal = parts[2]
		}

		if val := os.Getenv(varName); val != "" {
			return val
		}
		return defaultVal
	})
}
