// =============================================================================
// fire-box configuration loader
// =============================================================================
// Unified config loading: defaults -> YAML file -> environment overrides
// (env prefix FIREBOX), mirroring the loader pattern this codebase uses
// throughout.
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is fire-box's full configuration.
type Config struct {
	Log     LogConfig     `yaml:"log" env:"LOG"`
	Store   StoreConfig   `yaml:"store" env:"STORE"`
	HTTP    HTTPConfig    `yaml:"http" env:"HTTP"`
	IPC     IPCConfig     `yaml:"ipc" env:"IPC"`
	OAuth     OAuthConfig     `yaml:"oauth" env:"OAUTH"`
	Metrics   MetricsConfig   `yaml:"metrics" env:"METRICS"`
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// LogConfig controls zap logger construction.
type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`   // debug, info, warn, error
	Format string `yaml:"format" env:"FORMAT"` // json, console
}

// StoreConfig controls where the encrypted profile store lives.
type StoreConfig struct {
	Dir string `yaml:"dir" env:"DIR"` // defaults to the OS config dir
}

// HTTPConfig bounds outbound provider HTTP calls.
type HTTPConfig struct {
	CompletionTimeout time.Duration `yaml:"completion_timeout" env:"COMPLETION_TIMEOUT"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout" env:"CONNECT_TIMEOUT"`
}

// IPCConfig controls the websocket IPC listener.
type IPCConfig struct {
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR"`
}

// OAuthConfig bounds device-flow polling.
type OAuthConfig struct {
	PollTimeout time.Duration `yaml:"poll_timeout" env:"POLL_TIMEOUT"`
}

// MetricsConfig controls the periodic Prometheus/OTel mirroring interval and
// the standalone scrape listener.
type MetricsConfig struct {
	ExportInterval time.Duration `yaml:"export_interval" env:"EXPORT_INTERVAL"`
	BindAddr       string        `yaml:"bind_addr" env:"BIND_ADDR"`
}

// TelemetryConfig controls OTel span/metric export. When Enabled is false,
// Init returns noop providers and never dials an OTLP collector.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	ServiceName  string  `yaml:"service_name" env:"SERVICE_NAME"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	SampleRate   float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// DefaultConfig returns fire-box's baseline configuration.
func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Store: StoreConfig{
			Dir: "",
		},
		HTTP: HTTPConfig{
			CompletionTimeout: 120 * time.Second,
			ConnectTimeout:    10 * time.Second,
		},
		IPC: IPCConfig{
			BindAddr: "127.0.0.1:8765",
		},
		OAuth: OAuthConfig{
			PollTimeout: 30 * time.Second,
		},
		Metrics: MetricsConfig{
			ExportInterval: 15 * time.Second,
			BindAddr:       "127.0.0.1:9090",
		},
		Telemetry: TelemetryConfig{
			Enabled:      false,
			ServiceName:  "fire-box",
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
		},
	}
}

// Loader builds a Config from defaults, an optional YAML file, and
// environment overrides, in that priority order.
type Loader struct {
	configPath string
	envPrefix  string
}

// NewLoader returns a Loader with the default env prefix "FIREBOX".
func NewLoader() *Loader {
	return &Loader{envPrefix: "FIREBOX"}
}

// WithConfigPath sets an optional YAML config file path.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix overrides the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// Load builds the final Config: defaults, then YAML file (if configured and
// present), then environment overrides.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("load config from env: %w", err)
	}

	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

func (l *Loader) loadFromEnv(cfg *Config) error {
	return setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

func setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}
		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("set %s: %w", envKey, err)
		}
	}
	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}
	return nil
}
