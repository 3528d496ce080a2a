package ampycorr

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// envPrefix namespaces environment variables: AMPY_INSTRUMENTATION_KEY, ...
const envPrefix = "AMPY"

type Config struct {
	ServiceName    string `envconfig:"SERVICE_NAME" yaml:"service_name"`
	ServiceVersion string `envconfig:"SERVICE_VERSION" yaml:"service_version"`
	Environment    string `envconfig:"ENVIRONMENT" default:"dev" yaml:"environment"` // dev | paper | prod
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info" yaml:"log_level"`

	// Export of finished records as OTLP spans.
	EnableTracing bool    `envconfig:"ENABLE_TRACING" yaml:"enable_tracing"`
	CollectorGRPC string  `envconfig:"COLLECTOR_GRPC" default:"127.0.0.1:4317" yaml:"collector_grpc"`
	SampleRatio   float64 `envconfig:"SAMPLE_RATIO" default:"1" yaml:"sample_ratio"`

	InstrumentationKey string `envconfig:"INSTRUMENTATION_KEY" yaml:"instrumentation_key"`
	// ProfileQueryEndpoint serves /api/profiles/{key}/appId. Empty disables
	// correlation-id lookups and cross-component classification.
	ProfileQueryEndpoint      string        `envconfig:"PROFILE_QUERY_ENDPOINT" yaml:"profile_query_endpoint"`
	CorrelationIDFetchTimeout time.Duration `envconfig:"CORRELATION_ID_FETCH_TIMEOUT" default:"10s" yaml:"correlation_id_fetch_timeout"`

	SetComponentCorrelationHeaders bool     `envconfig:"SET_COMPONENT_CORRELATION_HEADERS" default:"true" yaml:"set_component_correlation_headers"`
	ExcludedDomains                []string `envconfig:"EXCLUDED_DOMAINS" default:"core.windows.net,core.chinacloudapi.cn,core.cloudapi.de,core.usgovcloudapi.net" yaml:"excluded_domains"`
	PreferLegacyFormat             bool     `envconfig:"PREFER_LEGACY_FORMAT" yaml:"prefer_legacy_format"`

	MaxCorrelationIDLength int `envconfig:"MAX_CORRELATION_ID_LENGTH" default:"50" yaml:"max_correlation_id_length"`
	MaxBaggageItems        int `envconfig:"MAX_BAGGAGE_ITEMS" default:"180" yaml:"max_baggage_items"`
	MaxBaggageLength       int `envconfig:"MAX_BAGGAGE_LENGTH" default:"8192" yaml:"max_baggage_length"`
	MaxRequestIDLength     int `envconfig:"MAX_REQUEST_ID_LENGTH" default:"1024" yaml:"max_request_id_length"`

	// PendingCallTimeout > 0 periodically drops started calls that never
	// stopped. Zero keeps them until their stop arrives.
	PendingCallTimeout time.Duration `envconfig:"PENDING_CALL_TIMEOUT" yaml:"pending_call_timeout"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Environment:                    "dev",
		LogLevel:                       "info",
		CollectorGRPC:                  "127.0.0.1:4317",
		SampleRatio:                    1,
		CorrelationIDFetchTimeout:      DefaultCorrelationIDFetchTimeout,
		SetComponentCorrelationHeaders: true,
		ExcludedDomains:                append([]string(nil), DefaultExcludedDomains...),
		MaxCorrelationIDLength:         DefaultMaxCorrelationIDLength,
		MaxBaggageItems:                DefaultMaxBaggageItems,
		MaxBaggageLength:               DefaultMaxBaggageLength,
		MaxRequestIDLength:             DefaultMaxRequestIDLength,
	}
}

// LoadConfig reads AMPY_* environment variables.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// LoadConfigFile reads a YAML file on top of Default.
func LoadConfigFile(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// applyDefaults fills zero limits and timeouts. Booleans are taken as given.
func (c *Config) applyDefaults() {
	if c.CollectorGRPC == "" {
		c.CollectorGRPC = "127.0.0.1:4317"
	}
	if c.SampleRatio <= 0 || c.SampleRatio > 1 {
		c.SampleRatio = 1
	}
	if c.CorrelationIDFetchTimeout <= 0 {
		c.CorrelationIDFetchTimeout = DefaultCorrelationIDFetchTimeout
	}
	if c.MaxCorrelationIDLength <= 0 {
		c.MaxCorrelationIDLength = DefaultMaxCorrelationIDLength
	}
	if c.MaxBaggageItems <= 0 {
		c.MaxBaggageItems = DefaultMaxBaggageItems
	}
	if c.MaxBaggageLength <= 0 {
		c.MaxBaggageLength = DefaultMaxBaggageLength
	}
	if c.MaxRequestIDLength <= 0 {
		c.MaxRequestIDLength = DefaultMaxRequestIDLength
	}
}
