/*
 * Copyright (c) 2025, WSO2 LLC. (https://www.wso2.com).
 *
 * WSO2 LLC. licenses this file to you under the Apache License,
 * Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.
 * You may obtain a copy of the License at
 *
 * http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing,
 * software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
 * KIND, either express or implied.  See the License for the
 * specific language governing permissions and limitations
 * under the License.
 */

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	toml "github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	// EnvPrefix is the prefix for environment variables used to configure the service control engine
	EnvPrefix = "APIP_SC_"

	// DefaultExtProcSocket is the Unix socket used when the server runs in uds mode
	DefaultExtProcSocket = "/var/run/api-platform/service-control.sock"
)

type Config struct {
	ServiceControl ServiceControl `koanf:"service_control"`
	TracingConfig  TracingConfig  `koanf:"tracing"`
}

// ServiceControl represents the complete service control engine configuration
type ServiceControl struct {
	Server        ServerConfig        `koanf:"server"`
	Admin         AdminConfig         `koanf:"admin"`
	Metrics       MetricsConfig       `koanf:"metrics"`
	ServiceConfig ServiceConfigConfig `koanf:"service_config"`
	Call          CallConfig          `koanf:"call"`
	Report        ReportConfig        `koanf:"report"`
	Logging       LoggingConfig       `koanf:"logging"`

	TracingServiceName string `koanf:"tracing_service_name"`
}

// MetricsConfig holds Prometheus metrics server configuration
type MetricsConfig struct {
	// Enabled indicates whether the metrics server should be started
	Enabled bool `koanf:"enabled"`

	// Port is the port for the metrics HTTP server
	Port int `koanf:"port"`
}

// TracingConfig holds OpenTelemetry tracing configuration
type TracingConfig struct {
	// Enabled toggles tracing on/off
	Enabled bool `koanf:"enabled"`

	// Endpoint is the OTLP gRPC endpoint (host:port)
	Endpoint string `koanf:"endpoint"`

	// Insecure indicates whether to use an insecure connection (no TLS)
	Insecure bool `koanf:"insecure"`

	// ServiceVersion is the service version reported to the tracing backend
	ServiceVersion string `koanf:"service_version"`

	// BatchTimeout is the export batch timeout
	BatchTimeout time.Duration `koanf:"batch_timeout"`

	// MaxExportBatchSize is the maximum batch size for exports
	MaxExportBatchSize int `koanf:"max_export_batch_size"`

	// SamplingRate is the ratio of requests to sample (0.0 to 1.0)
	SamplingRate float64 `koanf:"sampling_rate"`
}

// ServerConfig holds ext_proc server configuration
type ServerConfig struct {
	// Mode is the connection mode: "uds" (default) or "tcp"
	Mode string `koanf:"mode"`

	// ExtProcPort is the port for the ext_proc gRPC server (TCP mode only)
	ExtProcPort int `koanf:"extproc_port"`

	// ExtProcSocket is the Unix socket path (UDS mode only)
	ExtProcSocket string `koanf:"extproc_socket"`
}

// AdminConfig holds admin HTTP server configuration
type AdminConfig struct {
	// Enabled indicates whether the admin server should be started
	Enabled bool `koanf:"enabled"`

	// Port is the port for the admin HTTP server
	Port int `koanf:"port"`

	// AllowedIPs is a list of IP addresses allowed to access the admin API
	AllowedIPs []string `koanf:"allowed_ips"`
}

// ServiceConfigConfig points at the YAML file holding services and operations
type ServiceConfigConfig struct {
	Path string `koanf:"path"`
}

// CallConfig holds timeouts for the outbound service control calls
type CallConfig struct {
	// CheckTimeout bounds a single :check call
	CheckTimeout time.Duration `koanf:"check_timeout"`

	// ReportTimeout bounds a single :report call
	ReportTimeout time.Duration `koanf:"report_timeout"`

	// TokenFetchTimeout bounds all attempts of one token fetch, retries included
	TokenFetchTimeout time.Duration `koanf:"token_fetch_timeout"`

	// TokenInitialBackoff is the first delay between token fetch attempts
	TokenInitialBackoff time.Duration `koanf:"token_initial_backoff"`
}

// ReportConfig controls report contents and shutdown
type ReportConfig struct {
	// LogRequestHeaders names request headers copied into the report log entry
	LogRequestHeaders []string `koanf:"log_request_headers"`

	// LogResponseHeaders names response headers copied into the report log entry
	LogResponseHeaders []string `koanf:"log_response_headers"`

	// DrainTimeout bounds how long shutdown waits for in-flight reports
	DrainTimeout time.Duration `koanf:"drain_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	// Level can be "debug", "info", "warn", "error"
	Level string `koanf:"level"`

	// Format can be "json" or "text"
	Format string `koanf:"format"`
}

// Load loads configuration from file, environment variables, and defaults
// Priority: Environment variables > Config file > Defaults
func Load(configPath string) (*Config, error) {
	cfg := defaultConfig()

	k := koanf.New(".")

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	// Double underscores (__) preserve literal underscores in field names
	if err := k.Load(env.Provider(EnvPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{
		DecoderConfig: &mapstructure.DecoderConfig{
			TagName:          "koanf",
			WeaklyTypedInput: true,
			Result:           cfg,
			DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		},
	}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// envKeyMapper maps APIP_SC_SERVICE__CONTROL_CALL_CHECK__TIMEOUT to service_control.call.check_timeout
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, EnvPrefix)
	s = strings.ToLower(s)

	s = strings.ReplaceAll(s, "__", "%UNDERSCORE%")
	s = strings.ReplaceAll(s, "_", ".")
	s = strings.ReplaceAll(s, "%UNDERSCORE%", "_")
	return s
}

// defaultConfig returns a Config struct with default configuration values
func defaultConfig() *Config {
	return &Config{
		ServiceControl: ServiceControl{
			Server: ServerConfig{
				Mode:          "",
				ExtProcPort:   9001,
				ExtProcSocket: DefaultExtProcSocket,
			},
			Admin: AdminConfig{
				Enabled:    true,
				Port:       9002,
				AllowedIPs: []string{"127.0.0.1", "::1"},
			},
			Metrics: MetricsConfig{
				Enabled: false,
				Port:    9003,
			},
			ServiceConfig: ServiceConfigConfig{
				Path: "",
			},
			Call: CallConfig{
				CheckTimeout:        5 * time.Second,
				ReportTimeout:       10 * time.Second,
				TokenFetchTimeout:   10 * time.Second,
				TokenInitialBackoff: 100 * time.Millisecond,
			},
			Report: ReportConfig{
				DrainTimeout: 5 * time.Second,
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "text",
			},
			TracingServiceName: "service-control",
		},
		TracingConfig: TracingConfig{
			Enabled:            false,
			Endpoint:           "otel-collector:4317",
			Insecure:           true,
			ServiceVersion:     "1.0.0",
			BatchTimeout:       1 * time.Second,
			MaxExportBatchSize: 512,
			SamplingRate:       1.0,
		},
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	sc := &c.ServiceControl

	switch sc.Server.Mode {
	case "uds", "":
		if sc.Server.ExtProcSocket == "" {
			return fmt.Errorf("server.extproc_socket is required in uds mode")
		}
	case "tcp":
		if sc.Server.ExtProcPort <= 0 || sc.Server.ExtProcPort > 65535 {
			return fmt.Errorf("invalid extproc_port: %d (must be 1-65535)", sc.Server.ExtProcPort)
		}
	default:
		return fmt.Errorf("server.mode must be 'uds' or 'tcp', got: %s", sc.Server.Mode)
	}

	if sc.Admin.Enabled {
		if sc.Admin.Port <= 0 || sc.Admin.Port > 65535 {
			return fmt.Errorf("invalid admin.port: %d (must be 1-65535)", sc.Admin.Port)
		}
		if sc.Server.Mode == "tcp" && sc.Admin.Port == sc.Server.ExtProcPort {
			return fmt.Errorf("admin.port cannot be same as server.extproc_port")
		}
		if len(sc.Admin.AllowedIPs) == 0 {
			return fmt.Errorf("admin.allowed_ips cannot be empty when admin is enabled")
		}
	}

	if sc.Metrics.Enabled {
		if sc.Metrics.Port <= 0 || sc.Metrics.Port > 65535 {
			return fmt.Errorf("invalid metrics.port: %d (must be 1-65535)", sc.Metrics.Port)
		}
		if sc.Server.Mode == "tcp" && sc.Metrics.Port == sc.Server.ExtProcPort {
			return fmt.Errorf("metrics.port cannot be same as server.extproc_port")
		}
		if sc.Admin.Enabled && sc.Metrics.Port == sc.Admin.Port {
			return fmt.Errorf("metrics.port cannot be same as admin.port")
		}
	}

	if sc.ServiceConfig.Path == "" {
		return fmt.Errorf("service_config.path is required")
	}

	if sc.Call.CheckTimeout <= 0 {
		return fmt.Errorf("call.check_timeout must be positive")
	}
	if sc.Call.ReportTimeout <= 0 {
		return fmt.Errorf("call.report_timeout must be positive")
	}
	if sc.Call.TokenFetchTimeout <= 0 {
		return fmt.Errorf("call.token_fetch_timeout must be positive")
	}
	if sc.Call.TokenInitialBackoff <= 0 || sc.Call.TokenInitialBackoff > sc.Call.TokenFetchTimeout {
		return fmt.Errorf("call.token_initial_backoff must be positive and not exceed call.token_fetch_timeout")
	}

	if sc.Report.DrainTimeout <= 0 {
		return fmt.Errorf("report.drain_timeout must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[sc.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", sc.Logging.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[sc.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", sc.Logging.Format)
	}

	if c.TracingConfig.Enabled {
		if c.TracingConfig.Endpoint == "" {
			return fmt.Errorf("tracing.endpoint is required when tracing is enabled")
		}
		if c.TracingConfig.BatchTimeout <= 0 {
			return fmt.Errorf("tracing.batch_timeout must be positive")
		}
		if c.TracingConfig.MaxExportBatchSize <= 0 {
			return fmt.Errorf("tracing.max_export_batch_size must be positive")
		}
		if c.TracingConfig.SamplingRate <= 0.0 || c.TracingConfig.SamplingRate > 1.0 {
			return fmt.Errorf("tracing.sampling_rate must be > 0.0 and <= 1.0, got %f", c.TracingConfig.SamplingRate)
		}
	}

	return nil
}
