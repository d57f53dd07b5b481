// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the inbound SMS service.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Inbound   InboundConfig   `yaml:"inbound"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
	Filter    FilterConfig    `yaml:"filter"`
	Consumers ConsumersConfig `yaml:"consumers"`
	Log       LogConfig       `yaml:"log"`
	Storage   StorageConfig   `yaml:"storage"`
}

// ServerConfig holds server-related configuration.
type ServerConfig struct {
	HTTPAddr         string          `yaml:"http_addr"` // transport ingress
	HealthAddr       string          `yaml:"health_addr"`
	MetricsAddr      string          `yaml:"metrics_addr"` // OTLP endpoint
	ShutdownTimeout  time.Duration   `yaml:"shutdown_timeout"`
	HealthEnabled    bool            `yaml:"health_enabled"`
	MetricsEnabled   bool            `yaml:"metrics_enabled"`
	IngressRateLimit RateLimitConfig `yaml:"ingress_rate_limit"` // per remote host

	// OpenTelemetry configuration
	OtelServiceName     string  `yaml:"otel_service_name"`
	OtelServiceVersion  string  `yaml:"otel_service_version"`
	OtelTracesEnabled   bool    `yaml:"otel_traces_enabled"`
	OtelMetricsEnabled  bool    `yaml:"otel_metrics_enabled"`
	OtelTraceSampleRate float64 `yaml:"otel_trace_sample_rate"` // 0.0 to 1.0
}

// InboundConfig holds delivery coordinator settings.
type InboundConfig struct {
	// Guard release delay after the coordinator becomes idle.
	GraceDelay time.Duration `yaml:"grace_delay"`

	// Maximum payload size of a single segment in bytes.
	MaxPayloadSize int `yaml:"max_payload_size"`

	// Strict makes unexpected events fatal. Development builds only.
	Strict bool `yaml:"strict"`

	// Number of processed events kept for the strict-mode dump.
	HistorySize int `yaml:"history_size"`

	// SMPP optional parameter tag carrying the SMSC receive time. Zero
	// leaves deliver_sm timestamps unset.
	SMPPTimestampTag uint16 `yaml:"smpp_timestamp_tag"`
}

// BroadcastConfig holds ordered broadcast settings.
type BroadcastConfig struct {
	// Overall budget for all consumers of one message.
	Timeout time.Duration `yaml:"timeout"`

	// Sessions slower than this are logged as consumer misbehaviour.
	SlowThreshold time.Duration `yaml:"slow_threshold"`

	// Name of the consumer notified before all others.
	DefaultHandler string `yaml:"default_handler"`
}

// FilterConfig lists the candidate filtering gateways per stage. A stage is
// only active when exactly one of its candidates is enabled.
type FilterConfig struct {
	Carrier []FilterCandidate `yaml:"carrier"`
	System  []FilterCandidate `yaml:"system"`
}

// FilterCandidate is a blocklist-based filtering gateway.
type FilterCandidate struct {
	Name      string   `yaml:"name"`
	Enabled   bool     `yaml:"enabled"`
	Addresses []string `yaml:"addresses"` // originating addresses to drop
	Ports     []int    `yaml:"ports"`     // destination ports to drop
}

// ConsumersConfig holds downstream consumer configuration.
type ConsumersConfig struct {
	Webhook WebhookConfig `yaml:"webhook"`
	MQTT    MQTTConfig    `yaml:"mqtt"`
}

// WebhookConfig holds webhook consumer configuration.
type WebhookConfig struct {
	Enabled        bool              `yaml:"enabled"`
	IncludePayload bool              `yaml:"include_payload"` // Include payloads in events
	Defaults       WebhookDefaults   `yaml:"defaults"`
	Endpoints      []WebhookEndpoint `yaml:"endpoints"`
}

// WebhookDefaults holds default settings for webhook endpoints.
type WebhookDefaults struct {
	Timeout        time.Duration        `yaml:"timeout"`
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
}

// RetryConfig holds retry configuration for webhook delivery.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
}

// CircuitBreakerConfig holds circuit breaker configuration.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// RateLimitConfig bounds requests per endpoint. Zero rate disables it.
type RateLimitConfig struct {
	Rate  float64 `yaml:"rate"` // requests per second
	Burst int     `yaml:"burst"`
}

// WebhookEndpoint defines a single webhook endpoint configuration.
type WebhookEndpoint struct {
	Name     string            `yaml:"name"`
	URL      string            `yaml:"url"`
	TextOnly bool              `yaml:"text_only"` // Skip port-addressed messages
	Ports    []int             `yaml:"ports"`     // Only these ports (empty = all)
	Headers  map[string]string `yaml:"headers"`
	Timeout  time.Duration     `yaml:"timeout,omitempty"` // Override default
	Retry    *RetryConfig      `yaml:"retry,omitempty"`   // Override default
}

// MQTTConfig holds the MQTT bridge consumer configuration.
type MQTTConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Name           string        `yaml:"name"`
	Broker         string        `yaml:"broker"` // e.g. tcp://localhost:1883
	ClientID       string        `yaml:"client_id"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	TopicPrefix    string        `yaml:"topic_prefix"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// StorageConfig holds storage backend configuration.
type StorageConfig struct {
	Type string `yaml:"type"` // memory, badger

	// BadgerDB settings
	BadgerDir string `yaml:"badger_dir"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr:        ":8080",
			HealthAddr:      ":8081",
			HealthEnabled:   true,
			MetricsAddr:     "localhost:4317",
			MetricsEnabled:  false,
			ShutdownTimeout: 30 * time.Second,

			IngressRateLimit: RateLimitConfig{
				Rate:  100,
				Burst: 200,
			},

			OtelServiceName:     "smsinbound",
			OtelServiceVersion:  "1.0.0",
			OtelMetricsEnabled:  true,
			OtelTracesEnabled:   false,
			OtelTraceSampleRate: 0.1,
		},
		Inbound: InboundConfig{
			GraceDelay:     3 * time.Second,
			MaxPayloadSize: 256,
			Strict:         false,
			HistorySize:    32,
		},
		Broadcast: BroadcastConfig{
			Timeout:        60 * time.Second,
			SlowThreshold:  30 * time.Second,
			DefaultHandler: "",
		},
		Consumers: ConsumersConfig{
			Webhook: WebhookConfig{
				Enabled:        false,
				IncludePayload: true,
				Defaults: WebhookDefaults{
					Timeout: 5 * time.Second,
					Retry: RetryConfig{
						MaxAttempts:     3,
						InitialInterval: 1 * time.Second,
						MaxInterval:     10 * time.Second,
						Multiplier:      2.0,
					},
					CircuitBreaker: CircuitBreakerConfig{
						FailureThreshold: 5,
						ResetTimeout:     60 * time.Second,
					},
				},
				Endpoints: []WebhookEndpoint{},
			},
			MQTT: MQTTConfig{
				Enabled:        false,
				Name:           "mqtt",
				Broker:         "tcp://localhost:1883",
				ClientID:       "smsinbound",
				TopicPrefix:    "sms/inbound",
				ConnectTimeout: 10 * time.Second,
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Storage: StorageConfig{
			Type:      "badger",
			BadgerDir: "/tmp/smsinbound/data",
		},
	}
}

// Load loads configuration from a YAML file.
// If the file doesn't exist, returns default configuration.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr cannot be empty")
	}
	if c.Server.HealthEnabled && c.Server.HealthAddr == "" {
		return fmt.Errorf("server.health_addr required when health is enabled")
	}

	if c.Server.IngressRateLimit.Rate < 0 {
		return fmt.Errorf("server.ingress_rate_limit.rate cannot be negative")
	}
	if c.Server.IngressRateLimit.Rate > 0 && c.Server.IngressRateLimit.Burst < 1 {
		return fmt.Errorf("server.ingress_rate_limit.burst must be at least 1")
	}

	if c.Inbound.GraceDelay < 0 {
		return fmt.Errorf("inbound.grace_delay cannot be negative")
	}
	if c.Inbound.MaxPayloadSize < 1 {
		return fmt.Errorf("inbound.max_payload_size must be positive")
	}
	if c.Inbound.HistorySize < 0 {
		return fmt.Errorf("inbound.history_size cannot be negative")
	}

	if c.Broadcast.Timeout < time.Second {
		return fmt.Errorf("broadcast.timeout must be at least 1 second")
	}
	if c.Broadcast.SlowThreshold <= 0 {
		return fmt.Errorf("broadcast.slow_threshold must be positive")
	}

	for i, fc := range append(append([]FilterCandidate{}, c.Filter.Carrier...), c.Filter.System...) {
		if fc.Name == "" {
			return fmt.Errorf("filter candidate %d: name cannot be empty", i)
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	validStorage := map[string]bool{"memory": true, "badger": true}
	if !validStorage[c.Storage.Type] {
		return fmt.Errorf("storage.type must be one of: memory, badger")
	}

	if c.Storage.Type == "badger" && c.Storage.BadgerDir == "" {
		return fmt.Errorf("storage.badger_dir required when type is badger")
	}

	// OpenTelemetry validation (only if metrics enabled)
	if c.Server.MetricsEnabled {
		if c.Server.OtelServiceName == "" {
			return fmt.Errorf("server.otel_service_name cannot be empty when metrics enabled")
		}
		if c.Server.OtelTraceSampleRate < 0.0 || c.Server.OtelTraceSampleRate > 1.0 {
			return fmt.Errorf("server.otel_trace_sample_rate must be between 0.0 and 1.0")
		}
	}

	// Consumer names identify acknowledgements and must be unique.
	names := make(map[string]bool)

	// Webhook validation (only if enabled)
	if c.Consumers.Webhook.Enabled {
		d := c.Consumers.Webhook.Defaults
		if d.Timeout < 100*time.Millisecond {
			return fmt.Errorf("consumers.webhook.defaults.timeout must be at least 100ms")
		}
		if d.Retry.MaxAttempts < 1 {
			return fmt.Errorf("consumers.webhook.defaults.retry.max_attempts must be at least 1")
		}
		if d.Retry.Multiplier < 1.0 {
			return fmt.Errorf("consumers.webhook.defaults.retry.multiplier must be at least 1.0")
		}
		if d.CircuitBreaker.FailureThreshold < 1 {
			return fmt.Errorf("consumers.webhook.defaults.circuit_breaker.failure_threshold must be at least 1")
		}
		if d.RateLimit.Rate < 0 {
			return fmt.Errorf("consumers.webhook.defaults.rate_limit.rate cannot be negative")
		}

		for i, endpoint := range c.Consumers.Webhook.Endpoints {
			if endpoint.Name == "" {
				return fmt.Errorf("consumers.webhook.endpoints[%d].name cannot be empty", i)
			}
			if names[endpoint.Name] {
				return fmt.Errorf("consumers.webhook.endpoints[%d].name %q is not unique", i, endpoint.Name)
			}
			names[endpoint.Name] = true
			if endpoint.URL == "" {
				return fmt.Errorf("consumers.webhook.endpoints[%d].url cannot be empty", i)
			}
		}
	}

	if c.Consumers.MQTT.Enabled {
		if c.Consumers.MQTT.Broker == "" {
			return fmt.Errorf("consumers.mqtt.broker required when mqtt is enabled")
		}
		if c.Consumers.MQTT.TopicPrefix == "" {
			return fmt.Errorf("consumers.mqtt.topic_prefix cannot be empty")
		}
		if c.Consumers.MQTT.Name == "" {
			return fmt.Errorf("consumers.mqtt.name cannot be empty")
		}
		if names[c.Consumers.MQTT.Name] {
			return fmt.Errorf("consumers.mqtt.name %q clashes with a webhook endpoint", c.Consumers.MQTT.Name)
		}
	}

	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
