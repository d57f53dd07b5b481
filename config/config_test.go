// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Server.HTTPAddr != ":8080" {
		t.Errorf("expected default HTTP addr :8080, got %s", cfg.Server.HTTPAddr)
	}
	if cfg.Inbound.GraceDelay != 3*time.Second {
		t.Errorf("expected grace delay 3s, got %v", cfg.Inbound.GraceDelay)
	}
	if cfg.Broadcast.Timeout != 60*time.Second {
		t.Errorf("expected broadcast timeout 60s, got %v", cfg.Broadcast.Timeout)
	}
	if cfg.Storage.Type != "badger" {
		t.Errorf("expected badger storage, got %s", cfg.Storage.Type)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("expected log level info, got %s", cfg.Log.Level)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "default config is valid",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name: "empty http addr",
			modify: func(c *Config) {
				c.Server.HTTPAddr = ""
			},
			wantErr: true,
		},
		{
			name: "negative ingress rate",
			modify: func(c *Config) {
				c.Server.IngressRateLimit.Rate = -1
			},
			wantErr: true,
		},
		{
			name: "ingress rate without burst",
			modify: func(c *Config) {
				c.Server.IngressRateLimit = RateLimitConfig{Rate: 10}
			},
			wantErr: true,
		},
		{
			name: "negative grace delay",
			modify: func(c *Config) {
				c.Inbound.GraceDelay = -time.Second
			},
			wantErr: true,
		},
		{
			name: "zero payload size",
			modify: func(c *Config) {
				c.Inbound.MaxPayloadSize = 0
			},
			wantErr: true,
		},
		{
			name: "broadcast timeout too short",
			modify: func(c *Config) {
				c.Broadcast.Timeout = 100 * time.Millisecond
			},
			wantErr: true,
		},
		{
			name: "unnamed filter candidate",
			modify: func(c *Config) {
				c.Filter.Carrier = []FilterCandidate{{Enabled: true}}
			},
			wantErr: true,
		},
		{
			name: "invalid log level",
			modify: func(c *Config) {
				c.Log.Level = "invalid"
			},
			wantErr: true,
		},
		{
			name: "invalid log format",
			modify: func(c *Config) {
				c.Log.Format = "xml"
			},
			wantErr: true,
		},
		{
			name: "invalid storage type",
			modify: func(c *Config) {
				c.Storage.Type = "sqlite"
			},
			wantErr: true,
		},
		{
			name: "badger without dir",
			modify: func(c *Config) {
				c.Storage.BadgerDir = ""
			},
			wantErr: true,
		},
		{
			name: "webhook endpoint without url",
			modify: func(c *Config) {
				c.Consumers.Webhook.Enabled = true
				c.Consumers.Webhook.Endpoints = []WebhookEndpoint{{Name: "sink"}}
			},
			wantErr: true,
		},
		{
			name: "valid webhook endpoint",
			modify: func(c *Config) {
				c.Consumers.Webhook.Enabled = true
				c.Consumers.Webhook.Endpoints = []WebhookEndpoint{{Name: "sink", URL: "http://localhost:9000"}}
			},
			wantErr: false,
		},
		{
			name: "duplicate webhook endpoint names",
			modify: func(c *Config) {
				c.Consumers.Webhook.Enabled = true
				c.Consumers.Webhook.Endpoints = []WebhookEndpoint{
					{Name: "hook", URL: "http://localhost:9000"},
					{Name: "hook", URL: "http://localhost:9001"},
				}
			},
			wantErr: true,
		},
		{
			name: "mqtt name clashes with webhook endpoint",
			modify: func(c *Config) {
				c.Consumers.Webhook.Enabled = true
				c.Consumers.Webhook.Endpoints = []WebhookEndpoint{{Name: "mqtt", URL: "http://localhost:9000"}}
				c.Consumers.MQTT.Enabled = true
			},
			wantErr: true,
		},
		{
			name: "mqtt without broker",
			modify: func(c *Config) {
				c.Consumers.MQTT.Enabled = true
				c.Consumers.MQTT.Broker = ""
			},
			wantErr: true,
		},
		{
			name: "trace sample rate out of range",
			modify: func(c *Config) {
				c.Server.MetricsEnabled = true
				c.Server.OtelTraceSampleRate = 1.5
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
inbound:
  grace_delay: 500ms
  strict: true
broadcast:
  default_handler: sink
storage:
  type: memory
`)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 500*time.Millisecond, cfg.Inbound.GraceDelay)
	assert.True(t, cfg.Inbound.Strict)
	assert.Equal(t, "sink", cfg.Broadcast.DefaultHandler)
	assert.Equal(t, "memory", cfg.Storage.Type)
	assert.Equal(t, ":8080", cfg.Server.HTTPAddr)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := Default()
	cfg.Broadcast.DefaultHandler = "sink"
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sink", loaded.Broadcast.DefaultHandler)
}
