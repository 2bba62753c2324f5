/*
 * oCloudView Gateway
 * Copyright (C) 2025  oCloudView, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package config defines the gateway's single immutable configuration
// value, parsed once at startup from a YAML file or from OVGW_* environment
// variables.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/gravitational/trace"
	"gopkg.in/yaml.v3"

	"github.com/ocloudview/gateway/lib/defaults"
)

// Config enumerates every tunable of the gateway.
type Config struct {
	// ListenAddr is the address the HTTP/websocket listener binds to.
	ListenAddr string `yaml:"listen_addr"`
	// UpstreamURL is the base URL of the oCloudView management API.
	UpstreamURL string `yaml:"upstream_url"`
	// BearerSigningKey signs the bearer tokens the gateway issues.
	BearerSigningKey string `yaml:"bearer_signing_key"`

	// GlobalMaxConnections caps proxied connections across all VMs.
	GlobalMaxConnections int `yaml:"global_max_connections"`
	// PerVMMaxConnections caps proxied connections per VM.
	PerVMMaxConnections int `yaml:"per_vm_max_connections"`

	// ConnectionTimeout is the deadline for one upstream dial attempt.
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
	// MaxRetries is the number of dial retries after the first failure.
	MaxRetries int `yaml:"max_retries"`
	// RetryDelay is the sleep before the first dial retry.
	RetryDelay time.Duration `yaml:"retry_delay"`
	// RetryBackoffMultiplier grows the sleep between retries.
	RetryBackoffMultiplier float64 `yaml:"retry_backoff_multiplier"`

	// HeartbeatInterval is the ping-pong sweep period.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// TCPKeepaliveDisabled turns off keepalive on upstream sockets.
	TCPKeepaliveDisabled bool `yaml:"tcp_keepalive_disabled"`
	// TCPKeepaliveDelay is the TCP keepalive interval.
	TCPKeepaliveDelay time.Duration `yaml:"tcp_keepalive_delay"`

	// BufferMaxSize bounds the pre-dial frame buffer in bytes.
	BufferMaxSize int `yaml:"buffer_max_size"`

	// DisableLegacyTextPassthrough stops forwarding unparseable text
	// frames to the upstream. Old SDK builds need the passthrough.
	DisableLegacyTextPassthrough bool `yaml:"disable_legacy_text_passthrough"`

	// ShutdownTimeout is the hard deadline for graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// Debug enables debug logging.
	Debug bool `yaml:"debug"`
}

// CheckAndSetDefaults checks and sets default values.
func (c *Config) CheckAndSetDefaults() error {
	if c.UpstreamURL == "" {
		return trace.BadParameter("missing upstream_url")
	}
	if c.BearerSigningKey == "" {
		return trace.BadParameter("missing bearer_signing_key")
	}
	if c.ListenAddr == "" {
		c.ListenAddr = defaults.ListenAddr
	}
	if c.GlobalMaxConnections == 0 {
		c.GlobalMaxConnections = defaults.GlobalMaxConnections
	}
	if c.PerVMMaxConnections == 0 {
		c.PerVMMaxConnections = defaults.PerVMMaxConnections
	}
	if c.PerVMMaxConnections < defaults.MinPerVMConnections {
		return trace.BadParameter("per_vm_max_connections %d is below %d, not enough for the SPICE channel set",
			c.PerVMMaxConnections, defaults.MinPerVMConnections)
	}
	if c.ConnectionTimeout == 0 {
		c.ConnectionTimeout = defaults.ConnectionTimeout
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = defaults.MaxRetries
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = defaults.RetryDelay
	}
	if c.RetryBackoffMultiplier == 0 {
		c.RetryBackoffMultiplier = defaults.RetryBackoffMultiplier
	}
	if c.RetryBackoffMultiplier < 1 {
		return trace.BadParameter("retry_backoff_multiplier must be >= 1, got %v", c.RetryBackoffMultiplier)
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if c.TCPKeepaliveDelay == 0 {
		c.TCPKeepaliveDelay = defaults.TCPKeepalivePeriod
	}
	if c.BufferMaxSize == 0 {
		c.BufferMaxSize = defaults.BufferMaxSize
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = defaults.ShutdownTimeout
	}
	return nil
}

// ReadFile parses a YAML configuration file.
func ReadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, trace.BadParameter("parsing %v: %v", path, err)
	}
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &cfg, nil
}

// FromEnv builds a configuration from OVGW_* environment variables.
func FromEnv() (*Config, error) {
	cfg := Config{
		ListenAddr:       os.Getenv("OVGW_LISTEN_ADDR"),
		UpstreamURL:      os.Getenv("OVGW_UPSTREAM_URL"),
		BearerSigningKey: os.Getenv("OVGW_BEARER_SIGNING_KEY"),
	}

	var err error
	if cfg.GlobalMaxConnections, err = envInt("OVGW_GLOBAL_MAX_CONNECTIONS"); err != nil {
		return nil, trace.Wrap(err)
	}
	if cfg.PerVMMaxConnections, err = envInt("OVGW_PER_VM_MAX_CONNECTIONS"); err != nil {
		return nil, trace.Wrap(err)
	}
	if cfg.MaxRetries, err = envInt("OVGW_MAX_RETRIES"); err != nil {
		return nil, trace.Wrap(err)
	}
	if cfg.BufferMaxSize, err = envInt("OVGW_BUFFER_MAX_SIZE"); err != nil {
		return nil, trace.Wrap(err)
	}
	if cfg.ConnectionTimeout, err = envDuration("OVGW_CONNECTION_TIMEOUT"); err != nil {
		return nil, trace.Wrap(err)
	}
	if cfg.RetryDelay, err = envDuration("OVGW_RETRY_DELAY"); err != nil {
		return nil, trace.Wrap(err)
	}
	if cfg.HeartbeatInterval, err = envDuration("OVGW_HEARTBEAT_INTERVAL"); err != nil {
		return nil, trace.Wrap(err)
	}
	if cfg.TCPKeepaliveDelay, err = envDuration("OVGW_TCP_KEEPALIVE_DELAY"); err != nil {
		return nil, trace.Wrap(err)
	}
	if cfg.ShutdownTimeout, err = envDuration("OVGW_SHUTDOWN_TIMEOUT"); err != nil {
		return nil, trace.Wrap(err)
	}
	if cfg.RetryBackoffMultiplier, err = envFloat("OVGW_RETRY_BACKOFF_MULTIPLIER"); err != nil {
		return nil, trace.Wrap(err)
	}
	cfg.TCPKeepaliveDisabled = envBool("OVGW_TCP_KEEPALIVE_DISABLED")
	cfg.DisableLegacyTextPassthrough = envBool("OVGW_DISABLE_LEGACY_TEXT_PASSTHROUGH")
	cfg.Debug = envBool("OVGW_DEBUG")

	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &cfg, nil
}

func envInt(name string) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, trace.BadParameter("%v: expected integer, got %q", name, v)
	}
	return n, nil
}

func envDuration(name string) (time.Duration, error) {
	v := os.Getenv(name)
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, trace.BadParameter("%v: expected duration, got %q", name, v)
	}
	return d, nil
}

func envFloat(name string) (float64, error) {
	v := os.Getenv(name)
	if v == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, trace.BadParameter("%v: expected number, got %q", name, v)
	}
	return f, nil
}

func envBool(name string) bool {
	v, err := strconv.ParseBool(os.Getenv(name))
	return err == nil && v
}
