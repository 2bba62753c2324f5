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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ocloudview/gateway/lib/defaults"
)

func TestReadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen_addr: "127.0.0.1:9443"
upstream_url: "https://mgmt:9443"
bearer_signing_key: "k"
per_vm_max_connections: 20
retry_delay: 500ms
heartbeat_interval: 10s
debug: true
`), 0o600))

	cfg, err := ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9443", cfg.ListenAddr)
	require.Equal(t, "https://mgmt:9443", cfg.UpstreamURL)
	require.Equal(t, 20, cfg.PerVMMaxConnections)
	require.Equal(t, 500*time.Millisecond, cfg.RetryDelay)
	require.Equal(t, 10*time.Second, cfg.HeartbeatInterval)
	require.True(t, cfg.Debug)

	// Unset fields pick up defaults.
	require.Equal(t, defaults.GlobalMaxConnections, cfg.GlobalMaxConnections)
	require.Equal(t, defaults.ConnectionTimeout, cfg.ConnectionTimeout)
	require.Equal(t, defaults.BufferMaxSize, cfg.BufferMaxSize)
}

func TestReadFileMissing(t *testing.T) {
	_, err := ReadFile(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestCheckAndSetDefaults(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:   "minimal valid",
			mutate: func(*Config) {},
		},
		{
			name:    "missing upstream",
			mutate:  func(c *Config) { c.UpstreamURL = "" },
			wantErr: true,
		},
		{
			name:    "missing signing key",
			mutate:  func(c *Config) { c.BearerSigningKey = "" },
			wantErr: true,
		},
		{
			name:    "per-vm cap below spice channel set",
			mutate:  func(c *Config) { c.PerVMMaxConnections = 5 },
			wantErr: true,
		},
		{
			name:    "shrinking backoff",
			mutate:  func(c *Config) { c.RetryBackoffMultiplier = 0.5 },
			wantErr: true,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Config{
				UpstreamURL:      "https://mgmt:9443",
				BearerSigningKey: "k",
			}
			tc.mutate(&cfg)
			err := cfg.CheckAndSetDefaults()
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, defaults.ListenAddr, cfg.ListenAddr)
			require.Equal(t, defaults.MaxRetries, cfg.MaxRetries)
			require.Equal(t, defaults.ShutdownTimeout, cfg.ShutdownTimeout)
		})
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv("OVGW_LISTEN_ADDR", "127.0.0.1:9000")
	t.Setenv("OVGW_UPSTREAM_URL", "https://mgmt:9443")
	t.Setenv("OVGW_BEARER_SIGNING_KEY", "k")
	t.Setenv("OVGW_PER_VM_MAX_CONNECTIONS", "25")
	t.Setenv("OVGW_RETRY_DELAY", "2s")
	t.Setenv("OVGW_TCP_KEEPALIVE_DISABLED", "true")
	t.Setenv("OVGW_DEBUG", "1")

	cfg, err := FromEnv()
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9000", cfg.ListenAddr)
	require.Equal(t, 25, cfg.PerVMMaxConnections)
	require.Equal(t, 2*time.Second, cfg.RetryDelay)
	require.True(t, cfg.TCPKeepaliveDisabled)
	require.True(t, cfg.Debug)
}

func TestFromEnvRejectsGarbage(t *testing.T) {
	t.Setenv("OVGW_UPSTREAM_URL", "https://mgmt:9443")
	t.Setenv("OVGW_BEARER_SIGNING_KEY", "k")
	t.Setenv("OVGW_MAX_RETRIES", "three")

	_, err := FromEnv()
	require.Error(t, err)
}
