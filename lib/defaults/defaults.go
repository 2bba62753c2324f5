// oCloudView Gateway
// Copyright (C) 2025 oCloudView, Inc.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package defaults holds the default values for the gateway's tunable
// parameters. Everything here can be overridden through the configuration
// file or environment, see lib/config.
package defaults

import "time"

const (
	// ListenAddr is the address the gateway listens on when none is
	// configured.
	ListenAddr = "0.0.0.0:8443"

	// GlobalMaxConnections caps the number of proxied connections across
	// all VMs in one process.
	GlobalMaxConnections = 100

	// PerVMMaxConnections caps the number of proxied connections sharing a
	// vm id. SPICE opens one TCP connection per channel (display, inputs,
	// cursor, playback, record, usbredir and friends), which needs at
	// least 17 slots, so this must never be configured below that.
	PerVMMaxConnections = 20

	// MinPerVMConnections is the lowest admissible per-VM cap, sized for
	// the full SPICE channel set.
	MinPerVMConnections = 17

	// ConnectionTimeout is the deadline for a single TCP dial attempt to
	// the display server. High-latency virtualization hosts accepting the
	// full SPICE channel fan-out can be slow, hence the generous value.
	ConnectionTimeout = 30 * time.Second

	// MaxRetries is how many times a failed dial is retried. The total
	// number of attempts is MaxRetries+1.
	MaxRetries = 3

	// RetryDelay is the sleep before the first dial retry; subsequent
	// retries back off by RetryBackoffMultiplier.
	RetryDelay = time.Second

	// RetryBackoffMultiplier is the exponential backoff factor between
	// dial retries.
	RetryBackoffMultiplier = 2.0

	// HeartbeatInterval is the period of the ping-pong liveness sweep over
	// all proxied websockets.
	HeartbeatInterval = 30 * time.Second

	// TCPKeepalivePeriod is the TCP keepalive interval enabled on the
	// upstream socket after a successful dial.
	TCPKeepalivePeriod = 60 * time.Second

	// BufferMaxSize bounds the pre-dial frame buffer. SPICE clients send
	// their handshake the moment the websocket opens, before the upstream
	// TCP connection exists; those frames are buffered up to this many
	// bytes. Overflow terminates the connection.
	BufferMaxSize = 1 << 20

	// ShutdownTimeout is the hard deadline for graceful shutdown; once it
	// expires remaining sessions are torn down forcibly.
	ShutdownTimeout = 10 * time.Second

	// SessionBearerTTL is the validity of bearer tokens issued at login.
	SessionBearerTTL = 12 * time.Hour

	// DisplayBearerTTL is the validity of the short-lived bearer handed to
	// the browser display SDK for the websocket upgrade.
	DisplayBearerTTL = time.Hour

	// UpstreamRequestTimeout bounds a single HTTP call to the oCloudView
	// management API.
	UpstreamRequestTimeout = 15 * time.Second

	// WebsocketBufferSize is the read/write buffer size handed to the
	// websocket upgrader.
	WebsocketBufferSize = 4096
)
