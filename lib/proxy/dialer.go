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

package proxy

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/ocloudview/gateway/lib/defaults"
	"github.com/ocloudview/gateway/lib/utils"
)

// DialerConfig holds parameters for the upstream TCP dialer.
type DialerConfig struct {
	// Timeout is the deadline for one dial attempt.
	Timeout time.Duration
	// MaxRetries is the number of retries after the first failed attempt.
	MaxRetries int
	// RetryDelay is the sleep before the first retry.
	RetryDelay time.Duration
	// BackoffMultiplier grows the sleep between consecutive retries.
	BackoffMultiplier float64
	// DisableKeepalive turns off TCP keepalive on established connections.
	DisableKeepalive bool
	// KeepalivePeriod is the TCP keepalive interval.
	KeepalivePeriod time.Duration
	// Clock schedules the retry sleeps.
	Clock clockwork.Clock
	// Log is the logger.
	Log *slog.Logger
}

// CheckAndSetDefaults checks and sets default values.
func (c *DialerConfig) CheckAndSetDefaults() error {
	if c.Timeout == 0 {
		c.Timeout = defaults.ConnectionTimeout
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = defaults.MaxRetries
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = defaults.RetryDelay
	}
	if c.BackoffMultiplier == 0 {
		c.BackoffMultiplier = defaults.RetryBackoffMultiplier
	}
	if c.BackoffMultiplier < 1 {
		return trace.BadParameter("backoff multiplier must be >= 1, got %v", c.BackoffMultiplier)
	}
	if c.KeepalivePeriod == 0 {
		c.KeepalivePeriod = defaults.TCPKeepalivePeriod
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	return nil
}

// Dialer opens TCP connections to display servers with bounded retries and
// exponential backoff. Virtualization hosts are routinely slow to accept
// the SPICE channel fan-out right after a VM starts, so transient failures
// are expected.
type Dialer struct {
	cfg DialerConfig
}

// NewDialer returns a new upstream dialer.
func NewDialer(cfg DialerConfig) (*Dialer, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Dialer{cfg: cfg}, nil
}

// Dial connects to host:port, retrying up to MaxRetries times. On success
// the connection has no deadline (liveness is the heartbeat's job), TCP
// keepalive enabled and Nagle disabled for interactive latency. On
// exhaustion the last dial error is returned.
func (d *Dialer) Dial(ctx context.Context, host string, port int) (net.Conn, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	retry, err := utils.NewExponential(utils.ExponentialConfig{
		Base:       d.cfg.RetryDelay,
		Multiplier: d.cfg.BackoffMultiplier,
		Clock:      d.cfg.Clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	attempts := d.cfg.MaxRetries + 1
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			dialRetriesTotal.Inc()
			select {
			case <-retry.After():
				retry.Inc()
			case <-ctx.Done():
				return nil, trace.Wrap(ctx.Err())
			}
		}

		nd := net.Dialer{Timeout: d.cfg.Timeout}
		conn, err := nd.DialContext(ctx, "tcp", addr)
		if err != nil {
			lastErr = err
			d.cfg.Log.DebugContext(ctx, "Dial attempt failed",
				"addr", addr, "attempt", attempt, "error", err)
			continue
		}

		if tc, ok := conn.(*net.TCPConn); ok {
			tc.SetNoDelay(true)
			if !d.cfg.DisableKeepalive {
				tc.SetKeepAlive(true)
				tc.SetKeepAlivePeriod(d.cfg.KeepalivePeriod)
			}
		}
		return conn, nil
	}

	return nil, trace.ConnectionProblem(lastErr, "failed to connect to %v after %d attempts", addr, attempts)
}
