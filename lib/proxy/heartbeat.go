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
	"log/slog"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/ocloudview/gateway/lib/defaults"
)

// HeartbeatConfig holds parameters for the liveness sweep.
type HeartbeatConfig struct {
	// Interval is the sweep period.
	Interval time.Duration
	// Registry supplies the connections to sweep.
	Registry *Registry
	// Clock schedules the sweeps.
	Clock clockwork.Clock
	// Log is the logger.
	Log *slog.Logger
}

// CheckAndSetDefaults checks and sets default values.
func (c *HeartbeatConfig) CheckAndSetDefaults() error {
	if c.Registry == nil {
		return trace.BadParameter("missing parameter Registry")
	}
	if c.Interval == 0 {
		c.Interval = defaults.HeartbeatInterval
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	return nil
}

// Heartbeat periodically pings every proxied websocket and terminates the
// ones that did not answer the previous ping. A client that misses one full
// interval is reclaimed before the next one completes.
type Heartbeat struct {
	cfg HeartbeatConfig

	stopOnce sync.Once
	done     chan struct{}
}

// NewHeartbeat returns a new heartbeat monitor.
func NewHeartbeat(cfg HeartbeatConfig) (*Heartbeat, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Heartbeat{
		cfg:  cfg,
		done: make(chan struct{}),
	}, nil
}

// Run sweeps until Close is called. Blocks; callers run it in a goroutine.
func (h *Heartbeat) Run() {
	ticker := h.cfg.Clock.NewTicker(h.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			h.sweep()
		case <-h.done:
			return
		}
	}
}

// Close stops the sweep loop. Idempotent.
func (h *Heartbeat) Close() {
	h.stopOnce.Do(func() { close(h.done) })
}

func (h *Heartbeat) sweep() {
	for _, rec := range h.cfg.Registry.records() {
		if !rec.SwapAlive() {
			h.cfg.Log.Info("Terminating unresponsive client",
				"conn", rec.ID, "vm", rec.VMID, "last_activity", rec.LastActivity())
			rec.Terminate()
			continue
		}
		if err := rec.Ping(time.Now().Add(writeTimeout)); err != nil {
			h.cfg.Log.Debug("Ping failed, terminating", "conn", rec.ID, "error", err)
			rec.Terminate()
		}
	}
}
