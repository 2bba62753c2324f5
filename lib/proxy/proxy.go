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

// Package proxy implements the websocket-to-TCP display proxy: target
// resolution, admission control, upstream dialing with retries, the
// bidirectional byte splice, the heartbeat sweep and the connection
// registry.
package proxy

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Protocol identifies the display protocol carried by a proxied connection.
type Protocol string

const (
	// ProtocolVNC is raw RFB over a single TCP connection.
	ProtocolVNC Protocol = "vnc"
	// ProtocolSPICE is SPICE; one TCP connection per channel, many
	// connections per VM.
	ProtocolSPICE Protocol = "spice"
)

// writeTimeout bounds individual websocket control writes (pings, close
// frames, error frames). These are best-effort; a peer that cannot accept a
// control frame within this window is effectively gone.
const writeTimeout = 10 * time.Second

var (
	openConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ovgw_open_connections",
		Help: "Number of proxied display connections currently open.",
	})
	vmConnections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ovgw_vm_open_connections",
		Help: "Number of proxied display connections currently open, per VM.",
	}, []string{"vm"})
	connectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ovgw_connections_total",
		Help: "Total number of proxied display connections accepted.",
	})
	dialRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ovgw_dial_retries_total",
		Help: "Total number of upstream TCP dial retries.",
	})
	bytesForwarded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ovgw_bytes_forwarded_total",
		Help: "Bytes forwarded through the splice, by direction.",
	}, []string{"direction"})
)
