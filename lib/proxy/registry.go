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
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"

	"github.com/ocloudview/gateway/lib/utils"
)

// Record is one live proxied connection. It exists only while both the
// websocket and the upstream TCP socket are open; the splice removes it
// from the registry on either side's close.
type Record struct {
	// ID is the process-unique connection id issued at admission.
	ID string
	// VMID is the VM this connection displays.
	VMID string
	// Protocol is vnc or spice.
	Protocol Protocol
	// Upstream is the display server address in host:port form.
	Upstream string
	// ClientAddr is the browser's remote address.
	ClientAddr string
	// StartedAt is when the splice started.
	StartedAt time.Time

	ws  *websocket.Conn
	tcp net.Conn

	lastActivity atomic.Int64
	alive        atomic.Bool

	// terminate forcibly tears the connection down without a close
	// handshake; closeGraceful performs the handshake with a given close
	// code first. Both are set by the splice when it attaches.
	terminate     func()
	closeGraceful func(code int, text string)
}

// RecordParams are the attributes of a new connection record.
type RecordParams struct {
	ID         string
	VMID       string
	Protocol   Protocol
	Upstream   string
	ClientAddr string
	StartedAt  time.Time
	WS         *websocket.Conn
	TCP        net.Conn
}

// NewRecord builds a record for a connection whose upstream dial just
// completed. The record goes live once registered and attached to a splice.
func NewRecord(p RecordParams) *Record {
	rec := &Record{
		ID:         p.ID,
		VMID:       p.VMID,
		Protocol:   p.Protocol,
		Upstream:   p.Upstream,
		ClientAddr: p.ClientAddr,
		StartedAt:  p.StartedAt,
		ws:         p.WS,
		tcp:        p.TCP,
	}
	rec.alive.Store(true)
	rec.Touch(time.Now())
	return rec
}

// Touch records forwarding activity.
func (r *Record) Touch(now time.Time) {
	r.lastActivity.Store(now.UnixNano())
}

// LastActivity returns the time of the most recent forwarded frame or pong.
func (r *Record) LastActivity() time.Time {
	return time.Unix(0, r.lastActivity.Load())
}

// MarkAlive flags the client as responsive. Called from the pong handler.
func (r *Record) MarkAlive() {
	r.alive.Store(true)
}

// SwapAlive clears the responsiveness flag and returns its previous value.
func (r *Record) SwapAlive() bool {
	return r.alive.Swap(false)
}

// Ping sends a websocket ping control frame to the client.
func (r *Record) Ping(deadline time.Time) error {
	return trace.Wrap(r.ws.WriteControl(websocket.PingMessage, nil, deadline))
}

// Terminate forcibly closes both sides of the connection.
func (r *Record) Terminate() {
	if r.terminate != nil {
		r.terminate()
	}
}

// Close performs the websocket close handshake with the given code and then
// tears the connection down. Falls back to Terminate if the splice never
// attached.
func (r *Record) Close(code int, text string) {
	if r.closeGraceful != nil {
		r.closeGraceful(code, text)
		return
	}
	r.Terminate()
}

// ConnectionStatus is a point-in-time snapshot of one proxied connection,
// served by the stats surface.
type ConnectionStatus struct {
	ID           string    `json:"id"`
	VMID         string    `json:"vmId"`
	Protocol     Protocol  `json:"protocol"`
	Upstream     string    `json:"upstream"`
	ClientAddr   string    `json:"clientAddr"`
	StartedAt    time.Time `json:"startedAt"`
	LastActivity time.Time `json:"lastActivity"`
}

// Registry is the global map of live proxied connections with a per-VM
// index. Operations are O(1) under a coarse lock; contention is negligible
// next to the byte pumping.
type Registry struct {
	log *slog.Logger

	mu          sync.RWMutex
	connections map[string]*Record
	byVM        map[string]map[string]*Record
}

// NewRegistry returns an empty registry and registers its metrics.
func NewRegistry(log *slog.Logger) (*Registry, error) {
	if log == nil {
		log = slog.Default()
	}
	err := utils.RegisterCollectors(
		openConnections, vmConnections, connectionsTotal,
		dialRetriesTotal, bytesForwarded,
	)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Registry{
		log:         log,
		connections: make(map[string]*Record),
		byVM:        make(map[string]map[string]*Record),
	}, nil
}

// Register adds a record to the registry and the per-VM index.
func (g *Registry) Register(rec *Record) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.connections[rec.ID] = rec
	vm := g.byVM[rec.VMID]
	if vm == nil {
		vm = make(map[string]*Record)
		g.byVM[rec.VMID] = vm
	}
	vm[rec.ID] = rec

	openConnections.Set(float64(len(g.connections)))
	vmConnections.WithLabelValues(rec.VMID).Set(float64(len(vm)))
	connectionsTotal.Inc()
}

// Unregister removes a record from both maps, dropping the VM key when its
// set empties. Returns false if the id was not registered; a second call
// for the same id is a no-op.
func (g *Registry) Unregister(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.connections[id]
	if !ok {
		return false
	}
	delete(g.connections, id)

	if vm := g.byVM[rec.VMID]; vm != nil {
		delete(vm, id)
		if len(vm) == 0 {
			delete(g.byVM, rec.VMID)
			vmConnections.DeleteLabelValues(rec.VMID)
		} else {
			vmConnections.WithLabelValues(rec.VMID).Set(float64(len(vm)))
		}
	}
	openConnections.Set(float64(len(g.connections)))
	return true
}

// Get returns the record with the given id.
func (g *Registry) Get(id string) (*Record, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	rec, ok := g.connections[id]
	return rec, ok
}

// Len returns the number of live connections.
func (g *Registry) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.connections)
}

// CountByVM returns the number of live connections for the given VM.
func (g *Registry) CountByVM(vmID string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.byVM[vmID])
}

// CloseAllByVM terminates every connection of the given VM and returns how
// many were closed.
func (g *Registry) CloseAllByVM(vmID string) int {
	recs := g.recordsByVM(vmID)
	for _, rec := range recs {
		rec.Terminate()
	}
	return len(recs)
}

// CloseAll closes every live connection with 1001 going away, so clients
// know the gateway is leaving rather than their session failing. Used during
// shutdown.
func (g *Registry) CloseAll() {
	for _, rec := range g.records() {
		rec.Close(websocket.CloseGoingAway, "server shutting down")
	}
}

// Snapshot returns the status of all live connections.
func (g *Registry) Snapshot() []ConnectionStatus {
	recs := g.records()
	out := make([]ConnectionStatus, 0, len(recs))
	for _, rec := range recs {
		out = append(out, ConnectionStatus{
			ID:           rec.ID,
			VMID:         rec.VMID,
			Protocol:     rec.Protocol,
			Upstream:     rec.Upstream,
			ClientAddr:   rec.ClientAddr,
			StartedAt:    rec.StartedAt,
			LastActivity: rec.LastActivity(),
		})
	}
	return out
}

// records returns a stable copy of all records so callers can iterate
// without holding the lock across socket operations.
func (g *Registry) records() []*Record {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Record, 0, len(g.connections))
	for _, rec := range g.connections {
		out = append(out, rec)
	}
	return out
}

func (g *Registry) recordsByVM(vmID string) []*Record {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Record, 0, len(g.byVM[vmID]))
	for _, rec := range g.byVM[vmID] {
		out = append(out, rec)
	}
	return out
}
