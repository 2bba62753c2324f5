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
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func newWebsocketPair(t *testing.T) (client, server *websocket.Conn) {
	t.Helper()

	serverCh := make(chan *websocket.Conn, 1)
	done := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serverCh <- ws
		<-done
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(done) })

	client, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { client.Close() })

	select {
	case server = <-serverCh:
	case <-time.After(5 * time.Second):
		t.Fatal("websocket upgrade never completed")
	}
	t.Cleanup(func() { server.Close() })
	return client, server
}

func startTestHeartbeat(t *testing.T, reg *Registry, clock *clockwork.FakeClock) {
	t.Helper()
	hb, err := NewHeartbeat(HeartbeatConfig{
		Interval: 30 * time.Second,
		Registry: reg,
		Clock:    clock,
		Log:      slog.New(slog.DiscardHandler),
	})
	require.NoError(t, err)
	go hb.Run()
	t.Cleanup(hb.Close)

	// Wait for the sweep ticker before advancing the clock.
	clock.BlockUntil(1)
}

func TestHeartbeatReapsUnresponsiveClient(t *testing.T) {
	t.Parallel()

	_, server := newWebsocketPair(t)

	reg, err := NewRegistry(nil)
	require.NoError(t, err)

	rec := NewRecord(RecordParams{ID: "vm-1_1_0", VMID: "vm-1", WS: server})
	var terminated atomic.Bool
	rec.terminate = func() { terminated.Store(true) }
	reg.Register(rec)

	// The client already missed the previous interval.
	rec.alive.Store(false)

	clock := clockwork.NewFakeClock()
	startTestHeartbeat(t, reg, clock)
	clock.Advance(30 * time.Second)

	require.Eventually(t, terminated.Load, 5*time.Second, time.Millisecond)
}

func TestHeartbeatKeepsResponsiveClient(t *testing.T) {
	t.Parallel()

	client, server := newWebsocketPair(t)

	// Both sides need a read pump for control frames to flow: the client's
	// default ping handler answers with a pong, the server marks the record
	// alive the way the splice's pong handler does.
	reg, err := NewRegistry(nil)
	require.NoError(t, err)

	rec := NewRecord(RecordParams{ID: "vm-1_1_0", VMID: "vm-1", WS: server})
	var terminated atomic.Bool
	rec.terminate = func() { terminated.Store(true) }
	reg.Register(rec)

	server.SetPongHandler(func(string) error {
		rec.MarkAlive()
		return nil
	})
	go func() {
		for {
			if _, _, err := server.ReadMessage(); err != nil {
				return
			}
		}
	}()
	go func() {
		for {
			if _, _, err := client.ReadMessage(); err != nil {
				return
			}
		}
	}()

	clock := clockwork.NewFakeClock()
	startTestHeartbeat(t, reg, clock)

	for range 3 {
		// Sweep consumes the aliveness flag and pings; wait for the pong
		// round-trip to restore it before sweeping again.
		clock.Advance(30 * time.Second)
		require.Eventually(t, rec.alive.Load, 5*time.Second, time.Millisecond)
	}
	require.False(t, terminated.Load())
}
