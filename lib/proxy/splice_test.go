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
	"bytes"
	"crypto/rand"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// newSpliceTest upgrades a real websocket against an httptest server and
// returns the client side plus the server-side splice, already started and
// buffering.
func newSpliceTest(t *testing.T, mutate func(*SpliceConfig)) (*websocket.Conn, *Splice) {
	t.Helper()

	spliceCh := make(chan *Splice, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		cfg := SpliceConfig{WS: ws, Log: slog.New(slog.DiscardHandler)}
		if mutate != nil {
			mutate(&cfg)
		}
		s, err := NewSplice(cfg)
		if err != nil {
			ws.Close()
			return
		}
		s.Start()
		spliceCh <- s
		s.Wait()
	}))
	t.Cleanup(srv.Close)

	client, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { client.Close() })

	select {
	case s := <-spliceCh:
		return client, s
	case <-time.After(5 * time.Second):
		t.Fatal("splice never started")
		return nil, nil
	}
}

func bufferedBytes(s *Splice) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bufSize
}

// attach wires a net.Pipe upstream into the splice and returns the far end.
func attach(t *testing.T, s *Splice) net.Conn {
	t.Helper()
	local, remote := net.Pipe()

	rec := newTestRecord(t, "vm-1_1_0", "vm-1")
	done := make(chan error, 1)
	go func() {
		done <- s.Attach(local, rec, func() {})
	}()
	// Attach blocks until the pipe's reader drains any buffered frames, so
	// it completes concurrently with the caller's first reads.
	t.Cleanup(func() {
		remote.Close()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("attach never completed")
		}
	})
	return remote
}

func readExactly(t *testing.T, conn net.Conn, n int) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, n)
	_, err := io.ReadFull(conn, buf)
	require.NoError(t, err)
	return buf
}

// Frames sent while the upstream dial is still in flight must reach the TCP
// stream intact and in arrival order, ahead of anything sent after.
func TestSpliceBuffersUntilAttach(t *testing.T) {
	t.Parallel()

	client, s := newSpliceTest(t, nil)

	frames := [][]byte{
		make([]byte, 64),
		make([]byte, 16),
		make([]byte, 4),
	}
	var want []byte
	for _, frame := range frames {
		_, err := rand.Read(frame)
		require.NoError(t, err)
		require.NoError(t, client.WriteMessage(websocket.BinaryMessage, frame))
		want = append(want, frame...)
	}

	require.Eventually(t, func() bool {
		return bufferedBytes(s) == len(want)
	}, 5*time.Second, time.Millisecond)

	upstream := attach(t, s)
	got := readExactly(t, upstream, len(want))
	require.Equal(t, want, got)

	// Post-attach traffic streams directly, after everything buffered.
	late := []byte("after-dial")
	require.NoError(t, client.WriteMessage(websocket.BinaryMessage, late))
	require.Equal(t, late, readExactly(t, upstream, len(late)))
}

func TestSpliceStreamsBothDirections(t *testing.T) {
	t.Parallel()

	client, s := newSpliceTest(t, nil)
	upstream := attach(t, s)

	// client -> upstream
	payload := make([]byte, 8192)
	_, err := rand.Read(payload)
	require.NoError(t, err)
	require.NoError(t, client.WriteMessage(websocket.BinaryMessage, payload))
	require.Equal(t, payload, readExactly(t, upstream, len(payload)))

	// upstream -> client, one binary frame per TCP write
	reply := []byte("RFB 003.008\n")
	go func() {
		upstream.Write(reply)
	}()
	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	ty, data, err := client.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, ty)
	require.Equal(t, reply, data)
}

func TestSplicePingPong(t *testing.T) {
	t.Parallel()

	client, _ := newSpliceTest(t, nil)

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))

	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	ty, data, err := client.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, ty)

	var msg controlMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	require.Equal(t, "pong", msg.Type)
	require.NotZero(t, msg.Timestamp)
}

func TestSpliceLegacyTextPassthrough(t *testing.T) {
	t.Parallel()

	client, s := newSpliceTest(t, func(cfg *SpliceConfig) {
		cfg.LegacyTextPassthrough = true
	})
	upstream := attach(t, s)

	// Not JSON: old SDK builds sent display bytes in text frames.
	legacy := []byte("RFB 003.008\n")
	require.NoError(t, client.WriteMessage(websocket.TextMessage, legacy))
	require.Equal(t, legacy, readExactly(t, upstream, len(legacy)))
}

func TestSpliceDropsUnparseableTextWhenDisabled(t *testing.T) {
	t.Parallel()

	client, s := newSpliceTest(t, func(cfg *SpliceConfig) {
		cfg.LegacyTextPassthrough = false
	})
	upstream := attach(t, s)

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte("not json")))
	marker := []byte("marker")
	require.NoError(t, client.WriteMessage(websocket.BinaryMessage, marker))

	// Only the marker arrives; the text frame was dropped.
	require.Equal(t, marker, readExactly(t, upstream, len(marker)))
}

func TestSpliceBufferOverflow(t *testing.T) {
	t.Parallel()

	client, _ := newSpliceTest(t, func(cfg *SpliceConfig) {
		cfg.BufferMaxSize = 128
	})

	require.NoError(t, client.WriteMessage(websocket.BinaryMessage, make([]byte, 256)))

	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := client.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.CloseInternalServerErr),
		"expected close 1011, got %v", err)
}

func TestSpliceUpstreamEOFClosesNormally(t *testing.T) {
	t.Parallel()

	client, s := newSpliceTest(t, nil)
	upstream := attach(t, s)

	upstream.Close()

	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := client.ReadMessage()
	closeErr := &websocket.CloseError{}
	require.ErrorAs(t, err, &closeErr)
	require.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
	require.Equal(t, "VNC connection closed", closeErr.Text)

	s.Wait()
}

func TestSpliceClientCloseTearsDownUpstream(t *testing.T) {
	t.Parallel()

	client, s := newSpliceTest(t, nil)
	upstream := attach(t, s)

	deadline := time.Now().Add(time.Second)
	client.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	client.Close()

	upstream.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err := upstream.Read(make([]byte, 1))
	require.Error(t, err)

	s.Wait()
}

func TestSpliceAttachAfterClientGone(t *testing.T) {
	t.Parallel()

	client, s := newSpliceTest(t, nil)
	require.NoError(t, client.Close())

	// The read pump notices and closes the splice; a late Attach must fail
	// so the caller can release the admission slot itself.
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.state == stateClosed
	}, 5*time.Second, time.Millisecond)

	local, remote := net.Pipe()
	defer remote.Close()
	rec := newTestRecord(t, "vm-1_1_0", "vm-1")
	released := false
	err := s.Attach(local, rec, func() { released = true })
	require.Error(t, err)
	require.False(t, released, "attach must not run the release hook on failure")

	// The dialed connection was never installed in the splice, so Attach
	// itself must have closed it; the upstream side sees EOF instead of a
	// leaked half-open socket.
	remote.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, rerr := remote.Read(make([]byte, 1))
	require.ErrorIs(t, rerr, io.EOF)
}

// Shutdown must run the close handshake with 1001 going away, so clients can
// tell a gateway restart apart from a failed session.
func TestRegistryCloseAllSendsGoingAway(t *testing.T) {
	t.Parallel()

	client, s := newSpliceTest(t, nil)
	local, remote := net.Pipe()
	defer remote.Close()
	go io.Copy(io.Discard, remote)

	rec := newTestRecord(t, "vm-1_1_0", "vm-1")
	require.NoError(t, s.Attach(local, rec, func() {}))

	reg, err := NewRegistry(nil)
	require.NoError(t, err)
	reg.Register(rec)
	reg.CloseAll()

	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = client.ReadMessage()
	closeErr := &websocket.CloseError{}
	require.ErrorAs(t, err, &closeErr)
	require.Equal(t, websocket.CloseGoingAway, closeErr.Code)
	require.Equal(t, "server shutting down", closeErr.Text)

	s.Wait()
}

func TestSpliceErrorFrame(t *testing.T) {
	t.Parallel()

	client, s := newSpliceTest(t, nil)

	s.SendError("Too many connections for this VM")
	s.Close(websocket.ClosePolicyViolation, "policy violation")

	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	ty, data, err := client.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, ty)

	var msg controlMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	require.Equal(t, "error", msg.Type)
	require.Equal(t, "Too many connections for this VM", msg.Message)

	_, _, err = client.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation),
		"expected close 1008, got %v", err)
}

func TestSpliceLargeTransferIsByteExact(t *testing.T) {
	t.Parallel()

	client, s := newSpliceTest(t, nil)
	upstream := attach(t, s)

	payload := make([]byte, 512*1024)
	_, err := rand.Read(payload)
	require.NoError(t, err)

	go func() {
		for chunk := payload; len(chunk) > 0; {
			n := 10000
			if n > len(chunk) {
				n = len(chunk)
			}
			if _, err := upstream.Write(chunk[:n]); err != nil {
				return
			}
			chunk = chunk[n:]
		}
	}()

	var got bytes.Buffer
	client.SetReadDeadline(time.Now().Add(30 * time.Second))
	for got.Len() < len(payload) {
		ty, data, err := client.ReadMessage()
		require.NoError(t, err)
		require.Equal(t, websocket.BinaryMessage, ty)
		got.Write(data)
	}
	require.Equal(t, payload, got.Bytes())
}
