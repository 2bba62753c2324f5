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
	"encoding/json"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/ocloudview/gateway/lib/defaults"
	"github.com/ocloudview/gateway/lib/utils"
)

// spliceState is the lifecycle of the client-side frame handler.
//
// The websocket is upgraded before the upstream TCP connection exists, and
// SPICE clients transmit their handshake the instant the socket opens.
// Frames that arrive in the buffering state are therefore held in arrival
// order and flushed to TCP when the dial completes; only then does the
// splice start streaming.
type spliceState int

const (
	stateBuffering spliceState = iota
	stateStreaming
	stateClosed
)

// readBufferSize is the chunk size for upstream TCP reads. Every read
// becomes exactly one binary websocket message.
const readBufferSize = 32 * 1024

// controlMessage is the JSON shape of text frames the browser SDK sends
// alongside the binary display stream.
type controlMessage struct {
	Type      string `json:"type"`
	Message   string `json:"message,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// SpliceConfig holds parameters for one splice.
type SpliceConfig struct {
	// WS is the client websocket, already upgraded.
	WS *websocket.Conn
	// Log is the per-connection logger.
	Log *slog.Logger
	// BufferMaxSize bounds the pre-dial frame buffer; overflow closes the
	// connection with 1011.
	BufferMaxSize int
	// LegacyTextPassthrough forwards text frames that do not parse as
	// control messages to TCP verbatim. Old SDK builds sent display bytes
	// in text frames.
	LegacyTextPassthrough bool
	// Clock is used for control message timestamps.
	Clock clockwork.Clock
}

// CheckAndSetDefaults checks and sets default values.
func (c *SpliceConfig) CheckAndSetDefaults() error {
	if c.WS == nil {
		return trace.BadParameter("missing parameter WS")
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	if c.BufferMaxSize == 0 {
		c.BufferMaxSize = defaults.BufferMaxSize
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Splice pumps bytes between one websocket and one TCP socket in both
// directions without modification. Client binary frames are written to TCP
// verbatim; every TCP read is sent as one binary frame. Text frames carry
// JSON control messages that never touch the TCP stream.
type Splice struct {
	cfg SpliceConfig

	mu       sync.Mutex
	state    spliceState
	buffered [][]byte
	bufSize  int
	tcp      net.Conn
	rec      *Record
	release  func()

	// wsWriteMu serializes websocket data writes between the upstream
	// pump and control replies. Control frames (ping, close) go through
	// WriteControl, which gorilla allows concurrently.
	wsWriteMu sync.Mutex

	closeOnce sync.Once
	done      chan struct{}
}

// NewSplice returns a splice in the buffering state.
func NewSplice(cfg SpliceConfig) (*Splice, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Splice{
		cfg:  cfg,
		done: make(chan struct{}),
	}, nil
}

// Start begins reading client frames. Must be called before the upstream
// dial so that nothing the client sends in the meantime is lost.
func (s *Splice) Start() {
	s.cfg.WS.SetPongHandler(func(string) error {
		s.mu.Lock()
		rec := s.rec
		s.mu.Unlock()
		if rec != nil {
			rec.MarkAlive()
			rec.Touch(time.Now())
		}
		return nil
	})
	go s.readClient()
}

// Attach hands the dialed TCP connection to the splice: buffered frames are
// flushed in arrival order (one TCP write per frame), the state machine
// moves to streaming and the upstream-to-client pump starts. The release
// hook runs exactly once when the splice tears down.
//
// Returns an error if the websocket already failed while the dial was in
// flight; the caller then owns the release. On any failure the dialed
// connection is closed here, since it was never installed for teardown to
// find.
func (s *Splice) Attach(tcp net.Conn, rec *Record, release func()) error {
	s.mu.Lock()
	if s.state != stateBuffering {
		s.mu.Unlock()
		tcp.Close()
		return trace.ConnectionProblem(nil, "connection closed before the upstream was ready")
	}
	for _, frame := range s.buffered {
		if _, err := tcp.Write(frame); err != nil {
			s.buffered, s.bufSize = nil, 0
			s.mu.Unlock()
			tcp.Close()
			s.close(websocket.CloseInternalServerErr, "upstream connection error")
			return trace.Wrap(err)
		}
		bytesForwarded.WithLabelValues("to_upstream").Add(float64(len(frame)))
	}
	flushed := len(s.buffered)
	s.buffered, s.bufSize = nil, 0
	s.tcp = tcp
	s.rec = rec
	s.release = release
	rec.alive.Store(true)
	rec.terminate = s.Terminate
	rec.closeGraceful = s.Close
	s.state = stateStreaming
	s.mu.Unlock()

	if flushed > 0 {
		s.cfg.Log.Debug("Flushed buffered client frames to upstream", "frames", flushed)
	}
	rec.Touch(time.Now())
	go s.readUpstream(tcp, rec)
	return nil
}

// SendError writes a best-effort structured error frame so the browser SDK
// can surface a reason before the close frame arrives. Never called once
// streaming starts; after that only close codes are emitted.
func (s *Splice) SendError(msg string) {
	payload, err := json.Marshal(controlMessage{Type: "error", Message: msg})
	if err != nil {
		return
	}
	s.wsWriteMu.Lock()
	defer s.wsWriteMu.Unlock()
	s.cfg.WS.SetWriteDeadline(time.Now().Add(writeTimeout))
	s.cfg.WS.WriteMessage(websocket.TextMessage, payload)
	s.cfg.WS.SetWriteDeadline(time.Time{})
}

// Close performs the websocket close handshake with the given code and
// tears the splice down. Idempotent.
func (s *Splice) Close(code int, text string) {
	s.close(code, text)
}

// Terminate tears the splice down without a close handshake. Used when the
// client is known to be unresponsive.
func (s *Splice) Terminate() {
	s.teardown(false, 0, "")
}

// Wait blocks until the splice has torn down.
func (s *Splice) Wait() {
	<-s.done
}

func (s *Splice) close(code int, text string) {
	s.teardown(true, code, text)
}

func (s *Splice) teardown(closeHandshake bool, code int, text string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = stateClosed
		s.buffered, s.bufSize = nil, 0
		tcp, release := s.tcp, s.release
		s.mu.Unlock()

		if closeHandshake {
			deadline := time.Now().Add(writeTimeout)
			s.cfg.WS.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(code, text), deadline)
		}
		s.cfg.WS.Close()

		if tcp != nil {
			if tc, ok := tcp.(*net.TCPConn); ok {
				tc.CloseWrite()
			}
			tcp.Close()
		}
		if release != nil {
			release()
		}
		close(s.done)
	})
}

// readClient is the client-to-upstream pump. It is the websocket's single
// reader for the splice's whole life, across both the buffering and
// streaming states.
func (s *Splice) readClient() {
	for {
		messageType, data, err := s.cfg.WS.ReadMessage()
		if err != nil {
			if utils.IsOKWebsocketCloseError(err) || utils.IsOKNetworkError(err) {
				s.close(websocket.CloseNormalClosure, "")
			} else {
				s.cfg.Log.Debug("Client websocket read failed", "error", err)
				s.close(websocket.CloseInternalServerErr, "client connection error")
			}
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			if !s.forward(data) {
				return
			}
		case websocket.TextMessage:
			if !s.handleText(data) {
				return
			}
		}
	}
}

// forward delivers one client payload to the upstream: buffered before the
// dial, written directly after. Returns false when the splice is done.
func (s *Splice) forward(data []byte) bool {
	s.mu.Lock()
	switch s.state {
	case stateBuffering:
		if s.bufSize+len(data) > s.cfg.BufferMaxSize {
			s.mu.Unlock()
			s.cfg.Log.Warn("Pre-connect buffer overflow", "limit", s.cfg.BufferMaxSize)
			s.close(websocket.CloseInternalServerErr, "pre-connect buffer overflow")
			return false
		}
		s.buffered = append(s.buffered, data)
		s.bufSize += len(data)
		s.mu.Unlock()
		return true

	case stateStreaming:
		tcp, rec := s.tcp, s.rec
		s.mu.Unlock()
		if _, err := tcp.Write(data); err != nil {
			if !utils.IsOKNetworkError(err) {
				s.cfg.Log.Debug("Upstream write failed", "error", err)
			}
			s.close(websocket.CloseInternalServerErr, "upstream connection error")
			return false
		}
		rec.Touch(time.Now())
		bytesForwarded.WithLabelValues("to_upstream").Add(float64(len(data)))
		return true

	default:
		s.mu.Unlock()
		return false
	}
}

// handleText interprets a text frame as a JSON control message. Frames that
// do not parse fall back to the binary path when legacy passthrough is
// enabled, otherwise they are dropped. Returns false when the splice is
// done.
func (s *Splice) handleText(data []byte) bool {
	var msg controlMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg.Type == "" {
		if s.cfg.LegacyTextPassthrough {
			return s.forward(data)
		}
		s.cfg.Log.Debug("Dropping unparseable text frame", "bytes", len(data))
		return true
	}

	switch msg.Type {
	case "ping":
		reply, err := json.Marshal(controlMessage{
			Type:      "pong",
			Timestamp: s.cfg.Clock.Now().UnixMilli(),
		})
		if err != nil {
			return true
		}
		s.wsWriteMu.Lock()
		werr := s.cfg.WS.WriteMessage(websocket.TextMessage, reply)
		s.wsWriteMu.Unlock()
		if werr != nil {
			s.close(websocket.CloseInternalServerErr, "client connection error")
			return false
		}
	case "resize", "quality", "clipboard":
		// Observed for diagnostics only; no upstream side effect in this
		// revision.
		s.cfg.Log.Debug("Client control message", "type", msg.Type)
	default:
		s.cfg.Log.Debug("Unknown client control message", "type", msg.Type)
	}

	s.touch()
	return true
}

func (s *Splice) touch() {
	s.mu.Lock()
	rec := s.rec
	s.mu.Unlock()
	if rec != nil {
		rec.Touch(time.Now())
	}
}

// readUpstream is the upstream-to-client pump: every TCP read becomes
// exactly one binary websocket message, no aggregation, no splitting.
func (s *Splice) readUpstream(tcp net.Conn, rec *Record) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := tcp.Read(buf)
		if n > 0 {
			s.wsWriteMu.Lock()
			werr := s.cfg.WS.WriteMessage(websocket.BinaryMessage, buf[:n])
			s.wsWriteMu.Unlock()
			if werr != nil {
				if !utils.IsOKNetworkError(werr) {
					s.cfg.Log.Debug("Client websocket write failed", "error", werr)
				}
				s.close(websocket.CloseInternalServerErr, "client connection error")
				return
			}
			rec.Touch(time.Now())
			bytesForwarded.WithLabelValues("to_client").Add(float64(n))
		}
		if err != nil {
			if utils.IsOKNetworkError(err) {
				s.close(websocket.CloseNormalClosure, "VNC connection closed")
			} else {
				s.cfg.Log.Debug("Upstream read failed", "error", err)
				s.close(websocket.CloseInternalServerErr, "upstream connection error")
			}
			return
		}
	}
}
