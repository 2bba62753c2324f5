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

package web

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/ocloudview/gateway/lib/proxy"
)

// connectVNC handles GET /vnc/{vmId}?token=<bearer>.
func (h *Handler) connectVNC(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	h.connectDisplay(w, r, p.ByName("vmId"), proxy.ProtocolVNC)
}

// connectSPICE handles GET /spice/{vmId}?token=<bearer>. SPICE clients open
// one of these per channel, up to the per-VM cap.
func (h *Handler) connectSPICE(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	h.connectDisplay(w, r, p.ByName("vmId"), proxy.ProtocolSPICE)
}

// connectDisplay runs the full connection lifecycle: upgrade, buffer,
// authenticate, resolve, admit, dial, splice. It is the single place that
// issues websocket close codes.
func (h *Handler) connectDisplay(w http.ResponseWriter, r *http.Request, vmID string, proto proxy.Protocol) {
	ws, err := h.upgradeDisplay(w, r)
	if err != nil {
		// Upgrade already replied with an HTTP error.
		h.cfg.Log.Debug("Websocket upgrade failed", "error", err)
		return
	}

	log := h.cfg.Log.With("vm", vmID, "protocol", proto, "client", r.RemoteAddr)

	if vmID == "" {
		closeWebsocket(ws, websocket.CloseProtocolError, "missing vm id")
		return
	}

	// The buffering reader must be in place before anything slow happens:
	// SPICE clients send their handshake the moment the socket opens, and
	// authentication plus the upstream dial take time.
	splice, err := proxy.NewSplice(proxy.SpliceConfig{
		WS:                    ws,
		Log:                   log,
		BufferMaxSize:         h.cfg.BufferMaxSize,
		LegacyTextPassthrough: h.cfg.LegacyTextPassthrough,
		Clock:                 h.cfg.Clock,
	})
	if err != nil {
		ws.Close()
		return
	}
	splice.Start()

	token := bearerFromRequest(r)
	if token == "" {
		splice.SendError("missing bearer token")
		splice.Close(websocket.ClosePolicyViolation, "authentication required")
		return
	}

	id, err := h.cfg.Signer.Verify(token)
	if err != nil {
		h.refuse(splice, log, err)
		return
	}

	target, err := h.cfg.Resolver.Resolve(r.Context(), id, vmID, proto)
	if err != nil {
		h.refuse(splice, log, err)
		return
	}

	connID, err := h.cfg.Admission.Admit(vmID)
	if err != nil {
		h.refuse(splice, log, err)
		return
	}
	release := sync.OnceFunc(func() {
		h.cfg.Registry.Unregister(connID)
		h.cfg.Admission.Release(vmID)
	})

	upstream := net.JoinHostPort(target.Host, strconv.Itoa(target.Port))
	tcp, err := h.cfg.Dialer.Dial(r.Context(), target.Host, target.Port)
	if err != nil {
		release()
		log.Warn("Upstream dial failed", "upstream", upstream, "error", err)
		splice.SendError("upstream connection failed")
		splice.Close(websocket.CloseInternalServerErr, "upstream connection failed")
		return
	}

	rec := proxy.NewRecord(proxy.RecordParams{
		ID:         connID,
		VMID:       vmID,
		Protocol:   proto,
		Upstream:   upstream,
		ClientAddr: r.RemoteAddr,
		StartedAt:  h.cfg.Clock.Now(),
		WS:         ws,
		TCP:        tcp,
	})
	h.cfg.Registry.Register(rec)

	if err := splice.Attach(tcp, rec, release); err != nil {
		// The client went away while the dial was in flight.
		release()
		log.Debug("Client closed before the upstream was ready")
		return
	}
	log.Info("Display session established", "conn", connID, "upstream", upstream)
}

// refuse maps a pre-splice failure onto a close code, preceded by a
// best-effort structured error frame so the SDK can show a reason.
// Authorization-shaped failures close with 1008, the rest with 1011.
func (h *Handler) refuse(splice *proxy.Splice, log *slog.Logger, err error) {
	splice.SendError(trace.UserMessage(err))
	switch {
	case trace.IsAccessDenied(err), trace.IsLimitExceeded(err), trace.IsNotFound(err):
		log.Info("Refusing display connection", "error", err)
		splice.Close(websocket.ClosePolicyViolation, "policy violation")
	default:
		log.Info("Display connection failed", "error", err)
		splice.Close(websocket.CloseInternalServerErr, "internal error")
	}
}

func (h *Handler) upgradeDisplay(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	var header http.Header
	if proto := selectSubprotocol(r); proto != "" {
		header = http.Header{"Sec-Websocket-Protocol": []string{proto}}
	}
	ws, err := h.upgrader.Upgrade(w, r, header)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return ws, nil
}

// selectSubprotocol prefers the binary subprotocol the display SDK offers;
// failing that it echoes the client's first choice, or negotiates none.
func selectSubprotocol(r *http.Request) string {
	offered := websocket.Subprotocols(r)
	for _, proto := range offered {
		if proto == "binary" {
			return proto
		}
	}
	if len(offered) > 0 {
		return offered[0]
	}
	return ""
}

func closeWebsocket(ws *websocket.Conn, code int, text string) {
	deadline := time.Now().Add(5 * time.Second)
	ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), deadline)
	ws.Close()
}
