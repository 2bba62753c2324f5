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

// Package web hosts the gateway's HTTP surface: the websocket display
// endpoints the proxy runs on, and the REST adapter that logs users in
// against the management API and hands out connection info.
package web

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ocloudview/gateway/lib/auth"
	"github.com/ocloudview/gateway/lib/defaults"
	"github.com/ocloudview/gateway/lib/httplib"
	"github.com/ocloudview/gateway/lib/ocv"
	"github.com/ocloudview/gateway/lib/proxy"
	"github.com/ocloudview/gateway/lib/session"
)

// Config holds the handler's collaborators, constructed once by the service
// and passed by reference.
type Config struct {
	// Client is the management API client.
	Client *ocv.Client
	// Sessions is the session store.
	Sessions *session.Store
	// Signer issues and verifies bearer tokens.
	Signer *auth.Signer
	// Resolver resolves display targets.
	Resolver *proxy.Resolver
	// Admission enforces connection caps.
	Admission *proxy.Admission
	// Registry tracks live connections.
	Registry *proxy.Registry
	// Dialer opens upstream TCP connections.
	Dialer *proxy.Dialer
	// BufferMaxSize bounds the pre-dial frame buffer.
	BufferMaxSize int
	// LegacyTextPassthrough forwards unparseable text frames to TCP.
	LegacyTextPassthrough bool
	// Clock is the time source.
	Clock clockwork.Clock
	// Log is the logger.
	Log *slog.Logger
}

// CheckAndSetDefaults checks and sets default values.
func (c *Config) CheckAndSetDefaults() error {
	if c.Client == nil {
		return trace.BadParameter("missing parameter Client")
	}
	if c.Sessions == nil {
		return trace.BadParameter("missing parameter Sessions")
	}
	if c.Signer == nil {
		return trace.BadParameter("missing parameter Signer")
	}
	if c.Resolver == nil {
		return trace.BadParameter("missing parameter Resolver")
	}
	if c.Admission == nil {
		return trace.BadParameter("missing parameter Admission")
	}
	if c.Registry == nil {
		return trace.BadParameter("missing parameter Registry")
	}
	if c.Dialer == nil {
		return trace.BadParameter("missing parameter Dialer")
	}
	if c.BufferMaxSize == 0 {
		c.BufferMaxSize = defaults.BufferMaxSize
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	return nil
}

// Handler is the gateway's HTTP handler.
type Handler struct {
	cfg      Config
	router   *httprouter.Router
	upgrader websocket.Upgrader
	started  time.Time
}

// NewHandler returns a handler with all routes bound.
func NewHandler(cfg Config) (*Handler, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	h := &Handler{
		cfg:     cfg,
		router:  httprouter.New(),
		started: cfg.Clock.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  defaults.WebsocketBufferSize,
			WriteBufferSize: defaults.WebsocketBufferSize,
			// The display SDK is embedded in portals on arbitrary
			// origins; the bearer token gates access, not the Origin
			// header.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	h.router.GET("/vnc/:vmId", h.connectVNC)
	h.router.GET("/spice/:vmId", h.connectSPICE)

	h.router.POST("/login", httplib.MakeHandler(h.login))
	h.router.POST("/refresh", httplib.MakeHandler(h.refresh))
	h.router.POST("/logout", httplib.MakeHandler(h.logout))
	h.router.GET("/api/vms", httplib.MakeHandler(h.listVMs))
	h.router.GET("/api/stats", httplib.MakeHandler(h.stats))
	h.router.POST("/api/vnc/connect/:vmId", httplib.MakeHandler(h.connectInfoVNC))
	h.router.POST("/api/spice/connect/:vmId", httplib.MakeHandler(h.connectInfoSPICE))
	h.router.POST("/api/display-token/:vmId", httplib.MakeHandler(h.displayToken))

	h.router.GET("/health", httplib.MakeHandler(h.health))
	h.router.Handler(http.MethodGet, "/metrics", promhttp.Handler())

	// Websocket upgrades on unknown paths get a proper close code instead
	// of a plain 404 the SDK cannot interpret.
	h.router.NotFound = http.HandlerFunc(h.notFound)

	return h, nil
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) notFound(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		ws, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		closeWebsocket(ws, websocket.CloseProtocolError, "invalid path")
		return
	}
	httplib.ReplyError(w, trace.NotFound("path %v not found", r.URL.Path))
}

// bearerFromRequest extracts the bearer from the token query parameter
// (the only option browsers have on websocket upgrades) or from the
// Authorization header.
func bearerFromRequest(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	const prefix = "Bearer "
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, prefix) {
		return strings.TrimPrefix(header, prefix)
	}
	return ""
}

func (h *Handler) identityFromRequest(r *http.Request) (*auth.Identity, error) {
	token := bearerFromRequest(r)
	if token == "" {
		return nil, trace.AccessDenied("missing bearer token")
	}
	id, err := h.cfg.Signer.Verify(token)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return id, nil
}

func (h *Handler) sessionFromRequest(r *http.Request) (*session.Session, *auth.Identity, error) {
	id, err := h.identityFromRequest(r)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	if id.SessionID == "" {
		return nil, nil, trace.AccessDenied("a session bearer is required")
	}
	sess, err := h.cfg.Sessions.Get(id.SessionID)
	if err != nil {
		return nil, nil, trace.AccessDenied("session expired, log in again")
	}
	return sess, id, nil
}
