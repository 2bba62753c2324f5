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
	"net/http"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/ocloudview/gateway/lib/httplib"
	"github.com/ocloudview/gateway/lib/ocv"
	"github.com/ocloudview/gateway/lib/proxy"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string   `json:"token"`
	VMs   []ocv.VM `json:"vms"`
}

// login authenticates against the management API and opens a session.
func (h *Handler) login(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	var req loginRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if req.Username == "" || req.Password == "" {
		return nil, trace.BadParameter("missing username or password")
	}

	result, err := h.cfg.Client.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	sess := h.cfg.Sessions.NewSession(result.Token, req.Username, result.VMs)
	token, err := h.cfg.Signer.SignSession(sess.ID, req.Username)
	if err != nil {
		h.cfg.Sessions.Remove(sess.ID)
		return nil, trace.Wrap(err)
	}

	h.cfg.Log.Info("User logged in", "user", req.Username, "vms", len(result.VMs))
	return loginResponse{Token: token, VMs: result.VMs}, nil
}

// refresh retires the current session id and issues a bearer for a new one
// carrying the same payload. Effectively idempotent from the client's view.
func (h *Handler) refresh(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	_, id, err := h.sessionFromRequest(r)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	sess, err := h.cfg.Sessions.Replace(id.SessionID)
	if err != nil {
		return nil, trace.AccessDenied("session expired, log in again")
	}
	token, err := h.cfg.Signer.SignSession(sess.ID, id.UserID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return loginResponse{Token: token, VMs: sess.VMs}, nil
}

// logout removes the session. The bearer keeps validating until it expires
// but no longer resolves to a session, so it is effectively dead.
func (h *Handler) logout(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	id, err := h.identityFromRequest(r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if id.SessionID != "" {
		h.cfg.Sessions.Remove(id.SessionID)
	}
	return map[string]string{"message": "logged out"}, nil
}

// listVMs returns the session's inventory snapshot.
func (h *Handler) listVMs(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	sess, _, err := h.sessionFromRequest(r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]interface{}{"vms": sess.VMs}, nil
}

// stats returns a snapshot of live proxied connections.
func (h *Handler) stats(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	if _, _, err := h.sessionFromRequest(r); err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]interface{}{
		"connections": h.cfg.Registry.Snapshot(),
	}, nil
}

type connectInfoResponse struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Password string `json:"password"`
	// Path is the websocket path to open with the same session bearer.
	// The bearer must be the session one: target resolution for session
	// bearers is served from the credential cache, which is what keeps
	// this password valid for the upgrade that follows.
	Path string `json:"path"`
}

// connectInfoVNC resolves VNC connection info for the browser SDK, filling
// the session's credential cache so the websocket upgrade that follows gets
// the same password.
func (h *Handler) connectInfoVNC(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	return h.connectInfo(w, r, p, proxy.ProtocolVNC)
}

// connectInfoSPICE is the SPICE counterpart of connectInfoVNC.
func (h *Handler) connectInfoSPICE(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	return h.connectInfo(w, r, p, proxy.ProtocolSPICE)
}

func (h *Handler) connectInfo(w http.ResponseWriter, r *http.Request, p httprouter.Params, proto proxy.Protocol) (interface{}, error) {
	vmID := p.ByName("vmId")
	if vmID == "" {
		return nil, trace.BadParameter("missing vm id")
	}
	_, id, err := h.sessionFromRequest(r)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	target, err := h.cfg.Resolver.Resolve(r.Context(), id, vmID, proto)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return connectInfoResponse{
		Host:     target.Host,
		Port:     target.Port,
		Password: target.Password,
		Path:     "/" + string(proto) + "/" + vmID,
	}, nil
}

type displayTokenResponse struct {
	Token string `json:"token"`
	Path  string `json:"path"`
}

// displayToken mints a short-lived display bearer for embedding a single
// VM's console outside the logged-in portal. Display bearers embed the
// upstream token and resolve fresh credentials at upgrade time.
func (h *Handler) displayToken(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	vmID := p.ByName("vmId")
	if vmID == "" {
		return nil, trace.BadParameter("missing vm id")
	}
	sess, _, err := h.sessionFromRequest(r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if !sess.HasVM(vmID) {
		return nil, trace.NotFound("vm %q is not in the session inventory", vmID)
	}

	token, err := h.cfg.Signer.SignDisplay(vmID, sess.UpstreamToken)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return displayTokenResponse{
		Token: token,
		Path:  "/" + string(proxy.ProtocolSPICE) + "/" + vmID,
	}, nil
}

// health is the liveness endpoint.
func (h *Handler) health(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	return map[string]interface{}{
		"status":      "ok",
		"uptime":      h.cfg.Clock.Now().Sub(h.started).String(),
		"connections": h.cfg.Registry.Len(),
		"sessions":    h.cfg.Sessions.Len(),
	}, nil
}
