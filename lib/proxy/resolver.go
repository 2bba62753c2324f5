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
	"encoding/base64"
	"log/slog"
	"strings"

	"github.com/gravitational/trace"

	"github.com/ocloudview/gateway/lib/auth"
	"github.com/ocloudview/gateway/lib/ocv"
	"github.com/ocloudview/gateway/lib/session"
)

// ResolverConfig holds parameters for the target resolver.
type ResolverConfig struct {
	// Client is the management API client.
	Client *ocv.Client
	// Sessions is the session store consulted for session bearers.
	Sessions *session.Store
	// Log is the logger.
	Log *slog.Logger
}

// CheckAndSetDefaults checks and sets default values.
func (c *ResolverConfig) CheckAndSetDefaults() error {
	if c.Client == nil {
		return trace.BadParameter("missing parameter Client")
	}
	if c.Sessions == nil {
		return trace.BadParameter("missing parameter Sessions")
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	return nil
}

// Resolver translates a verified bearer identity plus a VM id into the
// display server endpoint to dial.
//
// For session bearers the per-session credential cache is authoritative:
// the upstream password endpoints mint a fresh password on every call, so a
// second lookup would produce a password that no longer matches what the
// browser SDK holds. The first resolution for a (session, vm, protocol)
// triple fills the cache; every later one returns the cached tuple verbatim.
//
// Display bearers embed the upstream token and bypass the cache: they were
// issued together with a freshly minted password, and the matching
// credentials are fetched with the embedded token.
type Resolver struct {
	cfg ResolverConfig
}

// NewResolver returns a new target resolver.
func NewResolver(cfg ResolverConfig) (*Resolver, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Resolver{cfg: cfg}, nil
}

// Resolve returns the host, port and password for the given VM and protocol.
func (r *Resolver) Resolve(ctx context.Context, id *auth.Identity, vmID string, proto Protocol) (ocv.Target, error) {
	if vmID == "" {
		return ocv.Target{}, trace.BadParameter("missing vm id")
	}

	if id.IsDisplay() {
		if id.VMID != vmID {
			return ocv.Target{}, trace.AccessDenied("bearer token is not valid for vm %q", vmID)
		}
		t, err := r.fetch(ctx, id.UpstreamToken, vmID, proto)
		return t, trace.Wrap(err)
	}

	sess, err := r.cfg.Sessions.Get(id.SessionID)
	if err != nil {
		return ocv.Target{}, trace.AccessDenied("session expired, log in again")
	}
	if !sess.HasVM(vmID) {
		return ocv.Target{}, trace.NotFound("vm %q is not in the session inventory", vmID)
	}

	t, err := sess.Target(cacheKey(vmID, proto), func() (ocv.Target, error) {
		return r.fetch(ctx, sess.UpstreamToken, vmID, proto)
	})
	return t, trace.Wrap(err)
}

func cacheKey(vmID string, proto Protocol) string {
	return string(proto) + "/" + vmID
}

// fetch calls the upstream endpoints for the given protocol. For VNC that is
// three calls (connection info, ports, password); for SPICE a single one.
// VNC passwords arrive base64-wrapped and are decoded here, exactly once,
// before anything is cached or returned.
func (r *Resolver) fetch(ctx context.Context, token, vmID string, proto Protocol) (ocv.Target, error) {
	switch proto {
	case ProtocolVNC:
		info, err := r.cfg.Client.VMConnectionInfo(ctx, token, vmID)
		if err != nil {
			return ocv.Target{}, trace.Wrap(err)
		}
		ports, err := r.cfg.Client.VMPort(ctx, token, vmID)
		if err != nil {
			return ocv.Target{}, trace.Wrap(err)
		}
		if ports.VNCPort == 0 {
			return ocv.Target{}, trace.NotFound("vm %q has no vnc port", vmID)
		}
		encoded, err := r.cfg.Client.VNCPassword(ctx, token, vmID)
		if err != nil {
			return ocv.Target{}, trace.Wrap(err)
		}
		password, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
		if err != nil {
			return ocv.Target{}, trace.BadParameter("upstream vnc password is not valid base64: %v", err)
		}
		return ocv.Target{
			Host:     info.HostIP,
			Port:     ports.VNCPort,
			Password: string(password),
		}, nil

	case ProtocolSPICE:
		info, err := r.cfg.Client.SPICEConnectionInfo(ctx, token, vmID, ocv.SpiceRenderOptions{})
		if err != nil {
			return ocv.Target{}, trace.Wrap(err)
		}
		return ocv.Target{
			Host:     info.HostIP,
			Port:     info.Port,
			Password: info.Password,
		}, nil

	default:
		return ocv.Target{}, trace.BadParameter("unsupported protocol %q", proto)
	}
}
