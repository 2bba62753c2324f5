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

// Package ocv implements a typed client for the oCloudView management API,
// the upstream service that authenticates users and knows where each VM's
// display server lives.
//
// Every response arrives in a numeric returnCode envelope. Most endpoints
// use 200 for success; the vm-port endpoint uses 0. Domain error codes are
// mapped onto trace error classes so callers can branch on error kind
// without knowing upstream conventions.
package ocv

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/gravitational/trace"

	"github.com/ocloudview/gateway/lib/defaults"
)

// Domain error codes returned inside the envelope.
const (
	codeWrongPassword = 5090
	codeUserNotFound  = 5098
)

// maxResponseSize bounds upstream response bodies.
const maxResponseSize = 4 << 20

// ClientConfig holds parameters for the management API client.
type ClientConfig struct {
	// BaseURL is the root of the management API, e.g. "https://mgmt:9443".
	BaseURL string
	// HTTPClient optionally overrides the HTTP client used for all calls.
	HTTPClient *http.Client
	// Log is the logger, defaults to the global one.
	Log *slog.Logger
}

// CheckAndSetDefaults checks and sets default values.
func (c *ClientConfig) CheckAndSetDefaults() error {
	if c.BaseURL == "" {
		return trace.BadParameter("missing parameter BaseURL")
	}
	if _, err := url.Parse(c.BaseURL); err != nil {
		return trace.BadParameter("invalid BaseURL %q: %v", c.BaseURL, err)
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: defaults.UpstreamRequestTimeout}
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	return nil
}

// Client talks to the oCloudView management API. It is safe for concurrent
// use.
type Client struct {
	cfg ClientConfig
}

// NewClient returns a new management API client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Client{cfg: cfg}, nil
}

// Login exchanges user credentials for an upstream token and the user's VM
// inventory.
func (c *Client) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	var out LoginResult
	err := c.post(ctx, "/login", map[string]string{
		"username": username,
		"password": password,
	}, 200, &out)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if out.Token == "" {
		return nil, trace.BadParameter("upstream login response is missing a token")
	}
	return &out, nil
}

// VMConnectionInfo returns the host serving the given VM's display.
func (c *Client) VMConnectionInfo(ctx context.Context, token, vmID string) (*ConnectionInfo, error) {
	var out ConnectionInfo
	err := c.post(ctx, "/vm-connection-info", map[string]string{
		"token": token,
		"vmId":  vmID,
	}, 200, &out)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if out.HostIP == "" {
		return nil, trace.BadParameter("upstream returned no host for vm %q", vmID)
	}
	return &out, nil
}

// VMPort returns the display ports of the given VM. Note the envelope
// success code here is 0, not 200; an upstream quirk the rest of the API
// does not share.
func (c *Client) VMPort(ctx context.Context, token, vmID string) (*Ports, error) {
	u := "/vm-port?" + url.Values{"token": {token}, "vmId": {vmID}}.Encode()
	var out Ports
	if err := c.call(ctx, http.MethodGet, u, nil, 0, &out); err != nil {
		return nil, trace.Wrap(err)
	}
	return &out, nil
}

// VNCPassword asks the upstream to provision a one-time VNC password for the
// VM and returns it still base64-encoded, exactly as the wire carries it.
//
// The endpoint is not idempotent: every call mints a new password and
// invalidates nothing. Callers that hand a password to a client must cache
// it and never call this again for the same session/VM pair.
func (c *Client) VNCPassword(ctx context.Context, token, vmID string) (string, error) {
	var out struct {
		Password string `json:"password"`
	}
	err := c.post(ctx, "/vnc-password", map[string]string{
		"token": token,
		"vmId":  vmID,
	}, 200, &out)
	if err != nil {
		return "", trace.Wrap(err)
	}
	if out.Password == "" {
		return "", trace.BadParameter("upstream returned an empty vnc password for vm %q", vmID)
	}
	return out.Password, nil
}

// SPICEConnectionInfo resolves host, port and password for a SPICE session
// in a single call. Same non-idempotence caveat as VNCPassword.
func (c *Client) SPICEConnectionInfo(ctx context.Context, token, vmID string, opts SpiceRenderOptions) (*SpiceConnectionInfo, error) {
	var out SpiceConnectionInfo
	err := c.post(ctx, "/spice-connection-info", map[string]interface{}{
		"token":     token,
		"vmId":      vmID,
		"rendering": opts,
	}, 200, &out)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if out.HostIP == "" || out.Port == 0 {
		return nil, trace.BadParameter("upstream returned incomplete spice connection info for vm %q", vmID)
	}
	return &out, nil
}

func (c *Client) post(ctx context.Context, path string, body interface{}, okCode int, out interface{}) error {
	return c.call(ctx, http.MethodPost, path, body, okCode, out)
}

// envelope is the outer shape of every management API response.
type envelope struct {
	ReturnCode int             `json:"returnCode"`
	Message    string          `json:"message"`
	Data       json.RawMessage `json:"data"`
}

func (c *Client) call(ctx context.Context, method, path string, body interface{}, okCode int, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return trace.Wrap(err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return trace.Wrap(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return trace.ConnectionProblem(err, "management API is unreachable at %v", endpoint)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return trace.ConnectionProblem(err, "reading management API response")
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return trace.AccessDenied("management API denied the request: %v", resp.Status)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		// Includes 404: a missing upstream endpoint is an infrastructure
		// fault, not an authorization decision, and must not be reported
		// like one. Domain-level "not found" answers arrive as envelope
		// code 5098 instead.
		return trace.Errorf("management API returned %v for %v", resp.Status, path)
	}

	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return trace.BadParameter("malformed management API response: %v", err)
	}
	if env.ReturnCode != okCode {
		return envelopeError(env)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return trace.BadParameter("malformed management API payload: %v", err)
		}
	}
	return nil
}

// envelopeError maps domain return codes onto trace error classes.
func envelopeError(env envelope) error {
	switch env.ReturnCode {
	case codeWrongPassword:
		return trace.AccessDenied("wrong password (code %d): %v", env.ReturnCode, env.Message)
	case codeUserNotFound:
		return trace.NotFound("user not found (code %d): %v", env.ReturnCode, env.Message)
	default:
		return trace.Errorf("management API rejected the request (code %d): %v", env.ReturnCode, env.Message)
	}
}
