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

package ocv

// VMTypeStandalone and VMTypePool are the two inventory entry types the
// management API reports.
const (
	VMTypeStandalone = "standalone"
	VMTypePool       = "pool"
)

// VM is one entry of a user's inventory snapshot.
type VM struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
	Type   string `json:"type"`
}

// LoginResult carries the upstream token and the inventory returned by a
// successful login. The token never leaves the gateway process.
type LoginResult struct {
	Token string `json:"token"`
	VMs   []VM   `json:"vms"`
}

// ConnectionInfo is the response of the vm-connection-info endpoint.
type ConnectionInfo struct {
	HostIP    string `json:"hostIp"`
	SpicePort int    `json:"spicePort"`
}

// Ports is the response of the vm-port endpoint.
type Ports struct {
	VNCPort   int `json:"vncPort"`
	SpicePort int `json:"spicePort"`
}

// SpiceConnectionInfo is the response of the spice-connection-info endpoint.
// Unlike the VNC password endpoint the password here is plain, not base64.
type SpiceConnectionInfo struct {
	HostIP   string `json:"hostIp"`
	Port     int    `json:"port"`
	Password string `json:"password"`
}

// SpiceRenderOptions is the rendering configuration forwarded to the
// spice-connection-info endpoint.
type SpiceRenderOptions struct {
	StreamingMode string `json:"streamingMode,omitempty"`
	Compression   string `json:"compression,omitempty"`
}

// Target is a fully resolved display server endpoint: where to dial and how
// to authenticate. Passwords are stored decoded.
type Target struct {
	Host     string
	Port     int
	Password string
}
