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

// Package auth issues and verifies the bearer credentials that authorize
// websocket upgrades and REST calls.
//
// Two claim shapes exist: session bearers ({session id, user id}) issued at
// login, and short-lived display bearers ({vm id, upstream token}) embedded
// in the connection info handed to the browser display SDK. The verifier
// accepts both.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/ocloudview/gateway/lib/defaults"
)

// Identity is the verified content of a bearer.
type Identity struct {
	// SessionID and UserID are set on session bearers.
	SessionID string
	UserID    string
	// VMID and UpstreamToken are set on display bearers.
	VMID          string
	UpstreamToken string
}

// IsDisplay reports whether the bearer is a short-lived display credential
// that embeds the upstream token directly instead of referencing a session.
func (id *Identity) IsDisplay() bool {
	return id.UpstreamToken != ""
}

// bearerClaims is the JWT payload. Field presence distinguishes the two
// bearer shapes.
type bearerClaims struct {
	jwt.RegisteredClaims
	SessionID     string `json:"sid,omitempty"`
	UserID        string `json:"uid,omitempty"`
	VMID          string `json:"vm,omitempty"`
	UpstreamToken string `json:"ut,omitempty"`
}

// SignerConfig holds parameters for the bearer signer/verifier.
type SignerConfig struct {
	// Key is the HMAC signing key.
	Key []byte
	// SessionTTL is the validity of session bearers.
	SessionTTL time.Duration
	// DisplayTTL is the validity of display bearers.
	DisplayTTL time.Duration
	// Clock is used to issue and validate timestamps.
	Clock clockwork.Clock
}

// CheckAndSetDefaults checks and sets default values.
func (c *SignerConfig) CheckAndSetDefaults() error {
	if len(c.Key) == 0 {
		return trace.BadParameter("missing parameter Key")
	}
	if c.SessionTTL == 0 {
		c.SessionTTL = defaults.SessionBearerTTL
	}
	if c.DisplayTTL == 0 {
		c.DisplayTTL = defaults.DisplayBearerTTL
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Signer signs and verifies bearer credentials with an HMAC key.
type Signer struct {
	cfg SignerConfig
}

// NewSigner returns a new bearer signer.
func NewSigner(cfg SignerConfig) (*Signer, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Signer{cfg: cfg}, nil
}

// SignSession issues a session bearer for the given session.
func (s *Signer) SignSession(sessionID, userID string) (string, error) {
	if sessionID == "" {
		return "", trace.BadParameter("missing session id")
	}
	return s.sign(bearerClaims{
		SessionID: sessionID,
		UserID:    userID,
	}, s.cfg.SessionTTL)
}

// SignDisplay issues a display bearer that authorizes websocket upgrades for
// a single VM without a server-side session.
func (s *Signer) SignDisplay(vmID, upstreamToken string) (string, error) {
	if vmID == "" || upstreamToken == "" {
		return "", trace.BadParameter("missing vm id or upstream token")
	}
	return s.sign(bearerClaims{
		VMID:          vmID,
		UpstreamToken: upstreamToken,
	}, s.cfg.DisplayTTL)
}

func (s *Signer) sign(claims bearerClaims, ttl time.Duration) (string, error) {
	now := s.cfg.Clock.Now()
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))

	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.cfg.Key)
	if err != nil {
		return "", trace.Wrap(err)
	}
	return raw, nil
}

// Verify checks the signature and expiration of a bearer and returns its
// identity. Expired bearers report the expiry time for observability.
func (s *Signer) Verify(raw string) (*Identity, error) {
	if raw == "" {
		return nil, trace.AccessDenied("missing bearer token")
	}

	var claims bearerClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (interface{}, error) {
		return s.cfg.Key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.cfg.Clock.Now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			expiry := "unknown"
			if claims.ExpiresAt != nil {
				expiry = claims.ExpiresAt.Time.Format(time.RFC3339)
			}
			return nil, trace.AccessDenied("bearer token expired at %v", expiry)
		}
		return nil, trace.AccessDenied("invalid bearer token: %v", err)
	}

	id := &Identity{
		SessionID:     claims.SessionID,
		UserID:        claims.UserID,
		VMID:          claims.VMID,
		UpstreamToken: claims.UpstreamToken,
	}
	if id.SessionID == "" && !id.IsDisplay() {
		return nil, trace.AccessDenied("bearer token carries no usable claims")
	}
	return id, nil
}
