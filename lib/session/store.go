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

// Package session keeps the in-process mapping from session id to upstream
// token, VM inventory and per-VM display credentials. A single process is
// authoritative; sessions do not survive a restart and clients must log in
// again.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/ocloudview/gateway/lib/ocv"
)

// Session is the server-side state of one logged-in user. The embedded
// credential cache guarantees that repeated target resolutions for the same
// VM hand out the same password: the upstream password endpoints are not
// idempotent, and the proxy must authenticate with the exact password the
// browser SDK already received.
type Session struct {
	// ID is the opaque process-unique session id.
	ID string
	// UpstreamToken authenticates calls to the management API. It is
	// never sent to the browser.
	UpstreamToken string
	// User is the login name, kept for logging.
	User string
	// VMs is the inventory snapshot taken at login.
	VMs []ocv.VM
	// CreatedAt is the session creation time.
	CreatedAt time.Time

	// mu serializes credential cache fills for this session.
	mu      sync.Mutex
	targets map[string]ocv.Target
}

// Target returns the cached display target for the given cache key, filling
// the cache with the supplied function on first use. Concurrent calls for
// the same session are serialized, so the fill function runs at most once
// per key and every caller observes the same password.
func (s *Session) Target(key string, fill func() (ocv.Target, error)) (ocv.Target, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.targets[key]; ok {
		return t, nil
	}
	t, err := fill()
	if err != nil {
		return ocv.Target{}, trace.Wrap(err)
	}
	s.targets[key] = t
	return t, nil
}

// HasVM reports whether the session's inventory contains the given VM.
func (s *Session) HasVM(vmID string) bool {
	for _, vm := range s.VMs {
		if vm.ID == vmID {
			return true
		}
	}
	return false
}

// StoreConfig holds parameters for the session store.
type StoreConfig struct {
	// Clock is used for session timestamps.
	Clock clockwork.Clock
}

// Store is the in-memory session store. All operations are O(1) map
// lookups under a shared lock.
type Store struct {
	clock clockwork.Clock

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewStore returns an empty session store.
func NewStore(cfg StoreConfig) *Store {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Store{
		clock:    cfg.Clock,
		sessions: make(map[string]*Session),
	}
}

// NewSession creates and registers a session for the given upstream login.
func (s *Store) NewSession(upstreamToken, user string, vms []ocv.VM) *Session {
	sess := &Session{
		ID:            uuid.NewString(),
		UpstreamToken: upstreamToken,
		User:          user,
		VMs:           vms,
		CreatedAt:     s.clock.Now(),
		targets:       make(map[string]ocv.Target),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
	return sess
}

// Get returns the session with the given id.
func (s *Store) Get(id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, trace.NotFound("session %q not found", id)
	}
	return sess, nil
}

// Remove deletes the session with the given id. Removing a missing session
// is not an error.
func (s *Store) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

// Replace atomically retires the old session id and registers a new session
// carrying the same payload, including the credential cache. Used by bearer
// refresh: the new bearer references the new id while in-flight requests on
// the old one fail closed.
func (s *Store) Replace(oldID string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.sessions[oldID]
	if !ok {
		return nil, trace.NotFound("session %q not found", oldID)
	}
	delete(s.sessions, oldID)

	old.mu.Lock()
	targets := make(map[string]ocv.Target, len(old.targets))
	for k, v := range old.targets {
		targets[k] = v
	}
	old.mu.Unlock()

	sess := &Session{
		ID:            uuid.NewString(),
		UpstreamToken: old.UpstreamToken,
		User:          old.User,
		VMs:           old.VMs,
		CreatedAt:     old.CreatedAt,
		targets:       targets,
	}
	s.sessions[sess.ID] = sess
	return sess, nil
}

// Clear removes all sessions.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = make(map[string]*Session)
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
