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

package utils

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
)

// Jitter is a function which applies random jitter to a duration. Used to
// randomize backoff values. Must be safe for concurrent usage.
type Jitter func(time.Duration) time.Duration

// NewHalfJitter returns a new jitter on the range [n/2,n). This is a large
// range and most suitable for jittering things like backoff operations where
// breaking cycles quickly is a priority.
func NewHalfJitter() Jitter {
	var mu sync.Mutex
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	return func(d time.Duration) time.Duration {
		// values less than 1 cause rng to panic, and some logic
		// relies on treating zero duration as non-blocking case.
		if d < 1 {
			return 0
		}
		mu.Lock()
		defer mu.Unlock()
		return (d / 2) + time.Duration(rng.Int63n(int64(d))/2)
	}
}

// Retry is an interface that provides retry logic
type Retry interface {
	// Reset resets retry state
	Reset()
	// Inc increments retry attempt
	Inc()
	// Duration returns retry duration,
	// could be 0
	Duration() time.Duration
	// After returns time.Time channel
	// that fires after Duration delay,
	// could fire right away if Duration is 0
	After() <-chan time.Time
}

// ExponentialConfig sets up retry configuration using a geometric
// progression: the delay before attempt n+1 is Base * Multiplier^(n-1).
type ExponentialConfig struct {
	// Base is the delay before the first retry, can't be 0.
	Base time.Duration
	// Multiplier is the backoff factor applied after every attempt;
	// values below 1 are rejected.
	Multiplier float64
	// Max optionally caps the computed delay.
	Max time.Duration
	// Jitter is an optional jitter function to be applied to the delay.
	// Note that supplying a jitter means that successive calls to
	// Duration may return different results.
	Jitter Jitter
	// Clock to override clock in tests
	Clock clockwork.Clock
}

// CheckAndSetDefaults checks and sets defaults
func (c *ExponentialConfig) CheckAndSetDefaults() error {
	if c.Base <= 0 {
		return trace.BadParameter("missing parameter Base")
	}
	if c.Multiplier == 0 {
		c.Multiplier = 2
	}
	if c.Multiplier < 1 {
		return trace.BadParameter("multiplier must be >= 1, got %v", c.Multiplier)
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// NewExponential returns a new instance of exponential backoff retry.
func NewExponential(cfg ExponentialConfig) (*Exponential, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	closedChan := make(chan time.Time)
	close(closedChan)
	return &Exponential{ExponentialConfig: cfg, closedChan: closedChan}, nil
}

// Exponential computes exponentially growing retry delays.
type Exponential struct {
	ExponentialConfig
	attempt    int64
	closedChan chan time.Time
}

// Reset resets retry period to initial state
func (r *Exponential) Reset() {
	r.attempt = 0
}

// Inc increments attempt counter
func (r *Exponential) Inc() {
	r.attempt++
}

// Duration returns retry duration based on state
func (r *Exponential) Duration() time.Duration {
	a := time.Duration(float64(r.Base) * math.Pow(r.Multiplier, float64(r.attempt)))
	if a < 1 {
		return 0
	}
	if r.Max > 0 && a > r.Max {
		a = r.Max
	}
	if r.Jitter != nil {
		a = r.Jitter(a)
	}
	return a
}

// After returns channel that fires with timeout defined in Duration method,
// as a special case if Duration is 0 returns a closed channel
func (r *Exponential) After() <-chan time.Time {
	d := r.Duration()
	if d < 1 {
		return r.closedChan
	}
	return r.Clock.After(d)
}

// String returns user-friendly representation of the retry state.
func (r *Exponential) String() string {
	return fmt.Sprintf("Exponential(attempt=%v, duration=%v)", r.attempt, r.Duration())
}
