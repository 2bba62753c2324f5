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
	"fmt"
	"sync"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/ocloudview/gateway/lib/defaults"
)

// Structured messages sent to the client before a policy close. The browser
// SDK surfaces them as-is.
const (
	MsgTooManyConnections   = "Too many connections"
	MsgTooManyVMConnections = "Too many connections for this VM"
)

// AdmissionConfig holds parameters for the admission controller.
type AdmissionConfig struct {
	// GlobalMax caps connections across all VMs.
	GlobalMax int
	// PerVMMax caps connections sharing a vm id. Must leave room for the
	// full SPICE channel set.
	PerVMMax int
	// Clock supplies the timestamp baked into connection ids.
	Clock clockwork.Clock
}

// CheckAndSetDefaults checks and sets default values.
func (c *AdmissionConfig) CheckAndSetDefaults() error {
	if c.GlobalMax == 0 {
		c.GlobalMax = defaults.GlobalMaxConnections
	}
	if c.PerVMMax == 0 {
		c.PerVMMax = defaults.PerVMMaxConnections
	}
	if c.PerVMMax < defaults.MinPerVMConnections {
		return trace.BadParameter("per-VM connection cap %d is below %d, not enough for the SPICE channel set",
			c.PerVMMax, defaults.MinPerVMConnections)
	}
	if c.GlobalMax < c.PerVMMax {
		return trace.BadParameter("global connection cap %d is below the per-VM cap %d",
			c.GlobalMax, c.PerVMMax)
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Admission enforces the global and per-VM connection caps and issues
// connection ids. Slots are reserved at admission time, before the upstream
// dial, so a burst of upgrades cannot overshoot the caps while dials are in
// flight.
type Admission struct {
	cfg AdmissionConfig

	mu      sync.Mutex
	global  int
	perVM   map[string]int
	counter uint64
}

// NewAdmission returns a new admission controller.
func NewAdmission(cfg AdmissionConfig) (*Admission, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Admission{
		cfg:   cfg,
		perVM: make(map[string]int),
	}, nil
}

// Admit reserves a connection slot for the given VM and returns the new
// connection id. The global cap is checked first, then the per-VM cap. The
// id is "{vmId}_{counter}_{unixMillis}"; uniqueness relies on the counter
// alone, the timestamp is for humans reading logs.
func (a *Admission) Admit(vmID string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.global >= a.cfg.GlobalMax {
		return "", trace.LimitExceeded("%s", MsgTooManyConnections)
	}
	if a.perVM[vmID] >= a.cfg.PerVMMax {
		return "", trace.LimitExceeded("%s", MsgTooManyVMConnections)
	}

	a.global++
	a.perVM[vmID]++
	a.counter++
	return fmt.Sprintf("%s_%d_%d", vmID, a.counter, a.cfg.Clock.Now().UnixMilli()), nil
}

// Release returns a previously admitted slot. Callers must release exactly
// once per successful Admit.
func (a *Admission) Release(vmID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.global > 0 {
		a.global--
	}
	if n := a.perVM[vmID]; n > 1 {
		a.perVM[vmID] = n - 1
	} else {
		delete(a.perVM, vmID)
	}
}

// InUse returns the number of reserved slots, globally and for the given VM.
func (a *Admission) InUse(vmID string) (global, vm int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.global, a.perVM[vmID]
}
