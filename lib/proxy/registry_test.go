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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestRecord(t *testing.T, id, vmID string) *Record {
	t.Helper()
	return NewRecord(RecordParams{
		ID:        id,
		VMID:      vmID,
		Protocol:  ProtocolVNC,
		Upstream:  "10.0.0.7:5901",
		StartedAt: time.Now(),
	})
}

func TestRegistryRegisterUnregister(t *testing.T) {
	t.Parallel()

	reg, err := NewRegistry(nil)
	require.NoError(t, err)

	rec := newTestRecord(t, "vm-1_1_0", "vm-1")
	reg.Register(rec)
	require.Equal(t, 1, reg.Len())
	require.Equal(t, 1, reg.CountByVM("vm-1"))

	got, ok := reg.Get("vm-1_1_0")
	require.True(t, ok)
	require.Same(t, rec, got)

	require.True(t, reg.Unregister("vm-1_1_0"))
	require.Equal(t, 0, reg.Len())
	require.Equal(t, 0, reg.CountByVM("vm-1"))

	// A second unregister for the same id is a no-op: the splice teardown
	// and an explicit close can race to it.
	require.False(t, reg.Unregister("vm-1_1_0"))
}

func TestRegistryCloseAllByVM(t *testing.T) {
	t.Parallel()

	reg, err := NewRegistry(nil)
	require.NoError(t, err)

	var closed []string
	for _, id := range []string{"vm-1_1_0", "vm-1_2_0"} {
		rec := newTestRecord(t, id, "vm-1")
		rec.terminate = func() { closed = append(closed, rec.ID) }
		reg.Register(rec)
	}
	other := newTestRecord(t, "vm-2_3_0", "vm-2")
	other.terminate = func() { closed = append(closed, other.ID) }
	reg.Register(other)

	require.Equal(t, 2, reg.CloseAllByVM("vm-1"))
	require.ElementsMatch(t, []string{"vm-1_1_0", "vm-1_2_0"}, closed)
}

func TestRegistryCloseAll(t *testing.T) {
	t.Parallel()

	reg, err := NewRegistry(nil)
	require.NoError(t, err)

	var closed int
	for _, id := range []string{"vm-1_1_0", "vm-2_2_0"} {
		rec := newTestRecord(t, id, id[:4])
		rec.terminate = func() { closed++ }
		reg.Register(rec)
	}
	reg.CloseAll()
	require.Equal(t, 2, closed)
}

func TestRegistrySnapshot(t *testing.T) {
	t.Parallel()

	reg, err := NewRegistry(nil)
	require.NoError(t, err)

	rec := newTestRecord(t, "vm-1_1_0", "vm-1")
	reg.Register(rec)

	snap := reg.Snapshot()
	require.Len(t, snap, 1)
	require.Equal(t, "vm-1_1_0", snap[0].ID)
	require.Equal(t, "vm-1", snap[0].VMID)
	require.Equal(t, ProtocolVNC, snap[0].Protocol)
	require.Equal(t, "10.0.0.7:5901", snap[0].Upstream)
}

func TestRecordAliveness(t *testing.T) {
	t.Parallel()

	rec := newTestRecord(t, "vm-1_1_0", "vm-1")

	// NewRecord starts alive; the first swap observes that and arms the
	// next sweep.
	require.True(t, rec.SwapAlive())
	require.False(t, rec.SwapAlive())

	rec.MarkAlive()
	require.True(t, rec.SwapAlive())

	then := time.Now().Add(-time.Minute)
	rec.Touch(then)
	require.Equal(t, then.UnixNano(), rec.LastActivity().UnixNano())
}
