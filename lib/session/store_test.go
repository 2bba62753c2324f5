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

package session

import (
	"sync"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/ocloudview/gateway/lib/ocv"
)

func TestStoreLifecycle(t *testing.T) {
	t.Parallel()

	store := NewStore(StoreConfig{})
	sess := store.NewSession("upstream-token", "alice", []ocv.VM{{ID: "vm-1"}})
	require.NotEmpty(t, sess.ID)
	require.Equal(t, 1, store.Len())

	got, err := store.Get(sess.ID)
	require.NoError(t, err)
	require.Same(t, sess, got)

	store.Remove(sess.ID)
	_, err = store.Get(sess.ID)
	require.True(t, trace.IsNotFound(err))

	// removing twice is fine
	store.Remove(sess.ID)
}

func TestReplaceCarriesPayload(t *testing.T) {
	t.Parallel()

	store := NewStore(StoreConfig{})
	old := store.NewSession("upstream-token", "alice", []ocv.VM{{ID: "vm-1"}})

	cached, err := old.Target("vnc/vm-1", func() (ocv.Target, error) {
		return ocv.Target{Host: "10.0.0.7", Port: 5901, Password: "p1"}, nil
	})
	require.NoError(t, err)

	fresh, err := store.Replace(old.ID)
	require.NoError(t, err)
	require.NotEqual(t, old.ID, fresh.ID)
	require.Equal(t, old.UpstreamToken, fresh.UpstreamToken)
	require.Equal(t, old.VMs, fresh.VMs)

	// The old id is dead, the new one resolves.
	_, err = store.Get(old.ID)
	require.True(t, trace.IsNotFound(err))
	_, err = store.Get(fresh.ID)
	require.NoError(t, err)

	// The credential cache survives the refresh: the fill func must not run
	// again for a key the old session already resolved.
	got, err := fresh.Target("vnc/vm-1", func() (ocv.Target, error) {
		t.Fatal("fill ran for a cached key")
		return ocv.Target{}, nil
	})
	require.NoError(t, err)
	require.Equal(t, cached, got)

	_, err = store.Replace(old.ID)
	require.True(t, trace.IsNotFound(err))
}

func TestTargetFillsOnce(t *testing.T) {
	t.Parallel()

	store := NewStore(StoreConfig{})
	sess := store.NewSession("upstream-token", "alice", nil)

	var fills int
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := sess.Target("vnc/vm-1", func() (ocv.Target, error) {
				fills++
				return ocv.Target{Host: "10.0.0.7", Port: 5901, Password: "p1"}, nil
			})
			require.NoError(t, err)
			require.Equal(t, "p1", got.Password)
		}()
	}
	wg.Wait()
	require.Equal(t, 1, fills)
}

func TestTargetFillErrorIsNotCached(t *testing.T) {
	t.Parallel()

	store := NewStore(StoreConfig{})
	sess := store.NewSession("upstream-token", "alice", nil)

	_, err := sess.Target("vnc/vm-1", func() (ocv.Target, error) {
		return ocv.Target{}, trace.ConnectionProblem(nil, "upstream down")
	})
	require.Error(t, err)

	got, err := sess.Target("vnc/vm-1", func() (ocv.Target, error) {
		return ocv.Target{Host: "10.0.0.7", Port: 5901, Password: "p1"}, nil
	})
	require.NoError(t, err)
	require.Equal(t, "p1", got.Password)
}

func TestHasVM(t *testing.T) {
	t.Parallel()

	store := NewStore(StoreConfig{})
	sess := store.NewSession("upstream-token", "alice", []ocv.VM{{ID: "vm-1"}, {ID: "vm-2"}})
	require.True(t, sess.HasVM("vm-1"))
	require.True(t, sess.HasVM("vm-2"))
	require.False(t, sess.HasVM("vm-3"))
}
