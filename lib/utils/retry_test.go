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
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func TestExponentialProgression(t *testing.T) {
	t.Parallel()

	retry, err := NewExponential(ExponentialConfig{
		Base:       time.Second,
		Multiplier: 2,
		Clock:      clockwork.NewFakeClock(),
	})
	require.NoError(t, err)

	require.Equal(t, time.Second, retry.Duration())
	retry.Inc()
	require.Equal(t, 2*time.Second, retry.Duration())
	retry.Inc()
	require.Equal(t, 4*time.Second, retry.Duration())

	retry.Reset()
	require.Equal(t, time.Second, retry.Duration())
}

func TestExponentialMax(t *testing.T) {
	t.Parallel()

	retry, err := NewExponential(ExponentialConfig{
		Base:       time.Second,
		Multiplier: 3,
		Max:        5 * time.Second,
		Clock:      clockwork.NewFakeClock(),
	})
	require.NoError(t, err)

	retry.Inc()
	retry.Inc()
	require.Equal(t, 5*time.Second, retry.Duration())
}

func TestExponentialConfigValidation(t *testing.T) {
	t.Parallel()

	_, err := NewExponential(ExponentialConfig{})
	require.Error(t, err)

	_, err = NewExponential(ExponentialConfig{Base: time.Second, Multiplier: 0.5})
	require.Error(t, err)
}

func TestExponentialAfterZeroDuration(t *testing.T) {
	t.Parallel()

	retry, err := NewExponential(ExponentialConfig{
		Base: time.Nanosecond,
		Jitter: func(time.Duration) time.Duration {
			return 0
		},
		Clock: clockwork.NewFakeClock(),
	})
	require.NoError(t, err)

	select {
	case <-retry.After():
	case <-time.After(time.Second):
		t.Fatal("zero duration retry should fire immediately")
	}
}

func TestHalfJitter(t *testing.T) {
	t.Parallel()

	jitter := NewHalfJitter()
	require.Equal(t, time.Duration(0), jitter(0))
	for range 100 {
		d := jitter(time.Second)
		require.GreaterOrEqual(t, d, time.Second/2)
		require.Less(t, d, time.Second)
	}
}
