// Copyright 2024 Jigsaw Operations LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package shapeshift

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Jigsaw-Code/obfsproxy/psf"
)

func testPool(t *testing.T, n int) []*psf.Descriptor {
	t.Helper()
	reg := psf.NewBuiltinRegistry()
	names := reg.Names()
	require.GreaterOrEqual(t, len(names), n)
	pool := make([]*psf.Descriptor, n)
	for i := 0; i < n; i++ {
		d, ok := reg.Get(names[i])
		require.True(t, ok)
		pool[i] = d
	}
	return pool
}

func TestFixedNeverRotates(t *testing.T) {
	c, err := NewController(Config{Pool: testPool(t, 3), Policy: PolicyFixed})
	require.NoError(t, err)
	start := c.Current()
	for i := 0; i < 1000; i++ {
		d, rotated := c.MaybeRotate(time.Now(), 100)
		require.False(t, rotated)
		require.Same(t, start, d)
	}
}

func TestPeriodicRotatesOnSchedule(t *testing.T) {
	c, err := NewController(Config{Pool: testPool(t, 2), Policy: PolicyPeriodic, Period: time.Second})
	require.NoError(t, err)
	now := time.Now()
	_, rotated := c.MaybeRotate(now, 10)
	require.False(t, rotated)

	_, rotated = c.MaybeRotate(now.Add(2*time.Second), 10)
	require.True(t, rotated)
}

func TestVolumeRotatesAfterThreshold(t *testing.T) {
	c, err := NewController(Config{Pool: testPool(t, 2), Policy: PolicyVolume, VolumeThreshold: 1000})
	require.NoError(t, err)
	now := time.Now()
	_, rotated := c.MaybeRotate(now, 500)
	require.False(t, rotated)
	_, rotated = c.MaybeRotate(now, 600)
	require.True(t, rotated)
}

func TestVolumeRotatesAfterRecordThreshold(t *testing.T) {
	c, err := NewController(Config{Pool: testPool(t, 2), Policy: PolicyVolume, RecordThreshold: 3})
	require.NoError(t, err)
	now := time.Now()
	for i := 0; i < 2; i++ {
		_, rotated := c.MaybeRotate(now, 1)
		require.False(t, rotated)
	}
	_, rotated := c.MaybeRotate(now, 1)
	require.True(t, rotated)
}

func TestVolumeRotatesOnWhicheverThresholdComesFirst(t *testing.T) {
	c, err := NewController(Config{Pool: testPool(t, 2), Policy: PolicyVolume, VolumeThreshold: 1_000_000, RecordThreshold: 2})
	require.NoError(t, err)
	now := time.Now()
	_, rotated := c.MaybeRotate(now, 1)
	require.False(t, rotated)
	_, rotated = c.MaybeRotate(now, 1) // record threshold hit well before the byte threshold
	require.True(t, rotated)
}

func TestBothDirectionEndsAgreeOnSchedule(t *testing.T) {
	pool := testPool(t, 3)
	seed := []byte("shared-direction-key")
	sender, err := NewController(Config{Pool: pool, Policy: PolicyUniformRandom, Seed: seed, RecordWindow: 8})
	require.NoError(t, err)
	receiver, err := NewController(Config{Pool: pool, Policy: PolicyUniformRandom, Seed: seed, RecordWindow: 8})
	require.NoError(t, err)

	now := time.Now()
	for i := 0; i < 200; i++ {
		sd, srot := sender.MaybeRotate(now, 64)
		rd, rrot := receiver.MaybeRotate(now, 64)
		require.Equal(t, srot, rrot)
		require.Equal(t, sd.Name, rd.Name)
	}
}

func disjointPools(t *testing.T) (safe, normal []*psf.Descriptor) {
	t.Helper()
	all := testPool(t, 3)
	return all[:2], all[2:]
}

func TestAdaptiveStartsOnSafePoolBeforeAnySignal(t *testing.T) {
	safe, normal := disjointPools(t)
	c, err := NewController(Config{Policy: PolicyAdaptive, SafePool: safe, NormalPool: normal, RiskThreshold: 0.5})
	require.NoError(t, err)
	require.Same(t, safe[0], c.Current())
}

func TestAdaptiveSwitchesToNormalPoolBelowThreshold(t *testing.T) {
	safe, normal := disjointPools(t)
	c, err := NewController(Config{Policy: PolicyAdaptive, SafePool: safe, NormalPool: normal, RiskThreshold: 0.5})
	require.NoError(t, err)

	c.ReportSignal(0.1) // below threshold: NormalPool becomes active
	d, rotated := c.MaybeRotate(time.Now(), 10)
	require.True(t, rotated)
	require.Contains(t, normal, d)
}

func TestAdaptiveFallsBackToSafePoolAtOrAboveThreshold(t *testing.T) {
	safe, normal := disjointPools(t)
	c, err := NewController(Config{Policy: PolicyAdaptive, SafePool: safe, NormalPool: normal, RiskThreshold: 0.5})
	require.NoError(t, err)

	c.ReportSignal(0.1)
	d, rotated := c.MaybeRotate(time.Now(), 10)
	require.True(t, rotated)
	require.Contains(t, normal, d)

	c.ReportSignal(0.9) // risk rises back to/above threshold: SafePool becomes active again
	d, rotated = c.MaybeRotate(time.Now(), 10)
	require.True(t, rotated)
	require.Contains(t, safe, d)
}

func TestAdaptiveRejectsEmptyPools(t *testing.T) {
	_, err := NewController(Config{Policy: PolicyAdaptive, SafePool: testPool(t, 1)})
	require.Error(t, err)
}
