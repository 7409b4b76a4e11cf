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

package reliability

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRTOEstimatorDefaultsBeforeAnySample(t *testing.T) {
	var e rtoEstimator
	require.Equal(t, 3*time.Second, e.RTO())
}

func TestRTOEstimatorConvergesTowardStableSample(t *testing.T) {
	var e rtoEstimator
	for i := 0; i < 50; i++ {
		e.Update(20 * time.Millisecond)
	}
	// a steady 20ms RTT should settle near srtt=20ms with a small
	// rttvar contribution, and never fall below the floor.
	require.GreaterOrEqual(t, e.RTO(), minRTO)
	require.Less(t, e.RTO(), 200*time.Millisecond)
}

func TestRTOEstimatorClampsToBounds(t *testing.T) {
	var e rtoEstimator
	e.Update(1 * time.Microsecond)
	require.Equal(t, minRTO, e.RTO())

	var e2 rtoEstimator
	e2.Update(30 * time.Second)
	for i := 0; i < 5; i++ {
		e2.Update(30 * time.Second)
	}
	require.Equal(t, maxRTO, e2.RTO())
}

func TestRTOEstimatorIgnoresNonPositiveSamples(t *testing.T) {
	var e rtoEstimator
	e.Update(50 * time.Millisecond)
	before := e.RTO()
	e.Update(0)
	e.Update(-5 * time.Millisecond)
	require.Equal(t, before, e.RTO())
}
