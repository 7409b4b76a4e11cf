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

import "time"

const (
	minRTO = 100 * time.Millisecond
	maxRTO = 10 * time.Second
)

// rtoEstimator tracks the smoothed round-trip time and its mean deviation,
// the same estimator shape TCP (RFC 6298) and KCP use, and derives the
// retransmission timeout as srtt + 4*rttvar, clamped to [minRTO, maxRTO].
type rtoEstimator struct {
	srtt   time.Duration
	rttvar time.Duration
	set    bool
}

// Update folds a fresh RTT sample into the estimator.
func (e *rtoEstimator) Update(sample time.Duration) {
	if sample <= 0 {
		return
	}
	if !e.set {
		e.srtt = sample
		e.rttvar = sample / 2
		e.set = true
		return
	}
	delta := e.srtt - sample
	if delta < 0 {
		delta = -delta
	}
	e.rttvar = e.rttvar - e.rttvar/4 + delta/4
	e.srtt = e.srtt - e.srtt/8 + sample/8
}

// RTO returns the current retransmission timeout.
func (e *rtoEstimator) RTO() time.Duration {
	if !e.set {
		return 3 * time.Second
	}
	rto := e.srtt + 4*e.rttvar
	if rto < minRTO {
		return minRTO
	}
	if rto > maxRTO {
		return maxRTO
	}
	return rto
}
