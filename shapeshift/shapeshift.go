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

// Package shapeshift decides, for one direction of one session, when to
// rotate the active PSF descriptor. A Controller is seeded identically on
// the record-sealing side and the record-opening side of the same
// direction (both derive their seed from that direction's AEAD key), so
// the two ends pick the identical rotation schedule without any
// additional on-wire negotiation: every record the sender seals is the
// same record, in the same position in the stream, that the receiver
// opens.
package shapeshift

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/Jigsaw-Code/obfsproxy/psf"
)

// Policy selects how a Controller schedules rotation.
type Policy int

const (
	// PolicyFixed never rotates; the session stays on the pool's first
	// descriptor for its entire lifetime.
	PolicyFixed Policy = iota
	// PolicyPeriodic rotates to the next pool descriptor, in order,
	// once Period has elapsed since the last rotation.
	PolicyPeriodic
	// PolicyUniformRandom rotates to a uniformly random pool descriptor
	// (not equal to the current one) after a uniformly random number of
	// records in [1, RecordWindow].
	PolicyUniformRandom
	// PolicyVolume rotates to a uniformly random pool descriptor (not
	// equal to the current one) once either VolumeThreshold bytes or
	// RecordThreshold records have passed since the last rotation,
	// whichever comes first.
	PolicyVolume
	// PolicyAdaptive maintains two pools, SafePool and NormalPool, and
	// picks the active descriptor by comparing the most recently
	// reported risk score (see ReportSignal) against RiskThreshold: at
	// or above threshold it rotates within SafePool, otherwise within
	// NormalPool. Before any signal has been reported, it behaves as if
	// risk were at threshold, so the session starts on SafePool.
	PolicyAdaptive
)

func (p Policy) String() string {
	switch p {
	case PolicyFixed:
		return "FIXED"
	case PolicyPeriodic:
		return "PERIODIC"
	case PolicyUniformRandom:
		return "UNIFORM_RANDOM"
	case PolicyVolume:
		return "VOLUME"
	case PolicyAdaptive:
		return "ADAPTIVE"
	default:
		return "unknown"
	}
}

// Config parameterizes a Controller.
type Config struct {
	// Pool is the rotation pool for every policy except PolicyAdaptive.
	Pool      []*psf.Descriptor
	Policy    Policy
	Role      psf.Role
	Seed      []byte // direction key material; must match on both ends
	StartTime time.Time

	Period          time.Duration // PolicyPeriodic
	VolumeThreshold uint64        // PolicyVolume: byte threshold
	RecordThreshold uint64        // PolicyVolume: record-count threshold
	RecordWindow    uint64        // PolicyUniformRandom upper bound

	// SafePool and NormalPool are PolicyAdaptive's two rotation pools;
	// RiskThreshold is the risk score (see ReportSignal) at or above
	// which SafePool is active instead of NormalPool. Both pools must be
	// non-empty under PolicyAdaptive.
	SafePool      []*psf.Descriptor
	NormalPool    []*psf.Descriptor
	RiskThreshold float64
}

// Controller tracks one direction's rotation schedule and current
// descriptor. It is not safe for concurrent use; the owning Session calls
// MaybeRotate synchronously from the single goroutine that drives that
// direction's I/O, so no record is ever sealed or opened against a
// descriptor the cursor has already moved past.
type Controller struct {
	cfg Config
	rnd *rand.Rand

	idx     int             // active index into cfg.Pool, for every policy but PolicyAdaptive
	current *psf.Descriptor // active descriptor, for PolicyAdaptive

	lastRotation  time.Time
	bytesSince    uint64
	recordsSince  uint64
	nextThreshold uint64

	riskKnown     bool
	lastRiskScore float64
}

// NewController builds a Controller. Every policy but PolicyAdaptive draws
// from a non-empty Pool, whose first descriptor is the initial active one.
// PolicyAdaptive draws from SafePool and NormalPool instead, both of which
// must be non-empty, and starts on SafePool's first descriptor.
func NewController(cfg Config) (*Controller, error) {
	if cfg.Policy == PolicyAdaptive {
		if len(cfg.SafePool) == 0 || len(cfg.NormalPool) == 0 {
			return nil, fmt.Errorf("shapeshift: PolicyAdaptive requires non-empty SafePool and NormalPool")
		}
	} else if len(cfg.Pool) == 0 {
		return nil, fmt.Errorf("shapeshift: pool must contain at least one descriptor")
	}
	if cfg.RecordWindow == 0 {
		cfg.RecordWindow = 64
	}
	if cfg.StartTime.IsZero() {
		cfg.StartTime = time.Now()
	}
	c := &Controller{
		cfg:          cfg,
		rnd:          rand.New(rand.NewSource(seedToInt64(cfg.Seed))),
		lastRotation: cfg.StartTime,
	}
	if cfg.Policy == PolicyAdaptive {
		c.current = cfg.SafePool[0]
	}
	c.nextThreshold = c.drawThreshold()
	return c, nil
}

func seedToInt64(seed []byte) int64 {
	var h int64 = 1469598103934665603 // FNV offset basis, truncated to fit int64
	for _, b := range seed {
		h ^= int64(b)
		h *= 1099511628211
	}
	if h < 0 {
		h = -h
	}
	return h
}

func (c *Controller) drawThreshold() uint64 {
	window := c.cfg.RecordWindow
	if window == 0 {
		window = 1
	}
	return uint64(c.rnd.Int63n(int64(window))) + 1
}

// activePool returns PolicyAdaptive's currently selected pool: SafePool
// once risk is at or above RiskThreshold, or before any risk signal has
// been reported; NormalPool once a reported risk has dropped below
// RiskThreshold.
func (c *Controller) activePool() []*psf.Descriptor {
	if !c.riskKnown || c.lastRiskScore >= c.cfg.RiskThreshold {
		return c.cfg.SafePool
	}
	return c.cfg.NormalPool
}

// pickOtherThan returns a uniformly random descriptor from pool, excluding
// cur when cur is itself a member of pool. Single-element pools return
// their only member.
func pickOtherThan(rnd *rand.Rand, pool []*psf.Descriptor, cur *psf.Descriptor) *psf.Descriptor {
	curIdx := -1
	for i, d := range pool {
		if d == cur {
			curIdx = i
			break
		}
	}
	if curIdx == -1 || len(pool) < 2 {
		return pool[rnd.Intn(len(pool))]
	}
	next := rnd.Intn(len(pool) - 1)
	if next >= curIdx {
		next++
	}
	return pool[next]
}

// Current returns the descriptor this direction is presently using.
func (c *Controller) Current() *psf.Descriptor {
	if c.cfg.Policy == PolicyAdaptive {
		return c.current
	}
	return c.cfg.Pool[c.idx]
}

// ReportSignal feeds an external risk estimate (0 meaning no suspected
// observation, higher meaning more) into PolicyAdaptive's scheduling. It
// is a no-op for every other policy.
func (c *Controller) ReportSignal(risk float64) {
	c.lastRiskScore = risk
	c.riskKnown = true
}

// MaybeRotate is called once per record, after it has been fully sent or
// received, with the wall-clock time and the byte length of that record.
// It returns the descriptor to use for the *next* record, and whether
// that differs from the one just used.
func (c *Controller) MaybeRotate(now time.Time, recordBytes int) (*psf.Descriptor, bool) {
	c.bytesSince += uint64(recordBytes)
	c.recordsSince++

	if c.cfg.Policy == PolicyAdaptive {
		return c.maybeRotateAdaptive(now)
	}

	rotate := false
	switch c.cfg.Policy {
	case PolicyFixed:
		rotate = false
	case PolicyPeriodic:
		rotate = c.cfg.Period > 0 && now.Sub(c.lastRotation) >= c.cfg.Period
	case PolicyVolume:
		rotate = (c.cfg.VolumeThreshold > 0 && c.bytesSince >= c.cfg.VolumeThreshold) ||
			(c.cfg.RecordThreshold > 0 && c.recordsSince >= c.cfg.RecordThreshold)
	case PolicyUniformRandom:
		rotate = c.recordsSince >= c.nextThreshold
	}

	if !rotate || len(c.cfg.Pool) < 2 {
		return c.Current(), false
	}

	switch c.cfg.Policy {
	case PolicyPeriodic:
		c.idx = (c.idx + 1) % len(c.cfg.Pool)
	case PolicyVolume, PolicyUniformRandom:
		next := pickOtherThan(c.rnd, c.cfg.Pool, c.Current())
		for i, d := range c.cfg.Pool {
			if d == next {
				c.idx = i
				break
			}
		}
	}
	c.lastRotation = now
	c.bytesSince = 0
	c.recordsSince = 0
	c.nextThreshold = c.drawThreshold()
	return c.Current(), true
}

// maybeRotateAdaptive implements PolicyAdaptive: it rotates immediately
// whenever the risk-selected pool changes underneath the active
// descriptor, and otherwise rotates within the active pool on the same
// random record schedule PolicyUniformRandom uses.
func (c *Controller) maybeRotateAdaptive(now time.Time) (*psf.Descriptor, bool) {
	pool := c.activePool()

	inPool := false
	for _, d := range pool {
		if d == c.current {
			inPool = true
			break
		}
	}

	rotate := !inPool || c.recordsSince >= c.nextThreshold
	if !rotate {
		return c.current, false
	}

	prev := c.current
	c.current = pickOtherThan(c.rnd, pool, c.current)
	c.lastRotation = now
	c.bytesSince = 0
	c.recordsSince = 0
	c.nextThreshold = c.drawThreshold()
	return c.current, c.current != prev
}
