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
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Jigsaw-Code/obfsproxy/errs"
)

// fakeDriver is an in-memory Driver pair used to unit test Conn without
// a real carrier underneath. lossPct, when non-zero, silently drops a
// fraction of sends to simulate a lossy path.
type fakeDriver struct {
	out     chan []byte
	in      chan []byte
	closed  chan struct{}
	lossPct int
	rng     *rand.Rand
}

func newFakeDriverPair(lossPct int, seed int64) (*fakeDriver, *fakeDriver) {
	a := make(chan []byte, 256)
	b := make(chan []byte, 256)
	d1 := &fakeDriver{out: a, in: b, closed: make(chan struct{}), lossPct: lossPct, rng: rand.New(rand.NewSource(seed))}
	d2 := &fakeDriver{out: b, in: a, closed: make(chan struct{}), lossPct: lossPct, rng: rand.New(rand.NewSource(seed + 1))}
	return d1, d2
}

func (d *fakeDriver) Send(raw []byte) error {
	if d.lossPct > 0 && d.rng.Intn(100) < d.lossPct {
		return nil
	}
	cp := append([]byte(nil), raw...)
	select {
	case d.out <- cp:
		return nil
	case <-d.closed:
		return net.ErrClosed
	}
}

func (d *fakeDriver) Recv(ctx context.Context) ([]byte, error) {
	select {
	case m := <-d.in:
		return m, nil
	case <-d.closed:
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *fakeDriver) Close() error {
	select {
	case <-d.closed:
	default:
		close(d.closed)
	}
	return nil
}

var _ Driver = (*fakeDriver)(nil)

func TestConnRoundTripNoLoss(t *testing.T) {
	d1, d2 := newFakeDriverPair(0, 1)
	a := Dial(d1, 7, Config{MTU: 64})
	b := Dial(d2, 7, Config{MTU: 64})
	defer a.Close()
	defer b.Close()

	payload := bytes.Repeat([]byte("reliable-overlay-payload-"), 40)
	go func() {
		_, _ = a.Write(payload)
	}()

	b.SetReadDeadline(time.Now().Add(5 * time.Second))
	got := make([]byte, len(payload))
	_, err := io.ReadFull(b, got)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestConnSurvivesSimulatedLoss(t *testing.T) {
	d1, d2 := newFakeDriverPair(30, 42)
	a := Dial(d1, 9, Config{MTU: 32, SendWindow: 16, RecvWindow: 16})
	b := Dial(d2, 9, Config{MTU: 32, SendWindow: 16, RecvWindow: 16})
	defer a.Close()
	defer b.Close()

	payload := bytes.Repeat([]byte("x"), 2000)
	go func() {
		_, _ = a.Write(payload)
	}()

	b.SetReadDeadline(time.Now().Add(20 * time.Second))
	got := make([]byte, len(payload))
	_, err := io.ReadFull(b, got)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestConnSurfacesPathDeadAfterMaxRetransmits(t *testing.T) {
	d1, d2 := newFakeDriverPair(100, 3) // every send vanishes in both directions
	a := Dial(d1, 11, Config{MaxRetransmits: 2})
	defer a.Close()
	_ = d2

	_, err := a.Write([]byte("gone"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return errors.Is(a.Err(), errs.ErrPathDead)
	}, 10*time.Second, 50*time.Millisecond)
}

func TestConnRebindPreservesConversation(t *testing.T) {
	d1, d2 := newFakeDriverPair(0, 5)
	a := Dial(d1, 21, Config{MTU: 64})
	b := Dial(d2, 21, Config{MTU: 64})
	defer a.Close()
	defer b.Close()

	_, err := a.Write([]byte("first-leg"))
	require.NoError(t, err)
	first := make([]byte, len("first-leg"))
	b.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = io.ReadFull(b, first)
	require.NoError(t, err)
	require.Equal(t, "first-leg", string(first))

	d1b, d2b := newFakeDriverPair(0, 6)
	a.Rebind(d1b)
	b.Rebind(d2b)

	_, err = a.Write([]byte("second-leg"))
	require.NoError(t, err)
	second := make([]byte, len("second-leg"))
	b.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = io.ReadFull(b, second)
	require.NoError(t, err)
	require.Equal(t, "second-leg", string(second))
}
