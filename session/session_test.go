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

package session

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Jigsaw-Code/obfsproxy/errs"
	"github.com/Jigsaw-Code/obfsproxy/handshake"
	"github.com/Jigsaw-Code/obfsproxy/psf"
	"github.com/Jigsaw-Code/obfsproxy/shapeshift"
)

type fakeStreamConn struct {
	net.Conn
}

func (f fakeStreamConn) CloseRead() error  { return nil }
func (f fakeStreamConn) CloseWrite() error { return nil }

func newPipePair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	a, b := net.Pipe()
	return a, b
}

func builtinPool(t *testing.T, names ...string) []*psf.Descriptor {
	t.Helper()
	reg := psf.NewBuiltinRegistry()
	pool := make([]*psf.Descriptor, 0, len(names))
	for _, name := range names {
		d, ok := reg.Get(name)
		require.True(t, ok)
		pool = append(pool, d)
	}
	return pool
}

// establish runs a client/server handshake over an in-memory pipe and
// returns both established Sessions.
func establish(t *testing.T, clientCfg, serverCfg Config) (*Session, *Session) {
	t.Helper()
	a, b := newPipePair(t)

	type result struct {
		sess *Session
		err  error
	}
	clientCh := make(chan result, 1)
	serverCh := make(chan result, 1)

	go func() {
		s, err := Handshake(fakeStreamConn{a}, clientCfg)
		clientCh <- result{s, err}
	}()
	go func() {
		s, err := Handshake(fakeStreamConn{b}, serverCfg)
		serverCh <- result{s, err}
	}()

	cr := <-clientCh
	sr := <-serverCh
	require.NoError(t, cr.err)
	require.NoError(t, sr.err)
	return cr.sess, sr.sess
}

func fixedPolicyConfig(role psf.Role, pool []*psf.Descriptor, hs handshake.Config) Config {
	return Config{
		Role: role, Pool: pool, Handshake: hs,
		SendPolicy: shapeshift.PolicyFixed,
		RecvPolicy: shapeshift.PolicyFixed,
	}
}

func TestSessionRoundTripAnonymousMutual(t *testing.T) {
	pool := builtinPool(t, "https")
	hsCfg := handshake.Config{Pattern: handshake.PatternAnonymousMutual}
	client, server := establish(t,
		fixedPolicyConfig(psf.RoleInitiator, pool, hsCfg),
		fixedPolicyConfig(psf.RoleResponder, pool, hsCfg))

	msg := []byte("GET / HTTP/1.1 over a cover protocol that isn't really HTTP")
	done := make(chan error, 1)
	go func() {
		_, err := client.Write(msg)
		done <- err
	}()

	buf := make([]byte, len(msg))
	_, err := io.ReadFull(server, buf)
	require.NoError(t, err)
	require.Equal(t, msg, buf)
	require.NoError(t, <-done)
}

func TestSessionRoundTripServerAuth(t *testing.T) {
	pool := builtinPool(t, "https")
	serverStatic, err := handshake.GenerateStaticKeyPair(nil)
	require.NoError(t, err)

	clientHS := handshake.Config{Pattern: handshake.PatternServerAuth, RemoteStaticKey: serverStatic.Public[:]}
	serverHS := handshake.Config{Pattern: handshake.PatternServerAuth, LocalStatic: serverStatic}

	client, server := establish(t,
		fixedPolicyConfig(psf.RoleInitiator, pool, clientHS),
		fixedPolicyConfig(psf.RoleResponder, pool, serverHS))
	require.Nil(t, server.RemoteStatic()) // SERVER_AUTH never authenticates the client

	msg := []byte("authenticated server, anonymous client")
	done := make(chan error, 1)
	go func() {
		_, err := server.Write(msg)
		done <- err
	}()
	buf := make([]byte, len(msg))
	_, err = io.ReadFull(client, buf)
	require.NoError(t, err)
	require.Equal(t, msg, buf)
	require.NoError(t, <-done)
}

func TestSessionPoisonsOnceSet(t *testing.T) {
	pool := builtinPool(t, "https")
	hsCfg := handshake.Config{Pattern: handshake.PatternAnonymousMutual}
	client, server := establish(t,
		fixedPolicyConfig(psf.RoleInitiator, pool, hsCfg),
		fixedPolicyConfig(psf.RoleResponder, pool, hsCfg))

	msg := []byte("hello")
	done := make(chan error, 1)
	go func() {
		_, err := client.Write(msg)
		done <- err
	}()
	buf := make([]byte, len(msg))
	_, err := io.ReadFull(server, buf)
	require.NoError(t, err)
	require.NoError(t, <-done)

	server.poisoned = true
	_, err = server.Read(make([]byte, 1))
	require.ErrorIs(t, err, errs.ErrSessionPoisoned)
	_, err = server.Write([]byte("x"))
	require.ErrorIs(t, err, errs.ErrSessionPoisoned)
}

func TestSessionRotatesMidStream(t *testing.T) {
	pool := builtinPool(t, "https", "ssh-banner")
	hsCfg := handshake.Config{Pattern: handshake.PatternAnonymousMutual}

	clientCfg := Config{
		Role: psf.RoleInitiator, Pool: pool, Handshake: hsCfg,
		SendPolicy: shapeshift.PolicyVolume, Volume: 8,
		RecvPolicy: shapeshift.PolicyFixed,
	}
	serverCfg := Config{
		Role: psf.RoleResponder, Pool: pool, Handshake: hsCfg,
		SendPolicy: shapeshift.PolicyFixed,
		RecvPolicy: shapeshift.PolicyVolume, Volume: 8,
	}
	client, server := establish(t, clientCfg, serverCfg)

	first := []byte("01234567")  // exactly Volume bytes: triggers rotation right after
	second := []byte("abcdefgh") // sent under the rotated descriptor

	done := make(chan error, 1)
	go func() {
		if _, err := client.Write(first); err != nil {
			done <- err
			return
		}
		_, err := client.Write(second)
		done <- err
	}()

	buf := make([]byte, len(first)+len(second))
	_, err := io.ReadFull(server, buf)
	require.NoError(t, err)
	require.Equal(t, append(append([]byte(nil), first...), second...), buf)
	require.NoError(t, <-done)
}

// TestSessionRotatesThroughAllPoolDescriptorsPeriodic mirrors a client
// rotating HTTPS -> DNS-message -> SSH-banner mid-stream on a wall-clock
// schedule, advancing one pool position after each record written once a
// Period has elapsed since the last rotation, confirming every
// record still decodes correctly on the far end as the active
// descriptor changes underneath it three times.
func TestSessionRotatesThroughAllPoolDescriptorsPeriodic(t *testing.T) {
	pool := builtinPool(t, "https", "dns-message", "ssh-banner")
	hsCfg := handshake.Config{Pattern: handshake.PatternAnonymousMutual}
	const period = 30 * time.Millisecond

	clientCfg := Config{
		Role: psf.RoleInitiator, Pool: pool, Handshake: hsCfg,
		SendPolicy: shapeshift.PolicyPeriodic, Period: period,
		RecvPolicy: shapeshift.PolicyFixed,
	}
	serverCfg := Config{
		Role: psf.RoleResponder, Pool: pool, Handshake: hsCfg,
		SendPolicy: shapeshift.PolicyFixed,
		RecvPolicy: shapeshift.PolicyPeriodic, Period: period,
	}
	client, server := establish(t, clientCfg, serverCfg)

	records := [][]byte{[]byte("over-https"), []byte("over-dns12"), []byte("over-sshbn")}

	done := make(chan error, 1)
	go func() {
		for _, rec := range records {
			time.Sleep(4 * period)
			if _, err := client.Write(rec); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()

	var want []byte
	for _, rec := range records {
		want = append(want, rec...)
	}
	got := make([]byte, len(want))
	_, err := io.ReadFull(server, got)
	require.NoError(t, err)
	require.Equal(t, want, got)
	require.NoError(t, <-done)
}
