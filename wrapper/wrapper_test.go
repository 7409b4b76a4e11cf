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

package wrapper

import (
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Jigsaw-Code/obfsproxy/psf"
	"github.com/Jigsaw-Code/obfsproxy/record"
	"github.com/Jigsaw-Code/obfsproxy/transport"
)

type fakeStreamConn struct {
	net.Conn
}

func (f fakeStreamConn) CloseRead() error  { return nil }
func (f fakeStreamConn) CloseWrite() error { return nil }

func newPair(t *testing.T) (transport.StreamConn, transport.StreamConn) {
	t.Helper()
	a, b := net.Pipe()
	return fakeStreamConn{a}, fakeStreamConn{b}
}

func testKey(b byte) [32]byte {
	var k [32]byte
	for i := range k {
		k[i] = b
	}
	return k
}

// TestWriteReadRoundTrip drives one direction end to end: a writer-side
// Conn (encoder + send cipher only) and a reader-side Conn (decoder +
// matching receive cipher only) connected over a net.Pipe.
func TestWriteReadRoundTrip(t *testing.T) {
	reg := psf.NewBuiltinRegistry()
	d, ok := reg.Get("https")
	require.True(t, ok)

	innerA, innerB := newPair(t)

	encA, _, err := psf.CompileDataOnly(d, psf.RoleInitiator)
	require.NoError(t, err)
	_, decB, err := psf.CompileDataOnly(d, psf.RoleInitiator)
	require.NoError(t, err)

	key := testKey(7)
	sendA, err := record.New(key)
	require.NoError(t, err)
	recvB, err := record.New(key)
	require.NoError(t, err)

	writer := New(innerA, encA, nil, sendA, nil)
	reader := New(innerB, nil, decB, nil, recvB)

	msg := []byte("hello obfuscated world, this record spans more than one AEAD block")
	done := make(chan error, 1)
	go func() {
		_, err := writer.Write(msg)
		done <- err
	}()

	buf := make([]byte, len(msg))
	n, err := io.ReadFull(reader, buf)
	require.NoError(t, err)
	require.Equal(t, len(msg), n)
	require.Equal(t, msg, buf)
	require.NoError(t, <-done)
}

// TestTamperedRecordFailsDecryption flips a ciphertext byte in flight and
// checks the reader surfaces a decryption failure rather than garbage.
func TestTamperedRecordFailsDecryption(t *testing.T) {
	reg := psf.NewBuiltinRegistry()
	d, ok := reg.Get("https")
	require.True(t, ok)

	encA, _, err := psf.CompileDataOnly(d, psf.RoleInitiator)
	require.NoError(t, err)
	_, decB, err := psf.CompileDataOnly(d, psf.RoleInitiator)
	require.NoError(t, err)

	key := testKey(3)
	sendA, err := record.New(key)
	require.NoError(t, err)
	recvB, err := record.New(key)
	require.NoError(t, err)

	ad, err := encA.ReserveHeader(5)
	require.NoError(t, err)
	ciphertext, tag, err := sendA.Seal([]byte("howdy"), ad)
	require.NoError(t, err)
	wire, err := encA.Wrap(ciphertext, tag)
	require.NoError(t, err)

	wire[len(wire)-1] ^= 0xFF // tamper with the AUTH_TAG's last byte

	innerA, innerB := newPair(t)
	reader := New(innerB, nil, decB, nil, recvB)
	go innerA.Write(wire)

	_, err = reader.ReadRecord()
	require.Error(t, err)
}
