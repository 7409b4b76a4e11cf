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

package record

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Jigsaw-Code/obfsproxy/errs"
)

func testKey() [32]byte {
	var k [32]byte
	for i := range k {
		k[i] = byte(i)
	}
	return k
}

func TestSealOpenRoundTrip(t *testing.T) {
	sender, err := New(testKey())
	require.NoError(t, err)
	receiver, err := New(testKey())
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		plaintext := []byte("record payload")
		ad := []byte("header bytes")
		ciphertext, tag, err := sender.Seal(plaintext, ad)
		require.NoError(t, err)
		require.Len(t, ciphertext, len(plaintext))

		got, err := receiver.Open(ciphertext, tag, ad)
		require.NoError(t, err)
		require.Equal(t, plaintext, got)
	}
}

func TestOpenFailsOnTamper(t *testing.T) {
	sender, err := New(testKey())
	require.NoError(t, err)
	receiver, err := New(testKey())
	require.NoError(t, err)

	ciphertext, tag, err := sender.Seal([]byte("hello"), []byte("ad"))
	require.NoError(t, err)
	ciphertext[0] ^= 0xFF

	_, err = receiver.Open(ciphertext, tag, []byte("ad"))
	require.ErrorIs(t, err, errs.ErrDecryptionFailed)
}

func TestOpenFailsOnWrongAD(t *testing.T) {
	sender, err := New(testKey())
	require.NoError(t, err)
	receiver, err := New(testKey())
	require.NoError(t, err)

	ciphertext, tag, err := sender.Seal([]byte("hello"), []byte("ad-1"))
	require.NoError(t, err)

	_, err = receiver.Open(ciphertext, tag, []byte("ad-2"))
	require.ErrorIs(t, err, errs.ErrDecryptionFailed)
}

func TestNonceCountersStayInSync(t *testing.T) {
	sender, err := New(testKey())
	require.NoError(t, err)
	receiver, err := New(testKey())
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		ciphertext, tag, err := sender.Seal([]byte("x"), nil)
		require.NoError(t, err)
		_, err = receiver.Open(ciphertext, tag, nil)
		require.NoError(t, err)
	}
	require.Equal(t, sender.RecordsSent(), receiver.RecordsSent())
}

func TestPlaintextTooLarge(t *testing.T) {
	sender, err := New(testKey())
	require.NoError(t, err)
	_, _, err = sender.Seal(make([]byte, MaxPlaintext+1), nil)
	require.Error(t, err)
}

func TestNonceExhaustion(t *testing.T) {
	sender, err := New(testKey())
	require.NoError(t, err)
	sender.counter = MaxNonce + 1

	_, _, err = sender.Seal([]byte("x"), nil)
	require.ErrorIs(t, err, errs.ErrNonceExhausted)
}
