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

package psf

import (
	"errors"
	"strings"
	"testing"

	"github.com/Jigsaw-Code/obfsproxy/errs"
	"github.com/stretchr/testify/require"
)

const simpleDescriptor = `
NAME: test-proto
TRANSPORT: tcp
PORT: 8443

FORMAT record
  FIELD content_type TYPE u8 FIXED_VALUE 42
  FIELD length TYPE u16 LENGTH
  FIELD payload TYPE [u8; length] PAYLOAD
  FIELD tag TYPE [u8; 16] AUTH_TAG
END

SEQUENCE initiator data record
SEQUENCE responder data record
`

func mustParse(t *testing.T, text string) *Descriptor {
	t.Helper()
	d, err := Parse(strings.NewReader(text))
	require.NoError(t, err)
	require.NoError(t, d.Validate())
	return d
}

func TestParseAndValidate(t *testing.T) {
	d := mustParse(t, simpleDescriptor)
	require.Equal(t, "test-proto", d.Name)
	require.Equal(t, TransportTCP, d.Transport)
	require.EqualValues(t, 8443, d.DefaultPort)
	require.Len(t, d.Formats, 1)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	d := mustParse(t, simpleDescriptor)
	enc, _, err := CompileDataOnly(d, RoleInitiator)
	require.NoError(t, err)
	_, dec, err := CompileDataOnly(d, RoleInitiator)
	require.NoError(t, err)

	plaintext := []byte("hello world")
	tag := []byte("0123456789abcdef")

	ad, err := enc.ReserveHeader(len(plaintext))
	require.NoError(t, err)
	require.Equal(t, []byte{0x42, 0, 11}, ad)

	wire, err := enc.Wrap(plaintext, tag)
	require.NoError(t, err)
	require.Equal(t, len(ad)+len(plaintext)+len(tag), len(wire))

	res, err := dec.Unwrap(wire)
	require.NoError(t, err)
	require.Equal(t, plaintext, res.Ciphertext)
	require.Equal(t, tag, res.Tag)
	require.Equal(t, ad, res.AD)
	require.Equal(t, len(wire), res.Consumed)
}

func TestDecodeNeedsMoreData(t *testing.T) {
	d := mustParse(t, simpleDescriptor)
	enc, _, err := CompileDataOnly(d, RoleInitiator)
	require.NoError(t, err)
	_, dec, err := CompileDataOnly(d, RoleInitiator)
	require.NoError(t, err)

	plaintext := []byte("hi")
	tag := make([]byte, 16)
	ad, err := enc.ReserveHeader(len(plaintext))
	require.NoError(t, err)
	_ = ad
	wire, err := enc.Wrap(plaintext, tag)
	require.NoError(t, err)

	_, err = dec.Unwrap(wire[:len(wire)-1])
	var needMore *NeedMoreDataError
	require.ErrorAs(t, err, &needMore)
	require.True(t, errors.Is(err, errs.ErrNeedMoreData))
}

func TestDecodeFixedValueMismatch(t *testing.T) {
	d := mustParse(t, simpleDescriptor)
	enc, _, err := CompileDataOnly(d, RoleInitiator)
	require.NoError(t, err)
	_, dec, err := CompileDataOnly(d, RoleInitiator)
	require.NoError(t, err)

	plaintext := []byte("hi")
	tag := make([]byte, 16)
	_, err = enc.ReserveHeader(len(plaintext))
	require.NoError(t, err)
	wire, err := enc.Wrap(plaintext, tag)
	require.NoError(t, err)

	wire[0] = 0xFF // tamper with the FIXED_VALUE content_type byte
	_, err = dec.Unwrap(wire)
	require.ErrorIs(t, err, errs.ErrPsfMismatch)
}

func TestValidateRejectsDanglingLengthReference(t *testing.T) {
	bad := `
NAME: bad
TRANSPORT: tcp
PORT: 1

FORMAT record
  FIELD payload TYPE [u8; nonexistent] PAYLOAD
  FIELD tag TYPE [u8; 16] AUTH_TAG
END

SEQUENCE initiator data record
SEQUENCE responder data record
`
	d, err := Parse(strings.NewReader(bad))
	require.NoError(t, err)
	err = d.Validate()
	require.ErrorIs(t, err, errs.ErrMalformedPSF)
}

func TestValidateRejectsMissingPayload(t *testing.T) {
	bad := `
NAME: bad
TRANSPORT: tcp
PORT: 1

FORMAT record
  FIELD tag TYPE [u8; 16] AUTH_TAG
END

SEQUENCE initiator data record
SEQUENCE responder data record
`
	d, err := Parse(strings.NewReader(bad))
	require.NoError(t, err)
	err = d.Validate()
	require.ErrorIs(t, err, errs.ErrMalformedPSF)
}

func TestBuiltinRegistryLoads(t *testing.T) {
	reg := NewBuiltinRegistry()
	names := reg.Names()
	require.Contains(t, names, "https")
	require.Contains(t, names, "dns-message")
	require.Contains(t, names, "ssh-banner")

	for _, name := range names {
		d, ok := reg.Get(name)
		require.True(t, ok)
		_, _, err := Compile(d, RoleInitiator)
		require.NoErrorf(t, err, "compiling %q for initiator", name)
		_, _, err = Compile(d, RoleResponder)
		require.NoErrorf(t, err, "compiling %q for responder", name)
	}
}

func TestHandshakeThenDataCursor(t *testing.T) {
	reg := NewBuiltinRegistry()
	d, ok := reg.Get("https")
	require.True(t, ok)

	enc, _, err := Compile(d, RoleInitiator)
	require.NoError(t, err)
	require.True(t, enc.InHandshakePhase())

	_, err = enc.ReserveHeader(0)
	require.NoError(t, err)
	_, err = enc.Wrap(nil, nil)
	require.NoError(t, err)
	require.False(t, enc.InHandshakePhase())

	plaintext := []byte("x")
	tag := make([]byte, 16)
	_, err = enc.ReserveHeader(len(plaintext))
	require.NoError(t, err)
	wire, err := enc.Wrap(plaintext, tag)
	require.NoError(t, err)
	require.NotEmpty(t, wire)
}
