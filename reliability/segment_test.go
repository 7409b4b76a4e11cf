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

	"github.com/stretchr/testify/require"
)

func TestSegmentEncodeDecodeRoundTrip(t *testing.T) {
	seg := &Segment{
		ConvID:  0xdeadbeef,
		Cmd:     CmdData,
		Frg:     3,
		Wnd:     128,
		Ts:      123456,
		Sn:      42,
		Una:     40,
		Payload: []byte("hello reliable world"),
	}
	wire := seg.Encode()

	got, err := Decode(wire)
	require.NoError(t, err)
	require.Equal(t, seg, got)
}

func TestSegmentDecodeRejectsTruncated(t *testing.T) {
	_, err := Decode([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestSegmentDecodeRejectsLengthMismatch(t *testing.T) {
	seg := &Segment{ConvID: 1, Cmd: CmdAck, Payload: []byte("abc")}
	wire := seg.Encode()
	wire = wire[:len(wire)-1] // truncate one payload byte without fixing the length field
	_, err := Decode(wire)
	require.Error(t, err)
}

func TestSegmentEncodeEmptyPayload(t *testing.T) {
	seg := &Segment{ConvID: 7, Cmd: CmdPing}
	wire := seg.Encode()
	got, err := Decode(wire)
	require.NoError(t, err)
	require.Empty(t, got.Payload)
	require.Equal(t, CmdPing, got.Cmd)
}
