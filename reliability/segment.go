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

// Package reliability implements a compact ARQ overlay — conversation
// id, cumulative + selective ack, adaptive RTO, fast retransmit — that
// turns the DNS datagram carrier's lossy, reorderable, duplicating
// delivery into the ordered byte-stream contract the obfuscation wrapper
// and AEAD record layer assume.
package reliability

import (
	"encoding/binary"
	"fmt"
)

// Cmd identifies a segment's purpose.
type Cmd uint8

const (
	CmdData Cmd = 0x81 + iota
	CmdAck
	CmdPing
)

// headerLen is the fixed-width portion of every segment, before payload.
const headerLen = 4 + 1 + 1 + 2 + 4 + 4 + 4 + 4

// Segment is one ARQ protocol data unit.
type Segment struct {
	ConvID  uint32
	Cmd     Cmd
	Frg     uint8  // fragment-in-stream index; ties a segment to its §4.6 carrier fragment
	Wnd     uint16 // advertised receive window, in segments
	Ts      uint32 // send timestamp, milliseconds since the conversation started
	Sn      uint32 // sequence number
	Una     uint32 // cumulative-unacked sequence number (next sn the sender still needs acked)
	Payload []byte
}

// Encode serializes seg to its wire form.
func (seg *Segment) Encode() []byte {
	out := make([]byte, headerLen+len(seg.Payload))
	binary.BigEndian.PutUint32(out[0:4], seg.ConvID)
	out[4] = byte(seg.Cmd)
	out[5] = seg.Frg
	binary.BigEndian.PutUint16(out[6:8], seg.Wnd)
	binary.BigEndian.PutUint32(out[8:12], seg.Ts)
	binary.BigEndian.PutUint32(out[12:16], seg.Sn)
	binary.BigEndian.PutUint32(out[16:20], seg.Una)
	binary.BigEndian.PutUint32(out[20:24], uint32(len(seg.Payload)))
	copy(out[headerLen:], seg.Payload)
	return out
}

// Decode parses a wire-form segment.
func Decode(b []byte) (*Segment, error) {
	if len(b) < headerLen {
		return nil, fmt.Errorf("reliability: segment shorter than header (%d bytes)", len(b))
	}
	length := binary.BigEndian.Uint32(b[20:24])
	if int(length) != len(b)-headerLen {
		return nil, fmt.Errorf("reliability: segment declares length %d but carries %d bytes", length, len(b)-headerLen)
	}
	return &Segment{
		ConvID:  binary.BigEndian.Uint32(b[0:4]),
		Cmd:     Cmd(b[4]),
		Frg:     b[5],
		Wnd:     binary.BigEndian.Uint16(b[6:8]),
		Ts:      binary.BigEndian.Uint32(b[8:12]),
		Sn:      binary.BigEndian.Uint32(b[12:16]),
		Una:     binary.BigEndian.Uint32(b[16:20]),
		Payload: append([]byte(nil), b[headerLen:]...),
	}, nil
}
