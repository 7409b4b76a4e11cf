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
	"errors"

	"github.com/Jigsaw-Code/obfsproxy/psf"
	"github.com/Jigsaw-Code/obfsproxy/transport"
)

// WriteRawRecord frames payload/tag through enc's current format and
// writes the resulting bytes to conn, without any AEAD sealing. The
// session uses this before key material exists: for the cosmetic
// handshake-phase banner (payload and tag nil, since those formats carry
// no such fields) and for the handshake engine's own key-agreement
// messages (carried as the literal bytes of a data-phase record's
// PAYLOAD/AUTH_TAG fields). It returns the exact bytes written, so a
// caller building a handshake prologue out of the cosmetic banner doesn't
// have to reconstruct them.
func WriteRawRecord(conn transport.StreamConn, enc *psf.Encoder, payload, tag []byte) ([]byte, error) {
	if _, err := enc.ReserveHeader(len(payload)); err != nil {
		return nil, err
	}
	wire, err := enc.Wrap(payload, tag)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Write(wire); err != nil {
		return nil, err
	}
	return wire, nil
}

// ReadRawRecord reads and parses exactly one record of dec's current
// format from conn, returning its PAYLOAD and AUTH_TAG field contents
// unopened, plus the raw wire bytes the record occupied. See
// WriteRawRecord.
func ReadRawRecord(conn transport.StreamConn, dec *psf.Decoder) (payload, tag, wire []byte, err error) {
	buf := make([]byte, 0, 256)
	have := 0
	for {
		res, uerr := dec.Unwrap(buf[:have])
		if uerr == nil {
			return res.Ciphertext, res.Tag, append([]byte(nil), buf[:res.Consumed]...), nil
		}
		var needMore *psf.NeedMoreDataError
		if !errors.As(uerr, &needMore) {
			return nil, nil, nil, uerr
		}
		min := needMore.Min
		if min < 1 {
			min = 1
		}
		need := have + min
		if cap(buf) < need {
			grown := make([]byte, need*2)
			copy(grown, buf[:have])
			buf = grown
		} else {
			buf = buf[:cap(buf)]
		}
		got := 0
		for got < min {
			n, rerr := conn.Read(buf[have+got : need])
			got += n
			if rerr != nil {
				return nil, nil, nil, rerr
			}
		}
		have += got
	}
}
