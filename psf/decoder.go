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
	"fmt"

	"github.com/Jigsaw-Code/obfsproxy/errs"
)

// Decoder parses records for one role of a compiled Descriptor, mirroring
// the cursor discipline of the matching Encoder on the peer.
type Decoder struct {
	d    *Descriptor
	role Role

	phase   Phase
	hsSeq   []string
	hsIdx   int
	dataSeq []string
	dataIdx int
}

func newDecoder(d *Descriptor, role Role) *Decoder {
	hsSeq := d.sequenceFormats(role, PhaseHandshake)
	phase := PhaseData
	if len(hsSeq) > 0 {
		phase = PhaseHandshake
	}
	return &Decoder{
		d:       d,
		role:    role,
		phase:   phase,
		hsSeq:   hsSeq,
		dataSeq: d.sequenceFormats(role, PhaseData),
	}
}

func (dec *Decoder) currentFormat() (*Format, error) {
	switch dec.phase {
	case PhaseHandshake:
		if dec.hsIdx >= len(dec.hsSeq) {
			dec.phase = PhaseData
			return dec.currentFormat()
		}
		return dec.d.Formats[dec.hsSeq[dec.hsIdx]], nil
	case PhaseData:
		if len(dec.dataSeq) == 0 {
			return nil, fmt.Errorf("psf: descriptor %q has no data-phase format for %s", dec.d.Name, dec.role)
		}
		return dec.d.Formats[dec.dataSeq[dec.dataIdx%len(dec.dataSeq)]], nil
	default:
		return nil, fmt.Errorf("psf: decoder in teardown phase has no more records")
	}
}

func (dec *Decoder) advance() {
	switch dec.phase {
	case PhaseHandshake:
		dec.hsIdx++
		if dec.hsIdx >= len(dec.hsSeq) {
			dec.phase = PhaseData
		}
	case PhaseData:
		dec.dataIdx++
	}
}

// InHandshakePhase reports whether the next record the decoder expects is
// part of the cosmetic handshake-phase banner sequence.
func (dec *Decoder) InHandshakePhase() bool { return dec.phase == PhaseHandshake }

// NeedMoreDataError is returned by Unwrap when buf does not yet hold a
// complete record. Min is the caller's current best estimate of how many
// additional bytes are required; callers should treat it as a hint, not an
// exact figure, and simply retry once more bytes have arrived.
type NeedMoreDataError struct {
	Min int
}

func (e *NeedMoreDataError) Error() string {
	return fmt.Sprintf("psf: need at least %d more byte(s)", e.Min)
}

func (e *NeedMoreDataError) Unwrap() error { return errs.ErrNeedMoreData }

// Result is the outcome of successfully unwrapping one record.
type Result struct {
	Ciphertext []byte
	Tag        []byte
	AD         []byte
	Consumed   int
}

// Unwrap attempts to parse one record of the decoder's current expected
// format from the front of buf. On success it returns the PAYLOAD bytes,
// the AUTH_TAG bytes, the associated data for AEAD verification (the
// concatenation of every non-PAYLOAD, non-AUTH_TAG field, in field order),
// and how many bytes of buf the record occupied, and advances the cursor.
//
// If buf does not contain a complete record, Unwrap returns a
// *NeedMoreDataError and leaves the cursor untouched so the caller can
// retry once more bytes have arrived. If a FIXED_VALUE or LENGTH field
// does not match what the descriptor declares, it returns an error
// wrapping [errs.ErrPsfMismatch]; the session must be poisoned in that
// case.
func (dec *Decoder) Unwrap(buf []byte) (*Result, error) {
	f, err := dec.currentFormat()
	if err != nil {
		return nil, err
	}

	scalars := make(map[string]int, len(f.Fields))
	raw := make(map[string][]byte, len(f.Fields))
	offset := 0
	var ciphertext, tag []byte

	for _, fld := range f.Fields {
		n, err := fieldLength(f, fld, scalars)
		if err != nil {
			return nil, err
		}
		if offset+n > len(buf) {
			return nil, &NeedMoreDataError{Min: offset + n - len(buf)}
		}
		chunk := buf[offset : offset+n]
		offset += n
		raw[fld.Name] = chunk

		switch fld.Semantic {
		case SemanticFixedValue:
			if !bytesEqual(chunk, fld.FixedValue) {
				return nil, fmt.Errorf("%w: field %q.%q expected %x, got %x",
					errs.ErrPsfMismatch, f.Name, fld.Name, fld.FixedValue, chunk)
			}
		case SemanticPayload:
			ciphertext = chunk
		case SemanticAuthTag:
			tag = chunk
		case SemanticLength:
			scalars[fld.Name] = decodeScalar(chunk)
		case SemanticRandom:
		}
	}

	// Verify every LENGTH field matches the observed length of the field
	// that references it.
	for _, fld := range f.Fields {
		if fld.Type.Kind != KindRefBytes {
			continue
		}
		want, ok := scalars[fld.Type.RefField]
		if !ok {
			continue
		}
		if want != len(raw[fld.Name]) {
			return nil, fmt.Errorf("%w: field %q.%q declares length %d but carries %d bytes",
				errs.ErrPsfMismatch, f.Name, fld.Name, want, len(raw[fld.Name]))
		}
	}

	var ad []byte
	for _, fld := range f.Fields {
		if fld.Semantic == SemanticPayload || fld.Semantic == SemanticAuthTag {
			continue
		}
		ad = append(ad, raw[fld.Name]...)
	}

	dec.advance()
	return &Result{Ciphertext: ciphertext, Tag: tag, AD: ad, Consumed: offset}, nil
}

// fieldLength returns how many bytes fld occupies, using already-decoded
// scalar values for KindRefBytes fields.
func fieldLength(f *Format, fld FieldDef, scalars map[string]int) (int, error) {
	switch fld.Type.Kind {
	case KindScalar, KindFixedBytes:
		return fld.Type.Width, nil
	case KindRefBytes:
		n, ok := scalars[fld.Type.RefField]
		if !ok {
			return 0, fmt.Errorf("psf: field %q.%q references %q which was not decoded first",
				f.Name, fld.Name, fld.Type.RefField)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("psf: field %q.%q has invalid type", f.Name, fld.Name)
	}
}

func decodeScalar(b []byte) int {
	v := 0
	for _, c := range b {
		v = v<<8 | int(c)
	}
	return v
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
