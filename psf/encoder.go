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
	"crypto/rand"
	"fmt"
	"io"
)

// Encoder renders records for one role of a compiled Descriptor. It is not
// safe for concurrent use: a Session owns exactly one Encoder and drives it
// from a single goroutine, matching the descriptor's sequencing cursor.
type Encoder struct {
	d    *Descriptor
	role Role
	rand io.Reader

	phase   Phase
	hsSeq   []string
	hsIdx   int
	dataSeq []string
	dataIdx int

	pending *pendingRecord
}

type pendingRecord struct {
	format     *Format
	raw        map[string][]byte
	payloadLen int
}

// Compile builds an Encoder/Decoder pair for role from d, starting at the
// descriptor's handshake phase if it declares one, else directly at the
// data phase. It runs [Descriptor.Validate] on d first and returns its
// error, if any.
func Compile(d *Descriptor, role Role) (*Encoder, *Decoder, error) {
	if err := d.Validate(); err != nil {
		return nil, nil, err
	}
	e := newEncoder(d, role)
	dec := newDecoder(d, role)
	return e, dec, nil
}

// CompileDataOnly builds an Encoder/Decoder pair whose cursor starts
// directly in the data phase, skipping the handshake-phase banner
// sequence. The shape-shift controller uses this to compile the encoder
// and decoder for a freshly-rotated descriptor, since the handshake-phase
// cosmetic exchange only ever happens once per connection.
func CompileDataOnly(d *Descriptor, role Role) (*Encoder, *Decoder, error) {
	if err := d.Validate(); err != nil {
		return nil, nil, err
	}
	e := newEncoder(d, role)
	e.phase = PhaseData
	dec := newDecoder(d, role)
	dec.phase = PhaseData
	return e, dec, nil
}

func newEncoder(d *Descriptor, role Role) *Encoder {
	hsSeq := d.sequenceFormats(role, PhaseHandshake)
	phase := PhaseData
	if len(hsSeq) > 0 {
		phase = PhaseHandshake
	}
	return &Encoder{
		d:       d,
		role:    role,
		rand:    rand.Reader,
		phase:   phase,
		hsSeq:   hsSeq,
		dataSeq: d.sequenceFormats(role, PhaseData),
	}
}

// currentFormat returns the format the cursor currently points at, without
// advancing it.
func (e *Encoder) currentFormat() (*Format, error) {
	switch e.phase {
	case PhaseHandshake:
		if e.hsIdx >= len(e.hsSeq) {
			e.phase = PhaseData
			return e.currentFormat()
		}
		return e.d.Formats[e.hsSeq[e.hsIdx]], nil
	case PhaseData:
		if len(e.dataSeq) == 0 {
			return nil, fmt.Errorf("psf: descriptor %q has no data-phase format for %s", e.d.Name, e.role)
		}
		return e.d.Formats[e.dataSeq[e.dataIdx%len(e.dataSeq)]], nil
	default:
		return nil, fmt.Errorf("psf: encoder in teardown phase has no more records")
	}
}

// advance moves the cursor past the record just emitted.
func (e *Encoder) advance() {
	switch e.phase {
	case PhaseHandshake:
		e.hsIdx++
		if e.hsIdx >= len(e.hsSeq) {
			e.phase = PhaseData
		}
	case PhaseData:
		e.dataIdx++
	}
}

// InHandshakePhase reports whether the next record the encoder will emit is
// part of the cosmetic handshake-phase banner sequence rather than a
// data-phase AEAD record.
func (e *Encoder) InHandshakePhase() bool { return e.phase == PhaseHandshake }

// ReserveHeader computes the header bytes for the next record given the
// length of the plaintext that will become its PAYLOAD field (for a
// handshake-phase format with no PAYLOAD field, pass 0). It returns the
// additional data the caller must pass to the AEAD as associated data, and
// caches the computed field bytes for the following call to Wrap.
func (e *Encoder) ReserveHeader(payloadLen int) ([]byte, error) {
	f, err := e.currentFormat()
	if err != nil {
		return nil, err
	}
	raw := make(map[string][]byte, len(f.Fields))
	var ad []byte
	for _, fld := range f.Fields {
		switch fld.Semantic {
		case SemanticPayload, SemanticAuthTag:
			continue
		case SemanticFixedValue:
			raw[fld.Name] = fld.FixedValue
		case SemanticRandom:
			buf := make([]byte, fieldByteWidth(fld.Type))
			if _, err := io.ReadFull(e.rand, buf); err != nil {
				return nil, fmt.Errorf("psf: generating RANDOM field %q: %w", fld.Name, err)
			}
			raw[fld.Name] = buf
		case SemanticLength:
			n, err := e.lengthValueFor(f, fld, payloadLen)
			if err != nil {
				return nil, err
			}
			raw[fld.Name] = encodeScalar(n, fld.Type.Width)
		}
		ad = append(ad, raw[fld.Name]...)
	}
	e.pending = &pendingRecord{format: f, raw: raw, payloadLen: payloadLen}
	return ad, nil
}

// lengthValueFor computes the value a LENGTH-tagged field must carry: the
// byte length of the field elsewhere in the format that names it via a
// KindRefBytes type.
func (e *Encoder) lengthValueFor(f *Format, lenField FieldDef, payloadLen int) (int, error) {
	for _, fld := range f.Fields {
		if fld.Type.Kind != KindRefBytes || fld.Type.RefField != lenField.Name {
			continue
		}
		switch fld.Semantic {
		case SemanticPayload:
			return payloadLen, nil
		case SemanticAuthTag:
			return fieldByteWidth(fld.Type), nil
		default:
			return fieldByteWidth(fld.Type), nil
		}
	}
	return 0, fmt.Errorf("psf: LENGTH field %q.%q is not referenced by any field", f.Name, lenField.Name)
}

// Wrap finishes the record started by the preceding ReserveHeader call,
// substituting ciphertext and tag for the PAYLOAD and AUTH_TAG fields, and
// advances the sequencing cursor.
func (e *Encoder) Wrap(ciphertext, tag []byte) ([]byte, error) {
	if e.pending == nil {
		return nil, fmt.Errorf("psf: Wrap called without a preceding ReserveHeader")
	}
	p := e.pending
	e.pending = nil
	if len(ciphertext) != p.payloadLen {
		return nil, fmt.Errorf("psf: Wrap ciphertext length %d does not match reserved length %d",
			len(ciphertext), p.payloadLen)
	}
	var wire []byte
	for _, fld := range p.format.Fields {
		switch fld.Semantic {
		case SemanticPayload:
			wire = append(wire, ciphertext...)
		case SemanticAuthTag:
			wire = append(wire, tag...)
		default:
			wire = append(wire, p.raw[fld.Name]...)
		}
	}
	e.advance()
	return wire, nil
}

func encodeScalar(v, width int) []byte {
	buf := make([]byte, width)
	for i := width - 1; i >= 0; i-- {
		buf[i] = byte(v)
		v >>= 8
	}
	return buf
}
