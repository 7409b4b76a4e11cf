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

// Package psf interprets Protocol Signature Format descriptors: a small
// declarative language describing the wire shape of a cover protocol, and
// compiles a descriptor into an [Encoder]/[Decoder] pair that renders and
// parses records in that shape.
package psf

import "fmt"

// Role identifies which side of a connection a compiled Encoder/Decoder
// plays, since a PSF's sequencing table may assign different formats to
// the initiator and the responder.
type Role int

const (
	RoleInitiator Role = iota
	RoleResponder
)

func (r Role) String() string {
	if r == RoleInitiator {
		return "initiator"
	}
	return "responder"
}

// Phase identifies where in a connection's lifetime a format is used.
type Phase int

const (
	PhaseHandshake Phase = iota
	PhaseData
	PhaseTeardown
)

func (p Phase) String() string {
	switch p {
	case PhaseHandshake:
		return "handshake"
	case PhaseData:
		return "data"
	case PhaseTeardown:
		return "teardown"
	default:
		return "unknown"
	}
}

// FieldKind classifies how a field's bytes are sized on the wire.
type FieldKind int

const (
	// KindScalar is a big-endian unsigned integer of Width bytes (1, 2,
	// 3 or 4), e.g. u8/u16/u24/u32.
	KindScalar FieldKind = iota
	// KindFixedBytes is a raw byte array of a fixed declared length.
	KindFixedBytes
	// KindRefBytes is a raw byte array whose length is the decoded
	// value of another field in the same format, named by RefField.
	KindRefBytes
)

// FieldType describes how many bytes a field occupies and how that count
// is determined.
type FieldType struct {
	Kind     FieldKind
	Width    int    // byte width for KindScalar or KindFixedBytes
	RefField string // field name for KindRefBytes
}

func ScalarType(width int) FieldType { return FieldType{Kind: KindScalar, Width: width} }
func FixedBytesType(n int) FieldType { return FieldType{Kind: KindFixedBytes, Width: n} }
func RefBytesType(field string) FieldType {
	return FieldType{Kind: KindRefBytes, RefField: field}
}

func (t FieldType) String() string {
	switch t.Kind {
	case KindScalar:
		return fmt.Sprintf("u%d", t.Width*8)
	case KindFixedBytes:
		return fmt.Sprintf("[u8; %d]", t.Width)
	case KindRefBytes:
		return fmt.Sprintf("[u8; %s]", t.RefField)
	default:
		return "invalid"
	}
}

// Semantic is the closed set of per-field tags a PSF descriptor may
// attach. Every field in a Format must carry exactly one.
type Semantic int

const (
	SemanticFixedValue Semantic = iota
	SemanticLength
	SemanticPayload
	SemanticAuthTag
	SemanticRandom
)

func (s Semantic) String() string {
	switch s {
	case SemanticFixedValue:
		return "FIXED_VALUE"
	case SemanticLength:
		return "LENGTH"
	case SemanticPayload:
		return "PAYLOAD"
	case SemanticAuthTag:
		return "AUTH_TAG"
	case SemanticRandom:
		return "RANDOM"
	default:
		return "unknown"
	}
}

// FieldDef is one field of a Format: its wire type and its semantic role.
type FieldDef struct {
	Name       string
	Type       FieldType
	Semantic   Semantic
	FixedValue []byte // populated when Semantic == SemanticFixedValue
}

// Format is a named, ordered list of fields describing one record shape,
// e.g. a TLS ClientHello or a single data record of a cover protocol.
type Format struct {
	Name   string
	Fields []FieldDef
}

// SequenceEntry binds one Format to the (Role, Phase) that uses it, in the
// order it appears in the descriptor's sequencing table.
type SequenceEntry struct {
	Role   Role
	Phase  Phase
	Format string
}

// Transport names the underlying datagram discipline the cover protocol
// expects.
type Transport int

const (
	TransportTCP Transport = iota
	TransportUDP
)

func (t Transport) String() string {
	if t == TransportUDP {
		return "udp"
	}
	return "tcp"
}

// Descriptor is a fully-parsed PSF: its formats and the sequencing table
// that says which format each role emits/expects at each phase.
type Descriptor struct {
	Name        string
	Transport   Transport
	DefaultPort uint16
	Formats     map[string]*Format
	FormatOrder []string
	Sequence    []SequenceEntry
}

// sequenceFormats returns the format names bound to (role, phase), in
// declaration order.
func (d *Descriptor) sequenceFormats(role Role, phase Phase) []string {
	var out []string
	for _, e := range d.Sequence {
		if e.Role == role && e.Phase == phase {
			out = append(out, e.Format)
		}
	}
	return out
}
