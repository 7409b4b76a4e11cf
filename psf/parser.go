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
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/Jigsaw-Code/obfsproxy/errs"
)

// Parse reads a textual PSF descriptor and returns it unvalidated; callers
// should call [Descriptor.Validate] (Compile does this for them) before
// using the result.
//
// The grammar is line-oriented. Blank lines and lines starting with '#'
// are ignored. The top level carries three scalar directives:
//
//	NAME: <descriptor name>
//	TRANSPORT: tcp|udp
//	PORT: <uint16>
//
// followed by zero or more format blocks:
//
//	FORMAT <name>
//	  FIELD <field-name> TYPE <type> [<semantic>]
//	  ...
//	END
//
// where <type> is one of u8, u16, u24, u32, [u8; <n>] or [u8; <field>],
// and <semantic> is FIXED_VALUE <hex>, LENGTH, PAYLOAD, AUTH_TAG or RANDOM.
// Finally, zero or more sequencing entries:
//
//	SEQUENCE <initiator|responder> <handshake|data|teardown> <format-name>
//
// one per (role, phase, format) triple, in the order those formats are
// emitted or expected.
func Parse(r io.Reader) (*Descriptor, error) {
	d := &Descriptor{Formats: map[string]*Format{}}
	scanner := bufio.NewScanner(r)
	lineNo := 0

	var cur *Format
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)

		switch {
		case cur != nil && fields[0] == "END":
			d.Formats[cur.Name] = cur
			d.FormatOrder = append(d.FormatOrder, cur.Name)
			cur = nil

		case cur != nil && fields[0] == "FIELD":
			fd, err := parseField(fields, lineNo)
			if err != nil {
				return nil, err
			}
			cur.Fields = append(cur.Fields, fd)

		case cur != nil:
			return nil, fmt.Errorf("%w: line %d: expected FIELD or END inside format %q, got %q",
				errs.ErrMalformedPSF, lineNo, cur.Name, line)

		case strings.HasPrefix(line, "NAME:"):
			d.Name = strings.TrimSpace(strings.TrimPrefix(line, "NAME:"))

		case strings.HasPrefix(line, "TRANSPORT:"):
			switch strings.TrimSpace(strings.TrimPrefix(line, "TRANSPORT:")) {
			case "tcp":
				d.Transport = TransportTCP
			case "udp":
				d.Transport = TransportUDP
			default:
				return nil, fmt.Errorf("%w: line %d: unknown TRANSPORT value", errs.ErrMalformedPSF, lineNo)
			}

		case strings.HasPrefix(line, "PORT:"):
			p, err := strconv.ParseUint(strings.TrimSpace(strings.TrimPrefix(line, "PORT:")), 10, 16)
			if err != nil {
				return nil, fmt.Errorf("%w: line %d: bad PORT value: %v", errs.ErrMalformedPSF, lineNo, err)
			}
			d.DefaultPort = uint16(p)

		case fields[0] == "FORMAT":
			if len(fields) != 2 {
				return nil, fmt.Errorf("%w: line %d: FORMAT requires exactly one name", errs.ErrMalformedPSF, lineNo)
			}
			cur = &Format{Name: fields[1]}

		case fields[0] == "SEQUENCE":
			entry, err := parseSequence(fields, lineNo)
			if err != nil {
				return nil, err
			}
			d.Sequence = append(d.Sequence, entry)

		default:
			return nil, fmt.Errorf("%w: line %d: unrecognized directive %q", errs.ErrMalformedPSF, lineNo, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("psf: reading descriptor: %w", err)
	}
	if cur != nil {
		return nil, fmt.Errorf("%w: format %q missing END", errs.ErrMalformedPSF, cur.Name)
	}
	return d, nil
}

func parseField(fields []string, lineNo int) (FieldDef, error) {
	// FIELD <name> TYPE <type> [SEMANTIC...]
	if len(fields) < 4 || fields[2] != "TYPE" {
		return FieldDef{}, fmt.Errorf("%w: line %d: malformed FIELD directive", errs.ErrMalformedPSF, lineNo)
	}
	fd := FieldDef{Name: fields[1]}

	typeTok, rest, err := consumeType(fields[3:])
	if err != nil {
		return FieldDef{}, fmt.Errorf("%w: line %d: %v", errs.ErrMalformedPSF, lineNo, err)
	}
	fd.Type = typeTok

	if len(rest) == 0 {
		return FieldDef{}, fmt.Errorf("%w: line %d: field %q missing a semantic tag", errs.ErrMalformedPSF, lineNo, fd.Name)
	}
	switch rest[0] {
	case "FIXED_VALUE":
		if len(rest) != 2 {
			return FieldDef{}, fmt.Errorf("%w: line %d: FIXED_VALUE requires a hex literal", errs.ErrMalformedPSF, lineNo)
		}
		lit, err := hex.DecodeString(rest[1])
		if err != nil {
			return FieldDef{}, fmt.Errorf("%w: line %d: bad FIXED_VALUE hex literal: %v", errs.ErrMalformedPSF, lineNo, err)
		}
		fd.Semantic = SemanticFixedValue
		fd.FixedValue = lit
	case "LENGTH":
		fd.Semantic = SemanticLength
	case "PAYLOAD":
		fd.Semantic = SemanticPayload
	case "AUTH_TAG":
		fd.Semantic = SemanticAuthTag
	case "RANDOM":
		fd.Semantic = SemanticRandom
	default:
		return FieldDef{}, fmt.Errorf("%w: line %d: unknown semantic tag %q", errs.ErrMalformedPSF, lineNo, rest[0])
	}
	return fd, nil
}

// consumeType parses a type token, which is either a bare scalar keyword
// (one token) or a bracketed array form "[u8; N]" that may have been
// split across several whitespace-separated tokens by the line scanner
// (e.g. "[u8;", "length]"). It returns the parsed type and the remaining
// tokens.
func consumeType(toks []string) (FieldType, []string, error) {
	if len(toks) == 0 {
		return FieldType{}, nil, fmt.Errorf("missing type")
	}
	switch toks[0] {
	case "u8":
		return ScalarType(1), toks[1:], nil
	case "u16":
		return ScalarType(2), toks[1:], nil
	case "u24":
		return ScalarType(3), toks[1:], nil
	case "u32":
		return ScalarType(4), toks[1:], nil
	}
	if strings.HasPrefix(toks[0], "[u8;") {
		joined := toks[0]
		i := 1
		for !strings.Contains(joined, "]") && i < len(toks) {
			joined += " " + toks[i]
			i++
		}
		inner := strings.TrimSuffix(strings.TrimPrefix(joined, "[u8;"), "]")
		inner = strings.TrimSpace(inner)
		if n, err := strconv.Atoi(inner); err == nil {
			return FixedBytesType(n), toks[i:], nil
		}
		if inner == "" {
			return FieldType{}, nil, fmt.Errorf("empty array length in type %q", joined)
		}
		return RefBytesType(inner), toks[i:], nil
	}
	return FieldType{}, nil, fmt.Errorf("unrecognized type token %q", toks[0])
}

func parseSequence(fields []string, lineNo int) (SequenceEntry, error) {
	if len(fields) != 4 {
		return SequenceEntry{}, fmt.Errorf("%w: line %d: SEQUENCE requires role, phase and format", errs.ErrMalformedPSF, lineNo)
	}
	var role Role
	switch fields[1] {
	case "initiator":
		role = RoleInitiator
	case "responder":
		role = RoleResponder
	default:
		return SequenceEntry{}, fmt.Errorf("%w: line %d: unknown role %q", errs.ErrMalformedPSF, lineNo, fields[1])
	}
	var phase Phase
	switch fields[2] {
	case "handshake":
		phase = PhaseHandshake
	case "data":
		phase = PhaseData
	case "teardown":
		phase = PhaseTeardown
	default:
		return SequenceEntry{}, fmt.Errorf("%w: line %d: unknown phase %q", errs.ErrMalformedPSF, lineNo, fields[2])
	}
	return SequenceEntry{Role: role, Phase: phase, Format: fields[3]}, nil
}
