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

// Validate checks a Descriptor's internal consistency: every semantic tag
// and cross-field reference must resolve, and every data-phase format must
// carry exactly one PAYLOAD field. It returns an error wrapping
// [errs.ErrMalformedPSF] describing the first problem found.
func (d *Descriptor) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("%w: descriptor has no name", errs.ErrMalformedPSF)
	}
	if len(d.Formats) == 0 {
		return fmt.Errorf("%w: descriptor %q defines no formats", errs.ErrMalformedPSF, d.Name)
	}
	for _, entry := range d.Sequence {
		if _, ok := d.Formats[entry.Format]; !ok {
			return fmt.Errorf("%w: sequence entry for %s/%s references undefined format %q",
				errs.ErrMalformedPSF, entry.Role, entry.Phase, entry.Format)
		}
	}
	for _, role := range []Role{RoleInitiator, RoleResponder} {
		for _, phase := range []Phase{PhaseHandshake, PhaseData, PhaseTeardown} {
			if len(d.sequenceFormats(role, phase)) == 0 {
				continue
			}
			if phase == PhaseData {
				for _, name := range d.sequenceFormats(role, phase) {
					f := d.Formats[name]
					if payloadFieldCount(f) != 1 {
						return fmt.Errorf("%w: format %q used in %s phase must declare exactly one PAYLOAD field",
							errs.ErrMalformedPSF, f.Name, phase)
					}
				}
				continue
			}
			for _, name := range d.sequenceFormats(role, phase) {
				f := d.Formats[name]
				for _, fld := range f.Fields {
					if fld.Semantic == SemanticPayload || fld.Semantic == SemanticAuthTag {
						return fmt.Errorf("%w: format %q used in %s phase may not declare %s",
							errs.ErrMalformedPSF, f.Name, phase, fld.Semantic)
					}
				}
			}
		}
		if len(d.sequenceFormats(role, PhaseData)) == 0 {
			return fmt.Errorf("%w: descriptor %q defines no data-phase format for %s",
				errs.ErrMalformedPSF, d.Name, role)
		}
	}
	for _, name := range d.FormatOrder {
		f, ok := d.Formats[name]
		if !ok {
			return fmt.Errorf("%w: format order references undefined format %q", errs.ErrMalformedPSF, name)
		}
		if err := validateFormat(f); err != nil {
			return err
		}
	}
	return nil
}

// payloadFieldCount reports how many PAYLOAD-semantic fields f declares.
func payloadFieldCount(f *Format) int {
	n := 0
	for _, fld := range f.Fields {
		if fld.Semantic == SemanticPayload {
			n++
		}
	}
	return n
}

func validateFormat(f *Format) error {
	seen := map[string]int{}
	var payloadCount, tagCount int
	for i, fld := range f.Fields {
		if _, dup := seen[fld.Name]; dup {
			return fmt.Errorf("%w: format %q declares field %q twice", errs.ErrMalformedPSF, f.Name, fld.Name)
		}
		seen[fld.Name] = i

		switch fld.Semantic {
		case SemanticPayload:
			payloadCount++
		case SemanticAuthTag:
			tagCount++
		case SemanticFixedValue:
			if len(fld.FixedValue) == 0 {
				return fmt.Errorf("%w: field %q.%q has FIXED_VALUE semantic but no literal",
					errs.ErrMalformedPSF, f.Name, fld.Name)
			}
			if want := fieldByteWidth(fld.Type); want > 0 && want != len(fld.FixedValue) {
				return fmt.Errorf("%w: field %q.%q FIXED_VALUE literal is %d bytes, type declares %d",
					errs.ErrMalformedPSF, f.Name, fld.Name, len(fld.FixedValue), want)
			}
		case SemanticLength:
			if fld.Type.Kind != KindScalar {
				return fmt.Errorf("%w: field %q.%q has LENGTH semantic but is not a scalar type",
					errs.ErrMalformedPSF, f.Name, fld.Name)
			}
		case SemanticRandom:
		default:
			return fmt.Errorf("%w: field %q.%q has unknown semantic", errs.ErrMalformedPSF, f.Name, fld.Name)
		}

		if fld.Type.Kind == KindRefBytes {
			targetIdx, ok := seen[fld.Type.RefField]
			if !ok {
				// RefField may legitimately be declared later only if it
				// was already seen above; otherwise it's dangling or
				// forward, both of which break single-pass decoding.
				found := false
				for j, other := range f.Fields {
					if other.Name == fld.Type.RefField {
						found = true
						if j >= i {
							return fmt.Errorf("%w: field %q.%q references %q which is not declared before it",
								errs.ErrMalformedPSF, f.Name, fld.Name, fld.Type.RefField)
						}
					}
				}
				if !found {
					return fmt.Errorf("%w: field %q.%q references non-existent field %q",
						errs.ErrMalformedPSF, f.Name, fld.Name, fld.Type.RefField)
				}
			} else if targetIdx >= i {
				return fmt.Errorf("%w: field %q.%q references %q which is not declared before it",
					errs.ErrMalformedPSF, f.Name, fld.Name, fld.Type.RefField)
			}
			target := f.Fields[seen[fld.Type.RefField]]
			if target.Semantic != SemanticLength {
				return fmt.Errorf("%w: field %q.%q's length reference %q is not a LENGTH field",
					errs.ErrMalformedPSF, f.Name, fld.Name, fld.Type.RefField)
			}
		}
	}
	if payloadCount > 1 {
		return fmt.Errorf("%w: format %q declares more than one PAYLOAD field", errs.ErrMalformedPSF, f.Name)
	}
	if tagCount > 1 {
		return fmt.Errorf("%w: format %q declares more than one AUTH_TAG field", errs.ErrMalformedPSF, f.Name)
	}
	return nil
}

func fieldByteWidth(t FieldType) int {
	switch t.Kind {
	case KindScalar, KindFixedBytes:
		return t.Width
	default:
		return 0
	}
}
