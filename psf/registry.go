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
	"embed"
	"fmt"
	"sort"
	"strings"
)

//go:embed protocols/*.psf
var builtinFS embed.FS

// Registry holds a validated set of descriptors, keyed by name, available
// for a shape-shift controller to rotate between.
type Registry struct {
	descriptors map[string]*Descriptor
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{descriptors: map[string]*Descriptor{}}
}

// Add parses, validates and stores d's text, indexed by its NAME
// directive. It returns an error wrapping [errs.ErrMalformedPSF] if
// parsing or validation fails.
func (reg *Registry) Add(text string) error {
	d, err := Parse(strings.NewReader(text))
	if err != nil {
		return err
	}
	if err := d.Validate(); err != nil {
		return err
	}
	reg.descriptors[d.Name] = d
	return nil
}

// Get returns the descriptor registered under name.
func (reg *Registry) Get(name string) (*Descriptor, bool) {
	d, ok := reg.descriptors[name]
	return d, ok
}

// Names returns every registered descriptor name, sorted.
func (reg *Registry) Names() []string {
	names := make([]string, 0, len(reg.descriptors))
	for n := range reg.descriptors {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// NewBuiltinRegistry returns a Registry preloaded with the descriptors
// shipped under psf/protocols: https, dns-message and ssh-banner. It
// panics if any of them fails to parse or validate, since that would
// indicate a defect in this module rather than a runtime condition.
func NewBuiltinRegistry() *Registry {
	entries, err := builtinFS.ReadDir("protocols")
	if err != nil {
		panic(fmt.Sprintf("psf: reading embedded protocols: %v", err))
	}
	reg := NewRegistry()
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".psf") {
			continue
		}
		data, err := builtinFS.ReadFile("protocols/" + entry.Name())
		if err != nil {
			panic(fmt.Sprintf("psf: reading embedded descriptor %q: %v", entry.Name(), err))
		}
		if err := reg.Add(string(data)); err != nil {
			panic(fmt.Sprintf("psf: builtin descriptor %q: %v", entry.Name(), err))
		}
	}
	return reg
}
