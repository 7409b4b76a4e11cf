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

// Package cliconfig turns the flag strings cmd/obfsclient and
// cmd/obfsserver share into the typed values session.Config and
// handshake.Config need, the way x/examples/internal/config turns a
// transport config string into a StreamDialer.
package cliconfig

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/Jigsaw-Code/obfsproxy/handshake"
	"github.com/Jigsaw-Code/obfsproxy/psf"
	"github.com/Jigsaw-Code/obfsproxy/shapeshift"
)

// ParsePool resolves a comma-separated list of builtin PSF descriptor
// names (e.g. "https,dns-message,ssh-banner") against the embedded
// registry, preserving the caller's order since Pool[0] is always the
// handshake descriptor.
func ParsePool(csv string) ([]*psf.Descriptor, error) {
	names := strings.Split(csv, ",")
	reg := psf.NewBuiltinRegistry()
	pool := make([]*psf.Descriptor, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		d, ok := reg.Get(name)
		if !ok {
			return nil, fmt.Errorf("cliconfig: unknown PSF descriptor %q (have: %v)", name, reg.Names())
		}
		pool = append(pool, d)
	}
	if len(pool) == 0 {
		return nil, fmt.Errorf("cliconfig: empty descriptor pool")
	}
	return pool, nil
}

// ParsePattern maps a flag value to a handshake.Pattern.
func ParsePattern(s string) (handshake.Pattern, error) {
	switch strings.ToUpper(s) {
	case "SERVER_AUTH":
		return handshake.PatternServerAuth, nil
	case "MUTUAL_KNOWN":
		return handshake.PatternMutualKnown, nil
	case "ANONYMOUS_MUTUAL", "":
		return handshake.PatternAnonymousMutual, nil
	default:
		return 0, fmt.Errorf("cliconfig: unknown handshake pattern %q", s)
	}
}

// ParsePolicy maps a flag value to a shapeshift.Policy.
func ParsePolicy(s string) (shapeshift.Policy, error) {
	switch strings.ToUpper(s) {
	case "FIXED", "":
		return shapeshift.PolicyFixed, nil
	case "PERIODIC":
		return shapeshift.PolicyPeriodic, nil
	case "UNIFORM_RANDOM":
		return shapeshift.PolicyUniformRandom, nil
	case "VOLUME":
		return shapeshift.PolicyVolume, nil
	case "ADAPTIVE":
		return shapeshift.PolicyAdaptive, nil
	default:
		return 0, fmt.Errorf("cliconfig: unknown shape-shift policy %q", s)
	}
}

// ParseStaticKey hex-decodes a pinned or local X25519 static key. An
// empty string returns a nil key, valid for patterns that don't need
// one.
func ParseStaticKey(hexKey string) ([]byte, error) {
	if hexKey == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("cliconfig: decoding static key: %w", err)
	}
	return key, nil
}

// LocalStaticKeyPair builds a handshake.StaticKeyPair from a hex-encoded
// private key, deriving the public half.
func LocalStaticKeyPair(hexPriv string) (*handshake.StaticKeyPair, error) {
	if hexPriv == "" {
		return nil, nil
	}
	priv, err := hex.DecodeString(hexPriv)
	if err != nil {
		return nil, fmt.Errorf("cliconfig: decoding local static key: %w", err)
	}
	if len(priv) != 32 {
		return nil, fmt.Errorf("cliconfig: local static key must be 32 bytes, got %d", len(priv))
	}
	var kp handshake.StaticKeyPair
	copy(kp.Private[:], priv)
	pub, err := deriveX25519Public(kp.Private[:])
	if err != nil {
		return nil, err
	}
	copy(kp.Public[:], pub)
	return &kp, nil
}

// Timing bundles the shape-shift schedule knobs shared by both binaries'
// flags.
type Timing struct {
	Period        time.Duration
	Volume        uint64
	VolumeRecords uint64
	Window        uint64
}
