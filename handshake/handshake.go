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

// Package handshake performs the key-agreement step that precedes every
// obfuscated session: a one-round-trip Diffie-Hellman exchange over
// X25519, authenticated (where the pattern allows it) with pre-known
// static keys, and key-confirmed with ChaCha20-Poly1305 over a BLAKE2s
// HKDF-derived root key.
package handshake

import (
	"crypto/rand"
	"fmt"
	"hash"
	"io"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/Jigsaw-Code/obfsproxy/errs"
	"github.com/Jigsaw-Code/obfsproxy/psf"
)

// Pattern selects which identity assurances a handshake provides.
type Pattern int

const (
	// PatternServerAuth is a 1-RTT handshake where the initiator has
	// pinned the responder's static public key in advance; the
	// initiator itself remains anonymous.
	PatternServerAuth Pattern = iota
	// PatternMutualKnown is a 1-RTT handshake where both sides have
	// pinned each other's static public keys in advance.
	PatternMutualKnown
	// PatternAnonymousMutual performs unauthenticated ephemeral
	// Diffie-Hellman only; neither side's identity is verified, and the
	// exchange is vulnerable to an active man-in-the-middle.
	PatternAnonymousMutual
)

func (p Pattern) String() string {
	switch p {
	case PatternServerAuth:
		return "SERVER_AUTH"
	case PatternMutualKnown:
		return "MUTUAL_KNOWN"
	case PatternAnonymousMutual:
		return "ANONYMOUS_MUTUAL"
	default:
		return "unknown"
	}
}

const keySize = 32

// StaticKeyPair is a long-term X25519 identity.
type StaticKeyPair struct {
	Private [keySize]byte
	Public  [keySize]byte
}

// GenerateStaticKeyPair creates a new random X25519 identity.
func GenerateStaticKeyPair(rnd io.Reader) (*StaticKeyPair, error) {
	if rnd == nil {
		rnd = rand.Reader
	}
	var kp StaticKeyPair
	if _, err := io.ReadFull(rnd, kp.Private[:]); err != nil {
		return nil, fmt.Errorf("handshake: generating static key: %w", err)
	}
	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("handshake: deriving static public key: %w", err)
	}
	copy(kp.Public[:], pub)
	return &kp, nil
}

// Config parameterizes a handshake instance.
type Config struct {
	Pattern Pattern
	Role    psf.Role

	// LocalStatic is required for PatternMutualKnown (both roles) and
	// for the responder under PatternServerAuth. It is ignored under
	// PatternAnonymousMutual.
	LocalStatic *StaticKeyPair

	// RemoteStaticKey is the peer's pinned static public key. It is
	// required for the initiator under PatternServerAuth and for both
	// roles under PatternMutualKnown.
	RemoteStaticKey []byte

	// Prologue binds the handshake to out-of-band context — typically
	// the PSF-handshake-phase bytes already exchanged on the wire, so a
	// tampered cover-protocol banner causes a handshake failure rather
	// than succeeding on top of a mismatched PSF view.
	Prologue []byte
}

func (c Config) validate() error {
	switch c.Pattern {
	case PatternServerAuth:
		if c.Role == psf.RoleInitiator && len(c.RemoteStaticKey) != keySize {
			return fmt.Errorf("%w: SERVER_AUTH initiator requires the responder's pinned static key", errs.ErrMissingKey)
		}
		if c.Role == psf.RoleResponder && c.LocalStatic == nil {
			return fmt.Errorf("%w: SERVER_AUTH responder requires a local static key", errs.ErrMissingKey)
		}
	case PatternMutualKnown:
		if c.LocalStatic == nil {
			return fmt.Errorf("%w: MUTUAL_KNOWN requires a local static key", errs.ErrMissingKey)
		}
		if len(c.RemoteStaticKey) != keySize {
			return fmt.Errorf("%w: MUTUAL_KNOWN requires the peer's pinned static key", errs.ErrMissingKey)
		}
	case PatternAnonymousMutual:
		// No static key material required or used.
	default:
		return fmt.Errorf("handshake: unknown pattern %v", c.Pattern)
	}
	return nil
}

// Handshake drives one side of a 1-RTT key-agreement exchange. It is not
// safe for concurrent use.
type Handshake struct {
	cfg Config
	rnd io.Reader

	ephPriv [keySize]byte
	ephPub  [keySize]byte

	wroteFirst bool
	readPeer   bool
	done       bool

	peerEphPub   []byte
	remoteStatic []byte

	sendKey [keySize]byte
	recvKey [keySize]byte
}

// New creates a Handshake for the given configuration, generating a fresh
// ephemeral keypair.
func New(cfg Config, rnd io.Reader) (*Handshake, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if rnd == nil {
		rnd = rand.Reader
	}
	h := &Handshake{cfg: cfg, rnd: rnd}
	if _, err := io.ReadFull(rnd, h.ephPriv[:]); err != nil {
		return nil, fmt.Errorf("%w: generating ephemeral key: %v", errs.ErrHandshakeFailed, err)
	}
	pub, err := curve25519.X25519(h.ephPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("%w: deriving ephemeral public key: %v", errs.ErrHandshakeFailed, err)
	}
	copy(h.ephPub[:], pub)
	// Under SERVER_AUTH the responder never learns an initiator identity
	// (the initiator stays anonymous); under every other case where a
	// peer static key was configured, it's already known, not learned.
	if len(cfg.RemoteStaticKey) == keySize {
		h.remoteStatic = append([]byte(nil), cfg.RemoteStaticKey...)
	}
	return h, nil
}

// Done reports whether the handshake has completed and SendKey/RecvKey are
// available.
func (h *Handshake) Done() bool { return h.done }

// Role returns the role this handshake instance was configured with.
func (h *Handshake) Role() psf.Role { return h.cfg.Role }

// SendKey returns the directional key this side should use to encrypt
// outgoing data records. Valid only once Done reports true.
func (h *Handshake) SendKey() [keySize]byte { return h.sendKey }

// RecvKey returns the directional key this side should use to decrypt
// incoming data records. Valid only once Done reports true.
func (h *Handshake) RecvKey() [keySize]byte { return h.recvKey }

// RemoteStatic returns the peer's static public key, if this pattern
// authenticates one. It returns nil under PatternAnonymousMutual, and for
// the responder under PatternServerAuth (whose initiator never proves an
// identity).
func (h *Handshake) RemoteStatic() []byte { return h.remoteStatic }

func dh(priv, pub []byte) ([]byte, error) {
	out, err := curve25519.X25519(priv, pub)
	if err != nil {
		return nil, fmt.Errorf("%w: X25519: %v", errs.ErrHandshakeFailed, err)
	}
	return out, nil
}

// termES returns DH(initiator-ephemeral, responder-static), computed from
// whichever side holds which keys.
func (h *Handshake) termES() ([]byte, error) {
	if h.cfg.Role == psf.RoleInitiator {
		return dh(h.ephPriv[:], h.cfg.RemoteStaticKey)
	}
	return dh(h.cfg.LocalStatic.Private[:], h.peerEphPub)
}

// termSE returns DH(initiator-static, responder-ephemeral).
func (h *Handshake) termSE() ([]byte, error) {
	if h.cfg.Role == psf.RoleInitiator {
		return dh(h.cfg.LocalStatic.Private[:], h.peerEphPub)
	}
	return dh(h.ephPriv[:], h.cfg.RemoteStaticKey)
}

func (h *Handshake) termSS() ([]byte, error) {
	return dh(h.cfg.LocalStatic.Private[:], h.cfg.RemoteStaticKey)
}

// earlyTerms returns the Diffie-Hellman terms available before the
// peer's ephemeral key has been seen, used to derive the key that
// authenticates message 1.
func (h *Handshake) earlyTerms() ([]byte, error) {
	switch h.cfg.Pattern {
	case PatternServerAuth:
		return h.termES()
	case PatternMutualKnown:
		es, err := h.termES()
		if err != nil {
			return nil, err
		}
		ss, err := h.termSS()
		if err != nil {
			return nil, err
		}
		return append(es, ss...), nil
	default:
		return nil, nil
	}
}

// finalTerms returns the full set of Diffie-Hellman terms available once
// both ephemeral keys are known, in a canonical order both sides compute
// identically: ee, es, se, ss (terms absent from a pattern are omitted
// from both sides alike).
func (h *Handshake) finalTerms() ([]byte, error) {
	ee, err := dh(h.ephPriv[:], h.peerEphPub)
	if err != nil {
		return nil, err
	}
	switch h.cfg.Pattern {
	case PatternServerAuth:
		es, err := h.termES()
		if err != nil {
			return nil, err
		}
		return append(ee, es...), nil
	case PatternMutualKnown:
		es, err := h.termES()
		if err != nil {
			return nil, err
		}
		se, err := h.termSE()
		if err != nil {
			return nil, err
		}
		ss, err := h.termSS()
		if err != nil {
			return nil, err
		}
		ikm := append(append(ee, es...), se...)
		return append(ikm, ss...), nil
	default: // PatternAnonymousMutual
		return ee, nil
	}
}

func deriveKeys(prologue, ikm []byte) (sendKey, recvKey [keySize]byte, err error) {
	h := hkdf.New(func() hash.Hash {
		hh, _ := blake2s.New256(nil)
		return hh
	}, ikm, prologue, nil)
	if _, err = io.ReadFull(h, sendKey[:]); err != nil {
		return sendKey, recvKey, fmt.Errorf("%w: deriving send key: %v", errs.ErrHandshakeFailed, err)
	}
	if _, err = io.ReadFull(h, recvKey[:]); err != nil {
		return sendKey, recvKey, fmt.Errorf("%w: deriving recv key: %v", errs.ErrHandshakeFailed, err)
	}
	return sendKey, recvKey, nil
}

func seal(key [keySize]byte, ad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrHandshakeFailed, err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	return aead.Seal(nil, nonce, nil, ad), nil
}

func open(key [keySize]byte, ad, sealed []byte) error {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrHandshakeFailed, err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := aead.Open(nil, nonce, sealed, ad); err != nil {
		return fmt.Errorf("%w: key confirmation failed: %v", errs.ErrHandshakeFailed, err)
	}
	return nil
}
