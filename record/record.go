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

// Package record implements the AEAD record layer: ChaCha20-Poly1305
// sealing and opening of up to 64KiB plaintext records, keyed once per
// session and nonced by a per-direction monotonic counter.
package record

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/Jigsaw-Code/obfsproxy/errs"
)

// MaxPlaintext is the largest plaintext a single record may carry.
const MaxPlaintext = 64*1024 - 1

// MaxNonce is the rekey ceiling: once a direction's counter would exceed
// this value, further Seal/Open calls fail with [errs.ErrNonceExhausted]
// rather than reuse a nonce.
const MaxNonce = 1<<48 - 1

// Cipher seals and opens records for one direction of a session, using a
// strictly increasing nonce counter. It is not safe for concurrent use —
// the session that owns it must only ever call Seal (or only ever call
// Open) from its single owning task, per the cooperative single-writer
// discipline the rest of this module follows.
type Cipher struct {
	aead    chacha20poly1305aead
	counter uint64
	closed  bool
}

// chacha20poly1305aead is the narrow slice of cipher.AEAD this package
// uses, named so tests can substitute a fake.
type chacha20poly1305aead interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	Overhead() int
	NonceSize() int
}

// New builds a Cipher from a 32-byte directional key, as derived by the
// handshake engine.
func New(key [32]byte) (*Cipher, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("record: constructing AEAD: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

func nonceFor(counter uint64, size int) []byte {
	nonce := make([]byte, size)
	binary.LittleEndian.PutUint64(nonce, counter)
	return nonce
}

// Seal encrypts plaintext (at most MaxPlaintext bytes) under the next
// nonce value, binding it to ad as associated data, and returns the
// ciphertext and its authentication tag. Seal and chacha20poly1305 never
// expand ciphertext relative to plaintext, so len(ciphertext) ==
// len(plaintext); the tag is returned separately so callers (the
// obfuscation wrapper) can place it in a PSF AUTH_TAG field distinct from
// the PAYLOAD field.
func (c *Cipher) Seal(plaintext, ad []byte) (ciphertext, tag []byte, err error) {
	if c.closed {
		return nil, nil, fmt.Errorf("%w: cipher closed", errs.ErrNonceExhausted)
	}
	if len(plaintext) > MaxPlaintext {
		return nil, nil, fmt.Errorf("record: plaintext of %d bytes exceeds %d byte maximum", len(plaintext), MaxPlaintext)
	}
	if c.counter > MaxNonce {
		c.closed = true
		return nil, nil, errs.ErrNonceExhausted
	}
	nonce := nonceFor(c.counter, c.aead.NonceSize())
	c.counter++
	sealed := c.aead.Seal(nil, nonce, plaintext, ad)
	overhead := c.aead.Overhead()
	return sealed[:len(sealed)-overhead], sealed[len(sealed)-overhead:], nil
}

// Open verifies and decrypts ciphertext||tag under the next expected
// nonce value, with ad as associated data. A verification failure returns
// an error wrapping [errs.ErrDecryptionFailed]; the caller must poison
// its session in that case, per §7.
func (c *Cipher) Open(ciphertext, tag, ad []byte) ([]byte, error) {
	if c.closed {
		return nil, fmt.Errorf("%w: cipher closed", errs.ErrNonceExhausted)
	}
	if c.counter > MaxNonce {
		c.closed = true
		return nil, errs.ErrNonceExhausted
	}
	nonce := nonceFor(c.counter, c.aead.NonceSize())
	sealed := append(append([]byte(nil), ciphertext...), tag...)
	plaintext, err := c.aead.Open(nil, nonce, sealed, ad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrDecryptionFailed, err)
	}
	c.counter++
	return plaintext, nil
}

// RecordsSent returns how many records this Cipher has sealed (or
// successfully opened, for a receive-direction Cipher).
func (c *Cipher) RecordsSent() uint64 { return c.counter }
