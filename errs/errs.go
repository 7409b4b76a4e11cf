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

// Package errs defines the error kinds shared by every layer of the
// obfuscating proxy core. Callers should compare against these sentinels
// with [errors.Is]; concrete errors are produced by wrapping one of these
// with additional context via fmt.Errorf("%w: ...", sentinel).
package errs

import "errors"

var (
	// ErrMalformedPSF is returned when a PSF descriptor fails semantic
	// validation at load time (dangling LENGTH reference, missing
	// PAYLOAD field, circular length reference, fixed-size overflow).
	ErrMalformedPSF = errors.New("malformed PSF descriptor")

	// ErrMissingKey is returned when a handshake pattern requires a
	// static key that was not supplied at construction.
	ErrMissingKey = errors.New("handshake pattern requires a static key that was not provided")

	// ErrHandshakeFailed is returned for any failure during key
	// agreement: a bad ephemeral, an AEAD verification failure inside
	// the handshake, or a prologue mismatch.
	ErrHandshakeFailed = errors.New("handshake failed")

	// ErrDecryptionFailed is returned when an AEAD tag fails to verify
	// on a data record. The session must be poisoned.
	ErrDecryptionFailed = errors.New("AEAD tag verification failed")

	// ErrPsfMismatch is returned when a FIXED_VALUE byte or LENGTH field
	// observed on the wire does not match what the descriptor declares.
	// The session must be poisoned.
	ErrPsfMismatch = errors.New("PSF fixed-value or length mismatch")

	// ErrNonceExhausted is returned when a session's send counter has
	// reached the 2^48 ceiling and rekeying is not implemented.
	ErrNonceExhausted = errors.New("nonce counter exhausted")

	// ErrNeedMoreData is not a real failure: it signals that the
	// decoder has an incomplete record and the caller should buffer
	// more bytes before retrying.
	ErrNeedMoreData = errors.New("need more data")

	// ErrCarrierBroken is surfaced by the DNS datagram carrier once it
	// has exhausted its retry budget for a query.
	ErrCarrierBroken = errors.New("DNS carrier unable to deliver datagram")

	// ErrPathDead is surfaced by the reliability overlay once a segment
	// has been retransmitted more than the configured maximum without
	// an ack.
	ErrPathDead = errors.New("reliability overlay exceeded retransmission limit")

	// ErrSessionIdle is returned when a server-side session has been
	// reaped due to inactivity.
	ErrSessionIdle = errors.New("session reaped due to inactivity")

	// ErrSessionPoisoned is returned by a Session for any I/O attempted
	// after an integrity failure has poisoned it.
	ErrSessionPoisoned = errors.New("session poisoned by prior integrity failure")
)
