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

package handshake

import (
	"fmt"

	"github.com/Jigsaw-Code/obfsproxy/errs"
	"github.com/Jigsaw-Code/obfsproxy/psf"
)

const confirmTagSize = 16 // chacha20poly1305.Overhead, for an empty-plaintext Seal

// WriteNext produces this side's next outgoing handshake message. The
// initiator calls WriteNext once, before ever calling ReadNext; the
// responder calls ReadNext once before calling WriteNext. Both sides'
// handshake completes after the initiator's subsequent ReadNext call.
func (h *Handshake) WriteNext() ([]byte, error) {
	if h.cfg.Role == psf.RoleInitiator {
		return h.writeMessage1()
	}
	return h.writeMessage2()
}

// ReadNext consumes the peer's handshake message. See WriteNext for call
// order.
func (h *Handshake) ReadNext(msg []byte) error {
	if h.cfg.Role == psf.RoleInitiator {
		return h.readMessage2(msg)
	}
	return h.readMessage1(msg)
}

// writeMessage1 is the initiator's only outgoing message: its ephemeral
// public key, plus — for authenticated patterns — a key-confirmation tag
// over the early Diffie-Hellman terms available before any reply.
func (h *Handshake) writeMessage1() ([]byte, error) {
	if h.wroteFirst {
		return nil, fmt.Errorf("handshake: WriteNext called twice by initiator")
	}
	msg := append([]byte(nil), h.ephPub[:]...)
	if h.cfg.Pattern != PatternAnonymousMutual {
		ikm, err := h.earlyTerms()
		if err != nil {
			return nil, err
		}
		sendKey, _, err := deriveKeys(h.cfg.Prologue, ikm)
		if err != nil {
			return nil, err
		}
		tag, err := seal(sendKey, append(append([]byte(nil), h.cfg.Prologue...), h.ephPub[:]...))
		if err != nil {
			return nil, err
		}
		msg = append(msg, tag...)
	}
	h.wroteFirst = true
	return msg, nil
}

// readMessage1 is the responder's only incoming message.
func (h *Handshake) readMessage1(msg []byte) error {
	if h.readPeer {
		return fmt.Errorf("handshake: ReadNext called twice by responder")
	}
	if len(msg) < keySize {
		return fmt.Errorf("%w: message 1 too short", errs.ErrHandshakeFailed)
	}
	h.peerEphPub = append([]byte(nil), msg[:keySize]...)

	if h.cfg.Pattern != PatternAnonymousMutual {
		tag := msg[keySize:]
		if len(tag) != confirmTagSize {
			return fmt.Errorf("%w: message 1 confirmation tag has wrong length", errs.ErrHandshakeFailed)
		}
		ikm, err := h.earlyTerms()
		if err != nil {
			return err
		}
		sendKey, _, err := deriveKeys(h.cfg.Prologue, ikm)
		if err != nil {
			return err
		}
		ad := append(append([]byte(nil), h.cfg.Prologue...), h.peerEphPub...)
		if err := open(sendKey, ad, tag); err != nil {
			return err
		}
	}
	h.readPeer = true
	return nil
}

// writeMessage2 is the responder's only outgoing message: its ephemeral
// public key plus a key-confirmation tag over the final root key, proving
// the responder derived the same key material the initiator will.
func (h *Handshake) writeMessage2() ([]byte, error) {
	if !h.readPeer {
		return nil, fmt.Errorf("handshake: responder must ReadNext before WriteNext")
	}
	if h.wroteFirst {
		return nil, fmt.Errorf("handshake: WriteNext called twice by responder")
	}
	ikm, err := h.finalTerms()
	if err != nil {
		return nil, err
	}
	// Labels are from the initiator's point of view: "send" is
	// initiator-to-responder traffic, "recv" is responder-to-initiator.
	initiatorSend, initiatorRecv, err := deriveKeys(h.cfg.Prologue, ikm)
	if err != nil {
		return nil, err
	}
	h.sendKey = initiatorRecv
	h.recvKey = initiatorSend

	ad := append(append(append([]byte(nil), h.cfg.Prologue...), h.peerEphPub...), h.ephPub[:]...)
	tag, err := seal(h.sendKey, ad)
	if err != nil {
		return nil, err
	}
	h.wroteFirst = true
	h.done = true
	return append(append([]byte(nil), h.ephPub[:]...), tag...), nil
}

// readMessage2 is the initiator's only incoming message.
func (h *Handshake) readMessage2(msg []byte) error {
	if !h.wroteFirst {
		return fmt.Errorf("handshake: initiator must WriteNext before ReadNext")
	}
	if h.readPeer {
		return fmt.Errorf("handshake: ReadNext called twice by initiator")
	}
	if len(msg) != keySize+confirmTagSize {
		return fmt.Errorf("%w: message 2 has wrong length", errs.ErrHandshakeFailed)
	}
	h.peerEphPub = append([]byte(nil), msg[:keySize]...)
	tag := msg[keySize:]

	ikm, err := h.finalTerms()
	if err != nil {
		return err
	}
	initiatorSend, initiatorRecv, err := deriveKeys(h.cfg.Prologue, ikm)
	if err != nil {
		return err
	}
	ad := append(append(append([]byte(nil), h.cfg.Prologue...), h.ephPub[:]...), h.peerEphPub...)
	if err := open(initiatorRecv, ad, tag); err != nil {
		return err
	}
	h.sendKey = initiatorSend
	h.recvKey = initiatorRecv
	h.readPeer = true
	h.done = true
	return nil
}
