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

// Package session glues the handshake engine, the AEAD record layer, the
// PSF obfuscation wrapper and the shape-shift controller into a single
// [transport.StreamConn]: one Session per connection, owned exclusively
// by the goroutine that calls its Read/Write methods.
package session

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/Jigsaw-Code/obfsproxy/errs"
	"github.com/Jigsaw-Code/obfsproxy/handshake"
	"github.com/Jigsaw-Code/obfsproxy/psf"
	"github.com/Jigsaw-Code/obfsproxy/record"
	"github.com/Jigsaw-Code/obfsproxy/shapeshift"
	"github.com/Jigsaw-Code/obfsproxy/transport"
	"github.com/Jigsaw-Code/obfsproxy/wrapper"
)

// handshakePayloadWidth and handshakeTagWidth are the sizes, in bytes, of
// the PAYLOAD and AUTH_TAG contents a data-phase record carries for a raw
// handshake message: a 32-byte X25519 public key and a 16-byte
// confirmation tag.
const (
	handshakePayloadWidth = 32
	handshakeTagWidth     = 16
)

// Config describes how to establish one Session.
type Config struct {
	Role psf.Role

	// Pool is the ordered set of PSF descriptors this session may
	// rotate between. Pool[0] is used for the handshake.
	Pool []*psf.Descriptor

	Handshake handshake.Config

	SendPolicy    shapeshift.Policy
	RecvPolicy    shapeshift.Policy
	Period        time.Duration
	Volume        uint64
	VolumeRecords uint64
	Window        uint64

	// SafePool, NormalPool and RiskThreshold parameterize SendPolicy and/or
	// RecvPolicy when set to shapeshift.PolicyAdaptive; see
	// [shapeshift.Config].
	SafePool      []*psf.Descriptor
	NormalPool    []*psf.Descriptor
	RiskThreshold float64
}

// Session is an obfuscated, shape-shifting, AEAD-protected connection.
// It implements [transport.StreamConn]. A Session that observes a PSF or
// AEAD integrity failure poisons itself: every subsequent Read or Write
// call fails with [errs.ErrSessionPoisoned].
type Session struct {
	transport.StreamConn

	role     psf.Role
	pool     []*psf.Descriptor
	conn     *wrapper.Conn
	sendCtrl *shapeshift.Controller
	recvCtrl *shapeshift.Controller

	// enc/dec mirror the encoder/decoder currently installed in conn, so
	// Rotate can be called with both halves even though only one
	// direction changed.
	enc *psf.Encoder
	dec *psf.Decoder

	remoteStatic []byte
	poisoned     bool
}

// Handshake performs the full session establishment over inner: the
// cosmetic PSF handshake-phase exchange (if the first pool descriptor
// has one), then the cryptographic key-agreement carried as literal
// bytes of the first data-phase records, then constructs the AEAD
// ciphers and shape-shift controllers for ongoing traffic.
func Handshake(inner transport.StreamConn, cfg Config) (*Session, error) {
	if len(cfg.Pool) == 0 {
		return nil, fmt.Errorf("session: Config.Pool must not be empty")
	}
	d := cfg.Pool[0]
	enc, dec, err := psf.Compile(d, cfg.Role)
	if err != nil {
		return nil, err
	}

	prologue, err := exchangeCosmeticBanner(inner, cfg.Role, enc, dec)
	if err != nil {
		return nil, err
	}

	hsCfg := cfg.Handshake
	hsCfg.Role = cfg.Role
	hsCfg.Prologue = prologue
	hs, err := handshake.New(hsCfg, rand.Reader)
	if err != nil {
		return nil, err
	}

	if err := exchangeHandshakeMessages(inner, enc, dec, hs); err != nil {
		return nil, err
	}

	sendKey, recvKey := hs.SendKey(), hs.RecvKey()
	sendCipher, err := record.New(sendKey)
	if err != nil {
		return nil, err
	}
	recvCipher, err := record.New(recvKey)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	sendCtrl, err := shapeshift.NewController(shapeshift.Config{
		Pool: cfg.Pool, Policy: cfg.SendPolicy, Role: cfg.Role,
		Seed: sendKey[:], StartTime: now,
		Period: cfg.Period, VolumeThreshold: cfg.Volume, RecordThreshold: cfg.VolumeRecords, RecordWindow: cfg.Window,
		SafePool: cfg.SafePool, NormalPool: cfg.NormalPool, RiskThreshold: cfg.RiskThreshold,
	})
	if err != nil {
		return nil, err
	}
	recvCtrl, err := shapeshift.NewController(shapeshift.Config{
		Pool: cfg.Pool, Policy: cfg.RecvPolicy, Role: cfg.Role,
		Seed: recvKey[:], StartTime: now,
		Period: cfg.Period, VolumeThreshold: cfg.Volume, RecordThreshold: cfg.VolumeRecords, RecordWindow: cfg.Window,
		SafePool: cfg.SafePool, NormalPool: cfg.NormalPool, RiskThreshold: cfg.RiskThreshold,
	})
	if err != nil {
		return nil, err
	}

	conn := wrapper.New(inner, enc, dec, sendCipher, recvCipher)
	return &Session{
		StreamConn:   inner,
		role:         cfg.Role,
		pool:         cfg.Pool,
		conn:         conn,
		sendCtrl:     sendCtrl,
		recvCtrl:     recvCtrl,
		enc:          enc,
		dec:          dec,
		remoteStatic: hs.RemoteStatic(),
	}, nil
}

// RemoteStatic returns the peer's authenticated static public key, if the
// configured handshake pattern establishes one.
func (s *Session) RemoteStatic() []byte { return s.remoteStatic }

// Poisoned reports whether an integrity failure has permanently disabled
// this session's I/O.
func (s *Session) Poisoned() bool { return s.poisoned }

func (s *Session) poison(err error) error {
	s.poisoned = true
	return err
}

// Write implements io.Writer, rotating the active send descriptor between
// records as the shape-shift controller schedules.
func (s *Session) Write(p []byte) (int, error) {
	if s.poisoned {
		return 0, errs.ErrSessionPoisoned
	}
	total := 0
	for len(p) > 0 {
		n := len(p)
		if n > record.MaxPlaintext {
			n = record.MaxPlaintext
		}
		if _, err := s.conn.WriteRecord(p[:n]); err != nil {
			if isIntegrityFailure(err) {
				return total, s.poison(err)
			}
			return total, err
		}
		total += n
		p = p[n:]
		if next, rotated := s.sendCtrl.MaybeRotate(time.Now(), n); rotated {
			nextEnc, _, err := psf.CompileDataOnly(next, s.role)
			if err != nil {
				return total, err
			}
			s.enc = nextEnc
			s.conn.Rotate(s.enc, s.dec)
		}
	}
	return total, nil
}

// Read implements io.Reader, rotating the active receive descriptor in
// lockstep with the peer's send schedule.
func (s *Session) Read(p []byte) (int, error) {
	if s.poisoned {
		return 0, errs.ErrSessionPoisoned
	}
	n, err := s.conn.Read(p)
	if err != nil {
		if isIntegrityFailure(err) {
			return n, s.poison(err)
		}
		return n, err
	}
	if next, rotated := s.recvCtrl.MaybeRotate(time.Now(), n); rotated {
		_, nextDec, err := psf.CompileDataOnly(next, s.role)
		if err != nil {
			return n, err
		}
		s.dec = nextDec
		s.conn.Rotate(s.enc, s.dec)
	}
	return n, nil
}

func isIntegrityFailure(err error) bool {
	return errors.Is(err, errs.ErrPsfMismatch) || errors.Is(err, errs.ErrDecryptionFailed)
}

// ReportSignal feeds an external risk estimate into both directions'
// ADAPTIVE rotation schedules.
func (s *Session) ReportSignal(risk float64) {
	s.sendCtrl.ReportSignal(risk)
	s.recvCtrl.ReportSignal(risk)
}

// exchangeCosmeticBanner sends and receives every handshake-phase record
// the compiled descriptor declares, before any key material exists, and
// returns their concatenated wire bytes to bind into the handshake's
// prologue — so a tampered cover-protocol banner causes a handshake
// failure rather than quietly succeeding atop a mismatched PSF view. The
// initiator writes first and the responder reads first; both ends order
// the prologue as the initiator's bytes followed by the responder's. A
// descriptor with no handshake phase (enc/dec start directly in the data
// phase) yields an empty prologue.
func exchangeCosmeticBanner(conn transport.StreamConn, role psf.Role, enc *psf.Encoder, dec *psf.Decoder) ([]byte, error) {
	var sent, received []byte
	for enc.InHandshakePhase() || dec.InHandshakePhase() {
		if enc.InHandshakePhase() && (role == psf.RoleInitiator || !dec.InHandshakePhase()) {
			wire, err := wrapper.WriteRawRecord(conn, enc, nil, nil)
			if err != nil {
				return nil, err
			}
			sent = append(sent, wire...)
			continue
		}
		_, _, wire, err := wrapper.ReadRawRecord(conn, dec)
		if err != nil {
			return nil, err
		}
		received = append(received, wire...)
	}
	if role == psf.RoleResponder {
		return append(received, sent...), nil
	}
	return append(sent, received...), nil
}

// exchangeHandshakeMessages carries the handshake engine's key-agreement
// messages as the literal PAYLOAD/AUTH_TAG bytes of the descriptor's
// first data-phase record(s).
func exchangeHandshakeMessages(conn transport.StreamConn, enc *psf.Encoder, dec *psf.Decoder, hs *handshake.Handshake) error {
	if hs.Role() == psf.RoleInitiator {
		msg1, err := hs.WriteNext()
		if err != nil {
			return err
		}
		payload, tag := splitHandshakeMessage(msg1)
		if _, err := wrapper.WriteRawRecord(conn, enc, payload, tag); err != nil {
			return err
		}
		gotPayload, gotTag, _, err := wrapper.ReadRawRecord(conn, dec)
		if err != nil {
			return err
		}
		return hs.ReadNext(joinHandshakeMessage(gotPayload, gotTag))
	}

	gotPayload, gotTag, _, err := wrapper.ReadRawRecord(conn, dec)
	if err != nil {
		return err
	}
	if err := hs.ReadNext(joinHandshakeMessage(gotPayload, gotTag)); err != nil {
		return err
	}
	msg2, err := hs.WriteNext()
	if err != nil {
		return err
	}
	payload, tag := splitHandshakeMessage(msg2)
	_, err = wrapper.WriteRawRecord(conn, enc, payload, tag)
	return err
}

// splitHandshakeMessage divides a handshake wire message into the 32
// leading bytes a data-phase PAYLOAD field carries and the 16 trailing
// bytes its AUTH_TAG field carries, padding with random filler when the
// message (an unauthenticated first message under ANONYMOUS_MUTUAL) is
// shorter than that — the receiving handshake state machine only ever
// reads the bytes its pattern expects and ignores the rest.
func splitHandshakeMessage(msg []byte) (payload, tag []byte) {
	const full = handshakePayloadWidth + handshakeTagWidth
	if len(msg) < full {
		padded := make([]byte, full)
		copy(padded, msg)
		if _, err := io.ReadFull(rand.Reader, padded[len(msg):]); err != nil {
			panic(fmt.Sprintf("session: filling handshake padding: %v", err))
		}
		msg = padded
	}
	return msg[:handshakePayloadWidth], msg[handshakePayloadWidth:full]
}

// joinHandshakeMessage reassembles a received record's PAYLOAD/AUTH_TAG
// fields back into one handshake wire message.
func joinHandshakeMessage(payload, tag []byte) []byte {
	return append(append([]byte(nil), payload...), tag...)
}
