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

// Package wrapper composes a PSF encoder/decoder pair with the AEAD
// record layer to present an obfuscated [transport.StreamConn]: bytes
// written are sealed and framed to look like the active cover protocol;
// bytes read are parsed out of that cover protocol's shape and opened.
package wrapper

import (
	"errors"
	"fmt"
	"io"

	"github.com/Jigsaw-Code/obfsproxy/errs"
	"github.com/Jigsaw-Code/obfsproxy/psf"
	"github.com/Jigsaw-Code/obfsproxy/record"
	"github.com/Jigsaw-Code/obfsproxy/transport"
)

// Conn wraps an inner [transport.StreamConn] carrying obfuscated records.
// It is not safe for concurrent Read calls, nor for concurrent Write
// calls — matching the session's single-owning-task discipline — but a
// concurrent Read and Write pair is fine, since they touch disjoint
// state.
type Conn struct {
	transport.StreamConn

	send *record.Cipher
	recv *record.Cipher
	enc  *psf.Encoder
	dec  *psf.Decoder

	readBuf  []byte // bytes read from inner but not yet a full record
	readHave int
	outBuf   []byte // decoded plaintext not yet delivered to the caller
}

// New wraps inner, sealing outgoing data with send/enc and opening
// incoming data with recv/dec.
func New(inner transport.StreamConn, enc *psf.Encoder, dec *psf.Decoder, send, recv *record.Cipher) *Conn {
	return &Conn{StreamConn: inner, send: send, recv: recv, enc: enc, dec: dec}
}

// Rotate replaces the encoder and decoder used for this connection's two
// directions. The caller (the owning Session) must only call this at a
// record boundary — never mid-Write or mid-Read — which the
// single-owning-task concurrency discipline guarantees since Rotate is
// invoked from the same goroutine between WriteRecord calls.
func (c *Conn) Rotate(enc *psf.Encoder, dec *psf.Decoder) {
	c.enc = enc
	c.dec = dec
}

// WriteRecord seals and frames exactly one plaintext record (at most
// [record.MaxPlaintext] bytes) and writes it to the inner connection.
func (c *Conn) WriteRecord(plaintext []byte) (int, error) {
	if len(plaintext) > record.MaxPlaintext {
		return 0, fmt.Errorf("wrapper: record of %d bytes exceeds maximum", len(plaintext))
	}
	ad, err := c.enc.ReserveHeader(len(plaintext))
	if err != nil {
		return 0, err
	}
	ciphertext, tag, err := c.send.Seal(plaintext, ad)
	if err != nil {
		return 0, err
	}
	wire, err := c.enc.Wrap(ciphertext, tag)
	if err != nil {
		return 0, err
	}
	if _, err := c.StreamConn.Write(wire); err != nil {
		return 0, err
	}
	return len(plaintext), nil
}

// Write implements io.Writer by splitting p into MaxPlaintext-sized
// records.
func (c *Conn) Write(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		n := len(p)
		if n > record.MaxPlaintext {
			n = record.MaxPlaintext
		}
		written, err := c.WriteRecord(p[:n])
		total += written
		if err != nil {
			return total, err
		}
		p = p[n:]
	}
	return total, nil
}

// ReadRecord reads, parses and opens exactly one record from the inner
// connection, growing its internal buffer as needed. It returns
// [errs.ErrPsfMismatch] or [errs.ErrDecryptionFailed] verbatim on
// integrity failures — the caller must poison its session in that case.
func (c *Conn) ReadRecord() ([]byte, error) {
	for {
		res, err := c.dec.Unwrap(c.readBuf[:c.readHave])
		if err == nil {
			plaintext, openErr := c.recv.Open(res.Ciphertext, res.Tag, res.AD)
			c.consume(res.Consumed)
			if openErr != nil {
				return nil, openErr
			}
			return plaintext, nil
		}
		var needMore *psf.NeedMoreDataError
		if !errors.As(err, &needMore) {
			return nil, err
		}
		if err := c.fill(needMore.Min); err != nil {
			return nil, err
		}
	}
}

// fill reads at least min more bytes from the inner connection into
// readBuf.
func (c *Conn) fill(min int) error {
	if min < 1 {
		min = 1
	}
	need := c.readHave + min
	if cap(c.readBuf) < need {
		grown := make([]byte, need*2)
		copy(grown, c.readBuf[:c.readHave])
		c.readBuf = grown
	} else {
		c.readBuf = c.readBuf[:cap(c.readBuf)]
	}
	got := 0
	for got < min {
		n, err := c.StreamConn.Read(c.readBuf[c.readHave+got : need])
		got += n
		if err != nil {
			if err == io.EOF && got+c.readHave > 0 {
				return fmt.Errorf("%w: connection closed mid-record", errs.ErrCarrierBroken)
			}
			return err
		}
	}
	c.readHave += got
	return nil
}

// consume drops the first n bytes of readBuf, which the decoder has just
// turned into a record.
func (c *Conn) consume(n int) {
	remaining := c.readHave - n
	copy(c.readBuf, c.readBuf[n:c.readHave])
	c.readHave = remaining
	c.readBuf = c.readBuf[:cap(c.readBuf)]
}

// Read implements io.Reader over the record stream, buffering any
// plaintext left over from a ReadRecord call that produced more bytes
// than the caller's buffer could hold.
func (c *Conn) Read(p []byte) (int, error) {
	if len(c.outBuf) == 0 {
		plaintext, err := c.ReadRecord()
		if err != nil {
			return 0, err
		}
		c.outBuf = plaintext
	}
	n := copy(p, c.outBuf)
	c.outBuf = c.outBuf[n:]
	return n, nil
}
