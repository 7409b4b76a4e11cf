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

// Package dnscarrier moves an obfuscated byte stream between client and
// server in the guise of DNS query/response exchanges: upstream bytes are
// packed into QNAME labels, downstream bytes into TXT-record RDATA, both
// fragmented to fit a single datagram's size budget and reassembled by
// session id on the far end.
package dnscarrier

import (
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/miekg/dns"
	"golang.org/x/net/idna"

	"github.com/Jigsaw-Code/obfsproxy/errs"
)

// sessionIDLen is the fixed width of the carrier's session identifier, in
// bytes, embedded in every upstream QNAME as 16 hex characters.
const sessionIDLen = 8

// fragHeaderLen is the width of the sequence-number/total-count header
// prepended to every fragment's raw payload, before base32 or TXT
// encoding.
const fragHeaderLen = 4

// normalizeDomain converts a tunnel domain to its ASCII (Punycode) form
// so an operator-supplied internationalized domain name still survives
// unchanged through the QNAME labeling in buildUpstreamQuery and the
// suffix comparison in parseUpstreamQuery. A domain idna rejects is
// passed through as given rather than failing construction.
func normalizeDomain(domain string) string {
	ascii, err := idna.Lookup.ToASCII(domain)
	if err != nil {
		return domain
	}
	return ascii
}

// maxQNAMELabelLen is the DNS limit on a single label.
const maxQNAMELabelLen = 63

// maxUpstreamRaw is the largest raw (pre-fragment-header) chunk this
// carrier packs into one query, leaving headroom for the DNS header,
// question overhead and EDNS0 option inside a 1232-byte UDP budget.
const maxUpstreamRaw = 600

// maxTXTStringLen is the DNS limit on one TXT <character-string>.
const maxTXTStringLen = 255

var b32 = base32.StdEncoding.WithPadding(base32.NoPadding)

// SessionID identifies one carrier session, embedded in every QNAME this
// session's client sends.
type SessionID [sessionIDLen]byte

func (id SessionID) String() string { return fmt.Sprintf("%016x", [sessionIDLen]byte(id)) }

// NewSessionID generates a fresh session id from the low bytes of a
// random UUID, for a client establishing a new tunnel.
func NewSessionID() SessionID {
	u := uuid.New()
	var id SessionID
	copy(id[:], u[:sessionIDLen])
	return id
}

func parseSessionID(hexLabel string) (SessionID, error) {
	var id SessionID
	if len(hexLabel) != sessionIDLen*2 {
		return id, fmt.Errorf("%w: session id label has wrong length", errs.ErrCarrierBroken)
	}
	for i := range id {
		var b byte
		if _, err := fmt.Sscanf(hexLabel[i*2:i*2+2], "%02x", &b); err != nil {
			return id, fmt.Errorf("%w: session id label is not hex: %v", errs.ErrCarrierBroken, err)
		}
		id[i] = b
	}
	return id, nil
}

// splitFragments divides raw into chunks no larger than maxRaw bytes each,
// prepends a (seq, total) header to every chunk, and returns the
// resulting fragments in order. An empty raw input yields a single
// zero-length fragment, used for keepalive polls.
func splitFragments(raw []byte, maxRaw int) [][]byte {
	if len(raw) == 0 {
		return [][]byte{encodeFragmentHeader(0, 1, nil)}
	}
	total := (len(raw) + maxRaw - 1) / maxRaw
	frags := make([][]byte, 0, total)
	for i := 0; i < total; i++ {
		start := i * maxRaw
		end := start + maxRaw
		if end > len(raw) {
			end = len(raw)
		}
		frags = append(frags, encodeFragmentHeader(uint16(i), uint16(total), raw[start:end]))
	}
	return frags
}

func encodeFragmentHeader(seq, total uint16, payload []byte) []byte {
	out := make([]byte, fragHeaderLen+len(payload))
	binary.BigEndian.PutUint16(out[0:2], seq)
	binary.BigEndian.PutUint16(out[2:4], total)
	copy(out[fragHeaderLen:], payload)
	return out
}

func decodeFragmentHeader(frag []byte) (seq, total uint16, payload []byte, err error) {
	if len(frag) < fragHeaderLen {
		return 0, 0, nil, fmt.Errorf("%w: fragment shorter than header", errs.ErrCarrierBroken)
	}
	seq = binary.BigEndian.Uint16(frag[0:2])
	total = binary.BigEndian.Uint16(frag[2:4])
	return seq, total, frag[fragHeaderLen:], nil
}

// buildUpstreamQuery encodes one fragment (already including its header)
// into a DNS query for session id over domain suffix.
func buildUpstreamQuery(id SessionID, domain string, fragment []byte) *dns.Msg {
	encoded := b32.EncodeToString(fragment)
	var labels []string
	for len(encoded) > 0 {
		n := maxQNAMELabelLen
		if n > len(encoded) {
			n = len(encoded)
		}
		labels = append(labels, encoded[:n])
		encoded = encoded[n:]
	}
	labels = append(labels, id.String())
	name := dns.Fqdn(strings.Join(labels, ".") + "." + domain)

	msg := new(dns.Msg)
	msg.SetQuestion(name, dns.TypeTXT)
	msg.RecursionDesired = true
	return msg
}

// parseUpstreamQuery extracts the session id and fragment bytes from a
// query built by buildUpstreamQuery, given the tunnel domain suffix.
func parseUpstreamQuery(msg *dns.Msg, domain string) (SessionID, []byte, error) {
	if len(msg.Question) != 1 {
		return SessionID{}, nil, fmt.Errorf("%w: query has no question", errs.ErrCarrierBroken)
	}
	name := strings.TrimSuffix(msg.Question[0].Name, ".")
	suffix := "." + strings.TrimSuffix(domain, ".")
	if !strings.HasSuffix(name, suffix) {
		return SessionID{}, nil, fmt.Errorf("%w: query outside tunnel domain", errs.ErrCarrierBroken)
	}
	name = strings.TrimSuffix(name, suffix)
	labels := strings.Split(name, ".")
	if len(labels) < 2 {
		return SessionID{}, nil, fmt.Errorf("%w: query missing session id label", errs.ErrCarrierBroken)
	}
	id, err := parseSessionID(labels[len(labels)-1])
	if err != nil {
		return SessionID{}, nil, err
	}
	encoded := strings.Join(labels[:len(labels)-1], "")
	fragment, err := b32.DecodeString(encoded)
	if err != nil {
		return SessionID{}, nil, fmt.Errorf("%w: malformed base32 payload: %v", errs.ErrCarrierBroken, err)
	}
	return id, fragment, nil
}

// buildDownstreamResponse answers query with the fragments (each already
// including its header) packed as TXT RDATA entries.
func buildDownstreamResponse(query *dns.Msg, fragments [][]byte) *dns.Msg {
	resp := new(dns.Msg)
	resp.SetReply(query)
	resp.Authoritative = true

	for _, frag := range fragments {
		rdata := packTXTRdata(frag)
		rr := &dns.TXT{
			Hdr: dns.RR_Header{Name: query.Question[0].Name, Rrtype: dns.TypeTXT, Class: dns.ClassINET, Ttl: 60},
			Txt: rdata,
		}
		resp.Answer = append(resp.Answer, rr)
	}
	return resp
}

// packTXTRdata splits one fragment (length-prefixed per the spec's
// <len:u16_be><bytes> RDATA shape) into DNS TXT <character-string>
// entries, each bounded by maxTXTStringLen.
func packTXTRdata(fragment []byte) []string {
	prefixed := make([]byte, 2+len(fragment))
	binary.BigEndian.PutUint16(prefixed[:2], uint16(len(fragment)))
	copy(prefixed[2:], fragment)

	var out []string
	for len(prefixed) > 0 {
		n := maxTXTStringLen
		if n > len(prefixed) {
			n = len(prefixed)
		}
		out = append(out, string(prefixed[:n]))
		prefixed = prefixed[n:]
	}
	return out
}

// unpackTXTRdata reverses packTXTRdata, returning every fragment found in
// the answer section's TXT records.
func unpackTXTRdata(resp *dns.Msg) ([][]byte, error) {
	var frags [][]byte
	for _, rr := range resp.Answer {
		txt, ok := rr.(*dns.TXT)
		if !ok {
			continue
		}
		var joined []byte
		for _, s := range txt.Txt {
			joined = append(joined, []byte(s)...)
		}
		if len(joined) < 2 {
			continue
		}
		n := binary.BigEndian.Uint16(joined[:2])
		if int(n) > len(joined)-2 {
			return nil, fmt.Errorf("%w: TXT rdata length prefix exceeds payload", errs.ErrCarrierBroken)
		}
		frags = append(frags, joined[2:2+n])
	}
	return frags, nil
}
