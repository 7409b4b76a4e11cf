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

package dnscarrier

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/miekg/dns"

	"github.com/Jigsaw-Code/obfsproxy/errs"
)

// Client is the client side of the DNS datagram carrier: it turns
// arbitrary bytes into upstream queries against Resolver over Domain,
// and reassembles whatever downstream fragments come back. It tries UDP
// first, falling back to TCP per query on truncation or timeout — the
// same fallback dnsOverTcpConn performs at the connection level, applied
// here per exchange.
type Client struct {
	Domain   string
	ID       SessionID
	Resolver string // "host:port", UDP and TCP both dialed here
	Timeout  time.Duration

	downstream *reassembler
}

// NewClient creates a Client for the given session id.
func NewClient(domain, resolver string, id SessionID, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Client{Domain: normalizeDomain(domain), ID: id, Resolver: resolver, Timeout: timeout, downstream: newReassembler()}
}

// Send transmits raw (possibly empty, for a keepalive poll) as one or
// more upstream queries, and returns every downstream message that
// became complete while processing the responses.
func (c *Client) Send(raw []byte) ([][]byte, error) {
	var completed [][]byte
	for _, frag := range splitFragments(raw, maxUpstreamRaw) {
		msg := buildUpstreamQuery(c.ID, c.Domain, frag)
		resp, err := c.exchange(msg)
		if err != nil {
			return completed, err
		}
		if dmsgs, err := c.absorb(resp); err == nil {
			completed = append(completed, dmsgs...)
		}
	}
	return completed, nil
}

// Poll sends an empty-payload upstream query purely to drain downstream
// data, per §4.6's polling model.
func (c *Client) Poll() ([][]byte, error) { return c.Send(nil) }

func (c *Client) absorb(resp *dns.Msg) ([][]byte, error) {
	frags, err := unpackTXTRdata(resp)
	if err != nil {
		return nil, err
	}
	var completed [][]byte
	for _, frag := range frags {
		seq, total, payload, err := decodeFragmentHeader(frag)
		if err != nil {
			continue
		}
		if len(payload) == 0 {
			continue
		}
		if complete, done := c.downstream.add(seq, total, payload); done {
			completed = append(completed, complete)
		}
	}
	return completed, nil
}

// exchange sends msg over UDP first; if the reply is truncated or no
// reply arrives within Timeout, it retries the same query over
// length-prefixed DNS-over-TCP.
func (c *Client) exchange(msg *dns.Msg) (*dns.Msg, error) {
	resp, err := c.exchangeUDP(msg)
	if err == nil && !resp.Truncated {
		return resp, nil
	}
	return c.exchangeTCP(msg)
}

func (c *Client) exchangeUDP(msg *dns.Msg) (*dns.Msg, error) {
	packed, err := msg.Pack()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrCarrierBroken, err)
	}
	conn, err := net.DialTimeout("udp", c.Resolver, c.Timeout)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrCarrierBroken, err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(c.Timeout))

	if _, err := conn.Write(packed); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrCarrierBroken, err)
	}
	buf := make([]byte, 2048)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrCarrierBroken, err)
	}
	resp := new(dns.Msg)
	if err := resp.Unpack(buf[:n]); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrCarrierBroken, err)
	}
	return resp, nil
}

func (c *Client) exchangeTCP(msg *dns.Msg) (*dns.Msg, error) {
	packed, err := msg.Pack()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrCarrierBroken, err)
	}
	conn, err := net.DialTimeout("tcp", c.Resolver, c.Timeout)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrCarrierBroken, err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(c.Timeout))

	out := make([]byte, 2+len(packed))
	binary.BigEndian.PutUint16(out[:2], uint16(len(packed)))
	copy(out[2:], packed)
	if _, err := conn.Write(out); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrCarrierBroken, err)
	}

	lenBuf := make([]byte, 2)
	if _, err := io.ReadFull(conn, lenBuf); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrCarrierBroken, err)
	}
	respBuf := make([]byte, binary.BigEndian.Uint16(lenBuf))
	if _, err := io.ReadFull(conn, respBuf); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrCarrierBroken, err)
	}
	resp := new(dns.Msg)
	if err := resp.Unpack(respBuf); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrCarrierBroken, err)
	}
	return resp, nil
}
