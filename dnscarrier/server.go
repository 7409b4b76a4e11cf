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
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/miekg/dns"

	"github.com/Jigsaw-Code/obfsproxy/errs"
)

// maxDrainPerResponse bounds how many downstream fragments one query's
// response may flush, so a single poll can't monopolize either the
// sender or an overly large UDP response.
const maxDrainPerResponse = 10

// Server demultiplexes DNS queries arriving on UDP and TCP into a shared
// session table, both listeners feeding the same table per §5's
// "single reader task inserts" discipline — here, each listener's own
// accept/read loop is a reader task, and insertion only ever happens via
// Table.getOrCreate under the table's mutex.
type Server struct {
	Domain string
	Table  *Table
}

// NewServer creates a Server for the given tunnel domain suffix, backed
// by a freshly created session table reaping sessions idle longer than
// idleTimeout.
func NewServer(domain string, idleTimeout time.Duration) *Server {
	return &Server{Domain: normalizeDomain(domain), Table: NewTable(idleTimeout)}
}

// ServeUDP runs the UDP query/response loop until ctx is cancelled or
// conn.Close is called from elsewhere.
func (s *Server) ServeUDP(ctx context.Context, conn net.PacketConn) error {
	buf := make([]byte, 2048)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			return err
		}
		resp, handleErr := s.handleQuery(buf[:n], addr)
		if handleErr != nil {
			continue // malformed query: dropped silently per §4.6 failure semantics
		}
		packed, err := resp.Pack()
		if err != nil {
			continue
		}
		if _, err := conn.WriteTo(packed, addr); err != nil {
			return err
		}
	}
}

// ServeTCP runs the DNS-over-TCP fallback accept loop until ctx is
// cancelled or ln.Close is called from elsewhere. Each accepted
// connection is served by its own goroutine, mirroring
// dnsOverTcpConn.listenDNSResponseOverTCP's per-connection-goroutine
// shape.
func (s *Server) ServeTCP(ctx context.Context, ln net.Listener) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go s.serveTCPConn(conn)
	}
}

func (s *Server) serveTCPConn(conn net.Conn) {
	defer conn.Close()
	for {
		lenBuf := make([]byte, 2)
		if _, err := io.ReadFull(conn, lenBuf); err != nil {
			return
		}
		msgLen := binary.BigEndian.Uint16(lenBuf)
		msgBuf := make([]byte, msgLen)
		if _, err := io.ReadFull(conn, msgBuf); err != nil {
			return
		}
		resp, err := s.handleQuery(msgBuf, conn.RemoteAddr())
		if err != nil {
			continue
		}
		packed, err := resp.Pack()
		if err != nil {
			continue
		}
		out := make([]byte, 2+len(packed))
		binary.BigEndian.PutUint16(out[:2], uint16(len(packed)))
		copy(out[2:], packed)
		if _, err := conn.Write(out); err != nil {
			return
		}
	}
}

// handleQuery parses one raw DNS query, demultiplexes it by session id
// (creating the session if this is its first query), reassembles the
// upstream fragment, delivers completed upstream messages, and builds
// the downstream response by draining the session's send queue.
func (s *Server) handleQuery(raw []byte, addr net.Addr) (*dns.Msg, error) {
	msg := new(dns.Msg)
	if err := msg.Unpack(raw); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrCarrierBroken, err)
	}
	id, fragment, err := parseUpstreamQuery(msg, s.Domain)
	if err != nil {
		return nil, err
	}
	sess, _ := s.Table.getOrCreate(id)
	sess.peerAddr = addr
	sess.touch(s.Table.idleTimeout)

	seq, total, payload, err := decodeFragmentHeader(fragment)
	if err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		sess.mu.Lock()
		complete, done := sess.upstream.add(seq, total, payload)
		sess.mu.Unlock()
		if done && len(complete) > 0 {
			select {
			case sess.Upstream <- complete:
			default:
			}
		}
	}

	frags := sess.drain(maxDrainPerResponse)
	return buildDownstreamResponse(msg, frags), nil
}

// StartReaper runs ReapOnce on the table every interval until ctx is
// cancelled.
func (s *Server) StartReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				s.Table.ReapOnce(now)
			}
		}
	}()
}
