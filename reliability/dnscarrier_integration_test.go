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

package reliability

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/Jigsaw-Code/obfsproxy/dnscarrier"
)

// TestConnOverDNSCarrier assembles the full reliability-overlay-over-DNS
// composition: a dnscarrier.Client polling a real loopback UDP listener,
// and a dnscarrier.Server's per-session PeerConn on the other end, each
// wrapped as a reliability.Driver and driving a Conn. This is the shape
// described for the path that doesn't go straight to a TCP socket.
func TestConnOverDNSCarrier(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()

	srv := dnscarrier.NewServer("t.example.com", time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.ServeUDP(ctx, pc)

	u := uuid.New()
	var id dnscarrier.SessionID
	copy(id[:], u[:len(id)])

	client := dnscarrier.NewClient("t.example.com", pc.LocalAddr().String(), id, time.Second)
	clientDriver := dnscarrier.Stream(client, 20*time.Millisecond)
	serverDriver := srv.Table.PeerConn(id)

	clientConn := Dial(clientDriver, 99, Config{MTU: 256})
	serverConn := Dial(serverDriver, 99, Config{MTU: 256})
	defer clientConn.Close()
	defer serverConn.Close()

	payload := bytes.Repeat([]byte("dns-carried-reliable-bytes-"), 20)
	go func() {
		_, _ = clientConn.Write(payload)
	}()

	serverConn.SetReadDeadline(time.Now().Add(10 * time.Second))
	got := make([]byte, len(payload))
	_, err = io.ReadFull(serverConn, got)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

// TestConnOverDNSCarrierLargeRecord sends a single write far larger than
// both one DNS query's raw capacity (maxUpstreamRaw, 600B) and one ARQ
// segment's MTU. The reliability overlay splits it into segments of at
// most 512 payload bytes; each encoded segment (536 bytes with its
// header) fits in one upstream query, so the write travels as several
// single-fragment queries — a large record driven through the full
// stack rather than dnscarrier's reassembler alone.
func TestConnOverDNSCarrierLargeRecord(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()

	srv := dnscarrier.NewServer("big.example.com", time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.ServeUDP(ctx, pc)

	u := uuid.New()
	var id dnscarrier.SessionID
	copy(id[:], u[:len(id)])

	client := dnscarrier.NewClient("big.example.com", pc.LocalAddr().String(), id, time.Second)
	clientDriver := dnscarrier.Stream(client, 20*time.Millisecond)
	serverDriver := srv.Table.PeerConn(id)

	clientConn := Dial(clientDriver, 7, Config{MTU: 512})
	serverConn := Dial(serverDriver, 7, Config{MTU: 512})
	defer clientConn.Close()
	defer serverConn.Close()

	payload := bytes.Repeat([]byte("x"), 3200)
	go func() {
		_, _ = clientConn.Write(payload)
	}()

	serverConn.SetReadDeadline(time.Now().Add(15 * time.Second))
	got := make([]byte, len(payload))
	_, err = io.ReadFull(serverConn, got)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}
