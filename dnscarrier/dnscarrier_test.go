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
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

func newTestSessionID() SessionID {
	u := uuid.New()
	var id SessionID
	copy(id[:], u[:sessionIDLen])
	return id
}

func TestFragmentSplitAndReassemble(t *testing.T) {
	raw := bytes.Repeat([]byte("obfuscated-dns-tunnel-payload-"), 50) // > maxUpstreamRaw
	frags := splitFragments(raw, maxUpstreamRaw)
	require.Greater(t, len(frags), 1)

	r := newReassembler()
	var complete []byte
	for _, f := range frags {
		seq, total, payload, err := decodeFragmentHeader(f)
		require.NoError(t, err)
		out, done := r.add(seq, total, payload)
		if done {
			complete = out
		}
	}
	require.Equal(t, raw, complete)
}

func TestUpstreamQueryRoundTrip(t *testing.T) {
	id := newTestSessionID()
	frag := encodeFragmentHeader(0, 1, []byte("hello upstream"))
	msg := buildUpstreamQuery(id, "t.example.com", frag)

	gotID, gotFrag, err := parseUpstreamQuery(msg, "t.example.com")
	require.NoError(t, err)
	require.Equal(t, id, gotID)
	require.Equal(t, frag, gotFrag)
}

func TestTXTRdataRoundTrip(t *testing.T) {
	fragment := encodeFragmentHeader(2, 5, bytes.Repeat([]byte{0x42}, 700)) // spans multiple 255-byte TXT strings
	strs := packTXTRdata(fragment)
	require.Greater(t, len(strs), 1)

	query := new(dns.Msg)
	query.SetQuestion("3234343434.deadbeefcafebabe.t.example.com.", dns.TypeTXT)
	resp := buildDownstreamResponse(query, [][]byte{fragment})

	frags, err := unpackTXTRdata(resp)
	require.NoError(t, err)
	require.Len(t, frags, 1)
	require.Equal(t, fragment, frags[0])
}

// TestServerClientUDPExchange drives a real UDP loopback socket through
// Server.ServeUDP and Client.Send, confirming fragmentation, session
// creation and downstream draining all work end to end.
func TestServerClientUDPExchange(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()

	srv := NewServer("t.example.com", time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.ServeUDP(ctx, pc)

	id := newTestSessionID()
	client := NewClient("t.example.com", pc.LocalAddr().String(), id, time.Second)

	upstreamMsg := bytes.Repeat([]byte("client-to-server-"), 40)
	_, err = client.Send(upstreamMsg)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		sess, ok := srv.Table.Get(id)
		if !ok {
			return false
		}
		select {
		case got := <-sess.Upstream:
			return bytes.Equal(got, upstreamMsg)
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}

// TestSessionReaping confirms a session idle past its timeout is removed
// from the table.
func TestSessionReaping(t *testing.T) {
	table := NewTable(50 * time.Millisecond)
	id := newTestSessionID()
	sess, created := table.getOrCreate(id)
	require.True(t, created)
	require.NotNil(t, sess)
	require.Equal(t, 1, table.Len())

	time.Sleep(100 * time.Millisecond)
	reaped := table.ReapOnce(time.Now())
	require.Equal(t, 1, reaped)
	require.Equal(t, 0, table.Len())
}

func TestSendQueueStashOverflow(t *testing.T) {
	s := newSession(newTestSessionID(), time.Minute)
	for i := 0; i < maxSendQueue+5; i++ {
		s.Enqueue([]byte{byte(i)})
	}
	drained := s.drain(maxSendQueue + 5)
	require.Len(t, drained, maxSendQueue+1) // queue capacity plus the one-slot stash
}
