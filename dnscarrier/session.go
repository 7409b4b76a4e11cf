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
	"net"
	"sync"
	"time"

	"github.com/Jigsaw-Code/obfsproxy/internal/ddltimer"
)

// maxSendQueue is the bound on a session's pending downstream fragments;
// beyond this the carrier falls back to the single-slot stash rather
// than growing the queue unboundedly.
const maxSendQueue = 64

// session is the server's per-client carrier state: demultiplexed by
// session id, holding the upstream reassembly buffer, the downstream
// send queue and its one-slot overflow stash, and the last-seen
// timestamp the reaper checks.
//
// Per §5's ownership model, the mutex here guards only this struct's own
// fields; it is not the session table's map mutex (see Table).
type session struct {
	mu sync.Mutex

	id         SessionID
	lastSeen   time.Time
	lastSeenAt *ddltimer.DeadlineTimer

	peerAddr net.Addr
	upstream *reassembler

	sendQueue [][]byte
	stash     []byte

	// Upstream delivers reassembled upstream messages to whatever owns
	// this session (the reliability overlay, or a direct consumer in
	// tests).
	Upstream chan []byte
}

func newSession(id SessionID, idleTimeout time.Duration) *session {
	s := &session{
		id:         id,
		lastSeen:   time.Now(),
		lastSeenAt: ddltimer.New(),
		upstream:   newReassembler(),
		Upstream:   make(chan []byte, 64),
	}
	s.lastSeenAt.SetDeadline(time.Now().Add(idleTimeout))
	return s
}

func (s *session) touch(idleTimeout time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeen = time.Now()
	s.lastSeenAt.SetDeadline(s.lastSeen.Add(idleTimeout))
}

// Enqueue appends payload as one or more fragments to the session's
// downstream send queue, overflowing into the single-slot stash and
// finally dropping the oldest stash entry only once both are full — a
// bursty producer loses data only after exhausting queue capacity plus
// one extra fragment of slack.
func (s *session) Enqueue(payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, frag := range splitFragments(payload, maxUpstreamRaw) {
		if len(s.sendQueue) < maxSendQueue {
			s.sendQueue = append(s.sendQueue, frag)
			continue
		}
		s.stash = frag
	}
}

// drain removes up to n pending downstream fragments, preferring the
// send queue and falling back to the stash so a poll that finds the
// queue empty can still flush an overflowed fragment.
func (s *session) drain(n int) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out [][]byte
	for len(out) < n && len(s.sendQueue) > 0 {
		out = append(out, s.sendQueue[0])
		s.sendQueue = s.sendQueue[1:]
	}
	if len(out) < n && s.stash != nil {
		out = append(out, s.stash)
		s.stash = nil
	}
	return out
}

// Table is the server's session-id-keyed session store. Its mutex guards
// only the map structure; each session's own state is guarded by its own
// mutex, matching dnsOverTcpConn's narrow locking discipline.
type Table struct {
	idleTimeout time.Duration

	mu       sync.Mutex
	sessions map[SessionID]*session
}

// NewTable creates an empty session table that reaps sessions idle for
// longer than idleTimeout.
func NewTable(idleTimeout time.Duration) *Table {
	return &Table{idleTimeout: idleTimeout, sessions: make(map[SessionID]*session)}
}

// getOrCreate returns the session for id, creating and registering a new
// one if none exists yet (P7: no query is silently dropped for an
// unknown session id, it always starts one).
func (t *Table) getOrCreate(id SessionID) (*session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.sessions[id]; ok {
		return s, false
	}
	s := newSession(id, t.idleTimeout)
	t.sessions[id] = s
	return s, true
}

// Get returns the session for id without creating one.
func (t *Table) Get(id SessionID) (*session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[id]
	return s, ok
}

// Remove deletes id from the table; used both by a session's own
// cleanup path and by the reaper.
func (t *Table) Remove(id SessionID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, id)
}

// ReapOnce removes every session whose idle deadline has already
// elapsed and returns how many were reaped. Callers run this
// periodically (see Server's reaper goroutine).
func (t *Table) ReapOnce(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	reaped := 0
	for id, s := range t.sessions {
		s.mu.Lock()
		stale := now.Sub(s.lastSeen) > t.idleTimeout
		s.mu.Unlock()
		if stale {
			delete(t.sessions, id)
			reaped++
		}
	}
	return reaped
}

// Len reports how many sessions are currently tracked.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// IDs returns every session id currently tracked, letting a caller above
// this package (e.g. a server that spins up one reliability.Conn per
// session) notice new sessions without this package importing that one.
func (t *Table) IDs() []SessionID {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]SessionID, 0, len(t.sessions))
	for id := range t.sessions {
		ids = append(ids, id)
	}
	return ids
}
