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
	"net"
)

// PeerConn exposes one server-side session as a send/receive packet
// pipe: Send enqueues a downstream fragment for the next poll or query
// response, and Recv yields reassembled upstream messages as they
// complete. Its method set matches the reliability overlay's Driver
// interface by structure.
type PeerConn struct {
	sess *session
}

// PeerConn returns a PeerConn for id, creating the session if this is
// its first appearance.
func (t *Table) PeerConn(id SessionID) *PeerConn {
	sess, _ := t.getOrCreate(id)
	return &PeerConn{sess: sess}
}

// Send enqueues raw as downstream fragments for delivery on the
// session's next query response.
func (pc *PeerConn) Send(raw []byte) error {
	pc.sess.Enqueue(raw)
	return nil
}

// Recv blocks for the next reassembled upstream message.
func (pc *PeerConn) Recv(ctx context.Context) ([]byte, error) {
	select {
	case m, ok := <-pc.sess.Upstream:
		if !ok {
			return nil, net.ErrClosed
		}
		return m, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close is a no-op: the session itself is reaped by the table's idle
// timer, not torn down by the reliability overlay giving up on it.
func (pc *PeerConn) Close() error { return nil }
