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
	"time"
)

// ClientConn drives a Client's query/response polling in the background
// so a caller can treat it as a plain send/receive packet pipe: Send
// queues raw bytes for the next outgoing query, and an idle timer keeps
// polling for downstream data even when nothing is queued to send,
// since DNS only ever delivers data in response to a query.
//
// ClientConn's method set (Send, Recv, Close) matches the reliability
// overlay's Driver interface by structure, without this package
// importing that one.
type ClientConn struct {
	client *Client

	out    chan []byte
	in     chan []byte
	closed chan struct{}
}

// Stream starts a ClientConn polling c at least every pollInterval.
func Stream(c *Client, pollInterval time.Duration) *ClientConn {
	if pollInterval <= 0 {
		pollInterval = 200 * time.Millisecond
	}
	cc := &ClientConn{
		client: c,
		out:    make(chan []byte, 64),
		in:     make(chan []byte, 64),
		closed: make(chan struct{}),
	}
	go cc.loop(pollInterval)
	return cc
}

func (cc *ClientConn) loop(pollInterval time.Duration) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-cc.closed:
			return
		case raw := <-cc.out:
			completed, err := cc.client.Send(raw)
			if err != nil {
				continue
			}
			cc.deliver(completed)
		case <-ticker.C:
			completed, err := cc.client.Poll()
			if err != nil {
				continue
			}
			cc.deliver(completed)
		}
	}
}

func (cc *ClientConn) deliver(msgs [][]byte) {
	for _, m := range msgs {
		select {
		case cc.in <- m:
		default: // receiver backpressure; the ARQ layer above will retransmit
		}
	}
}

// Send queues raw to go out with the next upstream query.
func (cc *ClientConn) Send(raw []byte) error {
	select {
	case cc.out <- raw:
		return nil
	case <-cc.closed:
		return net.ErrClosed
	}
}

// Recv blocks for the next downstream message.
func (cc *ClientConn) Recv(ctx context.Context) ([]byte, error) {
	select {
	case m := <-cc.in:
		return m, nil
	case <-cc.closed:
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the polling loop.
func (cc *ClientConn) Close() error {
	select {
	case <-cc.closed:
	default:
		close(cc.closed)
	}
	return nil
}
