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

import "context"

// Driver delivers whole encoded segments to and from whatever carries
// them — the DNS datagram carrier's client or per-session server side,
// or a raw packet socket. A Driver need not preserve ordering or
// delivery: Conn's ARQ logic is what recovers from loss, reordering and
// duplication, so a Driver is free to be as simple as "enqueue this
// blob" / "give me the next blob you have".
//
// dnscarrier's [dnscarrier.ClientConn] (returned by [dnscarrier.Stream])
// and [dnscarrier.PeerConn] (returned by [dnscarrier.Table.PeerConn])
// both satisfy Driver without importing this package, by structural
// typing.
type Driver interface {
	// Send hands raw (one Segment.Encode() result) to the transport.
	// Implementations should not block indefinitely; a slow transport
	// is expected to queue internally rather than stall the caller.
	Send(raw []byte) error

	// Recv blocks until the next raw segment arrives, ctx is done, or
	// the driver is closed.
	Recv(ctx context.Context) ([]byte, error)

	// Close releases the driver's resources. Recv must subsequently
	// return an error.
	Close() error
}
