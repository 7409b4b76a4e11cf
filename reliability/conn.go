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
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Jigsaw-Code/obfsproxy/errs"
	"github.com/Jigsaw-Code/obfsproxy/internal/ddltimer"
	"github.com/Jigsaw-Code/obfsproxy/transport"
)

var _ transport.StreamConn = (*Conn)(nil)

const (
	defaultWindow         = 128
	defaultMTU            = 512
	defaultMaxRetransmits = 8 // M in §4.7: consecutive retransmits before PathDead
	fastRetransmitSkips   = 2 // duplicate SACKs skipping a gap before fast retransmit
	ackTick               = 50 * time.Millisecond
)

// Config tunes a Conn's window sizes and loss-recovery thresholds. The
// zero Config is valid and fills in the spec's defaults.
type Config struct {
	// MTU is the maximum payload carried by one segment, and should
	// match the underlying carrier's per-fragment capacity.
	MTU int
	// SendWindow and RecvWindow bound how many segments may be
	// outstanding in each direction.
	SendWindow int
	RecvWindow int
	// MaxRetransmits is how many times a single segment may be resent
	// without an ack before the conversation is declared PathDead.
	MaxRetransmits int
}

func (c Config) withDefaults() Config {
	if c.MTU <= 0 {
		c.MTU = defaultMTU
	}
	if c.SendWindow <= 0 {
		c.SendWindow = defaultWindow
	}
	if c.RecvWindow <= 0 {
		c.RecvWindow = defaultWindow
	}
	if c.MaxRetransmits <= 0 {
		c.MaxRetransmits = defaultMaxRetransmits
	}
	return c
}

type outSegment struct {
	seg      *Segment
	sentAt   time.Time
	resends  int
	skipAcks int
}

// Conn is a reliable, ordered, duplex byte stream built out of ARQ
// segments exchanged through a Driver. It presents the same contract a
// raw TCP socket would to the obfuscation wrapper above it, so it can be
// spliced in wherever §4.4 would otherwise hand bytes straight to a TCP
// socket.
//
// Per the single-path-write discipline: only Conn's own writer loop ever
// calls driver.Send. Every other goroutine — the timeout checker, the
// ack generator, Write callers — hands the writer loop a segment over
// sendCh instead of calling the driver directly, so two goroutines never
// race to write the transport concurrently (the failure mode that
// motivated KCP-style libraries to serialize all sends through one
// loop).
type Conn struct {
	driver Driver
	convID uint32
	cfg    Config

	local, remote net.Addr

	mu       sync.Mutex
	sendBuf  map[uint32]*outSegment
	sendNext uint32
	sendUna  uint32 // smallest sn not yet cumulatively acked

	recvBuf   map[uint32][]byte
	recvNext  uint32 // next sn expected; everything before is delivered
	highestSn uint32 // highest sn seen from the peer, including out-of-order arrivals
	sawAny    bool

	startedAt time.Time
	rto       rtoEstimator

	sendCh     chan *Segment
	writeSpace chan struct{}
	readQueue  chan []byte
	readLeft   []byte

	readDeadline  *ddltimer.DeadlineTimer
	writeDeadline *ddltimer.DeadlineTimer

	closeOnce sync.Once
	closed    chan struct{}
	runErr    error
	runErrMu  sync.Mutex

	group  *errgroup.Group
	cancel context.CancelFunc
}

// Dial starts a Conn with a fresh conversation id over driver.
func Dial(driver Driver, convID uint32, cfg Config) *Conn {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)

	c := &Conn{
		driver:        driver,
		convID:        convID,
		cfg:           cfg,
		sendBuf:       make(map[uint32]*outSegment),
		recvBuf:       make(map[uint32][]byte),
		startedAt:     time.Now(),
		sendCh:        make(chan *Segment, cfg.SendWindow),
		writeSpace:    make(chan struct{}, 1),
		readQueue:     make(chan []byte, cfg.RecvWindow),
		readDeadline:  ddltimer.New(),
		writeDeadline: ddltimer.New(),
		closed:        make(chan struct{}),
		group:         group,
		cancel:        cancel,
	}

	group.Go(func() error { return c.writePump(ctx) })
	group.Go(func() error { return c.readPump(ctx) })
	group.Go(func() error { return c.timeoutLoop(ctx) })
	go func() {
		err := group.Wait()
		c.setRunErr(err)
		c.Close()
	}()

	return c
}

// Rebind swaps in a new Driver while keeping the conversation id and all
// ARQ state, for when the underlying carrier reconnects (e.g. a DNS
// resolver switch) without tearing down the logical session.
func (c *Conn) Rebind(driver Driver) {
	c.mu.Lock()
	old := c.driver
	c.driver = driver
	c.mu.Unlock()
	old.Close()
}

func (c *Conn) elapsedMillis() uint32 {
	return uint32(time.Since(c.startedAt).Milliseconds())
}

func (c *Conn) setRunErr(err error) {
	c.runErrMu.Lock()
	defer c.runErrMu.Unlock()
	if c.runErr == nil {
		c.runErr = err
	}
}

func (c *Conn) getRunErr() error {
	c.runErrMu.Lock()
	defer c.runErrMu.Unlock()
	return c.runErr
}

// Write splits p into MTU-sized segments and queues them for sending,
// blocking while the send window is full.
func (c *Conn) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		select {
		case <-c.closed:
			return written, c.closeErr()
		case <-c.writeDeadline.Timeout():
			return written, fmt.Errorf("reliability: %w", context.DeadlineExceeded)
		default:
		}

		n := len(p)
		if n > c.cfg.MTU {
			n = c.cfg.MTU
		}
		chunk := p[:n]
		p = p[n:]

		if err := c.waitForWindowSpace(); err != nil {
			return written, err
		}

		c.mu.Lock()
		sn := c.sendNext
		c.sendNext++
		seg := &Segment{
			ConvID:  c.convID,
			Cmd:     CmdData,
			Wnd:     uint16(c.cfg.RecvWindow - len(c.recvBuf)),
			Ts:      c.elapsedMillis(),
			Sn:      sn,
			Una:     c.recvNext,
			Payload: append([]byte(nil), chunk...),
		}
		c.sendBuf[sn] = &outSegment{seg: seg, sentAt: time.Now()}
		c.mu.Unlock()

		select {
		case c.sendCh <- seg:
		case <-c.closed:
			return written, c.closeErr()
		}
		written += n
	}
	return written, nil
}

// waitForWindowSpace blocks until fewer than cfg.SendWindow segments are
// outstanding.
func (c *Conn) waitForWindowSpace() error {
	for {
		c.mu.Lock()
		full := len(c.sendBuf) >= c.cfg.SendWindow
		c.mu.Unlock()
		if !full {
			return nil
		}
		select {
		case <-c.writeSpace:
		case <-c.closed:
			return c.closeErr()
		case <-time.After(c.rto.RTO()):
		}
	}
}

func (c *Conn) signalWindowSpace() {
	select {
	case c.writeSpace <- struct{}{}:
	default:
	}
}

// Read returns decoded, in-order payload bytes.
func (c *Conn) Read(p []byte) (int, error) {
	if len(c.readLeft) == 0 {
		select {
		case chunk, ok := <-c.readQueue:
			if !ok {
				return 0, c.closeErr()
			}
			c.readLeft = chunk
		case <-c.closed:
			return 0, c.closeErr()
		case <-c.readDeadline.Timeout():
			return 0, fmt.Errorf("reliability: %w", context.DeadlineExceeded)
		}
	}
	n := copy(p, c.readLeft)
	c.readLeft = c.readLeft[n:]
	return n, nil
}

func (c *Conn) closeErr() error {
	if err := c.getRunErr(); err != nil {
		return err
	}
	return net.ErrClosed
}

// writePump is the single goroutine allowed to call driver.Send.
func (c *Conn) writePump(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case seg := <-c.sendCh:
			c.mu.Lock()
			driver := c.driver
			c.mu.Unlock()
			if err := driver.Send(seg.Encode()); err != nil {
				continue // transient; RTO-driven retransmit will retry
			}
		}
	}
}

func (c *Conn) readPump(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		c.mu.Lock()
		driver := c.driver
		c.mu.Unlock()

		raw, err := driver.Recv(ctx)
		if err != nil {
			select {
			case <-c.closed:
				return err
			default:
			}
			// The current driver was swapped out from under us by
			// Rebind, or hit a transient hiccup; pick up whatever
			// driver is current now rather than tearing the
			// conversation down.
			time.Sleep(10 * time.Millisecond)
			continue
		}
		seg, err := Decode(raw)
		if err != nil {
			continue // malformed segment, drop per §4.7 failure semantics
		}
		if seg.ConvID != c.convID {
			continue
		}
		switch seg.Cmd {
		case CmdData:
			c.handleData(seg)
		case CmdAck:
			c.handleAck(seg)
		case CmdPing:
			c.sendAck()
		}
	}
}

func (c *Conn) handleData(seg *Segment) {
	c.mu.Lock()
	if !c.sawAny || seg.Sn > c.highestSn {
		c.highestSn = seg.Sn
		c.sawAny = true
	}
	if seg.Sn >= c.recvNext {
		if _, have := c.recvBuf[seg.Sn]; !have && uint32(len(c.recvBuf)) < uint32(c.cfg.RecvWindow) {
			c.recvBuf[seg.Sn] = seg.Payload
		}
	}
	var deliver [][]byte
	for {
		chunk, ok := c.recvBuf[c.recvNext]
		if !ok {
			break
		}
		deliver = append(deliver, chunk)
		delete(c.recvBuf, c.recvNext)
		c.recvNext++
	}
	c.mu.Unlock()

	for _, chunk := range deliver {
		if len(chunk) == 0 {
			continue
		}
		select {
		case c.readQueue <- chunk:
		case <-c.closed:
			return
		}
	}
	c.sendAck()
}

func (c *Conn) sendAck() {
	c.mu.Lock()
	highest := c.recvNext
	if c.sawAny && c.highestSn > highest {
		highest = c.highestSn
	}
	seg := &Segment{
		ConvID: c.convID,
		Cmd:    CmdAck,
		Wnd:    uint16(c.cfg.RecvWindow - len(c.recvBuf)),
		Ts:     c.elapsedMillis(),
		Sn:     highest,
		Una:    c.recvNext,
	}
	c.mu.Unlock()
	select {
	case c.sendCh <- seg:
	case <-c.closed:
	}
}

func (c *Conn) handleAck(seg *Segment) {
	c.mu.Lock()
	now := time.Now()
	progressed := false
	for sn, out := range c.sendBuf {
		if sn < seg.Una {
			delete(c.sendBuf, sn)
			c.rto.Update(now.Sub(out.sentAt))
			progressed = true
			continue
		}
		// seg.Una is the peer's cumulative frontier; any segment still
		// outstanding below it that wasn't just deleted above can't
		// exist, so this only marks segments at/after the frontier as
		// having seen a later ack go by (a duplicate selective ack
		// skipping this segment's gap).
		if seg.Sn > sn {
			out.skipAcks++
		}
	}
	if seg.Una > c.sendUna {
		c.sendUna = seg.Una
	}

	var fastResend []*Segment
	for _, out := range c.sendBuf {
		if out.skipAcks >= fastRetransmitSkips {
			out.skipAcks = 0
			out.resends++
			out.sentAt = now
			resend := *out.seg
			resend.Ts = c.elapsedMillis()
			resend.Una = c.recvNext
			fastResend = append(fastResend, &resend)
		}
	}
	c.mu.Unlock()

	if progressed {
		c.signalWindowSpace()
	}
	for _, seg := range fastResend {
		select {
		case c.sendCh <- seg:
		case <-c.closed:
			return
		}
	}
}

// timeoutLoop periodically resends any segment whose RTO has elapsed,
// and surfaces errs.ErrPathDead once a single segment has been resent
// cfg.MaxRetransmits times in a row without any cumulative ack progress.
func (c *Conn) timeoutLoop(ctx context.Context) error {
	ticker := time.NewTicker(ackTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := c.checkTimeouts(); err != nil {
				return err
			}
		}
	}
}

func (c *Conn) checkTimeouts() error {
	rto := c.rto.RTO()
	now := time.Now()

	c.mu.Lock()
	var resend []*Segment
	worstResends := 0
	for _, out := range c.sendBuf {
		if now.Sub(out.sentAt) < rto {
			continue
		}
		out.resends++
		out.sentAt = now
		out.skipAcks = 0
		if out.resends > worstResends {
			worstResends = out.resends
		}
		seg := *out.seg
		seg.Ts = c.elapsedMillis()
		seg.Una = c.recvNext
		resend = append(resend, &seg)
	}
	c.mu.Unlock()

	if worstResends >= c.cfg.MaxRetransmits {
		return fmt.Errorf("%w: conv %d", errs.ErrPathDead, c.convID)
	}
	for _, seg := range resend {
		select {
		case c.sendCh <- seg:
		case <-c.closed:
			return nil
		}
	}
	return nil
}

// Err returns the reason the conversation ended, once it has — most
// notably errs.ErrPathDead when a segment exhausted its retransmission
// budget. It returns nil while the conversation is still live.
func (c *Conn) Err() error { return c.getRunErr() }

// Close tears down the pumps and the underlying driver.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.cancel()
		c.driver.Close()
	})
	return nil
}

func (c *Conn) LocalAddr() net.Addr  { return c.local }
func (c *Conn) RemoteAddr() net.Addr { return c.remote }

func (c *Conn) SetDeadline(t time.Time) error {
	c.readDeadline.SetDeadline(t)
	c.writeDeadline.SetDeadline(t)
	return nil
}
func (c *Conn) SetReadDeadline(t time.Time) error  { c.readDeadline.SetDeadline(t); return nil }
func (c *Conn) SetWriteDeadline(t time.Time) error { c.writeDeadline.SetDeadline(t); return nil }

// CloseRead and CloseWrite satisfy transport.StreamConn. The ARQ
// conversation has no independent half-close signal, so both simply tear
// down the whole conversation; a caller that needs true half-close
// should layer it above, as the obfuscation wrapper itself does not rely
// on it.
func (c *Conn) CloseRead() error  { return c.Close() }
func (c *Conn) CloseWrite() error { return c.Close() }
