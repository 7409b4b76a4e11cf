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

// Command obfsserver accepts obfuscated sessions over either a direct
// TCP carrier or the DNS datagram carrier, completes the responder side
// of the handshake, and forwards plaintext bytes to a configured TCP
// upstream target (or echoes them back, if none is given).
package main

import (
	"context"
	"encoding/binary"
	"flag"
	"io"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/term"

	"github.com/Jigsaw-Code/obfsproxy/cmd/internal/cliconfig"
	"github.com/Jigsaw-Code/obfsproxy/dnscarrier"
	"github.com/Jigsaw-Code/obfsproxy/handshake"
	"github.com/Jigsaw-Code/obfsproxy/psf"
	"github.com/Jigsaw-Code/obfsproxy/reliability"
	"github.com/Jigsaw-Code/obfsproxy/session"
	"github.com/Jigsaw-Code/obfsproxy/transport"
)

func main() {
	verboseFlag := flag.Bool("v", false, "Enable debug output")
	carrierFlag := flag.String("carrier", "tcp", "Carrier to accept on: \"tcp\" or \"dns\"")
	listenFlag := flag.String("listen", ":4430", "Listen address (carrier=tcp)")
	domainFlag := flag.String("domain", "tunnel.example.com", "Tunnel domain (carrier=dns)")
	dnsListenFlag := flag.String("dns-listen", ":53", "UDP/TCP listen address (carrier=dns)")
	idleFlag := flag.Duration("idle-timeout", 2*time.Minute, "Session idle reap timeout (carrier=dns)")
	upstreamFlag := flag.String("forward", "", "Plain TCP address to forward plaintext to; echoes if empty")

	poolFlag := flag.String("pool", "https", "Comma-separated PSF descriptor pool; first entry is the handshake descriptor")
	patternFlag := flag.String("pattern", "ANONYMOUS_MUTUAL", "Handshake pattern: SERVER_AUTH, MUTUAL_KNOWN, or ANONYMOUS_MUTUAL")
	localKeyFlag := flag.String("local-key", "", "Hex-encoded local X25519 static private key (SERVER_AUTH responder, MUTUAL_KNOWN)")
	remoteKeyFlag := flag.String("remote-key", "", "Hex-encoded pinned client static public key (MUTUAL_KNOWN)")

	sendPolicyFlag := flag.String("send-policy", "FIXED", "Shape-shift send policy")
	recvPolicyFlag := flag.String("recv-policy", "FIXED", "Shape-shift receive policy")
	periodFlag := flag.Duration("rotate-period", time.Minute, "Rotation period (PERIODIC policy)")
	volumeFlag := flag.Uint64("rotate-volume", 1<<20, "Rotation byte threshold (VOLUME policy)")
	volumeRecordsFlag := flag.Uint64("rotate-volume-records", 0, "Rotation record-count threshold (VOLUME policy); 0 disables")
	windowFlag := flag.Uint64("rotate-window", 64, "Rotation record window (UNIFORM_RANDOM policy)")

	flag.Parse()

	logLevel := slog.LevelInfo
	if *verboseFlag {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(tint.NewHandler(
		os.Stderr,
		&tint.Options{NoColor: !term.IsTerminal(int(os.Stderr.Fd())), Level: logLevel},
	)))

	cfg, err := buildConfig(*poolFlag, *patternFlag, *localKeyFlag, *remoteKeyFlag,
		*sendPolicyFlag, *recvPolicyFlag, cliconfig.Timing{
			Period: *periodFlag, Volume: *volumeFlag, VolumeRecords: *volumeRecordsFlag, Window: *windowFlag,
		})
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	if *carrierFlag == "dns" {
		serveDNS(*domainFlag, *dnsListenFlag, *idleFlag, cfg, *upstreamFlag)
		return
	}
	serveTCP(*listenFlag, cfg, *upstreamFlag)
}

func buildConfig(poolCSV, patternStr, localKeyHex, remoteKeyHex, sendPolicyStr, recvPolicyStr string, timing cliconfig.Timing) (session.Config, error) {
	pool, err := cliconfig.ParsePool(poolCSV)
	if err != nil {
		return session.Config{}, err
	}
	pattern, err := cliconfig.ParsePattern(patternStr)
	if err != nil {
		return session.Config{}, err
	}
	localKey, err := cliconfig.LocalStaticKeyPair(localKeyHex)
	if err != nil {
		return session.Config{}, err
	}
	remoteKey, err := cliconfig.ParseStaticKey(remoteKeyHex)
	if err != nil {
		return session.Config{}, err
	}
	sendPolicy, err := cliconfig.ParsePolicy(sendPolicyStr)
	if err != nil {
		return session.Config{}, err
	}
	recvPolicy, err := cliconfig.ParsePolicy(recvPolicyStr)
	if err != nil {
		return session.Config{}, err
	}
	return session.Config{
		Role: psf.RoleResponder,
		Pool: pool,
		Handshake: handshake.Config{
			Pattern:         pattern,
			LocalStatic:     localKey,
			RemoteStaticKey: remoteKey,
		},
		SendPolicy:    sendPolicy,
		RecvPolicy:    recvPolicy,
		Period:        timing.Period,
		Volume:        timing.Volume,
		VolumeRecords: timing.VolumeRecords,
		Window:        timing.Window,
	}, nil
}

func serveTCP(listenAddr string, cfg session.Config, upstream string) {
	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		slog.Error("Could not listen", "address", listenAddr, "error", err)
		os.Exit(1)
	}
	slog.Info("obfsserver listening", "address", listener.Addr().String(), "carrier", "tcp")
	for {
		conn, err := listener.Accept()
		if err != nil {
			slog.Error("Accept failed", "error", err)
			continue
		}
		go handleSession(conn.(*net.TCPConn), cfg, upstream)
	}
}

// serveDNS runs the DNS datagram carrier's UDP and TCP listeners plus its
// idle reaper, and polls the session table for ids the reliability
// overlay hasn't yet been attached to — the table itself never notifies
// this loop of new arrivals, so this is the same poll-for-new-work shape
// dnscarrier.ClientConn.loop uses on the client side.
func serveDNS(domain, listenAddr string, idleTimeout time.Duration, cfg session.Config, upstream string) {
	srv := dnscarrier.NewServer(domain, idleTimeout)

	pc, err := net.ListenPacket("udp", listenAddr)
	if err != nil {
		slog.Error("Could not listen on UDP", "address", listenAddr, "error", err)
		os.Exit(1)
	}
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		slog.Error("Could not listen on TCP", "address", listenAddr, "error", err)
		os.Exit(1)
	}
	slog.Info("obfsserver listening", "address", listenAddr, "carrier", "dns", "domain", domain)

	ctx := context.Background()
	go func() {
		if err := srv.ServeUDP(ctx, pc); err != nil {
			slog.Error("DNS UDP listener stopped", "error", err)
		}
	}()
	go func() {
		if err := srv.ServeTCP(ctx, ln); err != nil {
			slog.Error("DNS TCP listener stopped", "error", err)
		}
	}()
	srv.StartReaper(ctx, idleTimeout/2)

	attached := make(map[dnscarrier.SessionID]bool)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for range ticker.C {
		for _, id := range srv.Table.IDs() {
			if attached[id] {
				continue
			}
			attached[id] = true
			go handleDNSSession(srv, id, cfg, upstream)
		}
	}
}

func handleDNSSession(srv *dnscarrier.Server, id dnscarrier.SessionID, cfg session.Config, upstream string) {
	driver := srv.Table.PeerConn(id)
	convID := binary.BigEndian.Uint32(id[:4])
	inner := reliability.Dial(driver, convID, reliability.Config{})
	runSession(inner, cfg, upstream)
}

func handleSession(conn *net.TCPConn, cfg session.Config, upstream string) {
	runSession(conn, cfg, upstream)
}

// runSession completes the responder handshake over inner and bridges
// the resulting plaintext to upstream (or echoes it, absent one).
func runSession(inner transport.StreamConn, cfg session.Config, upstream string) {
	defer inner.Close()

	sess, err := session.Handshake(inner, cfg)
	if err != nil {
		slog.Error("Handshake failed", "error", err)
		return
	}
	slog.Debug("Session established", "remoteStatic", sess.RemoteStatic() != nil)

	if upstream == "" {
		io.Copy(sess, sess)
		return
	}
	up, err := net.Dial("tcp", upstream)
	if err != nil {
		slog.Error("Failed to dial upstream", "address", upstream, "error", err)
		return
	}
	defer up.Close()
	bridge(up, sess)
}

func bridge(upstream net.Conn, sess io.ReadWriteCloser) {
	done := make(chan struct{}, 2)
	go func() {
		io.Copy(sess, upstream)
		done <- struct{}{}
	}()
	go func() {
		io.Copy(upstream, sess)
		done <- struct{}{}
	}()
	<-done
	upstream.Close()
	sess.Close()
	<-done
}
