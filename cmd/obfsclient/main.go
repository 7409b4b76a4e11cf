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

// Command obfsclient accepts plaintext TCP connections on a local
// address and, for each one, establishes an obfuscated session to an
// obfsserver over either a direct TCP carrier or the DNS datagram
// carrier, bridging bytes between the two until either side closes.
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
	localFlag := flag.String("local", "localhost:1080", "Local address to accept plaintext connections on")
	carrierFlag := flag.String("carrier", "tcp", "Carrier to the server: \"tcp\" or \"dns\"")
	upstreamFlag := flag.String("upstream", "localhost:4430", "obfsserver address (carrier=tcp)")
	domainFlag := flag.String("domain", "tunnel.example.com", "Tunnel domain (carrier=dns)")
	resolverFlag := flag.String("resolver", "127.0.0.1:53", "DNS resolver address (carrier=dns)")
	pollFlag := flag.Duration("poll", 200*time.Millisecond, "Idle poll interval (carrier=dns)")

	poolFlag := flag.String("pool", "https", "Comma-separated PSF descriptor pool; first entry is the handshake descriptor")
	patternFlag := flag.String("pattern", "ANONYMOUS_MUTUAL", "Handshake pattern: SERVER_AUTH, MUTUAL_KNOWN, or ANONYMOUS_MUTUAL")
	localKeyFlag := flag.String("local-key", "", "Hex-encoded local X25519 static private key (MUTUAL_KNOWN)")
	remoteKeyFlag := flag.String("remote-key", "", "Hex-encoded pinned server static public key (SERVER_AUTH, MUTUAL_KNOWN)")

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

	listener, err := net.Listen("tcp", *localFlag)
	if err != nil {
		slog.Error("Could not listen", "address", *localFlag, "error", err)
		os.Exit(1)
	}
	slog.Info("obfsclient listening", "address", listener.Addr().String(), "carrier", *carrierFlag)

	for {
		conn, err := listener.Accept()
		if err != nil {
			slog.Error("Accept failed", "error", err)
			continue
		}
		go handleLocal(conn.(*net.TCPConn), cfg, *carrierFlag, *upstreamFlag, *domainFlag, *resolverFlag, *pollFlag)
	}
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
		Role: psf.RoleInitiator,
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

// handleLocal bridges one accepted plaintext connection to a freshly
// established obfuscated session, the way x/examples/local-proxy's
// httpproxy.NewConnectHandler bridges a CONNECT client to a StreamDialer
// — here the dial target is always the same obfsserver, reached over
// whichever carrier was configured.
func handleLocal(local *net.TCPConn, cfg session.Config, carrier, upstream, domain, resolver string, poll time.Duration) {
	defer local.Close()

	inner, convID, err := dialCarrier(carrier, upstream, domain, resolver, poll)
	if err != nil {
		slog.Error("Failed to dial carrier", "carrier", carrier, "error", err)
		return
	}
	defer inner.Close()

	sess, err := session.Handshake(inner, cfg)
	if err != nil {
		slog.Error("Handshake failed", "error", err)
		return
	}

	slog.Debug("Session established", "convID", convID, "remoteStatic", sess.RemoteStatic() != nil)
	bridge(local, sess)
}

// dialCarrier builds the transport.StreamConn the session handshakes
// over: a direct TCP connection to upstream, or a reliability.Conn
// riding the DNS datagram carrier.
func dialCarrier(carrier, upstream, domain, resolver string, poll time.Duration) (transport.StreamConn, uint32, error) {
	if carrier == "dns" {
		id := dnscarrier.NewSessionID()
		client := dnscarrier.NewClient(domain, resolver, id, 2*time.Second)
		driver := dnscarrier.Stream(client, poll)
		convID := binary.BigEndian.Uint32(id[:4])
		conn := reliability.Dial(driver, convID, reliability.Config{})
		return conn, convID, nil
	}
	dialer := &transport.TCPStreamDialer{}
	conn, err := dialer.Dial(context.Background(), upstream)
	return conn, 0, err
}

// bridge copies plaintext both ways between local and sess until either
// direction's copy returns, then tears both down — the same shape as
// x/examples/local-proxy's reliance on http.Serve to run each leg's
// io.Copy inside the proxy library, made explicit here since there's no
// HTTP CONNECT framing in play.
func bridge(local net.Conn, sess io.ReadWriteCloser) {
	done := make(chan struct{}, 2)
	go func() {
		io.Copy(sess, local)
		done <- struct{}{}
	}()
	go func() {
		io.Copy(local, sess)
		done <- struct{}{}
	}()
	<-done
	local.Close()
	sess.Close()
	<-done
}
