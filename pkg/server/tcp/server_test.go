// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/absmach/uotunnel/pkg/conn"
	tunerrors "github.com/absmach/uotunnel/pkg/errors"
	"github.com/absmach/uotunnel/pkg/frame"
	"github.com/pires/go-proxyproto"
)

var testLogger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))

func waitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

type datagram struct {
	payload []byte
	from    *net.UDPAddr
}

// startDestination runs a UDP socket on loopback and reports every datagram
// it receives.
func startDestination(t *testing.T) (*net.UDPConn, <-chan datagram) {
	t.Helper()

	dst, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("Failed to create destination: %v", err)
	}
	t.Cleanup(func() { dst.Close() })

	received := make(chan datagram, 64)
	go func() {
		buf := make([]byte, frame.MaxPayloadSize)
		for {
			n, from, err := dst.ReadFromUDP(buf)
			if err != nil {
				return
			}
			received <- datagram{payload: append([]byte(nil), buf[:n]...), from: from}
		}
	}()
	return dst, received
}

func startServer(t *testing.T, cfg Config) (*Server, context.CancelFunc, <-chan error) {
	t.Helper()

	if cfg.Address == "" {
		cfg.Address = "127.0.0.1:0"
	}
	if cfg.Logger == nil {
		cfg.Logger = testLogger
	}

	server := New(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Listen(ctx)
	}()

	if !waitFor(2*time.Second, server.Ready) {
		cancel()
		t.Fatal("Server did not become ready")
	}
	t.Cleanup(cancel)
	return server, cancel, errCh
}

func dialServer(t *testing.T, server *Server) net.Conn {
	t.Helper()

	c, err := net.Dial("tcp", server.Addr().String())
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func receive(t *testing.T, ch <-chan datagram) datagram {
	t.Helper()

	select {
	case d := <-ch:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for datagram")
		return datagram{}
	}
}

func TestServer_FramesBecomeDatagrams(t *testing.T) {
	dst, received := startDestination(t)
	server, _, _ := startServer(t, Config{TargetAddress: dst.LocalAddr().String()})
	client := dialServer(t, server)

	if _, err := client.Write([]byte{0, 0, 0, 3, 'a', 'b', 'c'}); err != nil {
		t.Fatalf("Failed to write frame: %v", err)
	}

	d := receive(t, received)
	if string(d.payload) != "abc" {
		t.Errorf("Expected datagram %q, got %q", "abc", d.payload)
	}

	if _, err := dst.WriteToUDP([]byte("xyz"), d.from); err != nil {
		t.Fatalf("Failed to write reply: %v", err)
	}

	raw := make([]byte, 7)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(client, raw); err != nil {
		t.Fatalf("Failed to read reply frame: %v", err)
	}
	if want := []byte{0, 0, 0, 3, 'x', 'y', 'z'}; !bytes.Equal(raw, want) {
		t.Errorf("Expected frame %v, got %v", want, raw)
	}
}

func sessionClients(server *Server) []netip.AddrPort {
	server.sessions.mu.Lock()
	defer server.sessions.mu.Unlock()

	var clients []netip.AddrPort
	for sess := range server.sessions.sessions {
		clients = append(clients, sess.Client)
	}
	return clients
}

func TestServer_ProxyProtocolClientAddress(t *testing.T) {
	dst, received := startDestination(t)
	server, _, _ := startServer(t, Config{
		TargetAddress: dst.LocalAddr().String(),
		ProxyProtocol: true,
	})
	client := dialServer(t, server)

	header := proxyproto.HeaderProxyFromAddrs(1,
		&net.TCPAddr{IP: net.IPv4(203, 0, 113, 7), Port: 40000},
		&net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 443})
	if _, err := header.WriteTo(client); err != nil {
		t.Fatalf("Failed to write PROXY header: %v", err)
	}
	if _, err := client.Write([]byte{0, 0, 0, 2, 'h', 'i'}); err != nil {
		t.Fatalf("Failed to write frame: %v", err)
	}

	if d := receive(t, received); string(d.payload) != "hi" {
		t.Errorf("Expected datagram %q, got %q", "hi", d.payload)
	}

	clients := sessionClients(server)
	want := netip.MustParseAddrPort("203.0.113.7:40000")
	if len(clients) != 1 || clients[0] != want {
		t.Errorf("Expected client %s from PROXY header, got %v", want, clients)
	}
}

func TestServer_ProxyProtocolOptional(t *testing.T) {
	dst, received := startDestination(t)
	server, _, _ := startServer(t, Config{
		TargetAddress: dst.LocalAddr().String(),
		ProxyProtocol: true,
	})
	client := dialServer(t, server)

	if _, err := client.Write([]byte{0, 0, 0, 2, 'o', 'k'}); err != nil {
		t.Fatalf("Failed to write frame: %v", err)
	}
	if d := receive(t, received); string(d.payload) != "ok" {
		t.Errorf("Expected datagram %q, got %q", "ok", d.payload)
	}
}

func TestServer_OrderAndSocketPerSession(t *testing.T) {
	dst, received := startDestination(t)
	server, _, _ := startServer(t, Config{TargetAddress: dst.LocalAddr().String()})

	a := dialServer(t, server)
	b := dialServer(t, server)

	frame.Write(a, []byte("a1"))
	first := receive(t, received)
	frame.Write(a, []byte("a2"))
	second := receive(t, received)
	frame.Write(b, []byte("b1"))
	third := receive(t, received)

	if string(first.payload) != "a1" || string(second.payload) != "a2" || string(third.payload) != "b1" {
		t.Fatalf("Unexpected payloads %q %q %q", first.payload, second.payload, third.payload)
	}
	if first.from.String() != second.from.String() {
		t.Error("Expected one UDP socket per session")
	}
	if first.from.String() == third.from.String() {
		t.Error("Expected distinct sessions to use distinct UDP sockets")
	}
	if server.Count() != 2 {
		t.Errorf("Expected 2 sessions, got %d", server.Count())
	}
}

func TestServer_ClientCloseEndsSession(t *testing.T) {
	dst, received := startDestination(t)
	server, _, _ := startServer(t, Config{TargetAddress: dst.LocalAddr().String()})
	client := dialServer(t, server)

	frame.Write(client, []byte("bye"))
	receive(t, received)
	client.Close()

	if !waitFor(2*time.Second, func() bool { return server.Count() == 0 }) {
		t.Errorf("Expected session to be removed, got %d", server.Count())
	}
}

func TestServer_OversizeFrameEndsSession(t *testing.T) {
	dst, _ := startDestination(t)
	server, _, _ := startServer(t, Config{TargetAddress: dst.LocalAddr().String()})
	client := dialServer(t, server)

	client.Write([]byte{0xff, 0xff, 0xff, 0xff})

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := client.Read(make([]byte, 1)); err == nil {
		t.Error("Expected connection to be closed after oversize header")
	}
	if !waitFor(2*time.Second, func() bool { return server.Count() == 0 }) {
		t.Errorf("Expected session to be removed, got %d", server.Count())
	}
}

func TestServer_IdleSessionsReaped(t *testing.T) {
	dst, received := startDestination(t)
	server, _, _ := startServer(t, Config{
		TargetAddress:  dst.LocalAddr().String(),
		SessionTimeout: 200 * time.Millisecond,
		SweepInterval:  50 * time.Millisecond,
	})
	client := dialServer(t, server)

	frame.Write(client, []byte("ping"))
	receive(t, received)

	if !waitFor(2*time.Second, func() bool { return server.Count() == 0 }) {
		t.Fatal("Expected idle session to be reaped")
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadAll(client); err != nil {
		t.Errorf("Expected EOF on reaped connection, got %v", err)
	}
}

func TestServer_IdleSessionNotReapedEarly(t *testing.T) {
	const timeout = 400 * time.Millisecond
	dst, _ := startDestination(t)
	server, _, _ := startServer(t, Config{
		TargetAddress:  dst.LocalAddr().String(),
		SessionTimeout: timeout,
		SweepInterval:  20 * time.Millisecond,
	})

	start := time.Now()
	dialServer(t, server)
	if !waitFor(time.Second, func() bool { return server.Count() == 1 }) {
		t.Fatal("Expected session to be created")
	}

	time.Sleep(time.Until(start.Add(timeout * 7 / 10)))
	if server.Count() != 1 {
		t.Fatalf("Expected session alive at 70%% of the idle timeout, got %d", server.Count())
	}
	if !waitFor(2*time.Second, func() bool { return server.Count() == 0 }) {
		t.Fatal("Expected session reaped after the idle timeout")
	}
}

func TestServer_ActivityKeepsSessionAlive(t *testing.T) {
	const timeout = 300 * time.Millisecond
	cfg := func(dst *net.UDPConn) Config {
		return Config{
			TargetAddress:  dst.LocalAddr().String(),
			SessionTimeout: timeout,
			SweepInterval:  30 * time.Millisecond,
		}
	}

	t.Run("client frames", func(t *testing.T) {
		dst, received := startDestination(t)
		server, _, _ := startServer(t, cfg(dst))
		client := dialServer(t, server)

		for i := range 6 {
			frame.Write(client, []byte{byte(i)})
			receive(t, received)
			if server.Count() != 1 {
				t.Fatalf("Session lost after %d keep-alive frames", i)
			}
			time.Sleep(timeout / 2)
		}
	})

	t.Run("destination replies", func(t *testing.T) {
		dst, received := startDestination(t)
		server, _, _ := startServer(t, cfg(dst))
		client := dialServer(t, server)

		frame.Write(client, []byte("open"))
		d := receive(t, received)

		r := frame.NewReader(client)
		for i := range 6 {
			time.Sleep(timeout / 2)
			if _, err := dst.WriteToUDP([]byte{byte(i)}, d.from); err != nil {
				t.Fatalf("Failed to write reply: %v", err)
			}
			client.SetReadDeadline(time.Now().Add(2 * time.Second))
			if _, err := r.Next(); err != nil {
				t.Fatalf("Session lost after %d replies: %v", i, err)
			}
			if server.Count() != 1 {
				t.Fatalf("Expected 1 session after %d replies, got %d", i, server.Count())
			}
		}
	})
}

func TestServer_StrictSource(t *testing.T) {
	dst, received := startDestination(t)
	server, _, _ := startServer(t, Config{
		TargetAddress: dst.LocalAddr().String(),
		StrictSource:  true,
	})
	client := dialServer(t, server)

	frame.Write(client, []byte("hi"))
	d := receive(t, received)

	stranger, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("Failed to create stranger socket: %v", err)
	}
	defer stranger.Close()

	stranger.WriteToUDP([]byte("spoof"), d.from)
	time.Sleep(100 * time.Millisecond)
	dst.WriteToUDP([]byte("real"), d.from)

	r := frame.NewReader(client)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	p, err := r.Next()
	if err != nil {
		t.Fatalf("Failed to read reply: %v", err)
	}
	if string(p) != "real" {
		t.Errorf("Expected only the destination's reply, got %q", p)
	}
}

func TestServer_MaxSessions(t *testing.T) {
	dst, _ := startDestination(t)
	server, _, _ := startServer(t, Config{
		TargetAddress: dst.LocalAddr().String(),
		MaxSessions:   1,
	})

	dialServer(t, server)
	if !waitFor(time.Second, func() bool { return server.Count() == 1 }) {
		t.Fatal("Expected first session to be created")
	}

	second := dialServer(t, server)
	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := second.Read(make([]byte, 1)); err == nil {
		t.Error("Expected connection over the limit to be closed")
	}
	if server.Count() != 1 {
		t.Errorf("Expected 1 session, got %d", server.Count())
	}
}

func TestServer_GracefulShutdown(t *testing.T) {
	dst, received := startDestination(t)
	server, cancel, errCh := startServer(t, Config{TargetAddress: dst.LocalAddr().String()})
	client := dialServer(t, server)

	frame.Write(client, []byte("hello"))
	receive(t, received)

	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Expected nil error on shutdown, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Listen did not return after cancellation")
	}

	if server.Count() != 0 {
		t.Errorf("Expected all sessions closed, got %d", server.Count())
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadAll(client); err != nil {
		t.Errorf("Expected EOF after shutdown, got %v", err)
	}
}

// exhaustedListener reports EMFILE for the next failures Accept calls once
// a connection is waiting, then hands that connection out.
type exhaustedListener struct {
	net.Listener

	mu       sync.Mutex
	failures int
	pending  net.Conn
}

func (l *exhaustedListener) fail(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures = n
}

func (l *exhaustedListener) emfile() error {
	return &net.OpError{Op: "accept", Net: "tcp", Addr: l.Addr(), Err: os.NewSyscallError("accept4", syscall.EMFILE)}
}

func (l *exhaustedListener) Accept() (net.Conn, error) {
	l.mu.Lock()
	if l.pending != nil {
		if l.failures > 0 {
			l.failures--
			l.mu.Unlock()
			return nil, l.emfile()
		}
		c := l.pending
		l.pending = nil
		l.mu.Unlock()
		return c, nil
	}
	l.mu.Unlock()

	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failures > 0 {
		l.failures--
		l.pending = c
		return nil, l.emfile()
	}
	return c, nil
}

func serveListener(t *testing.T, cfg Config, ln net.Listener) (*Server, <-chan error) {
	t.Helper()

	if cfg.Logger == nil {
		cfg.Logger = testLogger
	}
	target, err := resolveTarget(cfg.TargetAddress)
	if err != nil {
		t.Fatalf("Failed to resolve target: %v", err)
	}

	server := New(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.serve(ctx, ln, target)
	}()
	t.Cleanup(cancel)

	if !waitFor(2*time.Second, server.Ready) {
		t.Fatal("Server did not become ready")
	}
	return server, errCh
}

func TestServer_AcceptErrorKeepsSessions(t *testing.T) {
	dst, received := startDestination(t)
	tcpLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	ln := &exhaustedListener{Listener: tcpLn}
	server, errCh := serveListener(t, Config{TargetAddress: dst.LocalAddr().String()}, ln)

	first := dialServer(t, server)
	first.Write([]byte{0, 0, 0, 1, '1'})
	if d := receive(t, received); string(d.payload) != "1" {
		t.Fatalf("Expected %q, got %q", "1", d.payload)
	}

	ln.fail(3)
	second := dialServer(t, server)
	second.Write([]byte{0, 0, 0, 1, '2'})
	if d := receive(t, received); string(d.payload) != "2" {
		t.Errorf("Expected second client to be served after accept errors, got %q", d.payload)
	}

	select {
	case err := <-errCh:
		t.Fatalf("Listen returned after a transient accept error: %v", err)
	default:
	}
	if server.Count() != 2 {
		t.Errorf("Expected 2 live sessions, got %d", server.Count())
	}

	first.Write([]byte{0, 0, 0, 1, '3'})
	if d := receive(t, received); string(d.payload) != "3" {
		t.Errorf("Expected first session to survive, got %q", d.payload)
	}
}

func TestServer_ClosedListenerReturnsIngressClosed(t *testing.T) {
	dst, _ := startDestination(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	server, errCh := serveListener(t, Config{TargetAddress: dst.LocalAddr().String()}, ln)

	ln.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, tunerrors.ErrIngressClosed) {
			t.Errorf("Expected ErrIngressClosed, got %v", err)
		}
		var te *tunerrors.TunnelError
		if !errors.As(err, &te) || te.Instance != server.Instance() || te.Op != "accept" {
			t.Errorf("Expected accept TunnelError for instance %s, got %v", server.Instance(), err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Listen did not return after listener closed")
	}
}

func TestAcceptBackoff(t *testing.T) {
	var got []time.Duration
	var d time.Duration
	for range 10 {
		d = acceptBackoff(d)
		got = append(got, d)
	}
	if got[0] != minAcceptDelay || got[1] != 2*minAcceptDelay {
		t.Errorf("Expected backoff to start at %s and double, got %v", minAcceptDelay, got[:2])
	}
	if got[len(got)-1] != maxAcceptDelay {
		t.Errorf("Expected backoff capped at %s, got %s", maxAcceptDelay, got[len(got)-1])
	}
}

func TestServer_UnresolvableTarget(t *testing.T) {
	server := New(Config{
		Address:       "127.0.0.1:0",
		TargetAddress: "not a host:port",
		Logger:        testLogger,
	})
	err := server.Listen(context.Background())
	var te *tunerrors.TunnelError
	if !errors.As(err, &te) || te.Op != "resolve" || te.Instance != server.Instance() {
		t.Errorf("Expected resolve TunnelError for instance %s, got %v", server.Instance(), err)
	}
}

func pipeSession(t *testing.T, id uint64) *Session {
	t.Helper()

	c1, c2 := net.Pipe()
	t.Cleanup(func() { c2.Close() })
	u, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	opts := conn.Options{Logger: testLogger}
	return newSession(id, netip.MustParseAddrPort("127.0.0.1:1"), conn.NewStreamConn(c1, opts), conn.NewPacketConn(u, opts))
}

func TestSessionSet(t *testing.T) {
	ss := NewSessionSet(2)
	a, b, c := pipeSession(t, 1), pipeSession(t, 2), pipeSession(t, 3)

	if err := ss.Add(a); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := ss.Add(b); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := ss.Add(c); !errors.Is(err, tunerrors.ErrSessionLimit) {
		t.Errorf("Expected ErrSessionLimit, got %v", err)
	}

	if !ss.Remove(a) || ss.Remove(a) {
		t.Error("Expected Remove to succeed exactly once")
	}

	if got := ss.Expired(time.Now().Add(time.Minute), 30*time.Second); len(got) != 1 || got[0] != b {
		t.Errorf("Expected b to be expired, got %v", got)
	}

	if all := ss.TakeAll(); len(all) != 1 || ss.Count() != 0 {
		t.Errorf("Expected TakeAll to empty the set, got %d left", ss.Count())
	}

	for _, s := range []*Session{a, b, c} {
		if !s.Dispose() {
			t.Error("Expected first Dispose to report true")
		}
		if !s.Inbound.Disposed() || !s.Outbound.Disposed() {
			t.Error("Expected both legs disposed")
		}
	}
}
