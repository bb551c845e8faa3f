// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/uotunnel/pkg/conn"
	tunerrors "github.com/absmach/uotunnel/pkg/errors"
	"github.com/absmach/uotunnel/pkg/metrics"
	"github.com/absmach/uotunnel/pkg/ratelimit"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/pires/go-proxyproto"
)

// Mode is the tunnel mode served by this package.
const Mode = "tcp2udp"

const (
	// DefaultSessionTimeout is how long a session may stay idle before the
	// sweep disposes it.
	DefaultSessionTimeout = 15 * time.Second

	// DefaultSweepInterval is how often idle sessions are looked for.
	DefaultSweepInterval = 10 * time.Second

	// DefaultKeepAlive is the keep-alive period of accepted connections.
	DefaultKeepAlive = 15 * time.Second

	// DefaultProxyHeaderTimeout bounds the wait for a PROXY protocol header.
	DefaultProxyHeaderTimeout = 5 * time.Second

	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

// Config holds the TCP-to-UDP director configuration.
type Config struct {
	// Address is the TCP listen address (host:port).
	Address string

	// TargetAddress is the UDP destination every session sends to (host:port).
	TargetAddress string

	// SessionTimeout is the idle time after which a session is disposed.
	SessionTimeout time.Duration

	// SweepInterval is the period of the idle sweep.
	SweepInterval time.Duration

	// KeepAlive is the TCP keep-alive period. Negative disables keep-alive.
	KeepAlive time.Duration

	// StrictSource drops datagrams on a session's UDP socket that do not
	// come from TargetAddress. Off by default: any sender's reply is
	// relayed to the client.
	StrictSource bool

	// ProxyProtocol reads a PROXY protocol v1/v2 header from each accepted
	// connection and uses the client address it carries. Connections
	// without a header are accepted as they are.
	ProxyProtocol bool

	// ProxyHeaderTimeout bounds the header read when ProxyProtocol is set.
	ProxyHeaderTimeout time.Duration

	// QueueSize bounds each connection's send queue.
	// If 0, conn.DefaultQueueSize is used.
	QueueSize int

	// MaxIdleBuffers caps each connection's buffer pool.
	MaxIdleBuffers int

	// MaxSessions caps live sessions. If 0, no limit is enforced.
	MaxSessions int

	// ReadBufferSize sets each session UDP socket's receive buffer (SO_RCVBUF).
	// If 0, uses system default.
	ReadBufferSize int

	// WriteBufferSize sets each session UDP socket's send buffer (SO_SNDBUF).
	// If 0, uses system default.
	WriteBufferSize int

	// Limiter limits accepted connections per client address. Optional.
	Limiter *ratelimit.Limiter

	// Metrics records tunnel metrics. Optional.
	Metrics *metrics.Metrics

	// Logger for director events
	Logger *slog.Logger
}

// Server accepts TCP connections and relays the frames of each one as
// datagrams to TargetAddress from a dedicated UDP socket.
type Server struct {
	config   Config
	instance string
	logger   *slog.Logger
	sessions *SessionSet
	nextID   atomic.Uint64
	addr     atomic.Pointer[net.Addr]
	ready    atomic.Bool
	wg       sync.WaitGroup
}

// New creates a new TCP-to-UDP director.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = DefaultSessionTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.KeepAlive == 0 {
		cfg.KeepAlive = DefaultKeepAlive
	}
	if cfg.ProxyHeaderTimeout <= 0 {
		cfg.ProxyHeaderTimeout = DefaultProxyHeaderTimeout
	}

	instance := uuid.NewString()
	return &Server{
		config:   cfg,
		instance: instance,
		logger: cfg.Logger.With(
			slog.String("mode", Mode),
			slog.String("instance", instance),
		),
		sessions: NewSessionSet(cfg.MaxSessions),
	}
}

// Listen opens the TCP listener and accepts connections until ctx is
// cancelled, in which case every session is closed and nil is returned, or
// until the listener is closed underneath it, in which case an error
// wrapping ErrIngressClosed is returned. Other accept failures, such as
// running out of file descriptors, are logged and retried with backoff.
func (s *Server) Listen(ctx context.Context) error {
	target, err := resolveTarget(s.config.TargetAddress)
	if err != nil {
		return s.listenError("resolve", s.config.TargetAddress, err)
	}

	lc := net.ListenConfig{KeepAlive: s.config.KeepAlive}
	listener, err := lc.Listen(ctx, "tcp", s.config.Address)
	if err != nil {
		return s.listenError("bind", s.config.Address, err)
	}
	if s.config.ProxyProtocol {
		listener = &proxyproto.Listener{
			Listener:          listener,
			ReadHeaderTimeout: s.config.ProxyHeaderTimeout,
		}
	}
	return s.serve(ctx, listener, target)
}

// serve runs the accept loop on listener and owns it from here on.
func (s *Server) serve(ctx context.Context, listener net.Listener, target netip.AddrPort) error {
	defer listener.Close()

	addr := listener.Addr()
	s.addr.Store(&addr)
	s.ready.Store(true)
	defer s.ready.Store(false)

	s.logger.Info("TCP-to-UDP director started",
		slog.String("address", addr.String()),
		slog.String("target", target.String()),
		slog.Bool("strict_source", s.config.StrictSource),
		slog.Bool("proxy_protocol", s.config.ProxyProtocol),
		slog.Duration("session_timeout", s.config.SessionTimeout),
		slog.Duration("sweep_interval", s.config.SweepInterval))

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go s.sweep(sweepCtx)

	acceptErr := make(chan error, 1)
	go func() {
		var delay time.Duration
		for {
			c, err := listener.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
					acceptErr <- err
					return
				}
				delay = acceptBackoff(delay)
				s.config.Metrics.SessionFailed(Mode, "accept")
				s.logger.Error("failed to accept connection",
					slog.String("error", err.Error()),
					slog.Duration("retry_in", delay))
				select {
				case <-ctx.Done():
					acceptErr <- ctx.Err()
					return
				case <-time.After(delay):
				}
				continue
			}
			delay = 0
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.handleConn(c, target)
			}()
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, closing listener")
		if err := listener.Close(); err != nil {
			s.logger.Error("error closing listener", slog.String("error", err.Error()))
		}
		<-acceptErr
		s.wg.Wait()
		s.closeAll()
		return nil
	case err := <-acceptErr:
		s.wg.Wait()
		s.closeAll()
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, net.ErrClosed) {
			err = fmt.Errorf("%w: %w", tunerrors.ErrIngressClosed, err)
		}
		return s.listenError("accept", addr.String(), err)
	}
}

// acceptBackoff doubles the previous delay between minAcceptDelay and
// maxAcceptDelay.
func acceptBackoff(prev time.Duration) time.Duration {
	if prev == 0 {
		return minAcceptDelay
	}
	return min(2*prev, maxAcceptDelay)
}

func (s *Server) listenError(op, addr string, err error) error {
	return &tunerrors.TunnelError{
		Op:         op,
		Mode:       Mode,
		Instance:   s.instance,
		RemoteAddr: addr,
		Err:        err,
	}
}

// Instance returns the id this director attaches to its logs and to the
// errors returned from Listen.
func (s *Server) Instance() string {
	return s.instance
}

// Addr returns the bound listener address, or nil before Listen binds.
func (s *Server) Addr() net.Addr {
	if a := s.addr.Load(); a != nil {
		return *a
	}
	return nil
}

// Ready reports whether the listener is bound and accepting.
func (s *Server) Ready() bool {
	return s.ready.Load()
}

// Count returns the number of live sessions.
func (s *Server) Count() int {
	return s.sessions.Count()
}

func resolveTarget(address string) (netip.AddrPort, error) {
	ua, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return netip.AddrPort{}, err
	}
	ap := ua.AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
}

func (s *Server) connOptions(transport string) conn.Options {
	return conn.Options{
		QueueSize:      s.config.QueueSize,
		MaxIdleBuffers: s.config.MaxIdleBuffers,
		OnQueueFull:    s.config.Metrics.QueueFullFunc(Mode, transport),
		Logger:         s.logger,
	}
}

// handleConn sets up a session for c. With ProxyProtocol set, the first
// RemoteAddr call waits for the header.
func (s *Server) handleConn(c net.Conn, target netip.AddrPort) {
	var client netip.AddrPort
	if ta, ok := c.RemoteAddr().(*net.TCPAddr); ok {
		client = ta.AddrPort()
	}

	if !s.config.Limiter.Allow(client.Addr()) {
		s.reject(c, client, tunerrors.ErrRateLimited)
		return
	}

	network := "udp6"
	if target.Addr().Is4() {
		network = "udp4"
	}
	udpConn, err := net.ListenUDP(network, nil)
	if err != nil {
		s.reject(c, client, tunerrors.New("socket", Mode, 0, client.String(), err))
		return
	}
	if s.config.ReadBufferSize > 0 {
		if err := udpConn.SetReadBuffer(s.config.ReadBufferSize); err != nil {
			s.logger.Warn("failed to set read buffer size", slog.String("error", err.Error()))
		}
	}
	if s.config.WriteBufferSize > 0 {
		if err := udpConn.SetWriteBuffer(s.config.WriteBufferSize); err != nil {
			s.logger.Warn("failed to set write buffer size", slog.String("error", err.Error()))
		}
	}

	inbound := conn.NewStreamConn(c, s.connOptions("tcp"))
	outbound := conn.NewPacketConn(udpConn, s.connOptions("udp"))
	sess := newSession(s.nextID.Add(1), client, inbound, outbound)

	if err := s.sessions.Add(sess); err != nil {
		sess.Dispose()
		s.config.Metrics.SessionFailed(Mode, "session_limit")
		s.logger.Warn("rejecting connection",
			slog.String("client", client.String()),
			slog.String("error", err.Error()))
		return
	}
	s.config.Metrics.SessionOpened(Mode)

	outbound.Start(func(payload []byte, from netip.AddrPort) {
		if s.config.StrictSource && netip.AddrPortFrom(from.Addr().Unmap(), from.Port()) != target {
			s.config.Metrics.Drop(Mode, "foreign_source")
			s.logger.Debug("dropping datagram from foreign source",
				slog.Uint64("session", sess.ID),
				slog.String("from", from.String()))
			return
		}
		sess.Touch()
		if err := inbound.Send(payload); err != nil {
			s.config.Metrics.Drop(Mode, "session_closed")
			return
		}
		sess.Transferred(len(payload))
		s.config.Metrics.Forwarded(Mode, metrics.Downstream, len(payload))
	}, func() {
		s.dispose(sess, "udp socket closed")
	})

	inbound.Start(func(payload []byte) {
		sess.Touch()
		if err := outbound.Send(payload, target); err != nil {
			s.config.Metrics.Drop(Mode, "session_closed")
			return
		}
		sess.Transferred(len(payload))
		s.config.Metrics.Forwarded(Mode, metrics.Upstream, len(payload))
	}, func() {
		s.dispose(sess, "client closed")
	})

	s.logger.Debug("new session created",
		slog.Uint64("session", sess.ID),
		slog.String("client", client.String()),
		slog.String("local", outbound.LocalAddr().String()))
}

func (s *Server) reject(c net.Conn, client netip.AddrPort, err error) {
	c.Close()
	s.config.Metrics.SessionFailed(Mode, errorType(err))
	s.logger.Warn("rejecting connection",
		slog.String("client", client.String()),
		slog.String("error", err.Error()))
}

func (s *Server) dispose(sess *Session, reason string) {
	if !sess.Dispose() {
		return
	}
	s.sessions.Remove(sess)
	s.config.Metrics.SessionClosed(Mode, sess.Created)
	s.logger.Debug("session closed",
		slog.Uint64("session", sess.ID),
		slog.String("client", sess.Client.String()),
		slog.String("transferred", humanize.Bytes(sess.Bytes())),
		slog.String("reason", reason))
}

// sweep disposes idle sessions every SweepInterval until ctx is done.
func (s *Server) sweep(ctx context.Context) {
	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			expired := s.sessions.Expired(now, s.config.SessionTimeout)
			for _, sess := range expired {
				s.config.Metrics.SessionReaped(Mode)
				s.dispose(sess, "idle timeout")
			}
			if len(expired) > 0 {
				s.logger.Debug("cleaned up expired sessions", slog.Int("count", len(expired)))
			}
		}
	}
}

func (s *Server) closeAll() {
	all := s.sessions.TakeAll()
	for _, sess := range all {
		s.dispose(sess, "shutdown")
	}
	if len(all) > 0 {
		s.logger.Info("sessions closed", slog.Int("count", len(all)))
	}
}

func errorType(err error) string {
	switch {
	case errors.Is(err, tunerrors.ErrSessionLimit):
		return "session_limit"
	case errors.Is(err, tunerrors.ErrRateLimited):
		return "rate_limited"
	default:
		return "socket"
	}
}
