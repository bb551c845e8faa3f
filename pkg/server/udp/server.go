// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package udp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/absmach/uotunnel/pkg/breaker"
	"github.com/absmach/uotunnel/pkg/conn"
	tunerrors "github.com/absmach/uotunnel/pkg/errors"
	"github.com/absmach/uotunnel/pkg/metrics"
	"github.com/absmach/uotunnel/pkg/ratelimit"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
)

// Mode is the tunnel mode served by this package.
const Mode = "udp2tcp"

const (
	// DefaultSessionTimeout is how long a session may stay idle before the
	// sweep disposes it.
	DefaultSessionTimeout = 15 * time.Second

	// DefaultSweepInterval is how often idle sessions are looked for.
	DefaultSweepInterval = 10 * time.Second

	// DefaultDialTimeout bounds each outbound TCP connect.
	DefaultDialTimeout = 5 * time.Second

	// DefaultKeepAlive is the keep-alive period of outbound TCP connections.
	DefaultKeepAlive = 15 * time.Second
)

// Config holds the UDP-to-TCP director configuration.
type Config struct {
	// Address is the UDP listen address (host:port).
	Address string

	// TargetAddress is the TCP destination every session dials (host:port).
	TargetAddress string

	// SessionTimeout is the idle time after which a session is disposed.
	SessionTimeout time.Duration

	// SweepInterval is the period of the idle sweep.
	SweepInterval time.Duration

	// DialTimeout bounds each outbound connect.
	DialTimeout time.Duration

	// KeepAlive is the TCP keep-alive period. Negative disables keep-alive.
	KeepAlive time.Duration

	// QueueSize bounds each connection's send queue.
	// If 0, conn.DefaultQueueSize is used.
	QueueSize int

	// MaxIdleBuffers caps each connection's buffer pool.
	MaxIdleBuffers int

	// MaxSessions caps live sessions. If 0, no limit is enforced.
	MaxSessions int

	// ReadBufferSize sets the ingress socket receive buffer (SO_RCVBUF).
	// If 0, uses system default.
	ReadBufferSize int

	// WriteBufferSize sets the ingress socket send buffer (SO_SNDBUF).
	// If 0, uses system default.
	WriteBufferSize int

	// Breaker guards outbound dials. Optional.
	Breaker *breaker.CircuitBreaker

	// Limiter limits session creation per source address. Optional.
	Limiter *ratelimit.Limiter

	// Metrics records tunnel metrics. Optional.
	Metrics *metrics.Metrics

	// Logger for director events
	Logger *slog.Logger
}

// Server accepts UDP datagrams and relays each source endpoint over its
// own TCP connection to TargetAddress.
type Server struct {
	config   Config
	instance string
	logger   *slog.Logger
	sessions *SessionManager
	dialer   net.Dialer
	nextID   atomic.Uint64
	ingress  atomic.Pointer[conn.PacketConn]
	ready    atomic.Bool
}

// New creates a new UDP-to-TCP director.
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
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.KeepAlive == 0 {
		cfg.KeepAlive = DefaultKeepAlive
	}

	instance := uuid.NewString()
	logger := cfg.Logger.With(
		slog.String("mode", Mode),
		slog.String("instance", instance),
	)

	s := &Server{
		config:   cfg,
		instance: instance,
		logger:   logger,
		sessions: NewSessionManager(cfg.MaxSessions),
		dialer: net.Dialer{
			Timeout:   cfg.DialTimeout,
			KeepAlive: cfg.KeepAlive,
		},
	}

	if cfg.Breaker != nil {
		cfg.Breaker.OnStateChange(func(from, to breaker.State) {
			logger.Warn("dial circuit breaker state changed",
				slog.String("target", cfg.TargetAddress),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
			cfg.Metrics.BreakerStateChanged(cfg.TargetAddress, int(to), to == breaker.StateOpen)
		})
	}

	return s
}

// Listen binds the ingress socket and relays traffic until ctx is cancelled
// or the ingress socket fails. On cancellation every session is disposed
// and nil is returned; an ingress failure returns an error wrapping
// ErrIngressClosed.
func (s *Server) Listen(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", s.config.Address)
	if err != nil {
		return s.listenError("resolve", s.config.Address, err)
	}

	udpConn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return s.listenError("bind", s.config.Address, err)
	}

	if s.config.ReadBufferSize > 0 {
		if err := udpConn.SetReadBuffer(s.config.ReadBufferSize); err != nil {
			s.logger.Warn("failed to set read buffer size",
				slog.String("error", err.Error()))
		}
	}
	if s.config.WriteBufferSize > 0 {
		if err := udpConn.SetWriteBuffer(s.config.WriteBufferSize); err != nil {
			s.logger.Warn("failed to set write buffer size",
				slog.String("error", err.Error()))
		}
	}

	ingress := conn.NewPacketConn(udpConn, s.connOptions("udp"))
	s.ingress.Store(ingress)
	defer s.ready.Store(false)

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()

	closed := make(chan struct{})
	ingress.Start(func(payload []byte, from netip.AddrPort) {
		s.handleDatagram(ctx, ingress, payload, from)
	}, func() { close(closed) })

	s.ready.Store(true)
	s.logger.Info("UDP-to-TCP director started",
		slog.String("address", udpConn.LocalAddr().String()),
		slog.String("target", s.config.TargetAddress),
		slog.Duration("session_timeout", s.config.SessionTimeout),
		slog.Duration("sweep_interval", s.config.SweepInterval))

	go s.sweep(sweepCtx)

	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, closing ingress")
		ingress.Dispose()
		// Disposing sessions unblocks a receive callback stuck on a full
		// upstream queue; the second pass catches one created meanwhile.
		s.closeAll()
		<-closed
		s.closeAll()
		return nil
	case <-closed:
		ingress.Dispose()
		s.closeAll()
		return s.listenError("receive", udpConn.LocalAddr().String(), tunerrors.ErrIngressClosed)
	}
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

// Addr returns the bound ingress address, or nil before Listen binds.
func (s *Server) Addr() net.Addr {
	if in := s.ingress.Load(); in != nil {
		return in.LocalAddr()
	}
	return nil
}

// Ready reports whether the ingress socket is bound and receiving.
func (s *Server) Ready() bool {
	return s.ready.Load()
}

// Count returns the number of live sessions.
func (s *Server) Count() int {
	return s.sessions.Count()
}

func (s *Server) connOptions(transport string) conn.Options {
	return conn.Options{
		QueueSize:      s.config.QueueSize,
		MaxIdleBuffers: s.config.MaxIdleBuffers,
		OnQueueFull:    s.config.Metrics.QueueFullFunc(Mode, transport),
		Logger:         s.logger,
	}
}

// handleDatagram runs on the ingress receive goroutine.
func (s *Server) handleDatagram(ctx context.Context, ingress *conn.PacketConn, payload []byte, from netip.AddrPort) {
	key := NewConnectionID(from)

	sess, created, err := s.sessions.GetOrCreate(key, func() (*Session, error) {
		return s.open(ctx, ingress, from)
	})
	if err != nil {
		s.config.Metrics.SessionFailed(Mode, errorType(err))
		s.config.Metrics.Drop(Mode, "no_session")
		s.logger.Warn("failed to create session, dropping datagram",
			slog.String("client", from.String()),
			slog.String("error", err.Error()))
		return
	}
	if created {
		s.config.Metrics.SessionOpened(Mode)
		s.logger.Debug("new session created",
			slog.Uint64("session", sess.ID),
			slog.String("client", from.String()),
			slog.String("local", sess.Upstream.LocalAddr().String()))
	}

	sess.Touch()
	if err := sess.Upstream.Send(payload); err != nil {
		s.config.Metrics.Drop(Mode, "session_closed")
		s.logger.Debug("dropping datagram for closed session",
			slog.Uint64("session", sess.ID),
			slog.String("error", err.Error()))
		return
	}
	sess.Transferred(len(payload))
	s.config.Metrics.Forwarded(Mode, metrics.Upstream, len(payload))
}

// open dials the destination and starts the session's TCP leg. It runs
// with the session table locked.
func (s *Server) open(ctx context.Context, ingress *conn.PacketConn, from netip.AddrPort) (*Session, error) {
	if !s.config.Limiter.Allow(from.Addr()) {
		return nil, tunerrors.ErrRateLimited
	}

	var c net.Conn
	err := s.config.Breaker.Call(func() error {
		var err error
		c, err = s.dialer.DialContext(ctx, "tcp", s.config.TargetAddress)
		return err
	})
	if err != nil {
		if errors.Is(err, breaker.ErrCircuitOpen) {
			err = fmt.Errorf("%w: %w", tunerrors.ErrBackendUnavailable, err)
		}
		return nil, tunerrors.New("dial", Mode, 0, s.config.TargetAddress, err)
	}

	upstream := conn.NewStreamConn(c, s.connOptions("tcp"))
	sess := newSession(s.nextID.Add(1), from, upstream)

	upstream.Start(func(payload []byte) {
		sess.Touch()
		if err := ingress.Send(payload, sess.Source); err != nil {
			s.config.Metrics.Drop(Mode, "ingress_closed")
			return
		}
		sess.Transferred(len(payload))
		s.config.Metrics.Forwarded(Mode, metrics.Downstream, len(payload))
	}, func() {
		s.dispose(sess, "upstream closed")
	})

	return sess, nil
}

func (s *Server) dispose(sess *Session, reason string) {
	if !sess.Dispose() {
		return
	}
	s.sessions.Remove(sess)
	s.config.Metrics.SessionClosed(Mode, sess.Created)
	s.logger.Debug("session closed",
		slog.Uint64("session", sess.ID),
		slog.String("client", sess.Source.String()),
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
	case errors.Is(err, tunerrors.ErrBackendUnavailable):
		return "circuit_open"
	default:
		return "dial"
	}
}
